// Package events provides an in-process publish/subscribe bus keyed by event
// type. The consumer pipeline publishes delivery outcomes on it.
package events

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"
)

// Bus dispatches published events to the subscribers registered for the
// event's concrete type.
type Bus struct {
	logger      *slog.Logger
	subscribers map[reflect.Type][]*subscriber
	mu          sync.RWMutex
	nextID      uint64
}

type subscriber struct {
	fn func(any)
	id uint64
}

// NewBus creates an empty Bus. A nil logger discards subscriber failures.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{
		logger:      logger,
		subscribers: make(map[reflect.Type][]*subscriber),
	}
}

// Subscribe registers handler for every event of type E published on b.
// The returned function removes the subscription.
func Subscribe[E any](b *Bus, handler func(E)) (unsubscribe func()) {
	key := reflect.TypeOf((*E)(nil)).Elem()

	b.mu.Lock()
	b.nextID++
	sub := &subscriber{
		id: b.nextID,
		fn: func(event any) {
			handler(event.(E))
		},
	}
	b.subscribers[key] = append(b.subscribers[key], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.remove(key, sub.id)
		})
	}
}

func (b *Bus) remove(key reflect.Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.subscribers[key]
	kept := make([]*subscriber, 0, len(current))
	for _, s := range current {
		if s.id != id {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(b.subscribers, key)
		return
	}
	b.subscribers[key] = kept
}

// Publish delivers event synchronously to a snapshot of the current
// subscribers of its type, in subscription order. A panicking subscriber is
// logged and does not stop delivery to the others.
func (b *Bus) Publish(event any) {
	if event == nil {
		return
	}
	key := reflect.TypeOf(event)

	b.mu.RLock()
	snapshot := b.subscribers[key]
	b.mu.RUnlock()

	for _, s := range snapshot {
		b.deliver(key, s, event)
	}
}

func (b *Bus) deliver(key reflect.Type, s *subscriber, event any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				"event_type", key.String(),
				"subscriber", s.id,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	s.fn(event)
}

// SubscriberCount returns the number of subscribers registered for E.
func SubscriberCount[E any](b *Bus) int {
	key := reflect.TypeOf((*E)(nil)).Elem()

	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[key])
}

// WaitFor returns a channel that receives the first event of type E
// accepted by match (nil accepts all). Call cancel to drop the subscription
// if the event never arrives.
func WaitFor[E any](b *Bus, match func(E) bool) (received <-chan E, cancel func()) {
	ch := make(chan E, 1)
	var once sync.Once
	unsubscribe := Subscribe(b, func(e E) {
		if match != nil && !match(e) {
			return
		}
		once.Do(func() {
			ch <- e
		})
	})
	return ch, unsubscribe
}
