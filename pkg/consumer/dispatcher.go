// Package consumer dispatches broker deliveries to application handlers and
// settles every delivery with exactly one ack or nack.
//
// Each delivery is handled on its own goroutine, so the broker's delivery
// loop is never blocked by application code. A handler that returns an
// error, panics or times out is passed to the configured ErrorStrategy,
// whose decision is sent to the broker. The outcome of every delivery is
// published on the event bus as an events.AckEvent or events.NackEvent.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"procodus.dev/easybus/pkg/conventions"
	"procodus.dev/easybus/pkg/events"
	"procodus.dev/easybus/pkg/message"
	"procodus.dev/easybus/pkg/metrics"
	"procodus.dev/easybus/pkg/mq"
	"procodus.dev/easybus/pkg/topology"
)

// Handler processes one delivered message. Returning an error (or
// panicking) hands the delivery to the ErrorStrategy.
type Handler func(ctx context.Context, body []byte, props message.Properties, info message.ReceivedInfo) error

// DispatcherConfig holds the configuration for the Dispatcher.
type DispatcherConfig struct {
	Logger      *slog.Logger
	Broker      mq.Broker
	Conventions *conventions.Conventions
	Events      *events.Bus

	// ErrorStrategy defaults to a DefaultErrorStrategy on Broker.
	ErrorStrategy ErrorStrategy

	// Metrics is the optional Prometheus metrics collector.
	Metrics *metrics.ConsumerMetrics

	// HandlerTimeout bounds a single handler invocation. Zero disables it.
	// A timed out delivery is settled through the ErrorStrategy right away,
	// but the handler keeps its MaxConcurrency slot until it returns and
	// Subscription.Cancel waits for it.
	HandlerTimeout time.Duration

	// MaxConcurrency bounds concurrently running handlers across all
	// subscriptions. Zero means unbounded.
	MaxConcurrency int
}

// Dispatcher registers consumers on the broker and runs their handlers.
type Dispatcher struct {
	logger         *slog.Logger
	broker         mq.Broker
	conventions    *conventions.Conventions
	events         *events.Bus
	strategy       ErrorStrategy
	metrics        *metrics.ConsumerMetrics
	sem            *semaphore.Weighted
	subs           map[string]*Subscription
	handlerTimeout time.Duration
	mu             sync.Mutex
}

// NewDispatcher creates a new Dispatcher instance.
func NewDispatcher(cfg *DispatcherConfig) (*Dispatcher, error) {
	if cfg == nil {
		return nil, errors.New("dispatcher config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Broker == nil {
		return nil, errors.New("broker cannot be nil")
	}

	if cfg.Conventions == nil {
		return nil, errors.New("conventions cannot be nil")
	}

	if cfg.Events == nil {
		return nil, errors.New("event bus cannot be nil")
	}

	if cfg.HandlerTimeout < 0 {
		return nil, errors.New("handler timeout cannot be negative")
	}

	if cfg.MaxConcurrency < 0 {
		return nil, errors.New("max concurrency cannot be negative")
	}

	strategy := cfg.ErrorStrategy
	if strategy == nil {
		def, err := NewDefaultErrorStrategy(&DefaultErrorStrategyConfig{
			Logger:      cfg.Logger,
			Publisher:   cfg.Broker,
			Conventions: cfg.Conventions,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create default error strategy: %w", err)
		}
		strategy = def
	}

	var sem *semaphore.Weighted
	if cfg.MaxConcurrency > 0 {
		sem = semaphore.NewWeighted(int64(cfg.MaxConcurrency))
	}

	return &Dispatcher{
		logger:         cfg.Logger,
		broker:         cfg.Broker,
		conventions:    cfg.Conventions,
		events:         cfg.Events,
		strategy:       strategy,
		metrics:        cfg.Metrics,
		sem:            sem,
		subs:           make(map[string]*Subscription),
		handlerTimeout: cfg.HandlerTimeout,
	}, nil
}

// Consume starts consuming queue, which must already be declared, and runs
// handler once per delivery. The consumer tag comes from the conventions.
//
// Invalid input fails with ErrInvalidArgument and a tag already known to the
// broker with ErrDuplicateConsumer; both before any delivery is accepted.
func (d *Dispatcher) Consume(queue *topology.Queue, handler Handler) (*Subscription, error) {
	if queue == nil {
		return nil, invalidArgument("queue cannot be nil")
	}

	if queue.Name == "" {
		return nil, invalidArgument("queue name cannot be empty")
	}

	if handler == nil {
		return nil, invalidArgument("handler cannot be nil")
	}

	tag := d.conventions.ConsumerTagNaming()
	sub := newSubscription(d, queue.Name, tag, handler)

	if err := d.broker.Consume(queue.Name, tag, sub.onDelivery); err != nil {
		return nil, fmt.Errorf("failed to consume %q: %w", queue.Name, err)
	}

	d.mu.Lock()
	d.subs[tag] = sub
	d.mu.Unlock()

	go func() {
		<-sub.Done()
		d.mu.Lock()
		if d.subs[tag] == sub {
			delete(d.subs, tag)
		}
		d.mu.Unlock()
	}()

	sub.logger.Info("subscription started")
	return sub, nil
}

// Subscriptions returns the number of subscriptions not yet cancelled.
func (d *Dispatcher) Subscriptions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// Close cancels every subscription and waits for their in-flight handlers.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	subs := make([]*Subscription, 0, len(d.subs))
	for _, s := range d.subs {
		subs = append(subs, s)
	}
	d.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Cancel(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// runStrategy asks the error strategy for a decision. A panic or an
// undefined decision degrades to NackWithoutRequeue and is returned as err.
func (d *Dispatcher) runStrategy(delivery *message.Delivery, handlerErr error) (decision AckStrategy, err error) {
	defer func() {
		if r := recover(); r != nil {
			decision = NackWithoutRequeue
			err = fmt.Errorf("error strategy panicked: %v", r)
		}
	}()

	decision = d.strategy.HandleConsumerError(context.Background(), delivery, handlerErr)
	if !decision.Valid() {
		return NackWithoutRequeue, fmt.Errorf("error strategy returned undefined decision %d", int(decision))
	}
	return decision, nil
}
