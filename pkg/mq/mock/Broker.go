// Package mock provides mock implementations of the mq package interfaces for testing.
package mock

import (
	"context"
	"fmt"
	"sync"

	"procodus.dev/easybus/pkg/message"
	"procodus.dev/easybus/pkg/mq"
	"procodus.dev/easybus/pkg/topology"
)

// MockBroker is a mock implementation of mq.Broker for testing.
// It tracks method calls, allows configuring return values and lets tests
// inject deliveries through Deliver.
type MockBroker struct {
	mu sync.Mutex

	// ConsumeFunc is called when Consume is invoked. If nil, the consumer is
	// registered and ConsumeError is returned.
	ConsumeFunc func(queue, consumerTag string, onDelivery mq.DeliveryHandler) error
	// ConsumeError is returned by Consume if ConsumeFunc is nil.
	ConsumeError error
	// ConsumeCalls tracks all calls to Consume.
	ConsumeCalls []ConsumeCall

	// CancelError is returned by Cancel.
	CancelError error
	// CancelCalls tracks the consumer tags passed to Cancel.
	CancelCalls []string

	// AckError is returned by Ack.
	AckError error
	// AckCalls tracks the delivery tags passed to Ack.
	AckCalls []uint64

	// NackError is returned by Nack.
	NackError error
	// NackCalls tracks all calls to Nack.
	NackCalls []NackCall

	// PublishFunc is called when Publish is invoked. If nil, returns PublishError.
	PublishFunc func(ctx context.Context, exchange, routingKey string, props message.Properties, body []byte) error
	// PublishError is returned by Publish if PublishFunc is nil.
	PublishError error
	// PublishCalls tracks all calls to Publish.
	PublishCalls []PublishCall

	// DeclareError is returned by DeclareQueue, DeclareExchange and BindQueue.
	DeclareError error
	// DeclaredQueues tracks every queue passed to DeclareQueue.
	DeclaredQueues []topology.Queue
	// DeclaredExchanges tracks every exchange passed to DeclareExchange.
	DeclaredExchanges []topology.Exchange
	// Bindings tracks every BindQueue call.
	Bindings []BindCall

	// CloseError is returned by Close.
	CloseError error
	// CloseCalls tracks the number of times Close was called.
	CloseCalls int

	consumers map[string]registration
}

type registration struct {
	queue      string
	onDelivery mq.DeliveryHandler
}

// ConsumeCall records the arguments to a Consume call.
type ConsumeCall struct {
	Queue       string
	ConsumerTag string
}

// NackCall records the arguments to a Nack call.
type NackCall struct {
	DeliveryTag uint64
	Requeue     bool
}

// PublishCall records the arguments to a Publish call.
type PublishCall struct {
	Ctx        context.Context
	Exchange   string
	RoutingKey string
	Properties message.Properties
	Body       []byte
}

// BindCall records the arguments to a BindQueue call.
type BindCall struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// NewMockBroker creates a new MockBroker with default behavior (no errors).
func NewMockBroker() *MockBroker {
	return &MockBroker{
		consumers: make(map[string]registration),
	}
}

// DeclareQueue implements mq.Publisher.
func (m *MockBroker) DeclareQueue(_ context.Context, q topology.Queue) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DeclaredQueues = append(m.DeclaredQueues, q)
	return m.DeclareError
}

// DeclareExchange implements mq.Publisher.
func (m *MockBroker) DeclareExchange(_ context.Context, ex topology.Exchange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DeclaredExchanges = append(m.DeclaredExchanges, ex)
	return m.DeclareError
}

// BindQueue implements mq.Publisher.
func (m *MockBroker) BindQueue(_ context.Context, queue, exchange, routingKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Bindings = append(m.Bindings, BindCall{Queue: queue, Exchange: exchange, RoutingKey: routingKey})
	return m.DeclareError
}

// Publish implements mq.Publisher.
func (m *MockBroker) Publish(ctx context.Context, exchange, routingKey string, props message.Properties, body []byte) error {
	m.mu.Lock()
	m.PublishCalls = append(m.PublishCalls, PublishCall{
		Ctx:        ctx,
		Exchange:   exchange,
		RoutingKey: routingKey,
		Properties: props,
		Body:       body,
	})
	fn := m.PublishFunc
	err := m.PublishError
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, exchange, routingKey, props, body)
	}
	return err
}

// Consume implements mq.Broker. A tag that is already registered is
// rejected with mq.ErrDuplicateConsumer, as the broker would.
func (m *MockBroker) Consume(queue, consumerTag string, onDelivery mq.DeliveryHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ConsumeCalls = append(m.ConsumeCalls, ConsumeCall{Queue: queue, ConsumerTag: consumerTag})

	if m.ConsumeFunc != nil {
		return m.ConsumeFunc(queue, consumerTag, onDelivery)
	}
	if m.ConsumeError != nil {
		return m.ConsumeError
	}
	if _, exists := m.consumers[consumerTag]; exists {
		return fmt.Errorf("%w: %s", mq.ErrDuplicateConsumer, consumerTag)
	}
	m.consumers[consumerTag] = registration{queue: queue, onDelivery: onDelivery}
	return nil
}

// Cancel implements mq.Broker.
func (m *MockBroker) Cancel(consumerTag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CancelCalls = append(m.CancelCalls, consumerTag)
	if m.CancelError != nil {
		return m.CancelError
	}
	delete(m.consumers, consumerTag)
	return nil
}

// Ack implements mq.Broker.
func (m *MockBroker) Ack(deliveryTag uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.AckCalls = append(m.AckCalls, deliveryTag)
	return m.AckError
}

// Nack implements mq.Broker.
func (m *MockBroker) Nack(deliveryTag uint64, requeue bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.NackCalls = append(m.NackCalls, NackCall{DeliveryTag: deliveryTag, Requeue: requeue})
	return m.NackError
}

// Close implements mq.Broker.
func (m *MockBroker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CloseCalls++
	return m.CloseError
}

// Deliver hands d to the consumer registered under consumerTag, filling in
// the consumer tag and queue of d.Info. It calls the delivery handler on the
// caller's goroutine, the way the real client calls it on its delivery loop.
func (m *MockBroker) Deliver(consumerTag string, d *message.Delivery) error {
	m.mu.Lock()
	reg, ok := m.consumers[consumerTag]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", mq.ErrUnknownConsumer, consumerTag)
	}

	d.Info.ConsumerTag = consumerTag
	d.Info.Queue = reg.queue
	d.Info.DeliveryTag = d.DeliveryTag
	reg.onDelivery(d)
	return nil
}

// Acks returns a copy of the acknowledged delivery tags.
func (m *MockBroker) Acks() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]uint64(nil), m.AckCalls...)
}

// Nacks returns a copy of the recorded Nack calls.
func (m *MockBroker) Nacks() []NackCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]NackCall(nil), m.NackCalls...)
}

// Cancels returns a copy of the consumer tags passed to Cancel.
func (m *MockBroker) Cancels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.CancelCalls...)
}

// Publishes returns a copy of the recorded Publish calls.
func (m *MockBroker) Publishes() []PublishCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]PublishCall(nil), m.PublishCalls...)
}

// HasConsumer reports whether consumerTag is registered.
func (m *MockBroker) HasConsumer(consumerTag string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.consumers[consumerTag]
	return ok
}

// Reset clears all tracked calls and registered consumers.
func (m *MockBroker) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ConsumeCalls = nil
	m.CancelCalls = nil
	m.AckCalls = nil
	m.NackCalls = nil
	m.PublishCalls = nil
	m.DeclaredQueues = nil
	m.DeclaredExchanges = nil
	m.Bindings = nil
	m.CloseCalls = 0
	m.consumers = make(map[string]registration)
}

// Ensure MockBroker implements mq.Broker.
var _ mq.Broker = (*MockBroker)(nil)
