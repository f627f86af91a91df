package consumer

import (
	"context"

	"procodus.dev/easybus/pkg/message"
)

// AckStrategy is the acknowledgment decision for a delivery.
type AckStrategy int

const (
	// Ack acknowledges the delivery; the broker forgets it.
	Ack AckStrategy = iota
	// NackWithRequeue rejects the delivery and asks the broker to redeliver it.
	NackWithRequeue
	// NackWithoutRequeue rejects the delivery and drops (or dead-letters) it.
	NackWithoutRequeue
)

// String returns the lower-case name of s.
func (s AckStrategy) String() string {
	switch s {
	case Ack:
		return "ack"
	case NackWithRequeue:
		return "nack_requeue"
	case NackWithoutRequeue:
		return "nack_discard"
	default:
		return "unknown"
	}
}

// Valid reports whether s is one of the defined strategies.
func (s AckStrategy) Valid() bool {
	return s == Ack || s == NackWithRequeue || s == NackWithoutRequeue
}

// ErrorStrategy decides what happens to a delivery whose handler failed.
// Implementations must be safe for concurrent use and should not panic; the
// dispatcher turns a panic or an invalid result into NackWithoutRequeue.
type ErrorStrategy interface {
	HandleConsumerError(ctx context.Context, d *message.Delivery, err error) AckStrategy
}

// StrategyFunc adapts a function to ErrorStrategy.
type StrategyFunc func(ctx context.Context, d *message.Delivery, err error) AckStrategy

// HandleConsumerError implements ErrorStrategy.
func (f StrategyFunc) HandleConsumerError(ctx context.Context, d *message.Delivery, err error) AckStrategy {
	return f(ctx, d, err)
}

// RequeueStrategy puts every failed delivery back on its queue.
type RequeueStrategy struct{}

// HandleConsumerError implements ErrorStrategy.
func (RequeueStrategy) HandleConsumerError(context.Context, *message.Delivery, error) AckStrategy {
	return NackWithRequeue
}

// DiscardStrategy rejects every failed delivery without requeueing it, which
// leaves it to the queue's dead-letter policy.
type DiscardStrategy struct{}

// HandleConsumerError implements ErrorStrategy.
func (DiscardStrategy) HandleConsumerError(context.Context, *message.Delivery, error) AckStrategy {
	return NackWithoutRequeue
}
