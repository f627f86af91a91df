package mq

import (
	"context"

	"procodus.dev/easybus/pkg/message"
	"procodus.dev/easybus/pkg/topology"
)

// DeliveryHandler receives deliveries on the consumer's delivery goroutine.
// It must return promptly; blocking it stalls every later delivery of the
// same consumer.
type DeliveryHandler func(d *message.Delivery)

// Publisher declares topology and publishes messages.
type Publisher interface {
	// DeclareQueue declares q on the broker. Declaring an existing queue with
	// the same arguments is a no-op.
	DeclareQueue(ctx context.Context, q topology.Queue) error

	// DeclareExchange declares ex on the broker.
	DeclareExchange(ctx context.Context, ex topology.Exchange) error

	// BindQueue binds queue to exchange with routingKey.
	BindQueue(ctx context.Context, queue, exchange, routingKey string) error

	// Publish sends body to exchange with routingKey and waits for the broker
	// confirmation. The context is used for cancellation and timeout.
	Publish(ctx context.Context, exchange, routingKey string, props message.Properties, body []byte) error
}

// Broker is the collaborator the consumer pipeline runs against.
type Broker interface {
	Publisher

	// Consume starts delivering messages from queue to onDelivery under
	// consumerTag. It returns ErrDuplicateConsumer if the tag is in use.
	Consume(queue, consumerTag string, onDelivery DeliveryHandler) error

	// Cancel stops the consumer registered under consumerTag.
	Cancel(consumerTag string) error

	// Ack acknowledges a single delivery.
	Ack(deliveryTag uint64) error

	// Nack negatively acknowledges a single delivery.
	Nack(deliveryTag uint64, requeue bool) error

	// Close will cleanly shut down the channel and connection.
	Close() error
}

// Ensure Client implements Broker.
var _ Broker = (*Client)(nil)
