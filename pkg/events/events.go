package events

import "procodus.dev/easybus/pkg/message"

// AckEvent is published once a delivery has been acknowledged.
type AckEvent struct {
	Properties  message.Properties
	Info        message.ReceivedInfo
	ConsumerTag string
	Queue       string
	DeliveryTag uint64
}

// NackEvent is published once a delivery has been negatively acknowledged.
type NackEvent struct {
	Properties  message.Properties
	Info        message.ReceivedInfo
	ConsumerTag string
	Queue       string
	DeliveryTag uint64
	Requeued    bool
}

// ConsumerErrorEvent is published when a handler fails, before the outcome
// event of the same delivery.
type ConsumerErrorEvent struct {
	Err            error
	Info           message.ReceivedInfo
	ConsumerTag    string
	Queue          string
	Decision       string
	DeliveryTag    uint64
	StrategyFailed bool
}
