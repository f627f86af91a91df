// Package message holds the broker-independent representation of a delivered
// message: its body, transport properties and delivery context.
package message

import "time"

// Properties is the broker metadata attached to a message.
type Properties struct {
	Headers         map[string]any
	Timestamp       time.Time
	ContentType     string
	ContentEncoding string
	CorrelationID   string
	ReplyTo         string
	Expiration      string
	MessageID       string
	Type            string
	UserID          string
	AppID           string
	DeliveryMode    uint8
	Priority        uint8
}

// ReceivedInfo is the delivery context of a single message.
type ReceivedInfo struct {
	ConsumerTag string
	Exchange    string
	RoutingKey  string
	Queue       string
	DeliveryTag uint64
	Redelivered bool
}

// Delivery is one message instance handed from the broker to a consumer.
type Delivery struct {
	Body        []byte
	Properties  Properties
	Info        ReceivedInfo
	DeliveryTag uint64
}

// New builds a Delivery and keeps the delivery tag of info and the tuple in sync.
func New(body []byte, props Properties, info ReceivedInfo) *Delivery {
	return &Delivery{
		Body:        body,
		Properties:  props,
		Info:        info,
		DeliveryTag: info.DeliveryTag,
	}
}
