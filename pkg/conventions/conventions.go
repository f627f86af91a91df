// Package conventions resolves message types and delivery context to broker
// level names: exchanges, queues, routing keys, error destinations and
// consumer tags.
//
// Every resolver is a plain function value on Conventions and can be replaced
// independently:
//
//	c := conventions.Default()
//	c.ConsumerTagNaming = func() string { return "billing-worker" }
package conventions

import (
	"errors"
	"reflect"

	"procodus.dev/easybus/pkg/message"
)

const (
	// DefaultErrorQueue is the queue that receives messages whose handlers failed.
	DefaultErrorQueue = "EasyNetQ_Default_Error_Queue"
	// ErrorExchangePrefix prefixes the routing key to form the error exchange name.
	ErrorExchangePrefix = "ErrorExchange_"
	// DefaultRpcExchange is the exchange used for request/response messaging.
	DefaultRpcExchange = "easy_net_q_rpc"
	// RpcReturnQueuePrefix prefixes the generated id of an rpc response queue.
	RpcReturnQueuePrefix = "easynetq.response."
)

// ExchangeNameConvention maps a message type to the exchange it is published to.
type ExchangeNameConvention func(messageType reflect.Type) string

// TopicNameConvention maps a message type to its default topic.
type TopicNameConvention func(messageType reflect.Type) string

// QueueNameConvention maps a message type and subscriber id to a queue name.
type QueueNameConvention func(messageType reflect.Type, subscriberID string) string

// RpcRoutingKeyNamingConvention maps a request type to its rpc routing key.
type RpcRoutingKeyNamingConvention func(messageType reflect.Type) string

// ErrorQueueNameConvention names the queue that collects failed messages.
type ErrorQueueNameConvention func() string

// ErrorExchangeNameConvention names the exchange a failed delivery is republished to.
type ErrorExchangeNameConvention func(info message.ReceivedInfo) string

// RpcExchangeNameConvention names the rpc exchange.
type RpcExchangeNameConvention func() string

// RpcReturnQueueNamingConvention names a fresh rpc response queue.
type RpcReturnQueueNamingConvention func() string

// ConsumerTagConvention produces the tag for a new consumer registration.
type ConsumerTagConvention func() string

// Conventions is the set of naming rules used to build topology. It is safe
// for concurrent reads once set up; replace fields before sharing it.
type Conventions struct {
	ExchangeNaming       ExchangeNameConvention
	TopicNaming          TopicNameConvention
	QueueNaming          QueueNameConvention
	RpcRoutingKeyNaming  RpcRoutingKeyNamingConvention
	ErrorQueueNaming     ErrorQueueNameConvention
	ErrorExchangeNaming  ErrorExchangeNameConvention
	RpcExchangeNaming    RpcExchangeNameConvention
	RpcReturnQueueNaming RpcReturnQueueNamingConvention
	ConsumerTagNaming    ConsumerTagConvention
}

// New returns Conventions populated with the default rules. The serializer
// is required; a nil ids falls back to random UUIDs.
func New(serializer TypeNameSerializer, ids IDGenerator) (*Conventions, error) {
	if serializer == nil {
		return nil, errors.New("type name serializer cannot be nil")
	}
	if ids == nil {
		ids = UUIDGenerator{}
	}

	return &Conventions{
		ExchangeNaming: serializer.Serialize,
		TopicNaming: func(reflect.Type) string {
			return ""
		},
		QueueNaming: func(messageType reflect.Type, subscriberID string) string {
			return serializer.Serialize(messageType) + "_" + subscriberID
		},
		RpcRoutingKeyNaming: serializer.Serialize,
		ErrorQueueNaming: func() string {
			return DefaultErrorQueue
		},
		ErrorExchangeNaming: func(info message.ReceivedInfo) string {
			return ErrorExchangePrefix + info.RoutingKey
		},
		RpcExchangeNaming: func() string {
			return DefaultRpcExchange
		},
		RpcReturnQueueNaming: func() string {
			return RpcReturnQueuePrefix + ids.NewID()
		},
		ConsumerTagNaming: ids.NewID,
	}, nil
}

// Default returns Conventions backed by the reflection type name serializer
// and UUID identifiers.
func Default() *Conventions {
	c, _ := New(DefaultTypeNameSerializer{}, UUIDGenerator{})
	return c
}

// TypeOf returns the message type for T.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
