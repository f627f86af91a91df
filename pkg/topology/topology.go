// Package topology describes the broker entities (queues and exchanges) that
// consumers and publishers refer to.
package topology

// Exchange kinds understood by AMQP 0-9-1 brokers.
const (
	ExchangeDirect  = "direct"
	ExchangeTopic   = "topic"
	ExchangeFanout  = "fanout"
	ExchangeHeaders = "headers"
)

// Queue identifies a broker queue. It is a value type and is never mutated
// after creation.
type Queue struct {
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
}

// NewQueue returns a non-exclusive queue descriptor.
func NewQueue(name string, durable bool) *Queue {
	return &Queue{
		Name:    name,
		Durable: durable,
	}
}

// Exchange identifies a broker exchange.
type Exchange struct {
	Name    string
	Kind    string
	Durable bool
}

// NewExchange returns an exchange descriptor. An empty kind means direct.
func NewExchange(name, kind string, durable bool) *Exchange {
	if kind == "" {
		kind = ExchangeDirect
	}
	return &Exchange{
		Name:    name,
		Kind:    kind,
		Durable: durable,
	}
}
