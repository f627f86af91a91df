package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/easybus/pkg/conventions"
	"procodus.dev/easybus/pkg/message"
	"procodus.dev/easybus/pkg/mq"
	"procodus.dev/easybus/pkg/topology"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrorMessageType is the message type of the envelopes published by
// DefaultErrorStrategy.
const ErrorMessageType = "easybus.consumer_error"

// ErrorMessage is the envelope DefaultErrorStrategy publishes for a failed
// delivery.
type ErrorMessage struct {
	DateTime   time.Time          `json:"dateTime"`
	Properties message.Properties `json:"basicProperties"`
	RoutingKey string             `json:"routingKey"`
	Exchange   string             `json:"exchange"`
	Queue      string             `json:"queue"`
	Exception  string             `json:"exception"`
	Message    string             `json:"message"`
}

// DefaultErrorStrategyConfig holds the configuration for DefaultErrorStrategy.
type DefaultErrorStrategyConfig struct {
	Logger      *slog.Logger
	Publisher   mq.Publisher
	Conventions *conventions.Conventions
	// Now defaults to time.Now.
	Now func() time.Time
}

// DefaultErrorStrategy republishes failed deliveries to an error exchange
// bound to the error queue named by the conventions, then acknowledges the
// original. If the error cannot be recorded the delivery is rejected
// without requeue.
type DefaultErrorStrategy struct {
	logger      *slog.Logger
	publisher   mq.Publisher
	conventions *conventions.Conventions
	now         func() time.Time
	declared    sync.Map
}

// NewDefaultErrorStrategy creates a DefaultErrorStrategy.
func NewDefaultErrorStrategy(cfg *DefaultErrorStrategyConfig) (*DefaultErrorStrategy, error) {
	if cfg == nil {
		return nil, errors.New("error strategy config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}

	if cfg.Conventions == nil {
		return nil, errors.New("conventions cannot be nil")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &DefaultErrorStrategy{
		logger:      cfg.Logger,
		publisher:   cfg.Publisher,
		conventions: cfg.Conventions,
		now:         now,
	}, nil
}

// HandleConsumerError implements ErrorStrategy.
func (s *DefaultErrorStrategy) HandleConsumerError(ctx context.Context, d *message.Delivery, handlerErr error) AckStrategy {
	if d == nil {
		return NackWithoutRequeue
	}

	exchange, err := s.declareErrorTopology(ctx, d.Info)
	if err != nil {
		s.logger.Error("failed to declare error topology",
			"delivery_tag", d.DeliveryTag,
			"routing_key", d.Info.RoutingKey,
			"error", err,
		)
		return NackWithoutRequeue
	}

	body, err := json.Marshal(s.errorMessage(d, handlerErr))
	if err != nil {
		s.logger.Error("failed to encode error message",
			"delivery_tag", d.DeliveryTag,
			"error", err,
		)
		return NackWithoutRequeue
	}

	props := message.Properties{
		ContentType:   "application/json",
		CorrelationID: d.Properties.CorrelationID,
		Type:          ErrorMessageType,
		Timestamp:     s.now().UTC(),
		DeliveryMode:  amqp.Persistent,
	}

	if err := s.publisher.Publish(ctx, exchange, d.Info.RoutingKey, props, body); err != nil {
		s.logger.Error("failed to publish error message",
			"delivery_tag", d.DeliveryTag,
			"exchange", exchange,
			"error", err,
		)
		return NackWithoutRequeue
	}

	s.logger.Debug("failed delivery moved to error queue",
		"delivery_tag", d.DeliveryTag,
		"exchange", exchange,
	)
	return Ack
}

// declareErrorTopology declares the error exchange for info and binds the
// error queue to it, once per exchange name.
func (s *DefaultErrorStrategy) declareErrorTopology(ctx context.Context, info message.ReceivedInfo) (string, error) {
	exchange := s.conventions.ErrorExchangeNaming(info)
	if _, ok := s.declared.Load(exchange); ok {
		return exchange, nil
	}

	queue := s.conventions.ErrorQueueNaming()

	if err := s.publisher.DeclareExchange(ctx, *topology.NewExchange(exchange, topology.ExchangeDirect, true)); err != nil {
		return "", err
	}
	if err := s.publisher.DeclareQueue(ctx, *topology.NewQueue(queue, true)); err != nil {
		return "", err
	}
	if err := s.publisher.BindQueue(ctx, queue, exchange, info.RoutingKey); err != nil {
		return "", err
	}

	s.declared.Store(exchange, struct{}{})
	return exchange, nil
}

func (s *DefaultErrorStrategy) errorMessage(d *message.Delivery, handlerErr error) ErrorMessage {
	exception := "unknown error"
	if handlerErr != nil {
		exception = handlerErr.Error()
	}

	return ErrorMessage{
		DateTime:   s.now().UTC(),
		Properties: d.Properties,
		RoutingKey: d.Info.RoutingKey,
		Exchange:   d.Info.Exchange,
		Queue:      d.Info.Queue,
		Exception:  exception,
		Message:    string(d.Body),
	}
}
