// Package producer publishes batches of messages to a queue through the
// broker's default exchange.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"procodus.dev/easybus/pkg/conventions"
	"procodus.dev/easybus/pkg/message"
	"procodus.dev/easybus/pkg/mq"
)

// BodyFunc returns the body of the seq'th message.
type BodyFunc func(seq int) ([]byte, error)

// Config holds the configuration for a Producer.
type Config struct {
	Logger    *slog.Logger
	Publisher mq.Publisher
	// IDs generates message and correlation ids. Defaults to UUIDs.
	IDs conventions.IDGenerator
	// Body builds each message body.
	Body BodyFunc
	// Queue receives the messages; it is used as routing key on the
	// default exchange.
	Queue       string
	MessageType string
	ContentType string
	// Count is the number of messages to publish.
	Count int
	// Workers bounds concurrent publishes. Defaults to 1.
	Workers int
	// Interval spaces consecutive publishes. Zero publishes back to back.
	Interval time.Duration
	// Persistent marks messages for storage on disk.
	Persistent bool
}

// Producer publishes Count messages to a queue.
type Producer struct {
	logger    *slog.Logger
	config    *Config
	published atomic.Int64
}

var (
	errInvalidCount   = errors.New("message count must be greater than 0")
	errInvalidWorkers = errors.New("worker count cannot be negative")
	errEmptyQueue     = errors.New("queue name cannot be empty")
)

// New creates a Producer.
func New(cfg *Config) (*Producer, error) {
	if cfg == nil {
		return nil, errors.New("producer config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}

	if cfg.Body == nil {
		return nil, errors.New("body func cannot be nil")
	}

	if cfg.Queue == "" {
		return nil, errEmptyQueue
	}

	if cfg.Count <= 0 {
		return nil, errInvalidCount
	}

	if cfg.Workers < 0 {
		return nil, errInvalidWorkers
	}

	if cfg.Workers == 0 {
		cfg.Workers = 1
	}

	if cfg.IDs == nil {
		cfg.IDs = conventions.UUIDGenerator{}
	}

	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}

	return &Producer{
		logger: cfg.Logger.With(slog.String("queue", cfg.Queue)),
		config: cfg,
	}, nil
}

// Published returns the number of confirmed publishes so far.
func (p *Producer) Published() int {
	return int(p.published.Load())
}

// Run publishes the configured messages and returns once all of them are
// confirmed, one fails or ctx is done.
func (p *Producer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Workers)

	p.logger.Info("producer started",
		"count", p.config.Count,
		"workers", p.config.Workers,
		"interval", p.config.Interval,
	)

	var ticker *time.Ticker
	if p.config.Interval > 0 {
		ticker = time.NewTicker(p.config.Interval)
		defer ticker.Stop()
	}

loop:
	for seq := range p.config.Count {
		if ticker != nil && seq > 0 {
			select {
			case <-gctx.Done():
				break loop
			case <-ticker.C:
			}
		}
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			return p.publish(gctx, seq)
		})
	}

	err := g.Wait()
	if err == nil && p.Published() < p.config.Count {
		err = ctx.Err()
	}

	p.logger.Info("producer finished", "published", p.Published(), "error", err)
	return err
}

func (p *Producer) publish(ctx context.Context, seq int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := p.config.Body(seq)
	if err != nil {
		return fmt.Errorf("failed to build message %d: %w", seq, err)
	}

	props := message.Properties{
		ContentType:   p.config.ContentType,
		MessageID:     p.config.IDs.NewID(),
		CorrelationID: p.config.IDs.NewID(),
		Type:          p.config.MessageType,
		Timestamp:     time.Now().UTC(),
	}
	if p.config.Persistent {
		props.DeliveryMode = amqp.Persistent
	}

	if err := p.config.Publisher.Publish(ctx, "", p.config.Queue, props, body); err != nil {
		p.logger.Error("failed to publish message", "seq", seq, "error", err)
		return fmt.Errorf("failed to publish message %d: %w", seq, err)
	}

	p.published.Add(1)
	p.logger.Debug("message published", "seq", seq, "message_id", props.MessageID)
	return nil
}
