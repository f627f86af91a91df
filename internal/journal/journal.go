package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"

	"procodus.dev/easybus/pkg/events"
	"procodus.dev/easybus/pkg/message"
)

const defaultWriteTimeout = 5 * time.Second

// Config holds the configuration for the Journal.
type Config struct {
	Logger *slog.Logger
	DB     *gorm.DB
	// WriteTimeout bounds a single insert. Defaults to 5s.
	WriteTimeout time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Journal records delivery outcomes published on an event bus.
type Journal struct {
	logger       *slog.Logger
	db           *gorm.DB
	now          func() time.Time
	failures     map[deliveryKey]string
	writeTimeout time.Duration
	mu           sync.Mutex
}

type deliveryKey struct {
	consumerTag string
	deliveryTag uint64
}

// New creates a new Journal.
func New(cfg *Config) (*Journal, error) {
	if cfg == nil {
		return nil, errors.New("journal config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.DB == nil {
		return nil, errors.New("database cannot be nil")
	}

	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Journal{
		logger:       cfg.Logger,
		db:           cfg.DB,
		now:          now,
		failures:     make(map[deliveryKey]string),
		writeTimeout: timeout,
	}, nil
}

// Attach subscribes the journal to the outcome events on bus. The returned
// function detaches it again.
func (j *Journal) Attach(bus *events.Bus) (detach func()) {
	unsubscribers := []func(){
		events.Subscribe(bus, j.observeError),
		events.Subscribe(bus, func(e events.AckEvent) {
			j.write(j.ackOutcome(e))
		}),
		events.Subscribe(bus, func(e events.NackEvent) {
			j.write(j.nackOutcome(e))
		}),
	}

	return func() {
		for _, unsubscribe := range unsubscribers {
			unsubscribe()
		}
	}
}

// Recent returns up to limit outcomes for queue, newest first. An empty
// queue matches every queue.
func (j *Journal) Recent(ctx context.Context, queue string, limit int) ([]DeliveryOutcome, error) {
	var outcomes []DeliveryOutcome

	tx := j.db.WithContext(ctx).Order("settled_at DESC, id DESC").Limit(limit)
	if queue != "" {
		tx = tx.Where("queue = ?", queue)
	}
	if err := tx.Find(&outcomes).Error; err != nil {
		return nil, fmt.Errorf("failed to query delivery outcomes: %w", err)
	}
	return outcomes, nil
}

// Counts returns the number of recorded outcomes per outcome value for queue.
func (j *Journal) Counts(ctx context.Context, queue string) (map[string]int64, error) {
	var rows []struct {
		Outcome string
		Total   int64
	}

	err := j.db.WithContext(ctx).
		Model(&DeliveryOutcome{}).
		Select("outcome, count(*) AS total").
		Where("queue = ?", queue).
		Group("outcome").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count delivery outcomes: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Outcome] = r.Total
	}
	return counts, nil
}

// observeError remembers the handler failure so that it is stored with the
// outcome of the same delivery, which is published right after it.
func (j *Journal) observeError(e events.ConsumerErrorEvent) {
	reason := "unknown error"
	if e.Err != nil {
		reason = e.Err.Error()
	}
	if e.StrategyFailed {
		reason += " (error strategy failed)"
	}

	j.mu.Lock()
	j.failures[deliveryKey{e.ConsumerTag, e.DeliveryTag}] = reason
	j.mu.Unlock()
}

func (j *Journal) takeFailure(consumerTag string, deliveryTag uint64) string {
	key := deliveryKey{consumerTag, deliveryTag}

	j.mu.Lock()
	defer j.mu.Unlock()
	reason := j.failures[key]
	delete(j.failures, key)
	return reason
}

func (j *Journal) ackOutcome(e events.AckEvent) *DeliveryOutcome {
	o := j.outcome(e.Queue, e.ConsumerTag, e.DeliveryTag, e.Properties, e.Info)
	o.Outcome = OutcomeAck
	return o
}

func (j *Journal) nackOutcome(e events.NackEvent) *DeliveryOutcome {
	o := j.outcome(e.Queue, e.ConsumerTag, e.DeliveryTag, e.Properties, e.Info)
	o.Outcome = OutcomeNackDiscard
	if e.Requeued {
		o.Outcome = OutcomeNackRequeue
	}
	return o
}

func (j *Journal) outcome(queue, consumerTag string, deliveryTag uint64, props message.Properties, info message.ReceivedInfo) *DeliveryOutcome {
	return &DeliveryOutcome{
		SettledAt:     j.now().UTC(),
		Queue:         queue,
		ConsumerTag:   consumerTag,
		Exchange:      info.Exchange,
		RoutingKey:    info.RoutingKey,
		MessageID:     props.MessageID,
		MessageType:   props.Type,
		CorrelationID: props.CorrelationID,
		Error:         j.takeFailure(consumerTag, deliveryTag),
		DeliveryTag:   deliveryTag,
		Redelivered:   info.Redelivered,
	}
}

// write inserts o. Failures are logged; the delivery has already been
// settled on the broker.
func (j *Journal) write(o *DeliveryOutcome) {
	ctx, cancel := context.WithTimeout(context.Background(), j.writeTimeout)
	defer cancel()

	if err := j.db.WithContext(ctx).Create(o).Error; err != nil {
		j.logger.Error("failed to journal delivery outcome",
			"queue", o.Queue,
			"delivery_tag", o.DeliveryTag,
			"outcome", o.Outcome,
			"error", err,
		)
		return
	}

	j.logger.Debug("delivery outcome journaled",
		"queue", o.Queue,
		"delivery_tag", o.DeliveryTag,
		"outcome", o.Outcome,
	)
}
