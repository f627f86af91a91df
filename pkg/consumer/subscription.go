package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"procodus.dev/easybus/pkg/events"
	"procodus.dev/easybus/pkg/message"
	"procodus.dev/easybus/pkg/mq"
)

// Subscription is a consumer registration created by Dispatcher.Consume.
type Subscription struct {
	dispatcher  *Dispatcher
	logger      *slog.Logger
	handler     Handler
	done        chan struct{}
	queue       string
	consumerTag string
	// inflight counts dispatched deliveries and running handler goroutines.
	inflight  sync.WaitGroup
	stopMu    sync.Mutex
	stopped   bool
	mu        sync.Mutex
	cancelled bool
}

func newSubscription(d *Dispatcher, queue, consumerTag string, handler Handler) *Subscription {
	return &Subscription{
		dispatcher:  d,
		logger:      d.logger.With("queue", queue, "consumer_tag", consumerTag),
		handler:     handler,
		done:        make(chan struct{}),
		queue:       queue,
		consumerTag: consumerTag,
	}
}

// ConsumerTag returns the tag the subscription is registered under.
func (s *Subscription) ConsumerTag() string {
	return s.consumerTag
}

// Queue returns the name of the consumed queue.
func (s *Subscription) Queue() string {
	return s.queue
}

// Done is closed once the subscription is cancelled and every in-flight
// delivery has been settled.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Cancel stops the broker consumer and waits until every in-flight handler
// has returned and every outcome event has been published, or until ctx is
// done. Deliveries arriving after Cancel are requeued. Calling Cancel again
// waits on the same drain.
//
// If the broker refuses to cancel, the subscription keeps dispatching and
// Cancel may be retried. A consumer the broker no longer knows is treated
// as cancelled.
func (s *Subscription) Cancel(ctx context.Context) error {
	if err := s.stop(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop cancels the broker consumer once and starts the drain.
func (s *Subscription) stop() error {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	if s.stopped {
		return nil
	}

	s.logger.Info("cancelling subscription")

	if err := s.dispatcher.broker.Cancel(s.consumerTag); err != nil {
		if !errors.Is(err, mq.ErrUnknownConsumer) {
			s.logger.Warn("failed to cancel broker consumer", "error", err)
			return fmt.Errorf("failed to cancel consumer %q: %w", s.consumerTag, err)
		}
		s.logger.Debug("broker consumer already gone", "error", err)
	}

	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	s.stopped = true

	go func() {
		s.inflight.Wait()
		close(s.done)
		s.logger.Info("subscription cancelled")
	}()
	return nil
}

// onDelivery runs on the broker's delivery goroutine. It only hands the
// delivery off and never waits for the handler.
func (s *Subscription) onDelivery(d *message.Delivery) {
	if m := s.dispatcher.metrics; m != nil {
		m.DeliveriesReceived.WithLabelValues(s.queue).Inc()
	}

	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		s.logger.Debug("delivery after cancellation, requeueing", "delivery_tag", d.DeliveryTag)
		s.settle(d, NackWithRequeue)
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	go s.dispatch(d)
}

// dispatch runs the handler for d and settles it.
func (s *Subscription) dispatch(d *message.Delivery) {
	defer s.inflight.Done()

	decision := Ack
	if err := s.invoke(d); err != nil {
		decision = s.handleFailure(d, err)
	}

	s.settle(d, decision)
}

// invoke runs the handler on its own goroutine and waits for its result or
// for the handler timeout. The handler goroutine holds the concurrency slot
// and its inflight count until it returns, so a timed out handler still
// bounds MaxConcurrency and delays Cancel.
func (s *Subscription) invoke(d *message.Delivery) error {
	sem := s.dispatcher.sem
	if sem != nil {
		// Acquire only fails on a done context.
		_ = sem.Acquire(context.Background(), 1)
	}

	ctx, cancel := s.handlerContext()
	defer cancel()

	if m := s.dispatcher.metrics; m != nil {
		m.InFlight.WithLabelValues(s.queue).Inc()
		defer m.InFlight.WithLabelValues(s.queue).Dec()
		start := time.Now()
		defer func() {
			m.HandlerDuration.WithLabelValues(s.queue).Observe(time.Since(start).Seconds())
		}()
	}

	result := make(chan error, 1)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if sem != nil {
			defer sem.Release(1)
		}
		defer func() {
			if r := recover(); r != nil {
				result <- &HandlerError{Panic: r, Queue: s.queue, MessageID: d.Properties.MessageID}
			}
		}()

		if err := s.handler(ctx, d.Body, d.Properties, d.Info); err != nil {
			result <- &HandlerError{Err: err, Queue: s.queue, MessageID: d.Properties.MessageID}
			return
		}
		result <- nil
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return &HandlerError{Err: ErrHandlerTimeout, Queue: s.queue, MessageID: d.Properties.MessageID}
	}
}

func (s *Subscription) handlerContext() (context.Context, context.CancelFunc) {
	if s.dispatcher.handlerTimeout > 0 {
		return context.WithTimeout(context.Background(), s.dispatcher.handlerTimeout)
	}
	return context.WithCancel(context.Background())
}

// handleFailure consults the error strategy for a failed handler and
// reports the failure on the event bus.
func (s *Subscription) handleFailure(d *message.Delivery, handlerErr error) AckStrategy {
	s.logger.Error("handler failed",
		"delivery_tag", d.DeliveryTag,
		"message_type", d.Properties.Type,
		"error", handlerErr,
	)

	if m := s.dispatcher.metrics; m != nil {
		m.HandlerFailures.WithLabelValues(s.queue, failureReason(handlerErr)).Inc()
	}

	decision, strategyErr := s.dispatcher.runStrategy(d, handlerErr)
	if strategyErr != nil {
		s.logger.Error("error strategy failed, rejecting delivery",
			"delivery_tag", d.DeliveryTag,
			"error", strategyErr,
		)
		if m := s.dispatcher.metrics; m != nil {
			m.StrategyFailures.WithLabelValues(s.queue).Inc()
		}
	}

	s.dispatcher.events.Publish(events.ConsumerErrorEvent{
		Err:            handlerErr,
		Info:           d.Info,
		ConsumerTag:    s.consumerTag,
		Queue:          s.queue,
		Decision:       decision.String(),
		DeliveryTag:    d.DeliveryTag,
		StrategyFailed: strategyErr != nil,
	})

	return decision
}

// settle sends decision to the broker and then publishes the outcome event.
// A broker error is logged; the outcome event is still published so that
// every delivery produces exactly one.
func (s *Subscription) settle(d *message.Delivery, decision AckStrategy) {
	broker := s.dispatcher.broker
	bus := s.dispatcher.events
	m := s.dispatcher.metrics

	switch decision {
	case Ack:
		if err := broker.Ack(d.DeliveryTag); err != nil {
			s.logger.Error("failed to ack message", "delivery_tag", d.DeliveryTag, "error", err)
		}
		if m != nil {
			m.Acks.WithLabelValues(s.queue).Inc()
		}
		bus.Publish(events.AckEvent{
			Properties:  d.Properties,
			Info:        d.Info,
			ConsumerTag: s.consumerTag,
			Queue:       s.queue,
			DeliveryTag: d.DeliveryTag,
		})

	default:
		requeue := decision == NackWithRequeue
		if err := broker.Nack(d.DeliveryTag, requeue); err != nil {
			s.logger.Error("failed to nack message", "delivery_tag", d.DeliveryTag, "error", err)
		}
		if m != nil {
			m.Nacks.WithLabelValues(s.queue, strconv.FormatBool(requeue)).Inc()
		}
		bus.Publish(events.NackEvent{
			Properties:  d.Properties,
			Info:        d.Info,
			ConsumerTag: s.consumerTag,
			Queue:       s.queue,
			DeliveryTag: d.DeliveryTag,
			Requeued:    requeue,
		})
	}
}

func failureReason(err error) string {
	var handlerErr *HandlerError
	switch {
	case errors.Is(err, ErrHandlerTimeout):
		return "timeout"
	case errors.As(err, &handlerErr) && handlerErr.Panic != nil:
		return "panic"
	default:
		return "error"
	}
}
