// Package mq provides a RabbitMQ broker client with automatic reconnection,
// publisher confirms and tag-addressed consumers.
package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/easybus/pkg/message"
	"procodus.dev/easybus/pkg/metrics"
	"procodus.dev/easybus/pkg/topology"
)

// Client is a RabbitMQ client that handles connection management,
// automatic reconnection, and implements Broker on a single channel.
type Client struct {
	m               *sync.Mutex
	infolog         *slog.Logger
	errlog          *slog.Logger
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan bool
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	consumers       map[string]*consumerEntry
	pending         map[uint64]*amqp.Channel
	prefetch        int
	isReady         bool
	closed          bool
	metrics         atomic.Pointer[metrics.MQMetrics] // Optional metrics
}

type consumerEntry struct {
	queue   string
	channel *amqp.Channel
}

const (
	// When reconnecting to the server after connection failure.
	reconnectDelay = 5 * time.Second

	// When setting up the channel after a channel exception.
	reInitDelay = 2 * time.Second

	// Initial backoff delay for Publish retries.
	initialBackoff = 100 * time.Millisecond

	// Maximum backoff delay for Publish retries.
	maxBackoff = 10 * time.Second

	// Backoff multiplier for exponential backoff.
	backoffMultiplier = 2

	// Maximum number of retry attempts before giving up.
	maxRetryAttempts = 5

	// Default number of unacknowledged deliveries per consumer.
	defaultPrefetch = 50
)

var (
	// ErrNotConnected is returned when an operation needs a live channel.
	ErrNotConnected = errors.New("not connected to a server")
	// ErrDuplicateConsumer is returned when a consumer tag is already registered.
	ErrDuplicateConsumer = errors.New("consumer tag already registered")
	// ErrUnknownDeliveryTag is returned when acknowledging a delivery that is not outstanding.
	ErrUnknownDeliveryTag = errors.New("unknown delivery tag")
	// ErrUnknownConsumer is returned when cancelling a tag that is not registered.
	ErrUnknownConsumer = errors.New("unknown consumer tag")

	errAlreadyClosed      = errors.New("already closed: not connected to the server")
	errShutdown           = errors.New("client is shutting down")
	errMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
	errNotConfirmed       = errors.New("publish not acknowledged by the server")
)

// New creates a new client instance, and automatically
// attempts to connect to the server.
func New(addr string, l *slog.Logger) *Client {
	client := Client{
		m:         &sync.Mutex{},
		infolog:   l,
		errlog:    l,
		done:      make(chan bool),
		consumers: make(map[string]*consumerEntry),
		pending:   make(map[uint64]*amqp.Channel),
		prefetch:  defaultPrefetch,
	}
	go client.handleReconnect(addr)
	return &client
}

// SetMetrics sets the metrics collector for this client.
// This should be called before the client starts processing messages.
func (client *Client) SetMetrics(m *metrics.MQMetrics) {
	client.metrics.Store(m)
}

// SetPrefetch sets the per-consumer prefetch count applied to consumers
// registered afterwards.
func (client *Client) SetPrefetch(n int) {
	client.m.Lock()
	defer client.m.Unlock()
	if n > 0 {
		client.prefetch = n
	}
}

// IsReady reports whether the client has a usable channel.
func (client *Client) IsReady() bool {
	client.m.Lock()
	defer client.m.Unlock()
	return client.isReady
}

// WaitReady blocks until the client is connected or ctx is done.
func (client *Client) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if client.IsReady() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for broker connection: %w", ctx.Err())
		case <-client.done:
			return errShutdown
		case <-ticker.C:
		}
	}
}

// handleReconnect will wait for a connection error on
// notifyConnClose, and then continuously attempt to reconnect.
func (client *Client) handleReconnect(addr string) {
	for {
		client.setReady(false)

		client.infolog.Info("attempting to connect")

		if m := client.metrics.Load(); m != nil {
			m.ReconnectAttempts.Inc()
		}

		conn, err := client.connect(addr)
		if err != nil {
			client.errlog.Error("failed to connect. Retrying...", "error", err)

			select {
			case <-client.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		if done := client.handleReInit(conn); done {
			break
		}
	}
}

// connect will create a new AMQP connection.
func (client *Client) connect(addr string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(addr)
	if err != nil {
		if m := client.metrics.Load(); m != nil {
			m.ConnectionStatus.Set(0)
		}
		return nil, err
	}

	client.changeConnection(conn)
	client.infolog.Info("connected")

	if m := client.metrics.Load(); m != nil {
		m.ConnectionStatus.Set(1)
	}

	return conn, nil
}

// handleReInit will wait for a channel error
// and then continuously attempt to re-initialize the channel.
func (client *Client) handleReInit(conn *amqp.Connection) bool {
	for {
		client.setReady(false)

		err := client.init(conn)
		if err != nil {
			client.errlog.Error("failed to initialize channel, retrying...", "error", err)

			select {
			case <-client.done:
				return true
			case <-client.notifyConnClose:
				client.infolog.Info("connection closed, reconnecting...")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-client.done:
			return true
		case <-client.notifyConnClose:
			client.infolog.Info("connection closed, reconnecting...")
			return false
		case <-client.notifyChanClose:
			client.infolog.Info("channel closed, re-running init...")
		}
	}
}

// init will open a channel in confirm mode.
func (client *Client) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Confirm(false); err != nil {
		return err
	}

	client.m.Lock()
	prefetch := client.prefetch
	client.m.Unlock()

	if err := ch.Qos(prefetch, 0, false); err != nil {
		return err
	}

	client.changeChannel(ch)
	client.setReady(true)
	client.infolog.Info("client init done")

	return nil
}

func (client *Client) setReady(ready bool) {
	client.m.Lock()
	client.isReady = ready
	client.m.Unlock()
}

// changeConnection takes a new connection to the broker,
// and updates the close listener to reflect this.
func (client *Client) changeConnection(connection *amqp.Connection) {
	client.m.Lock()
	client.connection = connection
	client.m.Unlock()
	client.notifyConnClose = make(chan *amqp.Error, 1)
	connection.NotifyClose(client.notifyConnClose)
}

// changeChannel takes a new channel,
// and updates the channel listeners to reflect this.
func (client *Client) changeChannel(channel *amqp.Channel) {
	client.m.Lock()
	client.channel = channel
	client.m.Unlock()
	client.notifyChanClose = make(chan *amqp.Error, 1)
	channel.NotifyClose(client.notifyChanClose)
}

// readyChannel returns the current channel if the client is connected.
func (client *Client) readyChannel() (*amqp.Channel, error) {
	client.m.Lock()
	defer client.m.Unlock()

	if !client.isReady {
		return nil, ErrNotConnected
	}
	return client.channel, nil
}

// DeclareQueue implements Publisher.
func (client *Client) DeclareQueue(ctx context.Context, q topology.Queue) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch, err := client.readyChannel()
	if err != nil {
		return err
	}

	_, err = ch.QueueDeclare(
		q.Name,
		q.Durable,
		q.AutoDelete,
		q.Exclusive,
		false, // No-wait
		nil,   // Arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %q: %w", q.Name, err)
	}
	return nil
}

// DeclareExchange implements Publisher.
func (client *Client) DeclareExchange(ctx context.Context, ex topology.Exchange) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch, err := client.readyChannel()
	if err != nil {
		return err
	}

	kind := ex.Kind
	if kind == "" {
		kind = topology.ExchangeDirect
	}

	err = ch.ExchangeDeclare(
		ex.Name,
		kind,
		ex.Durable,
		false, // Auto-delete
		false, // Internal
		false, // No-wait
		nil,   // Arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %q: %w", ex.Name, err)
	}
	return nil
}

// BindQueue implements Publisher.
func (client *Client) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch, err := client.readyChannel()
	if err != nil {
		return err
	}

	if err := ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %q to exchange %q: %w", queue, exchange, err)
	}
	return nil
}

// Publish will push data to the exchange, and wait for a confirmation.
// Uses exponential backoff retry when the client is not connected,
// allowing time for automatic reconnection to succeed.
// After maxRetryAttempts failed attempts, returns a fatal error.
func (client *Client) Publish(ctx context.Context, exchange, routingKey string, props message.Properties, body []byte) error {
	if m := client.metrics.Load(); m != nil {
		timer := prometheus.NewTimer(m.PublishDuration.WithLabelValues(exchange))
		defer timer.ObserveDuration()
	}

	backoff := initialBackoff
	retryCount := 0

	for {
		if retryCount >= maxRetryAttempts {
			client.errlog.Error("maximum retry attempts exceeded",
				"retry_count", retryCount,
				"max_attempts", maxRetryAttempts)

			client.countPublishFailure(exchange, "max_retries_exceeded")
			return errMaxRetriesExceeded
		}

		err := client.publishOnce(ctx, exchange, routingKey, props, body)
		if err == nil {
			if m := client.metrics.Load(); m != nil {
				m.MessagesPublished.WithLabelValues(exchange).Inc()
			}
			if retryCount > 0 {
				client.infolog.Info("publish confirmed after retries",
					"exchange", exchange,
					"routing_key", routingKey,
					"retry_count", retryCount)
			}
			return nil
		}

		if ctx.Err() != nil {
			client.countPublishFailure(exchange, "context_canceled")
			return ctx.Err()
		}

		client.errlog.Warn("publish failed, retrying with backoff",
			"error", err,
			"backoff", backoff,
			"retry_count", retryCount)

		select {
		case <-ctx.Done():
			client.countPublishFailure(exchange, "context_canceled")
			return ctx.Err()
		case <-client.done:
			return errShutdown
		case <-time.After(backoff):
			backoff *= backoffMultiplier
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			retryCount++
		}
	}
}

// publishOnce publishes a single message and waits for its confirmation.
func (client *Client) publishOnce(ctx context.Context, exchange, routingKey string, props message.Properties, body []byte) error {
	ch, err := client.readyChannel()
	if err != nil {
		return err
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(
		ctx,
		exchange,
		routingKey,
		false, // Mandatory
		false, // Immediate
		toPublishing(props, body),
	)
	if err != nil {
		return err
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return errNotConfirmed
	}
	return nil
}

func (client *Client) countPublishFailure(exchange, reason string) {
	if m := client.metrics.Load(); m != nil {
		m.PublishFailures.WithLabelValues(exchange, reason).Inc()
	}
}

// Consume implements Broker. Deliveries are handed to onDelivery from a
// dedicated goroutine per consumer, in the order the broker sends them.
func (client *Client) Consume(queue, consumerTag string, onDelivery DeliveryHandler) error {
	if onDelivery == nil {
		return errors.New("delivery handler cannot be nil")
	}

	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return ErrNotConnected
	}
	if _, exists := client.consumers[consumerTag]; exists {
		client.m.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateConsumer, consumerTag)
	}
	ch := client.channel
	entry := &consumerEntry{queue: queue, channel: ch}
	client.consumers[consumerTag] = entry
	client.m.Unlock()

	deliveries, err := ch.Consume(
		queue,
		consumerTag,
		false, // Auto-Ack
		false, // Exclusive
		false, // No-local
		false, // No-Wait
		nil,   // Args
	)
	if err != nil {
		client.removeConsumer(consumerTag, entry)

		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotAllowed {
			return fmt.Errorf("%w: %s", ErrDuplicateConsumer, consumerTag)
		}
		return fmt.Errorf("failed to start consuming %q: %w", queue, err)
	}

	if m := client.metrics.Load(); m != nil {
		m.ActiveConsumers.Inc()
	}
	client.infolog.Info("consumer registered", "queue", queue, "consumer_tag", consumerTag)

	go client.deliver(consumerTag, entry, deliveries, onDelivery)

	return nil
}

// deliver pumps raw deliveries into onDelivery until the broker closes the
// delivery channel (cancel, channel close or connection loss).
func (client *Client) deliver(consumerTag string, entry *consumerEntry, deliveries <-chan amqp.Delivery, onDelivery DeliveryHandler) {
	for d := range deliveries {
		client.m.Lock()
		client.pending[d.DeliveryTag] = entry.channel
		client.m.Unlock()

		onDelivery(fromAMQP(entry.queue, d))
	}

	client.removeConsumer(consumerTag, entry)
	if entry.channel.IsClosed() {
		client.dropPending(entry.channel)
	}

	if m := client.metrics.Load(); m != nil {
		m.ActiveConsumers.Dec()
	}
	client.infolog.Info("consumer stopped", "queue", entry.queue, "consumer_tag", consumerTag)
}

func (client *Client) removeConsumer(consumerTag string, entry *consumerEntry) {
	client.m.Lock()
	defer client.m.Unlock()
	if current, ok := client.consumers[consumerTag]; ok && current == entry {
		delete(client.consumers, consumerTag)
	}
}

// dropPending forgets deliveries of a closed channel; the broker redelivers them.
func (client *Client) dropPending(ch *amqp.Channel) {
	client.m.Lock()
	defer client.m.Unlock()
	for tag, owner := range client.pending {
		if owner == ch {
			delete(client.pending, tag)
		}
	}
}

// Cancel implements Broker.
func (client *Client) Cancel(consumerTag string) error {
	client.m.Lock()
	entry, ok := client.consumers[consumerTag]
	client.m.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConsumer, consumerTag)
	}

	if err := entry.channel.Cancel(consumerTag, false); err != nil {
		return fmt.Errorf("failed to cancel consumer %q: %w", consumerTag, err)
	}
	return nil
}

// takePending removes and returns the channel that owns deliveryTag.
func (client *Client) takePending(deliveryTag uint64) (*amqp.Channel, error) {
	client.m.Lock()
	defer client.m.Unlock()

	ch, ok := client.pending[deliveryTag]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDeliveryTag, deliveryTag)
	}
	delete(client.pending, deliveryTag)
	return ch, nil
}

// Ack implements Broker. Only deliveries received on a still-open channel
// are acknowledged; acking a tag on another channel would close it.
func (client *Client) Ack(deliveryTag uint64) error {
	ch, err := client.takePending(deliveryTag)
	if err != nil {
		return err
	}
	return ch.Ack(deliveryTag, false)
}

// Nack implements Broker.
func (client *Client) Nack(deliveryTag uint64, requeue bool) error {
	ch, err := client.takePending(deliveryTag)
	if err != nil {
		return err
	}
	return ch.Nack(deliveryTag, false, requeue)
}

// Close will cleanly shut down the channel and connection.
func (client *Client) Close() error {
	client.m.Lock()
	// we read and write isReady in two locations, so we grab the lock and hold onto
	// it until we are finished
	defer client.m.Unlock()

	if !client.closed {
		client.closed = true
		close(client.done)
	}

	if !client.isReady {
		return errAlreadyClosed
	}

	err := client.channel.Close()
	if err != nil {
		return err
	}
	err = client.connection.Close()
	if err != nil {
		return err
	}

	client.isReady = false

	if m := client.metrics.Load(); m != nil {
		m.ConnectionStatus.Set(0)
	}

	return nil
}
