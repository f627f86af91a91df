package consumer_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/easybus/pkg/consumer"
	"procodus.dev/easybus/pkg/conventions"
	"procodus.dev/easybus/pkg/message"
	"procodus.dev/easybus/pkg/mq/mock"
	"procodus.dev/easybus/pkg/topology"
)

var _ = Describe("DefaultErrorStrategy", func() {
	var (
		logger   *slog.Logger
		broker   *mock.MockBroker
		conv     *conventions.Conventions
		strategy *consumer.DefaultErrorStrategy
		now      time.Time
		failed   *message.Delivery
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		broker = mock.NewMockBroker()
		conv = conventions.Default()
		now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

		var err error
		strategy, err = consumer.NewDefaultErrorStrategy(&consumer.DefaultErrorStrategyConfig{
			Logger:      logger,
			Publisher:   broker,
			Conventions: conv,
			Now:         func() time.Time { return now },
		})
		Expect(err).NotTo(HaveOccurred())

		failed = message.New([]byte("Hello World"), message.Properties{
			Type:          "the_message_type",
			CorrelationID: "the_correlation_id",
		}, message.ReceivedInfo{
			ConsumerTag: "the_consumer_tag",
			Exchange:    "orders",
			RoutingKey:  "order.created",
			Queue:       "orders_billing",
			DeliveryTag: 42,
		})
	})

	Describe("NewDefaultErrorStrategy", func() {
		It("should return error when config is nil", func() {
			s, err := consumer.NewDefaultErrorStrategy(nil)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("config cannot be nil"))
			Expect(s).To(BeNil())
		})

		DescribeTable("should reject incomplete configuration",
			func(cfg *consumer.DefaultErrorStrategyConfig, want string) {
				s, err := consumer.NewDefaultErrorStrategy(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring(want))
				Expect(s).To(BeNil())
			},
			Entry("nil logger", &consumer.DefaultErrorStrategyConfig{Publisher: mock.NewMockBroker(), Conventions: conventions.Default()}, "logger"),
			Entry("nil publisher", &consumer.DefaultErrorStrategyConfig{Logger: slog.Default(), Conventions: conventions.Default()}, "publisher"),
			Entry("nil conventions", &consumer.DefaultErrorStrategyConfig{Logger: slog.Default(), Publisher: mock.NewMockBroker()}, "conventions"),
		)
	})

	Describe("HandleConsumerError", func() {
		It("should declare the error topology from the conventions", func() {
			decision := strategy.HandleConsumerError(context.Background(), failed, errors.New("boom"))
			Expect(decision).To(Equal(consumer.Ack))

			Expect(broker.DeclaredExchanges).To(ConsistOf(topology.Exchange{
				Name:    "ErrorExchange_order.created",
				Kind:    topology.ExchangeDirect,
				Durable: true,
			}))
			Expect(broker.DeclaredQueues).To(ConsistOf(topology.Queue{
				Name:    conventions.DefaultErrorQueue,
				Durable: true,
			}))
			Expect(broker.Bindings).To(ConsistOf(mock.BindCall{
				Queue:      conventions.DefaultErrorQueue,
				Exchange:   "ErrorExchange_order.created",
				RoutingKey: "order.created",
			}))
		})

		It("should publish an error envelope describing the failure", func() {
			decision := strategy.HandleConsumerError(context.Background(), failed, errors.New("boom"))
			Expect(decision).To(Equal(consumer.Ack))

			publishes := broker.Publishes()
			Expect(publishes).To(HaveLen(1))
			p := publishes[0]
			Expect(p.Exchange).To(Equal("ErrorExchange_order.created"))
			Expect(p.RoutingKey).To(Equal("order.created"))
			Expect(p.Properties.Type).To(Equal(consumer.ErrorMessageType))
			Expect(p.Properties.ContentType).To(Equal("application/json"))
			Expect(p.Properties.CorrelationID).To(Equal("the_correlation_id"))
			Expect(p.Properties.Timestamp).To(Equal(now))

			var envelope consumer.ErrorMessage
			Expect(jsoniter.Unmarshal(p.Body, &envelope)).To(Succeed())
			Expect(envelope.Message).To(Equal("Hello World"))
			Expect(envelope.Exception).To(Equal("boom"))
			Expect(envelope.Exchange).To(Equal("orders"))
			Expect(envelope.Queue).To(Equal("orders_billing"))
			Expect(envelope.RoutingKey).To(Equal("order.created"))
			Expect(envelope.Properties.Type).To(Equal("the_message_type"))
			Expect(envelope.DateTime.Equal(now)).To(BeTrue())
		})

		It("should declare the topology once per error exchange", func() {
			for range 3 {
				Expect(strategy.HandleConsumerError(context.Background(), failed, errors.New("boom"))).To(Equal(consumer.Ack))
			}
			Expect(broker.DeclaredExchanges).To(HaveLen(1))
			Expect(broker.Publishes()).To(HaveLen(3))

			failed.Info.RoutingKey = "order.cancelled"
			Expect(strategy.HandleConsumerError(context.Background(), failed, errors.New("boom"))).To(Equal(consumer.Ack))
			Expect(broker.DeclaredExchanges).To(HaveLen(2))
		})

		It("should honour overridden conventions", func() {
			conv.ErrorQueueNaming = func() string { return "custom_errors" }
			conv.ErrorExchangeNaming = func(info message.ReceivedInfo) string { return "errors." + info.Queue }

			Expect(strategy.HandleConsumerError(context.Background(), failed, errors.New("boom"))).To(Equal(consumer.Ack))
			Expect(broker.Bindings).To(ConsistOf(mock.BindCall{
				Queue:      "custom_errors",
				Exchange:   "errors.orders_billing",
				RoutingKey: "order.created",
			}))
		})

		It("should reject the delivery when the topology cannot be declared", func() {
			broker.DeclareError = errors.New("channel closed")

			decision := strategy.HandleConsumerError(context.Background(), failed, errors.New("boom"))
			Expect(decision).To(Equal(consumer.NackWithoutRequeue))
			Expect(broker.Publishes()).To(BeEmpty())
		})

		It("should reject the delivery when the error message cannot be published", func() {
			broker.PublishError = errors.New("not confirmed")

			decision := strategy.HandleConsumerError(context.Background(), failed, errors.New("boom"))
			Expect(decision).To(Equal(consumer.NackWithoutRequeue))
		})

		It("should reject a nil delivery", func() {
			Expect(strategy.HandleConsumerError(context.Background(), nil, errors.New("boom"))).To(Equal(consumer.NackWithoutRequeue))
		})
	})
})
