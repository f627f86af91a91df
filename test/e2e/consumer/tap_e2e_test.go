package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"procodus.dev/easybus/internal/journal"
	"procodus.dev/easybus/internal/producer"
	"procodus.dev/easybus/internal/tap"
	"procodus.dev/easybus/pkg/events"
	"procodus.dev/easybus/pkg/generator"
	"procodus.dev/easybus/pkg/message"
	"procodus.dev/easybus/pkg/mq"
)

const (
	grpcPort    = 19090
	metricsPort = 19100
	poisonType  = "e2e.poison"
	orderCount  = 5
)

var _ = Describe("Tap Server E2E", Ordered, func() {
	var (
		server    *tap.Server
		queueName string
		cancelRun context.CancelFunc
		runErr    chan error
		acks      chan events.AckEvent
		publisher *mq.Client
	)

	httpGet := func(path string) (int, []byte) {
		resp, err := http.Get(fmt.Sprintf("http://localhost:%d%s", metricsPort, path))
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		return resp.StatusCode, body
	}

	BeforeAll(func() {
		queueName = "tap-e2e-orders"

		var err error
		server, err = tap.NewServer(&tap.ServerConfig{
			Logger:      testLogger,
			RabbitMQURL: rabbitmqURL,
			QueueName:   queueName,
			Durable:     true,
			Prefetch:    10,
			Handler: func(_ context.Context, _ []byte, props message.Properties, _ message.ReceivedInfo) error {
				if props.Type == poisonType {
					return errors.New("order rejected")
				}
				return nil
			},
			MaxConcurrency: 4,
			HandlerTimeout: 5 * time.Second,
			Journal:        dbConfig,
			GRPCPort:       grpcPort,
			MetricsPort:    metricsPort,
			ConnectTimeout: 30 * time.Second,
		})
		Expect(err).NotTo(HaveOccurred())

		acks = make(chan events.AckEvent, orderCount+1)
		events.Subscribe(server.Events(), func(e events.AckEvent) { acks <- e })

		var ctx context.Context
		ctx, cancelRun = context.WithCancel(context.Background())
		runErr = make(chan error, 1)
		go func() {
			runErr <- server.Run(ctx)
		}()

		select {
		case <-server.Started():
		case err := <-runErr:
			Fail(fmt.Sprintf("tap server failed to start: %v", err))
		case <-time.After(time.Minute):
			Fail("tap server did not start in time")
		}

		publisher = mq.New(rabbitmqURL, testLogger)
		readyCtx, readyCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer readyCancel()
		Expect(publisher.WaitReady(readyCtx)).To(Succeed())
	})

	AfterAll(func() {
		if publisher != nil {
			_ = publisher.Close()
		}
		if cancelRun != nil {
			cancelRun()
			Eventually(runErr, 30*time.Second).Should(Receive(BeNil()))
		}
	})

	It("should consume published orders and a poison message", func() {
		p, err := producer.New(&producer.Config{
			Logger:      testLogger,
			Publisher:   publisher,
			Body:        func(int) ([]byte, error) { return generator.OrderBody() },
			Queue:       queueName,
			MessageType: generator.OrderType,
			Count:       orderCount,
			Workers:     2,
			Persistent:  true,
		})
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		Expect(p.Run(ctx)).To(Succeed())
		Expect(p.Published()).To(Equal(orderCount))

		Expect(publisher.Publish(ctx, "", queueName, message.Properties{
			MessageID: "poison-1",
			Type:      poisonType,
		}, []byte(`{"broken":true}`))).To(Succeed())

		for range orderCount + 1 {
			Eventually(acks, 15*time.Second).Should(Receive())
		}
	})

	It("should journal every outcome with the handler error", func() {
		var outcomes []journal.DeliveryOutcome
		Eventually(func(g Gomega) {
			status, body := httpGet("/outcomes?limit=20")
			g.Expect(status).To(Equal(http.StatusOK))
			g.Expect(jsoniter.Unmarshal(body, &outcomes)).To(Succeed())
			g.Expect(outcomes).To(HaveLen(orderCount + 1))
		}, 10*time.Second).Should(Succeed())

		for _, o := range outcomes {
			Expect(o.Queue).To(Equal(queueName))
			Expect(o.Outcome).To(Equal(journal.OutcomeAck))
			if o.MessageType == poisonType {
				Expect(o.MessageID).To(Equal("poison-1"))
				Expect(o.Error).To(Equal("order rejected"))
				continue
			}
			Expect(o.MessageType).To(Equal(generator.OrderType))
			Expect(o.Error).To(BeEmpty())
		}

		db, err := journal.NewDB(dbConfig)
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = journal.CloseDB(db, testLogger) }()

		j, err := journal.New(&journal.Config{Logger: testLogger, DB: db})
		Expect(err).NotTo(HaveOccurred())

		counts, err := j.Counts(context.Background(), queueName)
		Expect(err).NotTo(HaveOccurred())
		Expect(counts).To(Equal(map[string]int64{journal.OutcomeAck: orderCount + 1}))
	})

	It("should reject an invalid outcome limit", func() {
		status, _ := httpGet("/outcomes?limit=zero")
		Expect(status).To(Equal(http.StatusBadRequest))
	})

	It("should report health over HTTP", func() {
		status, body := httpGet("/health")
		Expect(status).To(Equal(http.StatusOK))

		var health struct {
			Queue         string `json:"queue"`
			Ready         bool   `json:"ready"`
			Subscriptions int    `json:"subscriptions"`
		}
		Expect(jsoniter.Unmarshal(body, &health)).To(Succeed())
		Expect(health.Queue).To(Equal(queueName))
		Expect(health.Ready).To(BeTrue())
		Expect(health.Subscriptions).To(Equal(1))
	})

	It("should expose consumer metrics", func() {
		status, body := httpGet("/metrics")
		Expect(status).To(Equal(http.StatusOK))
		Expect(string(body)).To(ContainSubstring("easybus_consumer_acks_total"))
		Expect(string(body)).To(ContainSubstring("easybus_consumer_handler_failures_total"))
		Expect(string(body)).To(ContainSubstring("easybus_mq_active_consumers"))
	})

	It("should report SERVING over gRPC health", func() {
		conn, err := grpc.NewClient(fmt.Sprintf("localhost:%d", grpcPort),
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{
			Service: tap.HealthService,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.GetStatus()).To(Equal(healthpb.HealthCheckResponse_SERVING))
	})
})
