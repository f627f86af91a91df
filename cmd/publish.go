package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/easybus/internal/producer"
	"procodus.dev/easybus/pkg/generator"
	"procodus.dev/easybus/pkg/metrics"
	"procodus.dev/easybus/pkg/mq"
	"procodus.dev/easybus/pkg/topology"
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish messages to a queue",
	Long: `Publish messages to a queue through the default exchange:
- Declares the queue
- Publishes --body, or random orders with --fake
- Waits for a publisher confirm on every message`,
	RunE: runPublish,
}

func init() {
	rootCmd.AddCommand(publishCmd)

	publishCmd.Flags().String("queue", "", "queue to publish to (required)")
	publishCmd.Flags().Bool("durable", true, "declare the queue as durable")
	publishCmd.Flags().String("type", "", "message type property")
	publishCmd.Flags().String("body", "", "message body")
	publishCmd.Flags().Bool("fake", false, "publish random order events instead of --body")
	publishCmd.Flags().Int("count", 1, "number of messages to publish")
	publishCmd.Flags().Int("workers", 1, "concurrent publishers")
	publishCmd.Flags().Duration("interval", 0, "delay between messages")
	publishCmd.Flags().Duration("connect-timeout", 30*time.Second, "time to wait for the broker connection")

	_ = viper.BindPFlag("publish.queue", publishCmd.Flags().Lookup("queue"))
	_ = viper.BindPFlag("publish.durable", publishCmd.Flags().Lookup("durable"))
	_ = viper.BindPFlag("publish.type", publishCmd.Flags().Lookup("type"))
	_ = viper.BindPFlag("publish.body", publishCmd.Flags().Lookup("body"))
	_ = viper.BindPFlag("publish.fake", publishCmd.Flags().Lookup("fake"))
	_ = viper.BindPFlag("publish.count", publishCmd.Flags().Lookup("count"))
	_ = viper.BindPFlag("publish.workers", publishCmd.Flags().Lookup("workers"))
	_ = viper.BindPFlag("publish.interval", publishCmd.Flags().Lookup("interval"))
	_ = viper.BindPFlag("publish.connect_timeout", publishCmd.Flags().Lookup("connect-timeout"))
}

func runPublish(_ *cobra.Command, _ []string) error {
	logger := GetLogger()

	queue := viper.GetString("publish.queue")
	if queue == "" {
		return fmt.Errorf("--queue is required")
	}

	fake := viper.GetBool("publish.fake")
	messageType := viper.GetString("publish.type")
	contentType := "text/plain"
	body := func(int) ([]byte, error) {
		return []byte(viper.GetString("publish.body")), nil
	}
	if fake {
		body = func(int) ([]byte, error) { return generator.OrderBody() }
		contentType = "application/json"
		if messageType == "" {
			messageType = generator.OrderType
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := mq.New(viper.GetString("rabbitmq.url"), logger)
	client.SetMetrics(metrics.NewMQMetrics(metrics.Namespace))
	defer func() {
		if err := client.Close(); err != nil {
			logger.Debug("rabbitmq client close", "error", err)
		}
	}()

	connectCtx, cancel := context.WithTimeout(ctx, viper.GetDuration("publish.connect_timeout"))
	defer cancel()
	if err := client.WaitReady(connectCtx); err != nil {
		return fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	if err := client.DeclareQueue(ctx, *topology.NewQueue(queue, viper.GetBool("publish.durable"))); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	p, err := producer.New(&producer.Config{
		Logger:      logger,
		Publisher:   client,
		Body:        body,
		Queue:       queue,
		MessageType: messageType,
		ContentType: contentType,
		Count:       viper.GetInt("publish.count"),
		Workers:     viper.GetInt("publish.workers"),
		Interval:    viper.GetDuration("publish.interval"),
		Persistent:  viper.GetBool("publish.durable"),
	})
	if err != nil {
		return err
	}

	if err := p.Run(ctx); err != nil {
		return fmt.Errorf("published %d of %d messages: %w", p.Published(), viper.GetInt("publish.count"), err)
	}

	logger.Info("messages published", "queue", queue, "count", p.Published())
	return nil
}
