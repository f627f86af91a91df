package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/easybus/internal/journal"
	"procodus.dev/easybus/internal/tap"
	"procodus.dev/easybus/pkg/consumer"
)

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Consume a queue until interrupted",
	Long: `Consume a queue until SIGINT or SIGTERM:
- Declares the queue and registers a consumer
- Logs every message and acknowledges it
- Moves failed messages to the error queue
- Optionally journals delivery outcomes to PostgreSQL
- Serves gRPC health and Prometheus metrics`,
	RunE: runConsume,
}

func init() {
	rootCmd.AddCommand(consumeCmd)

	consumeCmd.Flags().String("queue", "", "queue to consume (required)")
	consumeCmd.Flags().Bool("durable", true, "declare the queue as durable")
	consumeCmd.Flags().Int("prefetch", 50, "unacknowledged deliveries per consumer")
	consumeCmd.Flags().Int("max-concurrency", 0, "concurrently running handlers (0 is unbounded)")
	consumeCmd.Flags().Duration("handler-timeout", 0, "per message handler timeout (0 disables)")
	consumeCmd.Flags().String("error-strategy", "default", "failed message handling (default, requeue, discard)")
	consumeCmd.Flags().Int("grpc-port", 9090, "gRPC health server port (0 disables)")
	consumeCmd.Flags().Int("metrics-port", 9100, "metrics HTTP server port (0 disables)")
	consumeCmd.Flags().Bool("journal", false, "journal delivery outcomes to PostgreSQL")
	consumeCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	consumeCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	consumeCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	consumeCmd.Flags().String("db-password", "", "PostgreSQL password")
	consumeCmd.Flags().String("db-name", "easybus", "PostgreSQL database name")
	consumeCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")

	_ = viper.BindPFlag("consume.queue", consumeCmd.Flags().Lookup("queue"))
	_ = viper.BindPFlag("consume.durable", consumeCmd.Flags().Lookup("durable"))
	_ = viper.BindPFlag("consume.prefetch", consumeCmd.Flags().Lookup("prefetch"))
	_ = viper.BindPFlag("consume.max_concurrency", consumeCmd.Flags().Lookup("max-concurrency"))
	_ = viper.BindPFlag("consume.handler_timeout", consumeCmd.Flags().Lookup("handler-timeout"))
	_ = viper.BindPFlag("consume.error_strategy", consumeCmd.Flags().Lookup("error-strategy"))
	_ = viper.BindPFlag("consume.grpc.port", consumeCmd.Flags().Lookup("grpc-port"))
	_ = viper.BindPFlag("consume.metrics.port", consumeCmd.Flags().Lookup("metrics-port"))
	_ = viper.BindPFlag("consume.journal.enabled", consumeCmd.Flags().Lookup("journal"))
	_ = viper.BindPFlag("consume.journal.db.host", consumeCmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag("consume.journal.db.port", consumeCmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag("consume.journal.db.user", consumeCmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag("consume.journal.db.password", consumeCmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag("consume.journal.db.name", consumeCmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag("consume.journal.db.sslmode", consumeCmd.Flags().Lookup("db-sslmode"))
}

func runConsume(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting consume service")

	strategy, err := errorStrategy(viper.GetString("consume.error_strategy"))
	if err != nil {
		return err
	}

	config := &tap.ServerConfig{
		Logger:         logger,
		RabbitMQURL:    viper.GetString("rabbitmq.url"),
		QueueName:      viper.GetString("consume.queue"),
		Durable:        viper.GetBool("consume.durable"),
		Prefetch:       viper.GetInt("consume.prefetch"),
		MaxConcurrency: viper.GetInt("consume.max_concurrency"),
		HandlerTimeout: viper.GetDuration("consume.handler_timeout"),
		ErrorStrategy:  strategy,
		GRPCPort:       viper.GetInt("consume.grpc.port"),
		MetricsPort:    viper.GetInt("consume.metrics.port"),
	}

	if viper.GetBool("consume.journal.enabled") {
		config.Journal = &journal.DBConfig{
			Host:     viper.GetString("consume.journal.db.host"),
			Port:     viper.GetInt("consume.journal.db.port"),
			User:     viper.GetString("consume.journal.db.user"),
			Password: viper.GetString("consume.journal.db.password"),
			DBName:   viper.GetString("consume.journal.db.name"),
			SSLMode:  viper.GetString("consume.journal.db.sslmode"),
		}
	}

	server, err := tap.NewServer(config)
	if err != nil {
		logger.Error("failed to create consume server", "error", err)
		return err
	}

	logger.Info("consume server configuration",
		"queue", config.QueueName,
		"durable", config.Durable,
		"prefetch", config.Prefetch,
		"max_concurrency", config.MaxConcurrency,
		"handler_timeout", config.HandlerTimeout,
		"journal", config.Journal != nil,
		"grpc_port", config.GRPCPort,
		"metrics_port", config.MetricsPort,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("consume server error", "error", err)
		return err
	}

	logger.Info("consume server stopped")
	return nil
}

// errorStrategy maps a flag value to a strategy. The default strategy is
// built by the dispatcher itself, so it maps to nil.
func errorStrategy(name string) (consumer.ErrorStrategy, error) {
	switch name {
	case "", "default":
		return nil, nil
	case "requeue":
		return consumer.RequeueStrategy{}, nil
	case "discard":
		return consumer.DiscardStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown error strategy %q", name)
	}
}
