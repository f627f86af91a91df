// Package tap runs a long-lived consumer on one queue: it dispatches every
// delivery to a handler, optionally journals the outcomes to PostgreSQL and
// exposes gRPC health and Prometheus metrics until it is shut down.
package tap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"

	"procodus.dev/easybus/internal/journal"
	"procodus.dev/easybus/pkg/consumer"
	"procodus.dev/easybus/pkg/conventions"
	"procodus.dev/easybus/pkg/events"
	"procodus.dev/easybus/pkg/message"
	"procodus.dev/easybus/pkg/metrics"
	"procodus.dev/easybus/pkg/mq"
	"procodus.dev/easybus/pkg/topology"
)

// HealthService is the gRPC health service name reported by the server.
const HealthService = "easybus.Consumer"

const (
	defaultConnectTimeout = 30 * time.Second
	defaultDrainTimeout   = 30 * time.Second
	healthCheckInterval   = time.Second
	defaultOutcomeLimit   = 50
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// The global registry rejects a second registration, so every server in the
// process shares one set of collectors.
var serverMetrics = sync.OnceValues(func() (*metrics.MQMetrics, *metrics.ConsumerMetrics) {
	return metrics.NewMQMetrics(metrics.Namespace), metrics.NewConsumerMetrics(metrics.Namespace)
})

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	// RabbitMQ configuration
	RabbitMQURL string
	QueueName   string
	Durable     bool
	Prefetch    int

	// Dispatcher configuration
	Handler        consumer.Handler
	ErrorStrategy  consumer.ErrorStrategy
	HandlerTimeout time.Duration
	MaxConcurrency int

	// Journal enables the PostgreSQL outcome journal when set.
	Journal *journal.DBConfig

	// GRPCPort serves the gRPC health service. Zero disables it.
	GRPCPort int
	// MetricsPort serves /metrics, /health and /outcomes. Zero disables it.
	MetricsPort int

	ConnectTimeout time.Duration
	DrainTimeout   time.Duration
}

// Server wires a broker client, a dispatcher and the optional journal.
type Server struct {
	logger      *slog.Logger
	config      *ServerConfig
	client      *mq.Client
	bus         *events.Bus
	dispatcher  *consumer.Dispatcher
	db          *gorm.DB
	journal     *journal.Journal
	health      *health.Server
	grpcServer  *grpc.Server
	httpServer  *http.Server
	started     chan struct{}
	shutdown    sync.Once
	shutdownErr error
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.RabbitMQURL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}

	if cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	if cfg.GRPCPort < 0 {
		return nil, errors.New("gRPC port cannot be negative")
	}

	if cfg.MetricsPort < 0 {
		return nil, errors.New("metrics port cannot be negative")
	}

	if cfg.Prefetch < 0 {
		return nil, errors.New("prefetch cannot be negative")
	}

	if cfg.Handler == nil {
		cfg.Handler = LogHandler(cfg.Logger)
	}

	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}

	return &Server{
		logger:  cfg.Logger,
		config:  cfg,
		bus:     events.NewBus(cfg.Logger),
		started: make(chan struct{}),
	}, nil
}

// Events returns the bus the dispatcher publishes outcome events on.
func (s *Server) Events() *events.Bus {
	return s.bus
}

// Started is closed once the server consumes its queue.
func (s *Server) Started() <-chan struct{} {
	return s.started
}

// LogHandler returns a handler that logs every message and accepts it.
func LogHandler(logger *slog.Logger) consumer.Handler {
	return func(_ context.Context, body []byte, props message.Properties, info message.ReceivedInfo) error {
		logger.Info("message received",
			"queue", info.Queue,
			"delivery_tag", info.DeliveryTag,
			"routing_key", info.RoutingKey,
			"message_type", props.Type,
			"message_id", props.MessageID,
			"redelivered", info.Redelivered,
			"size", len(body),
		)
		return nil
	}
}

// Run starts consuming and blocks until ctx is done, a shutdown signal
// arrives or a listener fails. In-flight handlers are drained before it
// returns.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting tap server", "queue", s.config.QueueName)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	if err := s.start(ctx); err != nil {
		_ = s.Shutdown()
		return err
	}

	serveErr := make(chan error, 2)
	s.serveGRPC(serveErr)
	s.serveHTTP(serveErr)
	go s.watchBroker(ctx)

	close(s.started)
	s.logger.Info("tap server started successfully")

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-serveErr:
		s.logger.Error("listener failed", "error", err)
		cancel()
		if shutdownErr := s.Shutdown(); shutdownErr != nil {
			return errors.Join(err, shutdownErr)
		}
		return err
	}

	cancel()
	return s.Shutdown()
}

// start connects to the broker, declares the queue and subscribes.
func (s *Server) start(ctx context.Context) error {
	mqMetrics, consumerMetrics := serverMetrics()

	s.client = mq.New(s.config.RabbitMQURL, s.logger)
	s.client.SetMetrics(mqMetrics)
	if s.config.Prefetch > 0 {
		s.client.SetPrefetch(s.config.Prefetch)
	}

	connectCtx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	defer cancel()
	if err := s.client.WaitReady(connectCtx); err != nil {
		return fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	queue := topology.NewQueue(s.config.QueueName, s.config.Durable)
	if err := s.client.DeclareQueue(ctx, *queue); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if s.config.Journal != nil {
		if err := s.openJournal(); err != nil {
			return err
		}
	}

	dispatcher, err := consumer.NewDispatcher(&consumer.DispatcherConfig{
		Logger:         s.logger,
		Broker:         s.client,
		Conventions:    conventions.Default(),
		Events:         s.bus,
		ErrorStrategy:  s.config.ErrorStrategy,
		Metrics:        consumerMetrics,
		HandlerTimeout: s.config.HandlerTimeout,
		MaxConcurrency: s.config.MaxConcurrency,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize dispatcher: %w", err)
	}
	s.dispatcher = dispatcher

	if _, err := dispatcher.Consume(queue, s.config.Handler); err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	return nil
}

func (s *Server) openJournal() error {
	dbCfg := *s.config.Journal
	dbCfg.Logger = s.logger

	db, err := journal.NewDB(&dbCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db

	j, err := journal.New(&journal.Config{Logger: s.logger, DB: db})
	if err != nil {
		return fmt.Errorf("failed to initialize journal: %w", err)
	}
	s.journal = j
	j.Attach(s.bus)

	s.logger.Info("outcome journal enabled")
	return nil
}

func (s *Server) serveGRPC(serveErr chan<- error) {
	if s.config.GRPCPort == 0 {
		return
	}

	grpcAddr := fmt.Sprintf(":%d", s.config.GRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		serveErr <- fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
		return
	}

	s.health = health.NewServer()
	s.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	s.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	s.logger.Info("starting gRPC server", "address", grpcAddr)

	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			serveErr <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()
}

func (s *Server) serveHTTP(serveErr chan<- error) {
	if s.config.MetricsPort == 0 {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /outcomes", s.handleOutcomes)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting HTTP server", "address", s.httpServer.Addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()
}

// watchBroker mirrors the broker connection state into the health service.
func (s *Server) watchBroker(ctx context.Context) {
	if s.health == nil {
		return
	}

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := healthpb.HealthCheckResponse_NOT_SERVING
			if s.client.IsReady() {
				status = healthpb.HealthCheckResponse_SERVING
			}
			s.health.SetServingStatus(HealthService, status)
		}
	}
}

type healthResponse struct {
	Queue         string `json:"queue"`
	Ready         bool   `json:"ready"`
	Subscriptions int    `json:"subscriptions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Queue: s.config.QueueName}
	if s.client != nil {
		resp.Ready = s.client.IsReady()
	}
	if s.dispatcher != nil {
		resp.Subscriptions = s.dispatcher.Subscriptions()
	}

	status := http.StatusOK
	if !resp.Ready || resp.Subscriptions == 0 {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}

	limit := defaultOutcomeLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	outcomes, err := s.journal.Recent(r.Context(), s.config.QueueName, limit)
	if err != nil {
		s.logger.Error("failed to read journal", "error", err)
		http.Error(w, "failed to read journal", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, outcomes)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// Shutdown drains the dispatcher and releases every resource. It is safe to
// call more than once.
func (s *Server) Shutdown() error {
	s.shutdown.Do(func() {
		s.shutdownErr = s.doShutdown()
	})
	return s.shutdownErr
}

func (s *Server) doShutdown() error {
	s.logger.Info("shutting down tap server")

	var errs []error

	if s.health != nil {
		s.health.Shutdown()
	}

	if s.dispatcher != nil {
		s.logger.Info("draining in-flight deliveries")
		ctx, cancel := context.WithTimeout(context.Background(), s.config.DrainTimeout)
		if err := s.dispatcher.Close(ctx); err != nil {
			s.logger.Error("failed to drain dispatcher", "error", err)
			errs = append(errs, fmt.Errorf("dispatcher shutdown error: %w", err))
		}
		cancel()
	}

	if s.grpcServer != nil {
		s.logger.Info("stopping gRPC server")
		s.grpcServer.GracefulStop()
	}

	if s.httpServer != nil {
		s.logger.Info("stopping HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown HTTP server", "error", err)
			errs = append(errs, fmt.Errorf("HTTP server shutdown error: %w", err))
		}
		cancel()
	}

	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.logger.Warn("failed to close rabbitmq client", "error", err)
		}
	}

	if s.db != nil {
		if err := journal.CloseDB(s.db, s.logger); err != nil {
			s.logger.Error("failed to close database", "error", err)
			errs = append(errs, fmt.Errorf("database close error: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("tap server shutdown completed with errors", "error", err)
		return err
	}

	s.logger.Info("tap server shutdown completed successfully")
	return nil
}
