package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zianncupcake/myfoods-backend/internal/cliutil"
	"github.com/zianncupcake/myfoods-backend/internal/kafka"
	"github.com/zianncupcake/myfoods-backend/internal/notifier"
	"github.com/zianncupcake/myfoods-backend/internal/postgres"
	"github.com/zianncupcake/myfoods-backend/internal/queue"
	redisstore "github.com/zianncupcake/myfoods-backend/internal/redis"
	"github.com/zianncupcake/myfoods-backend/internal/version"
	"github.com/zianncupcake/myfoods-backend/pkg/telemetry"
	"github.com/zianncupcake/myfoods-backend/services/api-gateway/config"
	"github.com/zianncupcake/myfoods-backend/services/api-gateway/handler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and WebSocket server",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("http-port", "8080", "HTTP server port")
	f.String("metrics-addr", ":9095", "Prometheus metrics server address")
	f.String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	f.String("redis-addr", "localhost:6379", "Redis address (host:port or redis:// URL)")
	f.String("postgres-dsn", "", "PostgreSQL DSN for the audit trail; empty disables it")
	f.Duration("record-ttl", redisstore.DefaultRecordTTL, "task record retention")
	f.Int("rate-limit", 30, "submissions per client per window; 0 disables")
	f.Duration("rate-window", time.Minute, "rate limit window")
	f.Duration("poll-interval", notifier.DefaultPollInterval, "WebSocket status poll interval")
	f.StringSlice("allowed-origins", nil, "WebSocket origins to accept; empty accepts any")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	f.Float64("otel-sample-ratio", 1.0, "fraction of root traces to sample")

	cliutil.BindFlag("http_port", f, "http-port")
	cliutil.BindFlag("metrics_addr", f, "metrics-addr")
	cliutil.BindFlag("kafka_brokers", f, "kafka-brokers")
	cliutil.BindFlag("redis_addr", f, "redis-addr")
	cliutil.BindFlag("postgres_dsn", f, "postgres-dsn")
	cliutil.BindFlag("record_ttl", f, "record-ttl")
	cliutil.BindFlag("rate_limit", f, "rate-limit")
	cliutil.BindFlag("rate_window", f, "rate-window")
	cliutil.BindFlag("poll_interval", f, "poll-interval")
	cliutil.BindFlag("allowed_origins", f, "allowed-origins")
	cliutil.BindFlag("otel_endpoint", f, "otel-endpoint")
	cliutil.BindFlag("otel_sample_ratio", f, "otel-sample-ratio")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger := cliutil.NewLogger(cfg.LogLevel, "api-gateway")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "api-gateway", cfg.OTelEndpoint, cfg.OTelSampleRatio)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	producer := kafka.NewProducer(cliutil.SplitList(cfg.KafkaBrokers))
	defer func() { _ = producer.Close() }()

	redisClient, err := redisstore.NewClient(cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer func() { _ = redisClient.Close() }()
	store := redisstore.NewRecordStore(redisClient, cfg.RecordTTL)

	var opts []queue.Option
	if cfg.PostgresDSN != "" {
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		opts = append(opts, queue.WithAudit(postgres.NewRepository(pool)))
	}

	var limiter redisstore.RateLimiter
	if cfg.RateLimit > 0 {
		limiter = redisstore.NewRateLimiter(redisClient, cfg.RateLimit, cfg.RateWindow)
	}

	submitter := queue.NewSubmitter(store, producer, logger, opts...)
	status := notifier.New(store, logger, notifier.WithPollInterval(cfg.PollInterval))

	checks := []telemetry.Check{
		func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		producer.Ping,
	}
	rest := handler.NewREST(submitter, status, limiter, logger, checks...)
	ws := handler.NewWS(status, cfg.AllowedOrigins, logger)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           handler.NewRouter(rest, ws, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger, checks...)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("api-gateway HTTP starting",
			slog.String("addr", httpSrv.Addr),
			slog.String("version", version.String()),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-quit:
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("shutting down...")
	runCancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}
