package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zianncupcake/myfoods-backend/internal/cliutil"
	"github.com/zianncupcake/myfoods-backend/internal/kafka"
	redisstore "github.com/zianncupcake/myfoods-backend/internal/redis"
	"github.com/zianncupcake/myfoods-backend/pkg/telemetry"
	"github.com/zianncupcake/myfoods-backend/services/dispatcher"
	"github.com/zianncupcake/myfoods-backend/services/dispatcher/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dispatcher",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	f.String("redis-addr", "localhost:6379", "Redis address (host:port or redis:// URL)")
	f.Int("platform-rate-limit", 5, "max work items per second per platform (0 = disabled)")
	f.Duration("throttle-wait", 100*time.Millisecond, "pause between limiter checks while throttled")
	f.String("metrics-addr", ":9094", "Prometheus metrics server address")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	f.Float64("otel-sample-ratio", 1.0, "fraction of root traces to sample")

	cliutil.BindFlag("kafka_brokers", f, "kafka-brokers")
	cliutil.BindFlag("redis_addr", f, "redis-addr")
	cliutil.BindFlag("platform_rate_limit", f, "platform-rate-limit")
	cliutil.BindFlag("throttle_wait", f, "throttle-wait")
	cliutil.BindFlag("metrics_addr", f, "metrics-addr")
	cliutil.BindFlag("otel_endpoint", f, "otel-endpoint")
	cliutil.BindFlag("otel_sample_ratio", f, "otel-sample-ratio")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger := cliutil.NewLogger(cfg.LogLevel, "dispatcher")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "dispatcher", cfg.OTelEndpoint, cfg.OTelSampleRatio)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	brokers := cliutil.SplitList(cfg.KafkaBrokers)

	consumer := kafka.NewConsumer(brokers, []string{kafka.PendingTopic}, dispatcher.GroupID, logger)
	defer func() { _ = consumer.Close() }()

	producer := kafka.NewProducer(brokers)
	defer func() { _ = producer.Close() }()

	redisClient, err := redisstore.NewClient(cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer func() { _ = redisClient.Close() }()
	store := redisstore.NewRecordStore(redisClient, 0)

	var opts []dispatcher.Option
	if cfg.PlatformRateLimit > 0 {
		limiter := redisstore.NewRateLimiter(redisClient, cfg.PlatformRateLimit, time.Second)
		opts = append(opts, dispatcher.WithPlatformLimiter(limiter, cfg.ThrottleWait))
		logger.Info("platform rate limiter enabled", slog.Int("limit_per_second", cfg.PlatformRateLimit))
	}

	d := dispatcher.NewDispatcher(consumer, producer, store, logger, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	telemetry.StartMetricsServer(ctx, cfg.MetricsAddr, logger,
		func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		producer.Ping,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down...")
		cancel()
	}()

	logger.Info("dispatcher starting", slog.String("topic", kafka.PendingTopic))
	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	logger.Info("stopped")
	return nil
}
