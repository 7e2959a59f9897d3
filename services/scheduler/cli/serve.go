package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zianncupcake/myfoods-backend/internal/cliutil"
	"github.com/zianncupcake/myfoods-backend/internal/domain"
	"github.com/zianncupcake/myfoods-backend/internal/kafka"
	"github.com/zianncupcake/myfoods-backend/internal/postgres"
	redisstore "github.com/zianncupcake/myfoods-backend/internal/redis"
	"github.com/zianncupcake/myfoods-backend/pkg/telemetry"
	"github.com/zianncupcake/myfoods-backend/services/scheduler"
	"github.com/zianncupcake/myfoods-backend/services/scheduler/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduler",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	f.String("redis-addr", "localhost:6379", "Redis address (host:port or redis:// URL)")
	f.String("postgres-dsn", "", "PostgreSQL DSN for the audit trail; empty disables it")
	f.String("metrics-addr", ":9093", "Prometheus metrics server address")
	f.Duration("pump-interval", time.Second, "how often due retries are re-enqueued")
	f.Duration("leader-ttl", 30*time.Second, "leader lease duration")
	f.String("reap-schedule", "@every 1m", "cron spec for the stale-task reaper")
	f.Duration("reap-grace", 5*time.Minute, "extra time past the hard limit before a STARTED task is reaped")
	f.Duration("queue-grace", 30*time.Minute, "time a PENDING or due RETRY task may wait for a worker before it is reaped")
	f.Duration("hard-time-limit", domain.DefaultRetryPolicy().HardTimeLimit, "worker hard time limit")
	f.Int("batch-size", 100, "max items handled per pump or reap pass")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	f.Float64("otel-sample-ratio", 1.0, "fraction of root traces to sample")

	cliutil.BindFlag("kafka_brokers", f, "kafka-brokers")
	cliutil.BindFlag("redis_addr", f, "redis-addr")
	cliutil.BindFlag("postgres_dsn", f, "postgres-dsn")
	cliutil.BindFlag("metrics_addr", f, "metrics-addr")
	cliutil.BindFlag("pump_interval", f, "pump-interval")
	cliutil.BindFlag("leader_ttl", f, "leader-ttl")
	cliutil.BindFlag("reap_schedule", f, "reap-schedule")
	cliutil.BindFlag("reap_grace", f, "reap-grace")
	cliutil.BindFlag("queue_grace", f, "queue-grace")
	cliutil.BindFlag("hard_time_limit", f, "hard-time-limit")
	cliutil.BindFlag("batch_size", f, "batch-size")
	cliutil.BindFlag("otel_endpoint", f, "otel-endpoint")
	cliutil.BindFlag("otel_sample_ratio", f, "otel-sample-ratio")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger := cliutil.NewLogger(cfg.LogLevel, "scheduler")
	instanceID := "scheduler-" + uuid.New().String()[:8]

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "scheduler", cfg.OTelEndpoint, cfg.OTelSampleRatio)
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

	policy := domain.DefaultRetryPolicy()
	policy.HardTimeLimit = cfg.HardTimeLimit

	opts := []scheduler.Option{
		scheduler.WithPumpInterval(cfg.PumpInterval),
		scheduler.WithReapSchedule(cfg.ReapSchedule),
		scheduler.WithReapGrace(cfg.ReapGrace),
		scheduler.WithQueueGrace(cfg.QueueGrace),
		scheduler.WithBatchSize(cfg.BatchSize),
	}
	if cfg.PostgresDSN != "" {
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		opts = append(opts, scheduler.WithAudit(postgres.NewRepository(pool)))
	}

	sched := scheduler.NewScheduler(
		redisstore.NewLeaderLock(redisClient, scheduler.LeaderKey, instanceID, cfg.LeaderTTL),
		redisstore.NewRetryQueue(redisClient),
		redisstore.NewRecordStore(redisClient, 0),
		producer,
		policy,
		logger.With(slog.String("instance_id", instanceID)),
		opts...,
	)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger,
		func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		producer.Ping,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down...")
		runCancel()
	}()

	logger.Info("scheduler starting",
		slog.String("instance_id", instanceID),
		slog.Duration("pump_interval", cfg.PumpInterval),
		slog.String("reap_schedule", cfg.ReapSchedule),
	)
	if err := sched.Run(runCtx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	logger.Info("stopped")
	return nil
}
