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
	"github.com/zianncupcake/myfoods-backend/internal/executor"
	"github.com/zianncupcake/myfoods-backend/internal/kafka"
	"github.com/zianncupcake/myfoods-backend/internal/postgres"
	redisstore "github.com/zianncupcake/myfoods-backend/internal/redis"
	"github.com/zianncupcake/myfoods-backend/internal/scraper"
	"github.com/zianncupcake/myfoods-backend/internal/uploader"
	"github.com/zianncupcake/myfoods-backend/pkg/telemetry"
	"github.com/zianncupcake/myfoods-backend/services/worker"
	"github.com/zianncupcake/myfoods-backend/services/worker/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the worker",
	RunE:  runServe,
}

func init() {
	policy := domain.DefaultRetryPolicy()

	f := serveCmd.Flags()
	f.String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	f.String("redis-addr", "localhost:6379", "Redis address (host:port or redis:// URL)")
	f.String("postgres-dsn", "", "PostgreSQL DSN for the audit trail; empty disables it")
	f.String("metrics-addr", ":9091", "Prometheus metrics server address")
	f.Duration("record-ttl", redisstore.DefaultRecordTTL, "how long task records are kept")
	f.StringSlice("platforms", nil, "platforms to consume (default: all)")
	f.Int("concurrency", 1, "number of lanes, each running one attempt at a time")
	f.Int("max-tasks-per-child", 5, "recreate a lane after this many work items (0 = never)")
	f.Int("max-memory-mb", 400, "recreate a lane once the heap exceeds this many MiB (0 = never)")
	f.Int("max-retries", policy.MaxRetries, "retries after the first attempt for retryable errors")
	f.Duration("retry-delay", policy.RetryDelay, "delay before a retry is re-enqueued")
	f.Duration("soft-time-limit", policy.SoftTimeLimit, "attempt is cancelled after this long")
	f.Duration("hard-time-limit", policy.HardTimeLimit, "attempt is abandoned after this long")
	f.Duration("scrape-timeout", 20*time.Second, "per-request HTTP timeout used by scrapers")
	f.String("scraper-command", "", "external scraper helper; {url} in --scraper-args is replaced")
	f.StringSlice("scraper-args", nil, "arguments for --scraper-command")
	f.StringSlice("command-platforms", nil, "platforms scraped with --scraper-command")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	f.Float64("otel-sample-ratio", 1.0, "fraction of root traces to sample")

	cliutil.BindFlag("kafka_brokers", f, "kafka-brokers")
	cliutil.BindFlag("redis_addr", f, "redis-addr")
	cliutil.BindFlag("postgres_dsn", f, "postgres-dsn")
	cliutil.BindFlag("metrics_addr", f, "metrics-addr")
	cliutil.BindFlag("record_ttl", f, "record-ttl")
	cliutil.BindFlag("platforms", f, "platforms")
	cliutil.BindFlag("concurrency", f, "concurrency")
	cliutil.BindFlag("max_tasks_per_child", f, "max-tasks-per-child")
	cliutil.BindFlag("max_memory_mb", f, "max-memory-mb")
	cliutil.BindFlag("max_retries", f, "max-retries")
	cliutil.BindFlag("retry_delay", f, "retry-delay")
	cliutil.BindFlag("soft_time_limit", f, "soft-time-limit")
	cliutil.BindFlag("hard_time_limit", f, "hard-time-limit")
	cliutil.BindFlag("scrape_timeout", f, "scrape-timeout")
	cliutil.BindFlag("scraper_command", f, "scraper-command")
	cliutil.BindFlag("scraper_args", f, "scraper-args")
	cliutil.BindFlag("command_platforms", f, "command-platforms")
	cliutil.BindFlag("otel_endpoint", f, "otel-endpoint")
	cliutil.BindFlag("otel_sample_ratio", f, "otel-sample-ratio")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = viper.BindEnv("r2.endpoint", "R2_ENDPOINT_URL")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url_base", "R2_PUBLIC_URL_BASE")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	workerID := "worker-" + uuid.New().String()[:8]
	logger := cliutil.NewLogger(cfg.LogLevel, "worker").With(slog.String("worker_id", workerID))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "worker", cfg.OTelEndpoint, cfg.OTelSampleRatio)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	brokers := cliutil.SplitList(cfg.KafkaBrokers)
	topics := kafka.WorkerTopics(cfg.Platforms)

	producer := kafka.NewProducer(brokers)
	defer func() { _ = producer.Close() }()

	redisClient, err := redisstore.NewClient(cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer func() { _ = redisClient.Close() }()

	up, err := uploader.New(cfg.R2, logger)
	if err != nil {
		return fmt.Errorf("uploader: %w", err)
	}
	if cfg.R2.Bucket == "" {
		logger.Warn("r2 bucket not configured, image uploads disabled")
	}

	// Every lane gets its own consumer, transport and scrapers so that
	// retiring it releases all of them.
	newLane := func() (*worker.Lane, error) {
		registry := scraper.NewRegistry(scraper.NewHTTPClient(cfg.ScrapeTimeout))
		if cfg.ScraperCommand != "" {
			for _, p := range cfg.CommandPlatforms {
				registry.Register(p, scraper.NewCommandScraper(cfg.ScraperCommand, cfg.ScraperArgs))
			}
		}
		return &worker.Lane{
			Consumer: kafka.NewConsumer(brokers, topics, worker.GroupID, logger),
			Executor: executor.New(registry, up, logger),
			Release:  registry.Close,
		}, nil
	}

	opts := []worker.Option{
		worker.WithConcurrency(cfg.Concurrency),
		worker.WithMaxTasksPerLane(cfg.MaxTasksPerChild),
		worker.WithMaxMemoryMB(cfg.MaxMemoryMB),
	}
	if cfg.PostgresDSN != "" {
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		opts = append(opts, worker.WithAudit(postgres.NewRepository(pool)))
	}

	w := worker.NewWorker(
		workerID,
		newLane,
		redisstore.NewRecordStore(redisClient, cfg.RecordTTL),
		redisstore.NewRetryQueue(redisClient),
		producer,
		cfg.RetryPolicy(),
		logger,
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
		logger.Info("shutting down, finishing in-flight attempts...")
		runCancel()
	}()

	logger.Info("worker starting",
		slog.Any("topics", topics),
		slog.Int("concurrency", cfg.Concurrency),
		slog.Int("max_retries", cfg.MaxRetries),
		slog.Duration("soft_time_limit", cfg.SoftTimeLimit),
		slog.Duration("hard_time_limit", cfg.HardTimeLimit),
	)

	if err := w.Run(runCtx); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	logger.Info("stopped cleanly")
	return nil
}
