package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/zianncupcake/myfoods-backend/internal/domain"
	"github.com/zianncupcake/myfoods-backend/internal/uploader"
)

// Config holds typed configuration for the worker service.
type Config struct {
	LogLevel     string        `validate:"omitempty,oneof=debug info warn error"`
	KafkaBrokers string        `validate:"required"`
	RedisAddr    string        `validate:"required"`
	PostgresDSN  string        // empty disables the audit trail
	MetricsAddr  string        `validate:"required"`
	RecordTTL    time.Duration `validate:"gte=0"`

	// Platforms lists the platform topics this worker consumes; empty means all.
	Platforms        []domain.Platform
	Concurrency      int `validate:"gte=1"`
	MaxTasksPerChild int `validate:"gte=0"`
	MaxMemoryMB      int `validate:"gte=0"`

	MaxRetries    int           `validate:"gte=0"`
	RetryDelay    time.Duration `validate:"gt=0"`
	SoftTimeLimit time.Duration `validate:"gt=0"`
	HardTimeLimit time.Duration `validate:"gtfield=SoftTimeLimit"`
	ScrapeTimeout time.Duration `validate:"gt=0"`

	// ScraperCommand, when set, replaces the HTTP scraper of every platform in
	// CommandPlatforms with an external helper.
	ScraperCommand   string
	ScraperArgs      []string
	CommandPlatforms []domain.Platform

	R2 uploader.Config

	OTelEndpoint    string
	OTelSampleRatio float64 `validate:"gte=0,lte=1"`
}

// RetryPolicy returns the attempt limits configured for this deployment.
func (c Config) RetryPolicy() domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxRetries:    c.MaxRetries,
		RetryDelay:    c.RetryDelay,
		SoftTimeLimit: c.SoftTimeLimit,
		HardTimeLimit: c.HardTimeLimit,
	}
}

// Load reads all values from the given viper instance and validates them.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		LogLevel:         v.GetString("log_level"),
		KafkaBrokers:     v.GetString("kafka_brokers"),
		RedisAddr:        v.GetString("redis_addr"),
		PostgresDSN:      v.GetString("postgres_dsn"),
		MetricsAddr:      v.GetString("metrics_addr"),
		RecordTTL:        v.GetDuration("record_ttl"),
		Concurrency:      v.GetInt("concurrency"),
		MaxTasksPerChild: v.GetInt("max_tasks_per_child"),
		MaxMemoryMB:      v.GetInt("max_memory_mb"),
		MaxRetries:       v.GetInt("max_retries"),
		RetryDelay:       v.GetDuration("retry_delay"),
		SoftTimeLimit:    v.GetDuration("soft_time_limit"),
		HardTimeLimit:    v.GetDuration("hard_time_limit"),
		ScrapeTimeout:    v.GetDuration("scrape_timeout"),
		ScraperCommand:   v.GetString("scraper_command"),
		ScraperArgs:      v.GetStringSlice("scraper_args"),
		OTelEndpoint:     v.GetString("otel_endpoint"),
		OTelSampleRatio:  v.GetFloat64("otel_sample_ratio"),
	}

	var err error
	if cfg.Platforms, err = parsePlatforms(v.GetStringSlice("platforms")); err != nil {
		return Config{}, err
	}
	if len(cfg.Platforms) == 0 {
		cfg.Platforms = domain.Platforms()
	}
	if cfg.CommandPlatforms, err = parsePlatforms(v.GetStringSlice("command_platforms")); err != nil {
		return Config{}, err
	}
	// Read field by field so env bindings on nested keys are honoured.
	cfg.R2 = uploader.Config{
		Endpoint:        v.GetString("r2.endpoint"),
		AccessKeyID:     v.GetString("r2.access_key_id"),
		SecretAccessKey: v.GetString("r2.secret_access_key"),
		Bucket:          v.GetString("r2.bucket"),
		PublicURLBase:   v.GetString("r2.public_url_base"),
		Region:          v.GetString("r2.region"),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("worker config: %w", err)
	}
	return cfg, nil
}

func parsePlatforms(names []string) ([]domain.Platform, error) {
	out := make([]domain.Platform, 0, len(names))
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		p := domain.ParsePlatform(n)
		if p == domain.PlatformUnknown {
			return nil, fmt.Errorf("worker config: unknown platform %q", n)
		}
		out = append(out, p)
	}
	return out, nil
}
