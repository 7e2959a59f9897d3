package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds typed configuration for the api-gateway service.
type Config struct {
	LogLevel        string        `validate:"omitempty,oneof=debug info warn error"`
	HTTPPort        string        `validate:"required,numeric"`
	MetricsAddr     string        `validate:"required"`
	KafkaBrokers    string        `validate:"required"`
	RedisAddr       string        `validate:"required"`
	PostgresDSN     string        // empty disables the audit trail
	RecordTTL       time.Duration `validate:"gte=0"`
	RateLimit       int           `validate:"gte=0"` // submissions per window per client; 0 disables
	RateWindow      time.Duration `validate:"required_with=RateLimit"`
	PollInterval    time.Duration `validate:"gt=0"`
	AllowedOrigins  []string
	OTelEndpoint    string
	OTelSampleRatio float64 `validate:"gte=0,lte=1"`
}

// Load reads all values from the given viper instance and validates them.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		LogLevel:        v.GetString("log_level"),
		HTTPPort:        v.GetString("http_port"),
		MetricsAddr:     v.GetString("metrics_addr"),
		KafkaBrokers:    v.GetString("kafka_brokers"),
		RedisAddr:       v.GetString("redis_addr"),
		PostgresDSN:     v.GetString("postgres_dsn"),
		RecordTTL:       v.GetDuration("record_ttl"),
		RateLimit:       v.GetInt("rate_limit"),
		RateWindow:      v.GetDuration("rate_window"),
		PollInterval:    v.GetDuration("poll_interval"),
		AllowedOrigins:  v.GetStringSlice("allowed_origins"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
		OTelSampleRatio: v.GetFloat64("otel_sample_ratio"),
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("api-gateway config: %w", err)
	}
	return cfg, nil
}
