package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds typed configuration for the dispatcher service.
type Config struct {
	LogLevel          string `validate:"omitempty,oneof=debug info warn error"`
	KafkaBrokers      string `validate:"required"`
	RedisAddr         string `validate:"required"`
	PlatformRateLimit int    `validate:"gte=0"` // items per second per platform; 0 disables
	ThrottleWait      time.Duration
	MetricsAddr       string  `validate:"required"`
	OTelEndpoint      string
	OTelSampleRatio   float64 `validate:"gte=0,lte=1"`
}

// Load reads all values from the given viper instance and validates them.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		LogLevel:          v.GetString("log_level"),
		KafkaBrokers:      v.GetString("kafka_brokers"),
		RedisAddr:         v.GetString("redis_addr"),
		PlatformRateLimit: v.GetInt("platform_rate_limit"),
		ThrottleWait:      v.GetDuration("throttle_wait"),
		MetricsAddr:       v.GetString("metrics_addr"),
		OTelEndpoint:      v.GetString("otel_endpoint"),
		OTelSampleRatio:   v.GetFloat64("otel_sample_ratio"),
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("dispatcher config: %w", err)
	}
	return cfg, nil
}
