package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds typed configuration for the scheduler service.
type Config struct {
	LogLevel        string        `validate:"omitempty,oneof=debug info warn error"`
	KafkaBrokers    string        `validate:"required"`
	RedisAddr       string        `validate:"required"`
	PostgresDSN     string        // empty disables the audit trail
	MetricsAddr     string        `validate:"required"`
	PumpInterval    time.Duration `validate:"gt=0"`
	LeaderTTL       time.Duration `validate:"gtfield=PumpInterval"`
	ReapSchedule    string        `validate:"required"`
	ReapGrace       time.Duration `validate:"gte=0"`
	QueueGrace      time.Duration `validate:"gt=0"`
	HardTimeLimit   time.Duration `validate:"gt=0"`
	BatchSize       int           `validate:"gt=0"`
	OTelEndpoint    string
	OTelSampleRatio float64 `validate:"gte=0,lte=1"`
}

// Load reads all values from the given viper instance and validates them.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		LogLevel:        v.GetString("log_level"),
		KafkaBrokers:    v.GetString("kafka_brokers"),
		RedisAddr:       v.GetString("redis_addr"),
		PostgresDSN:     v.GetString("postgres_dsn"),
		MetricsAddr:     v.GetString("metrics_addr"),
		PumpInterval:    v.GetDuration("pump_interval"),
		LeaderTTL:       v.GetDuration("leader_ttl"),
		ReapSchedule:    v.GetString("reap_schedule"),
		ReapGrace:       v.GetDuration("reap_grace"),
		QueueGrace:      v.GetDuration("queue_grace"),
		HardTimeLimit:   v.GetDuration("hard_time_limit"),
		BatchSize:       v.GetInt("batch_size"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
		OTelSampleRatio: v.GetFloat64("otel_sample_ratio"),
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("scheduler config: %w", err)
	}
	return cfg, nil
}
