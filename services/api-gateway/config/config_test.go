package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validViper() *viper.Viper {
	v := viper.New()
	v.Set("http_port", "8080")
	v.Set("metrics_addr", ":9095")
	v.Set("kafka_brokers", "localhost:9092")
	v.Set("redis_addr", "localhost:6379")
	v.Set("rate_limit", 30)
	v.Set("rate_window", "1m")
	v.Set("poll_interval", "2s")
	v.Set("otel_sample_ratio", 1.0)
	return v
}

func TestLoad_Valid(t *testing.T) {
	cfg, err := Load(validViper())
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, time.Minute, cfg.RateWindow)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
	}{
		{"missing redis", "redis_addr", ""},
		{"non-numeric port", "http_port", "http"},
		{"zero poll interval", "poll_interval", "0s"},
		{"bad log level", "log_level", "verbose"},
		{"sample ratio above one", "otel_sample_ratio", 1.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := validViper()
			v.Set(tt.key, tt.val)
			_, err := Load(v)
			assert.Error(t, err)
		})
	}
}
