package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	v := viper.New()
	v.Set("kafka_brokers", "k1:9092,k2:9092")
	v.Set("redis_addr", "localhost:6379")
	v.Set("metrics_addr", ":9094")
	v.Set("platform_rate_limit", 5)
	v.Set("throttle_wait", "100ms")

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.PlatformRateLimit)
	assert.Equal(t, 100*time.Millisecond, cfg.ThrottleWait)

	v.Set("platform_rate_limit", -1)
	_, err = Load(v)
	assert.Error(t, err)
}
