package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")
	cfg, err := LoadServerConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, "ride-events", cfg.KafkaRideEventsTopic)
	assert.Equal(t, 15.0, cfg.Dispatch.RadiusKm)
	assert.Equal(t, 5, cfg.Dispatch.BatchSize)
	assert.Equal(t, 600*time.Second, cfg.Dispatch.BatchTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Dispatch.ArrivalTimeout)
	assert.Equal(t, 4*time.Hour, cfg.Dispatch.RideDurationTimeout)
	assert.Equal(t, "NGN", cfg.Dispatch.DefaultCurrency)
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("DISPATCH_BATCH_SIZE", "3")
	t.Setenv("DISPATCH_BATCH_TIMEOUT", "90s")
	t.Setenv("DISPATCH_RADIUS_KM", "7.5")
	t.Setenv("DEFAULT_CURRENCY", "usd")
	t.Setenv("MIGRATE", "TRUE")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 3, cfg.Dispatch.BatchSize)
	assert.Equal(t, 90*time.Second, cfg.Dispatch.BatchTimeout)
	assert.Equal(t, 7.5, cfg.Dispatch.RadiusKm)
	assert.Equal(t, "USD", cfg.Dispatch.DefaultCurrency)
	assert.True(t, cfg.RunMigrations)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadServerConfigJoinsErrors(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("DISPATCH_BATCH_SIZE", "0")
	t.Setenv("DISPATCH_RADIUS_KM", "far")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid HTTP_READ_TIMEOUT")
	assert.Contains(t, err.Error(), "invalid DISPATCH_RADIUS_KM")
	assert.Contains(t, err.Error(), "DISPATCH_BATCH_SIZE must be > 0")
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("KAFKA_BROKER", "legacy:9092")
	t.Setenv("KAFKA_GROUP", "g1")
	cfg := LoadConsumerConfig()
	assert.Equal(t, []string{"legacy:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "g1", cfg.KafkaGroup)
	assert.Equal(t, "drivers_geo", cfg.RedisGeoKey)
}
