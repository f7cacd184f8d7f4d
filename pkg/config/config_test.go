package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("coordinator-test")
	require.NoError(t, err)

	assert.Equal(t, "coordinator-test", cfg.Server.ServiceName)
	assert.Equal(t, BackendRedis, cfg.PubSub.Backend)
	assert.Equal(t, BackendRedis, cfg.Session.Persistence)
	assert.Equal(t, BackendNATS, cfg.Dispatch.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Session.TTL)
	assert.Equal(t, 2*time.Second, cfg.Simulation.TickInterval)
	assert.Equal(t, 3, cfg.Resilience.Retry.MaxAttempts)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
}

func TestLoadCustomValues(t *testing.T) {
	t.Setenv("PUBSUB_BACKEND", "MQTT")
	t.Setenv("DISPATCH_BACKEND", "kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("SESSION_TTL", "90")
	t.Setenv("SIMULATION_TICK", "250ms")
	t.Setenv("RATE_LIMIT_ACTIONS", "5")
	t.Setenv("CB_SERVICE_OVERRIDES", `{"dispatch":{"failure_threshold":9}}`)

	cfg, err := Load("coordinator-test")
	require.NoError(t, err)

	assert.Equal(t, BackendMQTT, cfg.PubSub.Backend)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 90*time.Second, cfg.Session.TTL)
	assert.Equal(t, 250*time.Millisecond, cfg.Simulation.TickInterval)
	assert.Equal(t, 5, cfg.RateLimit.Limit)
	assert.Equal(t, 9, cfg.Resilience.CircuitBreaker.SettingsFor("dispatch").FailureThreshold)
	assert.Equal(t, 5, cfg.Resilience.CircuitBreaker.SettingsFor("other").FailureThreshold)
}

func TestLoadRejectsUnknownBackends(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"pubsub", "PUBSUB_BACKEND", "pusher"},
		{"session", "SESSION_PERSISTENCE", "localstorage"},
		{"dispatch", "DISPATCH_BACKEND", "carrier-pigeon"},
		{"mqtt qos", "MQTT_QOS", "3"},
		{"rate limit window", "RATE_LIMIT_WINDOW", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load("coordinator-test")
			assert.Error(t, err)
		})
	}
}

func TestLoadInvalidBreakerOverrides(t *testing.T) {
	t.Setenv("CB_SERVICE_OVERRIDES", "{not-json")
	_, err := Load("coordinator-test")
	assert.ErrorContains(t, err, "CB_SERVICE_OVERRIDES")
}

func TestDSNAndRedisAddr(t *testing.T) {
	db := DatabaseConfig{User: "u", Password: "p", Host: "h", Port: "5432", DBName: "d", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@h:5432/d?sslmode=disable", db.DSN())

	r := RedisConfig{Host: "cache", Port: "6380"}
	assert.Equal(t, "cache:6380", r.RedisAddr())
}
