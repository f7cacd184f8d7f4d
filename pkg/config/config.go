package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backends accepted by the pluggable collaborators.
const (
	BackendRedis  = "redis"
	BackendNATS   = "nats"
	BackendMQTT   = "mqtt"
	BackendKafka  = "kafka"
	BackendHTTP   = "http"
	BackendMemory = "memory"
	BackendNone   = "none"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	NATS       NATSConfig
	Kafka      KafkaConfig
	MQTT       MQTTConfig
	PubSub     PubSubConfig
	Session    SessionConfig
	Simulation SimulationConfig
	Dispatch   DispatchConfig
	JWT        JWTConfig
	Resilience ResilienceConfig
	RateLimit  RateLimitConfig
	Tracing    TracingConfig
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Port           string
	Environment    string
	ServiceName    string
	ReadTimeout    int
	WriteTimeout   int
	RequestTimeout time.Duration
	CORSOrigins    string // Comma-separated list of allowed origins
}

// DatabaseConfig holds database configuration for the trip history store
type DatabaseConfig struct {
	Enabled      bool
	Host         string
	Port         string
	User         string
	Password     string
	DBName       string
	SSLMode      string
	MaxConns     int
	MinConns     int
	QueryTimeout time.Duration
	AutoMigrate  bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host         string
	Port         string
	Password     string
	DB           int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	URL        string
	StreamName string
}

// KafkaConfig holds the dispatch topic settings
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// MQTTConfig holds the MQTT broker settings
type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	QoS       int
}

// PubSubConfig selects the realtime channel transport
type PubSubConfig struct {
	Backend          string
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

// SessionConfig controls session marker persistence
type SessionConfig struct {
	Persistence string
	KeyPrefix   string
	TTL         time.Duration
}

// SimulationConfig controls simulated driver movement
type SimulationConfig struct {
	Enabled      bool
	TickInterval time.Duration
	StepMeters   float64
}

// DispatchConfig selects how accept/decline/cancel/complete reach the dispatch side
type DispatchConfig struct {
	Backend    string
	URL        string
	RefreshURL string
	Timeout    time.Duration
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret string
}

// RateLimitConfig throttles inbound surface actions per user
type RateLimitConfig struct {
	Enabled     bool
	Limit       int
	Burst       int
	Window      time.Duration
	RedisPrefix string
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled      bool
	OTLPEndpoint string
	SampleRate   float64
}

// ResilienceConfig groups runtime resilience controls
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig
	Retry          RetryConfig
}

// RetryConfig tunes transport retries
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// CircuitBreakerConfig captures default and per-service breaker tuning
type CircuitBreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	SuccessThreshold int
	TimeoutSeconds   int
	IntervalSeconds  int
	ServiceOverrides map[string]CircuitBreakerSettings
}

// CircuitBreakerSettings overrides defaults for a specific upstream service
type CircuitBreakerSettings struct {
	FailureThreshold int `json:"failure_threshold"`
	SuccessThreshold int `json:"success_threshold"`
	TimeoutSeconds   int `json:"timeout_seconds"`
	IntervalSeconds  int `json:"interval_seconds"`
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Environment:    getEnv("ENVIRONMENT", "development"),
			ServiceName:    serviceName,
			ReadTimeout:    getEnvAsInt("READ_TIMEOUT", 10),
			WriteTimeout:   getEnvAsInt("WRITE_TIMEOUT", 10),
			RequestTimeout: getEnvAsDuration("REQUEST_TIMEOUT", 15*time.Second),
			CORSOrigins:    getEnv("CORS_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			Enabled:      getEnvAsBool("DB_ENABLED", false),
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnv("DB_PORT", "5432"),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", "postgres"),
			DBName:       getEnv("DB_NAME", "gidigo"),
			SSLMode:      getEnv("DB_SSLMODE", "disable"),
			MaxConns:     getEnvAsInt("DB_MAX_CONNS", 10),
			MinConns:     getEnvAsInt("DB_MIN_CONNS", 2),
			QueryTimeout: getEnvAsDuration("DB_QUERY_TIMEOUT", 5*time.Second),
			AutoMigrate:  getEnvAsBool("DB_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Host:         getEnv("REDIS_HOST", "localhost"),
			Port:         getEnv("REDIS_PORT", "6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvAsInt("REDIS_DB", 0),
			ReadTimeout:  getEnvAsDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvAsDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		NATS: NATSConfig{
			URL:        getEnv("NATS_URL", "nats://127.0.0.1:4222"),
			StreamName: getEnv("NATS_STREAM", "GIDIGO_DISPATCH"),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvAsList("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:   getEnv("KAFKA_DISPATCH_TOPIC", "gidigo.dispatch"),
		},
		MQTT: MQTTConfig{
			BrokerURL: getEnv("MQTT_BROKER_URL", "tcp://localhost:1883"),
			ClientID:  getEnv("MQTT_CLIENT_ID", serviceName),
			QoS:       getEnvAsInt("MQTT_QOS", 1),
		},
		PubSub: PubSubConfig{
			Backend:          strings.ToLower(getEnv("PUBSUB_BACKEND", BackendRedis)),
			ReconnectInitial: getEnvAsDuration("PUBSUB_RECONNECT_INITIAL", 500*time.Millisecond),
			ReconnectMax:     getEnvAsDuration("PUBSUB_RECONNECT_MAX", 30*time.Second),
		},
		Session: SessionConfig{
			Persistence: strings.ToLower(getEnv("SESSION_PERSISTENCE", BackendRedis)),
			KeyPrefix:   getEnv("SESSION_KEY_PREFIX", "session"),
			TTL:         getEnvAsDuration("SESSION_TTL", 24*time.Hour),
		},
		Simulation: SimulationConfig{
			Enabled:      getEnvAsBool("SIMULATION_ENABLED", false),
			TickInterval: getEnvAsDuration("SIMULATION_TICK", 2*time.Second),
			StepMeters:   getEnvAsFloat("SIMULATION_STEP_METERS", 50),
		},
		Dispatch: DispatchConfig{
			Backend:    strings.ToLower(getEnv("DISPATCH_BACKEND", BackendNATS)),
			URL:        getEnv("DISPATCH_URL", "http://localhost:8082"),
			RefreshURL: getEnv("AUTH_REFRESH_URL", "http://localhost:8081/api/v1/auth/refresh"),
			Timeout:    getEnvAsDuration("DISPATCH_TIMEOUT", 10*time.Second),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		},
		RateLimit: RateLimitConfig{
			Enabled:     getEnvAsBool("RATE_LIMIT_ENABLED", true),
			Limit:       getEnvAsInt("RATE_LIMIT_ACTIONS", 60),
			Burst:       getEnvAsInt("RATE_LIMIT_BURST", 10),
			Window:      getEnvAsDuration("RATE_LIMIT_WINDOW", time.Minute),
			RedisPrefix: getEnv("RATE_LIMIT_PREFIX", "ratelimit"),
		},
		Tracing: TracingConfig{
			Enabled:      getEnvAsBool("OTEL_ENABLED", false),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			SampleRate:   getEnvAsFloat("OTEL_TRACE_SAMPLE_RATE", 0),
		},
		Resilience: ResilienceConfig{
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          getEnvAsBool("CB_ENABLED", true),
				FailureThreshold: getEnvAsInt("CB_FAILURE_THRESHOLD", 5),
				SuccessThreshold: getEnvAsInt("CB_SUCCESS_THRESHOLD", 1),
				TimeoutSeconds:   getEnvAsInt("CB_TIMEOUT_SECONDS", 30),
				IntervalSeconds:  getEnvAsInt("CB_INTERVAL_SECONDS", 60),
			},
			Retry: RetryConfig{
				MaxAttempts:    getEnvAsInt("RETRY_MAX_ATTEMPTS", 3),
				InitialBackoff: getEnvAsDuration("RETRY_INITIAL_BACKOFF", 100*time.Millisecond),
				MaxBackoff:     getEnvAsDuration("RETRY_MAX_BACKOFF", 5*time.Second),
			},
		},
	}

	if breakerOverrides := getEnv("CB_SERVICE_OVERRIDES", ""); breakerOverrides != "" {
		var serviceConfig map[string]CircuitBreakerSettings
		if err := json.Unmarshal([]byte(breakerOverrides), &serviceConfig); err != nil {
			return nil, fmt.Errorf("invalid CB_SERVICE_OVERRIDES value: %w", err)
		}
		cfg.Resilience.CircuitBreaker.ServiceOverrides = serviceConfig
	}

	if cfg.Resilience.Retry.MaxAttempts <= 0 {
		cfg.Resilience.Retry.MaxAttempts = 1
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects unknown backends and nonsensical durations.
func (c *Config) Validate() error {
	var errs []error

	if !oneOf(c.PubSub.Backend, BackendRedis, BackendNATS, BackendMQTT, BackendMemory) {
		errs = append(errs, fmt.Errorf("PUBSUB_BACKEND %q is not supported", c.PubSub.Backend))
	}
	if !oneOf(c.Session.Persistence, BackendRedis, BackendMemory) {
		errs = append(errs, fmt.Errorf("SESSION_PERSISTENCE %q is not supported", c.Session.Persistence))
	}
	if !oneOf(c.Dispatch.Backend, BackendNATS, BackendKafka, BackendHTTP, BackendNone) {
		errs = append(errs, fmt.Errorf("DISPATCH_BACKEND %q is not supported", c.Dispatch.Backend))
	}
	if c.Dispatch.Backend == BackendKafka && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS must be set when DISPATCH_BACKEND=kafka"))
	}
	if c.Simulation.Enabled && (c.Simulation.TickInterval <= 0 || c.Simulation.StepMeters <= 0) {
		errs = append(errs, errors.New("simulation tick and step must be positive"))
	}
	if c.PubSub.ReconnectInitial <= 0 || c.PubSub.ReconnectMax < c.PubSub.ReconnectInitial {
		errs = append(errs, errors.New("pubsub reconnect backoff is invalid"))
	}
	if c.RateLimit.Enabled && c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW must be positive"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("MQTT_QOS %d must be 0, 1 or 2", c.MQTT.QoS))
	}

	return errors.Join(errs...)
}

// SettingsFor returns effective breaker settings for a specific upstream service name
func (c CircuitBreakerConfig) SettingsFor(service string) CircuitBreakerSettings {
	settings := CircuitBreakerSettings{
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		TimeoutSeconds:   c.TimeoutSeconds,
		IntervalSeconds:  c.IntervalSeconds,
	}

	if override, ok := c.ServiceOverrides[service]; ok {
		if override.FailureThreshold > 0 {
			settings.FailureThreshold = override.FailureThreshold
		}
		if override.SuccessThreshold > 0 {
			settings.SuccessThreshold = override.SuccessThreshold
		}
		if override.TimeoutSeconds > 0 {
			settings.TimeoutSeconds = override.TimeoutSeconds
		}
		if override.IntervalSeconds > 0 {
			settings.IntervalSeconds = override.IntervalSeconds
		}
	}

	if settings.SuccessThreshold <= 0 {
		settings.SuccessThreshold = 1
	}
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 5
	}
	if settings.TimeoutSeconds <= 0 {
		settings.TimeoutSeconds = 30
	}
	if settings.IntervalSeconds <= 0 {
		settings.IntervalSeconds = 60
	}

	return settings
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDuration accepts Go duration strings ("2s") or plain seconds ("2").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if seconds, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}
