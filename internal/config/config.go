package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents the application configuration sourced from the environment.
type Config struct {
	AppName    string
	BackendURL string
	AnonKey    string

	RealtimeURL      string
	DebounceWindow   time.Duration
	HeartbeatPeriod  time.Duration
	ReconnectBackoff time.Duration

	CacheTTL        time.Duration
	CacheStaleAfter time.Duration
	SweepInterval   time.Duration
	QueryTimeout    time.Duration
	RetryCount      int
	RetryDelay      time.Duration

	MirrorEnabled bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ObjectEndpoint  string
	ObjectRegion    string
	ObjectBucket    string
	ObjectAccessKey string
	ObjectSecretKey string
	ObjectUseSSL    bool
	ObjectPublicURL string

	HTTPListenAddr   string
	MetricsAddr      string
	ShutdownTimeout  time.Duration
	HealthcheckProbe time.Duration
	OTLPEndpoint     string
}

// Load reads configuration from the environment while applying sensible defaults
// for local development.
func Load() (Config, error) {
	cfg := Config{
		AppName:    getEnv("APP_NAME", "field-sync-engine"),
		BackendURL: getEnv("BACKEND_URL", "http://localhost:54321"),
		AnonKey:    os.Getenv("BACKEND_ANON_KEY"),

		RealtimeURL:      getEnv("REALTIME_URL", "ws://localhost:54321/realtime/v1"),
		DebounceWindow:   getDuration("REALTIME_DEBOUNCE", 150*time.Millisecond),
		HeartbeatPeriod:  getDuration("REALTIME_HEARTBEAT", 30*time.Second),
		ReconnectBackoff: getDuration("REALTIME_RECONNECT_BACKOFF", 2*time.Second),

		CacheTTL:        getDuration("CACHE_TTL", 5*time.Minute),
		CacheStaleAfter: getDuration("CACHE_STALE_AFTER", 30*time.Second),
		SweepInterval:   getDuration("CACHE_SWEEP_INTERVAL", time.Minute),
		QueryTimeout:    getDuration("QUERY_TIMEOUT", 12*time.Second),
		RetryCount:      getInt("QUERY_RETRY_COUNT", 2),
		RetryDelay:      getDuration("QUERY_RETRY_DELAY", 500*time.Millisecond),

		MirrorEnabled: getBool("CACHE_MIRROR_ENABLED", false),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),

		ObjectEndpoint:  getEnv("OBJECT_ENDPOINT", "localhost:9000"),
		ObjectRegion:    getEnv("OBJECT_REGION", "us-east-1"),
		ObjectBucket:    getEnv("OBJECT_BUCKET", "order-photos"),
		ObjectAccessKey: getEnv("OBJECT_ACCESS_KEY", "minio"),
		ObjectSecretKey: getEnv("OBJECT_SECRET_KEY", "miniostorage"),
		ObjectUseSSL:    getBool("OBJECT_USE_SSL", false),
		ObjectPublicURL: getEnv("OBJECT_PUBLIC_URL", "http://localhost:9000"),

		HTTPListenAddr:   getEnv("HTTP_LISTEN_ADDR", ":8080"),
		MetricsAddr:      getEnv("METRICS_LISTEN_ADDR", ":9090"),
		ShutdownTimeout:  getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		HealthcheckProbe: getDuration("HEALTHCHECK_INTERVAL", 30*time.Second),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if cfg.AnonKey == "" {
		return Config{}, fmt.Errorf("BACKEND_ANON_KEY must be provided")
	}
	if cfg.ObjectAccessKey == "" || cfg.ObjectSecretKey == "" {
		return Config{}, fmt.Errorf("object storage credentials must be provided")
	}
	if cfg.QueryTimeout < time.Second {
		return Config{}, fmt.Errorf("QUERY_TIMEOUT must be at least 1s")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
