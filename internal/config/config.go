// Package config loads service settings from the environment, optionally
// layered over a YAML file named by CONFIG_FILE.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/punchamoorthee/walletsettle/internal/orchestrator"
	"github.com/punchamoorthee/walletsettle/internal/outbox"
	"github.com/punchamoorthee/walletsettle/internal/resilience"
)

type Config struct {
	DBSource string
	Port     string
	Env      string

	KafkaBrokers []string
	// KafkaGroupID defaults to the service name when empty.
	KafkaGroupID string
	DLQTopic     string

	// RedisAddr enables the shared worker lease. Empty means each instance
	// runs its background workers unguarded.
	RedisAddr string

	WalletServiceURL  string
	HTTPClientTimeout time.Duration
	ShutdownTimeout   time.Duration

	Outbox               outbox.RelayConfig
	Reconcile            orchestrator.ReconcilerConfig
	IdempotencyRetention time.Duration
	IdempotencySweep     time.Duration

	Breaker resilience.BreakerSettings
	Retry   resilience.RetryPolicy
}

var defaults = map[string]any{
	"SERVER_PORT":              "8080",
	"ENVIRONMENT":              "development",
	"KAFKA_BROKERS":            "localhost:9092",
	"DLQ_TOPIC":                "settlement.dlq",
	"WALLET_SERVICE_URL":       "http://localhost:8081",
	"HTTP_CLIENT_TIMEOUT":      "5s",
	"SHUTDOWN_TIMEOUT":         "30s",
	"OUTBOX_BATCH_SIZE":        100,
	"OUTBOX_POLL_INTERVAL":     "500ms",
	"OUTBOX_MAX_ATTEMPTS":      10,
	"OUTBOX_INITIAL_BACKOFF":   "1s",
	"OUTBOX_MAX_BACKOFF":       "5m",
	"OUTBOX_RETENTION":         "168h",
	"RECONCILE_TIMEOUT":        "30s",
	"RECONCILE_INTERVAL":       "10s",
	"RECONCILE_MAX_ATTEMPTS":   5,
	"RECONCILE_BATCH_SIZE":     100,
	"IDEMPOTENCY_RETENTION":    "72h",
	"IDEMPOTENCY_SWEEP":        "1h",
	"BREAKER_CONSECUTIVE":      5,
	"BREAKER_FAILURE_RATE":     0.5,
	"BREAKER_MIN_REQUESTS":     20,
	"BREAKER_WINDOW":           "30s",
	"BREAKER_OPEN_TIMEOUT":     "15s",
	"BREAKER_HALF_OPEN_PROBES": 1,
	"RETRY_MAX_ATTEMPTS":       5,
	"RETRY_INITIAL_INTERVAL":   "100ms",
	"RETRY_MAX_INTERVAL":       "5s",
	"RETRY_MULTIPLIER":         2.0,
	"RETRY_JITTER":             0.5,
}

func Load() (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if path := v.GetString("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	dbSource := v.GetString("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	cfg := &Config{
		DBSource:          dbSource,
		Port:              v.GetString("SERVER_PORT"),
		Env:               v.GetString("ENVIRONMENT"),
		KafkaBrokers:      splitList(v.GetString("KAFKA_BROKERS")),
		KafkaGroupID:      v.GetString("KAFKA_GROUP_ID"),
		DLQTopic:          v.GetString("DLQ_TOPIC"),
		RedisAddr:         v.GetString("REDIS_ADDR"),
		WalletServiceURL:  v.GetString("WALLET_SERVICE_URL"),
		HTTPClientTimeout: v.GetDuration("HTTP_CLIENT_TIMEOUT"),
		ShutdownTimeout:   v.GetDuration("SHUTDOWN_TIMEOUT"),
		Outbox: outbox.RelayConfig{
			BatchSize:      v.GetInt("OUTBOX_BATCH_SIZE"),
			PollInterval:   v.GetDuration("OUTBOX_POLL_INTERVAL"),
			MaxAttempts:    v.GetInt("OUTBOX_MAX_ATTEMPTS"),
			InitialBackoff: v.GetDuration("OUTBOX_INITIAL_BACKOFF"),
			MaxBackoff:     v.GetDuration("OUTBOX_MAX_BACKOFF"),
			Retention:      v.GetDuration("OUTBOX_RETENTION"),
		},
		Reconcile: orchestrator.ReconcilerConfig{
			Timeout:     v.GetDuration("RECONCILE_TIMEOUT"),
			Interval:    v.GetDuration("RECONCILE_INTERVAL"),
			MaxAttempts: v.GetInt("RECONCILE_MAX_ATTEMPTS"),
			BatchSize:   v.GetInt("RECONCILE_BATCH_SIZE"),
		},
		IdempotencyRetention: v.GetDuration("IDEMPOTENCY_RETENTION"),
		IdempotencySweep:     v.GetDuration("IDEMPOTENCY_SWEEP"),
		Breaker: resilience.BreakerSettings{
			ConsecutiveFailures: v.GetUint32("BREAKER_CONSECUTIVE"),
			FailureRate:         v.GetFloat64("BREAKER_FAILURE_RATE"),
			MinRequests:         v.GetUint32("BREAKER_MIN_REQUESTS"),
			Window:              v.GetDuration("BREAKER_WINDOW"),
			OpenTimeout:         v.GetDuration("BREAKER_OPEN_TIMEOUT"),
			HalfOpenProbes:      v.GetUint32("BREAKER_HALF_OPEN_PROBES"),
		},
		Retry: resilience.RetryPolicy{
			MaxAttempts:     v.GetInt("RETRY_MAX_ATTEMPTS"),
			InitialInterval: v.GetDuration("RETRY_INITIAL_INTERVAL"),
			MaxInterval:     v.GetDuration("RETRY_MAX_INTERVAL"),
			Multiplier:      v.GetFloat64("RETRY_MULTIPLIER"),
			Jitter:          v.GetFloat64("RETRY_JITTER"),
		},
	}

	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("KAFKA_BROKERS must list at least one broker")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Breaker.FailureRate < 0 || cfg.Breaker.FailureRate > 1 {
		return nil, fmt.Errorf("BREAKER_FAILURE_RATE must be within [0, 1], got %v", cfg.Breaker.FailureRate)
	}
	return cfg, nil
}

// Gate returns the resilience settings for one dependency.
func (c *Config) Gate(name string, isPermanent func(error) bool) resilience.Config {
	return resilience.Config{Name: name, Breaker: c.Breaker, Retry: c.Retry, IsPermanent: isPermanent}
}

// GroupID returns the consumer group for service.
func (c *Config) GroupID(service string) string {
	if c.KafkaGroupID != "" {
		return c.KafkaGroupID
	}
	return service
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
