// Package config builds process configuration from environment variables so
// main stays lean.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates the sub-configs consumed by the wiring in cmd/server.
type Config struct {
	Addr             string
	PostgresURL      string
	Redis            RedisConfig
	Kafka            KafkaConfig
	AnalysisInterval time.Duration
	// WarmConcurrency bounds how many cache entries are written in parallel
	// during a warming pass.
	WarmConcurrency int
}

// RedisConfig captures connection settings for the warm-entry cache.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig captures the audit-stream settings. Empty Brokers disables the
// Kafka publisher and trust evolution events stay local.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// FromEnv builds a Config from environment variables with development
// defaults.
func FromEnv() Config {
	cfg := Config{
		Addr:             envOr("FORESIGHT_ADDR", ":8080"),
		PostgresURL:      os.Getenv("FORESIGHT_POSTGRES_URL"),
		AnalysisInterval: envDuration("FORESIGHT_ANALYSIS_INTERVAL", 30*time.Second),
		WarmConcurrency:  envInt("FORESIGHT_WARM_CONCURRENCY", 4),
		Redis: RedisConfig{
			URL:          os.Getenv("FORESIGHT_REDIS_URL"),
			PoolSize:     envInt("FORESIGHT_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("FORESIGHT_REDIS_MIN_IDLE", 2),
			DialTimeout:  envDuration("FORESIGHT_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("FORESIGHT_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("FORESIGHT_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Topic: envOr("FORESIGHT_KAFKA_TOPIC", "foresight.trust.evolution"),
		},
	}
	if brokers := os.Getenv("FORESIGHT_KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
