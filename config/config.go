// Package config loads server configuration from the environment.
package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port        string
	DBDriver    string
	DatabaseDSN string
	LogLevel    slog.Level
	CORSOrigins []string

	SweepInterval time.Duration

	NotifyWorkers    int
	NotifyQueue      int
	KafkaBrokers     []string
	KafkaTopicPrefix string
}

// DotEnv loads the given .env files (default ".env") into the process
// environment. Missing files are ignored; variables already set win.
func DotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Load reads configuration from environment with sensible defaults.
// Invalid values are logged and replaced by the default.
func Load(log *slog.Logger) Config {
	if log == nil {
		log = slog.Default()
	}
	e := env{log: log}

	cfg := Config{
		Port:             e.str("PORT", "8080"),
		DBDriver:         strings.ToLower(e.str("DB_DRIVER", DriverSQLite)),
		DatabaseDSN:      e.str("DATABASE_DSN", "finance.db"),
		LogLevel:         e.level("LOG_LEVEL", slog.LevelInfo),
		CORSOrigins:      e.list("CORS_ORIGINS", []string{"*"}),
		SweepInterval:    e.duration("SWEEP_INTERVAL", time.Hour),
		NotifyWorkers:    e.positive("NOTIFY_WORKERS", 2),
		NotifyQueue:      e.positive("NOTIFY_QUEUE", 256),
		KafkaBrokers:     e.list("KAFKA_BROKERS", nil),
		KafkaTopicPrefix: e.str("KAFKA_TOPIC_PREFIX", "finance."),
	}

	switch cfg.DBDriver {
	case DriverSQLite, DriverPostgres, DriverMemory:
	default:
		log.Warn("invalid DB_DRIVER, using sqlite", "value", cfg.DBDriver)
		cfg.DBDriver = DriverSQLite
	}
	return cfg
}

type env struct {
	log *slog.Logger
}

func (e env) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (e env) positive(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		e.log.Warn("invalid positive integer", "key", key, "value", v)
		return def
	}
	return n
}

func (e env) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		e.log.Warn("invalid duration", "key", key, "value", v)
		return def
	}
	return d
}

func (e env) level(key string, def slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		e.log.Warn("invalid log level", "key", key, "value", v)
		return def
	}
	return l
}

// list splits a comma separated value, dropping empty entries.
func (e env) list(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
