package config_test

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zanaka/finance-engine/config"
)

var keys = []string{
	"PORT", "DB_DRIVER", "DATABASE_DSN", "LOG_LEVEL", "CORS_ORIGINS", "SWEEP_INTERVAL",
	"NOTIFY_WORKERS", "NOTIFY_QUEUE", "KAFKA_BROKERS", "KAFKA_TOPIC_PREFIX",
}

// clearEnv unsets every key for the test; t.Setenv restores them afterwards.
func clearEnv(t *testing.T) {
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := config.Load(nil)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, config.DriverSQLite, cfg.DBDriver)
	assert.Equal(t, "finance.db", cfg.DatabaseDSN)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.Equal(t, 2, cfg.NotifyWorkers)
	assert.Equal(t, 256, cfg.NotifyQueue)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, "finance.", cfg.KafkaTopicPrefix)
}

func TestLoad_FromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("DB_DRIVER", "Postgres")
	t.Setenv("DATABASE_DSN", "postgres://finance@localhost/finance")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CORS_ORIGINS", "https://bursar.example, ,https://admin.example")
	t.Setenv("SWEEP_INTERVAL", "15m")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")

	cfg := config.Load(nil)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, config.DriverPostgres, cfg.DBDriver)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, []string{"https://bursar.example", "https://admin.example"}, cfg.CORSOrigins)
	assert.Equal(t, 15*time.Minute, cfg.SweepInterval)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	// GIVEN: Garbage in several variables
	// WHEN: Loading
	// THEN: Defaults are used and each problem is logged
	clearEnv(t)
	t.Setenv("DB_DRIVER", "oracle")
	t.Setenv("SWEEP_INTERVAL", "soon")
	t.Setenv("NOTIFY_WORKERS", "-1")
	t.Setenv("LOG_LEVEL", "loud")

	var buf bytes.Buffer
	cfg := config.Load(slog.New(slog.NewTextHandler(&buf, nil)))

	assert.Equal(t, config.DriverSQLite, cfg.DBDriver)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.Equal(t, 2, cfg.NotifyWorkers)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	for _, key := range []string{"DB_DRIVER", "SWEEP_INTERVAL", "NOTIFY_WORKERS", "LOG_LEVEL"} {
		assert.Contains(t, buf.String(), key)
	}
}

func TestDotEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("PORT=7070\nKAFKA_TOPIC_PREFIX=school.\n"), 0o600))
	t.Setenv("KAFKA_TOPIC_PREFIX", "preset.")

	require.NoError(t, config.DotEnv(path, filepath.Join(t.TempDir(), "missing.env")))
	cfg := config.Load(nil)

	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, "preset.", cfg.KafkaTopicPrefix, "existing variables are not overridden")
}
