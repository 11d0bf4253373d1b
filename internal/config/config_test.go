package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cassandra-cdc-replicator/pkg/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
source:
  keyspace: ecommerce
  commitlog_directory: /var/lib/cassandra/cdc_raw
destinations:
  postgres:
    enabled: true
    database: warehouse
`

func TestLoadConfigDefaults(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "info", config.App.LogLevel)
	assert.Equal(t, "json", config.App.LogFormat)
	assert.Equal(t, 100, config.Pipeline.BatchSize)
	assert.Equal(t, 4, config.Pipeline.MaxParallelism)
	assert.Equal(t, 10, config.Pipeline.MaxInFlightBatches)
	assert.Equal(t, 100, config.Pipeline.PollIntervalMs)
	assert.Equal(t, int64(16), config.Pipeline.PartitionRanges)
	assert.Equal(t, 5, config.Retry.MaxAttempts)
	assert.Equal(t, 100, config.Retry.BaseDelayMs)
	assert.Equal(t, 30000, config.Retry.MaxDelayMs)
	assert.Equal(t, 2.0, config.Retry.BackoffMultiplier)
	assert.True(t, config.Retry.Jitter)
	assert.Equal(t, 9090, config.Observability.MetricsPort)
	assert.Equal(t, "/metrics", config.Observability.MetricsPath)
	assert.Equal(t, 8080, config.Observability.HealthPort)
	assert.Equal(t, "public", config.Destinations.Postgres.Schema)
	assert.Equal(t, "require", config.Destinations.Postgres.SSLMode)
	assert.Equal(t, 10, config.Destinations.Postgres.PoolSize)

	assert.Equal(t, []types.Destination{types.DestinationPostgres}, config.EnabledDestinations())
}

func TestLoadConfigYAMLValues(t *testing.T) {
	content := `
app:
  log_level: debug
  log_format: console
source:
  keyspace: clinic
  tables: [visits, patients]
  commitlog_directory: /data/cdc
destinations:
  clickhouse:
    enabled: true
    host: ch.internal
    port: 9440
    database: analytics
    use_tls: true
pipeline:
  batch_size: 500
  max_parallelism: 8
retry:
  max_attempts: 7
`
	config, err := LoadConfig(writeConfig(t, content))
	require.NoError(t, err)

	assert.Equal(t, "debug", config.App.LogLevel)
	assert.Equal(t, "console", config.App.LogFormat)
	assert.Equal(t, "clinic", config.Source.Keyspace)
	assert.Equal(t, []string{"visits", "patients"}, config.Source.Tables)
	assert.Equal(t, 500, config.Pipeline.BatchSize)
	assert.Equal(t, 8, config.Pipeline.MaxParallelism)
	assert.Equal(t, 7, config.Retry.MaxAttempts)
	assert.True(t, config.Destinations.ClickHouse.UseTLS)
	assert.Equal(t, 9440, config.Destinations.ClickHouse.Port)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("CDC_BATCH_SIZE", "250")
	t.Setenv("CDC_LOG_LEVEL", "warn")
	t.Setenv("CDC_POSTGRES_HOST", "pg.prod.internal")
	t.Setenv("CDC_SOURCE_HOSTS", "cas1, cas2,cas3")
	t.Setenv("CDC_RETRY_JITTER", "false")
	t.Setenv("CDC_TIMESCALEDB_ENABLED", "true")
	t.Setenv("CDC_TIMESCALEDB_DATABASE", "metrics")

	config, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 250, config.Pipeline.BatchSize)
	assert.Equal(t, "warn", config.App.LogLevel)
	assert.Equal(t, "pg.prod.internal", config.Destinations.Postgres.Host)
	assert.Equal(t, []string{"cas1", "cas2", "cas3"}, config.Source.Hosts)
	assert.False(t, config.Retry.Jitter)
	assert.Contains(t, config.EnabledDestinations(), types.DestinationTimescaleDB)
}

func TestValidationRanges(t *testing.T) {
	tests := []struct {
		name   string
		env    map[string]string
		errSub string
	}{
		{"batch size too large", map[string]string{"CDC_BATCH_SIZE": "10001"}, "batch_size"},
		{"batch size negative", map[string]string{"CDC_BATCH_SIZE": "-1"}, "batch_size"},
		{"parallelism too large", map[string]string{"CDC_MAX_PARALLELISM": "65"}, "max_parallelism"},
		{"in flight too large", map[string]string{"CDC_MAX_IN_FLIGHT_BATCHES": "1001"}, "max_in_flight_batches"},
		{"poll interval too small", map[string]string{"CDC_POLL_INTERVAL_MS": "5"}, "poll_interval_ms"},
		{"retry attempts too large", map[string]string{"CDC_RETRY_MAX_ATTEMPTS": "101"}, "max_attempts"},
		{"base delay too small", map[string]string{"CDC_RETRY_BASE_DELAY_MS": "5"}, "base_delay_ms"},
		{"max delay too large", map[string]string{"CDC_RETRY_MAX_DELAY_MS": "300001"}, "max_delay_ms"},
		{"multiplier too large", map[string]string{"CDC_RETRY_BACKOFF_MULTIPLIER": "10.5"}, "backoff_multiplier"},
		{"bad log format", map[string]string{"CDC_LOG_FORMAT": "xml"}, "log_format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.env {
				t.Setenv(key, value)
			}
			_, err := LoadConfig(writeConfig(t, minimalConfig))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSub)
		})
	}
}

func TestValidationRequiredFields(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
destinations:
  postgres:
    enabled: true
    database: warehouse
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keyspace")

	_, err = LoadConfig(writeConfig(t, `
source:
  keyspace: ecommerce
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "destination")

	_, err = LoadConfig(writeConfig(t, `
source:
  keyspace: ecommerce
destinations:
  postgres:
    enabled: true
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres.database")
}

func TestMissingConfigFileFails(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEmptyPathUsesDefaultsAndEnv(t *testing.T) {
	t.Setenv("CDC_SOURCE_KEYSPACE", "ecommerce")
	t.Setenv("CDC_POSTGRES_ENABLED", "true")
	t.Setenv("CDC_POSTGRES_DATABASE", "warehouse")

	config, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "ecommerce", config.Source.Keyspace)
	assert.Equal(t, "/var/lib/cassandra/cdc_raw", config.Source.CommitLogDirectory)
}

func TestPHISecretFromEnv(t *testing.T) {
	t.Setenv("CDC_PHI_SECRET", "k")
	assert.Equal(t, "k", PHISecret())
}
