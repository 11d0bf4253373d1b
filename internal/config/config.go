// Package config loads the pipeline configuration: YAML file first, then
// defaults for anything missing, then CDC_-prefixed environment overrides,
// then validation. Validation failures are fatal — the process exits with
// a configuration error rather than starting a half-configured pipeline.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	"cassandra-cdc-replicator/pkg/types"
)

// EnvPrefix is the common prefix for environment overrides.
const EnvPrefix = "CDC_"

// PHISecretEnv names the environment variable holding the PHI HMAC secret.
// The secret never appears in YAML.
const PHISecretEnv = EnvPrefix + "PHI_SECRET"

// LoadConfig loads configuration from a YAML file and the environment.
func LoadConfig(configFile string) (*types.Config, error) {
	config := &types.Config{}

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configFile, err)
		}
	}

	applyDefaults(config)
	applyEnvironmentOverrides(config)

	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return config, nil
}

// PHISecret reads the PHI masking secret from the environment.
func PHISecret() string {
	return os.Getenv(PHISecretEnv)
}

// applyDefaults fills in missing values.
func applyDefaults(config *types.Config) {
	// App defaults
	if config.App.Name == "" {
		config.App.Name = "cassandra-cdc-replicator"
	}
	if config.App.Environment == "" {
		config.App.Environment = "production"
	}
	if config.App.LogLevel == "" {
		config.App.LogLevel = "info"
	}
	if config.App.LogFormat == "" {
		config.App.LogFormat = "json"
	}

	// Source defaults
	if len(config.Source.Hosts) == 0 {
		config.Source.Hosts = []string{"localhost"}
	}
	if config.Source.Port == 0 {
		config.Source.Port = 9042
	}
	if config.Source.CommitLogDirectory == "" {
		config.Source.CommitLogDirectory = "/var/lib/cassandra/cdc_raw"
	}

	// Destination defaults
	if config.Destinations.Postgres.Port == 0 {
		config.Destinations.Postgres.Port = 5432
	}
	if config.Destinations.Postgres.Host == "" {
		config.Destinations.Postgres.Host = "localhost"
	}
	if config.Destinations.Postgres.Schema == "" {
		config.Destinations.Postgres.Schema = "public"
	}
	if config.Destinations.Postgres.SSLMode == "" {
		config.Destinations.Postgres.SSLMode = "require"
	}
	if config.Destinations.Postgres.PoolSize == 0 {
		config.Destinations.Postgres.PoolSize = 10
	}

	if config.Destinations.ClickHouse.Port == 0 {
		config.Destinations.ClickHouse.Port = 9000
	}
	if config.Destinations.ClickHouse.Host == "" {
		config.Destinations.ClickHouse.Host = "localhost"
	}
	if config.Destinations.ClickHouse.Database == "" {
		config.Destinations.ClickHouse.Database = "analytics"
	}
	if config.Destinations.ClickHouse.PoolSize == 0 {
		config.Destinations.ClickHouse.PoolSize = 10
	}

	if config.Destinations.TimescaleDB.Port == 0 {
		config.Destinations.TimescaleDB.Port = 5432
	}
	if config.Destinations.TimescaleDB.Host == "" {
		config.Destinations.TimescaleDB.Host = "localhost"
	}
	if config.Destinations.TimescaleDB.Schema == "" {
		config.Destinations.TimescaleDB.Schema = "public"
	}
	if config.Destinations.TimescaleDB.SSLMode == "" {
		config.Destinations.TimescaleDB.SSLMode = "require"
	}
	if config.Destinations.TimescaleDB.PoolSize == 0 {
		config.Destinations.TimescaleDB.PoolSize = 10
	}

	// Pipeline defaults
	if config.Pipeline.BatchSize == 0 {
		config.Pipeline.BatchSize = 100
	}
	if config.Pipeline.MaxParallelism == 0 {
		config.Pipeline.MaxParallelism = 4
	}
	if config.Pipeline.MaxInFlightBatches == 0 {
		config.Pipeline.MaxInFlightBatches = 10
	}
	if config.Pipeline.PollIntervalMs == 0 {
		config.Pipeline.PollIntervalMs = 100
	}
	if config.Pipeline.PartitionRanges == 0 {
		config.Pipeline.PartitionRanges = 16
	}
	if config.Pipeline.DrainTimeoutMs == 0 {
		config.Pipeline.DrainTimeoutMs = 30000
	}

	// Retry defaults
	if config.Retry.MaxAttempts == 0 {
		config.Retry.MaxAttempts = 5
	}
	if config.Retry.BaseDelayMs == 0 {
		config.Retry.BaseDelayMs = 100
	}
	if config.Retry.MaxDelayMs == 0 {
		config.Retry.MaxDelayMs = 30000
	}
	if config.Retry.BackoffMultiplier == 0 {
		config.Retry.BackoffMultiplier = 2.0
		config.Retry.Jitter = true
	}

	// Observability defaults
	if config.Observability.MetricsPort == 0 {
		config.Observability.MetricsPort = 9090
	}
	if config.Observability.MetricsPath == "" {
		config.Observability.MetricsPath = "/metrics"
	}
	if config.Observability.HealthPort == 0 {
		config.Observability.HealthPort = 8080
	}
	if config.Observability.HealthPath == "" {
		config.Observability.HealthPath = "/health"
	}
	if config.Observability.HealthCheckInterval == "" {
		config.Observability.HealthCheckInterval = "15s"
	}

	// DLQ defaults
	if config.DLQ.Directory == "" {
		config.DLQ.Directory = "data/dlq"
	}
}

// applyEnvironmentOverrides overlays CDC_* environment variables.
func applyEnvironmentOverrides(config *types.Config) {
	// App
	config.App.LogLevel = getEnvString("LOG_LEVEL", config.App.LogLevel)
	config.App.LogFormat = getEnvString("LOG_FORMAT", config.App.LogFormat)

	// Source
	if hosts := getEnvString("SOURCE_HOSTS", ""); hosts != "" {
		config.Source.Hosts = splitAndTrim(hosts)
	}
	config.Source.Port = getEnvInt("SOURCE_PORT", config.Source.Port)
	config.Source.Keyspace = getEnvString("SOURCE_KEYSPACE", config.Source.Keyspace)
	if tables := getEnvString("SOURCE_TABLES", ""); tables != "" {
		config.Source.Tables = splitAndTrim(tables)
	}
	config.Source.CommitLogDirectory = getEnvString("COMMITLOG_DIRECTORY", config.Source.CommitLogDirectory)
	config.Source.TLSEnabled = getEnvBool("SOURCE_TLS_ENABLED", config.Source.TLSEnabled)
	config.Source.Username = getEnvString("SOURCE_USERNAME", config.Source.Username)
	config.Source.Password = getEnvString("SOURCE_PASSWORD", config.Source.Password)

	// Postgres
	config.Destinations.Postgres.Enabled = getEnvBool("POSTGRES_ENABLED", config.Destinations.Postgres.Enabled)
	config.Destinations.Postgres.Host = getEnvString("POSTGRES_HOST", config.Destinations.Postgres.Host)
	config.Destinations.Postgres.Port = getEnvInt("POSTGRES_PORT", config.Destinations.Postgres.Port)
	config.Destinations.Postgres.Database = getEnvString("POSTGRES_DATABASE", config.Destinations.Postgres.Database)
	config.Destinations.Postgres.Username = getEnvString("POSTGRES_USERNAME", config.Destinations.Postgres.Username)
	config.Destinations.Postgres.Password = getEnvString("POSTGRES_PASSWORD", config.Destinations.Postgres.Password)
	config.Destinations.Postgres.SSLMode = getEnvString("POSTGRES_SSL_MODE", config.Destinations.Postgres.SSLMode)
	config.Destinations.Postgres.PoolSize = getEnvInt("POSTGRES_POOL_SIZE", config.Destinations.Postgres.PoolSize)

	// ClickHouse
	config.Destinations.ClickHouse.Enabled = getEnvBool("CLICKHOUSE_ENABLED", config.Destinations.ClickHouse.Enabled)
	config.Destinations.ClickHouse.Host = getEnvString("CLICKHOUSE_HOST", config.Destinations.ClickHouse.Host)
	config.Destinations.ClickHouse.Port = getEnvInt("CLICKHOUSE_PORT", config.Destinations.ClickHouse.Port)
	config.Destinations.ClickHouse.Database = getEnvString("CLICKHOUSE_DATABASE", config.Destinations.ClickHouse.Database)
	config.Destinations.ClickHouse.Username = getEnvString("CLICKHOUSE_USERNAME", config.Destinations.ClickHouse.Username)
	config.Destinations.ClickHouse.Password = getEnvString("CLICKHOUSE_PASSWORD", config.Destinations.ClickHouse.Password)
	config.Destinations.ClickHouse.UseTLS = getEnvBool("CLICKHOUSE_USE_TLS", config.Destinations.ClickHouse.UseTLS)
	config.Destinations.ClickHouse.PoolSize = getEnvInt("CLICKHOUSE_POOL_SIZE", config.Destinations.ClickHouse.PoolSize)

	// TimescaleDB
	config.Destinations.TimescaleDB.Enabled = getEnvBool("TIMESCALEDB_ENABLED", config.Destinations.TimescaleDB.Enabled)
	config.Destinations.TimescaleDB.Host = getEnvString("TIMESCALEDB_HOST", config.Destinations.TimescaleDB.Host)
	config.Destinations.TimescaleDB.Port = getEnvInt("TIMESCALEDB_PORT", config.Destinations.TimescaleDB.Port)
	config.Destinations.TimescaleDB.Database = getEnvString("TIMESCALEDB_DATABASE", config.Destinations.TimescaleDB.Database)
	config.Destinations.TimescaleDB.Username = getEnvString("TIMESCALEDB_USERNAME", config.Destinations.TimescaleDB.Username)
	config.Destinations.TimescaleDB.Password = getEnvString("TIMESCALEDB_PASSWORD", config.Destinations.TimescaleDB.Password)
	config.Destinations.TimescaleDB.SSLMode = getEnvString("TIMESCALEDB_SSL_MODE", config.Destinations.TimescaleDB.SSLMode)
	config.Destinations.TimescaleDB.PoolSize = getEnvInt("TIMESCALEDB_POOL_SIZE", config.Destinations.TimescaleDB.PoolSize)

	// Pipeline
	config.Pipeline.BatchSize = getEnvInt("BATCH_SIZE", config.Pipeline.BatchSize)
	config.Pipeline.MaxParallelism = getEnvInt("MAX_PARALLELISM", config.Pipeline.MaxParallelism)
	config.Pipeline.MaxInFlightBatches = getEnvInt("MAX_IN_FLIGHT_BATCHES", config.Pipeline.MaxInFlightBatches)
	config.Pipeline.PollIntervalMs = getEnvInt("POLL_INTERVAL_MS", config.Pipeline.PollIntervalMs)
	config.Pipeline.PartitionRanges = int64(getEnvInt("PARTITION_RANGES", int(config.Pipeline.PartitionRanges)))
	config.Pipeline.DrainTimeoutMs = getEnvInt("DRAIN_TIMEOUT_MS", config.Pipeline.DrainTimeoutMs)

	// Retry
	config.Retry.MaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", config.Retry.MaxAttempts)
	config.Retry.BaseDelayMs = getEnvInt("RETRY_BASE_DELAY_MS", config.Retry.BaseDelayMs)
	config.Retry.MaxDelayMs = getEnvInt("RETRY_MAX_DELAY_MS", config.Retry.MaxDelayMs)
	config.Retry.BackoffMultiplier = getEnvFloat("RETRY_BACKOFF_MULTIPLIER", config.Retry.BackoffMultiplier)
	config.Retry.Jitter = getEnvBool("RETRY_JITTER", config.Retry.Jitter)

	// Observability
	config.Observability.MetricsPort = getEnvInt("METRICS_PORT", config.Observability.MetricsPort)
	config.Observability.MetricsPath = getEnvString("METRICS_PATH", config.Observability.MetricsPath)
	config.Observability.HealthPort = getEnvInt("HEALTH_PORT", config.Observability.HealthPort)
	config.Observability.HealthPath = getEnvString("HEALTH_PATH", config.Observability.HealthPath)
	config.Observability.TracingEnabled = getEnvBool("TRACING_ENABLED", config.Observability.TracingEnabled)
	config.Observability.TracingEndpoint = getEnvString("TRACING_ENDPOINT", config.Observability.TracingEndpoint)

	// Masking and DLQ
	config.Masking.RulesFile = getEnvString("MASKING_RULES_FILE", config.Masking.RulesFile)
	config.Masking.HotReload = getEnvBool("MASKING_HOT_RELOAD", config.Masking.HotReload)
	config.DLQ.Directory = getEnvString("DLQ_DIRECTORY", config.DLQ.Directory)
	config.SchemaMappingsFile = getEnvString("SCHEMA_MAPPINGS_FILE", config.SchemaMappingsFile)
}

// ValidateConfig enforces the documented option ranges.
func ValidateConfig(config *types.Config) error {
	if config.Source.Keyspace == "" {
		return fmt.Errorf("source.keyspace is required")
	}
	if config.Source.CommitLogDirectory == "" {
		return fmt.Errorf("source.commitlog_directory is required")
	}
	if len(config.EnabledDestinations()) == 0 {
		return fmt.Errorf("at least one destination must be enabled")
	}

	switch config.App.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("app.log_format must be json or console, got %q", config.App.LogFormat)
	}

	if err := intInRange("pipeline.batch_size", config.Pipeline.BatchSize, 1, 10000); err != nil {
		return err
	}
	if err := intInRange("pipeline.max_parallelism", config.Pipeline.MaxParallelism, 1, 64); err != nil {
		return err
	}
	if err := intInRange("pipeline.max_in_flight_batches", config.Pipeline.MaxInFlightBatches, 1, 1000); err != nil {
		return err
	}
	if err := intInRange("pipeline.poll_interval_ms", config.Pipeline.PollIntervalMs, 10, 60000); err != nil {
		return err
	}
	if config.Pipeline.PartitionRanges < 1 {
		return fmt.Errorf("pipeline.partition_ranges must be >= 1, got %d", config.Pipeline.PartitionRanges)
	}

	if err := intInRange("retry.max_attempts", config.Retry.MaxAttempts, 1, 100); err != nil {
		return err
	}
	if err := intInRange("retry.base_delay_ms", config.Retry.BaseDelayMs, 10, 10000); err != nil {
		return err
	}
	if err := intInRange("retry.max_delay_ms", config.Retry.MaxDelayMs, 100, 300000); err != nil {
		return err
	}
	if config.Retry.BackoffMultiplier < 1.0 || config.Retry.BackoffMultiplier > 10.0 {
		return fmt.Errorf("retry.backoff_multiplier must be in [1.0, 10.0], got %v", config.Retry.BackoffMultiplier)
	}

	for _, dest := range config.EnabledDestinations() {
		switch dest {
		case types.DestinationPostgres:
			if config.Destinations.Postgres.Database == "" {
				return fmt.Errorf("destinations.postgres.database is required when enabled")
			}
		case types.DestinationClickHouse:
			if config.Destinations.ClickHouse.Database == "" {
				return fmt.Errorf("destinations.clickhouse.database is required when enabled")
			}
		case types.DestinationTimescaleDB:
			if config.Destinations.TimescaleDB.Database == "" {
				return fmt.Errorf("destinations.timescaledb.database is required when enabled")
			}
		}
	}

	return nil
}

func intInRange(name string, value, min, max int) error {
	if value < min || value > max {
		return fmt.Errorf("%s must be in [%d, %d], got %d", name, min, max, value)
	}
	return nil
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvString(key, fallback string) string {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}
