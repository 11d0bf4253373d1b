// Package types - Configuration structures for all components
package types

// Config is the root configuration tree, loaded from YAML with CDC_-prefixed
// environment overrides applied on top. Defaults and validation live in
// internal/config.
type Config struct {
	App           AppConfig           `yaml:"app"`
	Source        SourceConfig        `yaml:"source"`
	Destinations  DestinationsConfig  `yaml:"destinations"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Retry         RetryConfig         `yaml:"retry"`
	Observability ObservabilityConfig `yaml:"observability"`
	Masking       MaskingConfig       `yaml:"masking"`
	DLQ           DLQConfig           `yaml:"dlq"`

	// SchemaMappingsFile optionally overrides the built-in source-to-warehouse
	// type mappings.
	SchemaMappingsFile string `yaml:"schema_mappings_file"`
}

// AppConfig holds process-level settings.
type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`  // trace|debug|info|warn|error
	LogFormat   string `yaml:"log_format"` // json|console
}

// SourceConfig describes the Cassandra source and its commit-log directory.
// The contact hosts and credentials belong to external collaborators (health
// probing); the pipeline itself only reads the commit-log directory.
type SourceConfig struct {
	Hosts              []string `yaml:"hosts"`
	Port               int      `yaml:"port"`
	Keyspace           string   `yaml:"keyspace"`
	Tables             []string `yaml:"tables"` // empty = all tables in the keyspace
	CommitLogDirectory string   `yaml:"commitlog_directory"`
	TLSEnabled         bool     `yaml:"tls_enabled"`
	Username           string   `yaml:"username"`
	Password           string   `yaml:"password"`
}

// DestinationsConfig groups the three warehouse targets. Each is optional.
type DestinationsConfig struct {
	Postgres    PostgresConfig    `yaml:"postgres"`
	ClickHouse  ClickHouseConfig  `yaml:"clickhouse"`
	TimescaleDB TimescaleDBConfig `yaml:"timescaledb"`
}

// PostgresConfig configures the relational warehouse sink.
type PostgresConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Schema   string `yaml:"schema"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"` // disable|require|verify-ca|verify-full
	PoolSize int    `yaml:"pool_size"`
}

// ClickHouseConfig configures the columnar warehouse sink.
type ClickHouseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
	PoolSize int    `yaml:"pool_size"`
}

// TimescaleDBConfig configures the time-series warehouse sink.
type TimescaleDBConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Schema   string `yaml:"schema"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	PoolSize int    `yaml:"pool_size"`
}

// PipelineConfig tunes the batching and concurrency core.
type PipelineConfig struct {
	BatchSize         int   `yaml:"batch_size"`           // 1..10000
	MaxParallelism    int   `yaml:"max_parallelism"`      // 1..64
	MaxInFlightBatches int  `yaml:"max_in_flight_batches"` // 1..1000, per destination
	PollIntervalMs    int   `yaml:"poll_interval_ms"`     // 10..60000
	PartitionRanges   int64 `yaml:"partition_ranges"`     // token ranges per table
	DrainTimeoutMs    int   `yaml:"drain_timeout_ms"`     // shutdown drain deadline
}

// RetryConfig parameterizes the retry engine.
type RetryConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`       // 1..100
	BaseDelayMs       int     `yaml:"base_delay_ms"`      // 10..10000
	MaxDelayMs        int     `yaml:"max_delay_ms"`       // 100..300000
	BackoffMultiplier float64 `yaml:"backoff_multiplier"` // 1.0..10.0
	Jitter            bool    `yaml:"jitter"`
}

// ObservabilityConfig configures the metrics and health HTTP surfaces plus
// optional tracing.
type ObservabilityConfig struct {
	MetricsPort         int    `yaml:"metrics_port"`
	MetricsPath         string `yaml:"metrics_path"`
	HealthPort          int    `yaml:"health_port"`
	HealthPath          string `yaml:"health_path"`
	HealthCheckInterval string `yaml:"health_check_interval"`
	TracingEnabled      bool   `yaml:"tracing_enabled"`
	TracingEndpoint     string `yaml:"tracing_endpoint"`
}

// MaskingConfig configures the PII/PHI transformer. The PHI secret is never
// read from YAML; it comes from the CDC_PHI_SECRET environment variable and
// is required whenever PHI rules are active.
type MaskingConfig struct {
	RulesFile string `yaml:"rules_file"`
	HotReload bool   `yaml:"hot_reload"`
}

// DLQConfig configures the dead-letter sink.
type DLQConfig struct {
	Directory string `yaml:"directory"`
}

// EnabledDestinations lists the destinations switched on in this config.
func (c *Config) EnabledDestinations() []Destination {
	var out []Destination
	if c.Destinations.Postgres.Enabled {
		out = append(out, DestinationPostgres)
	}
	if c.Destinations.ClickHouse.Enabled {
		out = append(out, DestinationClickHouse)
	}
	if c.Destinations.TimescaleDB.Enabled {
		out = append(out, DestinationTimescaleDB)
	}
	return out
}
