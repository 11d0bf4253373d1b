// Package app - Component construction
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"cassandra-cdc-replicator/internal/config"
	"cassandra-cdc-replicator/internal/dispatcher"
	"cassandra-cdc-replicator/internal/schema"
	"cassandra-cdc-replicator/internal/sinks"
	"cassandra-cdc-replicator/internal/transform"
	"cassandra-cdc-replicator/pkg/dlq"
	"cassandra-cdc-replicator/pkg/monitoring"
	"cassandra-cdc-replicator/pkg/offsets"
	"cassandra-cdc-replicator/pkg/retry"
	"cassandra-cdc-replicator/pkg/tracing"
	"cassandra-cdc-replicator/pkg/types"

	"cassandra-cdc-replicator/internal/decoder"
)

// initialize builds every component from configuration. No connections are
// opened here; Run owns the I/O lifecycle.
func (a *App) initialize(configFile string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	a.config = cfg

	a.logger = buildLogger(cfg.App)
	a.logger.WithFields(logrus.Fields{
		"name":        cfg.App.Name,
		"environment": cfg.App.Environment,
	}).Info("Configuration loaded")

	a.ctx, a.cancel = context.WithCancel(context.Background())

	// Schema registry and type mapper.
	a.registry = schema.NewRegistry(a.logger)
	a.mapper = schema.NewMapper(cfg.SchemaMappingsFile, a.logger)

	// Masking transformer: rules from file or defaults, PHI secret from the
	// environment only.
	rules := transform.DefaultRules()
	if cfg.Masking.RulesFile != "" {
		loaded, err := transform.LoadRules(cfg.Masking.RulesFile)
		if err != nil {
			return fmt.Errorf("failed to load masking rules: %w", err)
		}
		rules = loaded
	}
	a.transformer, err = transform.NewTransformer(rules, config.PHISecret(), a.logger)
	if err != nil {
		return err
	}

	// Dead-letter sink.
	a.deadLetters, err = dlq.NewSink(cfg.DLQ.Directory, a.logger)
	if err != nil {
		return err
	}

	// Offset manager and retry engine.
	a.offsetMgr = offsets.NewManager(a.logger)
	engine := retry.NewEngine(retry.PolicyFromConfig(cfg.Retry), a.logger)

	// Destination sinks.
	a.sinks = buildSinks(cfg, a.logger)
	if len(a.sinks) == 0 {
		return fmt.Errorf("no destinations enabled")
	}

	// Dispatcher.
	a.dispatcher = dispatcher.NewDispatcher(dispatcher.Config{
		BatchSize:          cfg.Pipeline.BatchSize,
		MaxParallelism:     cfg.Pipeline.MaxParallelism,
		MaxInFlightBatches: cfg.Pipeline.MaxInFlightBatches,
		PartitionRanges:    cfg.Pipeline.PartitionRanges,
		DrainTimeout:       time.Duration(cfg.Pipeline.DrainTimeoutMs) * time.Millisecond,
	}, a.registry, a.transformer, a.deadLetters, a.offsetMgr, engine, a.logger)

	// Entry decoder: the bundled binary codec. Production deployments swap
	// in their source's decoder here.
	a.decoder = decoder.NewBinaryDecoder()

	// Observability.
	a.health = newHealthTracker(parseDurationOr(cfg.Observability.HealthCheckInterval, 15*time.Second))
	a.resources = monitoring.NewResourceMonitor(15*time.Second, a.logger)
	a.tracer, err = tracing.NewProvider(a.ctx, tracing.Config{
		Enabled:     cfg.Observability.TracingEnabled,
		Endpoint:    cfg.Observability.TracingEndpoint,
		ServiceName: cfg.App.Name,
		Environment: cfg.App.Environment,
	}, a.logger)
	if err != nil {
		return err
	}
	a.dispatcher.SetTracer(a.tracer.Tracer())

	return nil
}

// buildLogger constructs the process logger from configuration.
func buildLogger(cfg types.AppConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.LogFormat == "console" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	}
	return logger
}

// buildSinks constructs one sink per enabled destination.
func buildSinks(cfg *types.Config, logger *logrus.Logger) []types.Sink {
	var out []types.Sink
	if cfg.Destinations.Postgres.Enabled {
		out = append(out, sinks.NewPostgresSink(cfg.Destinations.Postgres, logger))
	}
	if cfg.Destinations.ClickHouse.Enabled {
		out = append(out, sinks.NewClickHouseSink(cfg.Destinations.ClickHouse, logger))
	}
	if cfg.Destinations.TimescaleDB.Enabled {
		out = append(out, sinks.NewTimescaleDBSink(cfg.Destinations.TimescaleDB, logger))
	}
	return out
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
