// Package app - HTTP surfaces: /metrics, /health, /stats
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"cassandra-cdc-replicator/internal/metrics"
	"cassandra-cdc-replicator/internal/schema"
	"cassandra-cdc-replicator/pkg/types"
)

// dependencyStatus is one entry of the health report.
type dependencyStatus struct {
	Status    string  `json:"status"` // up | down
	LatencyMs float64 `json:"latency_ms"`
	LastCheck string  `json:"last_check"`
}

// healthTracker aggregates per-dependency probe results.
type healthTracker struct {
	interval time.Duration

	mu           sync.RWMutex
	dependencies map[string]dependencyStatus
	startTime    time.Time
}

func newHealthTracker(interval time.Duration) *healthTracker {
	return &healthTracker{
		interval:     interval,
		dependencies: make(map[string]dependencyStatus),
		startTime:    time.Now(),
	}
}

// run probes every sink on the configured interval until cancelled.
func (h *healthTracker) run(ctx context.Context, sinks []types.Sink) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.probe(ctx, sinks)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.probe(ctx, sinks)
		}
	}
}

func (h *healthTracker) probe(ctx context.Context, sinks []types.Sink) {
	for _, sink := range sinks {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		up, latency := sink.HealthCheck(probeCtx)
		cancel()

		h.update(string(sink.Destination()), up, latency)
		metrics.SetDestinationHealth(string(sink.Destination()), up, latency)
	}
}

func (h *healthTracker) update(name string, up bool, latency time.Duration) {
	status := "down"
	if up {
		status = "up"
	}
	h.mu.Lock()
	h.dependencies[name] = dependencyStatus{
		Status:    status,
		LatencyMs: float64(latency.Microseconds()) / 1000.0,
		LastCheck: time.Now().UTC().Format(time.RFC3339),
	}
	h.mu.Unlock()
}

// report returns the aggregate status and the dependency map.
func (h *healthTracker) report() (string, map[string]dependencyStatus, float64) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	deps := make(map[string]dependencyStatus, len(h.dependencies))
	allUp := len(h.dependencies) > 0
	for name, dep := range h.dependencies {
		deps[name] = dep
		if dep.Status != "up" {
			allUp = false
		}
	}

	status := "unhealthy"
	if allUp {
		status = "healthy"
	}
	return status, deps, time.Since(h.startTime).Seconds()
}

// startHTTPServers brings up the metrics and health listeners.
func (a *App) startHTTPServers() {
	metricsRouter := mux.NewRouter()
	metricsRouter.Handle(a.config.Observability.MetricsPath, metrics.Handler()).Methods(http.MethodGet)
	a.metricsServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.config.Observability.MetricsPort),
		Handler: metricsRouter,
	}

	healthRouter := mux.NewRouter()
	healthRouter.HandleFunc(a.config.Observability.HealthPath, a.handleHealth).Methods(http.MethodGet)
	healthRouter.HandleFunc("/stats", a.handleStats).Methods(http.MethodGet)
	healthRouter.HandleFunc("/schema", a.handleSchema).Methods(http.MethodGet)
	healthRouter.HandleFunc("/schema", a.handleSchemaRegister).Methods(http.MethodPost)
	a.healthServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.config.Observability.HealthPort),
		Handler: healthRouter,
	}

	for name, server := range map[string]*http.Server{"metrics": a.metricsServer, "health": a.healthServer} {
		go func(name string, server *http.Server) {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.WithError(err).WithField("server", name).Error("HTTP server failed")
			}
		}(name, server)
	}

	a.logger.WithField("metrics_port", a.config.Observability.MetricsPort).
		WithField("health_port", a.config.Observability.HealthPort).
		Info("HTTP surfaces started")
}

func (a *App) stopHTTPServers() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, server := range []*http.Server{a.metricsServer, a.healthServer} {
		if server != nil {
			if err := server.Shutdown(ctx); err != nil {
				a.logger.WithError(err).Warn("HTTP server shutdown failed")
			}
		}
	}
}

// handleHealth serves the aggregate health report: 200 when every
// dependency is up, 503 otherwise.
func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, deps, uptime := a.health.report()

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         status,
		"uptime_seconds": uptime,
		"dependencies":   deps,
	})
}

// handleSchema serves each registered table's column mappings per warehouse
// so operators can prepare destination DDL (destinations own their DDL; the
// pipeline never issues it).
func (a *App) handleSchema(w http.ResponseWriter, r *http.Request) {
	report := make(map[string]interface{})
	for _, version := range a.registry.Tables() {
		key := fmt.Sprintf("%s.%s", version.Keyspace, version.TableName)
		report[key] = map[string]interface{}{
			"version":         version.VersionNumber,
			"partition_keys":  version.PartitionKeys,
			"clustering_keys": version.ClusteringKeys,
			"paused":          a.registry.IsPaused(version.Keyspace, version.TableName),
			"column_types": map[string]interface{}{
				"postgres":    a.mapper.MapColumns(version, "postgres"),
				"clickhouse":  a.mapper.MapColumns(version, "clickhouse"),
				"timescaledb": a.mapper.MapColumns(version, "timescaledb"),
			},
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

// schemaRegistration is the POST /schema request body.
type schemaRegistration struct {
	Keyspace      string `json:"keyspace"`
	Table         string `json:"table"`
	Version       int    `json:"version"`
	Columns       []struct {
		Name          string `json:"name"`
		CQLType       string `json:"cql_type"`
		PartitionKey  bool   `json:"partition_key"`
		ClusteringKey bool   `json:"clustering_key"`
	} `json:"columns"`
	PartitionKeys  []string `json:"partition_keys"`
	ClusteringKeys []string `json:"clustering_keys"`
}

// handleSchemaRegister installs a schema version reported by the schema
// watcher collaborator. The response carries the compatibility
// classification; incompatible versions pause the table until a compatible
// one arrives.
func (a *App) handleSchemaRegister(w http.ResponseWriter, r *http.Request) {
	var req schemaRegistration
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}

	columns := make(map[string]schema.ColumnDef, len(req.Columns))
	for _, col := range req.Columns {
		columns[col.Name] = schema.ColumnDef{
			Name:          col.Name,
			CQLType:       col.CQLType,
			PartitionKey:  col.PartitionKey,
			ClusteringKey: col.ClusteringKey,
		}
	}

	version, err := schema.NewSchemaVersion(req.Keyspace, req.Table, req.Version,
		columns, req.PartitionKeys, req.ClusteringKeys)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid schema: %v", err), http.StatusBadRequest)
		return
	}

	classification := a.registry.Register(version)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"keyspace":       req.Keyspace,
		"table":          req.Table,
		"version":        req.Version,
		"classification": classification.String(),
		"paused":         a.registry.IsPaused(req.Keyspace, req.Table),
	})
}

// handleStats serves dispatcher and DLQ counters for operators.
func (a *App) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"dispatcher": a.dispatcher.GetStats(),
		"dlq":        a.deadLetters.GetStats(),
	})
}
