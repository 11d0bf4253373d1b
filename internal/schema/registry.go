package schema

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"cassandra-cdc-replicator/internal/metrics"
	"cassandra-cdc-replicator/pkg/types"
)

// SchemaValidationError reports an event that fails validation against the
// active schema (missing primary-key coverage).
type SchemaValidationError struct {
	Keyspace  string
	TableName string
	Message   string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("schema validation failed for %s.%s: %s", e.Keyspace, e.TableName, e.Message)
}

// SchemaIncompatibilityError reports an event arriving for a table whose
// active schema version was classified incompatible.
type SchemaIncompatibilityError struct {
	Keyspace  string
	TableName string
	Version   int
	Changes   []SchemaChange
}

func (e *SchemaIncompatibilityError) Error() string {
	return fmt.Sprintf("schema v%d for %s.%s is incompatible (%d breaking changes)",
		e.Version, e.Keyspace, e.TableName, len(e.Changes))
}

// tableKey identifies a table in the registry.
type tableKey struct {
	keyspace string
	table    string
}

// tableState is the immutable per-table snapshot published by the registry.
type tableState struct {
	active       *SchemaVersion
	incompatible bool
}

// Registry maps (keyspace, table) to the active schema version and its
// compatibility state. The map is copy-on-write: readers load an atomic
// snapshot and never block writers; writers serialize among themselves and
// publish a fresh map.
type Registry struct {
	writeMu  sync.Mutex
	snapshot atomic.Value // map[tableKey]tableState
	logger   *logrus.Logger
}

// NewRegistry creates an empty schema registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	r := &Registry{logger: logger}
	r.snapshot.Store(make(map[tableKey]tableState))
	return r
}

func (r *Registry) load() map[tableKey]tableState {
	return r.snapshot.Load().(map[tableKey]tableState)
}

// Register installs a schema version. If a predecessor exists the diff is
// computed, attached, and classified; the table's compatibility state is
// updated accordingly. When two snapshots carry the same version number the
// later registration wins and the collision is logged. Returns the resulting
// classification.
func (r *Registry) Register(version *SchemaVersion) Compatibility {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	key := tableKey{keyspace: version.Keyspace, table: version.TableName}
	current := r.load()
	previous, hadPrevious := current[key]

	classification := Compatible
	if hadPrevious {
		if previous.active.VersionNumber == version.VersionNumber {
			r.logger.WithFields(logrus.Fields{
				"keyspace":     version.Keyspace,
				"table":        version.TableName,
				"version":      version.VersionNumber,
				"existing_id":  previous.active.SchemaID,
				"replacing_id": version.SchemaID,
			}).Warn("Schema version collision, later registration wins")
		}
		version.PreviousVersion = previous.active.VersionNumber
		version.DiffFromPrev = version.DiffAgainst(previous.active)
		classification = Classify(version.DiffFromPrev)
	}

	next := make(map[tableKey]tableState, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[key] = tableState{active: version, incompatible: classification == Incompatible}
	r.snapshot.Store(next)

	r.updatePausedGauge(next)

	r.logger.WithFields(logrus.Fields{
		"keyspace":       version.Keyspace,
		"table":          version.TableName,
		"version":        version.VersionNumber,
		"changes":        len(version.DiffFromPrev.Changes),
		"classification": classification.String(),
	}).Info("Schema registered")

	return classification
}

// Lookup returns the active schema version for a table, or nil.
func (r *Registry) Lookup(keyspace, tableName string) *SchemaVersion {
	state, ok := r.load()[tableKey{keyspace: keyspace, table: tableName}]
	if !ok {
		return nil
	}
	return state.active
}

// IsPaused reports whether the table's active version is incompatible. A
// paused table stays paused until a fully compatible version registers.
func (r *Registry) IsPaused(keyspace, tableName string) bool {
	state, ok := r.load()[tableKey{keyspace: keyspace, table: tableName}]
	return ok && state.incompatible
}

// IncompatibilityFor returns the typed incompatibility error for a paused
// table, or nil when the table is dispatchable.
func (r *Registry) IncompatibilityFor(keyspace, tableName string) *SchemaIncompatibilityError {
	state, ok := r.load()[tableKey{keyspace: keyspace, table: tableName}]
	if !ok || !state.incompatible {
		return nil
	}
	return &SchemaIncompatibilityError{
		Keyspace:  keyspace,
		TableName: tableName,
		Version:   state.active.VersionNumber,
		Changes:   IncompatibleChanges(state.active.DiffFromPrev),
	}
}

// Validate checks an event against the active schema. With no schema
// registered the event is allowed (schema discovery mode). Every schema
// partition-key column must be covered by the event's partition key; event
// columns unknown to the schema are logged but not rejected — the
// compatibility gate handles evolution.
func (r *Registry) Validate(event *types.ChangeEvent) error {
	version := r.Lookup(event.Keyspace, event.TableName)
	if version == nil {
		return nil
	}

	for _, pk := range version.PartitionKeys {
		if _, ok := event.PartitionKey.Get(pk); !ok {
			return &SchemaValidationError{
				Keyspace:  event.Keyspace,
				TableName: event.TableName,
				Message:   fmt.Sprintf("missing partition key %q", pk),
			}
		}
	}

	var unknown []string
	for name := range event.Columns {
		if _, ok := version.Columns[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		r.logger.WithFields(logrus.Fields{
			"keyspace":        event.Keyspace,
			"table":           event.TableName,
			"unknown_columns": unknown,
		}).Warn("Event contains columns outside the active schema")
	}

	return nil
}

// Tables returns the active schema version of every registered table.
func (r *Registry) Tables() []*SchemaVersion {
	snapshot := r.load()
	out := make([]*SchemaVersion, 0, len(snapshot))
	for _, state := range snapshot {
		out = append(out, state.active)
	}
	return out
}

// PausedTables returns the tables currently paused by incompatibility.
func (r *Registry) PausedTables() []string {
	var out []string
	for key, state := range r.load() {
		if state.incompatible {
			out = append(out, key.keyspace+"."+key.table)
		}
	}
	return out
}

func (r *Registry) updatePausedGauge(snapshot map[tableKey]tableState) {
	paused := 0
	for _, state := range snapshot {
		if state.incompatible {
			paused++
		}
	}
	metrics.TablesPaused.Set(float64(paused))
}
