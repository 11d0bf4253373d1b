// Package types defines the core data structures and interfaces shared by the
// replication pipeline.
//
// This package provides:
//   - ChangeEvent: a single captured mutation flowing through the pipeline
//   - ReplicationOffset: per (table, keyspace, partition-range, destination)
//     progress tracking with monotonicity guarantees
//   - Destination and EventType enumerations
//   - Interface definitions for pluggable components (Sink, Decoder)
//   - Configuration structures for all components
//   - Statistics structures for monitoring
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// EventType is the kind of mutation captured from the commit log.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Destination identifies a target warehouse.
type Destination string

const (
	DestinationPostgres    Destination = "postgres"
	DestinationClickHouse  Destination = "clickhouse"
	DestinationTimescaleDB Destination = "timescaledb"
)

// KeyValue is one component of a partition or clustering key. Key columns are
// ordered, so they are carried as a slice rather than a map.
type KeyValue struct {
	Column string
	Value  interface{}
}

// KeyColumns is an ordered list of key components. It serializes to a JSON
// object preserving declaration order.
type KeyColumns []KeyValue

// MarshalJSON renders the key columns as a JSON object in declaration order.
func (k KeyColumns) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range k {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(kv.Column)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(kv.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts a JSON object. Column order is not recoverable from
// JSON; this path only serves DLQ replay tooling where ordering is cosmetic.
func (k *KeyColumns) UnmarshalJSON(data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	out := make(KeyColumns, 0, len(m))
	for name, val := range m {
		out = append(out, KeyValue{Column: name, Value: val})
	}
	*k = out
	return nil
}

// Get returns the value for a key column.
func (k KeyColumns) Get(column string) (interface{}, bool) {
	for _, kv := range k {
		if kv.Column == column {
			return kv.Value, true
		}
	}
	return nil, false
}

// Columns returns the ordered column names.
func (k KeyColumns) Columns() []string {
	names := make([]string, len(k))
	for i, kv := range k {
		names[i] = kv.Column
	}
	return names
}

// values renders the ordered values as strings joined with "_".
func (k KeyColumns) values() string {
	parts := make([]string, len(k))
	for i, kv := range k {
		parts[i] = fmt.Sprintf("%v", kv.Value)
	}
	return strings.Join(parts, "_")
}

// ChangeEvent represents a single data modification (INSERT, UPDATE, DELETE)
// captured from the source commit log.
//
// Events are immutable once constructed; the masking transformer returns a
// copy with replaced column values rather than mutating in place.
type ChangeEvent struct {
	EventID         uuid.UUID              `json:"event_id"`
	EventType       EventType              `json:"event_type"`
	TableName       string                 `json:"table_name"`
	Keyspace        string                 `json:"keyspace"`
	PartitionKey    KeyColumns             `json:"partition_key"`
	ClusteringKey   KeyColumns             `json:"clustering_key"`
	Columns         map[string]interface{} `json:"columns"`
	TimestampMicros int64                  `json:"timestamp_micros"`
	TTLSeconds      *int64                 `json:"ttl_seconds,omitempty"`
	CapturedAt      time.Time              `json:"captured_at"`
}

// NewChangeEvent creates a validated ChangeEvent with a fresh event ID and the
// current wall clock as capture time.
func NewChangeEvent(
	eventType EventType,
	keyspace, tableName string,
	partitionKey, clusteringKey KeyColumns,
	columns map[string]interface{},
	timestampMicros int64,
	ttlSeconds *int64,
) (*ChangeEvent, error) {
	event := &ChangeEvent{
		EventID:         uuid.New(),
		EventType:       eventType,
		TableName:       tableName,
		Keyspace:        keyspace,
		PartitionKey:    partitionKey,
		ClusteringKey:   clusteringKey,
		Columns:         columns,
		TimestampMicros: timestampMicros,
		TTLSeconds:      ttlSeconds,
		CapturedAt:      time.Now(),
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return event, nil
}

// Validate enforces the structural invariants of a change event.
func (e *ChangeEvent) Validate() error {
	switch e.EventType {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return fmt.Errorf("unknown event type %q", e.EventType)
	}
	if e.TimestampMicros <= 0 {
		return fmt.Errorf("timestamp_micros must be positive, got %d", e.TimestampMicros)
	}
	if len(e.PartitionKey) == 0 {
		return fmt.Errorf("partition_key must be non-empty")
	}
	if e.EventType == EventDelete {
		if len(e.Columns) != 0 {
			return fmt.Errorf("columns must be empty for DELETE events")
		}
	} else if len(e.Columns) == 0 {
		return fmt.Errorf("columns required for %s events", e.EventType)
	}
	if e.TTLSeconds != nil && *e.TTLSeconds < 0 {
		return fmt.Errorf("ttl_seconds must be non-negative, got %d", *e.TTLSeconds)
	}
	if e.CapturedAt.After(time.Now()) {
		return fmt.Errorf("captured_at cannot be in the future")
	}
	return nil
}

// EventKey is the deduplication identity of the event:
// keyspace.table:<pk values>:<ck values>:<timestamp_micros>. Two deliveries of
// the same EventKey to one destination must collapse into a single row.
func (e *ChangeEvent) EventKey() string {
	return fmt.Sprintf("%s.%s:%s:%s:%d",
		e.Keyspace, e.TableName,
		e.PartitionKey.values(), e.ClusteringKey.values(),
		e.TimestampMicros)
}

// PartitionID folds the ordered partition-key values into one of `ranges`
// token ranges. Identical key values always land in the same range, so
// per-range offset tracking and FIFO ordering hold across restarts.
func (e *ChangeEvent) PartitionID(ranges int64) int64 {
	if ranges <= 1 {
		return 0
	}
	h := xxhash.New()
	for i, kv := range e.PartitionKey {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		fmt.Fprintf(h, "%v", kv.Value)
	}
	return int64(h.Sum64() % uint64(ranges))
}

// Clone returns a deep-enough copy for safe per-destination fan-out: the
// Columns map and key slices are duplicated, values are shared (treated as
// immutable once decoded).
func (e *ChangeEvent) Clone() *ChangeEvent {
	clone := *e
	if e.Columns != nil {
		clone.Columns = make(map[string]interface{}, len(e.Columns))
		for k, v := range e.Columns {
			clone.Columns[k] = v
		}
	}
	if e.PartitionKey != nil {
		clone.PartitionKey = append(KeyColumns(nil), e.PartitionKey...)
	}
	if e.ClusteringKey != nil {
		clone.ClusteringKey = append(KeyColumns(nil), e.ClusteringKey...)
	}
	return &clone
}
