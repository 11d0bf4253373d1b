package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OffsetKey identifies one replication stream: a table's partition range as
// seen by one destination. It is comparable and used directly as a map key.
type OffsetKey struct {
	TableName   string
	Keyspace    string
	PartitionID int64
	Destination Destination
}

func (k OffsetKey) String() string {
	return fmt.Sprintf("%s.%s:partition_%d:%s", k.Keyspace, k.TableName, k.PartitionID, k.Destination)
}

// ReplicationOffset tracks pipeline progress per partition range and per
// destination warehouse. The persisted copy in each destination's offsets
// table is authoritative; in-memory copies are a serving-path cache.
type ReplicationOffset struct {
	OffsetID                 uuid.UUID   `json:"offset_id"`
	TableName                string      `json:"table_name"`
	Keyspace                 string      `json:"keyspace"`
	PartitionID              int64       `json:"partition_id"`
	Destination              Destination `json:"destination"`
	CommitlogFile            string      `json:"commitlog_file"`
	CommitlogPosition        int64       `json:"commitlog_position"`
	LastEventTimestampMicros int64       `json:"last_event_timestamp_micros"`
	LastCommittedAt          time.Time   `json:"last_committed_at"`
	EventsReplicatedCount    int64       `json:"events_replicated_count"`
}

// NewReplicationOffset creates a validated offset with a fresh offset ID and
// the current wall clock as commit time.
func NewReplicationOffset(
	tableName, keyspace string,
	partitionID int64,
	destination Destination,
	commitlogFile string,
	commitlogPosition int64,
	lastEventTimestampMicros int64,
	eventsCount int64,
) (*ReplicationOffset, error) {
	offset := &ReplicationOffset{
		OffsetID:                 uuid.New(),
		TableName:                tableName,
		Keyspace:                 keyspace,
		PartitionID:              partitionID,
		Destination:              destination,
		CommitlogFile:            commitlogFile,
		CommitlogPosition:        commitlogPosition,
		LastEventTimestampMicros: lastEventTimestampMicros,
		LastCommittedAt:          time.Now(),
		EventsReplicatedCount:    eventsCount,
	}
	if err := offset.Validate(); err != nil {
		return nil, err
	}
	return offset, nil
}

// Validate enforces the structural invariants of an offset record.
func (o *ReplicationOffset) Validate() error {
	if o.CommitlogPosition < 0 {
		return fmt.Errorf("commitlog_position must be non-negative, got %d", o.CommitlogPosition)
	}
	if o.LastEventTimestampMicros < 0 {
		return fmt.Errorf("last_event_timestamp_micros must be non-negative, got %d", o.LastEventTimestampMicros)
	}
	if o.EventsReplicatedCount < 0 {
		return fmt.Errorf("events_replicated_count must be non-negative, got %d", o.EventsReplicatedCount)
	}
	if o.LastCommittedAt.After(time.Now()) {
		return fmt.Errorf("last_committed_at cannot be in the future")
	}
	return nil
}

// Key returns the replication stream identity of this offset.
func (o *ReplicationOffset) Key() OffsetKey {
	return OffsetKey{
		TableName:   o.TableName,
		Keyspace:    o.Keyspace,
		PartitionID: o.PartitionID,
		Destination: o.Destination,
	}
}

// Update returns a new offset advanced to the given position, keeping the
// same OffsetID and accumulating the event count. Timestamp regression is
// rejected here as well as in the offset manager.
func (o *ReplicationOffset) Update(
	commitlogFile string,
	commitlogPosition int64,
	lastEventTimestampMicros int64,
	eventsCount int64,
) (*ReplicationOffset, error) {
	if lastEventTimestampMicros < o.LastEventTimestampMicros {
		return nil, fmt.Errorf("offset timestamps must be monotonically increasing: got %d, existing %d",
			lastEventTimestampMicros, o.LastEventTimestampMicros)
	}
	updated := *o
	updated.CommitlogFile = commitlogFile
	updated.CommitlogPosition = commitlogPosition
	updated.LastEventTimestampMicros = lastEventTimestampMicros
	updated.LastCommittedAt = time.Now()
	updated.EventsReplicatedCount = o.EventsReplicatedCount + eventsCount
	return &updated, nil
}

// Clone returns a value copy.
func (o *ReplicationOffset) Clone() *ReplicationOffset {
	clone := *o
	return &clone
}
