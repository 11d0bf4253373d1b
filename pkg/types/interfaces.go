// Package types - Interface definitions for pluggable components
package types

import (
	"context"
	"time"
)

// Sink is the capability set every destination writer exposes to the
// dispatcher. A sink value is anything implementing these operations; there
// is no base implementation to inherit from.
//
// WriteBatch must be idempotent at the granularity of the event's primary
// key: writing the same batch twice leaves the destination with the same
// rows as writing it once. For transactional destinations WriteBatch and
// CommitOffset share one transaction; for destinations without transactions
// the destination's own deduplication mechanism carries the guarantee.
type Sink interface {
	// Connect establishes the connection to the destination
	Connect(ctx context.Context) error
	// Disconnect closes the connection and releases resources
	Disconnect(ctx context.Context) error
	// WriteBatch writes events in insertion order and returns the number written
	WriteBatch(ctx context.Context, events []*ChangeEvent) (int, error)
	// CommitOffset persists the replication offset for one partition range
	CommitOffset(ctx context.Context, offset *ReplicationOffset) error
	// HealthCheck is a cheap liveness probe returning status and latency
	HealthCheck(ctx context.Context) (bool, time.Duration)
	// Destination tags this sink for metrics, DLQ records and offset keys
	Destination() Destination
}

// OffsetReader is the subset of sink behavior used at startup to choose a
// resume point from the authoritative offsets table in each destination.
type OffsetReader interface {
	// ReadOffsets returns all persisted offsets for this destination
	ReadOffsets(ctx context.Context) ([]*ReplicationOffset, error)
}

// Decoder turns one framed commit-log entry into a ChangeEvent. Pure
// function; no I/O. A decode error routes the entry to the dead-letter
// path and the pipeline continues with the next entry.
type Decoder interface {
	Decode(raw []byte) (*ChangeEvent, error)
}
