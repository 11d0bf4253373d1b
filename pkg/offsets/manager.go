// Package offsets tracks replication progress per (table, keyspace,
// partition-range, destination).
//
// The in-memory map is a serving-path cache: the authoritative copy of every
// offset lives in the destination's own offsets table, committed in the same
// transactional boundary as the data. At startup the cache is rebuilt from
// those tables; it is never persisted locally.
package offsets

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"cassandra-cdc-replicator/pkg/types"
)

// NonMonotonicOffsetError reports an attempted offset write whose event
// timestamp regresses behind the stored offset. This is a concurrency bug,
// not an operational condition — callers treat it as fatal.
type NonMonotonicOffsetError struct {
	Key      types.OffsetKey
	Got      int64
	Existing int64
}

func (e *NonMonotonicOffsetError) Error() string {
	return fmt.Sprintf("non-monotonic offset for %s: got timestamp %d, existing %d",
		e.Key, e.Got, e.Existing)
}

// Manager is the in-memory offset store. Reads may be concurrent; writes are
// exclusive and serialized per the package lock.
type Manager struct {
	mu      sync.RWMutex
	offsets map[types.OffsetKey]*types.ReplicationOffset
	logger  *logrus.Logger
}

// NewManager creates an empty offset manager.
func NewManager(logger *logrus.Logger) *Manager {
	return &Manager{
		offsets: make(map[types.OffsetKey]*types.ReplicationOffset),
		logger:  logger,
	}
}

// Read returns a copy of the latest known offset for a key, or nil.
func (m *Manager) Read(key types.OffsetKey) *types.ReplicationOffset {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if offset, ok := m.offsets[key]; ok {
		return offset.Clone()
	}
	return nil
}

// Write stores an offset, enforcing timestamp monotonicity per key. The
// stored value is a copy; callers keep ownership of the argument.
func (m *Manager) Write(offset *types.ReplicationOffset) error {
	if err := offset.Validate(); err != nil {
		return err
	}

	key := offset.Key()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.offsets[key]; ok {
		if offset.LastEventTimestampMicros < existing.LastEventTimestampMicros {
			return &NonMonotonicOffsetError{
				Key:      key,
				Got:      offset.LastEventTimestampMicros,
				Existing: existing.LastEventTimestampMicros,
			}
		}
	}

	m.offsets[key] = offset.Clone()

	m.logger.WithFields(logrus.Fields{
		"table":       offset.TableName,
		"keyspace":    offset.Keyspace,
		"partition":   offset.PartitionID,
		"destination": offset.Destination,
		"file":        offset.CommitlogFile,
		"position":    offset.CommitlogPosition,
		"events":      offset.EventsReplicatedCount,
	}).Debug("Offset written")

	return nil
}

// Load seeds the cache from offsets read out of a destination's offsets
// table at startup. For duplicate keys the newest event timestamp wins.
// Monotonicity is not enforced here — the destination rows are authoritative.
func (m *Manager) Load(offsets []*types.ReplicationOffset) {
	m.mu.Lock()
	defer m.mu.Unlock()

	loaded := 0
	for _, offset := range offsets {
		key := offset.Key()
		if existing, ok := m.offsets[key]; ok &&
			existing.LastEventTimestampMicros >= offset.LastEventTimestampMicros {
			continue
		}
		m.offsets[key] = offset.Clone()
		loaded++
	}

	m.logger.WithField("count", loaded).Info("Offsets loaded from destination")
}

// LatestAcrossPartitions returns the offset with the highest event timestamp
// over all partition ranges of (table, keyspace, destination), or nil.
func (m *Manager) LatestAcrossPartitions(tableName, keyspace string, destination types.Destination) *types.ReplicationOffset {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *types.ReplicationOffset
	for key, offset := range m.offsets {
		if key.TableName != tableName || key.Keyspace != keyspace || key.Destination != destination {
			continue
		}
		if latest == nil || offset.LastEventTimestampMicros > latest.LastEventTimestampMicros {
			latest = offset
		}
	}

	if latest != nil {
		return latest.Clone()
	}
	return nil
}

// ResumePoint chooses the tailer restart position for a table: the minimum
// (segment, position) over the destinations that have progress, so no
// destination skips an entry. ok is false when no destination has progress.
func (m *Manager) ResumePoint(tableName, keyspace string, destinations []types.Destination) (segment string, position int64, ok bool) {
	for _, destination := range destinations {
		latest := m.LatestAcrossPartitions(tableName, keyspace, destination)
		if latest == nil {
			continue
		}
		if !ok || lessPosition(latest.CommitlogFile, latest.CommitlogPosition, segment, position) {
			segment = latest.CommitlogFile
			position = latest.CommitlogPosition
			ok = true
		}
	}
	return segment, position, ok
}

// lessPosition orders (segment, position) pairs lexicographically.
func lessPosition(fileA string, posA int64, fileB string, posB int64) bool {
	if fileA != fileB {
		return fileA < fileB
	}
	return posA < posB
}

// RetentionSweep removes offsets not committed since the cutoff. Returns the
// number removed. Offsets are otherwise never deleted.
func (m *Manager) RetentionSweep(olderThan time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	toDelete := make([]types.OffsetKey, 0)
	for key, offset := range m.offsets {
		if offset.LastCommittedAt.Before(cutoff) {
			toDelete = append(toDelete, key)
		}
	}
	for _, key := range toDelete {
		delete(m.offsets, key)
	}

	if len(toDelete) > 0 {
		m.logger.WithFields(logrus.Fields{
			"removed": len(toDelete),
			"cutoff":  cutoff.Format(time.RFC3339),
		}).Info("Offset retention sweep")
	}
	return len(toDelete)
}

// All returns a copy of every tracked offset.
func (m *Manager) All() map[types.OffsetKey]*types.ReplicationOffset {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[types.OffsetKey]*types.ReplicationOffset, len(m.offsets))
	for key, offset := range m.offsets {
		result[key] = offset.Clone()
	}
	return result
}
