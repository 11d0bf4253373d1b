package types

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEvent(t *testing.T, eventType EventType) *ChangeEvent {
	t.Helper()

	columns := map[string]interface{}{"email": "user@example.com", "age": 30}
	if eventType == EventDelete {
		columns = nil
	}
	event, err := NewChangeEvent(
		eventType,
		"ecommerce", "users",
		KeyColumns{{Column: "user_id", Value: "u-1"}},
		KeyColumns{{Column: "created_at", Value: "2024-01-01"}},
		columns,
		1_000_000,
		nil,
	)
	require.NoError(t, err)
	return event
}

func TestNewChangeEventValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(e *ChangeEvent)
		wantErr string
	}{
		{
			name:    "zero timestamp",
			mutate:  func(e *ChangeEvent) { e.TimestampMicros = 0 },
			wantErr: "timestamp_micros",
		},
		{
			name:    "negative timestamp",
			mutate:  func(e *ChangeEvent) { e.TimestampMicros = -5 },
			wantErr: "timestamp_micros",
		},
		{
			name:    "empty partition key",
			mutate:  func(e *ChangeEvent) { e.PartitionKey = nil },
			wantErr: "partition_key",
		},
		{
			name:    "insert without columns",
			mutate:  func(e *ChangeEvent) { e.Columns = nil },
			wantErr: "columns required",
		},
		{
			name:    "future captured_at",
			mutate:  func(e *ChangeEvent) { e.CapturedAt = time.Now().Add(time.Hour) },
			wantErr: "captured_at",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := validEvent(t, EventInsert)
			tt.mutate(event)
			err := event.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDeleteEventColumnRules(t *testing.T) {
	event := validEvent(t, EventDelete)
	assert.Empty(t, event.Columns)

	event.Columns = map[string]interface{}{"email": "x"}
	err := event.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "columns must be empty")
}

func TestEventKey(t *testing.T) {
	event := validEvent(t, EventInsert)
	key := event.EventKey()

	assert.Equal(t, "ecommerce.users:u-1:2024-01-01:1000000", key)

	// Same identity fields produce the same key regardless of event ID.
	other := validEvent(t, EventInsert)
	assert.Equal(t, key, other.EventKey())
}

func TestEventKeyMultipleKeyColumns(t *testing.T) {
	event := validEvent(t, EventInsert)
	event.PartitionKey = KeyColumns{
		{Column: "region", Value: "eu"},
		{Column: "user_id", Value: 42},
	}
	event.ClusteringKey = nil

	assert.Equal(t, "ecommerce.users:eu_42::1000000", event.EventKey())
}

func TestPartitionIDStable(t *testing.T) {
	event := validEvent(t, EventInsert)

	first := event.PartitionID(16)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, event.PartitionID(16))
	}
	assert.GreaterOrEqual(t, first, int64(0))
	assert.Less(t, first, int64(16))

	// A single range collapses everything to zero.
	assert.Equal(t, int64(0), event.PartitionID(1))
	assert.Equal(t, int64(0), event.PartitionID(0))
}

func TestPartitionIDSpreads(t *testing.T) {
	seen := make(map[int64]bool)
	for i := 0; i < 200; i++ {
		event := validEvent(t, EventInsert)
		event.PartitionKey = KeyColumns{{Column: "user_id", Value: i}}
		seen[event.PartitionID(16)] = true
	}
	// 200 distinct keys over 16 ranges should touch most of them.
	assert.Greater(t, len(seen), 8)
}

func TestKeyColumnsJSONPreservesOrder(t *testing.T) {
	keys := KeyColumns{
		{Column: "zebra", Value: 1},
		{Column: "alpha", Value: "two"},
	}
	data, err := json.Marshal(keys)
	require.NoError(t, err)

	s := string(data)
	assert.True(t, strings.Index(s, "zebra") < strings.Index(s, "alpha"),
		"declaration order must be preserved: %s", s)
}

func TestCloneIsolation(t *testing.T) {
	event := validEvent(t, EventUpdate)
	clone := event.Clone()

	clone.Columns["email"] = "masked"
	clone.PartitionKey[0].Value = "other"

	assert.Equal(t, "user@example.com", event.Columns["email"])
	assert.Equal(t, "u-1", event.PartitionKey[0].Value)
}

func TestReplicationOffsetUpdate(t *testing.T) {
	offset, err := NewReplicationOffset("users", "ecommerce", 3, DestinationPostgres,
		"CommitLog-7-1.log", 100, 1_000_000, 10)
	require.NoError(t, err)

	updated, err := offset.Update("CommitLog-7-1.log", 250, 1_000_050, 5)
	require.NoError(t, err)

	assert.Equal(t, offset.OffsetID, updated.OffsetID)
	assert.Equal(t, int64(15), updated.EventsReplicatedCount)
	assert.Equal(t, int64(250), updated.CommitlogPosition)

	// The original is untouched.
	assert.Equal(t, int64(10), offset.EventsReplicatedCount)
	assert.Equal(t, int64(100), offset.CommitlogPosition)
}

func TestReplicationOffsetUpdateRejectsRegression(t *testing.T) {
	offset, err := NewReplicationOffset("users", "ecommerce", 0, DestinationClickHouse,
		"CommitLog-7-1.log", 0, 1000, 1)
	require.NoError(t, err)

	_, err = offset.Update("CommitLog-7-1.log", 50, 999, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monotonically increasing")
}

func TestOffsetKeyString(t *testing.T) {
	key := OffsetKey{TableName: "users", Keyspace: "ecommerce", PartitionID: 7, Destination: DestinationTimescaleDB}
	assert.Equal(t, "ecommerce.users:partition_7:timescaledb", key.String())
}

func TestSinkStats(t *testing.T) {
	stats := NewSinkStats(DestinationPostgres)

	stats.RecordWrite(10)
	time.Sleep(5 * time.Millisecond)
	stats.RecordWrite(20)
	stats.RecordError()

	assert.Equal(t, int64(30), stats.EventsWritten())
	assert.Equal(t, int64(1), stats.ErrorsCount())
	assert.Greater(t, stats.ThroughputEPS(), 0.0)

	snap := stats.Snapshot()
	assert.Equal(t, DestinationPostgres, snap.Destination)
	assert.Equal(t, int64(30), snap.EventsWritten)
}
