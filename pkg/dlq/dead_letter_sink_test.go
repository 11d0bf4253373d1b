package dlq

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cassandra-cdc-replicator/pkg/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func testEvent(t *testing.T) *types.ChangeEvent {
	t.Helper()
	event, err := types.NewChangeEvent(
		types.EventInsert,
		"ecommerce", "users",
		types.KeyColumns{{Column: "user_id", Value: "u-1"}},
		nil,
		map[string]interface{}{"email": "user@example.com"},
		1_000_000,
		nil,
	)
	require.NoError(t, err)
	return event
}

func readLines(t *testing.T, path string) []Record {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var records []Record
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &record))
		records = append(records, record)
	}
	require.NoError(t, scanner.Err())
	return records
}

func TestWriteEventCreatesDatedFile(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewSink(dir, testLogger())
	require.NoError(t, err)
	defer sink.Close()

	event := testEvent(t)
	sink.WriteEvent(event, types.DestinationPostgres, ErrorTypeWrite, "connection refused")

	expected := filepath.Join(dir, fmt.Sprintf("dlq_postgres_%s.jsonl", time.Now().UTC().Format("2006-01-02")))
	records := readLines(t, expected)
	require.Len(t, records, 1)

	record := records[0]
	assert.Equal(t, event.EventID.String(), record.EventID)
	assert.Equal(t, "INSERT", record.EventType)
	assert.Equal(t, "users", record.TableName)
	assert.Equal(t, "ecommerce", record.Keyspace)
	assert.Equal(t, "postgres", record.Destination)
	assert.Equal(t, ErrorTypeWrite, record.ErrorType)
	assert.Equal(t, "connection refused", record.ErrorMessage)
	assert.Equal(t, int64(1_000_000), record.TimestampMicros)
	assert.NotEmpty(t, record.FailedAt)

	value, ok := record.PartitionKey.Get("user_id")
	require.True(t, ok)
	assert.Equal(t, "u-1", value)
}

func TestOneFilePerDestination(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewSink(dir, testLogger())
	require.NoError(t, err)
	defer sink.Close()

	event := testEvent(t)
	sink.WriteEvent(event, types.DestinationPostgres, ErrorTypeWrite, "x")
	sink.WriteEvent(event, types.DestinationClickHouse, ErrorTypeSchemaIncompatibility, "y")
	sink.WriteEvent(event, types.DestinationClickHouse, ErrorTypeSchemaIncompatibility, "y")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	date := time.Now().UTC().Format("2006-01-02")
	chRecords := readLines(t, filepath.Join(dir, fmt.Sprintf("dlq_clickhouse_%s.jsonl", date)))
	assert.Len(t, chRecords, 2)
}

func TestWriteDecodeFailure(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewSink(dir, testLogger())
	require.NoError(t, err)
	defer sink.Close()

	sink.WriteDecodeFailure("CommitLog-7-1.log", 4096, types.DestinationTimescaleDB, "unknown operation type 0x5a")

	date := time.Now().UTC().Format("2006-01-02")
	records := readLines(t, filepath.Join(dir, fmt.Sprintf("dlq_timescaledb_%s.jsonl", date)))
	require.Len(t, records, 1)
	assert.Equal(t, ErrorTypeParse, records[0].ErrorType)
	assert.Equal(t, "CommitLog-7-1.log@4096", records[0].EventID)
}

func TestWriteFailureIsSwallowed(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewSink(dir, testLogger())
	require.NoError(t, err)

	// Close the sink's files out from under it, then remove the directory so
	// reopening fails too. WriteEvent must not panic or return anything.
	sink.WriteEvent(testEvent(t), types.DestinationPostgres, ErrorTypeWrite, "first")
	sink.Close()
	require.NoError(t, os.RemoveAll(dir))
	// Block re-creation of the path by occupying it with a file.
	require.NoError(t, os.WriteFile(dir, []byte{}, 0o644))
	defer os.Remove(dir)

	sink.WriteEvent(testEvent(t), types.DestinationPostgres, ErrorTypeWrite, "second")

	stats := sink.GetStats()
	assert.Equal(t, int64(1), stats.RecordsWritten)
	assert.GreaterOrEqual(t, stats.WriteErrors, int64(1))
}

func TestConcurrentAppends(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewSink(dir, testLogger())
	require.NoError(t, err)
	defer sink.Close()

	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				sink.WriteEvent(testEvent(t), types.DestinationPostgres, ErrorTypeWrite, "boom")
			}
		}()
	}
	wg.Wait()

	date := time.Now().UTC().Format("2006-01-02")
	records := readLines(t, filepath.Join(dir, fmt.Sprintf("dlq_postgres_%s.jsonl", date)))
	// Every line must be intact JSON (readLines fails otherwise) and none lost.
	assert.Len(t, records, writers*perWriter)
	assert.Equal(t, int64(writers*perWriter), sink.GetStats().RecordsWritten)
}
