package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cassandra-cdc-replicator/internal/schema"
	"cassandra-cdc-replicator/internal/transform"
	"cassandra-cdc-replicator/pkg/dlq"
	"cassandra-cdc-replicator/pkg/offsets"
	"cassandra-cdc-replicator/pkg/retry"
	"cassandra-cdc-replicator/pkg/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

// fakeSink is an in-memory destination with injectable failures. Rows are
// keyed by EventKey, which is exactly the idempotency mechanism the real
// destinations provide.
type fakeSink struct {
	dest types.Destination

	mu      sync.Mutex
	rows    map[string]*types.ChangeEvent
	offsets map[types.OffsetKey]*types.ReplicationOffset

	writeDelay   time.Duration
	failWrites   int32 // countdown of write failures to inject
	failCommits  int32 // countdown of commit failures to inject
	permanentErr bool

	writeCalls  int32
	commitCalls int32
}

func newFakeSink(dest types.Destination) *fakeSink {
	return &fakeSink{
		dest:    dest,
		rows:    make(map[string]*types.ChangeEvent),
		offsets: make(map[types.OffsetKey]*types.ReplicationOffset),
	}
}

func (f *fakeSink) Destination() types.Destination          { return f.dest }
func (f *fakeSink) Connect(ctx context.Context) error       { return nil }
func (f *fakeSink) Disconnect(ctx context.Context) error    { return nil }
func (f *fakeSink) HealthCheck(ctx context.Context) (bool, time.Duration) {
	return true, time.Millisecond
}

func (f *fakeSink) injectedError() error {
	if f.permanentErr {
		return errors.New("syntax error at or near INSERT")
	}
	return errors.New("connection refused")
}

func (f *fakeSink) WriteBatch(ctx context.Context, events []*types.ChangeEvent) (int, error) {
	atomic.AddInt32(&f.writeCalls, 1)
	if f.writeDelay > 0 {
		select {
		case <-time.After(f.writeDelay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if atomic.AddInt32(&f.failWrites, -1) >= 0 {
		return 0, f.injectedError()
	}
	atomic.AddInt32(&f.failWrites, 1) // undo the decrement below zero

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, event := range events {
		f.rows[event.EventKey()] = event
	}
	return len(events), nil
}

func (f *fakeSink) CommitOffset(ctx context.Context, offset *types.ReplicationOffset) error {
	atomic.AddInt32(&f.commitCalls, 1)
	if err := ctx.Err(); err != nil {
		return err
	}
	if atomic.AddInt32(&f.failCommits, -1) >= 0 {
		return f.injectedError()
	}
	atomic.AddInt32(&f.failCommits, 1)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.offsets[offset.Key()] = offset.Clone()
	return nil
}

func (f *fakeSink) rowCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func (f *fakeSink) committedOffsets() []*types.ReplicationOffset {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.ReplicationOffset, 0, len(f.offsets))
	for _, offset := range f.offsets {
		out = append(out, offset.Clone())
	}
	return out
}

type testHarness struct {
	dispatcher *Dispatcher
	registry   *schema.Registry
	offsetMgr  *offsets.Manager
	deadLetter *dlq.Sink
}

func newHarness(t *testing.T, config Config, sinks ...types.Sink) *testHarness {
	t.Helper()
	logger := testLogger()

	registry := schema.NewRegistry(logger)
	transformer, err := transform.NewTransformer(transform.DefaultRules(), "k", logger)
	require.NoError(t, err)

	deadLetter, err := dlq.NewSink(t.TempDir(), logger)
	require.NoError(t, err)

	offsetMgr := offsets.NewManager(logger)
	engine := retry.NewEngine(retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
	}, logger)

	d := NewDispatcher(config, registry, transformer, deadLetter, offsetMgr, engine, logger)
	for _, sink := range sinks {
		d.AddSink(sink)
	}
	require.NoError(t, d.Start())
	t.Cleanup(func() {
		_ = d.Stop()
		deadLetter.Close()
	})

	return &testHarness{dispatcher: d, registry: registry, offsetMgr: offsetMgr, deadLetter: deadLetter}
}

func mkEvent(t *testing.T, table string, userID string, tsMicros int64) *types.ChangeEvent {
	t.Helper()
	event, err := types.NewChangeEvent(types.EventInsert, "ecommerce", table,
		types.KeyColumns{{Column: "user_id", Value: userID}}, nil,
		map[string]interface{}{"v": "x"}, tsMicros, nil)
	require.NoError(t, err)
	return event
}

// feed dispatches n events with ascending timestamps and flushes.
func feed(t *testing.T, h *testHarness, table string, n int, baseTs int64) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		event := mkEvent(t, table, fmt.Sprintf("u-%04d", i), baseTs+int64(i))
		require.NoError(t, h.dispatcher.Handle(ctx, event, "CommitLog-7-1.log", int64(100*(i+1))))
	}
	require.NoError(t, h.dispatcher.FlushOpen(ctx))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestDeliversAllEventsOnce(t *testing.T) {
	sink := newFakeSink(types.DestinationPostgres)
	h := newHarness(t, Config{BatchSize: 10, PartitionRanges: 1}, sink)

	feed(t, h, "users", 20, 1_000_000)

	waitFor(t, 5*time.Second, func() bool { return sink.rowCount() == 20 })

	// Total replicated count across partition ranges is exactly 20.
	var total int64
	for _, offset := range sink.committedOffsets() {
		total += offset.EventsReplicatedCount
	}
	assert.Equal(t, int64(20), total)
	assert.Equal(t, int64(0), h.deadLetter.GetStats().RecordsWritten)
}

func TestResumeAccumulatesCounts(t *testing.T) {
	// Batch 1 commits, shutdown, "restart" with a fresh dispatcher seeded
	// from the destination's offsets — counts keep accumulating to 20.
	sink := newFakeSink(types.DestinationPostgres)
	h := newHarness(t, Config{BatchSize: 10, PartitionRanges: 1}, sink)

	feed(t, h, "users", 10, 1_000_000)
	waitFor(t, 5*time.Second, func() bool { return sink.rowCount() == 10 })
	require.NoError(t, h.dispatcher.Stop())

	h2 := newHarness(t, Config{BatchSize: 10, PartitionRanges: 1}, sink)
	h2.offsetMgr.Load(sink.committedOffsets())

	ctx := context.Background()
	for i := 10; i < 20; i++ {
		event := mkEvent(t, "users", fmt.Sprintf("u-%04d", i), 1_000_000+int64(i))
		require.NoError(t, h2.dispatcher.Handle(ctx, event, "CommitLog-7-1.log", int64(100*(i+1))))
	}
	require.NoError(t, h2.dispatcher.FlushOpen(ctx))

	waitFor(t, 5*time.Second, func() bool { return sink.rowCount() == 20 })

	offsetsAfter := sink.committedOffsets()
	require.Len(t, offsetsAfter, 1)
	assert.Equal(t, int64(20), offsetsAfter[0].EventsReplicatedCount)
}

func TestExactlyOnceUnderCommitFailure(t *testing.T) {
	// S2: write succeeds, the first offset commit fails, the retry rewrites
	// the batch. Row count must equal event count, not 2x.
	sink := newFakeSink(types.DestinationPostgres)
	sink.failCommits = 1
	h := newHarness(t, Config{BatchSize: 10, PartitionRanges: 1}, sink)

	feed(t, h, "users", 10, 1_000_000)

	waitFor(t, 5*time.Second, func() bool {
		return len(sink.committedOffsets()) == 1
	})
	assert.Equal(t, 10, sink.rowCount())
	assert.GreaterOrEqual(t, atomic.LoadInt32(&sink.writeCalls), int32(2))

	offsetsAfter := sink.committedOffsets()
	assert.Equal(t, int64(10), offsetsAfter[0].EventsReplicatedCount)
	assert.Equal(t, int64(0), h.deadLetter.GetStats().RecordsWritten)
}

func TestRetryExhaustionMovesBatchToDLQ(t *testing.T) {
	sink := newFakeSink(types.DestinationPostgres)
	sink.failWrites = 1000 // more than max_attempts
	h := newHarness(t, Config{BatchSize: 5, PartitionRanges: 1}, sink)

	feed(t, h, "users", 5, 1_000_000)

	waitFor(t, 5*time.Second, func() bool {
		return h.deadLetter.GetStats().RecordsWritten == 5
	})
	assert.Zero(t, sink.rowCount())
	assert.Empty(t, sink.committedOffsets())

	stats := h.dispatcher.GetStats()
	assert.Equal(t, int64(1), stats.BatchesFailed)
}

func TestPermanentErrorFailsWithoutRetries(t *testing.T) {
	sink := newFakeSink(types.DestinationPostgres)
	sink.failWrites = 1000
	sink.permanentErr = true
	h := newHarness(t, Config{BatchSize: 5, PartitionRanges: 1}, sink)

	feed(t, h, "users", 5, 1_000_000)

	waitFor(t, 5*time.Second, func() bool {
		return h.deadLetter.GetStats().RecordsWritten == 5
	})
	// One write attempt, no retries for a permanent error.
	assert.Equal(t, int32(1), atomic.LoadInt32(&sink.writeCalls))
}

func TestDestinationsIndependent(t *testing.T) {
	// A failing destination dead-letters its own copies; the healthy one
	// still commits everything.
	healthy := newFakeSink(types.DestinationPostgres)
	broken := newFakeSink(types.DestinationClickHouse)
	broken.failWrites = 1000
	h := newHarness(t, Config{BatchSize: 10, PartitionRanges: 1}, healthy, broken)

	feed(t, h, "users", 10, 1_000_000)

	waitFor(t, 5*time.Second, func() bool {
		return healthy.rowCount() == 10 && h.deadLetter.GetStats().RecordsWritten == 10
	})
	assert.Empty(t, broken.committedOffsets())
	require.Len(t, healthy.committedOffsets(), 1)
}

func TestSchemaIncompatibilityPausesOneTableOnly(t *testing.T) {
	// S3: table A evolves compatibly, table B narrows. A delivers, B
	// dead-letters, A's offset advances, B's does not.
	sink := newFakeSink(types.DestinationPostgres)
	h := newHarness(t, Config{BatchSize: 10, PartitionRanges: 1}, sink)

	registerTable := func(table, v2Type string) {
		v1, err := schema.NewSchemaVersion("ecommerce", table, 1,
			map[string]schema.ColumnDef{
				"user_id": {Name: "user_id", CQLType: "text", PartitionKey: true},
				"v":       {Name: "v", CQLType: "text"},
			}, []string{"user_id"}, nil)
		require.NoError(t, err)
		h.registry.Register(v1)

		v2, err := schema.NewSchemaVersion("ecommerce", table, 2,
			map[string]schema.ColumnDef{
				"user_id": {Name: "user_id", CQLType: "text", PartitionKey: true},
				"v":       {Name: "v", CQLType: v2Type},
			}, []string{"user_id"}, nil)
		require.NoError(t, err)
		h.registry.Register(v2)
	}

	registerTable("table_a", "varchar") // compatible widening
	registerTable("table_b", "int")     // incompatible narrowing

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		a := mkEvent(t, "table_a", fmt.Sprintf("a-%d", i), 1_000_000+int64(i))
		b := mkEvent(t, "table_b", fmt.Sprintf("b-%d", i), 1_000_000+int64(i))
		require.NoError(t, h.dispatcher.Handle(ctx, a, "CommitLog-7-1.log", int64(100*(i+1))))
		require.NoError(t, h.dispatcher.Handle(ctx, b, "CommitLog-7-1.log", int64(100*(i+1))))
	}
	require.NoError(t, h.dispatcher.FlushOpen(ctx))

	waitFor(t, 5*time.Second, func() bool {
		return sink.rowCount() == 10 && h.deadLetter.GetStats().RecordsWritten == 10
	})

	for _, offset := range sink.committedOffsets() {
		assert.Equal(t, "table_a", offset.TableName)
	}
	key := types.OffsetKey{TableName: "table_b", Keyspace: "ecommerce", PartitionID: 0, Destination: types.DestinationPostgres}
	assert.Nil(t, h.offsetMgr.Read(key))
}

func TestValidationFailureDeadLetters(t *testing.T) {
	sink := newFakeSink(types.DestinationPostgres)
	h := newHarness(t, Config{BatchSize: 10, PartitionRanges: 1}, sink)

	v1, err := schema.NewSchemaVersion("ecommerce", "users", 1,
		map[string]schema.ColumnDef{
			"id": {Name: "id", CQLType: "uuid", PartitionKey: true},
		}, []string{"id"}, nil)
	require.NoError(t, err)
	h.registry.Register(v1)

	// Event keyed on user_id does not cover the schema's partition key "id".
	event := mkEvent(t, "users", "u-1", 1_000_000)
	require.NoError(t, h.dispatcher.Handle(context.Background(), event, "CommitLog-7-1.log", 100))
	require.NoError(t, h.dispatcher.FlushOpen(context.Background()))

	waitFor(t, 5*time.Second, func() bool {
		return h.deadLetter.GetStats().RecordsWritten == 1
	})
	assert.Zero(t, sink.rowCount())

	// Delivered-to-DLQ still advances the stream's offset past the entry:
	// no row was written, but the watermark moved.
	key := types.OffsetKey{TableName: "users", Keyspace: "ecommerce", PartitionID: 0, Destination: types.DestinationPostgres}
	waitFor(t, 5*time.Second, func() bool { return h.offsetMgr.Read(key) != nil })
	offset := h.offsetMgr.Read(key)
	assert.Equal(t, "CommitLog-7-1.log", offset.CommitlogFile)
	assert.Equal(t, int64(100), offset.CommitlogPosition)
	assert.Equal(t, int64(0), offset.EventsReplicatedCount)

	// Replaying the same entry after restart does not produce a second DLQ
	// record; the committed watermark marks it as already delivered.
	require.NoError(t, h.dispatcher.Handle(context.Background(), event, "CommitLog-7-1.log", 100))
	require.NoError(t, h.dispatcher.FlushOpen(context.Background()))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), h.deadLetter.GetStats().RecordsWritten)
}

func TestDecodeFailureAdvancesUndecodableStream(t *testing.T) {
	sink := newFakeSink(types.DestinationPostgres)
	h := newHarness(t, Config{BatchSize: 10, PartitionRanges: 1}, sink)

	ctx := context.Background()
	require.NoError(t, h.dispatcher.HandleUndecodable(ctx, "CommitLog-7-1.log", 40, 120, "unknown operation type 0x5a"))
	require.NoError(t, h.dispatcher.FlushOpen(ctx))

	waitFor(t, 5*time.Second, func() bool {
		return h.deadLetter.GetStats().RecordsWritten == 1
	})
	assert.Zero(t, sink.rowCount())

	// The reserved stream's offset moved past the entry.
	key := types.OffsetKey{TableName: "_undecodable", Keyspace: "_cdc", PartitionID: 0, Destination: types.DestinationPostgres}
	waitFor(t, 5*time.Second, func() bool { return h.offsetMgr.Read(key) != nil })
	offset := h.offsetMgr.Read(key)
	assert.Equal(t, int64(120), offset.CommitlogPosition)
	assert.Equal(t, int64(0), offset.EventsReplicatedCount)

	// A replay of the same entry is recognized and not dead-lettered again.
	require.NoError(t, h.dispatcher.HandleUndecodable(ctx, "CommitLog-7-1.log", 40, 120, "unknown operation type 0x5a"))
	require.NoError(t, h.dispatcher.FlushOpen(ctx))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), h.deadLetter.GetStats().RecordsWritten)

	// A later undecodable entry is new and gets its own record.
	require.NoError(t, h.dispatcher.HandleUndecodable(ctx, "CommitLog-7-1.log", 120, 200, "truncated entry"))
	require.NoError(t, h.dispatcher.FlushOpen(ctx))
	waitFor(t, 5*time.Second, func() bool {
		return h.deadLetter.GetStats().RecordsWritten == 2
	})
}

func TestFIFOCommitOrderPerStream(t *testing.T) {
	sink := newFakeSink(types.DestinationPostgres)
	h := newHarness(t, Config{BatchSize: 5, PartitionRanges: 1, MaxParallelism: 8}, sink)

	feed(t, h, "users", 50, 1_000_000)

	key := types.OffsetKey{TableName: "users", Keyspace: "ecommerce", PartitionID: 0, Destination: types.DestinationPostgres}
	waitFor(t, 5*time.Second, func() bool {
		offset := h.offsetMgr.Read(key)
		return offset != nil && offset.EventsReplicatedCount == 50
	})

	// The cached offset carries the final timestamp and position: every
	// earlier batch committed before the later ones, or the monotonic write
	// guard would have tripped the fatal channel.
	offset := h.offsetMgr.Read(key)
	assert.Equal(t, int64(1_000_049), offset.LastEventTimestampMicros)
	assert.Equal(t, int64(100*50), offset.CommitlogPosition)

	select {
	case err := <-h.dispatcher.FatalErrors():
		t.Fatalf("unexpected fatal error: %v", err)
	default:
	}
}

func TestBackpressureBoundsInFlight(t *testing.T) {
	// S4-lite: a slow sink with max_in_flight_batches=2 must stall Handle
	// rather than buffer unboundedly.
	sink := newFakeSink(types.DestinationPostgres)
	sink.writeDelay = 50 * time.Millisecond
	h := newHarness(t, Config{BatchSize: 5, MaxInFlightBatches: 2, PartitionRanges: 1}, sink)

	ctx := context.Background()
	start := time.Now()
	const total = 50
	for i := 0; i < total; i++ {
		event := mkEvent(t, "users", fmt.Sprintf("u-%04d", i), 1_000_000+int64(i))
		require.NoError(t, h.dispatcher.Handle(ctx, event, "CommitLog-7-1.log", int64(100*(i+1))))
	}
	elapsed := time.Since(start)
	require.NoError(t, h.dispatcher.FlushOpen(ctx))

	// 10 batches at 50ms each with only 2 in flight: the producer must have
	// been stalled for a meaningful share of the total commit time.
	assert.Greater(t, elapsed, 200*time.Millisecond, "producer was never stalled")

	waitFor(t, 10*time.Second, func() bool { return sink.rowCount() == total })
}

func TestShutdownDrainsSealedBatches(t *testing.T) {
	// Shutdown arriving between seal and commit: the sealed batch drains to
	// completion, no silent loss.
	sink := newFakeSink(types.DestinationPostgres)
	sink.writeDelay = 20 * time.Millisecond
	h := newHarness(t, Config{BatchSize: 100, PartitionRanges: 1, DrainTimeout: 5 * time.Second}, sink)

	ctx := context.Background()
	for i := 0; i < 30; i++ {
		event := mkEvent(t, "users", fmt.Sprintf("u-%04d", i), 1_000_000+int64(i))
		require.NoError(t, h.dispatcher.Handle(ctx, event, "CommitLog-7-1.log", int64(100*(i+1))))
	}
	// Stop seals the open batch and drains it.
	require.NoError(t, h.dispatcher.Stop())

	delivered := sink.rowCount()
	deadLettered := h.deadLetter.GetStats().RecordsWritten
	assert.Equal(t, 30, delivered+int(deadLettered), "events neither delivered nor dead-lettered")
	assert.Equal(t, 30, delivered, "drain deadline was generous enough to deliver everything")
}

func TestEmptyFlushIsNoop(t *testing.T) {
	sink := newFakeSink(types.DestinationPostgres)
	h := newHarness(t, Config{BatchSize: 10, PartitionRanges: 1}, sink)

	require.NoError(t, h.dispatcher.FlushOpen(context.Background()))
	time.Sleep(20 * time.Millisecond)

	assert.Zero(t, sink.rowCount())
	assert.Zero(t, atomic.LoadInt32(&sink.writeCalls))
	assert.Empty(t, sink.committedOffsets())
}

func TestNonMonotonicOffsetIsFatal(t *testing.T) {
	sink := newFakeSink(types.DestinationPostgres)
	h := newHarness(t, Config{BatchSize: 1, PartitionRanges: 1}, sink)

	ctx := context.Background()
	require.NoError(t, h.dispatcher.Handle(ctx, mkEvent(t, "users", "u-1", 2_000_000), "CommitLog-7-1.log", 100))
	require.NoError(t, h.dispatcher.FlushOpen(ctx))

	key := types.OffsetKey{TableName: "users", Keyspace: "ecommerce", PartitionID: 0, Destination: types.DestinationPostgres}
	waitFor(t, 5*time.Second, func() bool { return h.offsetMgr.Read(key) != nil })

	// An older timestamp for the same stream violates the invariant.
	require.NoError(t, h.dispatcher.Handle(ctx, mkEvent(t, "users", "u-2", 1_000_000), "CommitLog-7-1.log", 200))
	require.NoError(t, h.dispatcher.FlushOpen(ctx))

	select {
	case err := <-h.dispatcher.FatalErrors():
		var nonMono *offsets.NonMonotonicOffsetError
		require.ErrorAs(t, err, &nonMono)
	case <-time.After(5 * time.Second):
		t.Fatal("expected fatal non-monotonic offset error")
	}
}

func TestPartitionRangesSplitStreams(t *testing.T) {
	sink := newFakeSink(types.DestinationPostgres)
	h := newHarness(t, Config{BatchSize: 1, PartitionRanges: 16}, sink)

	feed(t, h, "users", 32, 1_000_000)

	waitFor(t, 5*time.Second, func() bool { return sink.rowCount() == 32 })

	// Multiple partition ranges must be in play, not everything collapsed
	// onto partition 0.
	ranges := make(map[int64]bool)
	for _, offset := range sink.committedOffsets() {
		ranges[offset.PartitionID] = true
	}
	assert.Greater(t, len(ranges), 1)
}

func TestHandleAfterStopFails(t *testing.T) {
	sink := newFakeSink(types.DestinationPostgres)
	h := newHarness(t, Config{BatchSize: 10, PartitionRanges: 1}, sink)
	require.NoError(t, h.dispatcher.Stop())

	err := h.dispatcher.Handle(context.Background(), mkEvent(t, "users", "u-1", 1_000_000), "CommitLog-7-1.log", 100)
	assert.Error(t, err)
}

func TestMaskingAppliedBeforeDelivery(t *testing.T) {
	sink := newFakeSink(types.DestinationPostgres)
	h := newHarness(t, Config{BatchSize: 1, PartitionRanges: 1}, sink)

	event, err := types.NewChangeEvent(types.EventInsert, "ecommerce", "users",
		types.KeyColumns{{Column: "user_id", Value: "u-1"}}, nil,
		map[string]interface{}{"email": "alice@example.com", "age": 30}, 1_000_000, nil)
	require.NoError(t, err)

	require.NoError(t, h.dispatcher.Handle(context.Background(), event, "CommitLog-7-1.log", 100))
	require.NoError(t, h.dispatcher.FlushOpen(context.Background()))
	waitFor(t, 5*time.Second, func() bool { return sink.rowCount() == 1 })

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, row := range sink.rows {
		assert.NotEqual(t, "alice@example.com", row.Columns["email"], "email must be masked")
		assert.Len(t, row.Columns["email"], 64) // hex sha-256
		assert.Equal(t, 30, row.Columns["age"])
	}
}
