// Package dispatcher is the concurrency core of the pipeline: it assembles
// per-(table, partition-range, destination) micro-batches, enforces bounded
// in-flight batches per destination (end-to-end backpressure against the
// tailer), fans batches out to sink workers, and guarantees strict FIFO
// offset-commit order per replication stream.
//
// Batch lifecycle: Open -> Sealed -> Committing -> Committed | Failed.
// Sealing triggers: the batch reaches batch_size, the poll cycle ends with
// events present, or shutdown. A Failed batch moves its events to the DLQ
// and does not advance the offset.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"cassandra-cdc-replicator/internal/metrics"
	"cassandra-cdc-replicator/internal/schema"
	"cassandra-cdc-replicator/internal/transform"
	"cassandra-cdc-replicator/pkg/circuit"
	"cassandra-cdc-replicator/pkg/dlq"
	"cassandra-cdc-replicator/pkg/offsets"
	"cassandra-cdc-replicator/pkg/retry"
	"cassandra-cdc-replicator/pkg/types"
)

// Config holds the dispatcher tuning parameters.
type Config struct {
	BatchSize          int
	MaxParallelism     int
	MaxInFlightBatches int
	PartitionRanges    int64
	DrainTimeout       time.Duration
}

// batchState tracks a batch through its lifecycle.
type batchState int

const (
	batchOpen batchState = iota
	batchSealed
	batchCommitting
	batchCommitted
	batchFailed
)

// batchKey identifies the replication stream a batch belongs to.
type batchKey struct {
	Keyspace    string
	Table       string
	PartitionID int64
	Destination types.Destination
}

// batch is an ordered group of events submitted as one unit of commit work.
type batch struct {
	key    batchKey
	events []*types.ChangeEvent
	state  batchState

	// Commit watermark: the segment and the position after the last entry,
	// plus the last event's source timestamp.
	segment     string
	endPosition int64
	lastEventTs int64
}

// Dispatcher coordinates batching and delivery.
type Dispatcher struct {
	config      Config
	logger      *logrus.Logger
	registry    *schema.Registry
	transformer *transform.Transformer
	deadLetters *dlq.Sink
	offsetMgr   *offsets.Manager
	retryEngine *retry.Engine

	sinks    map[types.Destination]types.Sink
	breakers map[types.Destination]*circuit.Breaker
	queues   map[types.Destination]chan *batch
	backlog  map[types.Destination]*int64

	open map[batchKey]*batch

	// workerSem bounds concurrently executing sink workers.
	workerSem chan struct{}

	// tracer is optional; when set, each batch commit gets a span.
	tracer trace.Tracer

	// fatal carries the non-monotonic-offset invariant failure; the
	// application treats it as a pipeline-fatal error.
	fatal chan error

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	isRunning bool

	statsMu sync.RWMutex
	stats   types.DispatcherStats
}

// NewDispatcher creates a dispatcher. Sinks are registered with AddSink
// before Start.
func NewDispatcher(
	config Config,
	registry *schema.Registry,
	transformer *transform.Transformer,
	deadLetters *dlq.Sink,
	offsetMgr *offsets.Manager,
	retryEngine *retry.Engine,
	logger *logrus.Logger,
) *Dispatcher {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.MaxParallelism <= 0 {
		config.MaxParallelism = 4
	}
	if config.MaxInFlightBatches <= 0 {
		config.MaxInFlightBatches = 10
	}
	if config.PartitionRanges <= 0 {
		config.PartitionRanges = 16
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		config:      config,
		logger:      logger,
		registry:    registry,
		transformer: transformer,
		deadLetters: deadLetters,
		offsetMgr:   offsetMgr,
		retryEngine: retryEngine,
		sinks:       make(map[types.Destination]types.Sink),
		breakers:    make(map[types.Destination]*circuit.Breaker),
		queues:      make(map[types.Destination]chan *batch),
		backlog:     make(map[types.Destination]*int64),
		open:        make(map[batchKey]*batch),
		workerSem:   make(chan struct{}, config.MaxParallelism),
		fatal:       make(chan error, 1),
		ctx:         ctx,
		cancel:      cancel,
		stats: types.DispatcherStats{
			PerDestination: make(map[types.Destination]int64),
		},
	}
}

// SetTracer enables batch-commit spans. Must be called before Start.
func (d *Dispatcher) SetTracer(tracer trace.Tracer) {
	d.tracer = tracer
}

// AddSink registers a destination. Must be called before Start.
func (d *Dispatcher) AddSink(sink types.Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dest := sink.Destination()
	d.sinks[dest] = sink
	d.breakers[dest] = circuit.NewBreaker(string(dest), circuit.Config{}, d.logger)
	d.queues[dest] = make(chan *batch, d.config.MaxInFlightBatches)
	var counter int64
	d.backlog[dest] = &counter

	d.logger.WithField("destination", dest).Info("Sink registered with dispatcher")
}

// Destinations lists the registered destinations.
func (d *Dispatcher) Destinations() []types.Destination {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]types.Destination, 0, len(d.sinks))
	for dest := range d.sinks {
		out = append(out, dest)
	}
	return out
}

// FatalErrors exposes pipeline-fatal failures (the offset monotonicity
// invariant breaking).
func (d *Dispatcher) FatalErrors() <-chan error {
	return d.fatal
}

// Start launches one sink worker per destination.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isRunning {
		return fmt.Errorf("dispatcher already running")
	}
	if len(d.sinks) == 0 {
		return fmt.Errorf("no sinks registered")
	}
	d.isRunning = true

	d.logger.WithFields(logrus.Fields{
		"destinations":          len(d.sinks),
		"batch_size":            d.config.BatchSize,
		"max_parallelism":       d.config.MaxParallelism,
		"max_in_flight_batches": d.config.MaxInFlightBatches,
		"partition_ranges":      d.config.PartitionRanges,
	}).Info("Starting dispatcher")

	for dest := range d.sinks {
		d.wg.Add(1)
		go d.worker(dest)
	}
	return nil
}

// Handle routes one decoded event through validation, the schema
// compatibility gate, masking, and batching. Blocking on a full destination
// queue is the backpressure mechanism: the caller (the tailer loop) stalls.
func (d *Dispatcher) Handle(ctx context.Context, event *types.ChangeEvent, segment string, endPosition int64) error {
	d.mu.RLock()
	running := d.isRunning
	d.mu.RUnlock()
	if !running {
		return fmt.Errorf("dispatcher not running")
	}

	// Schema incompatibility pauses the table: events go straight to the
	// DLQ for every destination and the offset does not move, so the table
	// replays once a compatible version is registered.
	if incompat := d.registry.IncompatibilityFor(event.Keyspace, event.TableName); incompat != nil {
		for dest := range d.sinks {
			d.deadLetters.WriteEvent(event, dest, dlq.ErrorTypeSchemaIncompatibility, incompat.Error())
		}
		d.updateStats(func(s *types.DispatcherStats) { s.EventsDeadLetters++ })
		return nil
	}

	// Validation failures are delivered-to-DLQ: the entry's position still
	// advances each destination's watermark so it is not replayed on
	// restart.
	if err := d.registry.Validate(event); err != nil {
		d.deadLetterAndAdvance(event, segment, endPosition, dlq.ErrorTypeSchemaValidation, err.Error())
		return nil
	}

	masked := d.transformer.Apply(event)
	partitionID := masked.PartitionID(d.config.PartitionRanges)

	d.mu.RLock()
	destinations := make([]types.Destination, 0, len(d.sinks))
	for dest := range d.sinks {
		destinations = append(destinations, dest)
	}
	d.mu.RUnlock()

	for _, dest := range destinations {
		key := batchKey{
			Keyspace:    masked.Keyspace,
			Table:       masked.TableName,
			PartitionID: partitionID,
			Destination: dest,
		}
		// A replay after restart: this stream already committed the entry.
		offsetKey := types.OffsetKey{TableName: key.Table, Keyspace: key.Keyspace, PartitionID: key.PartitionID, Destination: dest}
		if d.alreadyDelivered(offsetKey, segment, endPosition) {
			continue
		}
		if err := d.appendToBatch(ctx, key, masked, segment, endPosition); err != nil {
			return err
		}
	}

	d.updateStats(func(s *types.DispatcherStats) {
		s.EventsDispatched++
		s.LastDispatchTime = time.Now()
	})
	return nil
}

// Reserved stream identity for entries that never became events. Its
// offsets are what let the pipeline move past undecodable entries instead
// of replaying them into the DLQ on every restart.
const (
	undecodableKeyspace = "_cdc"
	undecodableTable    = "_undecodable"
)

// HandleUndecodable accounts a well-framed entry that failed to decode. The
// entry is delivered-to-DLQ once per destination and its position advances
// the reserved undecodable stream's watermark, so an entry re-read after a
// restart is recognized as processed and not dead-lettered again.
func (d *Dispatcher) HandleUndecodable(ctx context.Context, segment string, position, endPosition int64, reason string) error {
	d.mu.RLock()
	running := d.isRunning
	d.mu.RUnlock()
	if !running {
		return fmt.Errorf("dispatcher not running")
	}

	deadLettered := false
	for _, dest := range d.Destinations() {
		key := batchKey{
			Keyspace:    undecodableKeyspace,
			Table:       undecodableTable,
			PartitionID: 0,
			Destination: dest,
		}
		offsetKey := types.OffsetKey{
			TableName:   key.Table,
			Keyspace:    key.Keyspace,
			PartitionID: key.PartitionID,
			Destination: dest,
		}

		// Timestamps never move on this stream; carry the committed one
		// forward so the monotonicity guard holds.
		var tsMicros int64
		if previous := d.offsetMgr.Read(offsetKey); previous != nil {
			tsMicros = previous.LastEventTimestampMicros
		}

		if !d.alreadyDelivered(offsetKey, segment, endPosition) {
			d.deadLetters.WriteDecodeFailure(segment, position, dest, reason)
			deadLettered = true
		}
		d.advanceBatch(key, tsMicros, segment, endPosition)
	}

	if deadLettered {
		metrics.RecordError("decoder", "parse_error")
		d.updateStats(func(s *types.DispatcherStats) { s.EventsDeadLetters++ })
	}
	return nil
}

// deadLetterAndAdvance writes DLQ records for an event that failed before
// batching and folds its position into each destination's open batch, so
// the next commit moves the offset past it even though no row is written.
// A watermark already at or past the entry means this is a replay after
// restart: the DLQ record exists, only the advance is repeated.
func (d *Dispatcher) deadLetterAndAdvance(event *types.ChangeEvent, segment string, endPosition int64, errorType, message string) {
	partitionID := event.PartitionID(d.config.PartitionRanges)
	deadLettered := false

	for _, dest := range d.Destinations() {
		key := batchKey{
			Keyspace:    event.Keyspace,
			Table:       event.TableName,
			PartitionID: partitionID,
			Destination: dest,
		}
		offsetKey := types.OffsetKey{
			TableName:   key.Table,
			Keyspace:    key.Keyspace,
			PartitionID: key.PartitionID,
			Destination: dest,
		}

		if !d.alreadyDelivered(offsetKey, segment, endPosition) {
			d.deadLetters.WriteEvent(event, dest, errorType, message)
			deadLettered = true
		}
		d.advanceBatch(key, event.TimestampMicros, segment, endPosition)
	}

	if deadLettered {
		d.updateStats(func(s *types.DispatcherStats) { s.EventsDeadLetters++ })
	}
}

// advanceBatch folds a delivered-to-DLQ entry's coordinates into the
// stream's open batch without appending a row. A batch holding only a
// watermark seals at the next flush and commits an offset with a zero
// written count.
func (d *Dispatcher) advanceBatch(key batchKey, tsMicros int64, segment string, endPosition int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	current, ok := d.open[key]
	if !ok {
		current = &batch{key: key, state: batchOpen}
		d.open[key] = current
	}
	current.segment = segment
	current.endPosition = endPosition
	if tsMicros > current.lastEventTs {
		current.lastEventTs = tsMicros
	}
}

// alreadyDelivered reports whether the stream's committed offset is at or
// past the entry ending at endPosition — i.e. the entry was accounted in a
// previous run and this sighting is a replay.
func (d *Dispatcher) alreadyDelivered(key types.OffsetKey, segment string, endPosition int64) bool {
	previous := d.offsetMgr.Read(key)
	if previous == nil {
		return false
	}
	if previous.CommitlogFile != segment {
		return previous.CommitlogFile > segment
	}
	return previous.CommitlogPosition >= endPosition
}

// appendToBatch adds the event to the open batch for a key, sealing and
// enqueuing when batch_size is reached.
func (d *Dispatcher) appendToBatch(ctx context.Context, key batchKey, event *types.ChangeEvent, segment string, endPosition int64) error {
	d.mu.Lock()
	current, ok := d.open[key]
	if !ok {
		current = &batch{key: key, state: batchOpen}
		d.open[key] = current
	}
	current.events = append(current.events, event)
	current.segment = segment
	current.endPosition = endPosition
	current.lastEventTs = event.TimestampMicros

	var toSeal *batch
	if len(current.events) >= d.config.BatchSize {
		delete(d.open, key)
		toSeal = current
	}
	d.mu.Unlock()

	if toSeal != nil {
		return d.enqueue(ctx, toSeal)
	}
	return nil
}

// FlushOpen seals every open batch — the poll cycle ended with events
// present, or shutdown is in progress.
func (d *Dispatcher) FlushOpen(ctx context.Context) error {
	d.mu.Lock()
	sealed := make([]*batch, 0, len(d.open))
	for key, b := range d.open {
		delete(d.open, key)
		sealed = append(sealed, b)
	}
	d.mu.Unlock()

	for _, b := range sealed {
		if err := d.enqueue(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// enqueue hands a sealed batch to its destination worker. The send blocks
// when max_in_flight_batches is reached; that stall propagates to the
// tailer.
func (d *Dispatcher) enqueue(ctx context.Context, b *batch) error {
	b.state = batchSealed

	d.mu.RLock()
	queue, ok := d.queues[b.key.Destination]
	counter := d.backlog[b.key.Destination]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no queue for destination %s", b.key.Destination)
	}

	select {
	case queue <- b:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.ctx.Done():
		return d.ctx.Err()
	}

	d.addBacklog(counter, b.key.Destination, len(b.events))
	metrics.InFlightBatches.WithLabelValues(string(b.key.Destination)).Inc()
	d.updateStats(func(s *types.DispatcherStats) { s.BatchesSealed++ })
	return nil
}

// Stop drains sealed batches under the configured deadline, then stops the
// workers. Already-sealed batches finish their commit attempt; in-progress
// retries cancel at the next backoff wakeup once the deadline passes.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.isRunning {
		d.mu.Unlock()
		return nil
	}
	d.isRunning = false
	d.mu.Unlock()

	d.logger.Info("Stopping dispatcher")

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), d.config.DrainTimeout)
	defer cancelDrain()

	// Seal whatever is still open so nothing is silently lost.
	if err := d.FlushOpen(drainCtx); err != nil {
		d.logger.WithError(err).Warn("Flush during shutdown did not complete")
	}

	d.mu.Lock()
	for _, queue := range d.queues {
		close(queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-drainCtx.Done():
		d.logger.Warn("Drain deadline reached, cancelling in-flight work")
		d.cancel()
		<-done
	}

	d.cancel()
	d.logger.Info("Dispatcher stopped")
	return nil
}

// GetStats returns a copy of the dispatcher statistics.
func (d *Dispatcher) GetStats() types.DispatcherStats {
	d.statsMu.RLock()
	defer d.statsMu.RUnlock()

	stats := d.stats
	stats.PerDestination = make(map[types.Destination]int64, len(d.stats.PerDestination))
	for k, v := range d.stats.PerDestination {
		stats.PerDestination[k] = v
	}
	return stats
}

func (d *Dispatcher) updateStats(fn func(*types.DispatcherStats)) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	fn(&d.stats)
}

func (d *Dispatcher) addBacklog(counter *int64, dest types.Destination, delta int) {
	d.statsMu.Lock()
	*counter += int64(delta)
	value := *counter
	d.statsMu.Unlock()
	metrics.SetBacklogDepth(string(dest), int(value))
}
