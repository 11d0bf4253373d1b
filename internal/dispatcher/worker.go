// Package dispatcher - Sink worker: per-destination batch commit loop
package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"cassandra-cdc-replicator/internal/metrics"
	"cassandra-cdc-replicator/pkg/circuit"
	"cassandra-cdc-replicator/pkg/dlq"
	"cassandra-cdc-replicator/pkg/offsets"
	"cassandra-cdc-replicator/pkg/types"
)

// worker is the single consumer for one destination's batch queue. Single
// consumption in queue order is what guarantees strict FIFO commit order
// per (table, keyspace, partition-range, destination); parallelism across
// destinations is bounded by the shared worker semaphore.
func (d *Dispatcher) worker(dest types.Destination) {
	defer d.wg.Done()

	logger := d.logger.WithField("destination", dest)
	logger.Info("Sink worker started")

	d.mu.RLock()
	queue := d.queues[dest]
	sink := d.sinks[dest]
	breaker := d.breakers[dest]
	counter := d.backlog[dest]
	d.mu.RUnlock()

	for b := range queue {
		d.waitForBreaker(breaker)

		// Acquire a parallelism slot for the commit itself. After the drain
		// deadline cancels the context, commit attempts fail fast and slots
		// recycle quickly, so the blocking acquire stays bounded.
		d.workerSem <- struct{}{}
		d.commitBatch(sink, breaker, b, logger)
		<-d.workerSem

		d.addBacklog(counter, dest, -len(b.events))
		metrics.InFlightBatches.WithLabelValues(string(dest)).Dec()
	}

	logger.Info("Sink worker stopped")
}

// waitForBreaker parks the worker while the destination's circuit breaker
// is open. Batches are not failed by an open breaker — they wait, keeping
// the queue (and therefore the tailer) stalled.
func (d *Dispatcher) waitForBreaker(breaker *circuit.Breaker) {
	for breaker.Allow() != nil {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-d.ctx.Done():
			return
		}
	}
}

// commitBatch runs the write-then-offset cycle under the retry engine and
// settles the batch as Committed or Failed.
func (d *Dispatcher) commitBatch(sink types.Sink, breaker *circuit.Breaker, b *batch, logger *logrus.Entry) {
	b.state = batchCommitting
	start := time.Now()

	if d.tracer != nil {
		_, span := d.tracer.Start(d.ctx, "replicate_batch",
			trace.WithAttributes(
				attribute.String("cdc.destination", string(b.key.Destination)),
				attribute.String("cdc.table", b.key.Table),
				attribute.Int("cdc.batch_size", len(b.events)),
			))
		defer span.End()
	}

	var offset *types.ReplicationOffset
	var written int

	op := func(ctx context.Context) error {
		var err error
		written, err = sink.WriteBatch(ctx, b.events)
		if err != nil {
			return err
		}
		offset, err = d.offsetFor(b, written)
		if err != nil {
			return err
		}
		return sink.CommitOffset(ctx, offset)
	}

	err := d.retryEngine.Execute(d.ctx, string(b.key.Destination), op)
	duration := time.Since(start)

	if err != nil {
		var nonMono *offsets.NonMonotonicOffsetError
		if errors.As(err, &nonMono) {
			// Invariant breach: a concurrency bug, fatal to the pipeline.
			logger.WithError(nonMono).Error("Offset monotonicity violated")
			select {
			case d.fatal <- nonMono:
			default:
			}
			return
		}
		breaker.RecordFailure()
		d.failBatch(b, err, logger)
		return
	}
	breaker.RecordSuccess()

	if writeErr := d.offsetMgr.Write(offset); writeErr != nil {
		if nonMono, ok := writeErr.(*offsets.NonMonotonicOffsetError); ok {
			// Invariant breach: a concurrency bug, fatal to the pipeline.
			logger.WithError(nonMono).Error("Offset monotonicity violated")
			select {
			case d.fatal <- nonMono:
			default:
			}
			return
		}
		logger.WithError(writeErr).Error("Failed to cache committed offset")
	}

	b.state = batchCommitted

	metrics.RecordEventsProcessed(string(b.key.Destination), b.key.Table, written)
	metrics.RecordReplicationDuration(string(b.key.Destination), duration)
	if b.lastEventTs > 0 {
		lag := time.Since(time.UnixMicro(b.lastEventTs)).Seconds()
		if lag >= 0 {
			metrics.SetReplicationLag(string(b.key.Destination), lag)
		}
	}

	d.updateStats(func(s *types.DispatcherStats) {
		s.BatchesCommitted++
		s.PerDestination[b.key.Destination] += int64(written)
	})

	logger.WithFields(logrus.Fields{
		"table":       b.key.Table,
		"partition":   b.key.PartitionID,
		"events":      len(b.events),
		"written":     written,
		"position":    b.endPosition,
		"duration_ms": duration.Milliseconds(),
	}).Debug("Batch committed")
}

// offsetFor computes the batch's cumulative offset from the stream's
// current offset. Counts are cumulative totals so destination upserts are
// idempotent under commit replay. A timestamp regression here is the same
// invariant breach the offset manager guards against and surfaces as a
// typed NonMonotonicOffsetError.
func (d *Dispatcher) offsetFor(b *batch, written int) (*types.ReplicationOffset, error) {
	key := types.OffsetKey{
		TableName:   b.key.Table,
		Keyspace:    b.key.Keyspace,
		PartitionID: b.key.PartitionID,
		Destination: b.key.Destination,
	}
	if previous := d.offsetMgr.Read(key); previous != nil {
		if b.lastEventTs < previous.LastEventTimestampMicros {
			return nil, &offsets.NonMonotonicOffsetError{
				Key:      key,
				Got:      b.lastEventTs,
				Existing: previous.LastEventTimestampMicros,
			}
		}
		return previous.Update(b.segment, b.endPosition, b.lastEventTs, int64(written))
	}
	return types.NewReplicationOffset(
		b.key.Table, b.key.Keyspace, b.key.PartitionID, b.key.Destination,
		b.segment, b.endPosition, b.lastEventTs, int64(written))
}

// failBatch moves an exhausted or permanently failed batch to the DLQ. The
// offset does not advance; other destinations proceed independently.
func (d *Dispatcher) failBatch(b *batch, err error, logger *logrus.Entry) {
	b.state = batchFailed

	logger.WithError(err).WithFields(logrus.Fields{
		"table":     b.key.Table,
		"partition": b.key.PartitionID,
		"events":    len(b.events),
	}).Error("Batch failed after retries, moving events to DLQ")

	for _, event := range b.events {
		d.deadLetters.WriteEvent(event, b.key.Destination, dlq.ErrorTypeWrite, err.Error())
	}

	metrics.RecordError(string(b.key.Destination), "write_error")
	d.updateStats(func(s *types.DispatcherStats) {
		s.BatchesFailed++
		s.EventsDeadLetters += int64(len(b.events))
	})
}
