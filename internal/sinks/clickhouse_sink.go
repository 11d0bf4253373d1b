package sinks

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"cassandra-cdc-replicator/internal/metrics"
	"cassandra-cdc-replicator/pkg/types"
)

// ClickHouseSink writes to the columnar warehouse. ClickHouse has no
// transactions; idempotency comes from ReplacingMergeTree tables keyed on
// the primary-key columns, and the offsets table is its own
// ReplacingMergeTree so replayed commits merge away.
//
// Delete events cannot be represented in an analytical-append table. They
// are skipped, logged, and surfaced through the
// cdc_events_dropped_unsupported_op_total metric — a known, deliberate
// limitation of this destination family.
type ClickHouseSink struct {
	cfg    types.ClickHouseConfig
	logger *logrus.Logger
	stats  *types.SinkStats

	mu   sync.Mutex
	conn driver.Conn
}

// NewClickHouseSink creates the columnar warehouse sink.
func NewClickHouseSink(cfg types.ClickHouseConfig, logger *logrus.Logger) *ClickHouseSink {
	return &ClickHouseSink{
		cfg:    cfg,
		logger: logger,
		stats:  types.NewSinkStats(types.DestinationClickHouse),
	}
}

// Destination implements types.Sink.
func (s *ClickHouseSink) Destination() types.Destination {
	return types.DestinationClickHouse
}

// Stats exposes the sink's delivery counters.
func (s *ClickHouseSink) Stats() *types.SinkStats {
	return s.stats
}

// Connect opens the native-protocol connection and verifies it.
func (s *ClickHouseSink) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return nil
	}

	options := &clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)},
		Auth: clickhouse.Auth{
			Database: s.cfg.Database,
			Username: s.cfg.Username,
			Password: s.cfg.Password,
		},
		MaxOpenConns: s.cfg.PoolSize,
	}
	if s.cfg.UseTLS {
		options.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		s.stats.RecordError()
		return fmt.Errorf("failed to open clickhouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		s.stats.RecordError()
		return fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	s.conn = conn
	s.logger.WithField("database", s.cfg.Database).Info("ClickHouse sink connected")
	return nil
}

// Disconnect closes the connection.
func (s *ClickHouseSink) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.WithError(err).Warn("ClickHouse close failed")
		}
		s.conn = nil
		s.logger.Info("ClickHouse sink disconnected")
	}
	return nil
}

// WriteBatch inserts events in insertion order. Deletes are counted and
// skipped; the returned count covers rows actually written.
func (s *ClickHouseSink) WriteBatch(ctx context.Context, events []*types.ChangeEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return 0, fmt.Errorf("clickhouse sink is not connected")
	}

	written := 0
	for _, event := range events {
		if event.EventType == types.EventDelete {
			metrics.EventsDroppedUnsupportedOp.WithLabelValues(string(types.DestinationClickHouse)).Inc()
			s.logger.WithFields(logrus.Fields{
				"table":    event.TableName,
				"keyspace": event.Keyspace,
				"event_id": event.EventID,
			}).Warn("DELETE events are not supported by the columnar destination, skipping")
			continue
		}

		sql, args := buildClickHouseInsertSQL(s.cfg.Database, event)
		if err := conn.Exec(ctx, sql, args...); err != nil {
			s.stats.RecordError()
			return written, fmt.Errorf("failed to write batch to clickhouse: %w", err)
		}
		written++
	}

	return written, nil
}

// CommitOffset inserts the offset row. There is no shared transaction with
// the data writes; the ReplacingMergeTree offsets table deduplicates by
// (table_name, keyspace, partition_id, destination).
func (s *ClickHouseSink) CommitOffset(ctx context.Context, offset *types.ReplicationOffset) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("clickhouse sink is not connected")
	}

	sql, args := buildClickHouseOffsetInsertSQL(s.cfg.Database, offset)
	if err := conn.Exec(ctx, sql, args...); err != nil {
		s.stats.RecordError()
		return fmt.Errorf("failed to commit offset to clickhouse: %w", err)
	}

	metrics.OffsetCommitsTotal.WithLabelValues(string(types.DestinationClickHouse)).Inc()
	return nil
}

// HealthCheck pings the connection.
func (s *ClickHouseSink) HealthCheck(ctx context.Context) (bool, time.Duration) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	start := time.Now()
	if conn == nil {
		return false, time.Since(start)
	}
	err := conn.Ping(ctx)
	latency := time.Since(start)
	if err != nil {
		s.logger.WithError(err).Warn("ClickHouse health check failed")
		return false, latency
	}
	return true, latency
}

// ReadOffsets loads the freshest offset rows for this destination. FINAL
// collapses the ReplacingMergeTree so superseded commits do not reappear.
func (s *ClickHouseSink) ReadOffsets(ctx context.Context) ([]*types.ReplicationOffset, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("clickhouse sink is not connected")
	}

	sql := fmt.Sprintf(`SELECT offset_id, table_name, keyspace, partition_id, destination,
		commitlog_file, commitlog_position, last_event_timestamp_micros,
		last_committed_at, events_replicated_count
	FROM %s.%s FINAL WHERE destination = ?`,
		chQuoteIdent(s.cfg.Database), chQuoteIdent(OffsetsTableName))

	rows, err := conn.Query(ctx, sql, string(types.DestinationClickHouse))
	if err != nil {
		return nil, fmt.Errorf("failed to read offsets from clickhouse: %w", err)
	}
	defer rows.Close()

	var offsets []*types.ReplicationOffset
	for rows.Next() {
		var offsetID, tableName, keyspace, destination, commitlogFile string
		var partitionID, commitlogPosition, lastEventTimestampMicros, eventsReplicatedCount int64
		var lastCommittedAt time.Time

		if err := rows.Scan(&offsetID, &tableName, &keyspace, &partitionID, &destination,
			&commitlogFile, &commitlogPosition, &lastEventTimestampMicros,
			&lastCommittedAt, &eventsReplicatedCount); err != nil {
			return nil, fmt.Errorf("failed to scan clickhouse offset row: %w", err)
		}

		id, err := uuid.Parse(offsetID)
		if err != nil {
			id = uuid.New()
		}
		offsets = append(offsets, &types.ReplicationOffset{
			OffsetID:                 id,
			TableName:                tableName,
			Keyspace:                 keyspace,
			PartitionID:              partitionID,
			Destination:              types.Destination(destination),
			CommitlogFile:            commitlogFile,
			CommitlogPosition:        commitlogPosition,
			LastEventTimestampMicros: lastEventTimestampMicros,
			LastCommittedAt:          lastCommittedAt,
			EventsReplicatedCount:    eventsReplicatedCount,
		})
	}
	return offsets, rows.Err()
}
