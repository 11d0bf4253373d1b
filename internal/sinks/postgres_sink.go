package sinks

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"cassandra-cdc-replicator/internal/metrics"
	"cassandra-cdc-replicator/pkg/types"
)

// PgxSink writes to a Postgres-compatible warehouse with exactly-once
// delivery: rows are upserted on the primary key and the offset upsert
// shares the write transaction, so WriteBatch and CommitOffset are jointly
// atomic.
//
// The same implementation serves Postgres and TimescaleDB — the TimescaleDB
// constructor only adds a hypertable extension probe at connect time. There
// is no sink inheritance.
type PgxSink struct {
	destination types.Destination
	connString  string
	schema      string
	logger      *logrus.Logger
	stats       *types.SinkStats

	// assertTimescale enables the extension probe on connect.
	assertTimescale bool

	mu        sync.Mutex
	pool      *pgxpool.Pool
	pendingTx pgx.Tx
}

// NewPostgresSink creates the relational warehouse sink.
func NewPostgresSink(cfg types.PostgresConfig, logger *logrus.Logger) *PgxSink {
	return &PgxSink{
		destination: types.DestinationPostgres,
		connString:  pgConnString(cfg.Host, cfg.Port, cfg.Database, cfg.Username, cfg.Password, cfg.SSLMode, cfg.PoolSize),
		schema:      cfg.Schema,
		logger:      logger,
		stats:       types.NewSinkStats(types.DestinationPostgres),
	}
}

// NewTimescaleDBSink creates the time-series warehouse sink. Identical to
// the Postgres sink except for the destination tag and the hypertable
// extension assertion at connect time.
func NewTimescaleDBSink(cfg types.TimescaleDBConfig, logger *logrus.Logger) *PgxSink {
	return &PgxSink{
		destination:     types.DestinationTimescaleDB,
		connString:      pgConnString(cfg.Host, cfg.Port, cfg.Database, cfg.Username, cfg.Password, cfg.SSLMode, cfg.PoolSize),
		schema:          cfg.Schema,
		logger:          logger,
		stats:           types.NewSinkStats(types.DestinationTimescaleDB),
		assertTimescale: true,
	}
}

func pgConnString(host string, port int, database, username, password, sslMode string, poolSize int) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
		Path:   "/" + database,
	}
	if username != "" {
		u.User = url.UserPassword(username, password)
	}
	query := url.Values{}
	if sslMode != "" {
		query.Set("sslmode", sslMode)
	}
	if poolSize > 0 {
		query.Set("pool_max_conns", fmt.Sprintf("%d", poolSize))
	}
	u.RawQuery = query.Encode()
	return u.String()
}

// Destination implements types.Sink.
func (s *PgxSink) Destination() types.Destination {
	return s.destination
}

// Stats exposes the sink's delivery counters.
func (s *PgxSink) Stats() *types.SinkStats {
	return s.stats
}

// Connect establishes the connection pool and, for TimescaleDB, verifies
// the extension is installed.
func (s *PgxSink) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool != nil {
		return nil
	}

	pool, err := pgxpool.New(ctx, s.connString)
	if err != nil {
		s.stats.RecordError()
		return fmt.Errorf("failed to create %s pool: %w", s.destination, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		s.stats.RecordError()
		return fmt.Errorf("failed to connect to %s: %w", s.destination, err)
	}
	s.pool = pool

	if s.assertTimescale {
		var extname string
		err := pool.QueryRow(ctx, "SELECT extname FROM pg_extension WHERE extname = 'timescaledb'").Scan(&extname)
		if err != nil {
			s.logger.WithError(err).Warn("TimescaleDB extension not found, continuing as plain Postgres")
		} else {
			s.logger.Info("TimescaleDB extension verified")
		}
	}

	s.logger.WithField("destination", s.destination).Info("Sink connected")
	return nil
}

// Disconnect rolls back any pending transaction and closes the pool.
func (s *PgxSink) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pendingTx != nil {
		if err := s.pendingTx.Rollback(ctx); err != nil && err != pgx.ErrTxClosed {
			s.logger.WithError(err).Warn("Rollback of pending transaction failed on disconnect")
		}
		s.pendingTx = nil
	}
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
		s.logger.WithField("destination", s.destination).Info("Sink disconnected")
	}
	return nil
}

// WriteBatch writes events in insertion order inside a fresh transaction and
// leaves the transaction open for CommitOffset. A pending transaction from a
// failed previous attempt is rolled back first, so a retried
// WriteBatch+CommitOffset pair starts clean.
func (s *PgxSink) WriteBatch(ctx context.Context, events []*types.ChangeEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool == nil {
		return 0, fmt.Errorf("%s sink is not connected", s.destination)
	}
	if s.pendingTx != nil {
		if err := s.pendingTx.Rollback(ctx); err != nil && err != pgx.ErrTxClosed {
			s.logger.WithError(err).Warn("Rollback of stale transaction failed")
		}
		s.pendingTx = nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		s.stats.RecordError()
		return 0, fmt.Errorf("failed to begin %s transaction: %w", s.destination, err)
	}

	written := 0
	for _, event := range events {
		var sql string
		var args []interface{}
		if event.EventType == types.EventDelete {
			sql, args = buildDeleteSQL(s.schema, event)
		} else {
			sql, args = buildUpsertSQL(s.schema, event)
		}
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			s.stats.RecordError()
			if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
				s.logger.WithError(rbErr).Warn("Rollback failed after write error")
			}
			return 0, fmt.Errorf("failed to write batch to %s: %w", s.destination, err)
		}
		written++
	}

	s.pendingTx = tx
	return written, nil
}

// CommitOffset upserts the offset row and commits the transaction opened by
// WriteBatch — data and offset land atomically. Without a pending
// transaction (offset-only commits) it runs standalone.
func (s *PgxSink) CommitOffset(ctx context.Context, offset *types.ReplicationOffset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool == nil {
		return fmt.Errorf("%s sink is not connected", s.destination)
	}

	sql, args := buildOffsetUpsertSQL(s.schema, offset)

	if s.pendingTx != nil {
		tx := s.pendingTx
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			s.stats.RecordError()
			if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
				s.logger.WithError(rbErr).Warn("Rollback failed after offset error")
			}
			s.pendingTx = nil
			return fmt.Errorf("failed to upsert offset in %s: %w", s.destination, err)
		}
		if err := tx.Commit(ctx); err != nil {
			s.stats.RecordError()
			s.pendingTx = nil
			return fmt.Errorf("failed to commit %s transaction: %w", s.destination, err)
		}
		s.pendingTx = nil
	} else {
		if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
			s.stats.RecordError()
			return fmt.Errorf("failed to upsert offset in %s: %w", s.destination, err)
		}
	}

	metrics.OffsetCommitsTotal.WithLabelValues(string(s.destination)).Inc()
	s.logger.WithFields(logrus.Fields{
		"destination": s.destination,
		"table":       offset.TableName,
		"partition":   offset.PartitionID,
		"position":    offset.CommitlogPosition,
		"events":      offset.EventsReplicatedCount,
	}).Debug("Offset committed")
	return nil
}

// HealthCheck pings the pool.
func (s *PgxSink) HealthCheck(ctx context.Context) (bool, time.Duration) {
	s.mu.Lock()
	pool := s.pool
	s.mu.Unlock()

	start := time.Now()
	if pool == nil {
		return false, time.Since(start)
	}
	err := pool.Ping(ctx)
	latency := time.Since(start)
	if err != nil {
		s.logger.WithError(err).WithField("destination", s.destination).Warn("Health check failed")
		return false, latency
	}
	return true, latency
}

// ReadOffsets loads every offset persisted for this destination — the
// authoritative resume state.
func (s *PgxSink) ReadOffsets(ctx context.Context) ([]*types.ReplicationOffset, error) {
	s.mu.Lock()
	pool := s.pool
	s.mu.Unlock()

	if pool == nil {
		return nil, fmt.Errorf("%s sink is not connected", s.destination)
	}

	rows, err := pool.Query(ctx, buildOffsetSelectSQL(s.schema), string(s.destination))
	if err != nil {
		return nil, fmt.Errorf("failed to read offsets from %s: %w", s.destination, err)
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
			return nil, fmt.Errorf("failed to scan offset row: %w", err)
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
