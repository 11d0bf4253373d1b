package sinks

import (
	"fmt"
	"sort"
	"strings"

	"cassandra-cdc-replicator/pkg/types"
)

// OffsetsTableName is the per-destination offsets table. Destinations own
// their DDL; the pipeline only reads and upserts.
const OffsetsTableName = "cdc_offsets"

// quoteIdent double-quotes a SQL identifier, escaping embedded quotes.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// qualifiedTable renders schema.table with both parts quoted. An empty
// schema yields just the quoted table.
func qualifiedTable(schema, table string) string {
	if schema == "" {
		return quoteIdent(table)
	}
	return quoteIdent(schema) + "." + quoteIdent(table)
}

// rowColumns flattens an event into ordered (column, value) pairs: partition
// key, clustering key, then data columns in sorted name order. Write order
// inside the row is deterministic so retried writes build identical
// statements.
func rowColumns(event *types.ChangeEvent) ([]string, []interface{}) {
	names := make([]string, 0, len(event.PartitionKey)+len(event.ClusteringKey)+len(event.Columns))
	values := make([]interface{}, 0, cap(names))

	for _, kv := range event.PartitionKey {
		names = append(names, kv.Column)
		values = append(values, kv.Value)
	}
	for _, kv := range event.ClusteringKey {
		names = append(names, kv.Column)
		values = append(values, kv.Value)
	}

	dataNames := make([]string, 0, len(event.Columns))
	for name := range event.Columns {
		dataNames = append(dataNames, name)
	}
	sort.Strings(dataNames)
	for _, name := range dataNames {
		names = append(names, name)
		values = append(values, event.Columns[name])
	}

	return names, values
}

// primaryKeyColumns returns the upsert conflict target: partition key
// columns followed by clustering key columns.
func primaryKeyColumns(event *types.ChangeEvent) []string {
	pk := make([]string, 0, len(event.PartitionKey)+len(event.ClusteringKey))
	for _, kv := range event.PartitionKey {
		pk = append(pk, kv.Column)
	}
	for _, kv := range event.ClusteringKey {
		pk = append(pk, kv.Column)
	}
	return pk
}

// buildUpsertSQL renders the idempotent INSERT ... ON CONFLICT statement for
// an Insert or Update event. Rows without non-key columns degrade to DO
// NOTHING.
func buildUpsertSQL(schema string, event *types.ChangeEvent) (string, []interface{}) {
	names, values := rowColumns(event)
	pk := primaryKeyColumns(event)
	pkSet := make(map[string]bool, len(pk))
	for _, col := range pk {
		pkSet[col] = true
	}

	quoted := make([]string, len(names))
	placeholders := make([]string, len(names))
	for i, name := range names {
		quoted[i] = quoteIdent(name)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	quotedPK := make([]string, len(pk))
	for i, col := range pk {
		quotedPK[i] = quoteIdent(col)
	}

	var assignments []string
	for _, name := range names {
		if !pkSet[name] {
			assignments = append(assignments, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(name), quoteIdent(name)))
		}
	}

	var sql string
	if len(assignments) == 0 {
		sql = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
			qualifiedTable(schema, event.TableName),
			strings.Join(quoted, ", "),
			strings.Join(placeholders, ", "),
			strings.Join(quotedPK, ", "))
	} else {
		sql = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
			qualifiedTable(schema, event.TableName),
			strings.Join(quoted, ", "),
			strings.Join(placeholders, ", "),
			strings.Join(quotedPK, ", "),
			strings.Join(assignments, ", "))
	}

	return sql, values
}

// buildDeleteSQL renders the DELETE statement for a Delete event: rows are
// removed by partition key.
func buildDeleteSQL(schema string, event *types.ChangeEvent) (string, []interface{}) {
	conditions := make([]string, len(event.PartitionKey))
	values := make([]interface{}, len(event.PartitionKey))
	for i, kv := range event.PartitionKey {
		conditions[i] = fmt.Sprintf("%s = $%d", quoteIdent(kv.Column), i+1)
		values[i] = kv.Value
	}
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s",
		qualifiedTable(schema, event.TableName),
		strings.Join(conditions, " AND "))
	return sql, values
}

// buildOffsetUpsertSQL renders the offsets-table upsert. Counts are written
// as absolute cumulative totals, so replaying the same commit is a no-op —
// the exactly-once accounting does not inflate under retried offset
// commits.
func buildOffsetUpsertSQL(schema string, offset *types.ReplicationOffset) (string, []interface{}) {
	sql := fmt.Sprintf(`INSERT INTO %s (
		offset_id, table_name, keyspace, partition_id, destination,
		commitlog_file, commitlog_position, last_event_timestamp_micros,
		last_committed_at, events_replicated_count
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (table_name, keyspace, partition_id, destination) DO UPDATE SET
		offset_id = EXCLUDED.offset_id,
		commitlog_file = EXCLUDED.commitlog_file,
		commitlog_position = EXCLUDED.commitlog_position,
		last_event_timestamp_micros = EXCLUDED.last_event_timestamp_micros,
		last_committed_at = EXCLUDED.last_committed_at,
		events_replicated_count = EXCLUDED.events_replicated_count`,
		qualifiedTable(schema, OffsetsTableName))

	args := []interface{}{
		offset.OffsetID.String(),
		offset.TableName,
		offset.Keyspace,
		offset.PartitionID,
		string(offset.Destination),
		offset.CommitlogFile,
		offset.CommitlogPosition,
		offset.LastEventTimestampMicros,
		offset.LastCommittedAt,
		offset.EventsReplicatedCount,
	}
	return sql, args
}

// buildOffsetSelectSQL renders the startup read of all offsets persisted for
// one destination.
func buildOffsetSelectSQL(schema string) string {
	return fmt.Sprintf(`SELECT offset_id, table_name, keyspace, partition_id, destination,
		commitlog_file, commitlog_position, last_event_timestamp_micros,
		last_committed_at, events_replicated_count
	FROM %s WHERE destination = $1`,
		qualifiedTable(schema, OffsetsTableName))
}

// chQuoteIdent backtick-quotes a ClickHouse identifier.
func chQuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// buildClickHouseInsertSQL renders a per-event INSERT for the columnar
// destination. Deduplication is the table engine's job
// (ReplacingMergeTree keyed on the primary key columns).
func buildClickHouseInsertSQL(database string, event *types.ChangeEvent) (string, []interface{}) {
	names, values := rowColumns(event)
	quoted := make([]string, len(names))
	placeholders := make([]string, len(names))
	for i, name := range names {
		quoted[i] = chQuoteIdent(name)
		placeholders[i] = "?"
	}
	sql := fmt.Sprintf("INSERT INTO %s.%s (%s) VALUES (%s)",
		chQuoteIdent(database), chQuoteIdent(event.TableName),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "))
	return sql, values
}

// buildClickHouseOffsetInsertSQL renders the offsets insert. The offsets
// table is a ReplacingMergeTree ordered by (table_name, keyspace,
// partition_id, destination) with last_committed_at as the version column,
// so replayed commits merge away.
func buildClickHouseOffsetInsertSQL(database string, offset *types.ReplicationOffset) (string, []interface{}) {
	sql := fmt.Sprintf(`INSERT INTO %s.%s (
		offset_id, table_name, keyspace, partition_id, destination,
		commitlog_file, commitlog_position, last_event_timestamp_micros,
		last_committed_at, events_replicated_count
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		chQuoteIdent(database), chQuoteIdent(OffsetsTableName))

	args := []interface{}{
		offset.OffsetID.String(),
		offset.TableName,
		offset.Keyspace,
		offset.PartitionID,
		string(offset.Destination),
		offset.CommitlogFile,
		offset.CommitlogPosition,
		offset.LastEventTimestampMicros,
		offset.LastCommittedAt,
		offset.EventsReplicatedCount,
	}
	return sql, args
}
