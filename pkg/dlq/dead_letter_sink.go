// Package dlq implements the dead-letter sink: an append-only JSON-lines
// record of events that could not be delivered. One file per (destination,
// date); a failure to write a DLQ record is logged and swallowed — it never
// propagates into the pipeline.
package dlq

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"cassandra-cdc-replicator/internal/metrics"
	"cassandra-cdc-replicator/pkg/types"
)

// Error types recorded on dead-letter records.
const (
	ErrorTypeParse                 = "parse_error"
	ErrorTypeSchemaValidation      = "schema_validation"
	ErrorTypeSchemaIncompatibility = "schema_incompatibility"
	ErrorTypeWrite                 = "write_error"
)

// Record is one dead-letter line: the full event contents plus the failure
// context.
type Record struct {
	EventID         string           `json:"event_id"`
	EventType       string           `json:"event_type"`
	TableName       string           `json:"table_name"`
	Keyspace        string           `json:"keyspace"`
	PartitionKey    types.KeyColumns `json:"partition_key"`
	ClusteringKey   types.KeyColumns `json:"clustering_key"`
	Columns         map[string]interface{} `json:"columns"`
	TimestampMicros int64            `json:"timestamp_micros"`
	CapturedAt      string           `json:"captured_at"`
	TTLSeconds      *int64           `json:"ttl_seconds"`
	Destination     string           `json:"destination"`
	ErrorType       string           `json:"error_type"`
	ErrorMessage    string           `json:"error_message"`
	FailedAt        string           `json:"failed_at"`
}

// fileHandle is one open DLQ file with its append mutex.
type fileHandle struct {
	mu   sync.Mutex
	file *os.File
}

// Sink appends dead-letter records to per-(destination, date) JSONL files.
type Sink struct {
	directory string
	logger    *logrus.Logger

	mu    sync.Mutex
	files map[string]*fileHandle

	stats Stats
}

// Stats counts DLQ activity.
type Stats struct {
	RecordsWritten int64 `json:"records_written"`
	WriteErrors    int64 `json:"write_errors"`
	FilesOpened    int64 `json:"files_opened"`
}

// NewSink creates the DLQ sink, ensuring the directory exists.
func NewSink(directory string, logger *logrus.Logger) (*Sink, error) {
	if directory == "" {
		directory = "./dlq"
	}
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dlq directory %s: %w", directory, err)
	}

	logger.WithField("directory", directory).Info("Dead-letter sink initialized")

	return &Sink{
		directory: directory,
		logger:    logger,
		files:     make(map[string]*fileHandle),
	}, nil
}

// WriteEvent appends a dead-letter record for one event and destination.
// Failures are logged and swallowed.
func (s *Sink) WriteEvent(event *types.ChangeEvent, destination types.Destination, errorType, errorMessage string) {
	record := Record{
		EventID:         event.EventID.String(),
		EventType:       string(event.EventType),
		TableName:       event.TableName,
		Keyspace:        event.Keyspace,
		PartitionKey:    event.PartitionKey,
		ClusteringKey:   event.ClusteringKey,
		Columns:         event.Columns,
		TimestampMicros: event.TimestampMicros,
		CapturedAt:      event.CapturedAt.UTC().Format(time.RFC3339Nano),
		TTLSeconds:      event.TTLSeconds,
		Destination:     string(destination),
		ErrorType:       errorType,
		ErrorMessage:    errorMessage,
		FailedAt:        time.Now().UTC().Format(time.RFC3339Nano),
	}
	s.writeRecord(destination, record)

	metrics.RecordDeadLetter(string(destination), errorType)

	s.logger.WithFields(logrus.Fields{
		"event_id":    record.EventID,
		"table":       record.TableName,
		"keyspace":    record.Keyspace,
		"destination": record.Destination,
		"error_type":  errorType,
	}).Warn("Event written to DLQ")
}

// WriteDecodeFailure appends a record for an entry that never became an
// event. The entry's commit-log coordinates stand in for the event identity.
func (s *Sink) WriteDecodeFailure(segment string, position int64, destination types.Destination, errorMessage string) {
	record := Record{
		EventID:      fmt.Sprintf("%s@%d", segment, position),
		Destination:  string(destination),
		ErrorType:    ErrorTypeParse,
		ErrorMessage: errorMessage,
		FailedAt:     time.Now().UTC().Format(time.RFC3339Nano),
	}
	s.writeRecord(destination, record)

	metrics.RecordDeadLetter(string(destination), ErrorTypeParse)

	s.logger.WithFields(logrus.Fields{
		"segment":     segment,
		"position":    position,
		"destination": destination,
	}).Warn("Undecodable entry written to DLQ")
}

// writeRecord marshals and appends one line under the file's mutex.
func (s *Sink) writeRecord(destination types.Destination, record Record) {
	line, err := json.Marshal(record)
	if err != nil {
		s.recordWriteError(err, record)
		return
	}

	handle, err := s.handleFor(destination)
	if err != nil {
		s.recordWriteError(err, record)
		return
	}

	handle.mu.Lock()
	_, err = handle.file.Write(append(line, '\n'))
	handle.mu.Unlock()

	if err != nil {
		s.recordWriteError(err, record)
		return
	}

	s.mu.Lock()
	s.stats.RecordsWritten++
	s.mu.Unlock()
}

// handleFor returns (opening if needed) the file for today's records of one
// destination. Filename: dlq_<destination>_<YYYY-MM-DD>.jsonl.
func (s *Sink) handleFor(destination types.Destination) (*fileHandle, error) {
	name := fmt.Sprintf("dlq_%s_%s.jsonl", destination, time.Now().UTC().Format("2006-01-02"))

	s.mu.Lock()
	defer s.mu.Unlock()

	if handle, ok := s.files[name]; ok {
		return handle, nil
	}

	path := filepath.Join(s.directory, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open dlq file %s: %w", path, err)
	}

	handle := &fileHandle{file: file}
	s.files[name] = handle
	s.stats.FilesOpened++

	s.logger.WithField("file", name).Info("Opened DLQ file")
	return handle, nil
}

func (s *Sink) recordWriteError(err error, record Record) {
	s.mu.Lock()
	s.stats.WriteErrors++
	s.mu.Unlock()

	s.logger.WithError(err).WithFields(logrus.Fields{
		"event_id":    record.EventID,
		"destination": record.Destination,
	}).Error("Failed to write DLQ record")
}

// GetStats returns a copy of the DLQ counters.
func (s *Sink) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close closes all open DLQ files.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, handle := range s.files {
		handle.mu.Lock()
		if err := handle.file.Close(); err != nil {
			s.logger.WithError(err).WithField("file", name).Error("Failed to close DLQ file")
		}
		handle.mu.Unlock()
		delete(s.files, name)
	}
}
