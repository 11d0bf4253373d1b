// Package types - Statistics structures for monitoring
package types

import (
	"sync"
	"time"
)

// SinkStats tracks per-destination delivery counters and a moving-average
// throughput. All methods are safe for concurrent use.
type SinkStats struct {
	mu                sync.RWMutex
	destination       Destination
	eventsWritten     int64
	errorsCount       int64
	lastWriteTime     time.Time
	throughputSamples []float64
}

const maxThroughputSamples = 10

// NewSinkStats creates a stats tracker for one destination.
func NewSinkStats(destination Destination) *SinkStats {
	return &SinkStats{destination: destination}
}

// RecordWrite accounts a successful write of count events and feeds the
// throughput moving average.
func (s *SinkStats) RecordWrite(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.eventsWritten += int64(count)

	now := time.Now()
	if !s.lastWriteTime.IsZero() {
		duration := now.Sub(s.lastWriteTime).Seconds()
		if duration > 0 {
			s.throughputSamples = append(s.throughputSamples, float64(count)/duration)
			if len(s.throughputSamples) > maxThroughputSamples {
				s.throughputSamples = s.throughputSamples[1:]
			}
		}
	}
	s.lastWriteTime = now
}

// RecordError accounts a failed write.
func (s *SinkStats) RecordError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorsCount++
}

// EventsWritten returns the total events successfully written.
func (s *SinkStats) EventsWritten() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eventsWritten
}

// ErrorsCount returns the total failed writes.
func (s *SinkStats) ErrorsCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errorsCount
}

// ThroughputEPS returns the moving-average events per second.
func (s *SinkStats) ThroughputEPS() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.throughputSamples) == 0 {
		return 0
	}
	var sum float64
	for _, sample := range s.throughputSamples {
		sum += sample
	}
	return sum / float64(len(s.throughputSamples))
}

// Snapshot returns a point-in-time copy for the stats endpoint.
func (s *SinkStats) Snapshot() SinkStatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum float64
	for _, sample := range s.throughputSamples {
		sum += sample
	}
	eps := 0.0
	if len(s.throughputSamples) > 0 {
		eps = sum / float64(len(s.throughputSamples))
	}
	return SinkStatsSnapshot{
		Destination:   s.destination,
		EventsWritten: s.eventsWritten,
		ErrorsCount:   s.errorsCount,
		ThroughputEPS: eps,
	}
}

// SinkStatsSnapshot is an immutable view of SinkStats.
type SinkStatsSnapshot struct {
	Destination   Destination `json:"destination"`
	EventsWritten int64       `json:"events_written"`
	ErrorsCount   int64       `json:"errors_count"`
	ThroughputEPS float64     `json:"throughput_eps"`
}

// DispatcherStats captures pipeline-level counters. Copied by value under the
// dispatcher's lock when read.
type DispatcherStats struct {
	EventsDispatched  int64                 `json:"events_dispatched"`
	BatchesSealed     int64                 `json:"batches_sealed"`
	BatchesCommitted  int64                 `json:"batches_committed"`
	BatchesFailed     int64                 `json:"batches_failed"`
	EventsDeadLetters int64                 `json:"events_dead_lettered"`
	TablesPaused      int64                 `json:"tables_paused"`
	LastDispatchTime  time.Time             `json:"last_dispatch_time"`
	PerDestination    map[Destination]int64 `json:"per_destination"`
}
