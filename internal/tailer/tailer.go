// Package tailer exposes the commit-log directory as a lazy, restartable
// sequence of framed entries with (segment, byte-offset) coordinates.
//
// Segments are enumerated in ascending lexicographic order and consumed
// sequentially. Each entry is a 4-byte big-endian length prefix followed by
// the payload. Short reads pause the current segment — the writer may still
// be appending — and a later poll resumes from the same position. Corrupt
// frames halt the current segment only; the pipeline moves on to the next
// segment.
package tailer

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"cassandra-cdc-replicator/internal/metrics"
)

// Frame length bounds. Anything outside halts the segment as corrupt.
const (
	MinEntryLength = 1
	MaxEntryLength = 100_000_000
)

var segmentPattern = regexp.MustCompile(`^CommitLog-\d+-\d+\.log$`)

// RawEntry is one framed commit-log entry. Position is the pre-read offset
// of the entry's length prefix: restarting at Position re-reads exactly this
// entry.
type RawEntry struct {
	Payload  []byte
	Segment  string
	Position int64
}

// CorruptFrameError reports a frame whose length prefix is outside the
// accepted bounds. It halts the current segment, not the pipeline.
type CorruptFrameError struct {
	Segment  string
	Position int64
	Length   uint32
}

func (e *CorruptFrameError) Error() string {
	return fmt.Sprintf("corrupt frame in %s at %d: length %d", e.Segment, e.Position, e.Length)
}

// Config configures a Tailer.
type Config struct {
	Directory     string
	StartSegment  string // empty: begin at the oldest segment
	StartPosition int64
}

// Tailer scans the commit-log directory. Not safe for concurrent use; the
// pipeline drives it from a single goroutine.
type Tailer struct {
	directory string
	logger    *logrus.Logger

	currentSegment string
	position       int64
	startResolved  bool
	completed      map[string]bool

	watcher *fsnotify.Watcher
}

// Open creates a tailer over a commit-log directory. A configured start
// segment that no longer exists falls back to the oldest available segment
// with a logged warning (resolved at first scan, when the directory is
// listed).
func Open(cfg Config, logger *logrus.Logger) (*Tailer, error) {
	info, err := os.Stat(cfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("commitlog directory %s: %w", cfg.Directory, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("commitlog path %s is not a directory", cfg.Directory)
	}

	t := &Tailer{
		directory:      cfg.Directory,
		logger:         logger,
		currentSegment: cfg.StartSegment,
		position:       cfg.StartPosition,
		completed:      make(map[string]bool),
	}

	// Directory watch only shortens poll latency; polling remains the
	// correctness mechanism, so watcher setup failures are non-fatal.
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		if err := watcher.Add(cfg.Directory); err == nil {
			t.watcher = watcher
		} else {
			watcher.Close()
			logger.WithError(err).Debug("Commitlog directory watch unavailable, falling back to polling")
		}
	}

	logger.WithFields(logrus.Fields{
		"directory":      cfg.Directory,
		"start_segment":  cfg.StartSegment,
		"start_position": cfg.StartPosition,
	}).Info("Commitlog tailer opened")

	return t, nil
}

// Close releases the directory watcher.
func (t *Tailer) Close() {
	if t.watcher != nil {
		t.watcher.Close()
		t.watcher = nil
	}
}

// Position returns the current (segment, byte offset) read cursor.
func (t *Tailer) Position() (string, int64) {
	return t.currentSegment, t.position
}

// segments lists the commit-log segments in ascending lexicographic order.
func (t *Tailer) segments() ([]string, error) {
	entries, err := os.ReadDir(t.directory)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && segmentPattern.MatchString(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// resolveStart fixes up the start cursor against the actual directory
// listing on the first scan.
func (t *Tailer) resolveStart(names []string) {
	if t.startResolved {
		return
	}
	t.startResolved = true

	if t.currentSegment == "" {
		if len(names) > 0 {
			t.currentSegment = names[0]
		}
		return
	}

	for _, name := range names {
		if name == t.currentSegment {
			return
		}
	}

	t.logger.WithField("start_segment", t.currentSegment).Warn("Start segment not found, beginning from oldest available")
	t.currentSegment = ""
	t.position = 0
	if len(names) > 0 {
		t.currentSegment = names[0]
	}
}

// segment scan outcomes
type scanOutcome int

const (
	outcomePaused  scanOutcome = iota // short read: segment may still grow
	outcomeCorrupt                    // corrupt frame: abandon segment
	outcomeFailed                     // I/O error: abandon segment
)

// Scan performs one sweep over the available segments, invoking fn for each
// framed entry. It returns the number of entries delivered. fn returning an
// error stops the sweep with the cursor still pointing at that entry, so a
// later sweep re-delivers it.
func (t *Tailer) Scan(ctx context.Context, fn func(RawEntry) error) (int, error) {
	names, err := t.segments()
	if err != nil {
		return 0, fmt.Errorf("failed to list commitlog directory: %w", err)
	}
	t.resolveStart(names)
	if t.currentSegment == "" {
		return 0, nil
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		count, outcome, err := t.scanSegment(ctx, fn)
		total += count
		if err != nil {
			return total, err
		}

		next := t.nextSegment(names)
		switch outcome {
		case outcomePaused:
			// An active segment with no successor keeps the cursor; once a
			// newer segment exists the writer has moved on and this one is
			// final.
			if next == "" {
				return total, nil
			}
			t.advanceTo(next)
		case outcomeCorrupt, outcomeFailed:
			if next == "" {
				return total, nil
			}
			t.advanceTo(next)
		}
	}
}

// nextSegment returns the first listed segment after the current one that
// has not been completed, or "".
func (t *Tailer) nextSegment(names []string) string {
	for _, name := range names {
		if name > t.currentSegment && !t.completed[name] {
			return name
		}
	}
	return ""
}

func (t *Tailer) advanceTo(next string) {
	t.completed[t.currentSegment] = true
	t.logger.WithFields(logrus.Fields{
		"completed": t.currentSegment,
		"next":      next,
	}).Debug("Advancing to next commitlog segment")
	t.currentSegment = next
	t.position = 0
}

// scanSegment reads frames from the current segment starting at the cursor.
func (t *Tailer) scanSegment(ctx context.Context, fn func(RawEntry) error) (int, scanOutcome, error) {
	path := filepath.Join(t.directory, t.currentSegment)
	file, err := os.Open(path)
	if err != nil {
		t.logger.WithError(err).WithField("segment", t.currentSegment).Error("Failed to open segment, skipping")
		metrics.RecordError("tailer", "segment_open_error")
		return 0, outcomeFailed, nil
	}
	defer file.Close()

	if t.position > 0 {
		if _, err := file.Seek(t.position, io.SeekStart); err != nil {
			t.logger.WithError(err).WithField("segment", t.currentSegment).Error("Failed to seek segment, skipping")
			metrics.RecordError("tailer", "segment_seek_error")
			return 0, outcomeFailed, nil
		}
	}

	count := 0
	header := make([]byte, 4)
	for {
		if err := ctx.Err(); err != nil {
			return count, outcomePaused, err
		}

		entryPos := t.position

		if _, err := io.ReadFull(file, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				// Length prefix incomplete: the writer is mid-append.
				return count, outcomePaused, nil
			}
			t.logger.WithError(err).WithField("segment", t.currentSegment).Error("Segment read error, skipping")
			metrics.RecordError("tailer", "segment_read_error")
			return count, outcomeFailed, nil
		}

		length := binary.BigEndian.Uint32(header)
		if length < MinEntryLength || length > MaxEntryLength {
			corrupt := &CorruptFrameError{Segment: t.currentSegment, Position: entryPos, Length: length}
			t.logger.WithFields(logrus.Fields{
				"segment":  corrupt.Segment,
				"position": corrupt.Position,
				"length":   corrupt.Length,
			}).Warn("Corrupt frame, halting segment")
			metrics.CorruptFramesTotal.Inc()
			return count, outcomeCorrupt, nil
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(file, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				// Payload shorter than declared: wait for the writer.
				return count, outcomePaused, nil
			}
			t.logger.WithError(err).WithField("segment", t.currentSegment).Error("Segment read error, skipping")
			metrics.RecordError("tailer", "segment_read_error")
			return count, outcomeFailed, nil
		}

		if err := fn(RawEntry{Payload: payload, Segment: t.currentSegment, Position: entryPos}); err != nil {
			// Cursor stays on this entry; a later sweep re-delivers it.
			return count, outcomePaused, err
		}

		t.position = entryPos + 4 + int64(length)
		count++
		metrics.TailerEntriesReadTotal.WithLabelValues(t.currentSegment).Inc()
	}
}

// Wait sleeps until the poll interval elapses, a directory event arrives, or
// the context is cancelled.
func (t *Tailer) Wait(ctx context.Context, interval time.Duration) {
	timer := time.NewTimer(interval)
	defer timer.Stop()

	if t.watcher == nil {
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		return
	}

	select {
	case <-timer.C:
	case <-t.watcher.Events:
	case err := <-t.watcher.Errors:
		if err != nil {
			t.logger.WithError(err).Debug("Commitlog directory watcher error")
		}
	case <-ctx.Done():
	}
}
