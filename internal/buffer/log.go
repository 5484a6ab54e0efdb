// Package buffer implements the durable checkpoint log: an append-only
// JSONL sequence of stage records keyed by (fingerprint, stage), replayable
// to reconstruct full run state after an interruption.
package buffer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/lamim/sdgforge/pkg/models"
)

// LogFilename is the checkpoint log file name inside a session directory
const LogFilename = "checkpoint.jsonl"

// ErrCorrupt reports an unreadable checkpoint log. This is fatal: the run
// cannot trust its resume state.
var ErrCorrupt = errors.New("checkpoint log corrupt")

type writeReq struct {
	rec  models.StageRecord
	done chan error
}

// Log is the checkpoint buffer. All writes funnel through a single writer
// goroutine; Append returns only after the record is durably flushed, so a
// crash after Append never loses a completed unit and a crash before it is
// equivalent to the unit never having started.
type Log struct {
	path   string
	file   *os.File // nil for a memory-only log
	logger *slog.Logger

	mu    sync.RWMutex
	index map[models.RecordKey]models.StageRecord
	order []models.RecordKey // keys in first-seen order

	writeCh chan writeReq
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Open opens (or creates) the checkpoint log at path and replays any
// existing records
func Open(path string, logger *slog.Logger) (*Log, error) {
	l := &Log{
		path:    path,
		logger:  logger,
		index:   make(map[models.RecordKey]models.StageRecord),
		writeCh: make(chan writeReq),
		stopCh:  make(chan struct{}),
	}

	if err := l.replay(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint log: %w", err)
	}
	l.file = file

	l.startWriter()
	return l, nil
}

// OpenMemory creates a checkpoint log with no backing file. Used when
// checkpointing is disabled and in tests.
func OpenMemory(logger *slog.Logger) *Log {
	l := &Log{
		logger:  logger,
		index:   make(map[models.RecordKey]models.StageRecord),
		writeCh: make(chan writeReq),
		stopCh:  make(chan struct{}),
	}
	l.startWriter()
	return l
}

// replay loads the existing log file, applying the same merge rule appends
// use. A malformed interior line is corruption; a malformed final line is a
// crash mid-write and is dropped, truncating the file back to the last
// complete record.
func (l *Log) replay() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read checkpoint log: %w", err)
	}

	offset := 0
	for offset < len(data) {
		end := offset
		for end < len(data) && data[end] != '\n' {
			end++
		}
		line := data[offset:end]
		terminated := end < len(data)

		if len(line) > 0 {
			var rec models.StageRecord
			if err := json.Unmarshal(line, &rec); err != nil || rec.Fingerprint == "" || rec.Stage == "" {
				if !terminated {
					// Partial trailing line: the crash happened mid-write, which
					// is the same as the unit never having started
					l.logger.Warn("Dropping partial trailing checkpoint record",
						"path", l.path, "offset", offset)
					if err := os.Truncate(l.path, int64(offset)); err != nil {
						return fmt.Errorf("failed to truncate checkpoint log: %w", err)
					}
					return nil
				}
				return fmt.Errorf("%w: bad record at offset %d: %v", ErrCorrupt, offset, err)
			}
			l.apply(rec)
		}

		offset = end + 1
	}
	return nil
}

// apply merges a record into the in-memory index. At most one successful
// record per key: once a success is recorded its result is immutable, later
// writes for the same key update usage and timestamp only.
func (l *Log) apply(rec models.StageRecord) models.StageRecord {
	key := rec.Key()
	existing, ok := l.index[key]
	if !ok {
		l.index[key] = rec
		l.order = append(l.order, key)
		return rec
	}

	if existing.Status == models.StatusSuccess {
		merged := existing
		merged.Usage.Add(rec.Usage)
		merged.Timestamp = rec.Timestamp
		l.index[key] = merged
		return merged
	}

	// Error superseded by a later attempt (success or a newer error)
	l.index[key] = rec
	return rec
}

func (l *Log) startWriter() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case req := <-l.writeCh:
				req.done <- l.write(req.rec)
			case <-l.stopCh:
				// Drain pending appends before stopping
				for {
					select {
					case req := <-l.writeCh:
						req.done <- l.write(req.rec)
					default:
						return
					}
				}
			}
		}
	}()
}

// write merges, persists, and flushes a single record. Runs only on the
// writer goroutine. The raw incoming record is what goes to disk: replay
// re-runs the merge, so persisting the merged form would count merged
// usage twice on reopen.
func (l *Log) write(rec models.StageRecord) error {
	l.mu.Lock()
	l.apply(rec)
	l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal stage record: %w", err)
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write stage record: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync checkpoint log: %w", err)
	}
	return nil
}

// Append durably records one stage record. It blocks until the record is
// flushed; callers must not advance run state past the record before Append
// returns.
func (l *Log) Append(rec models.StageRecord) error {
	req := writeReq{rec: rec, done: make(chan error, 1)}
	select {
	case l.writeCh <- req:
		return <-req.done
	case <-l.stopCh:
		return fmt.Errorf("checkpoint log closed")
	}
}

// Has reports whether a successful record exists for (fingerprint, stage)
func (l *Log) Has(fingerprint string, stage models.Stage) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.index[models.RecordKey{Fingerprint: fingerprint, Stage: stage}]
	return ok && rec.Status == models.StatusSuccess
}

// Get returns the effective record for (fingerprint, stage), if any
func (l *Log) Get(fingerprint string, stage models.Stage) (models.StageRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.index[models.RecordKey{Fingerprint: fingerprint, Stage: stage}]
	return rec, ok
}

// Records returns the effective records in first-seen order
func (l *Log) Records() []models.StageRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.StageRecord, 0, len(l.order))
	for _, key := range l.order {
		out = append(out, l.index[key])
	}
	return out
}

// Len returns the number of distinct (fingerprint, stage) pairs recorded
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.index)
}

// Close stops the writer and closes the backing file. Pending appends are
// drained first.
func (l *Log) Close() error {
	close(l.stopCh)
	l.wg.Wait()

	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		l.logger.Warn("Failed to sync checkpoint log on close", "error", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint log: %w", err)
	}
	return nil
}
