// Package journal is the append-only JSONL trade log. One file per UTC day;
// rotated segments are handed to an optional archive hook.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/avrell/tradeguard/internal/domain"
)

// envelope is one journal line: a kind tag plus the record payload.
type envelope struct {
	Kind   string `json:"kind"`
	Record any    `json:"record"`
}

const (
	kindSLAttempt = "sl_attempt"
	kindClosure   = "closure"
	kindMetrics   = "metrics"
)

// File is the primary journal: newline-delimited JSON in a per-day segment
// under a fixed directory.
type File struct {
	dir    string
	logger *slog.Logger

	mu   sync.Mutex
	day  string
	f    *os.File
	path string

	// onRotate receives the path of each closed segment.
	onRotate func(path string)

	clock func() time.Time
}

// NewFile creates the journal directory and opens today's segment lazily on
// first write.
func NewFile(dir string, logger *slog.Logger) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: create dir: %w", err)
	}
	return &File{
		dir:    dir,
		logger: logger.With(slog.String("component", "journal")),
		clock:  time.Now,
	}, nil
}

// OnRotate registers the rotated-segment hook. Must be set before writes
// begin.
func (j *File) OnRotate(fn func(path string)) { j.onRotate = fn }

// LogSLAttempt implements domain.TradeLog.
func (j *File) LogSLAttempt(ctx context.Context, rec domain.SLAttemptRecord) error {
	return j.append(kindSLAttempt, rec)
}

// LogClosure implements domain.TradeLog.
func (j *File) LogClosure(ctx context.Context, rec domain.ClosureRecord) error {
	return j.append(kindClosure, rec)
}

// LogMetrics implements domain.TradeLog.
func (j *File) LogMetrics(ctx context.Context, rec domain.MetricsRecord) error {
	return j.append(kindMetrics, rec)
}

var _ domain.TradeLog = (*File)(nil)

// Close flushes and closes the open segment.
func (j *File) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

func (j *File) append(kind string, rec any) error {
	line, err := json.Marshal(envelope{Kind: kind, Record: rec})
	if err != nil {
		return fmt.Errorf("journal: marshal %s: %w", kind, err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.ensureSegment(); err != nil {
		return err
	}
	if _, err := j.f.Write(line); err != nil {
		return fmt.Errorf("journal: append %s: %w", kind, err)
	}
	return nil
}

// ensureSegment opens today's file, rotating out yesterday's. Caller holds
// the mutex.
func (j *File) ensureSegment() error {
	day := j.clock().UTC().Format("2006-01-02")
	if j.f != nil && day == j.day {
		return nil
	}

	if j.f != nil {
		closedPath := j.path
		if err := j.f.Close(); err != nil {
			j.logger.Warn("segment close failed", slog.String("path", closedPath), slog.Any("error", err))
		}
		j.f = nil
		if j.onRotate != nil {
			go j.onRotate(closedPath)
		}
		j.logger.Info("journal segment rotated", slog.String("path", closedPath))
	}

	path := filepath.Join(j.dir, "trades-"+day+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open segment: %w", err)
	}
	j.f = f
	j.day = day
	j.path = path
	return nil
}
