package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avrell/tradeguard/internal/domain"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func attempt(ticket int64) domain.SLAttemptRecord {
	return domain.SLAttemptRecord{
		ID:         "a1",
		Ticket:     ticket,
		Symbol:     "EURUSD",
		Reason:     domain.ReasonSweetSpot,
		Outcome:    "OK",
		TargetSL:   1.10000,
		AppliedSL:  1.10000,
		Verified:   true,
		RecordedAt: time.Now().UTC(),
	}
}

func readLines(t *testing.T, path string) []envelope {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []envelope
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var env envelope
		require.NoError(t, json.Unmarshal(sc.Bytes(), &env))
		out = append(out, env)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestFileAppendsEnvelopes(t *testing.T) {
	dir := t.TempDir()
	j, err := NewFile(dir, discard())
	require.NoError(t, err)
	defer j.Close()

	fixed := time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC)
	j.clock = func() time.Time { return fixed }

	ctx := context.Background()
	require.NoError(t, j.LogSLAttempt(ctx, attempt(1)))
	require.NoError(t, j.LogClosure(ctx, domain.ClosureRecord{ID: "c1", Ticket: 1, Reason: domain.CloseMicroProfit}))
	require.NoError(t, j.LogMetrics(ctx, domain.MetricsRecord{ID: "m1", Attempts: 3}))
	require.NoError(t, j.Close())

	lines := readLines(t, filepath.Join(dir, "trades-2025-06-03.jsonl"))
	require.Len(t, lines, 3)
	assert.Equal(t, kindSLAttempt, lines[0].Kind)
	assert.Equal(t, kindClosure, lines[1].Kind)
	assert.Equal(t, kindMetrics, lines[2].Kind)
}

func TestFileRotatesAtMidnight(t *testing.T) {
	dir := t.TempDir()
	j, err := NewFile(dir, discard())
	require.NoError(t, err)
	defer j.Close()

	var mu sync.Mutex
	var rotated []string
	done := make(chan struct{})
	j.OnRotate(func(path string) {
		mu.Lock()
		rotated = append(rotated, path)
		mu.Unlock()
		close(done)
	})

	day1 := time.Date(2025, 6, 3, 23, 59, 0, 0, time.UTC)
	j.clock = func() time.Time { return day1 }
	require.NoError(t, j.LogSLAttempt(context.Background(), attempt(1)))

	day2 := day1.Add(2 * time.Minute)
	j.clock = func() time.Time { return day2 }
	require.NoError(t, j.LogSLAttempt(context.Background(), attempt(2)))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("rotation hook never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, rotated, 1)
	assert.Equal(t, filepath.Join(dir, "trades-2025-06-03.jsonl"), rotated[0])
	assert.FileExists(t, filepath.Join(dir, "trades-2025-06-04.jsonl"))
}

// countingLog counts calls and optionally fails.
type countingLog struct {
	calls int
	err   error
}

func (c *countingLog) LogSLAttempt(ctx context.Context, rec domain.SLAttemptRecord) error {
	c.calls++
	return c.err
}
func (c *countingLog) LogClosure(ctx context.Context, rec domain.ClosureRecord) error {
	c.calls++
	return c.err
}
func (c *countingLog) LogMetrics(ctx context.Context, rec domain.MetricsRecord) error {
	c.calls++
	return c.err
}

var _ domain.TradeLog = (*countingLog)(nil)

func TestFanoutMirrorsBestEffort(t *testing.T) {
	primary := &countingLog{}
	flaky := &countingLog{err: errors.New("db down")}
	f := NewFanout(primary, discard(), flaky)

	require.NoError(t, f.LogSLAttempt(context.Background(), attempt(1)), "mirror failure stays invisible")
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, flaky.calls)
}

func TestFanoutPrimaryFailurePropagates(t *testing.T) {
	primary := &countingLog{err: errors.New("disk full")}
	mirror := &countingLog{}
	f := NewFanout(primary, discard(), mirror)

	require.Error(t, f.LogClosure(context.Background(), domain.ClosureRecord{}))
	assert.Equal(t, 1, mirror.calls, "mirror still receives the record")
}
