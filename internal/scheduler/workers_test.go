package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbansense/sensornet/internal/observability"
)

func testWorkers(limits map[Kind]int64) *Workers {
	return New(
		clockwork.NewRealClock(),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		observability.NewMetricsForTesting(),
		Options{
			Timeout:     time.Second,
			Attempts:    3,
			BaseBackoff: time.Millisecond,
			MaxBackoff:  5 * time.Millisecond,
		},
		limits,
	)
}

func TestSubmit_RetriesTransientFailures(t *testing.T) {
	w := testWorkers(map[Kind]int64{KindPoll: 2})

	var calls atomic.Int32
	ok := w.Submit(context.Background(), KindPoll, "", func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.True(t, ok)
	w.Wait()

	assert.Equal(t, int32(3), calls.Load())
}

func TestSubmit_PermanentErrorStopsRetries(t *testing.T) {
	w := testWorkers(map[Kind]int64{KindPoll: 2})

	var calls atomic.Int32
	w.Submit(context.Background(), KindPoll, "", func(context.Context) error {
		calls.Add(1)
		return Permanent(errors.New("bad input"))
	})
	w.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestSubmit_ExhaustsAttempts(t *testing.T) {
	w := testWorkers(map[Kind]int64{KindPoll: 2})

	var calls atomic.Int32
	w.Submit(context.Background(), KindPoll, "", func(context.Context) error {
		calls.Add(1)
		return errors.New("still broken")
	})
	w.Wait()

	assert.Equal(t, int32(3), calls.Load())
}

func TestSubmit_ExclusivityKeyDropsDuplicate(t *testing.T) {
	w := testWorkers(map[Kind]int64{KindQC: 4})

	release := make(chan struct{})
	started := make(chan struct{})
	ok := w.Submit(context.Background(), KindQC, "batch-1", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.True(t, ok)
	<-started

	dup := w.Submit(context.Background(), KindQC, "batch-1", func(context.Context) error {
		t.Error("duplicate should not run")
		return nil
	})
	assert.False(t, dup)

	// A different key is fine.
	other := w.Submit(context.Background(), KindQC, "batch-2", func(context.Context) error { return nil })
	assert.True(t, other)

	close(release)
	w.Wait()

	// Once drained the key is reusable.
	again := w.Submit(context.Background(), KindQC, "batch-1", func(context.Context) error { return nil })
	assert.True(t, again)
	w.Wait()
}

func TestSubmit_PoolBoundsConcurrency(t *testing.T) {
	w := testWorkers(map[Kind]int64{KindRefreshFull: 1})

	var mu sync.Mutex
	var running, maxRunning int
	for i := 0; i < 4; i++ {
		w.Submit(context.Background(), KindRefreshFull, "", func(context.Context) error {
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			running--
			mu.Unlock()
			return nil
		})
	}
	w.Wait()

	assert.Equal(t, 1, maxRunning)
}

func TestSubmit_AttemptTimeoutCancelsTask(t *testing.T) {
	w := New(
		clockwork.NewRealClock(),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		observability.NewMetricsForTesting(),
		Options{Timeout: 10 * time.Millisecond, Attempts: 1, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		map[Kind]int64{KindPoll: 1},
	)

	timedOut := make(chan bool, 1)
	w.Submit(context.Background(), KindPoll, "", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			timedOut <- true
			return ctx.Err()
		case <-time.After(time.Second):
			timedOut <- false
			return nil
		}
	})
	w.Wait()

	assert.True(t, <-timedOut)
}

func TestRunPeriodic_RunsImmediatelyAndOnTicks(t *testing.T) {
	w := testWorkers(map[Kind]int64{KindPoll: 1})

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	w.RunPeriodic(ctx, 10*time.Millisecond, KindPoll, "poll-cycle", func(context.Context) error {
		calls.Add(1)
		return nil
	})

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	w.Wait()
}

func TestUntilNext(t *testing.T) {
	at := time.Hour + 3*time.Minute // 01:03 UTC

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 63*time.Minute, untilNext(now, at))

	// Already past today's slot: schedule for tomorrow.
	now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 13*time.Hour+3*time.Minute, untilNext(now, at))

	// Exactly on the slot: next one is a full day away.
	now = time.Date(2025, 6, 1, 1, 3, 0, 0, time.UTC)
	assert.Equal(t, 24*time.Hour, untilNext(now, at))
}
