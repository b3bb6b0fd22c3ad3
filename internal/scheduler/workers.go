package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"

	"github.com/urbansense/sensornet/internal/observability"
)

// Kind selects which concurrency pool a task runs in.
type Kind string

const (
	KindPoll        Kind = "poll"
	KindQC          Kind = "qc"
	KindRefreshInc  Kind = "refresh_inc"
	KindRefreshFull Kind = "refresh_full"
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Submit stops the attempt
// loop immediately when a task returns one.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Options tunes task execution across all pools.
type Options struct {
	// Timeout bounds a single attempt.
	Timeout time.Duration
	// Attempts is the total number of tries, including the first.
	Attempts int
	// BaseBackoff is the delay before the first retry. It doubles each
	// retry up to MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o *Options) applyDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = time.Minute
	}
	if o.Attempts < 1 {
		o.Attempts = 1
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 200 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Second
	}
}

// Workers runs background tasks in per-kind pools with bounded
// concurrency, retries, and exclusivity keys. Two submissions with the
// same non-empty key never run at the same time; the later one is
// dropped while the earlier is still in flight.
type Workers struct {
	sems    map[Kind]*semaphore.Weighted
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
	opts    Options

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

// New creates a Workers with one pool per kind. Kinds missing from
// limits get a pool of size 1.
func New(clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics, opts Options, limits map[Kind]int64) *Workers {
	opts.applyDefaults()
	sems := make(map[Kind]*semaphore.Weighted, len(limits))
	for kind, n := range limits {
		if n < 1 {
			n = 1
		}
		sems[kind] = semaphore.NewWeighted(n)
	}
	return &Workers{
		sems:     sems,
		clock:    clock,
		logger:   logger,
		metrics:  metrics,
		opts:     opts,
		inflight: make(map[string]struct{}),
	}
}

// Submit schedules fn on the pool for kind. It returns false if an
// identical key is already in flight. The task itself runs
// asynchronously; use Wait for draining at shutdown.
func (w *Workers) Submit(ctx context.Context, kind Kind, key string, fn func(context.Context) error) bool {
	if key != "" {
		w.mu.Lock()
		if _, dup := w.inflight[key]; dup {
			w.mu.Unlock()
			w.logger.Debug("task already in flight, skipping", "kind", kind, "key", key)
			return false
		}
		w.inflight[key] = struct{}{}
		w.mu.Unlock()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if key != "" {
			defer func() {
				w.mu.Lock()
				delete(w.inflight, key)
				w.mu.Unlock()
			}()
		}
		w.run(ctx, kind, key, fn)
	}()
	return true
}

func (w *Workers) run(ctx context.Context, kind Kind, key string, fn func(context.Context) error) {
	sem := w.sems[kind]
	if sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer sem.Release(1)
	}

	start := w.clock.Now()
	backoff := w.opts.BaseBackoff

	for attempt := 1; ; attempt++ {
		err := w.runAttempt(ctx, fn)
		if err == nil {
			w.metrics.TaskRuns.WithLabelValues(string(kind), "ok").Inc()
			w.metrics.TaskDuration.WithLabelValues(string(kind)).Observe(w.clock.Since(start).Seconds())
			return
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			w.logger.Error("task failed permanently", "kind", kind, "key", key, "error", err)
			w.metrics.TaskRuns.WithLabelValues(string(kind), "error").Inc()
			return
		}
		if ctx.Err() != nil {
			return
		}
		if attempt >= w.opts.Attempts {
			w.logger.Error("task failed, retries exhausted",
				"kind", kind, "key", key, "attempts", attempt, "error", err)
			w.metrics.TaskRuns.WithLabelValues(string(kind), "retry_exhausted").Inc()
			return
		}

		w.logger.Warn("task failed, retrying",
			"kind", kind, "key", key, "attempt", attempt, "backoff", backoff, "error", err)
		w.metrics.TaskRetries.WithLabelValues(string(kind)).Inc()
		if !w.sleep(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, w.opts.MaxBackoff)
	}
}

func (w *Workers) runAttempt(ctx context.Context, fn func(context.Context) error) error {
	actx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
	defer cancel()
	return fn(actx)
}

// RunPeriodic runs fn once immediately and then every interval until
// ctx is cancelled. Each run goes through Submit with name as the
// exclusivity key, so a slow run suppresses overlapping ticks.
func (w *Workers) RunPeriodic(ctx context.Context, interval time.Duration, kind Kind, name string, fn func(context.Context) error) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.Submit(ctx, kind, name, fn)

		ticker := w.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				w.Submit(ctx, kind, name, fn)
			}
		}
	}()
}

// RunDaily runs fn once per day at the given offset from midnight UTC.
func (w *Workers) RunDaily(ctx context.Context, at time.Duration, kind Kind, name string, fn func(context.Context) error) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			d := untilNext(w.clock.Now(), at)
			select {
			case <-ctx.Done():
				return
			case <-w.clock.After(d):
				w.Submit(ctx, kind, name, fn)
			}
		}
	}()
}

// Wait blocks until all submitted tasks and loops have finished.
func (w *Workers) Wait() {
	w.wg.Wait()
}

func (w *Workers) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-w.clock.After(d):
		return true
	}
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

// untilNext returns the duration from now until the next occurrence of
// the daily offset at, in UTC.
func untilNext(now time.Time, at time.Duration) time.Duration {
	midnight := time.Date(now.UTC().Year(), now.UTC().Month(), now.UTC().Day(), 0, 0, 0, 0, time.UTC)
	next := midnight.Add(at)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}
