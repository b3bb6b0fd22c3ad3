// Package aggregate maintains the derived per-station summaries. Rows
// are pure functions of readings and flags: any row can be recomputed
// at any time, and the nightly full refresh heals whatever incremental
// runs missed (late data, deletions, re-run QC verdicts).
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/urbansense/sensornet/internal/domain"
	"github.com/urbansense/sensornet/internal/observability"
	"github.com/urbansense/sensornet/internal/store"
)

// Store is the persistence surface the engine needs.
type Store interface {
	Stations(ctx context.Context) ([]domain.Station, error)
	AcceptedReadings(ctx context.Context, stationID string, q domain.Quantity, from, to time.Time) ([]domain.Reading, error)
	ReplaceAggregates(ctx context.Context, scope store.AggregateScope, rows []domain.AggregateRow) error
	StationReadingRange(ctx context.Context, stationID string) (first, last time.Time, err error)
}

// Engine computes aggregate rows and swaps them into place.
type Engine struct {
	store   Store
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
}

func NewEngine(st Store, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{store: st, clock: clock, logger: logger, metrics: metrics}
}

// RefreshIncremental recomputes the current and the previous bucket of
// every station and granularity. Covering the previous bucket too picks
// up data that arrived just after a bucket boundary.
func (e *Engine) RefreshIncremental(ctx context.Context) error {
	start := e.clock.Now()
	now := start.UTC()

	stations, err := e.store.Stations(ctx)
	if err != nil {
		return fmt.Errorf("list stations: %w", err)
	}

	var written int64
	for _, st := range stations {
		for _, g := range domain.Granularities {
			from := domain.PrevBucketStart(now, g)
			to := domain.BucketStart(now, g).Add(g.Duration())
			n, err := e.refreshScope(ctx, st.ID, g, from, to)
			if err != nil {
				return err
			}
			written += n
		}
	}

	e.metrics.RefreshDuration.WithLabelValues("incremental").Observe(e.clock.Since(start).Seconds())
	e.logger.Info("incremental refresh complete", "stations", len(stations), "rows", written)
	return nil
}

// RefreshFull recomputes every bucket of every station from its first
// reading to its last. The swap scope is the whole (station,
// granularity) history, so buckets whose readings were deleted since
// the last run disappear.
func (e *Engine) RefreshFull(ctx context.Context) error {
	start := e.clock.Now()

	stations, err := e.store.Stations(ctx)
	if err != nil {
		return fmt.Errorf("list stations: %w", err)
	}

	var written int64
	for _, st := range stations {
		if err := ctx.Err(); err != nil {
			return err
		}
		first, last, err := e.store.StationReadingRange(ctx, st.ID)
		if errors.Is(err, store.ErrNotFound) {
			// No readings: clear anything stale.
			for _, g := range domain.Granularities {
				if err := e.store.ReplaceAggregates(ctx, store.AggregateScope{
					StationID: st.ID, Granularity: g,
				}, nil); err != nil {
					return fmt.Errorf("clear aggregates for station %s: %w", st.ID, err)
				}
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("reading range for station %s: %w", st.ID, err)
		}

		for _, g := range domain.Granularities {
			from := domain.BucketStart(first, g)
			to := domain.BucketStart(last, g).Add(g.Duration())
			rows, err := e.computeRows(ctx, st.ID, g, from, to)
			if err != nil {
				return err
			}
			// Unbounded scope: the fresh rows replace the full history.
			if err := e.store.ReplaceAggregates(ctx, store.AggregateScope{
				StationID: st.ID, Granularity: g,
			}, rows); err != nil {
				return fmt.Errorf("replace aggregates for station %s: %w", st.ID, err)
			}
			written += int64(len(rows))
		}
	}

	e.metrics.RefreshDuration.WithLabelValues("full").Observe(e.clock.Since(start).Seconds())
	e.metrics.AggregateRows.Add(float64(written))
	e.logger.Info("full refresh complete", "stations", len(stations), "rows", written)
	return nil
}

// RefreshStation recomputes one station's buckets intersecting
// [from, to) at every granularity. Operators use this after corrections.
func (e *Engine) RefreshStation(ctx context.Context, stationID string, from, to time.Time) error {
	for _, g := range domain.Granularities {
		alignedFrom := domain.BucketStart(from, g)
		alignedTo := domain.BucketStart(to.Add(-time.Nanosecond), g).Add(g.Duration())
		if _, err := e.refreshScope(ctx, stationID, g, alignedFrom, alignedTo); err != nil {
			return err
		}
	}
	return nil
}

// refreshScope recomputes the buckets of one station and granularity
// with starts in [from, to) and swaps them in.
func (e *Engine) refreshScope(ctx context.Context, stationID string, g domain.Granularity, from, to time.Time) (int64, error) {
	rows, err := e.computeRows(ctx, stationID, g, from, to)
	if err != nil {
		return 0, err
	}
	scope := store.AggregateScope{
		StationID:   stationID,
		Granularity: g,
		From:        from,
		To:          to.Add(-g.Duration()),
	}
	if err := e.store.ReplaceAggregates(ctx, scope, rows); err != nil {
		return 0, fmt.Errorf("replace aggregates for station %s: %w", stationID, err)
	}
	e.metrics.AggregateRows.Add(float64(len(rows)))
	return int64(len(rows)), nil
}

// computeRows builds the aggregate rows for buckets starting in
// [from, to), one row per quantity per non-empty bucket. Only accepted
// readings count: a fail verdict excludes a reading, an unknown does not.
func (e *Engine) computeRows(ctx context.Context, stationID string, g domain.Granularity, from, to time.Time) ([]domain.AggregateRow, error) {
	var rows []domain.AggregateRow
	for _, q := range domain.QuantityOrder {
		readings, err := e.store.AcceptedReadings(ctx, stationID, q, from, to)
		if err != nil {
			return nil, fmt.Errorf("accepted readings %s/%s: %w", stationID, q, err)
		}
		rows = append(rows, bucketize(stationID, q, g, readings)...)
	}
	return rows, nil
}

// bucketize folds time-ordered readings of one quantity into per-bucket
// summary rows.
func bucketize(stationID string, q domain.Quantity, g domain.Granularity, readings []domain.Reading) []domain.AggregateRow {
	var rows []domain.AggregateRow
	var cur *domain.AggregateRow
	var sum float64

	flush := func() {
		if cur == nil {
			return
		}
		cur.Mean = sum / float64(cur.Count)
		rows = append(rows, *cur)
		cur = nil
	}

	for _, r := range readings {
		bucket := domain.BucketStart(r.MeasuredAt, g)
		if cur == nil || !cur.BucketStart.Equal(bucket) {
			flush()
			cur = &domain.AggregateRow{
				StationID:   stationID,
				Quantity:    q,
				BucketStart: bucket,
				Granularity: g,
				Min:         r.Value,
				Max:         r.Value,
			}
			sum = 0
		}
		cur.Count++
		sum += r.Value
		if r.Value < cur.Min {
			cur.Min = r.Value
		}
		if r.Value > cur.Max {
			cur.Max = r.Value
		}
	}
	flush()
	return rows
}
