package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/urbansense/sensornet/internal/deployment"
	"github.com/urbansense/sensornet/internal/domain"
	"github.com/urbansense/sensornet/internal/observability"
	"github.com/urbansense/sensornet/internal/platform"
	"github.com/urbansense/sensornet/internal/qc"
	"github.com/urbansense/sensornet/internal/scheduler"
)

// Fetcher pulls raw observations from the IoT platform.
type Fetcher interface {
	FetchReadings(ctx context.Context, sensorID string, since, until time.Time) ([]domain.Reading, error)
}

// Resolver maps a (sensor, instant) to the station it was serving.
type Resolver interface {
	Resolve(ctx context.Context, sensorID string, at time.Time) (string, error)
}

// Store is the persistence surface the poller needs.
type Store interface {
	ActiveDeployments(ctx context.Context, at time.Time) ([]domain.Deployment, error)
	InsertReadings(ctx context.Context, readings []domain.Reading) (int64, error)
	AdvanceWatermark(ctx context.Context, id uuid.UUID, fetchedThrough time.Time) error
	MarkStalled(ctx context.Context, id uuid.UUID, reason string) error
	StalledCount(ctx context.Context) (int64, error)
}

// QCSubmitter hands a batch of new readings to the QC pipeline.
type QCSubmitter interface {
	SubmitBatch(ctx context.Context, batch qc.Batch)
}

// Poller drives ingestion. Each active deployment is an independent
// poll unit: its window runs from the watermark (or setup) to now,
// clamped to the teardown instant.
type Poller struct {
	store    Store
	fetcher  Fetcher
	resolver Resolver
	qc       QCSubmitter
	workers  *scheduler.Workers
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics
	ready    atomic.Bool
}

func NewPoller(store Store, fetcher Fetcher, resolver Resolver, submitter QCSubmitter, workers *scheduler.Workers, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Poller {
	return &Poller{
		store:    store,
		fetcher:  fetcher,
		resolver: resolver,
		qc:       submitter,
		workers:  workers,
		clock:    clock,
		logger:   logger,
		metrics:  metrics,
	}
}

// PollAll submits one poll unit per active, non-stalled deployment.
// Stalled deployments stay frozen until an operator clears them.
func (p *Poller) PollAll(ctx context.Context) error {
	now := p.clock.Now().UTC()
	deployments, err := p.store.ActiveDeployments(ctx, now)
	if err != nil {
		return fmt.Errorf("list active deployments: %w", err)
	}

	submitted := 0
	for _, dep := range deployments {
		if dep.Stalled {
			continue
		}
		dep := dep
		if p.workers.Submit(ctx, scheduler.KindPoll, "poll:"+dep.ID.String(), func(ctx context.Context) error {
			return p.PollOne(ctx, dep)
		}) {
			submitted++
		}
	}

	p.logger.Info("poll cycle submitted", "deployments", len(deployments), "units", submitted)
	p.refreshStalledGauge(ctx)
	p.ready.Store(true)
	return nil
}

// CheckReadiness reports whether at least one poll cycle has run.
func (p *Poller) CheckReadiness(ctx context.Context) error {
	if !p.ready.Load() {
		return errors.New("no poll cycle completed yet")
	}
	return nil
}

// PollOne fetches one deployment's window, attributes the readings,
// stores them, advances the watermark, and queues QC for anything new.
func (p *Poller) PollOne(ctx context.Context, dep domain.Deployment) error {
	now := p.clock.Now().UTC()

	since := dep.SetupAt
	if dep.LastFetchedAt != nil {
		since = *dep.LastFetchedAt
	}
	until := now
	if dep.TeardownAt != nil && dep.TeardownAt.Before(until) {
		until = *dep.TeardownAt
	}
	if !until.After(since) {
		return nil
	}

	readings, err := p.fetcher.FetchReadings(ctx, dep.SensorID, since, until)
	if err != nil {
		if platform.IsStall(err) {
			p.stall(ctx, dep, err)
			return nil
		}
		return fmt.Errorf("fetch readings for sensor %s: %w", dep.SensorID, err)
	}

	unattributed := 0
	for i := range readings {
		stationID, err := p.resolver.Resolve(ctx, readings[i].SensorID, readings[i].MeasuredAt)
		switch {
		case err == nil:
			readings[i].StationID = &stationID
		case errors.Is(err, deployment.ErrNoDeployment):
			unattributed++
		case errors.Is(err, deployment.ErrOverlap):
			return scheduler.Permanent(fmt.Errorf("resolve sensor %s at %s: %w",
				readings[i].SensorID, readings[i].MeasuredAt, err))
		default:
			return fmt.Errorf("resolve sensor %s: %w", readings[i].SensorID, err)
		}
	}

	inserted, err := p.store.InsertReadings(ctx, readings)
	if err != nil {
		return fmt.Errorf("insert readings: %w", err)
	}

	// The watermark is the last timestamp actually received, not the
	// window end. The platform ingests with lag, so observations can
	// still appear between the last one seen and now; an empty window
	// leaves the watermark alone and the next cycle retries it.
	// Duplicate rows from the overlap are dropped on insert.
	if last, ok := lastMeasured(readings); ok && last.After(since) {
		if err := p.store.AdvanceWatermark(ctx, dep.ID, last); err != nil {
			return fmt.Errorf("advance watermark: %w", err)
		}
	}

	p.metrics.ReadingsIngested.Add(float64(inserted))
	p.metrics.ReadingsUnattributed.Add(float64(unattributed))
	p.logger.Info("poll unit complete",
		"deployment_id", dep.ID,
		"sensor_id", dep.SensorID,
		"station_id", dep.StationID,
		"fetched", len(readings),
		"inserted", inserted,
		"unattributed", unattributed,
		"window_from", since,
		"window_to", until,
	)

	if inserted > 0 {
		p.qc.SubmitBatch(ctx, qc.Batch{
			Token:    uuid.New(),
			SensorID: dep.SensorID,
			From:     since,
			To:       until,
		})
	}
	return nil
}

func lastMeasured(readings []domain.Reading) (time.Time, bool) {
	var last time.Time
	for _, r := range readings {
		if r.MeasuredAt.After(last) {
			last = r.MeasuredAt
		}
	}
	return last, !last.IsZero()
}

func (p *Poller) stall(ctx context.Context, dep domain.Deployment, cause error) {
	reason := cause.Error()
	p.logger.Warn("stalling deployment",
		"deployment_id", dep.ID, "sensor_id", dep.SensorID, "reason", reason)
	if err := p.store.MarkStalled(ctx, dep.ID, reason); err != nil {
		p.logger.Error("mark stalled failed", "deployment_id", dep.ID, "error", err)
		return
	}
	p.refreshStalledGauge(ctx)
}

func (p *Poller) refreshStalledGauge(ctx context.Context) {
	n, err := p.store.StalledCount(ctx)
	if err != nil {
		p.logger.Warn("stalled count failed", "error", err)
		return
	}
	p.metrics.DeploymentsStalled.Set(float64(n))
}
