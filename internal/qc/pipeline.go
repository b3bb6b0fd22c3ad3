package qc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/urbansense/sensornet/internal/domain"
	"github.com/urbansense/sensornet/internal/observability"
	"github.com/urbansense/sensornet/internal/scheduler"
	"github.com/urbansense/sensornet/internal/store"
)

// Store is the persistence surface the pipeline needs.
type Store interface {
	StationByID(ctx context.Context, id string) (domain.Station, error)
	ReadingsForSensor(ctx context.Context, sensorID string, from, to time.Time) ([]domain.Reading, error)
	ReadingsForStation(ctx context.Context, stationID string, q domain.Quantity, from, to time.Time) ([]domain.Reading, error)
	LastReadingBefore(ctx context.Context, sensorID string, q domain.Quantity, t time.Time) (domain.Reading, error)
	UpsertFlags(ctx context.Context, flags []domain.Flag) error
}

// SpatialScores carries the spatial-check verdicts for one reading.
type SpatialScores struct {
	Isolation  domain.Verdict
	Buddy      domain.Verdict
	BuddyEvent domain.Verdict
}

// Scorer runs the spatial checks for a single reading.
type Scorer interface {
	Score(ctx context.Context, r domain.Reading) (SpatialScores, error)
}

// FailureEvent describes one fail verdict for downstream consumers.
type FailureEvent struct {
	ReadingID  uint64          `json:"reading_id"`
	SensorID   string          `json:"sensor_id"`
	StationID  *string         `json:"station_id,omitempty"`
	Quantity   domain.Quantity `json:"quantity"`
	MeasuredAt time.Time       `json:"measured_at"`
	Value      float64         `json:"value"`
	Kind       domain.FlagKind `json:"kind"`
	CheckedAt  time.Time       `json:"checked_at"`
}

// FailurePublisher pushes failure events to an external sink. A nil
// publisher disables publishing.
type FailurePublisher interface {
	PublishFailure(ctx context.Context, ev FailureEvent) error
}

// Pipeline runs every check against every reading of a batch and
// attaches one flag per (reading, check). Checks never short-circuit:
// a reading that fails the range check still gets a persistence and a
// spike verdict, so operators see the full picture.
type Pipeline struct {
	store     Store
	scorer    Scorer
	publisher FailurePublisher
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *observability.Metrics
}

func NewPipeline(st Store, scorer Scorer, publisher FailurePublisher, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Pipeline {
	return &Pipeline{
		store:     st,
		scorer:    scorer,
		publisher: publisher,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
	}
}

// RunBatch checks every reading in the batch window. Reruns are
// harmless: verdicts overwrite on (reading, kind).
func (p *Pipeline) RunBatch(ctx context.Context, b Batch) error {
	start := p.clock.Now()

	readings, err := p.store.ReadingsForSensor(ctx, b.SensorID, b.From, b.To)
	if err != nil {
		return fmt.Errorf("load batch readings: %w", err)
	}
	if err := p.checkReadings(ctx, readings); err != nil {
		return err
	}

	p.metrics.QCBatchDuration.Observe(p.clock.Since(start).Seconds())
	p.logger.Info("qc batch complete",
		"token", b.Token, "sensor_id", b.SensorID, "readings", len(readings))
	return nil
}

// RunStation re-checks one station's readings of every quantity in
// [from, to). Operators trigger this after correcting records.
func (p *Pipeline) RunStation(ctx context.Context, stationID string, from, to time.Time) (int, error) {
	total := 0
	for _, q := range domain.QuantityOrder {
		readings, err := p.store.ReadingsForStation(ctx, stationID, q, from, to)
		if err != nil {
			return total, fmt.Errorf("load station readings: %w", err)
		}
		if err := p.checkReadings(ctx, readings); err != nil {
			return total, err
		}
		total += len(readings)
	}
	p.logger.Info("qc station rerun complete",
		"station_id", stationID, "from", from, "to", to, "readings", total)
	return total, nil
}

func (p *Pipeline) checkReadings(ctx context.Context, readings []domain.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	flags := make([]domain.Flag, 0, len(readings)*len(domain.FlagKinds))
	var failures []FailureEvent

	for _, r := range readings {
		checked, err := p.checkOne(ctx, r)
		if err != nil {
			return err
		}
		for _, f := range checked {
			p.metrics.QCVerdicts.WithLabelValues(string(f.Kind), string(f.Verdict)).Inc()
			if f.Verdict == domain.VerdictFail {
				failures = append(failures, FailureEvent{
					ReadingID:  r.ID,
					SensorID:   r.SensorID,
					StationID:  r.StationID,
					Quantity:   r.Quantity,
					MeasuredAt: r.MeasuredAt,
					Value:      r.Value,
					Kind:       f.Kind,
					CheckedAt:  f.CheckedAt,
				})
			}
		}
		flags = append(flags, checked...)
	}

	if err := p.store.UpsertFlags(ctx, flags); err != nil {
		return fmt.Errorf("upsert flags: %w", err)
	}

	p.publishFailures(ctx, failures)
	return nil
}

func (p *Pipeline) checkOne(ctx context.Context, r domain.Reading) ([]domain.Flag, error) {
	now := p.clock.Now().UTC()
	info := domain.Quantities[r.Quantity]

	verdicts := map[domain.FlagKind]domain.Verdict{
		domain.FlagRange: rangeCheck(info, r.Value),
	}

	metadata, err := p.metadataVerdict(ctx, r)
	if err != nil {
		return nil, err
	}
	verdicts[domain.FlagMetadata] = metadata

	history, err := p.persistenceHistory(ctx, r, info)
	if err != nil {
		return nil, err
	}
	verdicts[domain.FlagPersistence] = persistenceCheck(info, r, history)

	prev, err := p.previous(ctx, r)
	if err != nil {
		return nil, err
	}
	verdicts[domain.FlagSpike] = spikeCheck(info, r, prev)

	spatial := SpatialScores{
		Isolation:  domain.VerdictUnknown,
		Buddy:      domain.VerdictUnknown,
		BuddyEvent: domain.VerdictUnknown,
	}
	if p.scorer != nil && r.Attributed() && info.BuddyChecked {
		spatial, err = p.scorer.Score(ctx, r)
		if err != nil {
			return nil, fmt.Errorf("spatial score reading %d: %w", r.ID, err)
		}
	}
	verdicts[domain.FlagIsolation] = spatial.Isolation
	verdicts[domain.FlagBuddy] = spatial.Buddy
	verdicts[domain.FlagBuddyEvent] = spatial.BuddyEvent

	flags := make([]domain.Flag, 0, len(domain.FlagKinds))
	for _, kind := range domain.FlagKinds {
		flags = append(flags, domain.Flag{
			ReadingID: r.ID,
			Kind:      kind,
			Verdict:   verdicts[kind],
			CheckedAt: now,
		})
	}
	return flags, nil
}

// metadataVerdict validates the attributed station's own record. An
// unattributed reading has no station to validate, so the verdict is
// unknown rather than a fail; attribution to a station that no longer
// exists is itself metadata corruption.
func (p *Pipeline) metadataVerdict(ctx context.Context, r domain.Reading) (domain.Verdict, error) {
	if !r.Attributed() {
		return domain.VerdictUnknown, nil
	}
	st, err := p.store.StationByID(ctx, *r.StationID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.VerdictFail, nil
	}
	if err != nil {
		return domain.VerdictUnknown, fmt.Errorf("load station %s: %w", *r.StationID, err)
	}
	return metadataCheck(st), nil
}

// persistenceHistory looks back twice the persistence window so a
// constant run covering the whole window is observable.
func (p *Pipeline) persistenceHistory(ctx context.Context, r domain.Reading, info domain.QuantityInfo) ([]domain.Reading, error) {
	from := r.MeasuredAt.Add(-2 * info.PersistenceWindow)
	all, err := p.store.ReadingsForSensor(ctx, r.SensorID, from, r.MeasuredAt)
	if err != nil {
		return nil, fmt.Errorf("load persistence history: %w", err)
	}
	history := all[:0]
	for _, h := range all {
		if h.Quantity == r.Quantity {
			history = append(history, h)
		}
	}
	return history, nil
}

func (p *Pipeline) previous(ctx context.Context, r domain.Reading) (*domain.Reading, error) {
	prev, err := p.store.LastReadingBefore(ctx, r.SensorID, r.Quantity, r.MeasuredAt)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load previous reading: %w", err)
	}
	return &prev, nil
}

func (p *Pipeline) publishFailures(ctx context.Context, failures []FailureEvent) {
	if p.publisher == nil || len(failures) == 0 {
		return
	}
	for _, ev := range failures {
		if err := p.publisher.PublishFailure(ctx, ev); err != nil {
			// Publishing is best effort; the flags are already durable.
			p.logger.Warn("publish failure event",
				"reading_id", ev.ReadingID, "kind", ev.Kind, "error", err)
			continue
		}
		p.metrics.FailureEventsPublished.Inc()
	}
}

// Submitter queues batches on the QC worker pool.
type Submitter struct {
	pipeline *Pipeline
	workers  *scheduler.Workers
}

func NewSubmitter(pipeline *Pipeline, workers *scheduler.Workers) *Submitter {
	return &Submitter{pipeline: pipeline, workers: workers}
}

// SubmitBatch schedules the batch asynchronously. The window-derived
// key means a redelivered batch over the same readings does not run
// twice concurrently.
func (s *Submitter) SubmitBatch(ctx context.Context, b Batch) {
	s.workers.Submit(ctx, scheduler.KindQC, b.Key(), func(ctx context.Context) error {
		return s.pipeline.RunBatch(ctx, b)
	})
}
