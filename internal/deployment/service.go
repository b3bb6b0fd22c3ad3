package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/urbansense/sensornet/internal/domain"
	"github.com/urbansense/sensornet/internal/store"
)

var (
	// ErrInvalidInterval covers malformed operator input (teardown before
	// setup, unknown sensor or station).
	ErrInvalidInterval = errors.New("invalid deployment interval")

	// ErrAlreadyTerminated means the deployment already has a teardown time.
	ErrAlreadyTerminated = errors.New("deployment already terminated")

	// ErrTeardownBeforeData means the requested teardown predates readings
	// already ingested for the sensor. Accepting it would strand ingested
	// data outside every deployment, so the request is rejected and left to
	// the operator.
	ErrTeardownBeforeData = errors.New("teardown predates ingested readings")
)

// ServiceStore is the persistence surface of the operator actions.
type ServiceStore interface {
	Store
	SensorByID(ctx context.Context, id string) (domain.Sensor, error)
	StationByID(ctx context.Context, id string) (domain.Station, error)
	DeploymentByID(ctx context.Context, id uuid.UUID) (domain.Deployment, error)
	CreateDeployment(ctx context.Context, d *domain.Deployment) error
	SaveDeployment(ctx context.Context, d *domain.Deployment) error
	ClearStalled(ctx context.Context, id uuid.UUID) error
	LastReadingTime(ctx context.Context, sensorID string) (time.Time, error)
}

// Service implements the operator surface: create and terminate deployments.
type Service struct {
	store  ServiceStore
	logger *slog.Logger
}

// NewService creates the deployment operator service.
func NewService(store ServiceStore, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Create records a new deployment of a sensor at a station. The new interval
// must not overlap any existing deployment of the same sensor.
func (s *Service) Create(ctx context.Context, sensorID, stationID string, setupAt time.Time, teardownAt *time.Time) (domain.Deployment, error) {
	if teardownAt != nil && !teardownAt.After(setupAt) {
		return domain.Deployment{}, fmt.Errorf("teardown %s not after setup %s: %w",
			teardownAt.Format(time.RFC3339), setupAt.Format(time.RFC3339), ErrInvalidInterval)
	}
	if _, err := s.store.SensorByID(ctx, sensorID); err != nil {
		return domain.Deployment{}, fmt.Errorf("create deployment: %w", err)
	}
	if _, err := s.store.StationByID(ctx, stationID); err != nil {
		return domain.Deployment{}, fmt.Errorf("create deployment: %w", err)
	}

	candidate := domain.Deployment{
		ID:         uuid.New(),
		SensorID:   sensorID,
		StationID:  stationID,
		SetupAt:    setupAt.UTC(),
		TeardownAt: teardownAt,
	}

	existing, err := s.store.DeploymentsForSensor(ctx, sensorID)
	if err != nil {
		return domain.Deployment{}, fmt.Errorf("create deployment: %w", err)
	}
	for _, d := range existing {
		if candidate.Overlaps(d) {
			return domain.Deployment{}, fmt.Errorf("sensor %s already deployed at %s from %s: %w",
				sensorID, d.StationID, d.SetupAt.Format(time.RFC3339), ErrOverlap)
		}
	}

	if err := s.store.CreateDeployment(ctx, &candidate); err != nil {
		return domain.Deployment{}, fmt.Errorf("create deployment: %w", err)
	}
	s.logger.Info("deployment created",
		"deployment_id", candidate.ID,
		"sensor_id", sensorID,
		"station_id", stationID,
		"setup_at", candidate.SetupAt,
	)
	return candidate, nil
}

// Terminate closes an open deployment at teardownAt. The teardown must not
// predate readings already ingested for the sensor; that situation is a
// configuration-integrity problem the operator has to resolve, not one the
// pipeline papers over.
func (s *Service) Terminate(ctx context.Context, id uuid.UUID, teardownAt time.Time) (domain.Deployment, error) {
	d, err := s.store.DeploymentByID(ctx, id)
	if err != nil {
		return domain.Deployment{}, fmt.Errorf("terminate deployment: %w", err)
	}
	if d.TeardownAt != nil {
		return domain.Deployment{}, fmt.Errorf("deployment %s: %w", id, ErrAlreadyTerminated)
	}
	if !teardownAt.After(d.SetupAt) {
		return domain.Deployment{}, fmt.Errorf("teardown %s not after setup %s: %w",
			teardownAt.Format(time.RFC3339), d.SetupAt.Format(time.RFC3339), ErrInvalidInterval)
	}

	last, err := s.store.LastReadingTime(ctx, d.SensorID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// No readings yet, nothing to guard.
	case err != nil:
		return domain.Deployment{}, fmt.Errorf("terminate deployment: %w", err)
	case last.After(teardownAt):
		return domain.Deployment{}, fmt.Errorf("deployment %s has readings until %s: %w",
			id, last.Format(time.RFC3339), ErrTeardownBeforeData)
	}

	teardownAt = teardownAt.UTC()
	d.TeardownAt = &teardownAt
	if err := s.store.SaveDeployment(ctx, &d); err != nil {
		return domain.Deployment{}, fmt.Errorf("terminate deployment: %w", err)
	}
	// A stall caused by a mis-terminated deployment is resolved by fixing
	// the record, so lift it here.
	if d.Stalled {
		if err := s.store.ClearStalled(ctx, d.ID); err != nil {
			return domain.Deployment{}, fmt.Errorf("terminate deployment: %w", err)
		}
	}
	s.logger.Info("deployment terminated",
		"deployment_id", d.ID,
		"sensor_id", d.SensorID,
		"teardown_at", teardownAt,
	)
	return d, nil
}
