package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/urbansense/sensornet/internal/domain"
)

// CreateDeployment inserts a deployment record. Interval validation lives in
// the deployment service; the store only persists.
func (s *Store) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	return s.db.WithContext(ctx).Create(d).Error
}

// SaveDeployment persists changes to an existing deployment.
func (s *Store) SaveDeployment(ctx context.Context, d *domain.Deployment) error {
	return s.db.WithContext(ctx).Save(d).Error
}

// DeploymentByID looks up a deployment.
func (s *Store) DeploymentByID(ctx context.Context, id uuid.UUID) (domain.Deployment, error) {
	var d domain.Deployment
	err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Deployment{}, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	return d, err
}

// DeploymentsForSensor returns all deployments of a sensor, oldest first.
func (s *Store) DeploymentsForSensor(ctx context.Context, sensorID string) ([]domain.Deployment, error) {
	var deps []domain.Deployment
	err := s.db.WithContext(ctx).
		Where("sensor_id = ?", sensorID).
		Order("setup_at").
		Find(&deps).Error
	return deps, err
}

// DeploymentsForStation returns all deployments at a station, oldest first.
func (s *Store) DeploymentsForStation(ctx context.Context, stationID string) ([]domain.Deployment, error) {
	var deps []domain.Deployment
	err := s.db.WithContext(ctx).
		Where("station_id = ?", stationID).
		Order("setup_at").
		Find(&deps).Error
	return deps, err
}

// ActiveDeployments returns every deployment whose interval contains at.
func (s *Store) ActiveDeployments(ctx context.Context, at time.Time) ([]domain.Deployment, error) {
	var deps []domain.Deployment
	err := s.db.WithContext(ctx).
		Where("setup_at <= ? AND (teardown_at IS NULL OR teardown_at > ?)", at, at).
		Order("station_id, sensor_id").
		Find(&deps).Error
	return deps, err
}

// AdvanceWatermark moves a deployment's watermark forward to ts. The guard
// keeps the watermark monotonic: a stale or concurrent writer with an older
// timestamp is a no-op.
func (s *Store) AdvanceWatermark(ctx context.Context, id uuid.UUID, ts time.Time) error {
	return s.db.WithContext(ctx).Model(&domain.Deployment{}).
		Where("id = ? AND (last_fetched_at IS NULL OR last_fetched_at < ?)", id, ts).
		Update("last_fetched_at", ts).Error
}

// MarkStalled freezes a deployment's ingestion until operator action.
func (s *Store) MarkStalled(ctx context.Context, id uuid.UUID, reason string) error {
	return s.db.WithContext(ctx).Model(&domain.Deployment{}).
		Where("id = ?", id).
		Updates(map[string]any{"stalled": true, "stall_reason": reason}).Error
}

// ClearStalled lifts a stall after the operator corrected the records.
func (s *Store) ClearStalled(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Model(&domain.Deployment{}).
		Where("id = ?", id).
		Updates(map[string]any{"stalled": false, "stall_reason": ""}).Error
}

// StalledCount returns the number of stalled deployments.
func (s *Store) StalledCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&domain.Deployment{}).
		Where("stalled = ?", true).Count(&n).Error
	return n, err
}
