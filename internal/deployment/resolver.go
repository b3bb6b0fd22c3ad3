// Package deployment answers "which sensor fed which station at time T" and
// hosts the operator actions that mutate deployment records. The pipeline
// itself never edits deployments; it only reads them.
package deployment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urbansense/sensornet/internal/domain"
)

var (
	// ErrNoDeployment means no deployment interval for the sensor contains
	// the timestamp. Usually late or early data near a sensor swap, not a
	// fault.
	ErrNoDeployment = errors.New("no deployment covers timestamp")

	// ErrOverlap means two deployment intervals for the same sensor contain
	// the timestamp. This is a data-entry error; the resolver refuses to
	// pick a winner because either choice could attribute measurements to
	// the wrong station.
	ErrOverlap = errors.New("overlapping deployments")
)

// Store is the slice of persistence the resolver needs.
type Store interface {
	DeploymentsForSensor(ctx context.Context, sensorID string) ([]domain.Deployment, error)
	DeploymentsForStation(ctx context.Context, stationID string) ([]domain.Deployment, error)
}

// Resolver resolves sensor observations to stations through deployments.
type Resolver struct {
	store Store
}

// NewResolver creates a Resolver over the given store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the station the sensor fed at the given instant.
// Fails with ErrNoDeployment or ErrOverlap; never guesses.
func (r *Resolver) Resolve(ctx context.Context, sensorID string, at time.Time) (string, error) {
	deps, err := r.store.DeploymentsForSensor(ctx, sensorID)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", sensorID, err)
	}

	var matches []domain.Deployment
	for _, d := range deps {
		if d.Active(at) {
			matches = append(matches, d)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("sensor %s at %s: %w", sensorID, at.Format(time.RFC3339), ErrNoDeployment)
	case 1:
		return matches[0].StationID, nil
	default:
		return "", fmt.Errorf("sensor %s at %s: %w", sensorID, at.Format(time.RFC3339), ErrOverlap)
	}
}

// ActiveSensors is the reverse query: all sensors deployed at a station at
// the given instant. A station can host several sensors concurrently, e.g.
// an ATM41 next to a black-globe sensor.
func (r *Resolver) ActiveSensors(ctx context.Context, stationID string, at time.Time) ([]string, error) {
	deps, err := r.store.DeploymentsForStation(ctx, stationID)
	if err != nil {
		return nil, fmt.Errorf("active sensors %s: %w", stationID, err)
	}
	var sensors []string
	for _, d := range deps {
		if d.Active(at) {
			sensors = append(sensors, d.SensorID)
		}
	}
	return sensors, nil
}
