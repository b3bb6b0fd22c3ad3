package qc

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/urbansense/sensornet/internal/domain"
)

// BuddyParams tunes the spatial-consistency check for one quantity.
type BuddyParams struct {
	// RadiusMeters bounds the neighbor search around a station.
	RadiusMeters float64 `yaml:"radius_meters"`
	// NumMin is the minimum neighbor count; below it the station counts
	// as isolated and the spatial checks return unknown.
	NumMin int `yaml:"num_min"`
	// Threshold is the allowed deviation in neighborhood standard
	// deviations.
	Threshold float64 `yaml:"threshold"`
	// MaxElevDiff excludes neighbors more than this many meters above or
	// below the station; 0 disables the cut.
	MaxElevDiff float64 `yaml:"max_elev_diff"`
	// ElevGradient corrects neighbor values for elevation difference,
	// in quantity units per meter.
	ElevGradient float64 `yaml:"elev_gradient"`
	// MinStd is the floor for the neighborhood standard deviation, so a
	// suspiciously uniform neighborhood does not flag tiny deviations.
	MinStd float64 `yaml:"min_std"`
	// NumIterations bounds the outlier-trimming loop over the
	// neighborhood before the final test.
	NumIterations int `yaml:"num_iterations"`
	// EventThreshold gates the event variant: a value no more than this
	// far above the neighborhood median is not an event and passes
	// without the buddy comparison. Only meaningful for event-like
	// quantities.
	EventThreshold float64 `yaml:"event_threshold"`
}

// Params holds the tunable QC parameters. The per-quantity physical
// constants (ranges, persistence windows, spike deltas) live in the
// quantity registry; only the spatial checks are operator-tunable.
type Params struct {
	// NeighborWindow is the tolerance when pairing neighbor readings
	// with a target instant.
	NeighborWindow time.Duration `yaml:"neighbor_window"`

	Buddy map[domain.Quantity]BuddyParams `yaml:"buddy"`
}

// DefaultParams returns the production parameter set.
func DefaultParams() Params {
	return Params{
		NeighborWindow: 10 * time.Minute,
		Buddy: map[domain.Quantity]BuddyParams{
			domain.AirTemperature: {
				RadiusMeters: 5500, NumMin: 3, Threshold: 2.7,
				MaxElevDiff: 100, ElevGradient: -0.0065,
				MinStd: 2, NumIterations: 5,
			},
			domain.RelativeHumidity: {
				RadiusMeters: 5500, NumMin: 3, Threshold: 3,
				MaxElevDiff: 100,
				MinStd: 5, NumIterations: 5,
			},
			domain.AtmosphericPressure: {
				RadiusMeters: 8000, NumMin: 3, Threshold: 3,
				MaxElevDiff: 300, ElevGradient: -0.12,
				MinStd: 1, NumIterations: 5,
			},
			domain.PrecipitationSum: {
				RadiusMeters: 5500, NumMin: 3, Threshold: 3,
				MinStd: 1, NumIterations: 2, EventThreshold: 3,
			},
		},
	}
}

// LoadParams reads a YAML parameter file and merges it over the
// defaults. An empty path returns the defaults unchanged.
func LoadParams(path string) (Params, error) {
	params := DefaultParams()
	if path == "" {
		return params, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Params{}, fmt.Errorf("read QC params: %w", err)
	}

	var override struct {
		NeighborWindow string                          `yaml:"neighbor_window"`
		Buddy          map[domain.Quantity]BuddyParams `yaml:"buddy"`
	}
	if err := yaml.Unmarshal(data, &override); err != nil {
		return Params{}, fmt.Errorf("parse QC params %s: %w", path, err)
	}

	if override.NeighborWindow != "" {
		d, err := time.ParseDuration(override.NeighborWindow)
		if err != nil {
			return Params{}, fmt.Errorf("QC params %s: neighbor_window: %w", path, err)
		}
		params.NeighborWindow = d
	}
	for q, bp := range override.Buddy {
		if !domain.KnownQuantity(q) {
			return Params{}, fmt.Errorf("QC params %s: unknown quantity %q", path, q)
		}
		if !domain.Quantities[q].BuddyChecked {
			return Params{}, fmt.Errorf("QC params %s: quantity %q is not buddy-checked", path, q)
		}
		params.Buddy[q] = bp
	}
	if err := params.Validate(); err != nil {
		return Params{}, fmt.Errorf("QC params %s: %w", path, err)
	}
	return params, nil
}

// Validate checks internal consistency of the parameter set.
func (p Params) Validate() error {
	if p.NeighborWindow <= 0 {
		return fmt.Errorf("neighbor_window must be positive")
	}
	for q, bp := range p.Buddy {
		if bp.RadiusMeters <= 0 {
			return fmt.Errorf("buddy %s: radius_meters must be positive", q)
		}
		if bp.NumMin < 1 {
			return fmt.Errorf("buddy %s: num_min must be at least 1", q)
		}
		if bp.Threshold <= 0 {
			return fmt.Errorf("buddy %s: threshold must be positive", q)
		}
		if bp.NumIterations < 1 {
			return fmt.Errorf("buddy %s: num_iterations must be at least 1", q)
		}
		if domain.Quantities[q].EventLike && bp.EventThreshold <= 0 {
			return fmt.Errorf("buddy %s: event_threshold must be positive", q)
		}
	}
	return nil
}
