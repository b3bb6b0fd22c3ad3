// Package buddy implements the spatial-consistency checks: a station's
// reading is compared against the readings of its geographic neighbors
// at the same instant.
package buddy

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/urbansense/sensornet/internal/domain"
	"github.com/urbansense/sensornet/internal/qc"
)

// Store is the persistence surface the scorer needs.
type Store interface {
	Stations(ctx context.Context) ([]domain.Station, error)
	ReadingsInWindow(ctx context.Context, q domain.Quantity, from, to time.Time) ([]domain.Reading, error)
}

// Scorer implements qc.Scorer against the live station registry.
type Scorer struct {
	store  Store
	params qc.Params
	logger *slog.Logger
}

func NewScorer(store Store, params qc.Params, logger *slog.Logger) *Scorer {
	return &Scorer{store: store, params: params, logger: logger}
}

// Score runs the isolation check and, depending on the quantity, either
// the buddy or the buddy-event check. Isolation never fails a reading:
// an isolated station simply has no basis for a spatial verdict.
func (s *Scorer) Score(ctx context.Context, r domain.Reading) (qc.SpatialScores, error) {
	scores := qc.SpatialScores{
		Isolation:  domain.VerdictUnknown,
		Buddy:      domain.VerdictUnknown,
		BuddyEvent: domain.VerdictUnknown,
	}
	bp, ok := s.params.Buddy[r.Quantity]
	if !ok || !r.Attributed() {
		return scores, nil
	}

	stations, err := s.store.Stations(ctx)
	if err != nil {
		return scores, err
	}
	var target *domain.Station
	byID := make(map[string]domain.Station, len(stations))
	for _, st := range stations {
		byID[st.ID] = st
		if st.ID == *r.StationID {
			t := st
			target = &t
		}
	}
	if target == nil {
		s.logger.Warn("reading attributed to unknown station",
			"reading_id", r.ID, "station_id", *r.StationID)
		return scores, nil
	}

	neighborIDs := make(map[string]domain.Station)
	for _, st := range stations {
		if st.ID == target.ID {
			continue
		}
		if haversineMeters(target.Latitude, target.Longitude, st.Latitude, st.Longitude) > bp.RadiusMeters {
			continue
		}
		if bp.MaxElevDiff > 0 && math.Abs(st.Elevation-target.Elevation) > bp.MaxElevDiff {
			continue
		}
		neighborIDs[st.ID] = st
	}
	if len(neighborIDs) < bp.NumMin {
		return scores, nil
	}

	values, err := s.neighborValues(ctx, r, bp, target, neighborIDs)
	if err != nil {
		return scores, err
	}
	if len(values) < bp.NumMin {
		return scores, nil
	}
	scores.Isolation = domain.VerdictPass

	if domain.Quantities[r.Quantity].EventLike {
		scores.BuddyEvent = eventCheck(bp, r.Value, values)
	} else {
		scores.Buddy = buddyCheck(bp, r.Value, values)
	}
	return scores, nil
}

// neighborValues collects one value per neighbor station: the reading
// closest in time to the target instant within the neighbor window,
// corrected for elevation difference.
func (s *Scorer) neighborValues(ctx context.Context, r domain.Reading, bp qc.BuddyParams, target *domain.Station, neighbors map[string]domain.Station) ([]float64, error) {
	from := r.MeasuredAt.Add(-s.params.NeighborWindow)
	to := r.MeasuredAt.Add(s.params.NeighborWindow)
	readings, err := s.store.ReadingsInWindow(ctx, r.Quantity, from, to)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		value float64
		gap   time.Duration
	}
	best := make(map[string]candidate)
	for _, nr := range readings {
		st, ok := neighbors[*nr.StationID]
		if !ok {
			continue
		}
		gap := nr.MeasuredAt.Sub(r.MeasuredAt)
		if gap < 0 {
			gap = -gap
		}
		prev, seen := best[st.ID]
		if seen && prev.gap <= gap {
			continue
		}
		corrected := nr.Value + bp.ElevGradient*(target.Elevation-st.Elevation)
		best[st.ID] = candidate{value: corrected, gap: gap}
	}

	values := make([]float64, 0, len(best))
	for _, c := range best {
		values = append(values, c.value)
	}
	return values, nil
}

// buddyCheck compares the value against the neighborhood mean after
// iteratively trimming neighbor outliers, in the manner of titanlib's
// buddy check.
func buddyCheck(bp qc.BuddyParams, value float64, values []float64) domain.Verdict {
	vals := append([]float64(nil), values...)
	for iter := 0; iter < bp.NumIterations; iter++ {
		mean, std := meanStd(vals)
		std = math.Max(std, bp.MinStd)
		trimmed := vals[:0:0]
		for _, v := range vals {
			if math.Abs(v-mean) <= bp.Threshold*std {
				trimmed = append(trimmed, v)
			}
		}
		if len(trimmed) == len(vals) || len(trimmed) < bp.NumMin {
			break
		}
		vals = trimmed
	}

	mean, std := meanStd(vals)
	std = math.Max(std, bp.MinStd)
	if math.Abs(value-mean) > bp.Threshold*std {
		return domain.VerdictFail
	}
	return domain.VerdictPass
}

// eventCheck is the variant for event-like quantities. A localized
// downpour makes a high value plausible at one station and not its
// neighbors, so values at or below EventThreshold above the
// neighborhood median are no event and pass outright; detected events
// go through the same trimmed buddy comparison as everything else.
func eventCheck(bp qc.BuddyParams, value float64, values []float64) domain.Verdict {
	if value-median(values) <= bp.EventThreshold {
		return domain.VerdictPass
	}
	return buddyCheck(bp, value, values)
}

func meanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(values)))
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

const earthRadiusMeters = 6371000

// haversineMeters returns the great-circle distance between two points.
func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const rad = math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
