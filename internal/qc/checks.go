package qc

import (
	"github.com/urbansense/sensornet/internal/domain"
)

// metadataCheck validates the station record itself. Corrupt station
// metadata poisons every spatial comparison, so it gets its own verdict
// independent of the reading's value.
func metadataCheck(st domain.Station) domain.Verdict {
	if st.Latitude < -90 || st.Latitude > 90 {
		return domain.VerdictFail
	}
	if st.Longitude < -180 || st.Longitude > 180 {
		return domain.VerdictFail
	}
	// Dead Sea shore to Everest.
	if st.Elevation < -430 || st.Elevation > 8850 {
		return domain.VerdictFail
	}
	if st.LandCoverFactor < 0 || st.LandCoverFactor > 1 {
		return domain.VerdictFail
	}
	return domain.VerdictPass
}

// rangeCheck tests physical plausibility against the registry bounds.
func rangeCheck(info domain.QuantityInfo, value float64) domain.Verdict {
	if value < info.RangeMin || value > info.RangeMax {
		return domain.VerdictFail
	}
	return domain.VerdictPass
}

// persistenceCheck flags a sensor stuck at a constant value: fail when the
// run of identical values ending at the reading under test spans at least
// the persistence window. history holds the sensor's same-quantity readings
// over twice the window up to and including the reading, time-ordered.
func persistenceCheck(info domain.QuantityInfo, r domain.Reading, history []domain.Reading) domain.Verdict {
	for _, ex := range info.PersistenceExcludes {
		if r.Value == ex {
			return domain.VerdictPass
		}
	}
	if len(history) < 2 {
		return domain.VerdictUnknown
	}
	runStart := r.MeasuredAt
	varied := false
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Value != r.Value {
			varied = true
			break
		}
		runStart = history[i].MeasuredAt
	}
	if r.MeasuredAt.Sub(runStart) >= info.PersistenceWindow {
		return domain.VerdictFail
	}
	if varied {
		return domain.VerdictPass
	}
	// Constant over everything observed, but for less than the window.
	// Not enough lookback to tell a stuck sensor from a new one.
	return domain.VerdictUnknown
}

// spikeCheck tests the rate of change against the previous observation.
// SpikeDelta is expressed per minute.
func spikeCheck(info domain.QuantityInfo, r domain.Reading, prev *domain.Reading) domain.Verdict {
	if info.SpikeDelta == 0 || prev == nil {
		return domain.VerdictUnknown
	}
	minutes := r.MeasuredAt.Sub(prev.MeasuredAt).Minutes()
	if minutes <= 0 {
		return domain.VerdictUnknown
	}
	// A long gap makes any delta plausible.
	if minutes > 120 {
		return domain.VerdictUnknown
	}
	delta := r.Value - prev.Value
	if delta < 0 {
		delta = -delta
	}
	if delta/minutes > info.SpikeDelta {
		return domain.VerdictFail
	}
	return domain.VerdictPass
}
