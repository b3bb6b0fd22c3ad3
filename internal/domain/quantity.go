package domain

import "time"

// Quantity is a physical quantity a sensor can report. The set is closed:
// the raw schema, the QC parameter table and the aggregate definitions are
// all derived from the registry below.
type Quantity string

const (
	AirTemperature        Quantity = "air_temperature"
	RelativeHumidity      Quantity = "relative_humidity"
	AtmosphericPressure   Quantity = "atmospheric_pressure"
	WindSpeed             Quantity = "wind_speed"
	WindDirection         Quantity = "wind_direction"
	PrecipitationSum      Quantity = "precipitation_sum"
	SolarRadiation        Quantity = "solar_radiation"
	BlackGlobeTemperature Quantity = "black_globe_temperature"
)

// QuantityInfo carries the per-quantity constants used by the range,
// persistence and spike checks. Ranges follow the WMO Guide to the Global
// Observing System as adapted for this network.
type QuantityInfo struct {
	// Physical plausibility range, inclusive.
	RangeMin float64
	RangeMax float64
	// A value repeating for longer than PersistenceWindow is suspicious,
	// unless it is one of PersistenceExcludes (0 precipitation is normal).
	PersistenceWindow   time.Duration
	PersistenceExcludes []float64
	// Maximum plausible change per minute; 0 disables the spike check.
	SpikeDelta float64
	// BuddyChecked quantities take part in the spatial-consistency check.
	BuddyChecked bool
	// EventLike quantities get the event-based variant instead of the plain
	// buddy check (sudden localized spikes are physically plausible).
	EventLike bool
}

// Quantities is the closed registry of everything the network measures,
// keyed by quantity, in a fixed declaration order via QuantityOrder.
var Quantities = map[Quantity]QuantityInfo{
	AirTemperature: {
		RangeMin: -40, RangeMax: 50,
		PersistenceWindow: 3 * time.Hour,
		SpikeDelta:        0.3,
		BuddyChecked:      true,
	},
	RelativeHumidity: {
		RangeMin: 10, RangeMax: 100,
		PersistenceWindow: 5 * time.Hour,
		SpikeDelta:        4,
		BuddyChecked:      true,
	},
	AtmosphericPressure: {
		RangeMin: 860, RangeMax: 1055,
		PersistenceWindow: 6 * time.Hour,
		SpikeDelta:        0.3,
		BuddyChecked:      true,
	},
	WindSpeed: {
		RangeMin: 0, RangeMax: 30,
		PersistenceWindow: 5 * time.Hour,
		SpikeDelta:        20,
	},
	WindDirection: {
		RangeMin: 0, RangeMax: 360,
		PersistenceWindow:   time.Hour,
		PersistenceExcludes: []float64{0, 360},
	},
	PrecipitationSum: {
		RangeMin: 0, RangeMax: 50,
		PersistenceWindow:   2 * time.Hour,
		PersistenceExcludes: []float64{0},
		SpikeDelta:          20,
		BuddyChecked:        true,
		EventLike:           true,
	},
	SolarRadiation: {
		RangeMin: 0, RangeMax: 1400,
		PersistenceWindow:   3 * time.Hour,
		PersistenceExcludes: []float64{0, 1, 2},
		SpikeDelta:          800,
	},
	BlackGlobeTemperature: {
		RangeMin: -40, RangeMax: 90,
		PersistenceWindow: 3 * time.Hour,
		SpikeDelta:        40,
	},
}

// QuantityOrder fixes iteration order for schema generation and QC so that
// derived artifacts are deterministic.
var QuantityOrder = []Quantity{
	AirTemperature,
	RelativeHumidity,
	AtmosphericPressure,
	WindSpeed,
	WindDirection,
	PrecipitationSum,
	SolarRadiation,
	BlackGlobeTemperature,
}

// KnownQuantity reports whether q is part of the registry.
func KnownQuantity(q Quantity) bool {
	_, ok := Quantities[q]
	return ok
}
