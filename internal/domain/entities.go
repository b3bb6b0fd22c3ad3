package domain

import (
	"time"

	"github.com/google/uuid"
)

// SensorType identifies the physical device model.
type SensorType string

const (
	SensorATM41 SensorType = "atm41" // all-in-one weather sensor
	SensorSHT35 SensorType = "sht35" // temperature / relative humidity
	SensorBLG   SensorType = "blg"   // black globe
)

// Capabilities returns the quantities a sensor of this type reports.
func (t SensorType) Capabilities() []Quantity {
	switch t {
	case SensorATM41:
		return []Quantity{
			AirTemperature, RelativeHumidity, AtmosphericPressure,
			WindSpeed, WindDirection, PrecipitationSum, SolarRadiation,
		}
	case SensorSHT35:
		return []Quantity{AirTemperature, RelativeHumidity}
	case SensorBLG:
		return []Quantity{BlackGlobeTemperature}
	default:
		return nil
	}
}

// Station is the immutable geographic identity of a measurement site.
// Stations are created by operator action and never deleted; a station with
// no open deployment is implicitly inactive.
type Station struct {
	ID              string  `gorm:"primaryKey" json:"id"`
	Name            string  `json:"name"`
	Latitude        float64 `json:"latitude"`
	Longitude       float64 `json:"longitude"`
	Elevation       float64 `json:"elevation"`
	LandCoverFactor float64 `json:"land_cover_factor"`
}

// Sensor is a physical device, independent of any station.
type Sensor struct {
	ID   string     `gorm:"primaryKey" json:"id"`
	Type SensorType `gorm:"column:sensor_type" json:"type"`
}

// Deployment binds a sensor to a station for [SetupAt, TeardownAt).
// TeardownAt == nil means currently active. Deployments are mutated only by
// operator action; the pipeline itself never edits them.
//
// LastFetchedAt is the ingestion watermark: the newest reading timestamp
// already pulled from the platform for this deployment. It only moves
// forward. Stalled marks a deployment the poller refuses to advance because
// the platform rejected the fetch (data deleted or the deployment was
// mis-terminated); it stays set until an operator corrects the records.
type Deployment struct {
	ID            uuid.UUID  `gorm:"primaryKey;type:uuid" json:"id"`
	SensorID      string     `gorm:"index" json:"sensor_id"`
	StationID     string     `gorm:"index" json:"station_id"`
	SetupAt       time.Time  `json:"setup_at"`
	TeardownAt    *time.Time `json:"teardown_at,omitempty"`
	LastFetchedAt *time.Time `json:"last_fetched_at,omitempty"`
	Stalled       bool       `json:"stalled"`
	StallReason   string     `json:"stall_reason,omitempty"`
}

// Active reports whether the deployment interval contains at.
func (d Deployment) Active(at time.Time) bool {
	if at.Before(d.SetupAt) {
		return false
	}
	return d.TeardownAt == nil || at.Before(*d.TeardownAt)
}

// Overlaps reports whether two deployment intervals intersect.
// Half-open semantics: back-to-back deployments sharing a boundary instant
// do not overlap.
func (d Deployment) Overlaps(other Deployment) bool {
	dEnd := d.TeardownAt
	oEnd := other.TeardownAt
	if dEnd != nil && !other.SetupAt.Before(*dEnd) {
		return false
	}
	if oEnd != nil && !d.SetupAt.Before(*oEnd) {
		return false
	}
	return true
}

// Reading is one timestamped observation of one quantity from one sensor.
// StationID is nil for unattributed readings (no deployment covered the
// timestamp when it was ingested). Unattributed readings are kept queryable;
// nothing is silently dropped.
type Reading struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SensorID   string    `gorm:"uniqueIndex:ux_readings_obs" json:"sensor_id"`
	StationID  *string   `gorm:"index" json:"station_id,omitempty"`
	Quantity   Quantity  `gorm:"uniqueIndex:ux_readings_obs" json:"quantity"`
	MeasuredAt time.Time `gorm:"uniqueIndex:ux_readings_obs;index" json:"measured_at"`
	Value      float64   `json:"value"`
}

// Attributed reports whether the reading resolved to a station.
func (r Reading) Attributed() bool { return r.StationID != nil }

// FlagKind names one quality-control check.
type FlagKind string

const (
	FlagMetadata    FlagKind = "metadata"
	FlagRange       FlagKind = "range"
	FlagPersistence FlagKind = "persistence"
	FlagSpike       FlagKind = "spike"
	FlagIsolation   FlagKind = "isolation"
	FlagBuddy       FlagKind = "buddy"
	FlagBuddyEvent  FlagKind = "buddy_event"
)

// FlagKinds lists all check kinds in pipeline order.
var FlagKinds = []FlagKind{
	FlagMetadata, FlagRange, FlagPersistence, FlagSpike,
	FlagIsolation, FlagBuddy, FlagBuddyEvent,
}

// Verdict is a single check's result for a single reading.
type Verdict string

const (
	VerdictPass    Verdict = "pass"
	VerdictFail    Verdict = "fail"
	VerdictUnknown Verdict = "unknown" // no basis to decide, e.g. too few neighbors
)

// Flag attaches one check verdict to one reading. The (ReadingID, Kind) pair
// is unique; reruns overwrite the verdict instead of appending.
type Flag struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	ReadingID uint64    `gorm:"uniqueIndex:ux_flags_reading_kind" json:"reading_id"`
	Kind      FlagKind  `gorm:"uniqueIndex:ux_flags_reading_kind" json:"kind"`
	Verdict   Verdict   `json:"verdict"`
	CheckedAt time.Time `json:"checked_at"`
}

// AggregateRow is a derived summary of one station, quantity and bucket.
// It is recomputable at any time from readings and flags and carries no
// independent state.
type AggregateRow struct {
	ID          uint64      `gorm:"primaryKey;autoIncrement" json:"-"`
	StationID   string      `gorm:"uniqueIndex:ux_agg_key" json:"station_id"`
	Quantity    Quantity    `gorm:"uniqueIndex:ux_agg_key" json:"quantity"`
	BucketStart time.Time   `gorm:"uniqueIndex:ux_agg_key" json:"bucket_start"`
	Granularity Granularity `gorm:"uniqueIndex:ux_agg_key" json:"granularity"`
	Mean        float64     `json:"mean"`
	Min         float64     `json:"min"`
	Max         float64     `json:"max"`
	Count       int64       `json:"count"`
}
