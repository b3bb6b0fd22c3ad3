package domain

import "time"

// Granularity is the aggregation bucket size.
type Granularity string

const (
	GranularityHour Granularity = "hour"
	GranularityDay  Granularity = "day"
)

// Granularities lists all bucket sizes, coarsest last.
var Granularities = []Granularity{GranularityHour, GranularityDay}

// Duration returns the bucket width.
func (g Granularity) Duration() time.Duration {
	switch g {
	case GranularityDay:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// BucketStart truncates t to the start of its bucket in UTC.
func BucketStart(t time.Time, g Granularity) time.Time {
	t = t.UTC()
	switch g {
	case GranularityDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return t.Truncate(time.Hour)
	}
}

// PrevBucketStart returns the start of the bucket before the one containing t.
func PrevBucketStart(t time.Time, g Granularity) time.Time {
	return BucketStart(BucketStart(t, g).Add(-time.Second), g)
}
