package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/urbansense/sensornet/internal/domain"
)

// InsertReadings bulk-inserts readings, silently skipping rows that already
// exist for the same (sensor, quantity, measured_at). Returns the number of
// rows actually inserted. Re-delivered platform data is therefore harmless:
// a reading is never re-ingested.
func (s *Store) InsertReadings(ctx context.Context, readings []domain.Reading) (int64, error) {
	if len(readings) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&readings)
	return res.RowsAffected, res.Error
}

// ReadingByID looks up a single reading.
func (s *Store) ReadingByID(ctx context.Context, id uint64) (domain.Reading, error) {
	var r domain.Reading
	err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Reading{}, fmt.Errorf("reading %d: %w", id, ErrNotFound)
	}
	return r, err
}

// DeleteReading removes a reading and its flags. This is an operator
// correction path; aggregates pick the deletion up on the next refresh that
// covers the bucket.
func (s *Store) DeleteReading(ctx context.Context, id uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("reading_id = ?", id).Delete(&domain.Flag{}).Error; err != nil {
			return err
		}
		return tx.Delete(&domain.Reading{}, "id = ?", id).Error
	})
}

// ReadingsForSensor returns a sensor's readings with measured_at in (from, to],
// time-ordered.
func (s *Store) ReadingsForSensor(ctx context.Context, sensorID string, from, to time.Time) ([]domain.Reading, error) {
	var readings []domain.Reading
	err := s.db.WithContext(ctx).
		Where("sensor_id = ? AND measured_at > ? AND measured_at <= ?", sensorID, from, to).
		Order("measured_at, quantity").
		Find(&readings).Error
	return readings, err
}

// ReadingsForStation returns one station's readings of one quantity with
// measured_at in [from, to), time-ordered.
func (s *Store) ReadingsForStation(ctx context.Context, stationID string, q domain.Quantity, from, to time.Time) ([]domain.Reading, error) {
	var readings []domain.Reading
	err := s.db.WithContext(ctx).
		Where("station_id = ? AND quantity = ? AND measured_at >= ? AND measured_at < ?",
			stationID, q, from, to).
		Order("measured_at").
		Find(&readings).Error
	return readings, err
}

// ReadingsInWindow returns all attributed readings of one quantity across
// every station with measured_at in [from, to). The QC pipeline uses this to
// assemble neighbor sets for the spatial checks.
func (s *Store) ReadingsInWindow(ctx context.Context, q domain.Quantity, from, to time.Time) ([]domain.Reading, error) {
	var readings []domain.Reading
	err := s.db.WithContext(ctx).
		Where("quantity = ? AND station_id IS NOT NULL AND measured_at >= ? AND measured_at < ?",
			q, from, to).
		Order("measured_at, station_id").
		Find(&readings).Error
	return readings, err
}

// LastReadingBefore returns the newest reading of a sensor and quantity
// strictly before t, or ErrNotFound.
func (s *Store) LastReadingBefore(ctx context.Context, sensorID string, q domain.Quantity, t time.Time) (domain.Reading, error) {
	var r domain.Reading
	err := s.db.WithContext(ctx).
		Where("sensor_id = ? AND quantity = ? AND measured_at < ?", sensorID, q, t).
		Order("measured_at DESC").
		First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Reading{}, ErrNotFound
	}
	return r, err
}

// LastReadingTime returns the newest measured_at ingested for a sensor, or
// ErrNotFound when the sensor has no data yet.
func (s *Store) LastReadingTime(ctx context.Context, sensorID string) (time.Time, error) {
	var r domain.Reading
	err := s.db.WithContext(ctx).
		Where("sensor_id = ?", sensorID).
		Order("measured_at DESC").
		First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, ErrNotFound
	}
	return r.MeasuredAt, err
}

// StationReadingRange returns the time span of a station's attributed
// readings, or ErrNotFound when the station has none.
func (s *Store) StationReadingRange(ctx context.Context, stationID string) (first, last time.Time, err error) {
	var bounds struct {
		First *time.Time
		Last  *time.Time
	}
	err = s.db.WithContext(ctx).Model(&domain.Reading{}).
		Select("MIN(measured_at) AS first, MAX(measured_at) AS last").
		Where("station_id = ?", stationID).
		Scan(&bounds).Error
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if bounds.First == nil || bounds.Last == nil {
		return time.Time{}, time.Time{}, ErrNotFound
	}
	return *bounds.First, *bounds.Last, nil
}

// AcceptedReadings returns one station's readings of one quantity in
// [from, to) that carry no fail flag. Unknown verdicts do not exclude a
// reading; only an explicit fail does.
func (s *Store) AcceptedReadings(ctx context.Context, stationID string, q domain.Quantity, from, to time.Time) ([]domain.Reading, error) {
	failed := s.db.WithContext(ctx).Model(&domain.Flag{}).
		Select("reading_id").
		Where("verdict = ?", domain.VerdictFail)
	var readings []domain.Reading
	err := s.db.WithContext(ctx).
		Where("station_id = ? AND quantity = ? AND measured_at >= ? AND measured_at < ?",
			stationID, q, from, to).
		Where("id NOT IN (?)", failed).
		Order("measured_at").
		Find(&readings).Error
	return readings, err
}
