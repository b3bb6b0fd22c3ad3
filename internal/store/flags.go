package store

import (
	"context"
	"time"

	"gorm.io/gorm/clause"

	"github.com/urbansense/sensornet/internal/domain"
)

// UpsertFlags writes a batch of flags in one transaction. The conflict
// target is (reading_id, kind): re-running a check overwrites the prior
// verdict instead of appending a duplicate, which is what makes QC reruns
// idempotent.
func (s *Store) UpsertFlags(ctx context.Context, flags []domain.Flag) error {
	if len(flags) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "reading_id"}, {Name: "kind"}},
			DoUpdates: clause.AssignmentColumns([]string{"verdict", "checked_at"}),
		}).
		Create(&flags).Error
}

// FlagsForReading returns all flags attached to a reading, in kind order.
func (s *Store) FlagsForReading(ctx context.Context, readingID uint64) ([]domain.Flag, error) {
	var flags []domain.Flag
	err := s.db.WithContext(ctx).
		Where("reading_id = ?", readingID).
		Order("kind").
		Find(&flags).Error
	return flags, err
}

// FlagsForReadings returns the flags of many readings keyed by reading id.
func (s *Store) FlagsForReadings(ctx context.Context, readingIDs []uint64) (map[uint64][]domain.Flag, error) {
	out := make(map[uint64][]domain.Flag, len(readingIDs))
	if len(readingIDs) == 0 {
		return out, nil
	}
	var flags []domain.Flag
	err := s.db.WithContext(ctx).
		Where("reading_id IN ?", readingIDs).
		Order("reading_id, kind").
		Find(&flags).Error
	if err != nil {
		return nil, err
	}
	for _, f := range flags {
		out[f.ReadingID] = append(out[f.ReadingID], f)
	}
	return out, nil
}

// LastFlagTime returns the newest checked_at over all flags, or ErrNotFound
// when QC has never run.
func (s *Store) LastFlagTime(ctx context.Context) (time.Time, error) {
	var bounds struct{ Last *time.Time }
	err := s.db.WithContext(ctx).Model(&domain.Flag{}).
		Select("MAX(checked_at) AS last").
		Scan(&bounds).Error
	if err != nil {
		return time.Time{}, err
	}
	if bounds.Last == nil {
		return time.Time{}, ErrNotFound
	}
	return *bounds.Last, nil
}
