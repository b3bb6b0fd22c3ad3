package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/urbansense/sensornet/internal/domain"
)

// AggregateScope describes the set of aggregate rows a refresh replaces:
// one station and granularity, optionally limited to bucket starts in
// [From, To]. Zero From/To means the whole history of the scope.
type AggregateScope struct {
	StationID   string
	Granularity domain.Granularity
	From        time.Time
	To          time.Time
}

// ReplaceAggregates swaps the rows of a scope in one transaction: delete
// whatever is currently stored for the scope, then insert the freshly
// computed rows. Running the swap transactionally gives last-writer-wins
// semantics between incremental and full refresh and guarantees a cancelled
// refresh never leaves a partially-written bucket behind.
func (s *Store) ReplaceAggregates(ctx context.Context, scope AggregateScope, rows []domain.AggregateRow) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		del := tx.Where("station_id = ? AND granularity = ?", scope.StationID, scope.Granularity)
		if !scope.From.IsZero() {
			del = del.Where("bucket_start >= ?", scope.From)
		}
		if !scope.To.IsZero() {
			del = del.Where("bucket_start <= ?", scope.To)
		}
		if err := del.Delete(&domain.AggregateRow{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
}

// AggregateByKey returns a single aggregate row by its natural key.
func (s *Store) AggregateByKey(ctx context.Context, stationID string, q domain.Quantity, bucketStart time.Time, g domain.Granularity) (domain.AggregateRow, error) {
	var row domain.AggregateRow
	err := s.db.WithContext(ctx).
		Where("station_id = ? AND quantity = ? AND bucket_start = ? AND granularity = ?",
			stationID, q, bucketStart, g).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.AggregateRow{}, fmt.Errorf("aggregate %s/%s@%s/%s: %w",
			stationID, q, bucketStart.Format(time.RFC3339), g, ErrNotFound)
	}
	return row, err
}

// AggregatesForStation returns all rows of one station and granularity,
// bucket-ordered.
func (s *Store) AggregatesForStation(ctx context.Context, stationID string, g domain.Granularity) ([]domain.AggregateRow, error) {
	var rows []domain.AggregateRow
	err := s.db.WithContext(ctx).
		Where("station_id = ? AND granularity = ?", stationID, g).
		Order("bucket_start, quantity").
		Find(&rows).Error
	return rows, err
}
