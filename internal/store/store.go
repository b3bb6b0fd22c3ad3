// Package store is the gorm-backed persistence layer. Production runs on
// postgres; tests open the same Store over the sqlite driver.
package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/urbansense/sensornet/internal/domain"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps a gorm DB handle with the persistence operations of the core.
type Store struct {
	db *gorm.DB
}

// Open connects to postgres and returns a Store.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an already-open gorm handle. Tests use this with the sqlite
// driver.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the schema for all entities.
func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&domain.Station{},
		&domain.Sensor{},
		&domain.Deployment{},
		&domain.Reading{},
		&domain.Flag{},
		&domain.AggregateRow{},
	)
}

// UpsertStation inserts or updates a station record.
func (s *Store) UpsertStation(ctx context.Context, st *domain.Station) error {
	return s.db.WithContext(ctx).Save(st).Error
}

// Stations returns all stations ordered by id.
func (s *Store) Stations(ctx context.Context) ([]domain.Station, error) {
	var stations []domain.Station
	err := s.db.WithContext(ctx).Order("id").Find(&stations).Error
	return stations, err
}

// StationByID looks up a single station.
func (s *Store) StationByID(ctx context.Context, id string) (domain.Station, error) {
	var st domain.Station
	err := s.db.WithContext(ctx).First(&st, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Station{}, fmt.Errorf("station %s: %w", id, ErrNotFound)
	}
	return st, err
}

// UpsertSensor inserts or updates a sensor record.
func (s *Store) UpsertSensor(ctx context.Context, sn *domain.Sensor) error {
	return s.db.WithContext(ctx).Save(sn).Error
}

// Sensors returns all sensors ordered by id.
func (s *Store) Sensors(ctx context.Context) ([]domain.Sensor, error) {
	var sensors []domain.Sensor
	err := s.db.WithContext(ctx).Order("id").Find(&sensors).Error
	return sensors, err
}

// SensorByID looks up a single sensor.
func (s *Store) SensorByID(ctx context.Context, id string) (domain.Sensor, error) {
	var sn domain.Sensor
	err := s.db.WithContext(ctx).First(&sn, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Sensor{}, fmt.Errorf("sensor %s: %w", id, ErrNotFound)
	}
	return sn, err
}
