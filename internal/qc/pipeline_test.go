package qc_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbansense/sensornet/internal/domain"
	"github.com/urbansense/sensornet/internal/observability"
	"github.com/urbansense/sensornet/internal/qc"
	"github.com/urbansense/sensornet/internal/store"
)

var qcNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

type fakeScorer struct {
	mu     sync.Mutex
	scores qc.SpatialScores
	calls  int
}

func (f *fakeScorer) Score(context.Context, domain.Reading) (qc.SpatialScores, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.scores, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []qc.FailureEvent
}

func (f *fakePublisher) PublishFailure(_ context.Context, ev qc.FailureEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

type qcFixture struct {
	store     *store.Store
	scorer    *fakeScorer
	publisher *fakePublisher
	pipeline  *qc.Pipeline
}

func newQCFixture(t *testing.T) *qcFixture {
	t.Helper()
	s := store.NewTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertStation(ctx, &domain.Station{ID: "A", Latitude: 51.5, Longitude: 7.4, Elevation: 90}))
	require.NoError(t, s.UpsertSensor(ctx, &domain.Sensor{ID: "S1", Type: domain.SensorATM41}))

	f := &qcFixture{
		store: s,
		scorer: &fakeScorer{scores: qc.SpatialScores{
			Isolation:  domain.VerdictPass,
			Buddy:      domain.VerdictPass,
			BuddyEvent: domain.VerdictUnknown,
		}},
		publisher: &fakePublisher{},
	}
	f.pipeline = qc.NewPipeline(s, f.scorer, f.publisher,
		clockwork.NewFakeClockAt(qcNow),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		observability.NewMetricsForTesting())
	return f
}

func (f *qcFixture) insert(t *testing.T, readings ...domain.Reading) []domain.Reading {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.InsertReadings(ctx, readings)
	require.NoError(t, err)
	stored, err := f.store.ReadingsForSensor(ctx, "S1", qcNow.Add(-48*time.Hour), qcNow)
	require.NoError(t, err)
	return stored
}

func attributed(q domain.Quantity, measuredAt time.Time, value float64) domain.Reading {
	station := "A"
	return domain.Reading{SensorID: "S1", StationID: &station, Quantity: q, MeasuredAt: measuredAt, Value: value}
}

func (f *qcFixture) runBatch(t *testing.T, from, to time.Time) {
	t.Helper()
	require.NoError(t, f.pipeline.RunBatch(context.Background(), qc.Batch{
		Token: uuid.New(), SensorID: "S1", From: from, To: to,
	}))
}

func flagsByKind(t *testing.T, s *store.Store, readingID uint64) map[domain.FlagKind]domain.Verdict {
	t.Helper()
	flags, err := s.FlagsForReading(context.Background(), readingID)
	require.NoError(t, err)
	out := make(map[domain.FlagKind]domain.Verdict, len(flags))
	for _, fl := range flags {
		out[fl.Kind] = fl.Verdict
	}
	return out
}

func TestRunBatch_AttachesAllVerdicts(t *testing.T) {
	f := newQCFixture(t)
	stored := f.insert(t,
		attributed(domain.AirTemperature, qcNow.Add(-30*time.Minute), 21.0),
		attributed(domain.AirTemperature, qcNow.Add(-15*time.Minute), 21.2),
	)
	require.Len(t, stored, 2)

	f.runBatch(t, qcNow.Add(-time.Hour), qcNow)

	for _, r := range stored {
		verdicts := flagsByKind(t, f.store, r.ID)
		require.Len(t, verdicts, len(domain.FlagKinds))
		assert.Equal(t, domain.VerdictPass, verdicts[domain.FlagMetadata])
		assert.Equal(t, domain.VerdictPass, verdicts[domain.FlagRange])
		assert.Equal(t, domain.VerdictPass, verdicts[domain.FlagIsolation])
		assert.Equal(t, domain.VerdictPass, verdicts[domain.FlagBuddy])
	}

	// The later reading has a previous observation 15 minutes back: a
	// 0.2 degree step is well under the spike limit.
	verdicts := flagsByKind(t, f.store, stored[1].ID)
	assert.Equal(t, domain.VerdictPass, verdicts[domain.FlagSpike])

	// The first has nothing before it.
	verdicts = flagsByKind(t, f.store, stored[0].ID)
	assert.Equal(t, domain.VerdictUnknown, verdicts[domain.FlagSpike])

	assert.Empty(t, f.publisher.events)
}

func TestRunBatch_RangeFailureDoesNotShortCircuit(t *testing.T) {
	f := newQCFixture(t)
	stored := f.insert(t, attributed(domain.AirTemperature, qcNow.Add(-time.Minute), 72.0))

	f.runBatch(t, qcNow.Add(-time.Hour), qcNow)

	verdicts := flagsByKind(t, f.store, stored[0].ID)
	require.Len(t, verdicts, len(domain.FlagKinds))
	assert.Equal(t, domain.VerdictFail, verdicts[domain.FlagRange])
	// The other checks still ran and recorded their own verdicts.
	assert.Equal(t, domain.VerdictPass, verdicts[domain.FlagMetadata])
	assert.Equal(t, domain.VerdictUnknown, verdicts[domain.FlagPersistence])
	assert.Equal(t, domain.VerdictPass, verdicts[domain.FlagBuddy])
}

func TestRunBatch_UnattributedGetsUnknownMetadata(t *testing.T) {
	f := newQCFixture(t)
	stored := f.insert(t, domain.Reading{
		SensorID: "S1", Quantity: domain.AirTemperature,
		MeasuredAt: qcNow.Add(-time.Minute), Value: 20,
	})

	f.runBatch(t, qcNow.Add(-time.Hour), qcNow)

	verdicts := flagsByKind(t, f.store, stored[0].ID)
	// No station means nothing to validate and no spatial basis.
	assert.Equal(t, domain.VerdictUnknown, verdicts[domain.FlagMetadata])
	assert.Equal(t, domain.VerdictPass, verdicts[domain.FlagRange])
	assert.Equal(t, domain.VerdictUnknown, verdicts[domain.FlagIsolation])
	assert.Equal(t, domain.VerdictUnknown, verdicts[domain.FlagBuddy])
	assert.Zero(t, f.scorer.calls)
}

func TestRunBatch_MetadataFailsCorruptStation(t *testing.T) {
	f := newQCFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertStation(ctx, &domain.Station{
		ID: "X", Latitude: 999, Longitude: -500, Elevation: -12000,
	}))
	corrupt := "X"
	stored := f.insert(t, domain.Reading{
		SensorID: "S1", StationID: &corrupt, Quantity: domain.AirTemperature,
		MeasuredAt: qcNow.Add(-time.Minute), Value: 20,
	})

	f.runBatch(t, qcNow.Add(-time.Hour), qcNow)

	verdicts := flagsByKind(t, f.store, stored[0].ID)
	assert.Equal(t, domain.VerdictFail, verdicts[domain.FlagMetadata])
	// The reading itself is fine; only the station record is broken.
	assert.Equal(t, domain.VerdictPass, verdicts[domain.FlagRange])
}

func TestRunBatch_MetadataFailsGhostStation(t *testing.T) {
	f := newQCFixture(t)
	ghost := "never-registered"
	stored := f.insert(t, domain.Reading{
		SensorID: "S1", StationID: &ghost, Quantity: domain.AirTemperature,
		MeasuredAt: qcNow.Add(-time.Minute), Value: 20,
	})

	f.runBatch(t, qcNow.Add(-time.Hour), qcNow)

	verdicts := flagsByKind(t, f.store, stored[0].ID)
	assert.Equal(t, domain.VerdictFail, verdicts[domain.FlagMetadata])
}

func TestRunBatch_PersistenceFailsStuckSensor(t *testing.T) {
	f := newQCFixture(t)
	var readings []domain.Reading
	// Identical values every 30 minutes across the full 3 hour window.
	for i := 6; i >= 0; i-- {
		readings = append(readings, attributed(domain.AirTemperature, qcNow.Add(-time.Duration(i)*30*time.Minute), 19.5))
	}
	stored := f.insert(t, readings...)

	f.runBatch(t, qcNow.Add(-4*time.Hour), qcNow)

	last := stored[len(stored)-1]
	verdicts := flagsByKind(t, f.store, last.ID)
	assert.Equal(t, domain.VerdictFail, verdicts[domain.FlagPersistence])

	// The earliest reading has no window behind it.
	verdicts = flagsByKind(t, f.store, stored[0].ID)
	assert.Equal(t, domain.VerdictUnknown, verdicts[domain.FlagPersistence])
}

func TestRunBatch_PersistenceBelowWindowNeverFails(t *testing.T) {
	f := newQCFixture(t)
	// Constant for only 1.5 of the 3 hour window, with variation before.
	readings := []domain.Reading{
		attributed(domain.AirTemperature, qcNow.Add(-2*time.Hour), 18.0),
	}
	for i := 3; i >= 0; i-- {
		readings = append(readings, attributed(domain.AirTemperature, qcNow.Add(-time.Duration(i)*30*time.Minute), 19.5))
	}
	stored := f.insert(t, readings...)

	f.runBatch(t, qcNow.Add(-4*time.Hour), qcNow)

	last := stored[len(stored)-1]
	verdicts := flagsByKind(t, f.store, last.ID)
	assert.Equal(t, domain.VerdictPass, verdicts[domain.FlagPersistence])
}

func TestRunBatch_PersistenceShortConstantHistoryIsUnknown(t *testing.T) {
	f := newQCFixture(t)
	// Everything ever observed is constant, but the run is shorter than
	// the window; a fresh sensor looks exactly like this.
	var readings []domain.Reading
	for i := 3; i >= 0; i-- {
		readings = append(readings, attributed(domain.AirTemperature, qcNow.Add(-time.Duration(i)*30*time.Minute), 19.5))
	}
	stored := f.insert(t, readings...)

	f.runBatch(t, qcNow.Add(-4*time.Hour), qcNow)

	last := stored[len(stored)-1]
	verdicts := flagsByKind(t, f.store, last.ID)
	assert.Equal(t, domain.VerdictUnknown, verdicts[domain.FlagPersistence])
}

func TestRunBatch_PersistenceExcludedValuePasses(t *testing.T) {
	f := newQCFixture(t)
	var readings []domain.Reading
	// Hours of zero precipitation is dry weather, not a stuck gauge.
	for i := 5; i >= 0; i-- {
		readings = append(readings, attributed(domain.PrecipitationSum, qcNow.Add(-time.Duration(i)*30*time.Minute), 0))
	}
	stored := f.insert(t, readings...)

	f.runBatch(t, qcNow.Add(-4*time.Hour), qcNow)

	last := stored[len(stored)-1]
	verdicts := flagsByKind(t, f.store, last.ID)
	assert.Equal(t, domain.VerdictPass, verdicts[domain.FlagPersistence])
}

func TestRunBatch_SpikeFailsImplausibleStep(t *testing.T) {
	f := newQCFixture(t)
	stored := f.insert(t,
		attributed(domain.AirTemperature, qcNow.Add(-30*time.Minute), 10.0),
		attributed(domain.AirTemperature, qcNow.Add(-15*time.Minute), 20.0),
	)

	f.runBatch(t, qcNow.Add(-time.Hour), qcNow)

	verdicts := flagsByKind(t, f.store, stored[1].ID)
	assert.Equal(t, domain.VerdictFail, verdicts[domain.FlagSpike])
}

func TestRunBatch_RerunOverwritesInsteadOfAppending(t *testing.T) {
	f := newQCFixture(t)
	stored := f.insert(t, attributed(domain.AirTemperature, qcNow.Add(-time.Minute), 21.0))

	f.runBatch(t, qcNow.Add(-time.Hour), qcNow)
	f.runBatch(t, qcNow.Add(-time.Hour), qcNow)

	flags, err := f.store.FlagsForReading(context.Background(), stored[0].ID)
	require.NoError(t, err)
	assert.Len(t, flags, len(domain.FlagKinds))
}

func TestRunBatch_PublishesFailureEvents(t *testing.T) {
	f := newQCFixture(t)
	f.insert(t, attributed(domain.AirTemperature, qcNow.Add(-time.Minute), 72.0))

	f.runBatch(t, qcNow.Add(-time.Hour), qcNow)

	require.Len(t, f.publisher.events, 1)
	ev := f.publisher.events[0]
	assert.Equal(t, domain.FlagRange, ev.Kind)
	assert.Equal(t, "S1", ev.SensorID)
	assert.Equal(t, domain.AirTemperature, ev.Quantity)
	assert.Equal(t, 72.0, ev.Value)
	require.NotNil(t, ev.StationID)
	assert.Equal(t, "A", *ev.StationID)
}

func TestRunStation_RechecksWindow(t *testing.T) {
	f := newQCFixture(t)
	stored := f.insert(t,
		attributed(domain.AirTemperature, qcNow.Add(-30*time.Minute), 21.0),
		attributed(domain.RelativeHumidity, qcNow.Add(-30*time.Minute), 55.0),
	)

	n, err := f.pipeline.RunStation(context.Background(), "A", qcNow.Add(-time.Hour), qcNow)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, r := range stored {
		verdicts := flagsByKind(t, f.store, r.ID)
		assert.Len(t, verdicts, len(domain.FlagKinds))
	}
}

func TestBatchKey_DerivedFromWindowNotToken(t *testing.T) {
	from := qcNow.Add(-time.Hour)
	a := qc.Batch{Token: uuid.New(), SensorID: "S1", From: from, To: qcNow}
	b := qc.Batch{Token: uuid.New(), SensorID: "S1", From: from, To: qcNow}
	// A redelivered window collides on the key no matter the token.
	assert.Equal(t, a.Key(), b.Key())

	c := qc.Batch{Token: uuid.New(), SensorID: "S2", From: from, To: qcNow}
	assert.NotEqual(t, a.Key(), c.Key())
}

func TestLoadParams_Defaults(t *testing.T) {
	params, err := qc.LoadParams("")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, params.NeighborWindow)

	bp, ok := params.Buddy[domain.AirTemperature]
	require.True(t, ok)
	assert.Equal(t, 5500.0, bp.RadiusMeters)
	assert.Equal(t, 2.7, bp.Threshold)
	assert.InDelta(t, -0.0065, bp.ElevGradient, 1e-9)

	assert.Equal(t, 3.0, params.Buddy[domain.PrecipitationSum].EventThreshold)
}

func TestLoadParams_RejectsEventQuantityWithoutEventThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qc.yaml")
	writeFile(t, path, `
buddy:
  precipitation_sum:
    radius_meters: 3000
    num_min: 3
    threshold: 2.0
    min_std: 1
    num_iterations: 1
`)

	_, err := qc.LoadParams(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event_threshold")
}

func TestLoadParams_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qc.yaml")
	writeFile(t, path, `
neighbor_window: 5m
buddy:
  air_temperature:
    radius_meters: 3000
    num_min: 4
    threshold: 2.0
    min_std: 1.5
    num_iterations: 3
`)

	params, err := qc.LoadParams(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, params.NeighborWindow)
	assert.Equal(t, 3000.0, params.Buddy[domain.AirTemperature].RadiusMeters)
	assert.Equal(t, 4, params.Buddy[domain.AirTemperature].NumMin)
	// Untouched quantities keep their defaults.
	assert.Equal(t, 8000.0, params.Buddy[domain.AtmosphericPressure].RadiusMeters)
}

func TestLoadParams_RejectsUnknownQuantity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qc.yaml")
	writeFile(t, path, `
buddy:
  soil_moisture:
    radius_meters: 3000
    num_min: 3
    threshold: 2.0
    num_iterations: 1
`)

	_, err := qc.LoadParams(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown quantity")
}

func TestLoadParams_RejectsNonBuddyQuantity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qc.yaml")
	writeFile(t, path, `
buddy:
  wind_speed:
    radius_meters: 3000
    num_min: 3
    threshold: 2.0
    num_iterations: 1
`)

	_, err := qc.LoadParams(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not buddy-checked")
}
