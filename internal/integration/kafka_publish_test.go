//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/urbansense/sensornet/internal/adapter/kafka"
	"github.com/urbansense/sensornet/internal/config"
	"github.com/urbansense/sensornet/internal/domain"
	"github.com/urbansense/sensornet/internal/observability"
	"github.com/urbansense/sensornet/internal/qc"
	"github.com/urbansense/sensornet/internal/store"
)

const testSinkTopic = "test-qc-failures"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startKafka runs a single-node Kafka in a container and returns its
// broker address.
func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0",
		tckafka.WithClusterID("test-cluster"))
	require.NoError(t, err, "start kafka container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)
	controllerConn, err := kafkago.Dial("tcp",
		net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer controllerConn.Close()

	require.NoError(t, controllerConn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

// TestQCFailurePublishing runs the QC pipeline against a real broker: a
// reading that fails the range check must come out of the sink topic as
// a failure event.
func TestQCFailurePublishing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testSinkTopic)

	cfg := &config.Config{
		KafkaBrokers:   []string{broker},
		KafkaSinkTopic: testSinkTopic,
	}
	writer := kafka.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	s := store.NewTestStore(t)
	require.NoError(t, s.UpsertStation(ctx, &domain.Station{ID: "A", Latitude: 51.5, Longitude: 7.4, Elevation: 90}))
	require.NoError(t, s.UpsertSensor(ctx, &domain.Sensor{ID: "S1", Type: domain.SensorATM41}))

	now := time.Now().UTC().Truncate(time.Second)
	station := "A"
	_, err := s.InsertReadings(ctx, []domain.Reading{
		{SensorID: "S1", StationID: &station, Quantity: domain.AirTemperature, MeasuredAt: now.Add(-3 * time.Hour), Value: 21},
		{SensorID: "S1", StationID: &station, Quantity: domain.AirTemperature, MeasuredAt: now.Add(-5 * time.Minute), Value: 72},
	})
	require.NoError(t, err)

	pipeline := qc.NewPipeline(s, nil, writer, clockwork.NewRealClock(),
		discardLogger(), observability.NewMetricsForTesting())
	require.NoError(t, pipeline.RunBatch(ctx, qc.Batch{
		SensorID: "S1",
		From:     now.Add(-time.Hour),
		To:       now,
	}))

	consumer := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       testSinkTopic,
		GroupID:     fmt.Sprintf("test-consumer-%d", time.Now().UnixNano()),
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = consumer.Close() })

	readCtx, readCancel := context.WithTimeout(ctx, 30*time.Second)
	defer readCancel()
	msg, err := consumer.ReadMessage(readCtx)
	require.NoError(t, err, "read from sink topic")

	assert.Equal(t, []byte("S1"), msg.Key)
	var ev qc.FailureEvent
	require.NoError(t, json.Unmarshal(msg.Value, &ev))
	assert.Equal(t, domain.FlagRange, ev.Kind)
	assert.Equal(t, "S1", ev.SensorID)
	assert.Equal(t, 72.0, ev.Value)

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "range", headers["check_kind"])
	_, err = time.Parse(time.RFC3339, headers["checked_at"])
	assert.NoError(t, err)

	// Only the out-of-range reading produced an event.
	shortCtx, shortCancel := context.WithTimeout(ctx, 5*time.Second)
	_, err = consumer.ReadMessage(shortCtx)
	shortCancel()
	assert.Error(t, err, "expected no second failure event")
}
