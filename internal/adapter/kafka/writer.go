// Package kafka publishes QC failure events to the sink topic so
// downstream consumers (alerting, dashboards) see bad readings without
// polling the database.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/urbansense/sensornet/internal/config"
	"github.com/urbansense/sensornet/internal/qc"
)

// Writer produces failure events to a Kafka topic.
// It implements qc.FailurePublisher.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured sink topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaSinkTopic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// PublishFailure serializes and publishes one failure event. Keying by
// sensor keeps one sensor's failures in order on a partition.
func (w *Writer) PublishFailure(ctx context.Context, ev qc.FailureEvent) error {
	msg, err := serializeToMessage(ev)
	if err != nil {
		return err
	}
	return w.writer.WriteMessages(ctx, msg)
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals a FailureEvent into a Kafka message.
func serializeToMessage(ev qc.FailureEvent) (kafkago.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize failure event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(ev.SensorID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "check_kind", Value: []byte(ev.Kind)},
			{Key: "reading_id", Value: []byte(strconv.FormatUint(ev.ReadingID, 10))},
			{Key: "checked_at", Value: []byte(ev.CheckedAt.Format(time.RFC3339))},
		},
	}, nil
}
