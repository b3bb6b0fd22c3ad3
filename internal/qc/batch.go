package qc

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Batch identifies a window of freshly ingested readings for one sensor.
// The poller mints one after each successful insert; the pipeline fetches
// the readings back by window, so a batch stays valid across restarts.
type Batch struct {
	Token    uuid.UUID
	SensorID string
	// From and To bound the window half-open: (From, To].
	From time.Time
	To   time.Time
}

// Key is the scheduler exclusivity key for this batch. It is derived
// from the window, not the token, so a redelivered batch covering the
// same readings cannot run twice concurrently.
func (b Batch) Key() string {
	return fmt.Sprintf("qc:%s:%d:%d", b.SensorID, b.From.Unix(), b.To.Unix())
}
