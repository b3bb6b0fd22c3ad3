package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/urbansense/sensornet/internal/domain"
)

// ErrorKind classifies platform API failures so the poller can decide
// between retrying and stalling a deployment.
type ErrorKind string

const (
	// KindNotFound means the platform no longer knows the sensor.
	KindNotFound ErrorKind = "not_found"
	// KindForbidden means our credentials no longer cover the sensor.
	KindForbidden ErrorKind = "forbidden"
	// KindTransient covers everything worth retrying: timeouts, 5xx,
	// rate limiting.
	KindTransient ErrorKind = "transient"
)

// Error is a classified platform API failure.
type Error struct {
	Kind   ErrorKind
	Status int
	Msg    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("platform API %s (status %d): %s", e.Kind, e.Status, e.Msg)
}

// IsStall reports whether err indicates the sensor is gone or off-limits,
// which should stall its deployment rather than be retried.
func IsStall(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Kind == KindNotFound || pe.Kind == KindForbidden
}

// Client fetches raw observations from the IoT platform REST API.
type Client struct {
	apiKey     string
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewClient creates a platform API client.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: baseURL,
		logger:  logger,
	}
}

// FetchReadings returns all observations for sensorID in the half-open
// window (since, until]. The returned readings carry no station
// attribution; resolution happens downstream.
func (c *Client) FetchReadings(ctx context.Context, sensorID string, since, until time.Time) ([]domain.Reading, error) {
	u := fmt.Sprintf("%s/v2/sensors/%s/observations", c.baseURL, url.PathEscape(sensorID))
	params := url.Values{
		"after": {since.UTC().Format(time.RFC3339)},
		"until": {until.UTC().Format(time.RFC3339)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Msg: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classify(resp.StatusCode, string(body))
	}

	var payload response
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	readings := make([]domain.Reading, 0, len(payload.Observations))
	for _, obs := range payload.Observations {
		q := domain.Quantity(obs.Quantity)
		if !domain.KnownQuantity(q) {
			c.logger.Warn("skipping observation with unknown quantity",
				"sensor_id", sensorID, "quantity", obs.Quantity)
			continue
		}
		readings = append(readings, domain.Reading{
			SensorID:   sensorID,
			Quantity:   q,
			MeasuredAt: obs.MeasuredAt.UTC(),
			Value:      obs.Value,
		})
	}
	return readings, nil
}

func classify(status int, body string) *Error {
	switch {
	case status == http.StatusNotFound:
		return &Error{Kind: KindNotFound, Status: status, Msg: body}
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		return &Error{Kind: KindForbidden, Status: status, Msg: body}
	default:
		return &Error{Kind: KindTransient, Status: status, Msg: body}
	}
}

// Platform API response types.

type response struct {
	Observations []observation `json:"observations"`
}

type observation struct {
	Quantity   string    `json:"quantity"`
	MeasuredAt time.Time `json:"measured_at"`
	Value      float64   `json:"value"`
}
