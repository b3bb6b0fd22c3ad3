package platform

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbansense/sensornet/internal/domain"
)

const testAPIKey = "test-key"

func testClient(baseURL string) *Client {
	return &Client{
		apiKey:     testAPIKey,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURL:    baseURL,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestClient_FetchReadings_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "atm41-0042")
		assert.Equal(t, "Bearer "+testAPIKey, r.Header.Get("Authorization"))
		assert.Equal(t, "2025-06-01T00:00:00Z", r.URL.Query().Get("after"))
		assert.Equal(t, "2025-06-01T01:00:00Z", r.URL.Query().Get("until"))

		resp := response{
			Observations: []observation{
				{Quantity: "air_temperature", MeasuredAt: time.Date(2025, 6, 1, 0, 15, 0, 0, time.UTC), Value: 21.4},
				{Quantity: "relative_humidity", MeasuredAt: time.Date(2025, 6, 1, 0, 15, 0, 0, time.UTC), Value: 58.0},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	got, err := c.FetchReadings(context.Background(),
		"atm41-0042",
		time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 1, 1, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "atm41-0042", got[0].SensorID)
	assert.Equal(t, domain.AirTemperature, got[0].Quantity)
	assert.Equal(t, 21.4, got[0].Value)
	assert.Nil(t, got[0].StationID)
}

func TestClient_FetchReadings_SkipsUnknownQuantities(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := response{
			Observations: []observation{
				{Quantity: "battery_voltage", MeasuredAt: time.Now().UTC(), Value: 3.7},
				{Quantity: "air_temperature", MeasuredAt: time.Now().UTC(), Value: 19.9},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	got, err := c.FetchReadings(context.Background(), "s1", time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.AirTemperature, got[0].Quantity)
}

func TestClient_FetchReadings_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantKind ErrorKind
		stall    bool
	}{
		{"not found", http.StatusNotFound, KindNotFound, true},
		{"forbidden", http.StatusForbidden, KindForbidden, true},
		{"unauthorized", http.StatusUnauthorized, KindForbidden, true},
		{"server error", http.StatusInternalServerError, KindTransient, false},
		{"rate limited", http.StatusTooManyRequests, KindTransient, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"message":"nope"}`))
			}))
			defer srv.Close()

			c := testClient(srv.URL)
			_, err := c.FetchReadings(context.Background(), "s1", time.Now().Add(-time.Hour), time.Now())
			require.Error(t, err)

			var pe *Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.wantKind, pe.Kind)
			assert.Equal(t, tt.status, pe.Status)
			assert.Equal(t, tt.stall, IsStall(err))
		})
	}
}

func TestClient_FetchReadings_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	c.httpClient.Timeout = 50 * time.Millisecond

	_, err := c.FetchReadings(context.Background(), "s1", time.Now().Add(-time.Hour), time.Now())
	require.Error(t, err)
	assert.True(t, !IsStall(err))
}
