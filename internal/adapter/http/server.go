// Package http exposes the operator and query surface plus the usual
// health, readiness and metrics endpoints.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/urbansense/sensornet/internal/deployment"
	"github.com/urbansense/sensornet/internal/domain"
	"github.com/urbansense/sensornet/internal/scheduler"
	"github.com/urbansense/sensornet/internal/store"
)

// ReadinessChecker reports whether the service is ready to serve traffic.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// DeploymentService covers the operator actions on deployments.
type DeploymentService interface {
	Create(ctx context.Context, sensorID, stationID string, setupAt time.Time, teardownAt *time.Time) (domain.Deployment, error)
	Terminate(ctx context.Context, id uuid.UUID, teardownAt time.Time) (domain.Deployment, error)
}

// QCRunner re-checks a station window on demand.
type QCRunner interface {
	RunStation(ctx context.Context, stationID string, from, to time.Time) (int, error)
}

// Refresher recomputes aggregates.
type Refresher interface {
	RefreshFull(ctx context.Context) error
	RefreshStation(ctx context.Context, stationID string, from, to time.Time) error
}

// Store is the read and correction surface the handlers need.
type Store interface {
	ReadingByID(ctx context.Context, id uint64) (domain.Reading, error)
	DeleteReading(ctx context.Context, id uint64) error
	FlagsForReading(ctx context.Context, readingID uint64) ([]domain.Flag, error)
	AggregatesForStation(ctx context.Context, stationID string, g domain.Granularity) ([]domain.AggregateRow, error)
	ActiveDeployments(ctx context.Context, at time.Time) ([]domain.Deployment, error)
	ClearStalled(ctx context.Context, id uuid.UUID) error
	DeploymentByID(ctx context.Context, id uuid.UUID) (domain.Deployment, error)
}

// Server exposes the HTTP API.
type Server struct {
	httpServer  *http.Server
	store       Store
	deployments DeploymentService
	qc          QCRunner
	refresher   Refresher
	workers     *scheduler.Workers
	logger      *slog.Logger
}

// NewServer wires all routes.
func NewServer(addr string, st Store, deployments DeploymentService, qc QCRunner, refresher Refresher, workers *scheduler.Workers, ready ReadinessChecker, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		store:       st,
		deployments: deployments,
		qc:          qc,
		refresher:   refresher,
		workers:     workers,
		logger:      logger,
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", handleReady(ready))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /v1/readings/{id}/flags", s.handleReadingFlags)
	mux.HandleFunc("DELETE /v1/readings/{id}", s.handleDeleteReading)
	mux.HandleFunc("GET /v1/stations/{id}/aggregates", s.handleStationAggregates)
	mux.HandleFunc("GET /v1/deployments/active", s.handleActiveDeployments)

	mux.HandleFunc("POST /v1/deployments", s.handleCreateDeployment)
	mux.HandleFunc("POST /v1/deployments/{id}/terminate", s.handleTerminateDeployment)
	mux.HandleFunc("POST /v1/deployments/{id}/clear-stall", s.handleClearStall)
	mux.HandleFunc("POST /v1/stations/{id}/qc-rerun", s.handleQCRerun)
	mux.HandleFunc("POST /v1/refresh/full", s.handleFullRefresh)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func handleReady(checker ReadinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := checker.CheckReadiness(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func (s *Server) handleReadingFlags(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid reading id")
		return
	}
	if _, err := s.store.ReadingByID(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	flags, err := s.store.FlagsForReading(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reading_id": id, "flags": flags})
}

func (s *Server) handleDeleteReading(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid reading id")
		return
	}
	if _, err := s.store.ReadingByID(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.store.DeleteReading(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.logger.Info("reading deleted by operator", "reading_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStationAggregates(w http.ResponseWriter, r *http.Request) {
	g := domain.Granularity(r.URL.Query().Get("granularity"))
	if g == "" {
		g = domain.GranularityHour
	}
	if g != domain.GranularityHour && g != domain.GranularityDay {
		writeError(w, http.StatusBadRequest, "granularity must be hour or day")
		return
	}
	rows, err := s.store.AggregatesForStation(r.Context(), r.PathValue("id"), g)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"station_id":  r.PathValue("id"),
		"granularity": g,
		"aggregates":  rows,
	})
}

func (s *Server) handleActiveDeployments(w http.ResponseWriter, r *http.Request) {
	at := time.Now().UTC()
	if raw := r.URL.Query().Get("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "at must be RFC 3339")
			return
		}
		at = parsed
	}
	deps, err := s.store.ActiveDeployments(r.Context(), at)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"at": at, "deployments": deps})
}

type createDeploymentRequest struct {
	SensorID   string     `json:"sensor_id"`
	StationID  string     `json:"station_id"`
	SetupAt    time.Time  `json:"setup_at"`
	TeardownAt *time.Time `json:"teardown_at,omitempty"`
}

func (s *Server) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req createDeploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SensorID == "" || req.StationID == "" || req.SetupAt.IsZero() {
		writeError(w, http.StatusBadRequest, "sensor_id, station_id and setup_at are required")
		return
	}

	dep, err := s.deployments.Create(r.Context(), req.SensorID, req.StationID, req.SetupAt, req.TeardownAt)
	if err != nil {
		s.writeDeploymentError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dep)
}

type terminateDeploymentRequest struct {
	TeardownAt time.Time `json:"teardown_at"`
}

func (s *Server) handleTerminateDeployment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid deployment id")
		return
	}
	var req terminateDeploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TeardownAt.IsZero() {
		writeError(w, http.StatusBadRequest, "teardown_at is required")
		return
	}

	dep, err := s.deployments.Terminate(r.Context(), id, req.TeardownAt)
	if err != nil {
		s.writeDeploymentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

func (s *Server) handleClearStall(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid deployment id")
		return
	}
	if _, err := s.store.DeploymentByID(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.store.ClearStalled(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.logger.Info("stall cleared by operator", "deployment_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleQCRerun schedules the rerun on the QC pool so it cannot run
// concurrently with itself; the station-scoped key dedupes repeated
// operator requests.
func (s *Server) handleQCRerun(w http.ResponseWriter, r *http.Request) {
	from, to, ok := parseWindow(w, r)
	if !ok {
		return
	}
	stationID := r.PathValue("id")

	submitted := s.workers.Submit(context.WithoutCancel(r.Context()), scheduler.KindQC, "qc:station:"+stationID,
		func(ctx context.Context) error {
			n, err := s.qc.RunStation(ctx, stationID, from, to)
			if err != nil {
				return err
			}
			// Verdicts may have changed; bring the summaries back in line.
			if err := s.refresher.RefreshStation(ctx, stationID, from, to); err != nil {
				return err
			}
			s.logger.Info("qc rerun complete", "station_id", stationID, "readings_checked", n)
			return nil
		})
	if !submitted {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "already running"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "submitted", "station_id": stationID})
}

func (s *Server) handleFullRefresh(w http.ResponseWriter, r *http.Request) {
	submitted := s.workers.Submit(context.WithoutCancel(r.Context()), scheduler.KindRefreshFull, "refresh:full",
		func(ctx context.Context) error {
			return s.refresher.RefreshFull(ctx)
		})
	if !submitted {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "already running"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "submitted"})
}

func parseWindow(w http.ResponseWriter, r *http.Request) (from, to time.Time, ok bool) {
	var err error
	from, err = time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "from must be RFC 3339")
		return
	}
	to, err = time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "to must be RFC 3339")
		return
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "to must be after from")
		return
	}
	return from, to, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Error("store error", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) writeDeploymentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, deployment.ErrOverlap),
		errors.Is(err, deployment.ErrAlreadyTerminated),
		errors.Is(err, deployment.ErrTeardownBeforeData):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, deployment.ErrInvalidInterval):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("deployment error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}
