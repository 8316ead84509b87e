package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
	maxBodyBytes     = 1 << 16
)

// Server provides the HTTP endpoints.
type Server struct {
	monitor *Monitor
	runs    RunService
	server  *http.Server
	log     *slog.Logger
}

// NewServer creates a new server. runs may be nil, in which case only the
// health and metrics endpoints are mounted.
func NewServer(monitor *Monitor, runs RunService, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		monitor: monitor,
		runs:    runs,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
		log: slog.Default().With("component", "http"),
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/detailed", s.handleDetailed)
	mux.Handle("GET /metrics", promhttp.Handler())
	if runs != nil {
		mux.HandleFunc("POST /runs", s.handleSubmit)
		mux.HandleFunc("GET /runs", s.handleList)
		mux.HandleFunc("GET /runs/{id}", s.handleGet)
	}

	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server. It blocks until Stop is called.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := Aggregate(s.monitor.CheckHealth(r.Context()))
	code := http.StatusOK
	if status == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": string(status)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	components := s.monitor.CheckHealth(r.Context())
	report := HealthReport{
		SystemStatus: Aggregate(components),
		Components:   components,
	}
	if s.runs != nil {
		report.ActiveRuns = s.runs.Active()
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	id, err := s.runs.Submit(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidRun):
			writeError(w, http.StatusBadRequest, err)
			return
		case errors.Is(err, ErrShuttingDown):
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		s.log.Error("Failed to submit run", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Location", "/runs/"+id)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "running"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = min(n, maxListLimit)
	}

	reports, err := s.runs.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error("Failed to list runs", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	report, running, err := s.runs.Report(r.Context(), id)
	switch {
	case err != nil && errors.Is(err, ErrRunNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		s.log.Error("Failed to load run", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, err)
	case running:
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "running"})
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
