// Package api exposes the relay's control surface: device inventory, stream
// selection, loss estimates, the SSE monitoring feed, and Prometheus metrics.
// The recorder-bound data path never passes through here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/biosignal-telemetry/btr/internal/auth"
	"github.com/biosignal-telemetry/btr/internal/capability"
	"github.com/biosignal-telemetry/btr/internal/command"
	"github.com/biosignal-telemetry/btr/internal/lossrate"
	"github.com/biosignal-telemetry/btr/internal/sensor"
)

// StreamController is the slice of the orchestrator the API needs.
type StreamController interface {
	SetSelection(ctx context.Context, deviceID string, kinds []capability.SignalKind) error
}

// TelemetryFeed attaches SSE clients. Satisfied by *telemetry.Hub.
type TelemetryFeed interface {
	Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error
}

// ServerConfig carries the server's collaborators. Auth and Registry are
// optional; a nil Auth leaves the control surface open.
type ServerConfig struct {
	Controller StreamController
	Sensors    *sensor.Manager
	Tracker    *lossrate.Tracker
	Feed       TelemetryFeed
	Auth       *auth.Middleware
	Registry   *prometheus.Registry
}

// Server is the control API HTTP server.
type Server struct {
	log        zerolog.Logger
	controller StreamController
	sensors    *sensor.Manager
	tracker    *lossrate.Tracker
	feed       TelemetryFeed
	auth       *auth.Middleware
	registry   *prometheus.Registry

	httpServer *http.Server
}

// NewServer creates the control API server listening on addr.
func NewServer(log zerolog.Logger, addr string, cfg ServerConfig) *Server {
	s := &Server{
		log:        log.With().Str("component", "api").Logger(),
		controller: cfg.Controller,
		sensors:    cfg.Sensors,
		tracker:    cfg.Tracker,
		feed:       cfg.Feed,
		auth:       cfg.Auth,
		registry:   cfg.Registry,
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Routes builds the router. Exposed separately so tests can drive the handler
// without a listener.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			if s.auth != nil {
				r.Use(s.auth.RequireAuth)
				r.Use(s.auth.RequireScope(auth.ScopeRead))
			}
			r.Get("/devices", s.handleListDevices)
			r.Get("/devices/{id}", s.handleGetDevice)
			r.Get("/devices/{id}/loss", s.handleGetLoss)
			r.Get("/telemetry", s.handleTelemetry)
		})

		r.Group(func(r chi.Router) {
			if s.auth != nil {
				r.Use(s.auth.RequireAuth)
				r.Use(s.auth.RequireScope(auth.ScopeControl))
			}
			r.Put("/devices/{id}/selection", s.handleSetSelection)
		})
	})

	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	return r
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("control api listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteSuccess(w, map[string]interface{}{
		"status": "ok",
		"ts":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	WriteSuccess(w, s.sensors.List())
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	device, err := s.sensors.Get(id)
	if err != nil {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "Device not found", nil)
		return
	}

	WriteSuccess(w, sensor.DeviceStatus{
		Device:  device,
		Desired: s.sensors.Desired(id).Sorted(),
		Active:  s.sensors.Active(id).Sorted(),
	})
}

type selectionRequest struct {
	Kinds []capability.SignalKind `json:"kinds"`
}

func (s *Server) handleSetSelection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req selectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body", nil)
		return
	}

	err := s.controller.SetSelection(r.Context(), id, req.Kinds)
	switch {
	case err == nil:
	case errors.Is(err, command.ErrUnknownKind):
		WriteError(w, http.StatusBadRequest, "UNKNOWN_KIND", err.Error(), nil)
		return
	case errors.Is(err, command.ErrNoCandidateDevice):
		WriteError(w, http.StatusNotFound, "NO_CANDIDATE_DEVICE", "No device available", nil)
		return
	case errors.Is(err, sensor.ErrNotFound):
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "Device not found", nil)
		return
	default:
		s.log.Error().Err(err).Str("device", id).Msg("selection change failed")
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "Selection change failed", nil)
		return
	}

	device, _ := s.sensors.Get(id)
	WriteSuccess(w, sensor.DeviceStatus{
		Device:  device,
		Desired: s.sensors.Desired(id).Sorted(),
		Active:  s.sensors.Active(id).Sorted(),
	})
}

type lossEntry struct {
	Kind    capability.SignalKind `json:"kind"`
	Loss    float64               `json:"loss"`
	Defined bool                  `json:"defined"`
}

func (s *Server) handleGetLoss(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.sensors.Get(id); err != nil {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "Device not found", nil)
		return
	}

	now := time.Now()
	entries := make([]lossEntry, 0)
	for _, kind := range s.tracker.Kinds(id) {
		loss, ok := s.tracker.Estimate(id, kind, now)
		entries = append(entries, lossEntry{Kind: kind, Loss: loss, Defined: ok})
	}
	WriteSuccess(w, entries)
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if err := s.feed.Subscribe(r.Context(), w, r); err != nil {
		s.log.Debug().Err(err).Msg("telemetry subscriber ended with error")
	}
}
