// Package ui exposes the relay hub on one HTTP listener: a bidirectional
// websocket endpoint shared by producers and observers, a read-only SSE
// stream, and a plain HTTP submit path.
package ui

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"httprelay/internal/hub"
	"httprelay/internal/logging"
	"httprelay/internal/types"
)

type Options struct {
	// MaxMessageBytes caps one inbound frame or submitted payload.
	MaxMessageBytes int64
	// OriginPatterns are host patterns accepted for browser websocket
	// upgrades. Empty means any origin.
	OriginPatterns []string
}

func DefaultOptions() Options {
	return Options{MaxMessageBytes: 4 << 20}
}

type Server struct {
	hub    *hub.Hub
	opts   Options
	logger *slog.Logger
	mux    chi.Router
}

func NewServer(h *hub.Hub, opts Options, logger *slog.Logger) http.Handler {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultOptions().MaxMessageBytes
	}
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{hub: h, opts: opts, logger: logger, mux: chi.NewRouter()}

	s.mux.Use(middleware.RequestID)
	s.mux.Use(logRequests(logger))
	s.mux.Use(middleware.Recoverer)

	s.mux.Get("/ws", s.handleWebSocket)
	s.mux.Get("/events", s.handleEvents)
	s.mux.Post("/api/submit/{channel}", s.handleSubmit)
	s.mux.Get("/api/stats", s.handleStats)
	s.mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})

	return otelhttp.NewHandler(s.mux, "httprelay")
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ch := types.Channel(chi.URLParam(r, "channel"))
	if !ch.Traffic() {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxMessageBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}

	switch err := s.hub.Submit(r.Context(), nil, ch, body); {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, s.logger, map[string]string{"status": "accepted"})
	case errors.Is(err, hub.ErrMalformedPayload):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, hub.ErrHubClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.logger, s.hub.Stats())
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("writeJSON failed", "error", err)
	}
}
