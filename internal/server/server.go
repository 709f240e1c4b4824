// Package server provides the HTTP observability surface: run history from
// the store, live mask statistics over WebSocket, and an MJPEG stream of the
// final mask.
package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/mbrek/umbra/internal/app"
	"github.com/mbrek/umbra/internal/store"
)

// Config holds the server configuration.
type Config struct {
	Store *store.Store
	App   *app.App
}

// Server represents the HTTP server for the umbra application.
type Server struct {
	config Config
	mux    *http.ServeMux
	start  time.Time
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	s := &Server{
		config: config,
		mux:    http.NewServeMux(),
		start:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)

	// Register run history handlers if Store is configured
	if s.config.Store != nil {
		s.mux.HandleFunc("/api/runs", s.handleRuns)
		s.mux.HandleFunc("/api/runs/", s.handleRun)
	}

	// Register live handlers if App is configured
	if s.config.App != nil {
		s.mux.Handle("/api/stats", NewStatsHandler(s.config.App))
		s.mux.Handle("/api/stream", NewStreamHandler(s.config.App))
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(s.start)

	response := map[string]interface{}{
		"status": "ok",
		"uptime": uptime.String(),
	}
	if s.config.App != nil {
		response["frames"] = s.config.App.Frames()
		response["enabled"] = s.config.App.IsEnabled()
	}

	writeJSON(w, response)
}

// handleRuns handles GET requests to /api/runs.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	runs, err := s.config.Store.Runs().List()
	if err != nil {
		http.Error(w, "Failed to list runs", http.StatusInternalServerError)
		return
	}

	writeJSON(w, runs)
}

// handleRun handles GET requests to /api/runs/{id} and /api/runs/{id}/stats.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "Missing run id", http.StatusBadRequest)
		return
	}

	switch sub {
	case "":
		run, err := s.config.Store.Runs().GetByID(id)
		if err == store.ErrNotFound {
			http.Error(w, "Run not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "Failed to load run", http.StatusInternalServerError)
			return
		}
		writeJSON(w, run)

	case "stats":
		stats, err := s.config.Store.Runs().FrameStats(id)
		if err != nil {
			http.Error(w, "Failed to load stats", http.StatusInternalServerError)
			return
		}
		writeJSON(w, stats)

	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s)
}
