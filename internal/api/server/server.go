// Package server provides the local REST API for a lanmesh node.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lanmesh/lanmesh/internal/mesh"
	"github.com/lanmesh/lanmesh/internal/metrics"
	"github.com/lanmesh/lanmesh/internal/version"
)

// API provides the REST API for a lanmesh node.
type API struct {
	coordinator *mesh.Coordinator
	metrics     *metrics.Metrics
	token       string
}

// Config holds API configuration.
type Config struct {
	Coordinator *mesh.Coordinator
	Metrics     *metrics.Metrics
	Token       string
}

// New creates a new API server.
func New(cfg Config) *API {
	return &API{
		coordinator: cfg.Coordinator,
		metrics:     cfg.Metrics,
		token:       cfg.Token,
	}
}

// Router returns the HTTP router for the API.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	if a.token != "" {
		r.Use(a.authMiddleware)
	}

	r.Get("/api/v1/health", a.handleHealth)
	r.Get("/api/v1/version", a.handleVersion)
	r.Get("/api/v1/stats", a.handleStats)
	r.Get("/api/v1/devices", a.handleDevices)
	r.Get("/api/v1/connections", a.handleConnections)
	r.Post("/api/v1/request", a.handleSendRequest)
	r.Post("/api/v1/broadcast", a.handleBroadcast)
	r.Delete("/api/v1/devices/{ip}", a.handleDisconnect)

	if a.metrics != nil {
		r.Handle("/metrics", a.metrics.Handler())
	}

	return r
}

// authMiddleware enforces the bearer token.
func (a *API) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		// Remove "Bearer " prefix if present
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}

		if token != a.token {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleVersion(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, version.GetInfo())
}

// writeJSON writes a JSON response.
func (a *API) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck // Best effort response write
}

// writeError writes a JSON error response.
func (a *API) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}
