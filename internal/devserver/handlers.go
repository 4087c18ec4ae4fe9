package devserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	tethersync "github.com/hyperengineering/tether/internal/sync"
)

// Handler serves the delta protocol over HTTP.
type Handler struct {
	server *Server
	apiKey string
}

// NewHandler wraps an authority with the HTTP surface.
func NewHandler(server *Server, apiKey string) *Handler {
	return &Handler{server: server, apiKey: apiKey}
}

// NewRouter creates the router with all routes configured. A non-nil
// gatherer additionally exposes /metrics.
func NewRouter(h *Handler, gatherer prometheus.Gatherer) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Health stays public so clients can probe before authenticating.
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))
			r.Get("/sync/pull", h.Pull)
			r.Post("/sync/push", h.Push)
		})
	})

	return r
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Pull serves one page of the change stream.
// Query: after (opaque cursor, optional), limit (optional, capped).
func (h *Handler) Pull(w http.ResponseWriter, r *http.Request) {
	after := tethersync.Cursor(r.URL.Query().Get("after"))

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			WriteProblem(w, r, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	writeJSON(w, http.StatusOK, h.server.Pull(after, limit))
}

// Push applies a batch of change entries.
func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	var req tethersync.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "malformed push request")
		return
	}
	if req.SourceID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "source_id is required")
		return
	}
	for _, e := range req.Entries {
		if e.IdempotencyKey == "" {
			WriteProblem(w, r, http.StatusBadRequest, "every entry needs an idempotency_key")
			return
		}
	}

	writeJSON(w, http.StatusOK, h.server.Push(req))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
