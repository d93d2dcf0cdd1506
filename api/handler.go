// Package api provides the HTTP surface of the relay: the ingestion endpoint,
// a health check, and the dead letter queue admin routes.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/xraph/crmrelay/dlq"
	"github.com/xraph/crmrelay/id"
	"github.com/xraph/crmrelay/queue"
)

// Ingester authenticates and enqueues one request body.
type Ingester interface {
	Ingest(ctx context.Context, body []byte) (*queue.Message, error)
}

// DLQService is the dead letter queue admin surface.
type DLQService interface {
	List(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error)
	Get(ctx context.Context, dlqID id.ID) (*dlq.Entry, error)
	Replay(ctx context.Context, dlqID id.ID) (*queue.Message, error)
	ReplayBulk(ctx context.Context, from, to time.Time) (int64, error)
	Purge(ctx context.Context, before time.Time) (int64, error)
	Count(ctx context.Context) (int64, error)
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler is the root HTTP handler.
type Handler struct {
	ingester Ingester
	dlqSvc   DLQService
	pinger   Pinger
	logger   *slog.Logger
	mux      *http.ServeMux
}

// NewHandler creates a new handler. A nil ingester leaves POST / unmounted,
// for processes that only consume.
func NewHandler(ing Ingester, dlqSvc DLQService, pinger Pinger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		ingester: ing,
		dlqSvc:   dlqSvc,
		pinger:   pinger,
		logger:   logger,
		mux:      http.NewServeMux(),
	}

	h.registerRoutes()
	return h
}

func (h *Handler) registerRoutes() {
	// Ingestion
	if h.ingester != nil {
		h.mux.HandleFunc("POST /{$}", h.ingest)
	}

	h.mux.HandleFunc("GET /healthz", h.healthz)

	// DLQ
	if h.dlqSvc != nil {
		h.mux.HandleFunc("GET /dlq", h.listDLQ)
		h.mux.HandleFunc("GET /dlq/{id}", h.getDLQ)
		h.mux.HandleFunc("POST /dlq/{id}/replay", h.replayDLQ)
		h.mux.HandleFunc("POST /dlq/replay", h.replayBulkDLQ)
		h.mux.HandleFunc("DELETE /dlq", h.purgeDLQ)
	}
}

// Handle mounts an extra handler, such as the metrics endpoint.
func (h *Handler) Handle(pattern string, handler http.Handler) {
	h.mux.Handle(pattern, handler)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.withMiddleware(h.mux).ServeHTTP(w, r)
}

func (h *Handler) withMiddleware(next http.Handler) http.Handler {
	return h.panicRecovery(h.logging(next))
}

func (h *Handler) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		h.logger.InfoContext(r.Context(), "api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (h *Handler) panicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.ErrorContext(r.Context(), "panic recovered",
					"error", rec,
					"stack", string(debug.Stack()),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		if err := h.pinger.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// JSON helpers.

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best effort
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeText answers with a plain-text reason, the ingestion error format.
func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	w.Write([]byte(msg)) //nolint:errcheck // best effort
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// queryParam returns a query parameter value, or empty string if not present.
func queryParam(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}

// queryInt returns a query parameter as a non-negative int or a default value.
func queryInt(r *http.Request, key string, defaultVal int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

// queryTime parses an optional RFC3339 query parameter.
func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
