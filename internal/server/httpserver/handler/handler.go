package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/yndnr/statemesh-go/internal/core/domain"
	"github.com/yndnr/statemesh-go/internal/server/clusterserver"
	"github.com/yndnr/statemesh-go/internal/storage/snapshot"
)

// StateReader is the part of a replica the handlers read.
type StateReader interface {
	Current() *snapshot.Snapshot
	At(version domain.Version) (*snapshot.Snapshot, error)
	Clustered() bool
}

// ClusterInfo reports the node's cluster view.
type ClusterInfo interface {
	Stats() clusterserver.Stats
}

// Config configures a Handler.
type Config struct {
	NodeID string
	State  StateReader
	// Cluster is nil for a standalone replica.
	Cluster ClusterInfo
	Logger  *slog.Logger
}

// Handler serves the admin endpoints.
type Handler struct {
	nodeID  string
	state   StateReader
	cluster ClusterInfo
	logger  *slog.Logger
	mux     *http.ServeMux
}

// New creates a Handler.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		nodeID:  cfg.NodeID,
		state:   cfg.State,
		cluster: cfg.Cluster,
		logger:  logger,
		mux:     http.NewServeMux(),
	}

	h.registerRoutes()
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("GET /healthz", h.handleHealth)
	h.mux.HandleFunc("GET /readyz", h.handleReady)

	h.mux.HandleFunc("GET /v1/status", h.handleStatus)
	h.mux.HandleFunc("GET /v1/keys", h.handleListKeys)
	h.mux.HandleFunc("GET /v1/keys/{key}", h.handleGetKey)
	h.mux.HandleFunc("GET /v1/diff", h.handleDiff)
}

type requestIDKey struct{}

// WithRequestID stores the request ID in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request ID stored in ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// writeJSON writes a JSON response with standard envelope format.
func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	response := NewResponse(RequestID(r.Context()), data)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// WriteError writes an error response with standard envelope format.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	response := NewErrorResponse(RequestID(r.Context()), code, message, nil)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Error-Code", code)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}

// handleError converts domain errors to HTTP responses.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var de *domain.DomainError
	if errors.As(err, &de) {
		WriteError(w, r, StatusForCode(de.Code), de.Code, err.Error())
		return
	}

	h.logger.Error("internal error", "path", r.URL.Path, "error", err)
	WriteError(w, r, http.StatusInternalServerError, domain.ErrInternal.Code, "internal server error")
}

// StatusForCode maps error codes to HTTP status codes.
func StatusForCode(code string) int {
	switch {
	case strings.HasSuffix(code, "-4040"):
		return http.StatusNotFound
	case strings.HasSuffix(code, "-4090"), strings.HasSuffix(code, "-4091"):
		return http.StatusConflict
	case strings.HasSuffix(code, "-4290"):
		return http.StatusTooManyRequests
	case strings.HasSuffix(code, "-4030"), strings.HasSuffix(code, "-4031"):
		return http.StatusForbidden
	case strings.HasPrefix(code, "SM-ARG-"), strings.HasSuffix(code, "-4000"), strings.HasSuffix(code, "-4001"):
		return http.StatusBadRequest
	case strings.HasPrefix(code, "SM-NET-503"):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
