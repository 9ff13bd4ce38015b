package http

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// HealthChecker reports whether a dependency is reachable
type HealthChecker interface {
	Health(ctx context.Context) error
}

// SessionCounter reports the number of live gateway sessions
type SessionCounter interface {
	Count() int
}

// Handlers holds the plain HTTP handlers
type Handlers struct {
	db       HealthChecker
	sessions SessionCounter
	logger   *zap.Logger
}

// NewHandlers creates the HTTP handlers. sessions may be nil.
func NewHandlers(db HealthChecker, sessions SessionCounter, logger *zap.Logger) *Handlers {
	return &Handlers{
		db:       db,
		sessions: sessions,
		logger:   logger,
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Sessions int    `json:"sessions"`
}

// HealthHandler handles health check requests. It fails with 503 when the database is unreachable.
func (h *Handlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Database: "ok"}
	code := http.StatusOK

	if err := h.db.Health(r.Context()); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		resp.Status = "degraded"
		resp.Database = "unreachable"
		code = http.StatusServiceUnavailable
	}
	if h.sessions != nil {
		resp.Sessions = h.sessions.Count()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to write health check response", zap.Error(err))
	}
}
