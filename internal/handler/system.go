package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"iouchain/internal/chain"
	"iouchain/internal/iou"
	"iouchain/internal/middleware"
	"iouchain/pkg/logger"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

// TokenRevoker revokes a bearer token for the given duration.
type TokenRevoker interface {
	Blacklist(ctx context.Context, token string, expiration time.Duration) error
}

// SystemHandler serves liveness, readiness and token revocation.
type SystemHandler struct {
	ledger      chain.Reader
	service     *iou.Service
	db          *sqlx.DB
	redisClient *redis.Client
	revoker     TokenRevoker
	logger      logger.Logger
	startTime   time.Time
}

// NewSystemHandler creates a SystemHandler. db, redisClient and revoker may
// be nil when the deployment runs without them.
func NewSystemHandler(ledger chain.Reader, service *iou.Service, db *sqlx.DB, redisClient *redis.Client, revoker TokenRevoker, log logger.Logger) *SystemHandler {
	return &SystemHandler{
		ledger:      ledger,
		service:     service,
		db:          db,
		redisClient: redisClient,
		revoker:     revoker,
		logger:      log,
		startTime:   time.Now(),
	}
}

type dependencyStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Health reports that the process is up.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	})
}

// Ready checks every configured dependency and the ledger connection.
func (h *SystemHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := []dependencyStatus{
		h.check("ledger", func() error {
			_, err := h.ledger.Tip(ctx)
			return err
		}),
	}
	if h.db != nil {
		checks = append(checks, h.check("postgres", func() error { return h.db.PingContext(ctx) }))
	}
	if h.redisClient != nil {
		checks = append(checks, h.check("redis", func() error { return h.redisClient.Ping(ctx).Err() }))
	}

	status := http.StatusOK
	overall := "ready"
	for _, c := range checks {
		if c.Status != "up" {
			status = http.StatusServiceUnavailable
			overall = "not ready"
		}
	}

	snap := h.service.Snapshot()
	h.respondJSON(w, status, map[string]interface{}{
		"status":       overall,
		"dependencies": checks,
		"snapshot": map[string]interface{}{
			"tip":          snap.Tip().String(),
			"events":       snap.EventCount(),
			"participants": len(snap.Participants()),
		},
		"watchers": h.service.Watchers(),
	})
}

func (h *SystemHandler) check(name string, probe func() error) dependencyStatus {
	start := time.Now()
	err := probe()
	st := dependencyStatus{Name: name, Status: "up", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		st.Status = "down"
		st.Error = err.Error()
		h.logger.Warn("Readiness check failed", map[string]interface{}{
			"dependency": name,
			"error":      err.Error(),
		})
	}
	return st
}

// RevokeToken blacklists the caller's bearer token.
func (h *SystemHandler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	if h.revoker == nil {
		h.respondError(w, http.StatusNotImplemented, "Token revocation requires Redis")
		return
	}
	token, ok := middleware.TokenFromContext(r.Context())
	if !ok {
		h.respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if err := h.revoker.Blacklist(r.Context(), token, 24*time.Hour); err != nil {
		h.logger.Error("Failed to revoke token", map[string]interface{}{"error": err.Error()})
		h.respondError(w, http.StatusInternalServerError, "Failed to revoke token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SystemHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("json encode failed", map[string]interface{}{"error": err.Error()})
	}
}

func (h *SystemHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
