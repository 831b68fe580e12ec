// Package health provides liveness and readiness endpoints for the sync daemon.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Checker is implemented by client.Client
type Checker interface {
	Booted() bool
	Ping(ctx context.Context) error
}

// HealthCheck manages health check functionality.
type HealthCheck struct {
	checker      Checker
	logger       *zap.Logger
	checkTimeout time.Duration

	mu        sync.RWMutex
	ready     bool
	lastCheck time.Time
}

// NewHealthCheck creates a new HealthCheck instance.
func NewHealthCheck(checker Checker, logger *zap.Logger) *HealthCheck {
	return &HealthCheck{
		checker:      checker,
		logger:       logger,
		checkTimeout: 2 * time.Second,
	}
}

// LivenessResponse represents the response for the liveness check.
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse represents the response for the readiness check.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// LivenessHandler handles GET /health requests.
// Returns 200 OK if the process is running.
func (hc *HealthCheck) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{Status: "healthy"})
}

// ReadinessHandler handles GET /ready requests.
// Returns 200 OK once the client is booted and one local store answers.
func (hc *HealthCheck) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), hc.checkTimeout)
	defer cancel()

	if err := hc.check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadinessResponse{
			Status: "not_ready",
			Checks: map[string]string{"stores": "unhealthy"},
			Error:  err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, ReadinessResponse{
		Status: "ready",
		Checks: map[string]string{"stores": "healthy"},
	})
}

// Run re-checks readiness every interval until ctx is done.
func (hc *HealthCheck) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, hc.checkTimeout)
			if err := hc.check(checkCtx); err != nil {
				hc.logger.Warn("health check failed", zap.Error(err))
			}
			cancel()
		}
	}
}

func (hc *HealthCheck) check(ctx context.Context) error {
	var err error
	if !hc.checker.Booted() {
		err = errNotBooted
	} else {
		err = hc.checker.Ping(ctx)
	}

	hc.mu.Lock()
	hc.ready = err == nil
	hc.lastCheck = time.Now()
	hc.mu.Unlock()
	return err
}

// IsReady returns the result of the last check.
func (hc *HealthCheck) IsReady() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.ready
}

// LastCheck returns when readiness was last evaluated
func (hc *HealthCheck) LastCheck() time.Time {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.lastCheck
}

var errNotBooted = errors.New("client is not booted")

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
