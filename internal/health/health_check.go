package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/docstore/internal/subscription"
)

const readinessTimeout = 5 * time.Second

// Pinger is satisfied by the document store
type Pinger interface {
	Ping(ctx context.Context) error
}

// WorkerProbe is satisfied by a subscription worker
type WorkerProbe interface {
	Name() string
	State() subscription.State
}

// HealthChecker provides health check endpoints
type HealthChecker struct {
	store  Pinger
	logger *zap.Logger

	mu      sync.RWMutex
	workers []WorkerProbe
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(store Pinger, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthChecker{
		store:  store,
		logger: logger,
	}
}

// AddWorker includes a subscription worker in readiness checks
func (h *HealthChecker) AddWorker(w WorkerProbe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.workers = append(h.workers, w)
}

// LivenessHandler handles liveness check requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	})
}

// ReadinessHandler handles readiness check requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	checks := h.Check(ctx)
	allHealthy := true
	for _, result := range checks {
		if result != "healthy" {
			allHealthy = false
			break
		}
	}

	status := HealthStatus{
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}
	if allHealthy {
		status.Status = "ready"
		writeStatus(w, http.StatusOK, status)
		return
	}
	status.Status = "not_ready"
	writeStatus(w, http.StatusServiceUnavailable, status)
}

// Check runs every readiness check and returns a result per check
func (h *HealthChecker) Check(ctx context.Context) map[string]string {
	checks := make(map[string]string)

	if err := h.checkStore(ctx); err != nil {
		h.logger.Error("Document store health check failed", zap.Error(err))
		checks["store"] = "unhealthy: " + err.Error()
	} else {
		checks["store"] = "healthy"
	}

	h.mu.RLock()
	workers := append([]WorkerProbe(nil), h.workers...)
	h.mu.RUnlock()
	sort.Slice(workers, func(i, j int) bool { return workers[i].Name() < workers[j].Name() })
	for _, worker := range workers {
		key := "subscription:" + worker.Name()
		if err := checkWorker(worker); err != nil {
			h.logger.Warn("Subscription worker health check failed",
				zap.String("subscription", worker.Name()),
				zap.Error(err))
			checks[key] = "unhealthy: " + err.Error()
		} else {
			checks[key] = "healthy"
		}
	}
	return checks
}

func (h *HealthChecker) checkStore(ctx context.Context) error {
	if h.store == nil {
		return nil // Skip if not initialized
	}
	return h.store.Ping(ctx)
}

func checkWorker(w WorkerProbe) error {
	if state := w.State(); state == subscription.StateClosed {
		return fmt.Errorf("worker is %s", state)
	}
	return nil
}

func writeStatus(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// NewServer builds the health check HTTP server
func NewServer(hc *HealthChecker, port int) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", hc.LivenessHandler)
	mux.HandleFunc("/health/ready", hc.ReadinessHandler)

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
