package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger is a dependency whose reachability gates readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type check struct {
	name   string
	pinger Pinger
}

// HealthChecker provides health check endpoints
type HealthChecker struct {
	mu      sync.RWMutex
	checks  []check
	timeout time.Duration
	grpc    *grpchealth.Server
	logger  *zap.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker creates a new health checker. Its gRPC health server starts
// out NOT_SERVING until the first readiness check passes.
func NewHealthChecker(timeout time.Duration, logger *zap.Logger) *HealthChecker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	srv := grpchealth.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthChecker{
		timeout: timeout,
		grpc:    srv,
		logger:  logger,
	}
}

// Register adds a named readiness dependency. Nil pingers are skipped.
func (h *HealthChecker) Register(name string, pinger Pinger) {
	if pinger == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check{name: name, pinger: pinger})
}

// GRPCServer returns the gRPC health service to register on a gRPC server.
func (h *HealthChecker) GRPCServer() *grpchealth.Server {
	return h.grpc
}

// Check pings every dependency and updates the gRPC serving status.
func (h *HealthChecker) Check(ctx context.Context) (map[string]string, bool) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	h.mu.RLock()
	checks := append([]check(nil), h.checks...)
	h.mu.RUnlock()

	results := make(map[string]string, len(checks))
	allHealthy := true
	for _, c := range checks {
		if err := c.pinger.Ping(ctx); err != nil {
			h.logger.Error("Health check failed",
				zap.String("check", c.name),
				zap.Error(err))
			results[c.name] = "unhealthy: " + err.Error()
			allHealthy = false
			continue
		}
		results[c.name] = "healthy"
	}

	if allHealthy {
		h.grpc.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	} else {
		h.grpc.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return results, allHealthy
}

// Watch re-runs Check every interval until ctx is done, keeping the gRPC
// status current for clients that never hit the HTTP probe.
func (h *HealthChecker) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

// Shutdown marks the process as no longer serving.
func (h *HealthChecker) Shutdown() {
	h.grpc.Shutdown()
}

// LivenessHandler handles liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	}
	writeStatus(w, http.StatusOK, status)
}

// ReadinessHandler handles readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	checks, ready := h.Check(r.Context())
	status := HealthStatus{
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}
	if ready {
		status.Status = "ready"
		writeStatus(w, http.StatusOK, status)
		return
	}
	status.Status = "not_ready"
	writeStatus(w, http.StatusServiceUnavailable, status)
}

// Routes registers the probes on mux.
func (h *HealthChecker) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health/live", h.LivenessHandler)
	mux.HandleFunc("/health/ready", h.ReadinessHandler)
}

func writeStatus(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}
