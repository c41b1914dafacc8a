package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/relayhub/wagateway/internal/cache"
	"github.com/relayhub/wagateway/internal/store"
)

// Version is the gateway's reported build version. Overridden at link time
// via -ldflags "-X .../gateway.Version=...".
var Version = "dev"

const healthCheckTimeout = 2 * time.Second

// componentCheck is one entry in the health response's checks object.
type componentCheck struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latencyMs,omitempty"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status      string                     `json:"status"`
	Timestamp   string                     `json:"timestamp"`
	UptimeS     float64                    `json:"uptime"`
	Environment string                     `json:"environment"`
	Version     string                     `json:"version"`
	Checks      map[string]componentCheck  `json:"checks"`
}

// HealthChecker serves GET /health, probing the relational store and the
// context cache. The memory check is always reported as "ok"; process
// memory is not measured.
type HealthChecker struct {
	store       store.Store
	cache       *cache.ContextCache
	environment string
	startedAt   time.Time
}

// NewHealthChecker builds a HealthChecker. startedAt should be captured
// once at process boot, not per-request.
func NewHealthChecker(s store.Store, c *cache.ContextCache, environment string, startedAt time.Time) *HealthChecker {
	return &HealthChecker{store: s, cache: c, environment: environment, startedAt: startedAt}
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	dbCheck := probe(func() error { return h.store.Ping(ctx) })
	redisCheck := probe(func() error { return h.cache.Ping(ctx) })
	memCheck := componentCheck{Status: "ok"}

	allHealthy := dbCheck.Status == "ok" && redisCheck.Status == "ok" && memCheck.Status == "ok"

	resp := healthResponse{
		Status:      statusLabel(allHealthy),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		UptimeS:     time.Since(h.startedAt).Seconds(),
		Environment: h.environment,
		Version:     Version,
		Checks: map[string]componentCheck{
			"database": dbCheck,
			"redis":    redisCheck,
			"memory":   memCheck,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if allHealthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func statusLabel(healthy bool) string {
	if healthy {
		return "healthy"
	}
	return "unhealthy"
}

func probe(fn func() error) componentCheck {
	start := time.Now()
	err := fn()
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return componentCheck{Status: "error", LatencyMs: latency, Error: err.Error()}
	}
	return componentCheck{Status: "ok", LatencyMs: latency}
}
