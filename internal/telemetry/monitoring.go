// Package telemetry exposes coordinator metrics and health over HTTP.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a health check result
type HealthCheck struct {
	Name        string            `json:"name"`
	Status      HealthStatus      `json:"status"`
	Message     string            `json:"message"`
	LastChecked time.Time         `json:"last_checked"`
	Duration    time.Duration     `json:"duration"`
	Details     map[string]string `json:"details,omitempty"`
}

// CheckFunc runs one health check.
type CheckFunc func(ctx context.Context) HealthCheck

// PingCheck turns a ping function into a health check.
func PingCheck(name string, ping func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) HealthCheck {
		if err := ping(ctx); err != nil {
			return HealthCheck{Name: name, Status: HealthStatusUnhealthy, Message: err.Error()}
		}
		return HealthCheck{Name: name, Status: HealthStatusHealthy, Message: "ok"}
	}
}

// MonitoringServer provides HTTP endpoints for monitoring and metrics
type MonitoringServer struct {
	metrics *Metrics
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	server  *http.Server
}

// NewMonitoringServer creates a new monitoring server
func NewMonitoringServer(addr string, metrics *Metrics) *MonitoringServer {
	ms := &MonitoringServer{
		metrics: metrics,
		checks:  map[string]CheckFunc{"goroutines": goroutineCheck},
	}
	ms.server = &http.Server{
		Addr:              addr,
		Handler:           ms.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ms
}

// Handler returns the routes without starting a listener.
func (ms *MonitoringServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", ms.healthHandler)
	if reg := ms.metrics.Registry(); reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	return mux
}

func (ms *MonitoringServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	checks := ms.RunHealthChecks(r.Context())

	overallStatus := HealthStatusHealthy
	for _, check := range checks {
		if check.Status == HealthStatusUnhealthy {
			overallStatus = HealthStatusUnhealthy
			break
		} else if check.Status == HealthStatusDegraded {
			overallStatus = HealthStatusDegraded
		}
	}

	response := map[string]interface{}{
		"status":    overallStatus,
		"timestamp": time.Now(),
		"checks":    checks,
	}

	w.Header().Set("Content-Type", "application/json")
	if overallStatus == HealthStatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(response)
}

// RegisterHealthCheck registers a health check function
func (ms *MonitoringServer) RegisterHealthCheck(name string, fn CheckFunc) {
	ms.mu.Lock()
	ms.checks[name] = fn
	ms.mu.Unlock()
}

// RunHealthChecks executes all registered health checks in name order.
func (ms *MonitoringServer) RunHealthChecks(ctx context.Context) []HealthCheck {
	ms.mu.RLock()
	names := make([]string, 0, len(ms.checks))
	for name := range ms.checks {
		names = append(names, name)
	}
	fns := make(map[string]CheckFunc, len(ms.checks))
	for k, v := range ms.checks {
		fns[k] = v
	}
	ms.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	checks := make([]HealthCheck, 0, len(names))
	for _, name := range names {
		start := time.Now()
		check := fns[name](ctx)
		check.Name = name
		check.Duration = time.Since(start)
		check.LastChecked = time.Now()
		checks = append(checks, check)
	}
	return checks
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (ms *MonitoringServer) Start() error {
	log.Info().Str("addr", ms.server.Addr).Msg("Starting monitoring server")
	if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the monitoring server
func (ms *MonitoringServer) Shutdown(ctx context.Context) error {
	if ms.server != nil {
		return ms.server.Shutdown(ctx)
	}
	return nil
}

func goroutineCheck(context.Context) HealthCheck {
	count := runtime.NumGoroutine()
	status := HealthStatusHealthy
	message := fmt.Sprintf("Goroutines: %d", count)

	if count > 5000 {
		status = HealthStatusDegraded
		message = fmt.Sprintf("High goroutine count: %d", count)
	}

	return HealthCheck{
		Status:  status,
		Message: message,
		Details: map[string]string{"count": fmt.Sprintf("%d", count)},
	}
}
