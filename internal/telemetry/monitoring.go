package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

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

// MonitoringServer provides HTTP endpoints for health and metrics
type MonitoringServer struct {
	collector *Collector

	mu           sync.RWMutex
	healthChecks map[string]func() HealthCheck

	server *http.Server
}

// NewMonitoringServer creates a new monitoring server
func NewMonitoringServer(addr string, collector *Collector) *MonitoringServer {
	ms := &MonitoringServer{
		collector:    collector,
		healthChecks: make(map[string]func() HealthCheck),
	}

	ms.server = &http.Server{
		Addr:              addr,
		Handler:           ms.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return ms
}

// Handler returns the monitoring routes.
func (ms *MonitoringServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", ms.healthHandler)
	mux.HandleFunc("/metrics", ms.metricsHandler)
	mux.HandleFunc("/api/metrics", ms.apiMetricsHandler)
	mux.HandleFunc("/api/health", ms.apiHealthHandler)
	return mux
}

// healthHandler answers 503 unless every check is healthy or degraded
func (ms *MonitoringServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	checks, overall := ms.runHealthChecks()

	w.Header().Set("Content-Type", "application/json")
	if overall == HealthStatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    overall,
		"timestamp": time.Now(),
		"checks":    checks,
	})
}

// metricsHandler provides Prometheus-style metrics
func (ms *MonitoringServer) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	for _, metric := range ms.collector.GetMetrics() {
		labelStr := ""
		if len(metric.Labels) > 0 {
			pairs := make([]string, 0, len(metric.Labels))
			for k, v := range metric.Labels {
				pairs = append(pairs, fmt.Sprintf(`%s="%s"`, k, v))
			}
			sort.Strings(pairs)
			labelStr = "{" + strings.Join(pairs, ",") + "}"
		}

		typ := "gauge"
		if metric.Type == Counter {
			typ = "counter"
		}
		fmt.Fprintf(w, "# TYPE %s %s\n", metric.Name, typ)
		fmt.Fprintf(w, "%s%s %g\n", metric.Name, labelStr, metric.Value)
	}
}

// apiMetricsHandler provides JSON metrics API
func (ms *MonitoringServer) apiMetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ms.collector.GetMetrics())
}

// apiHealthHandler always answers 200 with the check details
func (ms *MonitoringServer) apiHealthHandler(w http.ResponseWriter, r *http.Request) {
	checks, overall := ms.runHealthChecks()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    overall,
		"timestamp": time.Now(),
		"checks":    checks,
	})
}

// RegisterHealthCheck registers a health check function
func (ms *MonitoringServer) RegisterHealthCheck(name string, checkFn func() HealthCheck) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.healthChecks[name] = checkFn
}

// runHealthChecks executes all registered health checks in name order
func (ms *MonitoringServer) runHealthChecks() ([]HealthCheck, HealthStatus) {
	ms.mu.RLock()
	names := make([]string, 0, len(ms.healthChecks))
	for name := range ms.healthChecks {
		names = append(names, name)
	}
	fns := make(map[string]func() HealthCheck, len(ms.healthChecks))
	for name, fn := range ms.healthChecks {
		fns[name] = fn
	}
	ms.mu.RUnlock()
	sort.Strings(names)

	overall := HealthStatusHealthy
	checks := make([]HealthCheck, 0, len(names))
	for _, name := range names {
		start := time.Now()
		check := fns[name]()
		check.Duration = time.Since(start)
		check.LastChecked = time.Now()
		checks = append(checks, check)

		switch check.Status {
		case HealthStatusUnhealthy:
			overall = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if overall == HealthStatusHealthy {
				overall = HealthStatusDegraded
			}
		}
	}

	return checks, overall
}

// Run serves until ctx is cancelled, then shuts the server down.
func (ms *MonitoringServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ms.server.Addr).Msg("Starting monitoring server")
		errCh <- ms.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return ms.server.Shutdown(shutdownCtx)
	}
}

// GoroutineHealthCheck flags runaway goroutine counts.
func GoroutineHealthCheck() HealthCheck {
	count := runtime.NumGoroutine()
	status := HealthStatusHealthy
	message := fmt.Sprintf("Goroutines: %d", count)

	if count > 1000 {
		status = HealthStatusDegraded
		message = fmt.Sprintf("High goroutine count: %d", count)
	}
	if count > 5000 {
		status = HealthStatusUnhealthy
		message = fmt.Sprintf("Critical goroutine count: %d", count)
	}

	return HealthCheck{
		Name:    "goroutines",
		Status:  status,
		Message: message,
		Details: map[string]string{
			"count": fmt.Sprintf("%d", count),
		},
	}
}
