package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/sawpanic/marginwatch/internal/persistence"
)

// BreakerStates reports the circuit breaker state per market data source
type BreakerStates interface {
	States() map[string]string
}

// ConnectionCounter reports live observer connections
type ConnectionCounter interface {
	Count() int
}

// HealthHandler provides system health status endpoint
type HealthHandler struct {
	database    persistence.RepositoryHealth
	breakers    BreakerStates
	connections ConnectionCounter
	startTime   time.Time
	version     string
}

// NewHealthHandler creates a health handler. Any dependency may be nil.
func NewHealthHandler(database persistence.RepositoryHealth, breakers BreakerStates, connections ConnectionCounter, version string) *HealthHandler {
	return &HealthHandler{
		database:    database,
		breakers:    breakers,
		connections: connections,
		startTime:   time.Now(),
		version:     version,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status      string                   `json:"status"` // healthy, degraded, unhealthy
	Timestamp   time.Time                `json:"timestamp"`
	Uptime      string                   `json:"uptime"`
	Version     string                   `json:"version"`
	System      SystemInfo               `json:"system"`
	Database    *persistence.HealthCheck `json:"database,omitempty"`
	Providers   map[string]string        `json:"providers,omitempty"`
	Connections int                      `json:"connections"`
	Checks      map[string]CheckResult   `json:"checks"`
}

// SystemInfo provides system-level information
type SystemInfo struct {
	GoVersion     string `json:"goVersion"`
	NumGoroutines int    `json:"numGoroutines"`
	MemAlloc      uint64 `json:"memAllocBytes"`
	NumGC         uint32 `json:"numGC"`
}

// CheckResult represents individual health check results
type CheckResult struct {
	Status  string `json:"status"` // pass, warn, fail
	Message string `json:"message"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	response := h.gather(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	if response.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(response)
}

func (h *HealthHandler) gather(ctx context.Context) HealthResponse {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	response := HealthResponse{
		Timestamp: time.Now(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Version:   h.version,
		System: SystemInfo{
			GoVersion:     runtime.Version(),
			NumGoroutines: runtime.NumGoroutine(),
			MemAlloc:      mem.Alloc,
			NumGC:         mem.NumGC,
		},
		Checks: make(map[string]CheckResult),
	}

	if h.database != nil {
		check := h.database.Health(ctx)
		response.Database = &check
		if check.Healthy {
			response.Checks["database"] = CheckResult{Status: "pass", Message: fmt.Sprintf("Database responding in %dms", check.ResponseTimeMS)}
		} else {
			response.Checks["database"] = CheckResult{Status: "fail", Message: fmt.Sprintf("Database unhealthy: %v", check.Errors)}
		}
	}

	if h.breakers != nil {
		response.Providers = h.breakers.States()
		open := 0
		for _, state := range response.Providers {
			if state == "open" {
				open++
			}
		}
		switch {
		case len(response.Providers) > 0 && open == len(response.Providers):
			response.Checks["market_data"] = CheckResult{Status: "warn", Message: "All market data sources are open-circuited"}
		case open > 0:
			response.Checks["market_data"] = CheckResult{Status: "warn", Message: fmt.Sprintf("%d/%d market data sources open-circuited", open, len(response.Providers))}
		default:
			response.Checks["market_data"] = CheckResult{Status: "pass", Message: "Market data sources available"}
		}
	}

	if h.connections != nil {
		response.Connections = h.connections.Count()
	}

	if response.System.NumGoroutines > 10000 {
		response.Checks["goroutines"] = CheckResult{Status: "warn", Message: fmt.Sprintf("High goroutine count: %d", response.System.NumGoroutines)}
	} else {
		response.Checks["goroutines"] = CheckResult{Status: "pass", Message: fmt.Sprintf("Goroutine count normal: %d", response.System.NumGoroutines)}
	}

	response.Status = overallStatus(response.Checks)
	return response
}

func overallStatus(checks map[string]CheckResult) string {
	status := "healthy"
	for _, check := range checks {
		switch check.Status {
		case "fail":
			return "unhealthy"
		case "warn":
			status = "degraded"
		}
	}
	return status
}
