package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// HealthStatus represents the collector and dependency health.
type HealthStatus struct {
	mu sync.RWMutex

	Collector      string    `json:"collector"`
	PairsTracked   int       `json:"pairs_tracked"`
	LastDiscovery  time.Time `json:"last_discovery"`
	LastIndicator  time.Time `json:"last_indicator"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		Collector: "starting",
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetCollector(state string, tracked int) {
	h.mu.Lock()
	h.Collector = state
	h.PairsTracked = tracked
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastDiscovery(t time.Time) {
	h.mu.Lock()
	h.LastDiscovery = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastIndicator(t time.Time) {
	h.mu.Lock()
	h.LastIndicator = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb goredis.UniversalClient) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks until ctx ends.
// Either dependency may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb goredis.UniversalClient, sqlDB *sql.DB, interval time.Duration) {
	check := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if rdb != nil {
			h.CheckRedis(probeCtx, rdb)
		}
		if sqlDB != nil {
			h.CheckSQLite(probeCtx, sqlDB)
		}
	}

	go func() {
		check()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				check()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	// The collector keeps serving from memory when storage is down, so a
	// storage outage is degraded, not unhealthy.
	overallStatus := "healthy"
	httpCode := http.StatusOK
	if h.Collector != "ok" || !h.RedisConnected || !h.SQLiteOK {
		overallStatus = "degraded"
	}
	if h.Collector == "starting" {
		httpCode = http.StatusServiceUnavailable
	}

	discoveryAge := ""
	if !h.LastDiscovery.IsZero() {
		discoveryAge = time.Since(h.LastDiscovery).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		Collector       string  `json:"collector"`
		PairsTracked    int     `json:"pairs_tracked"`
		LastDiscovery   string  `json:"last_discovery"`
		DiscoveryAge    string  `json:"discovery_age"`
		LastIndicator   string  `json:"last_indicator"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		Collector:       h.Collector,
		PairsTracked:    h.PairsTracked,
		LastDiscovery:   h.LastDiscovery.Format(time.RFC3339),
		DiscoveryAge:    discoveryAge,
		LastIndicator:   h.LastIndicator.Format(time.RFC3339),
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}
