package orchestrator

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

type ComponentStatus string

const (
	StatusOK          ComponentStatus = "ok"
	StatusError       ComponentStatus = "error"
	StatusUnavailable ComponentStatus = "unavailable"
)

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

type ComponentHealth struct {
	Status ComponentStatus `json:"status"`
	Error  string          `json:"error,omitempty"`
}

type HealthCheckResult struct {
	Status     HealthStatus               `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// connectionChecker is satisfied by the MQTT channel.
type connectionChecker interface {
	Connected() bool
}

// HealthChecker backs the /healthz and /readyz endpoints.
type HealthChecker struct {
	db      *sql.DB
	channel connectionChecker
	hub     *Hub
	mu      sync.RWMutex
}

func NewHealthChecker(db *sql.DB, channel connectionChecker, hub *Hub) *HealthChecker {
	return &HealthChecker{
		db:      db,
		channel: channel,
		hub:     hub,
	}
}

// CheckLiveness reports healthy whenever the process is serving requests.
func (hc *HealthChecker) CheckLiveness(ctx context.Context) HealthCheckResult {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	return HealthCheckResult{
		Status:     HealthHealthy,
		Components: map[string]ComponentHealth{},
		Timestamp:  time.Now().UTC(),
	}
}

// CheckReadiness checks each dependency the orchestrator needs to do useful
// work. A broken database is unhealthy; a disconnected command channel is
// degraded, since the broker reconnects on its own.
func (hc *HealthChecker) CheckReadiness(ctx context.Context) HealthCheckResult {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	components := make(map[string]ComponentHealth)
	components["database"] = hc.checkDatabase(ctx)
	components["command_channel"] = hc.checkChannel()
	components["feed_hub"] = hc.checkHub()

	overallStatus := HealthHealthy
	for _, comp := range components {
		if comp.Status == StatusError {
			overallStatus = HealthUnhealthy
			break
		}
		if comp.Status == StatusUnavailable {
			overallStatus = HealthDegraded
		}
	}

	return HealthCheckResult{
		Status:     overallStatus,
		Components: components,
		Timestamp:  time.Now().UTC(),
	}
}

func (hc *HealthChecker) checkDatabase(ctx context.Context) ComponentHealth {
	if hc.db == nil {
		return ComponentHealth{
			Status: StatusUnavailable,
			Error:  "database not configured",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := hc.db.PingContext(ctx); err != nil {
		return ComponentHealth{
			Status: StatusError,
			Error:  err.Error(),
		}
	}

	return ComponentHealth{Status: StatusOK}
}

func (hc *HealthChecker) checkChannel() ComponentHealth {
	if hc.channel == nil {
		return ComponentHealth{
			Status: StatusUnavailable,
			Error:  "command channel not configured",
		}
	}
	if !hc.channel.Connected() {
		return ComponentHealth{
			Status: StatusUnavailable,
			Error:  "command channel disconnected",
		}
	}
	return ComponentHealth{Status: StatusOK}
}

func (hc *HealthChecker) checkHub() ComponentHealth {
	if hc.hub == nil {
		return ComponentHealth{
			Status: StatusUnavailable,
			Error:  "feed hub not configured",
		}
	}
	return ComponentHealth{Status: StatusOK}
}
