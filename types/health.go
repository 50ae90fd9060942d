package types

import (
	"context"
	"time"
)

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
	StatusUnknown   HealthStatus = "unknown"
)

type HealthManager interface {
	LifecycleManager
	RegisterChecker(name string, checker HealthChecker)
	// ReportUsage attaches the store footprint to every health report.
	ReportUsage(source UsageSource)
	Check(ctx context.Context) HealthReport
}

type HealthStatus string

type HealthCheck struct {
	Name      string                 `json:"name"`
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message,omitempty"`
	CheckedAt time.Time              `json:"checked_at"`
	Took      string                 `json:"took"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

type HealthChecker func(ctx context.Context) HealthCheck

type HealthReport struct {
	Status    HealthStatus           `json:"status"`
	CheckedAt time.Time              `json:"checked_at"`
	Node      NodeInfo               `json:"node"`
	Store     *StoreUsage            `json:"store,omitempty"`
	Checks    map[string]HealthCheck `json:"checks"`
	Summary   HealthSummary          `json:"summary"`
}

type NodeInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Listen  string `json:"listen"`
	TLS     bool   `json:"tls"`
	Uptime  string `json:"uptime"`
}

// StoreUsage is the stored footprint against the configured ceiling.
type StoreUsage struct {
	Bytes       int64   `json:"bytes"`
	Entries     int64   `json:"entries"`
	Ceiling     int64   `json:"ceiling"`
	Utilization float64 `json:"utilization"`
}

type UsageSource func() StoreUsage

type HealthSummary struct {
	Total     int      `json:"total"`
	Healthy   int      `json:"healthy"`
	Unhealthy int      `json:"unhealthy"`
	Unknown   int      `json:"unknown"`
	Failing   []string `json:"failing,omitempty"`
}
