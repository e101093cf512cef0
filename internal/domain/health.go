package domain

import "time"

// HealthStatus classifies overall or per-component health.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth reports one internal component's status plus
// whatever figures the component can actually measure.
type ComponentHealth struct {
	Status  HealthStatus       `json:"status"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// SystemHealth is derived on demand and never persisted.
type SystemHealth struct {
	Timestamp  time.Time                  `json:"timestamp"`
	Status     HealthStatus               `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Agents     []AgentStatusSummary       `json:"agents"`
}
