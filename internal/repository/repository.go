package repository

import (
	"context"
	"time"

	"github.com/fleetpulse/api/internal/domain"
)

// MetricRepository is the durable record of all three sample kinds
// plus the derived aggregates the health endpoints read.
type MetricRepository interface {
	StoreAgentMetrics(ctx context.Context, sample *domain.AgentMetricSample) error
	StoreAppMetrics(ctx context.Context, sample *domain.AppMetricSample) error
	StoreWebVitals(ctx context.Context, sample *domain.CoreWebVitalsSample) error
	RecentAgentMetrics(ctx context.Context, limit int) ([]domain.AgentMetricSample, error)
	RecentAppMetrics(ctx context.Context, limit int) ([]domain.AppMetricSample, error)
	RecentWebVitals(ctx context.Context, limit int) ([]domain.CoreWebVitalsSample, error)
	QueryMetrics(ctx context.Context, filter domain.MetricFilter) ([]domain.QueryRow, error)
	AgentStatus(ctx context.Context, window time.Duration) ([]domain.AgentStatusSummary, error)
	AggregatedMetrics(ctx context.Context, agentType domain.AgentType, start, end time.Time, bucket time.Duration) ([]domain.AggregatedBucket, error)
	DatabaseStats(ctx context.Context) (domain.DatabaseStats, error)
}
