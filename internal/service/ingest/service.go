package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/fleetpulse/api/internal/alert"
	"github.com/fleetpulse/api/internal/domain"
	"github.com/fleetpulse/api/internal/repository"
	"github.com/fleetpulse/api/internal/stream"
	"github.com/fleetpulse/api/internal/ws"
)

// Stream event types pushed to subscribers.
const (
	EventInitialData   = "initial_data"
	EventAgentMetrics  = "agent_metrics"
	EventAppMetrics    = "app_metrics"
	EventCoreWebVitals = "core_web_vitals"
	EventAlert         = "alert"
)

const (
	defaultSnapshotLimit     = 100
	defaultAgentStatusWindow = 5 * time.Minute
)

// CacheProbe checks a cache backend and reports the round trip time.
type CacheProbe func(ctx context.Context) (time.Duration, error)

// Service is the pipeline boundary. Submissions are validated,
// persisted, fed to the stream processor, fanned out to subscribers,
// and checked against alert rules, in that order. A client receiving
// a broadcast can rely on the sample being durably stored.
type Service struct {
	repo          repository.MetricRepository
	processor     *stream.Processor
	alerts        *alert.Manager
	hub           *ws.Hub
	logger        *slog.Logger
	cacheProbe    CacheProbe
	statusWindow  time.Duration
	snapshotLimit int
	started       time.Time
	now           func() time.Time
}

// Options tunes optional service behavior.
type Options struct {
	StatusWindow  time.Duration
	SnapshotLimit int
	CacheProbe    CacheProbe
}

// New constructs the ingestion service.
func New(repo repository.MetricRepository, processor *stream.Processor, alerts *alert.Manager, hub *ws.Hub, logger *slog.Logger, opts Options) *Service {
	if logger != nil {
		logger = logger.With("component", "ingest")
	}
	if opts.StatusWindow <= 0 {
		opts.StatusWindow = defaultAgentStatusWindow
	}
	if opts.SnapshotLimit <= 0 {
		opts.SnapshotLimit = defaultSnapshotLimit
	}
	if hub == nil {
		hub = ws.NewHub()
	}
	return &Service{
		repo:          repo,
		processor:     processor,
		alerts:        alerts,
		hub:           hub,
		logger:        logger,
		cacheProbe:    opts.CacheProbe,
		statusWindow:  opts.StatusWindow,
		snapshotLimit: opts.SnapshotLimit,
		started:       time.Now().UTC(),
		now:           time.Now,
	}
}

// Hub exposes the subscriber registry for the HTTP handlers.
func (s *Service) Hub() *ws.Hub {
	return s.hub
}

// Run logs a low-frequency liveness line until the context ends.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			health, err := s.SystemHealth(ctx)
			if err != nil {
				if s.logger != nil {
					s.logger.Error("liveness check failed", "error", err)
				}
				continue
			}
			if s.logger != nil {
				s.logger.Info("liveness", "status", health.Status, "subscribers", s.hub.Count())
			}
		}
	}
}

// SubmitAgentMetrics runs the pipeline for one agent sample.
func (s *Service) SubmitAgentMetrics(ctx context.Context, sample domain.AgentMetricSample) error {
	if err := ValidateAgentSample(&sample); err != nil {
		return err
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = s.now().UTC()
	}
	if err := s.repo.StoreAgentMetrics(ctx, &sample); err != nil {
		return fmt.Errorf("store agent metrics: %w", err)
	}
	if s.processor != nil {
		s.processor.Process(sample)
	}
	s.broadcast(EventAgentMetrics, sample)
	if s.alerts != nil {
		for _, a := range s.alerts.CheckAgentMetrics(sample) {
			s.broadcast(EventAlert, a)
		}
	}
	return nil
}

// SubmitAppMetrics runs the pipeline for one application sample.
func (s *Service) SubmitAppMetrics(ctx context.Context, sample domain.AppMetricSample) error {
	if err := ValidateAppSample(&sample); err != nil {
		return err
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = s.now().UTC()
	}
	if err := s.repo.StoreAppMetrics(ctx, &sample); err != nil {
		return fmt.Errorf("store app metrics: %w", err)
	}
	s.broadcast(EventAppMetrics, sample)
	if s.alerts != nil {
		for _, a := range s.alerts.CheckAppMetrics(sample) {
			s.broadcast(EventAlert, a)
		}
	}
	return nil
}

// SubmitWebVitals runs the pipeline for one Core Web Vitals sample.
func (s *Service) SubmitWebVitals(ctx context.Context, sample domain.CoreWebVitalsSample) error {
	if err := ValidateWebVitalsSample(&sample); err != nil {
		return err
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = s.now().UTC()
	}
	if err := s.repo.StoreWebVitals(ctx, &sample); err != nil {
		return fmt.Errorf("store core web vitals: %w", err)
	}
	s.broadcast(EventCoreWebVitals, sample)
	if s.alerts != nil {
		for _, a := range s.alerts.CheckWebVitals(sample) {
			s.broadcast(EventAlert, a)
		}
	}
	return nil
}

// Snapshot assembles the initial_data payload for a new subscriber:
// the recent samples of each kind plus current active alerts.
func (s *Service) Snapshot(ctx context.Context) (map[string]any, error) {
	agents, err := s.repo.RecentAgentMetrics(ctx, s.snapshotLimit)
	if err != nil {
		return nil, fmt.Errorf("recent agent metrics: %w", err)
	}
	apps, err := s.repo.RecentAppMetrics(ctx, s.snapshotLimit)
	if err != nil {
		return nil, fmt.Errorf("recent app metrics: %w", err)
	}
	vitals, err := s.repo.RecentWebVitals(ctx, s.snapshotLimit)
	if err != nil {
		return nil, fmt.Errorf("recent core web vitals: %w", err)
	}
	var alerts []domain.Alert
	if s.alerts != nil {
		alerts = s.alerts.ActiveAlerts()
	}
	return map[string]any{
		"agent_metrics":   agents,
		"app_metrics":     apps,
		"core_web_vitals": vitals,
		"alerts":          alerts,
	}, nil
}

// QueryMetrics is a read-only projection over storage.
func (s *Service) QueryMetrics(ctx context.Context, filter domain.MetricFilter) ([]domain.QueryRow, error) {
	if !filter.Category.Valid() {
		return nil, fmt.Errorf("%w: unknown metric category %q", ErrInvalidSample, filter.Category)
	}
	return s.repo.QueryMetrics(ctx, filter)
}

// AggregatedMetrics is a read-only projection over storage.
func (s *Service) AggregatedMetrics(ctx context.Context, agentType domain.AgentType, start, end time.Time, bucket time.Duration) ([]domain.AggregatedBucket, error) {
	return s.repo.AggregatedMetrics(ctx, agentType, start, end, bucket)
}

// AgentStatus reports the trailing-window per-agent-type summaries.
func (s *Service) AgentStatus(ctx context.Context) ([]domain.AgentStatusSummary, error) {
	return s.repo.AgentStatus(ctx, s.statusWindow)
}

// SystemHealth combines agent status with storage and process figures.
// Overall status reflects the share of distinct agent types seen
// active or processing within the trailing window.
func (s *Service) SystemHealth(ctx context.Context) (domain.SystemHealth, error) {
	summaries, err := s.repo.AgentStatus(ctx, s.statusWindow)
	if err != nil {
		return domain.SystemHealth{}, fmt.Errorf("agent status: %w", err)
	}

	health := domain.SystemHealth{
		Timestamp:  s.now().UTC(),
		Status:     agentFleetStatus(summaries),
		Components: make(map[string]domain.ComponentHealth),
		Agents:     summaries,
	}

	if stats, err := s.repo.DatabaseStats(ctx); err != nil {
		health.Status = domain.HealthUnhealthy
		health.Components["database"] = domain.ComponentHealth{
			Status: domain.HealthUnhealthy,
			Error:  err.Error(),
		}
	} else {
		health.Components["database"] = domain.ComponentHealth{
			Status: domain.HealthHealthy,
			Metrics: map[string]float64{
				"ping_ms":     stats.PingMS,
				"total_conns": float64(stats.TotalConns),
				"idle_conns":  float64(stats.IdleConns),
				"total_rows":  float64(stats.TotalRows),
			},
		}
	}

	health.Components["ingest"] = domain.ComponentHealth{
		Status: domain.HealthHealthy,
		Metrics: map[string]float64{
			"uptime_seconds": time.Since(s.started).Seconds(),
			"goroutines":     float64(runtime.NumGoroutine()),
		},
	}
	health.Components["broadcast"] = domain.ComponentHealth{
		Status:  domain.HealthHealthy,
		Metrics: map[string]float64{"subscribers": float64(s.hub.Count())},
	}

	// The cache block exists only when a real cache is configured.
	if s.cacheProbe != nil {
		if rtt, err := s.cacheProbe(ctx); err != nil {
			health.Components["cache"] = domain.ComponentHealth{
				Status: domain.HealthUnhealthy,
				Error:  err.Error(),
			}
		} else {
			health.Components["cache"] = domain.ComponentHealth{
				Status:  domain.HealthHealthy,
				Metrics: map[string]float64{"ping_ms": float64(rtt) / float64(time.Millisecond)},
			}
		}
	}

	return health, nil
}

// agentFleetStatus maps the active share of distinct agent types to an
// overall status: healthy at 80% and above, degraded at 50%, otherwise
// unhealthy. No samples at all reads as degraded, not healthy.
func agentFleetStatus(summaries []domain.AgentStatusSummary) domain.HealthStatus {
	types := make(map[domain.AgentType]bool)
	for _, s := range summaries {
		active := s.Status == domain.StatusActive || s.Status == domain.StatusProcessing
		types[s.AgentType] = types[s.AgentType] || active
	}
	if len(types) == 0 {
		return domain.HealthDegraded
	}
	activeCount := 0
	for _, active := range types {
		if active {
			activeCount++
		}
	}
	ratio := float64(activeCount) / float64(len(types))
	switch {
	case ratio >= 0.8:
		return domain.HealthHealthy
	case ratio >= 0.5:
		return domain.HealthDegraded
	default:
		return domain.HealthUnhealthy
	}
}

func (s *Service) broadcast(eventType string, data any) {
	payload, err := json.Marshal(map[string]any{"type": eventType, "data": data})
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("failed to marshal stream payload", "type", eventType, "error", err)
		}
		return
	}
	s.hub.Broadcast(payload)
}
