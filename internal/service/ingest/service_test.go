package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/fleetpulse/api/internal/alert"
	"github.com/fleetpulse/api/internal/domain"
	"github.com/fleetpulse/api/internal/stream"
	"github.com/fleetpulse/api/internal/ws"
)

// stubRepo records writes and serves canned reads.
type stubRepo struct {
	agentSamples  []domain.AgentMetricSample
	appSamples    []domain.AppMetricSample
	vitalsSamples []domain.CoreWebVitalsSample
	statuses      []domain.AgentStatusSummary
	storeErr      error
	statusErr     error
}

func (r *stubRepo) StoreAgentMetrics(_ context.Context, sample *domain.AgentMetricSample) error {
	if r.storeErr != nil {
		return r.storeErr
	}
	sample.ID = int64(len(r.agentSamples) + 42)
	r.agentSamples = append(r.agentSamples, *sample)
	return nil
}

func (r *stubRepo) StoreAppMetrics(_ context.Context, sample *domain.AppMetricSample) error {
	if r.storeErr != nil {
		return r.storeErr
	}
	sample.ID = int64(len(r.appSamples) + 42)
	r.appSamples = append(r.appSamples, *sample)
	return nil
}

func (r *stubRepo) StoreWebVitals(_ context.Context, sample *domain.CoreWebVitalsSample) error {
	if r.storeErr != nil {
		return r.storeErr
	}
	sample.ID = int64(len(r.vitalsSamples) + 42)
	r.vitalsSamples = append(r.vitalsSamples, *sample)
	return nil
}

func (r *stubRepo) RecentAgentMetrics(context.Context, int) ([]domain.AgentMetricSample, error) {
	return r.agentSamples, nil
}

func (r *stubRepo) RecentAppMetrics(context.Context, int) ([]domain.AppMetricSample, error) {
	return r.appSamples, nil
}

func (r *stubRepo) RecentWebVitals(context.Context, int) ([]domain.CoreWebVitalsSample, error) {
	return r.vitalsSamples, nil
}

func (r *stubRepo) QueryMetrics(context.Context, domain.MetricFilter) ([]domain.QueryRow, error) {
	return nil, nil
}

func (r *stubRepo) AgentStatus(context.Context, time.Duration) ([]domain.AgentStatusSummary, error) {
	if r.statusErr != nil {
		return nil, r.statusErr
	}
	return r.statuses, nil
}

func (r *stubRepo) AggregatedMetrics(context.Context, domain.AgentType, time.Time, time.Time, time.Duration) ([]domain.AggregatedBucket, error) {
	return nil, nil
}

func (r *stubRepo) DatabaseStats(context.Context) (domain.DatabaseStats, error) {
	return domain.DatabaseStats{PingMS: 1.2, TotalConns: 5, IdleConns: 3, TotalRows: 10}, nil
}

// memorySubscriber captures broadcast frames.
type memorySubscriber struct {
	frames  [][]byte
	sendErr error
	closed  bool
}

func (s *memorySubscriber) Send(payload []byte) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.frames = append(s.frames, payload)
	return nil
}

func (s *memorySubscriber) Close() { s.closed = true }

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func decodeFrames(t *testing.T, frames [][]byte) []envelope {
	t.Helper()
	out := make([]envelope, 0, len(frames))
	for _, frame := range frames {
		var env envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("malformed frame %q: %v", frame, err)
		}
		out = append(out, env)
	}
	return out
}

func newTestService(repo *stubRepo) (*Service, *memorySubscriber) {
	hub := ws.NewHub()
	sub := &memorySubscriber{}
	hub.Register(sub)
	svc := New(repo, stream.NewProcessor(100, nil), alert.NewManager(nil), hub, nil, Options{})
	return svc, sub
}

func validAgentSample() domain.AgentMetricSample {
	return domain.AgentMetricSample{
		AgentType: domain.AgentBackend,
		AgentID:   "agent-1",
		Status:    domain.StatusActive,
		Metrics: domain.AgentMetrics{
			ResponseTimeMS:     250,
			TaskCompletionRate: 95,
			ErrorRate:          2,
			ToolUsage:          map[string]int{"editor": 3},
		},
	}
}

func TestSubmitAgentMetricsStoresBeforeBroadcast(t *testing.T) {
	repo := &stubRepo{}
	svc, sub := newTestService(repo)

	if err := svc.SubmitAgentMetrics(context.Background(), validAgentSample()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(repo.agentSamples) != 1 {
		t.Fatalf("expected 1 stored sample, got %d", len(repo.agentSamples))
	}
	frames := decodeFrames(t, sub.frames)
	if len(frames) != 1 || frames[0].Type != EventAgentMetrics {
		t.Fatalf("expected a single %s frame, got %+v", EventAgentMetrics, frames)
	}

	// The broadcast carries the stored row, id included.
	var stored domain.AgentMetricSample
	if err := json.Unmarshal(frames[0].Data, &stored); err != nil {
		t.Fatalf("decode broadcast data: %v", err)
	}
	if stored.ID != 42 {
		t.Fatalf("expected storage-assigned id 42 in broadcast, got %d", stored.ID)
	}
}

func TestSubmitAgentMetricsRejectsInvalidSample(t *testing.T) {
	repo := &stubRepo{}
	svc, sub := newTestService(repo)

	sample := validAgentSample()
	sample.Metrics.ErrorRate = 140
	err := svc.SubmitAgentMetrics(context.Background(), sample)
	if !errors.Is(err, ErrInvalidSample) {
		t.Fatalf("expected ErrInvalidSample, got %v", err)
	}
	if len(repo.agentSamples) != 0 {
		t.Fatal("invalid sample must not reach storage")
	}
	if len(sub.frames) != 0 {
		t.Fatal("invalid sample must not be broadcast")
	}
}

func TestSubmitAgentMetricsStorageFailureSuppressesBroadcast(t *testing.T) {
	repo := &stubRepo{storeErr: errors.New("connection reset")}
	svc, sub := newTestService(repo)

	if err := svc.SubmitAgentMetrics(context.Background(), validAgentSample()); err == nil {
		t.Fatal("expected storage error to surface")
	}
	if len(sub.frames) != 0 {
		t.Fatal("nothing may be broadcast when the write failed")
	}
}

func TestSubmitAgentMetricsDefaultsTimestamp(t *testing.T) {
	repo := &stubRepo{}
	svc, _ := newTestService(repo)
	fixed := time.Date(2026, time.April, 2, 15, 4, 5, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	if err := svc.SubmitAgentMetrics(context.Background(), validAgentSample()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := repo.agentSamples[0].Timestamp; !got.Equal(fixed) {
		t.Fatalf("expected defaulted timestamp %v, got %v", fixed, got)
	}

	// A caller-provided timestamp is preserved.
	sample := validAgentSample()
	provided := fixed.Add(-time.Hour)
	sample.Timestamp = provided
	if err := svc.SubmitAgentMetrics(context.Background(), sample); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := repo.agentSamples[1].Timestamp; !got.Equal(provided) {
		t.Fatalf("expected provided timestamp %v, got %v", provided, got)
	}
}

func TestSubmitAgentMetricsBroadcastsTriggeredAlerts(t *testing.T) {
	repo := &stubRepo{}
	svc, sub := newTestService(repo)
	svc.alerts.SeedDefaults()

	sample := validAgentSample()
	sample.Metrics.ErrorRate = 35
	if err := svc.SubmitAgentMetrics(context.Background(), sample); err != nil {
		t.Fatalf("submit: %v", err)
	}

	frames := decodeFrames(t, sub.frames)
	if len(frames) < 2 {
		t.Fatalf("expected metrics frame plus alert frame, got %d frames", len(frames))
	}
	if frames[0].Type != EventAgentMetrics {
		t.Fatalf("expected first frame %s, got %s", EventAgentMetrics, frames[0].Type)
	}
	sawAlert := false
	for _, env := range frames[1:] {
		if env.Type == EventAlert {
			sawAlert = true
		}
	}
	if !sawAlert {
		t.Fatal("expected an alert frame after the metrics frame")
	}
}

func TestSubmitWebVitalsPipeline(t *testing.T) {
	repo := &stubRepo{}
	svc, sub := newTestService(repo)

	err := svc.SubmitWebVitals(context.Background(), domain.CoreWebVitalsSample{
		SessionID:        "sess-1",
		URL:              "https://app.example/",
		LCP:              1800,
		PerformanceScore: 92,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(repo.vitalsSamples) != 1 {
		t.Fatalf("expected 1 stored vitals row, got %d", len(repo.vitalsSamples))
	}
	frames := decodeFrames(t, sub.frames)
	if len(frames) != 1 || frames[0].Type != EventCoreWebVitals {
		t.Fatalf("expected a single %s frame, got %+v", EventCoreWebVitals, frames)
	}
}

func TestSnapshotContents(t *testing.T) {
	repo := &stubRepo{}
	svc, _ := newTestService(repo)

	if err := svc.SubmitAgentMetrics(context.Background(), validAgentSample()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	snapshot, err := svc.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	for _, key := range []string{"agent_metrics", "app_metrics", "core_web_vitals", "alerts"} {
		if _, ok := snapshot[key]; !ok {
			t.Fatalf("snapshot missing %q", key)
		}
	}
	agents, ok := snapshot["agent_metrics"].([]domain.AgentMetricSample)
	if !ok || len(agents) != 1 {
		t.Fatalf("expected 1 agent sample in snapshot, got %v", snapshot["agent_metrics"])
	}
}

func TestQueryMetricsRejectsUnknownCategory(t *testing.T) {
	svc, _ := newTestService(&stubRepo{})
	_, err := svc.QueryMetrics(context.Background(), domain.MetricFilter{Category: "bogus"})
	if !errors.Is(err, ErrInvalidSample) {
		t.Fatalf("expected ErrInvalidSample, got %v", err)
	}
}

func statusRow(agentType domain.AgentType, status domain.AgentStatus) domain.AgentStatusSummary {
	return domain.AgentStatusSummary{AgentType: agentType, Status: status, SampleCount: 1}
}

func TestSystemHealthFleetThresholds(t *testing.T) {
	cases := []struct {
		name     string
		statuses []domain.AgentStatusSummary
		want     domain.HealthStatus
	}{
		{
			"four of five active is healthy",
			[]domain.AgentStatusSummary{
				statusRow(domain.AgentCoordinator, domain.StatusActive),
				statusRow(domain.AgentFrontend, domain.StatusProcessing),
				statusRow(domain.AgentBackend, domain.StatusActive),
				statusRow(domain.AgentQA, domain.StatusActive),
				statusRow(domain.AgentDocs, domain.StatusOffline),
			},
			domain.HealthHealthy,
		},
		{
			"three of five active is degraded",
			[]domain.AgentStatusSummary{
				statusRow(domain.AgentCoordinator, domain.StatusActive),
				statusRow(domain.AgentFrontend, domain.StatusActive),
				statusRow(domain.AgentBackend, domain.StatusProcessing),
				statusRow(domain.AgentQA, domain.StatusError),
				statusRow(domain.AgentDocs, domain.StatusOffline),
			},
			domain.HealthDegraded,
		},
		{
			"two of five active is unhealthy",
			[]domain.AgentStatusSummary{
				statusRow(domain.AgentCoordinator, domain.StatusActive),
				statusRow(domain.AgentFrontend, domain.StatusActive),
				statusRow(domain.AgentBackend, domain.StatusIdle),
				statusRow(domain.AgentQA, domain.StatusError),
				statusRow(domain.AgentDocs, domain.StatusOffline),
			},
			domain.HealthUnhealthy,
		},
		{
			"no samples reads as degraded",
			nil,
			domain.HealthDegraded,
		},
		{
			"mixed statuses count a type once",
			[]domain.AgentStatusSummary{
				statusRow(domain.AgentBackend, domain.StatusError),
				statusRow(domain.AgentBackend, domain.StatusActive),
			},
			domain.HealthHealthy,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, _ := newTestService(&stubRepo{statuses: tc.statuses})
			health, err := svc.SystemHealth(context.Background())
			if err != nil {
				t.Fatalf("system health: %v", err)
			}
			if health.Status != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, health.Status)
			}
		})
	}
}

func TestSystemHealthComponents(t *testing.T) {
	svc, _ := newTestService(&stubRepo{})
	health, err := svc.SystemHealth(context.Background())
	if err != nil {
		t.Fatalf("system health: %v", err)
	}
	for _, name := range []string{"database", "ingest", "broadcast"} {
		if _, ok := health.Components[name]; !ok {
			t.Fatalf("missing component %q", name)
		}
	}
	if _, ok := health.Components["cache"]; ok {
		t.Fatal("cache component must be absent without a configured cache")
	}
	db := health.Components["database"]
	if db.Status != domain.HealthHealthy || db.Metrics["total_conns"] != 5 {
		t.Fatalf("unexpected database component %+v", db)
	}
	if health.Components["broadcast"].Metrics["subscribers"] != 1 {
		t.Fatalf("expected 1 subscriber, got %+v", health.Components["broadcast"])
	}
}

func TestSystemHealthWithCacheProbe(t *testing.T) {
	repo := &stubRepo{}
	hub := ws.NewHub()
	svc := New(repo, stream.NewProcessor(100, nil), alert.NewManager(nil), hub, nil, Options{
		CacheProbe: func(context.Context) (time.Duration, error) { return 3 * time.Millisecond, nil },
	})
	health, err := svc.SystemHealth(context.Background())
	if err != nil {
		t.Fatalf("system health: %v", err)
	}
	cache, ok := health.Components["cache"]
	if !ok {
		t.Fatal("expected cache component with a configured probe")
	}
	if cache.Status != domain.HealthHealthy || cache.Metrics["ping_ms"] != 3 {
		t.Fatalf("unexpected cache component %+v", cache)
	}
}

func TestSystemHealthStatusQueryFailure(t *testing.T) {
	svc, _ := newTestService(&stubRepo{statusErr: errors.New("timeout")})
	if _, err := svc.SystemHealth(context.Background()); err == nil {
		t.Fatal("expected agent status failure to surface")
	}
}
