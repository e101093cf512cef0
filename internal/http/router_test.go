package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fleetpulse/api/internal/alert"
	"github.com/fleetpulse/api/internal/domain"
	"github.com/fleetpulse/api/internal/service/ingest"
	"github.com/fleetpulse/api/internal/stream"
	"github.com/fleetpulse/api/internal/ws"
)

type stubRepo struct {
	agentSamples []domain.AgentMetricSample
	statuses     []domain.AgentStatusSummary
	storeErr     error
}

func (r *stubRepo) StoreAgentMetrics(_ context.Context, sample *domain.AgentMetricSample) error {
	if r.storeErr != nil {
		return r.storeErr
	}
	sample.ID = int64(len(r.agentSamples) + 1)
	r.agentSamples = append(r.agentSamples, *sample)
	return nil
}

func (r *stubRepo) StoreAppMetrics(context.Context, *domain.AppMetricSample) error {
	return r.storeErr
}

func (r *stubRepo) StoreWebVitals(context.Context, *domain.CoreWebVitalsSample) error {
	return r.storeErr
}

func (r *stubRepo) RecentAgentMetrics(context.Context, int) ([]domain.AgentMetricSample, error) {
	return r.agentSamples, nil
}

func (r *stubRepo) RecentAppMetrics(context.Context, int) ([]domain.AppMetricSample, error) {
	return nil, nil
}

func (r *stubRepo) RecentWebVitals(context.Context, int) ([]domain.CoreWebVitalsSample, error) {
	return nil, nil
}

func (r *stubRepo) QueryMetrics(context.Context, domain.MetricFilter) ([]domain.QueryRow, error) {
	return []domain.QueryRow{}, nil
}

func (r *stubRepo) AgentStatus(context.Context, time.Duration) ([]domain.AgentStatusSummary, error) {
	return r.statuses, nil
}

func (r *stubRepo) AggregatedMetrics(context.Context, domain.AgentType, time.Time, time.Time, time.Duration) ([]domain.AggregatedBucket, error) {
	return []domain.AggregatedBucket{}, nil
}

func (r *stubRepo) DatabaseStats(context.Context) (domain.DatabaseStats, error) {
	return domain.DatabaseStats{PingMS: 1, TotalConns: 4, IdleConns: 4}, nil
}

func newTestRouter(t *testing.T, repo *stubRepo) (*Router, *alert.Manager) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	alerts := alert.NewManager(log)
	svc := ingest.New(repo, stream.NewProcessor(100, log), alerts, ws.NewHub(), log, ingest.Options{})
	router := NewRouter(log, svc, alerts, nil, nil)
	t.Cleanup(router.Close)
	return router, alerts
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "10.1.2.3:50000"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func validAgentBody() map[string]any {
	return map[string]any{
		"agent_type": "backend",
		"agent_id":   "agent-1",
		"status":     "active",
		"metrics": map[string]any{
			"response_time_ms":     250,
			"task_completion_rate": 95,
			"error_rate":           2,
		},
	}
}

func TestSubmitAgentMetricsCreated(t *testing.T) {
	repo := &stubRepo{}
	router, _ := newTestRouter(t, repo)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/metrics/agent", validAgentBody())
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var ack struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	decodeBody(t, rec, &ack)
	if !ack.Success || ack.Message == "" {
		t.Fatalf("unexpected acknowledgement %+v", ack)
	}
	if len(repo.agentSamples) != 1 {
		t.Fatalf("expected 1 stored sample, got %d", len(repo.agentSamples))
	}
	if rec.Header().Get("X-RateLimit-Limit") == "" {
		t.Fatal("expected rate limit headers on ingestion routes")
	}
}

func TestSubmitAgentMetricsInvalidRange(t *testing.T) {
	repo := &stubRepo{}
	router, _ := newTestRouter(t, repo)

	body := validAgentBody()
	body["metrics"].(map[string]any)["error_rate"] = 140
	rec := doJSON(t, router, http.MethodPost, "/api/v1/metrics/agent", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	var ack struct {
		Success bool `json:"success"`
	}
	decodeBody(t, rec, &ack)
	if ack.Success {
		t.Fatal("expected success=false for a rejected sample")
	}
	if len(repo.agentSamples) != 0 {
		t.Fatal("rejected sample must not reach storage")
	}
}

func TestSubmitAgentMetricsStorageFailure(t *testing.T) {
	router, _ := newTestRouter(t, &stubRepo{storeErr: errors.New("connection refused")})

	rec := doJSON(t, router, http.MethodPost, "/api/v1/metrics/agent", validAgentBody())
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitAgentMetricsMalformedJSON(t *testing.T) {
	router, _ := newTestRouter(t, &stubRepo{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/metrics/agent", bytes.NewReader([]byte("{not json")))
	req.RemoteAddr = "10.1.2.3:50000"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSubmitAgentMetricsWrongMethod(t *testing.T) {
	router, _ := newTestRouter(t, &stubRepo{})

	rec := doJSON(t, router, http.MethodGet, "/api/v1/metrics/agent", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestSubmitWebVitalsCreated(t *testing.T) {
	router, _ := newTestRouter(t, &stubRepo{})

	rec := doJSON(t, router, http.MethodPost, "/api/v1/metrics/core-web-vitals", map[string]any{
		"session_id":        "sess-1",
		"url":               "https://app.example/",
		"lcp":               1800,
		"performance_score": 92,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestQueryMetricsRejectsBadStartTime(t *testing.T) {
	router, _ := newTestRouter(t, &stubRepo{})

	rec := doJSON(t, router, http.MethodGet, "/api/v1/metrics?startTime=yesterday", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestQueryMetricsRejectsUnknownCategory(t *testing.T) {
	router, _ := newTestRouter(t, &stubRepo{})

	rec := doJSON(t, router, http.MethodGet, "/api/v1/metrics?metricType=bogus", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestQueryMetricsAggregationRequiresAgentType(t *testing.T) {
	router, _ := newTestRouter(t, &stubRepo{})

	rec := doJSON(t, router, http.MethodGet, "/api/v1/metrics?aggregation=1h", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/metrics?aggregation=1h&agentType=backend", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestQueryMetricsDefaultsToAgentCategory(t *testing.T) {
	router, _ := newTestRouter(t, &stubRepo{})

	rec := doJSON(t, router, http.MethodGet, "/api/v1/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAgentStatusEndpoint(t *testing.T) {
	repo := &stubRepo{statuses: []domain.AgentStatusSummary{
		{AgentType: domain.AgentBackend, Status: domain.StatusActive, SampleCount: 7},
	}}
	router, _ := newTestRouter(t, repo)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/agents/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var summaries []domain.AgentStatusSummary
	decodeBody(t, rec, &summaries)
	if len(summaries) != 1 || summaries[0].AgentType != domain.AgentBackend {
		t.Fatalf("unexpected summaries %+v", summaries)
	}
}

func TestSystemHealthEndpoint(t *testing.T) {
	repo := &stubRepo{statuses: []domain.AgentStatusSummary{
		{AgentType: domain.AgentBackend, Status: domain.StatusActive, SampleCount: 1},
	}}
	router, _ := newTestRouter(t, repo)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/system/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var health domain.SystemHealth
	decodeBody(t, rec, &health)
	if health.Status != domain.HealthHealthy {
		t.Fatalf("expected healthy fleet, got %s", health.Status)
	}
	if _, ok := health.Components["database"]; !ok {
		t.Fatal("expected database component in system health")
	}
}

func TestAlertRulesCreateAndList(t *testing.T) {
	router, _ := newTestRouter(t, &stubRepo{})

	rec := doJSON(t, router, http.MethodPost, "/api/v1/alerts/rules", map[string]any{
		"name":     "High error rate",
		"category": "agent",
		"condition": map[string]any{
			"metric":     "error_rate",
			"comparator": "gt",
			"threshold":  10,
		},
		"severity": "critical",
		"enabled":  true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created domain.AlertRule
	decodeBody(t, rec, &created)
	if created.ID == "" {
		t.Fatal("expected generated rule id")
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/alerts/rules", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var rules []domain.AlertRule
	decodeBody(t, rec, &rules)
	if len(rules) != 1 || rules[0].ID != created.ID {
		t.Fatalf("unexpected rules %+v", rules)
	}
}

func TestAlertRulesRejectsInvalidRule(t *testing.T) {
	router, _ := newTestRouter(t, &stubRepo{})

	rec := doJSON(t, router, http.MethodPost, "/api/v1/alerts/rules", map[string]any{
		"name":     "",
		"category": "agent",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAlertLifecycleEndpoints(t *testing.T) {
	router, alerts := newTestRouter(t, &stubRepo{})
	if _, err := alerts.CreateRule(domain.AlertRule{
		Name:      "High error rate",
		Category:  domain.CategoryAgent,
		Condition: domain.AlertCondition{Metric: "error_rate", Comparator: domain.CompareGT, Threshold: 10},
		Enabled:   true,
	}); err != nil {
		t.Fatalf("create rule: %v", err)
	}
	triggered := alerts.CheckAgentMetrics(domain.AgentMetricSample{
		AgentType: domain.AgentBackend,
		AgentID:   "agent-1",
		Status:    domain.StatusActive,
		Metrics:   domain.AgentMetrics{ErrorRate: 15},
	})
	if len(triggered) != 1 {
		t.Fatalf("expected 1 triggered alert, got %d", len(triggered))
	}

	rec := doJSON(t, router, http.MethodGet, "/api/v1/alerts/active", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var active []domain.Alert
	decodeBody(t, rec, &active)
	if len(active) != 1 {
		t.Fatalf("expected 1 active alert, got %d", len(active))
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/alerts/"+active[0].ID+"/acknowledge", map[string]string{"by": "alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("acknowledge: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var acked domain.Alert
	decodeBody(t, rec, &acked)
	if acked.AcknowledgedBy != "alice" || acked.AcknowledgedAt == nil {
		t.Fatalf("unexpected acknowledged alert %+v", acked)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/alerts/"+active[0].ID+"/resolve", map[string]string{"by": "alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/alerts/active", nil)
	decodeBody(t, rec, &active)
	if len(active) != 0 {
		t.Fatalf("expected no active alerts after resolve, got %d", len(active))
	}
}

func TestAlertLifecycleUnknownAlert(t *testing.T) {
	router, _ := newTestRouter(t, &stubRepo{})

	rec := doJSON(t, router, http.MethodPost, "/api/v1/alerts/nope/acknowledge", map[string]string{"by": "alice"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAlertLifecycleUnknownAction(t *testing.T) {
	router, _ := newTestRouter(t, &stubRepo{})

	rec := doJSON(t, router, http.MethodPost, "/api/v1/alerts/some-id/escalate", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, &stubRepo{})

	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body %v", body)
	}
}

func TestHealthEndpointDegradedOnDBFailure(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	alerts := alert.NewManager(log)
	svc := ingest.New(&stubRepo{}, stream.NewProcessor(100, log), alerts, ws.NewHub(), log, ingest.Options{})
	router := NewRouter(log, svc, alerts, nil, func(context.Context) error {
		return errors.New("down")
	})
	t.Cleanup(router.Close)

	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestRateLimitExceeded(t *testing.T) {
	router, _ := newTestRouter(t, &stubRepo{})

	var last *httptest.ResponseRecorder
	for i := 0; i < rateLimitRealtime+1; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/stream", nil)
		req.RemoteAddr = "10.9.9.9:40000"
		// Cancel immediately so accepted SSE requests return after the
		// snapshot instead of holding the stream open.
		ctx, cancel := context.WithCancel(req.Context())
		cancel()
		req = req.WithContext(ctx)
		last = httptest.NewRecorder()
		router.ServeHTTP(last, req)
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after exhausting the window, got %d", last.Code)
	}
	if last.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("expected zero remaining, got %q", last.Header().Get("X-RateLimit-Remaining"))
	}
}
