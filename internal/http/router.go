package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetpulse/api/internal/alert"
	"github.com/fleetpulse/api/internal/domain"
	"github.com/fleetpulse/api/internal/repository"
	"github.com/fleetpulse/api/internal/service/ingest"
	"github.com/fleetpulse/api/internal/ws"
)

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitIngest    = 600
	rateLimitRead      = 240
	rateLimitRealtime  = 30
	sseHeartbeatEvery  = 25 * time.Second
)

// Router wires HTTP endpoints to the pipeline.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	ingest   *ingest.Service
	alerts   *alert.Manager
	upgrader websocket.Upgrader
	limiter  RateLimiter
	dbHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, ingestSvc *ingest.Service, alerts *alert.Manager, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		ingest: ingestSvc,
		alerts: alerts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/health", r.audit("/health", r.handleHealth))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/api/v1/metrics/agent", r.audit("/api/v1/metrics/agent",
		r.withRateLimit(rateLimitIngest, rateWindowDefault, r.handleSubmitAgent)))
	r.mux.HandleFunc("/api/v1/metrics/app", r.audit("/api/v1/metrics/app",
		r.withRateLimit(rateLimitIngest, rateWindowDefault, r.handleSubmitApp)))
	r.mux.HandleFunc("/api/v1/metrics/core-web-vitals", r.audit("/api/v1/metrics/core-web-vitals",
		r.withRateLimit(rateLimitIngest, rateWindowDefault, r.handleSubmitWebVitals)))
	r.mux.HandleFunc("/api/v1/metrics", r.audit("/api/v1/metrics",
		r.withRateLimit(rateLimitRead, rateWindowDefault, r.handleQueryMetrics)))
	r.mux.HandleFunc("/api/v1/system/health", r.audit("/api/v1/system/health", r.handleSystemHealth))
	r.mux.HandleFunc("/api/v1/agents/status", r.audit("/api/v1/agents/status", r.handleAgentStatus))
	r.mux.HandleFunc("/api/v1/alerts/rules", r.audit("/api/v1/alerts/rules", r.handleAlertRules))
	r.mux.HandleFunc("/api/v1/alerts/active", r.audit("/api/v1/alerts/active", r.handleActiveAlerts))
	r.mux.HandleFunc("/api/v1/alerts/", r.audit("/api/v1/alerts/:id", r.handleAlertLifecycle))
	r.mux.HandleFunc("/ws", r.withRateLimit(rateLimitRealtime, rateWindowRealtime, r.handleWebSocket))
	r.mux.HandleFunc("/api/v1/stream", r.withRateLimit(rateLimitRealtime, rateWindowRealtime, r.handleSSE))
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	status := "ok"
	code := http.StatusOK
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]string{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *Router) handleSubmitAgent(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var sample domain.AgentMetricSample
	if err := json.NewDecoder(req.Body).Decode(&sample); err != nil {
		writeResult(w, http.StatusBadRequest, false, "invalid JSON body")
		return
	}
	if err := r.ingest.SubmitAgentMetrics(req.Context(), sample); err != nil {
		r.writeSubmitError(w, err)
		return
	}
	writeResult(w, http.StatusCreated, true, "agent metrics stored")
}

func (r *Router) handleSubmitApp(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var sample domain.AppMetricSample
	if err := json.NewDecoder(req.Body).Decode(&sample); err != nil {
		writeResult(w, http.StatusBadRequest, false, "invalid JSON body")
		return
	}
	if err := r.ingest.SubmitAppMetrics(req.Context(), sample); err != nil {
		r.writeSubmitError(w, err)
		return
	}
	writeResult(w, http.StatusCreated, true, "app metrics stored")
}

func (r *Router) handleSubmitWebVitals(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var sample domain.CoreWebVitalsSample
	if err := json.NewDecoder(req.Body).Decode(&sample); err != nil {
		writeResult(w, http.StatusBadRequest, false, "invalid JSON body")
		return
	}
	if err := r.ingest.SubmitWebVitals(req.Context(), sample); err != nil {
		r.writeSubmitError(w, err)
		return
	}
	writeResult(w, http.StatusCreated, true, "core web vitals stored")
}

// writeSubmitError maps pipeline failures: rejected submissions are
// client errors, storage failures are retryable server errors.
func (r *Router) writeSubmitError(w http.ResponseWriter, err error) {
	if errors.Is(err, ingest.ErrInvalidSample) {
		writeResult(w, http.StatusBadRequest, false, err.Error())
		return
	}
	writeResult(w, http.StatusServiceUnavailable, false, err.Error())
}

func (r *Router) handleQueryMetrics(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	q := req.URL.Query()
	category := domain.MetricCategory(strings.TrimSpace(q.Get("metricType")))
	if category == "" {
		category = domain.CategoryAgent
	}
	agentType := domain.AgentType(strings.TrimSpace(q.Get("agentType")))

	var start, end time.Time
	if raw := strings.TrimSpace(q.Get("startTime")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid startTime, want RFC3339")
			return
		}
		start = parsed
	}
	if raw := strings.TrimSpace(q.Get("endTime")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid endTime, want RFC3339")
			return
		}
		end = parsed
	}

	if raw := strings.TrimSpace(q.Get("aggregation")); raw != "" {
		bucket, err := time.ParseDuration(raw)
		if err != nil || bucket <= 0 {
			writeError(w, http.StatusBadRequest, "invalid aggregation, want a duration such as 1h")
			return
		}
		if category != domain.CategoryAgent {
			writeError(w, http.StatusBadRequest, "aggregation is only available for agent metrics")
			return
		}
		if agentType == "" {
			writeError(w, http.StatusBadRequest, "agentType is required for aggregation")
			return
		}
		if end.IsZero() {
			end = time.Now().UTC()
		}
		if start.IsZero() {
			start = end.Add(-24 * time.Hour)
		}
		buckets, err := r.ingest.AggregatedMetrics(req.Context(), agentType, start, end, bucket)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, buckets)
		return
	}

	rows, err := r.ingest.QueryMetrics(req.Context(), domain.MetricFilter{
		Category:  category,
		AgentType: agentType,
		Start:     start,
		End:       end,
	})
	if err != nil {
		if errors.Is(err, ingest.ErrInvalidSample) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (r *Router) handleSystemHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	health, err := r.ingest.SystemHealth(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (r *Router) handleAgentStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	summaries, err := r.ingest.AgentStatus(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (r *Router) handleAlertRules(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, r.alerts.Rules())
	case http.MethodPost:
		var rule domain.AlertRule
		if err := json.NewDecoder(req.Body).Decode(&rule); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		created, err := r.alerts.CreateRule(rule)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleActiveAlerts(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.alerts.ActiveAlerts())
}

// handleAlertLifecycle routes /api/v1/alerts/{id}/acknowledge and
// /api/v1/alerts/{id}/resolve.
func (r *Router) handleAlertLifecycle(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/api/v1/alerts/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		By string `json:"by"`
	}
	_ = json.NewDecoder(req.Body).Decode(&payload)

	var (
		updated domain.Alert
		err     error
	)
	switch parts[1] {
	case "acknowledge":
		updated, err = r.alerts.Acknowledge(parts[0], payload.By)
	case "resolve":
		updated, err = r.alerts.Resolve(parts[0], payload.By)
	default:
		r.notFound(w)
		return
	}
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleWebSocket upgrades the connection, pushes the initial_data
// snapshot, then registers the client for live events.
func (r *Router) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	snapshot, err := r.snapshotPayload(req.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	if err := client.Send(snapshot); err != nil {
		client.Close()
		return
	}
	hub := r.ingest.Hub()
	hub.Register(client)
	go func() {
		defer func() {
			hub.Unregister(client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// handleSSE serves the same event feed over Server-Sent Events.
func (r *Router) handleSSE(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	snapshot, err := r.snapshotPayload(req.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	client := ws.NewSSEClient(w, flusher, r.logger)
	if err := client.Send(snapshot); err != nil {
		return
	}
	hub := r.ingest.Hub()
	hub.Register(client)
	defer func() {
		hub.Unregister(client)
		client.Close()
	}()

	heartbeat := time.NewTicker(sseHeartbeatEvery)
	defer heartbeat.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-heartbeat.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) snapshotPayload(ctx context.Context) ([]byte, error) {
	snapshot, err := r.ingest.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"type": ingest.EventInitialData, "data": snapshot})
}

// audit wraps a handler with request logging and Prometheus metrics.
func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
