package alert

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetpulse/api/internal/domain"
	"github.com/fleetpulse/api/internal/repository"
	"github.com/fleetpulse/api/internal/stream"
)

// Manager translates metric samples and rule definitions into alerts.
// Rules evaluate in registration order; a firing condition creates a
// new alert unless an unresolved alert already exists for the same
// (rule, source) pair. Alerts live in process memory, matching the
// stream windows' restart semantics.
type Manager struct {
	mu     sync.RWMutex
	rules  []domain.AlertRule
	alerts map[string]*domain.Alert
	logger *slog.Logger
	now    func() time.Time
}

// NewManager constructs an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger != nil {
		logger = logger.With("component", "alert_manager")
	}
	return &Manager{
		alerts: make(map[string]*domain.Alert),
		logger: logger,
		now:    time.Now,
	}
}

// CreateRule registers a rule. Missing id, enabled flag, and creation
// time are filled in.
func (m *Manager) CreateRule(rule domain.AlertRule) (domain.AlertRule, error) {
	rule.Name = strings.TrimSpace(rule.Name)
	if rule.Name == "" {
		return domain.AlertRule{}, fmt.Errorf("rule name is required")
	}
	if !rule.Category.Valid() {
		return domain.AlertRule{}, fmt.Errorf("unknown metric category %q", rule.Category)
	}
	if strings.TrimSpace(rule.Condition.Metric) == "" {
		return domain.AlertRule{}, fmt.Errorf("rule condition metric is required")
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.Severity == "" {
		rule.Severity = domain.SeverityWarning
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = m.now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rules {
		if existing.ID == rule.ID {
			return domain.AlertRule{}, fmt.Errorf("rule %s already exists", rule.ID)
		}
	}
	m.rules = append(m.rules, rule)
	return rule, nil
}

// Rules returns all registered rules in registration order.
func (m *Manager) Rules() []domain.AlertRule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.AlertRule, len(m.rules))
	copy(out, m.rules)
	return out
}

// CheckAgentMetrics evaluates agent-category rules against a sample.
func (m *Manager) CheckAgentMetrics(sample domain.AgentMetricSample) []domain.Alert {
	source := string(sample.AgentType) + "/" + sample.AgentID
	return m.evaluate(domain.CategoryAgent, source, agentMetricValues(sample), map[string]string{
		"agent_type": string(sample.AgentType),
		"agent_id":   sample.AgentID,
	})
}

// CheckAppMetrics evaluates app-category rules against a sample.
func (m *Manager) CheckAppMetrics(sample domain.AppMetricSample) []domain.Alert {
	return m.evaluate(domain.CategoryApp, sample.URL, appMetricValues(sample), map[string]string{
		"session_id": sample.SessionID,
		"url":        sample.URL,
	})
}

// CheckWebVitals evaluates vitals-category rules against a sample.
func (m *Manager) CheckWebVitals(sample domain.CoreWebVitalsSample) []domain.Alert {
	return m.evaluate(domain.CategoryWebVitals, sample.URL, vitalsMetricValues(sample), map[string]string{
		"session_id": sample.SessionID,
		"url":        sample.URL,
	})
}

// evaluate runs every enabled matching rule, isolating failures so one
// broken rule cannot prevent the rest from being evaluated.
func (m *Manager) evaluate(category domain.MetricCategory, source string, values map[string]float64, metadata map[string]string) []domain.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	var created []domain.Alert
	for _, rule := range m.rules {
		if !rule.Enabled || rule.Category != category {
			continue
		}
		alert, ok := m.applyRule(rule, source, values, metadata)
		if ok {
			created = append(created, alert)
		}
	}
	return created
}

// applyRule evaluates one rule under the manager lock. Panics from a
// malformed rule are contained here.
func (m *Manager) applyRule(rule domain.AlertRule, source string, values map[string]float64, metadata map[string]string) (alert domain.Alert, created bool) {
	defer func() {
		if r := recover(); r != nil {
			created = false
			if m.logger != nil {
				m.logger.Error("alert rule evaluation failed", "rule_id", rule.ID, "rule", rule.Name, "panic", fmt.Sprint(r))
			}
		}
	}()

	value, ok := values[rule.Condition.Metric]
	if !ok {
		return domain.Alert{}, false
	}
	if !rule.Condition.Comparator.Holds(value, rule.Condition.Threshold) {
		return domain.Alert{}, false
	}
	for _, existing := range m.alerts {
		if existing.RuleID == rule.ID && existing.Source == source && !existing.Resolved() {
			return domain.Alert{}, false
		}
	}

	meta := map[string]string{"metric": rule.Condition.Metric, "value": fmt.Sprintf("%g", value)}
	for k, v := range metadata {
		meta[k] = v
	}
	msg := fmt.Sprintf("%s: %s is %g (threshold %g)", rule.Name, rule.Condition.Metric, value, rule.Condition.Threshold)
	a := domain.Alert{
		ID:          uuid.NewString(),
		RuleID:      rule.ID,
		Severity:    rule.Severity,
		Source:      source,
		Title:       rule.Name,
		Message:     msg,
		Metadata:    meta,
		TriggeredAt: m.now().UTC(),
	}
	m.alerts[a.ID] = &a
	if m.logger != nil {
		m.logger.Warn("alert triggered", "alert_id", a.ID, "rule", rule.Name, "source", source, "severity", a.Severity)
	}
	return a, true
}

// ActiveAlerts returns unresolved alerts, most recent first.
func (m *Manager) ActiveAlerts() []domain.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Alert, 0)
	for _, a := range m.alerts {
		if !a.Resolved() {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TriggeredAt.Equal(out[j].TriggeredAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].TriggeredAt.After(out[j].TriggeredAt)
	})
	return out
}

// Acknowledge marks an alert acknowledged. Acknowledging an already
// acknowledged alert is a no-op success.
func (m *Manager) Acknowledge(id, by string) (domain.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return domain.Alert{}, repository.ErrNotFound
	}
	if a.AcknowledgedAt == nil {
		ts := m.now().UTC()
		a.AcknowledgedAt = &ts
		a.AcknowledgedBy = by
	}
	return *a, nil
}

// Resolve marks an alert resolved. Resolving an already resolved
// alert leaves resolved_at unchanged and reports success.
func (m *Manager) Resolve(id, by string) (domain.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return domain.Alert{}, repository.ErrNotFound
	}
	if a.ResolvedAt == nil {
		ts := m.now().UTC()
		a.ResolvedAt = &ts
		a.ResolvedBy = by
	}
	return *a, nil
}

func agentMetricValues(sample domain.AgentMetricSample) map[string]float64 {
	m := sample.Metrics
	return map[string]float64{
		"response_time_ms":     m.ResponseTimeMS,
		"task_completion_rate": m.TaskCompletionRate,
		"error_rate":           m.ErrorRate,
		"active_tasks":         float64(m.ActiveTasks),
		"failed_tasks":         float64(m.FailedTasks),
		"performance_score":    stream.Score(sample),
	}
}

func appMetricValues(sample domain.AppMetricSample) map[string]float64 {
	return map[string]float64{
		"load_complete_ms":        sample.Rendering.LoadCompleteMS,
		"main_thread_blocking_ms": sample.JS.MainThreadBlockingMS,
		"first_paint_ms":          sample.Rendering.FirstPaintMS,
		"fps":                     sample.Rendering.FPS,
		"memory_used_bytes":       float64(sample.Memory.UsedBytes),
	}
}

func vitalsMetricValues(sample domain.CoreWebVitalsSample) map[string]float64 {
	return map[string]float64{
		"lcp":               sample.LCP,
		"fid":               sample.FID,
		"cls":               sample.CLS,
		"fcp":               sample.FCP,
		"tti":               sample.TTI,
		"performance_score": sample.PerformanceScore,
	}
}
