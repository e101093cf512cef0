package alert

import "github.com/fleetpulse/api/internal/domain"

// DefaultRules is the rule set seeded at startup.
func DefaultRules() []domain.AlertRule {
	return []domain.AlertRule{
		{
			ID:        "agent-high-response-time",
			Name:      "Agent response time above 5s",
			Category:  domain.CategoryAgent,
			Condition: domain.AlertCondition{Metric: "response_time_ms", Comparator: domain.CompareGT, Threshold: 5000},
			Severity:  domain.SeverityWarning,
			Channels:  []string{"dashboard"},
			Enabled:   true,
		},
		{
			ID:        "agent-high-error-rate",
			Name:      "Agent error rate above 10%",
			Category:  domain.CategoryAgent,
			Condition: domain.AlertCondition{Metric: "error_rate", Comparator: domain.CompareGT, Threshold: 10},
			Severity:  domain.SeverityCritical,
			Channels:  []string{"dashboard"},
			Enabled:   true,
		},
		{
			ID:        "agent-low-completion-rate",
			Name:      "Agent task completion below 80%",
			Category:  domain.CategoryAgent,
			Condition: domain.AlertCondition{Metric: "task_completion_rate", Comparator: domain.CompareLT, Threshold: 80},
			Severity:  domain.SeverityWarning,
			Channels:  []string{"dashboard"},
			Enabled:   true,
		},
		{
			ID:        "agent-low-performance-score",
			Name:      "Agent performance score below 40",
			Category:  domain.CategoryAgent,
			Condition: domain.AlertCondition{Metric: "performance_score", Comparator: domain.CompareLT, Threshold: 40},
			Severity:  domain.SeverityCritical,
			Channels:  []string{"dashboard"},
			Enabled:   true,
		},
		{
			ID:        "app-slow-load",
			Name:      "Page load above 3s",
			Category:  domain.CategoryApp,
			Condition: domain.AlertCondition{Metric: "load_complete_ms", Comparator: domain.CompareGT, Threshold: 3000},
			Severity:  domain.SeverityWarning,
			Channels:  []string{"dashboard"},
			Enabled:   true,
		},
		{
			ID:        "vitals-poor-lcp",
			Name:      "LCP above 2.5s",
			Category:  domain.CategoryWebVitals,
			Condition: domain.AlertCondition{Metric: "lcp", Comparator: domain.CompareGT, Threshold: 2500},
			Severity:  domain.SeverityWarning,
			Channels:  []string{"dashboard"},
			Enabled:   true,
		},
		{
			ID:        "vitals-low-score",
			Name:      "Performance score below 50",
			Category:  domain.CategoryWebVitals,
			Condition: domain.AlertCondition{Metric: "performance_score", Comparator: domain.CompareLT, Threshold: 50},
			Severity:  domain.SeverityCritical,
			Channels:  []string{"dashboard"},
			Enabled:   true,
		},
	}
}

// SeedDefaults registers the default rules, skipping ids that already exist.
func (m *Manager) SeedDefaults() {
	for _, rule := range DefaultRules() {
		if _, err := m.CreateRule(rule); err != nil && m.logger != nil {
			m.logger.Debug("skipping default rule", "rule_id", rule.ID, "error", err)
		}
	}
}
