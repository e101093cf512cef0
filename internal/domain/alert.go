package domain

import "time"

// Severity ranks how urgent an alert is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Comparator selects the threshold comparison for a rule condition.
type Comparator string

const (
	CompareGT  Comparator = "gt"
	CompareGTE Comparator = "gte"
	CompareLT  Comparator = "lt"
	CompareLTE Comparator = "lte"
	CompareEQ  Comparator = "eq"
)

// Holds evaluates the comparator against a threshold.
func (c Comparator) Holds(value, threshold float64) bool {
	switch c {
	case CompareGT:
		return value > threshold
	case CompareGTE:
		return value >= threshold
	case CompareLT:
		return value < threshold
	case CompareLTE:
		return value <= threshold
	case CompareEQ:
		return value == threshold
	}
	return false
}

// AlertCondition is the trigger for a rule. WindowSeconds is reserved:
// it is stored and echoed but not evaluated.
type AlertCondition struct {
	Metric        string     `json:"metric"`
	Comparator    Comparator `json:"comparator"`
	Threshold     float64    `json:"threshold"`
	WindowSeconds int        `json:"window_seconds,omitempty"`
}

// AlertRule defines when and how an alert fires.
type AlertRule struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Category  MetricCategory `json:"category"`
	Condition AlertCondition `json:"condition"`
	Severity  Severity       `json:"severity"`
	Channels  []string       `json:"channels,omitempty"`
	Enabled   bool           `json:"enabled"`
	CreatedAt time.Time      `json:"created_at"`
}

// Alert is a fired rule instance. Mutated only through the
// acknowledge and resolve transitions.
type Alert struct {
	ID             string            `json:"id"`
	RuleID         string            `json:"rule_id"`
	Severity       Severity          `json:"severity"`
	Source         string            `json:"source"`
	Title          string            `json:"title"`
	Message        string            `json:"message"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	TriggeredAt    time.Time         `json:"triggered_at"`
	AcknowledgedAt *time.Time        `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string            `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty"`
	ResolvedBy     string            `json:"resolved_by,omitempty"`
}

// Resolved reports whether the alert has left the active set.
func (a Alert) Resolved() bool {
	return a.ResolvedAt != nil
}
