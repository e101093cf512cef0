package domain

import "time"

// MetricCategory selects one of the three sample tables.
type MetricCategory string

const (
	CategoryAgent     MetricCategory = "agent"
	CategoryApp       MetricCategory = "app"
	CategoryWebVitals MetricCategory = "core_web_vitals"
)

// Valid reports whether the category names a known sample kind.
func (c MetricCategory) Valid() bool {
	switch c {
	case CategoryAgent, CategoryApp, CategoryWebVitals:
		return true
	}
	return false
}

// AgentType enumerates the fixed agent roles in the fleet.
type AgentType string

const (
	AgentCoordinator AgentType = "coordinator"
	AgentFrontend    AgentType = "frontend"
	AgentBackend     AgentType = "backend"
	AgentQA          AgentType = "qa"
	AgentDocs        AgentType = "docs"
)

// Valid reports whether the agent type is one of the known roles.
func (t AgentType) Valid() bool {
	switch t {
	case AgentCoordinator, AgentFrontend, AgentBackend, AgentQA, AgentDocs:
		return true
	}
	return false
}

// AgentStatus is the reported state of an agent at sample time.
type AgentStatus string

const (
	StatusActive     AgentStatus = "active"
	StatusIdle       AgentStatus = "idle"
	StatusProcessing AgentStatus = "processing"
	StatusError      AgentStatus = "error"
	StatusOffline    AgentStatus = "offline"
)

// Valid reports whether the status is a known agent state.
func (s AgentStatus) Valid() bool {
	switch s {
	case StatusActive, StatusIdle, StatusProcessing, StatusError, StatusOffline:
		return true
	}
	return false
}

// DocQueryMetrics tracks an agent's documentation lookups.
type DocQueryMetrics struct {
	Count           int     `json:"count"`
	AvgResponseTime float64 `json:"avg_response_time"`
	SuccessRate     float64 `json:"success_rate"`
}

// CoordinationMetrics tracks task handoffs between agents.
type CoordinationMetrics struct {
	HandoffsReceived int     `json:"handoffs_received"`
	HandoffsSent     int     `json:"handoffs_sent"`
	AvgHandoffTime   float64 `json:"avg_handoff_time"`
}

// AgentMetrics is the measurement block of an agent sample.
type AgentMetrics struct {
	ResponseTimeMS     float64             `json:"response_time_ms"`
	TaskCompletionRate float64             `json:"task_completion_rate"`
	ErrorRate          float64             `json:"error_rate"`
	ActiveTasks        int                 `json:"active_tasks"`
	CompletedTasks     int                 `json:"completed_tasks"`
	FailedTasks        int                 `json:"failed_tasks"`
	DocQueries         DocQueryMetrics     `json:"doc_queries"`
	ToolUsage          map[string]int      `json:"tool_usage,omitempty"`
	Coordination       CoordinationMetrics `json:"coordination"`
}

// AgentMetricSample is one observation for one agent at one instant.
// Samples are immutable once persisted.
type AgentMetricSample struct {
	ID        int64        `json:"id,omitempty"`
	AgentType AgentType    `json:"agent_type"`
	AgentID   string       `json:"agent_id"`
	Status    AgentStatus  `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Metrics   AgentMetrics `json:"metrics"`
}

// JSMetrics measures JavaScript engine time for a page session.
type JSMetrics struct {
	ExecutionTimeMS      float64 `json:"execution_time_ms"`
	ParseTimeMS          float64 `json:"parse_time_ms"`
	CompileTimeMS        float64 `json:"compile_time_ms"`
	MainThreadBlockingMS float64 `json:"main_thread_blocking_ms"`
}

// BundleMetrics describes the delivered bundle composition.
type BundleMetrics struct {
	TotalSizeBytes    int64 `json:"total_size_bytes"`
	GzippedSizeBytes  int64 `json:"gzipped_size_bytes"`
	ChunkCount        int   `json:"chunk_count"`
	LargestChunkBytes int64 `json:"largest_chunk_bytes"`
}

// RenderingMetrics captures paint and load milestones.
type RenderingMetrics struct {
	FirstPaintMS       float64 `json:"first_paint_ms"`
	DOMContentLoadedMS float64 `json:"dom_content_loaded_ms"`
	LoadCompleteMS     float64 `json:"load_complete_ms"`
	FPS                float64 `json:"fps"`
}

// MemoryMetrics captures browser memory usage.
type MemoryMetrics struct {
	UsedBytes   int64 `json:"used_bytes"`
	LimitBytes  int64 `json:"limit_bytes"`
	JSHeapBytes int64 `json:"js_heap_bytes"`
}

// AppMetricSample is one observation tied to a browser session and URL.
type AppMetricSample struct {
	ID        int64            `json:"id,omitempty"`
	SessionID string           `json:"session_id"`
	URL       string           `json:"url"`
	Timestamp time.Time        `json:"timestamp"`
	JS        JSMetrics        `json:"js"`
	Bundle    BundleMetrics    `json:"bundle"`
	Rendering RenderingMetrics `json:"rendering"`
	Memory    MemoryMetrics    `json:"memory"`
}

// CoreWebVitalsSample holds the standard browser performance vitals
// for one (session, URL, timestamp).
type CoreWebVitalsSample struct {
	ID               int64     `json:"id,omitempty"`
	SessionID        string    `json:"session_id"`
	URL              string    `json:"url"`
	Timestamp        time.Time `json:"timestamp"`
	LCP              float64   `json:"lcp"`
	FID              float64   `json:"fid"`
	CLS              float64   `json:"cls"`
	FCP              float64   `json:"fcp"`
	TTI              float64   `json:"tti"`
	PerformanceScore float64   `json:"performance_score"`
}

// MetricFilter selects rows for QueryMetrics.
type MetricFilter struct {
	Category  MetricCategory
	AgentType AgentType
	Start     time.Time
	End       time.Time
	Limit     int
}

// QueryRow is a flattened projection of a stored sample, shaped per category.
type QueryRow struct {
	Category  MetricCategory     `json:"category"`
	Timestamp time.Time          `json:"timestamp"`
	Labels    map[string]string  `json:"labels"`
	Values    map[string]float64 `json:"values"`
}

// AgentStatusSummary groups trailing-window samples by (agent_type, status).
type AgentStatusSummary struct {
	AgentType         AgentType   `json:"agent_type"`
	Status            AgentStatus `json:"status"`
	LastSeen          time.Time   `json:"last_seen"`
	AvgResponseTimeMS float64     `json:"avg_response_time_ms"`
	SampleCount       int64       `json:"sample_count"`
}

// AggregatedBucket is a fixed-width time bucket of response-time statistics.
type AggregatedBucket struct {
	BucketStart time.Time `json:"bucket_start"`
	Count       int64     `json:"count"`
	Avg         float64   `json:"avg"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	P50         float64   `json:"p50"`
	P95         float64   `json:"p95"`
	P99         float64   `json:"p99"`
}

// DatabaseStats reports storage-layer health figures.
type DatabaseStats struct {
	PingMS     float64 `json:"ping_ms"`
	TotalConns int32   `json:"total_conns"`
	IdleConns  int32   `json:"idle_conns"`
	TotalRows  int64   `json:"total_rows"`
}
