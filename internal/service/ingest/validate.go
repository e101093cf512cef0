package ingest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fleetpulse/api/internal/domain"
)

// ErrInvalidSample marks a submission rejected at the boundary. The
// sample is never stored, processed, or broadcast.
var ErrInvalidSample = errors.New("invalid sample")

// ValidateAgentSample checks required fields and obvious ranges.
func ValidateAgentSample(sample *domain.AgentMetricSample) error {
	sample.AgentID = strings.TrimSpace(sample.AgentID)
	if sample.AgentID == "" {
		return fmt.Errorf("%w: agent_id is required", ErrInvalidSample)
	}
	if !sample.AgentType.Valid() {
		return fmt.Errorf("%w: unknown agent_type %q", ErrInvalidSample, sample.AgentType)
	}
	if !sample.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidSample, sample.Status)
	}
	m := sample.Metrics
	if m.ResponseTimeMS < 0 {
		return fmt.Errorf("%w: response_time_ms must not be negative", ErrInvalidSample)
	}
	if err := checkRate("task_completion_rate", m.TaskCompletionRate); err != nil {
		return err
	}
	if err := checkRate("error_rate", m.ErrorRate); err != nil {
		return err
	}
	if err := checkRate("doc_queries.success_rate", m.DocQueries.SuccessRate); err != nil {
		return err
	}
	if m.ActiveTasks < 0 || m.CompletedTasks < 0 || m.FailedTasks < 0 {
		return fmt.Errorf("%w: task counts must not be negative", ErrInvalidSample)
	}
	if m.DocQueries.Count < 0 {
		return fmt.Errorf("%w: doc_queries.count must not be negative", ErrInvalidSample)
	}
	if m.Coordination.HandoffsReceived < 0 || m.Coordination.HandoffsSent < 0 {
		return fmt.Errorf("%w: coordination counters must not be negative", ErrInvalidSample)
	}
	for tool, uses := range m.ToolUsage {
		if strings.TrimSpace(tool) == "" {
			return fmt.Errorf("%w: tool usage key must not be empty", ErrInvalidSample)
		}
		if uses < 0 {
			return fmt.Errorf("%w: tool usage count for %q must not be negative", ErrInvalidSample, tool)
		}
	}
	return nil
}

// ValidateAppSample checks required fields and obvious ranges.
func ValidateAppSample(sample *domain.AppMetricSample) error {
	sample.SessionID = strings.TrimSpace(sample.SessionID)
	sample.URL = strings.TrimSpace(sample.URL)
	if sample.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrInvalidSample)
	}
	if sample.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidSample)
	}
	if sample.JS.ExecutionTimeMS < 0 || sample.JS.ParseTimeMS < 0 || sample.JS.CompileTimeMS < 0 || sample.JS.MainThreadBlockingMS < 0 {
		return fmt.Errorf("%w: js timings must not be negative", ErrInvalidSample)
	}
	if sample.Bundle.TotalSizeBytes < 0 || sample.Bundle.GzippedSizeBytes < 0 || sample.Bundle.ChunkCount < 0 || sample.Bundle.LargestChunkBytes < 0 {
		return fmt.Errorf("%w: bundle figures must not be negative", ErrInvalidSample)
	}
	if sample.Rendering.FirstPaintMS < 0 || sample.Rendering.DOMContentLoadedMS < 0 || sample.Rendering.LoadCompleteMS < 0 || sample.Rendering.FPS < 0 {
		return fmt.Errorf("%w: rendering timings must not be negative", ErrInvalidSample)
	}
	if sample.Memory.UsedBytes < 0 || sample.Memory.LimitBytes < 0 || sample.Memory.JSHeapBytes < 0 {
		return fmt.Errorf("%w: memory figures must not be negative", ErrInvalidSample)
	}
	return nil
}

// ValidateWebVitalsSample checks required fields and obvious ranges.
func ValidateWebVitalsSample(sample *domain.CoreWebVitalsSample) error {
	sample.SessionID = strings.TrimSpace(sample.SessionID)
	sample.URL = strings.TrimSpace(sample.URL)
	if sample.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrInvalidSample)
	}
	if sample.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidSample)
	}
	if sample.LCP < 0 || sample.FID < 0 || sample.CLS < 0 || sample.FCP < 0 || sample.TTI < 0 {
		return fmt.Errorf("%w: vitals must not be negative", ErrInvalidSample)
	}
	if sample.PerformanceScore < 0 || sample.PerformanceScore > 100 {
		return fmt.Errorf("%w: performance_score must be within 0-100", ErrInvalidSample)
	}
	return nil
}

func checkRate(field string, value float64) error {
	if value < 0 || value > 100 {
		return fmt.Errorf("%w: %s must be within 0-100", ErrInvalidSample, field)
	}
	return nil
}
