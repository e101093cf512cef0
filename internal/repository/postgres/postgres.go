package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetpulse/api/internal/domain"
	"github.com/fleetpulse/api/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ repository.MetricRepository = (*Repository)(nil)

// maxQueryRows caps every filtered read.
const maxQueryRows = 1000

// StoreAgentMetrics persists the sample plus one row per tool-usage
// entry in a single transaction. A failure anywhere rolls the whole
// write back so readers never observe a partial sample.
func (r *Repository) StoreAgentMetrics(ctx context.Context, sample *domain.AgentMetricSample) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin agent metrics tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const query = `INSERT INTO agent_metrics (
			agent_type, agent_id, status, ts,
			response_time_ms, task_completion_rate, error_rate,
			active_tasks, completed_tasks, failed_tasks,
			doc_query_count, doc_query_avg_ms, doc_query_success_rate,
			handoffs_received, handoffs_sent, avg_handoff_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id`
	m := sample.Metrics
	row := tx.QueryRow(ctx, query,
		sample.AgentType, sample.AgentID, sample.Status, sample.Timestamp,
		m.ResponseTimeMS, m.TaskCompletionRate, m.ErrorRate,
		m.ActiveTasks, m.CompletedTasks, m.FailedTasks,
		m.DocQueries.Count, m.DocQueries.AvgResponseTime, m.DocQueries.SuccessRate,
		m.Coordination.HandoffsReceived, m.Coordination.HandoffsSent, m.Coordination.AvgHandoffTime)
	if err := row.Scan(&sample.ID); err != nil {
		return fmt.Errorf("insert agent metrics: %w", err)
	}

	const toolQuery = `INSERT INTO agent_tool_usage (metric_id, tool, uses) VALUES ($1, $2, $3)`
	for tool, uses := range m.ToolUsage {
		if _, err := tx.Exec(ctx, toolQuery, sample.ID, tool, uses); err != nil {
			return fmt.Errorf("insert tool usage %q: %w", tool, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit agent metrics: %w", err)
	}
	return nil
}

// StoreAppMetrics inserts one application metric sample.
func (r *Repository) StoreAppMetrics(ctx context.Context, sample *domain.AppMetricSample) error {
	const query = `INSERT INTO app_metrics (
			session_id, url, ts,
			js_execution_ms, js_parse_ms, js_compile_ms, main_thread_blocking_ms,
			bundle_total_bytes, bundle_gzip_bytes, chunk_count, largest_chunk_bytes,
			first_paint_ms, dom_content_loaded_ms, load_complete_ms, fps,
			memory_used_bytes, memory_limit_bytes, js_heap_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id`
	row := r.pool.QueryRow(ctx, query,
		sample.SessionID, sample.URL, sample.Timestamp,
		sample.JS.ExecutionTimeMS, sample.JS.ParseTimeMS, sample.JS.CompileTimeMS, sample.JS.MainThreadBlockingMS,
		sample.Bundle.TotalSizeBytes, sample.Bundle.GzippedSizeBytes, sample.Bundle.ChunkCount, sample.Bundle.LargestChunkBytes,
		sample.Rendering.FirstPaintMS, sample.Rendering.DOMContentLoadedMS, sample.Rendering.LoadCompleteMS, sample.Rendering.FPS,
		sample.Memory.UsedBytes, sample.Memory.LimitBytes, sample.Memory.JSHeapBytes)
	if err := row.Scan(&sample.ID); err != nil {
		return fmt.Errorf("insert app metrics: %w", err)
	}
	return nil
}

// StoreWebVitals inserts one Core Web Vitals sample.
func (r *Repository) StoreWebVitals(ctx context.Context, sample *domain.CoreWebVitalsSample) error {
	const query = `INSERT INTO core_web_vitals (
			session_id, url, ts, lcp_ms, fid_ms, cls, fcp_ms, tti_ms, performance_score)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`
	row := r.pool.QueryRow(ctx, query,
		sample.SessionID, sample.URL, sample.Timestamp,
		sample.LCP, sample.FID, sample.CLS, sample.FCP, sample.TTI, sample.PerformanceScore)
	if err := row.Scan(&sample.ID); err != nil {
		return fmt.Errorf("insert core web vitals: %w", err)
	}
	return nil
}

// RecentAgentMetrics returns the most recent agent samples, newest
// first, with the tool-usage mapping reconstructed per sample.
func (r *Repository) RecentAgentMetrics(ctx context.Context, limit int) ([]domain.AgentMetricSample, error) {
	limit = clampLimit(limit)
	const query = `SELECT id, agent_type, agent_id, status, ts,
			response_time_ms, task_completion_rate, error_rate,
			active_tasks, completed_tasks, failed_tasks,
			doc_query_count, doc_query_avg_ms, doc_query_success_rate,
			handoffs_received, handoffs_sent, avg_handoff_time_ms
		FROM agent_metrics ORDER BY ts DESC, id DESC LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	samples := make([]domain.AgentMetricSample, 0, limit)
	ids := make([]int64, 0, limit)
	for rows.Next() {
		var s domain.AgentMetricSample
		m := &s.Metrics
		if err := rows.Scan(&s.ID, &s.AgentType, &s.AgentID, &s.Status, &s.Timestamp,
			&m.ResponseTimeMS, &m.TaskCompletionRate, &m.ErrorRate,
			&m.ActiveTasks, &m.CompletedTasks, &m.FailedTasks,
			&m.DocQueries.Count, &m.DocQueries.AvgResponseTime, &m.DocQueries.SuccessRate,
			&m.Coordination.HandoffsReceived, &m.Coordination.HandoffsSent, &m.Coordination.AvgHandoffTime); err != nil {
			return nil, err
		}
		samples = append(samples, s)
		ids = append(ids, s.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return samples, nil
	}

	usage, err := r.toolUsageByMetric(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range samples {
		if tools, ok := usage[samples[i].ID]; ok {
			samples[i].Metrics.ToolUsage = tools
		}
	}
	return samples, nil
}

func (r *Repository) toolUsageByMetric(ctx context.Context, ids []int64) (map[int64]map[string]int, error) {
	const query = `SELECT metric_id, tool, uses FROM agent_tool_usage WHERE metric_id = ANY($1)`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	usage := make(map[int64]map[string]int)
	for rows.Next() {
		var metricID int64
		var tool string
		var uses int
		if err := rows.Scan(&metricID, &tool, &uses); err != nil {
			return nil, err
		}
		if usage[metricID] == nil {
			usage[metricID] = make(map[string]int)
		}
		usage[metricID][tool] = uses
	}
	return usage, rows.Err()
}

// RecentAppMetrics returns the most recent application samples, newest first.
func (r *Repository) RecentAppMetrics(ctx context.Context, limit int) ([]domain.AppMetricSample, error) {
	limit = clampLimit(limit)
	const query = `SELECT id, session_id, url, ts,
			js_execution_ms, js_parse_ms, js_compile_ms, main_thread_blocking_ms,
			bundle_total_bytes, bundle_gzip_bytes, chunk_count, largest_chunk_bytes,
			first_paint_ms, dom_content_loaded_ms, load_complete_ms, fps,
			memory_used_bytes, memory_limit_bytes, js_heap_bytes
		FROM app_metrics ORDER BY ts DESC, id DESC LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	samples := make([]domain.AppMetricSample, 0, limit)
	for rows.Next() {
		var s domain.AppMetricSample
		if err := rows.Scan(&s.ID, &s.SessionID, &s.URL, &s.Timestamp,
			&s.JS.ExecutionTimeMS, &s.JS.ParseTimeMS, &s.JS.CompileTimeMS, &s.JS.MainThreadBlockingMS,
			&s.Bundle.TotalSizeBytes, &s.Bundle.GzippedSizeBytes, &s.Bundle.ChunkCount, &s.Bundle.LargestChunkBytes,
			&s.Rendering.FirstPaintMS, &s.Rendering.DOMContentLoadedMS, &s.Rendering.LoadCompleteMS, &s.Rendering.FPS,
			&s.Memory.UsedBytes, &s.Memory.LimitBytes, &s.Memory.JSHeapBytes); err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// RecentWebVitals returns the most recent vitals samples, newest first.
func (r *Repository) RecentWebVitals(ctx context.Context, limit int) ([]domain.CoreWebVitalsSample, error) {
	limit = clampLimit(limit)
	const query = `SELECT id, session_id, url, ts, lcp_ms, fid_ms, cls, fcp_ms, tti_ms, performance_score
		FROM core_web_vitals ORDER BY ts DESC, id DESC LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	samples := make([]domain.CoreWebVitalsSample, 0, limit)
	for rows.Next() {
		var s domain.CoreWebVitalsSample
		if err := rows.Scan(&s.ID, &s.SessionID, &s.URL, &s.Timestamp,
			&s.LCP, &s.FID, &s.CLS, &s.FCP, &s.TTI, &s.PerformanceScore); err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// AgentStatus groups samples within the trailing window by
// (agent_type, status) with last-seen and mean response time.
func (r *Repository) AgentStatus(ctx context.Context, window time.Duration) ([]domain.AgentStatusSummary, error) {
	if window <= 0 {
		window = 5 * time.Minute
	}
	const query = `SELECT agent_type, status, MAX(ts), AVG(response_time_ms), COUNT(*)
		FROM agent_metrics
		WHERE ts >= $1
		GROUP BY agent_type, status
		ORDER BY agent_type, status`
	rows, err := r.pool.Query(ctx, query, time.Now().UTC().Add(-window))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := make([]domain.AgentStatusSummary, 0)
	for rows.Next() {
		var s domain.AgentStatusSummary
		if err := rows.Scan(&s.AgentType, &s.Status, &s.LastSeen, &s.AvgResponseTimeMS, &s.SampleCount); err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// AggregatedMetrics buckets agent response-time samples into
// fixed-width windows with avg/min/max and interpolated percentiles.
func (r *Repository) AggregatedMetrics(ctx context.Context, agentType domain.AgentType, start, end time.Time, bucket time.Duration) ([]domain.AggregatedBucket, error) {
	if bucket <= 0 {
		bucket = time.Hour
	}
	const query = `SELECT
			to_timestamp(floor(extract(epoch FROM ts) / $4) * $4) AS bucket_start,
			COUNT(*),
			AVG(response_time_ms),
			MIN(response_time_ms),
			MAX(response_time_ms),
			percentile_cont(0.50) WITHIN GROUP (ORDER BY response_time_ms),
			percentile_cont(0.95) WITHIN GROUP (ORDER BY response_time_ms),
			percentile_cont(0.99) WITHIN GROUP (ORDER BY response_time_ms)
		FROM agent_metrics
		WHERE agent_type = $1 AND ts >= $2 AND ts < $3
		GROUP BY bucket_start
		ORDER BY bucket_start`
	rows, err := r.pool.Query(ctx, query, agentType, start, end, bucket.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	buckets := make([]domain.AggregatedBucket, 0)
	for rows.Next() {
		var b domain.AggregatedBucket
		if err := rows.Scan(&b.BucketStart, &b.Count, &b.Avg, &b.Min, &b.Max, &b.P50, &b.P95, &b.P99); err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// DatabaseStats measures a trivial query round trip, the pool state,
// and the total stored-row count across the three sample tables.
func (r *Repository) DatabaseStats(ctx context.Context) (domain.DatabaseStats, error) {
	var stats domain.DatabaseStats

	started := time.Now()
	var one int
	if err := r.pool.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return stats, fmt.Errorf("ping query: %w", err)
	}
	stats.PingMS = float64(time.Since(started)) / float64(time.Millisecond)

	poolStat := r.pool.Stat()
	stats.TotalConns = poolStat.TotalConns()
	stats.IdleConns = poolStat.IdleConns()

	const countQuery = `SELECT
			(SELECT COUNT(*) FROM agent_metrics) +
			(SELECT COUNT(*) FROM app_metrics) +
			(SELECT COUNT(*) FROM core_web_vitals)`
	if err := r.pool.QueryRow(ctx, countQuery).Scan(&stats.TotalRows); err != nil {
		return stats, fmt.Errorf("count rows: %w", err)
	}
	return stats, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > maxQueryRows {
		return maxQueryRows
	}
	return limit
}
