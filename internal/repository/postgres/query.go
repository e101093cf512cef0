package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetpulse/api/internal/domain"
)

// Fixed statements keyed by metric category. Filters bind as
// parameters so no query text is ever assembled from input.
const (
	agentQuery = `SELECT agent_type, agent_id, status, ts,
			response_time_ms, task_completion_rate, error_rate,
			active_tasks, completed_tasks, failed_tasks
		FROM agent_metrics
		WHERE ts >= $1 AND ts < $2 AND ($3 = '' OR agent_type = $3)
		ORDER BY ts DESC, id DESC LIMIT $4`

	appQuery = `SELECT session_id, url, ts,
			js_execution_ms, main_thread_blocking_ms,
			first_paint_ms, dom_content_loaded_ms, load_complete_ms, fps,
			memory_used_bytes
		FROM app_metrics
		WHERE ts >= $1 AND ts < $2
		ORDER BY ts DESC, id DESC LIMIT $3`

	vitalsQuery = `SELECT session_id, url, ts, lcp_ms, fid_ms, cls, fcp_ms, tti_ms, performance_score
		FROM core_web_vitals
		WHERE ts >= $1 AND ts < $2
		ORDER BY ts DESC, id DESC LIMIT $3`
)

// QueryMetrics returns flattened rows from the table implied by the
// filter category, most recent first, capped at 1000 rows.
func (r *Repository) QueryMetrics(ctx context.Context, filter domain.MetricFilter) ([]domain.QueryRow, error) {
	start, end := filter.Start, filter.End
	if start.IsZero() {
		start = time.Unix(0, 0).UTC()
	}
	if end.IsZero() {
		end = time.Now().UTC().Add(time.Second)
	}
	limit := clampLimit(filter.Limit)

	switch filter.Category {
	case domain.CategoryAgent:
		return r.queryAgentRows(ctx, start, end, filter.AgentType, limit)
	case domain.CategoryApp:
		return r.queryAppRows(ctx, start, end, limit)
	case domain.CategoryWebVitals:
		return r.queryVitalsRows(ctx, start, end, limit)
	default:
		return nil, fmt.Errorf("unknown metric category %q", filter.Category)
	}
}

func (r *Repository) queryAgentRows(ctx context.Context, start, end time.Time, agentType domain.AgentType, limit int) ([]domain.QueryRow, error) {
	rows, err := r.pool.Query(ctx, agentQuery, start, end, string(agentType), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.QueryRow, 0)
	for rows.Next() {
		var aType, aID, status string
		var ts time.Time
		var respMS, completion, errRate float64
		var activeTasks, doneTasks, failedTasks int
		if err := rows.Scan(&aType, &aID, &status, &ts,
			&respMS, &completion, &errRate,
			&activeTasks, &doneTasks, &failedTasks); err != nil {
			return nil, err
		}
		out = append(out, domain.QueryRow{
			Category:  domain.CategoryAgent,
			Timestamp: ts,
			Labels:    map[string]string{"agent_type": aType, "agent_id": aID, "status": status},
			Values: map[string]float64{
				"response_time_ms":     respMS,
				"task_completion_rate": completion,
				"error_rate":           errRate,
				"active_tasks":         float64(activeTasks),
				"completed_tasks":      float64(doneTasks),
				"failed_tasks":         float64(failedTasks),
			},
		})
	}
	return out, rows.Err()
}

func (r *Repository) queryAppRows(ctx context.Context, start, end time.Time, limit int) ([]domain.QueryRow, error) {
	rows, err := r.pool.Query(ctx, appQuery, start, end, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.QueryRow, 0)
	for rows.Next() {
		var session, pageURL string
		var ts time.Time
		var jsExec, blocking, fp, dcl, load, fps float64
		var memUsed int64
		if err := rows.Scan(&session, &pageURL, &ts,
			&jsExec, &blocking, &fp, &dcl, &load, &fps, &memUsed); err != nil {
			return nil, err
		}
		out = append(out, domain.QueryRow{
			Category:  domain.CategoryApp,
			Timestamp: ts,
			Labels:    map[string]string{"session_id": session, "url": pageURL},
			Values: map[string]float64{
				"js_execution_ms":         jsExec,
				"main_thread_blocking_ms": blocking,
				"first_paint_ms":          fp,
				"dom_content_loaded_ms":   dcl,
				"load_complete_ms":        load,
				"fps":                     fps,
				"memory_used_bytes":       float64(memUsed),
			},
		})
	}
	return out, rows.Err()
}

func (r *Repository) queryVitalsRows(ctx context.Context, start, end time.Time, limit int) ([]domain.QueryRow, error) {
	rows, err := r.pool.Query(ctx, vitalsQuery, start, end, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.QueryRow, 0)
	for rows.Next() {
		var session, pageURL string
		var ts time.Time
		var lcp, fid, cls, fcp, tti, score float64
		if err := rows.Scan(&session, &pageURL, &ts, &lcp, &fid, &cls, &fcp, &tti, &score); err != nil {
			return nil, err
		}
		out = append(out, domain.QueryRow{
			Category:  domain.CategoryWebVitals,
			Timestamp: ts,
			Labels:    map[string]string{"session_id": session, "url": pageURL},
			Values: map[string]float64{
				"lcp":               lcp,
				"fid":               fid,
				"cls":               cls,
				"fcp":               fcp,
				"tti":               tti,
				"performance_score": score,
			},
		})
	}
	return out, rows.Err()
}
