package store

import (
	"context"
	"fmt"
)

// TaskMetric is one append-only record of a finished task, feeding the
// timeout estimator's historical percentiles.
type TaskMetric struct {
	UserID     string
	TaskType   string
	Tier       string
	DurationMs int64
	Iterations int
	Success    bool
	CreatedAt  int64
}

// RecordMetric appends a task metric.
func (s *Store) RecordMetric(ctx context.Context, m *TaskMetric) error {
	success := 0
	if m.Success {
		success = 1
	}
	createdAt := m.CreatedAt
	if createdAt == 0 {
		createdAt = s.clock.NowMs()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_metrics (user_id, task_type, tier, duration_ms, iterations, success, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.UserID, m.TaskType, m.Tier, m.DurationMs, m.Iterations, success, createdAt)
	if err != nil {
		return fmt.Errorf("store: record metric: %w", err)
	}
	return nil
}

// MetricDurations returns the durations (ms) of the most recent metrics for
// (taskType, tier), newest first, capped at limit.
func (s *Store) MetricDurations(ctx context.Context, taskType, tier string, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT duration_ms FROM task_metrics WHERE task_type = ? AND tier = ?
		 ORDER BY created_at DESC LIMIT ?`, taskType, tier, limit)
	if err != nil {
		return nil, fmt.Errorf("store: metric durations: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("store: scan metric: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
