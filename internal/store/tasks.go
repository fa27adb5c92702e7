package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Background task status constants. Transitions are one-way:
// running → completed|failed → delivered.
const (
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	TaskStatusDelivered = "delivered"
)

// BackgroundTask is one asynchronous delegated task bound to a sub-agent.
type BackgroundTask struct {
	ID              string
	UserID          string
	AgentID         string
	TaskDescription string
	Status          string
	Result          string
	StartedAt       int64
	CompletedAt     int64 // 0 = still running
	DeliveredAt     int64 // 0 = not delivered
}

const taskCols = `id, user_id, agent_id, task_description, status, result,
	started_at, completed_at, delivered_at`

func scanTask(row interface{ Scan(...interface{}) error }) (*BackgroundTask, error) {
	var t BackgroundTask
	var result sql.NullString
	var completedAt, deliveredAt sql.NullInt64
	err := row.Scan(&t.ID, &t.UserID, &t.AgentID, &t.TaskDescription, &t.Status,
		&result, &t.StartedAt, &completedAt, &deliveredAt)
	if err != nil {
		return nil, err
	}
	t.Result = result.String
	t.CompletedAt = completedAt.Int64
	t.DeliveredAt = deliveredAt.Int64
	return &t, nil
}

// CreateTask persists a new background task.
func (s *Store) CreateTask(ctx context.Context, t *BackgroundTask) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO background_tasks (`+taskCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.AgentID, t.TaskDescription, t.Status, nullStr(t.Result),
		t.StartedAt, nullInt(t.CompletedAt), nullInt(t.DeliveredAt))
	if err != nil {
		return fmt.Errorf("store: create task: %w", err)
	}
	return nil
}

// GetTask returns a task by id, or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*BackgroundTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM background_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get task: %w", err)
	}
	return t, nil
}

// CompleteTask moves a running task to completed or failed with its result.
func (s *Store) CompleteTask(ctx context.Context, id, status, result string) error {
	if status != TaskStatusCompleted && status != TaskStatusFailed {
		return fmt.Errorf("store: complete task: invalid terminal status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE background_tasks SET status=?, result=?, completed_at=? WHERE id=? AND status=?`,
		status, result, s.clock.NowMs(), id, TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("store: complete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkTaskDelivered flips a terminal task to delivered. One-way.
func (s *Store) MarkTaskDelivered(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE background_tasks SET status=?, delivered_at=? WHERE id=? AND status IN (?, ?)`,
		TaskStatusDelivered, s.clock.NowMs(), id, TaskStatusCompleted, TaskStatusFailed)
	if err != nil {
		return fmt.Errorf("store: mark delivered: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UndeliveredTasks returns terminal-but-not-delivered tasks for userID in
// completion order.
func (s *Store) UndeliveredTasks(ctx context.Context, userID string) ([]*BackgroundTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskCols+` FROM background_tasks
		 WHERE user_id = ? AND status IN (?, ?) AND delivered_at IS NULL
		 ORDER BY completed_at ASC`, userID, TaskStatusCompleted, TaskStatusFailed)
	if err != nil {
		return nil, fmt.Errorf("store: undelivered tasks: %w", err)
	}
	defer rows.Close()

	var out []*BackgroundTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateTaskCapped inserts t only while the user has fewer than max running
// tasks. The count and the insert execute as one statement, so concurrent
// callers cannot slip past the cap together. Returns false when the cap is
// already reached.
func (s *Store) CreateTaskCapped(ctx context.Context, t *BackgroundTask, max int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO background_tasks (`+taskCols+`)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE (SELECT COUNT(*) FROM background_tasks WHERE user_id = ? AND status = ?) < ?`,
		t.ID, t.UserID, t.AgentID, t.TaskDescription, t.Status, nullStr(t.Result),
		t.StartedAt, nullInt(t.CompletedAt), nullInt(t.DeliveredAt),
		t.UserID, TaskStatusRunning, max)
	if err != nil {
		return false, fmt.Errorf("store: create task capped: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: create task capped: %w", err)
	}
	return n > 0, nil
}

// CountRunningTasks counts running tasks for userID.
func (s *Store) CountRunningTasks(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM background_tasks WHERE user_id = ? AND status = ?`,
		userID, TaskStatusRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count running tasks: %w", err)
	}
	return n, nil
}

// CountRunningTasksForAgent counts running tasks bound to agentID.
func (s *Store) CountRunningTasksForAgent(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM background_tasks WHERE agent_id = ? AND status = ?`,
		agentID, TaskStatusRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count agent tasks: %w", err)
	}
	return n, nil
}

// StaleRunningTasks returns running tasks started before cutoff.
func (s *Store) StaleRunningTasks(ctx context.Context, cutoff int64) ([]*BackgroundTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskCols+` FROM background_tasks WHERE status = ? AND started_at < ?`,
		TaskStatusRunning, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: stale tasks: %w", err)
	}
	defer rows.Close()

	var out []*BackgroundTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
