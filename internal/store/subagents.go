package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Sub-agent status constants.
const (
	AgentStatusActive      = "active"
	AgentStatusSuspended   = "suspended"
	AgentStatusSoftDeleted = "soft_deleted"
)

// SubAgentRecord is a persistent specialized worker owned by one user.
// Invariants: 0 <= SuccessfulTasks <= TotalTasks; DeletedAt is set exactly
// when Status is soft_deleted.
type SubAgentRecord struct {
	ID               string
	UserID           string
	Role             string
	SystemPrompt     string
	ToolsGranted     []string
	TierPreference   string // empty = none
	Status           string
	PerformanceScore float64
	TotalTasks       int
	SuccessfulTasks  int
	TemplateID       string // empty = none
	CreatedAt        int64
	LastActiveAt     int64
	DeletedAt        int64 // 0 = not deleted
}

func scanSubagent(row interface{ Scan(...interface{}) error }) (*SubAgentRecord, error) {
	var rec SubAgentRecord
	var tools string
	var tier, templateID sql.NullString
	var deletedAt sql.NullInt64
	err := row.Scan(&rec.ID, &rec.UserID, &rec.Role, &rec.SystemPrompt, &tools,
		&tier, &rec.Status, &rec.PerformanceScore, &rec.TotalTasks,
		&rec.SuccessfulTasks, &templateID, &rec.CreatedAt, &rec.LastActiveAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	rec.ToolsGranted = decodeStrings(tools)
	rec.TierPreference = tier.String
	rec.TemplateID = templateID.String
	rec.DeletedAt = deletedAt.Int64
	return &rec, nil
}

const subagentCols = `id, user_id, role, system_prompt, tools_granted, tier_preference,
	status, performance_score, total_tasks, successful_tasks, template_id,
	created_at, last_active_at, deleted_at`

// CreateSubagent persists a new sub-agent record.
func (s *Store) CreateSubagent(ctx context.Context, rec *SubAgentRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subagents (`+subagentCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.Role, rec.SystemPrompt, encodeStrings(rec.ToolsGranted),
		nullStr(rec.TierPreference), rec.Status, rec.PerformanceScore, rec.TotalTasks,
		rec.SuccessfulTasks, nullStr(rec.TemplateID), rec.CreatedAt, rec.LastActiveAt,
		nullInt(rec.DeletedAt))
	if err != nil {
		return fmt.Errorf("store: create subagent: %w", err)
	}
	return nil
}

// GetSubagent returns a sub-agent by id, or ErrNotFound.
func (s *Store) GetSubagent(ctx context.Context, id string) (*SubAgentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subagentCols+` FROM subagents WHERE id = ?`, id)
	rec, err := scanSubagent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get subagent: %w", err)
	}
	return rec, nil
}

// ListSubagents returns a user's sub-agents, optionally filtered by status.
func (s *Store) ListSubagents(ctx context.Context, userID, status string) ([]*SubAgentRecord, error) {
	query := `SELECT ` + subagentCols + ` FROM subagents WHERE user_id = ?`
	args := []interface{}{userID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list subagents: %w", err)
	}
	defer rows.Close()

	var out []*SubAgentRecord
	for rows.Next() {
		rec, err := scanSubagent(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan subagent: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateSubagent rewrites all mutable fields of a sub-agent record.
func (s *Store) UpdateSubagent(ctx context.Context, rec *SubAgentRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subagents SET role=?, system_prompt=?, tools_granted=?, tier_preference=?,
		 status=?, performance_score=?, total_tasks=?, successful_tasks=?, template_id=?,
		 last_active_at=?, deleted_at=? WHERE id=?`,
		rec.Role, rec.SystemPrompt, encodeStrings(rec.ToolsGranted), nullStr(rec.TierPreference),
		rec.Status, rec.PerformanceScore, rec.TotalTasks, rec.SuccessfulTasks,
		nullStr(rec.TemplateID), rec.LastActiveAt, nullInt(rec.DeletedAt), rec.ID)
	if err != nil {
		return fmt.Errorf("store: update subagent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSubagentsDeletedBefore hard-deletes soft-deleted records whose
// deleted_at precedes cutoff. Returns the number removed.
func (s *Store) DeleteSubagentsDeletedBefore(ctx context.Context, cutoff int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subagents WHERE status = ? AND deleted_at IS NOT NULL AND deleted_at < ?`,
		AgentStatusSoftDeleted, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: gc subagents: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
