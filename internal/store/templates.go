package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RoleTemplate captures a reusable sub-agent role definition.
type RoleTemplate struct {
	ID              string
	UserID          string
	Name            string
	RoleDescription string
	DefaultTools    []string
	DefaultTier     string // empty = none
	TimesUsed       int
	AvgPerformance  float64
	Tags            []string
	CreatedAt       int64
	UpdatedAt       int64
}

const templateCols = `id, user_id, name, role_description, default_tools, default_tier,
	times_used, avg_performance, tags, created_at, updated_at`

func scanTemplate(row interface{ Scan(...interface{}) error }) (*RoleTemplate, error) {
	var t RoleTemplate
	var tools, tags string
	var tier sql.NullString
	err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.RoleDescription, &tools, &tier,
		&t.TimesUsed, &t.AvgPerformance, &tags, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.DefaultTools = decodeStrings(tools)
	t.Tags = decodeStrings(tags)
	t.DefaultTier = tier.String
	return &t, nil
}

// CreateTemplate persists a role template. The per-user cap is enforced by
// the template manager, not here.
func (s *Store) CreateTemplate(ctx context.Context, t *RoleTemplate) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO role_templates (`+templateCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Name, t.RoleDescription, encodeStrings(t.DefaultTools),
		nullStr(t.DefaultTier), t.TimesUsed, t.AvgPerformance, encodeStrings(t.Tags),
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: create template: %w", err)
	}
	return nil
}

// GetTemplate returns a template by id, or ErrNotFound.
func (s *Store) GetTemplate(ctx context.Context, id string) (*RoleTemplate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateCols+` FROM role_templates WHERE id = ?`, id)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get template: %w", err)
	}
	return t, nil
}

// ListTemplates returns all templates owned by userID.
func (s *Store) ListTemplates(ctx context.Context, userID string) ([]*RoleTemplate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+templateCols+` FROM role_templates WHERE user_id = ? ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list templates: %w", err)
	}
	defer rows.Close()

	var out []*RoleTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountTemplates counts templates owned by userID.
func (s *Store) CountTemplates(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM role_templates WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count templates: %w", err)
	}
	return n, nil
}

// UpdateTemplate rewrites all mutable fields of a template.
func (s *Store) UpdateTemplate(ctx context.Context, t *RoleTemplate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE role_templates SET name=?, role_description=?, default_tools=?, default_tier=?,
		 times_used=?, avg_performance=?, tags=?, updated_at=? WHERE id=?`,
		t.Name, t.RoleDescription, encodeStrings(t.DefaultTools), nullStr(t.DefaultTier),
		t.TimesUsed, t.AvgPerformance, encodeStrings(t.Tags), t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("store: update template: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTemplate removes a template by id.
func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM role_templates WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete template: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
