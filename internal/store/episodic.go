package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Episodic event type constants.
const (
	EventCorrection        = "correction"
	EventPreferenceLearned = "preference_learned"
	EventFactStored        = "fact_stored"
	EventTaskCompleted     = "task_completed"
	EventDelegationResult  = "delegation_result"
)

// EpisodicEvent is one remembered episode, FTS-indexed over Content.
type EpisodicEvent struct {
	ID             string
	UserID         string
	EventType      string
	Content        string
	Outcome        string
	Importance     float64
	AccessCount    int
	CreatedAt      int64
	LastAccessedAt int64
}

// FTSHit is an FTS match with its raw bm25 rank (more negative = better).
type FTSHit struct {
	Event EpisodicEvent
	Rank  float64
}

const episodicCols = `id, user_id, event_type, content, outcome, importance,
	access_count, created_at, last_accessed_at`

func scanEpisodic(row interface{ Scan(...interface{}) error }) (*EpisodicEvent, error) {
	var e EpisodicEvent
	var outcome sql.NullString
	err := row.Scan(&e.ID, &e.UserID, &e.EventType, &e.Content, &outcome,
		&e.Importance, &e.AccessCount, &e.CreatedAt, &e.LastAccessedAt)
	if err != nil {
		return nil, err
	}
	e.Outcome = outcome.String
	return &e, nil
}

// CreateEvent persists a new episodic event; the FTS index is maintained by
// schema triggers.
func (s *Store) CreateEvent(ctx context.Context, e *EpisodicEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO episodic_events (`+episodicCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.EventType, e.Content, nullStr(e.Outcome), e.Importance,
		e.AccessCount, e.CreatedAt, e.LastAccessedAt)
	if err != nil {
		return fmt.Errorf("store: create event: %w", err)
	}
	return nil
}

// GetEvent returns an event by id, or ErrNotFound.
func (s *Store) GetEvent(ctx context.Context, id string) (*EpisodicEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+episodicCols+` FROM episodic_events WHERE id = ?`, id)
	e, err := scanEpisodic(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get event: %w", err)
	}
	return e, nil
}

// ListEvents returns all events for userID (consolidation scans).
func (s *Store) ListEvents(ctx context.Context, userID string) ([]*EpisodicEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+episodicCols+` FROM episodic_events WHERE user_id = ? ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	var out []*EpisodicEvent
	for rows.Next() {
		e, err := scanEpisodic(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateEvent rewrites the mutable fields of an event.
func (s *Store) UpdateEvent(ctx context.Context, e *EpisodicEvent) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE episodic_events SET content=?, outcome=?, importance=?, access_count=?,
		 last_accessed_at=? WHERE id=?`,
		e.Content, nullStr(e.Outcome), e.Importance, e.AccessCount, e.LastAccessedAt, e.ID)
	if err != nil {
		return fmt.Errorf("store: update event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteEvent removes an event by id.
func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM episodic_events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete event: %w", err)
	}
	return nil
}

// SearchEvents runs an FTS query scoped to userID and returns hits with
// their raw rank. The query must already be FTS-sanitized by the caller.
func (s *Store) SearchEvents(ctx context.Context, userID, ftsQuery string, limit int) ([]FTSHit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.user_id, e.event_type, e.content, e.outcome, e.importance,
		        e.access_count, e.created_at, e.last_accessed_at, f.rank
		 FROM episodic_fts f
		 JOIN episodic_events e ON e.rowid = f.rowid
		 WHERE episodic_fts MATCH ? AND e.user_id = ?
		 ORDER BY f.rank LIMIT ?`, ftsQuery, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: search events: %w", err)
	}
	defer rows.Close()

	var hits []FTSHit
	for rows.Next() {
		var h FTSHit
		var outcome sql.NullString
		err := rows.Scan(&h.Event.ID, &h.Event.UserID, &h.Event.EventType, &h.Event.Content,
			&outcome, &h.Event.Importance, &h.Event.AccessCount, &h.Event.CreatedAt,
			&h.Event.LastAccessedAt, &h.Rank)
		if err != nil {
			return nil, fmt.Errorf("store: scan hit: %w", err)
		}
		h.Event.Outcome = outcome.String
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
