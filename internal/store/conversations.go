package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ConversationEntry is one persisted message of a user's conversation.
// Sub-agent histories use the key "subagent:"+agentID as the user id.
type ConversationEntry struct {
	ID        int64
	UserID    string
	Role      string
	Content   string
	CreatedAt int64 // unix ms
}

// CompactionRecord holds a tiered summary replacing a conversation prefix.
// Only the latest record per user is consulted.
type CompactionRecord struct {
	ID             string
	UserID         string
	Summary        string
	ReplacedBefore int64 // unix ms
	CreatedAt      int64
}

// SubagentKey builds the conversation key for a sub-agent's own history.
func SubagentKey(agentID string) string { return "subagent:" + agentID }

// SaveMessage appends a conversation entry for userID.
func (s *Store) SaveMessage(ctx context.Context, userID, role, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_entries (user_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		userID, role, content, s.clock.NowMs())
	if err != nil {
		return fmt.Errorf("store: save message: %w", err)
	}
	return nil
}

// RecentMessages returns the last n entries for userID in chronological order.
func (s *Store) RecentMessages(ctx context.Context, userID string, n int) ([]ConversationEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, role, content, created_at FROM conversation_entries
		 WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent messages: %w", err)
	}
	defer rows.Close()

	var entries []ConversationEntry
	for rows.Next() {
		var e ConversationEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Role, &e.Content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recent messages: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// AllMessages returns every entry for userID in chronological order.
func (s *Store) AllMessages(ctx context.Context, userID string) ([]ConversationEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, role, content, created_at FROM conversation_entries
		 WHERE user_id = ? ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: all messages: %w", err)
	}
	defer rows.Close()

	var entries []ConversationEntry
	for rows.Next() {
		var e ConversationEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Role, &e.Content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MessageCount counts entries for userID.
func (s *Store) MessageCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversation_entries WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: message count: %w", err)
	}
	return n, nil
}

// DeleteMessages removes entries by id. Used by the compactor after the
// summary is persisted.
func (s *Store) DeleteMessages(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: delete messages: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM conversation_entries WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("store: delete messages: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("store: delete message %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// SaveCompaction persists a compaction record.
func (s *Store) SaveCompaction(ctx context.Context, userID, summary string, replacedBefore int64) (*CompactionRecord, error) {
	rec := &CompactionRecord{
		ID:             uuid.NewString(),
		UserID:         userID,
		Summary:        summary,
		ReplacedBefore: replacedBefore,
		CreatedAt:      s.clock.NowMs(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO compaction_records (id, user_id, summary, replaced_before, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.Summary, rec.ReplacedBefore, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: save compaction: %w", err)
	}
	return rec, nil
}

// LatestCompaction returns the most recent compaction record for userID,
// or ErrNotFound.
func (s *Store) LatestCompaction(ctx context.Context, userID string) (*CompactionRecord, error) {
	var rec CompactionRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, summary, replaced_before, created_at FROM compaction_records
		 WHERE user_id = ? ORDER BY created_at DESC LIMIT 1`, userID).
		Scan(&rec.ID, &rec.UserID, &rec.Summary, &rec.ReplacedBefore, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest compaction: %w", err)
	}
	return &rec, nil
}
