// Package delegate manages specialized sub-agents: their lifecycle, the
// role templates they are minted from, and the background tasks they run.
package delegate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tinyclawhq/tinyclaw/internal/clock"
	"github.com/tinyclawhq/tinyclaw/internal/intercom"
	"github.com/tinyclawhq/tinyclaw/internal/providers"
	"github.com/tinyclawhq/tinyclaw/internal/store"
)

// DefaultSoftDeleteTTLMs is how long a soft-deleted agent can be revived
// before garbage collection removes it.
const DefaultSoftDeleteTTLMs = int64(7 * 24 * 60 * 60 * 1000)

// Lifecycle owns sub-agent state transitions and performance bookkeeping.
type Lifecycle struct {
	store *store.Store
	clk   clock.Clock
	ic    *intercom.Intercom
	ttlMs int64
}

// NewLifecycle creates a Lifecycle. ic may be nil; ttlMs <= 0 selects the
// default retention window.
func NewLifecycle(st *store.Store, clk clock.Clock, ic *intercom.Intercom, ttlMs int64) *Lifecycle {
	if clk == nil {
		clk = clock.System{}
	}
	if ttlMs <= 0 {
		ttlMs = DefaultSoftDeleteTTLMs
	}
	return &Lifecycle{store: st, clk: clk, ic: ic, ttlMs: ttlMs}
}

// CreateParams describes a new sub-agent.
type CreateParams struct {
	UserID         string
	Role           string
	SystemPrompt   string
	ToolsGranted   []string
	TierPreference string // empty = none
	TemplateID     string // empty = none
}

// Create persists a new active sub-agent and announces it.
func (l *Lifecycle) Create(ctx context.Context, p CreateParams) (*store.SubAgentRecord, error) {
	if p.UserID == "" || p.Role == "" {
		return nil, fmt.Errorf("delegate: create: userId and role are required")
	}
	if p.TierPreference != "" && !providers.ValidTier(p.TierPreference) {
		return nil, fmt.Errorf("delegate: create: invalid tier preference %q", p.TierPreference)
	}

	now := l.clk.NowMs()
	rec := &store.SubAgentRecord{
		ID:             uuid.NewString(),
		UserID:         p.UserID,
		Role:           p.Role,
		SystemPrompt:   p.SystemPrompt,
		ToolsGranted:   p.ToolsGranted,
		TierPreference: p.TierPreference,
		Status:         store.AgentStatusActive,
		TemplateID:     p.TemplateID,
		CreatedAt:      now,
		LastActiveAt:   now,
	}
	if err := l.store.CreateSubagent(ctx, rec); err != nil {
		return nil, err
	}
	l.emit(intercom.TopicAgentCreated, rec.UserID, rec.ID)
	slog.Info("sub-agent created", "agent", rec.ID, "role", rec.Role, "user", rec.UserID)
	return rec, nil
}

// Get returns a sub-agent by id.
func (l *Lifecycle) Get(ctx context.Context, id string) (*store.SubAgentRecord, error) {
	return l.store.GetSubagent(ctx, id)
}

// List returns a user's sub-agents, optionally filtered by status.
func (l *Lifecycle) List(ctx context.Context, userID, status string) ([]*store.SubAgentRecord, error) {
	return l.store.ListSubagents(ctx, userID, status)
}

// Suspend parks an active sub-agent.
func (l *Lifecycle) Suspend(ctx context.Context, id string) error {
	rec, err := l.store.GetSubagent(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status == store.AgentStatusSoftDeleted {
		return fmt.Errorf("delegate: suspend: agent %s is deleted", id)
	}
	if rec.Status == store.AgentStatusSuspended {
		return nil
	}
	rec.Status = store.AgentStatusSuspended
	rec.LastActiveAt = l.clk.NowMs()
	return l.store.UpdateSubagent(ctx, rec)
}

// Revive reactivates a suspended or recently soft-deleted sub-agent.
// Soft-deleted agents past the retention window cannot come back.
func (l *Lifecycle) Revive(ctx context.Context, id string) error {
	rec, err := l.store.GetSubagent(ctx, id)
	if err != nil {
		return err
	}
	now := l.clk.NowMs()
	if rec.Status == store.AgentStatusSoftDeleted && now-rec.DeletedAt > l.ttlMs {
		return fmt.Errorf("delegate: revive: agent %s deleted too long ago", id)
	}
	rec.Status = store.AgentStatusActive
	rec.DeletedAt = 0
	rec.LastActiveAt = now
	if err := l.store.UpdateSubagent(ctx, rec); err != nil {
		return err
	}
	l.emit(intercom.TopicAgentRevived, rec.UserID, rec.ID)
	return nil
}

// SoftDelete marks a sub-agent deleted. It stays revivable until the
// retention window lapses.
func (l *Lifecycle) SoftDelete(ctx context.Context, id string) error {
	rec, err := l.store.GetSubagent(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status == store.AgentStatusSoftDeleted {
		return nil
	}
	rec.Status = store.AgentStatusSoftDeleted
	rec.DeletedAt = l.clk.NowMs()
	if err := l.store.UpdateSubagent(ctx, rec); err != nil {
		return err
	}
	l.emit(intercom.TopicAgentDismissed, rec.UserID, rec.ID)
	return nil
}

// RecordTaskResult updates the agent's counters and performance score after
// one finished task.
func (l *Lifecycle) RecordTaskResult(ctx context.Context, id string, success bool) error {
	rec, err := l.store.GetSubagent(ctx, id)
	if err != nil {
		return err
	}
	rec.TotalTasks++
	if success {
		rec.SuccessfulTasks++
	}
	rec.PerformanceScore = float64(rec.SuccessfulTasks) / float64(rec.TotalTasks)
	rec.LastActiveAt = l.clk.NowMs()
	return l.store.UpdateSubagent(ctx, rec)
}

// GarbageCollect removes soft-deleted agents past the retention window and
// returns the count.
func (l *Lifecycle) GarbageCollect(ctx context.Context) (int, error) {
	cutoff := l.clk.NowMs() - l.ttlMs
	n, err := l.store.DeleteSubagentsDeletedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("sub-agent gc", "removed", n)
	}
	return n, nil
}

// SaveMessage persists a sub-agent conversation entry under its own history
// key, kept apart from the owner's primary conversation.
func (l *Lifecycle) SaveMessage(ctx context.Context, agentID, role, content string) error {
	return l.store.SaveMessage(ctx, store.SubagentKey(agentID), role, content)
}

func (l *Lifecycle) emit(topic, userID, agentID string) {
	if l.ic != nil {
		l.ic.Emit(topic, userID, agentID)
	}
}
