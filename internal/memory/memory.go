// Package memory is the episodic memory engine: typed events with full-text
// search, a relevance blend of match quality, recency and importance, and a
// consolidation pass that decays, prunes and merges old episodes.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/tinyclawhq/tinyclaw/internal/clock"
	"github.com/tinyclawhq/tinyclaw/internal/intercom"
	"github.com/tinyclawhq/tinyclaw/internal/store"
)

const msPerDay = 24 * 60 * 60 * 1000

// Relevance blend weights.
const (
	ftsWeight        = 0.4
	temporalWeight   = 0.3
	importanceWeight = 0.3
)

// Consolidation policy.
const (
	decayFactor      = 0.95
	decayAfterDays   = 7
	pruneImportance  = 0.1
	pruneAfterDays   = 30
	mergeSimilarity  = 0.8
	mergeCarryFactor = 0.2
)

// defaultImportance assigns a starting importance by event type.
var defaultImportance = map[string]float64{
	store.EventCorrection:        0.9,
	store.EventPreferenceLearned: 0.8,
	store.EventFactStored:        0.6,
	store.EventTaskCompleted:     0.5,
	store.EventDelegationResult:  0.5,
}

// DefaultImportance returns the starting importance for an event type.
func DefaultImportance(eventType string) float64 {
	if v, ok := defaultImportance[eventType]; ok {
		return v
	}
	return 0.5
}

// ScoredEvent is a search hit with its blended relevance.
type ScoredEvent struct {
	Event     store.EpisodicEvent
	Relevance float64
}

// ConsolidateStats reports what one consolidation pass did.
type ConsolidateStats struct {
	Merged  int
	Pruned  int
	Decayed int
}

// Engine is the memory surface. ic may be nil to disable event emission.
type Engine struct {
	store *store.Store
	clk   clock.Clock
	ic    *intercom.Intercom
}

// New creates an Engine.
func New(st *store.Store, clk clock.Clock, ic *intercom.Intercom) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	return &Engine{store: st, clk: clk, ic: ic}
}

// Record stores a new episodic event with the type's default importance and
// returns its id.
func (e *Engine) Record(ctx context.Context, userID, eventType, content, outcome string) (string, error) {
	now := e.clk.NowMs()
	ev := &store.EpisodicEvent{
		ID:             uuid.NewString(),
		UserID:         userID,
		EventType:      eventType,
		Content:        content,
		Outcome:        outcome,
		Importance:     DefaultImportance(eventType),
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if err := e.store.CreateEvent(ctx, ev); err != nil {
		return "", err
	}
	e.emit(intercom.TopicMemoryUpdated, userID, map[string]interface{}{"id": ev.ID, "event_type": eventType})
	return ev.ID, nil
}

// Search runs a sanitized FTS query and ranks hits by the relevance blend.
func (e *Engine) Search(ctx context.Context, userID, query string, limit int) ([]ScoredEvent, error) {
	ftsQuery := SanitizeQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	// Over-fetch so the blend can reorder beyond the raw FTS ranking.
	hits, err := e.store.SearchEvents(ctx, userID, ftsQuery, limit*3)
	if err != nil {
		return nil, fmt.Errorf("memory: search: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	maxAbsRank := 0.0
	for _, h := range hits {
		if abs := math.Abs(h.Rank); abs > maxAbsRank {
			maxAbsRank = abs
		}
	}

	now := e.clk.NowMs()
	scored := make([]ScoredEvent, 0, len(hits))
	for _, h := range hits {
		ftsScore := 0.0
		if maxAbsRank > 0 {
			ftsScore = math.Abs(h.Rank) / maxAbsRank
		}
		scored = append(scored, ScoredEvent{
			Event: h.Event,
			Relevance: ftsWeight*ftsScore +
				temporalWeight*temporalScore(now, h.Event.LastAccessedAt, h.Event.AccessCount) +
				importanceWeight*h.Event.Importance,
		})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Relevance > scored[j].Relevance })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// Reinforce bumps an event's access count and recency.
func (e *Engine) Reinforce(ctx context.Context, id string) error {
	ev, err := e.store.GetEvent(ctx, id)
	if err != nil {
		return err
	}
	ev.AccessCount++
	ev.LastAccessedAt = e.clk.NowMs()
	return e.store.UpdateEvent(ctx, ev)
}

// Consolidate decays stale events, prunes dead ones and merges
// near-duplicates of the same type.
func (e *Engine) Consolidate(ctx context.Context, userID string) (ConsolidateStats, error) {
	var stats ConsolidateStats
	events, err := e.store.ListEvents(ctx, userID)
	if err != nil {
		return stats, err
	}
	now := e.clk.NowMs()

	deleted := make(map[string]bool)

	// Merge pass runs first so decay applies to the surviving records.
	// Events arrive oldest first: for each pair the later one is kept.
	for i := 0; i < len(events); i++ {
		older := events[i]
		if deleted[older.ID] {
			continue
		}
		for j := i + 1; j < len(events); j++ {
			newer := events[j]
			if deleted[newer.ID] || newer.EventType != older.EventType {
				continue
			}
			if tokenJaccard(older.Content, newer.Content) <= mergeSimilarity {
				continue
			}
			newer.Importance = math.Min(1, newer.Importance+mergeCarryFactor*older.Importance)
			newer.AccessCount += older.AccessCount
			if err := e.store.UpdateEvent(ctx, newer); err != nil {
				return stats, err
			}
			if err := e.store.DeleteEvent(ctx, older.ID); err != nil {
				return stats, err
			}
			deleted[older.ID] = true
			stats.Merged++
			break
		}
	}

	for _, ev := range events {
		if deleted[ev.ID] {
			continue
		}
		ageDays := float64(now-ev.CreatedAt) / msPerDay
		idleDays := float64(now-ev.LastAccessedAt) / msPerDay

		if ev.Importance < pruneImportance && ev.AccessCount == 0 && ageDays > pruneAfterDays {
			if err := e.store.DeleteEvent(ctx, ev.ID); err != nil {
				return stats, err
			}
			stats.Pruned++
			continue
		}

		if idleDays >= decayAfterDays {
			ev.Importance *= decayFactor
			if err := e.store.UpdateEvent(ctx, ev); err != nil {
				return stats, err
			}
			stats.Decayed++
		}
	}

	e.emit(intercom.TopicMemoryConsolidated, userID, map[string]interface{}{
		"merged": stats.Merged, "pruned": stats.Pruned, "decayed": stats.Decayed,
	})
	return stats, nil
}

func (e *Engine) emit(topic, userID string, data interface{}) {
	if e.ic != nil {
		e.ic.Emit(topic, userID, data)
	}
}

// temporalScore rewards recently accessed and frequently accessed events:
// min(1, exp(-0.05*daysIdle) * (1 + 0.02*accessCount)).
func temporalScore(nowMs, lastAccessedMs int64, accessCount int) float64 {
	daysIdle := float64(nowMs-lastAccessedMs) / msPerDay
	if daysIdle < 0 {
		daysIdle = 0
	}
	score := math.Exp(-0.05*daysIdle) * (1 + 0.02*float64(accessCount))
	return math.Min(1, score)
}

// SanitizeQuery rewrites free text into an OR-of-tokens FTS query so user
// punctuation cannot break MATCH syntax.
func SanitizeQuery(query string) string {
	var tokens []string
	for _, field := range strings.Fields(query) {
		var b strings.Builder
		for _, r := range strings.ToLower(field) {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
				b.WriteRune(r)
			}
		}
		if tok := b.String(); tok != "" {
			tokens = append(tokens, tok)
		}
	}
	return strings.Join(tokens, " OR ")
}

// tokenJaccard is the Jaccard similarity of the token sets of a and b.
func tokenJaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for tok := range setA {
		if setB[tok] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, f := range strings.Fields(strings.ToLower(s)) {
		f = strings.Trim(f, `.,;:!?"'()`)
		if f != "" {
			set[f] = true
		}
	}
	return set
}
