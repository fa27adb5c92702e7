// Package compact shrinks long conversation histories: a rule pipeline
// pre-compresses each message, near-duplicates are dropped by shingle
// similarity, the remaining prefix is summarized by an LLM and stored as a
// tiered summary, and the replaced messages are deleted.
package compact

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tinyclawhq/tinyclaw/internal/clock"
	"github.com/tinyclawhq/tinyclaw/internal/providers"
	"github.com/tinyclawhq/tinyclaw/internal/store"
)

// Defaults.
const (
	DefaultThreshold  = 60
	DefaultKeepRecent = 20
	DefaultDupCutoff  = 0.85

	l0Tokens = 200
	l1Tokens = 500
	l2Tokens = 1500
)

const summaryPrompt = `Summarize the following conversation history into a compact briefing.
Preserve decisions, facts about the user, open tasks and commitments.
Drop pleasantries and repeated content. Write plain prose, no headers.`

// Summary holds the tiered summaries derived from one compaction.
type Summary struct {
	L0 string
	L1 string
	L2 string
}

// Metrics reports what a compaction did.
type Metrics struct {
	MessagesBefore   int
	MessagesKept     int
	CompressionRatio float64
	DurationMs       int64
}

// Result is the outcome of a successful compaction.
type Result struct {
	Summary Summary
	Metrics Metrics
}

// Compactor runs the compaction pipeline for one store.
type Compactor struct {
	store      *store.Store
	provider   providers.Provider
	clk        clock.Clock
	threshold  int
	keepRecent int
	dupCutoff  float64
}

// Option configures a Compactor.
type Option func(*Compactor)

// WithThreshold sets the message count that triggers compaction.
func WithThreshold(n int) Option { return func(c *Compactor) { c.threshold = n } }

// WithKeepRecent sets how many trailing messages always survive.
func WithKeepRecent(n int) Option { return func(c *Compactor) { c.keepRecent = n } }

// WithDupCutoff sets the shingle similarity above which a message is a
// duplicate.
func WithDupCutoff(v float64) Option { return func(c *Compactor) { c.dupCutoff = v } }

// New creates a Compactor summarizing through provider.
func New(st *store.Store, provider providers.Provider, clk clock.Clock, opts ...Option) *Compactor {
	if clk == nil {
		clk = clock.System{}
	}
	c := &Compactor{
		store:      st,
		provider:   provider,
		clk:        clk,
		threshold:  DefaultThreshold,
		keepRecent: DefaultKeepRecent,
		dupCutoff:  DefaultDupCutoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ShouldCompact reports whether userID's history has crossed the threshold.
func (c *Compactor) ShouldCompact(ctx context.Context, userID string) (bool, error) {
	n, err := c.store.MessageCount(ctx, userID)
	if err != nil {
		return false, err
	}
	return n >= c.threshold, nil
}

// Compact runs the pipeline for userID. A summarization failure aborts the
// attempt and returns (nil, nil): compaction is best-effort and the full
// history stays in place.
func (c *Compactor) Compact(ctx context.Context, userID string) (*Result, error) {
	start := c.clk.NowMs()

	all, err := c.store.AllMessages(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("compact: load history: %w", err)
	}
	if len(all) <= c.keepRecent {
		return nil, nil
	}

	prefix := all[:len(all)-c.keepRecent]

	// Rule pre-compression, then near-duplicate drop against everything
	// already retained.
	type compacted struct {
		entry store.ConversationEntry
		text  string
		sh    map[string]bool
	}
	var retained []compacted
	for _, entry := range prefix {
		text := PreCompress(entry.Content)
		if text == "" {
			continue
		}
		sh := shingles(text)
		dup := false
		for _, prev := range retained {
			if shingleSimilarity(sh, prev.sh) > c.dupCutoff {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		retained = append(retained, compacted{entry: entry, text: text, sh: sh})
	}

	var transcript string
	for _, r := range retained {
		transcript += r.entry.Role + ": " + r.text + "\n"
	}

	l2, err := c.summarize(ctx, transcript)
	if err != nil {
		slog.Warn("compact: summarization failed, keeping full history", "user", userID, "error", err)
		return nil, nil
	}

	summary := Summary{
		L2: truncateTokens(l2, l2Tokens),
		L1: truncateTokens(l2, l1Tokens),
		L0: truncateTokens(l2, l0Tokens),
	}

	replacedBefore := int64(0)
	ids := make([]int64, 0, len(prefix))
	for _, entry := range prefix {
		ids = append(ids, entry.ID)
		if entry.CreatedAt > replacedBefore {
			replacedBefore = entry.CreatedAt
		}
	}

	if _, err := c.store.SaveCompaction(ctx, userID, summary.L2, replacedBefore); err != nil {
		return nil, fmt.Errorf("compact: save record: %w", err)
	}
	if err := c.store.DeleteMessages(ctx, ids); err != nil {
		return nil, fmt.Errorf("compact: delete replaced: %w", err)
	}

	kept := len(all) - len(prefix)
	res := &Result{
		Summary: summary,
		Metrics: Metrics{
			MessagesBefore:   len(all),
			MessagesKept:     kept,
			CompressionRatio: float64(kept) / float64(len(all)),
			DurationMs:       c.clk.NowMs() - start,
		},
	}
	slog.Info("compacted conversation", "user", userID,
		"before", res.Metrics.MessagesBefore, "kept", res.Metrics.MessagesKept)
	return res, nil
}

func (c *Compactor) summarize(ctx context.Context, transcript string) (string, error) {
	resp, err := c.provider.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: summaryPrompt},
			{Role: "user", Content: transcript},
		},
	})
	if err != nil {
		return "", err
	}
	if resp.Content == "" {
		return "", fmt.Errorf("empty summary")
	}
	return resp.Content, nil
}

// truncateTokens cuts text to a token budget using the chars/4 estimate,
// backing up to a word boundary.
func truncateTokens(text string, tokens int) string {
	budget := tokens * 4
	if len(text) <= budget {
		return text
	}
	cut := budget
	for cut > 0 && text[cut-1] != ' ' && text[cut-1] != '\n' {
		cut--
	}
	if cut == 0 {
		cut = budget
	}
	return text[:cut]
}
