package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tinyclawhq/tinyclaw/internal/clock"
	"github.com/tinyclawhq/tinyclaw/internal/compact"
	"github.com/tinyclawhq/tinyclaw/internal/memory"
	"github.com/tinyclawhq/tinyclaw/internal/providers"
	"github.com/tinyclawhq/tinyclaw/internal/router"
	"github.com/tinyclawhq/tinyclaw/internal/sessionq"
	"github.com/tinyclawhq/tinyclaw/internal/shield"
	"github.com/tinyclawhq/tinyclaw/internal/store"
	"github.com/tinyclawhq/tinyclaw/internal/telemetry"
	"github.com/tinyclawhq/tinyclaw/internal/tools"
)

// Loop defaults.
const (
	DefaultHistoryLimit  = 20
	PrimaryMaxIterations = 10
	defaultPersona       = "You are tinyclaw, a helpful local-first assistant."
	memoryContextLimit   = 5
)

// TaskNotifier surfaces finished background tasks so the loop can announce
// them on the user's next turn.
type TaskNotifier interface {
	GetUndelivered(ctx context.Context, userID string) ([]*store.BackgroundTask, error)
	MarkDelivered(ctx context.Context, taskID string) error
}

// LoopConfig wires the primary agent loop.
type LoopConfig struct {
	Store      *store.Store
	Queue      *sessionq.Queue
	Registry   *router.Registry
	Tools      *tools.Registry
	Shield     *shield.Engine     // may be nil
	Compactor  *compact.Compactor // may be nil
	Background TaskNotifier       // may be nil
	Memory     *memory.Engine     // may be nil
	Clock      clock.Clock

	Persona string
	// HeartwareContext supplies the injected persona blob for each turn.
	HeartwareContext func() string

	HistoryLimit int
}

// Loop is the top-level per-message orchestrator: one Handle call per
// inbound user message.
type Loop struct {
	cfg LoopConfig
}

// NewLoop creates the primary loop.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Persona == "" {
		cfg.Persona = defaultPersona
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	return &Loop{cfg: cfg}
}

// Handle processes one user message to a reply. Messages from the same user
// serialize; different users run in parallel. stream may be nil.
func (l *Loop) Handle(ctx context.Context, userID, message string, stream StreamFunc) (string, error) {
	return l.cfg.Queue.Enqueue(ctx, userID, func(ctx context.Context) (string, error) {
		return l.handle(ctx, userID, message, stream)
	})
}

func (l *Loop) handle(ctx context.Context, userID, message string, stream StreamFunc) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "agent.handle", "user", userID)
	defer span.End()

	history, err := l.cfg.Store.RecentMessages(ctx, userID, l.cfg.HistoryLimit)
	if err != nil {
		return "", fmt.Errorf("loop: load history: %w", err)
	}

	if l.cfg.Compactor != nil {
		if ok, err := l.cfg.Compactor.ShouldCompact(ctx, userID); err == nil && ok {
			if _, err := l.cfg.Compactor.Compact(ctx, userID); err != nil {
				slog.Warn("loop: compaction failed", "user", userID, "error", err)
			}
		}
	}

	notices := l.drainUndelivered(ctx, userID)

	cls := router.Classify(message)
	provider := l.cfg.Registry.GetForTier(cls.Tier)
	slog.Info("message classified",
		"user", userID, "tier", cls.Tier, "confidence", cls.Confidence, "provider", provider.Name())

	messages := []providers.Message{{Role: "system", Content: l.systemPrompt(ctx, userID, message)}}
	for _, entry := range history {
		messages = append(messages, providers.Message{Role: entry.Role, Content: entry.Content})
	}
	messages = append(messages, notices...)
	messages = append(messages, providers.Message{Role: "user", Content: message})

	req := RunRequest{
		Messages:      messages,
		Provider:      provider,
		Tools:         l.cfg.Tools,
		MaxIterations: PrimaryMaxIterations,
		Shield:        l.cfg.Shield,
		Stream:        stream,
	}
	res, err := Run(ctx, req)
	if err != nil && retryableProviderFailure(err) {
		slog.Warn("loop: provider call failed, retrying once", "user", userID, "error", err)
		res, err = Run(ctx, req)
	}
	if err != nil {
		if reply, ok := friendlyFailure(err); ok {
			slog.Error("loop: provider failure surfaced to user", "user", userID, "error", err)
			return reply, nil
		}
		return "", fmt.Errorf("loop: run: %w", err)
	}

	reply := res.Response
	if err := l.cfg.Store.SaveMessage(ctx, userID, "user", message); err != nil {
		slog.Warn("loop: persist user message failed", "user", userID, "error", err)
	}
	if err := l.cfg.Store.SaveMessage(ctx, userID, "assistant", reply); err != nil {
		slog.Warn("loop: persist reply failed", "user", userID, "error", err)
	}

	if l.cfg.Memory != nil {
		go l.analyze(userID, message, reply)
	}
	return reply, nil
}

// retryableProviderFailure reports whether the run failed on a provider or
// network fault worth one more attempt. Auth rejections never are.
func retryableProviderFailure(err error) bool {
	var pe *providers.ProviderError
	var te *providers.TransportError
	return errors.As(err, &pe) || errors.As(err, &te)
}

// friendlyFailure maps provider faults to replies the user can act on. The
// raw error stays in the logs.
func friendlyFailure(err error) (string, bool) {
	var ae *providers.AuthError
	if errors.As(err, &ae) {
		return "Provider unavailable: my credentials were rejected. Please run setup to update the API key.", true
	}
	if retryableProviderFailure(err) {
		return "I couldn't reach the model provider just now. Please try again in a moment.", true
	}
	return "", false
}

// drainUndelivered turns finished background tasks into system notices and
// marks them delivered.
func (l *Loop) drainUndelivered(ctx context.Context, userID string) []providers.Message {
	if l.cfg.Background == nil {
		return nil
	}
	tasks, err := l.cfg.Background.GetUndelivered(ctx, userID)
	if err != nil {
		slog.Warn("loop: undelivered lookup failed", "user", userID, "error", err)
		return nil
	}
	var notices []providers.Message
	for _, task := range tasks {
		notices = append(notices, providers.Message{
			Role: "system",
			Content: fmt.Sprintf("Background task %q finished with status %s: %s",
				task.TaskDescription, task.Status, task.Result),
		})
		if err := l.cfg.Background.MarkDelivered(ctx, task.ID); err != nil {
			slog.Warn("loop: mark delivered failed", "task", task.ID, "error", err)
		}
	}
	return notices
}

// systemPrompt assembles persona, heartware context, the rolled-up history
// summary, and relevant learned memories.
func (l *Loop) systemPrompt(ctx context.Context, userID, message string) string {
	var b strings.Builder
	b.WriteString(l.cfg.Persona)

	if l.cfg.HeartwareContext != nil {
		if hw := l.cfg.HeartwareContext(); hw != "" {
			b.WriteString("\n\n")
			b.WriteString(hw)
		}
	}

	if rec, err := l.cfg.Store.LatestCompaction(ctx, userID); err == nil && rec != nil {
		b.WriteString("\n\nEarlier conversation summary:\n")
		b.WriteString(rec.Summary)
	}

	if l.cfg.Memory != nil {
		hits, err := l.cfg.Memory.Search(ctx, userID, message, memoryContextLimit)
		if err == nil && len(hits) > 0 {
			b.WriteString("\n\nThings you know about this user:")
			for _, h := range hits {
				b.WriteString("\n- ")
				b.WriteString(h.Event.Content)
			}
		}
	}
	return b.String()
}
