package delegate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tinyclawhq/tinyclaw/internal/agent"
	"github.com/tinyclawhq/tinyclaw/internal/clock"
	"github.com/tinyclawhq/tinyclaw/internal/estimator"
	"github.com/tinyclawhq/tinyclaw/internal/intercom"
	"github.com/tinyclawhq/tinyclaw/internal/providers"
	"github.com/tinyclawhq/tinyclaw/internal/router"
	"github.com/tinyclawhq/tinyclaw/internal/sessionq"
	"github.com/tinyclawhq/tinyclaw/internal/shield"
	"github.com/tinyclawhq/tinyclaw/internal/store"
	"github.com/tinyclawhq/tinyclaw/internal/tools"
)

// DefaultMaxConcurrentPerUser caps running background tasks per user.
const DefaultMaxConcurrentPerUser = 3

// Canonical task failure results.
const (
	resultCancelled = "Task was cancelled"
	resultStale     = "Task timed out (stale)"
)

// queueKey serializes tasks against one sub-agent; different agents run in
// parallel.
func queueKey(agentID string) string { return "bg:" + agentID }

// BackgroundConfig wires a Background runner.
type BackgroundConfig struct {
	Store      *store.Store
	Queue      *sessionq.Queue
	Lifecycle  *Lifecycle
	Templates  *Templates
	Registry   *router.Registry
	Estimator  *estimator.Estimator
	Tools      *tools.Registry
	Shield     *shield.Engine // may be nil
	Intercom   *intercom.Intercom
	Clock      clock.Clock
	MaxPerUser int // <= 0 selects the default
}

// Background runs delegated tasks asynchronously against sub-agents.
type Background struct {
	cfg BackgroundConfig

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewBackground creates a Background runner.
func NewBackground(cfg BackgroundConfig) *Background {
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = DefaultMaxConcurrentPerUser
	}
	return &Background{cfg: cfg, cancels: make(map[string]context.CancelFunc)}
}

// StartParams describes one delegated task.
type StartParams struct {
	UserID      string
	AgentID     string
	Description string
	// AutoTemplate mints a role template from this task if it is the
	// agent's first run and it succeeds.
	AutoTemplate bool
}

// Start persists the task, schedules it, and returns its id without
// blocking on execution.
func (b *Background) Start(ctx context.Context, p StartParams) (string, error) {
	rec, err := b.cfg.Lifecycle.Get(ctx, p.AgentID)
	if err != nil {
		return "", fmt.Errorf("delegate: start task: %w", err)
	}
	if rec.Status == store.AgentStatusSoftDeleted {
		return "", fmt.Errorf("delegate: start task: agent %s is deleted", p.AgentID)
	}

	task := &store.BackgroundTask{
		ID:              uuid.NewString(),
		UserID:          p.UserID,
		AgentID:         p.AgentID,
		TaskDescription: p.Description,
		Status:          store.TaskStatusRunning,
		StartedAt:       b.cfg.Clock.NowMs(),
	}
	// The capped insert is atomic, so simultaneous starts for one user, e.g.
	// several delegate_task calls in a single model reply, cannot all pass.
	ok, err := b.cfg.Store.CreateTaskCapped(ctx, task, b.cfg.MaxPerUser)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &CapacityError{Resource: "running background tasks", Limit: b.cfg.MaxPerUser}
	}

	// The task outlives the caller's request context.
	taskCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.cancels[task.ID] = cancel
	b.mu.Unlock()

	b.emit(intercom.TopicTaskQueued, p.UserID, task.ID)
	slog.Info("background task queued", "task", task.ID, "agent", p.AgentID, "user", p.UserID)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.release(task.ID)
		err := b.cfg.Queue.Do(taskCtx, queueKey(p.AgentID), func(ctx context.Context) error {
			b.execute(ctx, task, rec, p.AutoTemplate)
			return nil
		})
		if err != nil {
			// Cancelled while still waiting for its turn.
			b.finish(task, false, resultCancelled, 0)
		}
	}()
	return task.ID, nil
}

// execute runs one task to completion inside its queue slot.
func (b *Background) execute(ctx context.Context, task *store.BackgroundTask, rec *store.SubAgentRecord, autoTemplate bool) {
	firstRun := rec.TotalTasks == 0

	tier := providers.Tier(rec.TierPreference)
	est := b.cfg.Estimator.Estimate(ctx, task.TaskDescription, tier)
	provider := b.cfg.Registry.GetForTier(tier)

	messages := []providers.Message{
		{Role: "system", Content: rec.SystemPrompt},
		{Role: "user", Content: task.TaskDescription},
	}

	res, err := agent.Run(ctx, agent.RunRequest{
		Messages:      messages,
		Provider:      provider,
		Tools:         b.cfg.Tools,
		ToolNames:     rec.ToolsGranted,
		MaxIterations: est.MaxIterations,
		TimeoutMs:     est.TimeoutMs,
		Estimator:     b.cfg.Estimator,
		Shield:        b.cfg.Shield,
		SubAgent:      true,
	})

	durationMs := b.cfg.Clock.NowMs() - task.StartedAt

	if err != nil {
		result := resultCancelled
		if ctx.Err() == nil {
			result = "Error: " + err.Error()
		}
		b.finish(task, false, result, durationMs)
		return
	}

	// Persist the transcript under the agent's own history key.
	for _, msg := range res.Messages[len(messages):] {
		if saveErr := b.cfg.Lifecycle.SaveMessage(ctx, task.AgentID, msg.Role, msg.Content); saveErr != nil {
			slog.Warn("background task: save message failed", "task", task.ID, "error", saveErr)
			break
		}
	}

	metric := &store.TaskMetric{
		UserID:     task.UserID,
		TaskType:   estimator.ClassifyTask(task.TaskDescription),
		Tier:       string(tier),
		DurationMs: durationMs,
		Iterations: res.Iterations,
		Success:    res.Success,
		CreatedAt:  b.cfg.Clock.NowMs(),
	}
	if recErr := b.cfg.Estimator.Record(context.Background(), metric); recErr != nil {
		slog.Warn("background task: record metric failed", "task", task.ID, "error", recErr)
	}

	b.finish(task, res.Success, res.Response, durationMs)

	if rec.TemplateID != "" && b.cfg.Templates != nil {
		score := 0.0
		if res.Success {
			score = 1.0
		}
		if err := b.cfg.Templates.RecordUsage(context.Background(), rec.TemplateID, score); err != nil {
			slog.Warn("background task: record template usage failed", "template", rec.TemplateID, "error", err)
		}
	}

	if autoTemplate && firstRun && res.Success && b.cfg.Templates != nil {
		_, tplErr := b.cfg.Templates.AutoCreate(context.Background(), TemplateParams{
			UserID:          task.UserID,
			Name:            rec.Role,
			RoleDescription: rec.SystemPrompt,
			DefaultTools:    rec.ToolsGranted,
			DefaultTier:     rec.TierPreference,
		}, task.TaskDescription)
		if tplErr != nil {
			slog.Warn("background task: auto-template failed", "task", task.ID, "error", tplErr)
		}
	}
}

// finish moves the task to its terminal state, updates the agent's score,
// auto-suspends an idle agent, and announces the outcome.
func (b *Background) finish(task *store.BackgroundTask, success bool, result string, durationMs int64) {
	ctx := context.Background()

	status := store.TaskStatusFailed
	topic := intercom.TopicTaskFailed
	if success {
		status = store.TaskStatusCompleted
		topic = intercom.TopicTaskCompleted
	}
	if err := b.cfg.Store.CompleteTask(ctx, task.ID, status, result); err != nil {
		// Already terminal, e.g. raced by cleanupStale.
		slog.Debug("background task: already finished", "task", task.ID, "error", err)
		return
	}

	if err := b.cfg.Lifecycle.RecordTaskResult(ctx, task.AgentID, success); err != nil {
		slog.Warn("background task: record result failed", "task", task.ID, "error", err)
	}

	if n, err := b.cfg.Store.CountRunningTasksForAgent(ctx, task.AgentID); err == nil && n == 0 {
		if err := b.cfg.Lifecycle.Suspend(ctx, task.AgentID); err != nil {
			slog.Warn("background task: auto-suspend failed", "agent", task.AgentID, "error", err)
		}
	}

	b.emit(topic, task.UserID, task.ID)
	slog.Info("background task finished",
		"task", task.ID, "agent", task.AgentID, "status", status, "duration_ms", durationMs)
}

// Cancel aborts a running task. The worker marks it failed.
func (b *Background) Cancel(taskID string) error {
	b.mu.Lock()
	cancel, ok := b.cancels[taskID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("delegate: cancel: no running task %s", taskID)
	}
	cancel()
	return nil
}

// CancelAll aborts every running task and waits for the workers to drain.
// Called at shutdown.
func (b *Background) CancelAll() {
	b.mu.Lock()
	for _, cancel := range b.cancels {
		cancel()
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// Wait blocks until all scheduled tasks have finished.
func (b *Background) Wait() { b.wg.Wait() }

// CleanupStale fails running tasks that started before olderThanMs ago and
// returns the count.
func (b *Background) CleanupStale(ctx context.Context, olderThanMs int64) (int, error) {
	cutoff := b.cfg.Clock.NowMs() - olderThanMs
	stale, err := b.cfg.Store.StaleRunningTasks(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, task := range stale {
		if err := b.cfg.Store.CompleteTask(ctx, task.ID, store.TaskStatusFailed, resultStale); err != nil {
			continue
		}
		b.mu.Lock()
		if cancel, ok := b.cancels[task.ID]; ok {
			cancel()
		}
		b.mu.Unlock()
		b.emit(intercom.TopicTaskFailed, task.UserID, task.ID)
		n++
	}
	if n > 0 {
		slog.Info("stale background tasks cleaned", "count", n)
	}
	return n, nil
}

// GetUndelivered returns terminal-but-unannounced tasks in completion order.
func (b *Background) GetUndelivered(ctx context.Context, userID string) ([]*store.BackgroundTask, error) {
	return b.cfg.Store.UndeliveredTasks(ctx, userID)
}

// MarkDelivered flips a terminal task to delivered once its result has been
// surfaced to the user.
func (b *Background) MarkDelivered(ctx context.Context, taskID string) error {
	return b.cfg.Store.MarkTaskDelivered(ctx, taskID)
}

func (b *Background) release(taskID string) {
	b.mu.Lock()
	if cancel, ok := b.cancels[taskID]; ok {
		cancel()
		delete(b.cancels, taskID)
	}
	b.mu.Unlock()
}

func (b *Background) emit(topic, userID string, data interface{}) {
	if b.cfg.Intercom != nil {
		b.cfg.Intercom.Emit(topic, userID, data)
	}
}
