// Package nudge schedules proactive reminders. A nudge fires on a cron
// schedule, is suppressed while the user is actively chatting, and is
// delivered through the outbound gateway as a reminder.
package nudge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/tinyclawhq/tinyclaw/internal/clock"
	"github.com/tinyclawhq/tinyclaw/internal/gateway"
	"github.com/tinyclawhq/tinyclaw/internal/intercom"
	"github.com/tinyclawhq/tinyclaw/internal/store"
)

// DefaultSuppressAfterMs skips a nudge when the user sent a message within
// this window.
const DefaultSuppressAfterMs = 30 * 60 * 1000

const defaultCheckInterval = 30 * time.Second

// Nudge is one scheduled reminder.
type Nudge struct {
	ID       string
	UserID   string // gateway-routable, e.g. "telegram:42"
	Schedule string // cron expression
	Message  string
	Enabled  bool
}

// SchedulerConfig wires a Scheduler.
type SchedulerConfig struct {
	Gateway         *gateway.Gateway
	Store           *store.Store
	Intercom        *intercom.Intercom
	Clock           clock.Clock
	SuppressAfterMs int64         // <= 0 selects the default
	CheckInterval   time.Duration // <= 0 selects the default
}

// Scheduler owns the nudge set and the firing loop.
type Scheduler struct {
	cfg  SchedulerConfig
	gron gronx.Gronx

	mu        sync.Mutex
	nudges    map[string]*Nudge
	lastFired map[string]time.Time // nudge ID -> minute of last delivery

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.SuppressAfterMs <= 0 {
		cfg.SuppressAfterMs = DefaultSuppressAfterMs
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	return &Scheduler{
		cfg:       cfg,
		gron:      gronx.New(),
		nudges:    make(map[string]*Nudge),
		lastFired: make(map[string]time.Time),
		stopCh:    make(chan struct{}),
	}
}

// Add validates and registers a nudge, returning its id.
func (s *Scheduler) Add(userID, schedule, message string) (string, error) {
	if userID == "" || message == "" {
		return "", fmt.Errorf("nudge: user and message are required")
	}
	if !s.gron.IsValid(schedule) {
		return "", fmt.Errorf("nudge: invalid cron expression %q", schedule)
	}

	n := &Nudge{
		ID:       uuid.NewString(),
		UserID:   userID,
		Schedule: schedule,
		Message:  message,
		Enabled:  true,
	}
	s.mu.Lock()
	s.nudges[n.ID] = n
	s.mu.Unlock()

	s.emit(intercom.TopicNudgeScheduled, userID, n.ID)
	slog.Info("nudge scheduled", "nudge", n.ID, "user", userID, "schedule", schedule)
	return n.ID, nil
}

// Remove deletes a nudge.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nudges[id]; !ok {
		return fmt.Errorf("nudge: no nudge %s", id)
	}
	delete(s.nudges, id)
	delete(s.lastFired, id)
	return nil
}

// List returns the registered nudges.
func (s *Scheduler) List() []*Nudge {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Nudge, 0, len(s.nudges))
	for _, n := range s.nudges {
		cp := *n
		out = append(out, &cp)
	}
	return out
}

// SetEnabled toggles a nudge.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nudges[id]
	if !ok {
		return fmt.Errorf("nudge: no nudge %s", id)
	}
	n.Enabled = enabled
	return nil
}

// NextRun returns the next fire time for a nudge.
func (s *Scheduler) NextRun(id string) (time.Time, error) {
	s.mu.Lock()
	n, ok := s.nudges[id]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, fmt.Errorf("nudge: no nudge %s", id)
	}
	return gronx.NextTickAfter(n.Schedule, s.cfg.Clock.Now(), false)
}

// Start runs the firing loop until Stop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.checkDue(context.Background(), s.cfg.Clock.Now())
			case <-s.stopCh:
				return
			}
		}
	}()
	slog.Info("nudge scheduler started", "interval", s.cfg.CheckInterval)
}

// Stop halts the loop and waits for an in-flight check.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// checkDue fires every enabled nudge whose schedule matches now. A nudge
// fires at most once per matched minute.
func (s *Scheduler) checkDue(ctx context.Context, now time.Time) {
	minute := now.Truncate(time.Minute)

	s.mu.Lock()
	var due []*Nudge
	for _, n := range s.nudges {
		if !n.Enabled {
			continue
		}
		if last, ok := s.lastFired[n.ID]; ok && !last.Before(minute) {
			continue
		}
		if ok, err := s.gron.IsDue(n.Schedule, now); err == nil && ok {
			s.lastFired[n.ID] = minute
			cp := *n
			due = append(due, &cp)
		}
	}
	s.mu.Unlock()

	for _, n := range due {
		s.deliver(ctx, n)
	}
}

func (s *Scheduler) deliver(ctx context.Context, n *Nudge) {
	if s.suppressed(ctx, n.UserID) {
		s.emit(intercom.TopicNudgeSuppressed, n.UserID, n.ID)
		slog.Info("nudge suppressed", "nudge", n.ID, "user", n.UserID)
		return
	}

	res := s.cfg.Gateway.Send(ctx, n.UserID, gateway.Message{
		Content:  n.Message,
		Priority: gateway.PriorityNormal,
		Source:   gateway.SourceReminder,
	})
	if !res.Success {
		slog.Warn("nudge delivery failed", "nudge", n.ID, "user", n.UserID, "error", res.Error)
		return
	}
	s.emit(intercom.TopicNudgeDelivered, n.UserID, n.ID)
	slog.Info("nudge delivered", "nudge", n.ID, "user", n.UserID)
}

// suppressed reports whether the user sent a message inside the suppression
// window. The user is already talking; a reminder would be noise.
func (s *Scheduler) suppressed(ctx context.Context, userID string) bool {
	if s.cfg.Store == nil {
		return false
	}
	entries, err := s.cfg.Store.RecentMessages(ctx, userID, 10)
	if err != nil {
		return false
	}
	cutoff := s.cfg.Clock.NowMs() - s.cfg.SuppressAfterMs
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Role == "user" {
			return entries[i].CreatedAt > cutoff
		}
	}
	return false
}

func (s *Scheduler) emit(topic, userID string, data interface{}) {
	if s.cfg.Intercom != nil {
		s.cfg.Intercom.Emit(topic, userID, data)
	}
}
