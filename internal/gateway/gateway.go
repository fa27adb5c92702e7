// Package gateway routes outbound messages to registered channel senders.
// A userId of shape "prefix:identifier" selects the sender registered under
// prefix. Sends never panic or return an error to the caller; failures are
// reported in the SendResult so background work can log and move on.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// Message priorities.
const (
	PriorityUrgent = "urgent"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// Message sources.
const (
	SourceBackgroundTask = "background_task"
	SourceSubAgent       = "sub_agent"
	SourceReminder       = "reminder"
	SourcePulse          = "pulse"
	SourceSystem         = "system"
	SourceAgent          = "agent"
)

// Message is one outbound delivery.
type Message struct {
	Content  string
	Priority string
	Source   string
}

// SendResult reports the outcome of a single delivery attempt.
type SendResult struct {
	Success bool
	Channel string
	UserID  string
	Error   string
}

// ChannelSender delivers messages to one external platform.
// Implementations live under internal/channels.
type ChannelSender interface {
	Name() string
	Send(ctx context.Context, userID string, msg Message) error
}

// Broadcaster is an optional ChannelSender capability for fan-out delivery.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg Message) error
}

// Gateway is the outbound dispatcher. Safe for concurrent use.
type Gateway struct {
	mu       sync.RWMutex
	senders  map[string]ChannelSender
	limiters map[string]*rate.Limiter
	rpm      int
}

// New creates a Gateway. rpm caps outbound sends per sender per minute;
// rpm <= 0 disables rate limiting.
func New(rpm int) *Gateway {
	return &Gateway{
		senders:  make(map[string]ChannelSender),
		limiters: make(map[string]*rate.Limiter),
		rpm:      rpm,
	}
}

// Register installs a sender under its name. Last write wins.
func (g *Gateway) Register(s ChannelSender) {
	g.mu.Lock()
	defer g.mu.Unlock()
	name := s.Name()
	g.senders[name] = s
	if g.rpm > 0 {
		g.limiters[name] = rate.NewLimiter(rate.Limit(float64(g.rpm)/60.0), g.rpm)
	}
}

// Unregister removes a sender. Removing an unknown name is a no-op.
func (g *Gateway) Unregister(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.senders, name)
	delete(g.limiters, name)
}

// Senders returns the registered sender names.
func (g *Gateway) Senders() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.senders))
	for name := range g.senders {
		names = append(names, name)
	}
	return names
}

// Send routes msg to the sender selected by the userID prefix.
func (g *Gateway) Send(ctx context.Context, userID string, msg Message) SendResult {
	prefix, _, ok := strings.Cut(userID, ":")
	if !ok || prefix == "" {
		return SendResult{
			UserID: userID,
			Error:  fmt.Sprintf("user id %q has no channel prefix", userID),
		}
	}

	g.mu.RLock()
	sender := g.senders[prefix]
	limiter := g.limiters[prefix]
	g.mu.RUnlock()

	if sender == nil {
		return SendResult{
			Channel: prefix,
			UserID:  userID,
			Error:   fmt.Sprintf("no sender registered for channel %q", prefix),
		}
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return SendResult{Channel: prefix, UserID: userID, Error: "rate limit wait cancelled: " + err.Error()}
		}
	}

	if err := sender.Send(ctx, userID, msg); err != nil {
		slog.Warn("gateway: send failed", "channel", prefix, "user", userID, "error", err)
		return SendResult{Channel: prefix, UserID: userID, Error: err.Error()}
	}
	return SendResult{Success: true, Channel: prefix, UserID: userID}
}

// Broadcast delivers msg through every sender that supports broadcasting.
// Each sender's result is reported independently.
func (g *Gateway) Broadcast(ctx context.Context, msg Message) []SendResult {
	g.mu.RLock()
	senders := make([]ChannelSender, 0, len(g.senders))
	for _, s := range g.senders {
		senders = append(senders, s)
	}
	g.mu.RUnlock()

	var results []SendResult
	for _, s := range senders {
		b, ok := s.(Broadcaster)
		if !ok {
			continue
		}
		if err := b.Broadcast(ctx, msg); err != nil {
			results = append(results, SendResult{Channel: s.Name(), Error: err.Error()})
			continue
		}
		results = append(results, SendResult{Success: true, Channel: s.Name()})
	}
	return results
}
