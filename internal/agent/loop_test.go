package agent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/tinyclawhq/tinyclaw/internal/clock"
	"github.com/tinyclawhq/tinyclaw/internal/compact"
	"github.com/tinyclawhq/tinyclaw/internal/intercom"
	"github.com/tinyclawhq/tinyclaw/internal/memory"
	"github.com/tinyclawhq/tinyclaw/internal/providers"
	"github.com/tinyclawhq/tinyclaw/internal/router"
	"github.com/tinyclawhq/tinyclaw/internal/sessionq"
	"github.com/tinyclawhq/tinyclaw/internal/store"
	"github.com/tinyclawhq/tinyclaw/internal/tools"
)

// recordingProvider answers with a fixed reply and keeps the requests it saw.
type recordingProvider struct {
	mu       sync.Mutex
	reply    string
	requests []providers.ChatRequest
}

func (p *recordingProvider) Name() string                          { return "recording" }
func (p *recordingProvider) DefaultModel() string                  { return "recording-1" }
func (p *recordingProvider) IsAvailable(ctx context.Context) error { return nil }
func (p *recordingProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	return &providers.ChatResponse{Content: p.reply, FinishReason: "stop"}, nil
}

func (p *recordingProvider) lastRequest(t *testing.T) providers.ChatRequest {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		t.Fatal("provider was never called")
	}
	return p.requests[len(p.requests)-1]
}

type loopHarness struct {
	loop     *Loop
	store    *store.Store
	provider *recordingProvider
	clk      *clock.Fake
	mem      *memory.Engine
}

func newLoopHarness(t *testing.T, opts ...func(*LoopConfig)) *loopHarness {
	t.Helper()
	clk := &clock.Fake{Ms: 1_000_000}
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), clk)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	p := &recordingProvider{reply: "Hello from the agent."}
	reg, err := router.NewRegistry(p)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	mem := memory.New(s, clk, intercom.New(0))

	cfg := LoopConfig{
		Store:    s,
		Queue:    sessionq.New(),
		Registry: reg,
		Tools:    tools.NewRegistry(),
		Memory:   mem,
		Clock:    clk,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &loopHarness{loop: NewLoop(cfg), store: s, provider: p, clk: clk, mem: mem}
}

func TestHandlePersistsTurn(t *testing.T) {
	h := newLoopHarness(t)
	ctx := context.Background()

	reply, err := h.loop.Handle(ctx, "u1", "hello there", nil)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply != "Hello from the agent." {
		t.Errorf("reply = %q", reply)
	}

	msgs, _ := h.store.AllMessages(ctx, "u1")
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("persisted turn = %+v", msgs)
	}
	if msgs[0].Content != "hello there" || msgs[1].Content != reply {
		t.Errorf("persisted contents = %q / %q", msgs[0].Content, msgs[1].Content)
	}
}

func TestHandleIncludesHistory(t *testing.T) {
	h := newLoopHarness(t)
	ctx := context.Background()

	h.loop.Handle(ctx, "u1", "my name is Nora", nil)
	h.loop.Handle(ctx, "u1", "what is my name?", nil)

	req := h.provider.lastRequest(t)
	var sawEarlier bool
	for _, m := range req.Messages {
		if m.Content == "my name is Nora" {
			sawEarlier = true
		}
	}
	if !sawEarlier {
		t.Error("second turn did not include first turn's history")
	}
	if req.Messages[0].Role != "system" {
		t.Errorf("first message role = %s, want system", req.Messages[0].Role)
	}
}

func TestHandleDrainsUndeliveredTasks(t *testing.T) {
	h := newLoopHarness(t)
	ctx := context.Background()

	task := &store.BackgroundTask{
		ID: "t1", UserID: "u1", AgentID: "a1",
		TaskDescription: "scan the logs", Status: store.TaskStatusRunning,
		StartedAt: h.clk.NowMs(),
	}
	h.store.CreateTask(ctx, task)
	h.store.CompleteTask(ctx, "t1", store.TaskStatusCompleted, "nothing suspicious")

	h.loop.cfg.Background = storeNotifier{h.store}

	if _, err := h.loop.Handle(ctx, "u1", "any news?", nil); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	req := h.provider.lastRequest(t)
	var noticed bool
	for _, m := range req.Messages {
		if m.Role == "system" && strings.Contains(m.Content, "nothing suspicious") {
			noticed = true
		}
	}
	if !noticed {
		t.Error("finished task was not surfaced as a system notice")
	}

	got, _ := h.store.GetTask(ctx, "t1")
	if got.Status != store.TaskStatusDelivered {
		t.Errorf("task status = %s, want delivered", got.Status)
	}
	// Second turn sees nothing new.
	h.loop.Handle(ctx, "u1", "anything else?", nil)
	req = h.provider.lastRequest(t)
	for _, m := range req.Messages {
		if strings.Contains(m.Content, "nothing suspicious") && m.Role == "system" {
			t.Error("delivered task surfaced twice")
		}
	}
}

func TestHandleRunsCompaction(t *testing.T) {
	h := newLoopHarness(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		h.store.SaveMessage(ctx, "u1", "user", strings.Repeat("old message ", i+1))
		h.clk.Ms += 10
	}
	h.loop.cfg.Compactor = compact.New(h.store, h.provider, h.clk,
		compact.WithThreshold(5), compact.WithKeepRecent(2))

	if _, err := h.loop.Handle(ctx, "u1", "and now?", nil); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	rec, err := h.store.LatestCompaction(ctx, "u1")
	if err != nil {
		t.Fatalf("compaction did not run: %v", err)
	}
	if rec.Summary == "" {
		t.Error("empty compaction summary")
	}
}

func TestAnalyzeRecordsPreference(t *testing.T) {
	h := newLoopHarness(t)
	ctx := context.Background()

	h.loop.analyze("u1", "I prefer metric units from now on", "noted")
	h.loop.analyze("u1", "actually, my flight is on Tuesday", "fixed")
	h.loop.analyze("u1", "what's the weather", "sunny")

	events, err := h.store.ListEvents(ctx, "u1")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	types := map[string]int{}
	for _, ev := range events {
		types[ev.EventType]++
	}
	if types[store.EventPreferenceLearned] != 1 || types[store.EventCorrection] != 1 {
		t.Errorf("event types = %v", types)
	}
}

func TestHandleStreamsEvents(t *testing.T) {
	h := newLoopHarness(t)

	var mu sync.Mutex
	var types []string
	_, err := h.loop.Handle(context.Background(), "u1", "hi", func(ev Event) {
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(types) == 0 || types[len(types)-1] != EventDone {
		t.Errorf("stream events = %v, want trailing done", types)
	}
}

// faultyProvider fails the first failures Chat calls with fail, then answers
// normally.
type faultyProvider struct {
	mu       sync.Mutex
	failures int
	fail     error
	calls    int
}

func (p *faultyProvider) Name() string                          { return "faulty" }
func (p *faultyProvider) DefaultModel() string                  { return "faulty-1" }
func (p *faultyProvider) IsAvailable(ctx context.Context) error { return nil }
func (p *faultyProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failures {
		return nil, p.fail
	}
	return &providers.ChatResponse{Content: "recovered reply", FinishReason: "stop"}, nil
}

func (p *faultyProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newFaultyLoop(t *testing.T, p *faultyProvider) *Loop {
	t.Helper()
	clk := &clock.Fake{Ms: 1_000_000}
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), clk)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	reg, err := router.NewRegistry(p)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return NewLoop(LoopConfig{
		Store:    s,
		Queue:    sessionq.New(),
		Registry: reg,
		Tools:    tools.NewRegistry(),
		Clock:    clk,
	})
}

func TestHandleRetriesTransientProviderFailure(t *testing.T) {
	p := &faultyProvider{failures: 1, fail: &providers.TransportError{Provider: "faulty", Err: errors.New("connection refused")}}
	loop := newFaultyLoop(t, p)

	reply, err := loop.Handle(context.Background(), "u1", "hello", nil)
	if err != nil {
		t.Fatalf("Handle after %d provider call(s): %v", p.callCount(), err)
	}
	if reply != "recovered reply" {
		t.Errorf("reply = %q", reply)
	}
	if p.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2 (one retry)", p.callCount())
	}
}

func TestHandleSurfacesPersistentProviderFailure(t *testing.T) {
	p := &faultyProvider{failures: 10, fail: &providers.ProviderError{Provider: "faulty", Status: 500, Body: "overloaded"}}
	loop := newFaultyLoop(t, p)

	reply, err := loop.Handle(context.Background(), "u1", "hello", nil)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(reply, "try again") {
		t.Errorf("reply = %q, want a retry suggestion", reply)
	}
	if p.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2 (one retry, then give up)", p.callCount())
	}
}

func TestHandleAuthFailureIsNotRetried(t *testing.T) {
	p := &faultyProvider{failures: 10, fail: &providers.AuthError{Provider: "faulty", Status: 401}}
	loop := newFaultyLoop(t, p)

	reply, err := loop.Handle(context.Background(), "u1", "hello", nil)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(reply, "unavailable") || !strings.Contains(reply, "setup") {
		t.Errorf("reply = %q, want unavailable/setup guidance", reply)
	}
	if p.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1 (no retry on auth)", p.callCount())
	}
}

// storeNotifier exposes the store's task bookkeeping through the loop's
// notifier contract.
type storeNotifier struct{ s *store.Store }

func (n storeNotifier) GetUndelivered(ctx context.Context, userID string) ([]*store.BackgroundTask, error) {
	return n.s.UndeliveredTasks(ctx, userID)
}

func (n storeNotifier) MarkDelivered(ctx context.Context, taskID string) error {
	return n.s.MarkTaskDelivered(ctx, taskID)
}
