package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tinyclawhq/tinyclaw/internal/clock"
	"github.com/tinyclawhq/tinyclaw/internal/estimator"
	"github.com/tinyclawhq/tinyclaw/internal/providers"
	"github.com/tinyclawhq/tinyclaw/internal/shield"
	"github.com/tinyclawhq/tinyclaw/internal/tools"
)

// scriptProvider replays a fixed sequence of responses; after the script is
// exhausted it keeps returning the last one.
type scriptProvider struct {
	mu     sync.Mutex
	script []*providers.ChatResponse
	calls  int
}

func (p *scriptProvider) Name() string                          { return "script" }
func (p *scriptProvider) DefaultModel() string                  { return "script-1" }
func (p *scriptProvider) IsAvailable(ctx context.Context) error { return nil }

func (p *scriptProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	if i >= len(p.script) {
		i = len(p.script) - 1
	}
	return p.script[i], nil
}

func textResponse(text string) *providers.ChatResponse {
	return &providers.ChatResponse{Content: text, FinishReason: "stop"}
}

func toolResponse(calls ...providers.ToolCall) *providers.ChatResponse {
	return &providers.ChatResponse{ToolCalls: calls, FinishReason: "tool_calls"}
}

type fnTool struct {
	name string
	fn   func(ctx context.Context, args map[string]interface{}) string
}

func (t fnTool) Name() string                           { return t.name }
func (t fnTool) Description() string                    { return t.name }
func (t fnTool) Parameters() map[string]interface{}     { return map[string]interface{}{"type": "object"} }
func (t fnTool) Execute(ctx context.Context, args map[string]interface{}) string {
	return t.fn(ctx, args)
}

func echoRegistry() *tools.Registry {
	reg := tools.NewRegistry()
	reg.Register(fnTool{name: "echo", fn: func(_ context.Context, args map[string]interface{}) string {
		s, _ := args["text"].(string)
		return "echo: " + s
	}})
	return reg
}

func TestRunTextTerminates(t *testing.T) {
	p := &scriptProvider{script: []*providers.ChatResponse{textResponse("All set.")}}
	var events []string
	res, err := Run(context.Background(), RunRequest{
		Messages:      []providers.Message{{Role: "user", Content: "hi"}},
		Provider:      p,
		Tools:         tools.NewRegistry(),
		MaxIterations: 5,
		Stream:        func(ev Event) { events = append(events, ev.Type) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || res.Response != "All set." || res.Iterations != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(events) != 2 || events[0] != EventText || events[1] != EventDone {
		t.Errorf("events = %v, want [text done]", events)
	}
}

func TestRunToolRound(t *testing.T) {
	call := providers.ToolCall{ID: "tc-1", Name: "echo", Arguments: map[string]interface{}{"text": "ping"}}
	p := &scriptProvider{script: []*providers.ChatResponse{
		toolResponse(call),
		textResponse("Done: ping."),
	}}

	var events []Event
	res, err := Run(context.Background(), RunRequest{
		Messages:      []providers.Message{{Role: "user", Content: "echo ping"}},
		Provider:      p,
		Tools:         echoRegistry(),
		MaxIterations: 5,
		Stream:        func(ev Event) { events = append(events, ev) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || res.Iterations != 2 {
		t.Errorf("result = %+v", res)
	}

	// One assistant message carrying the call, then exactly one tool message
	// with the matching id.
	var toolMsgs []providers.Message
	for _, m := range res.Messages {
		if m.Role == "tool" {
			toolMsgs = append(toolMsgs, m)
		}
	}
	if len(toolMsgs) != 1 || toolMsgs[0].ToolCallID != "tc-1" {
		t.Fatalf("tool messages = %+v", toolMsgs)
	}
	if toolMsgs[0].Content != "echo: ping" {
		t.Errorf("tool result = %q", toolMsgs[0].Content)
	}

	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	want := []string{EventToolStart, EventToolResult, EventText, EventDone}
	if strings.Join(types, " ") != strings.Join(want, " ") {
		t.Errorf("events = %v, want %v", types, want)
	}
}

func TestRunParallelCallsKeepOrder(t *testing.T) {
	calls := []providers.ToolCall{
		{ID: "a", Name: "echo", Arguments: map[string]interface{}{"text": "one"}},
		{ID: "b", Name: "echo", Arguments: map[string]interface{}{"text": "two"}},
		{ID: "c", Name: "echo", Arguments: map[string]interface{}{"text": "three"}},
	}
	p := &scriptProvider{script: []*providers.ChatResponse{
		toolResponse(calls...),
		textResponse("done"),
	}}

	res, err := Run(context.Background(), RunRequest{
		Messages:      []providers.Message{{Role: "user", Content: "go"}},
		Provider:      p,
		Tools:         echoRegistry(),
		MaxIterations: 5,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var ids []string
	for _, m := range res.Messages {
		if m.Role == "tool" {
			ids = append(ids, m.ToolCallID)
		}
	}
	if strings.Join(ids, "") != "abc" {
		t.Errorf("tool message order = %v, want [a b c]", ids)
	}
}

func TestRunIterationExhaustion(t *testing.T) {
	call := providers.ToolCall{ID: "tc", Name: "echo", Arguments: map[string]interface{}{"text": "again"}}
	p := &scriptProvider{script: []*providers.ChatResponse{toolResponse(call)}}

	res, err := Run(context.Background(), RunRequest{
		Messages:      []providers.Message{{Role: "user", Content: "loop"}},
		Provider:      p,
		Tools:         echoRegistry(),
		MaxIterations: 3,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success || res.Response != ResponseIterations || res.Iterations != 3 {
		t.Errorf("result = %+v", res)
	}
}

// blockingProvider parks every Chat call on its context.
type blockingProvider struct{}

func (blockingProvider) Name() string                          { return "blocking" }
func (blockingProvider) DefaultModel() string                  { return "blocking-1" }
func (blockingProvider) IsAvailable(ctx context.Context) error { return nil }
func (blockingProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunTimeoutAbortsLLMCall(t *testing.T) {
	start := time.Now()
	res, err := Run(context.Background(), RunRequest{
		Messages:      []providers.Message{{Role: "user", Content: "slow"}},
		Provider:      blockingProvider{},
		Tools:         tools.NewRegistry(),
		MaxIterations: 5,
		TimeoutMs:     100,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success || res.Response != ResponseTimeout {
		t.Errorf("result = %+v, want timeout failure", res)
	}
	if res.Iterations < 1 {
		t.Errorf("iterations = %d, want >= 1", res.Iterations)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("run took %v, timeout did not fire", elapsed)
	}
}

func TestRunTimeoutDuringTool(t *testing.T) {
	call := providers.ToolCall{ID: "tc", Name: "sleepy", Arguments: map[string]interface{}{}}
	p := &scriptProvider{script: []*providers.ChatResponse{toolResponse(call)}}

	reg := tools.NewRegistry()
	reg.Register(fnTool{name: "sleepy", fn: func(ctx context.Context, _ map[string]interface{}) string {
		select {
		case <-time.After(5 * time.Second):
			return "overslept"
		case <-ctx.Done():
			return tools.Errorf("interrupted")
		}
	}})

	res, err := Run(context.Background(), RunRequest{
		Messages:      []providers.Message{{Role: "user", Content: "nap"}},
		Provider:      p,
		Tools:         reg,
		MaxIterations: 5,
		TimeoutMs:     100,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success || res.Response != ResponseTimeout || res.Iterations < 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestRunExternalCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := Run(ctx, RunRequest{
		Messages:      []providers.Message{{Role: "user", Content: "slow"}},
		Provider:      blockingProvider{},
		Tools:         tools.NewRegistry(),
		MaxIterations: 5,
	})
	if err != context.Canceled {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}

func TestRunShieldBlocksToolCall(t *testing.T) {
	eng := shield.NewEngine(&clock.Fake{Ms: 1})
	eng.Load([]shield.ThreatEntry{{
		ID:                  "threat-001",
		Category:            "tool",
		Severity:            "critical",
		Confidence:          0.95,
		RecommendationAgent: "BLOCK: tool.call with arguments containing SQL syntax (DROP, DELETE)",
	}})

	call := providers.ToolCall{ID: "tc", Name: "db_query",
		Arguments: map[string]interface{}{"query": "DROP TABLE users;"}}
	p := &scriptProvider{script: []*providers.ChatResponse{
		toolResponse(call),
		textResponse("blocked, giving up"),
	}}

	executed := false
	reg := tools.NewRegistry()
	reg.Register(fnTool{name: "db_query", fn: func(context.Context, map[string]interface{}) string {
		executed = true
		return "rows"
	}})

	res, err := Run(context.Background(), RunRequest{
		Messages:      []providers.Message{{Role: "user", Content: "drop it"}},
		Provider:      p,
		Tools:         reg,
		MaxIterations: 5,
		Shield:        eng,
		SubAgent:      true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if executed {
		t.Error("blocked tool still executed")
	}
	var toolMsg string
	for _, m := range res.Messages {
		if m.Role == "tool" && m.ToolCallID == "tc" {
			toolMsg = m.Content
		}
	}
	if !strings.HasPrefix(toolMsg, "Error: blocked by security policy:") {
		t.Errorf("blocked result = %q", toolMsg)
	}
}

func TestRunTextFallbackExtraction(t *testing.T) {
	p := &scriptProvider{script: []*providers.ChatResponse{
		textResponse(`I will use a tool: {"action": "echo", "args": {"text": "hidden"}}`),
		textResponse("The tool said hello."),
	}}

	res, err := Run(context.Background(), RunRequest{
		Messages:      []providers.Message{{Role: "user", Content: "go"}},
		Provider:      p,
		Tools:         echoRegistry(),
		MaxIterations: 5,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || res.Iterations != 2 {
		t.Errorf("result = %+v", res)
	}
	found := false
	for _, m := range res.Messages {
		if m.Role == "tool" && m.Content == "echo: hidden" {
			found = true
		}
	}
	if !found {
		t.Error("extracted tool call was not executed")
	}
}

func TestRunAdaptiveExtension(t *testing.T) {
	call := providers.ToolCall{ID: "tc", Name: "echo", Arguments: map[string]interface{}{"text": "more"}}
	p := &scriptProvider{script: []*providers.ChatResponse{
		toolResponse(call),
		toolResponse(call),
		toolResponse(call),
		textResponse("finally done"),
	}}

	res, err := Run(context.Background(), RunRequest{
		Messages:      []providers.Message{{Role: "user", Content: "long job"}},
		Provider:      p,
		Tools:         echoRegistry(),
		MaxIterations: 2,
		TimeoutMs:     60_000,
		Estimator:     estimator.New(nil),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v, want success via extension", res)
	}
	if res.Iterations <= 2 {
		t.Errorf("iterations = %d, want > 2 (extended)", res.Iterations)
	}
}

func TestRunJSONLoopBailout(t *testing.T) {
	// Every reply is tool-call JSON in plain text; the guard must stop the
	// re-extraction loop.
	p := &scriptProvider{script: []*providers.ChatResponse{
		textResponse(`{"action": "echo", "args": {"text": "again"}}`),
	}}

	res, err := Run(context.Background(), RunRequest{
		Messages:      []providers.Message{{Role: "user", Content: "go"}},
		Provider:      p,
		Tools:         echoRegistry(),
		MaxIterations: 10,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success || res.Response != ResponseJSONLoop {
		t.Errorf("result = %+v, want json-loop bailout", res)
	}
	if res.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", res.Iterations)
	}
}

func TestRunUnknownToolSurfacesError(t *testing.T) {
	call := providers.ToolCall{ID: "tc", Name: "missing_tool", Arguments: map[string]interface{}{}}
	p := &scriptProvider{script: []*providers.ChatResponse{
		toolResponse(call),
		textResponse("ok"),
	}}

	res, err := Run(context.Background(), RunRequest{
		Messages:      []providers.Message{{Role: "user", Content: "go"}},
		Provider:      p,
		Tools:         tools.NewRegistry(),
		MaxIterations: 3,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, m := range res.Messages {
		if m.Role == "tool" {
			if !tools.IsError(m.Content) {
				t.Errorf("unknown tool result = %q, want error string", m.Content)
			}
			return
		}
	}
	t.Fatal("no tool message recorded")
}

func TestRunProviderErrorPropagates(t *testing.T) {
	p := &failingProvider{}
	_, err := Run(context.Background(), RunRequest{
		Messages:      []providers.Message{{Role: "user", Content: "go"}},
		Provider:      p,
		Tools:         tools.NewRegistry(),
		MaxIterations: 3,
	})
	if err == nil || !strings.Contains(err.Error(), "chat failed") {
		t.Errorf("Run = %v, want wrapped chat failure", err)
	}
}

type failingProvider struct{}

func (failingProvider) Name() string                          { return "failing" }
func (failingProvider) DefaultModel() string                  { return "failing-1" }
func (failingProvider) IsAvailable(ctx context.Context) error { return nil }
func (failingProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return nil, fmt.Errorf("boom")
}
