// Package agent holds the tool-calling execution loops: Run is the bounded
// runner shared by the primary loop and delegated background work, Loop is
// the top-level per-message orchestrator.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyclawhq/tinyclaw/internal/estimator"
	"github.com/tinyclawhq/tinyclaw/internal/providers"
	"github.com/tinyclawhq/tinyclaw/internal/shield"
	"github.com/tinyclawhq/tinyclaw/internal/telemetry"
	"github.com/tinyclawhq/tinyclaw/internal/tools"
)

// Canonical failure responses.
const (
	ResponseTimeout    = "Sub-agent timed out."
	ResponseIterations = "Sub-agent reached maximum iterations without completing the task."
	ResponseJSONLoop   = "I was unable to complete that request: the model kept replying with raw tool instructions."
)

// jsonStreakLimit stops runs whose replies are nothing but extracted
// tool-call JSON, a re-extraction loop some models fall into.
const jsonStreakLimit = 3

// Stream event types.
const (
	EventToolStart  = "tool_start"
	EventToolResult = "tool_result"
	EventText       = "text"
	EventDone       = "done"
	EventError      = "error"
)

// Event is one streamed progress notification.
type Event struct {
	Type       string
	Tool       string
	ToolCallID string
	Content    string
	IsError    bool
}

// StreamFunc receives run events as they happen. Called from the runner's
// goroutine; implementations must not block.
type StreamFunc func(Event)

// RunRequest configures one bounded run.
type RunRequest struct {
	Messages      []providers.Message
	Provider      providers.Provider
	Model         string
	Tools         *tools.Registry
	ToolNames     []string // granted subset; nil = all registered
	MaxIterations int
	TimeoutMs     int64 // 0 = no deadline
	Estimator     *estimator.Estimator
	Shield        *shield.Engine
	SubAgent      bool
	Stream        StreamFunc
}

// RunResult is the outcome of a run. Timeouts and iteration exhaustion are
// results, not errors; Run returns an error only for provider failures and
// external cancellation.
type RunResult struct {
	Success    bool
	Response   string
	Iterations int
	Messages   []providers.Message
}

// Run executes up to MaxIterations rounds of chat + tool execution. A single
// cancel covers the whole run: it fires on timeout, completion, or the
// caller's ctx, and every blocking call races against it.
func Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	var timedOut atomic.Bool
	budget := req.TimeoutMs
	var timer *time.Timer
	if budget > 0 {
		timer = time.AfterFunc(time.Duration(budget)*time.Millisecond, func() {
			timedOut.Store(true)
			cancel()
		})
		defer timer.Stop()
	}

	emit := func(ev Event) {
		if req.Stream != nil {
			req.Stream(ev)
		}
	}

	messages := append([]providers.Message(nil), req.Messages...)
	toolDefs := req.Tools.Definitions(req.ToolNames)

	maxIter := req.MaxIterations
	iterations := 0
	extensions := 0
	jsonStreak := 0

	fail := func(response string) *RunResult {
		emit(Event{Type: EventError, Content: response})
		return &RunResult{Response: response, Iterations: iterations, Messages: messages}
	}

	for iterations < maxIter {
		if runCtx.Err() != nil {
			if timedOut.Load() {
				return fail(ResponseTimeout), nil
			}
			return nil, ctx.Err()
		}
		iterations++

		slog.Debug("runner iteration", "iteration", iterations, "messages", len(messages))

		resp, err := req.Provider.Chat(runCtx, providers.ChatRequest{
			Messages: messages,
			Tools:    toolDefs,
			Model:    req.Model,
		})
		if err != nil {
			if timedOut.Load() {
				return fail(ResponseTimeout), nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			emit(Event{Type: EventError, Content: err.Error()})
			return nil, fmt.Errorf("chat failed (iteration %d): %w", iterations, err)
		}

		calls := resp.ToolCalls
		if len(calls) == 0 {
			// Some models emit tool calls as JSON in plain text.
			if tc, ok := providers.ExtractToolCall(resp.Content, resp.Thinking); ok {
				jsonStreak++
				if jsonStreak >= jsonStreakLimit {
					return fail(ResponseJSONLoop), nil
				}
				calls = []providers.ToolCall{tc}
			} else {
				emit(Event{Type: EventText, Content: resp.Content})
				messages = append(messages, providers.Message{Role: "assistant", Content: resp.Content})
				emit(Event{Type: EventDone})
				return &RunResult{
					Success:    true,
					Response:   resp.Content,
					Iterations: iterations,
					Messages:   messages,
				}, nil
			}
		}

		if len(resp.ToolCalls) > 0 {
			jsonStreak = 0
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: calls,
		})

		results := executeCalls(runCtx, req, calls, emit)
		// Exactly one tool message per call, in call order.
		for i, tc := range calls {
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    results[i],
				ToolCallID: tc.ID,
			})
		}

		if runCtx.Err() != nil {
			if timedOut.Load() {
				return fail(ResponseTimeout), nil
			}
			return nil, ctx.Err()
		}

		if req.Estimator != nil {
			elapsed := time.Since(start).Milliseconds()
			ext := req.Estimator.ShouldExtend(iterations, maxIter, elapsed, budget, extensions)
			if ext.Extend {
				extensions++
				maxIter += ext.ExtraIterations
				if ext.ExtraMs > 0 && timer != nil {
					budget += ext.ExtraMs
					timer.Reset(time.Duration(budget-elapsed) * time.Millisecond)
				}
				slog.Info("run budget extended",
					"extra_iterations", ext.ExtraIterations, "extra_ms", ext.ExtraMs)
			}
		}
	}

	return fail(ResponseIterations), nil
}

// executeCalls runs the iteration's tool calls and returns one result per
// call, index-aligned. Multiple calls run in parallel.
func executeCalls(ctx context.Context, req RunRequest, calls []providers.ToolCall, emit func(Event)) []string {
	for _, tc := range calls {
		emit(Event{Type: EventToolStart, Tool: tc.Name, ToolCallID: tc.ID})
	}

	results := make([]string, len(calls))
	if len(calls) == 1 {
		results[0] = executeOne(ctx, req, calls[0])
	} else {
		var wg sync.WaitGroup
		for i, tc := range calls {
			wg.Add(1)
			go func(i int, tc providers.ToolCall) {
				defer wg.Done()
				results[i] = executeOne(ctx, req, tc)
			}(i, tc)
		}
		wg.Wait()
	}

	// Emit results in call order regardless of completion order.
	for i := range calls {
		emit(Event{
			Type:       EventToolResult,
			Tool:       calls[i].Name,
			ToolCallID: calls[i].ID,
			Content:    results[i],
			IsError:    tools.IsError(results[i]),
		})
	}
	return results
}

func executeOne(ctx context.Context, req RunRequest, tc providers.ToolCall) string {
	ctx, span := telemetry.StartSpan(ctx, "agent.tool", "tool", tc.Name)
	defer span.End()

	if req.Shield != nil {
		decision := req.Shield.Evaluate(shield.Event{
			Scope:    shield.ScopeToolCall,
			ToolName: tc.Name,
			ToolArgs: tc.Arguments,
		}, req.SubAgent)
		blocked := decision.Action == shield.ActionBlock ||
			(decision.Action == shield.ActionRequireApproval && req.SubAgent)
		if blocked {
			slog.Warn("tool call blocked", "tool", tc.Name, "threat", decision.ThreatID)
			return "Error: blocked by security policy: " + decision.Reason
		}
	}

	argsJSON, _ := json.Marshal(tc.Arguments)
	slog.Info("tool call", "tool", tc.Name, "args_len", len(argsJSON))

	result := req.Tools.Execute(ctx, tc.Name, tc.Arguments)
	if tools.IsError(result) {
		msg := result
		if len(msg) > 200 {
			msg = msg[:200] + "..."
		}
		slog.Warn("tool error", "tool", tc.Name, "error", msg)
	}
	return result
}
