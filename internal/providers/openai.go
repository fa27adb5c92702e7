package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HTTPProvider implements Provider for OpenAI-compatible chat APIs
// (OpenAI, Groq, OpenRouter, DeepSeek, Ollama, VLLM, etc.). It also accepts
// the looser response shapes some local gateways return.
type HTTPProvider struct {
	name         string
	apiKey       string
	apiBase      string
	chatPath     string // defaults to "/chat/completions"
	defaultModel string
	client       *http.Client
}

// NewHTTPProvider creates a chat adapter for an OpenAI-compatible endpoint.
func NewHTTPProvider(name, apiKey, apiBase, defaultModel string) *HTTPProvider {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	apiBase = strings.TrimRight(apiBase, "/")

	return &HTTPProvider{
		name:         name,
		apiKey:       apiKey,
		apiBase:      apiBase,
		chatPath:     "/chat/completions",
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 120 * time.Second},
	}
}

// WithChatPath overrides the chat completions path for non-standard gateways.
func (p *HTTPProvider) WithChatPath(path string) *HTTPProvider {
	p.chatPath = path
	return p
}

// WithHTTPClient overrides the underlying HTTP client (tests).
func (p *HTTPProvider) WithHTTPClient(c *http.Client) *HTTPProvider {
	p.client = c
	return p
}

func (p *HTTPProvider) Name() string         { return p.name }
func (p *HTTPProvider) DefaultModel() string { return p.defaultModel }

// Chat sends the conversation and returns the normalized response.
func (p *HTTPProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	body := p.buildRequestBody(model, req)

	respBody, err := p.doRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	raw, err := io.ReadAll(respBody)
	if err != nil {
		return nil, &TransportError{Provider: p.name, Err: err}
	}

	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, &ProviderError{Provider: p.name, Status: http.StatusOK,
			Body: fmt.Sprintf("unparseable response: %v", err)}
	}

	return p.parseResponse(&wire), nil
}

// IsAvailable probes with a minimal single-message chat. A nil error means
// the provider answered; *AuthError means credentials are bad.
func (p *HTTPProvider) IsAvailable(ctx context.Context) error {
	_, err := p.Chat(ctx, ChatRequest{
		Messages: []Message{{Role: "user", Content: "ping"}},
		Options:  map[string]interface{}{"max_tokens": 1},
	})
	return err
}

func (p *HTTPProvider) buildRequestBody(model string, req ChatRequest) map[string]interface{} {
	// Convert messages to the OpenAI wire format: tool_calls need the
	// type+function wrapper with arguments as a JSON string.
	msgs := make([]map[string]interface{}, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := map[string]interface{}{"role": m.Role}

		// Omit empty content for assistant messages carrying tool_calls.
		if m.Content != "" || len(m.ToolCalls) == 0 {
			msg["content"] = m.Content
		}

		if len(m.ToolCalls) > 0 {
			toolCalls := make([]map[string]interface{}, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Arguments)
				toolCalls[i] = map[string]interface{}{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]interface{}{
						"name":      tc.Name,
						"arguments": string(argsJSON),
					},
				}
			}
			msg["tool_calls"] = toolCalls
		}

		if m.ToolCallID != "" {
			msg["tool_call_id"] = m.ToolCallID
		}

		msgs = append(msgs, msg)
	}

	body := map[string]interface{}{
		"model":    model,
		"messages": msgs,
	}

	if len(req.Tools) > 0 {
		body["tools"] = req.Tools
		body["tool_choice"] = "auto"
	}

	if v, ok := req.Options["max_tokens"]; ok {
		body["max_tokens"] = v
	}
	if v, ok := req.Options["temperature"]; ok {
		body["temperature"] = v
	}

	return body
}

func (p *HTTPProvider) doRequest(ctx context.Context, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.apiBase+p.chatPath, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Provider: p.name, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		return nil, &AuthError{Provider: p.name, Status: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &ProviderError{Provider: p.name, Status: resp.StatusCode, Body: string(respBody)}
	}

	return resp.Body, nil
}

// wireResponse covers the three response shapes we accept:
//  1. choices[0].message.{content,tool_calls}   (OpenAI)
//  2. message.{content,tool_calls}              (Ollama-style)
//  3. top-level response / content / text       (bare gateways)
type wireResponse struct {
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Message  *wireMessage `json:"message"`
	Response string       `json:"response"`
	Content  string       `json:"content"`
	Text     string       `json:"text"`
	Usage    *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type wireMessage struct {
	Content          string         `json:"content"`
	ReasoningContent string         `json:"reasoning_content"`
	Thinking         string         `json:"thinking"`
	ToolCalls        []wireToolCall `json:"tool_calls"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

func (p *HTTPProvider) parseResponse(wire *wireResponse) *ChatResponse {
	result := &ChatResponse{FinishReason: "stop"}

	var msg *wireMessage
	switch {
	case len(wire.Choices) > 0:
		msg = &wire.Choices[0].Message
		if fr := wire.Choices[0].FinishReason; fr != "" {
			result.FinishReason = fr
		}
	case wire.Message != nil:
		msg = wire.Message
	}

	if msg != nil {
		result.Content = msg.Content
		result.Thinking = firstNonEmpty(msg.ReasoningContent, msg.Thinking)
		for _, tc := range msg.ToolCalls {
			result.ToolCalls = append(result.ToolCalls, normalizeWireCall(tc))
		}
	}

	if result.Content == "" {
		result.Content = firstNonEmpty(wire.Response, wire.Content, wire.Text)
	}

	// Text-fallback extraction: nothing usable came back natively, but the
	// model may have emitted a JSON tool call inside thinking or content.
	if result.Content == "" && len(result.ToolCalls) == 0 {
		if tc, ok := ExtractToolCall(result.Thinking, wire.Response, wire.Text); ok {
			result.ToolCalls = append(result.ToolCalls, tc)
		}
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}

	if wire.Usage != nil {
		result.Usage = &Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		}
	}

	return result
}

// normalizeWireCall converts a wire tool call into the internal form.
// Argument payloads arrive either as JSON objects or as JSON-encoded strings;
// a missing id gets a synthesized one.
func normalizeWireCall(tc wireToolCall) ToolCall {
	call := ToolCall{
		ID:   tc.ID,
		Name: strings.TrimSpace(tc.Function.Name),
	}
	if call.ID == "" {
		call.ID = uuid.NewString()
	}

	raw := tc.Function.Arguments
	args := make(map[string]interface{})
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			// Arguments may be a JSON string containing JSON.
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				args = NormalizeArguments(s)
			}
		}
	}
	call.Arguments = args
	return call
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
