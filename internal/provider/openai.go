package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/h1v3-io/crafter/pkg/protocol"
)

// Endpoint presets for the supported OpenAI-compatible services.
const (
	OpenAIBaseURL = "https://api.openai.com/v1"
	GeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"

	DefaultOpenAIModel = "gpt-4o"
	DefaultGeminiModel = "gemini-3-pro-preview"
)

// CompatProvider implements Provider for any OpenAI-compatible chat
// completions API (OpenAI, Gemini's compatibility endpoint, OpenRouter,
// local servers).
type CompatProvider struct {
	name    string
	client  *http.Client
	baseURL string
	apiKey  string
	model   string

	retries int
	backoff time.Duration
}

// Option configures a CompatProvider.
type Option func(*CompatProvider)

// WithBaseURL sets a custom API base URL.
func WithBaseURL(url string) Option {
	return func(p *CompatProvider) { p.baseURL = url }
}

// WithModel sets the default model.
func WithModel(model string) Option {
	return func(p *CompatProvider) { p.model = model }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *CompatProvider) { p.client = c }
}

// WithName overrides the name reported by Name.
func WithName(name string) Option {
	return func(p *CompatProvider) { p.name = name }
}

// WithRetry retries rate-limited and 5xx responses up to n extra times,
// doubling the wait from backoff each attempt.
func WithRetry(n int, backoff time.Duration) Option {
	return func(p *CompatProvider) {
		p.retries = n
		p.backoff = backoff
	}
}

// NewOpenAI creates a provider for the OpenAI API.
func NewOpenAI(apiKey string, opts ...Option) *CompatProvider {
	return newCompat("openai", OpenAIBaseURL, DefaultOpenAIModel, apiKey, opts)
}

// NewGemini creates a provider for Gemini's OpenAI-compatible endpoint.
func NewGemini(apiKey string, opts ...Option) *CompatProvider {
	return newCompat("gemini", GeminiBaseURL, DefaultGeminiModel, apiKey, opts)
}

// New builds a provider by type name: "openai" or "gemini".
func New(kind, apiKey string, opts ...Option) (*CompatProvider, error) {
	switch kind {
	case "openai", "":
		return NewOpenAI(apiKey, opts...), nil
	case "gemini":
		return NewGemini(apiKey, opts...), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", kind)
	}
}

func newCompat(name, baseURL, model, apiKey string, opts []Option) *CompatProvider {
	p := &CompatProvider{
		name:    name,
		client:  &http.Client{Timeout: 180 * time.Second},
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		retries: 2,
		backoff: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *CompatProvider) Name() string { return p.name }

// Model returns the default model.
func (p *CompatProvider) Model() string { return p.model }

func (p *CompatProvider) Chat(ctx context.Context, req protocol.ChatRequest) (*protocol.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	body := chatRequest{
		Model:    model,
		Messages: toWireMessages(req.Messages),
	}
	if len(req.Tools) > 0 {
		body.Tools = req.Tools
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = &req.MaxTokens
	}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	wait := p.backoff
	for attempt := 0; ; attempt++ {
		resp, err := p.post(ctx, payload)
		if err == nil || attempt >= p.retries || !IsRetryable(err) {
			return resp, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
}

func (p *CompatProvider) post(ctx context.Context, payload []byte) (*protocol.ChatResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var out chatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return parseResponse(&out)
}

// --- wire format ---

type chatRequest struct {
	Model       string                    `json:"model"`
	Messages    []wireMessage             `json:"messages"`
	Tools       []protocol.ToolDefinition `json:"tools,omitempty"`
	MaxTokens   *int                      `json:"max_tokens,omitempty"`
	Temperature *float64                  `json:"temperature,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatResponse struct {
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func toWireMessages(msgs []protocol.ChatMessage) []wireMessage {
	out := make([]wireMessage, len(msgs))
	for i, m := range msgs {
		wm := wireMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: wireFunction{Name: tc.Name, Arguments: string(args)},
			})
		}
		out[i] = wm
	}
	return out
}

func parseResponse(resp *chatResponse) (*protocol.ChatResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}
	msg := resp.Choices[0].Message

	var toolCalls []protocol.ToolCall
	for i, tc := range msg.ToolCalls {
		var args map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			args = map[string]any{"_raw": tc.Function.Arguments}
		}
		id := tc.ID
		if id == "" {
			// Gemini's compatibility layer may omit call ids.
			id = fmt.Sprintf("call_%d", i)
		}
		toolCalls = append(toolCalls, protocol.ToolCall{ID: id, Name: tc.Function.Name, Arguments: args})
	}

	return &protocol.ChatResponse{
		Content:   msg.Content,
		ToolCalls: toolCalls,
		Usage: protocol.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}
