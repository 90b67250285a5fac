package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/h1v3-io/crafter/internal/tool"
	"github.com/h1v3-io/crafter/pkg/protocol"
)

// mockProvider is a test provider that returns a sequence of responses.
type mockProvider struct {
	responses []*protocol.ChatResponse
	callIdx   int
	calls     []protocol.ChatRequest // recorded requests
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Chat(_ context.Context, req protocol.ChatRequest) (*protocol.ChatResponse, error) {
	m.calls = append(m.calls, req)
	if m.callIdx >= len(m.responses) {
		return nil, fmt.Errorf("mock: no more responses (call %d)", m.callIdx)
	}
	resp := m.responses[m.callIdx]
	m.callIdx++
	return resp, nil
}

// echoTool returns its "text" parameter.
type echoTool struct{ name string }

func (t *echoTool) Name() string {
	if t.name == "" {
		return "echo"
	}
	return t.name
}
func (t *echoTool) Description() string { return "Echo text" }
func (t *echoTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{
		"text": map[string]any{"type": "string"},
	}}
}
func (t *echoTool) Execute(_ context.Context, params map[string]any) (string, error) {
	v, _ := params["text"].(string)
	return v, nil
}

func newTestRunner(prov *mockProvider, spec protocol.StageSpec) (*Runner, *[]protocol.StageEvent) {
	var events []protocol.StageEvent
	r := NewRunner(spec, prov)
	r.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	r.MaxIterations = 10
	r.Now = func() time.Time { return time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC) }
	r.OnEvent = func(ev protocol.StageEvent) { events = append(events, ev) }
	return r, &events
}

func TestInvoke_DirectResponse(t *testing.T) {
	prov := &mockProvider{responses: []*protocol.ChatResponse{{Content: "Hello!"}}}
	r, events := newTestRunner(prov, protocol.StageSpec{Stage: protocol.StagePlanner, Model: "m1"})

	result, err := r.Invoke(context.Background(), "You are a planner.", "Hi", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "Hello!" {
		t.Errorf("expected 'Hello!', got %q", result)
	}
	if len(prov.calls) != 1 {
		t.Fatalf("expected 1 provider call, got %d", len(prov.calls))
	}
	req := prov.calls[0]
	if req.Model != "m1" {
		t.Errorf("stage model not forwarded, got %q", req.Model)
	}
	if len(req.Tools) != 0 {
		t.Errorf("expected no tools, got %d", len(req.Tools))
	}
	msgs := req.Messages
	if len(msgs) != 2 || msgs[0].Role != protocol.RoleSystem || msgs[1].Role != protocol.RoleUser {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if !strings.HasPrefix(msgs[0].Content, "You are a planner.") || !strings.Contains(msgs[0].Content, "2026-10-15 12:00:00") {
		t.Errorf("system prompt = %q", msgs[0].Content)
	}
	if len(*events) != 1 || (*events)[0].Kind != protocol.EventText || (*events)[0].Stage != protocol.StagePlanner {
		t.Errorf("events = %+v", *events)
	}
}

func TestInvoke_ToolCallThenResponse(t *testing.T) {
	prov := &mockProvider{
		responses: []*protocol.ChatResponse{
			{ToolCalls: []protocol.ToolCall{{ID: "call_1", Name: "echo", Arguments: map[string]any{"text": "world"}}}},
			{Content: "The echo said: world"},
		},
	}
	reg := tool.NewRegistry()
	reg.Register(&echoTool{})
	r, events := newTestRunner(prov, protocol.StageSpec{Stage: protocol.StageCoder})

	result, err := r.Invoke(context.Background(), "coder", "Echo world", reg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "The echo said: world" {
		t.Errorf("got %q", result)
	}

	// system + user + assistant(tool_calls) + tool result
	msgs := prov.calls[1].Messages
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages in second call, got %d", len(msgs))
	}
	if msgs[2].Role != protocol.RoleAssistant || msgs[3].Role != protocol.RoleTool {
		t.Errorf("roles = %s, %s", msgs[2].Role, msgs[3].Role)
	}
	if msgs[3].Content != "world" || msgs[3].ToolCallID != "call_1" {
		t.Errorf("tool message = %+v", msgs[3])
	}

	kinds := make([]protocol.StageEventKind, 0, len(*events))
	for _, ev := range *events {
		kinds = append(kinds, ev.Kind)
	}
	want := []protocol.StageEventKind{protocol.EventToolCall, protocol.EventToolResult, protocol.EventText}
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Errorf("event kinds = %v, want %v", kinds, want)
	}
	if (*events)[1].Result != "world" {
		t.Errorf("tool result event = %+v", (*events)[1])
	}
}

func TestInvoke_ToolsFilteredBySpec(t *testing.T) {
	prov := &mockProvider{
		responses: []*protocol.ChatResponse{
			{ToolCalls: []protocol.ToolCall{{ID: "c1", Name: "write_file", Arguments: map[string]any{"text": "x"}}}},
			{Content: "done"},
		},
	}
	reg := tool.NewRegistry()
	reg.Register(&echoTool{name: "read_file"})
	reg.Register(&echoTool{name: "write_file"})
	r, events := newTestRunner(prov, protocol.StageSpec{Stage: protocol.StageReviewer, ToolsWhitelist: []string{"read_file"}})

	if _, err := r.Invoke(context.Background(), "reviewer", "review", reg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tools := prov.calls[0].Tools; len(tools) != 1 || tools[0].Function.Name != "read_file" {
		t.Errorf("advertised tools = %+v", tools)
	}
	if (*events)[1].Err == "" {
		t.Error("call to a filtered-out tool should surface as a tool error")
	}
}

func TestInvoke_MultipleToolCalls(t *testing.T) {
	prov := &mockProvider{
		responses: []*protocol.ChatResponse{
			{ToolCalls: []protocol.ToolCall{
				{ID: "c1", Name: "echo", Arguments: map[string]any{"text": "a"}},
				{ID: "c2", Name: "echo", Arguments: map[string]any{"text": "b"}},
			}},
			{Content: "done"},
		},
	}
	reg := tool.NewRegistry()
	reg.Register(&echoTool{})
	r, _ := newTestRunner(prov, protocol.StageSpec{Stage: protocol.StageCoder})

	if _, err := r.Invoke(context.Background(), "p", "go", reg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// system + user + assistant + tool(c1) + tool(c2)
	if n := len(prov.calls[1].Messages); n != 5 {
		t.Fatalf("expected 5 messages, got %d", n)
	}
}

func TestInvoke_MaxIterations(t *testing.T) {
	loop := &protocol.ChatResponse{
		ToolCalls: []protocol.ToolCall{{ID: "c", Name: "echo", Arguments: map[string]any{"text": "x"}}},
	}
	prov := &mockProvider{responses: []*protocol.ChatResponse{loop, loop, loop, loop, loop}}
	reg := tool.NewRegistry()
	reg.Register(&echoTool{})
	r, _ := newTestRunner(prov, protocol.StageSpec{Stage: protocol.StageCoder})
	r.MaxIterations = 3

	if _, err := r.Invoke(context.Background(), "p", "loop forever", reg); err == nil {
		t.Fatal("expected max iterations error")
	}
	if len(prov.calls) != 3 {
		t.Errorf("expected 3 provider calls, got %d", len(prov.calls))
	}
}

func TestInvoke_ProviderError(t *testing.T) {
	prov := &mockProvider{}
	r, _ := newTestRunner(prov, protocol.StageSpec{Stage: protocol.StageSentinel})
	_, err := r.Invoke(context.Background(), "p", "x", nil)
	if err == nil || !strings.Contains(err.Error(), "sentinel") {
		t.Fatalf("expected stage-tagged provider error, got %v", err)
	}
}

func TestInvoke_ContextCancelled(t *testing.T) {
	prov := &mockProvider{responses: []*protocol.ChatResponse{{Content: "should not reach"}}}
	r, _ := newTestRunner(prov, protocol.StageSpec{Stage: protocol.StagePlanner})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Invoke(ctx, "p", "cancelled", nil); err == nil {
		t.Fatal("expected context cancellation error")
	}
	if len(prov.calls) != 0 {
		t.Error("provider should not be called after cancellation")
	}
}

func TestThreadContext(t *testing.T) {
	ctx := WithThread(context.Background(), "<abc@mail>")
	if got := ThreadFromContext(ctx); got != "<abc@mail>" {
		t.Errorf("got %q", got)
	}
	if got := ThreadFromContext(context.Background()); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}
