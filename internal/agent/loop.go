package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/h1v3-io/crafter/internal/tool"
	"github.com/h1v3-io/crafter/pkg/protocol"
)

// Invoke runs the tool-calling loop: send the persona and prompt to the
// model, execute any requested tool calls, and loop until the model returns
// plain text or the iteration limit is reached. A nil tools registry means
// the stage has no tools.
func (r *Runner) Invoke(ctx context.Context, persona, prompt string, tools *tool.Registry) (string, error) {
	if tools == nil {
		tools = tool.NewRegistry()
	} else {
		tools = tools.Filter(r.Spec)
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	messages := []protocol.ChatMessage{
		{Role: protocol.RoleSystem, Content: BuildSystemPrompt(persona, tools, now())},
		{Role: protocol.RoleUser, Content: prompt},
	}
	return r.runLoop(ctx, messages, tools)
}

func (r *Runner) runLoop(ctx context.Context, messages []protocol.ChatMessage, tools *tool.Registry) (string, error) {
	maxIter := r.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	stage := r.Spec.Stage
	thread := ThreadFromContext(ctx)
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	toolDefs := tools.Definitions()

	for i := 0; i < maxIter; i++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%s: context cancelled: %w", stage, err)
		}

		req := protocol.ChatRequest{
			Model:       r.Spec.Model,
			Messages:    messages,
			Tools:       toolDefs,
			Temperature: r.Temperature,
		}

		logger.Debug("stage chat request",
			"stage", stage,
			"thread", thread,
			"iteration", i+1,
			"messages", len(messages),
		)

		resp, err := r.Provider.Chat(ctx, req)
		if err != nil {
			return "", fmt.Errorf("%s: provider error: %w", stage, err)
		}

		if !resp.HasToolCalls() {
			logger.Debug("stage final response",
				"stage", stage,
				"thread", thread,
				"iteration", i+1,
				"content_len", len(resp.Content),
			)
			r.emit(protocol.StageEvent{Kind: protocol.EventText, Text: resp.Content})
			return resp.Content, nil
		}

		messages = append(messages, protocol.ChatMessage{
			Role:      protocol.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			call := tc
			r.emit(protocol.StageEvent{Kind: protocol.EventToolCall, Call: &call})
			logger.Info(fmt.Sprintf("tool call: %s", tc.Name),
				"stage", stage,
				"thread", thread,
				"call_id", tc.ID,
			)

			ev := protocol.StageEvent{Kind: protocol.EventToolResult, Call: &call}
			result, err := tools.Execute(ctx, tc.Name, tc.Arguments)
			if err != nil {
				// The model sees the error and can recover.
				result = fmt.Sprintf("Error: %v", err)
				ev.Err = err.Error()
				logger.Warn(fmt.Sprintf("tool error: %s", tc.Name),
					"stage", stage,
					"thread", thread,
					"error", err,
				)
			} else {
				logger.Info(fmt.Sprintf("tool result: %s", tc.Name),
					"stage", stage,
					"thread", thread,
					"result_len", len(result),
				)
			}
			ev.Result = result
			r.emit(ev)

			messages = append(messages, protocol.ChatMessage{
				Role:       protocol.RoleTool,
				Content:    result,
				ToolCallID: tc.ID,
				Name:       tc.Name,
			})
		}
	}

	return "", fmt.Errorf("%s: exceeded max iterations (%d)", stage, maxIter)
}
