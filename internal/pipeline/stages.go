package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/h1v3-io/crafter/internal/tool"
)

// LLMPlanner drafts plans with a model call. Tools, if set, should be
// read-only; the plan is the only output.
type LLMPlanner struct {
	Gen     Generator
	Persona string
	Tools   *tool.Registry
}

func (p *LLMPlanner) Plan(ctx context.Context, in PlanInput) (string, error) {
	out, err := p.Gen.Invoke(ctx, personaOr(p.Persona, PlannerPersona), planPrompt(in), p.Tools)
	if err != nil {
		return "", fmt.Errorf("planner: %w", err)
	}
	plan := strings.TrimSpace(out)
	if plan == "" {
		return "", fmt.Errorf("planner: empty plan")
	}
	return plan, nil
}

// LLMCoder applies plans with read_file, write_file and list_dir.
type LLMCoder struct {
	Gen     Generator
	Persona string
	Tools   *tool.Registry
}

func (c *LLMCoder) Apply(ctx context.Context, in CodeInput) (string, error) {
	if c.Tools == nil {
		return "", fmt.Errorf("coder: no file tools configured")
	}
	out, err := c.Gen.Invoke(ctx, personaOr(c.Persona, CoderPersona), codePrompt(in), c.Tools)
	if err != nil {
		return "", fmt.Errorf("coder: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// LLMReviewer reviews diffs with a model call. An empty diff is reported
// without calling the model.
type LLMReviewer struct {
	Gen     Generator
	Persona string
}

func (r *LLMReviewer) Review(ctx context.Context, in ReviewInput) (Report, error) {
	if strings.TrimSpace(in.Diff) == "" {
		return Report{Text: NoChangesReport}, nil
	}
	out, err := r.Gen.Invoke(ctx, personaOr(r.Persona, ReviewerPersona), reviewPrompt(in), nil)
	if err != nil {
		return Report{}, fmt.Errorf("reviewer: %w", err)
	}
	text := strings.TrimSpace(out)
	return Report{Text: text, Clean: IsClean(text)}, nil
}

// IsClean reports whether a review report has no actionable fixes.
func IsClean(report string) bool {
	if strings.TrimSpace(report) == "" {
		return false
	}
	return !strings.Contains(strings.ToLower(report), strings.ToLower(SuggestedFixesHeading))
}

func personaOr(p, def string) string {
	if strings.TrimSpace(p) != "" {
		return p
	}
	return def
}
