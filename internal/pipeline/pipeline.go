// Package pipeline defines the four request-handling stages (Sentinel,
// Planner, Coder, Reviewer) and their implementations on top of a text
// generation capability. Stages are stateless: everything they need comes
// in through their inputs and everything they produce comes back as a
// value. Only the Coder has side effects, through its file tools.
package pipeline

import (
	"context"

	"github.com/h1v3-io/crafter/internal/tool"
)

// Generator is the text-generation capability: a persona, a prompt and an
// optional tool set go in, accumulated text comes out.
type Generator interface {
	Invoke(ctx context.Context, persona, prompt string, tools *tool.Registry) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, persona, prompt string, tools *tool.Registry) (string, error)

func (f GeneratorFunc) Invoke(ctx context.Context, persona, prompt string, tools *tool.Registry) (string, error) {
	return f(ctx, persona, prompt, tools)
}

// VerdictStatus is the Sentinel's decision.
type VerdictStatus string

const (
	StatusAllowed VerdictStatus = "ALLOWED"
	StatusBlocked VerdictStatus = "BLOCKED"
)

// Verdict is the Sentinel's structured answer. SanitizedInput is empty
// whenever Status is BLOCKED.
type Verdict struct {
	Status         VerdictStatus `json:"status"`
	Reason         string        `json:"reason"`
	SanitizedInput string        `json:"sanitized_input"`
}

// Allowed reports whether downstream stages may run.
func (v Verdict) Allowed() bool { return v.Status == StatusAllowed }

// Sentinel gates raw request text. An explicit block is a Verdict, not an
// error; errors mean no verdict could be obtained.
type Sentinel interface {
	Screen(ctx context.Context, request string) (Verdict, error)
}

// PlanInput is the context given to the Planner.
type PlanInput struct {
	Request string
	Tree    string
	Rules   string
	// PriorPlan and Feedback are set when a rejected plan is being revised.
	PriorPlan string
	Feedback  string
}

// Planner drafts an implementation plan.
type Planner interface {
	Plan(ctx context.Context, in PlanInput) (string, error)
}

// CodeInput is the context given to the Coder.
type CodeInput struct {
	Plan string
	// Feedback carries the previous review report on a fix-up pass.
	Feedback string
	Rules    string
}

// Coder applies a plan through file tools and returns a summary of what it
// changed. It never produces the diff itself.
type Coder interface {
	Apply(ctx context.Context, in CodeInput) (string, error)
}

// ReviewInput is the context given to the Reviewer.
type ReviewInput struct {
	Diff  string
	Plan  string
	Rules string
}

// Report is the Reviewer's quality report. Clean is false when the report
// asks for fixes.
type Report struct {
	Text  string `json:"text"`
	Clean bool   `json:"clean"`
}

// Reviewer inspects a diff.
type Reviewer interface {
	Review(ctx context.Context, in ReviewInput) (Report, error)
}

// Stages bundles one implementation of each stage.
type Stages struct {
	Sentinel Sentinel
	Planner  Planner
	Coder    Coder
	Reviewer Reviewer
}
