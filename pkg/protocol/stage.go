package protocol

import "slices"

// Stage names a pipeline step.
type Stage string

const (
	StageSentinel Stage = "sentinel"
	StagePlanner  Stage = "planner"
	StageCoder    Stage = "coder"
	StageReviewer Stage = "reviewer"
)

// StageSpec is the persona and capability configuration of one stage.
type StageSpec struct {
	Stage          Stage    `json:"stage" yaml:"stage"`
	Provider       string   `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model          string   `json:"model,omitempty" yaml:"model,omitempty"`
	Instructions   string   `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	ToolsWhitelist []string `json:"tools_whitelist,omitempty" yaml:"tools_whitelist,omitempty"`
	ToolsBlacklist []string `json:"tools_blacklist,omitempty" yaml:"tools_blacklist,omitempty"`
}

// ToolAllowed reports whether the named tool is permitted for this stage.
// A whitelist wins over a blacklist; with neither set, all tools are allowed.
func (s StageSpec) ToolAllowed(name string) bool {
	if len(s.ToolsWhitelist) > 0 {
		return slices.Contains(s.ToolsWhitelist, name)
	}
	if len(s.ToolsBlacklist) > 0 {
		return !slices.Contains(s.ToolsBlacklist, name)
	}
	return true
}

// StageEventKind tags the variant held by a StageEvent.
type StageEventKind string

const (
	EventText       StageEventKind = "text"
	EventToolCall   StageEventKind = "tool_call"
	EventToolResult StageEventKind = "tool_result"
)

// StageEvent is one step of a stage invocation: either model text or a
// tool invocation (and its result). Zero or more tool events precede the
// final text event.
type StageEvent struct {
	Kind   StageEventKind `json:"kind"`
	Stage  Stage          `json:"stage"`
	Text   string         `json:"text,omitempty"`
	Call   *ToolCall      `json:"call,omitempty"`
	Result string         `json:"result,omitempty"`
	Err    string         `json:"error,omitempty"`
}
