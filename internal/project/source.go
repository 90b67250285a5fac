package project

import "github.com/h1v3-io/crafter/internal/tool"

// Source bundles the rules and the repository listing handed to the
// stages. Rules are re-read on every call, so edits to the rules directory
// apply to the next stage without a restart.
type Source struct {
	rules *Rules
	sb    *tool.Sandbox
	depth int
}

// NewSource creates a Source. depth bounds the tree listing; 0 lists
// everything.
func NewSource(rules *Rules, sb *tool.Sandbox, depth int) *Source {
	return &Source{rules: rules, sb: sb, depth: depth}
}

// Rules returns the current project rules as markdown sections.
func (s *Source) Rules() string {
	if s.rules == nil {
		return ""
	}
	// A failed reload keeps the last good copy.
	_ = s.rules.Reload()
	return s.rules.String()
}

// Tree lists the repository.
func (s *Source) Tree() (string, error) {
	if s.sb == nil {
		return "", nil
	}
	return Tree(s.sb, s.depth)
}
