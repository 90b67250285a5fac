package pipeline

import (
	"context"
	"fmt"

	"github.com/h1v3-io/crafter/internal/tool"
)

type genCall struct {
	persona, prompt string
	tools           *tool.Registry
}

// scriptedGen returns its replies in order and records every call.
type scriptedGen struct {
	replies []string
	err     error
	calls   []genCall
}

func (g *scriptedGen) Invoke(_ context.Context, persona, prompt string, tools *tool.Registry) (string, error) {
	g.calls = append(g.calls, genCall{persona, prompt, tools})
	if g.err != nil {
		return "", g.err
	}
	if len(g.calls) > len(g.replies) {
		return "", fmt.Errorf("scriptedGen: unexpected call %d", len(g.calls))
	}
	return g.replies[len(g.calls)-1], nil
}
