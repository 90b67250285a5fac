package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/h1v3-io/crafter/internal/tool"
)

type threadKey struct{}

// WithThread tags ctx with the thread being worked on, for log attribution.
func WithThread(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, threadKey{}, threadID)
}

// ThreadFromContext returns the thread set by WithThread, or "".
func ThreadFromContext(ctx context.Context) string {
	id, _ := ctx.Value(threadKey{}).(string)
	return id
}

// BuildSystemPrompt layers the persona, the current time and the tool
// catalogue into one system message.
func BuildSystemPrompt(persona string, tools *tool.Registry, now time.Time) string {
	var b strings.Builder

	b.WriteString(strings.TrimSpace(persona))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "# Current Time\n%s\n\n", now.Format("2006-01-02 15:04:05 MST"))

	if tools != nil && tools.Len() > 0 {
		b.WriteString("# Available Tools\n")
		for _, d := range tools.Definitions() {
			fmt.Fprintf(&b, "- **%s**: %s\n", d.Function.Name, d.Function.Description)
		}
		b.WriteString("\n# Rules\n")
		b.WriteString("- Paths are relative to the repository root.\n")
		b.WriteString("- Do not access anything outside the repository.\n")
		b.WriteString("- When you are done with tools, answer with plain text only.\n")
	}

	return b.String()
}
