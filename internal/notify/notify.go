// Package notify tells operators about thread transitions on chat platforms.
// A notification is a short markdown summary; each backend converts it to
// its own markup.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/h1v3-io/crafter/pkg/protocol"
)

// Notifier delivers one transition notice.
type Notifier interface {
	Notify(ctx context.Context, t protocol.Transition) error
}

// Multi fans a notice out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, t protocol.Transition) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Filter drops transitions into states not listed. An empty list passes
// everything.
type Filter struct {
	Next   Notifier
	States []protocol.State
}

func (f Filter) Notify(ctx context.Context, t protocol.Transition) error {
	if len(f.States) == 0 {
		return f.Next.Notify(ctx, t)
	}
	for _, s := range f.States {
		if s == t.To {
			return f.Next.Notify(ctx, t)
		}
	}
	return nil
}

// Summary renders t as a short markdown notice.
func Summary(t protocol.Transition) string {
	var b strings.Builder
	id := t.TicketID
	if id == "" {
		id = t.ThreadID
	}
	fmt.Fprintf(&b, "**%s** %s: `%s` → `%s`", id, t.Title, t.From, t.To)
	if t.RequestedBy != "" {
		fmt.Fprintf(&b, " (from %s)", t.RequestedBy)
	}
	switch t.To {
	case protocol.StateBlocked:
		if t.Reason != "" {
			fmt.Fprintf(&b, "\nReason: *%s*", t.Reason)
		}
	case protocol.StateAwaitingApproval:
		if plan := firstLines(t.Plan, 5); plan != "" {
			fmt.Fprintf(&b, "\n```\n%s\n```", plan)
		}
	case protocol.StateCompleted:
		if t.PRURL != "" {
			fmt.Fprintf(&b, "\n[Pull request](%s)", t.PRURL)
		}
	}
	return b.String()
}

func firstLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = append(lines[:n], "…")
	}
	return strings.Join(lines, "\n")
}
