// Package reply renders the messages sent back to a requester and hands them
// to a Sender. Only transitions the requester has to know about produce a
// reply: a blocked request, a plan waiting for approval (and reminders about
// it) and a finished change.
package reply

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/h1v3-io/crafter/pkg/protocol"
)

// Message is one outbound reply.
type Message struct {
	ThreadID  string `json:"thread_id"`
	TicketID  string `json:"ticket_id,omitempty"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	InReplyTo string `json:"in_reply_to,omitempty"`
	Markdown  string `json:"markdown"`
	HTML      string `json:"html"`
}

// Sender delivers a rendered reply.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

var (
	markdownOnce sync.Once
	markdown     goldmark.Markdown
)

func renderer() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdown
}

// ToHTML converts markdown to HTML.
func ToHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := renderer().Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Render builds the reply for t. ok is false when t is not something the
// requester is told about.
func Render(t protocol.Transition, now time.Time) (msg Message, ok bool, err error) {
	var body string
	switch {
	case t.Reminder:
		body = reminderBody(t, now)
	case t.To == protocol.StateBlocked:
		body = blockedBody(t)
	case t.To == protocol.StateAwaitingApproval:
		body = planBody(t)
	case t.To == protocol.StateCompleted:
		body = completedBody(t)
	default:
		return Message{}, false, nil
	}

	html, err := ToHTML(body)
	if err != nil {
		return Message{}, false, fmt.Errorf("render reply: %w", err)
	}
	return Message{
		ThreadID:  t.ThreadID,
		TicketID:  t.TicketID,
		To:        t.RequestedBy,
		Subject:   subject(t),
		InReplyTo: t.MessageID,
		Markdown:  body,
		HTML:      html,
	}, true, nil
}

func subject(t protocol.Transition) string {
	title := strings.TrimSpace(t.Title)
	if title == "" {
		title = "your request"
	}
	if t.TicketID != "" {
		return fmt.Sprintf("Re: %s [%s]", title, t.TicketID)
	}
	return "Re: " + title
}

func blockedBody(t protocol.Transition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Your request was blocked.**\n\n")
	if t.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n\n", t.Reason)
	}
	if t.Report != "" && t.From == protocol.StateReview {
		fmt.Fprintf(&b, "## Last review\n\n%s\n\n", t.Report)
	}
	ticketLine(&b, t)
	b.WriteString("Send a new request if you want to try again.\n")
	return b.String()
}

func planBody(t protocol.Transition) string {
	var b strings.Builder
	b.WriteString("Here is the proposed plan for your request.\n\n")
	if t.RefTicket != "" {
		fmt.Fprintf(&b, "This follows up on ticket %s.\n\n", t.RefTicket)
	}
	fmt.Fprintf(&b, "## Plan\n\n%s\n\n", strings.TrimSpace(t.Plan))
	b.WriteString(approvalInstructions)
	ticketLine(&b, t)
	return b.String()
}

func reminderBody(t protocol.Transition, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Reminder:** this plan has been waiting for your approval since %s.\n\n", humanize.RelTime(t.At, now, "ago", "from now"))
	fmt.Fprintf(&b, "## Plan\n\n%s\n\n", strings.TrimSpace(t.Plan))
	b.WriteString(approvalInstructions)
	ticketLine(&b, t)
	return b.String()
}

func completedBody(t protocol.Transition) string {
	var b strings.Builder
	b.WriteString("**Your change is complete.**\n\n")
	if t.Summary != "" {
		fmt.Fprintf(&b, "## Changes\n\n%s\n\n", strings.TrimSpace(t.Summary))
	}
	if t.Report != "" {
		fmt.Fprintf(&b, "## Review\n\n%s\n\n", strings.TrimSpace(t.Report))
	}
	if t.PRURL != "" {
		fmt.Fprintf(&b, "Pull request: %s\n\n", t.PRURL)
	}
	ticketLine(&b, t)
	return b.String()
}

const approvalInstructions = "Reply **approve** (or lgtm, yes, ok, go ahead) to start the change. " +
	"Reply with anything else to have the plan revised; your reply is used as feedback.\n\n"

func ticketLine(b *strings.Builder, t protocol.Transition) {
	if t.TicketID != "" {
		fmt.Fprintf(b, "Ticket: %s\n\n", t.TicketID)
	}
}

// Replier renders transitions and sends the ones the requester cares about.
type Replier struct {
	sender Sender
	logger *slog.Logger
	now    func() time.Time
}

// NewReplier creates a Replier. A nil logger uses slog.Default().
func NewReplier(sender Sender, logger *slog.Logger) *Replier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replier{sender: sender, logger: logger, now: time.Now}
}

// Reply implements the orchestrator's Replier.
func (r *Replier) Reply(ctx context.Context, t protocol.Transition) error {
	msg, ok, err := Render(t, r.now())
	if err != nil || !ok {
		return err
	}
	if msg.To == "" {
		r.logger.Warn("reply skipped, requester unknown", "thread", t.ThreadID, "state", t.To)
		return nil
	}
	if err := r.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("reply: send to %s: %w", msg.To, err)
	}
	r.logger.Info("reply sent", "thread", t.ThreadID, "ticket", t.TicketID, "state", t.To, "reminder", t.Reminder)
	return nil
}
