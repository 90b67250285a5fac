package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/h1v3-io/crafter/internal/thread"
	"github.com/h1v3-io/crafter/internal/ticketlog"
	"github.com/h1v3-io/crafter/pkg/protocol"
)

// Reconcile re-mirrors the thread store into the ticket log: every thread
// with a ticket id whose log entry is missing or shows a different status is
// logged again. It returns the number of entries written.
func (o *Orchestrator) Reconcile(ctx context.Context) (int, error) {
	entries, err := o.tracker.List()
	if err != nil {
		return 0, err
	}
	counts := make(map[protocol.State]int)
	written := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		rec := e.Record
		counts[rec.State]++
		if rec.TicketID == "" || o.log == nil {
			continue
		}
		logged, ok := o.log.Get(rec.TicketID)
		if ok && logged.Status == string(rec.State) {
			continue
		}
		in := ticketlog.Input{
			TicketID:    rec.TicketID,
			Title:       rec.Title,
			RequestedBy: rec.Get(protocol.ExtraRequestedBy),
			Status:      string(rec.State),
			CreatedAt:   rec.CreatedAt,
		}
		if url := rec.Get(protocol.ExtraPRURL); url != "" {
			in.PRURL = &url
		}
		if err := o.log.LogTicket(in); err != nil {
			return written, fmt.Errorf("reconcile %s: %w", rec.TicketID, err)
		}
		o.logger.Info("ticket log reconciled", "thread", e.ID, "ticket", rec.TicketID, "status", rec.State)
		written++
	}
	o.metrics.SetThreadCounts(counts)
	return written, nil
}

// InFlight returns the threads a previous process left inside a stage, in
// creation order. Each can be picked up again with Resume.
func (o *Orchestrator) InFlight() ([]string, error) {
	entries, err := o.tracker.List()
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		switch e.Record.State {
		case protocol.StateNew, protocol.StateSanitizing, protocol.StatePlanProposed, protocol.StateCoding, protocol.StateReview:
			ids = append(ids, e.ID)
		}
	}
	return ids, nil
}

// RemindPending re-sends the plan of every thread that has been awaiting
// approval for longer than the configured RemindAfter. It returns the number
// of reminders sent.
func (o *Orchestrator) RemindPending(ctx context.Context) (int, error) {
	if o.cfg.RemindAfter <= 0 || o.replier == nil {
		return 0, nil
	}
	entries, err := o.tracker.List()
	if err != nil {
		return 0, err
	}
	now := o.now()
	sent := 0
	for _, e := range entries {
		rec := e.Record
		if rec.State != protocol.StateAwaitingApproval || now.Sub(rec.UpdatedAt) < o.cfg.RemindAfter {
			continue
		}
		t := protocol.TransitionFrom(e.ID, rec.State, rec)
		t.Reminder = true
		t.At = now
		if err := o.replier.Reply(ctx, t); err != nil {
			o.logger.Warn("reminder failed", "thread", e.ID, "error", err)
			continue
		}
		// Refreshing updated_at restarts the reminder clock.
		if _, err := o.tracker.UpdateState(e.ID, rec.State, thread.Update{
			Extra: map[string]string{protocol.ExtraRemindedAt: now.UTC().Format(time.RFC3339)},
		}); err != nil {
			return sent, err
		}
		o.logger.Info("approval reminder sent", "thread", e.ID, "ticket", rec.TicketID)
		sent++
	}
	return sent, nil
}

// AttachPR records the pull request that carries a thread's change and
// mirrors it to the ticket log. It is allowed in any state.
func (o *Orchestrator) AttachPR(ctx context.Context, id, url string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return fmt.Errorf("empty pull request url")
	}
	rec, err := o.record(id)
	if err != nil {
		return err
	}
	next, err := o.tracker.UpdateState(id, rec.State, thread.Update{
		Extra: map[string]string{protocol.ExtraPRURL: url},
	})
	if err != nil {
		return err
	}
	o.mirror(ticketlog.Input{TicketID: next.TicketID, PRURL: &url})
	o.logger.Info("pull request attached", "thread", id, "ticket", next.TicketID, "url", url)
	return nil
}
