package protocol

import "time"

// Transition describes one persisted state change of a thread. It is what
// requester replies, operator notifications and metrics are built from.
type Transition struct {
	ThreadID    string    `json:"thread_id"`
	TicketID    string    `json:"ticket_id,omitempty"`
	Title       string    `json:"title"`
	From        State     `json:"from"`
	To          State     `json:"to"`
	RequestedBy string    `json:"requested_by,omitempty"`
	MessageID   string    `json:"message_id,omitempty"` // last inbound message, for reply threading
	Reason      string    `json:"reason,omitempty"`
	Plan        string    `json:"plan,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	Report      string    `json:"report,omitempty"`
	RefTicket   string    `json:"ref_ticket,omitempty"`
	PRURL       string    `json:"pr_url,omitempty"`
	// Reminder marks a re-sent approval request rather than a state change.
	Reminder bool      `json:"reminder,omitempty"`
	At       time.Time `json:"at"`
}

// TransitionFrom builds a Transition from the record as persisted after the
// change.
func TransitionFrom(threadID string, from State, rec *ThreadRecord) Transition {
	return Transition{
		ThreadID:    threadID,
		TicketID:    rec.TicketID,
		Title:       rec.Title,
		From:        from,
		To:          rec.State,
		RequestedBy: rec.Get(ExtraRequestedBy),
		MessageID:   rec.Get(ExtraMessageID),
		Reason:      rec.Get(ExtraReason),
		Plan:        rec.Plan,
		Summary:     rec.Get(ExtraDiffSummary),
		Report:      rec.Get(ExtraReview),
		RefTicket:   rec.Get(ExtraRefTicket),
		PRURL:       rec.Get(ExtraPRURL),
		At:          rec.UpdatedAt,
	}
}
