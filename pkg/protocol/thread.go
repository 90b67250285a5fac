package protocol

import (
	"maps"
	"time"
)

// State is the lifecycle stage of a conversation thread.
type State string

const (
	StateNew              State = "NEW"
	StateSanitizing       State = "SANITIZING"
	StatePlanProposed     State = "PLAN_PROPOSED"
	StateAwaitingApproval State = "AWAITING_APPROVAL"
	StateCoding           State = "CODING"
	StateReview           State = "REVIEW"
	StateCompleted        State = "COMPLETED"
	StateBlocked          State = "BLOCKED"
)

// States lists every defined state in pipeline order.
var States = []State{
	StateNew,
	StateSanitizing,
	StatePlanProposed,
	StateAwaitingApproval,
	StateCoding,
	StateReview,
	StateCompleted,
	StateBlocked,
}

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions may leave s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateBlocked
}

// Well-known keys in ThreadRecord.Extra.
const (
	ExtraRequest     = "request"
	ExtraRequestedBy = "requested_by"
	ExtraMessageID   = "message_id"
	ExtraSanitized   = "sanitized_input"
	ExtraReason      = "reason"
	ExtraFeedback    = "feedback"
	ExtraDiffSummary = "diff_summary"
	ExtraReview      = "qa_report"
	ExtraFixPasses   = "fix_passes"
	ExtraRefTicket   = "ref_ticket"
	ExtraPRURL       = "pr_url"
	ExtraRemindedAt  = "reminded_at"
	ExtraBaseline    = "code_baseline"
	ExtraSeen        = "seen_messages"
)

// ThreadRecord is the persisted state of one email conversation.
type ThreadRecord struct {
	State     State             `json:"state"`
	Title     string            `json:"title"`
	Plan      string            `json:"plan,omitempty"`
	TicketID  string            `json:"ticket_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate store-owned records.
func (r *ThreadRecord) Clone() *ThreadRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Extra = maps.Clone(r.Extra)
	return &c
}

// Get returns an extension field, or "" when absent.
func (r *ThreadRecord) Get(key string) string {
	if r == nil {
		return ""
	}
	return r.Extra[key]
}
