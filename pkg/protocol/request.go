package protocol

import "time"

// Request is one inbound change request or reply, already decoded from its
// transport (email, webhook) into plain text.
type Request struct {
	MessageID  string    `json:"message_id,omitempty"`
	ThreadID   string    `json:"thread_id,omitempty"` // transport thread id, if known
	InReplyTo  string    `json:"in_reply_to,omitempty"`
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}
