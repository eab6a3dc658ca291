package domain

import "time"

// PendingReply is the reply value stored on a record until the AI reply is known.
const PendingReply = "..."

// ConversationRecord is a single persisted exchange between a user and the persona.
type ConversationRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Message   string    `json:"message"`
	AIReply   string    `json:"aiReply"`
	Timestamp time.Time `json:"timestamp"`
}

// Pending reports whether the record is still waiting for its reply.
func (r ConversationRecord) Pending() bool {
	return r.AIReply == PendingReply
}
