package repository

import (
	"context"
	"errors"

	"puenjai/internal/domain"
)

// ErrRecordNotPending is returned when a reply is written to a record that
// does not exist or already holds a reply.
var ErrRecordNotPending = errors.New("record is not pending")

// ConversationStore is implemented by every storage backend.
type ConversationStore interface {
	InsertPending(ctx context.Context, name, message string) (string, error)
	UpdateReply(ctx context.Context, recordID, reply string) error
	ListHistory(ctx context.Context) ([]domain.ConversationRecord, error)
}

var (
	_ ConversationStore = (*DynamoStore)(nil)
	_ ConversationStore = (*SQLStore)(nil)
)
