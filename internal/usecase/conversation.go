package usecase

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"puenjai/internal/domain"
	"puenjai/internal/retry"
)

// Replier produces the persona's reply to one message with a single
// upstream call.
type Replier interface {
	Reply(ctx context.Context, name, message string) (string, error)
}

type ConversationStore interface {
	InsertPending(ctx context.Context, name, message string) (string, error)
	UpdateReply(ctx context.Context, recordID, reply string) error
	ListHistory(ctx context.Context) ([]domain.ConversationRecord, error)
}

type ConsoleService struct {
	replier Replier
	store   ConversationStore
	retrier *retry.Retrier
	log     *zap.Logger
}

type ConverseInput struct {
	Name    string
	Message string
}

type ConverseOutput struct {
	RecordID string
	Reply    string
}

func NewConsoleService(r Replier, s ConversationStore, rt *retry.Retrier, log *zap.Logger) (*ConsoleService, error) {
	if r == nil {
		return nil, errors.New("usecase: replier must not be nil")
	}
	if s == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if rt == nil {
		return nil, errors.New("usecase: retrier must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ConsoleService{replier: r, store: s, retrier: rt, log: log}, nil
}

// Converse records the message, asks for a reply (retrying an overloaded
// upstream) and stores the reply on the record. When no reply is obtained the
// record keeps its placeholder.
//
// The exchange runs to completion even if ctx is cancelled by the caller
// going away; only ctx's values are inherited.
func (s *ConsoleService) Converse(ctx context.Context, in ConverseInput) (ConverseOutput, error) {
	ctx = context.WithoutCancel(ctx)

	recordID, err := s.store.InsertPending(ctx, in.Name, in.Message)
	if err != nil {
		return ConverseOutput{}, newError(ErrorInternal, "store_insert_error", err)
	}
	log := s.log.With(zap.String("record_id", recordID))
	log.Info("conversation saved, awaiting reply")

	reply, err := retry.Do(ctx, s.retrier, func(ctx context.Context) (string, error) {
		return s.replier.Reply(ctx, in.Name, in.Message)
	})
	if err != nil {
		log.Error("no reply after retries, record keeps placeholder", zap.Error(err))
		return ConverseOutput{RecordID: recordID}, newError(ErrorUpstream, "ai_error", err)
	}

	if err := s.store.UpdateReply(ctx, recordID, reply); err != nil {
		return ConverseOutput{RecordID: recordID}, newError(ErrorInternal, "store_update_error", err)
	}
	log.Info("reply stored")

	return ConverseOutput{RecordID: recordID, Reply: reply}, nil
}

// History returns every conversation record, newest first.
func (s *ConsoleService) History(ctx context.Context) ([]domain.ConversationRecord, error) {
	records, err := s.store.ListHistory(ctx)
	if err != nil {
		return nil, newError(ErrorInternal, "store_history_error", err)
	}
	return records, nil
}
