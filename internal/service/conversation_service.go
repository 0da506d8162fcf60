package service

import (
	"context"
	"errors"
	"fmt"

	"Deskwire/internal/db"
	"Deskwire/internal/dispatch"
	"Deskwire/internal/event"
	"Deskwire/internal/model"
	"Deskwire/internal/repo"

	"go.uber.org/zap"
)

var ErrWrongOrg = errors.New("conversation belongs to a different organization")

// ConversationService owns the conversation lifecycle: it validates
// transitions against the state machine, persists them, and announces every
// applied change.
type ConversationService interface {
	Transition(ctx context.Context, orgID, conversationID, status, closedReason string) (*model.Conversation, error)
	Assign(ctx context.Context, orgID, conversationID, memberID string) (*model.Conversation, error)
	Get(ctx context.Context, orgID, conversationID string) (*model.Conversation, error)
	List(ctx context.Context, orgID string, filter repo.ListFilter, page int64) (*db.PaginatedResult[model.Conversation], error)
	History(ctx context.Context, orgID, conversationID string, page int64) (*db.PaginatedResult[model.Message], error)
}

type conversationService struct {
	convs  repo.ConversationRepository
	msgs   repo.MessageRepository
	bcast  dispatch.Broadcaster
	logger *zap.Logger
}

func NewConversationService(convs repo.ConversationRepository, msgs repo.MessageRepository, bcast dispatch.Broadcaster, logger *zap.Logger) ConversationService {
	return &conversationService{
		convs:  convs,
		msgs:   msgs,
		bcast:  bcast,
		logger: logger,
	}
}

func (s *conversationService) Transition(ctx context.Context, orgID, conversationID, status, closedReason string) (*model.Conversation, error) {
	conv, err := s.Get(ctx, orgID, conversationID)
	if err != nil {
		return nil, err
	}

	if err := ValidateTransition(conv.Status, status, closedReason); err != nil {
		return nil, err
	}

	updated, err := s.convs.UpdateStatus(ctx, conversationID, status, closedReason)
	if err != nil {
		return nil, err
	}

	s.logger.Info("conversation transitioned",
		zap.String("conversation_id", conversationID),
		zap.String("from", conv.Status),
		zap.String("to", updated.Status),
		zap.String("closed_reason", updated.ClosedReason),
	)

	s.announce(updated)
	return updated, nil
}

func (s *conversationService) Assign(ctx context.Context, orgID, conversationID, memberID string) (*model.Conversation, error) {
	if _, err := s.Get(ctx, orgID, conversationID); err != nil {
		return nil, err
	}

	updated, err := s.convs.UpdateAssignment(ctx, conversationID, memberID)
	if err != nil {
		return nil, err
	}

	s.announce(updated)
	return updated, nil
}

func (s *conversationService) Get(ctx context.Context, orgID, conversationID string) (*model.Conversation, error) {
	conv, err := s.convs.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, repo.ErrConversationMissing
	}
	if conv.OrgID != orgID {
		// Logged as a security event; cross-org reads are never served.
		s.logger.Warn("cross-org conversation access rejected",
			zap.String("conversation_id", conversationID),
			zap.String("request_org", orgID),
			zap.String("owner_org", conv.OrgID),
		)
		return nil, ErrWrongOrg
	}
	return conv, nil
}

func (s *conversationService) List(ctx context.Context, orgID string, filter repo.ListFilter, page int64) (*db.PaginatedResult[model.Conversation], error) {
	if orgID == "" {
		return nil, fmt.Errorf("orgId is required")
	}

	// Unknown statuses in the query would silently match nothing; drop them
	// up front so a typo still returns the org's conversations.
	filter.Statuses = Filter(filter.Statuses, func(status string) bool {
		return status == model.StatusOpen || status == model.StatusPending || status == model.StatusClosed
	})

	return s.convs.List(ctx, orgID, filter, page)
}

func (s *conversationService) History(ctx context.Context, orgID, conversationID string, page int64) (*db.PaginatedResult[model.Message], error) {
	// History stays readable for closed and ingest-only conversations.
	if _, err := s.Get(ctx, orgID, conversationID); err != nil {
		return nil, err
	}
	return s.msgs.History(ctx, conversationID, page)
}

func (s *conversationService) announce(conv *model.Conversation) {
	ev := event.New(event.EventConversationUpdated, event.ConversationUpdatedPayload{
		ConversationID:   conv.ID.Hex(),
		Status:           conv.Status,
		ClosedReason:     conv.ClosedReason,
		AssignedMemberID: conv.AssignedMemberID,
	})
	s.bcast.ConversationEvent(conv.OrgID, conv.ID.Hex(), ev)
	s.bcast.AgentsEvent(conv.OrgID, ev)
}
