package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"Deskwire/internal/event"
	"Deskwire/internal/model"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

var (
	ErrInvalidRequest         = errors.New("invalid send request")
	ErrConversationNotFound   = errors.New("conversation not found")
	ErrConversationClosed     = errors.New("conversation is closed")
	ErrDispatchTimeout        = errors.New("dispatch persistence timed out") // retryable
	ErrReconciliationConflict = errors.New("idempotency token reused with divergent payload")

	// ErrDuplicateToken is returned by MessageStore.Insert when another
	// message in the conversation already holds the idempotency token.
	ErrDuplicateToken = errors.New("idempotency token already persisted")
)

const previewLength = 140

// ConversationStore is the slice of the external store the pipeline needs.
type ConversationStore interface {
	// ResolveOrCreate atomically resolves the conversation for an identity
	// key, creating it from seed when absent. Two concurrent first messages
	// for the same key must observe the same conversation; created reports
	// whether this call inserted it.
	ResolveOrCreate(ctx context.Context, key model.ConversationKey, seed model.Conversation) (conv *model.Conversation, created bool, err error)
	GetByID(ctx context.Context, id string) (*model.Conversation, error)
	// UpdateSummary is last-write-wins by timestamp: it must not move
	// last_message_at backwards.
	UpdateSummary(ctx context.Context, id string, at time.Time, preview string) error
	// Reopen clears closed status and reason, returning the post-image.
	Reopen(ctx context.Context, id string) (*model.Conversation, error)
}

// MessageStore persists timeline entries.
type MessageStore interface {
	// Insert wraps ErrDuplicateToken when the conversation already holds a
	// message with the same client token.
	Insert(ctx context.Context, msg *model.Message) (string, error)
	// FindByToken returns nil, nil when no message carries the token.
	FindByToken(ctx context.Context, conversationID, token string) (*model.Message, error)
}

// Broadcaster fans events out to connected parties. Implemented by the hub.
type Broadcaster interface {
	ConversationEvent(orgID, conversationID string, ev event.WsEvent)
	AgentsEvent(orgID string, ev event.WsEvent)
}

// ChannelPolicy gates outbound sends by channel write capability.
type ChannelPolicy interface {
	// CheckWritable returns channel.ErrNotWritable for ingest-only channels.
	CheckWritable(channel string) error
}

// SendRequest targets either an existing conversation by id or, for a first
// inbound message, an identity key the conversation is resolved-or-created
// for.
type SendRequest struct {
	ConversationID string
	Key            *model.ConversationKey
	SenderType     string
	SenderID       string
	Body           model.MessageBody
	ClientToken    string
	Source         *model.SourceMetadata
	Visitor        *model.VisitorInfo
}

func (r *SendRequest) validate() error {
	switch r.SenderType {
	case model.SenderContact, model.SenderAgent, model.SenderBot, model.SenderSystem:
	default:
		return fmt.Errorf("%w: unknown sender type %q", ErrInvalidRequest, r.SenderType)
	}
	if r.Body.Text == "" {
		return fmt.Errorf("%w: empty body", ErrInvalidRequest)
	}
	if r.ClientToken == "" {
		return fmt.Errorf("%w: missing idempotency token", ErrInvalidRequest)
	}
	if r.ConversationID == "" && r.Key == nil {
		return fmt.Errorf("%w: neither conversation id nor identity key given", ErrInvalidRequest)
	}
	return nil
}

func (r *SendRequest) direction() string {
	if r.SenderType == model.SenderContact {
		return model.DirectionInbound
	}
	return model.DirectionOutbound
}

// Pipeline validates, persists and fans out messages. It is safe for
// concurrent use; ordering per submitting connection is the caller's
// responsibility (connections handle their events serially).
type Pipeline struct {
	convs          ConversationStore
	msgs           MessageStore
	policy         ChannelPolicy
	bcast          Broadcaster
	logger         *zap.Logger
	persistTimeout time.Duration
}

// NewPipeline wires the dispatch pipeline. persistTimeout bounds the store
// write; on expiry the sender observes a retryable ErrDispatchTimeout instead
// of a hang.
func NewPipeline(convs ConversationStore, msgs MessageStore, policy ChannelPolicy, bcast Broadcaster, logger *zap.Logger, persistTimeout time.Duration) *Pipeline {
	if persistTimeout <= 0 {
		persistTimeout = 5 * time.Second
	}
	return &Pipeline{
		convs:          convs,
		msgs:           msgs,
		policy:         policy,
		bcast:          bcast,
		logger:         logger,
		persistTimeout: persistTimeout,
	}
}

// Dispatch runs the full pipeline and returns the persisted message for
// reconciliation. Dispatch-level errors concern only the originating sender.
func (p *Pipeline) Dispatch(ctx context.Context, req SendRequest) (*model.Message, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	conv, err := p.resolveConversation(ctx, &req)
	if err != nil {
		return nil, err
	}

	if conv.IsClosed() {
		if req.SenderType == model.SenderContact {
			return nil, fmt.Errorf("%w: conversation %s", ErrConversationClosed, conv.ID.Hex())
		}
		// Agent (or automation) replying into a closed conversation performs
		// an atomic reopen + reply.
		conv, err = p.reopen(ctx, conv)
		if err != nil {
			return nil, err
		}
	}

	if req.direction() == model.DirectionOutbound {
		if err := p.policy.CheckWritable(conv.Channel); err != nil {
			return nil, err
		}
	}

	if existing, err := p.lookupToken(ctx, conv, &req); err != nil || existing != nil {
		return existing, err
	}

	msg := &model.Message{
		ConversationID: conv.ID,
		OrgID:          conv.OrgID,
		SenderType:     req.SenderType,
		SenderID:       req.SenderID,
		Direction:      req.direction(),
		Channel:        conv.Channel,
		Body:           req.Body,
		Status:         model.MessageStatusSent,
		ClientToken:    req.ClientToken,
		Source:         req.Source,
		CreatedAt:      time.Now().UTC(),
	}

	if err := p.persist(ctx, msg); err != nil {
		if errors.Is(err, ErrDuplicateToken) {
			// Lost the insert race to a concurrent submission carrying the
			// same token; the first write won, return it.
			existing, lookupErr := p.lookupToken(ctx, conv, &req)
			if lookupErr != nil {
				return nil, lookupErr
			}
			if existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}

	if err := p.convs.UpdateSummary(ctx, conv.ID.Hex(), msg.CreatedAt, msg.Body.Preview(previewLength)); err != nil {
		// Summary is derived state; the message is already durable.
		p.logger.Warn("summary update failed",
			zap.String("conversation_id", conv.ID.Hex()),
			zap.Error(err),
		)
	}

	p.bcast.ConversationEvent(conv.OrgID, conv.ID.Hex(), event.New(event.EventMessageNew, msg))
	p.bcast.AgentsEvent(conv.OrgID, event.New(event.EventNewMessage, conversationSignal(conv, msg)))

	return msg, nil
}

func (p *Pipeline) resolveConversation(ctx context.Context, req *SendRequest) (*model.Conversation, error) {
	if req.ConversationID != "" {
		conv, err := p.convs.GetByID(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}
		if conv == nil {
			return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, req.ConversationID)
		}
		return conv, nil
	}

	now := time.Now().UTC()
	seed := model.Conversation{
		OrgID:         req.Key.OrgID,
		IntegrationID: req.Key.IntegrationID,
		ContactID:     req.Key.ContactID,
		Channel:       req.Key.Channel,
		Status:        model.StatusOpen,
		Visitor:       req.Visitor,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.Source != nil {
		seed.ThreadID = req.Source.ThreadID
	}

	conv, created, err := p.convs.ResolveOrCreate(ctx, *req.Key, seed)
	if err != nil {
		return nil, fmt.Errorf("resolve conversation: %w", err)
	}
	if created {
		p.logger.Info("conversation created",
			zap.String("conversation_id", conv.ID.Hex()),
			zap.String("org_id", conv.OrgID),
			zap.String("channel", conv.Channel),
		)
	}
	return conv, nil
}

func (p *Pipeline) reopen(ctx context.Context, conv *model.Conversation) (*model.Conversation, error) {
	reopened, err := p.convs.Reopen(ctx, conv.ID.Hex())
	if err != nil {
		return nil, fmt.Errorf("reopen conversation: %w", err)
	}

	p.logger.Info("conversation reopened on reply",
		zap.String("conversation_id", reopened.ID.Hex()),
		zap.String("org_id", reopened.OrgID),
	)

	update := event.New(event.EventConversationUpdated, event.ConversationUpdatedPayload{
		ConversationID:   reopened.ID.Hex(),
		Status:           reopened.Status,
		AssignedMemberID: reopened.AssignedMemberID,
	})
	p.bcast.ConversationEvent(reopened.OrgID, reopened.ID.Hex(), update)
	p.bcast.AgentsEvent(reopened.OrgID, update)

	return reopened, nil
}

// lookupToken makes retried submissions idempotent. The first write wins: a
// reused token with the same body returns the already-persisted message, a
// reused token with a divergent body is rejected and logged, never silently
// applied.
func (p *Pipeline) lookupToken(ctx context.Context, conv *model.Conversation, req *SendRequest) (*model.Message, error) {
	existing, err := p.msgs.FindByToken(ctx, conv.ID.Hex(), req.ClientToken)
	if err != nil {
		return nil, fmt.Errorf("token lookup: %w", err)
	}
	if existing == nil {
		return nil, nil
	}
	if existing.Body.Text != req.Body.Text {
		p.logger.Warn("idempotency token reused with divergent payload",
			zap.String("conversation_id", conv.ID.Hex()),
			zap.String("token", req.ClientToken),
		)
		return nil, ErrReconciliationConflict
	}
	return existing, nil
}

func (p *Pipeline) persist(ctx context.Context, msg *model.Message) error {
	ctx, cancel := context.WithTimeout(ctx, p.persistTimeout)
	defer cancel()

	id, err := p.msgs.Insert(ctx, msg)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			p.logger.Error("message persist timed out",
				zap.String("conversation_id", msg.ConversationID.Hex()),
				zap.Duration("timeout", p.persistTimeout),
			)
			return ErrDispatchTimeout
		}
		return fmt.Errorf("persist message: %w", err)
	}

	if oid, parseErr := primitive.ObjectIDFromHex(id); parseErr == nil {
		msg.ID = oid
	}
	return nil
}

func conversationSignal(conv *model.Conversation, msg *model.Message) map[string]any {
	return map[string]any{
		"conversationId":     conv.ID.Hex(),
		"channel":            conv.Channel,
		"status":             conv.Status,
		"lastMessageAt":      msg.CreatedAt,
		"lastMessagePreview": msg.Body.Preview(previewLength),
	}
}
