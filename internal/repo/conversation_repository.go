package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"Deskwire/internal/db"
	"Deskwire/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

var (
	ErrInvalidConversationID = errors.New("invalid conversation ID")
	ErrConversationMissing   = errors.New("conversation not found")
)

type conversationRepository struct {
	mongoRepo *db.Repository[model.Conversation]
	logger    *zap.Logger
}

// ListFilter narrows the conversation listing.
type ListFilter struct {
	Statuses []string
	Channel  string
}

type ConversationRepository interface {
	ResolveOrCreate(ctx context.Context, key model.ConversationKey, seed model.Conversation) (*model.Conversation, bool, error)
	GetByID(ctx context.Context, id string) (*model.Conversation, error)
	UpdateSummary(ctx context.Context, id string, at time.Time, preview string) error
	Reopen(ctx context.Context, id string) (*model.Conversation, error)
	UpdateStatus(ctx context.Context, id, status, closedReason string) (*model.Conversation, error)
	UpdateAssignment(ctx context.Context, id, memberID string) (*model.Conversation, error)
	List(ctx context.Context, orgID string, filter ListFilter, page int64) (*db.PaginatedResult[model.Conversation], error)
}

func NewConversationRepository(repo *db.Repository[model.Conversation], logger *zap.Logger) ConversationRepository {
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()

	// The unique key index is what makes ResolveOrCreate atomic: without it,
	// two concurrent upserts that both find no match can both insert. With it
	// the server retries the losing findAndModify against the winner's
	// document.
	if err := repo.EnsureIndexes(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "org_id", Value: 1},
				{Key: "integration_id", Value: 1},
				{Key: "contact_id", Value: 1},
				{Key: "channel", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "org_id", Value: 1},
				{Key: "last_message_at", Value: -1},
			},
		},
	}); err != nil {
		logger.Error("conversation index creation failed", zap.Error(err))
	}

	return &conversationRepository{
		mongoRepo: repo,
		logger:    logger,
	}
}

// ResolveOrCreate maps an identity key to its single conversation, inserting
// one atomically when absent. The upsert is the compare-and-swap that keeps
// two concurrent first messages from creating two conversations; the second
// writer attaches to the conversation the first one created.
func (r *conversationRepository) ResolveOrCreate(ctx context.Context, key model.ConversationKey, seed model.Conversation) (*model.Conversation, bool, error) {
	ctx, cancel := r.ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	seed.ID = primitive.NewObjectID()

	filter := db.NewFilter().
		Eq("org_id", key.OrgID).
		Eq("integration_id", key.IntegrationID).
		Eq("contact_id", key.ContactID).
		Eq("channel", key.Channel).
		Build()

	onInsert := bson.M{
		"_id":                  seed.ID,
		"org_id":               seed.OrgID,
		"integration_id":       seed.IntegrationID,
		"contact_id":           seed.ContactID,
		"channel":              seed.Channel,
		"status":               seed.Status,
		"created_at":           seed.CreatedAt,
		"updated_at":           seed.UpdatedAt,
		"last_message_at":      seed.CreatedAt,
		"last_message_preview": "",
	}
	if seed.Visitor != nil {
		onInsert["visitor"] = seed.Visitor
	}
	if seed.ThreadID != "" {
		onInsert["thread_id"] = seed.ThreadID
	}

	conv, err := r.mongoRepo.Upsert(ctx, filter, onInsert)
	if err != nil {
		r.logger.Error("conversation upsert failed",
			zap.String("org_id", key.OrgID),
			zap.String("contact_id", key.ContactID),
			zap.Error(err),
		)
		return nil, false, fmt.Errorf("resolve-or-create conversation: %w", err)
	}

	created := conv.ID == seed.ID
	return conv, created, nil
}

func (r *conversationRepository) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	if id == "" {
		return nil, ErrInvalidConversationID
	}

	ctx, cancel := r.ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	conv, err := r.mongoRepo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch conversation: %w", err)
	}
	return conv, nil
}

// UpdateSummary applies last-write-wins by timestamp: the filter only matches
// while the stored last_message_at is not newer, so the field never moves
// backwards under concurrent sends.
func (r *conversationRepository) UpdateSummary(ctx context.Context, id string, at time.Time, preview string) error {
	ctx, cancel := r.ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	filter := db.NewFilter().
		ObjectID("_id", id).
		Lte("last_message_at", at).
		Build()

	_, err := r.mongoRepo.Update(ctx, filter, bson.M{
		"last_message_at":      at,
		"last_message_preview": preview,
		"updated_at":           time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("update conversation summary: %w", err)
	}
	return nil
}

// Reopen moves a closed conversation back to open and clears its closure
// reason in one write.
func (r *conversationRepository) Reopen(ctx context.Context, id string) (*model.Conversation, error) {
	return r.applyStatus(ctx, id, model.StatusOpen, "")
}

// UpdateStatus persists a validated lifecycle transition. Validation lives in
// the conversation service; this only writes.
func (r *conversationRepository) UpdateStatus(ctx context.Context, id, status, closedReason string) (*model.Conversation, error) {
	return r.applyStatus(ctx, id, status, closedReason)
}

func (r *conversationRepository) applyStatus(ctx context.Context, id, status, closedReason string) (*model.Conversation, error) {
	ctx, cancel := r.ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	filter := db.NewFilter().ObjectID("_id", id).Build()
	set := bson.M{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}

	var unset []string
	if status == model.StatusClosed {
		set["closed_reason"] = closedReason
	} else {
		// Leaving closed (or staying open/pending) always clears the reason;
		// closedReason present iff status is closed.
		unset = []string{"closed_reason"}
	}

	conv, err := r.mongoRepo.FindOneAndSet(ctx, filter, set, unset)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrConversationMissing
		}
		return nil, fmt.Errorf("update conversation status: %w", err)
	}
	return conv, nil
}

func (r *conversationRepository) UpdateAssignment(ctx context.Context, id, memberID string) (*model.Conversation, error) {
	ctx, cancel := r.ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	filter := db.NewFilter().ObjectID("_id", id).Build()
	set := bson.M{"updated_at": time.Now().UTC()}
	var unset []string
	if memberID == "" {
		unset = []string{"assigned_member_id"}
	} else {
		set["assigned_member_id"] = memberID
	}

	conv, err := r.mongoRepo.FindOneAndSet(ctx, filter, set, unset)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrConversationMissing
		}
		return nil, fmt.Errorf("update conversation assignment: %w", err)
	}
	return conv, nil
}

func (r *conversationRepository) List(ctx context.Context, orgID string, filter ListFilter, page int64) (*db.PaginatedResult[model.Conversation], error) {
	ctx, cancel := r.ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	fb := db.NewFilter().Eq("org_id", orgID)
	if len(filter.Statuses) > 0 {
		fb.In("status", filter.Statuses)
	}
	if filter.Channel != "" {
		fb.Eq("channel", filter.Channel)
	}

	result, err := r.mongoRepo.FindWithPagination(ctx, fb.Build(), db.PaginationParams{
		Page:     page,
		PageSize: 25,
		SortBy:   "last_message_at",
		SortDesc: true,
	})
	if err != nil {
		r.logger.Error("conversation list failed", zap.String("org_id", orgID), zap.Error(err))
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return result, nil
}

func (r *conversationRepository) ensureTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hadDeadline := ctx.Deadline(); hadDeadline {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
