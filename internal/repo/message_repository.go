package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"Deskwire/internal/db"
	"Deskwire/internal/dispatch"
	"Deskwire/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

var (
	ErrInvalidMessage   = errors.New("invalid message: message cannot be nil")
	ErrOperationTimeout = errors.New("operation timeout exceeded")
)

const (
	// Timeouts
	defaultWriteTimeout = 5 * time.Second
	defaultReadTimeout  = 30 * time.Second

	// Retry configuration
	maxRetries     = 3
	baseRetryDelay = 100 * time.Millisecond
	maxRetryDelay  = 2 * time.Second

	historyPageSize = 25
)

type messageRepository struct {
	mongoRepo *db.Repository[model.Message]
	logger    *zap.Logger
}

type MessageRepository interface {
	Insert(ctx context.Context, msg *model.Message) (string, error)
	FindByToken(ctx context.Context, conversationID, token string) (*model.Message, error)
	History(ctx context.Context, conversationID string, page int64) (*db.PaginatedResult[model.Message], error)
}

func NewMessageRepository(repo *db.Repository[model.Message], logger *zap.Logger) MessageRepository {
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()

	// The unique token index backs first-write-wins idempotency: a retry
	// racing its original insert hits a duplicate-key error instead of
	// persisting twice.
	if err := repo.EnsureIndexes(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "conversation_id", Value: 1},
				{Key: "client_token", Value: 1},
			},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
		{
			Keys: bson.D{
				{Key: "conversation_id", Value: 1},
				{Key: "created_at", Value: 1},
			},
		},
	}); err != nil {
		logger.Error("message index creation failed", zap.Error(err))
	}

	return &messageRepository{
		mongoRepo: repo,
		logger:    logger,
	}
}

// -----------------------------------------------------------------------------
// Insert
// -----------------------------------------------------------------------------

func (m *messageRepository) Insert(ctx context.Context, msg *model.Message) (string, error) {
	if err := m.validateMessage(msg); err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := m.waitForRetry(ctx, attempt); err != nil {
				return "", err
			}
		}

		result, err := m.mongoRepo.Create(ctx, *msg)
		if err == nil {
			insertedID := ""
			if result.InsertedID != nil {
				if oid, ok := result.InsertedID.(primitive.ObjectID); ok {
					insertedID = oid.Hex()
				} else if str, ok := result.InsertedID.(string); ok {
					insertedID = str
				}
			}

			m.logger.Info("message inserted",
				zap.String("inserted_id", insertedID),
				zap.String("conversation_id", msg.ConversationID.Hex()),
				zap.String("sender_type", msg.SenderType),
				zap.Int("attempt", attempt+1),
			)
			return insertedID, nil
		}

		// A duplicate key on (conversation_id, client_token) means a
		// concurrent submission with the same token won the insert.
		if mongo.IsDuplicateKeyError(err) {
			return "", fmt.Errorf("insert message: %w", dispatch.ErrDuplicateToken)
		}

		lastErr = err

		// Don't retry on context cancellation or non-retryable errors
		if !m.isRetryableError(err) {
			break
		}

		m.logger.Warn("insert attempt failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxRetries),
		)
	}

	if errors.Is(lastErr, context.DeadlineExceeded) {
		return "", fmt.Errorf("insert message: %w", context.DeadlineExceeded)
	}

	m.logger.Error("failed to insert message after all retries",
		zap.Error(lastErr),
		zap.String("conversation_id", msg.ConversationID.Hex()),
	)
	return "", fmt.Errorf("insert message failed: %w", lastErr)
}

// -----------------------------------------------------------------------------
// FindByToken
// -----------------------------------------------------------------------------

// FindByToken looks a message up by its client idempotency token within a
// conversation. Returns nil, nil when the token is unseen.
func (m *messageRepository) FindByToken(ctx context.Context, conversationID, token string) (*model.Message, error) {
	if conversationID == "" || token == "" {
		return nil, nil
	}

	ctx, cancel := m.ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	filter := db.NewFilter().
		ObjectID("conversation_id", conversationID).
		Eq("client_token", token).
		Build()

	msg, err := m.mongoRepo.FindOne(ctx, filter)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("find by token: %w", err)
	}
	return msg, nil
}

// -----------------------------------------------------------------------------
// History
// -----------------------------------------------------------------------------

func (m *messageRepository) History(ctx context.Context, conversationID string, page int64) (*db.PaginatedResult[model.Message], error) {
	if conversationID == "" {
		return nil, ErrInvalidConversationID
	}

	ctx, cancel := m.ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	filter := db.NewFilter().ObjectID("conversation_id", conversationID).Build()

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := m.waitForRetry(ctx, attempt); err != nil {
				return nil, err
			}
			m.logger.Warn("retrying message history",
				zap.String("conversation_id", conversationID),
				zap.Int("attempt", attempt+1),
			)
		}

		result, err := m.mongoRepo.FindWithPagination(ctx, filter, db.PaginationParams{
			Page:     page,
			PageSize: historyPageSize,
			SortBy:   "created_at",
			SortDesc: false,
		})
		if err == nil {
			return result, nil
		}

		lastErr = err
		if !m.isRetryableError(err) {
			break
		}
	}

	return nil, m.handleReadError(lastErr, conversationID)
}

// -----------------------------------------------------------------------------
// Private Helper Methods
// -----------------------------------------------------------------------------

func (m *messageRepository) validateMessage(msg *model.Message) error {
	if msg == nil {
		return ErrInvalidMessage
	}
	if msg.ConversationID.IsZero() {
		return ErrInvalidConversationID
	}
	return nil
}

func (m *messageRepository) ensureTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hadDeadline := ctx.Deadline(); hadDeadline {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (m *messageRepository) waitForRetry(ctx context.Context, attempt int) error {
	delay := time.Duration(1<<uint(attempt)) * baseRetryDelay
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait cancelled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (m *messageRepository) isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Context errors are not retryable
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return true
	}

	return false
}

func (m *messageRepository) handleReadError(err error, conversationID string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		m.logger.Error("read timeout", zap.String("conversation_id", conversationID))
		return ErrOperationTimeout
	}

	if errors.Is(err, context.Canceled) {
		m.logger.Debug("read cancelled", zap.String("conversation_id", conversationID))
		return err
	}

	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil
	}

	m.logger.Error("read failed", zap.Error(err), zap.String("conversation_id", conversationID))
	return fmt.Errorf("message history failed: %w", err)
}
