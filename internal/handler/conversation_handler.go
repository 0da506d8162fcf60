package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"Deskwire/internal/channel"
	"Deskwire/internal/dispatch"
	"Deskwire/internal/model"
	"Deskwire/internal/repo"
	"Deskwire/internal/service"

	"github.com/gin-gonic/gin"
)

// ConversationHandler is the synchronous API surface the admin app and the
// widget consume: send, history, lifecycle updates and listing. Session
// authentication happens upstream; the org context arrives in the X-Org-ID
// header.
type ConversationHandler interface {
	SendMessage(c *gin.Context)
	GetHistory(c *gin.Context)
	UpdateConversation(c *gin.Context)
	ListConversations(c *gin.Context)
}

type conversationHandler struct {
	service  service.ConversationService
	pipeline *dispatch.Pipeline
}

func NewConversationHandler(svc service.ConversationService, pipeline *dispatch.Pipeline) ConversationHandler {
	return &conversationHandler{
		service:  svc,
		pipeline: pipeline,
	}
}

type sendMessageRequest struct {
	MemberID string `json:"memberId" binding:"required"`
	Text     string `json:"text" binding:"required"`
	Token    string `json:"token" binding:"required"`
}

func (h *conversationHandler) SendMessage(c *gin.Context) {
	orgID := c.GetHeader("X-Org-ID")
	if orgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-Org-ID header is required"})
		return
	}
	conversationID := c.Param("conversationId")

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Tenant guard before dispatch; a foreign conversation id reads as absent.
	if _, err := h.service.Get(c.Request.Context(), orgID, conversationID); err != nil {
		h.renderError(c, err)
		return
	}

	msg, err := h.pipeline.Dispatch(c.Request.Context(), dispatch.SendRequest{
		ConversationID: conversationID,
		SenderType:     model.SenderAgent,
		SenderID:       req.MemberID,
		Body:           model.MessageBody{Text: req.Text},
		ClientToken:    req.Token,
	})
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

func (h *conversationHandler) GetHistory(c *gin.Context) {
	orgID := c.GetHeader("X-Org-ID")
	if orgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-Org-ID header is required"})
		return
	}
	conversationID := c.Param("conversationId")

	page, err := parsePage(c.DefaultQuery("page", "1"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid page number"})
		return
	}

	msgs, err := h.service.History(c.Request.Context(), orgID, conversationID, page)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type updateConversationRequest struct {
	Status           *string `json:"status"`
	ClosedReason     string  `json:"closedReason"`
	AssignedMemberID *string `json:"assignedMemberId"`
}

func (h *conversationHandler) UpdateConversation(c *gin.Context) {
	orgID := c.GetHeader("X-Org-ID")
	if orgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-Org-ID header is required"})
		return
	}
	conversationID := c.Param("conversationId")

	var req updateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Status == nil && req.AssignedMemberID == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update"})
		return
	}

	var (
		conv *model.Conversation
		err  error
	)

	if req.Status != nil {
		conv, err = h.service.Transition(c.Request.Context(), orgID, conversationID, *req.Status, req.ClosedReason)
		if err != nil {
			h.renderError(c, err)
			return
		}
	}

	if req.AssignedMemberID != nil {
		conv, err = h.service.Assign(c.Request.Context(), orgID, conversationID, *req.AssignedMemberID)
		if err != nil {
			h.renderError(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

func (h *conversationHandler) ListConversations(c *gin.Context) {
	orgID := c.GetHeader("X-Org-ID")
	if orgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-Org-ID header is required"})
		return
	}

	page, err := parsePage(c.DefaultQuery("page", "1"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid page number"})
		return
	}

	filter := repo.ListFilter{Channel: c.Query("channel")}
	if statuses := c.Query("status"); statuses != "" {
		filter.Statuses = strings.Split(statuses, ",")
	}

	result, err := h.service.List(c.Request.Context(), orgID, filter, page)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversations": result})
}

func (h *conversationHandler) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repo.ErrConversationMissing), errors.Is(err, service.ErrWrongOrg),
		errors.Is(err, dispatch.ErrConversationNotFound):
		// Cross-org access reads as absent; existence is not leaked.
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	case errors.Is(err, dispatch.ErrConversationClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "conversation closed"})
	case errors.Is(err, channel.ErrNotWritable):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "channel does not accept outbound messages"})
	case errors.Is(err, dispatch.ErrDispatchTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "message store timed out", "retryable": true})
	case errors.Is(err, dispatch.ErrReconciliationConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "idempotency token reused with different content"})
	case errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrClosedReasonRequired),
		errors.Is(err, service.ErrInvalidClosedReason),
		errors.Is(err, service.ErrUnexpectedReason),
		errors.Is(err, dispatch.ErrInvalidRequest):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func parsePage(raw string) (int64, error) {
	page, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || page < 1 {
		return 0, errors.New("invalid page")
	}
	return page, nil
}
