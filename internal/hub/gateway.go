package hub

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"Deskwire/internal/auth"
	"Deskwire/internal/cache"
	"Deskwire/internal/channel"
	"Deskwire/internal/dispatch"
	"Deskwire/internal/event"
	"Deskwire/internal/model"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrUnauthorized rejects a handshake; the connection is never admitted.
var ErrUnauthorized = errors.New("handshake rejected")

// Identity is the authenticated result of a handshake.
type Identity struct {
	OrgID         string
	UserID        string // agent member id, or visitor session id
	IntegrationID string // visitors only
	IsAgent       bool
}

// Gateway authenticates and admits persistent connections, routes their
// events, and tears their state down on disconnect.
type Gateway struct {
	hub      *Hub
	typing   *TypingTracker
	pipeline *dispatch.Pipeline
	convs    dispatch.ConversationStore
	verifier *auth.Verifier
	presence *cache.PresenceStore // optional
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewGateway(
	h *Hub,
	typing *TypingTracker,
	pipeline *dispatch.Pipeline,
	convs dispatch.ConversationStore,
	verifier *auth.Verifier,
	presence *cache.PresenceStore,
	logger *zap.Logger,
	allowedOrigins []string,
) *Gateway {
	g := &Gateway{
		hub:      h,
		typing:   typing,
		pipeline: pipeline,
		convs:    convs,
		verifier: verifier,
		presence: presence,
		logger:   logger,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 {
				return true
			}
			for _, allowed := range allowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}
	return g
}

// Authenticate resolves the handshake into an identity. Agents present a
// bearer token; visitors present their widget session context.
func (g *Gateway) Authenticate(r *http.Request) (Identity, error) {
	q := r.URL.Query()

	switch q.Get("role") {
	case "agent":
		token := q.Get("token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		claims, err := g.verifier.Verify(token)
		if err != nil {
			return Identity{}, errors.Join(ErrUnauthorized, err)
		}
		return Identity{OrgID: claims.OrgID, UserID: claims.UserID, IsAgent: true}, nil

	case "visitor":
		orgID := q.Get("orgId")
		integrationID := q.Get("integrationId")
		sessionID := q.Get("sessionId")
		if orgID == "" || integrationID == "" || sessionID == "" {
			return Identity{}, ErrUnauthorized
		}
		return Identity{OrgID: orgID, UserID: sessionID, IntegrationID: integrationID}, nil
	}

	return Identity{}, ErrUnauthorized
}

// ServeWS is the websocket endpoint. Rejected handshakes never upgrade.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	identity, err := g.Authenticate(r)
	if err != nil {
		g.logger.Warn("handshake rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	c := newClient(g, conn, identity, g.logger)
	g.hub.register(c)

	if c.IsAgent {
		// Agents always see org-wide traffic.
		if err := g.hub.Join(c, AgentsRoom(c.OrgID)); err != nil {
			g.logger.Error("agent room join failed", zap.Error(err))
		}
		g.markPresence(c)
	}

	go c.ReadMessages()
	go c.WriteMessages()
}

// route dispatches one decoded frame. Called from the connection's read
// goroutine, so a single connection's events are handled in order.
func (g *Gateway) route(ev event.WsEvent, c *Client) {
	switch ev.Event {
	case event.EventWidgetJoin:
		g.handleWidgetJoin(ev, c)
	case event.EventAgentJoin:
		g.handleAgentJoin(ev, c)
	case event.EventConversationJoin:
		g.handleConversationJoin(ev, c)
	case event.EventConversationLeave:
		g.handleConversationLeave(ev, c)
	case event.EventVisitorMessage:
		g.handleVisitorMessage(ev, c)
	case event.EventAgentMessage:
		g.handleAgentMessage(ev, c)
	case event.EventTyping:
		g.handleTyping(ev, c, true)
	case event.EventStoppedTyping:
		g.handleTyping(ev, c, false)
	default:
		g.sendError(c, "unknown_event", "unknown event: "+ev.Event)
	}
}

func (g *Gateway) handleWidgetJoin(ev event.WsEvent, c *Client) {
	if c.IsAgent {
		g.sendError(c, "invalid_role", "widget:join is a visitor event")
		return
	}
	p, err := event.DecodeWidgetJoin(ev.Payload)
	if err != nil {
		g.sendError(c, "invalid_payload", err.Error())
		return
	}
	if p.OrgID != c.OrgID || p.SessionID != c.UserID {
		g.rejectCrossTenant(c, p.OrgID)
		return
	}
	if p.ConversationID != "" {
		g.joinConversation(c, p.ConversationID)
	}
}

func (g *Gateway) handleAgentJoin(ev event.WsEvent, c *Client) {
	if !c.IsAgent {
		g.sendError(c, "invalid_role", "agent:join is an agent event")
		return
	}
	p, err := event.DecodeAgentJoin(ev.Payload)
	if err != nil {
		g.sendError(c, "invalid_payload", err.Error())
		return
	}
	if p.OrgID != c.OrgID {
		g.rejectCrossTenant(c, p.OrgID)
		return
	}
	if err := g.hub.Join(c, AgentsRoom(p.OrgID)); err != nil {
		g.rejectCrossTenant(c, p.OrgID)
	}
}

func (g *Gateway) handleConversationJoin(ev event.WsEvent, c *Client) {
	p, err := event.DecodeConversationRef(ev.Payload)
	if err != nil {
		g.sendError(c, "invalid_payload", err.Error())
		return
	}
	g.joinConversation(c, p.ConversationID)
}

func (g *Gateway) handleConversationLeave(ev event.WsEvent, c *Client) {
	p, err := event.DecodeConversationRef(ev.Payload)
	if err != nil {
		g.sendError(c, "invalid_payload", err.Error())
		return
	}
	g.hub.Leave(c, ConversationRoom(c.OrgID, p.ConversationID))
}

// joinConversation admits a connection into a conversation room after
// checking the conversation really belongs to the connection's org (and, for
// visitors, to the visitor's own contact identity).
func (g *Gateway) joinConversation(c *Client, conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conv, err := g.convs.GetByID(ctx, conversationID)
	if err != nil {
		g.sendError(c, "join_failed", "could not resolve conversation")
		return
	}
	if conv == nil {
		g.sendError(c, "not_found", "conversation not found")
		return
	}
	if conv.OrgID != c.OrgID {
		g.rejectCrossTenant(c, conv.OrgID)
		return
	}
	if !c.IsAgent && conv.ContactID != c.UserID {
		g.rejectCrossTenant(c, conv.OrgID)
		return
	}

	if err := g.hub.Join(c, ConversationRoom(conv.OrgID, conversationID)); err != nil {
		g.rejectCrossTenant(c, conv.OrgID)
	}
}

func (g *Gateway) handleVisitorMessage(ev event.WsEvent, c *Client) {
	if c.IsAgent {
		g.sendError(c, "invalid_role", "visitor:message is a visitor event")
		return
	}
	if !c.allowMessage() {
		g.sendError(c, "rate_limited", "too many messages, slow down")
		return
	}

	p, err := event.DecodeChatMessage(ev.Payload)
	if err != nil {
		g.sendError(c, "invalid_payload", err.Error())
		return
	}

	req := dispatch.SendRequest{
		SenderType:  model.SenderContact,
		SenderID:    c.UserID,
		Body:        model.MessageBody{Text: p.Text},
		ClientToken: p.Token,
	}
	if p.ConversationID != "" {
		req.ConversationID = p.ConversationID
	} else {
		req.Key = &model.ConversationKey{
			OrgID:         c.OrgID,
			IntegrationID: c.IntegrationID,
			ContactID:     c.UserID,
			Channel:       model.ChannelWebchat,
		}
	}

	g.submit(c, req)
}

func (g *Gateway) handleAgentMessage(ev event.WsEvent, c *Client) {
	if !c.IsAgent {
		g.sendError(c, "invalid_role", "agent:message is an agent event")
		return
	}

	p, err := event.DecodeChatMessage(ev.Payload)
	if err != nil {
		g.sendError(c, "invalid_payload", err.Error())
		return
	}
	if p.ConversationID == "" {
		g.sendError(c, "invalid_payload", "agent:message requires conversationId")
		return
	}

	g.submit(c, dispatch.SendRequest{
		ConversationID: p.ConversationID,
		SenderType:     model.SenderAgent,
		SenderID:       c.UserID,
		Body:           model.MessageBody{Text: p.Text},
		ClientToken:    p.Token,
	})
}

// submit runs the pipeline for a live-channel send. The dispatch is not tied
// to the connection's lifetime: an abandoned client still completes the send
// server-side, and reconciliation absorbs the late confirmation.
func (g *Gateway) submit(c *Client, req dispatch.SendRequest) {
	msg, err := g.pipeline.Dispatch(context.Background(), req)
	if err != nil {
		g.sendDispatchError(c, err)
		return
	}

	// Make sure the sender is subscribed to the conversation it just wrote
	// to; the first visitor message creates the conversation, so the room
	// can only be joined now.
	room := ConversationRoom(msg.OrgID, msg.ConversationID.Hex())
	if !c.inRoom(room) {
		if err := g.hub.Join(c, room); err != nil {
			g.logger.Error("post-send room join failed", zap.Error(err))
		}
	}

	// Direct confirmation for reconciliation. The room broadcast may reach
	// this connection as well; the client's reconciliation layer is
	// idempotent on the token, so the duplicate is harmless.
	c.SafeSend(event.New(event.EventMessageNew, msg), sendTimeout)
}

func (g *Gateway) handleTyping(ev event.WsEvent, c *Client, start bool) {
	p, err := event.DecodeTyping(ev.Payload)
	if err != nil {
		g.sendError(c, "invalid_payload", err.Error())
		return
	}

	// Membership is the ownership proof: joinConversation already verified
	// the conversation belongs to this org (and, for visitors, this contact).
	if !c.inRoom(ConversationRoom(c.OrgID, p.ConversationID)) {
		g.sendError(c, "not_joined", "join the conversation before typing")
		return
	}

	if start {
		g.typing.Start(c.OrgID, p.ConversationID, c.UserID, c.IsAgent, c.ID)
	} else {
		g.typing.Stop(c.OrgID, p.ConversationID, c.UserID, c.ID)
	}
}

// dropClient runs the full disconnect cleanup: every room membership and all
// typing state go immediately, with no grace period.
func (g *Gateway) dropClient(c *Client) {
	g.hub.RemoveConnection(c)
	g.typing.ExpireUser(c.OrgID, c.UserID, c.ID)

	if c.IsAgent && g.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := g.presence.MarkOffline(ctx, c.OrgID, c.UserID); err != nil {
			g.logger.Warn("presence offline failed", zap.Error(err))
		}
	}

	c.Close()
}

func (g *Gateway) markPresence(c *Client) {
	if g.presence == nil {
		return
	}

	refresh := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := g.presence.MarkOnline(ctx, c.OrgID, c.UserID); err != nil {
			g.logger.Warn("presence refresh failed", zap.Error(err))
		}
	}
	refresh()

	go func() {
		ticker := time.NewTicker(g.presence.TTL() / 2)
		defer ticker.Stop()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				refresh()
			}
		}
	}()
}

// rejectCrossTenant logs a security event and tells the offender. The
// violation never touches other connections.
func (g *Gateway) rejectCrossTenant(c *Client, targetOrgID string) {
	g.logger.Warn("tenant isolation violation",
		zap.String("connection_id", c.ID),
		zap.String("connection_org", c.OrgID),
		zap.String("target_org", targetOrgID),
		zap.Bool("is_agent", c.IsAgent),
	)
	g.sendError(c, "tenant_isolation", "room belongs to a different organization")
}

func (g *Gateway) sendError(c *Client, code, message string) {
	c.SafeSend(event.NewError(code, message), sendTimeout)
}

func (g *Gateway) sendDispatchError(c *Client, err error) {
	switch {
	case errors.Is(err, dispatch.ErrConversationClosed):
		// Distinct notice, not a generic failure.
		g.sendError(c, "conversation_closed", "this conversation is closed")
	case errors.Is(err, channel.ErrNotWritable):
		g.sendError(c, "channel_not_writable", "this channel does not accept outbound messages")
	case errors.Is(err, dispatch.ErrDispatchTimeout):
		g.sendError(c, "dispatch_timeout", "message could not be stored in time, retry")
	case errors.Is(err, dispatch.ErrReconciliationConflict):
		g.sendError(c, "reconciliation_conflict", "idempotency token already used with different content")
	case errors.Is(err, dispatch.ErrConversationNotFound):
		g.sendError(c, "not_found", "conversation not found")
	case errors.Is(err, dispatch.ErrInvalidRequest), errors.Is(err, event.ErrMalformedPayload):
		g.sendError(c, "invalid_payload", err.Error())
	default:
		g.logger.Error("dispatch failed", zap.Error(err))
		g.sendError(c, "send_failed", "message could not be delivered")
	}
}
