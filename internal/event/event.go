package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client-to-server event names.
const (
	EventWidgetJoin        = "widget:join"
	EventAgentJoin         = "agent:join"
	EventConversationJoin  = "conversation:join"
	EventConversationLeave = "conversation:leave"
	EventVisitorMessage    = "visitor:message"
	EventAgentMessage      = "agent:message"
)

// Bidirectional event names. Typing events flow both ways: clients emit them,
// the server rebroadcasts them to the opposite role.
const (
	EventTyping        = "user:typing"
	EventStoppedTyping = "user:stopped-typing"
)

// Server-to-client event names.
const (
	EventMessageNew          = "message:new"
	EventNewMessage          = "new:message" // org-wide list-refresh signal
	EventConversationUpdated = "conversation:updated"
	EventError               = "error"
)

// ErrMalformedPayload is returned when a payload fails schema validation.
// Malformed payloads are rejected at the transport boundary, never propagated
// with missing fields.
var ErrMalformedPayload = errors.New("malformed event payload")

// WsEvent is the envelope every websocket frame carries.
type WsEvent struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New wraps a payload into an envelope. Marshal failures are programming
// errors on server-built payloads; they surface as an error event instead of
// a dropped frame.
func New(name string, payload any) WsEvent {
	raw, err := json.Marshal(payload)
	if err != nil {
		return NewError("encode_failed", fmt.Sprintf("failed to encode %s payload", name))
	}
	return WsEvent{Event: name, Payload: raw}
}

// NewError builds an error event.
func NewError(code, message string) WsEvent {
	raw, _ := json.Marshal(ErrorPayload{Code: code, Message: message})
	return WsEvent{Event: EventError, Payload: raw}
}

// WidgetJoinPayload identifies a visitor widget session.
type WidgetJoinPayload struct {
	IntegrationID  string `json:"integrationId"`
	OrgID          string `json:"orgId"`
	SessionID      string `json:"sessionId"`
	ConversationID string `json:"conversationId,omitempty"`
	VisitorName    string `json:"visitorName,omitempty"`
	VisitorEmail   string `json:"visitorEmail,omitempty"`
}

func (p *WidgetJoinPayload) validate() error {
	if p.IntegrationID == "" || p.OrgID == "" || p.SessionID == "" {
		return fmt.Errorf("%w: widget:join requires integrationId, orgId and sessionId", ErrMalformedPayload)
	}
	return nil
}

// AgentJoinPayload subscribes an agent to its org-wide room.
type AgentJoinPayload struct {
	OrgID  string `json:"orgId"`
	UserID string `json:"userId"`
}

func (p *AgentJoinPayload) validate() error {
	if p.OrgID == "" || p.UserID == "" {
		return fmt.Errorf("%w: agent:join requires orgId and userId", ErrMalformedPayload)
	}
	return nil
}

// ConversationRefPayload targets a single conversation room.
type ConversationRefPayload struct {
	ConversationID string `json:"conversationId"`
}

func (p *ConversationRefPayload) validate() error {
	if p.ConversationID == "" {
		return fmt.Errorf("%w: conversationId is required", ErrMalformedPayload)
	}
	return nil
}

// ChatMessagePayload is a visitor:message or agent:message submission.
// Token is the client-generated idempotency token linking the optimistic
// entry to its confirmed counterpart.
type ChatMessagePayload struct {
	ConversationID string `json:"conversationId,omitempty"`
	Text           string `json:"text"`
	Token          string `json:"token"`
}

func (p *ChatMessagePayload) validate() error {
	if p.Text == "" {
		return fmt.Errorf("%w: message text is required", ErrMalformedPayload)
	}
	if p.Token == "" {
		return fmt.Errorf("%w: idempotency token is required", ErrMalformedPayload)
	}
	return nil
}

// TypingPayload marks a participant as composing in a conversation.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
	IsAgent        bool   `json:"isAgent,omitempty"`
}

func (p *TypingPayload) validate() error {
	if p.ConversationID == "" {
		return fmt.Errorf("%w: typing event requires conversationId", ErrMalformedPayload)
	}
	return nil
}

// ConversationUpdatedPayload announces a lifecycle or assignment change.
type ConversationUpdatedPayload struct {
	ConversationID   string `json:"conversationId"`
	Status           string `json:"status"`
	ClosedReason     string `json:"closedReason,omitempty"`
	AssignedMemberID string `json:"assignedMemberId,omitempty"`
}

// ErrorPayload is sent to a client when its own action failed. Errors never
// affect other connections in the same room.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func decode[T interface{ validate() error }](raw json.RawMessage, out T) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return out.validate()
}

// DecodeWidgetJoin validates and decodes a widget:join payload.
func DecodeWidgetJoin(raw json.RawMessage) (*WidgetJoinPayload, error) {
	var p WidgetJoinPayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeAgentJoin validates and decodes an agent:join payload.
func DecodeAgentJoin(raw json.RawMessage) (*AgentJoinPayload, error) {
	var p AgentJoinPayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeConversationRef validates and decodes a conversation:join/leave payload.
func DecodeConversationRef(raw json.RawMessage) (*ConversationRefPayload, error) {
	var p ConversationRefPayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeChatMessage validates and decodes a visitor:message or agent:message
// payload.
func DecodeChatMessage(raw json.RawMessage) (*ChatMessagePayload, error) {
	var p ChatMessagePayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeTyping validates and decodes a typing payload.
func DecodeTyping(raw json.RawMessage) (*TypingPayload, error) {
	var p TypingPayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
