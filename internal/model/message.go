package model

import (
	"time"
	"unicode/utf8"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Sender types.
const (
	SenderContact = "contact"
	SenderAgent   = "agent"
	SenderBot     = "bot"
	SenderSystem  = "system"
)

// Message directions relative to the organization.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message delivery statuses. Only forward transitions are allowed:
// pending -> sent -> delivered | failed.
const (
	MessageStatusPending   = "pending"
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusFailed    = "failed"
)

// Message is a single entry in a conversation timeline. Immutable after
// creation except for Status advancing.
type Message struct {
	ID             primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	ConversationID primitive.ObjectID `json:"conversationId" bson:"conversation_id"`
	OrgID          string             `json:"orgId" bson:"org_id"`
	SenderType     string             `json:"senderType" bson:"sender_type"`
	SenderID       string             `json:"senderId,omitempty" bson:"sender_id,omitempty"`
	Direction      string             `json:"direction" bson:"direction"`
	Channel        string             `json:"channel" bson:"channel"`
	Body           MessageBody        `json:"body" bson:"body"`
	Status         string             `json:"status" bson:"status"`
	ClientToken    string             `json:"clientToken,omitempty" bson:"client_token,omitempty"`
	Source         *SourceMetadata    `json:"source,omitempty" bson:"source,omitempty"`
	CreatedAt      time.Time          `json:"createdAt" bson:"created_at"`
}

// MessageBody holds the message content. HTML is only present for channels
// that carry rich bodies (email).
type MessageBody struct {
	Text string `json:"text" bson:"text"`
	HTML string `json:"html,omitempty" bson:"html,omitempty"`
}

// Preview returns the truncated text used for conversation summaries. The
// cut lands on a rune boundary so the preview stays valid UTF-8.
func (b MessageBody) Preview(max int) string {
	if max <= 0 || len(b.Text) <= max {
		return b.Text
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(b.Text[cut]) {
		cut--
	}
	return b.Text[:cut]
}

// SourceMetadata carries channel-specific provenance, e.g. the email subject
// and provider thread for ingested mail.
type SourceMetadata struct {
	Subject   string `json:"subject,omitempty" bson:"subject,omitempty"`
	ThreadID  string `json:"threadId,omitempty" bson:"thread_id,omitempty"`
	MessageID string `json:"messageId,omitempty" bson:"message_id,omitempty"`
}
