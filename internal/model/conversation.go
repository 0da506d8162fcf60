package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Conversation channels. The channel decides write capability: webchat is a
// live bidirectional channel, gmail is ingest-only.
const (
	ChannelWebchat = "webchat"
	ChannelGmail   = "gmail"
)

// Conversation lifecycle statuses.
const (
	StatusOpen    = "open"
	StatusPending = "pending"
	StatusClosed  = "closed"
)

// Closed reasons. A conversation may only be closed with one of these.
const (
	ClosedResolved   = "resolved"
	ClosedSpam       = "spam"
	ClosedNoResponse = "no_response"
	ClosedDuplicate  = "duplicate"
)

// ValidClosedReason reports whether reason belongs to the fixed closure enum.
func ValidClosedReason(reason string) bool {
	switch reason {
	case ClosedResolved, ClosedSpam, ClosedNoResponse, ClosedDuplicate:
		return true
	}
	return false
}

// ConversationKey is the identity a first inbound message resolves against.
// At most one conversation exists per key.
type ConversationKey struct {
	OrgID         string `json:"orgId" bson:"org_id"`
	IntegrationID string `json:"integrationId" bson:"integration_id"`
	ContactID     string `json:"contactId" bson:"contact_id"`
	Channel       string `json:"channel" bson:"channel"`
}

// Conversation groups the messages between a contact and an organization.
// Invariant: Status == closed iff ClosedReason is set; LastMessageAt never
// moves backwards.
type Conversation struct {
	ID                 primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	OrgID              string             `json:"orgId" bson:"org_id"`
	IntegrationID      string             `json:"integrationId" bson:"integration_id"`
	ContactID          string             `json:"contactId" bson:"contact_id"`
	Channel            string             `json:"channel" bson:"channel"`
	Status             string             `json:"status" bson:"status"`
	ClosedReason       string             `json:"closedReason,omitempty" bson:"closed_reason,omitempty"`
	AssignedMemberID   string             `json:"assignedMemberId,omitempty" bson:"assigned_member_id,omitempty"`
	ThreadID           string             `json:"threadId,omitempty" bson:"thread_id,omitempty"`
	Tags               []string           `json:"tags,omitempty" bson:"tags,omitempty"`
	Visitor            *VisitorInfo       `json:"visitor,omitempty" bson:"visitor,omitempty"`
	LastMessageAt      time.Time          `json:"lastMessageAt" bson:"last_message_at"`
	LastMessagePreview string             `json:"lastMessagePreview" bson:"last_message_preview"`
	CreatedAt          time.Time          `json:"createdAt" bson:"created_at"`
	UpdatedAt          time.Time          `json:"updatedAt" bson:"updated_at"`
}

// Key returns the identity key this conversation was created for.
func (c *Conversation) Key() ConversationKey {
	return ConversationKey{
		OrgID:         c.OrgID,
		IntegrationID: c.IntegrationID,
		ContactID:     c.ContactID,
		Channel:       c.Channel,
	}
}

// IsClosed reports whether the conversation refuses new contact messages.
func (c *Conversation) IsClosed() bool {
	return c.Status == StatusClosed
}

// VisitorInfo carries whatever the widget knows about the visitor at join time.
type VisitorInfo struct {
	Name  string `json:"name,omitempty" bson:"name,omitempty"`
	Email string `json:"email,omitempty" bson:"email,omitempty"`
}
