package model

import "time"

// TypingState is an ephemeral typing indicator. It is never persisted and is
// evicted once ExpiresAt passes.
type TypingState struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	IsAgent        bool      `json:"isAgent"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// Expired reports whether the indicator is past its TTL at the given instant.
func (t TypingState) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
