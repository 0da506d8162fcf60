package model_test

import (
	"testing"
	"time"
	"unicode/utf8"

	"Deskwire/internal/model"

	"github.com/stretchr/testify/assert"
)

func TestValidClosedReason(t *testing.T) {
	assert.True(t, model.ValidClosedReason(model.ClosedResolved))
	assert.True(t, model.ValidClosedReason(model.ClosedSpam))
	assert.True(t, model.ValidClosedReason(model.ClosedNoResponse))
	assert.True(t, model.ValidClosedReason(model.ClosedDuplicate))
	assert.False(t, model.ValidClosedReason(""))
	assert.False(t, model.ValidClosedReason("bored"))
}

func TestMessageBodyPreview(t *testing.T) {
	body := model.MessageBody{Text: "hello world"}
	assert.Equal(t, "hello world", body.Preview(140))
	assert.Equal(t, "hello", body.Preview(5))
	assert.Equal(t, "hello world", body.Preview(0))
}

func TestMessageBodyPreviewKeepsRunesIntact(t *testing.T) {
	body := model.MessageBody{Text: "こんにちは"} // 3 bytes per rune
	assert.Equal(t, "こ", body.Preview(4), "cut must back up to the rune start")
	assert.Equal(t, "こん", body.Preview(6))
	assert.True(t, utf8.ValidString(body.Preview(7)))
}

func TestTypingStateExpired(t *testing.T) {
	now := time.Now()
	live := model.TypingState{ExpiresAt: now.Add(time.Second)}
	stale := model.TypingState{ExpiresAt: now.Add(-time.Second)}

	assert.False(t, live.Expired(now))
	assert.True(t, stale.Expired(now))
}

func TestConversationKeyRoundTrip(t *testing.T) {
	conv := model.Conversation{
		OrgID:         "org-1",
		IntegrationID: "int-1",
		ContactID:     "session-abc",
		Channel:       model.ChannelWebchat,
	}
	assert.Equal(t, model.ConversationKey{
		OrgID:         "org-1",
		IntegrationID: "int-1",
		ContactID:     "session-abc",
		Channel:       model.ChannelWebchat,
	}, conv.Key())
}
