package channel_test

import (
	"testing"

	"Deskwire/internal/channel"
	"Deskwire/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry() *channel.Registry {
	return channel.NewRegistry(channel.NewWebchatAdapter(), channel.NewGmailAdapter())
}

func TestRegistryWritability(t *testing.T) {
	r := testRegistry()

	assert.NoError(t, r.CheckWritable(model.ChannelWebchat))
	assert.ErrorIs(t, r.CheckWritable(model.ChannelGmail), channel.ErrNotWritable)
	assert.ErrorIs(t, r.CheckWritable("telegram"), channel.ErrUnknown)
}

func TestGmailNormalize(t *testing.T) {
	a := channel.NewGmailAdapter()

	payload := []byte(`{
		"orgId": "org-1",
		"integrationId": "int-mail",
		"messageId": "provider-msg-1",
		"threadId": "thread-9",
		"subject": "Help with billing",
		"from": " Casey@Example.com ",
		"textBody": "my invoice looks wrong"
	}`)

	req, err := a.Normalize(payload)
	require.NoError(t, err)

	require.NotNil(t, req.Key)
	assert.Equal(t, model.ChannelGmail, req.Key.Channel)
	assert.Equal(t, "casey@example.com", req.Key.ContactID, "sender address is canonicalized")
	assert.Equal(t, model.SenderContact, req.SenderType)
	assert.Equal(t, "my invoice looks wrong", req.Body.Text)
	assert.Equal(t, "provider-msg-1", req.ClientToken, "provider id is the idempotency token")

	require.NotNil(t, req.Source)
	assert.Equal(t, "Help with billing", req.Source.Subject)
	assert.Equal(t, "thread-9", req.Source.ThreadID)
}

func TestGmailNormalizeFallsBackToSubject(t *testing.T) {
	a := channel.NewGmailAdapter()

	req, err := a.Normalize([]byte(`{
		"orgId": "org-1",
		"integrationId": "int-mail",
		"messageId": "provider-msg-2",
		"subject": "just a subject line",
		"from": "casey@example.com"
	}`))
	require.NoError(t, err)
	assert.Equal(t, "just a subject line", req.Body.Text)
}

func TestGmailNormalizeRejectsIncompletePayloads(t *testing.T) {
	a := channel.NewGmailAdapter()

	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{{`},
		{"missing org", `{"integrationId":"i","messageId":"m","from":"f@x.com","textBody":"t"}`},
		{"missing sender", `{"orgId":"o","integrationId":"i","messageId":"m","textBody":"t"}`},
		{"missing provider id", `{"orgId":"o","integrationId":"i","from":"f@x.com","textBody":"t"}`},
		{"no content at all", `{"orgId":"o","integrationId":"i","messageId":"m","from":"f@x.com"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Normalize([]byte(tt.payload))
			require.Error(t, err)
		})
	}
}

func TestWebchatNormalize(t *testing.T) {
	a := channel.NewWebchatAdapter()

	req, err := a.Normalize([]byte(`{
		"orgId": "org-1",
		"integrationId": "int-1",
		"sessionId": "session-abc",
		"text": "hello there",
		"token": "tok-1"
	}`))
	require.NoError(t, err)

	require.NotNil(t, req.Key)
	assert.Equal(t, model.ChannelWebchat, req.Key.Channel)
	assert.Equal(t, "session-abc", req.Key.ContactID)
	assert.Equal(t, model.SenderContact, req.SenderType)
	assert.Equal(t, "tok-1", req.ClientToken)
}
