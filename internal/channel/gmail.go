package channel

import (
	"encoding/json"
	"fmt"
	"strings"

	"Deskwire/internal/dispatch"
	"Deskwire/internal/model"
)

// GmailAdapter is the read-only email ingestion channel. Outbound sends are
// rejected with ErrNotWritable; replies to mail leave through the provider's
// own surface, not through this engine.
type GmailAdapter struct{}

func NewGmailAdapter() *GmailAdapter { return &GmailAdapter{} }

func (a *GmailAdapter) Channel() string { return model.ChannelGmail }

func (a *GmailAdapter) Writable() bool { return false }

// inboundEmail is the provider payload the ingestion feed delivers.
type inboundEmail struct {
	OrgID         string `json:"orgId"`
	IntegrationID string `json:"integrationId"`
	MessageID     string `json:"messageId"`
	ThreadID      string `json:"threadId"`
	Subject       string `json:"subject"`
	From          string `json:"from"`
	TextBody      string `json:"textBody"`
	HTMLBody      string `json:"htmlBody,omitempty"`
}

func (a *GmailAdapter) Normalize(payload []byte) (dispatch.SendRequest, error) {
	var email inboundEmail
	if err := json.Unmarshal(payload, &email); err != nil {
		return dispatch.SendRequest{}, fmt.Errorf("decode inbound email: %w", err)
	}
	if email.OrgID == "" || email.IntegrationID == "" || email.From == "" {
		return dispatch.SendRequest{}, fmt.Errorf("inbound email missing org, integration or sender")
	}
	if email.MessageID == "" {
		return dispatch.SendRequest{}, fmt.Errorf("inbound email missing provider message id")
	}

	text := email.TextBody
	if text == "" {
		text = email.Subject
	}
	if text == "" {
		return dispatch.SendRequest{}, fmt.Errorf("inbound email %s has no body", email.MessageID)
	}

	contact := strings.ToLower(strings.TrimSpace(email.From))

	return dispatch.SendRequest{
		Key: &model.ConversationKey{
			OrgID:         email.OrgID,
			IntegrationID: email.IntegrationID,
			ContactID:     contact,
			Channel:       model.ChannelGmail,
		},
		SenderType: model.SenderContact,
		SenderID:   contact,
		Body:       model.MessageBody{Text: text, HTML: email.HTMLBody},
		// The provider message id doubles as the idempotency token, so a
		// redelivered record never inserts twice.
		ClientToken: email.MessageID,
		Source: &model.SourceMetadata{
			Subject:   email.Subject,
			ThreadID:  email.ThreadID,
			MessageID: email.MessageID,
		},
	}, nil
}
