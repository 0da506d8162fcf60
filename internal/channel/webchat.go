package channel

import (
	"encoding/json"
	"fmt"

	"Deskwire/internal/dispatch"
	"Deskwire/internal/model"
)

// WebchatAdapter is the live bidirectional widget channel. Its payloads are
// already in wire shape; Normalize exists for the ingest path symmetry
// (webchat submissions normally arrive pre-decoded over the socket).
type WebchatAdapter struct{}

func NewWebchatAdapter() *WebchatAdapter { return &WebchatAdapter{} }

func (a *WebchatAdapter) Channel() string { return model.ChannelWebchat }

func (a *WebchatAdapter) Writable() bool { return true }

type webchatPayload struct {
	OrgID         string `json:"orgId"`
	IntegrationID string `json:"integrationId"`
	SessionID     string `json:"sessionId"`
	Text          string `json:"text"`
	Token         string `json:"token"`
}

func (a *WebchatAdapter) Normalize(payload []byte) (dispatch.SendRequest, error) {
	var p webchatPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return dispatch.SendRequest{}, fmt.Errorf("decode webchat payload: %w", err)
	}
	if p.OrgID == "" || p.IntegrationID == "" || p.SessionID == "" || p.Text == "" {
		return dispatch.SendRequest{}, fmt.Errorf("webchat payload missing identity or body")
	}
	return dispatch.SendRequest{
		Key: &model.ConversationKey{
			OrgID:         p.OrgID,
			IntegrationID: p.IntegrationID,
			ContactID:     p.SessionID,
			Channel:       model.ChannelWebchat,
		},
		SenderType:  model.SenderContact,
		SenderID:    p.SessionID,
		Body:        model.MessageBody{Text: p.Text},
		ClientToken: p.Token,
	}, nil
}
