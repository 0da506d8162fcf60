package dispatch_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"Deskwire/internal/channel"
	"Deskwire/internal/dispatch"
	"Deskwire/internal/event"
	"Deskwire/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

type fakeConvStore struct {
	mu    sync.Mutex
	byID  map[string]*model.Conversation
	byKey map[model.ConversationKey]string
}

func newFakeConvStore() *fakeConvStore {
	return &fakeConvStore{
		byID:  make(map[string]*model.Conversation),
		byKey: make(map[model.ConversationKey]string),
	}
}

func (s *fakeConvStore) add(conv model.Conversation) *model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv.ID.IsZero() {
		conv.ID = primitive.NewObjectID()
	}
	s.byID[conv.ID.Hex()] = &conv
	s.byKey[conv.Key()] = conv.ID.Hex()
	return &conv
}

func (s *fakeConvStore) ResolveOrCreate(_ context.Context, key model.ConversationKey, seed model.Conversation) (*model.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[key]; ok {
		copied := *s.byID[id]
		return &copied, false, nil
	}

	seed.ID = primitive.NewObjectID()
	s.byID[seed.ID.Hex()] = &seed
	s.byKey[key] = seed.ID.Hex()
	copied := seed
	return &copied, true, nil
}

func (s *fakeConvStore) GetByID(_ context.Context, id string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	copied := *conv
	return &copied, nil
}

func (s *fakeConvStore) UpdateSummary(_ context.Context, id string, at time.Time, preview string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.byID[id]; ok && !conv.LastMessageAt.After(at) {
		conv.LastMessageAt = at
		conv.LastMessagePreview = preview
	}
	return nil
}

func (s *fakeConvStore) Reopen(_ context.Context, id string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.byID[id]
	conv.Status = model.StatusOpen
	conv.ClosedReason = ""
	copied := *conv
	return &copied, nil
}

func (s *fakeConvStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

type fakeMsgStore struct {
	mu          sync.Mutex
	messages    []*model.Message
	insertDelay time.Duration
}

func (s *fakeMsgStore) Insert(ctx context.Context, msg *model.Message) (string, error) {
	if s.insertDelay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.insertDelay):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ConversationID == msg.ConversationID && m.ClientToken == msg.ClientToken {
			return "", fmt.Errorf("insert message: %w", dispatch.ErrDuplicateToken)
		}
	}
	stored := *msg
	stored.ID = primitive.NewObjectID()
	s.messages = append(s.messages, &stored)
	return stored.ID.Hex(), nil
}

func (s *fakeMsgStore) FindByToken(_ context.Context, conversationID, token string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ConversationID.Hex() == conversationID && m.ClientToken == token {
			copied := *m
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *fakeMsgStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

type recordingBroadcaster struct {
	mu         sync.Mutex
	convEvents []event.WsEvent
	orgEvents  []event.WsEvent
}

func (b *recordingBroadcaster) ConversationEvent(_, _ string, ev event.WsEvent) {
	b.mu.Lock()
	b.convEvents = append(b.convEvents, ev)
	b.mu.Unlock()
}

func (b *recordingBroadcaster) AgentsEvent(_ string, ev event.WsEvent) {
	b.mu.Lock()
	b.orgEvents = append(b.orgEvents, ev)
	b.mu.Unlock()
}

func (b *recordingBroadcaster) convEventNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.convEvents))
	for _, ev := range b.convEvents {
		names = append(names, ev.Event)
	}
	return names
}

func testPolicy() dispatch.ChannelPolicy {
	return channel.NewRegistry(channel.NewWebchatAdapter(), channel.NewGmailAdapter())
}

func newTestPipeline(convs *fakeConvStore, msgs *fakeMsgStore, bcast *recordingBroadcaster, timeout time.Duration) *dispatch.Pipeline {
	return dispatch.NewPipeline(convs, msgs, testPolicy(), bcast, zap.NewNop(), timeout)
}

func webchatKey() *model.ConversationKey {
	return &model.ConversationKey{
		OrgID:         "org-1",
		IntegrationID: "int-1",
		ContactID:     "session-abc",
		Channel:       model.ChannelWebchat,
	}
}

func TestDispatch_FirstMessageCreatesConversation(t *testing.T) {
	convs := newFakeConvStore()
	msgs := &fakeMsgStore{}
	bcast := &recordingBroadcaster{}
	p := newTestPipeline(convs, msgs, bcast, time.Second)

	msg, err := p.Dispatch(context.Background(), dispatch.SendRequest{
		Key:         webchatKey(),
		SenderType:  model.SenderContact,
		SenderID:    "session-abc",
		Body:        model.MessageBody{Text: "hello, I need help"},
		ClientToken: "tok-1",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, convs.count())
	assert.False(t, msg.ID.IsZero())
	assert.Equal(t, model.DirectionInbound, msg.Direction)
	assert.Equal(t, model.MessageStatusSent, msg.Status)
	assert.Equal(t, model.ChannelWebchat, msg.Channel)

	conv, err := convs.GetByID(context.Background(), msg.ConversationID.Hex())
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, conv.Status)
	assert.Equal(t, "hello, I need help", conv.LastMessagePreview)

	assert.Equal(t, []string{event.EventMessageNew}, bcast.convEventNames())
	require.Len(t, bcast.orgEvents, 1)
	assert.Equal(t, event.EventNewMessage, bcast.orgEvents[0].Event)
}

func TestDispatch_ConcurrentFirstMessagesShareOneConversation(t *testing.T) {
	convs := newFakeConvStore()
	msgs := &fakeMsgStore{}
	p := newTestPipeline(convs, msgs, &recordingBroadcaster{}, time.Second)

	const n = 8
	results := make([]*model.Message, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.Dispatch(context.Background(), dispatch.SendRequest{
				Key:         webchatKey(),
				SenderType:  model.SenderContact,
				SenderID:    "session-abc",
				Body:        model.MessageBody{Text: "hi"},
				ClientToken: primitive.NewObjectID().Hex(),
			})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, convs.count())
	for _, msg := range results[1:] {
		assert.Equal(t, results[0].ConversationID, msg.ConversationID)
	}
}

func TestDispatch_ContactIntoClosedConversationRejected(t *testing.T) {
	convs := newFakeConvStore()
	conv := convs.add(model.Conversation{
		OrgID:         "org-1",
		IntegrationID: "int-1",
		ContactID:     "session-abc",
		Channel:       model.ChannelWebchat,
		Status:        model.StatusClosed,
		ClosedReason:  model.ClosedResolved,
	})
	msgs := &fakeMsgStore{}
	p := newTestPipeline(convs, msgs, &recordingBroadcaster{}, time.Second)

	_, err := p.Dispatch(context.Background(), dispatch.SendRequest{
		ConversationID: conv.ID.Hex(),
		SenderType:     model.SenderContact,
		SenderID:       "session-abc",
		Body:           model.MessageBody{Text: "are you still there?"},
		ClientToken:    "tok-closed",
	})
	require.ErrorIs(t, err, dispatch.ErrConversationClosed)
	assert.Zero(t, msgs.count(), "rejected message must not be persisted")
}

func TestDispatch_AgentReplyReopensClosedConversation(t *testing.T) {
	convs := newFakeConvStore()
	conv := convs.add(model.Conversation{
		OrgID:         "org-1",
		IntegrationID: "int-1",
		ContactID:     "session-abc",
		Channel:       model.ChannelWebchat,
		Status:        model.StatusClosed,
		ClosedReason:  model.ClosedNoResponse,
	})
	msgs := &fakeMsgStore{}
	bcast := &recordingBroadcaster{}
	p := newTestPipeline(convs, msgs, bcast, time.Second)

	msg, err := p.Dispatch(context.Background(), dispatch.SendRequest{
		ConversationID: conv.ID.Hex(),
		SenderType:     model.SenderAgent,
		SenderID:       "member-7",
		Body:           model.MessageBody{Text: "following up"},
		ClientToken:    "tok-reopen",
	})
	require.NoError(t, err)
	assert.Equal(t, model.DirectionOutbound, msg.Direction)

	reopened, err := convs.GetByID(context.Background(), conv.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, reopened.Status)
	assert.Empty(t, reopened.ClosedReason)

	assert.Equal(t, []string{event.EventConversationUpdated, event.EventMessageNew}, bcast.convEventNames())
}

func TestDispatch_OutboundBlockedOnIngestOnlyChannel(t *testing.T) {
	convs := newFakeConvStore()
	conv := convs.add(model.Conversation{
		OrgID:         "org-1",
		IntegrationID: "int-mail",
		ContactID:     "visitor@example.com",
		Channel:       model.ChannelGmail,
		Status:        model.StatusOpen,
	})
	msgs := &fakeMsgStore{}
	p := newTestPipeline(convs, msgs, &recordingBroadcaster{}, time.Second)

	_, err := p.Dispatch(context.Background(), dispatch.SendRequest{
		ConversationID: conv.ID.Hex(),
		SenderType:     model.SenderAgent,
		SenderID:       "member-7",
		Body:           model.MessageBody{Text: "replying to your mail"},
		ClientToken:    "tok-mail",
	})
	require.ErrorIs(t, err, channel.ErrNotWritable)
	assert.Zero(t, msgs.count())
}

func TestDispatch_InboundAcceptedOnIngestOnlyChannel(t *testing.T) {
	convs := newFakeConvStore()
	msgs := &fakeMsgStore{}
	p := newTestPipeline(convs, msgs, &recordingBroadcaster{}, time.Second)

	_, err := p.Dispatch(context.Background(), dispatch.SendRequest{
		Key: &model.ConversationKey{
			OrgID:         "org-1",
			IntegrationID: "int-mail",
			ContactID:     "visitor@example.com",
			Channel:       model.ChannelGmail,
		},
		SenderType:  model.SenderContact,
		SenderID:    "visitor@example.com",
		Body:        model.MessageBody{Text: "email body"},
		ClientToken: "provider-msg-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, msgs.count())
}

func TestDispatch_DuplicateTokenReturnsOriginal(t *testing.T) {
	convs := newFakeConvStore()
	msgs := &fakeMsgStore{}
	p := newTestPipeline(convs, msgs, &recordingBroadcaster{}, time.Second)

	req := dispatch.SendRequest{
		Key:         webchatKey(),
		SenderType:  model.SenderContact,
		SenderID:    "session-abc",
		Body:        model.MessageBody{Text: "hello"},
		ClientToken: "tok-dup",
	}

	first, err := p.Dispatch(context.Background(), req)
	require.NoError(t, err)

	second, err := p.Dispatch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, msgs.count(), "retry must not insert a second message")
}

func TestDispatch_ConcurrentSameTokenPersistsOnce(t *testing.T) {
	convs := newFakeConvStore()
	conv := convs.add(model.Conversation{
		OrgID:         "org-1",
		IntegrationID: "int-1",
		ContactID:     "session-abc",
		Channel:       model.ChannelWebchat,
		Status:        model.StatusOpen,
	})
	msgs := &fakeMsgStore{insertDelay: 30 * time.Millisecond}
	p := newTestPipeline(convs, msgs, &recordingBroadcaster{}, time.Second)

	req := dispatch.SendRequest{
		ConversationID: conv.ID.Hex(),
		SenderType:     model.SenderContact,
		SenderID:       "session-abc",
		Body:           model.MessageBody{Text: "resent before the ack arrived"},
		ClientToken:    "tok-race",
	}

	const n = 4
	results := make([]*model.Message, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.Dispatch(context.Background(), req)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, msgs.count(), "token collisions must resolve to one stored message")
	for _, msg := range results[1:] {
		assert.Equal(t, results[0].ID, msg.ID)
	}
}

func TestDispatch_DivergentTokenReuseRejected(t *testing.T) {
	convs := newFakeConvStore()
	msgs := &fakeMsgStore{}
	p := newTestPipeline(convs, msgs, &recordingBroadcaster{}, time.Second)

	req := dispatch.SendRequest{
		Key:         webchatKey(),
		SenderType:  model.SenderContact,
		SenderID:    "session-abc",
		Body:        model.MessageBody{Text: "hello"},
		ClientToken: "tok-reuse",
	}
	_, err := p.Dispatch(context.Background(), req)
	require.NoError(t, err)

	req.Body.Text = "something else entirely"
	_, err = p.Dispatch(context.Background(), req)
	require.ErrorIs(t, err, dispatch.ErrReconciliationConflict)
	assert.Equal(t, 1, msgs.count())
}

func TestDispatch_PersistTimeout(t *testing.T) {
	convs := newFakeConvStore()
	msgs := &fakeMsgStore{insertDelay: 200 * time.Millisecond}
	p := newTestPipeline(convs, msgs, &recordingBroadcaster{}, 20*time.Millisecond)

	_, err := p.Dispatch(context.Background(), dispatch.SendRequest{
		Key:         webchatKey(),
		SenderType:  model.SenderContact,
		SenderID:    "session-abc",
		Body:        model.MessageBody{Text: "slow store"},
		ClientToken: "tok-slow",
	})
	require.ErrorIs(t, err, dispatch.ErrDispatchTimeout)
}

func TestDispatch_UnknownConversation(t *testing.T) {
	p := newTestPipeline(newFakeConvStore(), &fakeMsgStore{}, &recordingBroadcaster{}, time.Second)

	_, err := p.Dispatch(context.Background(), dispatch.SendRequest{
		ConversationID: primitive.NewObjectID().Hex(),
		SenderType:     model.SenderAgent,
		SenderID:       "member-7",
		Body:           model.MessageBody{Text: "hello"},
		ClientToken:    "tok-missing",
	})
	require.ErrorIs(t, err, dispatch.ErrConversationNotFound)
}

func TestDispatch_RequestValidation(t *testing.T) {
	p := newTestPipeline(newFakeConvStore(), &fakeMsgStore{}, &recordingBroadcaster{}, time.Second)

	tests := []struct {
		name string
		req  dispatch.SendRequest
	}{
		{
			name: "unknown sender type",
			req: dispatch.SendRequest{
				Key: webchatKey(), SenderType: "robot",
				Body: model.MessageBody{Text: "hi"}, ClientToken: "t",
			},
		},
		{
			name: "empty body",
			req: dispatch.SendRequest{
				Key: webchatKey(), SenderType: model.SenderContact,
				ClientToken: "t",
			},
		},
		{
			name: "missing idempotency token",
			req: dispatch.SendRequest{
				Key: webchatKey(), SenderType: model.SenderContact,
				Body: model.MessageBody{Text: "hi"},
			},
		},
		{
			name: "no target",
			req: dispatch.SendRequest{
				SenderType: model.SenderContact,
				Body:       model.MessageBody{Text: "hi"}, ClientToken: "t",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Dispatch(context.Background(), tt.req)
			require.ErrorIs(t, err, dispatch.ErrInvalidRequest)
		})
	}
}
