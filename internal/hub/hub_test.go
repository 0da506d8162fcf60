package hub

import (
	"testing"
	"time"

	"Deskwire/internal/event"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testClient(h *Hub, identity Identity) *Client {
	c := newClient(nil, nil, identity, zap.NewNop())
	h.register(c)
	return c
}

func recvEvent(t *testing.T, c *Client) event.WsEvent {
	t.Helper()
	select {
	case ev := <-c.egress:
		return ev
	case <-time.After(time.Second):
		t.Fatal("expected an event, egress stayed empty")
		return event.WsEvent{}
	}
}

func assertNoEvent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case ev := <-c.egress:
		t.Fatalf("unexpected event %q", ev.Event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestJoinAndBroadcastExactlyOnce(t *testing.T) {
	h := NewHub(zap.NewNop())
	defer h.Stop()

	agent := testClient(h, Identity{OrgID: "org-1", UserID: "member-1", IsAgent: true})
	visitor := testClient(h, Identity{OrgID: "org-1", UserID: "session-1"})

	room := ConversationRoom("org-1", "conv-1")
	require.NoError(t, h.Join(agent, room))
	require.NoError(t, h.Join(visitor, room))
	// a second join of the same room is idempotent
	require.NoError(t, h.Join(agent, room))

	h.Broadcast(room, event.New("message:new", map[string]string{"text": "hi"}), "")

	assert.Equal(t, "message:new", recvEvent(t, agent).Event)
	assert.Equal(t, "message:new", recvEvent(t, visitor).Event)
	assertNoEvent(t, agent)
}

func TestBroadcastExcludesConnection(t *testing.T) {
	h := NewHub(zap.NewNop())
	defer h.Stop()

	sender := testClient(h, Identity{OrgID: "org-1", UserID: "session-1"})
	other := testClient(h, Identity{OrgID: "org-1", UserID: "member-1", IsAgent: true})

	room := ConversationRoom("org-1", "conv-1")
	require.NoError(t, h.Join(sender, room))
	require.NoError(t, h.Join(other, room))

	h.Broadcast(room, event.New("user:typing", nil), sender.ID)

	assert.Equal(t, "user:typing", recvEvent(t, other).Event)
	assertNoEvent(t, sender)
}

func TestJoinRejectsCrossOrgRoom(t *testing.T) {
	h := NewHub(zap.NewNop())
	defer h.Stop()

	intruder := testClient(h, Identity{OrgID: "org-2", UserID: "member-9", IsAgent: true})

	err := h.Join(intruder, ConversationRoom("org-1", "conv-1"))
	require.ErrorIs(t, err, ErrTenantIsolation)
	assert.Empty(t, intruder.roomSnapshot(), "membership must stay unchanged on rejection")

	h.Broadcast(ConversationRoom("org-1", "conv-1"), event.New("message:new", nil), "")
	assertNoEvent(t, intruder)
}

func TestBroadcastDoesNotLeakAcrossRooms(t *testing.T) {
	h := NewHub(zap.NewNop())
	defer h.Stop()

	a := testClient(h, Identity{OrgID: "org-1", UserID: "session-a"})
	b := testClient(h, Identity{OrgID: "org-1", UserID: "session-b"})

	require.NoError(t, h.Join(a, ConversationRoom("org-1", "conv-a")))
	require.NoError(t, h.Join(b, ConversationRoom("org-1", "conv-b")))

	h.Broadcast(ConversationRoom("org-1", "conv-a"), event.New("message:new", nil), "")

	recvEvent(t, a)
	assertNoEvent(t, b)
}

func TestRemoveConnectionCleansEveryRoom(t *testing.T) {
	h := NewHub(zap.NewNop())
	defer h.Stop()

	agent := testClient(h, Identity{OrgID: "org-1", UserID: "member-1", IsAgent: true})
	peer := testClient(h, Identity{OrgID: "org-1", UserID: "member-2", IsAgent: true})

	rooms := []RoomKey{
		AgentsRoom("org-1"),
		ConversationRoom("org-1", "conv-1"),
		ConversationRoom("org-1", "conv-2"),
	}
	for _, room := range rooms {
		require.NoError(t, h.Join(agent, room))
		require.NoError(t, h.Join(peer, room))
	}

	h.RemoveConnection(agent)
	assert.Empty(t, agent.roomSnapshot())

	for _, room := range rooms {
		h.Broadcast(room, event.New("message:new", nil), "")
		recvEvent(t, peer)
	}
	assertNoEvent(t, agent)
}

func TestSafeSendDuringCloseReturnsFalse(t *testing.T) {
	h := NewHub(zap.NewNop())
	defer h.Stop()

	c := testClient(h, Identity{OrgID: "org-1", UserID: "session-1"})

	// Fill the buffer so concurrent senders park inside SafeSend.
	for i := 0; i < sendBufSize; i++ {
		require.True(t, c.SafeSend(event.New("message:new", nil), time.Second))
	}

	const senders = 8
	results := make(chan bool, senders)
	for i := 0; i < senders; i++ {
		go func() {
			results <- c.SafeSend(event.New("message:new", nil), 5*time.Second)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	c.Close()

	for i := 0; i < senders; i++ {
		select {
		case ok := <-results:
			assert.False(t, ok, "send racing a close must fail, not panic")
		case <-time.After(time.Second):
			t.Fatal("parked send did not return after close")
		}
	}

	assert.False(t, c.SafeSend(event.New("message:new", nil), 10*time.Millisecond))
}

func TestAgentsRoomSeparateFromConversations(t *testing.T) {
	h := NewHub(zap.NewNop())
	defer h.Stop()

	agent := testClient(h, Identity{OrgID: "org-1", UserID: "member-1", IsAgent: true})
	require.NoError(t, h.Join(agent, AgentsRoom("org-1")))

	h.AgentsEvent("org-1", event.New("new:message", nil))
	assert.Equal(t, "new:message", recvEvent(t, agent).Event)

	h.ConversationEvent("org-1", "conv-1", event.New("message:new", nil))
	assertNoEvent(t, agent)
}
