package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMonitorStats(t *testing.T) {
	h := NewHub(zap.NewNop())
	typing := NewTypingTracker(h, time.Minute, time.Minute, zap.NewNop())
	t.Cleanup(func() {
		typing.Shutdown()
		h.Stop()
	})
	ms := NewMonitorService(h, typing)

	assert.Equal(t, "idle", ms.GetStats().Status)

	agent := testClient(h, Identity{OrgID: "org-1", UserID: "member-1", IsAgent: true})
	visitor := testClient(h, Identity{OrgID: "org-1", UserID: "session-1"})

	require.NoError(t, h.Join(agent, AgentsRoom("org-1")))
	require.NoError(t, h.Join(agent, ConversationRoom("org-1", "conv-1")))
	require.NoError(t, h.Join(visitor, ConversationRoom("org-1", "conv-1")))

	typing.Start("org-1", "conv-1", "session-1", false, visitor.ID)
	recvEvent(t, agent)

	stats := ms.GetStats()
	assert.Equal(t, "healthy", stats.Status)
	assert.Equal(t, 2, stats.Connections.TotalConnected)
	assert.Equal(t, 1, stats.Connections.TotalAgents)
	assert.Equal(t, 1, stats.Connections.TotalVisitors)
	assert.Equal(t, 2, stats.Rooms.TotalRooms)
	assert.Equal(t, 1, stats.Typing.ActiveIndicators)

	require.Len(t, stats.Rooms.RoomDetails, 2)
	assert.Equal(t, "conv:org-1:conv-1", stats.Rooms.RoomDetails[0].RoomKey)
	assert.Equal(t, 2, stats.Rooms.RoomDetails[0].TotalMembers)
}
