package hub

import (
	"sort"

	"Deskwire/internal/model"
)

// MonitorService provides methods to gather hub statistics
type MonitorService struct {
	hub    *Hub
	typing *TypingTracker
}

// NewMonitorService creates a new monitor service
func NewMonitorService(h *Hub, typing *TypingTracker) *MonitorService {
	return &MonitorService{hub: h, typing: typing}
}

// GetStats gathers and returns all hub statistics
func (ms *MonitorService) GetStats() model.MonitorResponse {
	connectionStats, clients := ms.getConnectionStats()
	roomStats := ms.getRoomStats()

	status := "healthy"
	if connectionStats.TotalConnected == 0 {
		status = "idle"
	}

	return model.MonitorResponse{
		Status:      status,
		Connections: connectionStats,
		Rooms:       roomStats,
		Typing:      model.TypingStats{ActiveIndicators: ms.typing.ActiveCount()},
		Clients:     clients,
	}
}

func (ms *MonitorService) getConnectionStats() (model.ConnectionStats, []model.ClientInfo) {
	ms.hub.clientsMu.RLock()
	defer ms.hub.clientsMu.RUnlock()

	stats := model.ConnectionStats{
		TotalConnected: len(ms.hub.clients),
	}

	clients := make([]model.ClientInfo, 0, len(ms.hub.clients))
	for _, c := range ms.hub.clients {
		if c.IsAgent {
			stats.TotalAgents++
		} else {
			stats.TotalVisitors++
		}

		rooms := c.roomSnapshot()
		names := make([]string, 0, len(rooms))
		for _, key := range rooms {
			names = append(names, key.String())
		}
		sort.Strings(names)

		clients = append(clients, model.ClientInfo{
			ConnectionID: c.ID,
			OrgID:        c.OrgID,
			UserID:       c.UserID,
			IsAgent:      c.IsAgent,
			Rooms:        names,
		})
	}

	return stats, clients
}

func (ms *MonitorService) getRoomStats() model.RoomStats {
	stats := model.RoomStats{}

	for _, shard := range ms.hub.shards {
		shard.RLock()
		for name, room := range shard.rooms {
			stats.TotalRooms++
			stats.RoomDetails = append(stats.RoomDetails, model.RoomInfo{
				RoomKey:      name,
				TotalMembers: len(room),
			})
		}
		shard.RUnlock()
	}

	sort.Slice(stats.RoomDetails, func(i, j int) bool {
		return stats.RoomDetails[i].RoomKey < stats.RoomDetails[j].RoomKey
	})
	return stats
}
