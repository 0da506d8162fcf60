package model

// -----------------------------------------------------------------
// Monitor API Response Models
// -----------------------------------------------------------------

// MonitorResponse is the main response for the monitor API
type MonitorResponse struct {
	Status      string          `json:"status"` // "healthy" or "idle"
	Connections ConnectionStats `json:"connections"`
	Rooms       RoomStats       `json:"rooms"`
	Typing      TypingStats     `json:"typing"`
	Clients     []ClientInfo    `json:"clients"`
}

// ConnectionStats holds connection-related statistics
type ConnectionStats struct {
	TotalConnected int `json:"totalConnected"`
	TotalAgents    int `json:"totalAgents"`
	TotalVisitors  int `json:"totalVisitors"`
}

// RoomStats holds room statistics
type RoomStats struct {
	TotalRooms  int        `json:"totalRooms"`
	RoomDetails []RoomInfo `json:"roomDetails"`
}

// RoomInfo contains information about a single room
type RoomInfo struct {
	RoomKey      string `json:"roomKey"`
	TotalMembers int    `json:"totalMembers"`
}

// TypingStats holds ephemeral typing-indicator statistics
type TypingStats struct {
	ActiveIndicators int `json:"activeIndicators"`
}

// ClientInfo contains information about a connected client
type ClientInfo struct {
	ConnectionID string   `json:"connectionId"`
	OrgID        string   `json:"orgId"`
	UserID       string   `json:"userId"`
	IsAgent      bool     `json:"isAgent"`
	Rooms        []string `json:"rooms,omitempty"`
}
