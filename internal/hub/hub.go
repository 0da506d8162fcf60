package hub

import (
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"Deskwire/internal/event"

	"go.uber.org/zap"
)

const (
	shardCount = 64 // tune: 16/64/128 depending on load
)

// ErrTenantIsolation is returned for a cross-org room join attempt. It is
// always rejected and logged as a security event, never silently ignored.
var ErrTenantIsolation = errors.New("room belongs to a different organization")

// RoomKey names a broadcast group: one conversation, or all agents of an
// organization (empty ConversationID).
type RoomKey struct {
	OrgID          string
	ConversationID string
}

// ConversationRoom keys the room for a single conversation.
func ConversationRoom(orgID, conversationID string) RoomKey {
	return RoomKey{OrgID: orgID, ConversationID: conversationID}
}

// AgentsRoom keys the org-wide agent room.
func AgentsRoom(orgID string) RoomKey {
	return RoomKey{OrgID: orgID}
}

func (k RoomKey) String() string {
	if k.ConversationID == "" {
		return fmt.Sprintf("org:%s:agents", k.OrgID)
	}
	return fmt.Sprintf("conv:%s:%s", k.OrgID, k.ConversationID)
}

type roomBucket struct {
	sync.RWMutex
	rooms map[string]map[string]*Client
}

// Hub is the room membership manager. Room state is sharded so unrelated
// conversations never serialize each other's broadcasts; each client also
// tracks its own joined-room set, making disconnect cleanup proportional to
// the memberships it held.
type Hub struct {
	shards [shardCount]*roomBucket

	clientsMu sync.RWMutex
	clients   map[string]*Client

	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	h := &Hub{
		clients: make(map[string]*Client),
		logger:  logger,
	}
	for i := 0; i < shardCount; i++ {
		h.shards[i] = &roomBucket{
			rooms: make(map[string]map[string]*Client),
		}
	}
	return h
}

func getShard(roomKey string) uint32 {
	if roomKey == "" {
		return 0
	}
	h := sha1.Sum([]byte(roomKey))
	return binary.BigEndian.Uint32(h[:4]) % shardCount
}

// register admits a connection into the hub-wide client registry.
func (h *Hub) register(c *Client) {
	h.clientsMu.Lock()
	h.clients[c.ID] = c
	h.clientsMu.Unlock()
	h.logger.Debug("connection registered",
		zap.String("connection_id", c.ID),
		zap.String("org_id", c.OrgID),
		zap.Bool("is_agent", c.IsAgent),
	)
}

// Join adds a connection to a room. A connection only ever holds rooms of its
// own org; a cross-org key is rejected with ErrTenantIsolation and membership
// stays unchanged. Join is synchronous: once it returns, the connection
// receives every broadcast that starts afterwards.
func (h *Hub) Join(c *Client, key RoomKey) error {
	if key.OrgID != c.OrgID {
		return fmt.Errorf("%w: connection org %s, room %s", ErrTenantIsolation, c.OrgID, key.String())
	}

	name := key.String()
	sh := h.shards[getShard(name)]
	sh.Lock()
	room, ok := sh.rooms[name]
	if !ok {
		room = make(map[string]*Client)
		sh.rooms[name] = room
	}
	room[c.ID] = c
	sh.Unlock()

	c.addRoom(key)
	return nil
}

// Leave removes a connection from a room. Unknown memberships are a no-op.
func (h *Hub) Leave(c *Client, key RoomKey) {
	name := key.String()
	sh := h.shards[getShard(name)]
	sh.Lock()
	if room, ok := sh.rooms[name]; ok {
		delete(room, c.ID)
		if len(room) == 0 {
			delete(sh.rooms, name)
		}
	}
	sh.Unlock()

	c.removeRoom(name)
}

// RemoveConnection drops a connection from every room it held and from the
// registry. Called on transport drop; cleanup is immediate, with no grace
// period.
func (h *Hub) RemoveConnection(c *Client) {
	for _, key := range c.roomSnapshot() {
		h.Leave(c, key)
	}

	h.clientsMu.Lock()
	delete(h.clients, c.ID)
	h.clientsMu.Unlock()

	h.logger.Debug("connection removed",
		zap.String("connection_id", c.ID),
		zap.String("org_id", c.OrgID),
	)
}

// Broadcast delivers an event to every current member of a room, optionally
// excluding one connection. Members are snapshotted under the read lock and
// delivered to outside it, so slow consumers never block the room.
func (h *Hub) Broadcast(key RoomKey, ev event.WsEvent, excludeConnID string) {
	h.BroadcastFunc(key, ev, excludeConnID, nil)
}

// BroadcastFunc is Broadcast with a membership predicate, used for
// role-filtered fan-out such as typing indicators.
func (h *Hub) BroadcastFunc(key RoomKey, ev event.WsEvent, excludeConnID string, match func(*Client) bool) {
	name := key.String()
	sh := h.shards[getShard(name)]

	sh.RLock()
	room, ok := sh.rooms[name]
	if !ok || len(room) == 0 {
		sh.RUnlock()
		return
	}
	members := make([]*Client, 0, len(room))
	for _, c := range room {
		if c.ID == excludeConnID {
			continue
		}
		if match != nil && !match(c) {
			continue
		}
		members = append(members, c)
	}
	sh.RUnlock()

	for _, c := range members {
		if !c.SafeSend(ev, sendTimeout) {
			h.logger.Warn("egress full or closed, dropping connection",
				zap.String("connection_id", c.ID),
				zap.String("room", name),
			)
			go h.kick(c)
		}
	}
}

func (h *Hub) kick(c *Client) {
	h.RemoveConnection(c)
	c.Close()
}

// ConversationEvent implements dispatch.Broadcaster.
func (h *Hub) ConversationEvent(orgID, conversationID string, ev event.WsEvent) {
	h.Broadcast(ConversationRoom(orgID, conversationID), ev, "")
}

// AgentsEvent implements dispatch.Broadcaster.
func (h *Hub) AgentsEvent(orgID string, ev event.WsEvent) {
	h.Broadcast(AgentsRoom(orgID), ev, "")
}

// Stop closes every connection; used on shutdown.
func (h *Hub) Stop() {
	h.clientsMu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.clientsMu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}
