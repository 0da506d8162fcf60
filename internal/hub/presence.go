package hub

import (
	"sync"
	"time"

	"Deskwire/internal/event"
	"Deskwire/internal/model"

	"go.uber.org/zap"
)

type typingKey struct {
	ConversationID string
	UserID         string
}

type typingEntry struct {
	state  model.TypingState
	orgID  string
	connID string
}

// TypingTracker holds the ephemeral typing indicators. Entries carry a short
// TTL and are evicted by a periodic sweep; a lazy check keeps a stale entry
// from ever being reported past its TTL even between sweeps. Indicators are
// broadcast only to the opposite role and never echoed to the originator.
type TypingTracker struct {
	hub    *Hub
	ttl    time.Duration
	logger *zap.Logger

	mu     sync.Mutex
	states map[typingKey]typingEntry

	done     chan struct{}
	stopOnce sync.Once
}

func NewTypingTracker(h *Hub, ttl, sweepInterval time.Duration, logger *zap.Logger) *TypingTracker {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if sweepInterval <= 0 {
		sweepInterval = ttl
	}

	t := &TypingTracker{
		hub:    h,
		ttl:    ttl,
		logger: logger,
		states: make(map[typingKey]typingEntry),
		done:   make(chan struct{}),
	}
	go t.sweepLoop(sweepInterval)
	return t
}

// Start inserts or refreshes a typing indicator and notifies the opposite
// role in the conversation room.
func (t *TypingTracker) Start(orgID, conversationID, userID string, isAgent bool, connID string) {
	key := typingKey{ConversationID: conversationID, UserID: userID}
	entry := typingEntry{
		state: model.TypingState{
			ConversationID: conversationID,
			UserID:         userID,
			IsAgent:        isAgent,
			ExpiresAt:      time.Now().Add(t.ttl),
		},
		orgID:  orgID,
		connID: connID,
	}

	t.mu.Lock()
	t.states[key] = entry
	t.mu.Unlock()

	t.notify(event.EventTyping, entry)
}

// Stop removes an indicator immediately.
func (t *TypingTracker) Stop(orgID, conversationID, userID, connID string) {
	key := typingKey{ConversationID: conversationID, UserID: userID}

	t.mu.Lock()
	entry, ok := t.states[key]
	if ok {
		delete(t.states, key)
	}
	t.mu.Unlock()

	if ok {
		entry.connID = connID
		t.notify(event.EventStoppedTyping, entry)
	}
}

// ExpireUser drops every indicator a disconnecting identity held. No grace
// period: a closed transport cannot be typing.
func (t *TypingTracker) ExpireUser(orgID, userID, connID string) {
	t.mu.Lock()
	var expired []typingEntry
	for key, entry := range t.states {
		if entry.orgID == orgID && key.UserID == userID {
			delete(t.states, key)
			expired = append(expired, entry)
		}
	}
	t.mu.Unlock()

	for _, entry := range expired {
		entry.connID = connID
		t.notify(event.EventStoppedTyping, entry)
	}
}

// ActiveCount reports live (non-expired) indicators; expired leftovers
// awaiting the next sweep are not counted.
func (t *TypingTracker) ActiveCount() int {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	count := 0
	for _, entry := range t.states {
		if !entry.state.Expired(now) {
			count++
		}
	}
	return count
}

// Shutdown terminates the sweep loop.
func (t *TypingTracker) Shutdown() {
	t.stopOnce.Do(func() { close(t.done) })
}

func (t *TypingTracker) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case now := <-ticker.C:
			t.sweep(now)
		}
	}
}

func (t *TypingTracker) sweep(now time.Time) {
	t.mu.Lock()
	var expired []typingEntry
	for key, entry := range t.states {
		if entry.state.Expired(now) {
			delete(t.states, key)
			expired = append(expired, entry)
		}
	}
	t.mu.Unlock()

	for _, entry := range expired {
		t.notify(event.EventStoppedTyping, entry)
	}
	if len(expired) > 0 {
		t.logger.Debug("typing indicators expired", zap.Int("count", len(expired)))
	}
}

// notify fans the indicator out to the room's opposite-role subscribers,
// excluding the originating connection.
func (t *TypingTracker) notify(name string, entry typingEntry) {
	payload := event.TypingPayload{
		ConversationID: entry.state.ConversationID,
		UserID:         entry.state.UserID,
		IsAgent:        entry.state.IsAgent,
	}
	isAgent := entry.state.IsAgent

	t.hub.BroadcastFunc(
		ConversationRoom(entry.orgID, entry.state.ConversationID),
		event.New(name, payload),
		entry.connID,
		func(member *Client) bool { return member.IsAgent != isAgent },
	)
}
