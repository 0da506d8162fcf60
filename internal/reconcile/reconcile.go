package reconcile

import (
	"sync"
	"time"

	"Deskwire/internal/model"

	"github.com/google/uuid"
)

// Entry is one row of a client's per-conversation message log: either an
// optimistic send awaiting confirmation or a server-confirmed message.
type Entry struct {
	LocalID    string            // client-side id, stable across confirmation
	ServerID   string            // set once confirmed
	Token      string            // idempotency token linking the two
	SenderType string
	SenderID   string
	Body       model.MessageBody
	Status     string // pending, sent, delivered, failed
	CreatedAt  time.Time
}

// Confirmed reports whether the entry carries server state.
func (e Entry) Confirmed() bool { return e.ServerID != "" }

// Reconcile merges a server-confirmed message into an ordered local log and
// returns the new log. Pure: the input slice is not mutated.
//
// Matching is by idempotency token, never by id (ids differ between the
// optimistic and confirmed forms). A matched pending entry is replaced in
// place, preserving its list position; an unmatched confirmation is appended.
// Delivering the same confirmed message twice yields exactly one entry.
func Reconcile(log []Entry, confirmed model.Message) []Entry {
	serverID := confirmed.ID.Hex()

	// Already applied? Duplicate broadcasts and API/mirror echoes land here.
	for _, e := range log {
		if e.Confirmed() && e.ServerID == serverID {
			out := make([]Entry, len(log))
			copy(out, log)
			return out
		}
	}

	out := make([]Entry, len(log))
	copy(out, log)

	if confirmed.ClientToken != "" {
		for i, e := range out {
			if e.Token == confirmed.ClientToken {
				out[i] = confirmedEntry(e.LocalID, confirmed)
				return out
			}
		}
	}

	return append(out, confirmedEntry(uuid.New().String(), confirmed))
}

func confirmedEntry(localID string, m model.Message) Entry {
	return Entry{
		LocalID:    localID,
		ServerID:   m.ID.Hex(),
		Token:      m.ClientToken,
		SenderType: m.SenderType,
		SenderID:   m.SenderID,
		Body:       m.Body,
		Status:     m.Status,
		CreatedAt:  m.CreatedAt,
	}
}

// Outbox is the client-side optimistic send queue. Writes within one
// conversation are serialized; different conversations proceed independently.
type Outbox struct {
	mu   sync.Mutex
	logs map[string][]Entry
}

func NewOutbox() *Outbox {
	return &Outbox{logs: make(map[string][]Entry)}
}

// Append creates an optimistic pending entry with a fresh idempotency token
// and returns it. The entry is visible immediately, before any server round
// trip.
func (o *Outbox) Append(conversationID, senderType, senderID string, body model.MessageBody) Entry {
	entry := Entry{
		LocalID:    uuid.New().String(),
		Token:      uuid.New().String(),
		SenderType: senderType,
		SenderID:   senderID,
		Body:       body,
		Status:     model.MessageStatusPending,
		CreatedAt:  time.Now(),
	}

	o.mu.Lock()
	o.logs[conversationID] = append(o.logs[conversationID], entry)
	o.mu.Unlock()

	return entry
}

// Confirm merges a server message (from the direct response or an async
// broadcast) into the conversation's log.
func (o *Outbox) Confirm(conversationID string, confirmed model.Message) {
	o.mu.Lock()
	o.logs[conversationID] = Reconcile(o.logs[conversationID], confirmed)
	o.mu.Unlock()
}

// Fail marks the entry holding the token as failed. Failed sends stay in the
// log for retry; they are never silently dropped.
func (o *Outbox) Fail(conversationID, token string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	log := o.logs[conversationID]
	for i, e := range log {
		if e.Token == token && !e.Confirmed() {
			log[i].Status = model.MessageStatusFailed
			return
		}
	}
}

// Log returns a copy of the conversation's ordered entries.
func (o *Outbox) Log(conversationID string) []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()

	log := o.logs[conversationID]
	out := make([]Entry, len(log))
	copy(out, log)
	return out
}
