package hub

import (
	"context"
	"net"
	"sync"
	"time"

	"Deskwire/internal/event"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// tuning parameters
	writeWait      = 10 * time.Second    // time allowed to write a message to the peer
	pongWait       = 20 * time.Second    // time allowed to read the next pong message from the peer
	pingInterval   = (pongWait * 9) / 10 // send pings to peer with this period
	maxMessageSize = 64 * 1024           // max inbound message size (64KB)
	sendBufSize    = 256                 // per-connection outbound buffer size
	sendTimeout    = 2 * time.Second     // timeout for enqueuing outbound messages

	// visitor submissions per second, with a small burst allowance
	visitorMessageRate  = rate.Limit(2)
	visitorMessageBurst = 5
)

// Client is one admitted connection: an agent session or a widget visitor
// session. It belongs to exactly one org for its whole lifetime.
type Client struct {
	ID            string
	OrgID         string
	UserID        string // agent member id, or visitor session id
	IntegrationID string // set for visitors
	IsAgent       bool

	conn    *websocket.Conn
	gateway *Gateway
	egress  chan event.WsEvent
	limiter *rate.Limiter // non-nil for visitors
	logger  *zap.Logger

	roomsMu sync.Mutex
	rooms   map[string]RoomKey

	cancel         context.CancelFunc
	ctx            context.Context
	once           sync.Once
	connClosed     chan struct{}
	connClosedOnce sync.Once
	closed         bool
	closedMu       sync.RWMutex
}

func newClient(g *Gateway, conn *websocket.Conn, identity Identity, logger *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		ID:            uuid.New().String(),
		OrgID:         identity.OrgID,
		UserID:        identity.UserID,
		IntegrationID: identity.IntegrationID,
		IsAgent:       identity.IsAgent,
		conn:          conn,
		gateway:       g,
		egress:        make(chan event.WsEvent, sendBufSize),
		logger:        logger,
		rooms:         make(map[string]RoomKey),
		cancel:        cancel,
		ctx:           ctx,
		connClosed:    make(chan struct{}),
	}
	if !identity.IsAgent {
		c.limiter = rate.NewLimiter(visitorMessageRate, visitorMessageBurst)
	}
	return c
}

func (c *Client) addRoom(key RoomKey) {
	c.roomsMu.Lock()
	c.rooms[key.String()] = key
	c.roomsMu.Unlock()
}

func (c *Client) removeRoom(name string) {
	c.roomsMu.Lock()
	delete(c.rooms, name)
	c.roomsMu.Unlock()
}

func (c *Client) roomSnapshot() []RoomKey {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	keys := make([]RoomKey, 0, len(c.rooms))
	for _, k := range c.rooms {
		keys = append(keys, k)
	}
	return keys
}

func (c *Client) inRoom(key RoomKey) bool {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	_, ok := c.rooms[key.String()]
	return ok
}

// ReadMessages pumps inbound frames. Events from one connection are handled
// serially here, which is what keeps a single sender's messages broadcast in
// submission order.
func (c *Client) ReadMessages() {
	defer func() {
		c.gateway.dropClient(c)
	}()

	c.conn.SetReadLimit(int64(maxMessageSize))
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(c.pongHandler)

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			var ev event.WsEvent
			if err := c.conn.ReadJSON(&ev); err != nil {
				if websocket.IsCloseError(err,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway,
					websocket.CloseAbnormalClosure,
				) {
					c.logger.Debug("client disconnected", zap.String("connection_id", c.ID))
					return
				}

				if websocket.IsUnexpectedCloseError(err,
					websocket.CloseInternalServerErr,
					websocket.CloseProtocolError,
				) {
					c.logger.Warn("unexpected close", zap.String("connection_id", c.ID), zap.Error(err))
				}

				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					c.logger.Debug("client timed out", zap.String("connection_id", c.ID))
					return
				}

				c.logger.Debug("read error", zap.String("connection_id", c.ID), zap.Error(err))
				return
			}

			c.gateway.route(ev, c)
		}
	}
}

// WriteMessages pumps the egress channel to the peer with ping keepalives.
func (c *Client) WriteMessages() {
	ticker := time.NewTicker(pingInterval)

	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.conn.Close()

		c.connClosedOnce.Do(func() {
			close(c.connClosed)
		})
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		case ev := <-c.egress:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.logger.Debug("write error", zap.String("connection_id", c.ID), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("ping error", zap.String("connection_id", c.ID), zap.Error(err))
				return
			}
		}
	}
}

func (c *Client) pongHandler(string) error {
	return c.conn.SetReadDeadline(time.Now().Add(pongWait))
}

// allowMessage applies the per-connection submission limit. Agents are not
// rate limited.
func (c *Client) allowMessage() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

// SafeSend attempts to enqueue an event for this connection. Returns false if
// the client is closed or its egress buffer stayed full past the timeout.
func (c *Client) SafeSend(ev event.WsEvent, timeout time.Duration) bool {
	if c.IsClosed() {
		return false
	}

	select {
	case <-c.ctx.Done():
		return false
	case c.egress <- ev:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Close tears the connection down exactly once. The egress channel is never
// closed: cancelling ctx is the shutdown signal, so a concurrent SafeSend
// parked on a full buffer wakes on ctx.Done instead of racing a channel
// close.
func (c *Client) Close() {
	c.once.Do(func() {
		c.closedMu.Lock()
		c.closed = true
		c.closedMu.Unlock()

		c.cancel()

		if c.conn == nil {
			return
		}

		// Wait for the write pump to close conn, or force close after timeout
		go func() {
			select {
			case <-c.connClosed:
			case <-time.After(5 * time.Second):
				_ = c.conn.Close()
			}
		}()
	})
}

// IsClosed returns true if the client has been closed
func (c *Client) IsClosed() bool {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()
	return c.closed
}
