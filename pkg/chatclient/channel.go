package chatclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kavinraj-m/opschat/internal/events"
)

// ErrChannelDown is returned by Send when the transport has no live
// connection. Callers fall back to the HTTP gateway.
var ErrChannelDown = errors.New("push channel is not connected")

// reconnectDelay is the fixed retry interval between connection
// attempts. Fixed, not exponential: the server is ours and close by,
// and the degraded mode (HTTP polling) caps the damage of a tight-ish
// loop.
const reconnectDelay = 3 * time.Second

// PushChannel is the long-lived server-to-client event stream. One per
// user session; reconnects on its own; delivers typed frames to the
// registered handler. At-most-once per event occurrence — the store's
// reconciliation owns correctness beyond that.
type PushChannel interface {
	Connect(userID uuid.UUID) error
	Disconnect()
	JoinRoom(threadID uuid.UUID)
	LeaveRoom(threadID uuid.UUID)
	Send(frame events.Frame) error
	Handle(fn func(events.Frame))
}

// wsConn is the slice of *websocket.Conn the channel uses; tests
// substitute an in-memory pipe.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Channel is the production PushChannel over a gorilla WebSocket.
type Channel struct {
	url    string
	token  string
	logger *zap.Logger

	// dial is swappable for tests; defaults to gorilla's Dialer.
	dial func(url string) (wsConn, error)
	// retry is the delay between connection attempts; reconnectDelay
	// unless a test shortens it.
	retry time.Duration

	mu        sync.Mutex
	conn      wsConn
	userID    uuid.UUID
	active    bool // a run loop exists for userID
	connected bool // the transport is currently up
	closing   bool
	rooms     map[uuid.UUID]struct{}
	handler   func(events.Frame)
	stopped   chan struct{}
}

func NewChannel(baseWSURL, token string, logger *zap.Logger) *Channel {
	return &Channel{
		url:    baseWSURL,
		token:  token,
		logger: logger,
		dial: func(url string) (wsConn, error) {
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		rooms: make(map[uuid.UUID]struct{}),
		retry: reconnectDelay,
	}
}

// Handle registers the single frame handler. Must be called before
// Connect; frames arriving with no handler are dropped.
func (c *Channel) Handle(fn func(events.Frame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

// Connect starts the connection loop for the user. Idempotent: calling
// again for the same user is a no-op; a different user tears down the
// prior connection first.
func (c *Channel) Connect(userID uuid.UUID) error {
	c.mu.Lock()
	if c.active && c.userID == userID {
		c.mu.Unlock()
		return nil
	}
	if c.active {
		c.mu.Unlock()
		c.Disconnect()
		c.mu.Lock()
	}

	c.userID = userID
	c.active = true
	c.closing = false
	c.stopped = make(chan struct{})
	stopped := c.stopped
	c.mu.Unlock()

	go c.run(stopped)
	return nil
}

// Disconnect tears the transport down and stops the reconnect loop.
// Safe on every exit path; safe to call twice.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.closing = true
	conn := c.conn
	stopped := c.stopped
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	<-stopped

	c.mu.Lock()
	c.active = false
	c.connected = false
	c.conn = nil
	c.mu.Unlock()
}

// JoinRoom scopes the session into a thread's room. Remembered across
// reconnects: the run loop re-joins every room after each dial.
func (c *Channel) JoinRoom(threadID uuid.UUID) {
	c.mu.Lock()
	c.rooms[threadID] = struct{}{}
	conn, up := c.conn, c.connected
	c.mu.Unlock()

	if up {
		c.write(conn, events.Frame{Type: events.TypeJoin, ThreadID: threadID})
	}
}

func (c *Channel) LeaveRoom(threadID uuid.UUID) {
	c.mu.Lock()
	delete(c.rooms, threadID)
	conn, up := c.conn, c.connected
	c.mu.Unlock()

	if up {
		c.write(conn, events.Frame{Type: events.TypeLeave, ThreadID: threadID})
	}
}

// Send writes a frame to the live transport, or reports ErrChannelDown
// immediately so the caller can take the HTTP fallback. No queueing
// here: delivery during an outage is the fallback's job.
func (c *Channel) Send(frame events.Frame) error {
	c.mu.Lock()
	conn, up := c.conn, c.connected
	c.mu.Unlock()

	if !up {
		return ErrChannelDown
	}
	return c.write(conn, frame)
}

// write serializes frame writes; gorilla allows one concurrent writer.
func (c *Channel) write(conn wsConn, frame events.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn || c.conn == nil {
		return ErrChannelDown
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// run dials, reads until failure, and retries on the fixed delay until
// Disconnect. One run loop exists per Connect-ed user.
func (c *Channel) run(stopped chan struct{}) {
	defer close(stopped)

	for {
		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			return
		}
		token := c.token
		c.mu.Unlock()

		conn, err := c.dial(c.url + "?token=" + token)
		if err != nil {
			c.logger.Warn("push channel dial failed", zap.Error(err))
			if c.sleepOrClose() {
				return
			}
			continue
		}

		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.connected = true
		rooms := make([]uuid.UUID, 0, len(c.rooms))
		for id := range c.rooms {
			rooms = append(rooms, id)
		}
		c.mu.Unlock()

		// Re-scope rooms the view still cares about before any event
		// can be missed for them.
		for _, id := range rooms {
			_ = c.write(conn, events.Frame{Type: events.TypeJoin, ThreadID: id})
		}

		c.readLoop(conn)

		c.mu.Lock()
		c.connected = false
		c.conn = nil
		closing := c.closing
		c.mu.Unlock()

		if closing {
			return
		}
		c.logger.Info("push channel lost, reconnecting",
			zap.Duration("delay", c.retry),
		)
		if c.sleepOrClose() {
			return
		}
	}
}

func (c *Channel) readLoop(conn wsConn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return
		}

		var frame events.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			// One malformed frame must not take the channel down.
			c.logger.Warn("malformed server frame", zap.Error(err))
			continue
		}

		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler != nil {
			handler(frame)
		}
	}
}

// sleepOrClose waits out the reconnect delay, returning true when the
// channel was closed while waiting.
func (c *Channel) sleepOrClose() bool {
	deadline := time.Now().Add(c.retry)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		closing := c.closing
		c.mu.Unlock()
		if closing {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}
