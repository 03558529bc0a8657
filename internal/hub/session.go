package hub

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kavinraj-m/opschat/internal/events"
)

// Conn is the subset of *websocket.Conn the hub needs. An interface so
// tests can drive sessions without a real socket.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// sendBuffer bounds the per-session outbound queue. A session that
// can't drain 32 frames is a dead or glacial consumer; the hub drops
// frames for it rather than blocking everyone else. Dropped frames are
// recovered by the client's HTTP catch-up on reconnect.
const sendBuffer = 32

// Session is one live push-channel connection (one tab). A user may
// hold several at once.
type Session struct {
	UserID uuid.UUID

	conn   Conn
	send   chan []byte
	logger *zap.Logger

	mu    sync.Mutex
	rooms map[uuid.UUID]struct{}

	closeOnce sync.Once
}

func newSession(userID uuid.UUID, conn Conn, logger *zap.Logger) *Session {
	return &Session{
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		logger: logger,
		rooms:  make(map[uuid.UUID]struct{}),
	}
}

// Conn exposes the underlying connection for the handler's read loop.
func (s *Session) Conn() Conn { return s.conn }

func (s *Session) join(threadID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[threadID] = struct{}{}
}

func (s *Session) leave(threadID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, threadID)
}

func (s *Session) inRoom(threadID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[threadID]
	return ok
}

// enqueue hands a frame to the write pump without ever blocking the
// caller. Returns false when the frame was dropped.
func (s *Session) enqueue(data []byte) bool {
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// Enqueue marshals and queues one frame for this session only.
func (s *Session) Enqueue(frame events.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("marshal frame", zap.Error(err))
		return
	}
	if !s.enqueue(data) {
		s.logger.Warn("dropping frame for slow session",
			zap.String("user", s.UserID.String()),
			zap.String("type", frame.Type),
		)
	}
}

// writePump drains the send channel onto the socket. It exits when the
// channel closes (unregister) or a write fails (peer gone); either way
// the connection ends up closed.
func (s *Session) writePump() {
	defer s.close()
	for data := range s.send {
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}
