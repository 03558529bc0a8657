package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kavinraj-m/opschat/internal/auth"
	"github.com/kavinraj-m/opschat/internal/chat"
	"github.com/kavinraj-m/opschat/internal/events"
	"github.com/kavinraj-m/opschat/internal/hub"
)

// sendTimeout bounds the DB work triggered by a single channel frame.
// The socket has no request deadline of its own, so each frame gets one.
const sendTimeout = 10 * time.Second

// WSHandler upgrades GET /v1/ws to the push channel.
//
// Auth is a ?token= query parameter because browsers can't set headers
// on WebSocket connects; the token is validated with the same ParseToken
// the REST middleware uses.
type WSHandler struct {
	hub       *hub.Hub
	svc       *chat.Service
	jwtSecret string
	logger    *zap.Logger
}

func NewWSHandler(h *hub.Hub, svc *chat.Service, jwtSecret string, logger *zap.Logger) *WSHandler {
	return &WSHandler{hub: h, svc: svc, jwtSecret: jwtSecret, logger: logger}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Deployed behind a reverse proxy in a trusted environment.
		return true
	},
}

// Handle upgrades the connection, registers the session, pushes the
// initial state (connected + unread snapshot), then serves client
// frames until the peer goes away.
func (h *WSHandler) Handle(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	claims, err := auth.ParseToken(token, h.jwtSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	session := h.hub.Register(claims.UserID, conn)
	h.logger.Info("push channel connected",
		zap.String("user", claims.UserID.String()),
	)

	// The liveness signal plus the unread snapshot give a reconnecting
	// client everything it needs to refresh its counters before any
	// new event arrives.
	session.Enqueue(events.Connected())
	session.Enqueue(h.svc.UnreadSnapshot(c.Request.Context(), claims.UserID))

	go h.readLoop(session, claims.OrgID)
}

func (h *WSHandler) readLoop(s *hub.Session, orgID uuid.UUID) {
	defer func() {
		h.hub.Unregister(s)
		h.logger.Info("push channel disconnected",
			zap.String("user", s.UserID.String()),
		)
	}()

	for {
		_, data, err := s.Conn().ReadMessage()
		if err != nil {
			return
		}

		var frame events.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			// One bad frame doesn't kill the session.
			h.logger.Warn("malformed client frame", zap.Error(err))
			continue
		}

		switch frame.Type {
		case events.TypeJoin:
			h.hub.Join(s, frame.ThreadID)

		case events.TypeLeave:
			h.hub.Leave(s, frame.ThreadID)

		case events.TypeTyping:
			h.svc.Typing(frame.ThreadID, s.UserID, frame.IsTyping)

		case events.TypeSend:
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			_, err := h.svc.Send(ctx, orgID, frame.ThreadID, s.UserID, frame.Body, frame.ClientMsgID)
			cancel()
			if err != nil {
				// The sender learns the outcome from the echoed
				// new_message (or its absence); log the failure here.
				h.logger.Warn("channel send failed",
					zap.String("user", s.UserID.String()),
					zap.String("client_msg_id", frame.ClientMsgID),
					zap.Error(err),
				)
			}

		default:
			h.logger.Warn("unknown client frame type", zap.String("type", frame.Type))
		}
	}
}
