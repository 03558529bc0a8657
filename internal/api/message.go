package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kavinraj-m/opschat/internal/chat"
	"github.com/kavinraj-m/opschat/internal/middleware"
)

type MessageHandler struct {
	svc    *chat.Service
	logger *zap.Logger
}

func NewMessageHandler(svc *chat.Service, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{svc: svc, logger: logger}
}

type createMessageRequest struct {
	Body        string `json:"body" binding:"required"`
	ClientMsgID string `json:"client_msg_id" binding:"required"`
}

// Create handles POST /v1/threads/:id/messages — the HTTP fallback for
// the channel send. The response echoes the persisted message with its
// final server ID; a retry with the same client_msg_id gets the same
// message back, never a second row.
func (h *MessageHandler) Create(c *gin.Context) {
	var req createMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	threadID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid thread ID"})
		return
	}

	orgID := middleware.GetOrgID(c)
	userID := middleware.GetUserID(c)

	msg, err := h.svc.Send(c.Request.Context(), orgID, threadID, userID, req.Body, req.ClientMsgID)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrEmptyMessage):
			c.JSON(http.StatusBadRequest, gin.H{"error": "message body is empty"})
		case errors.Is(err, chat.ErrThreadNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
		case errors.Is(err, chat.ErrNotParticipant):
			c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		default:
			h.logger.Error("failed to create message", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create message"})
		}
		return
	}

	c.JSON(http.StatusCreated, msg)
}

// List handles GET /v1/threads/:id/messages?after=123&limit=50
//
// Ascending cursor pagination: "after" is the last message ID the
// client already has (0 = from the beginning), which is exactly the
// reconnect catch-up query. Default limit 50, capped at 200.
func (h *MessageHandler) List(c *gin.Context) {
	threadID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid thread ID"})
		return
	}

	var after int64
	if a := c.Query("after"); a != "" {
		after, err = strconv.ParseInt(a, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'after' parameter"})
			return
		}
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		limit, err = strconv.Atoi(l)
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'limit' parameter"})
			return
		}
		if limit > 200 {
			limit = 200
		}
	}

	orgID := middleware.GetOrgID(c)
	userID := middleware.GetUserID(c)

	messages, err := h.svc.History(c.Request.Context(), orgID, threadID, userID, after, limit)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrThreadNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
		case errors.Is(err, chat.ErrNotParticipant):
			c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		default:
			h.logger.Error("failed to list messages", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		}
		return
	}

	c.JSON(http.StatusOK, messages)
}
