package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kavinraj-m/opschat/internal/chat"
	"github.com/kavinraj-m/opschat/internal/middleware"
)

type ThreadHandler struct {
	svc    *chat.Service
	logger *zap.Logger
}

func NewThreadHandler(svc *chat.Service, logger *zap.Logger) *ThreadHandler {
	return &ThreadHandler{svc: svc, logger: logger}
}

// List handles GET /v1/threads — thread summaries with participants,
// last message and per-viewer unread counts.
func (h *ThreadHandler) List(c *gin.Context) {
	orgID := middleware.GetOrgID(c)
	userID := middleware.GetUserID(c)

	threads, err := h.svc.Threads(c.Request.Context(), orgID, userID)
	if err != nil {
		h.logger.Error("failed to list threads", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list threads"})
		return
	}

	c.JSON(http.StatusOK, threads)
}

type directThreadRequest struct {
	UserID uuid.UUID `json:"user_id" binding:"required"`
}

// CreateDirect handles POST /v1/threads/direct — find-or-create the DM
// thread with the given peer. Idempotent: repeated calls return the
// same thread.
func (h *ThreadHandler) CreateDirect(c *gin.Context) {
	var req directThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	orgID := middleware.GetOrgID(c)
	userID := middleware.GetUserID(c)

	if req.UserID == userID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot open a direct thread with yourself"})
		return
	}

	thread, err := h.svc.EnsureDirect(c.Request.Context(), orgID, userID, req.UserID)
	if err != nil {
		if errors.Is(err, chat.ErrNotParticipant) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		h.logger.Error("failed to ensure direct thread", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open thread"})
		return
	}

	c.JSON(http.StatusOK, thread)
}

// MarkRead handles POST /v1/threads/:id/read — the explicit, deliberate
// "I opened this thread" action. Idempotent.
func (h *ThreadHandler) MarkRead(c *gin.Context) {
	threadID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid thread ID"})
		return
	}

	orgID := middleware.GetOrgID(c)
	userID := middleware.GetUserID(c)

	if err := h.svc.MarkRead(c.Request.Context(), orgID, threadID, userID); err != nil {
		if errors.Is(err, chat.ErrThreadNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
			return
		}
		h.logger.Error("failed to mark thread read", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark thread read"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
