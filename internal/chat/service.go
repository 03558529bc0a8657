// Package chat is the delivery core both transports share: the
// WebSocket `send` frame and the HTTP POST land on the same Service
// method with the same idempotency key, so callers never need to know
// which path a message took.
package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kavinraj-m/opschat/internal/events"
	"github.com/kavinraj-m/opschat/internal/hub"
	"github.com/kavinraj-m/opschat/internal/models"
	"github.com/kavinraj-m/opschat/internal/repository"
	"github.com/kavinraj-m/opschat/internal/unread"
)

var (
	ErrEmptyMessage   = errors.New("message body is empty")
	ErrThreadNotFound = errors.New("thread not found")
	ErrNotParticipant = errors.New("user is not a participant of the thread")
)

type Service struct {
	threads  repository.ThreadRepository
	messages repository.MessageRepository
	receipts repository.ReceiptRepository
	users    repository.UserRepository
	unread   unread.Counter
	hub      *hub.Hub
	logger   *zap.Logger
}

func NewService(
	threads repository.ThreadRepository,
	messages repository.MessageRepository,
	receipts repository.ReceiptRepository,
	users repository.UserRepository,
	counter unread.Counter,
	h *hub.Hub,
	logger *zap.Logger,
) *Service {
	return &Service{
		threads:  threads,
		messages: messages,
		receipts: receipts,
		users:    users,
		unread:   counter,
		hub:      h,
		logger:   logger,
	}
}

// Send persists and delivers one message.
//
// Idempotency: clientMsgID is the correlation key. If this (sender,
// clientMsgID) was already persisted — the client retried, or sent over
// both the channel and HTTP — the original row comes back and every
// side effect below is skipped. Receipts, unread counters and push
// events fire exactly once per logical message.
func (s *Service) Send(ctx context.Context, orgID, threadID, senderID uuid.UUID, body, clientMsgID string) (*models.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, ErrEmptyMessage
	}

	thread, err := s.threads.GetByID(ctx, orgID, threadID)
	if err != nil {
		return nil, err
	}
	if thread == nil {
		return nil, ErrThreadNotFound
	}

	ok, err := s.threads.IsParticipant(ctx, thread, senderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotParticipant
	}

	msg, created, err := s.messages.Create(ctx, threadID, senderID, body, clientMsgID)
	if err != nil {
		return nil, err
	}

	sender, err := s.users.GetByID(ctx, orgID, senderID)
	if err != nil {
		return nil, err
	}
	msg.Sender = sender

	if !created {
		// Duplicate of an earlier attempt; the world already saw it.
		s.logger.Debug("duplicate send collapsed",
			zap.String("client_msg_id", clientMsgID),
			zap.Int64("message_id", msg.ID),
		)
		return msg, nil
	}

	if err := s.receipts.Record(ctx, msg.ID, senderID, models.ReceiptSent); err != nil {
		s.logger.Error("record SENT receipt", zap.Error(err))
	}

	participants, err := s.threads.ListParticipantIDs(ctx, thread)
	if err != nil {
		// The message is persisted; delivery degrades to the
		// recipients' next HTTP fetch.
		s.logger.Error("list participants for delivery", zap.Error(err))
		return msg, nil
	}

	frame := events.NewMessage(msg)
	s.hub.ToUsers(frame, participants...)

	for _, userID := range participants {
		if userID == senderID {
			continue
		}
		if s.hub.Online(userID) {
			if err := s.receipts.Record(ctx, msg.ID, userID, models.ReceiptDelivered); err != nil {
				s.logger.Error("record DELIVERED receipt", zap.Error(err))
			}
		}
		if _, err := s.unread.Incr(ctx, userID, threadID); err != nil {
			s.logger.Error("increment unread", zap.Error(err))
			continue
		}
		s.pushUnread(ctx, userID)
	}

	// The sender's response carries the receipt state as of delivery, so
	// the UI can render SENT/DELIVERED ticks without a second fetch. The
	// push frame above was already marshaled; recipients see receipts on
	// their next history load.
	receipts, err := s.receipts.ListByMessage(ctx, msg.ID)
	if err != nil {
		s.logger.Warn("list receipts for send response", zap.Error(err))
	} else {
		msg.Receipts = receipts
	}

	return msg, nil
}

// MarkRead resets the caller's unread state for the thread: READ
// receipts up to the latest message, counter zeroed, and a fresh
// unread_update pushed to the caller's own sessions so other tabs
// stay in sync. Idempotent.
func (s *Service) MarkRead(ctx context.Context, orgID, threadID, userID uuid.UUID) error {
	thread, err := s.threads.GetByID(ctx, orgID, threadID)
	if err != nil {
		return err
	}
	if thread == nil {
		return ErrThreadNotFound
	}

	if err := s.receipts.MarkThreadRead(ctx, threadID, userID); err != nil {
		return err
	}
	if err := s.unread.Reset(ctx, userID, threadID); err != nil {
		return err
	}

	s.pushUnread(ctx, userID)
	return nil
}

// History returns one ascending page of a thread's messages.
func (s *Service) History(ctx context.Context, orgID, threadID, userID uuid.UUID, after int64, limit int) ([]models.Message, error) {
	thread, err := s.threads.GetByID(ctx, orgID, threadID)
	if err != nil {
		return nil, err
	}
	if thread == nil {
		return nil, ErrThreadNotFound
	}
	ok, err := s.threads.IsParticipant(ctx, thread, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotParticipant
	}
	return s.messages.ListByThread(ctx, threadID, after, limit)
}

// Threads returns the viewer's thread list with unread counts merged
// from the counter store. The TEAM thread is ensured here so the first
// list call after org bootstrap always includes it.
func (s *Service) Threads(ctx context.Context, orgID, userID uuid.UUID) ([]models.ThreadSummary, error) {
	if _, err := s.threads.EnsureTeam(ctx, orgID); err != nil {
		return nil, err
	}

	summaries, err := s.threads.ListForUser(ctx, orgID, userID)
	if err != nil {
		return nil, err
	}

	perThread, _, err := s.unread.Snapshot(ctx, userID)
	if err != nil {
		// Counts are a display concern; the list is still useful.
		s.logger.Warn("unread snapshot failed", zap.Error(err))
		return summaries, nil
	}
	for i := range summaries {
		summaries[i].UnreadCount = perThread[summaries[i].ID.String()]
	}
	return summaries, nil
}

// EnsureDirect finds or creates the DIRECT thread between the caller
// and peer.
func (s *Service) EnsureDirect(ctx context.Context, orgID, callerID, peerID uuid.UUID) (*models.Thread, error) {
	peer, err := s.users.GetByID(ctx, orgID, peerID)
	if err != nil {
		return nil, err
	}
	if peer == nil {
		return nil, ErrNotParticipant
	}
	return s.threads.EnsureDirect(ctx, orgID, callerID, peerID)
}

// Typing relays a typing state change to the thread's room, excluding
// the typist's own sessions. Fire-and-forget: typing is lossy by design.
func (s *Service) Typing(threadID, userID uuid.UUID, isTyping bool) {
	s.hub.ToRoom(threadID, userID, events.Typing(threadID, userID, isTyping))
}

// UnreadSnapshot returns the viewer's current counters as a frame,
// used as the initial state on connect.
func (s *Service) UnreadSnapshot(ctx context.Context, userID uuid.UUID) events.Frame {
	perThread, total, err := s.unread.Snapshot(ctx, userID)
	if err != nil {
		s.logger.Warn("unread snapshot failed", zap.Error(err))
		perThread, total = map[string]int64{}, 0
	}
	return events.UnreadUpdate(perThread, total)
}

func (s *Service) pushUnread(ctx context.Context, userID uuid.UUID) {
	s.hub.ToUsers(s.UnreadSnapshot(ctx, userID), userID)
}
