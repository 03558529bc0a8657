// Package chatclient is the client-side chat core: a reconnecting push
// channel, an optimistic send pipeline, a deduplicating message store,
// and an unread/notification tracker. A UI embeds a Client, subscribes
// to store changes, and renders snapshots; everything else — perceived-
// zero-latency sends, fallback delivery, reconnect catch-up, receipt of
// out-of-order echoes — happens in here.
package chatclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kavinraj-m/opschat/internal/events"
	"github.com/kavinraj-m/opschat/internal/models"
)

var (
	ErrEmptyMessage = errors.New("message text is empty")
	ErrNoThread     = errors.New("no active thread")
	ErrNoSession    = errors.New("no authenticated session")
	ErrNotPending   = errors.New("no failed send with that client message id")
)

const (
	defaultSendTimeout  = 15 * time.Second
	defaultTypingQuiet  = 3 * time.Second
	defaultHistoryLimit = 50
)

// Config wires a Client together. Gateway and Channel are required;
// everything else has sane defaults.
type Config struct {
	UserID  uuid.UUID
	Gateway Gateway
	Channel PushChannel
	Logger  *zap.Logger

	Prefs    *Prefs
	Notifier Notifier

	// SendTimeout bounds how long a send may sit in "sending" before
	// it is shown as failed. The observed upstream behavior would wait
	// forever on a hung request; a visible stuck message is worse than
	// an honest failure with a retry control, so we bound it.
	SendTimeout time.Duration

	// TypingQuiet is the trailing quiet period after the last keystroke
	// before typing=false is emitted.
	TypingQuiet time.Duration

	HistoryLimit int
}

// Client is the façade the UI talks to. All methods are safe for
// interleaved use from UI callbacks and channel events.
type Client struct {
	userID uuid.UUID
	gw     Gateway
	ch     PushChannel
	logger *zap.Logger

	store   *Store
	tracker *Tracker

	sendTimeout  time.Duration
	typingQuiet  time.Duration
	historyLimit int

	mu        sync.Mutex
	focused   uuid.UUID
	loaded    map[uuid.UUID]bool
	everConn  bool
	onTyping  func(threadID, userID uuid.UUID, isTyping bool)
	typingOn  bool
	typingFor uuid.UUID
	typingTmr *time.Timer
}

func New(cfg Config) (*Client, error) {
	if cfg.Gateway == nil || cfg.Channel == nil {
		return nil, errors.New("chatclient: Gateway and Channel are required")
	}
	if cfg.UserID == uuid.Nil {
		return nil, ErrNoSession
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Prefs == nil {
		cfg.Prefs = LoadPrefs(DefaultPrefsPath())
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.TypingQuiet <= 0 {
		cfg.TypingQuiet = defaultTypingQuiet
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}

	c := &Client{
		userID:       cfg.UserID,
		gw:           cfg.Gateway,
		ch:           cfg.Channel,
		logger:       cfg.Logger,
		store:        NewStore(cfg.Logger),
		tracker:      NewTracker(cfg.UserID, cfg.Prefs, cfg.Notifier, cfg.Logger),
		sendTimeout:  cfg.SendTimeout,
		typingQuiet:  cfg.TypingQuiet,
		historyLimit: cfg.HistoryLimit,
		loaded:       make(map[uuid.UUID]bool),
	}
	c.ch.Handle(c.handleFrame)
	return c, nil
}

// Start opens the push channel for the session.
func (c *Client) Start() error {
	return c.ch.Connect(c.userID)
}

// Close releases the transport on every exit path and clears any
// typing state peers might otherwise see forever.
func (c *Client) Close() {
	c.mu.Lock()
	focused := c.focused
	c.mu.Unlock()
	c.stopTyping(focused)
	c.ch.Disconnect()
}

// Store exposes the reconciled timeline for rendering and change
// subscription.
func (c *Client) Store() *Store { return c.store }

// Tracker exposes the unread counters for rendering.
func (c *Client) Tracker() *Tracker { return c.tracker }

// OnTyping registers the callback for peer typing indicators.
func (c *Client) OnTyping(fn func(threadID, userID uuid.UUID, isTyping bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTyping = fn
}

// Send is the optimistic send pipeline. Fire-and-forget for the
// caller: by the time it returns, the placeholder is already in the
// timeline with status "sending" — before any network I/O — and the
// input field can be cleared. Delivery continues in the background:
// channel first, HTTP fallback, failure marking, all keyed by the
// returned clientMsgID.
func (c *Client) Send(threadID uuid.UUID, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	if threadID == uuid.Nil {
		return "", ErrNoThread
	}

	// Unique within this sender's in-flight window is all that's
	// needed; millisecond timestamp plus a random suffix clears that
	// bar without coordination.
	clientMsgID := fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])

	local := &Message{
		Message: models.Message{
			ThreadID:    threadID,
			SenderID:    c.userID,
			Body:        text,
			ClientMsgID: clientMsgID,
			CreatedAt:   time.Now(),
			Sender:      &models.User{ID: c.userID},
		},
		LocalID: "local-" + clientMsgID,
		Status:  StatusSending,
	}
	c.store.AddLocal(local)

	// A send is the strongest "stopped typing" signal there is.
	c.stopTyping(threadID)

	go c.deliver(threadID, clientMsgID, text)
	return clientMsgID, nil
}

// Retry re-runs delivery for a failed send, reusing the same
// clientMsgID — so even if the original attempt secretly reached the
// server, the retry collapses onto the same persisted message.
func (c *Client) Retry(clientMsgID string) error {
	p, ok := c.store.Pending(clientMsgID)
	if !ok {
		return ErrNotPending
	}
	if !c.store.MarkSending(clientMsgID) {
		return ErrNotPending
	}
	go c.deliver(p.ThreadID, clientMsgID, p.Body)
	return nil
}

// deliver attempts the channel path, falls back to HTTP, and marks the
// placeholder failed when both paths are gone. Which path succeeded is
// invisible to everyone else: reconciliation keys only on clientMsgID
// and the server ID.
func (c *Client) deliver(threadID uuid.UUID, clientMsgID, text string) {
	frame := events.Frame{
		Type:        events.TypeSend,
		ThreadID:    threadID,
		Body:        text,
		ClientMsgID: clientMsgID,
	}
	if err := c.ch.Send(frame); err == nil {
		// Confirmation arrives as the channel echo; if it doesn't
		// within the window, the placeholder goes to failed.
		c.armSendTimeout(clientMsgID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
	defer cancel()

	msg, err := c.gw.SendMessage(ctx, threadID, text, clientMsgID)
	if err != nil {
		c.logger.Warn("send failed on both paths",
			zap.String("client_msg_id", clientMsgID),
			zap.Error(err),
		)
		c.store.MarkFailed(clientMsgID)
		return
	}

	if msg.Sender == nil {
		// The fallback response is ours by definition.
		msg.Sender = &models.User{ID: c.userID}
	}
	c.store.ApplyServer(*msg)
}

// armSendTimeout flips a placeholder still unconfirmed after the send
// window to failed. A late echo after that still reconciles cleanly:
// ApplyServer replaces the failed placeholder by clientMsgID.
func (c *Client) armSendTimeout(clientMsgID string) {
	time.AfterFunc(c.sendTimeout, func() {
		if p, ok := c.store.Pending(clientMsgID); ok && p.Status == StatusSending {
			c.logger.Warn("send unconfirmed within timeout",
				zap.String("client_msg_id", clientMsgID),
			)
			c.store.MarkFailed(clientMsgID)
		}
	})
}

// Focus makes threadID the active thread: room scoping follows the
// view, history is (re)loaded, and the thread is explicitly marked
// read — the deliberate user action that resets its unread count.
func (c *Client) Focus(ctx context.Context, threadID uuid.UUID) error {
	if threadID == uuid.Nil {
		return ErrNoThread
	}

	c.mu.Lock()
	previous := c.focused
	c.focused = threadID
	c.mu.Unlock()

	c.tracker.SetFocused(threadID)

	if previous != uuid.Nil && previous != threadID {
		c.stopTyping(previous)
		c.ch.LeaveRoom(previous)
	}
	c.ch.JoinRoom(threadID)

	// First open of a thread fetches the latest page (after=0), even if
	// live deliveries already landed — the context before them is still
	// missing. Every focus after that only fetches the gap past what's
	// reconciled. Either way the page merges into the timeline; nothing
	// already rendered is lost.
	c.mu.Lock()
	var after int64
	if c.loaded[threadID] {
		after = c.store.LastServerID(threadID)
	}
	c.mu.Unlock()

	msgs, err := c.gw.ListMessages(ctx, threadID, after, c.historyLimit)
	if err != nil {
		// The view still works off whatever it had; the caller can
		// surface a retry.
		return fmt.Errorf("load history: %w", err)
	}
	c.store.LoadHistory(threadID, msgs)
	c.mu.Lock()
	c.loaded[threadID] = true
	c.mu.Unlock()

	if err := c.gw.MarkRead(ctx, threadID); err != nil {
		c.logger.Warn("mark read failed", zap.Error(err))
	}
	c.tracker.MarkRead(threadID)
	return nil
}

// Blur records that no thread is focused (the user navigated away from
// chat entirely).
func (c *Client) Blur() {
	c.mu.Lock()
	previous := c.focused
	c.focused = uuid.Nil
	c.mu.Unlock()

	c.tracker.SetFocused(uuid.Nil)
	if previous != uuid.Nil {
		c.stopTyping(previous)
		c.ch.LeaveRoom(previous)
	}
}

// SetWindowFocused forwards application window focus to the
// notification gate.
func (c *Client) SetWindowFocused(focused bool) {
	c.tracker.SetWindowFocused(focused)
}

// Threads fetches the viewer's thread list (summaries with unread
// counts) from the gateway.
func (c *Client) Threads(ctx context.Context) ([]models.ThreadSummary, error) {
	return c.gw.ListThreads(ctx)
}

// InputChanged drives the typing side channel. typing=true goes out on
// the first keystroke; the trailing quiet period (or an empty input,
// or a send) emits typing=false. Losing one of these is tolerable; a
// stuck "is typing" is not, so every path out emits the false.
func (c *Client) InputChanged(threadID uuid.UUID, text string) {
	if strings.TrimSpace(text) == "" {
		c.stopTyping(threadID)
		return
	}

	c.mu.Lock()
	if c.typingOn && c.typingFor == threadID {
		// Still typing: just push the quiet deadline out.
		c.typingTmr.Reset(c.typingQuiet)
		c.mu.Unlock()
		return
	}
	if c.typingOn {
		// Switched threads mid-composition.
		c.emitTypingLocked(c.typingFor, false)
	}
	c.typingOn = true
	c.typingFor = threadID
	c.emitTypingLocked(threadID, true)
	if c.typingTmr == nil {
		c.typingTmr = time.AfterFunc(c.typingQuiet, c.typingQuietElapsed)
	} else {
		c.typingTmr.Reset(c.typingQuiet)
	}
	c.mu.Unlock()
}

func (c *Client) typingQuietElapsed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.typingOn {
		c.emitTypingLocked(c.typingFor, false)
		c.typingOn = false
	}
}

// stopTyping force-emits typing=false for the thread if a typing state
// is active. Called on send, thread switch, blur, and Close.
func (c *Client) stopTyping(threadID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.typingOn || (threadID != uuid.Nil && c.typingFor != threadID) {
		return
	}
	if c.typingTmr != nil {
		c.typingTmr.Stop()
	}
	c.emitTypingLocked(c.typingFor, false)
	c.typingOn = false
}

// emitTypingLocked writes a typing frame, best effort. Caller holds mu.
func (c *Client) emitTypingLocked(threadID uuid.UUID, isTyping bool) {
	err := c.ch.Send(events.Frame{
		Type:     events.TypeTyping,
		ThreadID: threadID,
		IsTyping: isTyping,
	})
	if err != nil {
		c.logger.Debug("typing frame dropped", zap.Error(err))
	}
}

// handleFrame is the single entry point for push-channel events.
func (c *Client) handleFrame(f events.Frame) {
	switch f.Type {
	case events.TypeConnected:
		c.mu.Lock()
		reconnect := c.everConn
		c.everConn = true
		focused := c.focused
		c.mu.Unlock()
		if reconnect && focused != uuid.Nil {
			// Events may have been missed while down; pull the gap
			// through the same reconciliation path. Anything the
			// channel already delivered dedupes to a no-op.
			go c.catchUp(focused)
		}

	case events.TypeNewMessage:
		if f.Message == nil {
			c.logger.Warn("new_message frame without message")
			return
		}
		c.applyIncoming(*f.Message)

	case events.TypeTyping:
		c.mu.Lock()
		fn := c.onTyping
		c.mu.Unlock()
		if fn != nil {
			fn(f.ThreadID, f.UserID, f.IsTyping)
		}

	case events.TypeUnreadUpdate:
		c.tracker.Refresh(f.PerThread, f.TotalUnread)

	default:
		c.logger.Debug("ignoring unknown frame", zap.String("type", f.Type))
	}
}

// applyIncoming routes one server-confirmed message through
// reconciliation; only a genuinely new message reaches the unread
// tracker, which is exactly the at-most-once notification gate.
//
// A new message in the focused thread is read the moment it renders,
// but the server doesn't know that — it incremented its counter at
// send time. Re-issuing mark-read keeps the server in step so the next
// unread_update doesn't carry a count for a thread the user is looking
// at.
func (c *Client) applyIncoming(msg models.Message) {
	if c.store.ApplyServer(msg) != AppliedNew {
		return
	}
	c.tracker.HandleInbound(msg)

	c.mu.Lock()
	focused := c.focused
	c.mu.Unlock()
	if msg.ThreadID == focused && msg.SenderID != c.userID {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
			defer cancel()
			if err := c.gw.MarkRead(ctx, msg.ThreadID); err != nil {
				c.logger.Warn("mark read failed", zap.Error(err))
			}
		}()
	}
}

// catchUp fetches messages missed during an outage for one thread.
func (c *Client) catchUp(threadID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
	defer cancel()

	after := c.store.LastServerID(threadID)
	msgs, err := c.gw.ListMessages(ctx, threadID, after, c.historyLimit)
	if err != nil {
		c.logger.Warn("reconnect catch-up failed", zap.Error(err))
		return
	}
	for _, m := range msgs {
		c.applyIncoming(m)
	}
}
