package chat

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kavinraj-m/opschat/internal/hub"
	"github.com/kavinraj-m/opschat/internal/models"
	"github.com/kavinraj-m/opschat/internal/unread"
)

type fakeThreads struct {
	threads      map[uuid.UUID]*models.Thread
	participants map[uuid.UUID][]uuid.UUID // threadID -> members
	summaries    []models.ThreadSummary
}

func newFakeThreads() *fakeThreads {
	return &fakeThreads{
		threads:      make(map[uuid.UUID]*models.Thread),
		participants: make(map[uuid.UUID][]uuid.UUID),
	}
}

func (f *fakeThreads) add(orgID uuid.UUID, typ models.ThreadType, members ...uuid.UUID) *models.Thread {
	th := &models.Thread{ID: uuid.New(), OrgID: orgID, Type: typ, CreatedAt: time.Now()}
	f.threads[th.ID] = th
	f.participants[th.ID] = members
	return th
}

func (f *fakeThreads) EnsureTeam(_ context.Context, orgID uuid.UUID) (*models.Thread, error) {
	for _, th := range f.threads {
		if th.OrgID == orgID && th.Type == models.ThreadTeam {
			return th, nil
		}
	}
	return f.add(orgID, models.ThreadTeam), nil
}

func (f *fakeThreads) EnsureDirect(_ context.Context, orgID uuid.UUID, a, b uuid.UUID) (*models.Thread, error) {
	key := models.DirectPairKey(a, b)
	for _, th := range f.threads {
		if th.OrgID == orgID && th.PairKey == key {
			return th, nil
		}
	}
	th := f.add(orgID, models.ThreadDirect, a, b)
	th.PairKey = key
	return th, nil
}

func (f *fakeThreads) GetByID(_ context.Context, orgID, threadID uuid.UUID) (*models.Thread, error) {
	th, ok := f.threads[threadID]
	if !ok || th.OrgID != orgID {
		return nil, nil
	}
	return th, nil
}

func (f *fakeThreads) ListForUser(context.Context, uuid.UUID, uuid.UUID) ([]models.ThreadSummary, error) {
	return f.summaries, nil
}

func (f *fakeThreads) ListParticipantIDs(_ context.Context, thread *models.Thread) ([]uuid.UUID, error) {
	return f.participants[thread.ID], nil
}

func (f *fakeThreads) IsParticipant(_ context.Context, thread *models.Thread, userID uuid.UUID) (bool, error) {
	for _, id := range f.participants[thread.ID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

type fakeMessages struct {
	nextID int64
	byKey  map[string]*models.Message // sender:clientMsgID
	all    []*models.Message
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{byKey: make(map[string]*models.Message)}
}

func (f *fakeMessages) Create(_ context.Context, threadID, senderID uuid.UUID, body, clientMsgID string) (*models.Message, bool, error) {
	if clientMsgID != "" {
		key := senderID.String() + ":" + clientMsgID
		if existing, ok := f.byKey[key]; ok {
			return existing, false, nil
		}
	}
	f.nextID++
	msg := &models.Message{
		ID:          f.nextID,
		ThreadID:    threadID,
		SenderID:    senderID,
		Body:        body,
		ClientMsgID: clientMsgID,
		CreatedAt:   time.Now(),
	}
	f.all = append(f.all, msg)
	if clientMsgID != "" {
		f.byKey[senderID.String()+":"+clientMsgID] = msg
	}
	return msg, true, nil
}

func (f *fakeMessages) ListByThread(_ context.Context, threadID uuid.UUID, after int64, limit int) ([]models.Message, error) {
	var out []models.Message
	for _, m := range f.all {
		if m.ThreadID == threadID && m.ID > after {
			out = append(out, *m)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type receiptKey struct {
	messageID int64
	userID    uuid.UUID
}

type fakeReceipts struct {
	statuses   map[receiptKey]models.ReceiptStatus
	readCalls  int
	recordErrs int
}

func newFakeReceipts() *fakeReceipts {
	return &fakeReceipts{statuses: make(map[receiptKey]models.ReceiptStatus)}
}

func (f *fakeReceipts) Record(_ context.Context, messageID int64, userID uuid.UUID, status models.ReceiptStatus) error {
	// Forward-only, like the SQL upsert: a later status wins, an earlier
	// one is ignored.
	rank := map[models.ReceiptStatus]int{
		models.ReceiptSent:      1,
		models.ReceiptDelivered: 2,
		models.ReceiptRead:      3,
	}
	key := receiptKey{messageID, userID}
	if prev, ok := f.statuses[key]; ok && rank[status] <= rank[prev] {
		return nil
	}
	f.statuses[key] = status
	return nil
}

func (f *fakeReceipts) MarkThreadRead(context.Context, uuid.UUID, uuid.UUID) error {
	f.readCalls++
	return nil
}

func (f *fakeReceipts) ListByMessage(_ context.Context, messageID int64) ([]models.Receipt, error) {
	var out []models.Receipt
	for key, status := range f.statuses {
		if key.messageID == messageID {
			out = append(out, models.Receipt{MessageID: messageID, UserID: key.userID, Status: status})
		}
	}
	return out, nil
}

type fakeUsers struct {
	users map[uuid.UUID]*models.User
}

func newFakeUsers(ids ...uuid.UUID) *fakeUsers {
	f := &fakeUsers{users: make(map[uuid.UUID]*models.User)}
	for i, id := range ids {
		f.users[id] = &models.User{ID: id, DisplayName: fmt.Sprintf("user-%d", i)}
	}
	return f
}

func (f *fakeUsers) Create(context.Context, uuid.UUID, string, string, string, string) (*models.User, error) {
	return nil, nil
}

func (f *fakeUsers) GetByID(_ context.Context, _ uuid.UUID, userID uuid.UUID) (*models.User, error) {
	return f.users[userID], nil
}

func (f *fakeUsers) GetByEmail(context.Context, string) (*models.User, error) {
	return nil, nil
}

func (f *fakeUsers) ListByOrg(context.Context, uuid.UUID) ([]models.User, error) {
	return nil, nil
}

type serviceFixture struct {
	svc      *Service
	threads  *fakeThreads
	messages *fakeMessages
	receipts *fakeReceipts
	counter  *unread.MemoryCounter
	hub      *hub.Hub

	orgID  uuid.UUID
	sender uuid.UUID
	peer   uuid.UUID
	thread *models.Thread
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	fx := &serviceFixture{
		threads:  newFakeThreads(),
		messages: newFakeMessages(),
		receipts: newFakeReceipts(),
		counter:  unread.NewMemoryCounter(),
		hub:      hub.New(nil, logger),
		orgID:    uuid.New(),
		sender:   uuid.New(),
		peer:     uuid.New(),
	}
	fx.thread = fx.threads.add(fx.orgID, models.ThreadDirect, fx.sender, fx.peer)
	fx.svc = NewService(
		fx.threads, fx.messages, fx.receipts,
		newFakeUsers(fx.sender, fx.peer),
		fx.counter, fx.hub, logger,
	)
	return fx
}

func (fx *serviceFixture) unreadFor(t *testing.T, userID uuid.UUID) (map[string]int64, int64) {
	t.Helper()
	perThread, total, err := fx.counter.Snapshot(context.Background(), userID)
	require.NoError(t, err)
	return perThread, total
}

func TestSendPersistsAndCountsForRecipients(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	msg, err := fx.svc.Send(ctx, fx.orgID, fx.thread.ID, fx.sender, "hello", "c1")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.NotZero(t, msg.ID)
	require.NotNil(t, msg.Sender, "sender is denormalized onto the result")

	// Recipient gains one unread; the sender gains none.
	perThread, total := fx.unreadFor(t, fx.peer)
	assert.Equal(t, int64(1), perThread[fx.thread.ID.String()])
	assert.Equal(t, int64(1), total)

	_, senderTotal := fx.unreadFor(t, fx.sender)
	assert.Zero(t, senderTotal)

	// Sender gets the SENT receipt; the offline peer gets no DELIVERED.
	assert.Equal(t, models.ReceiptSent, fx.receipts.statuses[receiptKey{msg.ID, fx.sender}])
	_, delivered := fx.receipts.statuses[receiptKey{msg.ID, fx.peer}]
	assert.False(t, delivered)
}

func TestSendDuplicateSkipsAllSideEffects(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	first, err := fx.svc.Send(ctx, fx.orgID, fx.thread.ID, fx.sender, "hello", "c1")
	require.NoError(t, err)

	// Retry over the other transport with the same idempotency key.
	second, err := fx.svc.Send(ctx, fx.orgID, fx.thread.ID, fx.sender, "hello", "c1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "same persisted message")

	_, total := fx.unreadFor(t, fx.peer)
	assert.Equal(t, int64(1), total, "unread incremented once, not twice")
	assert.Len(t, fx.messages.all, 1)
}

func TestSendValidation(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	_, err := fx.svc.Send(ctx, fx.orgID, fx.thread.ID, fx.sender, "   ", "c1")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = fx.svc.Send(ctx, fx.orgID, uuid.New(), fx.sender, "hi", "c2")
	assert.ErrorIs(t, err, ErrThreadNotFound)

	stranger := uuid.New()
	_, err = fx.svc.Send(ctx, fx.orgID, fx.thread.ID, stranger, "hi", "c3")
	assert.ErrorIs(t, err, ErrNotParticipant)

	// A thread from another org is invisible, not forbidden.
	otherOrg := uuid.New()
	_, err = fx.svc.Send(ctx, otherOrg, fx.thread.ID, fx.sender, "hi", "c4")
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestDeliveredReceiptOnlyForOnlineRecipients(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	conn := newStubSessionConn()
	session := fx.hub.Register(fx.peer, conn)
	defer fx.hub.Unregister(session)

	msg, err := fx.svc.Send(ctx, fx.orgID, fx.thread.ID, fx.sender, "hello", "c1")
	require.NoError(t, err)

	assert.Equal(t, models.ReceiptDelivered, fx.receipts.statuses[receiptKey{msg.ID, fx.peer}])
}

func TestSendResponseCarriesReceipts(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	conn := newStubSessionConn()
	session := fx.hub.Register(fx.peer, conn)
	defer fx.hub.Unregister(session)

	msg, err := fx.svc.Send(ctx, fx.orgID, fx.thread.ID, fx.sender, "hello", "c1")
	require.NoError(t, err)

	// SENT for the sender, DELIVERED for the online peer, no fetch
	// round-trip needed.
	require.Len(t, msg.Receipts, 2)
	byUser := make(map[uuid.UUID]models.ReceiptStatus)
	for _, r := range msg.Receipts {
		byUser[r.UserID] = r.Status
	}
	assert.Equal(t, models.ReceiptSent, byUser[fx.sender])
	assert.Equal(t, models.ReceiptDelivered, byUser[fx.peer])

	// The duplicate path skips side effects and attaches nothing new.
	again, err := fx.svc.Send(ctx, fx.orgID, fx.thread.ID, fx.sender, "hello", "c1")
	require.NoError(t, err)
	assert.Equal(t, msg.ID, again.ID)
}

func TestMarkReadResetsUnreadAndRecordsReceipts(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	_, err := fx.svc.Send(ctx, fx.orgID, fx.thread.ID, fx.sender, "one", "c1")
	require.NoError(t, err)
	_, err = fx.svc.Send(ctx, fx.orgID, fx.thread.ID, fx.sender, "two", "c2")
	require.NoError(t, err)

	_, total := fx.unreadFor(t, fx.peer)
	require.Equal(t, int64(2), total)

	require.NoError(t, fx.svc.MarkRead(ctx, fx.orgID, fx.thread.ID, fx.peer))

	_, total = fx.unreadFor(t, fx.peer)
	assert.Zero(t, total)
	assert.Equal(t, 1, fx.receipts.readCalls)

	// Idempotent.
	require.NoError(t, fx.svc.MarkRead(ctx, fx.orgID, fx.thread.ID, fx.peer))
	_, total = fx.unreadFor(t, fx.peer)
	assert.Zero(t, total)
}

func TestMarkReadUnknownThread(t *testing.T) {
	fx := newServiceFixture(t)
	err := fx.svc.MarkRead(context.Background(), fx.orgID, uuid.New(), fx.peer)
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestHistoryRequiresParticipation(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	_, err := fx.svc.Send(ctx, fx.orgID, fx.thread.ID, fx.sender, "hello", "c1")
	require.NoError(t, err)

	msgs, err := fx.svc.History(ctx, fx.orgID, fx.thread.ID, fx.peer, 0, 50)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	_, err = fx.svc.History(ctx, fx.orgID, fx.thread.ID, uuid.New(), 0, 50)
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestHistoryCursorSkipsOlderMessages(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	first, err := fx.svc.Send(ctx, fx.orgID, fx.thread.ID, fx.sender, "one", "c1")
	require.NoError(t, err)
	_, err = fx.svc.Send(ctx, fx.orgID, fx.thread.ID, fx.sender, "two", "c2")
	require.NoError(t, err)

	msgs, err := fx.svc.History(ctx, fx.orgID, fx.thread.ID, fx.peer, first.ID, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "two", msgs[0].Body)
}

func TestThreadsMergesUnreadCounts(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	fx.threads.summaries = []models.ThreadSummary{
		{Thread: *fx.thread},
	}

	_, err := fx.svc.Send(ctx, fx.orgID, fx.thread.ID, fx.sender, "hello", "c1")
	require.NoError(t, err)

	summaries, err := fx.svc.Threads(ctx, fx.orgID, fx.peer)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, int64(1), summaries[0].UnreadCount)
}

func TestEnsureDirectRejectsUnknownPeer(t *testing.T) {
	fx := newServiceFixture(t)
	ctx := context.Background()

	th, err := fx.svc.EnsureDirect(ctx, fx.orgID, fx.sender, fx.peer)
	require.NoError(t, err)
	require.NotNil(t, th)
	assert.Equal(t, models.ThreadDirect, th.Type)

	// Same pair, either order, same thread.
	again, err := fx.svc.EnsureDirect(ctx, fx.orgID, fx.peer, fx.sender)
	require.NoError(t, err)
	assert.Equal(t, th.ID, again.ID)

	_, err = fx.svc.EnsureDirect(ctx, fx.orgID, fx.sender, uuid.New())
	assert.ErrorIs(t, err, ErrNotParticipant)
}

// stubSessionConn satisfies hub.Conn for presence in these tests.
type stubSessionConn struct {
	done chan struct{}
}

func newStubSessionConn() *stubSessionConn {
	return &stubSessionConn{done: make(chan struct{})}
}

func (c *stubSessionConn) ReadMessage() (int, []byte, error) {
	<-c.done
	return 0, nil, context.Canceled
}

func (c *stubSessionConn) WriteMessage(int, []byte) error { return nil }

func (c *stubSessionConn) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return nil
}
