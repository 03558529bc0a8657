package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kavinraj-m/opschat/internal/auth"
	"github.com/kavinraj-m/opschat/internal/chat"
	"github.com/kavinraj-m/opschat/internal/events"
	"github.com/kavinraj-m/opschat/internal/hub"
	"github.com/kavinraj-m/opschat/internal/models"
	"github.com/kavinraj-m/opschat/internal/unread"
)

const testSecret = "ws-test-secret"

// In-memory repositories, just enough to drive the service end to end.

type memThreads struct {
	thread  *models.Thread
	members []uuid.UUID
}

func (m *memThreads) EnsureTeam(context.Context, uuid.UUID) (*models.Thread, error) {
	return m.thread, nil
}

func (m *memThreads) EnsureDirect(context.Context, uuid.UUID, uuid.UUID, uuid.UUID) (*models.Thread, error) {
	return m.thread, nil
}

func (m *memThreads) GetByID(_ context.Context, orgID, threadID uuid.UUID) (*models.Thread, error) {
	if m.thread.ID == threadID && m.thread.OrgID == orgID {
		return m.thread, nil
	}
	return nil, nil
}

func (m *memThreads) ListForUser(context.Context, uuid.UUID, uuid.UUID) ([]models.ThreadSummary, error) {
	return []models.ThreadSummary{{Thread: *m.thread}}, nil
}

func (m *memThreads) ListParticipantIDs(context.Context, *models.Thread) ([]uuid.UUID, error) {
	return m.members, nil
}

func (m *memThreads) IsParticipant(_ context.Context, _ *models.Thread, userID uuid.UUID) (bool, error) {
	for _, id := range m.members {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

type memMessages struct {
	nextID int64
	byKey  map[string]*models.Message
}

func (m *memMessages) Create(_ context.Context, threadID, senderID uuid.UUID, body, clientMsgID string) (*models.Message, bool, error) {
	key := senderID.String() + ":" + clientMsgID
	if existing, ok := m.byKey[key]; ok {
		return existing, false, nil
	}
	m.nextID++
	msg := &models.Message{
		ID:          m.nextID,
		ThreadID:    threadID,
		SenderID:    senderID,
		Body:        body,
		ClientMsgID: clientMsgID,
		CreatedAt:   time.Now(),
	}
	m.byKey[key] = msg
	return msg, true, nil
}

func (m *memMessages) ListByThread(context.Context, uuid.UUID, int64, int) ([]models.Message, error) {
	return nil, nil
}

type memReceipts struct{}

func (memReceipts) Record(context.Context, int64, uuid.UUID, models.ReceiptStatus) error {
	return nil
}
func (memReceipts) MarkThreadRead(context.Context, uuid.UUID, uuid.UUID) error { return nil }
func (memReceipts) ListByMessage(context.Context, int64) ([]models.Receipt, error) {
	return nil, nil
}

type memUsers struct {
	users map[uuid.UUID]*models.User
}

func (m *memUsers) Create(context.Context, uuid.UUID, string, string, string, string) (*models.User, error) {
	return nil, nil
}

func (m *memUsers) GetByID(_ context.Context, _ uuid.UUID, userID uuid.UUID) (*models.User, error) {
	return m.users[userID], nil
}

func (m *memUsers) GetByEmail(context.Context, string) (*models.User, error) { return nil, nil }
func (m *memUsers) ListByOrg(context.Context, uuid.UUID) ([]models.User, error) {
	return nil, nil
}

type wsFixture struct {
	srv    *httptest.Server
	orgID  uuid.UUID
	alice  uuid.UUID
	bob    uuid.UUID
	thread *models.Thread
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	fx := &wsFixture{
		orgID: uuid.New(),
		alice: uuid.New(),
		bob:   uuid.New(),
	}
	fx.thread = &models.Thread{ID: uuid.New(), OrgID: fx.orgID, Type: models.ThreadTeam}

	threads := &memThreads{thread: fx.thread, members: []uuid.UUID{fx.alice, fx.bob}}
	messages := &memMessages{byKey: make(map[string]*models.Message)}
	users := &memUsers{users: map[uuid.UUID]*models.User{
		fx.alice: {ID: fx.alice, DisplayName: "alice"},
		fx.bob:   {ID: fx.bob, DisplayName: "bob"},
	}}

	h := hub.New(nil, logger)
	svc := chat.NewService(threads, messages, memReceipts{}, users, unread.NewMemoryCounter(), h, logger)
	handler := NewWSHandler(h, svc, testSecret, logger)

	engine := gin.New()
	engine.GET("/v1/ws", handler.Handle)

	fx.srv = httptest.NewServer(engine)
	t.Cleanup(fx.srv.Close)
	return fx
}

func (fx *wsFixture) dial(t *testing.T, userID uuid.UUID) *websocket.Conn {
	t.Helper()
	token, err := auth.GenerateToken(userID, fx.orgID, "user@test", testSecret, time.Hour)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(fx.srv.URL, "http") + "/v1/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) events.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame events.Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) events.Frame {
	t.Helper()
	for i := 0; i < 10; i++ {
		if frame := readFrame(t, conn); frame.Type == typ {
			return frame
		}
	}
	t.Fatalf("never received a %s frame", typ)
	return events.Frame{}
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame events.Frame) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestWSRejectsBadTokens(t *testing.T) {
	fx := newWSFixture(t)

	resp, err := http.Get(fx.srv.URL + "/v1/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(fx.srv.URL + "/v1/ws?token=garbage")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWSConnectSendsInitialState(t *testing.T) {
	fx := newWSFixture(t)
	conn := fx.dial(t, fx.alice)

	assert.Equal(t, events.TypeConnected, readFrame(t, conn).Type)
	assert.Equal(t, events.TypeUnreadUpdate, readFrame(t, conn).Type)
}

func TestWSSendFansOutToRecipients(t *testing.T) {
	fx := newWSFixture(t)
	alice := fx.dial(t, fx.alice)
	bob := fx.dial(t, fx.bob)

	// Drain both initial states before the interesting frames.
	readUntil(t, alice, events.TypeUnreadUpdate)
	readUntil(t, bob, events.TypeUnreadUpdate)

	writeFrame(t, alice, events.Frame{
		Type:        events.TypeSend,
		ThreadID:    fx.thread.ID,
		Body:        "hello team",
		ClientMsgID: "c1",
	})

	// Bob gets the message and his bumped counter; alice gets her echo.
	msgFrame := readUntil(t, bob, events.TypeNewMessage)
	require.NotNil(t, msgFrame.Message)
	assert.Equal(t, "hello team", msgFrame.Message.Body)
	assert.Equal(t, "c1", msgFrame.Message.ClientMsgID)
	assert.Equal(t, fx.alice, msgFrame.Message.SenderID)

	unreadFrame := readUntil(t, bob, events.TypeUnreadUpdate)
	assert.Equal(t, int64(1), unreadFrame.PerThread[fx.thread.ID.String()])

	echo := readUntil(t, alice, events.TypeNewMessage)
	require.NotNil(t, echo.Message)
	assert.Equal(t, "c1", echo.Message.ClientMsgID)
}

func TestWSTypingStaysInRoom(t *testing.T) {
	fx := newWSFixture(t)
	alice := fx.dial(t, fx.alice)
	bob := fx.dial(t, fx.bob)

	readUntil(t, alice, events.TypeUnreadUpdate)
	readUntil(t, bob, events.TypeUnreadUpdate)

	// Both join the thread's room; alice types.
	writeFrame(t, alice, events.Frame{Type: events.TypeJoin, ThreadID: fx.thread.ID})
	writeFrame(t, bob, events.Frame{Type: events.TypeJoin, ThreadID: fx.thread.ID})
	time.Sleep(50 * time.Millisecond) // joins are processed asynchronously

	writeFrame(t, alice, events.Frame{
		Type:     events.TypeTyping,
		ThreadID: fx.thread.ID,
		IsTyping: true,
	})

	frame := readUntil(t, bob, events.TypeTyping)
	assert.Equal(t, fx.alice, frame.UserID)
	assert.True(t, frame.IsTyping)
}
