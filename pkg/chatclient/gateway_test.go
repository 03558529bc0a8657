package chatclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kavinraj-m/opschat/internal/models"
)

func TestHTTPGatewaySendMessage(t *testing.T) {
	thread := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, fmt.Sprintf("/v1/threads/%s/messages", thread), r.URL.Path)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))

		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "hello", payload["body"])
		assert.Equal(t, "c1", payload["client_msg_id"])

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(models.Message{
			ID:          42,
			ThreadID:    thread,
			Body:        payload["body"],
			ClientMsgID: payload["client_msg_id"],
		})
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, "tok-123")
	msg, err := gw.SendMessage(context.Background(), thread, "hello", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), msg.ID)
	assert.Equal(t, "c1", msg.ClientMsgID)
}

func TestHTTPGatewayListMessagesCursor(t *testing.T) {
	thread := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "7", r.URL.Query().Get("after"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode([]models.Message{{ID: 8, ThreadID: thread}})
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, "tok")
	msgs, err := gw.ListMessages(context.Background(), thread, 7, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(8), msgs[0].ID)
}

func TestHTTPGatewayMarkRead(t *testing.T) {
	thread := uuid.New()
	var called bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Equal(t, fmt.Sprintf("/v1/threads/%s/read", thread), r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, "tok")
	require.NoError(t, gw.MarkRead(context.Background(), thread))
	assert.True(t, called)
}

func TestHTTPGatewaySurfacesErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"thread not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, "tok")
	_, err := gw.ListThreads(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
