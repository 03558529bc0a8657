package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/kavinraj-m/opschat/internal/models"
)

// Gateway is the persistence boundary the client core talks to: the
// initial fetches, the HTTP send fallback, and mark-as-read. The
// client never treats what it gets back as anything but the source of
// truth — local state is rebuilt from fetch + event stream.
type Gateway interface {
	ListThreads(ctx context.Context) ([]models.ThreadSummary, error)
	ListMessages(ctx context.Context, threadID uuid.UUID, after int64, limit int) ([]models.Message, error)
	SendMessage(ctx context.Context, threadID uuid.UUID, body, clientMsgID string) (*models.Message, error)
	MarkRead(ctx context.Context, threadID uuid.UUID) error
}

// HTTPGateway implements Gateway against the opschat REST API.
type HTTPGateway struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPGateway(baseURL, token string) *HTTPGateway {
	return &HTTPGateway{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{},
	}
}

func (g *HTTPGateway) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (g *HTTPGateway) ListThreads(ctx context.Context) ([]models.ThreadSummary, error) {
	var threads []models.ThreadSummary
	if err := g.do(ctx, http.MethodGet, "/v1/threads", nil, &threads); err != nil {
		return nil, err
	}
	return threads, nil
}

func (g *HTTPGateway) ListMessages(ctx context.Context, threadID uuid.UUID, after int64, limit int) ([]models.Message, error) {
	path := fmt.Sprintf("/v1/threads/%s/messages?after=%d&limit=%d", threadID, after, limit)
	var messages []models.Message
	if err := g.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (g *HTTPGateway) SendMessage(ctx context.Context, threadID uuid.UUID, body, clientMsgID string) (*models.Message, error) {
	path := fmt.Sprintf("/v1/threads/%s/messages", threadID)
	payload := map[string]string{
		"body":          body,
		"client_msg_id": clientMsgID,
	}
	var msg models.Message
	if err := g.do(ctx, http.MethodPost, path, payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (g *HTTPGateway) MarkRead(ctx context.Context, threadID uuid.UUID) error {
	path := fmt.Sprintf("/v1/threads/%s/read", threadID)
	return g.do(ctx, http.MethodPost, path, struct{}{}, nil)
}
