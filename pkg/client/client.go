// Package client talks to a running localllama server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/papercomputeco/localllama/api"
	"github.com/papercomputeco/localllama/pkg/chunk"
	"github.com/papercomputeco/localllama/pkg/llm"
	"github.com/papercomputeco/localllama/pkg/settings"
	"github.com/papercomputeco/localllama/pkg/storage"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client is a localllama API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New returns a Client for the server at baseURL (e.g., "http://127.0.0.1:3000").
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// No timeout: reply streams stay open for as long as the model talks.
		httpClient: &http.Client{},
	}
}

// SendMessage starts a turn. A chatID of 0 starts a new chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, req api.TurnRequest) (*api.TurnResponse, error) {
	path := "/api/chats/turns"
	if chatID != 0 {
		path = "/api/chats/" + strconv.FormatInt(chatID, 10) + "/turns"
	}

	var resp api.TurnResponse
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// OpenStream claims a reply stream and returns the head of its chain. The
// rest of the chain resolves as events arrive; cancelling ctx closes the
// connection and rejects whatever is still pending.
func (c *Client) OpenStream(ctx context.Context, streamID string) (chunk.Node, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/streams/"+streamID, nil)
	if err != nil {
		return chunk.Node{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return chunk.Node{}, fmt.Errorf("do request: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		return chunk.Node{}, readAPIError(httpResp)
	}

	return chunk.ReadSSE(httpResp.Body)
}

// ListChats returns up to limit chats, newest first.
func (c *Client) ListChats(ctx context.Context, limit int) ([]storage.ChatSummary, error) {
	var chats []storage.ChatSummary
	if err := c.do(ctx, http.MethodGet, "/api/chats?limit="+strconv.Itoa(limit), nil, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// GetChat returns a chat with its messages.
func (c *Client) GetChat(ctx context.Context, chatID int64) (*storage.Chat, error) {
	var found storage.Chat
	if err := c.do(ctx, http.MethodGet, "/api/chats/"+strconv.FormatInt(chatID, 10), nil, &found); err != nil {
		return nil, err
	}
	return &found, nil
}

// Settings returns the server's global settings.
func (c *Client) Settings(ctx context.Context) (*settings.Settings, error) {
	var s settings.Settings
	if err := c.do(ctx, http.MethodGet, "/api/settings", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return readAPIError(httpResp)
	}

	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp llm.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
}
