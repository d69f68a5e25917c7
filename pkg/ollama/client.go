// Package ollama is the client for the Ollama chat API. Its Stream is the
// upstream token source a chunk.Relay drains.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/papercomputeco/localllama/pkg/llm"
)

// DefaultHost is the Ollama address used when nothing else is configured.
const DefaultHost = "http://localhost:11434"

// Config configures a Client.
type Config struct {
	// Host is the Ollama base URL (e.g., "http://localhost:11434").
	Host string

	// HostFunc, when set, is consulted on every request and wins over Host
	// unless it returns "". It lets the host follow the global settings.
	HostFunc func() string

	// Timeout bounds non-streaming requests. Streams are bounded only by their context.
	Timeout time.Duration
}

// Client talks to an Ollama server.
type Client struct {
	config       Config
	logger       *zap.Logger
	httpClient   *http.Client
	streamClient *http.Client
}

// NewClient creates a new Client.
func NewClient(config Config, logger *zap.Logger) *Client {
	if config.Timeout == 0 {
		// Title generation on a cold model includes the model load.
		config.Timeout = 2 * time.Minute
	}

	return &Client{
		config:       config,
		logger:       logger,
		httpClient:   &http.Client{Timeout: config.Timeout},
		streamClient: &http.Client{},
	}
}

// Host returns the base URL requests are currently sent to.
func (c *Client) Host() string {
	if c.config.HostFunc != nil {
		if h := c.config.HostFunc(); h != "" {
			return strings.TrimRight(h, "/")
		}
	}
	if c.config.Host != "" {
		return strings.TrimRight(c.config.Host, "/")
	}
	return DefaultHost
}

// Chat sends a non-streaming chat request and returns the complete response.
func (c *Client) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	req.Stream = llm.Bool(false)

	httpResp, err := c.post(ctx, c.httpClient, req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var resp llm.ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	return &resp, nil
}

// ChatStream sends a streaming chat request. It returns once the response
// headers arrive; tokens are pulled through the returned Stream, which must
// be closed. Cancelling ctx aborts the stream.
func (c *Client) ChatStream(ctx context.Context, req llm.ChatRequest) (*Stream, error) {
	req.Stream = llm.Bool(true)

	httpResp, err := c.post(ctx, c.streamClient, req)
	if err != nil {
		return nil, err
	}

	return newStream(httpResp.Body, c.logger), nil
}

func (c *Client) post(ctx context.Context, httpClient *http.Client, req llm.ChatRequest) (*http.Response, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	upstreamURL := c.Host() + "/api/chat"
	c.logger.Debug("sending chat request to upstream",
		zap.String("url", upstreamURL),
		zap.String("model", req.Model),
		zap.Int("message_count", len(req.Messages)),
		zap.Bool("stream", *req.Stream),
	)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		body, _ := io.ReadAll(httpResp.Body)
		return nil, newUpstreamError(httpResp.StatusCode, body)
	}

	return httpResp, nil
}
