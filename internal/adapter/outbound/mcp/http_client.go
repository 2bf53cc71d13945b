package mcp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/aegis-gateway/aegis/internal/port/outbound"
	"github.com/aegis-gateway/aegis/pkg/mcp"
)

// maxResponseBodySize caps the upstream response body; a misbehaving
// upstream must not be able to exhaust memory.
const maxResponseBodySize = 10 * 1024 * 1024

// HTTPClient connects to a remote MCP server that speaks JSON-RPC over
// HTTP POST. The server's session header is echoed on subsequent
// requests. HTTP upstreams have no server-push channel here, so the
// notifications channel stays empty until close.
// Implements outbound.MCPClient.
type HTTPClient struct {
	endpoint   string
	httpClient *http.Client

	mu        sync.Mutex
	sessionID string
	closed    bool

	notifications chan *mcp.Message
	done          chan struct{}
	closeOnce     sync.Once
	nextID        int64
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.httpClient = client }
}

// NewHTTPClient creates a client for the given endpoint.
func NewHTTPClient(endpoint string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		notifications: make(chan *mcp.Message),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ outbound.MCPClient = (*HTTPClient)(nil)

// Start performs the initialize handshake against the endpoint.
func (c *HTTPClient) Start(ctx context.Context) error {
	c.mu.Lock()
	c.nextID++
	id, _ := json.Marshal(c.nextID)
	c.mu.Unlock()

	init, err := mcp.NewRequestMessage(id, "initialize", map[string]any{
		"protocolVersion": "2025-03-26",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "aegis", "version": "1"},
	})
	if err != nil {
		return err
	}
	if _, err := c.Call(ctx, init); err != nil {
		return fmt.Errorf("initialize handshake: %w", err)
	}

	note, err := mcp.NewNotificationMessage("notifications/initialized", nil)
	if err != nil {
		return err
	}
	return c.Notify(ctx, note)
}

// Call POSTs the request and returns the decoded response.
func (c *HTTPClient) Call(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	body, err := c.post(ctx, msg.Raw)
	if err != nil {
		return nil, err
	}
	resp, err := mcp.WrapMessage(bytes.TrimSpace(body), mcp.ServerToClient)
	if err != nil {
		return nil, fmt.Errorf("decoding upstream response: %w", err)
	}
	return resp, nil
}

// Notify POSTs a notification; the response body, if any, is discarded.
func (c *HTTPClient) Notify(ctx context.Context, msg *mcp.Message) error {
	_, err := c.post(ctx, msg.Raw)
	return err
}

func (c *HTTPClient) post(ctx context.Context, raw []byte) ([]byte, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("client closed")
	}
	sessionID := c.sessionID
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http status %d", resp.StatusCode)
	}
	return body, nil
}

// Notifications returns the (empty) notification channel; it is closed
// when the client closes.
func (c *HTTPClient) Notifications() <-chan *mcp.Message {
	return c.notifications
}

// Wait blocks until Close.
func (c *HTTPClient) Wait() error {
	<-c.done
	return nil
}

// Close releases the connection. Idempotent.
func (c *HTTPClient) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.notifications)
		close(c.done)
		c.httpClient.CloseIdleConnections()
	})
	return nil
}
