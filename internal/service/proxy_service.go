package service

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/aegis-gateway/aegis/internal/domain/proxy"
	"github.com/aegis-gateway/aegis/pkg/mcp"
)

// scanBufferSize bounds one inbound line. Slightly above the chain's own
// message cap so oversized messages get a proper JSON-RPC rejection
// instead of a scanner error.
const scanBufferSize = 5 * 1024 * 1024

// ProxyService drives messages through the interceptor chain for the
// inbound transports. One instance serves both stdio and HTTP.
type ProxyService struct {
	chain  proxy.MessageInterceptor
	hub    *proxy.NotificationHub
	logger *slog.Logger
}

// NewProxyService creates the service.
func NewProxyService(chain proxy.MessageInterceptor, hub *proxy.NotificationHub, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		chain:  chain,
		hub:    hub,
		logger: logger.With("component", "proxy_service"),
	}
}

// Hub exposes the notification hub for transports that stream
// server-initiated notifications to their clients.
func (s *ProxyService) Hub() *proxy.NotificationHub {
	return s.hub
}

// HandleMessage runs one raw JSON-RPC message through the chain and
// returns the serialized response. Returns nil for messages that
// produce no response (notifications).
func (s *ProxyService) HandleMessage(ctx context.Context, raw []byte, agentID, clientIP string) []byte {
	msg, err := mcp.WrapMessage(raw, mcp.ClientToServer)
	if err != nil {
		// Keep the raw bytes so the validation layer can answer with a
		// correlated parse error where an ID is recoverable.
		msg = &mcp.Message{Raw: raw, Direction: mcp.ClientToServer}
	}
	msg.AgentID = agentID
	msg.ClientIP = clientIP

	resp, err := s.chain.Intercept(ctx, msg)
	if err != nil {
		// The audit interceptor converts enforcement errors; anything
		// escaping here is a chain wiring failure.
		s.logger.Error("interceptor chain returned error", "error", err)
		resp = proxy.ToErrorMessage(msg, err)
	}
	if resp == nil {
		return nil
	}
	return resp.Raw
}

// ServeStdio runs the newline-delimited JSON-RPC loop over r/w until EOF
// or context cancellation. Upstream notifications are interleaved with
// responses on w.
func (s *ProxyService) ServeStdio(ctx context.Context, r io.Reader, w io.Writer, agentID string) error {
	var writeMu sync.Mutex
	write := func(data []byte) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := w.Write(append(data, '\n')); err != nil {
			s.logger.Warn("stdio write failed", "error", err)
		}
	}

	subID := "stdio:" + agentID
	notifications := s.hub.Subscribe(subID)
	defer s.hub.Unsubscribe(subID)

	go func() {
		for msg := range notifications {
			write(msg.Raw)
		}
	}()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		raw := make([]byte, len(line))
		copy(raw, line)

		if resp := s.HandleMessage(ctx, raw, agentID, ""); resp != nil {
			write(resp)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stdio read: %w", err)
	}
	return nil
}
