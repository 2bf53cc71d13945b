// Package http provides the HTTP inbound transport: JSON-RPC over POST,
// server-initiated notifications over SSE, health, and metrics.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aegis-gateway/aegis/internal/config"
	"github.com/aegis-gateway/aegis/internal/domain/upstream"
	"github.com/aegis-gateway/aegis/internal/metrics"
	"github.com/aegis-gateway/aegis/internal/service"
	"github.com/aegis-gateway/aegis/pkg/mcp"
)

// maxBodyBytes bounds one POSTed message; the chain applies its own cap,
// this one just stops unbounded reads at the edge.
const maxBodyBytes = 5 * 1024 * 1024

// StatusFunc reports upstream connection states for the health endpoint.
type StatusFunc func() map[string]upstream.ConnectionStatus

// Handler serves the HTTP transport.
type Handler struct {
	proxy    *service.ProxyService
	tokens   []config.AuthToken
	statuses StatusFunc
	metrics  *metrics.Metrics
	timeout  time.Duration
	logger   *slog.Logger

	// verified caches successful token checks; argon2id verification is
	// deliberately slow and must not run on every request.
	verifiedMu sync.RWMutex
	verified   map[string]string
}

// NewHandler creates the handler.
func NewHandler(proxy *service.ProxyService, cfg config.Config, statuses StatusFunc, m *metrics.Metrics, logger *slog.Logger) *Handler {
	return &Handler{
		proxy:    proxy,
		tokens:   cfg.Auth.Tokens,
		statuses: statuses,
		metrics:  m,
		timeout:  cfg.Server.RequestTimeout(),
		logger:   logger.With("component", "http_transport"),
		verified: make(map[string]string),
	}
}

// Routes builds the mux: health and metrics are open, everything else
// requires a bearer token.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("POST /", h.withAuth(h.handleMessage))
	mux.HandleFunc("GET /events", h.withAuth(h.handleEvents))
	return mux
}

// NewServer wraps the routes in a configured http.Server.
func NewServer(h *Handler, port int) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// withAuth authenticates the bearer token and passes the resolved agent
// identity to the wrapped handler via the request context.
func (h *Handler) withAuth(next func(w http.ResponseWriter, r *http.Request, agentID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		agentID, ok := h.authenticate(token)
		if !ok {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next(w, r, agentID)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// authenticate resolves a bearer token to an agent identity.
func (h *Handler) authenticate(token string) (string, bool) {
	h.verifiedMu.RLock()
	agentID, hit := h.verified[token]
	h.verifiedMu.RUnlock()
	if hit {
		return agentID, true
	}

	for _, t := range h.tokens {
		match, err := argon2id.ComparePasswordAndHash(token, t.TokenHash)
		if err != nil {
			h.logger.Warn("malformed token hash", "agent_id", t.AgentID, "error", err)
			continue
		}
		if match {
			h.verifiedMu.Lock()
			h.verified[token] = t.AgentID
			h.verifiedMu.Unlock()
			return t.AgentID, true
		}
	}
	return "", false
}

// handleMessage runs one JSON-RPC message through the chain.
func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request, agentID string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	h.metrics.ObserveRequest(methodOf(body))
	resp := h.proxy.HandleMessage(ctx, body, agentID, clientIP(r))
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if kind := errorKindOf(resp); kind != "" {
		h.metrics.ObserveError(kind)
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(resp); err != nil {
		h.logger.Warn("response write failed", "error", err)
	}
}

// handleEvents streams upstream notifications to the client as SSE.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request, agentID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	subID := "http:" + agentID + ":" + r.RemoteAddr
	notifications := h.proxy.Hub().Subscribe(subID)
	defer h.proxy.Hub().Unsubscribe(subID)

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, open := <-notifications:
			if !open {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", msg.Raw); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleHealth reports liveness and upstream connection states.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{"status": "ok"}
	if h.statuses != nil {
		payload["upstreams"] = h.statuses()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func methodOf(raw []byte) string {
	var probe struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.Method == "" {
		return "unknown"
	}
	return probe.Method
}

// errorKindOf maps a JSON-RPC error response to a metrics label, or ""
// for a success response.
func errorKindOf(resp []byte) string {
	var probe struct {
		Error *struct {
			Code int64 `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp, &probe); err != nil || probe.Error == nil {
		return ""
	}
	switch probe.Error.Code {
	case mcp.CodeAccessDenied:
		return "access_denied"
	case mcp.CodePolicyViolation:
		return "policy_violation"
	case mcp.CodeRateLimited:
		return "rate_limited"
	case mcp.CodeInternal:
		return "internal"
	default:
		return "protocol"
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
