package proxy

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/aegis-gateway/aegis/pkg/mcp"
)

// subscriberBuffer bounds the per-subscriber queue. A subscriber that
// falls this far behind loses notifications rather than stalling the
// broadcast path.
const subscriberBuffer = 32

// Invalidator reacts to an upstream's tools/list_changed notification.
// Implemented by the tool discovery service: mark the listing stale and
// drop cached decisions that named the old tools.
type Invalidator interface {
	InvalidateUpstream(upstreamID string)
}

// NotificationHub fans upstream-originated notifications out to
// connected clients. Notifications flow one way: upstream to client,
// never back toward an upstream.
type NotificationHub struct {
	mu          sync.RWMutex
	subscribers map[string]chan *mcp.Message
	invalidator Invalidator
	dropped     atomic.Uint64
	logger      *slog.Logger
}

// NewNotificationHub creates the hub. invalidator may be nil.
func NewNotificationHub(invalidator Invalidator, logger *slog.Logger) *NotificationHub {
	return &NotificationHub{
		subscribers: make(map[string]chan *mcp.Message),
		invalidator: invalidator,
		logger:      logger.With("component", "notification_hub"),
	}
}

// Subscribe registers a client sink under id and returns the channel to
// read from. Re-subscribing with the same id replaces the old sink.
func (h *NotificationHub) Subscribe(id string) <-chan *mcp.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.subscribers[id]; ok {
		close(old)
	}
	ch := make(chan *mcp.Message, subscriberBuffer)
	h.subscribers[id] = ch
	return ch
}

// Unsubscribe removes a client sink and closes its channel.
func (h *NotificationHub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
}

// Broadcast delivers an upstream notification to every subscriber.
// Slow subscribers are skipped, not waited on.
func (h *NotificationHub) Broadcast(upstreamID string, msg *mcp.Message) {
	if msg == nil || !msg.IsNotification() {
		return
	}

	switch msg.Method() {
	case "notifications/tools/list_changed", "notifications/resources/list_changed":
		if h.invalidator != nil {
			h.invalidator.InvalidateUpstream(upstreamID)
		}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subscribers {
		select {
		case ch <- msg:
		default:
			h.dropped.Add(1)
			h.logger.Warn("dropping notification for slow subscriber",
				"subscriber", id, "method", msg.Method(), "upstream_id", upstreamID)
		}
	}
}

// Dropped returns the number of notifications discarded because a
// subscriber's queue was full.
func (h *NotificationHub) Dropped() uint64 {
	return h.dropped.Load()
}

// Subscribers returns the number of registered sinks.
func (h *NotificationHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close closes every subscriber channel.
func (h *NotificationHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
}
