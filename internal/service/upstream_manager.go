package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aegis-gateway/aegis/internal/domain/proxy"
	"github.com/aegis-gateway/aegis/internal/domain/upstream"
	"github.com/aegis-gateway/aegis/internal/metrics"
	"github.com/aegis-gateway/aegis/internal/port/outbound"
	"github.com/aegis-gateway/aegis/pkg/mcp"
)

// Reconnect backoff bounds. The delay doubles per failure and resets
// once a connection has stayed up for stabilityWindow.
const (
	reconnectInitialDelay = time.Second
	reconnectMaxDelay     = time.Minute
	stabilityWindow       = 5 * time.Minute
	defaultMaxInflight    = 32
)

// ClientFactory builds an MCP client for one upstream configuration.
type ClientFactory func(u upstream.Upstream) (outbound.MCPClient, error)

// NotificationFunc receives server-initiated notifications from a
// connected upstream.
type NotificationFunc func(upstreamID string, msg *mcp.Message)

// ConnectFunc is called when an upstream (re)connects, after the
// handshake completes.
type ConnectFunc func(ctx context.Context, upstreamID string)

// managedConn is one supervised upstream connection. sem bounds inflight
// calls; queue bounds inflight plus waiting requests, so a saturated
// upstream queues a bounded backlog before failing fast.
type managedConn struct {
	config upstream.Upstream
	sem    chan struct{}
	queue  chan struct{}

	mu     sync.RWMutex
	client outbound.MCPClient
	status upstream.ConnectionStatus
}

func (c *managedConn) setState(client outbound.MCPClient, status upstream.ConnectionStatus) {
	c.mu.Lock()
	c.client = client
	c.status = status
	c.mu.Unlock()
}

func (c *managedConn) state() (outbound.MCPClient, upstream.ConnectionStatus) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client, c.status
}

// UpstreamManager supervises all upstream connections: it spawns them,
// reconnects with backoff, bounds inflight requests per upstream, and
// pumps their notifications to the hub. It implements proxy.Dispatcher.
type UpstreamManager struct {
	mu        sync.RWMutex
	conns     map[string]*managedConn
	order     []string
	factory   ClientFactory
	onNotify  NotificationFunc
	onConnect ConnectFunc
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewUpstreamManager creates the manager. onNotify and onConnect may be
// set before Start via SetNotificationFunc/SetConnectFunc.
func NewUpstreamManager(upstreams []upstream.Upstream, factory ClientFactory, logger *slog.Logger) *UpstreamManager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &UpstreamManager{
		conns:   make(map[string]*managedConn, len(upstreams)),
		factory: factory,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With("component", "upstream_manager"),
	}
	for _, u := range upstreams {
		if !u.Enabled {
			continue
		}
		inflight := u.MaxInflight
		if inflight <= 0 {
			inflight = defaultMaxInflight
		}
		m.conns[u.ID] = &managedConn{
			config: u,
			sem:    make(chan struct{}, inflight),
			queue:  make(chan struct{}, 2*inflight),
			status: upstream.StatusDisconnected,
		}
		m.order = append(m.order, u.ID)
	}
	return m
}

// SetNotificationFunc installs the notification sink. Must be called
// before Start.
func (m *UpstreamManager) SetNotificationFunc(fn NotificationFunc) { m.onNotify = fn }

// SetConnectFunc installs the post-connect hook. Must be called before
// Start.
func (m *UpstreamManager) SetConnectFunc(fn ConnectFunc) { m.onConnect = fn }

// SetMetrics installs the metrics sink. Must be called before Start.
func (m *UpstreamManager) SetMetrics(mx *metrics.Metrics) { m.metrics = mx }

// Start launches one supervisor per enabled upstream. It returns
// immediately; connections are established asynchronously.
func (m *UpstreamManager) Start() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.order {
		conn := m.conns[id]
		m.wg.Add(1)
		go m.supervise(conn)
	}
}

// supervise owns one upstream's connection lifecycle: connect, pump
// notifications until the connection dies, back off, repeat.
func (m *UpstreamManager) supervise(conn *managedConn) {
	defer m.wg.Done()

	delay := reconnectInitialDelay
	for {
		if m.ctx.Err() != nil {
			return
		}

		conn.setState(nil, upstream.StatusConnecting)
		client, err := m.connect(conn.config)
		if err != nil {
			conn.setState(nil, upstream.StatusError)
			m.logger.Warn("upstream connection failed",
				"upstream", conn.config.Name, "error", err, "retry_in", delay)
			if !m.sleep(delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}

		conn.setState(client, upstream.StatusConnected)
		m.logger.Info("upstream connected", "upstream", conn.config.Name, "transport", conn.config.Transport)
		connectedAt := time.Now()

		if m.onConnect != nil {
			m.onConnect(m.ctx, conn.config.ID)
		}
		m.pump(conn.config.ID, client)

		err = client.Wait()
		_ = client.Close()
		conn.setState(nil, upstream.StatusDisconnected)

		if m.ctx.Err() != nil {
			return
		}
		m.logger.Warn("upstream disconnected", "upstream", conn.config.Name, "error", err)

		if time.Since(connectedAt) >= stabilityWindow {
			delay = reconnectInitialDelay
		} else {
			delay = nextDelay(delay)
		}
		if !m.sleep(delay) {
			return
		}
	}
}

func (m *UpstreamManager) connect(u upstream.Upstream) (outbound.MCPClient, error) {
	client, err := m.factory(u)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
	defer cancel()
	if err := client.Start(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// pump forwards the client's notifications until its channel closes.
func (m *UpstreamManager) pump(upstreamID string, client outbound.MCPClient) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for msg := range client.Notifications() {
			if m.onNotify != nil {
				msg.OriginUpstream = upstreamID
				m.onNotify(upstreamID, msg)
			}
		}
	}()
}

func (m *UpstreamManager) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-m.ctx.Done():
		return false
	}
}

func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectMaxDelay {
		return reconnectMaxDelay
	}
	return d
}

// Dispatch forwards a request to the named upstream. Up to the inflight
// bound requests run concurrently; an equal number may wait behind them,
// and only beyond that does the call fail fast.
func (m *UpstreamManager) Dispatch(ctx context.Context, upstreamID string, msg *mcp.Message) (*mcp.Message, error) {
	m.mu.RLock()
	conn, ok := m.conns[upstreamID]
	m.mu.RUnlock()
	if !ok {
		return nil, &proxy.UpstreamUnavailableError{UpstreamID: upstreamID, Reason: "unknown upstream"}
	}

	client, status := conn.state()
	if status != upstream.StatusConnected || client == nil {
		return nil, &proxy.UpstreamUnavailableError{UpstreamID: upstreamID, Reason: string(status)}
	}

	select {
	case conn.queue <- struct{}{}:
		defer func() { <-conn.queue }()
	default:
		return nil, &proxy.UpstreamUnavailableError{UpstreamID: upstreamID, Reason: "at capacity"}
	}

	// Queued: wait for an inflight slot until the request deadline.
	select {
	case conn.sem <- struct{}{}:
		defer func() { <-conn.sem }()
	case <-ctx.Done():
		return nil, &proxy.UpstreamUnavailableError{UpstreamID: upstreamID, Reason: "queue wait: " + ctx.Err().Error()}
	}

	started := time.Now()
	resp, err := client.Call(ctx, msg)
	if m.metrics != nil {
		m.metrics.ObserveUpstream(conn.config.Name, time.Since(started))
	}
	if err != nil {
		return nil, &proxy.UpstreamUnavailableError{UpstreamID: upstreamID, Reason: err.Error()}
	}
	return resp, nil
}

// Primary returns the first connected upstream in configuration order.
func (m *UpstreamManager) Primary() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.order {
		if _, status := m.conns[id].state(); status == upstream.StatusConnected {
			return id, true
		}
	}
	return "", false
}

// ConnectedIDs returns the IDs of currently connected upstreams in
// configuration order.
func (m *UpstreamManager) ConnectedIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.order))
	for _, id := range m.order {
		if _, status := m.conns[id].state(); status == upstream.StatusConnected {
			out = append(out, id)
		}
	}
	return out
}

// Name returns the configured display name for an upstream ID.
func (m *UpstreamManager) Name(upstreamID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[upstreamID]
	if !ok {
		return "", false
	}
	return conn.config.Name, true
}

// Statuses returns each upstream's connection state keyed by name.
func (m *UpstreamManager) Statuses() map[string]upstream.ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]upstream.ConnectionStatus, len(m.conns))
	for _, conn := range m.conns {
		_, status := conn.state()
		out[conn.config.Name] = status
	}
	return out
}

// Close terminates all connections and waits for the supervisors.
func (m *UpstreamManager) Close() {
	m.cancel()

	m.mu.RLock()
	for _, conn := range m.conns {
		if client, _ := conn.state(); client != nil {
			_ = client.Close()
		}
	}
	m.mu.RUnlock()

	m.wg.Wait()
}

var _ proxy.Dispatcher = (*UpstreamManager)(nil)
