// Package mcp provides MCP client adapters for connecting to upstream
// servers over stdio subprocesses and remote HTTP endpoints.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/aegis-gateway/aegis/internal/port/outbound"
	"github.com/aegis-gateway/aegis/pkg/mcp"
)

const (
	// scannerInitialBufSize is the initial read buffer; most MCP messages
	// are small.
	scannerInitialBufSize = 256 * 1024
	// scannerMaxBufSize caps one message from the upstream.
	scannerMaxBufSize = 4 * 1024 * 1024
	// notificationBufSize bounds queued server-initiated notifications.
	notificationBufSize = 64
	// handshakeTimeout bounds the initialize round trip.
	handshakeTimeout = 15 * time.Second
)

// StdioClient runs an upstream MCP server as a child process and speaks
// newline-delimited JSON-RPC on its stdin/stdout. Requests are
// correlated to responses by ID; server-initiated notifications are
// delivered on a separate channel. Implements outbound.MCPClient.
type StdioClient struct {
	command string
	args    []string
	env     map[string]string
	dir     string

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	pending map[string]chan *mcp.Message
	started bool
	closed  bool

	notifications chan *mcp.Message
	readerDone    chan struct{}
	waitErr       error
	waitOnce      sync.Once

	nextID atomic.Int64
}

// NewStdioClient creates a client for the given command. Env entries are
// appended to the inherited environment.
func NewStdioClient(command string, args []string, env map[string]string, dir string) *StdioClient {
	return &StdioClient{
		command:       command,
		args:          args,
		env:           env,
		dir:           dir,
		pending:       make(map[string]chan *mcp.Message),
		notifications: make(chan *mcp.Message, notificationBufSize),
		readerDone:    make(chan struct{}),
	}
}

var _ outbound.MCPClient = (*StdioClient)(nil)

// Start spawns the child process and performs the initialize handshake.
func (c *StdioClient) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("client already started")
	}
	c.started = true

	cmd := exec.Command(c.command, c.args...)
	cmd.Dir = c.dir
	cmd.Env = os.Environ()
	for k, v := range c.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// Child servers may spawn their own helpers; a process group lets
	// Close take the whole tree down.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		c.mu.Unlock()
		return fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		c.mu.Unlock()
		return fmt.Errorf("starting %s: %w", c.command, err)
	}
	c.cmd = cmd
	c.stdin = stdin
	c.mu.Unlock()

	go c.readLoop(stdout)

	if err := c.handshake(ctx); err != nil {
		_ = c.Close()
		return fmt.Errorf("initialize handshake: %w", err)
	}
	return nil
}

// handshake performs initialize followed by notifications/initialized.
func (c *StdioClient) handshake(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	id, _ := json.Marshal(c.nextID.Add(1))
	init, err := mcp.NewRequestMessage(id, "initialize", map[string]any{
		"protocolVersion": "2025-03-26",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "aegis", "version": "1"},
	})
	if err != nil {
		return err
	}
	if _, err := c.Call(ctx, init); err != nil {
		return err
	}

	done, err := mcp.NewNotificationMessage("notifications/initialized", nil)
	if err != nil {
		return err
	}
	return c.Notify(ctx, done)
}

// readLoop consumes the child's stdout: responses are routed to their
// waiting caller, notifications to the channel.
func (c *StdioClient) readLoop(stdout io.Reader) {
	defer close(c.readerDone)
	defer close(c.notifications)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, scannerInitialBufSize), scannerMaxBufSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		raw := make([]byte, len(line))
		copy(raw, line)

		msg, err := mcp.WrapMessage(raw, mcp.ServerToClient)
		if err != nil {
			continue
		}

		if id := responseID(raw); id != "" {
			c.mu.Lock()
			ch, ok := c.pending[id]
			if ok {
				delete(c.pending, id)
			}
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
			continue
		}

		select {
		case c.notifications <- msg:
		default:
			// A stalled consumer must not wedge the child's stdout.
		}
	}
	c.failPending()
}

// responseID extracts the id member from a response; empty for
// notifications and id-less messages.
func responseID(raw []byte) string {
	var probe struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	// Requests from the server (sampling etc.) carry both method and id;
	// only method-less messages are responses to our calls.
	if probe.Method != "" || len(probe.ID) == 0 || string(probe.ID) == "null" {
		return ""
	}
	return string(probe.ID)
}

// failPending unblocks every in-flight Call after the connection dies.
// Closed channels signal "connection closed" to the waiting callers.
func (c *StdioClient) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Call sends a request and waits for the correlated response.
func (c *StdioClient) Call(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	id := string(msg.RawID())
	if id == "" || id == "null" {
		return nil, errors.New("request has no id")
	}

	ch := make(chan *mcp.Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("client closed")
	}
	c.pending[id] = ch
	err := c.writeLocked(msg.Raw)
	if err != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, errors.New("connection closed")
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Notify sends a notification; no response is expected.
func (c *StdioClient) Notify(ctx context.Context, msg *mcp.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("client closed")
	}
	return c.writeLocked(msg.Raw)
}

// writeLocked writes one newline-delimited message. Caller holds c.mu.
func (c *StdioClient) writeLocked(raw []byte) error {
	if c.stdin == nil {
		return errors.New("client not started")
	}
	if _, err := c.stdin.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("writing to upstream: %w", err)
	}
	return nil
}

// Notifications returns the channel of server-initiated notifications.
func (c *StdioClient) Notifications() <-chan *mcp.Message {
	return c.notifications
}

// Wait blocks until the child process exits.
func (c *StdioClient) Wait() error {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd == nil {
		return errors.New("client not started")
	}

	c.waitOnce.Do(func() {
		c.waitErr = cmd.Wait()
	})
	<-c.readerDone
	return c.waitErr
}

// Close terminates the child process group and releases resources.
func (c *StdioClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true

	var errs []error
	if c.stdin != nil {
		if err := c.stdin.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stdin: %w", err))
		}
		c.stdin = nil
	}
	cmd := c.cmd
	c.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		// Negative pid signals the whole process group.
		if err := unix.Kill(-cmd.Process.Pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
			_ = cmd.Process.Kill()
		}
		c.waitOnce.Do(func() {
			c.waitErr = cmd.Wait()
		})
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
