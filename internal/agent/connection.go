// ABOUTME: Represents a single connected agent and its ordered outbound queue.
// ABOUTME: Routes config status reports to the push waiting for them.

package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/opamp-gateway/internal/protocol"
)

// ErrConnectionClosed is returned when sending on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

const outboundQueueSize = 32

// Connection represents a connected agent. All sends go through one writer
// goroutine, so messages reach the agent in the order Send was called.
type Connection struct {
	ID          string
	Hostname    string
	Session     uint64
	ConnectedAt time.Time

	transport    Transport
	outbound     chan protocol.Envelope
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration

	pending map[string]chan *protocol.ConfigStatus
	mu      sync.RWMutex
	logger  *slog.Logger
}

// ConnectionParams holds the parameters for creating a new Connection.
type ConnectionParams struct {
	ID           string
	Hostname     string
	Session      uint64
	Transport    Transport
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// NewConnection creates a new Connection. Call Start to begin writing.
func NewConnection(p ConnectionParams) *Connection {
	if p.WriteTimeout <= 0 {
		p.WriteTimeout = 10 * time.Second
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return &Connection{
		ID:           p.ID,
		Hostname:     p.Hostname,
		Session:      p.Session,
		ConnectedAt:  time.Now(),
		transport:    p.Transport,
		outbound:     make(chan protocol.Envelope, outboundQueueSize),
		done:         make(chan struct{}),
		writeTimeout: p.WriteTimeout,
		pending:      make(map[string]chan *protocol.ConfigStatus),
		logger:       p.Logger.With("agent_id", p.ID),
	}
}

// Start runs the writer until the connection closes or ctx ends.
func (c *Connection) Start(ctx context.Context) {
	go c.writeLoop(ctx)
}

func (c *Connection) writeLoop(ctx context.Context) {
	for {
		select {
		case env := <-c.outbound:
			wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
			err := c.transport.Write(wctx, env)
			cancel()
			if err != nil {
				c.logger.Warn("write to agent failed", "type", env.Type, "error", err)
				c.Close("write failed")
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			c.Close("server shutting down")
			return
		}
	}
}

// Send queues a message for the agent.
func (c *Connection) Send(ctx context.Context, msgType string, payload any) error {
	env, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.outbound <- env:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the connection closes.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close shuts the connection. Safe to call more than once.
func (c *Connection) Close(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.transport.Close(reason); err != nil {
			c.logger.Debug("closing transport", "error", err)
		}
		c.logger.Debug("connection closed", "reason", reason)
	})
}

// AwaitStatus registers interest in the status report for hash. A later
// registration for the same hash takes over routing. The caller must
// eventually call CancelAwait with the returned channel.
func (c *Connection) AwaitStatus(hash string) <-chan *protocol.ConfigStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan *protocol.ConfigStatus, 1)
	c.pending[hash] = ch
	return ch
}

// CancelAwait closes and removes the waiter for hash, but only if ch is
// still the registered one; a newer waiter for the same hash is left alone.
func (c *Connection) CancelAwait(hash string, ch <-chan *protocol.ConfigStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.pending[hash]; ok && cur == ch {
		close(cur)
		delete(c.pending, hash)
	}
}

// HandleStatus routes a status report to its waiter. It reports false
// when nobody is waiting for that hash.
func (c *Connection) HandleStatus(status *protocol.ConfigStatus) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ch, ok := c.pending[status.AppliedHash]
	if !ok {
		return false
	}

	// Non-blocking send; the waiter only needs the first report.
	select {
	case ch <- status:
	default:
		c.logger.Debug("duplicate status report dropped", "hash", status.AppliedHash)
	}
	return true
}
