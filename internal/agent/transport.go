// ABOUTME: Transport abstraction for agent channels.
// ABOUTME: Websocket implementation for production and an in-memory pipe for tests and simulators.

package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/opamp-gateway/internal/protocol"
)

// ErrTransportClosed is returned by a closed pipe end.
var ErrTransportClosed = errors.New("transport closed")

// Transport carries envelopes to and from one agent. Read is called from a
// single goroutine, Write from a single (different) goroutine.
type Transport interface {
	Read(ctx context.Context) (protocol.Envelope, error)
	Write(ctx context.Context, env protocol.Envelope) error
	Close(reason string) error
}

// WebSocketTransport frames envelopes as JSON text messages.
type WebSocketTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps an accepted websocket connection.
func NewWebSocketTransport(conn *websocket.Conn, readLimit int64) *WebSocketTransport {
	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}
	return &WebSocketTransport{conn: conn}
}

// Read implements Transport.
func (t *WebSocketTransport) Read(ctx context.Context) (protocol.Envelope, error) {
	var env protocol.Envelope
	err := wsjson.Read(ctx, t.conn, &env)
	return env, err
}

// Write implements Transport.
func (t *WebSocketTransport) Write(ctx context.Context, env protocol.Envelope) error {
	return wsjson.Write(ctx, t.conn, env)
}

// Close implements Transport.
func (t *WebSocketTransport) Close(reason string) error {
	// Close frames carry at most 123 bytes of reason.
	if len(reason) > 120 {
		reason = reason[:120]
	}
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}

// PipeEnd is one side of an in-memory Transport pair.
type PipeEnd struct {
	in     <-chan protocol.Envelope
	out    chan<- protocol.Envelope
	closed chan struct{}
	once   *sync.Once
	reason *closeReason
}

type closeReason struct {
	mu  sync.Mutex
	val string
}

// Pipe returns two connected ends. Closing either end closes both.
func Pipe() (*PipeEnd, *PipeEnd) {
	a := make(chan protocol.Envelope, 64)
	b := make(chan protocol.Envelope, 64)
	closed := make(chan struct{})
	once := &sync.Once{}
	reason := &closeReason{}
	return &PipeEnd{in: a, out: b, closed: closed, once: once, reason: reason},
		&PipeEnd{in: b, out: a, closed: closed, once: once, reason: reason}
}

// Read implements Transport. Buffered messages are delivered before the
// close is observed.
func (p *PipeEnd) Read(ctx context.Context) (protocol.Envelope, error) {
	select {
	case env := <-p.in:
		return env, nil
	default:
	}
	select {
	case env := <-p.in:
		return env, nil
	case <-p.closed:
		return protocol.Envelope{}, ErrTransportClosed
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

// Write implements Transport.
func (p *PipeEnd) Write(ctx context.Context, env protocol.Envelope) error {
	select {
	case <-p.closed:
		return ErrTransportClosed
	default:
	}
	select {
	case p.out <- env:
		return nil
	case <-p.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements Transport.
func (p *PipeEnd) Close(reason string) error {
	p.once.Do(func() {
		p.reason.mu.Lock()
		p.reason.val = reason
		p.reason.mu.Unlock()
		close(p.closed)
	})
	return nil
}

// Closed is closed once either end closes.
func (p *PipeEnd) Closed() <-chan struct{} {
	return p.closed
}

// CloseReason returns the reason given to the first Close.
func (p *PipeEnd) CloseReason() string {
	p.reason.mu.Lock()
	defer p.reason.mu.Unlock()
	return p.reason.val
}
