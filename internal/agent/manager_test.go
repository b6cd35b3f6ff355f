// ABOUTME: Tests for the agent management layer including Manager, Connection and Handler.
// ABOUTME: Validates replacement semantics, ordered sends, status routing and the handshake.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/opamp-gateway/internal/fleet"
	"github.com/2389/opamp-gateway/internal/protocol"
	"github.com/2389/opamp-gateway/internal/registry"
	"github.com/2389/opamp-gateway/internal/store"
)

func newTestConnection(t *testing.T, id string) (*Connection, *PipeEnd) {
	t.Helper()
	server, client := Pipe()
	conn := NewConnection(ConnectionParams{ID: id, Transport: server})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	conn.Start(ctx)
	return conn, client
}

func readEnvelope(t *testing.T, p *PipeEnd) protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := p.Read(ctx)
	require.NoError(t, err)
	return env
}

func TestConnection_SendsInOrder(t *testing.T) {
	conn, client := newTestConnection(t, "agent-1")
	ctx := context.Background()

	for i := range 20 {
		require.NoError(t, conn.Send(ctx, protocol.TypeHeartbeatAck, protocol.HeartbeatAck{
			Timestamp: time.Unix(int64(i), 0).UTC(),
		}))
	}
	for i := range 20 {
		env := readEnvelope(t, client)
		msg, err := protocol.Decode(env)
		require.NoError(t, err)
		assert.Equal(t, int64(i), msg.(*protocol.HeartbeatAck).Timestamp.Unix())
	}
}

func TestConnection_SendAfterClose(t *testing.T) {
	conn, client := newTestConnection(t, "agent-1")
	conn.Close("test")
	conn.Close("again")

	err := conn.Send(context.Background(), protocol.TypeWelcome, protocol.Welcome{})
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.Equal(t, "test", client.CloseReason())
}

func TestConnection_StatusRouting(t *testing.T) {
	conn, _ := newTestConnection(t, "agent-1")

	ch := conn.AwaitStatus("h1")
	assert.False(t, conn.HandleStatus(&protocol.ConfigStatus{AppliedHash: "other"}))
	assert.True(t, conn.HandleStatus(&protocol.ConfigStatus{AppliedHash: "h1", Outcome: protocol.OutcomeApplied}))
	assert.True(t, conn.HandleStatus(&protocol.ConfigStatus{AppliedHash: "h1", Outcome: protocol.OutcomeApplied}),
		"duplicates are absorbed, not reported as unsolicited")

	status := <-ch
	assert.True(t, status.Succeeded())

	conn.CancelAwait("h1", ch)
	_, ok := <-ch
	assert.False(t, ok, "channel closed after CancelAwait")
	assert.False(t, conn.HandleStatus(&protocol.ConfigStatus{AppliedHash: "h1"}))
}

func TestConnection_CancelAwaitLeavesNewerWaiter(t *testing.T) {
	conn, _ := newTestConnection(t, "agent-1")

	older := conn.AwaitStatus("h1")
	newer := conn.AwaitStatus("h1")
	conn.CancelAwait("h1", older)

	select {
	case _, ok := <-newer:
		t.Fatalf("newer waiter disturbed (ok=%v)", ok)
	default:
	}
	require.True(t, conn.HandleStatus(&protocol.ConfigStatus{AppliedHash: "h1", Outcome: protocol.OutcomeApplied}))
	status, ok := <-newer
	require.True(t, ok)
	assert.True(t, status.Succeeded())

	conn.CancelAwait("h1", newer)
	_, ok = <-newer
	assert.False(t, ok)
}

func TestManager_LastConnectionWins(t *testing.T) {
	m := NewManager(nil, nil)

	first, firstClient := newTestConnection(t, "agent-1")
	assert.Nil(t, m.Register(first))

	second, _ := newTestConnection(t, "agent-1")
	replaced := m.Register(second)
	assert.Same(t, first, replaced)

	select {
	case <-firstClient.Closed():
	case <-time.After(time.Second):
		t.Fatal("replaced connection was not closed")
	}

	assert.False(t, m.Unregister(first), "old connection must not remove its replacement")
	got, ok := m.GetAgent("agent-1")
	require.True(t, ok)
	assert.Same(t, second, got)

	assert.True(t, m.Unregister(second))
	assert.False(t, m.IsOnline("agent-1"))
}

func TestManager_ListAndClose(t *testing.T) {
	m := NewManager(nil, nil)
	for _, id := range []string{"b", "a", "c"} {
		conn, _ := newTestConnection(t, id)
		m.Register(conn)
	}
	assert.Equal(t, []string{"a", "b", "c"}, m.ListAgents())
	assert.Equal(t, 3, m.Count())

	assert.True(t, m.CloseAgent("a", "stale"))
	assert.False(t, m.CloseAgent("zzz", "stale"))

	m.CloseAll("shutdown")
	for _, id := range []string{"a", "b", "c"} {
		conn, _ := m.GetAgent(id)
		select {
		case <-conn.Done():
		default:
			t.Fatalf("connection %s not closed", id)
		}
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) record(kind, id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, kind+":"+id)
}

func (n *recordingNotifier) AgentConnected(id string)    { n.record("connected", id) }
func (n *recordingNotifier) AgentDescribed(id string)    { n.record("described", id) }
func (n *recordingNotifier) AgentDisconnected(id string) { n.record("disconnected", id) }

func (n *recordingNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

type handlerFixture struct {
	handler  *Handler
	manager  *Manager
	registry *registry.Registry
	notifier *recordingNotifier
}

func setupHandler(t *testing.T) *handlerFixture {
	t.Helper()
	reg := registry.New(store.NewMemoryStore(), nil)
	mgr := NewManager(nil, nil)
	n := &recordingNotifier{}
	h := NewHandler(HandlerConfig{ServerID: "gw-test", HandshakeTimeout: 200 * time.Millisecond}, mgr, reg, n, nil)
	return &handlerFixture{handler: h, manager: mgr, registry: reg, notifier: n}
}

func send(t *testing.T, p *PipeEnd, msgType string, payload any) {
	t.Helper()
	env, err := protocol.Encode(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, p.Write(context.Background(), env))
}

func serve(f *handlerFixture, server Transport) <-chan error {
	done := make(chan error, 1)
	go func() { done <- f.handler.Serve(context.Background(), server) }()
	return done
}

func TestHandler_HandshakeAndLifecycle(t *testing.T) {
	f := setupHandler(t)
	server, client := Pipe()
	done := serve(f, server)

	send(t, client, protocol.TypeAgentDescription, protocol.AgentDescription{
		AgentID:  "a1",
		Hostname: "host-a1",
		Labels:   map[string]string{"role": "gateway"},
	})

	welcome := readEnvelope(t, client)
	require.Equal(t, protocol.TypeWelcome, welcome.Type)
	var w protocol.Welcome
	require.NoError(t, json.Unmarshal(welcome.Payload, &w))
	assert.Equal(t, "gw-test", w.ServerID)
	assert.Equal(t, "a1", w.AgentID)

	send(t, client, protocol.TypeHeartbeat, protocol.Heartbeat{AgentID: "a1", Timestamp: time.Now()})
	assert.Equal(t, protocol.TypeHeartbeatAck, readEnvelope(t, client).Type)

	send(t, client, protocol.TypeAgentDescription, protocol.AgentDescription{
		AgentID: "a1",
		Labels:  map[string]string{"role": "edge"},
	})
	send(t, client, protocol.TypeConfigStatus, protocol.ConfigStatus{
		AgentID: "a1", AppliedHash: "local", Outcome: protocol.OutcomeApplied,
	})

	require.Eventually(t, func() bool {
		a, err := f.registry.Get("a1")
		return err == nil && a.ReportedHash == "local" && a.Labels["role"] == "edge"
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, client.Close("bye"))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("serve did not return after close")
	}

	a, err := f.registry.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, fleet.ConnDisconnected, a.ConnectionState)
	assert.Equal(t, []string{"connected:a1", "described:a1", "disconnected:a1"}, f.notifier.Events())
	assert.False(t, f.manager.IsOnline("a1"))
}

func TestHandler_RejectsBadHandshake(t *testing.T) {
	tests := []struct {
		name  string
		write func(t *testing.T, p *PipeEnd)
	}{
		{"wrong first message", func(t *testing.T, p *PipeEnd) {
			send(t, p, protocol.TypeHeartbeat, protocol.Heartbeat{AgentID: "a1"})
		}},
		{"missing agent id", func(t *testing.T, p *PipeEnd) {
			send(t, p, protocol.TypeAgentDescription, protocol.AgentDescription{Hostname: "h"})
		}},
		{"timeout", func(t *testing.T, p *PipeEnd) {}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupHandler(t)
			server, client := Pipe()
			done := serve(f, server)
			tt.write(t, client)

			select {
			case err := <-done:
				assert.ErrorIs(t, err, ErrHandshake)
			case <-time.After(2 * time.Second):
				t.Fatal("serve did not reject handshake")
			}
			assert.Empty(t, f.notifier.Events())
		})
	}
}

func TestHandler_ReconnectReplacesOldConnection(t *testing.T) {
	f := setupHandler(t)

	oldServer, oldClient := Pipe()
	oldDone := serve(f, oldServer)
	send(t, oldClient, protocol.TypeAgentDescription, protocol.AgentDescription{AgentID: "a1"})
	readEnvelope(t, oldClient)

	newServer, newClient := Pipe()
	serve(f, newServer)
	send(t, newClient, protocol.TypeAgentDescription, protocol.AgentDescription{AgentID: "a1"})
	readEnvelope(t, newClient)

	select {
	case <-oldDone:
	case <-time.After(time.Second):
		t.Fatal("old connection still served")
	}

	a, err := f.registry.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, fleet.ConnConnected, a.ConnectionState, "old teardown must not disconnect the new session")
	assert.True(t, f.manager.IsOnline("a1"))
	assert.Equal(t, []string{"connected:a1", "connected:a1"}, f.notifier.Events())
}

func TestHandler_MalformedMessageClosesOnlyThatConnection(t *testing.T) {
	f := setupHandler(t)

	goodServer, goodClient := Pipe()
	serve(f, goodServer)
	send(t, goodClient, protocol.TypeAgentDescription, protocol.AgentDescription{AgentID: "good"})
	readEnvelope(t, goodClient)

	badServer, badClient := Pipe()
	badDone := serve(f, badServer)
	send(t, badClient, protocol.TypeAgentDescription, protocol.AgentDescription{AgentID: "bad"})
	readEnvelope(t, badClient)
	require.NoError(t, badClient.Write(context.Background(), protocol.Envelope{
		Type:    protocol.TypeHeartbeat,
		Payload: json.RawMessage(`{"timestamp":"yesterday"}`),
	}))

	select {
	case err := <-badDone:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("bad connection not closed")
	}

	send(t, goodClient, protocol.TypeHeartbeat, protocol.Heartbeat{AgentID: "good", Timestamp: time.Now()})
	assert.Equal(t, protocol.TypeHeartbeatAck, readEnvelope(t, goodClient).Type)
	assert.Equal(t, []string{"good"}, f.manager.ListAgents(), fmt.Sprint(f.notifier.Events()))
}

func TestHandler_UnknownMessageTypeIsSkipped(t *testing.T) {
	f := setupHandler(t)
	server, client := Pipe()
	done := serve(f, server)
	send(t, client, protocol.TypeAgentDescription, protocol.AgentDescription{AgentID: "a1"})
	readEnvelope(t, client)

	require.NoError(t, client.Write(context.Background(), protocol.Envelope{
		Type:    "component_health",
		Payload: json.RawMessage(`{"healthy":true}`),
	}))

	send(t, client, protocol.TypeHeartbeat, protocol.Heartbeat{AgentID: "a1", Timestamp: time.Now()})
	assert.Equal(t, protocol.TypeHeartbeatAck, readEnvelope(t, client).Type)
	select {
	case err := <-done:
		t.Fatalf("connection closed on unknown message type: %v", err)
	default:
	}
	assert.True(t, f.manager.IsOnline("a1"))
}
