// ABOUTME: Per-connection serve loop: handshake, inbound decode and teardown.
// ABOUTME: Talks to the registry directly and to the reconciler through a Notifier.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/opamp-gateway/internal/fleet"
	"github.com/2389/opamp-gateway/internal/protocol"
	"github.com/2389/opamp-gateway/internal/registry"
)

// ErrHandshake indicates the agent did not open with a valid description.
var ErrHandshake = errors.New("handshake failed")

// Registry is the subset of the agent registry the serve loop updates.
type Registry interface {
	Connect(ctx context.Context, desc registry.Description) (*fleet.Agent, uint64, error)
	Describe(ctx context.Context, desc registry.Description) (*fleet.Agent, error)
	Heartbeat(id string, at time.Time) error
	Disconnect(ctx context.Context, id string, session uint64) (*fleet.PushAttempt, bool)
	ReportStatus(ctx context.Context, id, appliedHash string, healthy bool, errMsg string) (*fleet.Agent, error)
}

// Notifier receives connection lifecycle events. Implementations must not
// block for long; the reconciler queues them.
type Notifier interface {
	AgentConnected(agentID string)
	AgentDescribed(agentID string)
	AgentDisconnected(agentID string)
}

// HandlerConfig tunes the serve loop.
type HandlerConfig struct {
	ServerID         string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Handler serves agent transports.
type Handler struct {
	cfg      HandlerConfig
	manager  *Manager
	registry Registry
	notifier Notifier
	logger   *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(cfg HandlerConfig, manager *Manager, reg Registry, notifier Notifier, logger *slog.Logger) *Handler {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:      cfg,
		manager:  manager,
		registry: reg,
		notifier: notifier,
		logger:   logger.With("component", "agent-handler"),
	}
}

// Serve runs one agent connection until it closes or ctx ends. It always
// closes t before returning.
func (h *Handler) Serve(ctx context.Context, t Transport) error {
	desc, err := h.handshake(ctx, t)
	if err != nil {
		_ = t.Close("handshake failed")
		return err
	}

	agentRec, session, err := h.registry.Connect(ctx, desc)
	if err != nil {
		_ = t.Close("registration failed")
		return fmt.Errorf("registering agent: %w", err)
	}

	conn := NewConnection(ConnectionParams{
		ID:           desc.ID,
		Hostname:     desc.Hostname,
		Session:      session,
		Transport:    t,
		WriteTimeout: h.cfg.WriteTimeout,
		Logger:       h.logger,
	})
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	conn.Start(connCtx)
	h.manager.Register(conn)

	defer h.teardown(conn)

	if err := conn.Send(ctx, protocol.TypeWelcome, protocol.Welcome{ServerID: h.cfg.ServerID, AgentID: conn.ID}); err != nil {
		return fmt.Errorf("sending welcome: %w", err)
	}
	h.logger.Debug("agent registered",
		"agent_id", conn.ID,
		"session", session,
		"reported_hash", agentRec.ReportedHash,
		"labels", agentRec.Labels,
	)
	h.notifier.AgentConnected(conn.ID)

	return h.readLoop(connCtx, conn, t)
}

func (h *Handler) handshake(ctx context.Context, t Transport) (registry.Description, error) {
	hctx, cancel := context.WithTimeout(ctx, h.cfg.HandshakeTimeout)
	defer cancel()

	env, err := t.Read(hctx)
	if err != nil {
		return registry.Description{}, fmt.Errorf("%w: reading first message: %v", ErrHandshake, err)
	}
	if env.Type != protocol.TypeAgentDescription {
		return registry.Description{}, fmt.Errorf("%w: first message must be %s, got %q",
			ErrHandshake, protocol.TypeAgentDescription, env.Type)
	}
	msg, err := protocol.Decode(env)
	if err != nil {
		return registry.Description{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	d := msg.(*protocol.AgentDescription)
	if d.AgentID == "" {
		return registry.Description{}, fmt.Errorf("%w: agent_id is required", ErrHandshake)
	}
	return describe(d), nil
}

func (h *Handler) readLoop(ctx context.Context, conn *Connection, t Transport) error {
	for {
		env, err := t.Read(ctx)
		if err != nil {
			select {
			case <-conn.Done():
				return nil
			default:
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading from agent %s: %w", conn.ID, err)
		}

		msg, err := protocol.Decode(env)
		if errors.Is(err, protocol.ErrUnknownType) {
			h.logger.Debug("ignoring unknown message type", "agent_id", conn.ID, "type", env.Type)
			continue
		}
		if err != nil {
			h.logger.Warn("malformed message from agent", "agent_id", conn.ID, "error", err)
			conn.Close("protocol error")
			return err
		}

		switch m := msg.(type) {
		case *protocol.Heartbeat:
			if err := h.registry.Heartbeat(conn.ID, m.Timestamp); err != nil {
				h.logger.Warn("recording heartbeat", "agent_id", conn.ID, "error", err)
			}
			if err := conn.Send(ctx, protocol.TypeHeartbeatAck, protocol.HeartbeatAck{Timestamp: time.Now().UTC()}); err != nil {
				return nil
			}

		case *protocol.ConfigStatus:
			h.handleStatus(ctx, conn, m)

		case *protocol.AgentDescription:
			if m.AgentID != "" && m.AgentID != conn.ID {
				h.logger.Warn("agent tried to change identity", "agent_id", conn.ID, "new_id", m.AgentID)
				continue
			}
			m.AgentID = conn.ID
			if _, err := h.registry.Describe(ctx, describe(m)); err != nil {
				h.logger.Warn("updating agent description", "agent_id", conn.ID, "error", err)
				continue
			}
			h.notifier.AgentDescribed(conn.ID)

		default:
			h.logger.Warn("unexpected message type from agent", "agent_id", conn.ID, "type", env.Type)
		}
	}
}

func (h *Handler) handleStatus(ctx context.Context, conn *Connection, s *protocol.ConfigStatus) {
	if conn.HandleStatus(s) {
		return
	}
	applied := ""
	if s.Succeeded() {
		applied = s.AppliedHash
	}
	if _, err := h.registry.ReportStatus(ctx, conn.ID, applied, s.Succeeded(), s.Error); err != nil {
		h.logger.Warn("recording status report", "agent_id", conn.ID, "error", err)
	}
}

func (h *Handler) teardown(conn *Connection) {
	conn.Close("connection ended")
	if !h.manager.Unregister(conn) {
		return
	}
	// The request context may already be cancelled; the final write
	// must still reach the store.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, ok := h.registry.Disconnect(ctx, conn.ID, conn.Session); ok {
		h.notifier.AgentDisconnected(conn.ID)
	}
}

func describe(d *protocol.AgentDescription) registry.Description {
	return registry.Description{
		ID:           d.AgentID,
		Hostname:     d.Hostname,
		Labels:       d.Labels,
		Capabilities: d.Capabilities,
		ReportedHash: d.ReportedHash,
	}
}
