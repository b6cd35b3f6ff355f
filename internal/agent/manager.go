// ABOUTME: Manages connected agents with last-connection-wins replacement.
// ABOUTME: Central lookup used by the push dispatcher to reach an agent.

package agent

import (
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/2389/opamp-gateway/internal/metrics"
)

// Manager tracks exactly one live connection per agent id.
type Manager struct {
	agents  map[string]*Connection
	mu      sync.RWMutex
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewManager creates a new Manager instance.
func NewManager(logger *slog.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Manager{
		agents:  make(map[string]*Connection),
		logger:  logger.With("component", "agent-manager"),
		metrics: m,
	}
}

// Register installs conn as the agent's connection. A previous connection
// for the same id is closed and returned.
func (m *Manager) Register(conn *Connection) *Connection {
	m.mu.Lock()
	prev := m.agents[conn.ID]
	m.agents[conn.ID] = conn
	total := len(m.agents)
	m.mu.Unlock()

	m.metrics.ConnectedAgents.Set(float64(total))
	if prev != nil {
		m.metrics.Connections.WithLabelValues("replaced").Inc()
		prev.Close("replaced by a newer connection")
		m.logger.Info("=== AGENT RECONNECTED ===",
			"agent_id", conn.ID,
			"hostname", conn.Hostname,
			"total_agents", total,
		)
		return prev
	}

	m.metrics.Connections.WithLabelValues("connected").Inc()
	m.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", conn.ID,
		"hostname", conn.Hostname,
		"total_agents", total,
	)
	return nil
}

// Unregister removes conn if it is still the agent's current connection.
// A replaced connection never removes its successor.
func (m *Manager) Unregister(conn *Connection) bool {
	m.mu.Lock()
	current, ok := m.agents[conn.ID]
	if !ok || current != conn {
		m.mu.Unlock()
		return false
	}
	delete(m.agents, conn.ID)
	total := len(m.agents)
	m.mu.Unlock()

	m.metrics.ConnectedAgents.Set(float64(total))
	m.metrics.Connections.WithLabelValues("disconnected").Inc()
	m.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", conn.ID,
		"hostname", conn.Hostname,
		"total_agents", total,
	)
	return true
}

// GetAgent retrieves the live connection for id.
func (m *Manager) GetAgent(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.agents[id]
	return conn, ok
}

// IsOnline checks whether an agent with the given ID is currently connected.
func (m *Manager) IsOnline(id string) bool {
	_, ok := m.GetAgent(id)
	return ok
}

// ListAgents returns the ids of all connected agents, sorted.
func (m *Manager) ListAgents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.agents))
}

// Count returns the number of connected agents.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// CloseAgent closes the agent's connection, if any. The connection's
// serve loop performs the unregistration.
func (m *Manager) CloseAgent(id, reason string) bool {
	conn, ok := m.GetAgent(id)
	if !ok {
		return false
	}
	conn.Close(reason)
	return true
}

// CloseAll closes every connection.
func (m *Manager) CloseAll(reason string) {
	m.mu.RLock()
	conns := slices.Collect(maps.Values(m.agents))
	m.mu.RUnlock()

	for _, conn := range conns {
		conn.Close(reason)
	}
}
