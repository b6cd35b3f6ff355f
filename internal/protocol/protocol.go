// ABOUTME: Wire messages exchanged between agents and the gateway.
// ABOUTME: JSON envelopes with a type tag and a typed payload.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownType is returned by Decode for a message type this gateway
// does not know. Newer agents may send such messages.
var ErrUnknownType = errors.New("unknown message type")

// Message types sent by agents.
const (
	TypeAgentDescription = "agent_description"
	TypeHeartbeat        = "heartbeat"
	TypeConfigStatus     = "config_status"
)

// Message types sent by the gateway.
const (
	TypeWelcome      = "welcome"
	TypeConfigUpdate = "config_update"
	TypeHeartbeatAck = "heartbeat_ack"
)

// Config status outcomes.
const (
	OutcomeApplied = "applied"
	OutcomeFailed  = "failed"
)

// Envelope frames every message on the wire.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AgentDescription must be the first message on a new connection and may
// be re-sent when labels change.
type AgentDescription struct {
	AgentID      string            `json:"agent_id"`
	Hostname     string            `json:"hostname,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	ReportedHash string            `json:"reported_hash,omitempty"`
}

// Heartbeat keeps the connection alive.
type Heartbeat struct {
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ConfigStatus reports the outcome of applying a configuration.
type ConfigStatus struct {
	AgentID     string `json:"agent_id"`
	AppliedHash string `json:"applied_hash"`
	Outcome     string `json:"outcome"`
	Error       string `json:"error,omitempty"`
}

// Succeeded reports whether the agent applied the configuration.
func (s ConfigStatus) Succeeded() bool {
	return s.Outcome == OutcomeApplied
}

// Welcome acknowledges the agent description.
type Welcome struct {
	ServerID string `json:"server_id"`
	AgentID  string `json:"agent_id"`
}

// ConfigUpdate carries a rendered configuration to an agent.
type ConfigUpdate struct {
	ConfigID    string `json:"config_id"`
	Version     int    `json:"version"`
	Content     string `json:"content"`
	ContentHash string `json:"content_hash"`
}

// HeartbeatAck answers a Heartbeat.
type HeartbeatAck struct {
	Timestamp time.Time `json:"timestamp"`
}

// Encode wraps payload in an envelope of the given type.
func Encode(msgType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s: %w", msgType, err)
	}
	return Envelope{Type: msgType, Payload: raw}, nil
}

// Decode parses an agent message into its typed payload: one of
// *AgentDescription, *Heartbeat or *ConfigStatus.
func Decode(env Envelope) (any, error) {
	var v any
	switch env.Type {
	case TypeAgentDescription:
		v = &AgentDescription{}
	case TypeHeartbeat:
		v = &Heartbeat{}
	case TypeConfigStatus:
		v = &ConfigStatus{}
	case TypeWelcome:
		v = &Welcome{}
	case TypeConfigUpdate:
		v = &ConfigUpdate{}
	case TypeHeartbeatAck:
		v = &HeartbeatAck{}
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownType, env.Type)
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%s: empty payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", env.Type, err)
	}
	return v, nil
}
