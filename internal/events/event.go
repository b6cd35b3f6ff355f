// ABOUTME: Fleet event model emitted on connection, push and topology changes
// ABOUTME: Events fan out to SSE subscribers and optionally to NATS

package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind names a fleet event.
type Kind string

const (
	KindAgentConnected     Kind = "agent.connected"
	KindAgentDisconnected  Kind = "agent.disconnected"
	KindAgentExpired       Kind = "agent.expired"
	KindAgentSynced        Kind = "agent.synced"
	KindAgentOutOfSync     Kind = "agent.out_of_sync"
	KindPushStarted        Kind = "push.started"
	KindPushFailed         Kind = "push.failed"
	KindPushSuperseded     Kind = "push.superseded"
	KindConfigCreated      Kind = "config.created"
	KindConfigActivated    Kind = "config.activated"
	KindConfigArchived     Kind = "config.archived"
	KindGroupChanged       Kind = "group.changed"
	KindEnvironmentChanged Kind = "environment.changed"
)

// Event is a single fleet notification.
type Event struct {
	ID       string            `json:"id"`
	Kind     Kind              `json:"kind"`
	Time     time.Time         `json:"time"`
	AgentID  string            `json:"agent_id,omitempty"`
	GroupID  string            `json:"group_id,omitempty"`
	ConfigID string            `json:"config_id,omitempty"`
	Hash     string            `json:"hash,omitempty"`
	Message  string            `json:"message,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`
}

// New stamps an event with a fresh ID and the current time.
func New(kind Kind) Event {
	return Event{
		ID:   uuid.New().String(),
		Kind: kind,
		Time: time.Now().UTC(),
	}
}
