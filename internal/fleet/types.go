// ABOUTME: Domain records for configurations, environments, groups and agents.
// ABOUTME: Includes derived agent phase and deep-copy helpers.

package fleet

import (
	"maps"
	"slices"
	"time"
)

// ConfigStatus is the lifecycle state of one configuration version.
type ConfigStatus string

const (
	StatusDraft    ConfigStatus = "draft"
	StatusActive   ConfigStatus = "active"
	StatusArchived ConfigStatus = "archived"
)

// Valid reports whether s is a known status.
func (s ConfigStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusArchived:
		return true
	}
	return false
}

// Configuration is one immutable version of a named collector configuration.
type Configuration struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Content     string            `json:"content"`
	ContentHash string            `json:"content_hash"`
	Version     int               `json:"version"`
	Status      ConfigStatus      `json:"status"`
	Labels      map[string]string `json:"labels,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Clone returns a deep copy.
func (c *Configuration) Clone() *Configuration {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Labels = maps.Clone(c.Labels)
	return &cp
}

// Environment holds the template variables substituted into configurations.
type Environment struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Variables   map[string]string `json:"variables"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Clone returns a deep copy.
func (e *Environment) Clone() *Environment {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Variables = maps.Clone(e.Variables)
	return &cp
}

// MembershipRule decides which agents belong to a group. A non-empty
// StaticAgents list takes precedence over the Selector.
type MembershipRule struct {
	Selector     map[string]string `json:"selector,omitempty"`
	StaticAgents []string          `json:"static_agents,omitempty"`
}

// IsStatic reports whether the rule is an explicit agent list.
func (r MembershipRule) IsStatic() bool {
	return len(r.StaticAgents) > 0
}

// Contains reports whether agentID is in the static list.
func (r MembershipRule) Contains(agentID string) bool {
	return slices.Contains(r.StaticAgents, agentID)
}

// Matches reports whether every selector pair is present in labels.
// An empty selector matches nothing.
func (r MembershipRule) Matches(labels map[string]string) bool {
	if len(r.Selector) == 0 {
		return false
	}
	for k, v := range r.Selector {
		if got, ok := labels[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// Equal reports whether two rules select the same agents.
func (r MembershipRule) Equal(o MembershipRule) bool {
	return maps.Equal(r.Selector, o.Selector) && slices.Equal(r.StaticAgents, o.StaticAgents)
}

// Group binds a set of agents to a configuration and an environment.
type Group struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	EnvironmentID string         `json:"environment_id"`
	ConfigID      string         `json:"config_id,omitempty"`
	Rule          MembershipRule `json:"membership_rule"`
	Order         int            `json:"order"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Clone returns a deep copy.
func (g *Group) Clone() *Group {
	if g == nil {
		return nil
	}
	cp := *g
	cp.Rule.Selector = maps.Clone(g.Rule.Selector)
	cp.Rule.StaticAgents = slices.Clone(g.Rule.StaticAgents)
	return &cp
}

// ConnectionState is whether an agent currently holds a channel.
type ConnectionState string

const (
	ConnUnknown      ConnectionState = "unknown"
	ConnConnected    ConnectionState = "connected"
	ConnDisconnected ConnectionState = "disconnected"
)

// SyncStatus is how the agent's reported config relates to its desired config.
type SyncStatus string

const (
	SyncUnknown    SyncStatus = "unknown"
	SyncUnmanaged  SyncStatus = "unmanaged"
	SyncPending    SyncStatus = "pending"
	SyncSynced     SyncStatus = "synced"
	SyncOutOfSync  SyncStatus = "out_of_sync"
	SyncPushFailed SyncStatus = "push_failed"
)

// Phase is the agent lifecycle state derived from connection and sync state.
type Phase string

const (
	PhaseUnknown      Phase = "unknown"
	PhaseConnected    Phase = "connected"
	PhaseSynced       Phase = "synced"
	PhaseOutOfSync    Phase = "out_of_sync"
	PhaseDisconnected Phase = "disconnected"
)

// PushOutcome is the resolution of a PushAttempt.
type PushOutcome string

const (
	OutcomePending    PushOutcome = "pending"
	OutcomeAcked      PushOutcome = "acked"
	OutcomeFailed     PushOutcome = "failed"
	OutcomeSuperseded PushOutcome = "superseded"
	OutcomeCancelled  PushOutcome = "cancelled"
)

// PushAttempt tracks delivery of one target hash to one agent.
type PushAttempt struct {
	ID            string      `json:"id"`
	AgentID       string      `json:"agent_id"`
	TargetHash    string      `json:"target_hash"`
	ConfigID      string      `json:"config_id"`
	Version       int         `json:"version"`
	AttemptCount  int         `json:"attempt_count"`
	StartedAt     time.Time   `json:"started_at"`
	LastAttemptAt time.Time   `json:"last_attempt_at,omitzero"`
	Outcome       PushOutcome `json:"outcome"`
	Reason        string      `json:"reason,omitempty"`
	FailedAt      time.Time   `json:"failed_at,omitzero"`
}

// Agent is the registry record for one remote collector.
type Agent struct {
	ID                string            `json:"id"`
	Hostname          string            `json:"hostname,omitempty"`
	Labels            map[string]string `json:"labels,omitempty"`
	Capabilities      []string          `json:"capabilities,omitempty"`
	GroupID           string            `json:"group_id,omitempty"`
	ConnectionState   ConnectionState   `json:"connection_state"`
	SyncStatus        SyncStatus        `json:"sync_status"`
	ReportedHash      string            `json:"reported_hash,omitempty"`
	DesiredHash       string            `json:"desired_hash,omitempty"`
	DesiredConfigID   string            `json:"desired_config_id,omitempty"`
	DesiredVersion    int               `json:"desired_version,omitempty"`
	LastError         string            `json:"last_error,omitempty"`
	MembershipWarning string            `json:"membership_warning,omitempty"`
	Push              *PushAttempt      `json:"push,omitempty"`
	LastSeen          time.Time         `json:"last_seen,omitzero"`
	AgentClock        time.Time         `json:"agent_clock,omitzero"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Phase derives the lifecycle state.
func (a *Agent) Phase() Phase {
	switch a.ConnectionState {
	case ConnConnected:
	case ConnDisconnected:
		return PhaseDisconnected
	default:
		return PhaseUnknown
	}
	switch a.SyncStatus {
	case SyncSynced:
		return PhaseSynced
	case SyncOutOfSync, SyncPushFailed:
		return PhaseOutOfSync
	}
	return PhaseConnected
}

// Clone returns a deep copy.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Labels = maps.Clone(a.Labels)
	cp.Capabilities = slices.Clone(a.Capabilities)
	if a.Push != nil {
		p := *a.Push
		cp.Push = &p
	}
	return &cp
}

// Desired is the resolved target state for one agent.
type Desired struct {
	GroupID  string
	ConfigID string
	Version  int
	Content  string
	Hash     string
	Warning  string
}

// Managed reports whether the agent has a desired configuration.
func (d Desired) Managed() bool {
	return d.Hash != ""
}
