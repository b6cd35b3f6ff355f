// ABOUTME: Agent registry owning connection and sync state for every agent.
// ABOUTME: Per-agent locking makes each state transition atomic; persistence is best-effort.

package registry

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/opamp-gateway/internal/fleet"
	"github.com/2389/opamp-gateway/internal/store"
)

const (
	setAgents      = "agents"
	keyAgentPrefix = "agent:"
)

// Description is what an agent reports about itself when it connects.
type Description struct {
	ID           string
	Hostname     string
	Labels       map[string]string
	Capabilities []string
	ReportedHash string
}

// Filter narrows List results; zero fields match everything.
type Filter struct {
	GroupID         string
	ConnectionState fleet.ConnectionState
	SyncStatus      fleet.SyncStatus
}

func (f Filter) match(a *fleet.Agent) bool {
	if f.GroupID != "" && a.GroupID != f.GroupID {
		return false
	}
	if f.ConnectionState != "" && a.ConnectionState != f.ConnectionState {
		return false
	}
	if f.SyncStatus != "" && a.SyncStatus != f.SyncStatus {
		return false
	}
	return true
}

type entry struct {
	mu      sync.Mutex
	agent   *fleet.Agent
	session uint64
	retired bool
}

// Registry is the authoritative in-memory agent table.
type Registry struct {
	kv     store.Store
	logger *slog.Logger
	now    func() time.Time

	mu          sync.RWMutex
	agents      map[string]*entry
	nextSession uint64
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty Registry.
func New(kv store.Store, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		kv:     kv,
		logger: logger.With("component", "registry"),
		now:    time.Now,
		agents: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load restores agent records. Connection state does not survive a
// restart: every agent comes back disconnected and any pending push is
// cancelled.
func (r *Registry) Load(ctx context.Context) error {
	agents, err := store.LoadSet[fleet.Agent](ctx, r.kv, setAgents, keyAgentPrefix)
	if err != nil {
		return fmt.Errorf("loading agents: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.agents = make(map[string]*entry, len(agents))
	for _, a := range agents {
		if a.ConnectionState == fleet.ConnConnected {
			a.ConnectionState = fleet.ConnDisconnected
		}
		if a.Push != nil && a.Push.Outcome == fleet.OutcomePending {
			a.Push.Outcome = fleet.OutcomeCancelled
			a.Push.Reason = "gateway restarted"
		}
		if a.SyncStatus == fleet.SyncPending {
			a.SyncStatus = fleet.SyncOutOfSync
		}
		r.agents[a.ID] = &entry{agent: a}
	}

	r.logger.Info("agents loaded", "count", len(agents))
	return nil
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	return e, ok
}

// Connect records a new connection for desc.ID, creating the agent on
// first contact, and returns the session token that identifies this
// connection in later Disconnect calls.
func (r *Registry) Connect(ctx context.Context, desc Description) (*fleet.Agent, uint64, error) {
	if strings.TrimSpace(desc.ID) == "" {
		return nil, 0, fleet.Invalid("agent_id", "is required")
	}

	now := r.now().UTC()
	r.mu.Lock()
	e, ok := r.agents[desc.ID]
	if !ok {
		e = &entry{agent: &fleet.Agent{
			ID:              desc.ID,
			ConnectionState: fleet.ConnUnknown,
			SyncStatus:      fleet.SyncUnknown,
			CreatedAt:       now,
		}}
		r.agents[desc.ID] = e
	}
	r.nextSession++
	session := r.nextSession
	r.mu.Unlock()

	e.mu.Lock()
	if e.retired {
		// Retired between lookup and lock; start over on a fresh entry.
		e.mu.Unlock()
		return r.Connect(ctx, desc)
	}
	defer e.mu.Unlock()

	a := e.agent
	e.session = session
	a.Hostname = desc.Hostname
	a.Labels = maps.Clone(desc.Labels)
	a.Capabilities = slices.Clone(desc.Capabilities)
	if desc.ReportedHash != "" {
		a.ReportedHash = desc.ReportedHash
	}
	a.ConnectionState = fleet.ConnConnected
	a.LastSeen = now
	a.UpdatedAt = now
	if a.Push != nil && a.Push.Outcome == fleet.OutcomePending {
		a.Push.Outcome = fleet.OutcomeCancelled
		a.Push.Reason = "agent reconnected"
	}

	if !ok {
		if err := r.kv.AddMember(ctx, setAgents, a.ID); err != nil {
			r.logger.Warn("failed to index agent", "agent_id", a.ID, "error", err)
		}
	}
	r.persistLocked(ctx, a)
	return a.Clone(), session, nil
}

// Describe updates labels and capabilities reported by an already
// connected agent.
func (r *Registry) Describe(ctx context.Context, desc Description) (*fleet.Agent, error) {
	e, ok := r.lookup(desc.ID)
	if !ok {
		return nil, fleet.NotFoundf("agent", desc.ID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	a := e.agent
	a.Hostname = desc.Hostname
	a.Labels = maps.Clone(desc.Labels)
	a.Capabilities = slices.Clone(desc.Capabilities)
	if desc.ReportedHash != "" {
		a.ReportedHash = desc.ReportedHash
	}
	a.LastSeen = r.now().UTC()
	a.UpdatedAt = a.LastSeen
	r.persistLocked(ctx, a)
	return a.Clone(), nil
}

// Heartbeat refreshes last_seen from the gateway clock. The agent's own
// timestamp is kept as AgentClock and never used for liveness.
// Heartbeats are kept in memory only.
func (r *Registry) Heartbeat(id string, at time.Time) error {
	e, ok := r.lookup(id)
	if !ok {
		return fleet.NotFoundf("agent", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.agent.LastSeen = r.now().UTC()
	if !at.IsZero() {
		e.agent.AgentClock = at.UTC()
	}
	return nil
}

// Disconnect marks the agent disconnected if session is still its current
// connection, cancelling any pending push. It returns the cancelled
// attempt, if any, and whether the session matched.
func (r *Registry) Disconnect(ctx context.Context, id string, session uint64) (*fleet.PushAttempt, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session != session || e.agent.ConnectionState != fleet.ConnConnected {
		return nil, false
	}
	a := e.agent
	a.ConnectionState = fleet.ConnDisconnected
	a.UpdatedAt = r.now().UTC()

	var cancelled *fleet.PushAttempt
	if a.Push != nil && a.Push.Outcome == fleet.OutcomePending {
		a.Push.Outcome = fleet.OutcomeCancelled
		a.Push.Reason = "agent disconnected"
		if a.SyncStatus == fleet.SyncPending {
			a.SyncStatus = fleet.SyncOutOfSync
		}
		p := *a.Push
		cancelled = &p
	}
	r.persistLocked(ctx, a)
	return cancelled, true
}

// Stale identifies a connection whose heartbeats stopped.
type Stale struct {
	AgentID  string
	Session  uint64
	LastSeen time.Time
}

// ExpireStale returns connected agents not seen within timeout. The
// caller closes their connections and calls Disconnect.
func (r *Registry) ExpireStale(now time.Time, timeout time.Duration) []Stale {
	r.mu.RLock()
	entries := slices.Collect(maps.Values(r.agents))
	r.mu.RUnlock()

	var stale []Stale
	for _, e := range entries {
		e.mu.Lock()
		a := e.agent
		if a.ConnectionState == fleet.ConnConnected && now.Sub(a.LastSeen) > timeout {
			stale = append(stale, Stale{AgentID: a.ID, Session: e.session, LastSeen: a.LastSeen})
		}
		e.mu.Unlock()
	}
	slices.SortFunc(stale, func(a, b Stale) int { return cmp.Compare(a.AgentID, b.AgentID) })
	return stale
}

// PreRegister creates an agent record before it ever connects.
func (r *Registry) PreRegister(ctx context.Context, id, hostname string, labels map[string]string) (*fleet.Agent, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fleet.Invalid("agent_id", "is required")
	}
	now := r.now().UTC()

	r.mu.Lock()
	if _, exists := r.agents[id]; exists {
		r.mu.Unlock()
		return nil, fleet.Conflict("agent", id)
	}
	a := &fleet.Agent{
		ID:              id,
		Hostname:        hostname,
		Labels:          maps.Clone(labels),
		ConnectionState: fleet.ConnUnknown,
		SyncStatus:      fleet.SyncUnknown,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := store.PutJSON(ctx, r.kv, keyAgentPrefix+id, a); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("persisting agent %s: %w", id, err)
	}
	if err := r.kv.AddMember(ctx, setAgents, id); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("indexing agent %s: %w", id, err)
	}
	r.agents[id] = &entry{agent: a}
	r.mu.Unlock()

	r.logger.Info("agent pre-registered", "agent_id", id)
	return a.Clone(), nil
}

// Retire deletes a disconnected agent's record.
func (r *Registry) Retire(ctx context.Context, id string) error {
	e, ok := r.lookup(id)
	if !ok {
		return fleet.NotFoundf("agent", id)
	}
	// Held until the entry leaves the table so a reconnect cannot slip in
	// between the check and the removal. Lock order is entry then table.
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.retired {
		return fleet.NotFoundf("agent", id)
	}
	if e.agent.ConnectionState == fleet.ConnConnected {
		return fleet.Invalid("agent", "is connected; disconnect it before retiring")
	}

	if err := r.kv.Delete(ctx, keyAgentPrefix+id); err != nil {
		return fmt.Errorf("deleting agent %s: %w", id, err)
	}
	if err := r.kv.RemoveMember(ctx, setAgents, id); err != nil {
		return fmt.Errorf("unindexing agent %s: %w", id, err)
	}

	e.retired = true
	r.mu.Lock()
	if r.agents[id] == e {
		delete(r.agents, id)
	}
	r.mu.Unlock()

	r.logger.Info("agent retired", "agent_id", id)
	return nil
}

// Get returns a snapshot of one agent.
func (r *Registry) Get(id string) (*fleet.Agent, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, fleet.NotFoundf("agent", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agent.Clone(), nil
}

// List returns snapshots matching f, sorted by id.
func (r *Registry) List(f Filter) []*fleet.Agent {
	r.mu.RLock()
	entries := slices.Collect(maps.Values(r.agents))
	r.mu.RUnlock()

	out := make([]*fleet.Agent, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if f.match(e.agent) {
			out = append(out, e.agent.Clone())
		}
		e.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b *fleet.Agent) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// IDs returns every known agent id, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.agents))
}

// InGroups returns the ids of agents currently recorded in any of groupIDs.
func (r *Registry) InGroups(groupIDs ...string) []string {
	var ids []string
	for _, a := range r.List(Filter{}) {
		if slices.Contains(groupIDs, a.GroupID) {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

// Counts summarizes the fleet.
type Counts struct {
	Total        int            `json:"total"`
	Connected    int            `json:"connected"`
	Disconnected int            `json:"disconnected"`
	Synced       int            `json:"synced"`
	OutOfSync    int            `json:"out_of_sync"`
	Pending      int            `json:"pending"`
	PushFailed   int            `json:"push_failed"`
	Unmanaged    int            `json:"unmanaged"`
	ByGroup      map[string]int `json:"by_group"`
}

// Counts returns fleet-wide totals.
func (r *Registry) Counts() Counts {
	c := Counts{ByGroup: make(map[string]int)}
	for _, a := range r.List(Filter{}) {
		c.Total++
		switch a.ConnectionState {
		case fleet.ConnConnected:
			c.Connected++
		case fleet.ConnDisconnected:
			c.Disconnected++
		}
		switch a.SyncStatus {
		case fleet.SyncSynced:
			c.Synced++
		case fleet.SyncOutOfSync:
			c.OutOfSync++
		case fleet.SyncPending:
			c.Pending++
		case fleet.SyncPushFailed:
			c.PushFailed++
		case fleet.SyncUnmanaged:
			c.Unmanaged++
		}
		if a.GroupID != "" {
			c.ByGroup[a.GroupID]++
		}
	}
	return c
}

func (r *Registry) persistLocked(ctx context.Context, a *fleet.Agent) {
	if err := store.PutJSON(ctx, r.kv, keyAgentPrefix+a.ID, a); err != nil {
		r.logger.Warn("failed to persist agent", "agent_id", a.ID, "error", err)
	}
}

func newAttemptID() string {
	return uuid.New().String()
}
