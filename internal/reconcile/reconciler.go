// ABOUTME: Reconciler turning topology, config and connection events into push decisions
// ABOUTME: Triggers are queued and fanned out over a bounded worker pool

package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/opamp-gateway/internal/agent"
	"github.com/2389/opamp-gateway/internal/events"
	"github.com/2389/opamp-gateway/internal/fleet"
	"github.com/2389/opamp-gateway/internal/keylock"
	"github.com/2389/opamp-gateway/internal/metrics"
	"github.com/2389/opamp-gateway/internal/registry"
	"github.com/2389/opamp-gateway/internal/topology"
)

const defaultQueueSize = 256

// Resolver computes the desired configuration for an agent.
type Resolver interface {
	Resolve(agentID string, labels map[string]string) fleet.Desired
	GroupsReferencing(configName string) []string
	GroupsInEnvironment(envID string) []string
}

// Config tunes the reconciler.
type Config struct {
	Workers          int
	QueueSize        int
	Policy           registry.SupersedePolicy
	FailureCooldown  time.Duration
	HeartbeatTimeout time.Duration
	SweepSchedule    string
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.Policy == "" {
		c.Policy = registry.SupersedeImmediate
	}
	if c.FailureCooldown <= 0 {
		c.FailureCooldown = 5 * time.Minute
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 90 * time.Second
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = DefaultSweepSchedule
	}
}

// trigger is one unit of work for the queue consumer.
type trigger struct {
	kind   string
	reason registry.Reason
	// agents is resolved lazily so a queued trigger sees current
	// group membership.
	agents func() []string
}

// Reconciler decides, per agent, whether a push is needed and hands new
// attempts to the Dispatcher.
type Reconciler struct {
	cfg        Config
	resolver   Resolver
	registry   *registry.Registry
	manager    *agent.Manager
	dispatcher *Dispatcher
	metrics    *metrics.Metrics
	bus        *events.Bus
	logger     *slog.Logger
	now        func() time.Time

	locks     *keylock.Map
	triggers  chan trigger
	scheduler *Scheduler

	cancel   context.CancelFunc
	stopped  chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Params holds the collaborators of a Reconciler.
type Params struct {
	Config     Config
	Resolver   Resolver
	Registry   *registry.Registry
	Manager    *agent.Manager
	Dispatcher *Dispatcher
	Metrics    *metrics.Metrics
	Bus        *events.Bus
	Logger     *slog.Logger
	Now        func() time.Time
}

// New creates a reconciler and wires the dispatcher's resolution callback
// back into the trigger queue.
func New(p Params) (*Reconciler, error) {
	p.Config.applyDefaults()
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	r := &Reconciler{
		cfg:        p.Config,
		resolver:   p.Resolver,
		registry:   p.Registry,
		manager:    p.Manager,
		dispatcher: p.Dispatcher,
		metrics:    p.Metrics,
		bus:        p.Bus,
		logger:     p.Logger.With("component", "reconciler"),
		now:        p.Now,
		locks:      keylock.New(),
		triggers:   make(chan trigger, p.Config.QueueSize),
		stopped:    make(chan struct{}),
	}

	sched, err := NewScheduler(p.Config.SweepSchedule, r.Sweep, r.logger)
	if err != nil {
		return nil, err
	}
	r.scheduler = sched
	p.Dispatcher.OnResolved(func(id string) {
		r.enqueue(trigger{kind: "resolved", reason: registry.ReasonResolved, agents: one(id)})
	})
	return r, nil
}

// Start runs the trigger consumer and the sweep scheduler.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.consume(ctx)
	r.scheduler.Start(ctx)
}

// Stop halts the scheduler and the consumer. Queued triggers are dropped.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopped)
		r.scheduler.Stop()
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
	})
}

func (r *Reconciler) consume(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-r.triggers:
			r.process(ctx, t)
		}
	}
}

func (r *Reconciler) enqueue(t trigger) {
	if r.metrics != nil {
		r.metrics.Triggers.WithLabelValues(t.kind).Inc()
	}
	select {
	case r.triggers <- t:
		return
	case <-r.stopped:
		return
	default:
	}
	// Queue full: block rather than lose a trigger, but never past Stop.
	r.logger.Warn("reconcile queue full", "kind", t.kind)
	select {
	case r.triggers <- t:
	case <-r.stopped:
	}
}

func (r *Reconciler) process(ctx context.Context, t trigger) {
	ids := t.agents()
	if len(ids) == 0 {
		return
	}
	r.logger.Debug("reconciling", "trigger", t.kind, "agents", len(ids))
	r.evaluateAll(ctx, ids, t.reason)
}

func (r *Reconciler) evaluateAll(ctx context.Context, ids []string, reason registry.Reason) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for _, id := range ids {
		g.Go(func() error {
			if _, err := r.Evaluate(gctx, id, reason); err != nil && !errors.Is(err, fleet.ErrNotFound) {
				r.logger.Warn("evaluating agent", "agent_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Evaluate resolves the agent's desired configuration and acts on the
// registry's decision. The per-agent lock spans resolve, decide and
// dispatch, so concurrent triggers for one agent serialize.
func (r *Reconciler) Evaluate(ctx context.Context, agentID string, reason registry.Reason) (registry.Decision, error) {
	unlock := r.locks.Lock(agentID)
	defer unlock()

	before, err := r.registry.Get(agentID)
	if err != nil {
		return registry.Decision{}, err
	}
	desired := r.resolver.Resolve(agentID, before.Labels)

	d, err := r.registry.Evaluate(ctx, agentID, desired, registry.EvalOptions{
		Reason:   reason,
		Policy:   r.cfg.Policy,
		Cooldown: r.cfg.FailureCooldown,
	})
	if err != nil {
		return d, err
	}
	if r.metrics != nil {
		r.metrics.Evaluations.WithLabelValues(string(reason), d.Action.String()).Inc()
	}

	switch d.Action {
	case registry.ActionPush:
		if d.Superseded != nil {
			r.emitAttempt(events.KindPushSuperseded, d.Agent, d.Superseded)
		}
		r.logger.Info("dispatching push",
			"agent_id", agentID,
			"reason", reason,
			"config_id", d.Attempt.ConfigID,
			"version", d.Attempt.Version)
		r.dispatcher.Dispatch(*d.Attempt, d.Desired)
		r.emitAttempt(events.KindPushStarted, d.Agent, d.Attempt)
	case registry.ActionCancel:
		r.dispatcher.Cancel(agentID, d.Superseded.ID)
		if d.Superseded.Outcome != fleet.OutcomeAcked {
			r.emitAttempt(events.KindPushSuperseded, d.Agent, d.Superseded)
		}
	case registry.ActionDefer:
		r.logger.Debug("push deferred until pending attempt resolves", "agent_id", agentID)
	}

	if d.Agent.SyncStatus != before.SyncStatus {
		switch d.Agent.SyncStatus {
		case fleet.SyncSynced:
			r.emitAgent(events.KindAgentSynced, d.Agent)
		case fleet.SyncOutOfSync:
			r.emitAgent(events.KindAgentOutOfSync, d.Agent)
		}
	}
	return d, nil
}

// AgentConnected queues an evaluation for a new or replaced connection.
func (r *Reconciler) AgentConnected(agentID string) {
	r.emitID(events.KindAgentConnected, agentID)
	r.enqueue(trigger{kind: "connect", reason: registry.ReasonConnect, agents: one(agentID)})
}

// AgentDescribed queues an evaluation after an agent re-sent its description.
func (r *Reconciler) AgentDescribed(agentID string) {
	r.enqueue(trigger{kind: "describe", reason: registry.ReasonChange, agents: one(agentID)})
}

// AgentDisconnected stops any push to the agent. The registry has
// already cancelled the pending attempt.
func (r *Reconciler) AgentDisconnected(agentID string) {
	r.dispatcher.Cancel(agentID, "")
	r.emitID(events.KindAgentDisconnected, agentID)
}

// ConfigActivated re-evaluates agents in groups that follow the named
// configuration.
func (r *Reconciler) ConfigActivated(name string) {
	r.enqueue(trigger{kind: "config", reason: registry.ReasonChange, agents: func() []string {
		return r.registry.InGroups(r.resolver.GroupsReferencing(name)...)
	}})
}

// GroupChanged re-evaluates the agents a group change can affect. A
// membership or order change can move any agent, so all are evaluated.
func (r *Reconciler) GroupChanged(change *topology.GroupChange) {
	if change == nil || change.Current == nil {
		return
	}
	if change.MembershipChanged {
		r.enqueue(trigger{kind: "group", reason: registry.ReasonChange, agents: r.registry.IDs})
		return
	}
	if !change.TargetChanged {
		return
	}
	groupID := change.Current.ID
	r.enqueue(trigger{kind: "group", reason: registry.ReasonChange, agents: func() []string {
		return r.registry.InGroups(groupID)
	}})
}

// EnvironmentChanged re-evaluates agents of groups bound to envID.
func (r *Reconciler) EnvironmentChanged(envID string) {
	r.enqueue(trigger{kind: "environment", reason: registry.ReasonChange, agents: func() []string {
		return r.registry.InGroups(r.resolver.GroupsInEnvironment(envID)...)
	}})
}

// RetryAgent evaluates one agent immediately, allowing a failed target to
// be pushed again.
func (r *Reconciler) RetryAgent(ctx context.Context, agentID string) (registry.Decision, error) {
	return r.Evaluate(ctx, agentID, registry.ReasonManual)
}

// Sweep expires agents whose heartbeats stopped, evaluates every agent
// and refreshes the sync gauges.
func (r *Reconciler) Sweep(ctx context.Context) {
	start := time.Now()
	r.expireStale(ctx)

	ids := r.registry.IDs()
	r.evaluateAll(ctx, ids, registry.ReasonSweep)

	counts := r.registry.Counts()
	if r.metrics != nil {
		r.metrics.Triggers.WithLabelValues("sweep").Inc()
		r.metrics.SetSyncCounts(map[string]int{
			string(fleet.SyncSynced):     counts.Synced,
			string(fleet.SyncOutOfSync):  counts.OutOfSync,
			string(fleet.SyncPending):    counts.Pending,
			string(fleet.SyncPushFailed): counts.PushFailed,
			string(fleet.SyncUnmanaged):  counts.Unmanaged,
		})
	}
	r.logger.Debug("sweep complete",
		"agents", len(ids),
		"synced", counts.Synced,
		"out_of_sync", counts.OutOfSync,
		"push_failed", counts.PushFailed,
		"duration", time.Since(start))
}

func (r *Reconciler) expireStale(ctx context.Context) {
	for _, s := range r.registry.ExpireStale(r.now(), r.cfg.HeartbeatTimeout) {
		if conn, ok := r.manager.GetAgent(s.AgentID); ok && conn.Session == s.Session {
			conn.Close("heartbeat timeout")
		}
		if _, ok := r.registry.Disconnect(ctx, s.AgentID, s.Session); !ok {
			continue
		}
		r.dispatcher.Cancel(s.AgentID, "")
		r.logger.Warn("agent heartbeat expired", "agent_id", s.AgentID, "last_seen", s.LastSeen)
		r.emitID(events.KindAgentExpired, s.AgentID)
	}
}

func (r *Reconciler) emitID(kind events.Kind, agentID string) {
	evt := events.New(kind)
	evt.AgentID = agentID
	r.bus.Emit(evt)
}

func (r *Reconciler) emitAgent(kind events.Kind, a *fleet.Agent) {
	evt := events.New(kind)
	evt.AgentID = a.ID
	evt.GroupID = a.GroupID
	evt.ConfigID = a.DesiredConfigID
	evt.Hash = a.DesiredHash
	r.bus.Emit(evt)
}

func (r *Reconciler) emitAttempt(kind events.Kind, a *fleet.Agent, p *fleet.PushAttempt) {
	evt := events.New(kind)
	evt.AgentID = a.ID
	evt.GroupID = a.GroupID
	evt.ConfigID = p.ConfigID
	evt.Hash = p.TargetHash
	evt.Message = p.Reason
	r.bus.Emit(evt)
}

func one(id string) func() []string {
	return func() []string { return []string{id} }
}
