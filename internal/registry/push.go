// ABOUTME: Push decision and completion transitions of the agent registry.
// ABOUTME: Enforces a single pending PushAttempt per agent.

package registry

import (
	"context"
	"time"

	"github.com/2389/opamp-gateway/internal/fleet"
)

// Reason is why an agent is being evaluated.
type Reason string

const (
	ReasonConnect Reason = "connect"
	ReasonChange  Reason = "change"
	ReasonSweep   Reason = "sweep"
	ReasonManual  Reason = "manual"
	// ReasonResolved follows the resolution of a push run.
	ReasonResolved Reason = "resolved"
)

// SupersedePolicy decides what happens to a pending push when the desired
// hash changes underneath it.
type SupersedePolicy string

const (
	// SupersedeImmediate abandons the pending push and starts the new one.
	SupersedeImmediate SupersedePolicy = "immediate"
	// SupersedeAfterAck lets the pending push resolve first.
	SupersedeAfterAck SupersedePolicy = "after_ack"
)

// EvalOptions tunes Evaluate.
type EvalOptions struct {
	Reason   Reason
	Policy   SupersedePolicy
	Cooldown time.Duration
}

// Action is the outcome of Evaluate.
type Action int

const (
	// ActionNone means nothing needs to be sent.
	ActionNone Action = iota
	// ActionPush means Decision.Attempt must be delivered.
	ActionPush
	// ActionCancel means the run for Decision.Superseded must be stopped
	// and nothing replaces it. Its outcome may be acked when the agent
	// reported the target hash on its own.
	ActionCancel
	// ActionDefer means a push is needed once the pending one resolves.
	ActionDefer
)

func (a Action) String() string {
	switch a {
	case ActionPush:
		return "push"
	case ActionCancel:
		return "cancel"
	case ActionDefer:
		return "defer"
	}
	return "none"
}

// Decision is the result of evaluating one agent.
type Decision struct {
	Action     Action
	Attempt    *fleet.PushAttempt
	Superseded *fleet.PushAttempt
	Desired    fleet.Desired
	Agent      *fleet.Agent
}

// Evaluate records desired as the agent's target and decides whether a
// push must start. This is the only place a PushAttempt is created, and it
// runs under the agent's lock, so at most one attempt is ever pending.
func (r *Registry) Evaluate(ctx context.Context, id string, desired fleet.Desired, opts EvalOptions) (Decision, error) {
	e, ok := r.lookup(id)
	if !ok {
		return Decision{}, fleet.NotFoundf("agent", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := r.now().UTC()
	a := e.agent
	changed := a.DesiredHash != desired.Hash || a.GroupID != desired.GroupID || a.MembershipWarning != desired.Warning
	a.GroupID = desired.GroupID
	a.MembershipWarning = desired.Warning
	a.DesiredHash = desired.Hash
	a.DesiredConfigID = desired.ConfigID
	a.DesiredVersion = desired.Version

	d := Decision{Desired: desired}
	pending := a.Push != nil && a.Push.Outcome == fleet.OutcomePending

	switch {
	case !desired.Managed():
		a.SyncStatus = fleet.SyncUnmanaged
		if pending {
			d.Superseded = r.closeAttemptLocked(a, fleet.OutcomeCancelled, "agent no longer managed")
			d.Action = ActionCancel
		}

	case a.ReportedHash == desired.Hash:
		a.SyncStatus = fleet.SyncSynced
		a.LastError = ""
		if pending {
			// The in-flight run is no longer needed either way.
			if a.Push.TargetHash == desired.Hash {
				d.Superseded = r.closeAttemptLocked(a, fleet.OutcomeAcked, "agent reported desired configuration")
			} else {
				d.Superseded = r.closeAttemptLocked(a, fleet.OutcomeSuperseded, "agent already runs desired configuration")
			}
			d.Action = ActionCancel
		}

	case a.ConnectionState != fleet.ConnConnected:
		a.SyncStatus = fleet.SyncOutOfSync

	case pending && a.Push.TargetHash == desired.Hash:
		// Already in flight.

	case pending && opts.Policy == SupersedeAfterAck:
		d.Action = ActionDefer

	default:
		if pending {
			d.Superseded = r.closeAttemptLocked(a, fleet.OutcomeSuperseded, "superseded by "+shortHash(desired.Hash))
		} else if p := a.Push; p != nil && p.Outcome == fleet.OutcomeFailed && p.TargetHash == desired.Hash &&
			!retryAllowed(opts, p, now) {
			a.SyncStatus = fleet.SyncPushFailed
			break
		}
		a.Push = &fleet.PushAttempt{
			ID:         newAttemptID(),
			AgentID:    a.ID,
			TargetHash: desired.Hash,
			ConfigID:   desired.ConfigID,
			Version:    desired.Version,
			StartedAt:  now,
			Outcome:    fleet.OutcomePending,
		}
		a.SyncStatus = fleet.SyncPending
		p := *a.Push
		d.Attempt = &p
		d.Action = ActionPush
	}

	if changed || d.Action != ActionNone {
		a.UpdatedAt = now
		r.persistLocked(ctx, a)
	}
	d.Agent = a.Clone()
	return d, nil
}

// retryAllowed reports whether a target that already failed may be pushed
// again for this evaluation.
func retryAllowed(opts EvalOptions, p *fleet.PushAttempt, now time.Time) bool {
	switch opts.Reason {
	case ReasonManual, ReasonConnect:
		return true
	case ReasonSweep:
		return now.Sub(p.FailedAt) >= opts.Cooldown
	}
	return false
}

func (r *Registry) closeAttemptLocked(a *fleet.Agent, outcome fleet.PushOutcome, reason string) *fleet.PushAttempt {
	a.Push.Outcome = outcome
	a.Push.Reason = reason
	p := *a.Push
	return &p
}

// RecordAttempt counts one delivery of attemptID and returns the new count.
// It reports false when the attempt is no longer the agent's pending push.
func (r *Registry) RecordAttempt(id, attemptID string) (int, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.agent.Push
	if p == nil || p.ID != attemptID || p.Outcome != fleet.OutcomePending {
		return 0, false
	}
	p.AttemptCount++
	p.LastAttemptAt = r.now().UTC()
	return p.AttemptCount, true
}

// Result is how a push run ended.
type Result struct {
	Acked  bool
	Reason string
}

// CompletePush resolves attemptID. Completions for an attempt that is no
// longer pending are ignored and reported as false.
func (r *Registry) CompletePush(ctx context.Context, id, attemptID string, res Result) (*fleet.Agent, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	a := e.agent
	p := a.Push
	if p == nil || p.ID != attemptID || p.Outcome != fleet.OutcomePending {
		return nil, false
	}

	now := r.now().UTC()
	if res.Acked {
		p.Outcome = fleet.OutcomeAcked
		a.ReportedHash = p.TargetHash
		a.LastError = ""
		if a.DesiredHash == p.TargetHash {
			a.SyncStatus = fleet.SyncSynced
		} else {
			a.SyncStatus = fleet.SyncOutOfSync
		}
	} else {
		p.Outcome = fleet.OutcomeFailed
		p.Reason = res.Reason
		p.FailedAt = now
		a.SyncStatus = fleet.SyncPushFailed
		a.LastError = res.Reason
	}
	a.UpdatedAt = now
	r.persistLocked(ctx, a)
	return a.Clone(), true
}

// ReportStatus records a status report that is not the acknowledgement of
// the pending push: the agent tells us what it runs now.
func (r *Registry) ReportStatus(ctx context.Context, id, appliedHash string, healthy bool, errMsg string) (*fleet.Agent, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, fleet.NotFoundf("agent", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	a := e.agent
	now := r.now().UTC()
	if appliedHash != "" {
		a.ReportedHash = appliedHash
	}
	if !healthy && errMsg != "" {
		a.LastError = errMsg
	}
	a.LastSeen = now
	a.UpdatedAt = now

	pending := a.Push != nil && a.Push.Outcome == fleet.OutcomePending
	switch {
	case pending:
	case a.DesiredHash == "":
		a.SyncStatus = fleet.SyncUnmanaged
	case a.ReportedHash == a.DesiredHash:
		a.SyncStatus = fleet.SyncSynced
		a.LastError = ""
	case a.SyncStatus != fleet.SyncPushFailed:
		a.SyncStatus = fleet.SyncOutOfSync
	}
	r.persistLocked(ctx, a)
	return a.Clone(), nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
