// ABOUTME: Tests for the agent registry state machine
// ABOUTME: Covers connect/disconnect sessions, push decisions, retries and reload

package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/opamp-gateway/internal/fleet"
	"github.com/2389/opamp-gateway/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupRegistry(t *testing.T) (*Registry, *store.MemoryStore, *clock) {
	t.Helper()
	kv := store.NewMemoryStore()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(kv, nil, WithClock(clk.Now)), kv, clk
}

func desired(hash string) fleet.Desired {
	return fleet.Desired{GroupID: "g1", ConfigID: "c-" + hash, Version: 1, Content: "content " + hash, Hash: hash}
}

var immediate = EvalOptions{Reason: ReasonChange, Policy: SupersedeImmediate, Cooldown: time.Minute}

func connect(t *testing.T, r *Registry, id string) uint64 {
	t.Helper()
	_, session, err := r.Connect(context.Background(), Description{ID: id, Labels: map[string]string{"role": "gateway"}})
	require.NoError(t, err)
	return session
}

func TestConnect_CreatesAgent(t *testing.T) {
	r, kv, _ := setupRegistry(t)
	ctx := context.Background()

	a, _, err := r.Connect(ctx, Description{ID: "a1", Hostname: "host-1", ReportedHash: "h0"})
	require.NoError(t, err)
	assert.Equal(t, fleet.ConnConnected, a.ConnectionState)
	assert.Equal(t, "h0", a.ReportedHash)
	assert.Equal(t, fleet.PhaseConnected, a.Phase())

	members, err := kv.Members(ctx, setAgents)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, members)

	_, _, err = r.Connect(ctx, Description{ID: ""})
	assert.True(t, fleet.IsValidation(err))
}

func TestEvaluate_PushThenAck(t *testing.T) {
	r, _, _ := setupRegistry(t)
	ctx := context.Background()
	connect(t, r, "a1")

	d, err := r.Evaluate(ctx, "a1", desired("h1"), immediate)
	require.NoError(t, err)
	require.Equal(t, ActionPush, d.Action)
	assert.Equal(t, "h1", d.Attempt.TargetHash)
	assert.Equal(t, fleet.SyncPending, d.Agent.SyncStatus)

	n, ok := r.RecordAttempt("a1", d.Attempt.ID)
	require.True(t, ok)
	assert.Equal(t, 1, n)

	a, ok := r.CompletePush(ctx, "a1", d.Attempt.ID, Result{Acked: true})
	require.True(t, ok)
	assert.Equal(t, fleet.SyncSynced, a.SyncStatus)
	assert.Equal(t, "h1", a.ReportedHash)
	assert.Equal(t, fleet.PhaseSynced, a.Phase())

	again, err := r.Evaluate(ctx, "a1", desired("h1"), immediate)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, again.Action)
}

func TestEvaluate_AlreadyReportedIsSynced(t *testing.T) {
	r, _, _ := setupRegistry(t)
	ctx := context.Background()
	_, _, err := r.Connect(ctx, Description{ID: "a1", ReportedHash: "h1"})
	require.NoError(t, err)

	d, err := r.Evaluate(ctx, "a1", desired("h1"), immediate)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, d.Action)
	assert.Equal(t, fleet.SyncSynced, d.Agent.SyncStatus)
}

func TestEvaluate_ReportedTargetStopsPendingRun(t *testing.T) {
	r, _, _ := setupRegistry(t)
	ctx := context.Background()
	connect(t, r, "a1")

	first, err := r.Evaluate(ctx, "a1", desired("h1"), immediate)
	require.NoError(t, err)
	require.Equal(t, ActionPush, first.Action)

	_, err = r.ReportStatus(ctx, "a1", "h1", true, "")
	require.NoError(t, err)

	d, err := r.Evaluate(ctx, "a1", desired("h1"), immediate)
	require.NoError(t, err)
	assert.Equal(t, ActionCancel, d.Action)
	require.NotNil(t, d.Superseded)
	assert.Equal(t, first.Attempt.ID, d.Superseded.ID)
	assert.Equal(t, fleet.OutcomeAcked, d.Superseded.Outcome)
	assert.Equal(t, fleet.SyncSynced, d.Agent.SyncStatus)

	_, ok := r.CompletePush(ctx, "a1", first.Attempt.ID, Result{Reason: "context canceled"})
	assert.False(t, ok, "the cancelled run cannot overwrite the acked outcome")
}

func TestEvaluate_SinglePendingUnderConcurrency(t *testing.T) {
	r, _, _ := setupRegistry(t)
	ctx := context.Background()
	connect(t, r, "a1")

	var mu sync.Mutex
	pushes := 0
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := r.Evaluate(ctx, "a1", desired("h1"), immediate)
			assert.NoError(t, err)
			if d.Action == ActionPush {
				mu.Lock()
				pushes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, pushes)
	a, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, fleet.OutcomePending, a.Push.Outcome)
}

func TestEvaluate_SupersedeImmediate(t *testing.T) {
	r, _, _ := setupRegistry(t)
	ctx := context.Background()
	connect(t, r, "a1")

	first, err := r.Evaluate(ctx, "a1", desired("h1"), immediate)
	require.NoError(t, err)

	second, err := r.Evaluate(ctx, "a1", desired("h2"), immediate)
	require.NoError(t, err)
	require.Equal(t, ActionPush, second.Action)
	require.NotNil(t, second.Superseded)
	assert.Equal(t, first.Attempt.ID, second.Superseded.ID)
	assert.Equal(t, fleet.OutcomeSuperseded, second.Superseded.Outcome)

	// A late ack for the superseded attempt is ignored.
	_, ok := r.CompletePush(ctx, "a1", first.Attempt.ID, Result{Acked: true})
	assert.False(t, ok)

	a, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, "h2", a.Push.TargetHash)
	assert.Equal(t, fleet.SyncPending, a.SyncStatus)
	assert.Empty(t, a.ReportedHash)
}

func TestEvaluate_SupersedeAfterAck(t *testing.T) {
	r, _, _ := setupRegistry(t)
	ctx := context.Background()
	connect(t, r, "a1")
	opts := immediate
	opts.Policy = SupersedeAfterAck

	first, err := r.Evaluate(ctx, "a1", desired("h1"), opts)
	require.NoError(t, err)

	second, err := r.Evaluate(ctx, "a1", desired("h2"), opts)
	require.NoError(t, err)
	assert.Equal(t, ActionDefer, second.Action)

	a, ok := r.CompletePush(ctx, "a1", first.Attempt.ID, Result{Acked: true})
	require.True(t, ok)
	assert.Equal(t, fleet.SyncOutOfSync, a.SyncStatus, "acked an outdated target")

	third, err := r.Evaluate(ctx, "a1", desired("h2"), EvalOptions{Reason: ReasonResolved, Policy: SupersedeAfterAck})
	require.NoError(t, err)
	assert.Equal(t, ActionPush, third.Action)
}

func TestEvaluate_FailedTargetRetryRules(t *testing.T) {
	r, _, clk := setupRegistry(t)
	ctx := context.Background()
	connect(t, r, "a1")

	d, err := r.Evaluate(ctx, "a1", desired("h1"), immediate)
	require.NoError(t, err)
	a, ok := r.CompletePush(ctx, "a1", d.Attempt.ID, Result{Reason: "timeout"})
	require.True(t, ok)
	assert.Equal(t, fleet.SyncPushFailed, a.SyncStatus)
	assert.Equal(t, "timeout", a.LastError)
	assert.Equal(t, fleet.PhaseOutOfSync, a.Phase())

	for _, reason := range []Reason{ReasonChange, ReasonResolved, ReasonSweep} {
		d, err := r.Evaluate(ctx, "a1", desired("h1"), EvalOptions{Reason: reason, Cooldown: time.Minute})
		require.NoError(t, err)
		assert.Equal(t, ActionNone, d.Action, "reason %s must not retry", reason)
		assert.Equal(t, fleet.SyncPushFailed, d.Agent.SyncStatus)
	}

	clk.Advance(2 * time.Minute)
	d, err = r.Evaluate(ctx, "a1", desired("h1"), EvalOptions{Reason: ReasonSweep, Cooldown: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, ActionPush, d.Action, "sweep after cooldown retries")

	_, ok = r.CompletePush(ctx, "a1", d.Attempt.ID, Result{Reason: "timeout"})
	require.True(t, ok)

	d, err = r.Evaluate(ctx, "a1", desired("h1"), EvalOptions{Reason: ReasonManual})
	require.NoError(t, err)
	assert.Equal(t, ActionPush, d.Action, "manual retry")

	_, ok = r.CompletePush(ctx, "a1", d.Attempt.ID, Result{Reason: "timeout"})
	require.True(t, ok)

	d, err = r.Evaluate(ctx, "a1", desired("h2"), immediate)
	require.NoError(t, err)
	assert.Equal(t, ActionPush, d.Action, "new desired state")
}

func TestEvaluate_Unmanaged(t *testing.T) {
	r, _, _ := setupRegistry(t)
	ctx := context.Background()
	connect(t, r, "a1")

	_, err := r.Evaluate(ctx, "a1", desired("h1"), immediate)
	require.NoError(t, err)

	d, err := r.Evaluate(ctx, "a1", fleet.Desired{Warning: "tie"}, immediate)
	require.NoError(t, err)
	assert.Equal(t, ActionCancel, d.Action)
	assert.Equal(t, fleet.SyncUnmanaged, d.Agent.SyncStatus)
	assert.Equal(t, "tie", d.Agent.MembershipWarning)
	assert.Empty(t, d.Agent.GroupID)
}

func TestEvaluate_DisconnectedAgentIsNotPushed(t *testing.T) {
	r, _, _ := setupRegistry(t)
	ctx := context.Background()
	session := connect(t, r, "a1")
	_, ok := r.Disconnect(ctx, "a1", session)
	require.True(t, ok)

	d, err := r.Evaluate(ctx, "a1", desired("h1"), immediate)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, d.Action)
	assert.Equal(t, fleet.SyncOutOfSync, d.Agent.SyncStatus)
	assert.Equal(t, "h1", d.Agent.DesiredHash)
}

func TestDisconnect_CancelsPendingAndIgnoresOldSession(t *testing.T) {
	r, _, _ := setupRegistry(t)
	ctx := context.Background()
	old := connect(t, r, "a1")

	d, err := r.Evaluate(ctx, "a1", desired("h1"), immediate)
	require.NoError(t, err)

	// Reconnect replaces the session and cancels the pending attempt.
	current := connect(t, r, "a1")
	_, ok := r.Disconnect(ctx, "a1", old)
	assert.False(t, ok, "stale session must not disconnect the new connection")

	a, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, fleet.ConnConnected, a.ConnectionState)
	assert.Equal(t, fleet.OutcomeCancelled, a.Push.Outcome)

	_, ok = r.CompletePush(ctx, "a1", d.Attempt.ID, Result{Acked: true})
	assert.False(t, ok)

	fresh, err := r.Evaluate(ctx, "a1", desired("h1"), EvalOptions{Reason: ReasonConnect})
	require.NoError(t, err)
	require.Equal(t, ActionPush, fresh.Action)

	cancelled, ok := r.Disconnect(ctx, "a1", current)
	require.True(t, ok)
	require.NotNil(t, cancelled)
	assert.Equal(t, fresh.Attempt.ID, cancelled.ID)

	a, err = r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, fleet.PhaseDisconnected, a.Phase())
}

func TestExpireStale(t *testing.T) {
	r, _, clk := setupRegistry(t)
	connect(t, r, "a1")
	connect(t, r, "a2")

	clk.Advance(50 * time.Second)
	require.NoError(t, r.Heartbeat("a2", clk.Now()))
	clk.Advance(50 * time.Second)

	stale := r.ExpireStale(clk.Now(), 90*time.Second)
	require.Len(t, stale, 1)
	assert.Equal(t, "a1", stale[0].AgentID)
}

func TestHeartbeat_LivenessUsesGatewayClock(t *testing.T) {
	r, _, clk := setupRegistry(t)
	connect(t, r, "a1")

	skew := -10 * time.Minute
	for range 4 {
		clk.Advance(30 * time.Second)
		require.NoError(t, r.Heartbeat("a1", clk.Now().Add(skew)))
	}

	assert.Empty(t, r.ExpireStale(clk.Now(), 90*time.Second), "on-time heartbeats keep a slow-clocked agent alive")

	a, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, clk.Now(), a.LastSeen)
	assert.Equal(t, clk.Now().Add(skew), a.AgentClock)

	clk.Advance(2 * time.Minute)
	require.Len(t, r.ExpireStale(clk.Now(), 90*time.Second), 1)
}

func TestReportStatus(t *testing.T) {
	r, _, _ := setupRegistry(t)
	ctx := context.Background()
	connect(t, r, "a1")

	d, err := r.Evaluate(ctx, "a1", desired("h1"), immediate)
	require.NoError(t, err)
	_, ok := r.CompletePush(ctx, "a1", d.Attempt.ID, Result{Acked: true})
	require.True(t, ok)

	a, err := r.ReportStatus(ctx, "a1", "drifted", true, "")
	require.NoError(t, err)
	assert.Equal(t, fleet.SyncOutOfSync, a.SyncStatus)

	a, err = r.ReportStatus(ctx, "a1", "h1", true, "")
	require.NoError(t, err)
	assert.Equal(t, fleet.SyncSynced, a.SyncStatus)
}

func TestLoad_ResetsConnectionState(t *testing.T) {
	r, kv, _ := setupRegistry(t)
	ctx := context.Background()
	connect(t, r, "a1")
	_, err := r.Evaluate(ctx, "a1", desired("h1"), immediate)
	require.NoError(t, err)

	reloaded := New(kv, nil)
	require.NoError(t, reloaded.Load(ctx))

	a, err := reloaded.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, fleet.ConnDisconnected, a.ConnectionState)
	assert.Equal(t, fleet.OutcomeCancelled, a.Push.Outcome)
	assert.Equal(t, fleet.SyncOutOfSync, a.SyncStatus)
	assert.Equal(t, "h1", a.DesiredHash)
}

func TestPersistenceFailureKeepsMemoryAuthoritative(t *testing.T) {
	r, kv, _ := setupRegistry(t)
	ctx := context.Background()
	connect(t, r, "a1")

	kv.SetUnavailable(true)
	d, err := r.Evaluate(ctx, "a1", desired("h1"), immediate)
	require.NoError(t, err)
	assert.Equal(t, ActionPush, d.Action)

	a, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, fleet.SyncPending, a.SyncStatus)
}

func TestPreRegisterRetireAndList(t *testing.T) {
	r, _, _ := setupRegistry(t)
	ctx := context.Background()

	_, err := r.PreRegister(ctx, "edge-1", "edge-host", map[string]string{"role": "edge"})
	require.NoError(t, err)
	_, err = r.PreRegister(ctx, "edge-1", "", nil)
	assert.True(t, fleet.IsConflict(err))

	connect(t, r, "a1")
	_, err = r.Evaluate(ctx, "a1", desired("h1"), immediate)
	require.NoError(t, err)

	assert.Len(t, r.List(Filter{}), 2)
	assert.Len(t, r.List(Filter{ConnectionState: fleet.ConnConnected}), 1)
	assert.Len(t, r.List(Filter{SyncStatus: fleet.SyncPending}), 1)
	assert.Equal(t, []string{"a1"}, r.InGroups("g1"))

	counts := r.Counts()
	assert.Equal(t, 2, counts.Total)
	assert.Equal(t, 1, counts.Connected)
	assert.Equal(t, 1, counts.Pending)
	assert.Equal(t, 1, counts.ByGroup["g1"])

	err = r.Retire(ctx, "a1")
	assert.True(t, fleet.IsValidation(err), "connected agents cannot be retired")

	require.NoError(t, r.Retire(ctx, "edge-1"))
	_, err = r.Get("edge-1")
	assert.ErrorIs(t, err, fleet.ErrNotFound)
}

func TestRetire_ReconnectAfterRetireStartsFresh(t *testing.T) {
	r, kv, _ := setupRegistry(t)
	ctx := context.Background()

	_, err := r.PreRegister(ctx, "edge-1", "edge-host", nil)
	require.NoError(t, err)
	stale, ok := r.lookup("edge-1")
	require.True(t, ok)

	require.NoError(t, r.Retire(ctx, "edge-1"))
	assert.True(t, stale.retired)
	assert.ErrorIs(t, r.Retire(ctx, "edge-1"), fleet.ErrNotFound)

	connect(t, r, "edge-1")
	current, ok := r.lookup("edge-1")
	require.True(t, ok)
	assert.NotSame(t, stale, current)

	a, err := r.Get("edge-1")
	require.NoError(t, err)
	assert.Equal(t, fleet.ConnConnected, a.ConnectionState)

	var stored fleet.Agent
	require.NoError(t, store.GetJSON(ctx, kv, keyAgentPrefix+"edge-1", &stored))
	assert.Equal(t, fleet.ConnConnected, stored.ConnectionState)

	err = r.Retire(ctx, "edge-1")
	assert.True(t, fleet.IsValidation(err), "connected agents cannot be retired")
}
