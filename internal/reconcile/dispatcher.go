// ABOUTME: Push dispatcher delivering ConfigUpdates and waiting for their status
// ABOUTME: One run per agent; retries with capped jittered backoff, bounded by semaphore and rate limit

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/2389/opamp-gateway/internal/agent"
	"github.com/2389/opamp-gateway/internal/events"
	"github.com/2389/opamp-gateway/internal/fleet"
	"github.com/2389/opamp-gateway/internal/metrics"
	"github.com/2389/opamp-gateway/internal/protocol"
	"github.com/2389/opamp-gateway/internal/registry"
)

var (
	errAckTimeout    = errors.New("timed out waiting for config status")
	errNotConnected  = errors.New("agent not connected")
	errChannelClosed = errors.New("agent channel closed")
)

// Connections looks up the live channel for an agent.
type Connections interface {
	GetAgent(id string) (*agent.Connection, bool)
}

// DispatcherConfig tunes push delivery.
type DispatcherConfig struct {
	PushTimeout    time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	MaxInflight    int64
	// Rate is the number of push runs allowed to start per second. Zero
	// disables the limit.
	Rate  float64
	Burst int
}

func (c *DispatcherConfig) applyDefaults() {
	if c.PushTimeout <= 0 {
		c.PushTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.MaxInflight <= 0 {
		c.MaxInflight = 64
	}
	if c.Burst <= 0 {
		c.Burst = int(c.MaxInflight)
	}
}

type run struct {
	attemptID string
	cancel    context.CancelFunc
	done      chan struct{}
}

// Dispatcher owns every in-flight push run.
type Dispatcher struct {
	cfg      DispatcherConfig
	registry *registry.Registry
	conns    Connections
	metrics  *metrics.Metrics
	bus      *events.Bus
	logger   *slog.Logger

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	// resolved is called after a run acks or fails so the agent is
	// evaluated again.
	resolved func(agentID string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*run
}

// NewDispatcher creates a dispatcher. Pass nil metrics or bus to disable them.
func NewDispatcher(cfg DispatcherConfig, reg *registry.Registry, conns Connections, m *metrics.Metrics, bus *events.Bus, logger *slog.Logger) *Dispatcher {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:      cfg,
		registry: reg,
		conns:    conns,
		metrics:  m,
		bus:      bus,
		logger:   logger.With("component", "dispatcher"),
		sem:      semaphore.NewWeighted(cfg.MaxInflight),
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		resolved: func(string) {},
		ctx:      ctx,
		cancel:   cancel,
		runs:     make(map[string]*run),
	}
}

// OnResolved installs the callback invoked when a run acks or fails.
func (d *Dispatcher) OnResolved(fn func(agentID string)) {
	d.resolved = fn
}

// Dispatch starts delivering attempt. Any earlier run for the same agent
// is cancelled, and the new run sends nothing until the old one has
// returned, so pushes to one agent never overlap.
func (d *Dispatcher) Dispatch(attempt fleet.PushAttempt, desired fleet.Desired) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx.Err() != nil {
		d.logger.Warn("dispatcher stopped, push dropped", "agent_id", attempt.AgentID, "attempt_id", attempt.ID)
		return
	}

	prev := d.runs[attempt.AgentID]
	if prev != nil {
		prev.cancel()
	}

	ctx, cancel := context.WithCancel(d.ctx)
	r := &run{attemptID: attempt.ID, cancel: cancel, done: make(chan struct{})}
	d.runs[attempt.AgentID] = r

	d.wg.Add(1)
	go d.run(ctx, r, prev, attempt, desired)
}

// Cancel stops the agent's run. An empty attemptID cancels whatever is
// running; otherwise only a run for that attempt is cancelled. The run
// stays registered until it returns so a following Dispatch waits for it.
func (d *Dispatcher) Cancel(agentID, attemptID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.runs[agentID]
	if !ok || (attemptID != "" && r.attemptID != attemptID) {
		return false
	}
	r.cancel()
	return true
}

// Active returns the number of runs not yet finished.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.runs)
}

// Stop waits up to drain for outstanding runs to resolve, then cancels
// the rest and waits for them to return.
func (d *Dispatcher) Stop(drain time.Duration) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	if drain > 0 {
		timer := time.NewTimer(drain)
		select {
		case <-done:
		case <-timer.C:
			d.logger.Warn("push drain timed out, cancelling runs", "active", d.Active())
		}
		timer.Stop()
	}

	d.mu.Lock()
	d.cancel()
	d.mu.Unlock()
	<-done
}

func (d *Dispatcher) forget(agentID string, r *run) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.runs[agentID] == r {
		delete(d.runs, agentID)
	}
}

func (d *Dispatcher) run(ctx context.Context, r *run, prev *run, attempt fleet.PushAttempt, desired fleet.Desired) {
	defer d.wg.Done()
	defer close(r.done)
	defer d.forget(attempt.AgentID, r)
	defer r.cancel()

	logger := d.logger.With("agent_id", attempt.AgentID, "attempt_id", attempt.ID, "hash", attempt.TargetHash)

	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			return
		}
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return
	}
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer d.sem.Release(1)

	bo := &backoff.ExponentialBackOff{
		InitialInterval:     d.cfg.BackoffInitial,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         d.cfg.BackoffMax,
	}
	bo.Reset()

	start := time.Now()
	for {
		n, ok := d.registry.RecordAttempt(attempt.AgentID, attempt.ID)
		if !ok {
			logger.Debug("attempt no longer pending")
			return
		}
		if d.metrics != nil {
			d.metrics.PushAttempts.Inc()
		}

		err := d.deliver(ctx, attempt, desired)
		if err == nil {
			d.complete(logger, attempt, registry.Result{Acked: true}, start)
			return
		}
		if ctx.Err() != nil {
			logger.Debug("push run cancelled", "delivery", n)
			return
		}
		if n >= d.cfg.MaxAttempts {
			failure := &fleet.PushFailedError{
				AgentID:    attempt.AgentID,
				TargetHash: attempt.TargetHash,
				Attempts:   n,
				Reason:     err.Error(),
			}
			logger.Warn("push failed", "error", failure)
			d.complete(logger, attempt, registry.Result{Reason: err.Error()}, start)
			return
		}

		wait := bo.NextBackOff()
		logger.Info("push delivery failed, retrying", "delivery", n, "retry_in", wait, "error", err)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// deliver sends one ConfigUpdate and waits for its status.
func (d *Dispatcher) deliver(ctx context.Context, attempt fleet.PushAttempt, desired fleet.Desired) error {
	conn, ok := d.conns.GetAgent(attempt.AgentID)
	if !ok {
		return &fleet.TransientNetworkError{AgentID: attempt.AgentID, Err: errNotConnected}
	}

	statusCh := conn.AwaitStatus(desired.Hash)
	defer conn.CancelAwait(desired.Hash, statusCh)

	update := protocol.ConfigUpdate{
		ConfigID:    desired.ConfigID,
		Version:     desired.Version,
		Content:     desired.Content,
		ContentHash: desired.Hash,
	}
	if err := conn.Send(ctx, protocol.TypeConfigUpdate, update); err != nil {
		return &fleet.TransientNetworkError{AgentID: attempt.AgentID, Err: err}
	}

	timer := time.NewTimer(d.cfg.PushTimeout)
	defer timer.Stop()

	select {
	case status, ok := <-statusCh:
		if !ok {
			return &fleet.TransientNetworkError{AgentID: attempt.AgentID, Err: errChannelClosed}
		}
		if status.Succeeded() {
			return nil
		}
		if status.Error == "" {
			return errors.New("agent rejected configuration")
		}
		return fmt.Errorf("agent rejected configuration: %s", status.Error)
	case <-timer.C:
		return errAckTimeout
	case <-conn.Done():
		return &fleet.TransientNetworkError{AgentID: attempt.AgentID, Err: errChannelClosed}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) complete(logger *slog.Logger, attempt fleet.PushAttempt, res registry.Result, start time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, ok := d.registry.CompletePush(ctx, attempt.AgentID, attempt.ID, res)
	if !ok {
		logger.Debug("stale push completion ignored")
		return
	}

	outcome := string(fleet.OutcomeAcked)
	evt := events.New(events.KindAgentSynced)
	if !res.Acked {
		outcome = string(fleet.OutcomeFailed)
		evt = events.New(events.KindPushFailed)
		evt.Message = res.Reason
	} else {
		logger.Info("push acknowledged", "version", attempt.Version)
	}
	if d.metrics != nil {
		d.metrics.PushResults.WithLabelValues(outcome).Inc()
		d.metrics.PushDuration.Observe(time.Since(start).Seconds())
	}
	evt.AgentID = a.ID
	evt.GroupID = a.GroupID
	evt.ConfigID = attempt.ConfigID
	evt.Hash = attempt.TargetHash
	d.bus.Emit(evt)

	d.resolved(attempt.AgentID)
}
