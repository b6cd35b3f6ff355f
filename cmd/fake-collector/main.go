// ABOUTME: Fake collector fleet for E2E testing: connects over websocket and applies pushed configs.
// ABOUTME: Usage: fake-collector [--url ws://localhost:4320/v1/opamp] [--count 10] [--label env=prod]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/pflag"

	"github.com/2389/opamp-gateway/internal/protocol"
)

type options struct {
	url        string
	prefix     string
	count      int
	labels     map[string]string
	heartbeat  time.Duration
	applyDelay time.Duration
	rejectRate float64
	silentRate float64
	reconnect  time.Duration
}

func main() {
	var opts options
	var labels []string
	flags := pflag.NewFlagSet("fake-collector", pflag.ExitOnError)
	flags.StringVar(&opts.url, "url", "ws://localhost:4320/v1/opamp", "gateway agent endpoint")
	flags.StringVar(&opts.prefix, "prefix", "fake-collector", "agent ID prefix")
	flags.IntVarP(&opts.count, "count", "n", 1, "number of collectors to simulate")
	flags.StringArrayVarP(&labels, "label", "l", nil, "label K=V (repeatable)")
	flags.DurationVar(&opts.heartbeat, "heartbeat", 30*time.Second, "heartbeat interval")
	flags.DurationVar(&opts.applyDelay, "apply-delay", 200*time.Millisecond, "time taken to apply a config")
	flags.Float64Var(&opts.rejectRate, "reject-rate", 0, "fraction of updates reported as failed")
	flags.Float64Var(&opts.silentRate, "silent-rate", 0, "fraction of updates never answered")
	flags.DurationVar(&opts.reconnect, "reconnect", 2*time.Second, "delay before reconnecting")
	_ = flags.Parse(os.Args[1:])

	opts.labels = make(map[string]string, len(labels))
	for _, l := range labels {
		k, v, ok := strings.Cut(l, "=")
		if !ok {
			fmt.Fprintf(os.Stderr, "invalid label %q, expected K=V\n", l)
			os.Exit(2)
		}
		opts.labels[k] = v
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var wg sync.WaitGroup
	for i := range opts.count {
		id := fmt.Sprintf("%s-%03d", opts.prefix, i+1)
		c := &collector{id: id, opts: opts, logger: logger.With("agent_id", id)}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.runForever(ctx)
		}()
	}
	wg.Wait()
}

// collector simulates one agent. applied survives reconnects so the
// gateway sees the last applied hash on handshake.
type collector struct {
	id      string
	opts    options
	logger  *slog.Logger
	applied string
}

func (c *collector) runForever(ctx context.Context) {
	for {
		err := c.run(ctx)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("connection ended, reconnecting", "error", err, "in", c.opts.reconnect)
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.reconnect):
		}
	}
}

func (c *collector) run(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.opts.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.CloseNow()

	var writeMu sync.Mutex
	send := func(msgType string, payload any) error {
		env, err := protocol.Encode(msgType, payload)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return wsjson.Write(wctx, conn, env)
	}

	hostname, _ := os.Hostname()
	if err := send(protocol.TypeAgentDescription, protocol.AgentDescription{
		AgentID:      c.id,
		Hostname:     hostname,
		Labels:       c.opts.labels,
		Capabilities: []string{"accepts_remote_config", "reports_effective_config"},
		ReportedHash: c.applied,
	}); err != nil {
		return fmt.Errorf("failed to describe: %w", err)
	}

	var welcome protocol.Envelope
	if err := wsjson.Read(ctx, conn, &welcome); err != nil {
		return fmt.Errorf("failed to receive welcome: %w", err)
	}
	if welcome.Type != protocol.TypeWelcome {
		return fmt.Errorf("expected welcome, got %s", welcome.Type)
	}
	c.logger.Info("connected")

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go func() {
		ticker := time.NewTicker(c.opts.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case now := <-ticker.C:
				if err := send(protocol.TypeHeartbeat, protocol.Heartbeat{AgentID: c.id, Timestamp: now.UTC()}); err != nil {
					return
				}
			}
		}
	}()

	// Message loop
	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("recv error: %w", err)
		}
		if env.Type != protocol.TypeConfigUpdate {
			continue
		}

		var update protocol.ConfigUpdate
		if err := json.Unmarshal(env.Payload, &update); err != nil {
			c.logger.Warn("bad config update", "error", err)
			continue
		}
		c.logger.Info("received config", "config_id", update.ConfigID, "version", update.Version, "hash", short(update.ContentHash))

		if err := c.apply(ctx, update, send); err != nil {
			return err
		}
	}
}

// apply simulates applying a configuration and reports the outcome.
func (c *collector) apply(ctx context.Context, update protocol.ConfigUpdate, send func(string, any) error) error {
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(c.opts.applyDelay):
	}

	roll := rand.Float64()
	switch {
	case roll < c.opts.silentRate:
		c.logger.Info("ignoring config", "hash", short(update.ContentHash))
		return nil
	case roll < c.opts.silentRate+c.opts.rejectRate:
		c.logger.Info("rejecting config", "hash", short(update.ContentHash))
		return send(protocol.TypeConfigStatus, protocol.ConfigStatus{
			AgentID:     c.id,
			AppliedHash: update.ContentHash,
			Outcome:     protocol.OutcomeFailed,
			Error:       "simulated validation failure",
		})
	}

	c.applied = update.ContentHash
	return send(protocol.TypeConfigStatus, protocol.ConfigStatus{
		AgentID:     c.id,
		AppliedHash: update.ContentHash,
		Outcome:     protocol.OutcomeApplied,
	})
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
