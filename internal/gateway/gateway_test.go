// ABOUTME: Tests for the Gateway orchestrator over real HTTP and websocket connections
// ABOUTME: Drives a collector through handshake, push and ack, and checks API error mapping

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/opamp-gateway/internal/admin"
	"github.com/2389/opamp-gateway/internal/config"
	"github.com/2389/opamp-gateway/internal/fleet"
	"github.com/2389/opamp-gateway/internal/protocol"
)

const collectorTemplate = `exporters:
  otlp:
    endpoint: ${ENDPOINT}
`

// testConfig creates a config backed by the memory store with fast timings.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Server.ServerID = "test-gateway"
	cfg.Database.Driver = "memory"
	cfg.Agents.PushTimeout = 2 * time.Second
	cfg.Agents.BackoffInitial = 10 * time.Millisecond
	cfg.Agents.BackoffMax = 50 * time.Millisecond
	cfg.Agents.DrainTimeout = 100 * time.Millisecond
	cfg.Agents.SweepSchedule = "@every 1h"
	cfg.Metrics.Enabled = true
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testGateway struct {
	gw  *Gateway
	srv *httptest.Server
}

func startGateway(t *testing.T, cfg *config.Config) *testGateway {
	t.Helper()
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, gw.Start(context.Background()))

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return &testGateway{gw: gw, srv: srv}
}

func (tg *testGateway) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, tg.srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func (tg *testGateway) decode(t *testing.T, method, path string, body any, wantStatus int, out any) {
	t.Helper()
	status, data := tg.do(t, method, path, body)
	require.Equal(t, wantStatus, status, "response: %s", data)
	if out != nil {
		require.NoError(t, json.Unmarshal(data, out))
	}
}

// seedTopology creates a prod environment, an active configuration and a
// group selecting env=prod agents.
func (tg *testGateway) seedTopology(t *testing.T) (*fleet.Environment, *fleet.Configuration, *fleet.Group) {
	t.Helper()
	var env fleet.Environment
	tg.decode(t, http.MethodPost, "/api/v1/environments", EnvironmentRequest{
		Name:      "prod",
		Variables: map[string]string{"ENDPOINT": "collector:4317"},
	}, http.StatusCreated, &env)

	var cfg fleet.Configuration
	tg.decode(t, http.MethodPost, "/api/v1/configurations", admin.CreateConfigRequest{
		Name:     "base",
		Content:  collectorTemplate,
		Activate: true,
	}, http.StatusCreated, &cfg)

	var grp fleet.Group
	tg.decode(t, http.MethodPost, "/api/v1/groups", GroupRequest{
		Name:          "prod-collectors",
		EnvironmentID: env.ID,
		ConfigID:      cfg.ID,
		Rule:          fleet.MembershipRule{Selector: map[string]string{"env": "prod"}},
	}, http.StatusCreated, &grp)
	return &env, &cfg, &grp
}

// wsCollector is a collector speaking the agent protocol over a real websocket.
type wsCollector struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialCollector(t *testing.T, tg *testGateway, desc protocol.AgentDescription) *wsCollector {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(tg.srv.URL, "http") + "/v1/opamp"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })

	c := &wsCollector{t: t, conn: conn}
	c.send(protocol.TypeAgentDescription, desc)

	env := c.read()
	require.Equal(t, protocol.TypeWelcome, env.Type)
	var welcome protocol.Welcome
	require.NoError(t, json.Unmarshal(env.Payload, &welcome))
	assert.Equal(t, "test-gateway", welcome.ServerID)
	assert.Equal(t, desc.AgentID, welcome.AgentID)
	return c
}

func (c *wsCollector) send(msgType string, payload any) {
	c.t.Helper()
	env, err := protocol.Encode(msgType, payload)
	require.NoError(c.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(c.t, wsjson.Write(ctx, c.conn, env))
}

func (c *wsCollector) read() protocol.Envelope {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var env protocol.Envelope
	require.NoError(c.t, wsjson.Read(ctx, c.conn, &env))
	return env
}

func (c *wsCollector) readUpdate() protocol.ConfigUpdate {
	c.t.Helper()
	for {
		env := c.read()
		if env.Type != protocol.TypeConfigUpdate {
			continue
		}
		var update protocol.ConfigUpdate
		require.NoError(c.t, json.Unmarshal(env.Payload, &update))
		return update
	}
}

func (tg *testGateway) waitAgent(t *testing.T, id string, cond func(v admin.AgentView) bool) admin.AgentView {
	t.Helper()
	var last admin.AgentView
	require.Eventually(t, func() bool {
		status, data := tg.do(t, http.MethodGet, "/api/v1/agents/"+id, nil)
		if status != http.StatusOK {
			return false
		}
		last = admin.AgentView{}
		if err := json.Unmarshal(data, &last); err != nil {
			return false
		}
		return cond(last)
	}, 5*time.Second, 10*time.Millisecond)
	return last
}

func TestGatewayNew(t *testing.T) {
	gw, err := New(testConfig(t), testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	assert.NotNil(t, gw.agentManager)
	assert.NotNil(t, gw.reconciler)
	assert.NotNil(t, gw.dispatcher)
	assert.Nil(t, gw.grpcServer, "gRPC disabled without grpc_addr")
	assert.Equal(t, "test-gateway", gw.serverID)
}

func TestGatewayNew_UnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "cassandra"
	_, err := New(cfg, testLogger())
	require.Error(t, err)
}

func TestHealthEndpoints(t *testing.T) {
	tg := startGateway(t, testConfig(t))

	status, body := tg.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", string(body))

	status, body = tg.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "ready")

	status, body = tg.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "opamp_")
}

func TestCollectorConvergesOverWebSocket(t *testing.T) {
	tg := startGateway(t, testConfig(t))
	_, cfg, grp := tg.seedTopology(t)

	c := dialCollector(t, tg, protocol.AgentDescription{
		AgentID:  "edge-1",
		Hostname: "edge-1.local",
		Labels:   map[string]string{"env": "prod"},
	})

	update := c.readUpdate()
	assert.Equal(t, cfg.ID, update.ConfigID)
	assert.Contains(t, update.Content, "endpoint: collector:4317")
	assert.NotEqual(t, cfg.ContentHash, update.ContentHash, "rendered hash differs from template hash")

	c.send(protocol.TypeConfigStatus, protocol.ConfigStatus{
		AgentID:     "edge-1",
		AppliedHash: update.ContentHash,
		Outcome:     protocol.OutcomeApplied,
	})

	view := tg.waitAgent(t, "edge-1", func(v admin.AgentView) bool {
		return v.SyncStatus == fleet.SyncSynced
	})
	assert.Equal(t, fleet.PhaseSynced, view.Phase)
	assert.True(t, view.Online)
	assert.Equal(t, grp.ID, view.GroupID)
	assert.Equal(t, update.ContentHash, view.ReportedHash)

	var st admin.FleetStatus
	tg.decode(t, http.MethodGet, "/api/v1/status", nil, http.StatusOK, &st)
	assert.Equal(t, 1, st.OpenChannels)
	assert.Equal(t, 1, st.ActiveConfigs)

	var list struct {
		Agents []admin.AgentView `json:"agents"`
	}
	tg.decode(t, http.MethodGet, "/api/v1/agents?sync_status=synced", nil, http.StatusOK, &list)
	require.Len(t, list.Agents, 1)
	assert.Equal(t, "edge-1", list.Agents[0].ID)
}

func TestNewVersionRollsOut(t *testing.T) {
	tg := startGateway(t, testConfig(t))
	tg.seedTopology(t)

	c := dialCollector(t, tg, protocol.AgentDescription{AgentID: "edge-2", Labels: map[string]string{"env": "prod"}})
	first := c.readUpdate()
	c.send(protocol.TypeConfigStatus, protocol.ConfigStatus{AgentID: "edge-2", AppliedHash: first.ContentHash, Outcome: protocol.OutcomeApplied})
	tg.waitAgent(t, "edge-2", func(v admin.AgentView) bool { return v.SyncStatus == fleet.SyncSynced })

	var v2 fleet.Configuration
	tg.decode(t, http.MethodPost, "/api/v1/configurations/versions", NewVersionRequest{
		Name:     "base",
		Content:  collectorTemplate + "# v2\n",
		Activate: true,
	}, http.StatusCreated, &v2)
	assert.Equal(t, 2, v2.Version)

	second := c.readUpdate()
	assert.Equal(t, 2, second.Version)
	assert.NotEqual(t, first.ContentHash, second.ContentHash)
}

func TestEventsStream(t *testing.T) {
	tg := startGateway(t, testConfig(t))
	tg.seedTopology(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tg.srv.URL+"/api/v1/events?kind=agent.connected,agent.synced", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 32)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	// The subscription is live once the connected comment arrives.
	require.Equal(t, ": connected", <-lines)

	c := dialCollector(t, tg, protocol.AgentDescription{AgentID: "edge-3", Labels: map[string]string{"env": "prod"}})
	update := c.readUpdate()
	c.send(protocol.TypeConfigStatus, protocol.ConfigStatus{AgentID: "edge-3", AppliedHash: update.ContentHash, Outcome: protocol.OutcomeApplied})

	var seen []string
	for line := range lines {
		if kind, ok := strings.CutPrefix(line, "event: "); ok {
			seen = append(seen, kind)
			if kind == "agent.synced" {
				break
			}
		}
	}
	assert.Equal(t, []string{"agent.connected", "agent.synced"}, seen)
}

func TestAPIErrorMapping(t *testing.T) {
	tg := startGateway(t, testConfig(t))
	env, _, _ := tg.seedTopology(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"missing config", http.MethodGet, "/api/v1/configurations/nope", nil, http.StatusNotFound},
		{"duplicate config", http.MethodPost, "/api/v1/configurations", admin.CreateConfigRequest{Name: "base", Content: "x: 1\n"}, http.StatusConflict},
		{"empty config name", http.MethodPost, "/api/v1/configurations", admin.CreateConfigRequest{Content: "x: 1\n"}, http.StatusBadRequest},
		{"bad status filter", http.MethodGet, "/api/v1/configurations?status=bogus", nil, http.StatusBadRequest},
		{"duplicate environment", http.MethodPost, "/api/v1/environments", EnvironmentRequest{Name: "prod"}, http.StatusConflict},
		{"group with unknown environment", http.MethodPost, "/api/v1/groups", GroupRequest{Name: "g", EnvironmentID: "missing"}, http.StatusBadRequest},
		{"missing group", http.MethodGet, "/api/v1/groups/nope", nil, http.StatusNotFound},
		{"missing agent", http.MethodGet, "/api/v1/agents/ghost", nil, http.StatusNotFound},
		{"retry missing agent", http.MethodPost, "/api/v1/agents/ghost/retry", nil, http.StatusNotFound},
		{"unknown field", http.MethodPatch, "/api/v1/environments/" + env.ID, map[string]string{"colour": "blue"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := tg.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, status, "body: %s", body)
			var errBody map[string]string
			require.NoError(t, json.Unmarshal(body, &errBody))
			assert.NotEmpty(t, errBody["error"])
		})
	}
}

func TestAgentPreRegisterAndRetire(t *testing.T) {
	tg := startGateway(t, testConfig(t))

	var view admin.AgentView
	tg.decode(t, http.MethodPost, "/api/v1/agents", admin.PreRegisterRequest{
		ID:     "planned-1",
		Labels: map[string]string{"env": "prod"},
	}, http.StatusCreated, &view)
	assert.Equal(t, fleet.PhaseUnknown, view.Phase)
	assert.False(t, view.Online)

	status, _ := tg.do(t, http.MethodDelete, "/api/v1/agents/planned-1", nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = tg.do(t, http.MethodGet, "/api/v1/agents/planned-1", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestStartAppliesSeed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
configurations:
  - name: seeded
    status: active
    content: |
      exporters: {}
environments:
  - name: staging
groups:
  - name: everyone
    environment: staging
    configuration: seeded
    selector:
      role: collector
`), 0o600))

	cfg := testConfig(t)
	cfg.Seed.Path = path
	tg := startGateway(t, cfg)

	var st admin.FleetStatus
	tg.decode(t, http.MethodGet, "/api/v1/status", nil, http.StatusOK, &st)
	assert.Equal(t, 1, st.Configurations)
	assert.Equal(t, 1, st.Environments)
	assert.Equal(t, 1, st.Groups)
}

func TestRunServesHealthOverGRPC(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.HTTPAddr = freeAddr(t)
	cfg.Server.GRPCAddr = freeAddr(t)

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	require.Eventually(t, func() bool {
		rctx, rcancel := context.WithTimeout(context.Background(), time.Second)
		defer rcancel()
		resp, err := client.Check(rctx, &healthpb.HealthCheckRequest{Service: healthService})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// freeAddr returns a loopback address with a port that was free a moment ago.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}
