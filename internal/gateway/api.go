// ABOUTME: HTTP API handlers for fleet administration and the agent channel endpoint
// ABOUTME: chi routes under /api/v1, the /v1/opamp websocket, SSE fleet events and health checks

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/opamp-gateway/internal/admin"
	"github.com/2389/opamp-gateway/internal/agent"
	"github.com/2389/opamp-gateway/internal/events"
	"github.com/2389/opamp-gateway/internal/fleet"
	"github.com/2389/opamp-gateway/internal/registry"
	"github.com/2389/opamp-gateway/internal/topology"
)

// maxRequestBytes caps admin request bodies above the configuration limit
// to leave room for JSON framing.
const maxRequestBytes = 4 << 20

// agentReadLimit caps a single inbound agent message.
const agentReadLimit = 1 << 20

const sseKeepAlive = 15 * time.Second

// NewVersionRequest is the JSON request body for POST /api/v1/configurations/versions.
type NewVersionRequest struct {
	Name     string `json:"name"`
	Content  string `json:"content"`
	Activate bool   `json:"activate"`
}

// EnvironmentRequest is the JSON request body for creating an environment.
type EnvironmentRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
}

// EnvironmentPatch is the JSON request body for PATCH /api/v1/environments/{id}.
type EnvironmentPatch struct {
	Name        *string           `json:"name,omitempty"`
	Description *string           `json:"description,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
}

// GroupRequest is the JSON request body for creating a group.
type GroupRequest struct {
	Name          string               `json:"name"`
	Description   string               `json:"description,omitempty"`
	EnvironmentID string               `json:"environment_id"`
	ConfigID      string               `json:"config_id,omitempty"`
	Rule          fleet.MembershipRule `json:"membership_rule"`
	Order         int                  `json:"order"`
}

// GroupPatch is the JSON request body for PATCH /api/v1/groups/{id}.
type GroupPatch struct {
	Name          *string               `json:"name,omitempty"`
	Description   *string               `json:"description,omitempty"`
	EnvironmentID *string               `json:"environment_id,omitempty"`
	ConfigID      *string               `json:"config_id,omitempty"`
	Rule          *fleet.MembershipRule `json:"membership_rule,omitempty"`
	Order         *int                  `json:"order,omitempty"`
}

// routes builds the HTTP handler.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		r.Method(http.MethodGet, g.config.Metrics.Path, g.metrics.Handler())
	}

	r.Get("/v1/opamp", g.handleAgentChannel)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(g.observeRequests)

		r.Get("/status", g.handleFleetStatus)
		r.Get("/events", g.handleEvents)

		r.Route("/configurations", func(r chi.Router) {
			r.Get("/", g.handleListConfigs)
			r.Post("/", g.handleCreateConfig)
			r.Post("/versions", g.handleNewVersion)
			r.Get("/{id}", g.handleGetConfig)
			r.Post("/{id}/activate", g.handleActivateConfig)
			r.Post("/{id}/archive", g.handleArchiveConfig)
		})

		r.Route("/environments", func(r chi.Router) {
			r.Get("/", g.handleListEnvironments)
			r.Post("/", g.handleCreateEnvironment)
			r.Get("/{id}", g.handleGetEnvironment)
			r.Patch("/{id}", g.handleUpdateEnvironment)
		})

		r.Route("/groups", func(r chi.Router) {
			r.Get("/", g.handleListGroups)
			r.Post("/", g.handleCreateGroup)
			r.Get("/{id}", g.handleGetGroup)
			r.Patch("/{id}", g.handleUpdateGroup)
		})

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", g.handleListAgents)
			r.Post("/", g.handlePreRegisterAgent)
			r.Get("/{id}", g.handleGetAgent)
			r.Delete("/{id}", g.handleRetireAgent)
			r.Post("/{id}/retry", g.handleRetryAgent)
		})
	})

	return r
}

// observeRequests records request counts and latency per route pattern.
func (g *Gateway) observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		g.metrics.ObserveRequest(r.Method, route, status, time.Since(start))
	})
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store is reachable.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents connected)", g.agentManager.Count())
}

// handleAgentChannel upgrades an agent connection and serves it until it
// closes.
func (g *Gateway) handleAgentChannel(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	t := agent.NewWebSocketTransport(conn, agentReadLimit)
	if err := g.agentHandler.Serve(r.Context(), t); err != nil {
		g.logger.Debug("agent channel ended", "remote", r.RemoteAddr, "error", err)
	}
}

// handleFleetStatus handles GET /api/v1/status.
func (g *Gateway) handleFleetStatus(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.admin.FleetStatus())
}

// handleListConfigs handles GET /api/v1/configurations?name=X&status=Y.
func (g *Gateway) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	configs, err := g.admin.ListConfigs(q.Get("name"), fleet.ConfigStatus(q.Get("status")))
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"configurations": configs})
}

// handleCreateConfig handles POST /api/v1/configurations.
func (g *Gateway) handleCreateConfig(w http.ResponseWriter, r *http.Request) {
	var req admin.CreateConfigRequest
	if !g.decode(w, r, &req) {
		return
	}
	cfg, err := g.admin.CreateConfig(r.Context(), req)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, cfg)
}

// handleNewVersion handles POST /api/v1/configurations/versions.
func (g *Gateway) handleNewVersion(w http.ResponseWriter, r *http.Request) {
	var req NewVersionRequest
	if !g.decode(w, r, &req) {
		return
	}
	cfg, err := g.admin.NewConfigVersion(r.Context(), req.Name, req.Content, req.Activate)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, cfg)
}

// handleGetConfig handles GET /api/v1/configurations/{id}.
func (g *Gateway) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := g.admin.GetConfig(chi.URLParam(r, "id"))
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, cfg)
}

// handleActivateConfig handles POST /api/v1/configurations/{id}/activate.
func (g *Gateway) handleActivateConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := g.admin.ActivateConfig(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, cfg)
}

// handleArchiveConfig handles POST /api/v1/configurations/{id}/archive.
func (g *Gateway) handleArchiveConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := g.admin.ArchiveConfig(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, cfg)
}

func (g *Gateway) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{"environments": g.admin.ListEnvironments()})
}

func (g *Gateway) handleCreateEnvironment(w http.ResponseWriter, r *http.Request) {
	var req EnvironmentRequest
	if !g.decode(w, r, &req) {
		return
	}
	env, err := g.admin.CreateEnvironment(r.Context(), topology.EnvironmentParams{
		Name:        req.Name,
		Description: req.Description,
		Variables:   req.Variables,
	})
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, env)
}

func (g *Gateway) handleGetEnvironment(w http.ResponseWriter, r *http.Request) {
	env, err := g.admin.GetEnvironment(chi.URLParam(r, "id"))
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, env)
}

func (g *Gateway) handleUpdateEnvironment(w http.ResponseWriter, r *http.Request) {
	var req EnvironmentPatch
	if !g.decode(w, r, &req) {
		return
	}
	env, err := g.admin.UpdateEnvironment(r.Context(), chi.URLParam(r, "id"), topology.EnvironmentUpdate{
		Name:        req.Name,
		Description: req.Description,
		Variables:   req.Variables,
	})
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, env)
}

func (g *Gateway) handleListGroups(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{"groups": g.admin.ListGroups()})
}

func (g *Gateway) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req GroupRequest
	if !g.decode(w, r, &req) {
		return
	}
	grp, err := g.admin.CreateGroup(r.Context(), topology.GroupParams{
		Name:          req.Name,
		Description:   req.Description,
		EnvironmentID: req.EnvironmentID,
		ConfigID:      req.ConfigID,
		Rule:          req.Rule,
		Order:         req.Order,
	})
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, grp)
}

func (g *Gateway) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	grp, err := g.admin.GetGroup(chi.URLParam(r, "id"))
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, grp)
}

func (g *Gateway) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	var req GroupPatch
	if !g.decode(w, r, &req) {
		return
	}
	grp, err := g.admin.UpdateGroup(r.Context(), chi.URLParam(r, "id"), topology.GroupUpdate{
		Name:          req.Name,
		Description:   req.Description,
		EnvironmentID: req.EnvironmentID,
		ConfigID:      req.ConfigID,
		Rule:          req.Rule,
		Order:         req.Order,
	})
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, grp)
}

// handleListAgents handles GET /api/v1/agents?group_id=X&connection_state=Y&sync_status=Z.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agents := g.admin.ListAgents(registry.Filter{
		GroupID:         q.Get("group_id"),
		ConnectionState: fleet.ConnectionState(q.Get("connection_state")),
		SyncStatus:      fleet.SyncStatus(q.Get("sync_status")),
	})
	g.writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (g *Gateway) handlePreRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req admin.PreRegisterRequest
	if !g.decode(w, r, &req) {
		return
	}
	view, err := g.admin.PreRegisterAgent(r.Context(), req)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, view)
}

func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	view, err := g.admin.GetAgent(chi.URLParam(r, "id"))
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, view)
}

func (g *Gateway) handleRetireAgent(w http.ResponseWriter, r *http.Request) {
	if err := g.admin.RetireAgent(r.Context(), chi.URLParam(r, "id")); err != nil {
		g.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRetryAgent handles POST /api/v1/agents/{id}/retry.
func (g *Gateway) handleRetryAgent(w http.ResponseWriter, r *http.Request) {
	res, err := g.admin.RetryAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, res)
}

// handleEvents handles GET /api/v1/events?kind=A,B as a Server-Sent Events
// stream of fleet events.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var kinds []events.Kind
	for _, k := range strings.Split(r.URL.Query().Get("kind"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds = append(kinds, events.Kind(k))
		}
	}

	ch, _ := g.bus.Subscribe(r.Context(), kinds...)

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(evt.Kind), evt)
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w io.Writer, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// decode reads a JSON request body into v, answering 400 on failure.
func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response failed", "error", err)
	}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var transient *fleet.TransientNetworkError
	switch {
	case fleet.IsValidation(err):
		return http.StatusBadRequest
	case fleet.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, fleet.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, fleet.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &transient):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// sendError writes err with the status its kind maps to. Internal errors
// are logged and not echoed.
func (g *Gateway) sendError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, status, "internal server error")
		return
	}
	g.sendJSONError(w, status, err.Error())
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
