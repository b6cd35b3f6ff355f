// ABOUTME: Administrative facade applying mutations and triggering reconciliation
// ABOUTME: Used by the HTTP API, the seed loader and the admin CLI through the API

package admin

import (
	"context"
	"log/slog"

	"github.com/2389/opamp-gateway/internal/configstore"
	"github.com/2389/opamp-gateway/internal/events"
	"github.com/2389/opamp-gateway/internal/fleet"
	"github.com/2389/opamp-gateway/internal/registry"
	"github.com/2389/opamp-gateway/internal/topology"
)

// Reconciler receives the triggers administrative mutations produce.
type Reconciler interface {
	ConfigActivated(name string)
	GroupChanged(change *topology.GroupChange)
	EnvironmentChanged(envID string)
	RetryAgent(ctx context.Context, agentID string) (registry.Decision, error)
}

// Presence reports live channel information.
type Presence interface {
	IsOnline(id string) bool
	Count() int
}

// Pushes reports in-flight push runs.
type Pushes interface {
	Active() int
}

// Service implements every administrative operation.
type Service struct {
	configs    *configstore.Store
	directory  *topology.Directory
	registry   *registry.Registry
	reconciler Reconciler
	presence   Presence
	pushes     Pushes
	bus        *events.Bus
	logger     *slog.Logger
}

// Params holds the collaborators of a Service.
type Params struct {
	Configs    *configstore.Store
	Directory  *topology.Directory
	Registry   *registry.Registry
	Reconciler Reconciler
	Presence   Presence
	Pushes     Pushes
	Bus        *events.Bus
	Logger     *slog.Logger
}

// NewService creates a Service.
func NewService(p Params) *Service {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return &Service{
		configs:    p.Configs,
		directory:  p.Directory,
		registry:   p.Registry,
		reconciler: p.Reconciler,
		presence:   p.Presence,
		pushes:     p.Pushes,
		bus:        p.Bus,
		logger:     p.Logger.With("component", "admin"),
	}
}

// CreateConfigRequest creates the first version of a configuration.
type CreateConfigRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Content     string            `json:"content"`
	Labels      map[string]string `json:"labels,omitempty"`
	Activate    bool              `json:"activate,omitempty"`
}

// CreateConfig stores version 1 of a configuration, activating it if asked.
func (s *Service) CreateConfig(ctx context.Context, req CreateConfigRequest) (*fleet.Configuration, error) {
	cfg, err := s.configs.Create(ctx, configstore.CreateParams{
		Name:        req.Name,
		Description: req.Description,
		Content:     req.Content,
		Labels:      req.Labels,
	})
	if err != nil {
		return nil, err
	}
	s.emitConfig(events.KindConfigCreated, cfg)
	if req.Activate {
		return s.ActivateConfig(ctx, cfg.ID)
	}
	return cfg, nil
}

// NewConfigVersion stores the next version of name.
func (s *Service) NewConfigVersion(ctx context.Context, name, content string, activate bool) (*fleet.Configuration, error) {
	cfg, err := s.configs.NewVersion(ctx, name, content)
	if err != nil {
		return nil, err
	}
	s.emitConfig(events.KindConfigCreated, cfg)
	if activate {
		return s.ActivateConfig(ctx, cfg.ID)
	}
	return cfg, nil
}

// ActivateConfig makes id the active version of its name and re-evaluates
// the agents following that name.
func (s *Service) ActivateConfig(ctx context.Context, id string) (*fleet.Configuration, error) {
	cfg, err := s.configs.Activate(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info("configuration activated", "name", cfg.Name, "version", cfg.Version)
	s.emitConfig(events.KindConfigActivated, cfg)
	s.reconciler.ConfigActivated(cfg.Name)
	return cfg, nil
}

// ArchiveConfig retires a version. Archiving the active version leaves
// its followers without a desired configuration until another version
// is activated.
func (s *Service) ArchiveConfig(ctx context.Context, id string) (*fleet.Configuration, error) {
	before, err := s.configs.Get(id)
	if err != nil {
		return nil, err
	}
	cfg, err := s.configs.Archive(ctx, id)
	if err != nil {
		return nil, err
	}
	s.emitConfig(events.KindConfigArchived, cfg)
	if before.Status == fleet.StatusActive {
		s.reconciler.ConfigActivated(cfg.Name)
	}
	return cfg, nil
}

// GetConfig returns one version.
func (s *Service) GetConfig(id string) (*fleet.Configuration, error) {
	return s.configs.Get(id)
}

// ListConfigs returns versions, optionally of one name or one status.
func (s *Service) ListConfigs(name string, status fleet.ConfigStatus) ([]*fleet.Configuration, error) {
	if status != "" && !status.Valid() {
		return nil, fleet.Invalid("status", "must be draft, active or archived")
	}
	if name == "" {
		return s.configs.List(status), nil
	}
	versions, err := s.configs.ListByName(name)
	if err != nil {
		return nil, err
	}
	if status == "" {
		return versions, nil
	}
	out := versions[:0]
	for _, c := range versions {
		if c.Status == status {
			out = append(out, c)
		}
	}
	return out, nil
}

// CreateEnvironment creates an environment.
func (s *Service) CreateEnvironment(ctx context.Context, p topology.EnvironmentParams) (*fleet.Environment, error) {
	env, err := s.directory.CreateEnvironment(ctx, p)
	if err != nil {
		return nil, err
	}
	s.emitEnvironment(env)
	return env, nil
}

// UpdateEnvironment applies u and re-renders configurations of groups
// bound to the environment when its variables changed.
func (s *Service) UpdateEnvironment(ctx context.Context, id string, u topology.EnvironmentUpdate) (*fleet.Environment, error) {
	env, varsChanged, err := s.directory.UpdateEnvironment(ctx, id, u)
	if err != nil {
		return nil, err
	}
	s.emitEnvironment(env)
	if varsChanged {
		s.reconciler.EnvironmentChanged(env.ID)
	}
	return env, nil
}

// GetEnvironment returns one environment.
func (s *Service) GetEnvironment(id string) (*fleet.Environment, error) {
	return s.directory.GetEnvironment(id)
}

// ListEnvironments returns every environment.
func (s *Service) ListEnvironments() []*fleet.Environment {
	return s.directory.ListEnvironments()
}

// CreateGroup creates a group. Its rule may capture agents from other
// groups, so every agent is re-evaluated.
func (s *Service) CreateGroup(ctx context.Context, p topology.GroupParams) (*fleet.Group, error) {
	g, err := s.directory.CreateGroup(ctx, p)
	if err != nil {
		return nil, err
	}
	change := &topology.GroupChange{Current: g, MembershipChanged: true, TargetChanged: true}
	s.emitGroup(change)
	s.reconciler.GroupChanged(change)
	return g, nil
}

// UpdateGroup applies u and re-evaluates the affected agents.
func (s *Service) UpdateGroup(ctx context.Context, id string, u topology.GroupUpdate) (*fleet.Group, error) {
	change, err := s.directory.UpdateGroup(ctx, id, u)
	if err != nil {
		return nil, err
	}
	s.emitGroup(change)
	s.reconciler.GroupChanged(change)
	return change.Current, nil
}

// GetGroup returns one group.
func (s *Service) GetGroup(id string) (*fleet.Group, error) {
	return s.directory.GetGroup(id)
}

// ListGroups returns groups in evaluation order.
func (s *Service) ListGroups() []*fleet.Group {
	return s.directory.ListGroups()
}

// AgentView is an agent record with its derived phase.
type AgentView struct {
	*fleet.Agent
	Phase  fleet.Phase `json:"phase"`
	Online bool        `json:"online"`
}

func (s *Service) view(a *fleet.Agent) AgentView {
	return AgentView{Agent: a, Phase: a.Phase(), Online: s.presence != nil && s.presence.IsOnline(a.ID)}
}

// ListAgents returns agents matching f.
func (s *Service) ListAgents(f registry.Filter) []AgentView {
	agents := s.registry.List(f)
	out := make([]AgentView, 0, len(agents))
	for _, a := range agents {
		out = append(out, s.view(a))
	}
	return out
}

// GetAgent returns one agent.
func (s *Service) GetAgent(id string) (AgentView, error) {
	a, err := s.registry.Get(id)
	if err != nil {
		return AgentView{}, err
	}
	return s.view(a), nil
}

// PreRegisterRequest creates an agent record ahead of its first connection.
type PreRegisterRequest struct {
	ID       string            `json:"id"`
	Hostname string            `json:"hostname,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// PreRegisterAgent creates an agent record that has never connected.
func (s *Service) PreRegisterAgent(ctx context.Context, req PreRegisterRequest) (AgentView, error) {
	a, err := s.registry.PreRegister(ctx, req.ID, req.Hostname, req.Labels)
	if err != nil {
		return AgentView{}, err
	}
	return s.view(a), nil
}

// RetireAgent deletes a disconnected agent's record.
func (s *Service) RetireAgent(ctx context.Context, id string) error {
	return s.registry.Retire(ctx, id)
}

// RetryResult reports what a manual retry decided.
type RetryResult struct {
	Action string    `json:"action"`
	Agent  AgentView `json:"agent"`
}

// RetryAgent re-evaluates one agent immediately, allowing a failed target
// to be pushed again.
func (s *Service) RetryAgent(ctx context.Context, id string) (RetryResult, error) {
	d, err := s.reconciler.RetryAgent(ctx, id)
	if err != nil {
		return RetryResult{}, err
	}
	return RetryResult{Action: d.Action.String(), Agent: s.view(d.Agent)}, nil
}

// FleetStatus is a fleet-wide summary.
type FleetStatus struct {
	Agents         registry.Counts `json:"agents"`
	OpenChannels   int             `json:"open_channels"`
	ActivePushes   int             `json:"active_pushes"`
	Configurations int             `json:"configurations"`
	ActiveConfigs  int             `json:"active_configurations"`
	Environments   int             `json:"environments"`
	Groups         int             `json:"groups"`
}

// FleetStatus summarizes the fleet.
func (s *Service) FleetStatus() FleetStatus {
	st := FleetStatus{
		Agents:         s.registry.Counts(),
		Configurations: len(s.configs.List("")),
		ActiveConfigs:  len(s.configs.List(fleet.StatusActive)),
		Environments:   len(s.directory.ListEnvironments()),
		Groups:         len(s.directory.ListGroups()),
	}
	if s.presence != nil {
		st.OpenChannels = s.presence.Count()
	}
	if s.pushes != nil {
		st.ActivePushes = s.pushes.Active()
	}
	return st
}

func (s *Service) emitConfig(kind events.Kind, cfg *fleet.Configuration) {
	evt := events.New(kind)
	evt.ConfigID = cfg.ID
	evt.Hash = cfg.ContentHash
	evt.Attrs = map[string]string{"name": cfg.Name, "status": string(cfg.Status)}
	s.bus.Emit(evt)
}

func (s *Service) emitEnvironment(env *fleet.Environment) {
	evt := events.New(events.KindEnvironmentChanged)
	evt.Attrs = map[string]string{"environment_id": env.ID, "name": env.Name}
	s.bus.Emit(evt)
}

func (s *Service) emitGroup(change *topology.GroupChange) {
	evt := events.New(events.KindGroupChanged)
	evt.GroupID = change.Current.ID
	evt.ConfigID = change.Current.ConfigID
	evt.Attrs = map[string]string{"name": change.Current.Name}
	s.bus.Emit(evt)
}
