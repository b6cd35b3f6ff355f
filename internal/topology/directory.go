// ABOUTME: Topology directory holding environments and groups.
// ABOUTME: Resolves an agent's group and its rendered desired configuration.

package topology

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/2389/opamp-gateway/internal/configstore"
	"github.com/2389/opamp-gateway/internal/fleet"
	"github.com/2389/opamp-gateway/internal/store"
)

const (
	setEnvironments = "environments"
	setGroups       = "groups"
	keyEnvPrefix    = "env:"
	keyGroupPrefix  = "group:"

	defaultRenderCacheSize = 1024
)

// ConfigSource is the read side of the configuration store.
type ConfigSource interface {
	Get(id string) (*fleet.Configuration, error)
	Active(name string) (*fleet.Configuration, error)
}

type renderKey struct {
	contentHash string
	envPrint    string
}

type rendered struct {
	text string
	hash string
}

// Directory owns environments and groups. Records are immutable once
// stored; updates replace the pointer under the write lock.
type Directory struct {
	kv      store.Store
	configs ConfigSource
	logger  *slog.Logger
	now     func() time.Time
	cache   *lru.Cache[renderKey, rendered]

	// writeMu serializes mutations so uniqueness checks and persistence
	// happen atomically with respect to each other.
	writeMu sync.Mutex

	mu         sync.RWMutex
	envs       map[string]*fleet.Environment
	envPrints  map[string]string
	groups     map[string]*fleet.Group
	groupOrder []*fleet.Group // sorted by (Order, Name)
}

// New creates an empty Directory. Call Load to populate it from kv.
func New(kv store.Store, configs ConfigSource, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[renderKey, rendered](defaultRenderCacheSize)
	if err != nil {
		panic(err)
	}
	return &Directory{
		kv:        kv,
		configs:   configs,
		logger:    logger.With("component", "topology"),
		now:       time.Now,
		cache:     cache,
		envs:      make(map[string]*fleet.Environment),
		envPrints: make(map[string]string),
		groups:    make(map[string]*fleet.Group),
	}
}

// Load rebuilds the directory from the backing store.
func (d *Directory) Load(ctx context.Context) error {
	envs, err := store.LoadSet[fleet.Environment](ctx, d.kv, setEnvironments, keyEnvPrefix)
	if err != nil {
		return fmt.Errorf("loading environments: %w", err)
	}
	groups, err := store.LoadSet[fleet.Group](ctx, d.kv, setGroups, keyGroupPrefix)
	if err != nil {
		return fmt.Errorf("loading groups: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.envs = make(map[string]*fleet.Environment, len(envs))
	d.envPrints = make(map[string]string, len(envs))
	for _, e := range envs {
		d.envs[e.ID] = e
		d.envPrints[e.ID] = fingerprint(e.Variables)
	}
	d.groups = make(map[string]*fleet.Group, len(groups))
	for _, g := range groups {
		d.groups[g.ID] = g
	}
	d.reorderLocked()

	d.logger.Info("topology loaded", "environments", len(envs), "groups", len(groups))
	return nil
}

// EnvironmentParams describes a new environment.
type EnvironmentParams struct {
	Name        string
	Description string
	Variables   map[string]string
}

// EnvironmentUpdate holds optional changes; nil fields are left as is.
type EnvironmentUpdate struct {
	Name        *string
	Description *string
	Variables   map[string]string
}

// CreateEnvironment stores a new environment.
func (d *Directory) CreateEnvironment(ctx context.Context, p EnvironmentParams) (*fleet.Environment, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return nil, fleet.Invalid("name", "is required")
	}
	if err := validateVariables(p.Variables); err != nil {
		return nil, err
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if _, err := d.EnvironmentByName(p.Name); err == nil {
		return nil, fleet.Conflict("environment", p.Name)
	}

	now := d.now().UTC()
	env := &fleet.Environment{
		ID:          uuid.New().String(),
		Name:        p.Name,
		Description: p.Description,
		Variables:   maps.Clone(p.Variables),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if env.Variables == nil {
		env.Variables = map[string]string{}
	}
	if err := d.persistEnv(ctx, env); err != nil {
		return nil, err
	}
	if err := d.kv.AddMember(ctx, setEnvironments, env.ID); err != nil {
		return nil, fmt.Errorf("indexing environment: %w", err)
	}

	d.mu.Lock()
	d.envs[env.ID] = env
	d.envPrints[env.ID] = fingerprint(env.Variables)
	d.mu.Unlock()

	d.logger.Info("environment created", "name", env.Name, "id", env.ID, "variables", len(env.Variables))
	return env.Clone(), nil
}

// UpdateEnvironment applies u to the environment with the given id and
// reports whether its variables changed.
func (d *Directory) UpdateEnvironment(ctx context.Context, id string, u EnvironmentUpdate) (*fleet.Environment, bool, error) {
	if u.Variables != nil {
		if err := validateVariables(u.Variables); err != nil {
			return nil, false, err
		}
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	env, err := d.GetEnvironment(id)
	if err != nil {
		return nil, false, err
	}
	if u.Name != nil {
		name := strings.TrimSpace(*u.Name)
		if name == "" {
			return nil, false, fleet.Invalid("name", "is required")
		}
		if other, err := d.EnvironmentByName(name); err == nil && other.ID != id {
			return nil, false, fleet.Conflict("environment", name)
		}
		env.Name = name
	}
	if u.Description != nil {
		env.Description = *u.Description
	}
	varsChanged := false
	if u.Variables != nil && !maps.Equal(u.Variables, env.Variables) {
		env.Variables = maps.Clone(u.Variables)
		varsChanged = true
	}
	env.UpdatedAt = d.now().UTC()

	if err := d.persistEnv(ctx, env); err != nil {
		return nil, false, err
	}

	d.mu.Lock()
	d.envs[env.ID] = env
	d.envPrints[env.ID] = fingerprint(env.Variables)
	d.mu.Unlock()

	d.logger.Info("environment updated", "name", env.Name, "id", env.ID, "variables_changed", varsChanged)
	return env.Clone(), varsChanged, nil
}

// GetEnvironment returns the environment with the given id.
func (d *Directory) GetEnvironment(id string) (*fleet.Environment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	env, ok := d.envs[id]
	if !ok {
		return nil, fleet.NotFoundf("environment", id)
	}
	return env.Clone(), nil
}

// EnvironmentByName looks an environment up by its unique name.
func (d *Directory) EnvironmentByName(name string) (*fleet.Environment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, env := range d.envs {
		if env.Name == name {
			return env.Clone(), nil
		}
	}
	return nil, fleet.NotFoundf("environment", name)
}

// ListEnvironments returns every environment sorted by name.
func (d *Directory) ListEnvironments() []*fleet.Environment {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*fleet.Environment, 0, len(d.envs))
	for _, env := range d.envs {
		out = append(out, env.Clone())
	}
	slices.SortFunc(out, func(a, b *fleet.Environment) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// GroupParams describes a new group.
type GroupParams struct {
	Name          string
	Description   string
	EnvironmentID string
	ConfigID      string
	Rule          fleet.MembershipRule
	Order         int
}

// GroupUpdate holds optional changes; nil fields are left as is. An empty
// ConfigID detaches the group from its configuration.
type GroupUpdate struct {
	Name          *string
	Description   *string
	EnvironmentID *string
	ConfigID      *string
	Rule          *fleet.MembershipRule
	Order         *int
}

// GroupChange describes what an update affected, for reconciliation.
type GroupChange struct {
	Previous *fleet.Group
	Current  *fleet.Group
	// MembershipChanged is set when the rule or evaluation order changed,
	// meaning agents outside the group may now resolve differently.
	MembershipChanged bool
	// TargetChanged is set when the configuration or environment changed.
	TargetChanged bool
}

// CreateGroup stores a new group.
func (d *Directory) CreateGroup(ctx context.Context, p GroupParams) (*fleet.Group, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return nil, fleet.Invalid("name", "is required")
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if _, err := d.GroupByName(p.Name); err == nil {
		return nil, fleet.Conflict("group", p.Name)
	}
	if err := d.validateRefs(p.EnvironmentID, p.ConfigID); err != nil {
		return nil, err
	}

	now := d.now().UTC()
	g := &fleet.Group{
		ID:            uuid.New().String(),
		Name:          p.Name,
		Description:   p.Description,
		EnvironmentID: p.EnvironmentID,
		ConfigID:      p.ConfigID,
		Rule: fleet.MembershipRule{
			Selector:     maps.Clone(p.Rule.Selector),
			StaticAgents: slices.Clone(p.Rule.StaticAgents),
		},
		Order:     p.Order,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.persistGroup(ctx, g); err != nil {
		return nil, err
	}
	if err := d.kv.AddMember(ctx, setGroups, g.ID); err != nil {
		return nil, fmt.Errorf("indexing group: %w", err)
	}

	d.mu.Lock()
	d.groups[g.ID] = g
	d.reorderLocked()
	d.mu.Unlock()

	d.logger.Info("group created", "name", g.Name, "id", g.ID, "order", g.Order, "config_id", g.ConfigID)
	return g.Clone(), nil
}

// UpdateGroup applies u to the group with the given id.
func (d *Directory) UpdateGroup(ctx context.Context, id string, u GroupUpdate) (*GroupChange, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	prev, err := d.GetGroup(id)
	if err != nil {
		return nil, err
	}
	g := prev.Clone()

	if u.Name != nil {
		name := strings.TrimSpace(*u.Name)
		if name == "" {
			return nil, fleet.Invalid("name", "is required")
		}
		if other, err := d.GroupByName(name); err == nil && other.ID != id {
			return nil, fleet.Conflict("group", name)
		}
		g.Name = name
	}
	if u.Description != nil {
		g.Description = *u.Description
	}
	if u.EnvironmentID != nil {
		g.EnvironmentID = *u.EnvironmentID
	}
	if u.ConfigID != nil {
		g.ConfigID = *u.ConfigID
	}
	if u.Rule != nil {
		g.Rule = fleet.MembershipRule{
			Selector:     maps.Clone(u.Rule.Selector),
			StaticAgents: slices.Clone(u.Rule.StaticAgents),
		}
	}
	if u.Order != nil {
		g.Order = *u.Order
	}
	if err := d.validateRefs(g.EnvironmentID, g.ConfigID); err != nil {
		return nil, err
	}
	g.UpdatedAt = d.now().UTC()

	if err := d.persistGroup(ctx, g); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.groups[g.ID] = g
	d.reorderLocked()
	d.mu.Unlock()

	change := &GroupChange{
		Previous:          prev,
		Current:           g.Clone(),
		MembershipChanged: !prev.Rule.Equal(g.Rule) || prev.Order != g.Order,
		TargetChanged:     prev.ConfigID != g.ConfigID || prev.EnvironmentID != g.EnvironmentID,
	}
	d.logger.Info("group updated",
		"name", g.Name,
		"id", g.ID,
		"membership_changed", change.MembershipChanged,
		"target_changed", change.TargetChanged,
	)
	return change, nil
}

// GetGroup returns the group with the given id.
func (d *Directory) GetGroup(id string) (*fleet.Group, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	g, ok := d.groups[id]
	if !ok {
		return nil, fleet.NotFoundf("group", id)
	}
	return g.Clone(), nil
}

// GroupByName looks a group up by its unique name.
func (d *Directory) GroupByName(name string) (*fleet.Group, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, g := range d.groupOrder {
		if g.Name == name {
			return g.Clone(), nil
		}
	}
	return nil, fleet.NotFoundf("group", name)
}

// ListGroups returns every group in evaluation order.
func (d *Directory) ListGroups() []*fleet.Group {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*fleet.Group, len(d.groupOrder))
	for i, g := range d.groupOrder {
		out[i] = g.Clone()
	}
	return out
}

// GroupsReferencing returns the ids of groups whose configuration has the
// given name.
func (d *Directory) GroupsReferencing(configName string) []string {
	d.mu.RLock()
	groups := slices.Clone(d.groupOrder)
	d.mu.RUnlock()

	var ids []string
	for _, g := range groups {
		if g.ConfigID == "" {
			continue
		}
		cfg, err := d.configs.Get(g.ConfigID)
		if err != nil || cfg.Name != configName {
			continue
		}
		ids = append(ids, g.ID)
	}
	return ids
}

// GroupsInEnvironment returns the ids of groups bound to envID.
func (d *Directory) GroupsInEnvironment(envID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ids []string
	for _, g := range d.groupOrder {
		if g.EnvironmentID == envID {
			ids = append(ids, g.ID)
		}
	}
	return ids
}

// Resolve determines the group and rendered desired configuration for an
// agent. A static assignment wins over selectors; otherwise the first
// matching group in order wins. Ambiguous membership leaves the agent
// ungrouped with a warning.
func (d *Directory) Resolve(agentID string, labels map[string]string) fleet.Desired {
	d.mu.RLock()
	groups := slices.Clone(d.groupOrder)
	d.mu.RUnlock()

	group, warning := pickGroup(groups, agentID, labels)
	if warning != "" {
		d.logger.Warn("ambiguous group membership", "agent_id", agentID, "warning", warning)
		return fleet.Desired{Warning: warning}
	}
	if group == nil {
		return fleet.Desired{}
	}

	desired := fleet.Desired{GroupID: group.ID}
	if group.ConfigID == "" {
		return desired
	}
	ref, err := d.configs.Get(group.ConfigID)
	if err != nil {
		desired.Warning = fmt.Sprintf("group %s references missing configuration %s", group.Name, group.ConfigID)
		return desired
	}
	active, err := d.configs.Active(ref.Name)
	if err != nil {
		if !errors.Is(err, fleet.ErrNotFound) {
			d.logger.Error("resolving active configuration", "name", ref.Name, "error", err)
		}
		return desired
	}

	d.mu.RLock()
	env := d.envs[group.EnvironmentID]
	envPrint := d.envPrints[group.EnvironmentID]
	d.mu.RUnlock()

	var vars map[string]string
	if env != nil {
		vars = env.Variables
	}
	out := d.render(active, vars, envPrint)

	desired.ConfigID = active.ID
	desired.Version = active.Version
	desired.Content = out.text
	desired.Hash = out.hash
	return desired
}

func (d *Directory) render(cfg *fleet.Configuration, vars map[string]string, envPrint string) rendered {
	key := renderKey{contentHash: cfg.ContentHash, envPrint: envPrint}
	if out, ok := d.cache.Get(key); ok {
		return out
	}
	text := Render(cfg.Content, vars)
	out := rendered{text: text, hash: configstore.Hash(text)}
	d.cache.Add(key, out)
	return out
}

func pickGroup(groups []*fleet.Group, agentID string, labels map[string]string) (*fleet.Group, string) {
	var static []*fleet.Group
	for _, g := range groups {
		if g.Rule.IsStatic() && g.Rule.Contains(agentID) {
			static = append(static, g)
		}
	}
	switch len(static) {
	case 0:
	case 1:
		return static[0], ""
	default:
		return nil, "agent listed in multiple static groups: " + groupNames(static)
	}

	for i, g := range groups {
		if g.Rule.IsStatic() || !g.Rule.Matches(labels) {
			continue
		}
		tied := []*fleet.Group{g}
		for _, other := range groups[i+1:] {
			if other.Order != g.Order {
				break
			}
			if !other.Rule.IsStatic() && other.Rule.Matches(labels) {
				tied = append(tied, other)
			}
		}
		if len(tied) > 1 {
			return nil, fmt.Sprintf("agent matches multiple groups at order %d: %s", g.Order, groupNames(tied))
		}
		return g, ""
	}
	return nil, ""
}

func groupNames(groups []*fleet.Group) string {
	names := make([]string, len(groups))
	for i, g := range groups {
		names[i] = g.Name
	}
	return strings.Join(names, ", ")
}

func (d *Directory) validateRefs(envID, configID string) error {
	if envID == "" {
		return fleet.Invalid("environment_id", "is required")
	}
	if _, err := d.GetEnvironment(envID); err != nil {
		return fleet.Invalid("environment_id", "references unknown environment "+envID)
	}
	if configID != "" {
		if _, err := d.configs.Get(configID); err != nil {
			return fleet.Invalid("config_id", "references unknown configuration "+configID)
		}
	}
	return nil
}

func (d *Directory) reorderLocked() {
	d.groupOrder = slices.Collect(maps.Values(d.groups))
	slices.SortFunc(d.groupOrder, func(a, b *fleet.Group) int {
		return cmp.Or(cmp.Compare(a.Order, b.Order), cmp.Compare(a.Name, b.Name))
	})
}

func (d *Directory) persistEnv(ctx context.Context, env *fleet.Environment) error {
	if err := store.PutJSON(ctx, d.kv, keyEnvPrefix+env.ID, env); err != nil {
		return fmt.Errorf("persisting environment %s: %w", env.ID, err)
	}
	return nil
}

func (d *Directory) persistGroup(ctx context.Context, g *fleet.Group) error {
	if err := store.PutJSON(ctx, d.kv, keyGroupPrefix+g.ID, g); err != nil {
		return fmt.Errorf("persisting group %s: %w", g.ID, err)
	}
	return nil
}

func validateVariables(vars map[string]string) error {
	for name := range vars {
		if !variableName.MatchString(name) {
			return fleet.Invalid("variables", fmt.Sprintf("invalid variable name %q", name))
		}
	}
	return nil
}
