// ABOUTME: Versioned configuration store with per-name activation.
// ABOUTME: Persists through store.Store and serves reads from an in-memory index.

package configstore

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/2389/opamp-gateway/internal/fleet"
	"github.com/2389/opamp-gateway/internal/keylock"
	"github.com/2389/opamp-gateway/internal/store"
)

const (
	setConfigs      = "configs"
	keyConfigPrefix = "config:"
	maxNameLength   = 128

	// DefaultMaxContentBytes bounds a single configuration's content.
	DefaultMaxContentBytes = 1 << 20
)

// CreateParams describes the first version of a new configuration.
type CreateParams struct {
	Name        string
	Description string
	Content     string
	Labels      map[string]string
}

// Store owns every configuration version. Writes go to the backing store
// first; the in-memory index is only updated after a successful write, so
// reads keep working during a store outage.
type Store struct {
	kv        store.Store
	logger    *slog.Logger
	maxBytes  int
	nameLocks *keylock.Map
	now       func() time.Time

	mu     sync.RWMutex
	byID   map[string]*fleet.Configuration
	byName map[string][]*fleet.Configuration // ascending version
}

// Option configures a Store.
type Option func(*Store)

// WithMaxContentBytes overrides DefaultMaxContentBytes.
func WithMaxContentBytes(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty Store. Call Load to populate it from kv.
func New(kv store.Store, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		kv:        kv,
		logger:    logger.With("component", "configstore"),
		maxBytes:  DefaultMaxContentBytes,
		nameLocks: keylock.New(),
		now:       time.Now,
		byID:      make(map[string]*fleet.Configuration),
		byName:    make(map[string][]*fleet.Configuration),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load rebuilds the in-memory index from the backing store. If more than
// one version of a name is marked active, the highest version wins and
// the others are archived in memory.
func (s *Store) Load(ctx context.Context) error {
	configs, err := store.LoadSet[fleet.Configuration](ctx, s.kv, setConfigs, keyConfigPrefix)
	if err != nil {
		return fmt.Errorf("loading configurations: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID = make(map[string]*fleet.Configuration, len(configs))
	s.byName = make(map[string][]*fleet.Configuration)
	for _, c := range configs {
		s.byID[c.ID] = c
		s.byName[c.Name] = append(s.byName[c.Name], c)
	}
	for name, versions := range s.byName {
		slices.SortFunc(versions, func(a, b *fleet.Configuration) int { return cmp.Compare(a.Version, b.Version) })
		seenActive := false
		for i := len(versions) - 1; i >= 0; i-- {
			if versions[i].Status != fleet.StatusActive {
				continue
			}
			if seenActive {
				s.logger.Warn("multiple active versions found, archiving older",
					"name", name, "version", versions[i].Version)
				versions[i].Status = fleet.StatusArchived
			}
			seenActive = true
		}
	}

	s.logger.Info("configurations loaded", "count", len(configs), "names", len(s.byName))
	return nil
}

// Create stores version 1 of a new configuration as a draft.
func (s *Store) Create(ctx context.Context, p CreateParams) (*fleet.Configuration, error) {
	p.Name = strings.TrimSpace(p.Name)
	if err := validateName(p.Name); err != nil {
		return nil, err
	}
	if err := s.validateContent(p.Content); err != nil {
		return nil, err
	}

	unlock := s.nameLocks.Lock(p.Name)
	defer unlock()

	s.mu.RLock()
	_, exists := s.byName[p.Name]
	s.mu.RUnlock()
	if exists {
		return nil, fleet.Conflict("configuration", p.Name)
	}

	now := s.now().UTC()
	cfg := &fleet.Configuration{
		ID:          uuid.New().String(),
		Name:        p.Name,
		Description: p.Description,
		Content:     p.Content,
		ContentHash: Hash(p.Content),
		Version:     1,
		Status:      fleet.StatusDraft,
		Labels:      maps.Clone(p.Labels),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.insertVersion(ctx, cfg); err != nil {
		if fleet.IsConflict(err) {
			return nil, fleet.Conflict("configuration", p.Name)
		}
		return nil, err
	}

	s.logger.Info("configuration created", "name", cfg.Name, "id", cfg.ID, "hash", cfg.ContentHash)
	return cfg.Clone(), nil
}

// NewVersion stores content as the next version of name, as a draft.
// Description and labels are inherited from the latest version.
func (s *Store) NewVersion(ctx context.Context, name, content string) (*fleet.Configuration, error) {
	if err := s.validateContent(content); err != nil {
		return nil, err
	}

	unlock := s.nameLocks.Lock(name)
	defer unlock()

	s.mu.RLock()
	versions := s.byName[name]
	var latest *fleet.Configuration
	if len(versions) > 0 {
		latest = versions[len(versions)-1].Clone()
	}
	s.mu.RUnlock()
	if latest == nil {
		return nil, fleet.NotFoundf("configuration", name)
	}

	now := s.now().UTC()
	cfg := &fleet.Configuration{
		ID:          uuid.New().String(),
		Name:        name,
		Description: latest.Description,
		Content:     content,
		ContentHash: Hash(content),
		Version:     latest.Version + 1,
		Status:      fleet.StatusDraft,
		Labels:      latest.Labels,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.insertVersion(ctx, cfg); err != nil {
		return nil, err
	}

	s.logger.Info("configuration version created",
		"name", name, "version", cfg.Version, "id", cfg.ID, "hash", cfg.ContentHash)
	return cfg.Clone(), nil
}

// insertVersion claims the (name, version) slot and persists cfg. The
// claim is what rejects a concurrent writer in another process.
func (s *Store) insertVersion(ctx context.Context, cfg *fleet.Configuration) error {
	claim := versionKey(cfg.Name, cfg.Version)
	ok, err := s.kv.PutIfAbsent(ctx, claim, []byte(cfg.ID))
	if err != nil {
		return fmt.Errorf("claiming version slot: %w", err)
	}
	if !ok {
		return fleet.Conflict("configuration version", cfg.Name+"@"+strconv.Itoa(cfg.Version))
	}

	if err := s.persist(ctx, cfg); err != nil {
		if derr := s.kv.Delete(ctx, claim); derr != nil {
			s.logger.Warn("failed to release version slot", "key", claim, "error", derr)
		}
		return err
	}
	if err := s.kv.AddMember(ctx, setConfigs, cfg.ID); err != nil {
		return fmt.Errorf("indexing configuration: %w", err)
	}

	s.mu.Lock()
	s.byID[cfg.ID] = cfg
	s.byName[cfg.Name] = append(s.byName[cfg.Name], cfg)
	s.mu.Unlock()
	return nil
}

// Activate marks id active and archives the previously active version of
// the same name. Activating the already active version is a no-op.
func (s *Store) Activate(ctx context.Context, id string) (*fleet.Configuration, error) {
	target, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	unlock := s.nameLocks.Lock(target.Name)
	defer unlock()

	s.mu.RLock()
	current := s.byID[id].Clone()
	var prior *fleet.Configuration
	for _, c := range s.byName[target.Name] {
		if c.Status == fleet.StatusActive && c.ID != id {
			prior = c.Clone()
		}
	}
	s.mu.RUnlock()

	if current.Status == fleet.StatusActive {
		return current, nil
	}

	now := s.now().UTC()
	if prior != nil {
		prior.Status = fleet.StatusArchived
		prior.UpdatedAt = now
		if err := s.persist(ctx, prior); err != nil {
			return nil, fmt.Errorf("archiving previous version: %w", err)
		}
	}
	current.Status = fleet.StatusActive
	current.UpdatedAt = now
	if err := s.persist(ctx, current); err != nil {
		if prior != nil {
			prior.Status = fleet.StatusActive
			if rerr := s.persist(ctx, prior); rerr != nil {
				s.logger.Error("failed to restore previous active version", "id", prior.ID, "error", rerr)
			}
		}
		return nil, fmt.Errorf("activating version: %w", err)
	}

	s.mu.Lock()
	if prior != nil {
		s.replaceLocked(prior)
	}
	s.replaceLocked(current)
	s.mu.Unlock()

	s.logger.Info("configuration activated",
		"name", current.Name, "version", current.Version, "hash", current.ContentHash)
	return current.Clone(), nil
}

// Archive marks id archived. An active version stops being served.
func (s *Store) Archive(ctx context.Context, id string) (*fleet.Configuration, error) {
	target, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	unlock := s.nameLocks.Lock(target.Name)
	defer unlock()

	s.mu.RLock()
	current := s.byID[id].Clone()
	s.mu.RUnlock()
	if current.Status == fleet.StatusArchived {
		return current, nil
	}

	current.Status = fleet.StatusArchived
	current.UpdatedAt = s.now().UTC()
	if err := s.persist(ctx, current); err != nil {
		return nil, fmt.Errorf("archiving version: %w", err)
	}

	s.mu.Lock()
	s.replaceLocked(current)
	s.mu.Unlock()

	s.logger.Info("configuration archived", "name", current.Name, "version", current.Version)
	return current.Clone(), nil
}

// Get returns the version with the given id.
func (s *Store) Get(id string) (*fleet.Configuration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.byID[id]
	if !ok {
		return nil, fleet.NotFoundf("configuration", id)
	}
	return c.Clone(), nil
}

// Active returns the active version of name.
func (s *Store) Active(name string) (*fleet.Configuration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.byName[name] {
		if c.Status == fleet.StatusActive {
			return c.Clone(), nil
		}
	}
	return nil, fleet.NotFoundf("active configuration", name)
}

// ListByName returns every version of name in ascending version order.
func (s *Store) ListByName(name string) ([]*fleet.Configuration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, ok := s.byName[name]
	if !ok {
		return nil, fleet.NotFoundf("configuration", name)
	}
	out := make([]*fleet.Configuration, len(versions))
	for i, c := range versions {
		out[i] = c.Clone()
	}
	return out, nil
}

// List returns every version, optionally filtered by status, ordered by
// name then version.
func (s *Store) List(status fleet.ConfigStatus) []*fleet.Configuration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*fleet.Configuration, 0, len(s.byID))
	for _, c := range s.byID {
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, c.Clone())
	}
	slices.SortFunc(out, func(a, b *fleet.Configuration) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.Version, b.Version))
	})
	return out
}

// Exists reports whether any version of name exists.
func (s *Store) Exists(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byName[name]
	return ok
}

func (s *Store) replaceLocked(c *fleet.Configuration) {
	s.byID[c.ID] = c
	versions := s.byName[c.Name]
	for i := range versions {
		if versions[i].ID == c.ID {
			versions[i] = c
			return
		}
	}
}

func (s *Store) persist(ctx context.Context, c *fleet.Configuration) error {
	if err := store.PutJSON(ctx, s.kv, keyConfigPrefix+c.ID, c); err != nil {
		return fmt.Errorf("persisting configuration %s: %w", c.ID, err)
	}
	return nil
}

func versionKey(name string, version int) string {
	return "config_version:" + name + ":" + strconv.Itoa(version)
}

func validateName(name string) error {
	if name == "" {
		return fleet.Invalid("name", "is required")
	}
	if len(name) > maxNameLength {
		return fleet.Invalid("name", fmt.Sprintf("exceeds %d characters", maxNameLength))
	}
	if strings.ContainsAny(name, ":\n\t") {
		return fleet.Invalid("name", "must not contain ':' or whitespace control characters")
	}
	return nil
}

func (s *Store) validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fleet.Invalid("content", "is required")
	}
	if len(content) > s.maxBytes {
		return fleet.Invalid("content", fmt.Sprintf("exceeds %d bytes", s.maxBytes))
	}
	var doc any
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return fleet.Invalid("content", "invalid YAML: "+err.Error())
	}
	return nil
}
