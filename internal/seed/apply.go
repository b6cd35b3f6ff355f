// ABOUTME: Applies a seed document through the administrative service
// ABOUTME: Anything whose name already exists is skipped, so applying twice is harmless

package seed

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"

	"github.com/2389/opamp-gateway/internal/admin"
	"github.com/2389/opamp-gateway/internal/fleet"
	"github.com/2389/opamp-gateway/internal/topology"
)

//go:embed default.yaml
var defaultSeed []byte

// Default returns the built-in seed: sample collector configurations, a
// production environment and three groups.
func Default() *Document {
	doc, err := Parse(defaultSeed, FormatYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded seed is invalid: %v", err))
	}
	return doc
}

// Result counts what Apply did.
type Result struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

// Apply creates everything in doc that does not exist yet. Environments
// and configurations are created before the groups that reference them.
func Apply(ctx context.Context, svc *admin.Service, doc *Document, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "seed")
	var res Result

	for _, c := range doc.Configurations {
		if existing, _ := svc.ListConfigs(c.Name, ""); len(existing) > 0 {
			logger.Debug("configuration exists, skipping", "name", c.Name)
			res.Skipped++
			continue
		}
		activate := c.Status == string(fleet.StatusActive)
		if c.Status != "" && c.Status != string(fleet.StatusDraft) && !activate {
			return res, fleet.Invalid("configurations."+c.Name+".status", "must be draft or active")
		}
		if _, err := svc.CreateConfig(ctx, admin.CreateConfigRequest{
			Name:        c.Name,
			Description: c.Description,
			Content:     c.Content,
			Labels:      c.Labels,
			Activate:    activate,
		}); err != nil {
			return res, fmt.Errorf("seeding configuration %s: %w", c.Name, err)
		}
		logger.Info("seeded configuration", "name", c.Name, "active", activate)
		res.Created++
	}

	envIDs := make(map[string]string)
	for _, e := range svc.ListEnvironments() {
		envIDs[e.Name] = e.ID
	}
	for _, e := range doc.Environments {
		if _, ok := envIDs[e.Name]; ok {
			res.Skipped++
			continue
		}
		env, err := svc.CreateEnvironment(ctx, topology.EnvironmentParams{
			Name:        e.Name,
			Description: e.Description,
			Variables:   e.Variables,
		})
		if err != nil {
			return res, fmt.Errorf("seeding environment %s: %w", e.Name, err)
		}
		envIDs[env.Name] = env.ID
		logger.Info("seeded environment", "name", e.Name)
		res.Created++
	}

	groups := make(map[string]bool)
	for _, g := range svc.ListGroups() {
		groups[g.Name] = true
	}
	for _, g := range doc.Groups {
		if groups[g.Name] {
			res.Skipped++
			continue
		}
		envID, ok := envIDs[g.Environment]
		if !ok {
			return res, fleet.Invalid("groups."+g.Name+".environment", "unknown environment "+g.Environment)
		}
		configID, err := configFor(svc, g.Configuration)
		if err != nil {
			return res, fmt.Errorf("seeding group %s: %w", g.Name, err)
		}
		if _, err := svc.CreateGroup(ctx, topology.GroupParams{
			Name:          g.Name,
			Description:   g.Description,
			EnvironmentID: envID,
			ConfigID:      configID,
			Rule:          fleet.MembershipRule{Selector: g.Selector, StaticAgents: g.StaticAgents},
			Order:         g.Order,
		}); err != nil {
			return res, fmt.Errorf("seeding group %s: %w", g.Name, err)
		}
		groups[g.Name] = true
		logger.Info("seeded group", "name", g.Name)
		res.Created++
	}

	return res, nil
}

// configFor returns the id a group should reference for a configuration
// name: the active version if there is one, else the latest.
func configFor(svc *admin.Service, name string) (string, error) {
	if name == "" {
		return "", nil
	}
	versions, err := svc.ListConfigs(name, "")
	if err != nil {
		return "", err
	}
	for _, v := range versions {
		if v.Status == fleet.StatusActive {
			return v.ID, nil
		}
	}
	return versions[len(versions)-1].ID, nil
}
