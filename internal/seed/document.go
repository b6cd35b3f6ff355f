// ABOUTME: Seed document model and YAML/TOML decoding
// ABOUTME: A seed names configurations, environments and groups to create at startup

package seed

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Document is a declarative description of initial fleet state.
type Document struct {
	Configurations []ConfigSeed      `yaml:"configurations" toml:"configurations"`
	Environments   []EnvironmentSeed `yaml:"environments" toml:"environments"`
	Groups         []GroupSeed       `yaml:"groups" toml:"groups"`
}

// ConfigSeed is one configuration. Content is given inline or read from
// File, relative to the seed document.
type ConfigSeed struct {
	Name        string            `yaml:"name" toml:"name"`
	Description string            `yaml:"description" toml:"description"`
	Content     string            `yaml:"content" toml:"content"`
	File        string            `yaml:"file" toml:"file"`
	Status      string            `yaml:"status" toml:"status"` // draft or active
	Labels      map[string]string `yaml:"labels" toml:"labels"`
}

// EnvironmentSeed is one environment.
type EnvironmentSeed struct {
	Name        string            `yaml:"name" toml:"name"`
	Description string            `yaml:"description" toml:"description"`
	Variables   map[string]string `yaml:"variables" toml:"variables"`
}

// GroupSeed is one group. Environment and Configuration are names.
type GroupSeed struct {
	Name          string            `yaml:"name" toml:"name"`
	Description   string            `yaml:"description" toml:"description"`
	Environment   string            `yaml:"environment" toml:"environment"`
	Configuration string            `yaml:"configuration" toml:"configuration"`
	Selector      map[string]string `yaml:"selector" toml:"selector"`
	StaticAgents  []string          `yaml:"static_agents" toml:"static_agents"`
	Order         int               `yaml:"order" toml:"order"`
}

// Format is a seed document encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatOf picks the encoding from a file extension.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Parse decodes a seed document.
func Parse(data []byte, format Format) (*Document, error) {
	var doc Document
	switch format {
	case FormatTOML:
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&doc); err != nil {
			return nil, fmt.Errorf("parsing toml seed: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing yaml seed: %w", err)
		}
	}
	return &doc, nil
}

// LoadFile reads and decodes a seed document, resolving configuration
// files relative to it.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}
	doc, err := Parse(data, FormatOf(path))
	if err != nil {
		return nil, err
	}
	if err := doc.resolveFiles(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return doc, nil
}

func (d *Document) resolveFiles(baseDir string) error {
	for i := range d.Configurations {
		c := &d.Configurations[i]
		if c.Content != "" || c.File == "" {
			continue
		}
		path := c.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading content of configuration %s: %w", c.Name, err)
		}
		c.Content = string(data)
	}
	return nil
}
