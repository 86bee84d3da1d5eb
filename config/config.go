// Package config loads, validates and persists the mediator configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mickamy/grpc-mediator/rule"
)

// Default ports.
const (
	DefaultProxyPort = 8888
	DefaultGrpcPort  = 9090
)

// ErrRange is reported when a port lies outside [0, 65535] and was clamped.
var ErrRange = errors.New("config: value out of range")

// Config is the persisted mediator configuration.
type Config struct {
	ProxyPort    int                `yaml:"proxy_port" json:"proxy_port"`
	GrpcPort     int                `yaml:"grpc_port" json:"grpc_port"`
	ServerRules  []rule.ServerRule  `yaml:"server_rules" json:"server_rules"`
	RequestRules []rule.RequestRule `yaml:"request_rules" json:"request_rules"`
}

// Default returns a configuration with default ports and no rules.
func Default() Config {
	return Config{ProxyPort: DefaultProxyPort, GrpcPort: DefaultGrpcPort}
}

func clampPort(name string, p *int) error {
	switch {
	case *p < 0:
		err := fmt.Errorf("%w: %s %d clamped to 0", ErrRange, name, *p)
		*p = 0
		return err
	case *p > 65535:
		err := fmt.Errorf("%w: %s %d clamped to 65535", ErrRange, name, *p)
		*p = 65535
		return err
	}
	return nil
}

// Normalize clamps ports into range and returns one warning per clamped
// value. Invalid rule patterns are reported too; those rules stay in the
// configuration but never participate.
func (c *Config) Normalize() []error {
	var warns []error
	if err := clampPort("proxy_port", &c.ProxyPort); err != nil {
		warns = append(warns, err)
	}
	if err := clampPort("grpc_port", &c.GrpcPort); err != nil {
		warns = append(warns, err)
	}
	warns = append(warns, rule.NewMatcher(c.ServerRules).Invalid()...)
	warns = append(warns, rule.NewEngine(c.RequestRules).Invalid()...)
	return warns
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	out := c
	out.ServerRules = slices.Clone(c.ServerRules)
	for i, r := range out.ServerRules {
		out.ServerRules[i].Schema.Metadata = maps.Clone(r.Schema.Metadata)
		out.ServerRules[i].Schema.Roots = slices.Clone(r.Schema.Roots)
		out.ServerRules[i].Schema.DescriptorSets = slices.Clone(r.Schema.DescriptorSets)
	}
	out.RequestRules = slices.Clone(c.RequestRules)
	for i, r := range out.RequestRules {
		out.RequestRules[i].Then = slices.Clone(r.Then)
	}
	return out
}

// Persistable returns a copy without server rules that have an empty host
// pattern.
func (c Config) Persistable() Config {
	out := c
	out.ServerRules = nil
	for _, r := range c.ServerRules {
		if r.HostPattern == "" {
			continue
		}
		out.ServerRules = append(out.ServerRules, r)
	}
	out.RequestRules = append([]rule.RequestRule(nil), c.RequestRules...)
	return out
}

type format int

const (
	formatYAML format = iota
	formatJSON
)

func formatOf(path string) (format, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return formatYAML, nil
	case ".json":
		return formatJSON, nil
	default:
		return 0, fmt.Errorf("config: unsupported file format %q (use .yaml, .yml or .json)", ext)
	}
}

// Parse decodes data as YAML or JSON, depending on the extension of path.
// Missing ports take their defaults.
func Parse(path string, data []byte) (Config, []error, error) {
	f, err := formatOf(path)
	if err != nil {
		return Config{}, nil, err
	}

	cfg := Default()
	switch f {
	case formatYAML:
		err = yaml.Unmarshal(data, &cfg)
	case formatJSON:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return Config{}, nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, cfg.Normalize(), nil
}

// Load reads the configuration at path. The returned warnings describe
// clamped values and rules that will not participate.
func Load(path string) (Config, []error, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, nil, fmt.Errorf("config: read: %w", err)
	}
	return Parse(path, data)
}

// Marshal encodes the persistable form of cfg in the format selected by
// the extension of path.
func Marshal(path string, cfg Config) ([]byte, error) {
	f, err := formatOf(path)
	if err != nil {
		return nil, err
	}
	cfg = cfg.Persistable()
	switch f {
	case formatJSON:
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("config: marshal json: %w", err)
		}
		return append(data, '\n'), nil
	default:
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("config: marshal yaml: %w", err)
		}
		return data, nil
	}
}

// Save writes cfg to path, creating parent directories as needed.
func Save(path string, cfg Config) error {
	data, err := Marshal(path, cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: save: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("config: save: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("config: save: %w", err)
	}
	return nil
}
