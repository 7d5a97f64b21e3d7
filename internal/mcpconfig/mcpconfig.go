// Package mcpconfig loads and merges mcp.json configuration across scopes
// (user, project, local), the same override order the CLI historically used
// for tool configuration, adapted here to describe downstream MCP servers.
package mcpconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentic-warden/warden/internal/errors"
	"github.com/agentic-warden/warden/internal/logging"
)

// Config is the mcp.json document: a map of server name to its launch spec.
type Config struct {
	MCPServers map[string]ServerConfig `json:"mcpServers"`
}

// ServerConfig describes how to launch one downstream MCP server over stdio,
// per the mcp.json schema in SPEC_FULL §6. Enabled defaults to true when the
// field is absent from the document.
type ServerConfig struct {
	Command     string            `json:"command"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
	Description string            `json:"description,omitempty"`
	Source      string            `json:"source,omitempty"`
}

// IsEnabled reports whether the server is active: true unless Enabled is
// explicitly set to false.
func (s ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Scope is where a config file was loaded from.
type Scope string

const (
	ScopeUser    Scope = "user"    // ~/.warden/mcp.json
	ScopeProject Scope = "project" // <git root>/mcp.json
	ScopeLocal   Scope = "local"   // ./mcp.json
)

// Loader loads and merges mcp.json across scopes: local overrides project
// overrides user.
type Loader struct {
	logger logging.Logger
}

// NewLoader creates a configuration loader.
func NewLoader() *Loader {
	return &Loader{logger: logging.Default().Component("mcpconfig")}
}

// Load merges configuration from all three scopes. Missing files at any
// scope are not an error.
func (l *Loader) Load() (*Config, error) {
	merged := &Config{MCPServers: make(map[string]ServerConfig)}

	if cfg, err := l.loadScope(ScopeUser); err == nil {
		l.merge(merged, cfg)
	}
	if cfg, err := l.loadScope(ScopeProject); err == nil {
		l.merge(merged, cfg)
	}
	if cfg, err := l.loadScope(ScopeLocal); err == nil {
		l.merge(merged, cfg)
	}

	l.logger.Info("loaded %d mcp servers", len(merged.MCPServers))
	return merged, nil
}

func (l *Loader) loadScope(scope Scope) (*Config, error) {
	path, err := l.pathForScope(scope)
	if err != nil {
		return nil, err
	}
	return l.LoadFromPath(path)
}

func (l *Loader) pathForScope(scope Scope) (string, error) {
	switch scope {
	case ScopeUser:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".warden", "mcp.json"), nil
	case ScopeProject:
		root, err := findGitRoot()
		if err != nil {
			return "", err
		}
		return filepath.Join(root, "mcp.json"), nil
	case ScopeLocal:
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, "mcp.json"), nil
	default:
		return "", fmt.Errorf("unknown scope %q", scope)
	}
}

// LoadFromPath loads and env-expands a single mcp.json file.
func (l *Loader) LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Config(err, fmt.Sprintf("parse %s", path))
	}

	for name, server := range cfg.MCPServers {
		cfg.MCPServers[name] = l.expandEnv(server)
	}
	return &cfg, nil
}

func (l *Loader) merge(target, source *Config) {
	for name, cfg := range source.MCPServers {
		target.MCPServers[name] = cfg
	}
}

func (l *Loader) expandEnv(cfg ServerConfig) ServerConfig {
	cfg.Command = l.expandString(cfg.Command)
	for i, arg := range cfg.Args {
		cfg.Args[i] = l.expandString(arg)
	}
	if cfg.Env != nil {
		expanded := make(map[string]string, len(cfg.Env))
		for k, v := range cfg.Env {
			expanded[k] = l.expandString(v)
		}
		cfg.Env = expanded
	}
	return cfg
}

// expandString expands ${VAR} references, leaving unresolved ones blank
// rather than erroring, matching shell-like env expansion semantics.
func (l *Loader) expandString(s string) string {
	return os.Expand(s, func(key string) string {
		value, ok := os.LookupEnv(key)
		if !ok {
			l.logger.Warn("env var %q referenced in mcp config not set", key)
			return ""
		}
		return value
	})
}

func findGitRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	dir := cwd
	for {
		if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not in a git repository")
		}
		dir = parent
	}
}

// ActiveServers returns the subset of MCPServers that are not disabled.
func (c *Config) ActiveServers() map[string]ServerConfig {
	active := make(map[string]ServerConfig, len(c.MCPServers))
	for name, cfg := range c.MCPServers {
		if cfg.IsEnabled() {
			active[name] = cfg
		}
	}
	return active
}

// Validate rejects configs with missing commands or command strings that
// could break process-argument boundaries.
func (c *Config) Validate() error {
	if len(c.MCPServers) == 0 {
		return errors.Config(nil, "no MCP servers configured")
	}
	for name, cfg := range c.MCPServers {
		if strings.TrimSpace(cfg.Command) == "" {
			return errors.Config(nil, fmt.Sprintf("server %q: command is required", name))
		}
		if strings.ContainsAny(cfg.Command, "\n\r") {
			return errors.Config(nil, fmt.Sprintf("server %q: command contains invalid characters", name))
		}
	}
	return nil
}
