// Package providerconfig loads and validates providers.json, the registry of
// upstream LLM credentials the decision engine and any downstream agent
// process can select between.
package providerconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/agentic-warden/warden/internal/errors"
)

// DefaultSchemaURL is stamped into new providers.json documents.
const DefaultSchemaURL = "https://agentic-warden.dev/schema/provider.json"

// reservedProviderID can never be removed; it's the no-credentials fallback
// profile every install starts with.
const reservedProviderID = "official"

// reservedIDs may never be used as a new provider's id: "official" is the
// built-in no-credentials profile, "auto" is reserved for a future
// best-provider-for-CLI selection mode.
var reservedIDs = map[string]bool{
	"official": true,
	"auto":     true,
}

// shellMetacharacters are rejected in env var names so a malformed
// providers.json can never smuggle shell-expansion syntax into a spawned
// agent's environment.
const shellMetacharacters = ";|&`$()"

// AiType is a downstream agent CLI family a provider profile may be scoped to.
type AiType string

const (
	AiTypeCodex  AiType = "codex"
	AiTypeClaude AiType = "claude"
	AiTypeGemini AiType = "gemini"
)

// ParseAiType parses a case-insensitive AiType name.
func ParseAiType(s string) (AiType, error) {
	switch strings.ToLower(s) {
	case "codex":
		return AiTypeCodex, nil
	case "claude":
		return AiTypeClaude, nil
	case "gemini":
		return AiTypeGemini, nil
	default:
		return "", fmt.Errorf("unknown ai type %q", s)
	}
}

// Provider is a single credential/endpoint profile.
type Provider struct {
	Token          string            `json:"token,omitempty"`
	BaseURL        string            `json:"base_url,omitempty"`
	Scenario       string            `json:"scenario,omitempty"`
	CompatibleWith []AiType          `json:"compatible_with,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

// IsCompatibleWith reports whether the provider may be used for aiType. A nil
// CompatibleWith list means "compatible with everything".
func (p Provider) IsCompatibleWith(aiType AiType) bool {
	if p.CompatibleWith == nil {
		return true
	}
	for _, t := range p.CompatibleWith {
		if t == aiType {
			return true
		}
	}
	return false
}

// Config is the providers.json document.
type Config struct {
	Schema          string              `json:"$schema"`
	Providers       map[string]Provider `json:"providers"`
	DefaultProvider string              `json:"default_provider"`
}

// New returns a fresh config seeded with the reserved "official" provider,
// matching what a first-run install starts with.
func New() *Config {
	return &Config{
		Schema:          DefaultSchemaURL,
		Providers:       map[string]Provider{reservedProviderID: {}},
		DefaultProvider: reservedProviderID,
	}
}

// Load reads and validates a providers.json file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Config(err, fmt.Sprintf("parse %s", path))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config back to path as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate enforces the invariants original providers.json validation relied
// on: at least one provider, and default_provider must exist.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return errors.Config(nil, "providers config must contain at least one provider")
	}
	if _, ok := c.Providers[c.DefaultProvider]; !ok {
		return errors.Config(nil, fmt.Sprintf("default_provider %q is not a configured provider", c.DefaultProvider))
	}
	for id, p := range c.Providers {
		if strings.ContainsAny(id, "\x00") {
			return errors.Config(nil, "provider id contains NUL byte")
		}
		if p.BaseURL != "" && !strings.HasPrefix(p.BaseURL, "http://") && !strings.HasPrefix(p.BaseURL, "https://") {
			return errors.Config(nil, fmt.Sprintf("provider %q: base_url must be http(s)", id))
		}
		for k, v := range p.Env {
			if strings.ContainsAny(k, "\x00=") {
				return errors.Config(nil, fmt.Sprintf("provider %q: invalid env var name %q", id, k))
			}
			if strings.ContainsRune(v, 0) {
				return errors.Config(nil, fmt.Sprintf("provider %q: env var %q contains NUL byte", id, k))
			}
		}
	}
	return nil
}

// AddProvider validates and inserts a new provider profile, per SPEC_FULL §6
// and the validation scenarios in §8: reserved ids are rejected, ids
// containing path-traversal fragments are rejected, base URLs must be
// http(s), and env var names/values are checked for shell metacharacters,
// leading digits, and embedded NUL bytes.
func (c *Config) AddProvider(id string, p Provider) error {
	if err := validateProviderID(id); err != nil {
		return err
	}
	if _, exists := c.Providers[id]; exists {
		return errors.Config(nil, fmt.Sprintf("provider %q already exists", id))
	}
	if err := validateProvider(id, p); err != nil {
		return err
	}
	if c.Providers == nil {
		c.Providers = make(map[string]Provider)
	}
	c.Providers[id] = p
	return nil
}

func validateProviderID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.Config(nil, "provider id must not be empty")
	}
	if reservedIDs[strings.ToLower(id)] {
		return errors.Config(nil, fmt.Sprintf("provider id %q is reserved", id))
	}
	if strings.Contains(id, "..") || strings.ContainsAny(id, "/\\\x00") {
		return errors.Config(nil, fmt.Sprintf("provider id %q contains a path-traversal fragment", id))
	}
	return nil
}

func validateProvider(id string, p Provider) error {
	if p.BaseURL != "" && !strings.HasPrefix(p.BaseURL, "http://") && !strings.HasPrefix(p.BaseURL, "https://") {
		return errors.Config(nil, fmt.Sprintf("provider %q: base_url must be http(s)", id))
	}
	for k, v := range p.Env {
		if k == "" {
			return errors.Config(nil, fmt.Sprintf("provider %q: env var name must not be empty", id))
		}
		if k[0] >= '0' && k[0] <= '9' {
			return errors.Config(nil, fmt.Sprintf("provider %q: env var name %q must not start with a digit", id, k))
		}
		if strings.ContainsAny(k, shellMetacharacters) {
			return errors.Config(nil, fmt.Sprintf("provider %q: env var name %q contains shell metacharacters", id, k))
		}
		if strings.ContainsRune(v, 0) {
			return errors.Config(nil, fmt.Sprintf("provider %q: env var %q value contains a NUL byte", id, k))
		}
	}
	return nil
}

// CanDelete reports whether id may be removed: never the reserved "official"
// id, never the current default.
func (c *Config) CanDelete(id string) bool {
	return id != reservedProviderID && id != c.DefaultProvider
}

// RemoveProvider deletes a provider, refusing to remove the default or the
// reserved "official" id.
func (c *Config) RemoveProvider(id string) error {
	if !c.CanDelete(id) {
		return errors.Config(nil, fmt.Sprintf("provider %q cannot be removed", id))
	}
	delete(c.Providers, id)
	return nil
}

// GetAllEnvVars returns the environment a downstream process should inherit
// for the named provider, auto-injecting ANTHROPIC_API_KEY/ANTHROPIC_BASE_URL
// from token/base_url when the caller hasn't already set an equivalent var.
func (c *Config) GetAllEnvVars(providerID string) (map[string]string, error) {
	p, ok := c.Providers[providerID]
	if !ok {
		return nil, errors.Provider(nil, fmt.Sprintf("unknown provider %q", providerID))
	}

	env := make(map[string]string, len(p.Env)+2)
	for k, v := range p.Env {
		env[k] = v
	}

	if p.Token != "" {
		_, hasAnthropic := env["ANTHROPIC_API_KEY"]
		_, hasOpenAI := env["OPENAI_API_KEY"]
		if !hasAnthropic && !hasOpenAI {
			env["ANTHROPIC_API_KEY"] = p.Token
		}
	}
	if p.BaseURL != "" {
		if _, has := env["ANTHROPIC_BASE_URL"]; !has {
			env["ANTHROPIC_BASE_URL"] = p.BaseURL
		}
	}

	return env, nil
}

// FromEnv builds a single-provider config from WARDEN_LLM_API_KEY /
// WARDEN_LLM_BASE_URL, for environments with no providers.json on disk.
func FromEnv() *Config {
	cfg := New()
	token := os.Getenv("WARDEN_LLM_API_KEY")
	baseURL := os.Getenv("WARDEN_LLM_BASE_URL")
	if token == "" && baseURL == "" {
		return cfg
	}
	cfg.Providers[reservedProviderID] = Provider{Token: token, BaseURL: baseURL}
	return cfg
}

// Summary returns a short human-readable description, safe to log (never
// includes the token).
func (c *Config) Summary() string {
	names := make([]string, 0, len(c.Providers))
	for id := range c.Providers {
		names = append(names, id)
	}
	return fmt.Sprintf("%d provider(s), default=%s, configured=%v", len(c.Providers), c.DefaultProvider, names)
}
