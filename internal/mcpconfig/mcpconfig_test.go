package mcpconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func TestLoadFromPathExpandsEnv(t *testing.T) {
	t.Setenv("WARDEN_TEST_TOKEN", "secret123")

	dir := t.TempDir()
	path := filepath.Join(dir, "mcp.json")
	writeJSON(t, path, Config{MCPServers: map[string]ServerConfig{
		"fs": {Command: "node", Args: []string{"server.js"}, Env: map[string]string{"TOKEN": "${WARDEN_TEST_TOKEN}"}},
	}})

	l := NewLoader()
	cfg, err := l.LoadFromPath(path)
	require.NoError(t, err)
	require.Contains(t, cfg.MCPServers, "fs")
	assert.Equal(t, "secret123", cfg.MCPServers["fs"].Env["TOKEN"])
}

func TestActiveServersExcludesDisabled(t *testing.T) {
	disabled := false
	cfg := &Config{MCPServers: map[string]ServerConfig{
		"on":  {Command: "node"},
		"off": {Command: "node", Enabled: &disabled},
	}}

	active := cfg.ActiveServers()
	assert.Contains(t, active, "on")
	assert.NotContains(t, active, "off")
}

func TestServerConfigDefaultsEnabledTrue(t *testing.T) {
	cfg := ServerConfig{Command: "node"}
	assert.True(t, cfg.IsEnabled())
}

func TestValidateRejectsMissingCommand(t *testing.T) {
	cfg := &Config{MCPServers: map[string]ServerConfig{"fs": {}}}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyConfig(t *testing.T) {
	cfg := &Config{MCPServers: map[string]ServerConfig{}}
	assert.Error(t, cfg.Validate())
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := &Config{MCPServers: map[string]ServerConfig{"fs": {Command: "node", Args: []string{"x.js"}}}}
	assert.NoError(t, cfg.Validate())
}

func TestConfigRoundTripsThroughJSON(t *testing.T) {
	disabled := false
	original := Config{MCPServers: map[string]ServerConfig{
		"fs": {Command: "node", Args: []string{"a", "b"}, Env: map[string]string{"K": "V"}, Description: "filesystem", Source: "builtin"},
		"db": {Command: "python", Enabled: &disabled},
	}}

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var roundTripped Config
	require.NoError(t, json.Unmarshal(data, &roundTripped))
	assert.Equal(t, original.MCPServers["fs"].Command, roundTripped.MCPServers["fs"].Command)
	assert.Equal(t, original.MCPServers["fs"].Description, roundTripped.MCPServers["fs"].Description)
	assert.False(t, roundTripped.MCPServers["db"].IsEnabled())
}
