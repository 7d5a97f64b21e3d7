package mcppool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-warden/warden/internal/mcpconfig"
)

func TestSameConfigDetectsDrift(t *testing.T) {
	a := mcpconfig.ServerConfig{Command: "foo", Args: []string{"--x"}, Env: map[string]string{"A": "1"}}
	b := a
	assert.True(t, sameConfig(a, b))

	b.Args = []string{"--y"}
	assert.False(t, sameConfig(a, b))
}

func TestEnsureHandleFailsForUnknownCommand(t *testing.T) {
	p := New()
	_, err := p.EnsureHandle(context.Background(), "broken", mcpconfig.ServerConfig{
		Command: "warden-definitely-not-a-real-binary-xyz",
	})
	require.Error(t, err)
}

func TestEnsureHandleEntersCooldownAfterRepeatedFailures(t *testing.T) {
	p := New()
	cfg := mcpconfig.ServerConfig{Command: "warden-definitely-not-a-real-binary-xyz"}

	var lastErr error
	for i := 0; i < restartMaxInWindow+2; i++ {
		_, lastErr = p.EnsureHandle(context.Background(), "broken", cfg)
	}
	require.Error(t, lastErr)
	assert.Contains(t, lastErr.Error(), "cooldown")
}

func TestCallToolReturnsErrorForUnconnectedServer(t *testing.T) {
	p := New()
	_, err := p.CallTool(context.Background(), "nope", "sometool", nil)
	assert.Error(t, err)
}
