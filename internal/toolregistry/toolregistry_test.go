package toolregistry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(max int, ttl time.Duration) *Registry {
	return New(Config{MaxDynamicTools: max, DefaultTTL: ttl})
}

// TestListToolsIncludesBaseAndDynamic is the subset invariant from
// SPEC_FULL §8: base tools are always present, dynamic ones appear once
// registered.
func TestListToolsIncludesBaseAndDynamic(t *testing.T) {
	r := newTestRegistry(5, time.Hour)
	r.RegisterBase(Tool{Name: "fs_read", Description: "read a file"})
	r.RegisterDynamic(Tool{Name: "workflow_a", Kind: KindJsOrchestrated})

	names := map[string]bool{}
	for _, tool := range r.ListTools() {
		names[tool.Name] = true
	}
	assert.True(t, names["fs_read"])
	assert.True(t, names["workflow_a"])
}

// TestDynamicSizeNeverExceedsMax is the size-bound invariant: no number of
// distinct registrations ever grows the dynamic set past MaxDynamicTools.
func TestDynamicSizeNeverExceedsMax(t *testing.T) {
	r := newTestRegistry(3, time.Hour)
	for i := 0; i < 10; i++ {
		r.RegisterDynamic(Tool{Name: string(rune('a' + i))})
		_, dynCount := r.Size()
		assert.LessOrEqual(t, dynCount, 3)
	}
}

// TestRegisterIsVisibleImmediately is the happens-after visibility law:
// once RegisterDynamic returns, a subsequent ListTools call sees it.
func TestRegisterIsVisibleImmediately(t *testing.T) {
	r := newTestRegistry(5, time.Hour)
	r.RegisterDynamic(Tool{Name: "just_added"})
	found := false
	for _, tool := range r.ListTools() {
		if tool.Name == "just_added" {
			found = true
		}
	}
	assert.True(t, found)
}

// TestFIFOEvictionDropsOldestFirst is a smaller instance of scenario 3 of
// SPEC_FULL §8: filling a capacity-2 registry with 3 distinct tools evicts
// the first-registered one.
func TestFIFOEvictionDropsOldestFirst(t *testing.T) {
	r := newTestRegistry(2, time.Hour)
	r.RegisterDynamic(Tool{Name: "first"})
	time.Sleep(time.Millisecond)
	r.RegisterDynamic(Tool{Name: "second"})
	time.Sleep(time.Millisecond)
	evicted := r.RegisterDynamic(Tool{Name: "third"})

	assert.Equal(t, "first", evicted)
	_, ok := r.Get("first")
	assert.False(t, ok)
	_, ok = r.Get("second")
	assert.True(t, ok)
	_, ok = r.Get("third")
	assert.True(t, ok)
}

// TestReRegisteringExistingNameDoesNotEvict confirms overwriting an
// existing dynamic tool name never counts against capacity or triggers
// eviction of another entry.
func TestReRegisteringExistingNameDoesNotEvict(t *testing.T) {
	r := newTestRegistry(2, time.Hour)
	r.RegisterDynamic(Tool{Name: "first"})
	r.RegisterDynamic(Tool{Name: "second"})

	evicted := r.RegisterDynamic(Tool{Name: "first", Description: "updated"})
	assert.Equal(t, "", evicted)

	tool, ok := r.Get("first")
	require.True(t, ok)
	assert.Equal(t, "updated", tool.Description)

	_, ok = r.Get("second")
	assert.True(t, ok)
}

func TestTTLExpiryRemovesStaleEntries(t *testing.T) {
	r := newTestRegistry(5, time.Millisecond)
	r.RegisterDynamic(Tool{Name: "short_lived"})
	time.Sleep(5 * time.Millisecond)

	_, ok := r.Get("short_lived")
	assert.False(t, ok)

	for _, tool := range r.ListTools() {
		assert.NotEqual(t, "short_lived", tool.Name)
	}
}

func TestBaseToolsNeverExpireOrEvict(t *testing.T) {
	r := newTestRegistry(1, time.Nanosecond)
	r.RegisterBase(Tool{Name: "permanent"})
	time.Sleep(2 * time.Millisecond)
	for i := 0; i < 5; i++ {
		r.RegisterDynamic(Tool{Name: string(rune('a' + i))})
	}

	tool, ok := r.Get("permanent")
	require.True(t, ok)
	assert.Equal(t, KindBase, tool.Kind)
}

func TestRecordExecutionIncrementsCount(t *testing.T) {
	r := newTestRegistry(5, time.Hour)
	r.RegisterDynamic(Tool{Name: "counted"})

	assert.EqualValues(t, 1, r.RecordExecution("counted"))
	assert.EqualValues(t, 2, r.RecordExecution("counted"))
	assert.EqualValues(t, 0, r.RecordExecution("unknown"))
}

func TestSweepDropsExpiredAndInvalidatesCache(t *testing.T) {
	r := newTestRegistry(5, time.Millisecond)
	r.RegisterDynamic(Tool{Name: "will_expire"})
	_ = r.ListTools()
	time.Sleep(5 * time.Millisecond)

	r.Sweep()
	for _, tool := range r.ListTools() {
		assert.NotEqual(t, "will_expire", tool.Name)
	}
}

func TestDefaultProfilesMatchSpec(t *testing.T) {
	router := DefaultRouterProfileConfig()
	assert.Equal(t, 5, router.MaxDynamicTools)
	assert.Equal(t, 24*time.Hour, router.DefaultTTL)

	lib := DefaultLibraryConfig()
	assert.Equal(t, 100, lib.MaxDynamicTools)
	assert.Equal(t, 2*time.Minute, lib.DefaultTTL)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "base", KindBase.String())
	assert.Equal(t, "js_orchestrated", KindJsOrchestrated.String())
	assert.Equal(t, "proxied_mcp", KindProxiedMcp.String())
}
