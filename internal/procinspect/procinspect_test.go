package procinspect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLookup is a ParentLookup over an in-memory process table, for testing
// the walker without touching the real process tree.
type fakeLookup struct {
	parents map[int]int
	infos   map[int]ProcessInfo
	cmdline map[int]string
}

func (f fakeLookup) ParentOf(pid int) (int, bool) {
	p, ok := f.parents[pid]
	return p, ok
}

func (f fakeLookup) Describe(pid int, wantCmdline bool) (ProcessInfo, bool) {
	info, ok := f.infos[pid]
	if !ok {
		return ProcessInfo{}, false
	}
	if wantCmdline {
		info.CommandLine = f.cmdline[pid]
	}
	return info, true
}

func (f fakeLookup) IsAlive(pid int) (bool, bool) {
	_, known := f.parents[pid]
	return known, known
}

func TestSnapshotStopsAtRootPID(t *testing.T) {
	lookup := fakeLookup{
		parents: map[int]int{100: 50, 50: 1},
		infos:   map[int]ProcessInfo{50: {Name: "bash"}, 1: {Name: "init"}},
	}
	ins := NewWithLookup(lookup, map[int]struct{}{0: {}, 1: {}})

	snap, err := ins.Snapshot(100)
	require.NoError(t, err)
	assert.Equal(t, []int{100, 50, 1}, snap.Chain)
	assert.Nil(t, snap.AiCliInfo)
}

func TestSnapshotStopsWhenParentIsSelfOrZero(t *testing.T) {
	lookup := fakeLookup{parents: map[int]int{7: 0}}
	ins := NewWithLookup(lookup, defaultRootPIDs())

	snap, err := ins.Snapshot(7)
	require.NoError(t, err)
	assert.Equal(t, []int{7}, snap.Chain)

	selfLookup := fakeLookup{parents: map[int]int{8: 8}}
	snap, err = NewWithLookup(selfLookup, defaultRootPIDs()).Snapshot(8)
	require.NoError(t, err)
	assert.Equal(t, []int{8}, snap.Chain)
}

func TestSnapshotRespectsDepthCap(t *testing.T) {
	parents := make(map[int]int, maxWalkDepth+10)
	for i := 1; i <= maxWalkDepth+10; i++ {
		parents[i] = i + 1
	}
	lookup := fakeLookup{parents: parents}
	ins := NewWithLookup(lookup, map[int]struct{}{})

	snap, err := ins.Snapshot(1)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(snap.Chain), maxWalkDepth+1)
}

func TestSnapshotFindsNearestAiCliAncestor(t *testing.T) {
	lookup := fakeLookup{
		parents: map[int]int{200: 100, 100: 50, 50: 1},
		infos: map[int]ProcessInfo{
			100: {Name: "claude"},
			50:  {Name: "bash"},
			1:   {Name: "init"},
		},
	}
	ins := NewWithLookup(lookup, map[int]struct{}{0: {}, 1: {}})

	snap, err := ins.Snapshot(200)
	require.NoError(t, err)
	require.NotNil(t, snap.AiCliInfo)
	assert.Equal(t, KindClaude, snap.AiCliInfo.Kind)
	assert.Equal(t, 100, snap.AiCliInfo.PID)
}

func TestSnapshotExcludesClaudeDesktop(t *testing.T) {
	lookup := fakeLookup{
		parents: map[int]int{10: 5, 5: 1},
		infos:   map[int]ProcessInfo{5: {Name: "claude-desktop"}, 1: {Name: "init"}},
	}
	ins := NewWithLookup(lookup, map[int]struct{}{0: {}, 1: {}})

	snap, err := ins.Snapshot(10)
	require.NoError(t, err)
	assert.Nil(t, snap.AiCliInfo)
}

func TestSnapshotDetectsNpmExecClaude(t *testing.T) {
	lookup := fakeLookup{
		parents: map[int]int{10: 5, 5: 1},
		infos:   map[int]ProcessInfo{5: {Name: "node"}, 1: {Name: "init"}},
		cmdline: map[int]string{5: "npm exec @anthropic-ai/claude-cli chat"},
	}
	ins := NewWithLookup(lookup, map[int]struct{}{0: {}, 1: {}})

	snap, err := ins.Snapshot(10)
	require.NoError(t, err)
	require.NotNil(t, snap.AiCliInfo)
	assert.Equal(t, KindClaude, snap.AiCliInfo.Kind)
	assert.True(t, snap.AiCliInfo.IsNpmPackage)
}

func TestSnapshotFallsBackToPlainNode(t *testing.T) {
	lookup := fakeLookup{
		parents: map[int]int{10: 5, 5: 1},
		infos:   map[int]ProcessInfo{5: {Name: "node"}, 1: {Name: "init"}},
		cmdline: map[int]string{5: "node server.js"},
	}
	ins := NewWithLookup(lookup, map[int]struct{}{0: {}, 1: {}})

	snap, err := ins.Snapshot(10)
	require.NoError(t, err)
	require.NotNil(t, snap.AiCliInfo)
	assert.Equal(t, KindNode, snap.AiCliInfo.Kind)
}

func TestClassifyNameVariants(t *testing.T) {
	cases := map[string]AiCliKind{
		"claude":           KindClaude,
		"claude-cli":       KindClaude,
		"claude-code.exe":  KindClaude,
		"codex":            KindCodex,
		"openai-codex":     KindCodex,
		"gemini-cli":       KindGemini,
		"google-gemini":    KindGemini,
		"my-claude-shim":   KindClaude,
	}
	for name, want := range cases {
		got, ok := classifyName(name)
		require.True(t, ok, "expected %s to classify", name)
		assert.Equal(t, want, got, name)
	}

	_, ok := classifyName("claude-desktop")
	assert.False(t, ok)
	_, ok = classifyName("bash")
	assert.False(t, ok)
}

func TestValidateRejectsDuplicatesAndEmpty(t *testing.T) {
	assert.Error(t, ProcessTreeSnapshot{Chain: nil}.Validate())
	assert.Error(t, ProcessTreeSnapshot{Chain: []int{1, 2, 1}}.Validate())
	assert.NoError(t, ProcessTreeSnapshot{Chain: []int{1, 2, 3}}.Validate())
}
