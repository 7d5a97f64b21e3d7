// Package procinspect walks the process ancestry of a PID to find the
// nearest "AI CLI" ancestor (claude/codex/gemini/node), so that the task
// registry can scope ownership to a given supervised agent tree.
package procinspect

import (
	"strings"

	"github.com/agentic-warden/warden/internal/errors"
)

// AiCliKind is one of the recognised AI command-line clients.
type AiCliKind string

const (
	KindClaude AiCliKind = "claude"
	KindCodex  AiCliKind = "codex"
	KindGemini AiCliKind = "gemini"
	KindNode   AiCliKind = "node"
)

// AiCliProcessInfo identifies the nearest recognised AI-CLI ancestor.
type AiCliProcessInfo struct {
	PID            int
	Kind           AiCliKind
	ProcessName    string
	CommandLine    string
	IsNpmPackage   bool
	ExecutablePath string
}

// ProcessTreeSnapshot is an ordered chain of PIDs from a process to the
// nearest recognised root, plus the nearest AI-CLI ancestor if any.
type ProcessTreeSnapshot struct {
	Chain     []int
	AiCliInfo *AiCliProcessInfo
}

const maxWalkDepth = 50

// Validate enforces the snapshot invariants: non-empty, no duplicate PIDs,
// and a chain length within the depth cap.
func (s ProcessTreeSnapshot) Validate() error {
	if len(s.Chain) == 0 {
		return errors.Process(nil, "empty process chain")
	}
	if len(s.Chain) > maxWalkDepth {
		return errors.Process(nil, "process chain exceeds depth cap")
	}
	seen := make(map[int]struct{}, len(s.Chain))
	for _, pid := range s.Chain {
		if _, dup := seen[pid]; dup {
			return errors.Process(nil, "duplicate pid in process chain")
		}
		seen[pid] = struct{}{}
	}
	return nil
}

// ParentLookup is the platform adapter consulted by the walker. Implemented
// per-OS: a Linux /proc adapter, a generic-Unix adapter, and a
// cache-fronted Windows adapter (see lookup_windows.go).
type ParentLookup interface {
	// ParentOf returns the parent PID of pid, or ok=false if it cannot be
	// determined (process vanished, permission denied, or pid is a root).
	ParentOf(pid int) (parent int, ok bool)
	// Describe returns what's known about pid. wantCmdline requests the
	// (possibly expensive) command-line field be populated.
	Describe(pid int, wantCmdline bool) (ProcessInfo, bool)
	// IsAlive reports whether pid is currently a live process, and whether
	// that could be determined at all on this platform.
	IsAlive(pid int) (alive bool, known bool)
}

// ProcessInfo is what a ParentLookup can report about one process.
type ProcessInfo struct {
	Name           string
	CommandLine    string
	ExecutablePath string
}

// Inspector walks process trees using a platform ParentLookup.
type Inspector struct {
	lookup   ParentLookup
	rootPIDs map[int]struct{}
}

// New constructs an Inspector using the platform-appropriate ParentLookup
// (see lookup_linux.go / lookup_unix.go / lookup_windows.go).
func New() *Inspector {
	return &Inspector{lookup: defaultParentLookup(), rootPIDs: defaultRootPIDs()}
}

// NewWithLookup constructs an Inspector over an explicit ParentLookup, for tests.
func NewWithLookup(lookup ParentLookup, rootPIDs map[int]struct{}) *Inspector {
	return &Inspector{lookup: lookup, rootPIDs: rootPIDs}
}

// IsAlive reports whether pid is currently running, and whether liveness
// could be determined on this platform at all.
func (ins *Inspector) IsAlive(pid int) (alive bool, known bool) {
	return ins.lookup.IsAlive(pid)
}

// Snapshot walks the ancestry of pid, per SPEC_FULL §4.A.
func (ins *Inspector) Snapshot(pid int) (ProcessTreeSnapshot, error) {
	chain := []int{pid}
	var aiInfo *AiCliProcessInfo

	current := pid
	for i := 1; i < maxWalkDepth; i++ {
		parent, ok := ins.lookup.ParentOf(current)
		if !ok {
			break
		}
		if parent == current || parent == 0 {
			break
		}

		chain = append(chain, parent)
		if aiInfo == nil {
			aiInfo = ins.buildAiCliInfo(parent)
		}
		current = parent

		if _, isRoot := ins.rootPIDs[parent]; isRoot {
			break
		}
	}

	snap := ProcessTreeSnapshot{Chain: chain, AiCliInfo: aiInfo}
	if err := snap.Validate(); err != nil {
		return ProcessTreeSnapshot{}, err
	}
	return snap, nil
}

func (ins *Inspector) buildAiCliInfo(pid int) *AiCliProcessInfo {
	info, ok := ins.lookup.Describe(pid, false)
	if !ok || info.Name == "" {
		return nil
	}
	kind, ok := classifyName(info.Name)
	if !ok {
		if !isNodeName(info.Name) {
			return nil
		}
		cmdInfo, hasCmd := ins.lookup.Describe(pid, true)
		cmdline := ""
		if hasCmd {
			cmdline = cmdInfo.CommandLine
		}
		inner, found := classifyNodeCmdline(cmdline)
		if found {
			kind = inner
		} else {
			kind = KindNode
		}
	}

	out := &AiCliProcessInfo{PID: pid, Kind: kind, ProcessName: info.Name}
	full, hasCmd := ins.lookup.Describe(pid, true)
	if hasCmd {
		out.CommandLine = full.CommandLine
		out.ExecutablePath = full.ExecutablePath
		out.IsNpmPackage = isNpmCommandLine(full.CommandLine)
	} else {
		out.ExecutablePath = info.ExecutablePath
	}
	return out
}

// classifyName matches a (normalised) process name against the known AI-CLI
// name sets: exact match first, then partial match (excluding claude-desktop).
func classifyName(name string) (AiCliKind, bool) {
	clean := strings.ToLower(name)
	clean = strings.TrimSuffix(clean, ".exe")

	switch clean {
	case "claude", "claude-cli", "anthropic-claude", "claude-code":
		return KindClaude, true
	case "codex", "codex-cli", "openai-codex":
		return KindCodex, true
	case "gemini", "gemini-cli", "google-gemini":
		return KindGemini, true
	}

	if strings.Contains(clean, "claude") && !strings.Contains(clean, "claude-desktop") {
		return KindClaude, true
	}
	if strings.Contains(clean, "codex") {
		return KindCodex, true
	}
	if strings.Contains(clean, "gemini") {
		return KindGemini, true
	}
	return "", false
}

func isNodeName(name string) bool {
	clean := strings.ToLower(strings.TrimSuffix(strings.ToLower(name), ".exe"))
	return clean == "node"
}

func isNpmCommandLine(cmdline string) bool {
	lower := strings.ToLower(cmdline)
	return strings.Contains(lower, "npm exec") || strings.Contains(lower, "npx ")
}

// classifyNodeCmdline inspects an interpreter invocation's command line for
// AI-CLI-distinctive substrings.
func classifyNodeCmdline(cmdline string) (AiCliKind, bool) {
	lower := strings.ToLower(cmdline)
	if lower == "" {
		return "", false
	}

	switch {
	case strings.Contains(lower, "claude-cli"),
		strings.Contains(lower, "@anthropic-ai/claude"),
		strings.Contains(lower, "claude-code"):
		return KindClaude, true
	case strings.Contains(lower, "codex-cli"):
		return KindCodex, true
	case strings.Contains(lower, "gemini-cli"),
		strings.Contains(lower, "@google/generative-ai-cli"):
		return KindGemini, true
	}

	if strings.Contains(lower, "npm exec") || strings.Contains(lower, "npx") {
		switch {
		case strings.Contains(lower, "claude"):
			return KindClaude, true
		case strings.Contains(lower, "codex"):
			return KindCodex, true
		case strings.Contains(lower, "gemini"):
			return KindGemini, true
		}
	}

	return "", false
}
