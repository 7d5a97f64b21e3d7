// Package taskregistry tracks the agent tasks a supervised process tree is
// running, so a router or CLI can discover what's in flight and drain
// results exactly once each. Per SPEC_FULL §4.C, a single Registry type backs
// two interchangeable stores (shared-memory, in-process) and only the
// backend's identity affects how a sweep classifies a dead-manager record.
package taskregistry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentic-warden/warden/internal/errors"
	"github.com/agentic-warden/warden/internal/procinspect"
	"github.com/agentic-warden/warden/internal/sharedmap"
)

// Status is a TaskRecord's lifecycle state. The only legal transition is
// Running -> CompletedButUnread, and it happens at most once per task.
type Status string

const (
	StatusRunning            Status = "running"
	StatusCompletedButUnread Status = "completed_but_unread"
)

// CleanupReason explains why a sweep removed a task record.
type CleanupReason string

const (
	ReasonProcessExited  CleanupReason = "process_exited"
	ReasonTimeout        CleanupReason = "timeout"
	ReasonManagerMissing CleanupReason = "manager_missing"
)

// DefaultMaxRecordAge is the sweeper's default timeout for a Running record
// before it's reaped regardless of liveness (SPEC_FULL §4.C, step 3).
const DefaultMaxRecordAge = 12 * time.Hour

// TaskRecord is one tracked agent process, per SPEC_FULL §3.
type TaskRecord struct {
	ChildPID      int                            `json:"child_pid"`
	ManagerPID    int                             `json:"manager_pid"`
	Status        Status                          `json:"status"`
	StartedAt     time.Time                       `json:"started_at"`
	CompletedAt   *time.Time                      `json:"completed_at,omitempty"`
	Command       string                          `json:"command,omitempty"`
	LogPath       string                          `json:"log_path,omitempty"`
	ExitCode      *int                            `json:"exit_code,omitempty"`
	Result        string                          `json:"result,omitempty"`
	CleanupReason CleanupReason                   `json:"cleanup_reason,omitempty"`
	ProcessTree   *procinspect.ProcessTreeSnapshot `json:"process_tree,omitempty"`
}

// key is the decimal-PID string TaskRecords are stored under in the map.
func key(pid int) string { return fmt.Sprintf("%d", pid) }

// Backend distinguishes how a Registry classifies a dead-manager record
// during a sweep. Per the registry's resolved open question (SPEC_FULL §9):
// only a shared-memory-backed registry, observed cross-process, can tell
// "the task's manager died" apart from "the task itself died" — an
// in-process registry's manager is definitionally its own process, so that
// condition collapses into ReasonProcessExited there.
type Backend int

const (
	BackendInProcess Backend = iota
	BackendSharedMemory
)

// Registry tracks task ownership and completion across the process(es)
// sharing its backing store.
type Registry struct {
	backend Backend
	store   sharedmap.Map
}

// Config configures a Registry.
type Config struct {
	Backend Backend
	// SharedMapName is the namespace the backing store is opened under,
	// conventionally "<supervisor_pid>_task" per SPEC_FULL §3.
	SharedMapName string
	// MaxEntries bounds the backing store; zero means unbounded.
	MaxEntries int
}

// New constructs a Registry per cfg.
func New(cfg Config) (*Registry, error) {
	name := cfg.SharedMapName
	if name == "" {
		name = "warden-taskregistry"
	}
	store, err := sharedmap.OpenOrCreate(sharedmap.Options{Name: name, MaxEntries: cfg.MaxEntries})
	if err != nil {
		return nil, errors.Map(err, "open task registry store")
	}
	return &Registry{backend: cfg.Backend, store: store}, nil
}

// Register creates a new Running record for childPID. It refuses to
// overwrite an existing record for the same PID (SPEC_FULL §4.C: TryInsert
// under the shared-memory backend, guarding against PID-reuse races).
func (r *Registry) Register(childPID int, rec TaskRecord) error {
	rec.ChildPID = childPID
	if rec.ManagerPID == 0 {
		rec.ManagerPID = childPID
	}
	rec.Status = StatusRunning
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	rec.CompletedAt = nil
	rec.CleanupReason = ""

	ok, err := r.store.TryInsert(key(childPID), rec)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Map(nil, fmt.Sprintf("task for pid %d already registered", childPID))
	}
	return nil
}

// MarkCompleted transitions childPID to CompletedButUnread, storing its
// result and exit code. It errors if the PID is unknown; it is a no-op if
// the record has already completed (status never regresses, and the
// transition happens at most once). The read of the current status and the
// write of the new one happen inside a single sharedmap.Mutate call, so two
// concurrent MarkCompleted calls for the same PID can never both observe
// Running and both perform the transition.
func (r *Registry) MarkCompleted(childPID int, result string, exitCode *int, at time.Time) error {
	var notRegistered bool
	err := r.store.Mutate(key(childPID), func(exists bool, current json.RawMessage) (any, bool, error) {
		if !exists {
			notRegistered = true
			return nil, false, nil
		}
		var rec TaskRecord
		if err := json.Unmarshal(current, &rec); err != nil {
			return nil, false, err
		}
		if rec.Status == StatusCompletedButUnread {
			return nil, false, nil
		}

		completedAt := at.UTC()
		rec.Status = StatusCompletedButUnread
		rec.Result = result
		rec.ExitCode = exitCode
		rec.CompletedAt = &completedAt
		return rec, true, nil
	})
	if err != nil {
		return err
	}
	if notRegistered {
		return errors.Map(nil, fmt.Sprintf("task for pid %d not registered", childPID))
	}
	return nil
}

// Entries returns every currently tracked record, repairing corrupt entries
// (unparseable keys or JSON bodies) by purging them from the store.
func (r *Registry) Entries() ([]TaskRecord, error) {
	var out []TaskRecord
	var corrupt []string
	err := r.store.Iter(func(k string, raw json.RawMessage) error {
		var rec TaskRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			corrupt = append(corrupt, k)
			return nil
		}
		out = append(out, rec)
		return nil
	})
	for _, k := range corrupt {
		_ = r.store.Remove(k)
	}
	return out, err
}

// HasRunning reports whether any Running record exists. If filter is
// non-nil, only records for which filter returns true are considered —
// used to scope the check to a given root-AI-CLI ancestor PID.
func (r *Registry) HasRunning(filter func(TaskRecord) bool) (bool, error) {
	entries, err := r.Entries()
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Status != StatusRunning {
			continue
		}
		if filter == nil || filter(e) {
			return true, nil
		}
	}
	return false, nil
}

// DrainCompleted atomically returns and removes every CompletedButUnread
// record, guaranteeing each result is handed off to exactly one caller.
// Re-issuing a drain with no intervening writes yields an empty slice. The
// scan-and-remove happens inside a single sharedmap.DrainMatching call, so
// two concurrent DrainCompleted calls can never both observe and return the
// same record (SPEC_FULL §4.C, §9: read and remove in one critical section).
func (r *Registry) DrainCompleted() ([]TaskRecord, error) {
	rawDrained, err := r.store.DrainMatching(func(_ string, raw json.RawMessage) bool {
		var rec TaskRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return false
		}
		return rec.Status == StatusCompletedButUnread
	})
	if err != nil {
		return nil, err
	}
	drained := make([]TaskRecord, 0, len(rawDrained))
	for _, raw := range rawDrained {
		var rec TaskRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		drained = append(drained, rec)
	}
	return drained, nil
}

// CleanupEvent reports one record a sweep removed and why.
type CleanupEvent struct {
	ChildPID int
	Reason   CleanupReason
}

// SweepStale scans Running records and reaps dead or over-age ones, per the
// SPEC_FULL §4.C algorithm:
//  1. isAlive(childPID) == false: the child itself is dead -> ProcessExited.
//  2. manager_pid != child_pid and the manager isn't alive: the supervisor
//     died -> terminate(childPID) best-effort, ManagerMissing (shared-memory
//     backend only; the in-process backend reports ProcessExited instead,
//     since it has no independent manager concept).
//  3. now - started_at > maxAge: terminate(childPID) best-effort -> Timeout.
//
// isAlive and terminate are injected so callers can drive the sweep with
// their own process-liveness and kill primitives (procinspect.Inspector in
// production, a fake in tests).
func (r *Registry) SweepStale(now time.Time, maxAge time.Duration, isAlive func(pid int) bool, terminate func(pid int) error) ([]CleanupEvent, error) {
	if maxAge <= 0 {
		maxAge = DefaultMaxRecordAge
	}

	entries, err := r.Entries()
	if err != nil {
		return nil, err
	}

	var events []CleanupEvent
	for _, e := range entries {
		if e.Status != StatusRunning {
			continue
		}

		reason, shouldTerminate, reap := r.classify(e, now, maxAge, isAlive)
		if !reap {
			continue
		}
		if shouldTerminate && terminate != nil {
			_ = terminate(e.ChildPID)
		}

		e.CleanupReason = reason
		if err := r.store.Remove(key(e.ChildPID)); err != nil {
			return events, err
		}
		events = append(events, CleanupEvent{ChildPID: e.ChildPID, Reason: reason})
	}
	return events, nil
}

func (r *Registry) classify(e TaskRecord, now time.Time, maxAge time.Duration, isAlive func(pid int) bool) (reason CleanupReason, terminate bool, reap bool) {
	if isAlive != nil && !isAlive(e.ChildPID) {
		return ReasonProcessExited, false, true
	}

	if e.ManagerPID != 0 && e.ManagerPID != e.ChildPID && isAlive != nil && !isAlive(e.ManagerPID) {
		if r.backend == BackendSharedMemory {
			return ReasonManagerMissing, true, true
		}
		return ReasonProcessExited, true, true
	}

	if now.Sub(e.StartedAt) > maxAge {
		return ReasonTimeout, true, true
	}

	return "", false, false
}

// Close releases the backing store.
func (r *Registry) Close() error { return r.store.Close() }
