package taskregistry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, backend Backend) *Registry {
	t.Helper()
	r, err := New(Config{Backend: backend, SharedMapName: t.Name()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func alwaysAlive(int) bool { return true }

func TestRegisterRefusesDuplicate(t *testing.T) {
	r := newTestRegistry(t, BackendInProcess)
	require.NoError(t, r.Register(100, TaskRecord{}))
	assert.Error(t, r.Register(100, TaskRecord{}))
}

func TestMarkCompletedIsOneShot(t *testing.T) {
	r := newTestRegistry(t, BackendInProcess)
	require.NoError(t, r.Register(100, TaskRecord{}))
	require.NoError(t, r.MarkCompleted(100, "ok", nil, time.Now()))

	entries, err := r.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusCompletedButUnread, entries[0].Status)
	assert.Equal(t, "ok", entries[0].Result)
	assert.NotNil(t, entries[0].CompletedAt)

	// Calling again must not clobber the stored result.
	require.NoError(t, r.MarkCompleted(100, "should-not-apply", nil, time.Now()))
	entries, _ = r.Entries()
	assert.Equal(t, "ok", entries[0].Result)
}

func TestMarkCompletedUnknownPIDErrors(t *testing.T) {
	r := newTestRegistry(t, BackendInProcess)
	assert.Error(t, r.MarkCompleted(999, "ok", nil, time.Now()))
}

func TestDrainCompletedRemovesExactlyOnce(t *testing.T) {
	r := newTestRegistry(t, BackendInProcess)
	require.NoError(t, r.Register(100, TaskRecord{}))
	require.NoError(t, r.MarkCompleted(100, "done", nil, time.Now()))

	drained, err := r.DrainCompleted()
	require.NoError(t, err)
	require.Len(t, drained, 1)

	drainedAgain, err := r.DrainCompleted()
	require.NoError(t, err)
	assert.Empty(t, drainedAgain)
}

func TestHasRunningReflectsState(t *testing.T) {
	r := newTestRegistry(t, BackendInProcess)
	ok, err := r.HasRunning(nil)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Register(100, TaskRecord{}))
	ok, err = r.HasRunning(nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHasRunningAppliesFilter(t *testing.T) {
	r := newTestRegistry(t, BackendInProcess)
	require.NoError(t, r.Register(100, TaskRecord{ManagerPID: 100}))

	ok, err := r.HasRunning(func(rec TaskRecord) bool { return rec.ManagerPID == 200 })
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.HasRunning(func(rec TaskRecord) bool { return rec.ManagerPID == 100 })
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSweepStaleReapsExitedChild(t *testing.T) {
	r := newTestRegistry(t, BackendInProcess)
	require.NoError(t, r.Register(100, TaskRecord{ManagerPID: 100}))

	dead := map[int]bool{100: true}
	events, err := r.SweepStale(time.Now(), time.Hour, func(pid int) bool { return !dead[pid] }, nil)
	require.NoError(t, err)
	if assert.Len(t, events, 1) {
		assert.Equal(t, ReasonProcessExited, events[0].Reason)
	}
}

func TestSweepStaleReapsTimedOutTask(t *testing.T) {
	r := newTestRegistry(t, BackendInProcess)
	require.NoError(t, r.Register(100, TaskRecord{ManagerPID: 100, StartedAt: time.Now().Add(-time.Hour)}))

	events, err := r.SweepStale(time.Now(), time.Minute, alwaysAlive, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ReasonTimeout, events[0].Reason)
}

// TestSweepStaleReapsDeadManager is scenario 4 of SPEC_FULL §8: a worker
// whose manager died is reclaimed, terminate() is invoked for the worker,
// and the shared-memory backend reports ManagerMissing.
func TestSweepStaleReapsDeadManager(t *testing.T) {
	r := newTestRegistry(t, BackendSharedMemory)
	require.NoError(t, r.Register(100, TaskRecord{ManagerPID: 200, StartedAt: time.Now()}))

	var terminated []int
	dead := map[int]bool{200: true} // manager died; worker (100) still alive
	events, err := r.SweepStale(time.Now(), time.Hour, func(pid int) bool { return !dead[pid] }, func(pid int) error {
		terminated = append(terminated, pid)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ReasonManagerMissing, events[0].Reason)
	assert.Equal(t, 100, events[0].ChildPID)
	assert.Equal(t, []int{100}, terminated)
}

// TestSweepStaleInProcessCollapsesManagerMissing exercises the resolved open
// question: the in-process backend never emits ManagerMissing.
func TestSweepStaleInProcessCollapsesManagerMissing(t *testing.T) {
	r := newTestRegistry(t, BackendInProcess)
	require.NoError(t, r.Register(100, TaskRecord{ManagerPID: 200, StartedAt: time.Now()}))

	dead := map[int]bool{200: true}
	events, err := r.SweepStale(time.Now(), time.Hour, func(pid int) bool { return !dead[pid] }, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ReasonProcessExited, events[0].Reason)
}

func TestEntriesRepairsCorruptRecord(t *testing.T) {
	r := newTestRegistry(t, BackendInProcess)
	require.NoError(t, r.Register(100, TaskRecord{}))
	require.NoError(t, r.store.Insert("101", "not a task record"))

	entries, err := r.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var leftover any
	found, err := r.store.Get("101", &leftover)
	require.NoError(t, err)
	assert.False(t, found, "corrupt record should have been purged")
}
