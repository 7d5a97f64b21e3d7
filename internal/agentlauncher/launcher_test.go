package agentlauncher

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentic-warden/warden/internal/procinspect"
	"github.com/agentic-warden/warden/internal/taskregistry"
)

func newTestRegistry(t *testing.T) *taskregistry.Registry {
	t.Helper()
	reg, err := taskregistry.New(taskregistry.Config{
		Backend:       taskregistry.BackendInProcess,
		SharedMapName: "agentlauncher-test-" + strconv.Itoa(os.Getpid()) + "-" + t.Name(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func TestLaunchKeepsNewAgentWhenOldExitWaits(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l := New(filepath.Join(dir, "pids"), filepath.Join(dir, "logs"), nil, nil)

	first, err := l.Launch(context.Background(), "svc", exec.Command("sleep", "1"))
	if err != nil {
		t.Fatalf("launch first agent: %v", err)
	}
	defer func() { _ = l.Stop(context.Background(), "svc") }()

	second, err := l.Launch(context.Background(), "svc", exec.Command("sleep", "4"))
	if err != nil {
		t.Fatalf("launch second agent: %v", err)
	}

	if second.PID == first.PID {
		t.Fatalf("expected different PIDs, both were %d", first.PID)
	}

	time.Sleep(1500 * time.Millisecond)

	running, pid := l.IsRunning("svc")
	if !running {
		t.Fatal("expected latest agent to remain tracked and running")
	}
	if pid != second.PID {
		t.Fatalf("running pid = %d, want %d", pid, second.PID)
	}
}

func TestStopSkipsKillWhenPIDIdentityMismatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l := New(filepath.Join(dir, "pids"), filepath.Join(dir, "logs"), nil, nil)

	child := exec.Command("sleep", "5")
	if err := child.Start(); err != nil {
		t.Fatalf("start child process: %v", err)
	}
	defer func() {
		_ = child.Process.Kill()
		_ = child.Wait()
	}()

	pidFile := filepath.Join(dir, "pids", "svc.pid")
	metaFile := pidMetaFile(pidFile)
	if err := os.MkdirAll(filepath.Dir(pidFile), 0o755); err != nil {
		t.Fatalf("mkdir pid dir: %v", err)
	}
	if err := atomicWriteFile(pidFile, []byte(strconv.Itoa(child.Process.Pid))); err != nil {
		t.Fatalf("write pid file: %v", err)
	}
	if err := writePIDMetadata(metaFile, "definitely-not-this-process"); err != nil {
		t.Fatalf("write pid metadata: %v", err)
	}

	if err := l.Stop(context.Background(), "svc"); err != nil {
		t.Fatalf("stop with mismatched identity: %v", err)
	}

	if !isProcessAlive(child.Process.Pid) {
		t.Fatal("child process was killed despite PID identity mismatch")
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Fatalf("expected stale pid file removed, stat err=%v", err)
	}
	if _, err := os.Stat(metaFile); !os.IsNotExist(err) {
		t.Fatalf("expected stale pid metadata removed, stat err=%v", err)
	}
}

func TestRecoverRejectsPIDIdentityMismatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l := New(filepath.Join(dir, "pids"), filepath.Join(dir, "logs"), nil, nil)

	pidFile := filepath.Join(dir, "pids", "svc.pid")
	metaFile := pidMetaFile(pidFile)
	if err := os.MkdirAll(filepath.Dir(pidFile), 0o755); err != nil {
		t.Fatalf("mkdir pid dir: %v", err)
	}
	if err := atomicWriteFile(pidFile, []byte(strconv.Itoa(os.Getpid()))); err != nil {
		t.Fatalf("write pid file: %v", err)
	}
	if err := writePIDMetadata(metaFile, "definitely-not-current-test-process"); err != nil {
		t.Fatalf("write pid metadata: %v", err)
	}

	if _, err := l.Recover("svc"); err == nil {
		t.Fatal("recover should fail on identity mismatch")
	}

	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Fatalf("expected stale pid file removed, stat err=%v", err)
	}
	if _, err := os.Stat(metaFile); !os.IsNotExist(err) {
		t.Fatalf("expected stale pid metadata removed, stat err=%v", err)
	}
}

func TestRecoverAcceptsMatchingPIDIdentity(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	pidDir := filepath.Join(dir, "pids")
	logDir := filepath.Join(dir, "logs")

	owner := New(pidDir, logDir, nil, nil)
	agent, err := owner.Launch(context.Background(), "svc", exec.Command("sleep", "5"))
	if err != nil {
		t.Fatalf("launch agent: %v", err)
	}
	defer func() { _ = owner.Stop(context.Background(), "svc") }()

	recovered := New(pidDir, logDir, nil, nil)
	ma, err := recovered.Recover("svc")
	if err != nil {
		t.Fatalf("recover agent: %v", err)
	}
	if ma.PID != agent.PID {
		t.Fatalf("recovered pid = %d, want %d", ma.PID, agent.PID)
	}
}

// TestLaunchRegistersAndMarksCompletedInTaskRegistry exercises the wiring
// this package adds over the teacher's bare PID-file manager: a launched
// agent shows up as a Running taskregistry record, and once it exits the
// registry transitions it to CompletedButUnread with an exit code.
func TestLaunchRegistersAndMarksCompletedInTaskRegistry(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	reg := newTestRegistry(t)
	l := New(filepath.Join(dir, "pids"), filepath.Join(dir, "logs"), reg, procinspect.New())

	agent, err := l.Launch(context.Background(), "svc", exec.Command("sleep", "0.2"))
	require.NoError(t, err)

	running, err := reg.HasRunning(func(rec taskregistry.TaskRecord) bool { return rec.ChildPID == agent.PID })
	require.NoError(t, err)
	require.True(t, running)

	require.Eventually(t, func() bool {
		drained, err := reg.DrainCompleted()
		if err != nil {
			return false
		}
		for _, d := range drained {
			if d.ChildPID == agent.PID {
				return true
			}
		}
		return false
	}, 3*time.Second, 50*time.Millisecond)
}

// TestLaunchStampsProcessTreeOnRegister exercises procinspect wiring: a
// launched agent's TaskRecord carries a ProcessTree rooted at its own PID.
func TestLaunchStampsProcessTreeOnRegister(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	reg := newTestRegistry(t)
	l := New(filepath.Join(dir, "pids"), filepath.Join(dir, "logs"), reg, procinspect.New())

	agent, err := l.Launch(context.Background(), "svc", exec.Command("sleep", "0.2"))
	require.NoError(t, err)
	defer func() { _ = l.Stop(context.Background(), "svc") }()

	entries, err := reg.Entries()
	require.NoError(t, err)

	var found *taskregistry.TaskRecord
	for i := range entries {
		if entries[i].ChildPID == agent.PID {
			found = &entries[i]
		}
	}
	require.NotNil(t, found, "expected a task record for the launched agent")
	require.NotNil(t, found.ProcessTree, "expected ProcessTree to be stamped on register")
	require.Contains(t, found.ProcessTree.Chain, agent.PID)
}
