// Package agentlauncher spawns AI CLI agent subprocesses under a tracked
// PID file and process group, and registers/retires each one in a
// taskregistry.Registry, giving SPEC_FULL §4.C's task registry a concrete
// producer of ChildPID entries (rather than assuming some external caller
// drives Register/MarkCompleted directly).
package agentlauncher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agentic-warden/warden/internal/async"
	"github.com/agentic-warden/warden/internal/logging"
	"github.com/agentic-warden/warden/internal/procinspect"
	"github.com/agentic-warden/warden/internal/taskregistry"
)

// ManagedAgent represents an AI CLI agent process tracked by a Launcher.
type ManagedAgent struct {
	Name      string
	PIDFile   string
	MetaFile  string
	LogFile   string
	Cmd       *exec.Cmd
	PID       int
	PGID      int
	StartedAt time.Time

	logHandle *os.File
}

// Launcher spawns and tracks AI CLI agent processes with PID files and
// process groups, registering each in a taskregistry.Registry for the
// duration of its run.
type Launcher struct {
	pidDir    string
	logDir    string
	registry  *taskregistry.Registry
	inspector *procinspect.Inspector
	logger    logging.Logger
	processes map[string]*ManagedAgent
	mu        sync.Mutex
}

// New creates a Launcher. registry may be nil, in which case agents are
// spawned and tracked by PID file alone, with no taskregistry bookkeeping
// (useful for callers that manage their own registry lifecycle). inspector
// may be nil, in which case registered TaskRecords carry no ProcessTree.
func New(pidDir, logDir string, registry *taskregistry.Registry, inspector *procinspect.Inspector) *Launcher {
	return &Launcher{
		pidDir:    pidDir,
		logDir:    logDir,
		registry:  registry,
		inspector: inspector,
		logger:    logging.Default().Component("agentlauncher"),
		processes: make(map[string]*ManagedAgent),
	}
}

// Registry exposes the Launcher's task registry, if any, so callers (e.g.
// the CLI's "status" command) can inspect running/completed tasks without
// threading a second reference through their own plumbing.
func (l *Launcher) Registry() *taskregistry.Registry { return l.registry }

// Launch starts cmd under name, tracks it, and registers it in the task
// registry as ManagerPID = this process, ChildPID = the spawned PID.
func (l *Launcher) Launch(ctx context.Context, name string, cmd *exec.Cmd) (*ManagedAgent, error) {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.pidDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pid dir: %w", err)
	}
	if err := os.MkdirAll(l.logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true

	logFile := filepath.Join(l.logDir, name+".log")
	var logHandle *os.File
	if cmd.Stdout == nil {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		cmd.Stdout = f
		cmd.Stderr = f
		logHandle = f
	}

	if err := cmd.Start(); err != nil {
		if logHandle != nil {
			_ = logHandle.Close()
		}
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	pid := cmd.Process.Pid
	pgid, _ := syscall.Getpgid(pid)
	identity, err := processCommandLine(pid)
	if err != nil || identity == "" {
		identity = commandIdentityFromCmd(cmd)
	}

	ma := &ManagedAgent{
		Name:      name,
		PIDFile:   filepath.Join(l.pidDir, name+".pid"),
		MetaFile:  pidMetaFile(filepath.Join(l.pidDir, name+".pid")),
		LogFile:   logFile,
		Cmd:       cmd,
		PID:       pid,
		PGID:      pgid,
		StartedAt: time.Now(),
		logHandle: logHandle,
	}

	if err := writePIDState(ma.PIDFile, ma.MetaFile, pid, identity); err != nil {
		_ = cmd.Process.Kill()
		if logHandle != nil {
			_ = logHandle.Close()
		}
		return nil, fmt.Errorf("write pid state for %s: %w", name, err)
	}
	l.processes[name] = ma

	if l.registry != nil {
		rec := taskregistry.TaskRecord{
			ManagerPID: os.Getpid(),
			Command:    identity,
			LogPath:    logFile,
			StartedAt:  ma.StartedAt,
		}
		if l.inspector != nil {
			if tree, err := l.inspector.Snapshot(pid); err != nil {
				l.logger.Warn("process-tree snapshot failed for agent %q (pid %d): %v", name, pid, err)
			} else {
				rec.ProcessTree = &tree
			}
		}
		if err := l.registry.Register(pid, rec); err != nil {
			l.logger.Warn("failed to register agent %q (pid %d) in task registry: %v", name, pid, err)
		}
	}

	async.Go(l.logger, "agentlauncher-wait-"+name, func() {
		waitErr := cmd.Wait()
		if ma.logHandle != nil {
			_ = ma.logHandle.Close()
		}

		removePIDFiles := false
		l.mu.Lock()
		if current := l.processes[name]; current == ma {
			delete(l.processes, name)
			removePIDFiles = true
		}
		l.mu.Unlock()
		if removePIDFiles {
			cleanupPIDState(ma.PIDFile, ma.MetaFile)
		}

		if l.registry != nil {
			exitCode := exitCodeOf(waitErr)
			result := "exited"
			if waitErr != nil {
				result = waitErr.Error()
			}
			if err := l.registry.MarkCompleted(pid, result, &exitCode, time.Now()); err != nil {
				l.logger.Warn("failed to mark agent %q (pid %d) completed: %v", name, pid, err)
			}
		}
	})

	return ma, nil
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// Stop stops a named agent by PID file with graceful shutdown (SIGTERM,
// then SIGKILL after a 5-second grace period).
func (l *Launcher) Stop(_ context.Context, name string) error {
	l.mu.Lock()
	ma, tracked := l.processes[name]
	l.mu.Unlock()

	if tracked && ma.Cmd != nil && ma.Cmd.Process != nil {
		return l.killProcess(ma.PGID, ma.PID, ma.PIDFile)
	}

	pidFile := filepath.Join(l.pidDir, name+".pid")
	metaFile := pidMetaFile(pidFile)
	pid, err := readPIDFile(pidFile)
	if err != nil {
		cleanupPIDState(pidFile, metaFile)
		return nil
	}
	if !isProcessAlive(pid) {
		cleanupPIDState(pidFile, metaFile)
		return nil
	}
	if !identityMatches(metaFile, pid) {
		cleanupPIDState(pidFile, metaFile)
		return nil
	}

	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		pgid = pid
	}

	return l.killProcess(pgid, pid, pidFile)
}

// StopAll stops every agent this Launcher currently tracks.
func (l *Launcher) StopAll(_ context.Context) error {
	l.mu.Lock()
	names := make([]string, 0, len(l.processes))
	for name := range l.processes {
		names = append(names, name)
	}
	l.mu.Unlock()

	var lastErr error
	for _, name := range names {
		if err := l.Stop(context.Background(), name); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// IsRunning reports whether name is alive, by in-process tracking first and
// falling back to the on-disk PID file (e.g. across a launcher restart).
func (l *Launcher) IsRunning(name string) (bool, int) {
	l.mu.Lock()
	ma, tracked := l.processes[name]
	l.mu.Unlock()

	if tracked && ma.Cmd != nil && ma.Cmd.Process != nil {
		if isProcessAlive(ma.PID) {
			return true, ma.PID
		}
		return false, 0
	}

	pidFile := filepath.Join(l.pidDir, name+".pid")
	metaFile := pidMetaFile(pidFile)
	pid, err := readPIDFile(pidFile)
	if err != nil {
		return false, 0
	}
	if !isProcessAlive(pid) {
		cleanupPIDState(pidFile, metaFile)
		return false, 0
	}
	if !identityMatches(metaFile, pid) {
		cleanupPIDState(pidFile, metaFile)
		return false, 0
	}
	return true, pid
}

// Recover reattaches to a named agent tracked by a prior Launcher instance
// (e.g. after the supervising process restarted), verifying PID identity
// before trusting the PID file.
func (l *Launcher) Recover(name string) (*ManagedAgent, error) {
	pidFile := filepath.Join(l.pidDir, name+".pid")
	metaFile := pidMetaFile(pidFile)
	pid, err := readPIDFile(pidFile)
	if err != nil {
		return nil, fmt.Errorf("read pid file for %s: %w", name, err)
	}
	if !isProcessAlive(pid) {
		cleanupPIDState(pidFile, metaFile)
		return nil, fmt.Errorf("agent %s (pid %d) not running", name, pid)
	}
	if !identityMatches(metaFile, pid) {
		cleanupPIDState(pidFile, metaFile)
		return nil, fmt.Errorf("agent %s (pid %d) identity mismatch", name, pid)
	}

	pgid, _ := syscall.Getpgid(pid)
	ma := &ManagedAgent{
		Name:     name,
		PIDFile:  pidFile,
		MetaFile: metaFile,
		LogFile:  filepath.Join(l.logDir, name+".log"),
		PID:      pid,
		PGID:     pgid,
	}

	l.mu.Lock()
	l.processes[name] = ma
	l.mu.Unlock()

	return ma, nil
}

func (l *Launcher) killProcess(pgid, pid int, pidFile string) error {
	metaFile := pidMetaFile(pidFile)
	target := -pgid
	if pgid == 0 {
		target = pid
	}

	_ = syscall.Kill(target, syscall.SIGTERM)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !isProcessAlive(pid) {
			cleanupPIDState(pidFile, metaFile)
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}

	_ = syscall.Kill(target, syscall.SIGKILL)
	cleanupPIDState(pidFile, metaFile)
	return nil
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	firstLine := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)[0]
	firstLine = strings.TrimPrefix(strings.TrimSpace(firstLine), "pid=")
	return strconv.Atoi(firstLine)
}

type pidMetadata struct {
	Command string `json:"command"`
}

func pidMetaFile(pidFile string) string {
	return pidFile + ".meta"
}

func writePIDState(pidFile, metaFile string, pid int, identity string) error {
	if err := atomicWriteFile(pidFile, []byte(strconv.Itoa(pid))); err != nil {
		return err
	}
	if strings.TrimSpace(identity) == "" {
		return nil
	}
	return writePIDMetadata(metaFile, identity)
}

func writePIDMetadata(path, identity string) error {
	meta := pidMetadata{Command: normalizeCommandLine(identity)}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return atomicWriteFile(path, data)
}

func readPIDMetadata(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var meta pidMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return "", err
	}
	return normalizeCommandLine(meta.Command), nil
}

func cleanupPIDState(pidFile, metaFile string) {
	_ = os.Remove(pidFile)
	_ = os.Remove(metaFile)
}

func identityMatches(metaFile string, pid int) bool {
	actual, err := processCommandLine(pid)
	if err != nil {
		return false
	}

	expected, err := readPIDMetadata(metaFile)
	if err != nil {
		// Legacy PID files had no metadata. Adopt identity to avoid duplicate starts.
		_ = writePIDMetadata(metaFile, actual)
		return true
	}

	return normalizeCommandLine(expected) == normalizeCommandLine(actual)
}

func processCommandLine(pid int) (string, error) {
	out, err := exec.Command("ps", "-ww", "-o", "command=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return "", err
	}
	line := normalizeCommandLine(string(out))
	if line == "" {
		return "", fmt.Errorf("empty command line for pid %d", pid)
	}
	return line, nil
}

func commandIdentityFromCmd(cmd *exec.Cmd) string {
	if cmd == nil {
		return ""
	}
	if len(cmd.Args) > 0 {
		return normalizeCommandLine(strings.Join(cmd.Args, " "))
	}
	return normalizeCommandLine(cmd.Path)
}

func normalizeCommandLine(command string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(command)), " ")
}

func atomicWriteFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
