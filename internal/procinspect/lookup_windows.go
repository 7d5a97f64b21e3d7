//go:build windows

package procinspect

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sys/windows"
)

const windowsCacheTTL = 750 * time.Millisecond

type cacheEntry struct {
	info      ProcessInfo
	parent    int
	hasParent bool
	expiresAt time.Time
}

// windowsLookup caches process snapshots for windowsCacheTTL, refreshing a
// single targeted PID on a cache miss before falling back to a full rescan.
// CreateToolhelp32Snapshot is expensive enough that per-call enumeration
// would dominate a 50-hop chain walk.
type windowsLookup struct {
	mu    sync.Mutex
	cache *lru.Cache[int, cacheEntry]
}

func defaultParentLookup() ParentLookup {
	cache, _ := lru.New[int, cacheEntry](4096)
	return &windowsLookup{cache: cache}
}

func defaultRootPIDs() map[int]struct{} {
	return map[int]struct{}{0: {}, 1: {}, 4: {}}
}

func (w *windowsLookup) ParentOf(pid int) (int, bool) {
	if pid == 0 {
		return 0, false
	}
	entry, ok := w.lookup(pid, false)
	if !ok {
		return 0, false
	}
	return entry.parent, entry.hasParent
}

func (w *windowsLookup) IsAlive(pid int) (bool, bool) {
	if pid <= 0 {
		return false, true
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false, true
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false, true
	}
	return code == 259 /* STILL_ACTIVE */, true
}

func (w *windowsLookup) Describe(pid int, wantCmdline bool) (ProcessInfo, bool) {
	entry, ok := w.lookup(pid, wantCmdline)
	if !ok {
		return ProcessInfo{}, false
	}
	return entry.info, true
}

func (w *windowsLookup) lookup(pid int, requireCmdline bool) (cacheEntry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if entry, ok := w.cache.Get(pid); ok {
		if time.Now().Before(entry.expiresAt) && (!requireCmdline || entry.info.CommandLine != "") {
			return entry, true
		}
	}

	if entry, ok := w.refreshOne(pid, requireCmdline); ok {
		w.cache.Add(pid, entry)
		return entry, true
	}

	w.refreshAll(requireCmdline)
	if entry, ok := w.cache.Get(pid); ok {
		return entry, true
	}
	return cacheEntry{}, false
}

// refreshOne snapshots only pid, for the common case where a chain walk
// revisits the same ancestor repeatedly.
func (w *windowsLookup) refreshOne(pid int, wantCmdline bool) (cacheEntry, bool) {
	if pid == 0 {
		return cacheEntry{info: ProcessInfo{Name: "System Idle Process"}, expiresAt: time.Now().Add(windowsCacheTTL)}, true
	}

	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return cacheEntry{}, false
	}
	defer windows.CloseHandle(snap)

	var entry windows.ProcessEntry32
	entry.Size = uint32(windows.SizeofProcessEntry32)
	for err := windows.Process32First(snap, &entry); err == nil; err = windows.Process32Next(snap, &entry) {
		if int(entry.ProcessID) != pid {
			continue
		}
		return w.toCacheEntry(entry, wantCmdline), true
	}
	return cacheEntry{}, false
}

func (w *windowsLookup) refreshAll(wantCmdline bool) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return
	}
	defer windows.CloseHandle(snap)

	var entry windows.ProcessEntry32
	entry.Size = uint32(windows.SizeofProcessEntry32)
	for err := windows.Process32First(snap, &entry); err == nil; err = windows.Process32Next(snap, &entry) {
		w.cache.Add(int(entry.ProcessID), w.toCacheEntry(entry, wantCmdline))
	}
}

func (w *windowsLookup) toCacheEntry(entry windows.ProcessEntry32, wantCmdline bool) cacheEntry {
	name := windows.UTF16ToString(entry.ExeFile[:])
	info := ProcessInfo{Name: name}
	if wantCmdline {
		if exePath, err := exePathForPID(int(entry.ProcessID)); err == nil {
			info.ExecutablePath = exePath
		}
	}
	return cacheEntry{
		info:      info,
		parent:    int(entry.ParentProcessID),
		hasParent: entry.ParentProcessID != 0,
		expiresAt: time.Now().Add(windowsCacheTTL),
	}
}

func exePathForPID(pid int) (string, error) {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return "", err
	}
	defer windows.CloseHandle(h)

	buf := make([]uint16, windows.MAX_PATH)
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(h, 0, &buf[0], &size); err != nil {
		return "", err
	}
	return windows.UTF16ToString(buf[:size]), nil
}
