//go:build linux || darwin || freebsd || netbsd || openbsd

package sharedmap

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/agentic-warden/warden/internal/errors"
)

// segmentSize is the fixed System V shared memory segment size. The segment
// stores a single JSON-encoded directory; entries are small (PID-keyed task
// records), so a generous fixed size avoids ever having to resize a live
// segment.
const segmentSize = 1 << 20 // 1 MiB

// shmMap stores the whole directory as one JSON blob inside a System V
// shared memory segment, serialising access with a gofrs/flock file lock
// external to any one process. This trades per-key granularity for the
// simplicity of a single shmat'd region; a write whose encoded directory
// would not fit in segmentSize fails with a KindMap error.
type shmMap struct {
	mu     sync.Mutex
	lock   *flock.Flock
	shmID  int
	addr   []byte
	opts   Options
}

func newPlatformMap(opts Options) (Map, error) {
	key := shmKey(opts.Name)

	id, err := unix.SysvShmGet(key, segmentSize, unix.IPC_CREAT|0o600)
	if err != nil {
		// Fall back rather than fail outright: some sandboxes/containers
		// disable System V IPC entirely.
		return newInProcessMap(opts)
	}

	addr, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return newInProcessMap(opts)
	}

	lockPath := opts.LockPath
	if lockPath == "" {
		lockPath = fmt.Sprintf("/tmp/warden-%s.lock", opts.Name)
	}

	m := &shmMap{
		lock:  flock.New(lockPath),
		shmID: id,
		addr:  addr,
		opts:  opts,
	}
	return m, nil
}

func shmKey(name string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	// Keep the key in the positive int32 range; negative/zero keys have
	// special meaning to shmget.
	return int(h.Sum32() & 0x3FFFFFFF)
}

type directory struct {
	Entries map[string]entry `json:"entries"`
}

func (m *shmMap) readDirectory() (directory, error) {
	var dir directory
	// The segment is NUL-padded; trim trailing zero bytes before decoding.
	end := 0
	for end < len(m.addr) && m.addr[end] != 0 {
		end++
	}
	if end == 0 {
		dir.Entries = make(map[string]entry)
		return dir, nil
	}
	if err := json.Unmarshal(m.addr[:end], &dir); err != nil {
		dir.Entries = make(map[string]entry)
		return dir, nil
	}
	if dir.Entries == nil {
		dir.Entries = make(map[string]entry)
	}
	return dir, nil
}

func (m *shmMap) writeDirectory(dir directory) error {
	data, err := json.Marshal(dir)
	if err != nil {
		return errors.Map(err, "marshal shared map directory")
	}
	if len(data) > len(m.addr) {
		return errors.Map(nil, "shared map directory exceeds segment size")
	}
	clear(m.addr)
	copy(m.addr, data)
	return nil
}

func (m *shmMap) withLock(fn func(dir *directory) error) error {
	if err := m.lock.Lock(); err != nil {
		return errors.Map(err, "acquire shared map lock")
	}
	defer m.lock.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	dir, err := m.readDirectory()
	if err != nil {
		return err
	}
	if err := fn(&dir); err != nil {
		return err
	}
	return m.writeDirectory(dir)
}

func (m *shmMap) Insert(key string, value any) error {
	return m.withLock(func(dir *directory) error {
		raw, err := json.Marshal(value)
		if err != nil {
			return errors.Map(err, "marshal shared map entry")
		}
		if m.opts.MaxEntries > 0 {
			if _, exists := dir.Entries[key]; !exists && len(dir.Entries) >= m.opts.MaxEntries {
				return errors.Map(nil, "shared map at capacity")
			}
		}
		dir.Entries[key] = entry{Value: raw}
		return nil
	})
}

func (m *shmMap) TryInsert(key string, value any) (bool, error) {
	inserted := false
	err := m.withLock(func(dir *directory) error {
		if _, exists := dir.Entries[key]; exists {
			return nil
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return errors.Map(err, "marshal shared map entry")
		}
		if m.opts.MaxEntries > 0 && len(dir.Entries) >= m.opts.MaxEntries {
			return errors.Map(nil, "shared map at capacity")
		}
		dir.Entries[key] = entry{Value: raw}
		inserted = true
		return nil
	})
	return inserted, err
}

func (m *shmMap) Get(key string, out any) (bool, error) {
	found := false
	err := m.withLock(func(dir *directory) error {
		e, ok := dir.Entries[key]
		if !ok {
			return nil
		}
		found = true
		return json.Unmarshal(e.Value, out)
	})
	return found, err
}

func (m *shmMap) Remove(key string) error {
	return m.withLock(func(dir *directory) error {
		delete(dir.Entries, key)
		return nil
	})
}

func (m *shmMap) Iter(fn func(key string, raw json.RawMessage) error) error {
	return m.withLock(func(dir *directory) error {
		for k, e := range dir.Entries {
			if err := fn(k, e.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (m *shmMap) Mutate(key string, fn func(exists bool, current json.RawMessage) (any, bool, error)) error {
	return m.withLock(func(dir *directory) error {
		e, exists := dir.Entries[key]
		var current json.RawMessage
		if exists {
			current = e.Value
		}
		newValue, write, err := fn(exists, current)
		if err != nil || !write {
			return err
		}
		raw, err := json.Marshal(newValue)
		if err != nil {
			return errors.Map(err, "marshal shared map entry")
		}
		dir.Entries[key] = entry{Value: raw}
		return nil
	})
}

func (m *shmMap) DrainMatching(match func(key string, raw json.RawMessage) bool) ([]json.RawMessage, error) {
	var drained []json.RawMessage
	err := m.withLock(func(dir *directory) error {
		for k, e := range dir.Entries {
			if match(k, e.Value) {
				drained = append(drained, e.Value)
				delete(dir.Entries, k)
			}
		}
		return nil
	})
	return drained, err
}

func (m *shmMap) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addr == nil {
		return nil
	}
	err := unix.SysvShmDetach(m.addr)
	m.addr = nil
	return err
}
