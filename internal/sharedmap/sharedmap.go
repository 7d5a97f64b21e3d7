// Package sharedmap provides a cross-process key/value map backed by a System V
// shared-memory segment, used by the task registry so multiple independent
// warden processes (and the agent subprocesses they supervise) observe one
// consistent view of in-flight work without a database.
package sharedmap

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/agentic-warden/warden/internal/errors"
)

// Map is a cross-process string-keyed map of JSON-encoded values, protected
// by a file lock external to the Go process (gofrs/flock), so two warden
// processes attached to the same segment never interleave a read-modify-write.
type Map interface {
	// Insert stores value under key, overwriting any existing entry.
	Insert(key string, value any) error
	// TryInsert stores value under key only if key is absent. Returns false
	// if the key already existed.
	TryInsert(key string, value any) (bool, error)
	// Get retrieves and unmarshals the value stored under key.
	Get(key string, out any) (bool, error)
	// Remove deletes key, a no-op if absent.
	Remove(key string) error
	// Iter calls fn for every entry currently stored. fn receives raw JSON;
	// callers unmarshal into their own type.
	Iter(fn func(key string, raw json.RawMessage) error) error
	// Mutate atomically reads the current entry for key (if any) and lets fn
	// decide its replacement, all within the same locked critical section:
	// no other Map call can observe the entry between fn's read and its
	// write. fn receives whether key existed and its raw JSON if so, and
	// returns the new value, whether to write it (false leaves the entry
	// untouched), and an error that aborts without writing.
	Mutate(key string, fn func(exists bool, current json.RawMessage) (newValue any, write bool, err error)) error
	// DrainMatching atomically scans every entry, removing (and returning)
	// those for which match returns true, in one locked critical section —
	// so two concurrent DrainMatching calls can never both observe and
	// return the same entry.
	DrainMatching(match func(key string, raw json.RawMessage) bool) ([]json.RawMessage, error)
	// Close releases local resources. It does not destroy the segment.
	Close() error
}

// Options configures OpenOrCreate.
type Options struct {
	// Name identifies the shared segment (and its companion lock file); the
	// System V IPC key is derived from it by hashing, so distinct names
	// don't collide.
	Name string
	// LockPath is the file gofrs/flock uses for cross-process mutual
	// exclusion around the segment. Defaults to "/tmp/warden-"+Name+".lock"
	// when empty.
	LockPath string
	// MaxEntries bounds how many records the segment can hold; Insert
	// returns a KindMap error once the map is full.
	MaxEntries int
}

// OpenOrCreate attaches to the named shared-memory segment, creating it if
// absent. On platforms without System V shared memory (anything the
// golang.org/x/sys/unix SysvShm family doesn't cover), or when the segment
// cannot be created or attached, callers get the in-process fallback
// transparently — see unix.go / windows.go.
func OpenOrCreate(opts Options) (Map, error) {
	return newPlatformMap(opts)
}

// entry is the on-segment record: a JSON payload plus bookkeeping.
type entry struct {
	Value     json.RawMessage `json:"value"`
	StoredAt  time.Time       `json:"stored_at"`
}

// inProcessMap is the fallback implementation for platforms without a shared
// memory adapter (or for tests), using an ordinary mutex-guarded map plus a
// flock file so the locking discipline matches the real adapter even when
// there's only one process attached.
type inProcessMap struct {
	mu      sync.Mutex
	data    map[string]entry
	lock    *flock.Flock
	maxSize int
}

func newInProcessMap(opts Options) (Map, error) {
	lockPath := opts.LockPath
	if lockPath == "" {
		lockPath = fmt.Sprintf("/tmp/warden-%s.lock", opts.Name)
	}
	return &inProcessMap{
		data:    make(map[string]entry),
		lock:    flock.New(lockPath),
		maxSize: opts.MaxEntries,
	}, nil
}

func (m *inProcessMap) withLock(fn func() error) error {
	if err := m.lock.Lock(); err != nil {
		return errors.Map(err, "acquire shared map lock")
	}
	defer m.lock.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	return fn()
}

func (m *inProcessMap) Insert(key string, value any) error {
	return m.withLock(func() error {
		raw, err := json.Marshal(value)
		if err != nil {
			return errors.Map(err, "marshal shared map entry")
		}
		if m.maxSize > 0 {
			if _, exists := m.data[key]; !exists && len(m.data) >= m.maxSize {
				return errors.Map(nil, "shared map at capacity")
			}
		}
		m.data[key] = entry{Value: raw, StoredAt: time.Now()}
		return nil
	})
}

func (m *inProcessMap) TryInsert(key string, value any) (bool, error) {
	inserted := false
	err := m.withLock(func() error {
		if _, exists := m.data[key]; exists {
			return nil
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return errors.Map(err, "marshal shared map entry")
		}
		if m.maxSize > 0 && len(m.data) >= m.maxSize {
			return errors.Map(nil, "shared map at capacity")
		}
		m.data[key] = entry{Value: raw, StoredAt: time.Now()}
		inserted = true
		return nil
	})
	return inserted, err
}

func (m *inProcessMap) Get(key string, out any) (bool, error) {
	found := false
	err := m.withLock(func() error {
		e, ok := m.data[key]
		if !ok {
			return nil
		}
		found = true
		return json.Unmarshal(e.Value, out)
	})
	return found, err
}

func (m *inProcessMap) Remove(key string) error {
	return m.withLock(func() error {
		delete(m.data, key)
		return nil
	})
}

func (m *inProcessMap) Iter(fn func(key string, raw json.RawMessage) error) error {
	return m.withLock(func() error {
		for k, e := range m.data {
			if err := fn(k, e.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (m *inProcessMap) Mutate(key string, fn func(exists bool, current json.RawMessage) (any, bool, error)) error {
	return m.withLock(func() error {
		e, exists := m.data[key]
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
		m.data[key] = entry{Value: raw, StoredAt: time.Now()}
		return nil
	})
}

func (m *inProcessMap) DrainMatching(match func(key string, raw json.RawMessage) bool) ([]json.RawMessage, error) {
	var drained []json.RawMessage
	err := m.withLock(func() error {
		for k, e := range m.data {
			if match(k, e.Value) {
				drained = append(drained, e.Value)
				delete(m.data, k)
			}
		}
		return nil
	})
	return drained, err
}

func (m *inProcessMap) Close() error { return nil }
