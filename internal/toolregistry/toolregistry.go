// Package toolregistry owns the router's base and dynamic tool sets,
// per SPEC_FULL §4.F: permanent base tools that can never be evicted, and a
// TTL- and FIFO-bounded set of dynamically synthesised ones, exposed through
// a snapshot cache that's invalidated on every write rather than rebuilt on
// every read.
package toolregistry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentic-warden/warden/internal/logging"
)

// Kind discriminates a ToolDescriptor's variant, per SPEC_FULL §3.
type Kind int

const (
	KindBase Kind = iota
	KindJsOrchestrated
	KindProxiedMcp
)

func (k Kind) String() string {
	switch k {
	case KindBase:
		return "base"
	case KindJsOrchestrated:
		return "js_orchestrated"
	case KindProxiedMcp:
		return "proxied_mcp"
	default:
		return "unknown"
	}
}

// Tool is one entry in the combined tool list.
type Tool struct {
	Name        string
	Kind        Kind
	Description string
	InputSchema map[string]any

	// JsOrchestrated fields.
	Body string

	// ProxiedMcp fields: the concrete (server, tool) pair this alias forwards to.
	ProxyServer string
	ProxyTool   string

	RegisteredAt time.Time
	TTL          time.Duration

	// executionCount is a pointer so that Tool remains an ordinary value
	// type: it is copied freely (map storage, ListTools/Get snapshots)
	// without ever copying a live atomic value.
	executionCount *atomic.Int64
}

// ExecutionCount returns the number of times this dynamic tool has been
// invoked since it was registered (reset to zero on eviction or re-registration).
func (t *Tool) ExecutionCount() int64 {
	if t.executionCount == nil {
		return 0
	}
	return t.executionCount.Load()
}

func (t *Tool) expired(now time.Time) bool {
	if t.TTL <= 0 {
		return false
	}
	return now.Sub(t.RegisteredAt) > t.TTL
}

// Config sizes the dynamic registry. SPEC_FULL §9 resolves the "1 day vs 2
// minutes" TTL ambiguity by exposing two named profiles rather than
// guessing: a router profile (production defaults) and a library-defaults
// profile (DefaultLibraryConfig, passed explicitly by callers that want it).
// New fills any zero field from the router profile.
type Config struct {
	MaxDynamicTools int
	DefaultTTL      time.Duration
}

// DefaultRouterProfileConfig is the production default: up to 5 dynamic
// tools, each living 24 hours unless re-registered sooner.
func DefaultRouterProfileConfig() Config {
	return Config{MaxDynamicTools: 5, DefaultTTL: 24 * time.Hour}
}

// DefaultLibraryConfig is the looser library default: up to 100 dynamic
// tools, each living 2 minutes.
func DefaultLibraryConfig() Config {
	return Config{MaxDynamicTools: 100, DefaultTTL: 2 * time.Minute}
}

var evictionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "warden_dynamic_tool_evictions_total",
		Help: "Count of dynamic tools evicted from the router's tool registry, by reason.",
	},
	[]string{"reason"},
)

func init() {
	prometheus.MustRegister(evictionsTotal)
}

// Registry holds the base and dynamic tool sets described in SPEC_FULL §4.F.
type Registry struct {
	cfg    Config
	logger logging.Logger

	mu      sync.Mutex
	base    map[string]*Tool
	dynamic map[string]*Tool

	cacheMu sync.RWMutex
	cache   []Tool
	dirty   bool
}

// New constructs a Registry per cfg.
func New(cfg Config) *Registry {
	if cfg.MaxDynamicTools <= 0 {
		cfg.MaxDynamicTools = DefaultRouterProfileConfig().MaxDynamicTools
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultRouterProfileConfig().DefaultTTL
	}
	return &Registry{
		cfg:     cfg,
		logger:  logging.Default().Component("toolregistry"),
		base:    make(map[string]*Tool),
		dynamic: make(map[string]*Tool),
		dirty:   true,
	}
}

// RegisterBase adds a permanent tool. Base tools are never evicted and are
// always present in ListTools().
func (r *Registry) RegisterBase(t Tool) {
	t.Kind = KindBase
	t.RegisteredAt = time.Now()
	t.executionCount = new(atomic.Int64)
	r.mu.Lock()
	r.base[t.Name] = &t
	r.invalidate()
	r.mu.Unlock()
}

// RegisterDynamic inserts or overwrites a dynamic tool. Re-registering an
// existing name overwrites it in place and resets its TTL clock without
// counting toward eviction; only exceeding MaxDynamicTools with a genuinely
// new name evicts the entry with the smallest RegisteredAt. Returns the name
// of any tool evicted to make room, or "" if none was.
func (r *Registry) RegisterDynamic(t Tool) (evicted string) {
	if t.TTL <= 0 {
		t.TTL = r.cfg.DefaultTTL
	}
	t.RegisteredAt = time.Now()
	t.executionCount = new(atomic.Int64)

	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.invalidate()

	r.expireLocked(time.Now())

	if _, exists := r.dynamic[t.Name]; !exists && len(r.dynamic) >= r.cfg.MaxDynamicTools {
		evicted = r.evictOldestLocked()
	}
	r.dynamic[t.Name] = &t
	return evicted
}

// evictOldestLocked removes the dynamic entry with the smallest
// RegisteredAt (FIFO) and returns its name. Callers hold r.mu.
func (r *Registry) evictOldestLocked() string {
	var oldestName string
	var oldestAt time.Time
	first := true
	for name, tool := range r.dynamic {
		if first || tool.RegisteredAt.Before(oldestAt) {
			oldestName = name
			oldestAt = tool.RegisteredAt
			first = false
		}
	}
	if oldestName == "" {
		return ""
	}
	delete(r.dynamic, oldestName)
	evictionsTotal.WithLabelValues("fifo_capacity").Inc()
	r.logger.Info("evicted dynamic tool %q to stay within capacity %d", oldestName, r.cfg.MaxDynamicTools)
	return oldestName
}

// expireLocked drops every TTL-expired dynamic entry. Callers hold r.mu.
func (r *Registry) expireLocked(now time.Time) {
	for name, tool := range r.dynamic {
		if tool.expired(now) {
			delete(r.dynamic, name)
			evictionsTotal.WithLabelValues("ttl_expired").Inc()
			r.invalidate()
		}
	}
}

// invalidate drops the combined-list snapshot cache. It takes only
// r.cacheMu, so callers may or may not hold r.mu.
func (r *Registry) invalidate() {
	r.cacheMu.Lock()
	r.dirty = true
	r.cacheMu.Unlock()
}

// ListTools returns base tools plus every unexpired dynamic tool. The
// combined list is memoised and only rebuilt after a write invalidates it
// or an opportunistic expiry sweep finds something to drop.
func (r *Registry) ListTools() []Tool {
	r.mu.Lock()
	r.expireLocked(time.Now())
	dirty := r.dirtyLocked()
	if !dirty {
		r.mu.Unlock()
		r.cacheMu.RLock()
		defer r.cacheMu.RUnlock()
		return append([]Tool(nil), r.cache...)
	}

	combined := make([]Tool, 0, len(r.base)+len(r.dynamic))
	for _, t := range r.base {
		combined = append(combined, *t)
	}
	for _, t := range r.dynamic {
		combined = append(combined, *t)
	}
	r.mu.Unlock()

	r.cacheMu.Lock()
	r.cache = combined
	r.dirty = false
	r.cacheMu.Unlock()

	return append([]Tool(nil), combined...)
}

func (r *Registry) dirtyLocked() bool {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return r.dirty
}

// Get returns the named tool (base or dynamic), if present and unexpired.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.base[name]; ok {
		return *t, true
	}
	if t, ok := r.dynamic[name]; ok {
		if t.expired(time.Now()) {
			return Tool{}, false
		}
		return *t, true
	}
	return Tool{}, false
}

// RecordExecution increments the named dynamic tool's execution counter and
// returns the new value. A request for an unknown or expired tool is a no-op
// returning 0.
func (r *Registry) RecordExecution(name string) int64 {
	r.mu.Lock()
	t, ok := r.dynamic[name]
	r.mu.Unlock()
	if !ok || t.executionCount == nil || t.expired(time.Now()) {
		return 0
	}
	return t.executionCount.Add(1)
}

// Sweep opportunistically expires TTL-bound dynamic entries; intended to be
// called by a background ticker at a configured cleanup interval.
func (r *Registry) Sweep() {
	r.mu.Lock()
	before := len(r.dynamic)
	r.expireLocked(time.Now())
	after := len(r.dynamic)
	r.mu.Unlock()
	if after != before {
		r.invalidate()
	}
}

// Size reports the current (base, dynamic) counts for observability.
func (r *Registry) Size() (base, dynamic int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.base), len(r.dynamic)
}
