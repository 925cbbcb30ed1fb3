// package registry maps routing keys onto live tunnel sessions.
//
// The registry sits on every public request's critical path, so lookup
// is a single O(1) cache access and never touches the network. Size is
// bounded: inserting past capacity evicts the least-recently-used
// entry. Recency is refreshed by lookups and registrations only —
// health-check traffic deliberately never touches the registry, so an
// idle-but-healthy tunnel is not kept warm by its own probes.
package registry

import (
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"go.tunl.dev/tunl/pkg/tunnel"
)

// DefaultCapacity bounds the registry when no capacity is configured.
const DefaultCapacity = 1024

// Option configures a Registry.
type Option func(*Registry)

// WithOnEvict registers a hook invoked after a session leaves the
// registry for any reason. Used for metrics.
func WithOnEvict(fn func(key string)) Option {
	return func(r *Registry) {
		r.onEvict = fn
	}
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// Registry is the server-side routing table from key to session. It
// holds non-owning references: session lifecycle belongs to the
// connection acceptor, and the registry closes a session only when
// evicting it.
type Registry struct {
	logger  *slog.Logger
	onEvict func(key string)

	// mu serializes register/evict sequences; the cache itself is safe
	// for concurrent lookups.
	mu    sync.Mutex
	cache *lru.Cache[string, *tunnel.Session]
}

// New constructs a Registry bounded to capacity entries.
func New(capacity int, opts ...Option) (*Registry, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	r := &Registry{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}

	cache, err := lru.NewWithEvict[string, *tunnel.Session](capacity, r.evicted)
	if err != nil {
		return nil, err
	}

	r.cache = cache

	return r, nil
}

// evicted closes sessions leaving the registry, failing their in-flight
// exchanges with a distinct reason rather than dropping them silently.
func (r *Registry) evicted(key string, session *tunnel.Session) {
	r.logger.Debug("Evicting session", "key", key)

	session.CloseWithError(tunnel.ErrSessionEvicted)

	if r.onEvict != nil {
		r.onEvict(key)
	}
}

// Register installs session under key. An existing live holder is
// atomically superseded (closed with the eviction reason) unless
// exclusive is set, in which case registration fails with
// tunnel.ErrKeyTaken. A dead holder is always superseded.
func (r *Registry) Register(key string, session *tunnel.Session, exclusive bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.cache.Peek(key); ok {
		if exclusive && old.State() != tunnel.StateClosed {
			return tunnel.ErrKeyTaken
		}

		r.cache.Remove(key)
	}

	r.cache.Add(key, session)

	r.logger.Debug("Registered session", "key", key)

	return nil
}

// Lookup resolves key to its live session, refreshing the entry's
// recency. Entries whose session has already closed are dropped lazily
// and reported as misses.
func (r *Registry) Lookup(key string) (*tunnel.Session, error) {
	session, ok := r.cache.Get(key)
	if !ok {
		return nil, tunnel.ErrNotFound
	}

	if session.State() == tunnel.StateClosed {
		r.Release(key, session)
		return nil, tunnel.ErrNotFound
	}

	return session, nil
}

// Evict removes key from the registry, closing its session.
func (r *Registry) Evict(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cache.Remove(key)
}

// Release removes key only while it still maps to session. The
// connection acceptor uses it when a session dies on its own, so a
// newer holder of the same key is never disturbed.
func (r *Registry) Release(key string, session *tunnel.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.cache.Peek(key); ok && current == session {
		r.cache.Remove(key)
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	return r.cache.Len()
}
