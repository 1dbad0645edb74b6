package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State describes the lifecycle of a backend context entry.
type State int

const (
	// Active entries are eligible for reuse.
	Active State = iota
	// Expiring entries are past their TTL but still referenced by an
	// in-flight request; the next sweep after release removes them.
	Expiring
	// Expired entries were invalidated by the backend or by eviction.
	Expired
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Expiring:
		return "expiring"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Context is a live mapping from a conversation key to a backend context
// identifier. It is the only entity in the proxy with cross-request
// lifetime, and it is owned exclusively by the Registry.
type Context struct {
	ID         string
	Key        Key
	CreatedAt  time.Time
	LastUsedAt time.Time
	State      State
}

// Creator opens a backend context and returns its identifier. It is invoked
// at most once per key while that key has no valid context, regardless of
// how many requests race on it.
type Creator func(ctx context.Context) (string, error)

// Registry tracks conversation-key to backend-context mappings with
// idle-TTL eviction. Resolution is single-flight per key: the per-entry
// mutex serializes creation for one key without blocking other keys.
type Registry struct {
	mu      sync.Mutex
	entries map[Key]*entry
	byID    map[string]*entry

	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time

	// onEvict is called outside all locks with the evicted backend context
	// id, for best-effort backend teardown.
	onEvict func(contextID string)
}

type entry struct {
	createMu sync.Mutex
	key      Key
	ctx      *Context
	refs     int
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithEvictionHook registers a callback invoked with each evicted backend
// context id.
func WithEvictionHook(fn func(contextID string)) Option {
	return func(r *Registry) { r.onEvict = fn }
}

// New creates a registry with the given idle TTL.
func New(ttl time.Duration, logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[Key]*entry),
		byID:    make(map[string]*entry),
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the backend context bound to key, creating one through
// create if none is valid. The returned release func drops the in-flight
// reference that protects the entry from the sweeper; callers must invoke
// it exactly once when the request finishes.
func (r *Registry) Resolve(ctx context.Context, key Key, create Creator) (*Context, func(), error) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{key: key}
		r.entries[key] = e
	}
	e.refs++
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		e.refs--
		if e.refs == 0 && e.ctx == nil {
			// Creation failed and nobody else is waiting; drop the placeholder.
			if cur, ok := r.entries[e.key]; ok && cur == e {
				delete(r.entries, e.key)
			}
		}
		r.mu.Unlock()
	}

	// Scoped to the key: concurrent resolves for other keys proceed without
	// contention, concurrent resolves for this key wait for the winner.
	e.createMu.Lock()
	defer e.createMu.Unlock()

	r.mu.Lock()
	valid := e.ctx != nil && e.ctx.State == Active
	bctx := e.ctx
	r.mu.Unlock()

	if valid {
		return bctx, release, nil
	}

	contextID, err := create(ctx)
	if err != nil {
		release()
		return nil, func() {}, err
	}

	now := r.now()
	bctx = &Context{
		ID:         contextID,
		Key:        key,
		CreatedAt:  now,
		LastUsedAt: now,
		State:      Active,
	}

	r.mu.Lock()
	if cur, present := r.entries[e.key]; present && cur != e {
		// The key was invalidated and re-bound by another resolver while we
		// were creating. Tear down the context we just opened and join the
		// current entry instead.
		r.mu.Unlock()
		if r.onEvict != nil {
			r.onEvict(contextID)
		}
		release()
		return r.Resolve(ctx, key, create)
	}
	// Re-insert after a mid-create Invalidate so the sweeper still sees us.
	r.entries[e.key] = e
	e.ctx = bctx
	r.byID[contextID] = e
	size := len(r.entries)
	r.mu.Unlock()

	r.logger.Debug().
		Str("context_id", contextID).
		Str("key", string(key)).
		Int("entries", size).
		Msg("Bound new backend context")
	return bctx, release, nil
}

// Touch refreshes the idle timer of a context. The orchestrator calls it
// only after a successful turn, so failed requests do not keep a context
// alive.
func (r *Registry) Touch(contextID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byID[contextID]; ok && e.ctx != nil {
		e.ctx.LastUsedAt = r.now()
	}
}

// Invalidate evicts a context the backend has rejected as stale. The entry
// is removed immediately so the next Resolve on its key creates a fresh
// context.
func (r *Registry) Invalidate(contextID string) {
	r.mu.Lock()
	e, ok := r.byID[contextID]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.ctx.State = Expired
	delete(r.byID, contextID)
	if cur, ok := r.entries[e.key]; ok && cur == e {
		delete(r.entries, e.key)
	}
	r.mu.Unlock()

	r.logger.Info().Str("context_id", contextID).Msg("Invalidated backend context")
	if r.onEvict != nil {
		r.onEvict(contextID)
	}
}

// Sweep evicts entries idle past the TTL or already marked Expired. Entries
// bound to an in-flight request are never torn down mid-use; they are marked
// Expiring and collected by a later sweep. Returns the number of evictions.
func (r *Registry) Sweep(now time.Time) int {
	var evicted []string

	r.mu.Lock()
	for key, e := range r.entries {
		if e.ctx == nil {
			continue
		}
		stale := e.ctx.State == Expired || now.Sub(e.ctx.LastUsedAt) > r.ttl
		if !stale {
			continue
		}
		if e.refs > 0 {
			// An active reference wins over the sweeper.
			if e.ctx.State == Active {
				e.ctx.State = Expiring
			}
			continue
		}
		e.ctx.State = Expired
		delete(r.entries, key)
		delete(r.byID, e.ctx.ID)
		evicted = append(evicted, e.ctx.ID)
	}
	r.mu.Unlock()

	for _, id := range evicted {
		r.logger.Debug().Str("context_id", id).Msg("Swept idle backend context")
		if r.onEvict != nil {
			r.onEvict(id)
		}
	}
	return len(evicted)
}

// Len reports the number of tracked entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
