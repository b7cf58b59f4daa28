package memo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sugawarayuuta/sonnet"
	"golang.org/x/sync/singleflight"

	"github.com/rewired-gh/govpower/internal/logger"
)

// Observer receives cache hit/miss notifications, labelled by scope kind.
type Observer interface {
	CacheHit(kind string)
	CacheMiss(kind string)
}

// PrefixDeleter is implemented by caches that can drop every key sharing a
// prefix, including keys written by an earlier process.
type PrefixDeleter interface {
	DeletePrefix(prefix string) int
}

const (
	// DefaultComputeTimeout bounds a shared computation once it no longer
	// follows the context of the caller that started it.
	DefaultComputeTimeout = 30 * time.Second

	// maxInvalidations caps the per-scope invalidation table; on overflow it
	// is cleared and older epochs stop being accepted.
	maxInvalidations = 4096

	scopeSep = "|"
)

// Group wraps a Cache with scoped keys, invalidation epochs and
// single-flight coalescing.
type Group struct {
	cache          Cache
	flight         singleflight.Group
	observer       Observer
	computeTimeout time.Duration

	mu sync.Mutex
	// scopes indexes stored keys for caches without prefix deletion.
	scopes map[string]map[string]struct{}
	// inflight indexes keys with a running shared computation.
	inflight map[string]map[string]struct{}
	// gen advances on every invalidation; invalidated holds the gen at which
	// each scope was last invalidated. Writes carrying an epoch older than
	// that, or older than floor, are dropped.
	gen         uint64
	invalidated map[string]uint64
	floor       uint64
}

// NewGroup creates a Group over cache. observer may be nil.
func NewGroup(cache Cache, observer Observer) *Group {
	return &Group{
		cache:          cache,
		observer:       observer,
		computeTimeout: DefaultComputeTimeout,
		scopes:         make(map[string]map[string]struct{}),
		inflight:       make(map[string]map[string]struct{}),
		invalidated:    make(map[string]uint64),
	}
}

// SetComputeTimeout changes the bound applied to shared computations.
func (g *Group) SetComputeTimeout(d time.Duration) {
	if d > 0 {
		g.computeTimeout = d
	}
}

func fullKey(scope, key string) string {
	return scope + scopeSep + key
}

// Do returns the cached value for key, or computes it with fn. Concurrent
// callers for the same key share one computation, which runs detached from
// any single caller's cancellation. A caller whose ctx ends stops waiting
// with ctx.Err(). The result is stored with ttl under scope.
func Do[T any](ctx context.Context, g *Group, scope, key string, ttl time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	if g.Lookup(scope, key, &out) {
		return out, nil
	}

	fk := fullKey(scope, key)
	ch := g.flight.DoChan(fk, func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.computeTimeout)
		defer cancel()
		g.track(scope, fk)
		defer g.untrack(scope, fk)

		epoch := g.Epoch()
		res, err := fn(cctx)
		if err != nil {
			return nil, err
		}
		g.StoreIfCurrent(scope, key, res, ttl, epoch)
		return res, nil
	})

	select {
	case <-ctx.Done():
		return out, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return out, r.Err
		}
		if r.Shared {
			logger.Debug("Coalesced computation for %s", fk)
		}
		return r.Val.(T), nil
	}
}

// Lookup decodes a cached value into dst. It reports false on miss or decode failure.
func (g *Group) Lookup(scope, key string, dst any) bool {
	fk := fullKey(scope, key)
	raw, ok := g.cache.Get(fk)
	if !ok {
		g.miss(scope)
		return false
	}
	if err := sonnet.Unmarshal(raw, dst); err != nil {
		logger.Warn("Dropping undecodable cache entry %s: %v", fk, err)
		g.cache.Delete(fk)
		g.miss(scope)
		return false
	}
	g.hit(scope)
	return true
}

// Epoch returns a token to take before computing a value that StoreIfCurrent
// will write later.
func (g *Group) Epoch() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gen
}

// Store encodes v and writes it under key in scope.
func (g *Group) Store(scope, key string, v any, ttl time.Duration) {
	g.StoreIfCurrent(scope, key, v, ttl, g.Epoch())
}

// StoreIfCurrent writes v unless scope was invalidated after epoch was taken.
// It reports whether the value was stored.
func (g *Group) StoreIfCurrent(scope, key string, v any, ttl time.Duration, epoch uint64) bool {
	fk := fullKey(scope, key)
	raw, err := sonnet.Marshal(v)
	if err != nil {
		logger.Warn("Failed to encode cache entry %s: %v", fk, err)
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if epoch < g.floor || g.invalidated[scope] > epoch {
		return false
	}
	if _, ok := g.cache.(PrefixDeleter); !ok {
		keys, ok := g.scopes[scope]
		if !ok {
			keys = make(map[string]struct{})
			g.scopes[scope] = keys
		}
		keys[fk] = struct{}{}
	}
	g.cache.Set(fk, raw, ttl)
	return true
}

// Invalidate removes a single key.
func (g *Group) Invalidate(scope, key string) {
	g.cache.Delete(fullKey(scope, key))
}

// InvalidateScope removes every key stored under scope and returns the count.
// Values computed from an epoch taken before this call are no longer stored.
func (g *Group) InvalidateScope(scope string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.gen++
	if len(g.invalidated) >= maxInvalidations {
		clear(g.invalidated)
		g.floor = g.gen
	}
	g.invalidated[scope] = g.gen

	// later callers must not join a computation that predates this call
	for k := range g.inflight[scope] {
		g.flight.Forget(k)
	}

	if pd, ok := g.cache.(PrefixDeleter); ok {
		return pd.DeletePrefix(fullKey(scope, ""))
	}
	keys := g.scopes[scope]
	for k := range keys {
		g.cache.Delete(k)
	}
	delete(g.scopes, scope)
	return len(keys)
}

func (g *Group) track(scope, fk string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys, ok := g.inflight[scope]
	if !ok {
		keys = make(map[string]struct{})
		g.inflight[scope] = keys
	}
	keys[fk] = struct{}{}
}

func (g *Group) untrack(scope, fk string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inflight[scope], fk)
	if len(g.inflight[scope]) == 0 {
		delete(g.inflight, scope)
	}
}

func (g *Group) hit(scope string) {
	if g.observer != nil {
		g.observer.CacheHit(kindOf(scope))
	}
}

func (g *Group) miss(scope string) {
	if g.observer != nil {
		g.observer.CacheMiss(kindOf(scope))
	}
}

// AddressScope is the invalidation scope for everything derived from one address.
func AddressScope(addr fmt.Stringer) string {
	return "addr:" + addr.String()
}

// SnapshotScope holds every snapshot-derived report.
const SnapshotScope = "snapshot"

func kindOf(scope string) string {
	for i := 0; i < len(scope); i++ {
		if scope[i] == ':' {
			return scope[:i]
		}
	}
	return scope
}
