package state

import (
	"context"
	"sync"
	"time"

	"github.com/chris-alexander-pop/eventcore/pkg/core"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// CacheConfig parameterizes CachingProvider.
type CacheConfig struct {
	MaxSize int           `env:"STATE_CACHE_MAX_SIZE" env-default:"10000"`
	MaxTTL  time.Duration `env:"STATE_CACHE_MAX_TTL" env-default:"0"`
}

// CachingProvider wraps a StateProvider with an LRU-by-key cache. Get
// returns a clone of the cached state so a caller mutating it cannot
// corrupt the cache; Set only writes back when it would not regress a
// higher sequence number already cached.
type CachingProvider struct {
	next core.StateProvider

	mu    sync.Mutex
	cache *lru.LRU[string, core.StateRef]

	// cbMu guards the eviction-callback state separately from the cache
	// lock: the LRU invokes onEvict synchronously from inside Add/Remove,
	// while mu is still held.
	cbMu          sync.Mutex
	suppressEvict map[string]bool
	evictedCbs    []func(key string, ref core.StateRef)
}

// NewCachingProvider builds a CachingProvider over next.
func NewCachingProvider(next core.StateProvider, cfg CacheConfig) *CachingProvider {
	p := &CachingProvider{
		next:          next,
		suppressEvict: make(map[string]bool),
	}
	p.cache = lru.NewLRU[string, core.StateRef](cfg.MaxSize, p.onEvict, cfg.MaxTTL)
	return p
}

func (p *CachingProvider) onEvict(key string, ref core.StateRef) {
	p.cbMu.Lock()
	suppressed := p.suppressEvict[key]
	cbs := append([]func(string, core.StateRef){}, p.evictedCbs...)
	p.cbMu.Unlock()

	if suppressed {
		return
	}
	for _, cb := range cbs {
		cb(key, ref)
	}
}

// Get returns a clone of the cached StateRef for key if it reflects atSn
// (or any seqNum when atSn is nil); otherwise it consults the underlying
// provider and refreshes the cache when doing so would not regress it.
func (p *CachingProvider) Get(ctx context.Context, key string, atSn *int64) (core.StateRef, error) {
	if cached, ok := p.cacheGet(key); ok {
		if atSn == nil || cached.SeqNum == *atSn {
			return cloneRef(cached), nil
		}
	}

	ref, err := p.next.Get(ctx, key, atSn)
	if err != nil {
		return core.StateRef{}, err
	}

	p.mu.Lock()
	existing, ok := p.cache.Get(key)
	if !ok || ref.SeqNum >= existing.SeqNum {
		p.cache.Add(key, ref)
	}
	p.mu.Unlock()

	return cloneRef(ref), nil
}

func (p *CachingProvider) cacheGet(key string) (core.StateRef, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.Get(key)
}

// Compute delegates to the underlying provider.
func (p *CachingProvider) Compute(ref core.StateRef, events []core.Message) (core.StateRef, error) {
	return p.next.Compute(ref, events)
}

// Set writes ref into the cache only if no cached entry for its key
// carries a higher seqNum.
func (p *CachingProvider) Set(ref core.StateRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	existing, ok := p.cache.Get(ref.Key)
	if ok && existing.SeqNum > ref.SeqNum {
		return nil
	}
	p.cache.Add(ref.Key, ref)
	return nil
}

// Invalidate removes keys from the cache without firing eviction
// callbacks for them.
func (p *CachingProvider) Invalidate(keys []string) {
	p.cbMu.Lock()
	for _, k := range keys {
		p.suppressEvict[k] = true
	}
	p.cbMu.Unlock()

	p.mu.Lock()
	for _, k := range keys {
		p.cache.Remove(k)
	}
	p.mu.Unlock()

	p.cbMu.Lock()
	for _, k := range keys {
		delete(p.suppressEvict, k)
	}
	p.cbMu.Unlock()
}

// OnEvicted registers a listener fired when the LRU organically evicts an
// entry (capacity or TTL), not when Invalidate removes it.
func (p *CachingProvider) OnEvicted(cb func(key string, ref core.StateRef)) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.evictedCbs = append(p.evictedCbs, cb)
}

func cloneRef(ref core.StateRef) core.StateRef {
	clone := ref
	if ref.State != nil {
		clone.State = ref.State.Snap()
	}
	return clone
}
