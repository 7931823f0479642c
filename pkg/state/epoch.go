package state

import (
	"context"

	"github.com/chris-alexander-pop/eventcore/pkg/core"
)

// EpochAwareProvider wraps a CachingProvider with an EpochManager, used
// only when both a store sink is present and the engine's parallelism
// mode is Rpc. It bridges the two lifecycles: cache eviction
// evicts the epoch, and epoch invalidation invalidates the cache.
type EpochAwareProvider struct {
	cache  *CachingProvider
	epochs *core.EpochManager
}

// NewEpochAwareProvider builds an EpochAwareProvider, wiring the two
// one-way lifecycle hooks between the cache and the epoch manager.
func NewEpochAwareProvider(cache *CachingProvider, epochs *core.EpochManager) *EpochAwareProvider {
	p := &EpochAwareProvider{cache: cache, epochs: epochs}
	cache.OnEvicted(func(key string, _ core.StateRef) {
		epochs.Evict(key)
	})
	epochs.OnInvalidate(func(key string, _ int) {
		cache.Invalidate([]string{key})
	})
	return p
}

// Get attaches the current epoch of key to the returned StateRef.
func (p *EpochAwareProvider) Get(ctx context.Context, key string, atSn *int64) (core.StateRef, error) {
	ref, err := p.cache.Get(ctx, key, atSn)
	if err != nil {
		return core.StateRef{}, err
	}
	return ref.WithEpoch(p.epochs.Get(key)), nil
}

// Compute delegates to the underlying caching provider.
func (p *EpochAwareProvider) Compute(ref core.StateRef, events []core.Message) (core.StateRef, error) {
	return p.cache.Compute(ref, events)
}

// Set writes ref back only if the epoch manager still agrees with the
// epoch it was read under; stale writes from superseded reads are dropped.
func (p *EpochAwareProvider) Set(ref core.StateRef) error {
	if ref.Epoch == nil || p.epochs.Get(ref.Key) != *ref.Epoch {
		return nil
	}
	return p.cache.Set(ref)
}

// Invalidate removes keys from the underlying cache.
func (p *EpochAwareProvider) Invalidate(keys []string) {
	p.cache.Invalidate(keys)
}

// OnEvicted registers a listener on the underlying cache's organic
// eviction.
func (p *EpochAwareProvider) OnEvicted(cb func(key string, ref core.StateRef)) {
	p.cache.OnEvicted(cb)
}

// Epochs exposes the underlying EpochManager, used by the sink coordinator
// to invalidate epochs on sequence conflicts.
func (p *EpochAwareProvider) Epochs() *core.EpochManager {
	return p.epochs
}
