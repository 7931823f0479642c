package memory

import (
	"context"
	"sync"

	"github.com/chris-alexander-pop/eventcore/pkg/core"
)

// StateProvider is a minimal in-memory core.CacheLifecycleProvider backed
// by a map, for tests that don't need event-sourced or materialized
// replay semantics.
type StateProvider struct {
	mu       sync.Mutex
	entries  map[string]core.StateRef
	evictCbs []func(key string, ref core.StateRef)
}

// NewStateProvider builds an empty StateProvider.
func NewStateProvider() *StateProvider {
	return &StateProvider{entries: make(map[string]core.StateRef)}
}

func (p *StateProvider) Get(ctx context.Context, key string, atSn *int64) (core.StateRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ref, ok := p.entries[key]; ok {
		return ref, nil
	}
	return core.StateRef{Key: key, SeqNum: 0}, nil
}

func (p *StateProvider) Compute(ref core.StateRef, events []core.Message) (core.StateRef, error) {
	next := ref
	next.SeqNum = ref.SeqNum + int64(len(events))
	return next, nil
}

func (p *StateProvider) Set(ref core.StateRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[ref.Key] = ref
	return nil
}

func (p *StateProvider) Invalidate(keys []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range keys {
		delete(p.entries, k)
	}
}

func (p *StateProvider) OnEvicted(cb func(key string, ref core.StateRef)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evictCbs = append(p.evictCbs, cb)
}
