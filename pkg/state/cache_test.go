package state

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chris-alexander-pop/eventcore/pkg/core"
)

// countingProvider serves tallyState refs and counts how often the
// underlying load actually runs, so cache hits are observable.
type countingProvider struct {
	mu   sync.Mutex
	refs map[string]core.StateRef
	gets int
}

func newCountingProvider() *countingProvider {
	return &countingProvider{refs: make(map[string]core.StateRef)}
}

func (p *countingProvider) Get(ctx context.Context, key string, atSn *int64) (core.StateRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gets++
	if ref, ok := p.refs[key]; ok {
		return ref, nil
	}
	return core.StateRef{State: &tallyState{}, Key: key}, nil
}

func (p *countingProvider) Compute(ref core.StateRef, events []core.Message) (core.StateRef, error) {
	next := ref
	next.SeqNum += int64(len(events))
	return next, nil
}

func (p *countingProvider) getCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gets
}

func TestCaching_SecondGetServedFromCache(t *testing.T) {
	under := newCountingProvider()
	under.refs["a"] = core.StateRef{State: &tallyState{Total: 3}, Key: "a", SeqNum: 2}
	p := NewCachingProvider(under, CacheConfig{MaxSize: 8})

	_, err := p.Get(context.Background(), "a", nil)
	require.NoError(t, err)
	ref, err := p.Get(context.Background(), "a", nil)
	require.NoError(t, err)

	assert.Equal(t, 3, ref.State.(*tallyState).Total)
	assert.Equal(t, 1, under.getCount())
}

func TestCaching_GetReturnsCloneIsolatedFromCache(t *testing.T) {
	under := newCountingProvider()
	under.refs["a"] = core.StateRef{State: &tallyState{Total: 3}, Key: "a", SeqNum: 2}
	p := NewCachingProvider(under, CacheConfig{MaxSize: 8})

	first, err := p.Get(context.Background(), "a", nil)
	require.NoError(t, err)
	first.State.(*tallyState).Total = 999

	second, err := p.Get(context.Background(), "a", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, second.State.(*tallyState).Total, "caller mutations must not corrupt the cache")
}

func TestCaching_AtSnMismatchConsultsUnderlyingProvider(t *testing.T) {
	under := newCountingProvider()
	under.refs["a"] = core.StateRef{State: &tallyState{Total: 5}, Key: "a", SeqNum: 5}
	p := NewCachingProvider(under, CacheConfig{MaxSize: 8})

	_, err := p.Get(context.Background(), "a", nil)
	require.NoError(t, err)
	require.Equal(t, 1, under.getCount())

	want := int64(9)
	under.refs["a"] = core.StateRef{State: &tallyState{Total: 9}, Key: "a", SeqNum: 9}
	ref, err := p.Get(context.Background(), "a", &want)
	require.NoError(t, err)
	assert.Equal(t, int64(9), ref.SeqNum)
	assert.Equal(t, 2, under.getCount())
}

func TestCaching_SetRefusesToRegressHigherSeqNum(t *testing.T) {
	p := NewCachingProvider(newCountingProvider(), CacheConfig{MaxSize: 8})

	require.NoError(t, p.Set(core.StateRef{State: &tallyState{Total: 7}, Key: "a", SeqNum: 7}))
	require.NoError(t, p.Set(core.StateRef{State: &tallyState{Total: 3}, Key: "a", SeqNum: 3}))

	ref, err := p.Get(context.Background(), "a", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), ref.SeqNum)
	assert.Equal(t, 7, ref.State.(*tallyState).Total)
}

func TestCaching_InvalidateRemovesWithoutFiringEvictionCallback(t *testing.T) {
	under := newCountingProvider()
	p := NewCachingProvider(under, CacheConfig{MaxSize: 8})

	var evicted []string
	p.OnEvicted(func(key string, ref core.StateRef) { evicted = append(evicted, key) })

	require.NoError(t, p.Set(core.StateRef{State: &tallyState{}, Key: "a", SeqNum: 1}))
	p.Invalidate([]string{"a"})

	assert.Empty(t, evicted, "explicit invalidation is not an organic eviction")

	_, err := p.Get(context.Background(), "a", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, under.getCount(), "invalidated entry must be reloaded")
}

func TestCaching_CapacityEvictionFiresCallback(t *testing.T) {
	p := NewCachingProvider(newCountingProvider(), CacheConfig{MaxSize: 1})

	var evicted []string
	p.OnEvicted(func(key string, ref core.StateRef) { evicted = append(evicted, key) })

	require.NoError(t, p.Set(core.StateRef{State: &tallyState{}, Key: "a", SeqNum: 1}))
	require.NoError(t, p.Set(core.StateRef{State: &tallyState{}, Key: "b", SeqNum: 1}))

	assert.Equal(t, []string{"a"}, evicted)
}

func TestCaching_ComputeDelegates(t *testing.T) {
	p := NewCachingProvider(newCountingProvider(), CacheConfig{MaxSize: 8})
	next, err := p.Compute(core.StateRef{Key: "a", SeqNum: 1}, []core.Message{{Type: "X"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.SeqNum)
}
