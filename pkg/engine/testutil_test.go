package engine

import (
	"context"
	"sync"

	"github.com/chris-alexander-pop/eventcore/pkg/core"
	"github.com/chris-alexander-pop/eventcore/pkg/dispatch"
)

// counterState is the toy aggregate used by every engine test: a single
// integer bumped by each Increment message.
type counterState struct {
	Value int
}

func (s counterState) Snap() core.State { return s }

type incrementPayload struct {
	Key string
	By  int
}

type incrementedEvent struct {
	Key   string
	By    int
	Value int
}

// counterHandler dispatches Increment messages by convention (OnIncrement),
// buffering a store+publish pair per message through the dispatch context.
type counterHandler struct{}

func (h *counterHandler) OnIncrement(p incrementPayload, ctx *dispatch.Context) (any, error) {
	ref, err := ctx.StateGet(context.Background(), p.Key, nil)
	if err != nil {
		return nil, err
	}
	cur, _ := ref.State.(counterState)
	next := cur.Value + p.By

	if _, err := ctx.Store("Incremented", ref, incrementedEvent{Key: p.Key, By: p.By}, nil); err != nil {
		return nil, err
	}
	if _, err := ctx.Publish("Incremented", incrementedEvent{Key: p.Key, By: p.By, Value: next}, nil); err != nil {
		return nil, err
	}
	return next, nil
}

// invalidHandler has no On<Type> method for anything, so every message
// dispatched to it is unhandled.
type invalidHandler struct{}

// counterProvider is a minimal core.CacheLifecycleProvider over counterState,
// used instead of the generic adapters/memory.StateProvider so tests can
// assert on the actual accumulated domain value, not just a bumped seqNum.
type counterProvider struct {
	mu      sync.Mutex
	entries map[string]core.StateRef
}

func newCounterProvider() *counterProvider {
	return &counterProvider{entries: make(map[string]core.StateRef)}
}

func (p *counterProvider) Get(ctx context.Context, key string, atSn *int64) (core.StateRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ref, ok := p.entries[key]; ok {
		return ref, nil
	}
	return core.StateRef{Key: key, State: counterState{}, SeqNum: 0}, nil
}

func (p *counterProvider) Compute(ref core.StateRef, events []core.Message) (core.StateRef, error) {
	cur, _ := ref.State.(counterState)
	for _, ev := range events {
		inc, _ := ev.Payload.(incrementedEvent)
		cur.Value += inc.By
	}
	return core.StateRef{Key: ref.Key, State: cur, SeqNum: ref.SeqNum + int64(len(events))}, nil
}

func (p *counterProvider) Set(ref core.StateRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[ref.Key] = ref
	return nil
}

func (p *counterProvider) Invalidate(keys []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range keys {
		delete(p.entries, k)
	}
}

func (p *counterProvider) OnEvicted(func(string, core.StateRef)) {}

func (p *counterProvider) get(key string) counterState {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref, ok := p.entries[key]
	if !ok {
		return counterState{}
	}
	c, _ := ref.State.(counterState)
	return c
}

// refSource replays a fixed, pre-built slice of MessageRefs, letting tests
// construct and evict references before the processor ever sees them.
type refSource struct {
	refs []*core.MessageRef
}

func (s *refSource) Start(ctx context.Context, sctx core.SourceContext) (<-chan *core.MessageRef, error) {
	out := make(chan *core.MessageRef)
	go func() {
		defer close(out)
		for _, r := range s.refs {
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *refSource) Stop(ctx context.Context) error { return nil }
