// Package input implements the engine's composite input source: a
// round-robin merge of N underlying sources into a single stream, with
// sequence assignment, enrichment, deduplication, and pending-reference
// bookkeeping applied uniformly to every yielded reference.
package input

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/chris-alexander-pop/eventcore/pkg/core"
	"github.com/chris-alexander-pop/eventcore/pkg/corelog"
	"github.com/chris-alexander-pop/eventcore/pkg/coremetrics"
)

// Composite wraps N sources behind a single core.Source. When there is
// more than one source, a round-robin merger reads one reference at a
// time from each into a size-1 (unbuffered) output channel; an exhausted
// source drops out of rotation without closing the output, which closes
// only once every source has exhausted and every reference it yielded has
// been released.
type Composite struct {
	sources   []core.Source
	enrichers []core.Enricher
	deduper   core.Deduper
	counter   int64

	// Recorder, when set, counts core.input_dedupe_skipped per dropped
	// duplicate.
	Recorder coremetrics.Recorder
}

// New builds a Composite over sources, applying enrichers in order and
// consulting deduper (nil means no deduplication) for every reference.
func New(sources []core.Source, enrichers []core.Enricher, deduper core.Deduper) *Composite {
	return &Composite{sources: sources, enrichers: enrichers, deduper: deduper}
}

// Start launches every underlying source and begins the round-robin merge.
func (c *Composite) Start(ctx context.Context, sctx core.SourceContext) (<-chan *core.MessageRef, error) {
	chans := make([]<-chan *core.MessageRef, len(c.sources))
	for i, s := range c.sources {
		ch, err := s.Start(ctx, sctx)
		if err != nil {
			return nil, err
		}
		chans[i] = ch
	}

	out := make(chan *core.MessageRef)
	go c.run(ctx, chans, out)
	return out, nil
}

// Stop stops every underlying source, returning the first error.
func (c *Composite) Stop(ctx context.Context) error {
	var firstErr error
	for _, s := range c.sources {
		if err := s.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Composite) run(ctx context.Context, chans []<-chan *core.MessageRef, out chan *core.MessageRef) {
	defer close(out)

	var pending sync.WaitGroup

	active := make([]bool, len(chans))
	remaining := len(chans)
	for i := range active {
		active[i] = true
	}

	idx := 0
	for remaining > 0 {
		if !active[idx] {
			idx = (idx + 1) % len(chans)
			continue
		}

		select {
		case <-ctx.Done():
			pending.Wait()
			return
		case ref, ok := <-chans[idx]:
			if !ok {
				active[idx] = false
				remaining--
				idx = (idx + 1) % len(chans)
				continue
			}
			c.process(ctx, ref, &pending, out)
			idx = (idx + 1) % len(chans)
		}
	}

	pending.Wait()
}

// process runs the per-reference pipeline: sequence assignment,
// enrichment, dedupe, pending tracking, yield.
func (c *Composite) process(ctx context.Context, ref *core.MessageRef, pending *sync.WaitGroup, out chan<- *core.MessageRef) {
	seq := atomic.AddInt64(&c.counter, 1)
	ref.Set(core.MetaSequence, seq)

	for _, e := range c.enrichers {
		msg := ref.Message()
		e.Enrich(&msg, nil)
		ref.SetMessage(msg)
	}

	if c.deduper != nil {
		if res := c.deduper.IsDupe(ref); res.Dupe {
			corelog.L().DebugContext(ctx, "duplicate message skipped", "reason", res.Message, "sequence", seq)
			if c.Recorder != nil {
				c.Recorder.Count(ctx, coremetrics.InputDedupeSkipped, 1, nil)
			}
			ref.Release(nil, nil)
			return
		}
	}

	pending.Add(1)
	ref.OnRelease(func() { pending.Done() })

	select {
	case out <- ref:
	case <-ctx.Done():
		ref.Release(nil, ctx.Err())
	}
}
