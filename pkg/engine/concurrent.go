package engine

import (
	"context"
	"time"

	"github.com/chris-alexander-pop/eventcore/pkg/core"
	"github.com/chris-alexander-pop/eventcore/pkg/coreerr"
	"github.com/chris-alexander-pop/eventcore/pkg/coremetrics"
	"github.com/chris-alexander-pop/eventcore/pkg/dispatch"
	"github.com/chris-alexander-pop/eventcore/pkg/queue"
)

const (
	priorityNormal = 0
	priorityHigh   = 1
)

// reprocessingContext tracks a sequence conflict's reprocessing pass: the
// offending message's sequence number and every state key that must be
// invalidated before the wrapped messages are re-dispatched.
type reprocessingContext struct {
	atSn int64
	keys map[string]bool
}

type inputItem struct {
	ref    *core.MessageRef
	reproc *reprocessingContext
}

type batchItem struct {
	ref     *core.MessageRef
	dctx    *dispatch.Context
	reproc  *reprocessingContext
	invalid bool // input validation failed; release without sinking
}

// runConcurrent implements the Concurrent strategy: three cooperating
// stages (input loop, processing loop, output loop) connected by bounded
// queues, with sequence-conflict reprocessing and eviction.
func (p *Processor) runConcurrent(ctx context.Context) error {
	inputQ := queue.New[inputItem](p.Config.InputQueueCapacity)
	outputQ := queue.New[batchItem](p.Config.OutputQueueCapacity)

	sctx := &sourceContext{evict: func(ctx context.Context, predicate func(*core.MessageRef) bool) error {
		inputQ.Update(
			func(it inputItem) bool { return predicate(it.ref) },
			func(it inputItem) inputItem { it.ref.Evict(); return it },
		)
		outputQ.Update(
			func(it batchItem) bool { return predicate(it.ref) },
			func(it batchItem) batchItem { it.ref.Evict(); return it },
		)
		p.inFlight.Wait()
		return nil
	}}

	ch, err := p.Source.Start(ctx, sctx)
	if err != nil {
		return err
	}
	defer func() {
		if serr := p.Source.Stop(context.Background()); serr != nil {
			logErr(ctx, "source stop failed", serr)
		}
	}()

	go p.emitQueueMetrics(ctx, func() (int, int) { return inputQ.Len(), outputQ.Len() })
	go p.inputLoop(ctx, ch, inputQ)
	go p.processingLoop(ctx, inputQ, outputQ)

	p.outputLoop(ctx, inputQ, outputQ)
	return nil
}

func (p *Processor) inputLoop(ctx context.Context, ch <-chan *core.MessageRef, inputQ *queue.Queue[inputItem]) {
	for {
		select {
		case <-ctx.Done():
			inputQ.Close()
			return
		case ref, ok := <-ch:
			if !ok {
				inputQ.Close()
				return
			}
			ok2, err := inputQ.Enqueue(ctx, nil, inputItem{ref: ref}, priorityNormal)
			if err != nil || !ok2 {
				ref.Release(nil, coreerr.New(coreerr.CodeUnavailable, "input queue closed", err))
			}
		}
	}
}

func (p *Processor) processingLoop(ctx context.Context, inputQ *queue.Queue[inputItem], outputQ *queue.Queue[batchItem]) {
	defer outputQ.Close()

	for {
		item, err := inputQ.Dequeue(ctx)
		if err != nil {
			return
		}

		if item.ref.Evicted() {
			p.release(ctx, item.ref, nil, nil)
			continue
		}

		p.inFlight.Add(1)
		p.handlers.Add(1)
		func() {
			defer p.inFlight.Done()
			defer p.handlers.Add(-1)

			if item.reproc != nil {
				p.invalidateKeys(item.reproc.keys)
			}

			dctx, inputValid := p.runDispatch(ctx, item.ref)
			if dctx == nil {
				p.release(ctx, item.ref, nil, nil)
				return
			}

			priority := priorityNormal
			if item.reproc != nil {
				priority = priorityHigh
			}
			out := batchItem{ref: item.ref, dctx: dctx, reproc: item.reproc, invalid: !inputValid}
			if ok, err := outputQ.Enqueue(ctx, nil, out, priority); err != nil || !ok {
				p.release(ctx, item.ref, nil, coreerr.New(coreerr.CodeUnavailable, "output queue closed", err))
			}
		}()
	}
}

func (p *Processor) outputLoop(ctx context.Context, inputQ *queue.Queue[inputItem], outputQ *queue.Queue[batchItem]) {
	linger := p.Config.BatchLingerInterval
	if linger <= 0 {
		linger = 50 * time.Millisecond
	}
	maxBatch := p.Config.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = 100
	}
	minBatch := p.Config.MinBatchSize
	if minBatch <= 0 {
		minBatch = 1
	}

	ch := outputQ.Iterate(ctx)
	timer := time.NewTimer(linger)
	defer timer.Stop()

	var batch []batchItem
	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.flushBatch(ctx, batch, inputQ)
		batch = nil
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case item, ok := <-ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, item)
			if len(batch) >= maxBatch {
				flush()
				timer.Reset(linger)
				continue
			}
			if outputQ.Len() == 0 && len(batch) >= minBatch {
				flush()
				timer.Reset(linger)
			}
		case <-timer.C:
			flush()
			timer.Reset(linger)
		}
	}
}

func (p *Processor) flushBatch(ctx context.Context, batch []batchItem, inputQ *queue.Queue[inputItem]) {
	var toSink []*dispatch.Context
	byCtx := make(map[*dispatch.Context]batchItem, len(batch))

	for _, it := range batch {
		msg := it.ref.Message()
		if it.invalid {
			p.emitProcessed(ctx, msg, coremetrics.ResultErrorInvalidMsg)
			p.release(ctx, it.ref, it.dctx.Result().Value, it.dctx.Result().Err)
			continue
		}
		if err := it.dctx.Result().Err; err != nil {
			p.emitProcessed(ctx, msg, coremetrics.ResultErrorFailedMsgProcessing)
			p.release(ctx, it.ref, it.dctx.Result().Value, err)
			continue
		}
		if err := p.validateOutputs(it.dctx); err != nil {
			p.emitProcessed(ctx, msg, coremetrics.ResultErrorInvalidMsg)
			it.dctx.Clear()
			p.release(ctx, it.ref, nil, err)
			continue
		}
		toSink = append(toSink, it.dctx)
		byCtx[it.dctx] = it
	}
	if len(toSink) == 0 {
		return
	}

	result := p.runSink(ctx, toSink)

	// Release the successful prefix before re-enqueuing the failed suffix:
	// a reprocessed message must observe its predecessors' write-backs.
	for _, dctx := range result.Successful {
		it := byCtx[dctx]
		p.writeBackState(ctx, it.dctx)
		it.dctx.Complete(ctx)
		p.emitProcessed(ctx, it.ref.Message(), coremetrics.ResultSuccess)
		p.release(ctx, it.ref, dctx.Result().Value, nil)
	}

	if result.Err != nil && coreerr.IsSequenceConflict(result.Err) && len(result.Failed) > 0 {
		p.reprocess(ctx, result.Failed, byCtx, inputQ)
		return
	}

	for _, dctx := range result.Failed {
		it := byCtx[dctx]
		p.emitProcessed(ctx, it.ref.Message(), coremetrics.ResultFor(result.Err))
		p.release(ctx, it.ref, dctx.Result().Value, result.Err)
	}
}

// reprocess re-enqueues the failed suffix of a batch back to the input
// queue at high priority, wrapped with a reprocessing context that records
// every key the offending attempts loaded. If the input queue has already
// closed (source exhausted during shutdown), the reference is released
// with the conflict error instead of being silently dropped.
func (p *Processor) reprocess(ctx context.Context, failed []*dispatch.Context, byCtx map[*dispatch.Context]batchItem, inputQ *queue.Queue[inputItem]) {
	if len(failed) == 0 {
		return
	}
	first := byCtx[failed[0]]
	reproc := &reprocessingContext{atSn: sequenceOf(first.ref), keys: make(map[string]bool)}
	for _, dctx := range failed {
		for _, k := range dctx.LoadedKeys() {
			reproc.keys[k] = true
		}
	}

	// The recorded keys are invalidated by the processing loop just before
	// each wrapped message re-dispatches, not here: an eager invalidation
	// would wipe the write-backs of the predecessors released above.
	for _, dctx := range failed {
		it := byCtx[dctx]
		p.emitProcessed(ctx, it.ref.Message(), coremetrics.ResultErrorReprocessing)
		ok, err := inputQ.Enqueue(ctx, nil, inputItem{ref: it.ref, reproc: reproc}, priorityHigh)
		if err != nil || !ok {
			p.release(ctx, it.ref, nil, coreerr.NewSequenceConflictError("", "reprocessing unavailable, input queue closed"))
		}
	}
}

func (p *Processor) invalidateKeys(keys map[string]bool) {
	cp, ok := p.StateProvider.(core.CacheLifecycleProvider)
	if !ok || len(keys) == 0 {
		return
	}
	list := make([]string, 0, len(keys))
	for k := range keys {
		list = append(list, k)
	}
	cp.Invalidate(list)
}

func sequenceOf(ref *core.MessageRef) int64 {
	if v, ok := ref.Get(core.MetaSequence); ok {
		if sn, ok := v.(int64); ok {
			return sn
		}
	}
	return 0
}
