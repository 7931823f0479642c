package engine

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/chris-alexander-pop/eventcore/pkg/core"
	"github.com/chris-alexander-pop/eventcore/pkg/coremetrics"
	"github.com/chris-alexander-pop/eventcore/pkg/dispatch"
)

// runRPC implements the Rpc strategy: unbounded parallel dispatch, capped
// by MaxParallelRpcRequests, where each source reference is dispatched and
// released independently. Ordering is not preserved; sequence conflicts
// fail that single message (epoch invalidation already occurred inside
// the sink coordinator, so the next RPC request observes fresh state).
func (p *Processor) runRPC(ctx context.Context) error {
	maxParallel := p.Config.MaxParallelRpcRequests
	if maxParallel <= 0 {
		maxParallel = 64
	}
	sem := semaphore.NewWeighted(int64(maxParallel))

	sctx := &sourceContext{evict: func(ctx context.Context, predicate func(*core.MessageRef) bool) error {
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

	var g errgroup.Group
	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		case ref, ok := <-ch:
			if !ok {
				return g.Wait()
			}
			if ref.Evicted() {
				p.release(ctx, ref, nil, nil)
				continue
			}

			if err := sem.Acquire(ctx, 1); err != nil {
				ref.Release(nil, err)
				_ = g.Wait()
				return err
			}

			p.inFlight.Add(1)
			p.handlers.Add(1)
			g.Go(func() error {
				defer p.inFlight.Done()
				defer p.handlers.Add(-1)
				defer sem.Release(1)
				p.handleRPC(ctx, ref)
				return nil
			})
		}
	}
}

func (p *Processor) handleRPC(ctx context.Context, ref *core.MessageRef) {
	msg := ref.Message()

	dctx, inputValid := p.runDispatch(ctx, ref)
	if dctx == nil {
		p.release(ctx, ref, nil, nil)
		return
	}

	if !inputValid {
		p.emitProcessed(ctx, msg, coremetrics.ResultErrorInvalidMsg)
		p.release(ctx, ref, dctx.Result().Value, dctx.Result().Err)
		return
	}

	if err := dctx.Result().Err; err != nil {
		p.emitProcessed(ctx, msg, coremetrics.ResultErrorFailedMsgProcessing)
		p.release(ctx, ref, dctx.Result().Value, err)
		return
	}

	if err := p.validateOutputs(dctx); err != nil {
		p.emitProcessed(ctx, msg, coremetrics.ResultErrorInvalidMsg)
		dctx.Clear()
		p.release(ctx, ref, nil, err)
		return
	}

	result := p.runSink(ctx, []*dispatch.Context{dctx})
	if result.Err != nil {
		p.emitProcessed(ctx, msg, coremetrics.ResultFor(result.Err))
		p.release(ctx, ref, dctx.Result().Value, result.Err)
		return
	}

	p.writeBackState(ctx, dctx)
	dctx.Complete(ctx)
	p.emitProcessed(ctx, msg, coremetrics.ResultSuccess)
	p.release(ctx, ref, dctx.Result().Value, nil)
}
