package engine

import (
	"context"

	"github.com/chris-alexander-pop/eventcore/pkg/core"
	"github.com/chris-alexander-pop/eventcore/pkg/coreerr"
	"github.com/chris-alexander-pop/eventcore/pkg/coremetrics"
	"github.com/chris-alexander-pop/eventcore/pkg/dispatch"
)

// runSerial implements the Serial strategy: strict FIFO, one message fully
// resolved (dispatched and sunk) before the next begins.
func (p *Processor) runSerial(ctx context.Context) error {
	ch, err := p.Source.Start(ctx, &sourceContext{})
	if err != nil {
		return err
	}
	defer func() {
		if serr := p.Source.Stop(context.Background()); serr != nil {
			logErr(ctx, "source stop failed", serr)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ref, ok := <-ch:
			if !ok {
				return nil
			}
			if ref.Evicted() {
				p.release(ctx, ref, nil, nil)
				continue
			}
			p.handleSerial(ctx, ref)
		}
	}
}

func (p *Processor) handleSerial(ctx context.Context, ref *core.MessageRef) {
	msg := ref.Message()
	for {
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
		if result.Err == nil {
			p.writeBackState(ctx, dctx)
			dctx.Complete(ctx)
			p.emitProcessed(ctx, msg, coremetrics.ResultSuccess)
			p.release(ctx, ref, dctx.Result().Value, nil)
			return
		}

		if coreerr.IsSequenceConflict(result.Err) {
			p.invalidateLoaded(dctx)
			continue
		}

		p.emitProcessed(ctx, msg, coremetrics.ResultFor(result.Err))
		p.release(ctx, ref, dctx.Result().Value, result.Err)
		return
	}
}

// validateOutputs checks every buffered output against the output
// validator, failing with CodeInvalidMessage on the first rejection.
func (p *Processor) validateOutputs(dctx *dispatch.Context) error {
	if p.Validator == nil {
		return nil
	}
	for _, pm := range dctx.Published() {
		if r := p.Validator.Validate(pm.Message); !r.Success {
			return coreerr.New(coreerr.CodeInvalidMessage, r.Message, nil)
		}
	}
	for _, sm := range dctx.Stored() {
		if r := p.Validator.Validate(sm.Message); !r.Success {
			return coreerr.New(coreerr.CodeInvalidMessage, r.Message, nil)
		}
	}
	return nil
}

// invalidateLoaded drops the provider's cached entries for every key this
// attempt loaded, so the retried attempt observes fresh state.
func (p *Processor) invalidateLoaded(dctx *dispatch.Context) {
	cp, ok := p.StateProvider.(core.CacheLifecycleProvider)
	if !ok {
		return
	}
	cp.Invalidate(dctx.LoadedKeys())
}
