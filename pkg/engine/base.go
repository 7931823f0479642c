package engine

import (
	"context"

	"github.com/chris-alexander-pop/eventcore/pkg/core"
	"github.com/chris-alexander-pop/eventcore/pkg/coreerr"
	"github.com/chris-alexander-pop/eventcore/pkg/coremetrics"
	"github.com/chris-alexander-pop/eventcore/pkg/corelog"
	"github.com/chris-alexander-pop/eventcore/pkg/dispatch"
	"github.com/chris-alexander-pop/eventcore/pkg/retry"
	"github.com/chris-alexander-pop/eventcore/pkg/sink"
)

// runDispatch implements the dispatch half shared by all strategies: a
// tracing span, canDispatch/validate, the On<Type> call under the dispatch
// retrier, and the received metric. It returns a nil context if the
// message cannot be dispatched (emits "unhandled" and lets the caller
// continue). inputValid is false when the payload failed input validation;
// the caller must release such contexts without sinking them and tag them
// error.invalid_msg.
func (p *Processor) runDispatch(ctx context.Context, ref *core.MessageRef) (dctx *dispatch.Context, inputValid bool) {
	msg := ref.Message()

	p.recorder().Count(ctx, coremetrics.Received, 1, p.annotate(msg))

	spanCtx, span := p.tracer().Start(ctx, "handling-input")
	defer span.End()

	if !p.Dispatcher.CanDispatch(msg) {
		p.emitProcessed(spanCtx, msg, coremetrics.ResultUnhandled)
		return nil, true
	}

	validation := core.Valid
	if p.Validator != nil {
		validation = p.Validator.Validate(msg)
	}

	dctx = dispatch.NewContext(ref, p.StateProvider, p.Enricher, p.Recorder)

	// A missing Invalid hook is not a transient fault; bail instead of
	// burning the retry budget on it.
	executor := retry.BailOn(func(err error) bool {
		return coreerr.Code(err) == coreerr.CodeNoInvalidHandler
	}, func(attemptCtx context.Context, rc *retry.Context) error {
		dctx.Clear()
		dctx.SetRetrier(rc)
		value, derr := p.Dispatcher.Dispatch(msg, dctx, validation)
		dctx.SetResult(value, derr)
		return derr
	})
	err := p.dispatchRetrier.Run(spanCtx, executor)
	if err != nil {
		if dctx.Result().Err == nil {
			dctx.SetResult(dctx.Result().Value, err)
		}
	} else if dctx.Result().Err != nil {
		// A *Continue retrier swallowed the failure; the message releases
		// as handled, with no outputs committed from the failed attempt.
		dctx.Clear()
		dctx.SetResult(dctx.Result().Value, nil)
	}

	return dctx, validation.Success
}

// emitProcessed records the terminal processed{result} metric for one
// processing pass of a message, tagged with the annotator's output.
func (p *Processor) emitProcessed(ctx context.Context, msg core.Message, result string) {
	p.recorder().Count(ctx, coremetrics.Processed, 1, withResult(p.annotate(msg), result))
}

// runSink implements the sink half: a tracing span, the output-batch
// metric, and the sink retrier, bailing immediately on a sequence conflict
// so it reaches the caller's reprocessing path instead of being retried in
// place.
func (p *Processor) runSink(ctx context.Context, contexts []*dispatch.Context) sink.Result {
	spanCtx, span := p.tracer().Start(ctx, "sending-to-sink")
	defer span.End()

	p.recorder().Count(spanCtx, coremetrics.OutputBatch, int64(len(contexts)), nil)

	var result sink.Result
	executor := retry.BailOn(coreerr.IsSequenceConflict, func(attemptCtx context.Context, rc *retry.Context) error {
		for _, c := range contexts {
			c.SetRetrier(rc)
		}
		result = p.Coordinator.Handle(attemptCtx, contexts, rc)
		if result.Err != nil {
			return result.Err
		}
		return nil
	})

	if err := p.sinkRetrier.Run(spanCtx, executor); err != nil && result.Err == nil {
		result.Err = err
	}
	return result
}

// writeBackState computes dctx's post-commit StateRefs and writes them
// into the state provider's cache, if it supports write-back. A
// successful sink commit must refresh the cache so the next StateGet for
// the same key observes the new value without waiting on the underlying
// provider to independently reflect it.
func (p *Processor) writeBackState(ctx context.Context, dctx *dispatch.Context) {
	cp, ok := p.StateProvider.(core.CacheLifecycleProvider)
	if !ok {
		return
	}
	refs, err := dctx.StateCompute()
	if err != nil {
		logErr(ctx, "state compute failed", err)
		return
	}
	for _, ref := range refs {
		if serr := cp.Set(ref); serr != nil {
			logErr(ctx, "state write-back failed", serr)
		}
	}
}

// release hands ref back to its source. A panicking release callback is
// logged and tagged error.failed_msg_release, never propagated.
func (p *Processor) release(ctx context.Context, ref *core.MessageRef, value any, err error) {
	msg := ref.Message()
	defer func() {
		if r := recover(); r != nil {
			corelog.L().ErrorContext(ctx, "source release failed", "panic", r)
			p.emitProcessed(ctx, msg, coremetrics.ResultErrorFailedMsgRelease)
		}
	}()
	ref.Release(value, err)
}
