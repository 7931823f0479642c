// Package engine implements the three processing strategies (Serial,
// Concurrent, Rpc) over a shared base: per-message tracing spans,
// received/processed metrics, dispatch under a retrier, and sink commit
// under a retrier that bails immediately on a sequence conflict.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/chris-alexander-pop/eventcore/pkg/core"
	"github.com/chris-alexander-pop/eventcore/pkg/coremetrics"
	"github.com/chris-alexander-pop/eventcore/pkg/corelog"
	"github.com/chris-alexander-pop/eventcore/pkg/dispatch"
	"github.com/chris-alexander-pop/eventcore/pkg/retry"
	"github.com/chris-alexander-pop/eventcore/pkg/sink"
	"github.com/chris-alexander-pop/eventcore/pkg/state"
)

// Processor runs one of the three strategies over a source, dispatching to
// a handler target and committing buffered outputs via a sink coordinator.
type Processor struct {
	Config Config

	Source        core.Source
	Dispatcher    *dispatch.Dispatcher
	Coordinator   *sink.Coordinator
	StateProvider core.StateProvider
	Validator     core.Validator // input and output validation; nil always passes
	Annotator     core.Annotator
	Recorder      coremetrics.Recorder
	Enricher      core.Enricher
	Epochs        *core.EpochManager // non-nil only for Rpc with a store sink

	dispatchRetrier *retry.Retrier
	sinkRetrier     *retry.Retrier

	healthy  atomic.Bool
	inFlight sync.WaitGroup
	handlers atomic.Int64
}

// New builds a Processor, constructing the dispatch and sink retriers from
// cfg. The sink retrier bails immediately on a sequence conflict so it
// surfaces to the strategy's reprocessing path instead of being retried
// in place.
func New(cfg Config, source core.Source, dispatcher *dispatch.Dispatcher, coordinator *sink.Coordinator, provider core.StateProvider) *Processor {
	p := &Processor{
		Config:        cfg,
		Source:        source,
		Dispatcher:    dispatcher,
		Coordinator:   coordinator,
		StateProvider: provider,
		Recorder:      coremetrics.NoopRecorder{},
	}
	p.dispatchRetrier = retry.New(cfg.DispatchRetry)
	p.sinkRetrier = retry.New(cfg.SinkRetry)
	p.healthy.Store(true)
	p.wireEpochs()
	return p
}

// wireEpochs decides the epoch-aware state wiring internally: only when
// the strategy is Rpc and a store sink is present does stale-write
// detection pay for itself, and only a caching provider can host it.
// Callers never construct the epoch-aware wrapper directly.
func (p *Processor) wireEpochs() {
	if p.Config.Parallelism != Rpc || p.Coordinator == nil || p.Coordinator.Store == nil {
		return
	}
	switch sp := p.StateProvider.(type) {
	case *state.EpochAwareProvider:
		p.Epochs = sp.Epochs()
	case *state.CachingProvider:
		p.Epochs = core.NewEpochManager()
		p.StateProvider = state.NewEpochAwareProvider(sp, p.Epochs)
	default:
		return
	}
	if p.Coordinator.Epochs == nil {
		p.Coordinator.Epochs = p.Epochs
	}
}

// Healthy reports whether the processor believes it can still make
// progress (false once the source has stopped and in-flight work has
// drained, or the run loop has exited with an error).
func (p *Processor) Healthy() bool { return p.healthy.Load() }

// RunHandle is returned by Run; Cancel requests shutdown (stopping the
// source) and Done reports when the run loop has fully exited.
type RunHandle struct {
	cancelFn func()
	done     chan struct{}
	err      error
	mu       sync.Mutex
}

// Cancel asks the source to stop; the processor drains in-flight work
// under the configured grace period, then returns from Run.
func (h *RunHandle) Cancel() { h.cancelFn() }

// Done reports when the run loop has exited.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Err returns the run loop's terminal error, valid only after Done closes.
func (h *RunHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *RunHandle) finish(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// Run starts the configured strategy in a background goroutine.
func (p *Processor) Run(ctx context.Context) (*RunHandle, error) {
	if p.Coordinator != nil {
		if p.Coordinator.Recorder == nil {
			p.Coordinator.Recorder = p.recorder()
		}
		if p.Annotator != nil && len(p.Coordinator.Annotators) == 0 {
			p.Coordinator.Annotators = []core.Annotator{p.Annotator}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	handle := &RunHandle{cancelFn: cancel, done: make(chan struct{})}

	go func() {
		var err error
		switch p.Config.Parallelism {
		case Concurrent:
			err = p.runConcurrent(runCtx)
		case Rpc:
			err = p.runRPC(runCtx)
		default:
			err = p.runSerial(runCtx)
		}
		p.drainInFlight(runCtx)
		p.healthy.Store(false)
		cancel()
		handle.finish(err)
	}()

	return handle, nil
}

func (p *Processor) recorder() coremetrics.Recorder {
	if p.Recorder != nil {
		return p.Recorder
	}
	return coremetrics.NoopRecorder{}
}

func (p *Processor) tracer() trace.Tracer {
	return otel.Tracer("eventcore/engine")
}

func (p *Processor) annotate(msg core.Message) map[string]any {
	if p.Annotator == nil {
		return nil
	}
	return p.Annotator.Annotate(msg)
}

func withResult(tags map[string]any, result string) map[string]any {
	out := make(map[string]any, len(tags)+1)
	for k, v := range tags {
		out[k] = v
	}
	out["result"] = result
	return out
}

// emitQueueMetrics runs until ctx is done, periodically recording the
// queue depths and the number of in-flight handlers.
func (p *Processor) emitQueueMetrics(ctx context.Context, depth func() (input, output int)) {
	interval := p.Config.QueueMetricsInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in, out := depth()
			p.recorder().Gauge(ctx, coremetrics.InputQueue, int64(in), nil)
			p.recorder().Gauge(ctx, coremetrics.OutputQueue, int64(out), nil)
			p.recorder().Gauge(ctx, coremetrics.ConcurrentHandlers, p.handlers.Load(), nil)
		}
	}
}

// drainInFlight waits for in-flight handler work after the run loop
// exits, bounded by ShutdownGrace.
func (p *Processor) drainInFlight(ctx context.Context) {
	grace := p.Config.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	done := make(chan struct{})
	go func() {
		p.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		corelog.L().WarnContext(ctx, "shutdown grace elapsed with handlers still in flight")
	}
}

// sourceContext implements core.SourceContext for the composite input's
// Start call, bridging eviction requests into whichever strategy is
// running (serial eviction is a no-op; concurrent marks its queued items
// and waits on in-flight work; rpc, which has no queues, only waits on
// in-flight work).
type sourceContext struct {
	evict func(ctx context.Context, predicate func(*core.MessageRef) bool) error
}

func (s *sourceContext) Evict(ctx context.Context, predicate func(*core.MessageRef) bool) error {
	if s.evict == nil {
		return nil
	}
	return s.evict(ctx, predicate)
}

func logErr(ctx context.Context, msg string, err error) {
	corelog.L().ErrorContext(ctx, msg, "error", err)
}
