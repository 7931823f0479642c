package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/chris-alexander-pop/eventcore/pkg/adapters/memory"
	"github.com/chris-alexander-pop/eventcore/pkg/core"
	"github.com/chris-alexander-pop/eventcore/pkg/coremetrics"
	"github.com/chris-alexander-pop/eventcore/pkg/dispatch"
	"github.com/chris-alexander-pop/eventcore/pkg/sink"
)

type countPayload struct {
	Count int
}

// decrementHandler publishes Decrement{Count+1} for every Increment, with
// an optional per-count sleep to force out-of-order completion.
type decrementHandler struct {
	sleepOn    int
	sleep      time.Duration
	transforms map[int]int // rewrite Count on publish, e.g. 6 -> 7
}

func (h *decrementHandler) OnIncrement(p countPayload, ctx *dispatch.Context) (any, error) {
	if h.sleep > 0 && p.Count == h.sleepOn {
		time.Sleep(h.sleep)
	}
	out := p.Count
	if next, ok := h.transforms[p.Count]; ok {
		out = next
	} else {
		out = out + 1
	}
	if _, err := ctx.Publish("Decrement", countPayload{Count: out}, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// echoHandler republishes the input count unchanged except where
// transforms rewrites it.
type echoHandler struct {
	transforms map[int]int
}

func (h *echoHandler) OnIncrement(p countPayload, ctx *dispatch.Context) (any, error) {
	out := p.Count
	if next, ok := h.transforms[p.Count]; ok {
		out = next
	}
	if _, err := ctx.Publish("Increment", countPayload{Count: out}, nil); err != nil {
		return nil, err
	}
	return out, nil
}

type evenValidator struct{}

func (evenValidator) Validate(msg core.Message) core.ValidationResult {
	p, ok := msg.Payload.(countPayload)
	if !ok {
		return core.Valid
	}
	if p.Count%2 != 0 {
		return core.ValidationResult{Success: false, Message: "count must be even"}
	}
	return core.Valid
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int64 // name or name{result}
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{counts: make(map[string]int64)}
}

func (r *countingRecorder) key(name string, tags map[string]any) string {
	if result, ok := tags["result"].(string); ok {
		return name + "{" + result + "}"
	}
	return name
}

func (r *countingRecorder) Count(ctx context.Context, name string, value int64, tags map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[r.key(name, tags)] += value
}

func (r *countingRecorder) Gauge(ctx context.Context, name string, value int64, tags map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[r.key(name, tags)] = value
}

func (r *countingRecorder) get(key string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[key]
}

func publishedCounts(msgs []core.PublishedMessage) []int {
	out := make([]int, 0, len(msgs))
	for _, pm := range msgs {
		out = append(out, pm.Message.Payload.(countPayload).Count)
	}
	return out
}

func TestScenario_StatelessSerial(t *testing.T) {
	src := memory.New([]core.Message{
		{Type: "Increment", Payload: countPayload{Count: 4}},
		{Type: "Increment", Payload: countPayload{Count: 7}},
	})
	store := memory.NewSink[core.StoredMessage](core.SinkGuarantees{})
	publish := memory.NewSink[core.PublishedMessage](core.SinkGuarantees{})

	cfg := DefaultConfig()
	cfg.Parallelism = Serial
	p := New(cfg, src, dispatch.New(&decrementHandler{}, nil), sink.New(store, publish, nil), memory.NewStateProvider())

	handle, err := p.Run(context.Background())
	require.NoError(t, err)
	waitDone(t, handle)
	require.NoError(t, handle.Err())

	assert.Equal(t, []int{5, 8}, publishedCounts(publish.Committed()))
	assert.Empty(t, store.Committed())
}

func TestScenario_RPCReordering(t *testing.T) {
	src := memory.New([]core.Message{
		{Type: "Increment", Payload: countPayload{Count: 4}},
		{Type: "Increment", Payload: countPayload{Count: 7}},
	})
	store := memory.NewSink[core.StoredMessage](core.SinkGuarantees{})
	publish := memory.NewSink[core.PublishedMessage](core.SinkGuarantees{})

	cfg := DefaultConfig()
	cfg.Parallelism = Rpc
	cfg.MaxParallelRpcRequests = 4
	handler := &decrementHandler{sleepOn: 4, sleep: 150 * time.Millisecond}
	p := New(cfg, src, dispatch.New(handler, nil), sink.New(store, publish, nil), memory.NewStateProvider())

	handle, err := p.Run(context.Background())
	require.NoError(t, err)
	waitDone(t, handle)
	require.NoError(t, handle.Err())

	assert.Equal(t, []int{8, 5}, publishedCounts(publish.Committed()),
		"the slow handler's output must land after the fast one's")
}

func TestScenario_InvalidInputAndInvalidOutput(t *testing.T) {
	src := memory.New([]core.Message{
		{Type: "Increment", Payload: countPayload{Count: 2}},
		{Type: "Increment", Payload: countPayload{Count: 3}},
		{Type: "Increment", Payload: countPayload{Count: 4}},
		{Type: "Increment", Payload: countPayload{Count: 6}},
	})
	store := memory.NewSink[core.StoredMessage](core.SinkGuarantees{})
	publish := memory.NewSink[core.PublishedMessage](core.SinkGuarantees{})
	rec := newCountingRecorder()

	cfg := DefaultConfig()
	cfg.Parallelism = Serial
	p := New(cfg, src, dispatch.New(&echoHandler{transforms: map[int]int{6: 7}}, nil), sink.New(store, publish, nil), memory.NewStateProvider())
	p.Validator = evenValidator{}
	p.Recorder = rec

	handle, err := p.Run(context.Background())
	require.NoError(t, err)
	waitDone(t, handle)
	require.NoError(t, handle.Err())

	assert.Equal(t, []int{2, 4}, publishedCounts(publish.Committed()))
	assert.Equal(t, int64(2), rec.get(coremetrics.Processed+"{"+coremetrics.ResultErrorInvalidMsg+"}"),
		"3 fails input validation, 6's rewritten output fails output validation")
	assert.Equal(t, int64(2), rec.get(coremetrics.Processed+"{"+coremetrics.ResultSuccess+"}"))
	assert.Equal(t, int64(4), rec.get(coremetrics.Received))
	require.Len(t, src.Released(), 4)
}

// evictingSource yields four Increment messages quickly, then evicts
// everything still queued once the second handler is in flight.
type evictingSource struct {
	mu       sync.Mutex
	released int
}

func (s *evictingSource) Start(ctx context.Context, sctx core.SourceContext) (<-chan *core.MessageRef, error) {
	out := make(chan *core.MessageRef)
	go func() {
		defer close(out)
		for i := 1; i <= 4; i++ {
			msg := core.Message{Type: "Increment", Payload: countPayload{Count: i}}
			ref := core.NewMessageRef(msg, nil, trace.SpanContext{}, func(any, error) {
				s.mu.Lock()
				s.released++
				s.mu.Unlock()
			})
			select {
			case out <- ref:
			case <-ctx.Done():
				return
			}
		}
		// Messages 3 and 4 are still queued behind the 200ms handlers for 1
		// and 2; evict while the second handler is in flight.
		time.Sleep(300 * time.Millisecond)
		_ = sctx.Evict(ctx, func(*core.MessageRef) bool { return true })
	}()
	return out, nil
}

func (s *evictingSource) Stop(ctx context.Context) error { return nil }

func TestScenario_EvictionMidStreamConcurrent(t *testing.T) {
	src := &evictingSource{}
	store := memory.NewSink[core.StoredMessage](core.SinkGuarantees{})
	publish := memory.NewSink[core.PublishedMessage](core.SinkGuarantees{})

	cfg := DefaultConfig()
	cfg.Parallelism = Concurrent
	cfg.BatchLingerInterval = 10 * time.Millisecond
	p := New(cfg, src, dispatch.New(&sleepyEchoHandler{d: 200 * time.Millisecond}, nil), sink.New(store, publish, nil), memory.NewStateProvider())

	handle, err := p.Run(context.Background())
	require.NoError(t, err)
	select {
	case <-handle.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not finish in time")
	}
	require.NoError(t, handle.Err())

	assert.Equal(t, []int{1, 2}, publishedCounts(publish.Committed()),
		"messages evicted while queued must never reach the handler")

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, 4, src.released, "evicted references are still released")
}

// sleepyEchoHandler republishes each count after a fixed delay, keeping
// later inputs queued long enough for eviction to observe them.
type sleepyEchoHandler struct {
	d time.Duration
}

func (h *sleepyEchoHandler) OnIncrement(p countPayload, ctx *dispatch.Context) (any, error) {
	time.Sleep(h.d)
	if _, err := ctx.Publish("Increment", countPayload{Count: p.Count}, nil); err != nil {
		return nil, err
	}
	return p.Count, nil
}
