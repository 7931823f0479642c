package dispatch

import (
	"context"
	"sync"

	"github.com/chris-alexander-pop/eventcore/pkg/core"
	"github.com/chris-alexander-pop/eventcore/pkg/coreerr"
	"github.com/chris-alexander-pop/eventcore/pkg/coremetrics"
)

// HandlerResult is the outcome of a handler invocation, surfaced on the
// source reference's release.
type HandlerResult struct {
	Value any
	Err   error
}

// MetricEvent is a single buffered metric observation, flushed on Complete.
type MetricEvent struct {
	Name  string
	Value int64
	Tags  map[string]any
	Gauge bool
}

// Context is the per-message Buffered Dispatch Context: a scratch area
// that accumulates published/stored outputs, loaded StateRefs, and
// metrics until the handler completes, at which point they are released
// to the sink coordinator and state cache in one step.
type Context struct {
	mu sync.Mutex

	source *core.MessageRef

	published []core.PublishedMessage
	stored    []core.StoredMessage
	verified  []core.StateVerification
	loaded    map[string]core.StateRef

	metrics  []MetricEvent
	recorder coremetrics.Recorder

	provider core.StateProvider
	enricher core.Enricher

	result    HandlerResult
	retry     core.RetrierContext
	completed bool
}

// NewContext builds a fresh dispatch context for a single handler attempt.
func NewContext(source *core.MessageRef, provider core.StateProvider, enricher core.Enricher, recorder coremetrics.Recorder) *Context {
	return &Context{
		source:   source,
		loaded:   make(map[string]core.StateRef),
		provider: provider,
		enricher: enricher,
		recorder: recorder,
	}
}

// SetRetrier injects the retrier context for the current dispatch attempt,
// done by the processing engine before each call to Dispatcher.Dispatch.
func (c *Context) SetRetrier(rc core.RetrierContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retry = rc
}

// Retrier returns the currently injected retrier context, or nil.
func (c *Context) Retrier() core.RetrierContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retry
}

// Metadata reads a metadata value from the source reference.
func (c *Context) Metadata(key string) (any, bool) {
	return c.source.Get(key)
}

// Source returns the reference this context was created for.
func (c *Context) Source() *core.MessageRef {
	return c.source
}

// Publish buffers a downstream event. Fails if the context is completed.
func (c *Context) Publish(msgType string, payload any, meta map[string]any) (core.PublishedMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed {
		return core.PublishedMessage{}, coreerr.New(coreerr.CodeAlreadyCompleted, "publish called after complete", nil)
	}

	msg := core.Message{Type: msgType, Payload: payload}
	if c.enricher != nil {
		c.enricher.Enrich(&msg, c.source)
	}

	pm := core.PublishedMessage{Message: msg, Metadata: meta, Original: c.source}
	c.published = append(c.published, pm)
	return pm, nil
}

// Store buffers a state-changing event bound to ref. Fails if the context
// is completed.
func (c *Context) Store(msgType string, ref core.StateRef, payload any, meta map[string]any) (core.StoredMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed {
		return core.StoredMessage{}, coreerr.New(coreerr.CodeAlreadyCompleted, "store called after complete", nil)
	}

	msg := core.Message{Type: msgType, Payload: payload}
	if c.enricher != nil {
		c.enricher.Enrich(&msg, c.source)
	}

	sm := core.StoredMessage{Message: msg, State: ref, Metadata: meta, Original: c.source}
	c.stored = append(c.stored, sm)
	return sm, nil
}

// Verify records a read-only assertion that ref was observed, so the sink
// coordinator can detect a concurrent write underneath it even if the
// handler produced no store output for this key.
func (c *Context) Verify(ref core.StateRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verified = append(c.verified, core.StateVerification{State: ref, Original: c.source})
}

// StateGet delegates to the state provider and records the returned
// StateRef in the loaded set.
func (c *Context) StateGet(ctx context.Context, key string, atSn *int64) (core.StateRef, error) {
	ref, err := c.provider.Get(ctx, key, atSn)
	if err != nil {
		return core.StateRef{}, err
	}
	c.mu.Lock()
	c.loaded[key] = ref
	c.mu.Unlock()
	return ref, nil
}

// LoadedKeys returns every key loaded via StateGet during this attempt.
func (c *Context) LoadedKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.loaded))
	for k := range c.loaded {
		keys = append(keys, k)
	}
	return keys
}

// LoadedRef returns the StateRef loaded for key, if any.
func (c *Context) LoadedRef(key string) (core.StateRef, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, ok := c.loaded[key]
	return ref, ok
}

// StateCompute groups pending stored messages by key and computes the
// post-application StateRef per key via the provider's Compute, used on
// Complete to refresh the cache.
func (c *Context) StateCompute() (map[string]core.StateRef, error) {
	c.mu.Lock()
	byKey := make(map[string][]core.Message)
	baseRef := make(map[string]core.StateRef)
	for _, sm := range c.stored {
		byKey[sm.State.Key] = append(byKey[sm.State.Key], sm.Message)
		if _, ok := baseRef[sm.State.Key]; !ok {
			baseRef[sm.State.Key] = sm.State
		}
	}
	c.mu.Unlock()

	out := make(map[string]core.StateRef, len(byKey))
	for key, events := range byKey {
		ref, err := c.provider.Compute(baseRef[key], events)
		if err != nil {
			return nil, err
		}
		out[key] = ref
	}
	return out, nil
}

// Published returns the buffered published messages.
func (c *Context) Published() []core.PublishedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.PublishedMessage{}, c.published...)
}

// Stored returns the buffered stored messages.
func (c *Context) Stored() []core.StoredMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.StoredMessage{}, c.stored...)
}

// Verified returns the buffered state verifications.
func (c *Context) Verified() []core.StateVerification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.StateVerification{}, c.verified...)
}

// RecordMetric buffers a metric observation; it is only emitted on Complete.
func (c *Context) RecordMetric(name string, value int64, tags map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = append(c.metrics, MetricEvent{Name: name, Value: value, Tags: tags})
}

// SetResult records the handler's outcome, surfaced on the source
// reference's release.
func (c *Context) SetResult(value any, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result = HandlerResult{Value: value, Err: err}
}

// Result returns the handler's recorded outcome.
func (c *Context) Result() HandlerResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Clear discards buffered outputs, metrics, and loaded state, used between
// retry attempts.
func (c *Context) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = nil
	c.stored = nil
	c.verified = nil
	c.loaded = make(map[string]core.StateRef)
	c.metrics = nil
}

// Complete flushes buffered metrics and reports true if this call is the
// one that transitioned the context to completed (idempotent).
func (c *Context) Complete(ctx context.Context) bool {
	c.mu.Lock()
	if c.completed {
		c.mu.Unlock()
		return false
	}
	c.completed = true
	metrics := c.metrics
	c.mu.Unlock()

	if c.recorder != nil {
		for _, m := range metrics {
			if m.Gauge {
				c.recorder.Gauge(ctx, m.Name, m.Value, m.Tags)
			} else {
				c.recorder.Count(ctx, m.Name, m.Value, m.Tags)
			}
		}
	}
	return true
}

// Completed reports whether Complete has fired.
func (c *Context) Completed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}
