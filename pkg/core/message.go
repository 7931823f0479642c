// Package core defines the shared data model and external-collaborator
// interfaces used throughout eventcore: messages, message references,
// state references, dispatch-context output records, and the narrow
// Source/Sink/StateProvider/Validator/Deduper/Enricher/Annotator contracts
// that the engine consumes.
package core

import (
	"sync"

	"go.opentelemetry.io/otel/trace"
)

// Reserved metadata keys.
const (
	MetaMessageID           = "sys.id"
	MetaSequence            = "sys.sequence"
	MetaReprocessingContext = "sys.reprocessingContext"
	MetaSeqNum              = "sn"
	MetaStreamID            = "stream_id"
	MetaEventType           = "event_type"
	MetaDateTime            = "dt"
)

// Message is a type tag plus an opaque payload.
type Message struct {
	Type    string
	Payload any
}

// ReleaseFunc is invoked exactly once by MessageRef.Release with the
// handler's result value and/or error, handing the reference back to
// whichever source produced it.
type ReleaseFunc func(value any, err error)

// MessageRef envelopes a Message with metadata, an optional tracing span
// context, and a one-shot release callback. It is safe for concurrent use.
type MessageRef struct {
	mu       sync.Mutex
	msg      Message
	metadata map[string]any
	span     trace.SpanContext
	release  ReleaseFunc
	released bool
	evicted  bool
	onRelease []func()
}

// NewMessageRef constructs a MessageRef. metadata may be nil.
func NewMessageRef(msg Message, metadata map[string]any, span trace.SpanContext, release ReleaseFunc) *MessageRef {
	if metadata == nil {
		metadata = make(map[string]any)
	}
	return &MessageRef{
		msg:      msg,
		metadata: metadata,
		span:     span,
		release:  release,
	}
}

// Message returns the enveloped message.
func (r *MessageRef) Message() Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.msg
}

// SetMessage replaces the enveloped message, used by enrichers that mutate
// the outgoing payload/type before it reaches the handler or a sink.
func (r *MessageRef) SetMessage(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msg = msg
}

// Get reads a metadata value.
func (r *MessageRef) Get(key string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.metadata[key]
	return v, ok
}

// Set writes a metadata value.
func (r *MessageRef) Set(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[key] = value
}

// Metadata returns a shallow copy of the reference's metadata.
func (r *MessageRef) Metadata() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]any, len(r.metadata))
	for k, v := range r.metadata {
		out[k] = v
	}
	return out
}

// SpanContext returns the reference's tracing span context.
func (r *MessageRef) SpanContext() trace.SpanContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.span
}

// OnRelease registers a listener invoked (in registration order) when the
// reference is released. Used by the input pipeline to track pending
// references and by reprocessing bookkeeping.
func (r *MessageRef) OnRelease(fn func()) {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		fn()
		return
	}
	r.onRelease = append(r.onRelease, fn)
	r.mu.Unlock()
}

// Release invokes the release callback and all registered listeners exactly
// once. Subsequent calls are no-ops.
func (r *MessageRef) Release(value any, err error) {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	listeners := r.onRelease
	r.onRelease = nil
	release := r.release
	r.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
	if release != nil {
		release(value, err)
	}
}

// Released reports whether Release has already fired.
func (r *MessageRef) Released() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

// Evict marks the reference evicted. Evicted references are skipped by the
// processing loop rather than dispatched.
func (r *MessageRef) Evict() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evicted = true
}

// Evicted reports whether Evict has been called.
func (r *MessageRef) Evicted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evicted
}
