package core

import "context"

// ValidationResult is returned by a Validator.
type ValidationResult struct {
	Success bool
	Message string
}

// Valid is the always-success ValidationResult.
var Valid = ValidationResult{Success: true}

// Validator checks a message for validity before or after handling. A nil
// Validator always succeeds.
type Validator interface {
	Validate(msg Message) ValidationResult
}

// DedupeResult is returned by a Deduper.
type DedupeResult struct {
	Dupe    bool
	Message string
}

// Deduper flags duplicate message references so the input pipeline can
// release and skip them before they reach the engine.
type Deduper interface {
	IsDupe(ref *MessageRef) DedupeResult
}

// Enricher mutates an outgoing message, optionally using the originating
// reference (nil for inbound enrichment with no originating context) as
// context for what to add.
type Enricher interface {
	Enrich(msg *Message, source *MessageRef)
}

// Annotator produces metric tags describing a message, used to tag the
// core.received/processed/store/publish counters.
type Annotator interface {
	Annotate(msg Message) map[string]any
}

// Encoder converts between wire bytes and Message. Implementations may
// additionally implement JSONEmbedder/JSONUnembedder on the payload type
// to customize JSON shape.
type Encoder interface {
	Encode(msg Message) ([]byte, error)
	Decode(data []byte, typeName string) (Message, error)
	MimeType() string
}

// JSONEmbedder lets a payload type customize what value is marshaled as its
// JSON body, checked via type assertion by the JSON encoder.
type JSONEmbedder interface {
	ToJSONEmbedding() (any, error)
}

// JSONUnembedder lets a payload type customize how it is populated from a
// decoded JSON value, checked via type assertion by the JSON encoder.
type JSONUnembedder interface {
	FromJSONEmbedding(data any) error
}

// SourceContext is passed to a Source's Start loop, exposing eviction
// control over in-flight references.
type SourceContext interface {
	// Evict marks every currently queued reference matching predicate as
	// evicted, and blocks until every in-flight reference has been
	// released.
	Evict(ctx context.Context, predicate func(*MessageRef) bool) error
}

// Source produces a lazy, possibly-infinite sequence of message references.
// Start should push references onto ch until ctx is cancelled or Stop is
// called, then close ch.
type Source interface {
	Start(ctx context.Context, sctx SourceContext) (<-chan *MessageRef, error)
	Stop(ctx context.Context) error
}

// Consistency is a sink's batch-atomicity guarantee.
type Consistency int

const (
	ConsistencyNone               Consistency = 0
	ConsistencyAtomic             Consistency = 1
	ConsistencyAtomicPerPartition Consistency = 2
)

// SinkGuarantees describes a sink's atomicity and idempotence.
type SinkGuarantees struct {
	Idempotent   bool
	Consistency  Consistency
	MaxBatchSize int // 0 = unbounded
}

// SinkIterator streams the items of a single sink-handler chunk.
type SinkIterator[T any] interface {
	Next() (T, bool)
}

// RetrierContext is injected into a dispatch or sink attempt so handlers
// and sinks can inspect or influence retry behavior without the core
// package depending on the concrete retrier implementation.
type RetrierContext interface {
	CurrentAttempt() int
	MaxAttempts() int
	HasBailed() bool
	Bail(err error)
	IsFinalAttempt() bool
	SetNextRetryInterval(ms int)
}

// Sink commits a chunk of published or stored items. retry is the retrier
// context injected by the sink coordinator so a sink implementation can
// call SetNextRetryInterval/Bail if it has better information than the
// default backoff.
type Sink[T any] interface {
	Sink(ctx context.Context, iter SinkIterator[T], retry RetrierContext) error
	Guarantees() SinkGuarantees
	Healthy(ctx context.Context) bool
}

// StateProvider backs BufferedDispatchContext.state.get/compute.
type StateProvider interface {
	Get(ctx context.Context, key string, atSn *int64) (StateRef, error)
	Compute(ref StateRef, events []Message) (StateRef, error)
}

// CacheLifecycleProvider is optionally implemented by a StateProvider to
// expose write-back, invalidation, and organic-eviction notification.
type CacheLifecycleProvider interface {
	StateProvider
	Set(ref StateRef) error
	Invalidate(keys []string)
	OnEvicted(cb func(key string, ref StateRef))
}
