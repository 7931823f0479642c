package sink

import (
	"context"

	"github.com/chris-alexander-pop/eventcore/pkg/core"
	"github.com/chris-alexander-pop/eventcore/pkg/coreerr"
	"github.com/chris-alexander-pop/eventcore/pkg/coremetrics"
	"github.com/chris-alexander-pop/eventcore/pkg/dispatch"
)

// Result is the outcome of a Coordinator.Handle call over a batch of
// dispatch contexts.
type Result struct {
	Successful []*dispatch.Context
	Failed     []*dispatch.Context
	Err        error
	Retryable  bool
}

// Coordinator commits a batch of completed dispatch contexts' buffered
// stored/published outputs: filter for sequence/epoch
// conflicts, commit the store side, then the publish side, propagating
// failures and epoch invalidation between the two.
type Coordinator struct {
	Store   core.Sink[core.StoredMessage]
	Publish core.Sink[core.PublishedMessage]
	Epochs  *core.EpochManager // nil outside RPC parallelism

	// Recorder, when set, emits core.store{result} and core.publish{result}
	// per Handle call. Annotators contribute tags describing the first
	// message of the batch.
	Recorder   coremetrics.Recorder
	Annotators []core.Annotator

	storeBatch   *BatchHandler[core.StoredMessage]
	publishBatch *BatchHandler[core.PublishedMessage]
}

// New builds a Coordinator. epochs may be nil when the engine is not
// running in RPC parallelism (no epoch-based conflict detection needed).
func New(store core.Sink[core.StoredMessage], publish core.Sink[core.PublishedMessage], epochs *core.EpochManager) *Coordinator {
	return &Coordinator{
		Store:        store,
		Publish:      publish,
		Epochs:       epochs,
		storeBatch:   NewBatchHandler(store, storedItems, storeGrouping(store.Guarantees())),
		publishBatch: NewBatchHandler(publish, publishedItems, publishGrouping(publish.Guarantees())),
	}
}

func storedItems(c *dispatch.Context) []core.StoredMessage { return c.Stored() }

func publishedItems(c *dispatch.Context) []core.PublishedMessage { return c.Published() }

func storeGrouping(g core.SinkGuarantees) func(prev, curr *core.StoredMessage) bool {
	switch g.Consistency {
	case core.ConsistencyAtomic:
		return func(prev, curr *core.StoredMessage) bool { return true }
	case core.ConsistencyAtomicPerPartition:
		return func(prev, curr *core.StoredMessage) bool { return prev.State.Key == curr.State.Key }
	default:
		return func(prev, curr *core.StoredMessage) bool { return false }
	}
}

func publishGrouping(g core.SinkGuarantees) func(prev, curr *core.PublishedMessage) bool {
	switch g.Consistency {
	case core.ConsistencyAtomic:
		return func(prev, curr *core.PublishedMessage) bool { return true }
	case core.ConsistencyAtomicPerPartition:
		return func(prev, curr *core.PublishedMessage) bool { return partitionKey(prev) == partitionKey(curr) }
	default:
		return func(prev, curr *core.PublishedMessage) bool { return false }
	}
}

func partitionKey(pm *core.PublishedMessage) any {
	if pm.Metadata == nil {
		return nil
	}
	return pm.Metadata["partition"]
}

// stateRefs collects every StateRef a context's stored and verified outputs
// touch, for the conflict filters.
func stateRefs(c *dispatch.Context) []core.StateRef {
	var refs []core.StateRef
	for _, sm := range c.Stored() {
		refs = append(refs, sm.State)
	}
	for _, v := range c.Verified() {
		refs = append(refs, v.State)
	}
	return refs
}

func sequenceOf(c *dispatch.Context) int64 {
	if v, ok := c.Source().Get(core.MetaSequence); ok {
		if sn, ok := v.(int64); ok {
			return sn
		}
	}
	return 0
}

// Handle commits contexts' buffered outputs: conflict filters first, then
// the store side, then the publish side, propagating failures and epoch
// invalidation between the two.
func (co *Coordinator) Handle(ctx context.Context, contexts []*dispatch.Context, retry core.RetrierContext) Result {
	good, bad, filterErr := co.filter(contexts)

	storeResult := co.storeBatch.Handle(ctx, good, retry)
	co.emit(ctx, coremetrics.Store, contexts, storeResult.Err)

	allFailed := append(append([]*dispatch.Context{}, storeResult.Failed...), bad...)

	// Epoch invalidation is a conflict signal, not a general failure
	// signal: the bad suffix is conflict-sourced by construction, but
	// store-failed contexts only count when the store actually reported a
	// sequence conflict. A transient store error must not poison epochs
	// for keys that were never stale.
	if co.Epochs != nil {
		conflicted := bad
		if coreerr.IsSequenceConflict(storeResult.Err) {
			conflicted = allFailed
		}
		for _, c := range conflicted {
			for _, ref := range stateRefs(c) {
				co.Epochs.Invalidate(ref.Key)
			}
		}
	}

	toPublish := storeResult.Successful
	if len(allFailed) == 0 {
		toPublish = contexts
	}

	pubResult := co.publishBatch.Handle(ctx, toPublish, retry)
	co.emit(ctx, coremetrics.Publish, contexts, pubResult.Err)

	storeFailed := make(map[*dispatch.Context]bool, len(allFailed))
	for _, c := range allFailed {
		storeFailed[c] = true
	}
	for _, c := range pubResult.Failed {
		storeFailed[c] = true
	}

	var successful []*dispatch.Context
	for _, c := range contexts {
		if !storeFailed[c] {
			successful = append(successful, c)
		}
	}

	var failed []*dispatch.Context
	for _, c := range contexts {
		if storeFailed[c] {
			failed = append(failed, c)
		}
	}

	var finalErr error
	switch {
	case filterErr != nil:
		finalErr = filterErr
	case storeResult.Err != nil:
		finalErr = storeResult.Err
	case pubResult.Err != nil:
		finalErr = pubResult.Err
	}

	retryable := true
	if finalErr != nil {
		retryable = isRetryable(finalErr)
	}

	// If publish failed downstream of an already-successful, non-idempotent
	// store, the store side cannot safely be retried: any retry would
	// re-store (duplicating effects) before re-publishing.
	if pubResult.Err != nil && !co.Store.Guarantees().Idempotent {
		retryable = false
		if sc, ok := coreerr.AsSequenceConflict(finalErr); ok {
			finalErr = sc.NonRetryable()
		}
	}

	return Result{Successful: successful, Failed: failed, Err: finalErr, Retryable: retryable}
}

// emit records a store/publish result metric tagged by the annotators'
// view of the batch's first message.
func (co *Coordinator) emit(ctx context.Context, name string, contexts []*dispatch.Context, err error) {
	if co.Recorder == nil {
		return
	}
	tags := map[string]any{"result": coremetrics.ResultFor(err)}
	if len(contexts) > 0 {
		msg := contexts[0].Source().Message()
		for _, a := range co.Annotators {
			for k, v := range a.Annotate(msg) {
				tags[k] = v
			}
		}
	}
	co.Recorder.Count(ctx, name, 1, tags)
}

func (co *Coordinator) filter(contexts []*dispatch.Context) (good, bad []*dispatch.Context, err *coreerr.SequenceConflictError) {
	good = contexts

	if co.Epochs != nil {
		r := FilterByEpoch(good, stateRefs, co.Epochs)
		good, bad, err = r.Good, r.Bad, r.Error
	}

	r2 := FilterNonLinearStateChanges(good, sequenceOf, stateRefs)
	if r2.Error != nil {
		bad = append(r2.Bad, bad...)
		good = r2.Good
		err = r2.Error
	}

	return good, bad, err
}
