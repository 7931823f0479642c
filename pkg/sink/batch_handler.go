package sink

import (
	"context"

	"github.com/chris-alexander-pop/eventcore/pkg/core"
	"github.com/chris-alexander-pop/eventcore/pkg/coreerr"
	"github.com/chris-alexander-pop/eventcore/pkg/dispatch"
)

// BatchResult is the outcome of a BatchHandler.Handle call.
type BatchResult struct {
	Successful []*dispatch.Context
	Failed     []*dispatch.Context
	Err        error
	Retryable  bool
}

// sliceIterator adapts a slice to core.SinkIterator.
type sliceIterator[S any] struct {
	items []S
	pos   int
}

func (it *sliceIterator[S]) Next() (S, bool) {
	if it.pos >= len(it.items) {
		var zero S
		return zero, false
	}
	v := it.items[it.pos]
	it.pos++
	return v, true
}

// BatchHandler streams a container's sub-items through Batch, calls the
// sink per chunk, and tracks how many containers were fully committed. On
// a chunk error with more than one container it recursively bisects
// (halving batchSize) to narrow down which container caused the fault,
// unless the sink's consistency is None (no batch-atomicity promise to
// exploit). A single container, or a batchSize of 1, is not bisected.
type BatchHandler[S any] struct {
	sink     core.Sink[S]
	accessor func(*dispatch.Context) []S
	grouping func(prev, curr *S) bool
}

// NewBatchHandler builds a BatchHandler for the given sink and grouping
// rule, chosen by the sink's consistency level.
func NewBatchHandler[S any](s core.Sink[S], accessor func(*dispatch.Context) []S, grouping func(prev, curr *S) bool) *BatchHandler[S] {
	return &BatchHandler[S]{sink: s, accessor: accessor, grouping: grouping}
}

// Handle commits containers' sub-items to the sink.
func (h *BatchHandler[S]) Handle(ctx context.Context, containers []*dispatch.Context, retry core.RetrierContext) BatchResult {
	batchSize := h.sink.Guarantees().MaxBatchSize
	if batchSize <= 0 {
		batchSize = len(h.flatten(containers)) + 1 // effectively unbounded
	}
	return h.run(ctx, containers, batchSize, retry)
}

func (h *BatchHandler[S]) flatten(containers []*dispatch.Context) []S {
	var all []S
	for _, c := range containers {
		all = append(all, h.accessor(c)...)
	}
	return all
}

func (h *BatchHandler[S]) run(ctx context.Context, containers []*dispatch.Context, batchSize int, retry core.RetrierContext) BatchResult {
	if len(containers) == 0 {
		return BatchResult{}
	}

	// A container with no sub-items for this sink is vacuously committed;
	// it must never be dragged into a chunk failure it took no part in.
	var successful []*dispatch.Context
	for _, c := range containers {
		if len(h.accessor(c)) == 0 {
			successful = append(successful, c)
		}
	}

	chunks := Batch(containers, h.accessor, h.grouping, batchSize)
	guarantees := h.sink.Guarantees()

	for _, chunk := range chunks {
		if len(chunk.Items) == 0 {
			continue
		}

		err := h.sink.Sink(ctx, &sliceIterator[S]{items: chunk.Items}, retry)
		if err == nil {
			for _, idx := range chunk.CompletedContainers {
				successful = append(successful, containers[idx])
			}
			continue
		}

		canBisect := guarantees.Consistency != core.ConsistencyNone && len(containers) > 1 && batchSize > 1
		if !canBisect {
			return BatchResult{
				Successful: successful,
				Failed:     remaining(containers, successful),
				Err:        err,
				Retryable:  isRetryable(err),
			}
		}

		// Narrow with smaller chunks over the unprocessed suffix only;
		// containers already fully committed must not be re-sent.
		sub := h.run(ctx, remaining(containers, successful), batchSize/2, retry)
		sub.Successful = append(successful, sub.Successful...)
		return sub
	}

	return BatchResult{Successful: successful}
}

// remaining returns the containers not present in successful, preserving
// the original order.
func remaining(containers []*dispatch.Context, successful []*dispatch.Context) []*dispatch.Context {
	done := make(map[*dispatch.Context]bool, len(successful))
	for _, c := range successful {
		done[c] = true
	}
	var out []*dispatch.Context
	for _, c := range containers {
		if !done[c] {
			out = append(out, c)
		}
	}
	return out
}

func isRetryable(err error) bool {
	if sc, ok := coreerr.AsSequenceConflict(err); ok {
		return sc.Retryable()
	}
	return true
}
