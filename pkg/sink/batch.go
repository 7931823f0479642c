// Package sink implements the engine's batching/grouping algorithm and the
// Sink Coordinator: the component that commits buffered published/stored
// outputs to their respective sinks under configurable consistency, and
// detects sequence/epoch conflicts before doing so.
package sink

// Chunk is one packed output of Batch: a run of sub-items that fit within
// maxBatchSize without splitting a group across chunks (unless the group
// itself exceeds maxBatchSize). CompletedContainers lists the indices, into
// the containers slice passed to Batch, whose sub-items are entirely
// represented by this chunk or an earlier one, and which first became
// fully represented in this chunk. A container with no sub-items at all
// never appears in any chunk; it is vacuously complete and the caller must
// account for it directly.
type Chunk[S any] struct {
	Items               []S
	CompletedContainers []int
}

// group is a maximal run of sub-items from a single container that must
// stay together per the grouping predicate.
type group[S any] struct {
	containerIdx int
	items        []S
}

// Batch splits containers' sub-items (via accessor) into chunks no larger
// than maxBatchSize, never splitting a run of items for which
// grouping(prev, curr) holds, except when that run itself exceeds
// maxBatchSize (atomicity cannot be preserved in that case). maxBatchSize
// <= 0 means unbounded (a single chunk).
func Batch[C any, S any](containers []C, accessor func(C) []S, grouping func(prev, curr *S) bool, maxBatchSize int) []Chunk[S] {
	totalPerContainer := make([]int, len(containers))
	groups := make([]group[S], 0)

	for idx, c := range containers {
		items := accessor(c)
		totalPerContainer[idx] = len(items)
		groups = append(groups, splitIntoGroups(idx, items, grouping)...)
	}

	if maxBatchSize <= 0 {
		all := make([]S, 0)
		for _, g := range groups {
			all = append(all, g.items...)
		}
		completed := make([]int, 0, len(containers))
		for i := range containers {
			if totalPerContainer[i] > 0 {
				completed = append(completed, i)
			}
		}
		if len(all) == 0 {
			return nil
		}
		return []Chunk[S]{{Items: all, CompletedContainers: completed}}
	}

	var chunks []Chunk[S]
	emittedPerContainer := make([]int, len(containers))

	var cur []S
	var curContainers []int // containers touched by the in-progress chunk

	flush := func() {
		if len(cur) == 0 {
			return
		}
		var completed []int
		for _, idx := range curContainers {
			if emittedPerContainer[idx] == totalPerContainer[idx] {
				completed = append(completed, idx)
			}
		}
		chunks = append(chunks, Chunk[S]{Items: cur, CompletedContainers: completed})
		cur = nil
		curContainers = nil
	}

	touch := func(idx int) {
		for _, existing := range curContainers {
			if existing == idx {
				return
			}
		}
		curContainers = append(curContainers, idx)
	}

	for _, g := range groups {
		if len(g.items) > maxBatchSize {
			flush()
			for len(g.items) > 0 {
				n := maxBatchSize
				if n > len(g.items) {
					n = len(g.items)
				}
				piece := g.items[:n]
				g.items = g.items[n:]
				emittedPerContainer[g.containerIdx] += len(piece)
				completed := []int(nil)
				if emittedPerContainer[g.containerIdx] == totalPerContainer[g.containerIdx] {
					completed = []int{g.containerIdx}
				}
				chunks = append(chunks, Chunk[S]{Items: piece, CompletedContainers: completed})
			}
			continue
		}

		if len(cur)+len(g.items) > maxBatchSize {
			flush()
		}
		cur = append(cur, g.items...)
		touch(g.containerIdx)
		emittedPerContainer[g.containerIdx] += len(g.items)
	}
	flush()

	return chunks
}

func splitIntoGroups[S any](containerIdx int, items []S, grouping func(prev, curr *S) bool) []group[S] {
	if len(items) == 0 {
		return nil
	}
	var groups []group[S]
	start := 0
	for i := 1; i < len(items); i++ {
		if !grouping(&items[i-1], &items[i]) {
			groups = append(groups, group[S]{containerIdx: containerIdx, items: items[start:i]})
			start = i
		}
	}
	groups = append(groups, group[S]{containerIdx: containerIdx, items: items[start:]})
	return groups
}
