package sink

import (
	"github.com/chris-alexander-pop/eventcore/pkg/core"
	"github.com/chris-alexander-pop/eventcore/pkg/coreerr"
)

// FilterResult partitions a sequence of containers into a successful
// prefix ("good") and a failed suffix ("bad"), the latter carrying a
// synthetic sequence-conflict error.
type FilterResult[C any] struct {
	Good  []C
	Bad   []C
	Error *coreerr.SequenceConflictError
}

// FilterByEpoch scans containers in order; the first one carrying a
// StateRef with an epoch strictly less than the manager's current epoch
// for that key partitions the sequence into a successful prefix and a
// failed suffix.
func FilterByEpoch[C any](containers []C, stateRefs func(C) []core.StateRef, epochs *core.EpochManager) FilterResult[C] {
	for i, c := range containers {
		for _, ref := range stateRefs(c) {
			if ref.Epoch == nil {
				continue
			}
			current := epochs.Get(ref.Key)
			if *ref.Epoch < current {
				err := coreerr.NewSequenceConflictError(ref.Key, "epoch advanced past loaded state")
				err.ActualEpoch = current
				err.ExpectedEpoch = *ref.Epoch
				return FilterResult[C]{Good: containers[:i], Bad: containers[i:], Error: err}
			}
		}
	}
	return FilterResult[C]{Good: containers}
}

type linearTrack struct {
	expectedNextSn   int64
	lastSeenSequence int64
}

// FilterNonLinearStateChanges scans containers in order, tracking
// (expectedNextSn, lastSeenSequence) per key. Multiple stores from the
// same handler invocation against the same loaded StateRef are benign
// (same lastSeenSequence). Two stores from different handler invocations
// that both build on the same expected base sequence number indicate a
// competing branch: the later one, and everything downstream, fails.
func FilterNonLinearStateChanges[C any](containers []C, sequence func(C) int64, stateRefs func(C) []core.StateRef) FilterResult[C] {
	tracks := make(map[string]*linearTrack)

	for i, c := range containers {
		seq := sequence(c)
		for _, ref := range stateRefs(c) {
			t, ok := tracks[ref.Key]
			if !ok {
				tracks[ref.Key] = &linearTrack{expectedNextSn: ref.SeqNum, lastSeenSequence: seq}
				continue
			}
			if t.lastSeenSequence == seq {
				continue
			}
			if ref.SeqNum == t.expectedNextSn {
				err := coreerr.NewSequenceConflictError(ref.Key, "competing branch against same loaded state")
				err.ActualSeqNum = t.expectedNextSn
				err.ExpectedSeqNum = ref.SeqNum
				return FilterResult[C]{Good: containers[:i], Bad: containers[i:], Error: err}
			}
			t.expectedNextSn = ref.SeqNum
			t.lastSeenSequence = seq
		}
	}
	return FilterResult[C]{Good: containers}
}
