package state

import (
	"context"

	"github.com/chris-alexander-pop/eventcore/pkg/core"
)

// MaterializedSource is consulted by MaterializedProvider: it returns the
// latest snapshot at or before atSn, and the sequence number it reflects.
type MaterializedSource interface {
	Load(ctx context.Context, key string, atSn *int64) (snapshot core.State, lastSn int64, err error)
}

// MaterializedProvider treats the latest snapshot as the state itself,
// with no event replay.
type MaterializedProvider struct {
	Source MaterializedSource
}

// NewMaterializedProvider builds a MaterializedProvider.
func NewMaterializedProvider(source MaterializedSource) *MaterializedProvider {
	return &MaterializedProvider{Source: source}
}

func (p *MaterializedProvider) Get(ctx context.Context, key string, atSn *int64) (core.StateRef, error) {
	snapshot, lastSn, err := p.Source.Load(ctx, key, atSn)
	if err != nil {
		return core.StateRef{}, err
	}
	return core.StateRef{State: snapshot, Key: key, SeqNum: lastSn}, nil
}

// Compute returns a ref wrapping the payload of the last event, or a clone
// of the current state when events is empty.
func (p *MaterializedProvider) Compute(ref core.StateRef, events []core.Message) (core.StateRef, error) {
	if len(events) == 0 {
		var cloned core.State
		if ref.State != nil {
			cloned = ref.State.Snap()
		}
		return core.StateRef{State: cloned, Key: ref.Key, SeqNum: ref.SeqNum}, nil
	}

	last := events[len(events)-1]
	payload, _ := last.Payload.(core.State)
	return core.StateRef{State: payload, Key: ref.Key, SeqNum: ref.SeqNum + int64(len(events))}, nil
}
