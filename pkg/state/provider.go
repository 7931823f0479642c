// Package state implements the engine's state providers: event-sourced
// and materialized loaders, a caching wrapper with LRU+TTL eviction, and
// an epoch-aware wrapper used by the RPC processing strategy to detect
// stale writes without a store sink round-trip.
package state

import (
	"context"
	"fmt"
	"reflect"

	"github.com/chris-alexander-pop/eventcore/pkg/core"
	"github.com/chris-alexander-pop/eventcore/pkg/internal/convention"
)

// AggregationSource is consulted by EventSourcedProvider: it returns the
// last snapshot at or before atSn (nil if none), the events after that
// snapshot up to atSn (or to the head if atSn is nil), and the sequence
// number of the last event returned.
type AggregationSource interface {
	Load(ctx context.Context, key string, atSn *int64) (snapshot core.State, events []core.Message, lastSn int64, err error)
}

// Aggregator exposes On<Type>(event core.Message, state core.State)
// reducer methods invoked by convention, one per event type, mutating
// state in place. Reducer methods must be exported.
type Aggregator any

// EventSourcedProvider loads state by replaying events over a snapshot.
type EventSourcedProvider struct {
	Source     AggregationSource
	Aggregator Aggregator
	// NewState constructs the zero-value state used when no snapshot
	// exists for a key.
	NewState func() core.State
}

// NewEventSourcedProvider builds an EventSourcedProvider.
func NewEventSourcedProvider(source AggregationSource, aggregator Aggregator, newState func() core.State) *EventSourcedProvider {
	return &EventSourcedProvider{Source: source, Aggregator: aggregator, NewState: newState}
}

func (p *EventSourcedProvider) Get(ctx context.Context, key string, atSn *int64) (core.StateRef, error) {
	snapshot, events, lastSn, err := p.Source.Load(ctx, key, atSn)
	if err != nil {
		return core.StateRef{}, err
	}

	base := snapshot
	if base == nil {
		base = p.NewState()
	} else {
		base = base.Snap()
	}

	final, err := p.apply(base, events)
	if err != nil {
		return core.StateRef{}, err
	}

	return core.StateRef{State: final, Key: key, SeqNum: lastSn}, nil
}

// Compute aggregates events on top of ref.State.Snap(), returning a new
// StateRef at seqNum = ref.SeqNum + len(events).
func (p *EventSourcedProvider) Compute(ref core.StateRef, events []core.Message) (core.StateRef, error) {
	base := ref.State
	if base != nil {
		base = base.Snap()
	} else {
		base = p.NewState()
	}

	final, err := p.apply(base, events)
	if err != nil {
		return core.StateRef{}, err
	}

	return core.StateRef{State: final, Key: ref.Key, SeqNum: ref.SeqNum + int64(len(events))}, nil
}

func (p *EventSourcedProvider) apply(state core.State, events []core.Message) (core.State, error) {
	for _, ev := range events {
		m, ok := convention.FindMethod(p.Aggregator, "On", ev.Type)
		if !ok {
			return nil, fmt.Errorf("state: aggregator has no On%s method", convention.Title(convention.PrettyName(ev.Type)))
		}
		m.Call([]reflect.Value{reflect.ValueOf(ev), reflect.ValueOf(state)})
	}
	return state, nil
}
