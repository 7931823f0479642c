package memory

import (
	"context"
	"sync"

	"github.com/chris-alexander-pop/eventcore/pkg/core"
)

// Sink is a generic in-memory core.Sink, recording every item it commits.
// FailNext, if set, is returned (and cleared) by the next Sink call,
// letting tests exercise the sink coordinator's failure/bisection paths.
type Sink[T any] struct {
	mu        sync.Mutex
	Items     []T
	Guarantee core.SinkGuarantees
	FailNext  error
	healthy   bool
}

// NewSink builds a Sink with the given guarantees; it is healthy by default.
func NewSink[T any](guarantees core.SinkGuarantees) *Sink[T] {
	return &Sink[T]{Guarantee: guarantees, healthy: true}
}

func (s *Sink[T]) Sink(ctx context.Context, iter core.SinkIterator[T], retry core.RetrierContext) error {
	s.mu.Lock()
	if s.FailNext != nil {
		err := s.FailNext
		s.FailNext = nil
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	var items []T
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		items = append(items, v)
	}

	s.mu.Lock()
	s.Items = append(s.Items, items...)
	s.mu.Unlock()
	return nil
}

func (s *Sink[T]) Guarantees() core.SinkGuarantees { return s.Guarantee }

func (s *Sink[T]) Healthy(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

// SetHealthy lets tests flip the sink's reported health.
func (s *Sink[T]) SetHealthy(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = v
}

// Committed returns a snapshot of everything committed so far.
func (s *Sink[T]) Committed() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]T{}, s.Items...)
}
