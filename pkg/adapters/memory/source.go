// Package memory provides in-memory Source, Sink, and StateProvider
// adapters used by tests and examples: a mutex-guarded slice or map with
// no external dependency.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/chris-alexander-pop/eventcore/pkg/core"
)

// Source replays a fixed slice of messages as MessageRefs, recording each
// one's release outcome for test assertions.
type Source struct {
	mu       sync.Mutex
	messages []core.Message
	released []ReleaseRecord
	stopped  bool
}

// ReleaseRecord captures a released reference's outcome.
type ReleaseRecord struct {
	Message core.Message
	Value   any
	Err     error
}

// New builds a Source that will yield exactly the given messages, in order.
func New(messages []core.Message) *Source {
	return &Source{messages: messages}
}

// Start yields every configured message once, then closes the channel.
func (s *Source) Start(ctx context.Context, sctx core.SourceContext) (<-chan *core.MessageRef, error) {
	out := make(chan *core.MessageRef)
	go func() {
		defer close(out)
		for _, msg := range s.messages {
			msg := msg
			ref := core.NewMessageRef(msg, nil, trace.SpanContext{}, func(value any, err error) {
				s.mu.Lock()
				s.released = append(s.released, ReleaseRecord{Message: msg, Value: value, Err: err})
				s.mu.Unlock()
			})
			ref.Set(core.MetaMessageID, uuid.New().String())
			select {
			case out <- ref:
			case <-ctx.Done():
				return
			}
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return
			}
		}
	}()
	return out, nil
}

// Stop marks the source stopped; in-flight yields already queued still land.
func (s *Source) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return nil
}

// Released returns every reference release recorded so far, in order.
func (s *Source) Released() []ReleaseRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ReleaseRecord{}, s.released...)
}
