// Package coremetrics emits the engine's stable metric set via
// go.opentelemetry.io/otel/metric. Names and result tags are fixed by
// contract; callers must not rename them.
package coremetrics

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/chris-alexander-pop/eventcore/pkg/coreerr"
)

// Stable metric names.
const (
	Received           = "core.received"
	Processed          = "core.processed"
	Store              = "core.store"
	Publish            = "core.publish"
	OutputBatch        = "core.output_batch"
	InputQueue         = "core.input_queue"
	OutputQueue        = "core.output_queue"
	ConcurrentHandlers = "core.concurrent_handlers"
	InputDedupeSkipped = "core.input_dedupe_skipped"
)

// Processed/store/publish result tags.
const (
	ResultSuccess                  = "success"
	ResultError                    = "error"
	ResultErrorSeqNum              = "error.seq_num"
	ResultErrorInvalidMsg          = "error.invalid_msg"
	ResultErrorFailedMsgProcessing = "error.failed_msg_processing"
	ResultErrorFailedMsgRelease    = "error.failed_msg_release"
	ResultErrorReprocessing        = "error.reprocessing"
	ResultUnhandled                = "unhandled"
)

// ResultFor maps a commit error to its result tag: success when nil,
// error.seq_num for sequence conflicts, error otherwise.
func ResultFor(err error) string {
	if err == nil {
		return ResultSuccess
	}
	if coreerr.IsSequenceConflict(err) {
		return ResultErrorSeqNum
	}
	return ResultError
}

// Recorder is the narrow metrics surface the engine, sink coordinator, and
// input pipeline emit through. Implementations must treat tags as
// dimension labels, not message text.
type Recorder interface {
	Count(ctx context.Context, name string, value int64, tags map[string]any)
	Gauge(ctx context.Context, name string, value int64, tags map[string]any)
}

// otelRecorder is the default Recorder, backed by an otel/metric.Meter.
type otelRecorder struct {
	meter    metric.Meter
	counters map[string]metric.Int64Counter
	gauges   map[string]metric.Int64Gauge
}

// NewOTelRecorder builds a Recorder backed by the given meter. Instruments
// are created lazily per metric name on first use.
func NewOTelRecorder(meter metric.Meter) Recorder {
	return &otelRecorder{
		meter:    meter,
		counters: make(map[string]metric.Int64Counter),
		gauges:   make(map[string]metric.Int64Gauge),
	}
}

func (r *otelRecorder) Count(ctx context.Context, name string, value int64, tags map[string]any) {
	c, ok := r.counters[name]
	if !ok {
		var err error
		c, err = r.meter.Int64Counter(name)
		if err != nil {
			return
		}
		r.counters[name] = c
	}
	c.Add(ctx, value, metric.WithAttributes(toAttrs(tags)...))
}

func (r *otelRecorder) Gauge(ctx context.Context, name string, value int64, tags map[string]any) {
	g, ok := r.gauges[name]
	if !ok {
		var err error
		g, err = r.meter.Int64Gauge(name)
		if err != nil {
			return
		}
		r.gauges[name] = g
	}
	g.Record(ctx, value, metric.WithAttributes(toAttrs(tags)...))
}

// NoopRecorder discards everything; used as the default when no meter is
// configured.
type NoopRecorder struct{}

func (NoopRecorder) Count(context.Context, string, int64, map[string]any) {}
func (NoopRecorder) Gauge(context.Context, string, int64, map[string]any) {}
