package engine

import (
	"time"

	"github.com/chris-alexander-pop/eventcore/pkg/retry"
)

// Parallelism selects which of the three processing strategies a
// Processor runs.
type Parallelism string

const (
	Serial     Parallelism = "Serial"
	Concurrent Parallelism = "Concurrent"
	Rpc        Parallelism = "Rpc"
)

// Config parameterizes a Processor.
type Config struct {
	Parallelism Parallelism

	// Concurrent/Rpc only.
	InputQueueCapacity     int
	OutputQueueCapacity    int
	MaxBatchSize           int
	MinBatchSize           int
	BatchLingerInterval    time.Duration
	MaxParallelRpcRequests int
	QueueMetricsInterval   time.Duration

	DispatchRetry retry.Config
	SinkRetry     retry.Config

	// ShutdownGrace is how long Run's goroutine waits for in-flight work to
	// drain after the source is stopped, before returning regardless.
	ShutdownGrace time.Duration
}

// DefaultConfig returns reasonable defaults, with Parallelism set to Serial.
func DefaultConfig() Config {
	return Config{
		Parallelism:            Serial,
		InputQueueCapacity:     1024,
		OutputQueueCapacity:    1024,
		MaxBatchSize:           100,
		MinBatchSize:           1,
		BatchLingerInterval:    50 * time.Millisecond,
		MaxParallelRpcRequests: 64,
		QueueMetricsInterval:   5 * time.Second,
		ShutdownGrace:          5 * time.Second,
		DispatchRetry: retry.Config{
			Mode:               retry.LogAndRetryOrFail,
			Retries:            3,
			RetryMode:          retry.Exponential,
			RetryIntervalMs:    100,
			MaxRetryIntervalMs: 5000,
			ExponentBase:       2,
		},
		SinkRetry: retry.Config{
			Mode:               retry.LogAndRetryOrFail,
			Retries:            5,
			RetryMode:          retry.Exponential,
			RetryIntervalMs:    100,
			MaxRetryIntervalMs: 10000,
			ExponentBase:       2,
		},
	}
}
