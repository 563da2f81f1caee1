package engine

import (
	"time"

	"github.com/carebridge/medsync/policy"
)

// RetryConfig configures backoff between failed sync passes.
type RetryConfig struct {
	// MaxAttempts is the maximum number of automatic retry attempts
	MaxAttempts int

	// InitialDelay is the initial delay between retries
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration

	// Multiplier is the factor by which the delay increases
	Multiplier float64
}

// Options configures an Orchestrator.
type Options struct {
	// ReplicaID identifies this device replica. It stamps every locally
	// produced change record and drives the vector clock counter this
	// replica is allowed to increment.
	ReplicaID string

	// Endpoint names the remote endpoint; the last acknowledged cursor is
	// stored per endpoint so one process can sync several independently.
	Endpoint string

	// BatchSize limits how many change records move per push/pull batch.
	BatchSize int

	// Timeout bounds each storage/transport operation within a pass.
	Timeout time.Duration

	// SyncInterval enables automatic periodic sync when positive.
	SyncInterval time.Duration

	// RetryConfig configures backoff after transient failures.
	RetryConfig *RetryConfig

	// Policy is the compiled resolution policy table. Nil selects the
	// built-in healthcare defaults.
	Policy *policy.Table

	// Metrics receives observability callbacks. Nil selects a no-op.
	Metrics MetricsCollector
}

func (o *Options) setDefaults() {
	if o.Endpoint == "" {
		o.Endpoint = "default"
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.RetryConfig == nil {
		o.RetryConfig = &RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
		}
	}
	if o.Metrics == nil {
		o.Metrics = &NoOpMetricsCollector{}
	}
}

type exponentialBackoff struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
}

func (eb *exponentialBackoff) nextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(eb.initialDelay)
	for i := 0; i < attempt; i++ {
		delay *= eb.multiplier
	}

	result := time.Duration(delay)
	if result > eb.maxDelay {
		result = eb.maxDelay
	}

	return result
}
