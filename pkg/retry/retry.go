// Package retry implements the write retry policy: exponential backoff with
// jitter plus retryable/permanent error classification. The engine is shared
// by every sink worker; classification is by error class and message, never
// by timing.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"cassandra-cdc-replicator/internal/metrics"
	"cassandra-cdc-replicator/pkg/types"
)

// Policy parameterizes the backoff schedule.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
}

// PolicyFromConfig converts the configuration section into a Policy.
func PolicyFromConfig(cfg types.RetryConfig) Policy {
	return Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   time.Duration(cfg.BaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.MaxDelayMs) * time.Millisecond,
		Multiplier:  cfg.BackoffMultiplier,
		Jitter:      cfg.Jitter,
	}
}

// Backoff returns the sleep before retrying attempt k (1-indexed):
// min(max_delay, base_delay * multiplier^(k-1)), with ±25% uniform jitter
// when enabled. Never negative.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		jitterRange := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitterRange
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Engine executes operations under the policy.
type Engine struct {
	policy Policy
	logger *logrus.Logger
}

// NewEngine creates a retry engine.
func NewEngine(policy Policy, logger *logrus.Logger) *Engine {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 1.0
	}
	return &Engine{policy: policy, logger: logger}
}

// Policy returns the engine's policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Execute runs op, retrying retryable failures under the backoff schedule.
// Permanent errors return immediately. Context cancellation is honored at
// the next backoff wakeup and returns ctx.Err(); it is never retried.
func (e *Engine) Execute(ctx context.Context, destination string, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if Classify(lastErr) == ClassPermanent {
			e.logger.WithError(lastErr).WithFields(logrus.Fields{
				"destination": destination,
				"attempt":     attempt,
			}).Error("Permanent error, not retrying")
			return lastErr
		}

		if attempt >= e.policy.MaxAttempts {
			e.logger.WithError(lastErr).WithFields(logrus.Fields{
				"destination": destination,
				"attempts":    attempt,
			}).Error("Max retry attempts reached")
			return lastErr
		}

		delay := e.policy.Backoff(attempt)
		e.logger.WithError(lastErr).WithFields(logrus.Fields{
			"destination": destination,
			"attempt":     attempt,
			"max_attempts": e.policy.MaxAttempts,
			"delay_ms":    delay.Milliseconds(),
		}).Warn("Retrying after error")
		metrics.RetryAttemptsTotal.WithLabelValues(destination).Inc()

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	return lastErr
}
