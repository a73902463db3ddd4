// Package retry implements bounded retry policies for calls to
// external providers and stores.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy executes a function with retries.
type Policy interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
	NextDelay(attempt int) time.Duration
}

// Config contains retry configuration.
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	Multiplier      float64
	MaxAttempts     int
}

// ExponentialBackoff retries with exponentially growing, jittered delays.
type ExponentialBackoff struct {
	config Config
}

// NewExponentialBackoff creates an exponential backoff policy with
// sane defaults for zero-valued fields.
func NewExponentialBackoff(config Config) Policy {
	if config.InitialInterval <= 0 {
		config.InitialInterval = 200 * time.Millisecond
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = 10 * time.Second
	}
	if config.MaxElapsedTime <= 0 {
		config.MaxElapsedTime = 30 * time.Second
	}
	if config.Multiplier <= 1.0 {
		config.Multiplier = 2.0
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	return &ExponentialBackoff{config: config}
}

// Execute runs fn until it succeeds, the attempt budget or elapsed-time
// budget is exhausted, or the context is cancelled. The last error from
// fn is returned; context cancellation wins over fn errors.
func (e *ExponentialBackoff) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	start := time.Now()
	attempt := 0

	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		attempt++
		if attempt >= e.config.MaxAttempts {
			return err
		}
		if time.Since(start) >= e.config.MaxElapsedTime {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case <-time.After(e.NextDelay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// NextDelay calculates the delay before the given attempt with ±20% jitter.
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.config.InitialInterval) * math.Pow(e.config.Multiplier, float64(attempt-1))
	if delay > float64(e.config.MaxInterval) {
		delay = float64(e.config.MaxInterval)
	}
	jitter := delay * 0.2 * (rand.Float64()*2 - 1)
	return time.Duration(delay + jitter)
}
