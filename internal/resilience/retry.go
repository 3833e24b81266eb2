// Package resilience retries remote fetches of reference layers that fail
// for reasons expected to clear up on their own.
package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Policy controls how often and how patiently an operation is retried.
type Policy struct {
	// Attempts is the total number of tries, including the first. Default: 3.
	Attempts int

	// Backoff is the delay before the first retry; it doubles per retry
	// up to MaxBackoff. Defaults: 500ms and 30s.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// Limiter, when set, is waited on before every attempt.
	Limiter *rate.Limiter
}

// DefaultPolicy returns the policy used for layer downloads.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Backoff: 500 * time.Millisecond, MaxBackoff: 30 * time.Second}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Attempts <= 0 {
		p.Attempts = d.Attempts
	}
	if p.Backoff <= 0 {
		p.Backoff = d.Backoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	return p
}

// Retry runs fn until it succeeds, returns an error IsTransient rejects, the
// attempts run out or ctx is done. The last error is returned unchanged.
func Retry(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if p.Limiter != nil {
			if werr := p.Limiter.Wait(ctx); werr != nil {
				if err != nil {
					return err
				}
				return werr
			}
		}

		err = fn(ctx)
		if err == nil || ctx.Err() != nil || !IsTransient(err) {
			return err
		}
		if attempt == p.Attempts-1 {
			break
		}

		zap.L().Warn("retrying after transient failure",
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Int("attempts", p.Attempts),
			zap.Error(err),
		)

		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

// delay is Backoff * 2^attempt capped at MaxBackoff, plus up to 25% jitter.
func (p Policy) delay(attempt int) time.Duration {
	d := float64(p.Backoff) * math.Pow(2, float64(attempt))
	d = math.Min(d, float64(p.MaxBackoff))
	d += rand.Float64() * d / 4
	return time.Duration(d)
}
