package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Policy describes how a failed call is retried. Delays double from
// BaseDelay up to MaxDelay.
type Policy struct {
	// Attempts is the total number of calls, the first included. Default 3.
	Attempts int
	// BaseDelay is the wait before the first retry. Default 500ms.
	BaseDelay time.Duration
	// MaxDelay caps a single wait. Default 30s.
	MaxDelay time.Duration
	// Jitter spreads each wait by up to this fraction either way.
	Jitter float64

	// Retryable reports whether err is worth another call. Default IsTransient.
	Retryable func(err error) bool
	// Immediate reports whether the next call may go out without waiting.
	// The fetcher sets it for rate-limit refusals, since its limiter already
	// holds the next request for the cooldown.
	Immediate func(err error) bool
	// OnRetry runs before each retry with the 1-based retry number.
	OnRetry func(retry int, err error)
}

func (p Policy) withDefaults() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	p.Jitter = min(max(p.Jitter, 0), 1)
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	return p
}

// Delay returns the wait before retry n (0-based), jitter included.
func (p Policy) Delay(n int) time.Duration {
	p = p.withDefaults()
	d := p.MaxDelay
	if n < 32 {
		if grown := p.BaseDelay << n; grown > 0 && grown < p.MaxDelay {
			d = grown
		}
	}
	if p.Jitter > 0 {
		spread := float64(d) * p.Jitter
		d += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	return max(d, 0)
}

// Call runs fn until it succeeds, returns an error p does not retry, runs
// out of attempts or ctx ends. The last error is returned as is.
func Call[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	var zero T
	for n := 0; ; n++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil || !p.Retryable(err) || n+1 >= p.Attempts {
			return zero, err
		}
		if p.OnRetry != nil {
			p.OnRetry(n+1, err)
		}
		if p.Immediate != nil && p.Immediate(err) {
			continue
		}
		if !sleep(ctx, p.Delay(n)) {
			return zero, err
		}
	}
}

// sleep waits for d and reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// LogRetry returns an OnRetry hook that logs each retry of op against host.
func LogRetry(host, op string) func(int, error) {
	log := zap.L().With(zap.String("component", "retry"), zap.String("host", host), zap.String("op", op))
	return func(retry int, err error) {
		log.Warn("retrying request",
			zap.Int("retry", retry),
			zap.String("category", string(Classify(err))),
			zap.Error(err),
		)
	}
}
