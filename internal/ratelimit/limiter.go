// Package ratelimit throttles outbound sec.gov requests and holds every caller
// during a cooldown after the upstream refuses service.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned (wrapped) when a request is still refused by the
// upstream after the configured number of cooldowns.
var ErrRateLimited = eris.New("ratelimit: upstream rate limit exhausted")

// Defaults observed for sec.gov fair-access policy.
const (
	DefaultRequestsPerWindow = 8
	DefaultWindow            = time.Second
	DefaultCooldown          = 10 * time.Minute
)

// Config configures a Limiter.
type Config struct {
	RequestsPerWindow int
	Window            time.Duration
	Cooldown          time.Duration

	// OnTrip is called after a cooldown starts. Optional.
	OnTrip func(reason string, until time.Time)
}

// Limiter spaces request grants at least Window/RequestsPerWindow apart, which
// keeps every rolling window at or below RequestsPerWindow. Trip starts a
// cooldown that blocks all Acquire calls until it elapses.
type Limiter struct {
	limiter  *rate.Limiter
	interval time.Duration
	cooldown time.Duration
	onTrip   func(string, time.Time)

	mu    sync.Mutex
	until time.Time
	trips int
}

// New creates a Limiter, filling zero fields with defaults.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerWindow <= 0 {
		cfg.RequestsPerWindow = DefaultRequestsPerWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	interval := cfg.Window / time.Duration(cfg.RequestsPerWindow)
	return &Limiter{
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
		cooldown: cfg.Cooldown,
		onTrip:   cfg.OnTrip,
	}
}

// Interval returns the minimum spacing between two grants.
func (l *Limiter) Interval() time.Duration { return l.interval }

// Acquire blocks until a request may be issued. It returns the context error
// if ctx ends first.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		if err := l.waitCooldown(ctx); err != nil {
			return err
		}
		if err := l.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return eris.Wrap(err, "ratelimit: wait")
		}
		// A trip may have landed while we were queued for a token.
		if !l.CoolingDown() {
			return nil
		}
	}
}

func (l *Limiter) waitCooldown(ctx context.Context) error {
	for {
		remaining := time.Until(l.CooldownUntil())
		if remaining <= 0 {
			return nil
		}
		t := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Trip starts a cooldown, or extends the current one, to now+Cooldown.
func (l *Limiter) Trip(reason string) time.Time {
	l.mu.Lock()
	until := time.Now().Add(l.cooldown)
	if until.After(l.until) {
		l.until = until
	}
	l.trips++
	until = l.until
	trips := l.trips
	l.mu.Unlock()

	zap.L().Warn("ratelimit: upstream refused request, cooling down",
		zap.String("reason", reason),
		zap.Time("until", until),
		zap.Int("trips", trips),
	)
	if l.onTrip != nil {
		l.onTrip(reason, until)
	}
	return until
}

// CooldownUntil returns the end of the current cooldown, or the zero time.
func (l *Limiter) CooldownUntil() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.until
}

// CoolingDown reports whether a cooldown is active.
func (l *Limiter) CoolingDown() bool {
	return time.Now().Before(l.CooldownUntil())
}

// Trips returns how many times the limiter has been tripped.
func (l *Limiter) Trips() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.trips
}
