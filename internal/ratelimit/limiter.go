// Package ratelimit implements the per-client fixed-window limiter in front
// of the chat endpoint. The counting itself lives in a Store so that a
// single process can keep counters in memory while a fleet shares them
// through Redis.
package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultBudget = 10
	DefaultWindow = 60 * time.Second
)

// Clock abstracts time for testing.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	// Count is the number of requests admitted in the current window.
	Count   int
	ResetAt time.Time
	// RetryAfter is how long a rejected client should wait, rounded up to
	// whole seconds.
	RetryAfter time.Duration
}

// Store performs the atomic read-modify-write for one client key.
type Store interface {
	TryConsume(ctx context.Context, key string, budget int, window time.Duration, now time.Time) (Decision, error)
}

// Limiter admits at most Budget requests per client per Window.
type Limiter struct {
	store  Store
	budget int
	window time.Duration
	clock  Clock
	logger *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithLogger overrides the logger used for store failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New creates a Limiter over store. Non-positive budget or window fall back
// to the defaults (10 requests per 60s).
func New(store Store, budget int, window time.Duration, opts ...Option) *Limiter {
	if budget <= 0 {
		budget = DefaultBudget
	}
	if window <= 0 {
		window = DefaultWindow
	}
	l := &Limiter{
		store:  store,
		budget: budget,
		window: window,
		clock:  realClock{},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Budget returns the per-window request allowance.
func (l *Limiter) Budget() int { return l.budget }

// Window returns the window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Allow consumes one unit of budget for clientID. A failing store admits
// the request: losing the limiter must not take the chat down with it.
// The only error returned is a cancelled context.
func (l *Limiter) Allow(ctx context.Context, clientID string) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	now := l.clock.Now()
	d, err := l.store.TryConsume(ctx, clientID, l.budget, l.window, now)
	if err != nil {
		l.logger.Warn("rate limit store failed, admitting request", "client", clientID, "error", err)
		return Decision{Allowed: true, ResetAt: now.Add(l.window)}, nil
	}
	if !d.Allowed && d.RetryAfter <= 0 {
		d.RetryAfter = roundUp(d.ResetAt.Sub(now))
	}
	return d, nil
}

// roundUp rounds d up to whole seconds, with a floor of one second.
func roundUp(d time.Duration) time.Duration {
	if d <= time.Second {
		return time.Second
	}
	if r := d % time.Second; r != 0 {
		d += time.Second - r
	}
	return d
}
