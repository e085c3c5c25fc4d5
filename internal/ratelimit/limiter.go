// Package ratelimit provides a token-bucket admission gate, one instance per
// upstream endpoint class.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"pairscope/internal/clock"
)

// ErrInvalidConfig is returned for a non-positive capacity or refill rate.
var ErrInvalidConfig = errors.New("ratelimit: capacity and refill rate must be positive")

// Config describes one bucket.
type Config struct {
	Name       string  // endpoint class, used in logs and metrics
	Capacity   float64 // maximum burst
	RefillRate float64 // tokens per second
}

// Limiter is a lazily refilled token bucket. Tokens stay within
// [0, capacity]; a caller that finds the bucket empty sleeps for the
// computed deficit and re-checks instead of borrowing against the future.
type Limiter struct {
	name     string
	capacity float64
	rate     float64
	clock    clock.Clock

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// New creates a full bucket.
func New(cfg Config, clk clock.Clock) (*Limiter, error) {
	if cfg.Capacity <= 0 || cfg.RefillRate <= 0 {
		return nil, fmt.Errorf("%w (name=%s capacity=%v rate=%v)", ErrInvalidConfig, cfg.Name, cfg.Capacity, cfg.RefillRate)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Limiter{
		name:       cfg.Name,
		capacity:   cfg.Capacity,
		rate:       cfg.RefillRate,
		clock:      clk,
		tokens:     cfg.Capacity,
		lastRefill: clk.Now(),
	}, nil
}

// Name returns the endpoint class of this limiter.
func (l *Limiter) Name() string { return l.name }

// Acquire blocks until one token is available and consumes it.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		wait := l.tryTake()
		if wait == 0 {
			return nil
		}
		if err := clock.Sleep(ctx, l.clock, wait); err != nil {
			return err
		}
	}
}

// Tokens returns the current token count after a refill.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return l.tokens
}

// tryTake consumes a token and returns 0, or returns how long until one
// token will have accumulated.
func (l *Limiter) tryTake() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens >= 1 {
		l.tokens--
		return 0
	}
	deficit := 1 - l.tokens
	wait := time.Duration(math.Ceil(deficit / l.rate * float64(time.Second)))
	if wait <= 0 {
		wait = time.Nanosecond
	}
	return wait
}

func (l *Limiter) refill() {
	now := l.clock.Now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	l.tokens = math.Min(l.capacity, l.tokens+elapsed*l.rate)
	l.lastRefill = now
}
