// Package backoff spaces out retries of calls to the controller.
package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Registration retry schedule
const (
	DefaultInitial    = 1 * time.Second
	DefaultMax        = 30 * time.Second
	DefaultMultiplier = 2.0
)

type Backoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	currentInterval time.Duration
	attempts        int
}

func New(initial, max time.Duration, multiplier float64) *Backoff {
	return &Backoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
	}
}

// Default returns a backoff starting at 1s, doubling up to 30s
func Default() *Backoff {
	return New(DefaultInitial, DefaultMax, DefaultMultiplier)
}

// Next returns the next backoff duration
func (b *Backoff) Next() time.Duration {
	b.attempts++
	if b.currentInterval == 0 {
		b.currentInterval = b.InitialInterval
	} else {
		b.currentInterval = time.Duration(float64(b.currentInterval) * b.Multiplier)
		if b.currentInterval > b.MaxInterval {
			b.currentInterval = b.MaxInterval
		}
	}

	// Add jitter: ±10%
	jitter := time.Duration(rand.Float64()*0.2*float64(b.currentInterval)) -
		time.Duration(0.1*float64(b.currentInterval))

	return b.currentInterval + jitter
}

// Attempts is the number of delays handed out since the last Reset
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Sleep waits for the next delay. It returns false if ctx ends first.
func (b *Backoff) Sleep(ctx context.Context) bool {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Reset resets the backoff to initial state
func (b *Backoff) Reset() {
	b.currentInterval = 0
	b.attempts = 0
}
