// Package countdown drives the hold timer shown during checkout. It only
// ever reads the cached expiry and the clock; the lock store stays the
// sole authority on whether a hold is alive.
package countdown

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type Tick struct {
	Remaining time.Duration
	Expired   bool
}

type Guard struct {
	clock clockwork.Clock

	mu        sync.Mutex
	expiresAt time.Time
	reset     chan struct{}
}

func NewGuard(expiresAt time.Time, clock clockwork.Clock) *Guard {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Guard{clock: clock, expiresAt: expiresAt, reset: make(chan struct{}, 1)}
}

func (g *Guard) ExpiresAt() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.expiresAt
}

// Remaining is never negative.
func (g *Guard) Remaining() time.Duration {
	left := g.ExpiresAt().Sub(g.clock.Now())
	if left < 0 {
		return 0
	}
	return left
}

func (g *Guard) Expired() bool { return g.Remaining() == 0 }

// CanSubmit gates the payment button. A zero countdown never submits.
func (g *Guard) CanSubmit() bool { return !g.Expired() }

// Reset moves the deadline after a successful renewal. A later deadline
// revives a guard that had already run out.
func (g *Guard) Reset(expiresAt time.Time) {
	g.mu.Lock()
	g.expiresAt = expiresAt
	g.mu.Unlock()

	select {
	case g.reset <- struct{}{}:
	default:
	}
}

// Run ticks once a second until the countdown reaches zero, emits one
// expired tick and closes the channel. Ticks are dropped when the reader
// falls behind.
func (g *Guard) Run(ctx context.Context) <-chan Tick {
	ticks := make(chan Tick, 1)

	go func() {
		defer close(ticks)
		ticker := g.clock.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			left := g.Remaining()
			if left == 0 {
				select {
				case ticks <- Tick{Expired: true}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case ticks <- Tick{Remaining: left}:
			default:
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
			case <-g.reset:
			}
		}
	}()

	return ticks
}
