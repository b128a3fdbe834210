package lockstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"bus-ticket/models"
	"bus-ticket/monitoring"
)

type sweepable interface {
	Sweep(ctx context.Context) ([]models.SeatLock, error)
}

// Sweeper expires lapsed holds on a timer. Acquire already treats a
// lapsed hold as free; the sweeper exists so viewers learn about it
// within one interval.
type Sweeper struct {
	store    sweepable
	clock    clockwork.Clock
	interval time.Duration
	log      *slog.Logger
}

func NewSweeper(store sweepable, clock clockwork.Clock, interval time.Duration, logger *slog.Logger) *Sweeper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, clock: clock, interval: interval, log: logger}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("Seat lock sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Seat lock sweeper stopped")
			return
		case <-ticker.Chan():
			if _, err := s.RunOnce(ctx); err != nil {
				s.log.Error("Seat lock sweep failed", "error", err)
			}
		}
	}
}

func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	swept, err := s.store.Sweep(ctx)
	if len(swept) > 0 {
		monitoring.TrackSwept(len(swept))
		for _, l := range swept {
			if !l.AcquiredAt.IsZero() {
				monitoring.TrackHold("expired", l.ExpiresAt.Sub(l.AcquiredAt))
			}
		}
		s.log.Info("Expired lapsed seat holds", "count", len(swept))
	}
	return len(swept), err
}
