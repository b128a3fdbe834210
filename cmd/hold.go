package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"bus-ticket/internal/countdown"
	"bus-ticket/internal/lease"
	"bus-ticket/internal/realtime"
	"bus-ticket/internal/status"
	"bus-ticket/models"
)

// holdSeats acquires the seats and keeps renewing them until ctx ends,
// then releases them. It prints the countdown once a minute along with
// how many seats of the trip are still free.
func holdSeats(ctx context.Context, out io.Writer, leases *lease.Manager, ch realtime.Channel, tripID string, seatIDs []string, holderID string, clock clockwork.Clock) error {
	l, err := leases.Acquire(ctx, tripID, seatIDs, holderID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Holding %s on trip %s until %s\n", strings.Join(l.SeatIDs, ","), tripID, l.ExpiresAt.Format(time.RFC3339))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	view := realtime.NewSeatView(tripID)
	go func() { _ = realtime.Follow(runCtx, ch, view, clock) }()

	guard := countdown.NewGuard(l.ExpiresAt, clock)
	ticks := guard.Run(runCtx)
	signals := leases.StartKeepAlive(runCtx, tripID, l.SeatIDs, holderID)

	lastMinute := -1
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "Releasing seats")
			releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer releaseCancel()
			return leases.Abandon(releaseCtx, tripID, l.SeatIDs, holderID)

		case s, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			if s.Kind == lease.SignalLost {
				return s.Err
			}
			guard.Reset(s.ExpiresAt)

		case t, ok := <-ticks:
			if !ok {
				ticks = nil
				continue
			}
			if t.Expired {
				return &status.LeaseLostError{TripID: tripID, Seats: l.SeatIDs, Cause: status.ErrNotHolder}
			}
			if m := int(t.Remaining / time.Minute); m != lastMinute {
				lastMinute = m
				fmt.Fprintf(out, "%s left, %d seats free\n", t.Remaining.Truncate(time.Second), freeSeats(view))
			}
		}
	}
}

func freeSeats(view *realtime.SeatView) int {
	n := 0
	for _, state := range view.Snapshot() {
		if state == models.SeatAvailable {
			n++
		}
	}
	return n
}
