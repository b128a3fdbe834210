// Package lockstore is the authoritative seat lock table. It guarantees
// that at most one holder owns an unexpired hold or a sale on a given
// (trip, seat) at any instant.
package lockstore

import (
	"context"
	"sort"
	"time"

	"bus-ticket/internal/status"
	"bus-ticket/models"
)

// Store is the seat lock table. Every method is atomic over the seats it
// is given: either all of them change or none do.
type Store interface {
	// Acquire grants every seat to holderID or none of them. A seat is
	// free when it has no row, was released or expired, or is held with
	// an expiry in the past. Seats already held by holderID are granted
	// again. Conflicts come back as *status.ConflictError.
	Acquire(ctx context.Context, tripID string, seatIDs []string, holderID string, ttl time.Duration) (*models.Lease, error)

	// Renew pushes the expiry of every seat to max(current, now+ttl). Any
	// seat not held by holderID, or already lapsed, fails the whole call
	// with status.ErrNotHolder.
	Renew(ctx context.Context, tripID string, seatIDs []string, holderID string, ttl time.Duration) (time.Time, error)

	// Release frees the seats holderID holds. Seats held by someone else,
	// sold seats and unknown seats are ignored.
	Release(ctx context.Context, tripID string, seatIDs []string, holderID string) error

	// Assign turns holderID's holds into sales. Seats already sold to
	// holderID count as assigned.
	Assign(ctx context.Context, tripID string, seatIDs []string, holderID string) error

	// Unassign turns sales back into holds expiring at expiresAt.
	Unassign(ctx context.Context, tripID string, seatIDs []string, holderID string, expiresAt time.Time) error

	Inspect(ctx context.Context, tripID string, seatIDs []string) ([]models.SeatLock, error)

	// Sweep marks every lapsed hold expired and announces it available.
	Sweep(ctx context.Context) ([]models.SeatLock, error)
}

// Publisher receives availability changes after they are committed.
// Implementations must not block the caller.
type Publisher interface {
	Publish(ctx context.Context, events ...models.SeatEvent)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, ...models.SeatEvent) {}

// NopPublisher drops every event.
var NopPublisher Publisher = nopPublisher{}

// normalizeSeats de-duplicates and sorts seat ids so multi-seat calls
// always touch rows in the same order.
func normalizeSeats(seatIDs []string) ([]string, error) {
	seen := make(map[string]struct{}, len(seatIDs))
	out := make([]string, 0, len(seatIDs))
	for _, id := range seatIDs {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, status.ErrNoSeats
	}
	sort.Strings(out)
	return out, nil
}

func notHolder(tripID string, seats []string) error {
	return &status.LeaseLostError{TripID: tripID, Seats: seats, Cause: status.ErrNotHolder}
}
