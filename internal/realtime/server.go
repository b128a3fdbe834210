package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"bus-ticket/internal/lockstore"
	"bus-ticket/internal/status"
	"bus-ticket/models"
	"bus-ticket/utils"
)

// Channel is what a seat map client needs from the realtime layer:
// at-least-once events for a trip plus a command path to the lock store.
// Framing is up to the implementation.
type Channel interface {
	Subscribe(ctx context.Context, tripID string) (<-chan models.SeatEvent, func(), error)
	Send(ctx context.Context, cmd Command) (*Reply, error)
}

type Op string

const (
	OpAcquire Op = "acquire"
	OpRenew   Op = "renew"
	OpRelease Op = "release"
	OpSync    Op = "sync"
)

type Command struct {
	Op       Op       `json:"op"`
	TripID   string   `json:"trip_id"`
	SeatIDs  []string `json:"seat_ids,omitempty"`
	HolderID string   `json:"holder_id,omitempty"`
}

type Reply struct {
	Lease     *models.Lease     `json:"lease,omitempty"`
	ExpiresAt time.Time         `json:"expires_at,omitempty"`
	Snapshot  []models.SeatLock `json:"snapshot,omitempty"`
}

// Server executes channel commands against the lock store and serves
// subscriptions from the hub.
type Server struct {
	store lockstore.Store
	hub   *Hub
	ttl   time.Duration
	clock clockwork.Clock
}

func NewServer(store lockstore.Store, hub *Hub, ttl time.Duration, clock clockwork.Clock) *Server {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Server{store: store, hub: hub, ttl: ttl, clock: clock}
}

func (s *Server) Subscribe(ctx context.Context, tripID string) (<-chan models.SeatEvent, func(), error) {
	return s.hub.Subscribe(ctx, tripID)
}

func (s *Server) Send(ctx context.Context, cmd Command) (*Reply, error) {
	if cmd.TripID == "" {
		return nil, fmt.Errorf("realtime: %s without trip id", cmd.Op)
	}

	switch cmd.Op {
	case OpAcquire:
		lease, err := s.store.Acquire(ctx, cmd.TripID, cmd.SeatIDs, cmd.HolderID, s.ttl)
		if err != nil {
			return nil, err
		}
		return &Reply{Lease: lease, ExpiresAt: lease.ExpiresAt}, nil
	case OpRenew:
		exp, err := s.store.Renew(ctx, cmd.TripID, cmd.SeatIDs, cmd.HolderID, s.ttl)
		if err != nil {
			return nil, err
		}
		return &Reply{ExpiresAt: exp}, nil
	case OpRelease:
		if err := s.store.Release(ctx, cmd.TripID, cmd.SeatIDs, cmd.HolderID); err != nil {
			return nil, err
		}
		return &Reply{}, nil
	case OpSync:
		snapshot, err := s.store.Inspect(ctx, cmd.TripID, cmd.SeatIDs)
		if err != nil {
			return nil, err
		}
		return &Reply{Snapshot: snapshot}, nil
	}
	return nil, fmt.Errorf("realtime: unknown op %q", cmd.Op)
}

// Follow keeps view in step with the trip until ctx is done. It
// subscribes first and then loads a snapshot, so nothing published in
// between is lost. A dropped subscription or a resync marker triggers
// the same subscribe-then-sync again; neither says anything about who
// holds a seat.
func Follow(ctx context.Context, ch Channel, view *SeatView, clock clockwork.Clock) error {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	attempt := 0
	for {
		err := followOnce(ctx, ch, view, clock)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			attempt++
			slog.Warn("Seat map subscription interrupted", "trip_id", view.TripID(), "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-clock.After(utils.Backoff(attempt, 200*time.Millisecond, 10*time.Second)):
			}
			continue
		}
		attempt = 0
	}
}

var errSubscriptionClosed = errors.New("realtime: subscription closed")

func followOnce(ctx context.Context, ch Channel, view *SeatView, clock clockwork.Clock) error {
	events, cancel, err := ch.Subscribe(ctx, view.TripID())
	if err != nil {
		return &status.TransientError{Op: "realtime.subscribe", Err: err}
	}
	defer cancel()

	reply, err := ch.Send(ctx, Command{Op: OpSync, TripID: view.TripID()})
	if err != nil {
		return &status.TransientError{Op: "realtime.sync", Err: err}
	}
	view.Load(reply.Snapshot, clock.Now())

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return errSubscriptionClosed
			}
			view.Apply(ev)
			if ev.Resync {
				return nil
			}
		}
	}
}
