package models

import (
	"time"
)

type SeatState string

const (
	SeatAvailable SeatState = "available"
	SeatHeld      SeatState = "held"
	SeatSold      SeatState = "sold"
)

// SeatEvent is the seatAvailabilityChanged message fanned out to every
// viewer of a trip. Version is assigned by the lock store and increases
// with every transition of the same seat.
type SeatEvent struct {
	TripID   string    `json:"trip_id"`
	SeatID   string    `json:"seat_id"`
	State    SeatState `json:"state"`
	HolderID string    `json:"holder_id,omitempty"`
	Version  int64     `json:"version"`
	At       time.Time `json:"at"`

	// Resync is set on a marker event telling the consumer it may have
	// missed events and must re-read the trip snapshot.
	Resync bool `json:"resync,omitempty"`
}

// EventFromLock builds the availability event for a lock row.
func EventFromLock(l SeatLock, now time.Time) SeatEvent {
	ev := SeatEvent{
		TripID:  l.TripID,
		SeatID:  l.SeatID,
		State:   l.Availability(now),
		Version: l.Version,
		At:      now,
	}
	if ev.State != SeatAvailable {
		ev.HolderID = l.HolderID
	}
	return ev
}

// RenewalLease is the client-local schedule for keeping a hold alive.
// It is never persisted server side beyond its effect on ExpiresAt.
type RenewalLease struct {
	TripID          string        `json:"trip_id"`
	SeatIDs         []string      `json:"seat_ids"`
	HolderID        string        `json:"holder_id"`
	RenewalInterval time.Duration `json:"renewal_interval"`
	NextRenewalAt   time.Time     `json:"next_renewal_at"`
	ExpiresAt       time.Time     `json:"expires_at"`
}
