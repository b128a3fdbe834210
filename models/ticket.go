package models

import (
	"time"
)

type LockState string

const (
	LockHeld     LockState = "held"
	LockReleased LockState = "released"
	LockExpired  LockState = "expired"
	LockSold     LockState = "sold"
)

// SeatLock is the authoritative row for one (trip, seat) pair. A missing
// row means the seat was never touched and is available.
type SeatLock struct {
	TripID     string    `json:"trip_id"`
	SeatID     string    `json:"seat_id"`
	HolderID   string    `json:"holder_id,omitempty"`
	State      LockState `json:"state"`
	AcquiredAt time.Time `json:"acquired_at,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	Version    int64     `json:"version"`
}

// Active reports whether the row blocks other holders at now.
func (l SeatLock) Active(now time.Time) bool {
	switch l.State {
	case LockSold:
		return true
	case LockHeld:
		return l.ExpiresAt.After(now)
	}
	return false
}

// HeldBy reports whether holderID owns an unexpired hold at now.
func (l SeatLock) HeldBy(holderID string, now time.Time) bool {
	return l.State == LockHeld && l.HolderID == holderID && l.ExpiresAt.After(now)
}

// Availability maps the lock row to what a seat map viewer sees.
func (l SeatLock) Availability(now time.Time) SeatState {
	switch {
	case l.State == LockSold:
		return SeatSold
	case l.State == LockHeld && l.ExpiresAt.After(now):
		return SeatHeld
	}
	return SeatAvailable
}

// Lease is what a successful acquire hands back to the holder.
type Lease struct {
	TripID    string    `json:"trip_id"`
	SeatIDs   []string  `json:"seat_ids"`
	HolderID  string    `json:"holder_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Ticket is one passenger seat inside a booking. A ticket change moves
// TripID/SeatID while the booking keeps its identity.
type Ticket struct {
	ID            string `json:"id"`
	TripID        string `json:"trip_id"`
	SeatID        string `json:"seat_id"`
	PassengerName string `json:"passenger_name,omitempty"`
}
