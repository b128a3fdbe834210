package realtime

import (
	"sync"
	"time"

	"bus-ticket/models"
)

// SeatView is a consumer's picture of one trip's seat map. Events are
// applied by version, so duplicates and late arrivals are no-ops.
type SeatView struct {
	mu          sync.RWMutex
	tripID      string
	seats       map[string]models.SeatEvent
	needsResync bool
}

func NewSeatView(tripID string) *SeatView {
	return &SeatView{
		tripID:      tripID,
		seats:       make(map[string]models.SeatEvent),
		needsResync: true,
	}
}

func (v *SeatView) TripID() string { return v.tripID }

// Apply folds one event into the view and reports whether it changed
// anything. A resync marker only flags the view as stale.
func (v *SeatView) Apply(ev models.SeatEvent) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if ev.TripID != v.tripID {
		return false
	}
	if ev.Resync {
		v.needsResync = true
		return false
	}
	if cur, ok := v.seats[ev.SeatID]; ok && ev.Version <= cur.Version {
		return false
	}
	v.seats[ev.SeatID] = ev
	return true
}

// Load replaces what the snapshot covers with the store's answer. Rows
// older than what the view already has are skipped; an event may have
// overtaken the snapshot.
func (v *SeatView) Load(snapshot []models.SeatLock, now time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, l := range snapshot {
		if l.TripID != v.tripID {
			continue
		}
		if cur, ok := v.seats[l.SeatID]; ok && l.Version < cur.Version {
			continue
		}
		v.seats[l.SeatID] = models.EventFromLock(l, now)
	}
	v.needsResync = false
}

func (v *SeatView) NeedsResync() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.needsResync
}

// State returns what the view believes about seatID. Unknown seats are
// available.
func (v *SeatView) State(seatID string) models.SeatState {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if ev, ok := v.seats[seatID]; ok {
		return ev.State
	}
	return models.SeatAvailable
}

func (v *SeatView) Version(seatID string) int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.seats[seatID].Version
}

func (v *SeatView) Snapshot() map[string]models.SeatState {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]models.SeatState, len(v.seats))
	for id, ev := range v.seats {
		out[id] = ev.State
	}
	return out
}
