package lockstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"bus-ticket/internal/status"
	"bus-ticket/models"
)

// MemoryStore keeps the lock table in process memory behind one mutex.
// It backs tests and single-node demo mode; it does not survive a
// restart.
type MemoryStore struct {
	mu    sync.Mutex
	trips map[string]map[string]*models.SeatLock
	clock clockwork.Clock
	pub   Publisher
}

func NewMemoryStore(clock clockwork.Clock, pub Publisher) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if pub == nil {
		pub = NopPublisher
	}
	return &MemoryStore{
		trips: make(map[string]map[string]*models.SeatLock),
		clock: clock,
		pub:   pub,
	}
}

func (s *MemoryStore) row(tripID, seatID string) *models.SeatLock {
	seats, ok := s.trips[tripID]
	if !ok {
		seats = make(map[string]*models.SeatLock)
		s.trips[tripID] = seats
	}
	l, ok := seats[seatID]
	if !ok {
		l = &models.SeatLock{TripID: tripID, SeatID: seatID}
		seats[seatID] = l
	}
	return l
}

func (s *MemoryStore) peek(tripID, seatID string) (models.SeatLock, bool) {
	if l, ok := s.trips[tripID][seatID]; ok {
		return *l, true
	}
	return models.SeatLock{TripID: tripID, SeatID: seatID}, false
}

func (s *MemoryStore) Acquire(ctx context.Context, tripID string, seatIDs []string, holderID string, ttl time.Duration) (*models.Lease, error) {
	seats, err := normalizeSeats(seatIDs)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var conflicts []string
	for _, id := range seats {
		l, _ := s.peek(tripID, id)
		if l.Active(now) && !l.HeldBy(holderID, now) {
			conflicts = append(conflicts, id)
		}
	}
	if len(conflicts) > 0 {
		return nil, &status.ConflictError{TripID: tripID, Seats: conflicts}
	}

	expiresAt := now.Add(ttl)
	leaseExpiry := time.Time{}
	events := make([]models.SeatEvent, 0, len(seats))
	for _, id := range seats {
		l := s.row(tripID, id)
		exp := expiresAt
		if l.HeldBy(holderID, now) {
			if l.ExpiresAt.After(exp) {
				exp = l.ExpiresAt
			}
		} else {
			l.AcquiredAt = now
		}
		l.HolderID = holderID
		l.State = models.LockHeld
		l.ExpiresAt = exp
		l.Version++
		if leaseExpiry.IsZero() || exp.Before(leaseExpiry) {
			leaseExpiry = exp
		}
		events = append(events, models.EventFromLock(*l, now))
	}
	s.pub.Publish(ctx, events...)

	return &models.Lease{TripID: tripID, SeatIDs: seats, HolderID: holderID, ExpiresAt: leaseExpiry}, nil
}

func (s *MemoryStore) Renew(ctx context.Context, tripID string, seatIDs []string, holderID string, ttl time.Duration) (time.Time, error) {
	seats, err := normalizeSeats(seatIDs)
	if err != nil {
		return time.Time{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var lost []string
	for _, id := range seats {
		if l, _ := s.peek(tripID, id); !l.HeldBy(holderID, now) {
			lost = append(lost, id)
		}
	}
	if len(lost) > 0 {
		return time.Time{}, notHolder(tripID, lost)
	}

	target := now.Add(ttl)
	var earliest time.Time
	for _, id := range seats {
		l := s.row(tripID, id)
		if target.After(l.ExpiresAt) {
			l.ExpiresAt = target
		}
		if earliest.IsZero() || l.ExpiresAt.Before(earliest) {
			earliest = l.ExpiresAt
		}
	}
	return earliest, nil
}

func (s *MemoryStore) Release(ctx context.Context, tripID string, seatIDs []string, holderID string) error {
	seats, err := normalizeSeats(seatIDs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var events []models.SeatEvent
	for _, id := range seats {
		l, ok := s.trips[tripID][id]
		if !ok || l.State != models.LockHeld || l.HolderID != holderID {
			continue
		}
		l.State = models.LockReleased
		l.Version++
		events = append(events, models.EventFromLock(*l, now))
	}
	s.pub.Publish(ctx, events...)
	return nil
}

func (s *MemoryStore) Assign(ctx context.Context, tripID string, seatIDs []string, holderID string) error {
	seats, err := normalizeSeats(seatIDs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var missing []string
	for _, id := range seats {
		l, _ := s.peek(tripID, id)
		if l.HolderID != holderID || (l.State != models.LockHeld && l.State != models.LockSold) {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return notHolder(tripID, missing)
	}

	now := s.clock.Now()
	var events []models.SeatEvent
	for _, id := range seats {
		l := s.row(tripID, id)
		if l.State == models.LockSold {
			continue
		}
		l.State = models.LockSold
		l.Version++
		events = append(events, models.EventFromLock(*l, now))
	}
	s.pub.Publish(ctx, events...)
	return nil
}

func (s *MemoryStore) Unassign(ctx context.Context, tripID string, seatIDs []string, holderID string, expiresAt time.Time) error {
	seats, err := normalizeSeats(seatIDs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var missing []string
	for _, id := range seats {
		l, _ := s.peek(tripID, id)
		if l.HolderID != holderID || (l.State != models.LockSold && l.State != models.LockHeld) {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return notHolder(tripID, missing)
	}

	now := s.clock.Now()
	var events []models.SeatEvent
	for _, id := range seats {
		l := s.row(tripID, id)
		if l.State != models.LockSold {
			continue
		}
		l.State = models.LockHeld
		l.ExpiresAt = expiresAt
		l.Version++
		events = append(events, models.EventFromLock(*l, now))
	}
	s.pub.Publish(ctx, events...)
	return nil
}

func (s *MemoryStore) Inspect(ctx context.Context, tripID string, seatIDs []string) ([]models.SeatLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(seatIDs) == 0 {
		out := make([]models.SeatLock, 0, len(s.trips[tripID]))
		for _, l := range s.trips[tripID] {
			out = append(out, *l)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].SeatID < out[j].SeatID })
		return out, nil
	}

	out := make([]models.SeatLock, 0, len(seatIDs))
	for _, id := range seatIDs {
		l, _ := s.peek(tripID, id)
		out = append(out, l)
	}
	return out, nil
}

func (s *MemoryStore) Sweep(ctx context.Context) ([]models.SeatLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var swept []models.SeatLock
	var events []models.SeatEvent
	for _, seats := range s.trips {
		for _, l := range seats {
			if l.State != models.LockHeld || l.ExpiresAt.After(now) {
				continue
			}
			l.State = models.LockExpired
			l.Version++
			swept = append(swept, *l)
			events = append(events, models.EventFromLock(*l, now))
		}
	}
	sort.Slice(swept, func(i, j int) bool {
		if swept[i].TripID != swept[j].TripID {
			return swept[i].TripID < swept[j].TripID
		}
		return swept[i].SeatID < swept[j].SeatID
	})
	s.pub.Publish(ctx, events...)
	return swept, nil
}
