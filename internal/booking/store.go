package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"bus-ticket/internal/status"
	"bus-ticket/models"
)

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Statuses     []models.BookingStatus
	HolderID     string
	UpdatedAfter time.Time
	// WithIntent keeps only bookings carrying a write-ahead intent.
	WithIntent bool
}

func (f Filter) match(b *models.Booking) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if b.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.HolderID != "" && b.HolderID != f.HolderID {
		return false
	}
	if !f.UpdatedAfter.IsZero() && !b.UpdatedAt.After(f.UpdatedAfter) {
		return false
	}
	if f.WithIntent && b.Intent == nil {
		return false
	}
	return true
}

// Store persists bookings. Update is a compare-and-set on Revision: it
// fails with status.ErrStaleBooking when someone else wrote the booking
// since it was read, and bumps Revision on success.
type Store interface {
	Create(ctx context.Context, b *models.Booking) error
	Get(ctx context.Context, id string) (*models.Booking, error)
	Update(ctx context.Context, b *models.Booking) error
	FindByTicket(ctx context.Context, ticketID string) (*models.Booking, error)
	List(ctx context.Context, f Filter) ([]*models.Booking, error)
}

type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]*models.Booking
	clock    clockwork.Clock
}

func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{bookings: make(map[string]*models.Booking), clock: clock}
}

func (s *MemoryStore) Create(_ context.Context, b *models.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	b.Revision = 1
	b.CreatedAt = now
	b.UpdatedAt = now
	s.bookings[b.ID] = b.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bookings[id]
	if !ok {
		return nil, status.ErrBookingNotFound
	}
	return b.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, b *models.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.bookings[b.ID]
	if !ok {
		return status.ErrBookingNotFound
	}
	if cur.Revision != b.Revision {
		return status.ErrStaleBooking
	}
	b.Revision++
	b.UpdatedAt = s.clock.Now()
	s.bookings[b.ID] = b.Clone()
	return nil
}

func (s *MemoryStore) FindByTicket(_ context.Context, ticketID string) (*models.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, b := range s.bookings {
		if b.TicketIndex(ticketID) >= 0 {
			return b.Clone(), nil
		}
	}
	return nil, status.ErrTicketNotFound
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]*models.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Booking
	for _, b := range s.bookings {
		if f.match(b) {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) || (out[i].CreatedAt.Equal(out[j].CreatedAt) && out[i].ID < out[j].ID) })
	return out, nil
}
