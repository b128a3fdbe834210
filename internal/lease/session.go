package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"bus-ticket/internal/status"
	"bus-ticket/models"
)

// Session is the checkout state a holder carries between requests: what
// they selected, until when they think they hold it, and which booking is
// waiting on payment. It is a cache of the lock store, never a source of
// truth; load it through Manager.Restore.
type Session struct {
	ID            string              `json:"id"`
	HolderID      string              `json:"holder_id"`
	TripID        string              `json:"trip_id"`
	SeatIDs       []string            `json:"seat_ids"`
	HoldExpiresAt time.Time           `json:"hold_expires_at"`
	BookingID     string              `json:"booking_id,omitempty"`
	Renewal       models.RenewalLease `json:"renewal"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// SessionStore decides how long a checkout session lives. The memory
// store forgets everything on restart; the Redis store survives reloads
// and restarts until the hold would have expired anyway.
type SessionStore interface {
	Save(ctx context.Context, sess *Session) error
	Load(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
}

type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	clock    clockwork.Clock
}

func NewMemorySessionStore(clock clockwork.Clock) *MemorySessionStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemorySessionStore{sessions: make(map[string]Session), clock: clock}
}

func (s *MemorySessionStore) Save(_ context.Context, sess *Session) error {
	if sess.ID == "" {
		return errors.New("lease: session without id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.UpdatedAt = s.clock.Now()
	cp := *sess
	cp.SeatIDs = append([]string(nil), sess.SeatIDs...)
	s.sessions[sess.ID] = cp
	return nil
}

func (s *MemorySessionStore) Load(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, status.ErrSessionNotFound
	}
	sess.SeatIDs = append([]string(nil), sess.SeatIDs...)
	return &sess, nil
}

func (s *MemorySessionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// RedisSessionStore keeps each session as JSON under its own key. The key
// expires a grace period after the hold does.
type RedisSessionStore struct {
	Redis redis.Cmdable
	clock clockwork.Clock
	grace time.Duration
}

func NewRedisSessionStore(rdb redis.Cmdable, clock clockwork.Clock, grace time.Duration) *RedisSessionStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if grace <= 0 {
		grace = time.Minute
	}
	return &RedisSessionStore{Redis: rdb, clock: clock, grace: grace}
}

func sessionKey(id string) string { return fmt.Sprintf("checkout:session:%s", id) }

func (s *RedisSessionStore) Save(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		return errors.New("lease: session without id")
	}
	now := s.clock.Now()
	sess.UpdatedAt = now

	ttl := s.grace
	if sess.HoldExpiresAt.After(now) {
		ttl += sess.HoldExpiresAt.Sub(now)
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := s.Redis.Set(ctx, sessionKey(sess.ID), data, ttl).Err(); err != nil {
		return &status.TransientError{Op: "session.save", Err: err}
	}
	return nil
}

func (s *RedisSessionStore) Load(ctx context.Context, id string) (*Session, error) {
	data, err := s.Redis.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, status.ErrSessionNotFound
	}
	if err != nil {
		return nil, &status.TransientError{Op: "session.load", Err: err}
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *RedisSessionStore) Delete(ctx context.Context, id string) error {
	if err := s.Redis.Del(ctx, sessionKey(id)).Err(); err != nil {
		return &status.TransientError{Op: "session.delete", Err: err}
	}
	return nil
}
