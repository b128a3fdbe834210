// Package lease keeps a holder's seat locks alive for the length of a
// checkout and tells the booking flow the moment they are gone.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"bus-ticket/internal/status"
	"bus-ticket/models"
	"bus-ticket/monitoring"
	"bus-ticket/utils"
)

// Locker is the part of the seat lock store the manager drives.
type Locker interface {
	Acquire(ctx context.Context, tripID string, seatIDs []string, holderID string, ttl time.Duration) (*models.Lease, error)
	Renew(ctx context.Context, tripID string, seatIDs []string, holderID string, ttl time.Duration) (time.Time, error)
	Release(ctx context.Context, tripID string, seatIDs []string, holderID string) error
	Inspect(ctx context.Context, tripID string, seatIDs []string) ([]models.SeatLock, error)
}

type SignalKind int

const (
	SignalRenewed SignalKind = iota
	SignalLost
)

func (k SignalKind) String() string {
	if k == SignalLost {
		return "lost"
	}
	return "renewed"
}

// Signal reports the outcome of a renewal. SignalLost is terminal: the
// channel closes right after it.
type Signal struct {
	Kind      SignalKind
	Lease     models.RenewalLease
	ExpiresAt time.Time
	Err       error
}

type Options struct {
	TTL           time.Duration
	RenewInterval time.Duration
	CallTimeout   time.Duration
	// Retries is how many more times an unknown renewal outcome is tried
	// before the lease is declared lost.
	Retries      int
	RetryBackoff time.Duration
	Clock        clockwork.Clock
	Logger       *slog.Logger
}

type Manager struct {
	store Locker
	opts  Options
	clock clockwork.Clock
	log   *slog.Logger

	mu    sync.Mutex
	loops map[string]*keepAlive
}

type keepAlive struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(store Locker, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Minute
	}
	if opts.RenewInterval <= 0 {
		opts.RenewInterval = 2 * time.Minute
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Second
	}
	if opts.Retries < 1 {
		opts.Retries = 1
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	return &Manager{
		store: store,
		opts:  opts,
		clock: opts.Clock,
		log:   opts.Logger,
		loops: make(map[string]*keepAlive),
	}
}

func (m *Manager) TTL() time.Duration { return m.opts.TTL }

func loopKey(tripID string, seatIDs []string, holderID string) string {
	seats := append([]string(nil), seatIDs...)
	sort.Strings(seats)
	return tripID + "|" + strings.Join(seats, ",") + "|" + holderID
}

func retryable(err error) bool {
	return status.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}

// Acquire takes the seats with the same retry policy renewals use.
// Conflicts are returned at once; an unreachable store after every retry
// is status.ErrLockStoreUnavailable.
func (m *Manager) Acquire(ctx context.Context, tripID string, seatIDs []string, holderID string) (*models.Lease, error) {
	var lastErr error
	for attempt := 0; attempt <= m.opts.Retries; attempt++ {
		if attempt > 0 {
			if err := m.wait(ctx, attempt); err != nil {
				return nil, err
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
		lease, err := m.store.Acquire(callCtx, tripID, seatIDs, holderID, m.opts.TTL)
		cancel()
		if err == nil {
			return lease, nil
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
		m.log.Warn("Seat acquire outcome unknown, retrying", "trip_id", tripID, "holder_id", holderID, "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("%w: %v", status.ErrLockStoreUnavailable, lastErr)
}

// StartKeepAlive renews the seats every RenewInterval until the lease is
// lost, StopKeepAlive or Abandon is called, or ctx is done. Starting the
// same trip, seat set and holder again replaces the running loop.
func (m *Manager) StartKeepAlive(ctx context.Context, tripID string, seatIDs []string, holderID string) <-chan Signal {
	key := loopKey(tripID, seatIDs, holderID)
	signals := make(chan Signal, 1)

	loopCtx, cancel := context.WithCancel(ctx)
	ka := &keepAlive{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	prev := m.loops[key]
	m.loops[key] = ka
	m.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	seats := append([]string(nil), seatIDs...)
	go func() {
		defer close(ka.done)
		defer close(signals)
		defer func() {
			m.mu.Lock()
			if m.loops[key] == ka {
				delete(m.loops, key)
			}
			m.mu.Unlock()
		}()
		m.run(loopCtx, tripID, seats, holderID, signals)
	}()

	return signals
}

func (m *Manager) run(ctx context.Context, tripID string, seatIDs []string, holderID string, signals chan Signal) {
	ticker := m.clock.NewTicker(m.opts.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			expiresAt, err := m.renew(ctx, tripID, seatIDs, holderID)
			if ctx.Err() != nil {
				return
			}
			renewal := models.RenewalLease{
				TripID:          tripID,
				SeatIDs:         seatIDs,
				HolderID:        holderID,
				RenewalInterval: m.opts.RenewInterval,
				NextRenewalAt:   m.clock.Now().Add(m.opts.RenewInterval),
				ExpiresAt:       expiresAt,
			}
			if err != nil {
				monitoring.TrackRenewal("lost")
				m.log.Warn("Seat lease lost", "trip_id", tripID, "holder_id", holderID, "error", err)
				emit(signals, Signal{Kind: SignalLost, Lease: renewal, Err: err})
				return
			}
			monitoring.TrackRenewal("ok")
			emit(signals, Signal{Kind: SignalRenewed, Lease: renewal, ExpiresAt: expiresAt})
		}
	}
}

// renew tries once plus Retries more times while the outcome is unknown.
// NotHolder is final on the first answer.
func (m *Manager) renew(ctx context.Context, tripID string, seatIDs []string, holderID string) (time.Time, error) {
	var lastErr error
	for attempt := 0; attempt <= m.opts.Retries; attempt++ {
		if attempt > 0 {
			monitoring.TrackRenewal("retry")
			if err := m.wait(ctx, attempt); err != nil {
				return time.Time{}, err
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
		expiresAt, err := m.store.Renew(callCtx, tripID, seatIDs, holderID, m.opts.TTL)
		cancel()
		if err == nil {
			return expiresAt, nil
		}
		if !retryable(err) {
			var lost *status.LeaseLostError
			if errors.As(err, &lost) {
				return time.Time{}, err
			}
			return time.Time{}, &status.LeaseLostError{TripID: tripID, Seats: seatIDs, Cause: err}
		}
		lastErr = err
	}
	return time.Time{}, &status.LeaseLostError{TripID: tripID, Seats: seatIDs, Cause: lastErr}
}

func (m *Manager) wait(ctx context.Context, attempt int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.clock.After(utils.Backoff(attempt, m.opts.RetryBackoff, m.opts.CallTimeout)):
		return nil
	}
}

// emit replaces an unread signal with the newer one so the loop never
// blocks on a slow reader and the terminal signal always lands.
func emit(signals chan Signal, s Signal) {
	for {
		select {
		case signals <- s:
			return
		default:
		}
		select {
		case <-signals:
		default:
		}
	}
}

// StopKeepAlive ends the loop and leaves the seats held.
func (m *Manager) StopKeepAlive(tripID string, seatIDs []string, holderID string) {
	m.mu.Lock()
	ka := m.loops[loopKey(tripID, seatIDs, holderID)]
	m.mu.Unlock()

	if ka != nil {
		ka.cancel()
		<-ka.done
	}
}

// Abandon stops the loop and releases the seats. Release is best effort;
// the sweeper frees the seats anyway once the TTL runs out.
func (m *Manager) Abandon(ctx context.Context, tripID string, seatIDs []string, holderID string) error {
	m.StopKeepAlive(tripID, seatIDs, holderID)

	callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	defer cancel()
	if err := m.store.Release(callCtx, tripID, seatIDs, holderID); err != nil {
		m.log.Warn("Failed to release abandoned seats", "trip_id", tripID, "holder_id", holderID, "error", err)
		return err
	}
	return nil
}

func (m *Manager) Active(tripID string, seatIDs []string, holderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.loops[loopKey(tripID, seatIDs, holderID)]
	return ok
}

// RestoreResult splits a persisted selection into the seats the holder
// still owns and the ones that have to be picked again.
type RestoreResult struct {
	Held      []string  `json:"held"`
	Reselect  []string  `json:"reselect"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Restore checks a reloaded checkout session against the lock store and
// rewrites it to match. The store's answer wins over whatever the session
// remembered.
func (m *Manager) Restore(ctx context.Context, sess *Session) (*RestoreResult, error) {
	res := &RestoreResult{Held: []string{}, Reselect: []string{}}
	if len(sess.SeatIDs) == 0 {
		return res, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	locks, err := m.store.Inspect(callCtx, sess.TripID, sess.SeatIDs)
	cancel()
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	for _, l := range locks {
		if l.HeldBy(sess.HolderID, now) {
			res.Held = append(res.Held, l.SeatID)
			if res.ExpiresAt.IsZero() || l.ExpiresAt.Before(res.ExpiresAt) {
				res.ExpiresAt = l.ExpiresAt
			}
		} else {
			res.Reselect = append(res.Reselect, l.SeatID)
		}
	}

	sess.SeatIDs = res.Held
	sess.HoldExpiresAt = res.ExpiresAt
	sess.Renewal.SeatIDs = res.Held
	sess.Renewal.ExpiresAt = res.ExpiresAt
	return res, nil
}
