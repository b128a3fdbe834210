package lockstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"bus-ticket/internal/status"
	"bus-ticket/models"
	"bus-ticket/monitoring"
)

const tripIndexKey = "seatlock:trips"

func seatKeyPrefix(tripID string) string { return fmt.Sprintf("seatlock:{%s}:seat:", tripID) }
func seatKey(tripID, seatID string) string { return seatKeyPrefix(tripID) + seatID }
func expiryKey(tripID string) string     { return fmt.Sprintf("seatlock:{%s}:expiry", tripID) }
func seatSetKey(tripID string) string    { return fmt.Sprintf("seatlock:{%s}:seats", tripID) }

// RedisStore keeps one hash per seat and runs every mutation as a single
// Lua script, so the check and the write happen in one atomic step on the
// server.
type RedisStore struct {
	Redis redis.Cmdable
	clock clockwork.Clock
	pub   Publisher
}

func NewRedisStore(rdb redis.Cmdable, clock clockwork.Clock, pub Publisher) *RedisStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if pub == nil {
		pub = NopPublisher
	}
	return &RedisStore{Redis: rdb, clock: clock, pub: pub}
}

func mutationKeys(tripID string, seats []string) []string {
	keys := make([]string, 0, len(seats)+2)
	keys = append(keys, expiryKey(tripID), seatSetKey(tripID))
	for _, id := range seats {
		keys = append(keys, seatKey(tripID, id))
	}
	return keys
}

func mutationArgs(now, expiresAt time.Time, holderID, tripID string, seats []string) []interface{} {
	var exp int64
	if !expiresAt.IsZero() {
		exp = expiresAt.UnixMilli()
	}
	args := make([]interface{}, 0, len(seats)+4)
	args = append(args, now.UnixMilli(), exp, holderID, tripID)
	for _, id := range seats {
		args = append(args, id)
	}
	return args
}

// eval runs a script and returns its reply as an array. Any Redis error
// is transient: the script may or may not have run.
func (s *RedisStore) eval(ctx context.Context, op, script string, keys []string, args ...interface{}) ([]interface{}, error) {
	start := s.clock.Now()
	res, err := s.Redis.Eval(ctx, script, keys, args...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		monitoring.TrackLockOperation(op, "error", s.clock.Since(start))
		slog.Error("Lock store call failed", "op", op, "error", err)
		return nil, &status.TransientError{Op: "lockstore." + op, Err: err}
	}
	reply, _ := res.([]interface{})
	monitoring.TrackLockOperation(op, "ok", s.clock.Since(start))
	return reply, nil
}

func (s *RedisStore) Acquire(ctx context.Context, tripID string, seatIDs []string, holderID string, ttl time.Duration) (*models.Lease, error) {
	seats, err := normalizeSeats(seatIDs)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	reply, err := s.eval(ctx, "acquire", acquireScript,
		mutationKeys(tripID, seats), mutationArgs(now, now.Add(ttl), holderID, tripID, seats)...)
	if err != nil {
		return nil, err
	}
	if !granted(reply) {
		return nil, &status.ConflictError{TripID: tripID, Seats: toStrings(at(reply, 1))}
	}
	s.register(ctx, tripID)

	versions := toInt64s(at(reply, 1))
	expiries := toInt64s(at(reply, 2))
	if len(versions) != len(seats) || len(expiries) != len(seats) {
		return nil, fmt.Errorf("lockstore: malformed acquire reply %v", reply)
	}

	var leaseExpiry time.Time
	events := make([]models.SeatEvent, 0, len(seats))
	for i, id := range seats {
		exp := time.UnixMilli(expiries[i])
		if leaseExpiry.IsZero() || exp.Before(leaseExpiry) {
			leaseExpiry = exp
		}
		events = append(events, models.SeatEvent{
			TripID:   tripID,
			SeatID:   id,
			State:    models.SeatHeld,
			HolderID: holderID,
			Version:  versions[i],
			At:       now,
		})
	}
	s.pub.Publish(ctx, events...)

	return &models.Lease{TripID: tripID, SeatIDs: seats, HolderID: holderID, ExpiresAt: leaseExpiry}, nil
}

func (s *RedisStore) Renew(ctx context.Context, tripID string, seatIDs []string, holderID string, ttl time.Duration) (time.Time, error) {
	seats, err := normalizeSeats(seatIDs)
	if err != nil {
		return time.Time{}, err
	}

	now := s.clock.Now()
	reply, err := s.eval(ctx, "renew", renewScript,
		mutationKeys(tripID, seats), mutationArgs(now, now.Add(ttl), holderID, tripID, seats)...)
	if err != nil {
		return time.Time{}, err
	}
	if !granted(reply) {
		return time.Time{}, notHolder(tripID, toStrings(at(reply, 1)))
	}

	var earliest int64
	for _, exp := range toInt64s(at(reply, 1)) {
		if earliest == 0 || exp < earliest {
			earliest = exp
		}
	}
	return time.UnixMilli(earliest), nil
}

func (s *RedisStore) Release(ctx context.Context, tripID string, seatIDs []string, holderID string) error {
	seats, err := normalizeSeats(seatIDs)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	reply, err := s.eval(ctx, "release", releaseScript,
		mutationKeys(tripID, seats), mutationArgs(now, time.Time{}, holderID, tripID, seats)...)
	if err != nil {
		return err
	}

	s.pub.Publish(ctx, changedEvents(tripID, "", models.SeatAvailable, now, at(reply, 1))...)
	return nil
}

func (s *RedisStore) Assign(ctx context.Context, tripID string, seatIDs []string, holderID string) error {
	seats, err := normalizeSeats(seatIDs)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	reply, err := s.eval(ctx, "assign", assignScript,
		mutationKeys(tripID, seats), mutationArgs(now, time.Time{}, holderID, tripID, seats)...)
	if err != nil {
		return err
	}
	if !granted(reply) {
		return notHolder(tripID, toStrings(at(reply, 1)))
	}

	s.pub.Publish(ctx, changedEvents(tripID, holderID, models.SeatSold, now, at(reply, 1))...)
	return nil
}

func (s *RedisStore) Unassign(ctx context.Context, tripID string, seatIDs []string, holderID string, expiresAt time.Time) error {
	seats, err := normalizeSeats(seatIDs)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	reply, err := s.eval(ctx, "unassign", unassignScript,
		mutationKeys(tripID, seats), mutationArgs(now, expiresAt, holderID, tripID, seats)...)
	if err != nil {
		return err
	}
	if !granted(reply) {
		return notHolder(tripID, toStrings(at(reply, 1)))
	}

	state := models.SeatHeld
	if !expiresAt.After(now) {
		state = models.SeatAvailable
		holderID = ""
	} else {
		s.register(ctx, tripID)
	}
	s.pub.Publish(ctx, changedEvents(tripID, holderID, state, now, at(reply, 1))...)
	return nil
}

// register adds the trip to the sweeper's index. The index lives outside
// the trip's slot, so it is written after the script that added the holds;
// prune relies on that order.
func (s *RedisStore) register(ctx context.Context, tripID string) {
	if err := s.Redis.SAdd(ctx, tripIndexKey, tripID).Err(); err != nil {
		slog.Error("Failed to index trip for sweeping", "trip_id", tripID, "error", err)
	}
}

// prune drops a trip with no pending expiries from the index. A hold that
// lands between the count and the removal is caught by the second count,
// and one that lands after it registers the trip again itself.
func (s *RedisStore) prune(ctx context.Context, tripID string) bool {
	n, err := s.Redis.ZCard(ctx, expiryKey(tripID)).Result()
	if err != nil || n > 0 {
		return false
	}
	if err := s.Redis.SRem(ctx, tripIndexKey, tripID).Err(); err != nil {
		slog.Warn("Failed to prune trip from sweep index", "trip_id", tripID, "error", err)
		return false
	}
	if n, err := s.Redis.ZCard(ctx, expiryKey(tripID)).Result(); err != nil || n > 0 {
		s.register(ctx, tripID)
		return false
	}
	return true
}

// Inspect returns the rows for seatIDs in the given order. With no seat
// ids it returns every seat the trip has ever had a row for.
func (s *RedisStore) Inspect(ctx context.Context, tripID string, seatIDs []string) ([]models.SeatLock, error) {
	var (
		reply []interface{}
		err   error
	)
	if len(seatIDs) == 0 {
		reply, err = s.eval(ctx, "snapshot", snapshotScript, []string{seatSetKey(tripID)}, seatKeyPrefix(tripID))
	} else {
		keys := make([]string, 0, len(seatIDs))
		for _, id := range seatIDs {
			keys = append(keys, seatKey(tripID, id))
		}
		reply, err = s.eval(ctx, "inspect", inspectScript, keys)
	}
	if err != nil {
		return nil, err
	}

	out := make([]models.SeatLock, 0, len(reply))
	for i, raw := range reply {
		row, _ := raw.([]interface{})
		l := parseRow(tripID, row)
		if l.SeatID == "" && i < len(seatIDs) {
			l.SeatID = seatIDs[i]
		}
		out = append(out, l)
	}
	return out, nil
}

func (s *RedisStore) Sweep(ctx context.Context) ([]models.SeatLock, error) {
	trips, err := s.Redis.SMembers(ctx, tripIndexKey).Result()
	if err != nil {
		return nil, &status.TransientError{Op: "lockstore.sweep", Err: err}
	}

	now := s.clock.Now()
	var swept []models.SeatLock
	for _, tripID := range trips {
		reply, err := s.eval(ctx, "sweep", sweepScript,
			[]string{expiryKey(tripID)}, now.UnixMilli(), seatKeyPrefix(tripID))
		if err != nil {
			return swept, err
		}

		events := make([]models.SeatEvent, 0, len(reply)/4)
		for i := 0; i+3 < len(reply); i += 4 {
			l := models.SeatLock{
				TripID:    tripID,
				SeatID:    toString(reply[i]),
				HolderID:  toString(reply[i+1]),
				State:     models.LockExpired,
				Version:   toInt64(reply[i+2]),
				ExpiresAt: time.UnixMilli(toInt64(reply[i+3])),
			}
			swept = append(swept, l)
			events = append(events, models.EventFromLock(l, now))
		}
		s.pub.Publish(ctx, events...)
		if s.prune(ctx, tripID) {
			slog.Debug("Pruned idle trip from sweep index", "trip_id", tripID)
		}
	}
	return swept, nil
}

func granted(reply []interface{}) bool {
	return toInt64(at(reply, 0)) == 1
}

// changedEvents turns a flat {seat, version, ...} list into events.
func changedEvents(tripID, holderID string, state models.SeatState, now time.Time, raw interface{}) []models.SeatEvent {
	pairs, _ := raw.([]interface{})
	events := make([]models.SeatEvent, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		events = append(events, models.SeatEvent{
			TripID:   tripID,
			SeatID:   toString(pairs[i]),
			State:    state,
			HolderID: holderID,
			Version:  toInt64(pairs[i+1]),
			At:       now,
		})
	}
	return events
}

func parseRow(tripID string, row []interface{}) models.SeatLock {
	l := models.SeatLock{TripID: tripID}
	if len(row) < 6 {
		return l
	}
	l.SeatID = toString(row[0])
	l.HolderID = toString(row[1])
	l.State = models.LockState(toString(row[2]))
	if ms := toInt64(row[3]); ms > 0 {
		l.AcquiredAt = time.UnixMilli(ms)
	}
	if ms := toInt64(row[4]); ms > 0 {
		l.ExpiresAt = time.UnixMilli(ms)
	}
	l.Version = toInt64(row[5])
	return l
}

func at(reply []interface{}, i int) interface{} {
	if i < len(reply) {
		return reply[i]
	}
	return nil
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return strconv.FormatInt(t, 10)
	}
	return ""
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	}
	return 0
}

func toStrings(v interface{}) []string {
	items, _ := v.([]interface{})
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, toString(item))
	}
	return out
}

func toInt64s(v interface{}) []int64 {
	items, _ := v.([]interface{})
	out := make([]int64, 0, len(items))
	for _, item := range items {
		out = append(out, toInt64(item))
	}
	return out
}
