package lockstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-ticket/internal/status"
	"bus-ticket/models"
)

var (
	testNow   = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	testNowMs = testNow.UnixMilli()
	testExpMs = testNow.Add(ttl).UnixMilli()
)

func setupTestRedisStore() (*RedisStore, redismock.ClientMock, *recordingPublisher) {
	db, mock := redismock.NewClientMock()
	pub := &recordingPublisher{}
	store := NewRedisStore(db, clockwork.NewFakeClockAt(testNow), pub)
	return store, mock, pub
}

func tripKeys(seats ...string) []string {
	keys := []string{"seatlock:{500}:expiry", "seatlock:{500}:seats"}
	for _, s := range seats {
		keys = append(keys, "seatlock:{500}:seat:"+s)
	}
	return keys
}

func TestRedisStore_Acquire_Success(t *testing.T) {
	store, mock, pub := setupTestRedisStore()
	defer mock.ClearExpect()

	mock.ExpectEval(acquireScript, tripKeys("12", "13"),
		testNowMs, testExpMs, "X", "500", "12", "13",
	).SetVal([]interface{}{
		int64(1),
		[]interface{}{int64(1), int64(4)},
		[]interface{}{testExpMs, testExpMs},
	})
	mock.ExpectSAdd(tripIndexKey, "500").SetVal(1)

	lease, err := store.Acquire(context.Background(), "500", []string{"13", "12"}, "X", ttl)

	require.NoError(t, err)
	assert.Equal(t, []string{"12", "13"}, lease.SeatIDs)
	assert.Equal(t, time.UnixMilli(testExpMs), lease.ExpiresAt)

	events := pub.all()
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Version)
	assert.Equal(t, int64(4), events[1].Version)
	assert.Equal(t, models.SeatHeld, events[1].State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_Acquire_Conflict(t *testing.T) {
	store, mock, pub := setupTestRedisStore()
	defer mock.ClearExpect()

	mock.ExpectEval(acquireScript, tripKeys("12", "13"),
		testNowMs, testExpMs, "Y", "500", "12", "13",
	).SetVal([]interface{}{int64(0), []interface{}{"13"}})

	_, err := store.Acquire(context.Background(), "500", []string{"12", "13"}, "Y", ttl)

	var conflict *status.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []string{"13"}, conflict.Seats)
	assert.Empty(t, pub.all())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_Acquire_RedisDown(t *testing.T) {
	store, mock, _ := setupTestRedisStore()
	defer mock.ClearExpect()

	mock.ExpectEval(acquireScript, tripKeys("12"),
		testNowMs, testExpMs, "X", "500", "12",
	).SetErr(errors.New("i/o timeout"))

	_, err := store.Acquire(context.Background(), "500", []string{"12"}, "X", ttl)

	assert.True(t, status.IsTransient(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_Renew(t *testing.T) {
	store, mock, _ := setupTestRedisStore()
	defer mock.ClearExpect()

	later := testExpMs + 60_000
	mock.ExpectEval(renewScript, tripKeys("12", "13"),
		testNowMs, testExpMs, "X", "500", "12", "13",
	).SetVal([]interface{}{int64(1), []interface{}{later, testExpMs}})

	expiresAt, err := store.Renew(context.Background(), "500", []string{"12", "13"}, "X", ttl)

	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(testExpMs), expiresAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_Renew_NotHolder(t *testing.T) {
	store, mock, _ := setupTestRedisStore()
	defer mock.ClearExpect()

	mock.ExpectEval(renewScript, tripKeys("12"),
		testNowMs, testExpMs, "X", "500", "12",
	).SetVal([]interface{}{int64(0), []interface{}{"12"}})

	_, err := store.Renew(context.Background(), "500", []string{"12"}, "X", ttl)

	assert.ErrorIs(t, err, status.ErrNotHolder)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_Release(t *testing.T) {
	store, mock, pub := setupTestRedisStore()
	defer mock.ClearExpect()

	mock.ExpectEval(releaseScript, tripKeys("12", "13"),
		testNowMs, int64(0), "X", "500", "12", "13",
	).SetVal([]interface{}{int64(1), []interface{}{"12", int64(2)}})

	err := store.Release(context.Background(), "500", []string{"12", "13"}, "X")

	require.NoError(t, err)
	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, "12", events[0].SeatID)
	assert.Equal(t, models.SeatAvailable, events[0].State)
	assert.Empty(t, events[0].HolderID)
	assert.Equal(t, int64(2), events[0].Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_Release_NothingHeld(t *testing.T) {
	store, mock, pub := setupTestRedisStore()
	defer mock.ClearExpect()

	mock.ExpectEval(releaseScript, tripKeys("12"),
		testNowMs, int64(0), "X", "500", "12",
	).SetVal([]interface{}{int64(1), []interface{}{}})

	assert.NoError(t, store.Release(context.Background(), "500", []string{"12"}, "X"))
	assert.Empty(t, pub.all())
}

func TestRedisStore_Assign(t *testing.T) {
	store, mock, pub := setupTestRedisStore()
	defer mock.ClearExpect()

	mock.ExpectEval(assignScript, tripKeys("12", "13"),
		testNowMs, int64(0), "X", "500", "12", "13",
	).SetVal([]interface{}{int64(1), []interface{}{"12", int64(2), "13", int64(2)}})

	require.NoError(t, store.Assign(context.Background(), "500", []string{"12", "13"}, "X"))

	events := pub.all()
	require.Len(t, events, 2)
	assert.Equal(t, models.SeatSold, events[0].State)
	assert.Equal(t, "X", events[0].HolderID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_Assign_NotHolder(t *testing.T) {
	store, mock, _ := setupTestRedisStore()
	defer mock.ClearExpect()

	mock.ExpectEval(assignScript, tripKeys("12"),
		testNowMs, int64(0), "X", "500", "12",
	).SetVal([]interface{}{int64(0), []interface{}{"12"}})

	err := store.Assign(context.Background(), "500", []string{"12"}, "X")

	assert.ErrorIs(t, err, status.ErrNotHolder)
}

func TestRedisStore_Unassign(t *testing.T) {
	store, mock, pub := setupTestRedisStore()
	defer mock.ClearExpect()

	expiresAt := time.UnixMilli(testExpMs)
	mock.ExpectEval(unassignScript, tripKeys("5"),
		testNowMs, testExpMs, "X", "500", "5",
	).SetVal([]interface{}{int64(1), []interface{}{"5", int64(3)}})
	mock.ExpectSAdd(tripIndexKey, "500").SetVal(0)

	require.NoError(t, store.Unassign(context.Background(), "500", []string{"5"}, "X", expiresAt))

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.SeatHeld, events[0].State)
	assert.Equal(t, int64(3), events[0].Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_Inspect(t *testing.T) {
	store, mock, _ := setupTestRedisStore()
	defer mock.ClearExpect()

	mock.ExpectEval(inspectScript, []string{"seatlock:{500}:seat:12", "seatlock:{500}:seat:99"}).
		SetVal([]interface{}{
			[]interface{}{"12", "X", "held", "1772352000000", "1772352900000", "1"},
			[]interface{}{nil, nil, nil, nil, nil, nil},
		})

	locks, err := store.Inspect(context.Background(), "500", []string{"12", "99"})

	require.NoError(t, err)
	require.Len(t, locks, 2)
	assert.Equal(t, models.SeatLock{
		TripID:     "500",
		SeatID:     "12",
		HolderID:   "X",
		State:      models.LockHeld,
		AcquiredAt: time.UnixMilli(testNowMs),
		ExpiresAt:  time.UnixMilli(testExpMs),
		Version:    1,
	}, locks[0])
	assert.Equal(t, "99", locks[1].SeatID)
	assert.Equal(t, models.SeatAvailable, locks[1].Availability(testNow))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_InspectWholeTrip(t *testing.T) {
	store, mock, _ := setupTestRedisStore()
	defer mock.ClearExpect()

	mock.ExpectEval(snapshotScript, []string{"seatlock:{500}:seats"}, "seatlock:{500}:seat:").
		SetVal([]interface{}{
			[]interface{}{"7", "Z", "sold", "1772352000000", "1772352900000", "5"},
		})

	locks, err := store.Inspect(context.Background(), "500", nil)

	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, models.LockSold, locks[0].State)
	assert.Equal(t, int64(5), locks[0].Version)
}

func TestRedisStore_Sweep(t *testing.T) {
	store, mock, pub := setupTestRedisStore()
	defer mock.ClearExpect()

	mock.ExpectSMembers(tripIndexKey).SetVal([]string{"500", "501"})
	mock.ExpectEval(sweepScript, []string{"seatlock:{500}:expiry"}, testNowMs, "seatlock:{500}:seat:").
		SetVal([]interface{}{"7", "X", int64(2), testNowMs - 1000})
	mock.ExpectZCard("seatlock:{500}:expiry").SetVal(3)
	mock.ExpectEval(sweepScript, []string{"seatlock:{501}:expiry"}, testNowMs, "seatlock:{501}:seat:").
		SetVal([]interface{}{})
	mock.ExpectZCard("seatlock:{501}:expiry").SetVal(0)
	mock.ExpectSRem(tripIndexKey, "501").SetVal(1)
	mock.ExpectZCard("seatlock:{501}:expiry").SetVal(0)

	swept, err := store.Sweep(context.Background())

	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, "500", swept[0].TripID)
	assert.Equal(t, "7", swept[0].SeatID)
	assert.Equal(t, "X", swept[0].HolderID)
	assert.Equal(t, models.LockExpired, swept[0].State)

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.SeatAvailable, events[0].State)
	assert.Equal(t, int64(2), events[0].Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_SweepKeepsTripHeldMeanwhile(t *testing.T) {
	store, mock, _ := setupTestRedisStore()
	defer mock.ClearExpect()

	mock.ExpectSMembers(tripIndexKey).SetVal([]string{"500"})
	mock.ExpectEval(sweepScript, []string{"seatlock:{500}:expiry"}, testNowMs, "seatlock:{500}:seat:").
		SetVal([]interface{}{})
	mock.ExpectZCard("seatlock:{500}:expiry").SetVal(0)
	mock.ExpectSRem(tripIndexKey, "500").SetVal(1)
	// a seat was acquired between the count and the removal
	mock.ExpectZCard("seatlock:{500}:expiry").SetVal(1)
	mock.ExpectSAdd(tripIndexKey, "500").SetVal(1)

	swept, err := store.Sweep(context.Background())

	require.NoError(t, err)
	assert.Empty(t, swept)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_SweepIndexUnavailable(t *testing.T) {
	store, mock, _ := setupTestRedisStore()
	defer mock.ClearExpect()

	mock.ExpectSMembers(tripIndexKey).SetErr(errors.New("connection refused"))

	_, err := store.Sweep(context.Background())

	assert.True(t, status.IsTransient(err))
}
