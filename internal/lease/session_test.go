package lease

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-ticket/internal/status"
)

func TestMemorySessionStore(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	store := NewMemorySessionStore(clock)
	ctx := context.Background()

	sess := &Session{ID: "s1", HolderID: "X", TripID: "500", SeatIDs: []string{"12"}}
	require.NoError(t, store.Save(ctx, sess))
	sess.SeatIDs[0] = "99"

	got, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"12"}, got.SeatIDs)
	assert.Equal(t, clock.Now(), got.UpdatedAt)

	require.NoError(t, store.Delete(ctx, "s1"))
	_, err = store.Load(ctx, "s1")
	assert.ErrorIs(t, err, status.ErrSessionNotFound)

	assert.Error(t, store.Save(ctx, &Session{}))
}

func TestRedisSessionStore_Save(t *testing.T) {
	db, mock := redismock.NewClientMock()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	store := NewRedisSessionStore(db, clock, time.Minute)

	sess := &Session{
		ID:            "s1",
		HolderID:      "X",
		TripID:        "500",
		SeatIDs:       []string{"12", "13"},
		HoldExpiresAt: clock.Now().Add(10 * time.Minute),
	}
	expected := *sess
	expected.UpdatedAt = clock.Now()
	data, err := json.Marshal(&expected)
	require.NoError(t, err)

	mock.ExpectSet("checkout:session:s1", data, 11*time.Minute).SetVal("OK")

	require.NoError(t, store.Save(context.Background(), sess))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisSessionStore_Load(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewRedisSessionStore(db, nil, 0)

	mock.ExpectGet("checkout:session:s1").SetVal(`{"id":"s1","holder_id":"X","trip_id":"500","seat_ids":["12"]}`)
	mock.ExpectGet("checkout:session:gone").RedisNil()
	mock.ExpectGet("checkout:session:down").SetErr(errors.New("connection refused"))

	sess, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "X", sess.HolderID)
	assert.Equal(t, []string{"12"}, sess.SeatIDs)

	_, err = store.Load(context.Background(), "gone")
	assert.ErrorIs(t, err, status.ErrSessionNotFound)

	_, err = store.Load(context.Background(), "down")
	assert.True(t, status.IsTransient(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisSessionStore_Delete(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewRedisSessionStore(db, nil, 0)

	mock.ExpectDel("checkout:session:s1").SetVal(1)
	mock.ExpectDel("checkout:session:s2").SetErr(redis.ErrClosed)

	assert.NoError(t, store.Delete(context.Background(), "s1"))
	assert.True(t, status.IsTransient(store.Delete(context.Background(), "s2")))
	assert.NoError(t, mock.ExpectationsWereMet())
}
