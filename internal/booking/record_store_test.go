package booking

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pocketbase/pocketbase/tests"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-ticket/internal/status"
	"bus-ticket/models"
)

func setupRecordStore(t *testing.T) (*RecordStore, *clockwork.FakeClock) {
	t.Helper()
	app, err := tests.NewTestApp()
	require.NoError(t, err)
	t.Cleanup(app.Cleanup)
	require.NoError(t, app.Save(NewCollection()))

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	return NewRecordStore(app, clock), clock
}

func sampleBooking(id, holder string, st models.BookingStatus) *models.Booking {
	return &models.Booking{
		ID:            id,
		Code:          "AB12CD34",
		TripID:        "T1",
		HolderID:      holder,
		Customer:      models.Customer{Name: "Kham", Phone: "02077777777"},
		Tickets:       []models.Ticket{{ID: id + "-t1", TripID: "T1", SeatID: "A1", PassengerName: "Kham"}},
		TotalAmount:   decimal.RequireFromString("150000.50"),
		Status:        st,
		HoldExpiresAt: time.Date(2026, 3, 1, 8, 15, 0, 0, time.UTC),
	}
}

func TestRecordStore_CreateGet(t *testing.T) {
	store, _ := setupRecordStore(t)
	ctx := context.Background()
	b := sampleBooking("b1", "u1", models.BookingPending)

	require.NoError(t, store.Create(ctx, b))
	assert.Equal(t, int64(1), b.Revision)

	got, err := store.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "AB12CD34", got.Code)
	assert.Equal(t, models.BookingPending, got.Status)
	assert.True(t, b.TotalAmount.Equal(got.TotalAmount))
	assert.Equal(t, b.Tickets, got.Tickets)
	assert.Equal(t, b.Customer, got.Customer)
	assert.True(t, b.HoldExpiresAt.Equal(got.HoldExpiresAt))
	assert.Nil(t, got.Intent)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, status.ErrBookingNotFound)
}

func TestRecordStore_UpdateIsCompareAndSet(t *testing.T) {
	store, clock := setupRecordStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleBooking("b1", "u1", models.BookingPending)))

	first, err := store.Get(ctx, "b1")
	require.NoError(t, err)
	second, err := store.Get(ctx, "b1")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	first.Status = models.BookingHeld
	first.Intent = &models.Intent{To: models.BookingPaid, TransactionID: "tx-1", At: clock.Now()}
	require.NoError(t, store.Update(ctx, first))
	assert.Equal(t, int64(2), first.Revision)

	second.Status = models.BookingCancelled
	assert.ErrorIs(t, store.Update(ctx, second), status.ErrStaleBooking)

	got, err := store.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, models.BookingHeld, got.Status)
	require.NotNil(t, got.Intent)
	assert.Equal(t, "tx-1", got.Intent.TransactionID)
	assert.True(t, clock.Now().Equal(got.UpdatedAt))
}

func TestRecordStore_FindByTicket(t *testing.T) {
	store, _ := setupRecordStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleBooking("b1", "u1", models.BookingPaid)))
	require.NoError(t, store.Create(ctx, sampleBooking("b2", "u2", models.BookingPaid)))

	got, err := store.FindByTicket(ctx, "b2-t1")
	require.NoError(t, err)
	assert.Equal(t, "b2", got.ID)

	_, err = store.FindByTicket(ctx, "nope")
	assert.ErrorIs(t, err, status.ErrTicketNotFound)
}

func TestRecordStore_List(t *testing.T) {
	store, clock := setupRecordStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleBooking("b1", "u1", models.BookingPending)))
	clock.Advance(time.Second)
	require.NoError(t, store.Create(ctx, sampleBooking("b2", "u2", models.BookingHeld)))
	clock.Advance(time.Second)
	require.NoError(t, store.Create(ctx, sampleBooking("b3", "u1", models.BookingCancelled)))

	held, err := store.Get(ctx, "b2")
	require.NoError(t, err)
	held.Intent = &models.Intent{To: models.BookingExpired, At: clock.Now()}
	require.NoError(t, store.Update(ctx, held))

	live, err := store.List(ctx, Filter{Statuses: []models.BookingStatus{models.BookingPending, models.BookingHeld}})
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, "b1", live[0].ID)
	assert.Equal(t, "b2", live[1].ID)

	mine, err := store.List(ctx, Filter{HolderID: "u1"})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	withIntent, err := store.List(ctx, Filter{WithIntent: true})
	require.NoError(t, err)
	require.Len(t, withIntent, 1)
	assert.Equal(t, "b2", withIntent[0].ID)

	recent, err := store.List(ctx, Filter{UpdatedAfter: clock.Now().Add(-1500 * time.Millisecond)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}
