package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-ticket/internal/booking"
	"bus-ticket/internal/lease"
	"bus-ticket/internal/lockstore"
	"bus-ticket/internal/realtime"
	"bus-ticket/internal/services/payment"
	"bus-ticket/models"
	"bus-ticket/security"
)

const ttl = 15 * time.Minute

type testAPI struct {
	seats    *SeatHandler
	bookings *BookingHandler
	admin    *AdminHandler
	identity *Identity
	guests   *security.GuestTokens
	locks    *lockstore.MemoryStore
	clock    *clockwork.FakeClock
}

func setupAPI(t *testing.T) *testAPI {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	hub := realtime.NewHub(16, nil)
	locks := lockstore.NewMemoryStore(clock, hub)
	server := realtime.NewServer(locks, hub, ttl, clock)
	leases := lease.NewManager(locks, lease.Options{TTL: ttl, Clock: clock})

	guests, err := security.NewGuestTokens("test-secret", time.Hour, clock)
	require.NoError(t, err)
	identity := NewIdentity(guests)

	bypass := payment.NewBypass(true, clock)
	registry := payment.NewRegistry(bypass)
	ctrl := booking.NewController(booking.NewMemoryStore(clock), locks, booking.Options{
		TTL:         ttl,
		IntentGrace: time.Minute,
		Payments:    registry,
		Bypass:      bypass,
		Clock:       clock,
	})

	sessions := lease.NewMemorySessionStore(clock)

	return &testAPI{
		seats:    NewSeatHandler(leases, server, sessions, nil, identity, 2*time.Minute, clock),
		bookings: NewBookingHandler(ctrl, registry, sessions, identity),
		admin:    NewAdminHandler(ctrl, lockstore.NewSweeper(locks, clock, time.Minute, nil)),
		identity: identity,
		guests:   guests,
		locks:    locks,
		clock:    clock,
	}
}

func (a *testAPI) guest(t *testing.T) (string, string) {
	t.Helper()
	tok, err := a.guests.Issue()
	require.NoError(t, err)
	return tok.Token, tok.SessionID
}

func newEvent(method, target, token string, body any) (*core.RequestEvent, *httptest.ResponseRecorder) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(security.GuestTokenHeader, token)
	}
	rec := httptest.NewRecorder()
	e := &core.RequestEvent{}
	e.Request = req
	e.Response = rec
	return e, rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (a *testAPI) acquire(t *testing.T, token, trip string, seats ...string) *httptest.ResponseRecorder {
	t.Helper()
	e, rec := newEvent(http.MethodPost, "/api/v1/trips/"+trip+"/locks", token, seatsRequest{SeatIDs: seats})
	e.Request.SetPathValue("tripId", trip)
	require.NoError(t, a.seats.Acquire(e))
	return rec
}

func TestSeatHandler_AcquireRequiresIdentity(t *testing.T) {
	api := setupAPI(t)
	e, _ := newEvent(http.MethodPost, "/api/v1/trips/500/locks", "", seatsRequest{SeatIDs: []string{"12"}})
	e.Request.SetPathValue("tripId", "500")

	err := api.seats.Acquire(e)
	var apiErr *router.ApiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	e, _ = newEvent(http.MethodPost, "/api/v1/trips/500/locks", "forged", seatsRequest{SeatIDs: []string{"12"}})
	e.Request.SetPathValue("tripId", "500")
	require.ErrorAs(t, api.seats.Acquire(e), &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestSeatHandler_AcquireConflict(t *testing.T) {
	api := setupAPI(t)
	alice, _ := api.guest(t)
	bob, _ := api.guest(t)

	rec := api.acquire(t, alice, "500", "12", "13")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.acquire(t, bob, "500", "13", "14")
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "conflict", body["error"])
	assert.Equal(t, []any{"13"}, body["seats"])

	// all or none: 14 stayed free
	rec = api.acquire(t, bob, "500", "14")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSeatHandler_RenewAfterLossIsGone(t *testing.T) {
	api := setupAPI(t)
	alice, _ := api.guest(t)
	bob, _ := api.guest(t)
	require.Equal(t, http.StatusOK, api.acquire(t, alice, "500", "12").Code)

	api.clock.Advance(ttl + time.Second)
	require.Equal(t, http.StatusOK, api.acquire(t, bob, "500", "12").Code)

	e, rec := newEvent(http.MethodPut, "/api/v1/trips/500/locks", alice, seatsRequest{SeatIDs: []string{"12"}})
	e.Request.SetPathValue("tripId", "500")
	require.NoError(t, api.seats.Renew(e))
	assert.Equal(t, http.StatusGone, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "lease_lost", body["error"])
	assert.Equal(t, []any{"12"}, body["reselect"])
}

func TestSeatHandler_SeatsAndRelease(t *testing.T) {
	api := setupAPI(t)
	alice, _ := api.guest(t)
	require.Equal(t, http.StatusOK, api.acquire(t, alice, "500", "12", "13").Code)

	e, rec := newEvent(http.MethodGet, "/api/v1/trips/500/seats?ids=12,13,14", "", nil)
	e.Request.SetPathValue("tripId", "500")
	require.NoError(t, api.seats.Seats(e))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["available_seats"])

	e, rec = newEvent(http.MethodDelete, "/api/v1/trips/500/locks", alice, seatsRequest{SeatIDs: []string{"12", "13"}})
	e.Request.SetPathValue("tripId", "500")
	require.NoError(t, api.seats.Release(e))
	require.Equal(t, http.StatusOK, rec.Code)

	e, rec = newEvent(http.MethodGet, "/api/v1/trips/500/seats?ids=12,13,14", "", nil)
	e.Request.SetPathValue("tripId", "500")
	require.NoError(t, api.seats.Seats(e))
	assert.Equal(t, float64(3), decode(t, rec)["available_seats"])
}

func TestSeatHandler_SessionRestore(t *testing.T) {
	api := setupAPI(t)
	alice, _ := api.guest(t)
	bob, _ := api.guest(t)
	require.Equal(t, http.StatusOK, api.acquire(t, alice, "500", "12", "13").Code)

	// 13 lapses and goes to someone else while alice is away
	api.clock.Advance(ttl + time.Second)
	require.Equal(t, http.StatusOK, api.acquire(t, bob, "500", "13").Code)
	_, err := api.locks.Acquire(context.Background(), "500", []string{"12"}, mustHolder(t, api, alice), ttl)
	require.NoError(t, err)

	e, rec := newEvent(http.MethodGet, "/api/v1/sessions/current", alice, nil)
	require.NoError(t, api.seats.Session(e))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, []any{"12"}, body["held"])
	assert.Equal(t, []any{"13"}, body["reselect"])
}

func mustHolder(t *testing.T, api *testAPI, token string) string {
	t.Helper()
	id, err := api.guests.Verify(token)
	require.NoError(t, err)
	return id
}

func (a *testAPI) createBooking(t *testing.T, token string, seats ...string) *models.Booking {
	t.Helper()
	require.Equal(t, http.StatusOK, a.acquire(t, token, "500", seats...).Code)
	req := booking.CreateRequest{
		TripID:      "500",
		Customer:    models.Customer{Name: "Somchai", Phone: "02055555555"},
		TotalAmount: decimal.NewFromInt(int64(150000 * len(seats))),
	}
	for _, s := range seats {
		req.Tickets = append(req.Tickets, booking.TicketRequest{SeatID: s, PassengerName: "Somchai"})
	}
	e, rec := newEvent(http.MethodPost, "/api/v1/bookings", token, req)
	require.NoError(t, a.bookings.Create(e))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var b models.Booking
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	return &b
}

func TestBookingHandler_CreateAndGet(t *testing.T) {
	api := setupAPI(t)
	alice, aliceID := api.guest(t)
	bob, _ := api.guest(t)

	b := api.createBooking(t, alice, "12")
	assert.Equal(t, models.BookingPending, b.Status)
	assert.Equal(t, aliceID, b.HolderID)
	assert.Equal(t, b.HolderID, b.Customer.GuestSession)

	e, rec := newEvent(http.MethodGet, "/api/v1/bookings/"+b.ID, alice, nil)
	e.Request.SetPathValue("id", b.ID)
	require.NoError(t, api.bookings.Get(e))
	assert.Equal(t, http.StatusOK, rec.Code)

	e, rec = newEvent(http.MethodGet, "/api/v1/bookings/"+b.ID, bob, nil)
	e.Request.SetPathValue("id", b.ID)
	require.NoError(t, api.bookings.Get(e))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	e, rec = newEvent(http.MethodGet, "/api/v1/bookings/missing", alice, nil)
	e.Request.SetPathValue("id", "missing")
	require.NoError(t, api.bookings.Get(e))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func (a *testAPI) currentSession(t *testing.T, token string) map[string]any {
	t.Helper()
	e, rec := newEvent(http.MethodGet, "/api/v1/sessions/current", token, nil)
	require.NoError(t, a.seats.Session(e))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sess, ok := decode(t, rec)["session"].(map[string]any)
	require.True(t, ok)
	return sess
}

func TestBookingHandler_SessionRemembersBooking(t *testing.T) {
	api := setupAPI(t)
	alice, _ := api.guest(t)
	bob, _ := api.guest(t)

	b := api.createBooking(t, alice, "12", "13")
	sess := api.currentSession(t, alice)
	assert.Equal(t, b.ID, sess["booking_id"])
	assert.Equal(t, []any{"12", "13"}, sess["seat_ids"])

	// a renewal rewrites the session without dropping the booking
	api.clock.Advance(2 * time.Minute)
	require.Equal(t, http.StatusOK, api.acquire(t, alice, "500", "12", "13").Code)
	assert.Equal(t, b.ID, api.currentSession(t, alice)["booking_id"])

	e, rec := newEvent(http.MethodPost, "/api/v1/bookings/"+b.ID+"/payment", alice, map[string]string{"provider": payment.ProviderBypass})
	e.Request.SetPathValue("id", b.ID)
	require.NoError(t, api.bookings.StartPayment(e))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, b.ID, api.currentSession(t, alice)["booking_id"])

	require.Equal(t, http.StatusOK, api.acquire(t, bob, "500", "14").Code)
	assert.NotContains(t, api.currentSession(t, bob), "booking_id")
}

func TestBookingHandler_ConfirmBypassSellsSeats(t *testing.T) {
	api := setupAPI(t)
	alice, _ := api.guest(t)
	b := api.createBooking(t, alice, "12")

	e, rec := newEvent(http.MethodPost, "/api/v1/bookings/"+b.ID+"/payment", alice, map[string]string{"provider": payment.ProviderBypass})
	e.Request.SetPathValue("id", b.ID)
	require.NoError(t, api.bookings.StartPayment(e))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "/api/v1/bookings/"+b.ID+"/confirm", decode(t, rec)["pay_url"])

	e, rec = newEvent(http.MethodPost, "/api/v1/bookings/"+b.ID+"/confirm", alice, nil)
	e.Request.SetPathValue("id", b.ID)
	require.NoError(t, api.bookings.Confirm(e))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(models.BookingPaid), decode(t, rec)["status"])

	locks, err := api.locks.Inspect(context.Background(), "500", []string{"12"})
	require.NoError(t, err)
	assert.Equal(t, models.LockSold, locks[0].State)

	// a paid booking cannot be cancelled by the customer
	e, rec = newEvent(http.MethodPost, "/api/v1/bookings/"+b.ID+"/cancel", alice, nil)
	e.Request.SetPathValue("id", b.ID)
	require.NoError(t, api.bookings.Cancel(e))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBookingHandler_Cancel(t *testing.T) {
	api := setupAPI(t)
	alice, aliceID := api.guest(t)
	b := api.createBooking(t, alice, "12")

	e, rec := newEvent(http.MethodPost, "/api/v1/bookings/"+b.ID+"/cancel?userId=someone-else", alice, nil)
	e.Request.SetPathValue("id", b.ID)
	require.NoError(t, api.bookings.Cancel(e))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	e, rec = newEvent(http.MethodPost, "/api/v1/bookings/"+b.ID+"/cancel?userId="+aliceID, alice, nil)
	e.Request.SetPathValue("id", b.ID)
	require.NoError(t, api.bookings.Cancel(e))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(models.BookingCancelled), decode(t, rec)["status"])

	locks, err := api.locks.Inspect(context.Background(), "500", []string{"12"})
	require.NoError(t, err)
	assert.Equal(t, models.LockReleased, locks[0].State)
}

func TestBookingHandler_ChangeTicketIsStaffOnly(t *testing.T) {
	api := setupAPI(t)
	alice, _ := api.guest(t)
	b := api.createBooking(t, alice, "12")

	e, _ := newEvent(http.MethodPut, "/api/v1/tickets/"+b.Tickets[0].ID+"/change", alice,
		map[string]string{"trip_id": "500", "seat_id": "14", "reason": "window seat"})
	e.Request.SetPathValue("id", b.Tickets[0].ID)
	err := api.bookings.ChangeTicket(e)
	var apiErr *router.ApiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
}

func TestAdminHandler_RequiresSuperuser(t *testing.T) {
	api := setupAPI(t)
	alice, _ := api.guest(t)

	for name, h := range map[string]func(*core.RequestEvent) error{
		"sweep":     api.admin.Sweep,
		"expire":    api.admin.ExpireStale,
		"reconcile": api.admin.Reconcile,
	} {
		t.Run(name, func(t *testing.T) {
			e, _ := newEvent(http.MethodPost, "/api/v1/admin/"+name, alice, nil)
			var apiErr *router.ApiError
			require.ErrorAs(t, h(e), &apiErr)
			assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
		})
	}
}

func TestIdentity_StartGuest(t *testing.T) {
	api := setupAPI(t)
	e, rec := newEvent(http.MethodPost, "/api/v1/sessions/guest", "", nil)
	require.NoError(t, api.identity.StartGuest(e))
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decode(t, rec)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	holder := mustHolder(t, api, token)
	assert.Equal(t, body["session_id"], holder)
}

func TestRoutes_Health(t *testing.T) {
	r := &Routes{}
	e, rec := newEvent(http.MethodGet, "/health", "", nil)
	require.NoError(t, r.Health(e))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])
}
