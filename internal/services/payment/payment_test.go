package payment

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-ticket/internal/status"
	"bus-ticket/utils"
)

func newMomo(t *testing.T, endpoint string) *MomoClient {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	breaker := utils.NewCircuitBreaker("momo-test", utils.WithClock(clock), utils.WithThresholds(2, 0.5))
	return NewMomoClient(MomoConfig{
		Endpoint:    endpoint,
		PartnerCode: "MOMOBKUN20180529",
		AccessKey:   "klm05TvNBzhg7h7j",
		SecretKey:   "at67qH6mk8w5Y1nAyMoYKMWACiEi2bsa",
		RedirectURL: "https://bus.example/return",
		IPNURL:      "https://bus.example/api/v1/payments/momo/ipn",
	}, breaker, clock)
}

func TestMomoClient_CreatePayment(t *testing.T) {
	var got momoCreateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/gateway/api/create", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))

		json.NewEncoder(w).Encode(momoCreateReply{
			PartnerCode: got.PartnerCode,
			OrderID:     got.OrderID,
			RequestID:   got.RequestID,
			Amount:      got.Amount,
			ResultCode:  0,
			Message:     "Successful.",
			PayURL:      "https://test-payment.momo.vn/pay/abc",
		})
	}))
	defer srv.Close()

	c := newMomo(t, srv.URL)
	sess, err := c.CreatePayment(context.Background(), Request{
		BookingID:   "b-1",
		BookingCode: "A1B2C3D4",
		Amount:      decimal.RequireFromString("350000"),
	})

	require.NoError(t, err)
	assert.Equal(t, "https://test-payment.momo.vn/pay/abc", sess.PayURL)
	assert.Equal(t, ProviderMomo, sess.Provider)
	assert.Equal(t, int64(350000), got.Amount)
	assert.True(t, strings.HasPrefix(got.OrderID, "b-1_"))
	assert.Equal(t, "b-1", bookingFromOrder(got.OrderID))
	assert.Equal(t, "captureWallet", got.RequestType)
	assert.Equal(t, Hmac256([]byte(got.rawSignature()), []byte("at67qH6mk8w5Y1nAyMoYKMWACiEi2bsa")), got.Signature)
}

func TestMomoClient_CreatePaymentRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(momoCreateReply{ResultCode: 42, Message: "Bad format request."})
	}))
	defer srv.Close()

	c := newMomo(t, srv.URL)
	_, err := c.CreatePayment(context.Background(), Request{BookingID: "b-1", Amount: decimal.NewFromInt(1000)})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "resultCode 42")
}

func TestMomoClient_BreakerOpensOnRepeatedFailures(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newMomo(t, srv.URL)
	req := Request{BookingID: "b-1", Amount: decimal.NewFromInt(1000)}
	for i := 0; i < 2; i++ {
		_, err := c.CreatePayment(context.Background(), req)
		require.Error(t, err)
	}

	_, err := c.CreatePayment(context.Background(), req)
	assert.ErrorIs(t, err, utils.ErrCircuitOpen)
	assert.Equal(t, 2, calls)
}

func TestMomoClient_CreatePaymentValidates(t *testing.T) {
	c := newMomo(t, "http://unused")

	_, err := c.CreatePayment(context.Background(), Request{Amount: decimal.NewFromInt(1)})
	assert.Error(t, err)

	_, err = c.CreatePayment(context.Background(), Request{BookingID: "b-1", Amount: decimal.Zero})
	assert.Error(t, err)
}

func signedIPN(c *MomoClient, resultCode int) IPN {
	n := IPN{
		PartnerCode:  "MOMOBKUN20180529",
		OrderID:      "b-1_1a2b3c4d",
		RequestID:    "req-1",
		Amount:       350000,
		OrderInfo:    "Bus ticket A1B2C3D4",
		OrderType:    "momo_wallet",
		TransID:      2147483647,
		ResultCode:   resultCode,
		Message:      "Successful.",
		PayType:      "qr",
		ResponseTime: 1772352000000,
		ExtraData:    "A1B2C3D4",
	}
	c.Sign(&n)
	return n
}

func TestMomoClient_VerifyCallback(t *testing.T) {
	c := newMomo(t, "http://unused")

	body, _ := json.Marshal(signedIPN(c, 0))
	res, err := c.VerifyCallback(body)

	require.NoError(t, err)
	assert.Equal(t, "b-1", res.BookingID)
	assert.Equal(t, "2147483647", res.TransactionID)
	assert.True(t, res.Success)
	assert.True(t, decimal.NewFromInt(350000).Equal(res.Amount))

	body, _ = json.Marshal(signedIPN(c, 1006))
	res, err = c.VerifyCallback(body)
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestMomoClient_VerifyCallbackRejectsTampering(t *testing.T) {
	c := newMomo(t, "http://unused")

	n := signedIPN(c, 1006)
	n.ResultCode = 0
	body, _ := json.Marshal(n)

	_, err := c.VerifyCallback(body)
	assert.ErrorIs(t, err, status.ErrInvalidSignature)

	_, err = c.VerifyCallback([]byte("not json"))
	assert.Error(t, err)
}

func TestBypass(t *testing.T) {
	off := NewBypass(false, nil)
	_, err := off.CreatePayment(context.Background(), Request{BookingID: "b-1"})
	assert.ErrorIs(t, err, status.ErrBypassDisabled)
	_, err = off.Confirm("b-1")
	assert.ErrorIs(t, err, status.ErrBypassDisabled)

	on := NewBypass(true, nil)
	sess, err := on.CreatePayment(context.Background(), Request{BookingID: "b-1"})
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/bookings/b-1/confirm", sess.PayURL)

	res, err := on.VerifyCallback([]byte(`{"booking_id":"b-1"}`))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "bypass-b-1", res.TransactionID)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewBypass(true, nil), newMomo(t, "http://unused"))

	p, err := r.Get(ProviderMomo)
	require.NoError(t, err)
	assert.Equal(t, ProviderMomo, p.Name())
	assert.Equal(t, []string{"bypass", "momo"}, r.Names())

	_, err = r.Get("bcel")
	assert.Error(t, err)
}
