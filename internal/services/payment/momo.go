package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"bus-ticket/internal/status"
	"bus-ticket/utils"
)

type MomoConfig struct {
	Endpoint    string
	PartnerCode string
	AccessKey   string
	SecretKey   string
	RedirectURL string
	IPNURL      string
	RequestType string
	Timeout     time.Duration
}

// MomoClient opens MoMo wallet payments and verifies their IPN callbacks.
type MomoClient struct {
	// endpoint is the base url of the MoMo gateway.
	endpoint string

	partnerCode string
	accessKey   string

	// secretKey signs requests and verifies callbacks.
	secretKey string

	redirectURL string
	ipnURL      string
	requestType string

	breaker *utils.CircuitBreaker
	clock   clockwork.Clock

	// hc is the http client.
	hc *http.Client
}

func NewMomoClient(c MomoConfig, breaker *utils.CircuitBreaker, clock clockwork.Clock) *MomoClient {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RequestType == "" {
		c.RequestType = "captureWallet"
	}
	if breaker == nil {
		breaker = utils.NewCircuitBreaker("momo")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MomoClient{
		endpoint:    strings.TrimRight(c.Endpoint, "/"),
		partnerCode: c.PartnerCode,
		accessKey:   c.AccessKey,
		secretKey:   c.SecretKey,
		redirectURL: c.RedirectURL,
		ipnURL:      c.IPNURL,
		requestType: c.RequestType,
		breaker:     breaker,
		clock:       clock,
		hc:          &http.Client{Timeout: c.Timeout},
	}
}

func (c *MomoClient) Name() string { return ProviderMomo }

// Hmac256 signs body with key and returns the hex digest.
func Hmac256(body, key []byte) string {
	hash := hmac.New(sha256.New, key)
	hash.Write(body)
	return hex.EncodeToString(hash.Sum(nil))
}

type momoCreateRequest struct {
	PartnerCode string `json:"partnerCode"`
	AccessKey   string `json:"accessKey"`
	RequestID   string `json:"requestId"`
	Amount      int64  `json:"amount"`
	OrderID     string `json:"orderId"`
	OrderInfo   string `json:"orderInfo"`
	RedirectURL string `json:"redirectUrl"`
	IpnURL      string `json:"ipnUrl"`
	RequestType string `json:"requestType"`
	ExtraData   string `json:"extraData"`
	Lang        string `json:"lang"`
	Signature   string `json:"signature"`
}

func (r *momoCreateRequest) rawSignature() string {
	return fmt.Sprintf("accessKey=%s&amount=%d&extraData=%s&ipnUrl=%s&orderId=%s&orderInfo=%s&partnerCode=%s&redirectUrl=%s&requestId=%s&requestType=%s",
		r.AccessKey, r.Amount, r.ExtraData, r.IpnURL, r.OrderID, r.OrderInfo, r.PartnerCode, r.RedirectURL, r.RequestID, r.RequestType)
}

type momoCreateReply struct {
	PartnerCode  string `json:"partnerCode"`
	OrderID      string `json:"orderId"`
	RequestID    string `json:"requestId"`
	Amount       int64  `json:"amount"`
	ResponseTime int64  `json:"responseTime"`
	Message      string `json:"message"`
	ResultCode   int    `json:"resultCode"`
	PayURL       string `json:"payUrl"`
	Deeplink     string `json:"deeplink"`
	QRCodeURL    string `json:"qrCodeUrl"`
}

// orderID makes every payment attempt unique at MoMo while keeping the
// booking id recoverable from the callback.
func orderID(bookingID string) string {
	return bookingID + "_" + uuid.NewString()[:8]
}

func bookingFromOrder(orderID string) string {
	if i := strings.LastIndex(orderID, "_"); i > 0 {
		return orderID[:i]
	}
	return orderID
}

func (c *MomoClient) CreatePayment(ctx context.Context, req Request) (*Session, error) {
	if req.BookingID == "" {
		return nil, errors.New("momo: booking id is required")
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("momo: invalid amount %s", req.Amount)
	}

	body := &momoCreateRequest{
		PartnerCode: c.partnerCode,
		AccessKey:   c.accessKey,
		RequestID:   uuid.NewString(),
		Amount:      req.Amount.Round(0).IntPart(),
		OrderID:     orderID(req.BookingID),
		OrderInfo:   req.OrderInfo,
		RedirectURL: c.redirectURL,
		IpnURL:      c.ipnURL,
		RequestType: c.requestType,
		ExtraData:   req.BookingCode,
		Lang:        "vi",
	}
	if body.OrderInfo == "" {
		body.OrderInfo = "Bus ticket " + req.BookingCode
	}
	body.Signature = Hmac256([]byte(body.rawSignature()), []byte(c.secretKey))

	out, err := c.breaker.Execute(ctx, func() (interface{}, error) {
		return c.create(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	reply := out.(*momoCreateReply)

	return &Session{
		Provider:  ProviderMomo,
		OrderID:   reply.OrderID,
		RequestID: reply.RequestID,
		PayURL:    reply.PayURL,
		Deeplink:  reply.Deeplink,
		QRCodeURL: reply.QRCodeURL,
	}, nil
}

// create makes the http call to the MoMo create endpoint.
func (c *MomoClient) create(ctx context.Context, body *momoCreateRequest) (*momoCreateReply, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("momo: json.Marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v2/gateway/api/create", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("momo: http.NewReq: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("momo: http.Do: %w", err)
	}
	defer resp.Body.Close()

	var reply momoCreateReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("momo: json.Decode: status %d: %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || reply.ResultCode != 0 {
		return nil, fmt.Errorf("momo: resultCode %d: %s", reply.ResultCode, reply.Message)
	}
	if reply.PayURL == "" {
		return nil, errors.New("momo: reply without payUrl")
	}
	return &reply, nil
}

// IPN is the body MoMo posts to the ipnUrl once the payment settles.
type IPN struct {
	PartnerCode  string `json:"partnerCode"`
	OrderID      string `json:"orderId"`
	RequestID    string `json:"requestId"`
	Amount       int64  `json:"amount"`
	OrderInfo    string `json:"orderInfo"`
	OrderType    string `json:"orderType"`
	TransID      int64  `json:"transId"`
	ResultCode   int    `json:"resultCode"`
	Message      string `json:"message"`
	PayType      string `json:"payType"`
	ResponseTime int64  `json:"responseTime"`
	ExtraData    string `json:"extraData"`
	Signature    string `json:"signature"`
}

func (n *IPN) rawSignature(accessKey string) string {
	return fmt.Sprintf("accessKey=%s&amount=%d&extraData=%s&message=%s&orderId=%s&orderInfo=%s&orderType=%s&partnerCode=%s&payType=%s&requestId=%s&responseTime=%d&resultCode=%d&transId=%d",
		accessKey, n.Amount, n.ExtraData, n.Message, n.OrderID, n.OrderInfo, n.OrderType, n.PartnerCode, n.PayType, n.RequestID, n.ResponseTime, n.ResultCode, n.TransID)
}

// Sign fills in the signature MoMo would send. Used by the sandbox tooling
// and tests.
func (c *MomoClient) Sign(n *IPN) {
	n.Signature = Hmac256([]byte(n.rawSignature(c.accessKey)), []byte(c.secretKey))
}

func (c *MomoClient) VerifyCallback(body []byte) (*Result, error) {
	var n IPN
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("momo: decode ipn: %w", err)
	}
	expected := Hmac256([]byte(n.rawSignature(c.accessKey)), []byte(c.secretKey))
	if !hmac.Equal([]byte(expected), []byte(n.Signature)) {
		return nil, status.ErrInvalidSignature
	}
	if n.PartnerCode != c.partnerCode {
		return nil, fmt.Errorf("%w: unexpected partner %q", status.ErrInvalidSignature, n.PartnerCode)
	}

	return &Result{
		BookingID:     bookingFromOrder(n.OrderID),
		Provider:      ProviderMomo,
		TransactionID: strconv.FormatInt(n.TransID, 10),
		Success:       n.ResultCode == 0,
		Amount:        decimal.NewFromInt(n.Amount),
		Message:       n.Message,
		ReceivedAt:    c.clock.Now(),
	}, nil
}
