// Package payment talks to the payment providers that turn a held
// booking into a paid one.
package payment

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"bus-ticket/models"
)

const (
	ProviderMomo   = "momo"
	ProviderBypass = "bypass"
)

// Request asks a provider to open a payment for one booking.
type Request struct {
	BookingID   string          `json:"booking_id"`
	BookingCode string          `json:"booking_code"`
	Amount      decimal.Decimal `json:"amount"`
	OrderInfo   string          `json:"order_info"`
}

// Session is what the holder is redirected to.
type Session struct {
	Provider  string `json:"provider"`
	OrderID   string `json:"order_id"`
	RequestID string `json:"request_id"`
	PayURL    string `json:"pay_url"`
	Deeplink  string `json:"deeplink,omitempty"`
	QRCodeURL string `json:"qr_code_url,omitempty"`
}

// Result is the verified outcome of a payment.
type Result = models.PaymentResult

type Provider interface {
	Name() string
	CreatePayment(ctx context.Context, req Request) (*Session, error)
	// VerifyCallback checks the provider's signature on a callback body
	// and returns the outcome it reports.
	VerifyCallback(body []byte) (*Result, error)
}

// Registry looks providers up by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("payment: unsupported provider %q", name)
	}
	return p, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
