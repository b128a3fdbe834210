package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentResult is what the provider callback (or the bypass path)
// reports for a booking.
type PaymentResult struct {
	BookingID     string          `json:"booking_id"`
	Provider      string          `json:"provider"`
	TransactionID string          `json:"transaction_id"`
	Success       bool            `json:"success"`
	Amount        decimal.Decimal `json:"amount"`
	Message       string          `json:"message,omitempty"`
	ReceivedAt    time.Time       `json:"received_at"`
}
