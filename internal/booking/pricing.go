package booking

import (
	"context"

	"github.com/shopspring/decimal"
)

// Pricer quotes the total for a set of seats on a trip.
type Pricer interface {
	Price(ctx context.Context, tripID string, seatIDs []string) (decimal.Decimal, error)
}

// FlatFare charges the same for every seat on every trip.
type FlatFare struct {
	PerSeat decimal.Decimal
}

func (f FlatFare) Price(_ context.Context, _ string, seatIDs []string) (decimal.Decimal, error) {
	return f.PerSeat.Mul(decimal.NewFromInt(int64(len(seatIDs)))), nil
}
