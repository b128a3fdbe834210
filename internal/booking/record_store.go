package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/types"
	"github.com/shopspring/decimal"

	"bus-ticket/internal/status"
	"bus-ticket/models"
)

const CollectionName = "bookings"

// NewCollection describes the bookings collection. The migration and the
// tests create it from here so the schema lives in one place.
func NewCollection() *core.Collection {
	c := core.NewBaseCollection(CollectionName)
	c.Fields.Add(
		&core.TextField{Name: "booking_id", Required: true, Max: 64},
		&core.TextField{Name: "code", Required: true, Max: 16},
		&core.TextField{Name: "trip_id", Required: true},
		&core.TextField{Name: "holder_id", Required: true},
		&core.JSONField{Name: "customer"},
		&core.JSONField{Name: "tickets"},
		&core.TextField{Name: "total_amount"},
		&core.SelectField{
			Name:      "status",
			Required:  true,
			MaxSelect: 1,
			Values: []string{
				string(models.BookingPending),
				string(models.BookingHeld),
				string(models.BookingPaid),
				string(models.BookingCancelled),
				string(models.BookingExpired),
				string(models.BookingCompleted),
			},
		},
		&core.DateField{Name: "hold_expires_at"},
		&core.TextField{Name: "payment_provider"},
		&core.TextField{Name: "payment_ref"},
		&core.TextField{Name: "cancel_reason"},
		&core.JSONField{Name: "intent"},
		&core.NumberField{Name: "revision", OnlyInt: true},
		&core.DateField{Name: "created_at"},
		&core.DateField{Name: "updated_at"},
		&core.AutodateField{Name: "created", OnCreate: true},
		&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
	)
	c.AddIndex("idx_bookings_booking_id", true, "booking_id", "")
	c.AddIndex("idx_bookings_status", false, "status, updated_at", "")
	c.AddIndex("idx_bookings_holder", false, "holder_id", "")
	return c
}

// RecordStore keeps bookings in the PocketBase bookings collection.
type RecordStore struct {
	app   core.App
	clock clockwork.Clock
}

func NewRecordStore(app core.App, clock clockwork.Clock) *RecordStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RecordStore{app: app, clock: clock}
}

func (s *RecordStore) Create(ctx context.Context, b *models.Booking) error {
	collection, err := s.app.FindCachedCollectionByNameOrId(CollectionName)
	if err != nil {
		return fmt.Errorf("find bookings collection: %w", err)
	}

	now := s.clock.Now()
	next := b.Clone()
	next.Revision = 1
	next.CreatedAt = now
	next.UpdatedAt = now

	rec := core.NewRecord(collection)
	fill(rec, next)
	if err := s.app.SaveWithContext(ctx, rec); err != nil {
		return fmt.Errorf("save booking %s: %w", b.ID, err)
	}

	b.Revision, b.CreatedAt, b.UpdatedAt = next.Revision, next.CreatedAt, next.UpdatedAt
	return nil
}

func (s *RecordStore) find(app core.App, id string) (*core.Record, error) {
	rec, err := app.FindFirstRecordByFilter(CollectionName, "booking_id = {:id}", dbx.Params{"id": id})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.ErrBookingNotFound
	}
	return rec, err
}

func (s *RecordStore) Get(_ context.Context, id string) (*models.Booking, error) {
	rec, err := s.find(s.app, id)
	if err != nil {
		return nil, err
	}
	return toBooking(rec)
}

// Update checks the revision and writes inside one transaction. SQLite
// serializes writers, so the check and the write cannot interleave with
// another Update.
func (s *RecordStore) Update(ctx context.Context, b *models.Booking) error {
	now := s.clock.Now()
	err := s.app.RunInTransaction(func(txApp core.App) error {
		rec, err := s.find(txApp, b.ID)
		if err != nil {
			return err
		}
		if int64(rec.GetInt("revision")) != b.Revision {
			return status.ErrStaleBooking
		}
		next := b.Clone()
		next.Revision++
		next.UpdatedAt = now
		fill(rec, next)
		return txApp.SaveWithContext(ctx, rec)
	})
	if err != nil {
		return err
	}
	b.Revision++
	b.UpdatedAt = now
	return nil
}

func (s *RecordStore) FindByTicket(_ context.Context, ticketID string) (*models.Booking, error) {
	var records []*core.Record
	err := s.app.RecordQuery(CollectionName).
		AndWhere(dbx.NewExp(
			"EXISTS (SELECT 1 FROM json_each([[tickets]]) WHERE json_extract(json_each.value, '$.id') = {:ticket})",
			dbx.Params{"ticket": ticketID},
		)).
		Limit(1).
		All(&records)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, status.ErrTicketNotFound
	}
	return toBooking(records[0])
}

func (s *RecordStore) List(_ context.Context, f Filter) ([]*models.Booking, error) {
	q := s.app.RecordQuery(CollectionName).OrderBy("created_at ASC", "booking_id ASC")

	if len(f.Statuses) > 0 {
		values := make([]interface{}, len(f.Statuses))
		for i, st := range f.Statuses {
			values[i] = string(st)
		}
		q = q.AndWhere(dbx.In("status", values...))
	}
	if f.HolderID != "" {
		q = q.AndWhere(dbx.HashExp{"holder_id": f.HolderID})
	}
	if !f.UpdatedAfter.IsZero() {
		after, err := types.ParseDateTime(f.UpdatedAfter)
		if err != nil {
			return nil, err
		}
		q = q.AndWhere(dbx.NewExp("[[updated_at]] > {:after}", dbx.Params{"after": after.String()}))
	}
	if f.WithIntent {
		q = q.AndWhere(dbx.NewExp("[[intent]] IS NOT NULL AND [[intent]] NOT IN ('', 'null')"))
	}

	var records []*core.Record
	if err := q.All(&records); err != nil {
		return nil, err
	}

	out := make([]*models.Booking, 0, len(records))
	for _, rec := range records {
		b, err := toBooking(rec)
		if err != nil {
			return nil, err
		}
		if f.match(b) {
			out = append(out, b)
		}
	}
	return out, nil
}

func fill(rec *core.Record, b *models.Booking) {
	rec.Set("booking_id", b.ID)
	rec.Set("code", b.Code)
	rec.Set("trip_id", b.TripID)
	rec.Set("holder_id", b.HolderID)
	rec.Set("customer", b.Customer)
	rec.Set("tickets", b.Tickets)
	rec.Set("total_amount", b.TotalAmount.String())
	rec.Set("status", string(b.Status))
	rec.Set("hold_expires_at", b.HoldExpiresAt)
	rec.Set("payment_provider", b.PaymentProvider)
	rec.Set("payment_ref", b.PaymentRef)
	rec.Set("cancel_reason", b.CancelReason)
	if b.Intent != nil {
		rec.Set("intent", b.Intent)
	} else {
		rec.Set("intent", nil)
	}
	rec.Set("revision", b.Revision)
	rec.Set("created_at", b.CreatedAt)
	rec.Set("updated_at", b.UpdatedAt)
}

func toBooking(rec *core.Record) (*models.Booking, error) {
	b := &models.Booking{
		ID:              rec.GetString("booking_id"),
		Code:            rec.GetString("code"),
		TripID:          rec.GetString("trip_id"),
		HolderID:        rec.GetString("holder_id"),
		Status:          models.BookingStatus(rec.GetString("status")),
		HoldExpiresAt:   rec.GetDateTime("hold_expires_at").Time(),
		PaymentProvider: rec.GetString("payment_provider"),
		PaymentRef:      rec.GetString("payment_ref"),
		CancelReason:    rec.GetString("cancel_reason"),
		Revision:        int64(rec.GetInt("revision")),
		CreatedAt:       rec.GetDateTime("created_at").Time(),
		UpdatedAt:       rec.GetDateTime("updated_at").Time(),
	}

	amount := rec.GetString("total_amount")
	if amount != "" {
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("booking %s: total_amount: %w", b.ID, err)
		}
		b.TotalAmount = d
	}
	if err := rec.UnmarshalJSONField("customer", &b.Customer); err != nil {
		return nil, fmt.Errorf("booking %s: customer: %w", b.ID, err)
	}
	if err := rec.UnmarshalJSONField("tickets", &b.Tickets); err != nil {
		return nil, fmt.Errorf("booking %s: tickets: %w", b.ID, err)
	}
	if raw := rec.GetString("intent"); raw != "" && raw != "null" {
		var intent models.Intent
		if err := rec.UnmarshalJSONField("intent", &intent); err != nil {
			return nil, fmt.Errorf("booking %s: intent: %w", b.ID, err)
		}
		b.Intent = &intent
	}
	return b, nil
}
