package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"

	"bus-ticket/internal/booking"
)

func init() {
	m.Register(func(app core.App) error {
		return app.Save(booking.NewCollection())
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId(booking.CollectionName)
		if err != nil {
			return err
		}

		return app.Delete(collection)
	})
}
