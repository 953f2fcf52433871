package migrations

import (
	"gorm.io/gorm"

	"github.com/ksred/exec-api/internal/types"
)

// AddPlacementAttempts creates the placement attempt audit table and its
// query indexes.
func AddPlacementAttempts(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.PlacementAttempt{}); err != nil {
		return err
	}

	// Raw SQL for index creation to have more control over index types
	indexes := []string{
		// Index for instrument lookups
		`CREATE INDEX IF NOT EXISTS idx_placement_attempts_instrument
		 ON placement_attempts(instrument)`,

		// Index for broker order id joins against the order book
		`CREATE INDEX IF NOT EXISTS idx_placement_attempts_order_id
		 ON placement_attempts(order_id)`,

		// Index for created_at timestamp (time-based audit queries)
		`CREATE INDEX IF NOT EXISTS idx_placement_attempts_created_at
		 ON placement_attempts(created_at)`,

		// Composite index for the common instrument + time query
		`CREATE INDEX IF NOT EXISTS idx_placement_attempts_instrument_created
		 ON placement_attempts(instrument, created_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
