package audit

import (
	"gorm.io/gorm"

	"github.com/ksred/exec-api/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateAttempt(attempt *types.PlacementAttempt) error {
	return d.db.Create(attempt).Error
}

// ListAttempts returns the most recent attempts, newest first.
func (d *Database) ListAttempts(limit int) ([]types.PlacementAttempt, error) {
	if limit <= 0 {
		limit = 100
	}
	var attempts []types.PlacementAttempt
	if err := d.db.Order("created_at DESC").Limit(limit).Find(&attempts).Error; err != nil {
		return nil, err
	}
	return attempts, nil
}

// ListAttemptsByInstrument returns attempts for one instrument, newest first.
func (d *Database) ListAttemptsByInstrument(instrument string, limit int) ([]types.PlacementAttempt, error) {
	if limit <= 0 {
		limit = 100
	}
	var attempts []types.PlacementAttempt
	if err := d.db.Where("instrument = ?", instrument).
		Order("created_at DESC").Limit(limit).Find(&attempts).Error; err != nil {
		return nil, err
	}
	return attempts, nil
}
