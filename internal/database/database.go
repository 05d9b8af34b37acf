package database

import (
	"fmt"

	"github.com/gawulo/marketplace-api/internal/database/migrations"
	"github.com/gawulo/marketplace-api/internal/orders"
	"github.com/gawulo/marketplace-api/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// Auto-migrate schemas
	err = db.AutoMigrate(
		&types.Vendor{},
		&types.Customer{},
		&types.Product{},
		&types.Order{},
		&types.OrderLineItem{},
		&types.OrderStatusHistory{},
		&types.Review{},
		&types.RefundRequest{},
		&orders.IdempotencyRecord{},
	)
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.BackfillCompletedOrders(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
