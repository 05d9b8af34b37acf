package orders

import (
	"errors"
	"time"

	"github.com/gawulo/marketplace-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) withOrderAssociations() *gorm.DB {
	return d.db.Preload("LineItems").Preload("StatusHistory").Preload("Review")
}

func (d *Database) GetOrder(orderUID string) (*types.Order, error) {
	var order types.Order
	if err := d.withOrderAssociations().Where("order_uid = ?", orderUID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrderForVendor(orderUID, vendorID string) (*types.Order, error) {
	var order types.Order
	err := d.withOrderAssociations().
		Where("order_uid = ? AND vendor_id = ?", orderUID, vendorID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrderForCustomer(orderUID, customerID string) (*types.Order, error) {
	var order types.Order
	err := d.withOrderAssociations().
		Where("order_uid = ? AND customer_id = ?", orderUID, customerID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) ListOrdersByVendor(vendorID string, status types.Status) ([]types.Order, error) {
	return d.listOrders("vendor_id", vendorID, status)
}

func (d *Database) ListOrdersByCustomer(customerID string, status types.Status) ([]types.Order, error) {
	return d.listOrders("customer_id", customerID, status)
}

func (d *Database) listOrders(column, id string, status types.Status) ([]types.Order, error) {
	var orders []types.Order
	query := d.withOrderAssociations().Where(column+" = ?", id).Order("created_at DESC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// CreateOrderWithIdempotency commits a new order, its initial status
// history row and the idempotency record in a single transaction
func (d *Database) CreateOrderWithIdempotency(order *types.Order, history *types.OrderStatusHistory, idempotencyKey string) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(order).Error; err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Create(history).Error; err != nil {
		tx.Rollback()
		return err
	}

	record := IdempotencyRecord{
		IdempotencyKey: idempotencyKey,
		ResourceID:     order.OrderUID,
		ResourceType:   "order",
		ExpiresAt:      time.Now().Add(24 * time.Hour),
	}

	if err := tx.Create(&record).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// UpdateOrderStatusWithHistory saves the mutated order and appends the
// matching status history row in a single transaction
func (d *Database) UpdateOrderStatusWithHistory(order *types.Order, history *types.OrderStatusHistory) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Omit("LineItems", "StatusHistory", "Review").Save(order).Error; err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Create(history).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

func (d *Database) CreateRefundRequest(request *types.RefundRequest) error {
	return d.db.Create(request).Error
}

func (d *Database) GetRefundRequest(requestID string) (*types.RefundRequest, error) {
	var request types.RefundRequest
	if err := d.db.Where("request_id = ?", requestID).First(&request).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &request, nil
}

func (d *Database) GetRefundRequestByOrder(orderUID string) (*types.RefundRequest, error) {
	var request types.RefundRequest
	if err := d.db.Where("order_uid = ?", orderUID).First(&request).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &request, nil
}

func (d *Database) ListRefundRequestsByVendor(vendorID string) ([]types.RefundRequest, error) {
	var requests []types.RefundRequest
	err := d.db.Where("vendor_id = ?", vendorID).Order("created_at DESC").Find(&requests).Error
	if err != nil {
		return nil, err
	}
	return requests, nil
}

func (d *Database) UpdateRefundRequest(request *types.RefundRequest) error {
	return d.db.Save(request).Error
}

func (d *Database) GetReviewByOrder(orderUID string) (*types.Review, error) {
	var review types.Review
	if err := d.db.Where("order_uid = ?", orderUID).First(&review).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &review, nil
}

// CreateReviewWithVendorStats creates the review and refreshes the vendor's
// aggregate rating in a single transaction
func (d *Database) CreateReviewWithVendorStats(review *types.Review) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(review).Error; err != nil {
		tx.Rollback()
		return err
	}

	var stats struct {
		Count   int64
		Average float64
	}
	err := tx.Model(&types.Review{}).
		Select("COUNT(*) AS count, AVG(rating) AS average").
		Where("vendor_id = ?", review.VendorID).
		Scan(&stats).Error
	if err != nil {
		tx.Rollback()
		return err
	}

	err = tx.Model(&types.Vendor{}).
		Where("vendor_id = ?", review.VendorID).
		Updates(map[string]interface{}{
			"review_count":   stats.Count,
			"average_rating": stats.Average,
		}).Error
	if err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

func (d *Database) StatsForVendor(vendorID string) (*types.OrderStats, error) {
	return d.stats("vendor_id", vendorID)
}

func (d *Database) StatsForCustomer(customerID string) (*types.OrderStats, error) {
	return d.stats("customer_id", customerID)
}

func (d *Database) stats(column, id string) (*types.OrderStats, error) {
	var stats types.OrderStats
	scoped := func() *gorm.DB {
		return d.db.Model(&types.Order{}).Where(column+" = ?", id)
	}

	if err := scoped().Count(&stats.TotalOrders).Error; err != nil {
		return nil, err
	}
	err := scoped().
		Where("is_completed = ? AND status <> ?", false, types.StatusCancelled).
		Count(&stats.PendingOrders).Error
	if err != nil {
		return nil, err
	}
	if err := scoped().Where("is_completed = ?", true).Count(&stats.CompletedOrders).Error; err != nil {
		return nil, err
	}
	var revenue struct{ Total float64 }
	err = scoped().
		Select("COALESCE(SUM(total_amount), 0) AS total").
		Where("is_completed = ?", true).
		Scan(&revenue).Error
	if err != nil {
		return nil, err
	}
	stats.TotalRevenue = revenue.Total

	return &stats, nil
}

// GetIdempotencyRecord retrieves an idempotency record by key
func (d *Database) GetIdempotencyRecord(key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// DeleteExpiredIdempotencyRecords removes records past their expiry and
// returns how many were deleted
func (d *Database) DeleteExpiredIdempotencyRecords() (int64, error) {
	result := d.db.Unscoped().
		Where("expires_at < ?", time.Now()).
		Delete(&IdempotencyRecord{})
	return result.RowsAffected, result.Error
}
