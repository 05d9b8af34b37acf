package migrations

import (
	"github.com/gawulo/marketplace-api/internal/types"
	"gorm.io/gorm"
)

// BackfillCompletedOrders repairs the completion flag on rows written
// before the flag became derived from the status column.
func BackfillCompletedOrders(db *gorm.DB) error {
	completed := []types.Status{types.StatusDelivered, types.StatusPickedUp, types.StatusRefunded}

	err := db.Model(&types.Order{}).
		Where("status IN ?", completed).
		Where("is_completed = ?", false).
		Update("is_completed", true).Error
	if err != nil {
		return err
	}

	return db.Model(&types.Order{}).
		Where("status NOT IN ?", completed).
		Where("is_completed = ?", true).
		Update("is_completed", false).Error
}
