package inventory

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockledger-backend/pkg/db/models"
)

// Repository manages persistence for inventory items. Counter writes go
// through UpdateCountsCAS so concurrent transactions never overwrite each
// other silently.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, item *models.InventoryItem) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.InventoryItem, error)
	FindByKey(ctx context.Context, merchantID, productID uuid.UUID, variantID *uuid.UUID) (*models.InventoryItem, error)
	UpdateCountsCAS(ctx context.Context, itemID uuid.UUID, expectOnHand, expectReserved, newOnHand, newReserved int64) (bool, error)
	UpdateLowStockThreshold(ctx context.Context, itemID uuid.UUID, threshold *int64) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns an inventory repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, item *models.InventoryItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(item).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.InventoryItem, error) {
	var item models.InventoryItem
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (r *repository) FindByKey(ctx context.Context, merchantID, productID uuid.UUID, variantID *uuid.UUID) (*models.InventoryItem, error) {
	query := r.db.WithContext(ctx).
		Where("merchant_id = ? AND product_id = ?", merchantID, productID)
	if variantID == nil {
		query = query.Where("variant_id IS NULL")
	} else {
		query = query.Where("variant_id = ?", *variantID)
	}

	var item models.InventoryItem
	err := query.First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

// UpdateCountsCAS writes both counters only when the row still carries the
// expected values. A false return means another transaction won the race.
func (r *repository) UpdateCountsCAS(ctx context.Context, itemID uuid.UUID, expectOnHand, expectReserved, newOnHand, newReserved int64) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.InventoryItem{}).
		Where("id = ? AND on_hand_qty = ? AND reserved_qty = ?", itemID, expectOnHand, expectReserved).
		Updates(map[string]any{
			"on_hand_qty":  newOnHand,
			"reserved_qty": newReserved,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repository) UpdateLowStockThreshold(ctx context.Context, itemID uuid.UUID, threshold *int64) error {
	return r.db.WithContext(ctx).
		Model(&models.InventoryItem{}).
		Where("id = ?", itemID).
		Update("low_stock_threshold", threshold).Error
}
