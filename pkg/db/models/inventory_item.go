package models

import (
	"time"

	"github.com/google/uuid"
)

// InventoryItem tracks on-hand and reserved counts for a sellable item.
// AvailableQty is always derived as OnHandQty - ReservedQty and never stored.
type InventoryItem struct {
	ID                uuid.UUID  `gorm:"column:id;type:uuid;primaryKey"`
	MerchantID        uuid.UUID  `gorm:"column:merchant_id;type:uuid;not null;uniqueIndex:idx_inventory_items_merchant_product_variant,priority:1"`
	ProductID         uuid.UUID  `gorm:"column:product_id;type:uuid;not null;uniqueIndex:idx_inventory_items_merchant_product_variant,priority:2"`
	VariantID         *uuid.UUID `gorm:"column:variant_id;type:uuid;uniqueIndex:idx_inventory_items_merchant_product_variant,priority:3"`
	OnHandQty         int64      `gorm:"column:on_hand_qty;not null;default:0"`
	ReservedQty       int64      `gorm:"column:reserved_qty;not null;default:0"`
	LowStockThreshold *int64     `gorm:"column:low_stock_threshold"`
	CreatedAt         time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// AvailableQty returns the sellable quantity not held by active reservations.
func (i InventoryItem) AvailableQty() int64 {
	return i.OnHandQty - i.ReservedQty
}

// BelowThreshold reports whether available stock has dropped to or under the
// configured low-stock threshold. Items without a threshold never trigger.
func (i InventoryItem) BelowThreshold() bool {
	if i.LowStockThreshold == nil {
		return false
	}
	return i.AvailableQty() <= *i.LowStockThreshold
}
