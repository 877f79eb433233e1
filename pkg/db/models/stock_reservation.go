package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/stockledger-backend/pkg/enums"
)

// StockReservation is one line of a hold placed against an order draft. A
// draft may span multiple items; every line of the same draft shares the
// OrderDraftID and moves through the lifecycle together.
type StockReservation struct {
	ID           uuid.UUID               `gorm:"column:id;type:uuid;primaryKey"`
	OrderDraftID uuid.UUID               `gorm:"column:order_draft_id;type:uuid;not null;uniqueIndex:idx_stock_reservations_draft_item,priority:1,where:status = 'active'"`
	ItemID       uuid.UUID               `gorm:"column:item_id;type:uuid;not null;uniqueIndex:idx_stock_reservations_draft_item,priority:2"`
	MerchantID   uuid.UUID               `gorm:"column:merchant_id;type:uuid;not null"`
	Quantity     int64                   `gorm:"column:quantity;not null"`
	Status       enums.ReservationStatus `gorm:"column:status;type:reservation_status_enum;not null;default:'active';index:idx_stock_reservations_status_expires,priority:1"`
	ExpiresAt    time.Time               `gorm:"column:expires_at;not null;index:idx_stock_reservations_status_expires,priority:2"`
	CreatedAt    time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}
