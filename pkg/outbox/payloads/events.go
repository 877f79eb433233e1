package payloads

import (
	"time"

	"github.com/google/uuid"
)

// InventoryLowStockEvent fires when a commit drops available stock to or
// below the item's configured threshold.
type InventoryLowStockEvent struct {
	ItemID       uuid.UUID `json:"item_id"`
	MerchantID   uuid.UUID `json:"merchant_id"`
	ProductID    uuid.UUID `json:"product_id"`
	AvailableQty int64     `json:"available_qty"`
	Threshold    int64     `json:"threshold"`
}

// InventoryOutOfStockEvent fires when available stock reaches zero.
type InventoryOutOfStockEvent struct {
	ItemID     uuid.UUID `json:"item_id"`
	MerchantID uuid.UUID `json:"merchant_id"`
	ProductID  uuid.UUID `json:"product_id"`
}

// ReservationConfirmedEvent reports a hold converted into a sale.
type ReservationConfirmedEvent struct {
	OrderDraftID uuid.UUID  `json:"order_draft_id"`
	OrderID      *uuid.UUID `json:"order_id,omitempty"`
	MerchantID   uuid.UUID  `json:"merchant_id"`
	LineCount    int        `json:"line_count"`
	ConfirmedAt  time.Time  `json:"confirmed_at"`
}

// ReservationReleasedEvent reports a hold returned to available stock.
type ReservationReleasedEvent struct {
	OrderDraftID uuid.UUID `json:"order_draft_id"`
	MerchantID   uuid.UUID `json:"merchant_id"`
	LineCount    int       `json:"line_count"`
	ReleasedAt   time.Time `json:"released_at"`
}

// ReservationExpiredEvent reports holds reclaimed by the sweeper.
type ReservationExpiredEvent struct {
	OrderDraftID uuid.UUID `json:"order_draft_id"`
	MerchantID   uuid.UUID `json:"merchant_id"`
	LineCount    int       `json:"line_count"`
	ExpiredAt    time.Time `json:"expired_at"`
}
