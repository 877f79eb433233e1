package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/stockledger-backend/pkg/enums"
)

// StockMovement records one immutable inventory change. Rows are append-only:
// nothing in the codebase updates or deletes them, and replaying the sequence
// for an item must reproduce its current on-hand and reserved counts.
type StockMovement struct {
	ID             uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	ItemID         uuid.UUID          `gorm:"column:item_id;type:uuid;not null;index:idx_stock_movements_item_created,priority:1"`
	MerchantID     uuid.UUID          `gorm:"column:merchant_id;type:uuid;not null"`
	Type           enums.MovementType `gorm:"column:type;type:movement_type_enum;not null"`
	QuantityDelta  int64              `gorm:"column:quantity_delta;not null"`
	OnHandBefore   int64              `gorm:"column:on_hand_before;not null"`
	OnHandAfter    int64              `gorm:"column:on_hand_after;not null"`
	ReservedBefore int64              `gorm:"column:reserved_before;not null"`
	ReservedAfter  int64              `gorm:"column:reserved_after;not null"`
	ActorType      enums.ActorType    `gorm:"column:actor_type;type:actor_type_enum;not null"`
	ActorID        *uuid.UUID         `gorm:"column:actor_id;type:uuid"`
	ActorLabel     *string            `gorm:"column:actor_label"`
	ReferenceType  *string            `gorm:"column:reference_type"`
	ReferenceID    *uuid.UUID         `gorm:"column:reference_id;type:uuid"`
	CorrelationID  *uuid.UUID         `gorm:"column:correlation_id;type:uuid;index"`
	Reason         *string            `gorm:"column:reason"`
	CreatedAt      time.Time          `gorm:"column:created_at;autoCreateTime;index:idx_stock_movements_item_created,priority:2"`
}
