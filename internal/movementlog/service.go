package movementlog

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockledger-backend/pkg/db/models"
	"github.com/angelmondragon/stockledger-backend/pkg/enums"
	apperrors "github.com/angelmondragon/stockledger-backend/pkg/errors"
	"github.com/angelmondragon/stockledger-backend/pkg/pagination"
)

// Service defines operations over the append-only movement log.
type Service interface {
	Append(ctx context.Context, tx *gorm.DB, input AppendMovementInput) (*models.StockMovement, error)
	ListByItem(ctx context.Context, itemID uuid.UUID, params pagination.Params) (*MovementPage, error)
	ListByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]models.StockMovement, error)
}

type service struct {
	repo Repository
}

// AppendMovementInput captures the immutable data one movement row requires.
// Before/after snapshots cover both counters so the sequence alone can
// reconstruct an item's state.
type AppendMovementInput struct {
	ItemID         uuid.UUID
	MerchantID     uuid.UUID
	Type           enums.MovementType
	QuantityDelta  int64
	OnHandBefore   int64
	OnHandAfter    int64
	ReservedBefore int64
	ReservedAfter  int64
	ActorType      enums.ActorType
	ActorID        *uuid.UUID
	ActorLabel     *string
	ReferenceType  *string
	ReferenceID    *uuid.UUID
	CorrelationID  uuid.UUID
	Reason         *string
}

// MovementPage is one page of movement history with an opaque cursor.
type MovementPage struct {
	Movements  []models.StockMovement
	NextCursor string
}

// NewService wires a movement log service with the provided repository.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("movement repository required")
	}
	return &service{repo: repo}, nil
}

// Append writes one movement row inside the caller's transaction.
func (s *service) Append(ctx context.Context, tx *gorm.DB, input AppendMovementInput) (*models.StockMovement, error) {
	if tx == nil {
		return nil, apperrors.New(apperrors.CodeValidation, "transaction required")
	}
	if err := validateAppendInput(input); err != nil {
		return nil, err
	}

	movement := &models.StockMovement{
		ItemID:         input.ItemID,
		MerchantID:     input.MerchantID,
		Type:           input.Type,
		QuantityDelta:  input.QuantityDelta,
		OnHandBefore:   input.OnHandBefore,
		OnHandAfter:    input.OnHandAfter,
		ReservedBefore: input.ReservedBefore,
		ReservedAfter:  input.ReservedAfter,
		ActorType:      input.ActorType,
		ActorID:        input.ActorID,
		ActorLabel:     input.ActorLabel,
		ReferenceType:  input.ReferenceType,
		ReferenceID:    input.ReferenceID,
		CorrelationID:  &input.CorrelationID,
		Reason:         input.Reason,
	}

	if err := s.repo.WithTx(tx).Create(ctx, movement); err != nil {
		return nil, err
	}
	return movement, nil
}

func validateAppendInput(input AppendMovementInput) error {
	if input.ItemID == uuid.Nil {
		return apperrors.New(apperrors.CodeValidation, "item id is required")
	}
	if input.MerchantID == uuid.Nil {
		return apperrors.New(apperrors.CodeValidation, "merchant id is required")
	}
	if !input.Type.IsValid() {
		return apperrors.New(apperrors.CodeValidation, fmt.Sprintf("invalid movement type %q", input.Type))
	}
	if !input.ActorType.IsValid() {
		return apperrors.New(apperrors.CodeValidation, fmt.Sprintf("invalid actor type %q", input.ActorType))
	}
	if input.CorrelationID == uuid.Nil {
		return apperrors.New(apperrors.CodeValidation, "correlation id is required")
	}
	if input.OnHandBefore < 0 || input.OnHandAfter < 0 || input.ReservedBefore < 0 || input.ReservedAfter < 0 {
		return apperrors.New(apperrors.CodeValidation, "counter snapshots must be non-negative")
	}
	if input.ReservedAfter > input.OnHandAfter {
		return apperrors.New(apperrors.CodeValidation, "reserved snapshot exceeds on-hand snapshot")
	}
	return nil
}

// ListByItem returns movement history for an item in creation order.
func (s *service) ListByItem(ctx context.Context, itemID uuid.UUID, params pagination.Params) (*MovementPage, error) {
	if itemID == uuid.Nil {
		return nil, apperrors.New(apperrors.CodeValidation, "item id is required")
	}

	movements, err := s.repo.ListByItemID(ctx, itemID, params)
	if err != nil {
		return nil, err
	}

	limit := pagination.NormalizeLimit(params.Limit)
	page := &MovementPage{Movements: movements}
	if len(movements) > limit {
		page.Movements = movements[:limit]
		last := page.Movements[limit-1]
		page.NextCursor = pagination.EncodeCursor(pagination.Cursor{
			CreatedAt: last.CreatedAt,
			ID:        last.ID,
		})
	}
	return page, nil
}

// ListByCorrelation returns every movement recorded under one correlation id.
func (s *service) ListByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]models.StockMovement, error) {
	if correlationID == uuid.Nil {
		return nil, apperrors.New(apperrors.CodeValidation, "correlation id is required")
	}
	return s.repo.ListByCorrelationID(ctx, correlationID)
}
