package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	retry "github.com/sethvargo/go-retry"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockledger-backend/internal/movementlog"
	"github.com/angelmondragon/stockledger-backend/pkg/config"
	dbpkg "github.com/angelmondragon/stockledger-backend/pkg/db"
	"github.com/angelmondragon/stockledger-backend/pkg/db/models"
	"github.com/angelmondragon/stockledger-backend/pkg/enums"
	apperrors "github.com/angelmondragon/stockledger-backend/pkg/errors"
	"github.com/angelmondragon/stockledger-backend/pkg/logger"
	"github.com/angelmondragon/stockledger-backend/pkg/outbox"
	"github.com/angelmondragon/stockledger-backend/pkg/outbox/payloads"
)

// Service is the sole owner of the on-hand and reserved counters. Every write
// is one transaction: read counters, validate, compare-and-swap, append
// exactly one movement.
type Service interface {
	SetStock(ctx context.Context, input SetStockInput) (*models.InventoryItem, error)
	IncreaseReserved(ctx context.Context, input QuantityInput) (*models.InventoryItem, error)
	CommitSale(ctx context.Context, input QuantityInput) (*models.InventoryItem, error)
	ReleaseReserved(ctx context.Context, input QuantityInput) (*models.InventoryItem, error)

	// Tx-scoped variants let the reservation coordinator span several items
	// in one outer transaction. They surface TRANSIENT_CONFLICT without
	// retrying; the caller owns the retry loop.
	IncreaseReservedTx(ctx context.Context, tx *gorm.DB, input QuantityInput) (*models.InventoryItem, error)
	CommitSaleTx(ctx context.Context, tx *gorm.DB, input QuantityInput) (*models.InventoryItem, error)
	ReleaseReservedTx(ctx context.Context, tx *gorm.DB, input QuantityInput) (*models.InventoryItem, error)

	GetItem(ctx context.Context, merchantID, productID uuid.UUID, variantID *uuid.UUID) (*models.InventoryItem, error)
	GetItemByID(ctx context.Context, itemID uuid.UUID) (*models.InventoryItem, error)
	RunWithConflictRetry(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxEmitter interface {
	EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Actor attributes a stock movement to whoever caused it.
type Actor struct {
	Type  enums.ActorType
	ID    *uuid.UUID
	Label *string
}

// SetStockInput sets the absolute on-hand count for an item, creating the
// item on first use.
type SetStockInput struct {
	MerchantID        uuid.UUID
	ProductID         uuid.UUID
	VariantID         *uuid.UUID
	NewOnHand         int64
	LowStockThreshold *int64
	Actor             Actor
	Reason            *string
	CorrelationID     uuid.UUID
}

// QuantityInput moves a positive quantity through the reserve/sale/release
// operations of an existing item.
type QuantityInput struct {
	ItemID        uuid.UUID
	Quantity      int64
	Actor         Actor
	ReferenceType *string
	ReferenceID   *uuid.UUID
	Reason        *string
	CorrelationID uuid.UUID
}

type service struct {
	repo      Repository
	movements movementlog.Service
	emitter   outboxEmitter
	tx        txRunner
	cfg       config.InventoryConfig
	logg      *logger.Logger
}

// NewService wires the inventory ledger with its persistence and outbox deps.
func NewService(repo Repository, movements movementlog.Service, emitter outboxEmitter, tx txRunner, cfg config.InventoryConfig, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("inventory repository required")
	}
	if movements == nil {
		return nil, fmt.Errorf("movement log service required")
	}
	if emitter == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		repo:      repo,
		movements: movements,
		emitter:   emitter,
		tx:        tx,
		cfg:       cfg,
		logg:      logg,
	}, nil
}

// RunWithConflictRetry runs fn in a transaction, retrying the whole
// transaction with jittered Fibonacci backoff when it loses a counter race.
func (s *service) RunWithConflictRetry(ctx context.Context, fn func(tx *gorm.DB) error) error {
	base := s.cfg.ConflictBackoff
	if base <= 0 {
		base = 25 * time.Millisecond
	}
	backoff := retry.NewFibonacci(base)
	if s.cfg.ConflictJitter > 0 {
		backoff = retry.WithJitter(s.cfg.ConflictJitter, backoff)
	}
	retries := s.cfg.ConflictRetries
	if retries < 0 {
		retries = 0
	}
	backoff = retry.WithMaxRetries(uint64(retries), backoff)

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.tx.WithTx(ctx, fn)
		if err == nil {
			return nil
		}
		if apperrors.IsCode(err, apperrors.CodeTransientConflict) || dbpkg.IsSerializationFailure(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (s *service) SetStock(ctx context.Context, input SetStockInput) (*models.InventoryItem, error) {
	var item *models.InventoryItem
	err := s.RunWithConflictRetry(ctx, func(tx *gorm.DB) error {
		var txErr error
		item, txErr = s.setStockTx(ctx, tx, input)
		return txErr
	})
	return item, err
}

func (s *service) IncreaseReserved(ctx context.Context, input QuantityInput) (*models.InventoryItem, error) {
	var item *models.InventoryItem
	err := s.RunWithConflictRetry(ctx, func(tx *gorm.DB) error {
		var txErr error
		item, txErr = s.IncreaseReservedTx(ctx, tx, input)
		return txErr
	})
	return item, err
}

func (s *service) CommitSale(ctx context.Context, input QuantityInput) (*models.InventoryItem, error) {
	var item *models.InventoryItem
	err := s.RunWithConflictRetry(ctx, func(tx *gorm.DB) error {
		var txErr error
		item, txErr = s.CommitSaleTx(ctx, tx, input)
		return txErr
	})
	return item, err
}

func (s *service) ReleaseReserved(ctx context.Context, input QuantityInput) (*models.InventoryItem, error) {
	var item *models.InventoryItem
	err := s.RunWithConflictRetry(ctx, func(tx *gorm.DB) error {
		var txErr error
		item, txErr = s.ReleaseReservedTx(ctx, tx, input)
		return txErr
	})
	return item, err
}

func (s *service) setStockTx(ctx context.Context, tx *gorm.DB, input SetStockInput) (*models.InventoryItem, error) {
	if input.MerchantID == uuid.Nil {
		return nil, apperrors.New(apperrors.CodeValidation, "merchant id is required")
	}
	if input.ProductID == uuid.Nil {
		return nil, apperrors.New(apperrors.CodeValidation, "product id is required")
	}
	if input.NewOnHand < 0 {
		return nil, apperrors.New(apperrors.CodeInvalidQuantity, "on-hand quantity cannot be negative").
			WithDetails(map[string]any{"requested": input.NewOnHand})
	}

	repo := s.repo.WithTx(tx)
	correlationID := ensureCorrelationID(input.CorrelationID)

	item, err := repo.FindByKey(ctx, input.MerchantID, input.ProductID, input.VariantID)
	if err != nil {
		return nil, err
	}

	if item == nil {
		item = &models.InventoryItem{
			MerchantID:        input.MerchantID,
			ProductID:         input.ProductID,
			VariantID:         input.VariantID,
			OnHandQty:         input.NewOnHand,
			ReservedQty:       0,
			LowStockThreshold: input.LowStockThreshold,
		}
		if err := repo.Create(ctx, item); err != nil {
			if dbpkg.IsUniqueViolation(err, "") {
				// Lost the create race; the retry loop will find the row.
				return nil, apperrors.Wrap(apperrors.CodeTransientConflict, err, "concurrent item creation")
			}
			return nil, err
		}
		if _, err := s.appendMovement(ctx, tx, item, movementParams{
			movementType:  enums.MovementAdjust,
			delta:         input.NewOnHand,
			before:        counters{0, 0},
			after:         counters{input.NewOnHand, 0},
			actor:         input.Actor,
			reason:        input.Reason,
			correlationID: correlationID,
		}); err != nil {
			return nil, err
		}
		return item, nil
	}

	if input.NewOnHand < item.ReservedQty {
		return nil, apperrors.New(apperrors.CodeInvalidQuantity, "on-hand quantity cannot drop below reserved").
			WithDetails(map[string]any{
				"requested": input.NewOnHand,
				"reserved":  item.ReservedQty,
			})
	}

	before := counters{item.OnHandQty, item.ReservedQty}
	after := counters{input.NewOnHand, item.ReservedQty}

	if after.onHand != before.onHand {
		ok, err := repo.UpdateCountsCAS(ctx, item.ID, before.onHand, before.reserved, after.onHand, after.reserved)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperrors.New(apperrors.CodeTransientConflict, "inventory counters changed concurrently")
		}
		if _, err := s.appendMovement(ctx, tx, item, movementParams{
			movementType:  enums.MovementAdjust,
			delta:         after.onHand - before.onHand,
			before:        before,
			after:         after,
			actor:         input.Actor,
			reason:        input.Reason,
			correlationID: correlationID,
		}); err != nil {
			return nil, err
		}
	}

	if input.LowStockThreshold != nil {
		if err := repo.UpdateLowStockThreshold(ctx, item.ID, input.LowStockThreshold); err != nil {
			return nil, err
		}
		item.LowStockThreshold = input.LowStockThreshold
	}

	item.OnHandQty = after.onHand
	item.ReservedQty = after.reserved
	return item, nil
}

func (s *service) IncreaseReservedTx(ctx context.Context, tx *gorm.DB, input QuantityInput) (*models.InventoryItem, error) {
	item, before, err := s.loadForWrite(ctx, tx, input)
	if err != nil {
		return nil, err
	}

	available := before.onHand - before.reserved
	if available < input.Quantity {
		return nil, apperrors.New(apperrors.CodeOutOfStock, "not enough stock available").
			WithDetails(map[string]any{
				"requested": input.Quantity,
				"available": available,
			})
	}

	after := counters{before.onHand, before.reserved + input.Quantity}
	return s.writeCounters(ctx, tx, item, enums.MovementReserve, input.Quantity, before, after, input)
}

func (s *service) CommitSaleTx(ctx context.Context, tx *gorm.DB, input QuantityInput) (*models.InventoryItem, error) {
	item, before, err := s.loadForWrite(ctx, tx, input)
	if err != nil {
		return nil, err
	}

	if before.reserved < input.Quantity {
		return nil, s.invariantViolation(ctx, item, before, input, "sale exceeds reserved quantity")
	}

	after := counters{before.onHand - input.Quantity, before.reserved - input.Quantity}
	updated, err := s.writeCounters(ctx, tx, item, enums.MovementSale, -input.Quantity, before, after, input)
	if err != nil {
		return nil, err
	}

	if err := s.emitStockSignals(ctx, tx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *service) ReleaseReservedTx(ctx context.Context, tx *gorm.DB, input QuantityInput) (*models.InventoryItem, error) {
	item, before, err := s.loadForWrite(ctx, tx, input)
	if err != nil {
		return nil, err
	}

	if before.reserved < input.Quantity {
		return nil, s.invariantViolation(ctx, item, before, input, "release exceeds reserved quantity")
	}

	after := counters{before.onHand, before.reserved - input.Quantity}
	return s.writeCounters(ctx, tx, item, enums.MovementRelease, -input.Quantity, before, after, input)
}

func (s *service) GetItem(ctx context.Context, merchantID, productID uuid.UUID, variantID *uuid.UUID) (*models.InventoryItem, error) {
	if merchantID == uuid.Nil {
		return nil, apperrors.New(apperrors.CodeValidation, "merchant id is required")
	}
	if productID == uuid.Nil {
		return nil, apperrors.New(apperrors.CodeValidation, "product id is required")
	}
	item, err := s.repo.FindByKey(ctx, merchantID, productID, variantID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, apperrors.New(apperrors.CodeNotFound, "inventory item not found")
	}
	return item, nil
}

func (s *service) GetItemByID(ctx context.Context, itemID uuid.UUID) (*models.InventoryItem, error) {
	if itemID == uuid.Nil {
		return nil, apperrors.New(apperrors.CodeValidation, "item id is required")
	}
	item, err := s.repo.FindByID(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, apperrors.New(apperrors.CodeNotFound, "inventory item not found")
	}
	return item, nil
}

type counters struct {
	onHand   int64
	reserved int64
}

type movementParams struct {
	movementType  enums.MovementType
	delta         int64
	before        counters
	after         counters
	actor         Actor
	referenceType *string
	referenceID   *uuid.UUID
	reason        *string
	correlationID uuid.UUID
}

func (s *service) loadForWrite(ctx context.Context, tx *gorm.DB, input QuantityInput) (*models.InventoryItem, counters, error) {
	if tx == nil {
		return nil, counters{}, apperrors.New(apperrors.CodeValidation, "transaction required")
	}
	if input.ItemID == uuid.Nil {
		return nil, counters{}, apperrors.New(apperrors.CodeValidation, "item id is required")
	}
	if input.Quantity <= 0 {
		return nil, counters{}, apperrors.New(apperrors.CodeInvalidQuantity, "quantity must be positive").
			WithDetails(map[string]any{"requested": input.Quantity})
	}

	item, err := s.repo.WithTx(tx).FindByID(ctx, input.ItemID)
	if err != nil {
		return nil, counters{}, err
	}
	if item == nil {
		return nil, counters{}, apperrors.New(apperrors.CodeNotFound, "inventory item not found")
	}
	return item, counters{item.OnHandQty, item.ReservedQty}, nil
}

func (s *service) writeCounters(ctx context.Context, tx *gorm.DB, item *models.InventoryItem, movementType enums.MovementType, delta int64, before, after counters, input QuantityInput) (*models.InventoryItem, error) {
	ok, err := s.repo.WithTx(tx).UpdateCountsCAS(ctx, item.ID, before.onHand, before.reserved, after.onHand, after.reserved)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.New(apperrors.CodeTransientConflict, "inventory counters changed concurrently")
	}

	if _, err := s.appendMovement(ctx, tx, item, movementParams{
		movementType:  movementType,
		delta:         delta,
		before:        before,
		after:         after,
		actor:         input.Actor,
		referenceType: input.ReferenceType,
		referenceID:   input.ReferenceID,
		reason:        input.Reason,
		correlationID: ensureCorrelationID(input.CorrelationID),
	}); err != nil {
		return nil, err
	}

	item.OnHandQty = after.onHand
	item.ReservedQty = after.reserved
	return item, nil
}

func (s *service) appendMovement(ctx context.Context, tx *gorm.DB, item *models.InventoryItem, params movementParams) (*models.StockMovement, error) {
	actorType := params.actor.Type
	if actorType == "" {
		actorType = enums.ActorSystem
	}
	return s.movements.Append(ctx, tx, movementlog.AppendMovementInput{
		ItemID:         item.ID,
		MerchantID:     item.MerchantID,
		Type:           params.movementType,
		QuantityDelta:  params.delta,
		OnHandBefore:   params.before.onHand,
		OnHandAfter:    params.after.onHand,
		ReservedBefore: params.before.reserved,
		ReservedAfter:  params.after.reserved,
		ActorType:      actorType,
		ActorID:        params.actor.ID,
		ActorLabel:     params.actor.Label,
		ReferenceType:  params.referenceType,
		ReferenceID:    params.referenceID,
		CorrelationID:  params.correlationID,
		Reason:         params.reason,
	})
}

// emitStockSignals queues low-stock and out-of-stock notifications in the
// same transaction as the sale that triggered them.
func (s *service) emitStockSignals(ctx context.Context, tx *gorm.DB, item *models.InventoryItem) error {
	if item.BelowThreshold() {
		event := outbox.DomainEvent{
			EventType:     enums.EventInventoryLowStock,
			AggregateType: enums.AggregateInventoryItem,
			AggregateID:   item.ID,
			Version:       1,
			Data: payloads.InventoryLowStockEvent{
				ItemID:       item.ID,
				MerchantID:   item.MerchantID,
				ProductID:    item.ProductID,
				AvailableQty: item.AvailableQty(),
				Threshold:    *item.LowStockThreshold,
			},
		}
		if err := s.emitter.EmitIfNotExists(ctx, tx, event); err != nil {
			return err
		}
	}

	if item.AvailableQty() == 0 {
		event := outbox.DomainEvent{
			EventType:     enums.EventInventoryOutOfStock,
			AggregateType: enums.AggregateInventoryItem,
			AggregateID:   item.ID,
			Version:       1,
			Data: payloads.InventoryOutOfStockEvent{
				ItemID:     item.ID,
				MerchantID: item.MerchantID,
				ProductID:  item.ProductID,
			},
		}
		if err := s.emitter.EmitIfNotExists(ctx, tx, event); err != nil {
			return err
		}
	}
	return nil
}

func (s *service) invariantViolation(ctx context.Context, item *models.InventoryItem, state counters, input QuantityInput, msg string) error {
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"item_id":     item.ID.String(),
		"merchant_id": item.MerchantID.String(),
		"on_hand":     state.onHand,
		"reserved":    state.reserved,
		"quantity":    input.Quantity,
	})
	err := apperrors.New(apperrors.CodeInvariantViolation, msg)
	s.logg.Error(logCtx, "inventory invariant violation", err)
	return err
}

func ensureCorrelationID(id uuid.UUID) uuid.UUID {
	if id == uuid.Nil {
		return uuid.New()
	}
	return id
}
