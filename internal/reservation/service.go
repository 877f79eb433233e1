package reservation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockledger-backend/internal/inventory"
	"github.com/angelmondragon/stockledger-backend/pkg/config"
	dbpkg "github.com/angelmondragon/stockledger-backend/pkg/db"
	"github.com/angelmondragon/stockledger-backend/pkg/db/models"
	"github.com/angelmondragon/stockledger-backend/pkg/enums"
	apperrors "github.com/angelmondragon/stockledger-backend/pkg/errors"
	"github.com/angelmondragon/stockledger-backend/pkg/logger"
	"github.com/angelmondragon/stockledger-backend/pkg/outbox"
	"github.com/angelmondragon/stockledger-backend/pkg/outbox/payloads"
)

const (
	referenceReservation = "reservation"
	referenceOrderDraft  = "order_draft"
	referenceOrder       = "order"
)

// Service coordinates multi-line holds over the inventory ledger. A draft's
// lines move through active -> confirmed/released/expired together; stock
// counters and reservation rows always change in the same transaction.
type Service interface {
	Reserve(ctx context.Context, input ReserveInput) ([]models.StockReservation, error)
	Confirm(ctx context.Context, input LifecycleInput) ([]models.StockReservation, error)
	Release(ctx context.Context, input LifecycleInput) ([]models.StockReservation, error)
	GetByDraftID(ctx context.Context, draftID uuid.UUID) ([]models.StockReservation, error)
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

type outboxEmitter interface {
	EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// ReserveLine is one requested hold within a draft.
type ReserveLine struct {
	ProductID uuid.UUID
	VariantID *uuid.UUID
	Quantity  int64
}

// ReserveInput places holds for every line of an order draft atomically.
type ReserveInput struct {
	OrderDraftID  uuid.UUID
	MerchantID    uuid.UUID
	Lines         []ReserveLine
	Actor         inventory.Actor
	CorrelationID uuid.UUID
}

// LifecycleInput drives a confirm or release of an existing draft. OrderID is
// the finalized order a confirm settles against; sale movements reference it
// when present.
type LifecycleInput struct {
	OrderDraftID  uuid.UUID
	OrderID       *uuid.UUID
	Actor         inventory.Actor
	CorrelationID uuid.UUID
}

type service struct {
	repo    Repository
	stock   inventory.Service
	emitter outboxEmitter
	cfg     config.InventoryConfig
	logg    *logger.Logger
}

// NewService wires the reservation coordinator over the inventory ledger.
func NewService(repo Repository, stock inventory.Service, emitter outboxEmitter, cfg config.InventoryConfig, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("reservation repository required")
	}
	if stock == nil {
		return nil, fmt.Errorf("inventory service required")
	}
	if emitter == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		repo:    repo,
		stock:   stock,
		emitter: emitter,
		cfg:     cfg,
		logg:    logg,
	}, nil
}

// Reserve holds stock for every line of the draft in one transaction. Either
// all lines get their hold or none do.
func (s *service) Reserve(ctx context.Context, input ReserveInput) ([]models.StockReservation, error) {
	if err := validateReserveInput(input); err != nil {
		return nil, err
	}
	correlationID := ensureCorrelationID(input.CorrelationID)

	type resolvedLine struct {
		item *models.InventoryItem
		qty  int64
	}

	var created []models.StockReservation
	err := s.stock.RunWithConflictRetry(ctx, func(tx *gorm.DB) error {
		created = created[:0]

		resolved := make([]resolvedLine, 0, len(input.Lines))
		for _, line := range input.Lines {
			item, err := s.stock.GetItem(ctx, input.MerchantID, line.ProductID, line.VariantID)
			if err != nil {
				return err
			}
			resolved = append(resolved, resolvedLine{item: item, qty: line.Quantity})
		}

		// Deterministic item order keeps concurrent multi-line drafts from
		// deadlocking against each other.
		sort.Slice(resolved, func(i, j int) bool {
			return resolved[i].item.ID.String() < resolved[j].item.ID.String()
		})

		expiresAt := time.Now().Add(s.holdTTL())
		refID := input.OrderDraftID
		refType := referenceOrderDraft

		for _, line := range resolved {
			if _, err := s.stock.IncreaseReservedTx(ctx, tx, inventory.QuantityInput{
				ItemID:        line.item.ID,
				Quantity:      line.qty,
				Actor:         input.Actor,
				ReferenceType: &refType,
				ReferenceID:   &refID,
				CorrelationID: correlationID,
			}); err != nil {
				return err
			}

			// Only a live hold blocks; expired or released rows for the same
			// draft and item are history, and a retried reserve may replace
			// them.
			existing, err := s.repo.WithTx(tx).FindActiveByDraftAndItem(ctx, input.OrderDraftID, line.item.ID)
			if err != nil {
				return err
			}
			if existing != nil {
				return apperrors.New(apperrors.CodeConflict, "draft already holds this item")
			}

			row := models.StockReservation{
				OrderDraftID: input.OrderDraftID,
				ItemID:       line.item.ID,
				MerchantID:   input.MerchantID,
				Quantity:     line.qty,
				Status:       enums.ReservationActive,
				ExpiresAt:    expiresAt,
			}
			if err := s.repo.WithTx(tx).Create(ctx, &row); err != nil {
				// Unique index backstop when two requests race past the check.
				if dbpkg.IsUniqueViolation(err, "idx_stock_reservations_draft_item") || dbpkg.IsUniqueViolation(err, "") {
					return apperrors.Wrap(apperrors.CodeConflict, err, "draft already holds this item")
				}
				return err
			}
			created = append(created, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Confirm converts a draft's holds into committed sales. Calling it again
// after the draft already left the active state is a no-op.
func (s *service) Confirm(ctx context.Context, input LifecycleInput) ([]models.StockReservation, error) {
	return s.transition(ctx, input, enums.ReservationConfirmed)
}

// Release returns a draft's holds to available stock. Idempotent like Confirm.
func (s *service) Release(ctx context.Context, input LifecycleInput) ([]models.StockReservation, error) {
	return s.transition(ctx, input, enums.ReservationReleased)
}

func (s *service) GetByDraftID(ctx context.Context, draftID uuid.UUID) ([]models.StockReservation, error) {
	if draftID == uuid.Nil {
		return nil, apperrors.New(apperrors.CodeValidation, "order draft id is required")
	}
	lines, err := s.repo.FindByDraftID(ctx, draftID)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, apperrors.New(apperrors.CodeNotFound, "reservation not found")
	}
	return lines, nil
}

func (s *service) transition(ctx context.Context, input LifecycleInput, target enums.ReservationStatus) ([]models.StockReservation, error) {
	if input.OrderDraftID == uuid.Nil {
		return nil, apperrors.New(apperrors.CodeValidation, "order draft id is required")
	}
	correlationID := ensureCorrelationID(input.CorrelationID)

	var result []models.StockReservation
	err := s.stock.RunWithConflictRetry(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		lines, err := repo.FindByDraftID(ctx, input.OrderDraftID)
		if err != nil {
			return err
		}
		// Rows are never deleted, so a processed or expired draft still has
		// its lines and falls through to the idempotent no-op below. Zero
		// rows means the draft was never reserved at all.
		if len(lines) == 0 {
			return apperrors.New(apperrors.CodeNotFound, "reservation not found")
		}

		transitioned := 0
		for i := range lines {
			line := &lines[i]
			if line.Status != enums.ReservationActive {
				continue
			}

			moved, err := repo.UpdateStatusFrom(ctx, line.ID, enums.ReservationActive, target)
			if err != nil {
				return err
			}
			if !moved {
				return apperrors.New(apperrors.CodeTransientConflict, "reservation line changed concurrently")
			}

			if err := s.applyStockTransition(ctx, tx, line, target, input.Actor, correlationID, input.OrderID); err != nil {
				return err
			}
			line.Status = target
			transitioned++
		}

		if transitioned > 0 {
			if err := s.emitLifecycleEvent(ctx, tx, input.OrderDraftID, input.OrderID, lines, target); err != nil {
				return err
			}
		}
		result = lines
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) applyStockTransition(ctx context.Context, tx *gorm.DB, line *models.StockReservation, target enums.ReservationStatus, actor inventory.Actor, correlationID uuid.UUID, orderID *uuid.UUID) error {
	refType := referenceReservation
	refID := line.OrderDraftID
	if target == enums.ReservationConfirmed && orderID != nil {
		refType = referenceOrder
		refID = *orderID
	}
	quantity := inventory.QuantityInput{
		ItemID:        line.ItemID,
		Quantity:      line.Quantity,
		Actor:         actor,
		ReferenceType: &refType,
		ReferenceID:   &refID,
		CorrelationID: correlationID,
	}

	switch target {
	case enums.ReservationConfirmed:
		_, err := s.stock.CommitSaleTx(ctx, tx, quantity)
		return err
	case enums.ReservationReleased, enums.ReservationExpired:
		_, err := s.stock.ReleaseReservedTx(ctx, tx, quantity)
		return err
	default:
		return apperrors.New(apperrors.CodeStateConflict, fmt.Sprintf("unsupported transition to %s", target))
	}
}

func (s *service) emitLifecycleEvent(ctx context.Context, tx *gorm.DB, draftID uuid.UUID, orderID *uuid.UUID, lines []models.StockReservation, target enums.ReservationStatus) error {
	if len(lines) == 0 {
		return nil
	}
	merchantID := lines[0].MerchantID
	now := time.Now()

	event := outbox.DomainEvent{
		AggregateType: enums.AggregateReservation,
		AggregateID:   draftID,
		Version:       1,
	}
	switch target {
	case enums.ReservationConfirmed:
		event.EventType = enums.EventReservationConfirmed
		event.Data = payloads.ReservationConfirmedEvent{
			OrderDraftID: draftID,
			OrderID:      orderID,
			MerchantID:   merchantID,
			LineCount:    len(lines),
			ConfirmedAt:  now,
		}
	case enums.ReservationReleased:
		event.EventType = enums.EventReservationReleased
		event.Data = payloads.ReservationReleasedEvent{
			OrderDraftID: draftID,
			MerchantID:   merchantID,
			LineCount:    len(lines),
			ReleasedAt:   now,
		}
	case enums.ReservationExpired:
		event.EventType = enums.EventReservationExpired
		event.Data = payloads.ReservationExpiredEvent{
			OrderDraftID: draftID,
			MerchantID:   merchantID,
			LineCount:    len(lines),
			ExpiredAt:    now,
		}
	default:
		return nil
	}
	return s.emitter.EmitIfNotExists(ctx, tx, event)
}

// SweepExpired reclaims holds whose TTL has lapsed. Each draft expires in its
// own transaction so one poisoned draft cannot block the batch; the count of
// expired reservation lines and any per-draft failures come back together.
func (s *service) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	limit := s.cfg.SweepBatchSize
	if limit <= 0 {
		limit = 100
	}

	draftIDs, err := s.repo.ListExpiredDraftIDs(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	var sweepErr error
	for _, draftID := range draftIDs {
		n, err := s.expireDraft(ctx, draftID, now)
		if err != nil {
			logCtx := s.logg.WithField(ctx, "order_draft_id", draftID.String())
			s.logg.Error(logCtx, "failed to expire reservation", err)
			sweepErr = multierr.Append(sweepErr, fmt.Errorf("draft %s: %w", draftID, err))
			continue
		}
		expired += n
	}
	return expired, sweepErr
}

func (s *service) expireDraft(ctx context.Context, draftID uuid.UUID, now time.Time) (int, error) {
	transitioned := 0
	err := s.stock.RunWithConflictRetry(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		lines, err := repo.FindByDraftID(ctx, draftID)
		if err != nil {
			return err
		}

		correlationID := uuid.New()
		transitioned = 0
		for i := range lines {
			line := &lines[i]
			// Re-check under the transaction; a confirm may have landed
			// between the listing and now. Expiry is strict: a hold lapses
			// only once expires_at is in the past.
			if line.Status != enums.ReservationActive || !line.ExpiresAt.Before(now) {
				continue
			}

			moved, err := repo.UpdateStatusFrom(ctx, line.ID, enums.ReservationActive, enums.ReservationExpired)
			if err != nil {
				return err
			}
			if !moved {
				continue
			}
			if err := s.applyStockTransition(ctx, tx, line, enums.ReservationExpired, inventory.Actor{Type: enums.ActorSystem}, correlationID, nil); err != nil {
				return err
			}
			line.Status = enums.ReservationExpired
			transitioned++
		}

		if transitioned > 0 {
			return s.emitLifecycleEvent(ctx, tx, draftID, nil, lines, enums.ReservationExpired)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return transitioned, nil
}

func (s *service) holdTTL() time.Duration {
	if s.cfg.HoldTTL > 0 {
		return s.cfg.HoldTTL
	}
	return 15 * time.Minute
}

func validateReserveInput(input ReserveInput) error {
	if input.OrderDraftID == uuid.Nil {
		return apperrors.New(apperrors.CodeValidation, "order draft id is required")
	}
	if input.MerchantID == uuid.Nil {
		return apperrors.New(apperrors.CodeValidation, "merchant id is required")
	}
	if len(input.Lines) == 0 {
		return apperrors.New(apperrors.CodeValidation, "at least one line is required")
	}

	seen := map[string]bool{}
	for _, line := range input.Lines {
		if line.ProductID == uuid.Nil {
			return apperrors.New(apperrors.CodeValidation, "product id is required on every line")
		}
		if line.Quantity <= 0 {
			return apperrors.New(apperrors.CodeInvalidQuantity, "line quantity must be positive").
				WithDetails(map[string]any{"requested": line.Quantity})
		}
		key := line.ProductID.String()
		if line.VariantID != nil {
			key += ":" + line.VariantID.String()
		}
		if seen[key] {
			return apperrors.New(apperrors.CodeValidation, "duplicate line for the same product and variant")
		}
		seen[key] = true
	}
	return nil
}

func ensureCorrelationID(id uuid.UUID) uuid.UUID {
	if id == uuid.Nil {
		return uuid.New()
	}
	return id
}
