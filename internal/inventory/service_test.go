package inventory

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockledger-backend/internal/movementlog"
	"github.com/angelmondragon/stockledger-backend/pkg/config"
	"github.com/angelmondragon/stockledger-backend/pkg/db/models"
	"github.com/angelmondragon/stockledger-backend/pkg/enums"
	apperrors "github.com/angelmondragon/stockledger-backend/pkg/errors"
	"github.com/angelmondragon/stockledger-backend/pkg/logger"
	"github.com/angelmondragon/stockledger-backend/pkg/outbox"
)

func TestService_SetStockCreatesItem(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	svc := newTestService(t, db, NewRepository(db))
	ctx := context.Background()

	merchantID := uuid.New()
	productID := uuid.New()
	threshold := int64(3)

	item, err := svc.SetStock(ctx, SetStockInput{
		MerchantID:        merchantID,
		ProductID:         productID,
		NewOnHand:         10,
		LowStockThreshold: &threshold,
		Actor:             Actor{Type: enums.ActorMerchantUser},
	})
	if err != nil {
		t.Fatalf("set stock: %v", err)
	}
	if item.OnHandQty != 10 || item.ReservedQty != 0 {
		t.Fatalf("unexpected counters: %+v", item)
	}

	var movements []models.StockMovement
	if err := db.Where("item_id = ?", item.ID).Find(&movements).Error; err != nil {
		t.Fatalf("load movements: %v", err)
	}
	if len(movements) != 1 {
		t.Fatalf("expected 1 movement, got %d", len(movements))
	}
	m := movements[0]
	if m.Type != enums.MovementAdjust || m.QuantityDelta != 10 {
		t.Fatalf("unexpected movement: %+v", m)
	}
	if m.OnHandBefore != 0 || m.OnHandAfter != 10 {
		t.Fatalf("unexpected snapshots: %+v", m)
	}

	// Setting the same value again must not append a second adjustment.
	if _, err := svc.SetStock(ctx, SetStockInput{
		MerchantID: merchantID,
		ProductID:  productID,
		NewOnHand:  10,
		Actor:      Actor{Type: enums.ActorMerchantUser},
	}); err != nil {
		t.Fatalf("idempotent set stock: %v", err)
	}
	var count int64
	if err := db.Model(&models.StockMovement{}).Where("item_id = ?", item.ID).Count(&count).Error; err != nil {
		t.Fatalf("count movements: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected no new movement, got %d rows", count)
	}
}

func TestService_SetStockRejectsInvalidQuantities(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	svc := newTestService(t, db, NewRepository(db))
	ctx := context.Background()

	merchantID := uuid.New()
	productID := uuid.New()

	_, err := svc.SetStock(ctx, SetStockInput{
		MerchantID: merchantID,
		ProductID:  productID,
		NewOnHand:  -1,
		Actor:      Actor{Type: enums.ActorMerchantUser},
	})
	if !apperrors.IsCode(err, apperrors.CodeInvalidQuantity) {
		t.Fatalf("expected invalid quantity for negative on-hand, got %v", err)
	}

	item := seedItem(t, svc, merchantID, productID, 10)
	reserve(t, svc, item.ID, 6)

	_, err = svc.SetStock(ctx, SetStockInput{
		MerchantID: merchantID,
		ProductID:  productID,
		NewOnHand:  4,
		Actor:      Actor{Type: enums.ActorMerchantUser},
	})
	if !apperrors.IsCode(err, apperrors.CodeInvalidQuantity) {
		t.Fatalf("expected invalid quantity below reserved, got %v", err)
	}
}

func TestService_IncreaseReserved(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	svc := newTestService(t, db, NewRepository(db))
	ctx := context.Background()

	item := seedItem(t, svc, uuid.New(), uuid.New(), 10)

	updated, err := svc.IncreaseReserved(ctx, QuantityInput{
		ItemID:   item.ID,
		Quantity: 4,
		Actor:    Actor{Type: enums.ActorSystem},
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if updated.OnHandQty != 10 || updated.ReservedQty != 4 {
		t.Fatalf("unexpected counters after reserve: %+v", updated)
	}

	// Only 6 remain available; asking for 7 oversells.
	_, err = svc.IncreaseReserved(ctx, QuantityInput{
		ItemID:   item.ID,
		Quantity: 7,
		Actor:    Actor{Type: enums.ActorSystem},
	})
	if !apperrors.IsCode(err, apperrors.CodeOutOfStock) {
		t.Fatalf("expected out of stock, got %v", err)
	}
	typed := apperrors.As(err)
	details, ok := typed.Details().(map[string]any)
	if !ok {
		t.Fatalf("expected details map, got %T", typed.Details())
	}
	if details["available"] != int64(6) || details["requested"] != int64(7) {
		t.Fatalf("unexpected details: %+v", details)
	}

	var stored models.InventoryItem
	if err := db.First(&stored, "id = ?", item.ID).Error; err != nil {
		t.Fatalf("load item: %v", err)
	}
	if stored.ReservedQty != 4 {
		t.Fatalf("failed reserve must not change counters: %+v", stored)
	}
}

func TestService_CommitSaleAndRelease(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	svc := newTestService(t, db, NewRepository(db))
	ctx := context.Background()

	item := seedItem(t, svc, uuid.New(), uuid.New(), 10)
	reserve(t, svc, item.ID, 5)

	sold, err := svc.CommitSale(ctx, QuantityInput{
		ItemID:   item.ID,
		Quantity: 3,
		Actor:    Actor{Type: enums.ActorSystem},
	})
	if err != nil {
		t.Fatalf("commit sale: %v", err)
	}
	if sold.OnHandQty != 7 || sold.ReservedQty != 2 {
		t.Fatalf("unexpected counters after sale: %+v", sold)
	}

	released, err := svc.ReleaseReserved(ctx, QuantityInput{
		ItemID:   item.ID,
		Quantity: 2,
		Actor:    Actor{Type: enums.ActorSystem},
	})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.OnHandQty != 7 || released.ReservedQty != 0 {
		t.Fatalf("unexpected counters after release: %+v", released)
	}

	// Selling or releasing more than is reserved is a ledger bug, not a
	// caller error.
	if _, err := svc.CommitSale(ctx, QuantityInput{
		ItemID:   item.ID,
		Quantity: 1,
		Actor:    Actor{Type: enums.ActorSystem},
	}); !apperrors.IsCode(err, apperrors.CodeInvariantViolation) {
		t.Fatalf("expected invariant violation on sale, got %v", err)
	}
	if _, err := svc.ReleaseReserved(ctx, QuantityInput{
		ItemID:   item.ID,
		Quantity: 1,
		Actor:    Actor{Type: enums.ActorSystem},
	}); !apperrors.IsCode(err, apperrors.CodeInvariantViolation) {
		t.Fatalf("expected invariant violation on release, got %v", err)
	}

	var movements []models.StockMovement
	if err := db.Where("item_id = ?", item.ID).Order("created_at ASC, id ASC").Find(&movements).Error; err != nil {
		t.Fatalf("load movements: %v", err)
	}
	wantTypes := []enums.MovementType{
		enums.MovementAdjust,
		enums.MovementReserve,
		enums.MovementSale,
		enums.MovementRelease,
	}
	if len(movements) != len(wantTypes) {
		t.Fatalf("expected %d movements, got %d", len(wantTypes), len(movements))
	}
	for i, want := range wantTypes {
		if movements[i].Type != want {
			t.Fatalf("movement %d: expected %s, got %s", i, want, movements[i].Type)
		}
	}
}

func TestService_CommitSaleEmitsStockSignals(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	svc := newTestService(t, db, NewRepository(db))
	ctx := context.Background()

	merchantID := uuid.New()
	productID := uuid.New()
	threshold := int64(3)
	item, err := svc.SetStock(ctx, SetStockInput{
		MerchantID:        merchantID,
		ProductID:         productID,
		NewOnHand:         10,
		LowStockThreshold: &threshold,
		Actor:             Actor{Type: enums.ActorMerchantUser},
	})
	if err != nil {
		t.Fatalf("seed item: %v", err)
	}

	reserve(t, svc, item.ID, 9)
	if _, err := svc.CommitSale(ctx, QuantityInput{
		ItemID:   item.ID,
		Quantity: 8,
		Actor:    Actor{Type: enums.ActorSystem},
	}); err != nil {
		t.Fatalf("commit sale: %v", err)
	}

	if got := countEvents(t, db, enums.EventInventoryLowStock, item.ID); got != 1 {
		t.Fatalf("expected 1 low-stock event, got %d", got)
	}
	if got := countEvents(t, db, enums.EventInventoryOutOfStock, item.ID); got != 0 {
		t.Fatalf("expected no out-of-stock event yet, got %d", got)
	}

	// A second qualifying sale collapses into the pending notification.
	if _, err := svc.CommitSale(ctx, QuantityInput{
		ItemID:   item.ID,
		Quantity: 1,
		Actor:    Actor{Type: enums.ActorSystem},
	}); err != nil {
		t.Fatalf("second sale: %v", err)
	}
	if got := countEvents(t, db, enums.EventInventoryLowStock, item.ID); got != 1 {
		t.Fatalf("expected low-stock events to collapse, got %d", got)
	}

	// Drain the rest; available hits zero.
	reserve(t, svc, item.ID, 1)
	if _, err := svc.CommitSale(ctx, QuantityInput{
		ItemID:   item.ID,
		Quantity: 1,
		Actor:    Actor{Type: enums.ActorSystem},
	}); err != nil {
		t.Fatalf("final sale: %v", err)
	}
	if got := countEvents(t, db, enums.EventInventoryOutOfStock, item.ID); got != 1 {
		t.Fatalf("expected 1 out-of-stock event, got %d", got)
	}
}

func TestService_RetriesOnCounterConflict(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	conflicts := 2
	repo := &conflictRepository{inner: NewRepository(db), failures: &conflicts}
	svc := newTestService(t, db, repo)
	ctx := context.Background()

	item := seedItem(t, svc, uuid.New(), uuid.New(), 10)

	conflicts = 2
	updated, err := svc.IncreaseReserved(ctx, QuantityInput{
		ItemID:   item.ID,
		Quantity: 4,
		Actor:    Actor{Type: enums.ActorSystem},
	})
	if err != nil {
		t.Fatalf("reserve after conflicts: %v", err)
	}
	if updated.ReservedQty != 4 {
		t.Fatalf("unexpected counters: %+v", updated)
	}
	if conflicts != 0 {
		t.Fatalf("expected both simulated conflicts consumed, %d left", conflicts)
	}
}

func TestService_GetItemLookups(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	svc := newTestService(t, db, NewRepository(db))
	ctx := context.Background()

	merchantID := uuid.New()
	productID := uuid.New()
	item := seedItem(t, svc, merchantID, productID, 5)

	found, err := svc.GetItem(ctx, merchantID, productID, nil)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if found.ID != item.ID {
		t.Fatalf("expected item %s, got %s", item.ID, found.ID)
	}

	variantID := uuid.New()
	if _, err := svc.GetItem(ctx, merchantID, productID, &variantID); !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Fatalf("expected not found for unknown variant, got %v", err)
	}
	if _, err := svc.GetItemByID(ctx, uuid.New()); !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Fatalf("expected not found by id, got %v", err)
	}
}

// conflictRepository fails UpdateCountsCAS a fixed number of times to force
// the retry path.
type conflictRepository struct {
	inner    Repository
	failures *int
}

func (r *conflictRepository) WithTx(tx *gorm.DB) Repository {
	return &conflictRepository{inner: r.inner.WithTx(tx), failures: r.failures}
}

func (r *conflictRepository) Create(ctx context.Context, item *models.InventoryItem) error {
	return r.inner.Create(ctx, item)
}

func (r *conflictRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.InventoryItem, error) {
	return r.inner.FindByID(ctx, id)
}

func (r *conflictRepository) FindByKey(ctx context.Context, merchantID, productID uuid.UUID, variantID *uuid.UUID) (*models.InventoryItem, error) {
	return r.inner.FindByKey(ctx, merchantID, productID, variantID)
}

func (r *conflictRepository) UpdateCountsCAS(ctx context.Context, itemID uuid.UUID, expectOnHand, expectReserved, newOnHand, newReserved int64) (bool, error) {
	if *r.failures > 0 {
		*r.failures--
		return false, nil
	}
	return r.inner.UpdateCountsCAS(ctx, itemID, expectOnHand, expectReserved, newOnHand, newReserved)
}

func (r *conflictRepository) UpdateLowStockThreshold(ctx context.Context, itemID uuid.UUID, threshold *int64) error {
	return r.inner.UpdateLowStockThreshold(ctx, itemID, threshold)
}

type gormTxRunner struct {
	db *gorm.DB
}

func (r *gormTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

func newTestService(t *testing.T, db *gorm.DB, repo Repository) Service {
	t.Helper()

	logg := logger.New(logger.Options{ServiceName: "inventory-test", Output: io.Discard})
	movements, err := movementlog.NewService(movementlog.NewRepository(db))
	if err != nil {
		t.Fatalf("movement service: %v", err)
	}
	emitter := outbox.NewService(outbox.NewRepository(db), logg)

	cfg := config.InventoryConfig{
		ConflictRetries: 3,
		ConflictBackoff: time.Millisecond,
	}
	svc, err := NewService(repo, movements, emitter, &gormTxRunner{db: db}, cfg, logg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func seedItem(t *testing.T, svc Service, merchantID, productID uuid.UUID, onHand int64) *models.InventoryItem {
	t.Helper()
	item, err := svc.SetStock(context.Background(), SetStockInput{
		MerchantID: merchantID,
		ProductID:  productID,
		NewOnHand:  onHand,
		Actor:      Actor{Type: enums.ActorMerchantUser},
	})
	if err != nil {
		t.Fatalf("seed item: %v", err)
	}
	return item
}

func reserve(t *testing.T, svc Service, itemID uuid.UUID, qty int64) {
	t.Helper()
	if _, err := svc.IncreaseReserved(context.Background(), QuantityInput{
		ItemID:   itemID,
		Quantity: qty,
		Actor:    Actor{Type: enums.ActorSystem},
	}); err != nil {
		t.Fatalf("reserve %d: %v", qty, err)
	}
}

func countEvents(t *testing.T, db *gorm.DB, eventType enums.OutboxEventType, aggregateID uuid.UUID) int64 {
	t.Helper()
	var count int64
	err := db.Model(&models.OutboxEvent{}).
		Where("event_type = ? AND aggregate_id = ? AND published_at IS NULL", eventType, aggregateID).
		Count(&count).Error
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	return count
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:inventory_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.InventoryItem{}, &models.StockMovement{}, &models.OutboxEvent{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}
