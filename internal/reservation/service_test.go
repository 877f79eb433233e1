package reservation

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockledger-backend/internal/inventory"
	"github.com/angelmondragon/stockledger-backend/internal/movementlog"
	"github.com/angelmondragon/stockledger-backend/pkg/config"
	"github.com/angelmondragon/stockledger-backend/pkg/db/models"
	"github.com/angelmondragon/stockledger-backend/pkg/enums"
	apperrors "github.com/angelmondragon/stockledger-backend/pkg/errors"
	"github.com/angelmondragon/stockledger-backend/pkg/logger"
	"github.com/angelmondragon/stockledger-backend/pkg/outbox"
)

func TestService_ReserveHoldsEveryLine(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	merchantID := uuid.New()
	itemA := env.seedItem(t, merchantID, 10)
	itemB := env.seedItem(t, merchantID, 5)
	draftID := uuid.New()

	lines, err := env.svc.Reserve(ctx, ReserveInput{
		OrderDraftID: draftID,
		MerchantID:   merchantID,
		Lines: []ReserveLine{
			{ProductID: itemA.ProductID, Quantity: 3},
			{ProductID: itemB.ProductID, Quantity: 2},
		},
		Actor: inventory.Actor{Type: enums.ActorMerchantUser},
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 reservation lines, got %d", len(lines))
	}
	for _, line := range lines {
		if line.Status != enums.ReservationActive {
			t.Fatalf("expected active line, got %s", line.Status)
		}
		if !line.ExpiresAt.After(time.Now()) {
			t.Fatalf("expected future expiry, got %s", line.ExpiresAt)
		}
	}

	env.assertCounters(t, itemA.ID, 10, 3)
	env.assertCounters(t, itemB.ID, 5, 2)
}

func TestService_ReserveIsAllOrNothing(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	merchantID := uuid.New()
	itemA := env.seedItem(t, merchantID, 10)
	itemB := env.seedItem(t, merchantID, 1)

	_, err := env.svc.Reserve(ctx, ReserveInput{
		OrderDraftID: uuid.New(),
		MerchantID:   merchantID,
		Lines: []ReserveLine{
			{ProductID: itemA.ProductID, Quantity: 3},
			{ProductID: itemB.ProductID, Quantity: 2},
		},
		Actor: inventory.Actor{Type: enums.ActorMerchantUser},
	})
	if !apperrors.IsCode(err, apperrors.CodeOutOfStock) {
		t.Fatalf("expected out of stock, got %v", err)
	}

	// The successful line must have rolled back with the failed one.
	env.assertCounters(t, itemA.ID, 10, 0)
	env.assertCounters(t, itemB.ID, 1, 0)

	var count int64
	if err := env.db.Model(&models.StockReservation{}).Count(&count).Error; err != nil {
		t.Fatalf("count reservations: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no reservation rows, got %d", count)
	}
}

func TestService_ReserveValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	merchantID := uuid.New()
	item := env.seedItem(t, merchantID, 10)

	tests := []struct {
		name  string
		input ReserveInput
		code  apperrors.Code
	}{
		{
			"missing draft id",
			ReserveInput{MerchantID: merchantID, Lines: []ReserveLine{{ProductID: item.ProductID, Quantity: 1}}},
			apperrors.CodeValidation,
		},
		{
			"no lines",
			ReserveInput{OrderDraftID: uuid.New(), MerchantID: merchantID},
			apperrors.CodeValidation,
		},
		{
			"zero quantity",
			ReserveInput{OrderDraftID: uuid.New(), MerchantID: merchantID, Lines: []ReserveLine{{ProductID: item.ProductID, Quantity: 0}}},
			apperrors.CodeInvalidQuantity,
		},
		{
			"duplicate line",
			ReserveInput{OrderDraftID: uuid.New(), MerchantID: merchantID, Lines: []ReserveLine{
				{ProductID: item.ProductID, Quantity: 1},
				{ProductID: item.ProductID, Quantity: 2},
			}},
			apperrors.CodeValidation,
		},
		{
			"unknown product",
			ReserveInput{OrderDraftID: uuid.New(), MerchantID: merchantID, Lines: []ReserveLine{{ProductID: uuid.New(), Quantity: 1}}},
			apperrors.CodeNotFound,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.input.Actor = inventory.Actor{Type: enums.ActorMerchantUser}
			_, err := env.svc.Reserve(ctx, tc.input)
			if !apperrors.IsCode(err, tc.code) {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}
}

func TestService_ReserveSameDraftTwiceConflicts(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	merchantID := uuid.New()
	item := env.seedItem(t, merchantID, 10)
	draftID := uuid.New()

	input := ReserveInput{
		OrderDraftID: draftID,
		MerchantID:   merchantID,
		Lines:        []ReserveLine{{ProductID: item.ProductID, Quantity: 2}},
		Actor:        inventory.Actor{Type: enums.ActorMerchantUser},
	}
	if _, err := env.svc.Reserve(ctx, input); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if _, err := env.svc.Reserve(ctx, input); !apperrors.IsCode(err, apperrors.CodeConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	env.assertCounters(t, item.ID, 10, 2)
}

func TestService_ConfirmCommitsSalesOnce(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	merchantID := uuid.New()
	item := env.seedItem(t, merchantID, 10)
	draftID := uuid.New()

	if _, err := env.svc.Reserve(ctx, ReserveInput{
		OrderDraftID: draftID,
		MerchantID:   merchantID,
		Lines:        []ReserveLine{{ProductID: item.ProductID, Quantity: 4}},
		Actor:        inventory.Actor{Type: enums.ActorMerchantUser},
	}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	orderID := uuid.New()
	lines, err := env.svc.Confirm(ctx, LifecycleInput{
		OrderDraftID: draftID,
		OrderID:      &orderID,
		Actor:        inventory.Actor{Type: enums.ActorSystem},
	})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if lines[0].Status != enums.ReservationConfirmed {
		t.Fatalf("expected confirmed, got %s", lines[0].Status)
	}
	env.assertCounters(t, item.ID, 6, 0)

	// Confirming again is a no-op; counters and the movement log stay put.
	again, err := env.svc.Confirm(ctx, LifecycleInput{
		OrderDraftID: draftID,
		Actor:        inventory.Actor{Type: enums.ActorSystem},
	})
	if err != nil {
		t.Fatalf("idempotent confirm: %v", err)
	}
	if again[0].Status != enums.ReservationConfirmed {
		t.Fatalf("expected confirmed, got %s", again[0].Status)
	}
	env.assertCounters(t, item.ID, 6, 0)

	var sales []models.StockMovement
	err = env.db.Model(&models.StockMovement{}).
		Where("item_id = ? AND type = ?", item.ID, enums.MovementSale).
		Find(&sales).Error
	if err != nil {
		t.Fatalf("count sales: %v", err)
	}
	if len(sales) != 1 {
		t.Fatalf("expected exactly one sale movement, got %d", len(sales))
	}
	if sales[0].ReferenceID == nil || *sales[0].ReferenceID != orderID {
		t.Fatalf("sale movement should reference the order")
	}
	if sales[0].ReferenceType == nil || *sales[0].ReferenceType != "order" {
		t.Fatalf("unexpected sale reference type: %v", sales[0].ReferenceType)
	}

	if got := env.countEvents(t, enums.EventReservationConfirmed, draftID); got != 1 {
		t.Fatalf("expected 1 confirmed event, got %d", got)
	}
}

func TestService_ReleaseReturnsStock(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	merchantID := uuid.New()
	item := env.seedItem(t, merchantID, 10)
	draftID := uuid.New()

	if _, err := env.svc.Reserve(ctx, ReserveInput{
		OrderDraftID: draftID,
		MerchantID:   merchantID,
		Lines:        []ReserveLine{{ProductID: item.ProductID, Quantity: 4}},
		Actor:        inventory.Actor{Type: enums.ActorMerchantUser},
	}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	lines, err := env.svc.Release(ctx, LifecycleInput{
		OrderDraftID: draftID,
		Actor:        inventory.Actor{Type: enums.ActorMerchantUser},
	})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if lines[0].Status != enums.ReservationReleased {
		t.Fatalf("expected released, got %s", lines[0].Status)
	}
	env.assertCounters(t, item.ID, 10, 0)

	if got := env.countEvents(t, enums.EventReservationReleased, draftID); got != 1 {
		t.Fatalf("expected 1 released event, got %d", got)
	}

	if _, err := env.svc.Release(ctx, LifecycleInput{
		OrderDraftID: uuid.New(),
		Actor:        inventory.Actor{Type: enums.ActorMerchantUser},
	}); !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestService_SweepExpiredReclaimsHolds(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	merchantID := uuid.New()
	itemA := env.seedItem(t, merchantID, 10)
	itemB := env.seedItem(t, merchantID, 10)

	expiredDraft := uuid.New()
	liveDraft := uuid.New()
	for draft, item := range map[uuid.UUID]*models.InventoryItem{
		expiredDraft: itemA,
		liveDraft:    itemB,
	} {
		if _, err := env.svc.Reserve(ctx, ReserveInput{
			OrderDraftID: draft,
			MerchantID:   merchantID,
			Lines:        []ReserveLine{{ProductID: item.ProductID, Quantity: 3}},
			Actor:        inventory.Actor{Type: enums.ActorMerchantUser},
		}); err != nil {
			t.Fatalf("reserve draft %s: %v", draft, err)
		}
	}

	// Age only the first draft past its TTL.
	past := time.Now().Add(-time.Minute)
	err := env.db.Model(&models.StockReservation{}).
		Where("order_draft_id = ?", expiredDraft).
		Update("expires_at", past).Error
	if err != nil {
		t.Fatalf("age reservation: %v", err)
	}

	swept, err := env.svc.SweepExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 draft swept, got %d", swept)
	}

	env.assertCounters(t, itemA.ID, 10, 0)
	env.assertCounters(t, itemB.ID, 10, 3)

	lines, err := env.svc.GetByDraftID(ctx, expiredDraft)
	if err != nil {
		t.Fatalf("get expired draft: %v", err)
	}
	if lines[0].Status != enums.ReservationExpired {
		t.Fatalf("expected expired, got %s", lines[0].Status)
	}
	if got := env.countEvents(t, enums.EventReservationExpired, expiredDraft); got != 1 {
		t.Fatalf("expected 1 expired event, got %d", got)
	}

	// A second sweep finds nothing.
	swept, err = env.svc.SweepExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if swept != 0 {
		t.Fatalf("expected idle sweep, got %d", swept)
	}
}

func TestService_SweepCountsEveryExpiredLine(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	merchantID := uuid.New()
	itemA := env.seedItem(t, merchantID, 10)
	itemB := env.seedItem(t, merchantID, 10)
	draftID := uuid.New()

	if _, err := env.svc.Reserve(ctx, ReserveInput{
		OrderDraftID: draftID,
		MerchantID:   merchantID,
		Lines: []ReserveLine{
			{ProductID: itemA.ProductID, Quantity: 2},
			{ProductID: itemB.ProductID, Quantity: 3},
		},
		Actor: inventory.Actor{Type: enums.ActorMerchantUser},
	}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	past := time.Now().Add(-time.Minute)
	err := env.db.Model(&models.StockReservation{}).
		Where("order_draft_id = ?", draftID).
		Update("expires_at", past).Error
	if err != nil {
		t.Fatalf("age reservation: %v", err)
	}

	swept, err := env.svc.SweepExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 2 {
		t.Fatalf("expected both lines counted, got %d", swept)
	}
	env.assertCounters(t, itemA.ID, 10, 0)
	env.assertCounters(t, itemB.ID, 10, 0)
}

func TestService_ReleaseAfterSweepIsNoOp(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	merchantID := uuid.New()
	item := env.seedItem(t, merchantID, 10)
	draftID := uuid.New()

	if _, err := env.svc.Reserve(ctx, ReserveInput{
		OrderDraftID: draftID,
		MerchantID:   merchantID,
		Lines:        []ReserveLine{{ProductID: item.ProductID, Quantity: 1}},
		Actor:        inventory.Actor{Type: enums.ActorMerchantUser},
	}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	past := time.Now().Add(-time.Minute)
	err := env.db.Model(&models.StockReservation{}).
		Where("order_draft_id = ?", draftID).
		Update("expires_at", past).Error
	if err != nil {
		t.Fatalf("age reservation: %v", err)
	}
	if _, err := env.svc.SweepExpired(ctx, time.Now()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	env.assertCounters(t, item.ID, 10, 0)

	// A late manual release on the swept draft succeeds without touching
	// anything; the expired state is terminal.
	lines, err := env.svc.Release(ctx, LifecycleInput{
		OrderDraftID: draftID,
		Actor:        inventory.Actor{Type: enums.ActorMerchantUser},
	})
	if err != nil {
		t.Fatalf("release after sweep: %v", err)
	}
	if lines[0].Status != enums.ReservationExpired {
		t.Fatalf("expected line to stay expired, got %s", lines[0].Status)
	}
	env.assertCounters(t, item.ID, 10, 0)

	var releases int64
	err = env.db.Model(&models.StockMovement{}).
		Where("item_id = ? AND type = ?", item.ID, enums.MovementRelease).
		Count(&releases).Error
	if err != nil {
		t.Fatalf("count releases: %v", err)
	}
	if releases != 1 {
		t.Fatalf("expected only the sweep's release movement, got %d", releases)
	}
	if got := env.countEvents(t, enums.EventReservationReleased, draftID); got != 0 {
		t.Fatalf("expected no released event for a no-op release, got %d", got)
	}
}

func TestService_ReserveAgainAfterExpiry(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	merchantID := uuid.New()
	item := env.seedItem(t, merchantID, 10)
	draftID := uuid.New()

	input := ReserveInput{
		OrderDraftID: draftID,
		MerchantID:   merchantID,
		Lines:        []ReserveLine{{ProductID: item.ProductID, Quantity: 2}},
		Actor:        inventory.Actor{Type: enums.ActorMerchantUser},
	}
	if _, err := env.svc.Reserve(ctx, input); err != nil {
		t.Fatalf("first reserve: %v", err)
	}

	past := time.Now().Add(-time.Minute)
	err := env.db.Model(&models.StockReservation{}).
		Where("order_draft_id = ?", draftID).
		Update("expires_at", past).Error
	if err != nil {
		t.Fatalf("age reservation: %v", err)
	}
	if _, err := env.svc.SweepExpired(ctx, time.Now()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	env.assertCounters(t, item.ID, 10, 0)

	// The expired hold is history; the same draft may reserve the item again.
	lines, err := env.svc.Reserve(ctx, input)
	if err != nil {
		t.Fatalf("reserve after expiry: %v", err)
	}
	if len(lines) != 1 || lines[0].Status != enums.ReservationActive {
		t.Fatalf("expected a fresh active hold, got %+v", lines)
	}
	env.assertCounters(t, item.ID, 10, 2)

	all, err := env.svc.GetByDraftID(ctx, draftID)
	if err != nil {
		t.Fatalf("get draft: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected the expired row plus the fresh one, got %d", len(all))
	}
}

func TestService_ConcurrentReservesNeverOversell(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	merchantID := uuid.New()
	item := env.seedItem(t, merchantID, 5)

	start := make(chan struct{})
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			<-start
			_, err := env.svc.Reserve(ctx, ReserveInput{
				OrderDraftID: uuid.New(),
				MerchantID:   merchantID,
				Lines:        []ReserveLine{{ProductID: item.ProductID, Quantity: 3}},
				Actor:        inventory.Actor{Type: enums.ActorMerchantUser},
			})
			results <- err
		}()
	}
	close(start)

	var wins, outOfStock int
	for i := 0; i < 2; i++ {
		err := <-results
		switch {
		case err == nil:
			wins++
		case apperrors.IsCode(err, apperrors.CodeOutOfStock):
			outOfStock++
		default:
			t.Fatalf("unexpected reserve error: %v", err)
		}
	}
	if wins != 1 || outOfStock != 1 {
		t.Fatalf("expected exactly one winner and one out-of-stock, got %d/%d", wins, outOfStock)
	}
	env.assertCounters(t, item.ID, 5, 3)
}

type testEnv struct {
	db    *gorm.DB
	stock inventory.Service
	svc   Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := "file:reservation_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(
		&models.InventoryItem{},
		&models.StockMovement{},
		&models.StockReservation{},
		&models.OutboxEvent{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logg := logger.New(logger.Options{ServiceName: "reservation-test", Output: io.Discard})
	movements, err := movementlog.NewService(movementlog.NewRepository(db))
	if err != nil {
		t.Fatalf("movement service: %v", err)
	}
	emitter := outbox.NewService(outbox.NewRepository(db), logg)
	cfg := config.InventoryConfig{
		HoldTTL:         15 * time.Minute,
		SweepBatchSize:  100,
		ConflictRetries: 6,
		ConflictBackoff: time.Millisecond,
	}

	stock, err := inventory.NewService(inventory.NewRepository(db), movements, emitter, &txRunner{db: db}, cfg, logg)
	if err != nil {
		t.Fatalf("inventory service: %v", err)
	}
	svc, err := NewService(NewRepository(db), stock, emitter, cfg, logg)
	if err != nil {
		t.Fatalf("reservation service: %v", err)
	}
	return &testEnv{db: db, stock: stock, svc: svc}
}

type txRunner struct {
	db *gorm.DB
}

func (r *txRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

func (e *testEnv) seedItem(t *testing.T, merchantID uuid.UUID, onHand int64) *models.InventoryItem {
	t.Helper()
	item, err := e.stock.SetStock(context.Background(), inventory.SetStockInput{
		MerchantID: merchantID,
		ProductID:  uuid.New(),
		NewOnHand:  onHand,
		Actor:      inventory.Actor{Type: enums.ActorMerchantUser},
	})
	if err != nil {
		t.Fatalf("seed item: %v", err)
	}
	return item
}

func (e *testEnv) assertCounters(t *testing.T, itemID uuid.UUID, onHand, reserved int64) {
	t.Helper()
	var item models.InventoryItem
	if err := e.db.First(&item, "id = ?", itemID).Error; err != nil {
		t.Fatalf("load item %s: %v", itemID, err)
	}
	if item.OnHandQty != onHand || item.ReservedQty != reserved {
		t.Fatalf("item %s: expected on_hand=%d reserved=%d, got %+v", itemID, onHand, reserved, item)
	}
}

func (e *testEnv) countEvents(t *testing.T, eventType enums.OutboxEventType, aggregateID uuid.UUID) int64 {
	t.Helper()
	var count int64
	err := e.db.Model(&models.OutboxEvent{}).
		Where("event_type = ? AND aggregate_id = ?", eventType, aggregateID).
		Count(&count).Error
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	return count
}
