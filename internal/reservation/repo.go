package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/stockledger-backend/pkg/db/models"
	"github.com/angelmondragon/stockledger-backend/pkg/enums"
)

// Repository manages persistence for reservation lines. Status transitions go
// through UpdateStatusFrom so two workers never flip the same line twice.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, line *models.StockReservation) error
	FindByDraftID(ctx context.Context, draftID uuid.UUID) ([]models.StockReservation, error)
	FindActiveByDraftAndItem(ctx context.Context, draftID, itemID uuid.UUID) (*models.StockReservation, error)
	UpdateStatusFrom(ctx context.Context, id uuid.UUID, from, to enums.ReservationStatus) (bool, error)
	ListExpiredDraftIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a reservation repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, line *models.StockReservation) error {
	if line.ID == uuid.Nil {
		line.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(line).Error
}

func (r *repository) FindByDraftID(ctx context.Context, draftID uuid.UUID) ([]models.StockReservation, error) {
	var lines []models.StockReservation
	err := r.db.WithContext(ctx).
		Where("order_draft_id = ?", draftID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&lines).Error
	return lines, err
}

// FindActiveByDraftAndItem looks for a live hold only; terminal rows for the
// same draft and item do not count against a new reservation.
func (r *repository) FindActiveByDraftAndItem(ctx context.Context, draftID, itemID uuid.UUID) (*models.StockReservation, error) {
	var line models.StockReservation
	err := r.db.WithContext(ctx).
		Where("order_draft_id = ? AND item_id = ? AND status = ?", draftID, itemID, enums.ReservationActive).
		First(&line).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &line, nil
}

// UpdateStatusFrom flips a line's status only when it still carries the
// expected one. A false return means another transaction already moved it.
func (r *repository) UpdateStatusFrom(ctx context.Context, id uuid.UUID, from, to enums.ReservationStatus) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.StockReservation{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repository) ListExpiredDraftIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&models.StockReservation{}).
		Distinct("order_draft_id").
		Where("status = ? AND expires_at < ?", enums.ReservationActive, now).
		Limit(limit).
		Pluck("order_draft_id", &ids).Error
	return ids, err
}
