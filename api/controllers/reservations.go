package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/stockledger-backend/api/responses"
	"github.com/angelmondragon/stockledger-backend/api/validators"
	"github.com/angelmondragon/stockledger-backend/internal/reservation"
	"github.com/angelmondragon/stockledger-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/stockledger-backend/pkg/errors"
	"github.com/angelmondragon/stockledger-backend/pkg/logger"
	"github.com/angelmondragon/stockledger-backend/pkg/types"
)

type reserveLineRequest struct {
	ProductID uuid.UUID          `json:"product_id" validate:"required"`
	VariantID types.NullableUUID `json:"variant_id"`
	Quantity  int64              `json:"quantity" validate:"required,min=1"`
}

type reserveRequest struct {
	OrderDraftID uuid.UUID            `json:"order_draft_id" validate:"required"`
	Lines        []reserveLineRequest `json:"lines" validate:"required,min=1,dive"`
	ActorID      *uuid.UUID           `json:"actor_id"`
	ActorLabel   *string              `json:"actor_label"`
}

type lifecycleRequest struct {
	OrderID    *uuid.UUID `json:"order_id"`
	ActorID    *uuid.UUID `json:"actor_id"`
	ActorLabel *string    `json:"actor_label"`
}

type reservationLineResponse struct {
	ID           uuid.UUID `json:"id"`
	OrderDraftID uuid.UUID `json:"order_draft_id"`
	ItemID       uuid.UUID `json:"item_id"`
	Quantity     int64     `json:"quantity"`
	Status       string    `json:"status"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type reservationResponse struct {
	OrderDraftID uuid.UUID                 `json:"order_draft_id"`
	Lines        []reservationLineResponse `json:"lines"`
}

func newReservationResponse(draftID uuid.UUID, lines []models.StockReservation) reservationResponse {
	resp := reservationResponse{
		OrderDraftID: draftID,
		Lines:        make([]reservationLineResponse, 0, len(lines)),
	}
	for _, line := range lines {
		resp.Lines = append(resp.Lines, reservationLineResponse{
			ID:           line.ID,
			OrderDraftID: line.OrderDraftID,
			ItemID:       line.ItemID,
			Quantity:     line.Quantity,
			Status:       string(line.Status),
			ExpiresAt:    line.ExpiresAt,
		})
	}
	return resp
}

// ReserveStock places holds for every line of an order draft atomically.
func ReserveStock(svc reservation.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		merchantID, err := merchantFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var req reserveRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		lines := make([]reservation.ReserveLine, 0, len(req.Lines))
		for _, line := range req.Lines {
			lines = append(lines, reservation.ReserveLine{
				ProductID: line.ProductID,
				VariantID: line.VariantID.Value,
				Quantity:  line.Quantity,
			})
		}

		created, err := svc.Reserve(r.Context(), reservation.ReserveInput{
			OrderDraftID:  req.OrderDraftID,
			MerchantID:    merchantID,
			Lines:         lines,
			Actor:         actorFromRequest(req.ActorID, req.ActorLabel),
			CorrelationID: correlationFromRequest(r),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newReservationResponse(req.OrderDraftID, created))
	}
}

// ConfirmReservation converts a draft's holds into committed sales.
func ConfirmReservation(svc reservation.Service, logg *logger.Logger) http.HandlerFunc {
	return reservationLifecycle(svc, logg, svc.Confirm)
}

// ReleaseReservation returns a draft's holds to available stock.
func ReleaseReservation(svc reservation.Service, logg *logger.Logger) http.HandlerFunc {
	return reservationLifecycle(svc, logg, svc.Release)
}

func reservationLifecycle(
	svc reservation.Service,
	logg *logger.Logger,
	op func(ctx context.Context, input reservation.LifecycleInput) ([]models.StockReservation, error),
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		merchantID, err := merchantFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		draftID, err := uuid.Parse(chi.URLParam(r, "draftId"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid draft id"))
			return
		}

		// Ownership check before any state changes.
		existing, err := svc.GetByDraftID(r.Context(), draftID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if existing[0].MerchantID != merchantID {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "reservation not found"))
			return
		}

		var req lifecycleRequest
		if r.ContentLength > 0 {
			if err := validators.DecodeJSONBody(r, &req); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}

		lines, err := op(r.Context(), reservation.LifecycleInput{
			OrderDraftID:  draftID,
			OrderID:       req.OrderID,
			Actor:         actorFromRequest(req.ActorID, req.ActorLabel),
			CorrelationID: correlationFromRequest(r),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newReservationResponse(draftID, lines))
	}
}

// GetReservation returns every line of a draft's reservation.
func GetReservation(svc reservation.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		merchantID, err := merchantFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		draftID, err := uuid.Parse(chi.URLParam(r, "draftId"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid draft id"))
			return
		}

		lines, err := svc.GetByDraftID(r.Context(), draftID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if len(lines) > 0 && lines[0].MerchantID != merchantID {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "reservation not found"))
			return
		}
		responses.WriteSuccess(w, newReservationResponse(draftID, lines))
	}
}
