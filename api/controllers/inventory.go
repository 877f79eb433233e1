package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/stockledger-backend/api/middleware"
	"github.com/angelmondragon/stockledger-backend/api/responses"
	"github.com/angelmondragon/stockledger-backend/api/validators"
	"github.com/angelmondragon/stockledger-backend/internal/inventory"
	"github.com/angelmondragon/stockledger-backend/internal/movementlog"
	"github.com/angelmondragon/stockledger-backend/pkg/db/models"
	"github.com/angelmondragon/stockledger-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/stockledger-backend/pkg/errors"
	"github.com/angelmondragon/stockledger-backend/pkg/logger"
	"github.com/angelmondragon/stockledger-backend/pkg/pagination"
	"github.com/angelmondragon/stockledger-backend/pkg/types"
)

type setStockRequest struct {
	ProductID         uuid.UUID          `json:"product_id" validate:"required"`
	VariantID         types.NullableUUID `json:"variant_id"`
	OnHand            *int64             `json:"on_hand" validate:"required"`
	LowStockThreshold *int64             `json:"low_stock_threshold"`
	Reason            *string            `json:"reason"`
	ActorID           *uuid.UUID         `json:"actor_id"`
	ActorLabel        *string            `json:"actor_label"`
}

type inventoryItemResponse struct {
	ID                uuid.UUID  `json:"id"`
	MerchantID        uuid.UUID  `json:"merchant_id"`
	ProductID         uuid.UUID  `json:"product_id"`
	VariantID         *uuid.UUID `json:"variant_id,omitempty"`
	OnHand            int64      `json:"on_hand"`
	Reserved          int64      `json:"reserved"`
	Available         int64      `json:"available"`
	LowStockThreshold *int64     `json:"low_stock_threshold,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func newInventoryItemResponse(item *models.InventoryItem) inventoryItemResponse {
	return inventoryItemResponse{
		ID:                item.ID,
		MerchantID:        item.MerchantID,
		ProductID:         item.ProductID,
		VariantID:         item.VariantID,
		OnHand:            item.OnHandQty,
		Reserved:          item.ReservedQty,
		Available:         item.AvailableQty(),
		LowStockThreshold: item.LowStockThreshold,
		UpdatedAt:         item.UpdatedAt,
	}
}

// SetStock sets the absolute on-hand count for a product, creating the item
// on first use.
func SetStock(svc inventory.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		merchantID, err := merchantFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var req setStockRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		item, err := svc.SetStock(r.Context(), inventory.SetStockInput{
			MerchantID:        merchantID,
			ProductID:         req.ProductID,
			VariantID:         req.VariantID.Value,
			NewOnHand:         *req.OnHand,
			LowStockThreshold: req.LowStockThreshold,
			Actor:             actorFromRequest(req.ActorID, req.ActorLabel),
			Reason:            req.Reason,
			CorrelationID:     correlationFromRequest(r),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newInventoryItemResponse(item))
	}
}

// GetInventoryItem returns one item by its identifier.
func GetInventoryItem(svc inventory.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		merchantID, err := merchantFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		itemID, err := uuid.Parse(chi.URLParam(r, "itemId"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid item id"))
			return
		}

		item, err := svc.GetItemByID(r.Context(), itemID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if item.MerchantID != merchantID {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "inventory item not found"))
			return
		}
		responses.WriteSuccess(w, newInventoryItemResponse(item))
	}
}

// FindInventoryItem looks an item up by product and optional variant.
func FindInventoryItem(svc inventory.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		merchantID, err := merchantFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		productID, err := uuid.Parse(strings.TrimSpace(r.URL.Query().Get("productId")))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid product id"))
			return
		}

		var variantID *uuid.UUID
		if raw := strings.TrimSpace(r.URL.Query().Get("variantId")); raw != "" {
			parsed, err := uuid.Parse(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid variant id"))
				return
			}
			variantID = &parsed
		}

		item, err := svc.GetItem(r.Context(), merchantID, productID, variantID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newInventoryItemResponse(item))
	}
}

type movementResponse struct {
	ID             uuid.UUID  `json:"id"`
	Type           string     `json:"type"`
	QuantityDelta  int64      `json:"quantity_delta"`
	OnHandBefore   int64      `json:"on_hand_before"`
	OnHandAfter    int64      `json:"on_hand_after"`
	ReservedBefore int64      `json:"reserved_before"`
	ReservedAfter  int64      `json:"reserved_after"`
	ActorType      string     `json:"actor_type"`
	ActorID        *uuid.UUID `json:"actor_id,omitempty"`
	ReferenceType  *string    `json:"reference_type,omitempty"`
	ReferenceID    *uuid.UUID `json:"reference_id,omitempty"`
	CorrelationID  *uuid.UUID `json:"correlation_id,omitempty"`
	Reason         *string    `json:"reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

type movementPageResponse struct {
	Movements  []movementResponse `json:"movements"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

// ListItemMovements returns an item's movement history in creation order.
func ListItemMovements(stock inventory.Service, movements movementlog.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		merchantID, err := merchantFromRequest(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		itemID, err := uuid.Parse(chi.URLParam(r, "itemId"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid item id"))
			return
		}

		item, err := stock.GetItemByID(r.Context(), itemID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if item.MerchantID != merchantID {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "inventory item not found"))
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", 0, 0, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		params := pagination.Params{
			Limit:  limit,
			Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
		}

		page, err := movements.ListByItem(r.Context(), itemID, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resp := movementPageResponse{
			Movements:  make([]movementResponse, 0, len(page.Movements)),
			NextCursor: page.NextCursor,
		}
		for _, m := range page.Movements {
			resp.Movements = append(resp.Movements, movementResponse{
				ID:             m.ID,
				Type:           string(m.Type),
				QuantityDelta:  m.QuantityDelta,
				OnHandBefore:   m.OnHandBefore,
				OnHandAfter:    m.OnHandAfter,
				ReservedBefore: m.ReservedBefore,
				ReservedAfter:  m.ReservedAfter,
				ActorType:      string(m.ActorType),
				ActorID:        m.ActorID,
				ReferenceType:  m.ReferenceType,
				ReferenceID:    m.ReferenceID,
				CorrelationID:  m.CorrelationID,
				Reason:         m.Reason,
				CreatedAt:      m.CreatedAt,
			})
		}
		responses.WriteSuccess(w, resp)
	}
}

func merchantFromRequest(r *http.Request) (uuid.UUID, error) {
	raw := middleware.MerchantIDFromContext(r.Context())
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "merchant context missing")
	}
	merchantID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid merchant id")
	}
	return merchantID, nil
}

func actorFromRequest(actorID *uuid.UUID, label *string) inventory.Actor {
	actor := inventory.Actor{Type: enums.ActorMerchantUser, ID: actorID, Label: label}
	if actorID == nil && label == nil {
		actor.Type = enums.ActorIntegration
	}
	return actor
}

func correlationFromRequest(r *http.Request) uuid.UUID {
	raw := strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
	if raw == "" {
		return uuid.Nil
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil
	}
	return parsed
}
