package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/stockledger-backend/api/responses"
	pkgerrors "github.com/angelmondragon/stockledger-backend/pkg/errors"
	"github.com/angelmondragon/stockledger-backend/pkg/logger"
)

const merchantIDHeader = "X-Merchant-Id"

// MerchantContext requires a well-formed merchant id header on every request
// and threads it through the request context and log fields. Tenant
// authentication happens upstream at the gateway; this service only scopes by
// the asserted identity.
func MerchantContext(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(merchantIDHeader))
			if raw == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "merchant id header required"))
				return
			}
			merchantID, err := uuid.Parse(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid merchant id"))
				return
			}

			ctx := WithMerchantID(r.Context(), merchantID.String())
			if logg != nil {
				ctx = logg.WithMerchantID(ctx, merchantID.String())
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
