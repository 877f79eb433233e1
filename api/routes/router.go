package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/stockledger-backend/api/controllers"
	"github.com/angelmondragon/stockledger-backend/api/middleware"
	"github.com/angelmondragon/stockledger-backend/internal/inventory"
	"github.com/angelmondragon/stockledger-backend/internal/movementlog"
	"github.com/angelmondragon/stockledger-backend/internal/reservation"
	"github.com/angelmondragon/stockledger-backend/pkg/config"
	"github.com/angelmondragon/stockledger-backend/pkg/db"
	"github.com/angelmondragon/stockledger-backend/pkg/logger"
	"github.com/angelmondragon/stockledger-backend/pkg/redis"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisClient *redis.Client,
	inventoryService inventory.Service,
	movementService movementlog.Service,
	reservationService reservation.Service,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP, redisClient))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/public", func(r chi.Router) {
		r.Get("/ping", controllers.PublicPing())
	})

	r.Route("/api/v1", func(r chi.Router) {
		if redisClient != nil {
			r.Use(middleware.RateLimit(redisClient, logg))
		}
		r.Use(middleware.MerchantContext(logg))
		if redisClient != nil {
			r.Use(middleware.Idempotency(redisClient, logg))
		}

		r.Route("/inventory", func(r chi.Router) {
			r.Put("/stock", controllers.SetStock(inventoryService, logg))
			r.Get("/items", controllers.FindInventoryItem(inventoryService, logg))
			r.Get("/items/{itemId}", controllers.GetInventoryItem(inventoryService, logg))
			r.Get("/items/{itemId}/movements", controllers.ListItemMovements(inventoryService, movementService, logg))
		})

		r.Route("/reservations", func(r chi.Router) {
			r.Post("/", controllers.ReserveStock(reservationService, logg))
			r.Get("/{draftId}", controllers.GetReservation(reservationService, logg))
			r.Post("/{draftId}/confirm", controllers.ConfirmReservation(reservationService, logg))
			r.Post("/{draftId}/release", controllers.ReleaseReservation(reservationService, logg))
		})
	})

	return r
}
