package api

import (
	"log/slog"
	"net/http"

	"github.com/bcnelson/tontine-manager/internal/api/handler"
	"github.com/bcnelson/tontine-manager/internal/api/middleware"
	"github.com/bcnelson/tontine-manager/internal/metrics"
	"github.com/bcnelson/tontine-manager/internal/service"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(
	membership *service.MembershipService,
	settlement *service.SettlementService,
	users *service.UserService,
	adminKey string,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logging(logger))
	r.Use(metrics.InstrumentHandler)

	// Health check (no auth required)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.ContentType)

		userHandler := handler.NewUserHandler(users)
		r.Post("/login", userHandler.Login)

		// Groups
		groupHandler := handler.NewGroupHandler(membership)
		r.Post("/groups", groupHandler.Create)
		r.Get("/groups", groupHandler.List)
		r.Route("/groups/{id}", func(r chi.Router) {
			r.Get("/", groupHandler.Get)
			r.Post("/members", groupHandler.Join)
			r.Post("/contributions", groupHandler.Contribute)
			r.Post("/trustline", groupHandler.EnsureTrustline)
			r.Get("/balance", groupHandler.Balance)
			r.Get("/settlements", groupHandler.Settlements)
		})

		// Settlement (operator)
		settlementHandler := handler.NewSettlementHandler(settlement)
		r.With(middleware.AdminKey(adminKey)).Post("/settlements/run", settlementHandler.Run)
	})

	return r
}
