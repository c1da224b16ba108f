package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mmeshcher/gophermart-rewards/internal/apperr"
	"github.com/mmeshcher/gophermart-rewards/internal/metrics"
	custommiddleware "github.com/mmeshcher/gophermart-rewards/internal/middleware"
	"github.com/mmeshcher/gophermart-rewards/internal/model"
)

// RouterDeps - middleware, которые требуются маршрутам с ограниченным доступом.
type RouterDeps struct {
	Guard        *custommiddleware.Guard
	AdminLimiter *custommiddleware.RateLimiter
	Metrics      *metrics.Metrics
	// CORSOrigins включает CORS для перечисленных источников.
	CORSOrigins []string
}

// SetupRouter настраивает HTTP-маршруты и middleware сервиса гофермарт.
func (h *Handler) SetupRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.RequestID)
	if len(deps.CORSOrigins) > 0 {
		r.Use(custommiddleware.CORS(deps.CORSOrigins))
	}
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(deps.Metrics.InstrumentHandler)
	r.Use(custommiddleware.GzipMiddleware)

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/orders", h.UploadOrder)
			r.Get("/orders", h.GetOrders)

			r.Get("/balance", h.GetBalance)
			r.Post("/balance/withdraw", h.Withdraw)

			r.Get("/withdrawals", h.GetWithdrawals)
			r.Get("/ledger", h.GetLedger)

			r.Get("/referral", h.GetReferral)
			r.Post("/referral", h.LinkReferral)
		})
	})

	r.Route("/api/internal", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)
		r.Use(deps.Guard.Require(model.RoleService))

		r.Post("/orders/paid", h.OrderPaid)
	})

	r.Route("/api/fraud", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)
		r.Use(deps.Guard.Require(model.RoleAdmin))
		if deps.AdminLimiter != nil {
			r.Use(deps.AdminLimiter.Handler)
		}

		r.Post("/scan", h.RunFraudScan)
		r.Get("/stats", h.GetFraudStats)
		r.Get("/flags", h.ListFraudFlags)
		r.Post("/flags/{id}/resolve", h.ResolveFraudFlag)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, r, apperr.New(apperr.KindNotFound, "route not found"))
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		h.writeErrorStatus(w, r, http.StatusMethodNotAllowed, apperr.Validation("method not allowed"))
	})

	return r
}
