package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/mmeshcher/atelier-checkout/internal/metrics"
	custommiddleware "github.com/mmeshcher/atelier-checkout/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса оформления заказа.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))
	if h.metrics != nil {
		r.Use(h.metrics.Middleware)
	}

	limited := func(next http.Handler) http.Handler { return next }
	if h.limiter != nil {
		limited = h.limiter.Middleware
	}

	r.Route("/api/checkout", func(r chi.Router) {
		r.Use(h.authMiddleware.Identify)

		r.Post("/", h.StartCheckout)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Delete("/", h.AbandonCheckout)

			r.Post("/review", h.AdvanceFromReview)
			r.Post("/shipping", h.SubmitShipping)
			r.Post("/continue", h.ContinueToPayment)
			r.Post("/return", h.ReturnToStep)

			r.With(limited).Post("/payment", h.SubmitPayment)
			r.With(limited).Post("/payment/retry", h.RetryPayment)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware.Require)

		r.Get("/api/user/orders", h.GetOrders)
		r.Get("/api/orders/{number}", h.GetOrder)
	})

	if h.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(h.gatherer))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
