package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/meal-coupon-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса талонов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger, h.metrics))

	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Post("/scan", h.Scan)

		r.Get("/attendees", h.ListAttendees)
		r.Get("/attendees/{id}", h.GetAttendee)
		r.Get("/attendees/{id}/coupons", h.GetAttendeeCoupons)

		// Пути, которые вызывают старые клиенты.
		r.Get("/allUsers", h.ListAttendees)
		r.Get("/user/{id}", h.GetAttendee)
		r.Get("/user/{id}/coupons", h.GetAttendeeCoupons)

		r.Get("/usages", h.ListUsages)
		r.Get("/coupon-validities", h.ListWindows)

		r.Post("/admin/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/coupon-validities", h.CreateWindow)
			r.Put("/coupon-validities/{slot}", h.UpdateWindow)
			r.Delete("/coupon-validities/{slot}", h.DeleteWindow)

			r.Post("/roster/sync", h.SyncRoster)
			r.Get("/fetch-sheetdb-data", h.SyncRoster)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
