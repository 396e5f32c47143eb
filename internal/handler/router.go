package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/qrewards/scanpoint-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса сканпоинт.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(custommiddleware.TenantMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Route("/scan", func(r chi.Router) {
			r.Post("/", h.StartScan)
			r.Get("/{sessionID}", h.GetSession)
			r.Post("/{sessionID}/mobile", h.CollectMobile)
			r.Post("/{sessionID}/verify", h.VerifyOtp)
		})

		r.Get("/points", h.GetPoints)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
