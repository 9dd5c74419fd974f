package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/driftline/syncd/internal/services"
)

// NewRouter assembles the HTTP surface: device registration and login are
// open, the sync endpoints require a device token, reset requires the
// operator key.
func NewRouter(
	auth *services.AuthService,
	devices *DeviceHandler,
	sync *SyncHandler,
	operatorKey string,
) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	router.Route("/v1", func(r chi.Router) {
		r.Post("/devices/register", devices.Register)
		r.Post("/devices/login", devices.Login)

		r.Group(func(r chi.Router) {
			r.Use(DeviceAuth(auth))
			r.Post("/sync/push", sync.Push)
			r.Post("/sync/pull", sync.Pull)
			r.Post("/sync/resolve", sync.Resolve)
			r.Get("/sync/state", sync.State)
		})

		r.Group(func(r chi.Router) {
			r.Use(OperatorAuth(operatorKey))
			r.Post("/sync/reset", sync.Reset)
		})
	})

	return router
}
