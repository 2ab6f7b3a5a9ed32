package api

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns the chi router for the control API.
//
// Route layout:
//
//	GET    /healthz         – liveness probe (no authentication required)
//	GET    /api/v1/watch    – current watch snapshot
//	PUT    /api/v1/watch    – start watching {"path": "..."}
//	DELETE /api/v1/watch    – stop watching
//	GET    /api/v1/events   – WebSocket stream of event and status frames
//
// pubKey enables RS256 Bearer authentication on /api/v1; nil disables it.
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey, srv.logger))
		}

		r.Get("/watch", srv.handleGetWatch)
		r.Put("/watch", srv.handlePutWatch)
		r.Delete("/watch", srv.handleDeleteWatch)
		r.Get("/events", srv.handleEvents)
	})

	return r
}
