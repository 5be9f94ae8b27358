package adminapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"ratelimit/internal/adminapi/handler"
	"ratelimit/internal/adminapi/middleware"
	"ratelimit/pkg/jwt"
)

// Router wires internal/adminapi's routes, matching the teacher's
// delivery/http.Router shape: a struct holding the mux.Router and its
// handler/middleware collaborators, built up in Setup.
type Router struct {
	router     *mux.Router
	handler    *handler.Handler
	jwtService *jwt.JWTService
}

// NewRouter builds a Router serving h, guarded by bearer tokens issued by
// jwtService.
func NewRouter(h *handler.Handler, jwtService *jwt.JWTService) *Router {
	return &Router{
		router:     mux.NewRouter(),
		handler:    h,
		jwtService: jwtService,
	}
}

// Setup registers every route and returns the underlying mux.Router ready
// to be handed to an http.Server.
func (r *Router) Setup() *mux.Router {
	api := r.router.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/health", r.handler.Health).Methods(http.MethodGet, http.MethodOptions)

	protected := api.PathPrefix("").Subrouter()
	protected.Use(middleware.Auth(r.jwtService))
	protected.HandleFunc("/stats", r.handler.Stats).Methods(http.MethodGet, http.MethodOptions)
	protected.HandleFunc("/peers", r.handler.Peers).Methods(http.MethodGet, http.MethodOptions)
	protected.HandleFunc("/unregister", r.handler.Unregister).Methods(http.MethodPost, http.MethodOptions)

	r.router.Use(middleware.CORS)

	return r.router
}
