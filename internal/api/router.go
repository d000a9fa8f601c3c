/**
 * @description
 * HTTP router setup for the faucet service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions carries the collaborators the router needs besides the handlers.
type RouterOptions struct {
	Auth           *Authenticator
	InternalAPIKey string
	AllowedOrigins []string
	Metrics        http.Handler
}

// NewRouter creates a new Chi router and registers the faucet routes.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.handleHealth)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/faucet", func(r chi.Router) {
		r.Get("/stats", h.handleGetFaucetStats)
		r.Get("/clock", h.handleGetClock)
		r.Get("/users/{address}", h.handleGetUserStats)
		r.Get("/users/{address}/can-claim", h.handleCanClaim)
		r.Get("/users/{address}/time-until-next-claim", h.handleTimeUntilNextClaim)

		r.Group(func(r chi.Router) {
			r.Use(WalletAuthMiddleware(opts.Auth))
			r.Post("/claim", h.handleRequestTokens)
			r.Put("/admin/cooldown", h.handleSetCooldown)
		})
	})

	r.Route("/internal/faucet", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(opts.InternalAPIKey))
		r.Post("/claims", h.handleInternalClaim)
		r.Post("/pool/top-up", h.handleTopUp)
	})

	return r
}
