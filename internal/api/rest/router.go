package rest

import (
	"net/http"

	"github.com/caregrid/patient-records-backend/internal/api/middleware"
)

// RouterConfig carries the middleware chain around the handler set. Any nil
// middleware is skipped, which the tests use to exercise handlers in
// isolation.
type RouterConfig struct {
	Handlers    *Handlers
	Auth        func(http.Handler) http.Handler
	RateLimiter *middleware.ClientRateLimiter
	Gateway     *middleware.AccessGateway
}

// NewRouter mounts the handlers behind the auth shim, the per-client rate
// limiter and the consent access gateway, outermost first.
func NewRouter(cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()
	cfg.Handlers.RegisterRoutes(mux)

	var handler http.Handler = mux
	if cfg.Gateway != nil {
		handler = cfg.Gateway.Middleware()(handler)
	}
	if cfg.RateLimiter != nil {
		handler = cfg.RateLimiter.Middleware()(handler)
	}
	if cfg.Auth != nil {
		handler = cfg.Auth(handler)
	}
	return handler
}
