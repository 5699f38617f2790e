package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	gitmiddleware "github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/middleware"
)

// GitPrefix is where smart HTTP git traffic is served.
const GitPrefix = "/r"

// RouterOptions controls the construction of the HTTP router.
// IAMService and Registry are required; everything else has a default.
type RouterOptions struct {
	IAMService iamAdminService // Compile-time verified IAM service contract
	Registry   repositoryRegistry
	// Mapper builds authentication requests. Nil trusts no proxies.
	Mapper *gitmiddleware.RequestMapper
	// GitHandler serves git traffic after the gate has authorized it.
	GitHandler    http.Handler
	CORSOptions   *cors.Options
	Middleware    []func(http.Handler) http.Handler
	HealthHandler http.HandlerFunc
	Logger        *slog.Logger
	ExtraRoutes   func(chi.Router)
}

// DefaultCORSOptions returns the shared development CORS policy.
func DefaultCORSOptions() cors.Options {
	return cors.Options{
		AllowedOrigins: []string{
			"http://localhost:5173",
			"http://127.0.0.1:5173",
		},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{
			"Content-Type",
			"Authorization",
			"X-User-Agent",
		},
		ExposedHeaders:   []string{"Retry-After", "WWW-Authenticate"},
		AllowCredentials: true,
		MaxAge:           300,
	}
}

func defaultHealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// NewRouter assembles a chi.Router with shared middleware, CORS policy, the
// JSON API and the git gate mounted.
func NewRouter(opts RouterOptions) chi.Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mapper := opts.Mapper
	if mapper == nil {
		mapper = &gitmiddleware.RequestMapper{}
	}

	r := chi.NewRouter()

	// RealIP is not used: the authenticator trusts container headers only
	// from configured proxies, judged by the socket address.
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	corsCfg := DefaultCORSOptions()
	if opts.CORSOptions != nil {
		corsCfg = *opts.CORSOptions
	}
	r.Use(cors.Handler(corsCfg))

	r.Use(gitmiddleware.NewAuthnMiddleware(opts.IAMService, mapper, logger))

	for _, mw := range opts.Middleware {
		if mw != nil {
			r.Use(mw)
		}
	}

	healthHandler := opts.HealthHandler
	if healthHandler == nil {
		healthHandler = defaultHealthHandler
	}
	r.Get("/healthz", healthHandler)

	r.Post("/api/auth/login", HandleLogin(opts.IAMService, logger))
	r.Group(func(r chi.Router) {
		r.Use(gitmiddleware.RequireAuthenticated)
		r.Post("/api/auth/logout", HandleLogout(opts.IAMService, logger))
		r.Get("/api/auth/whoami", HandleWhoAmI())
		r.Get("/api/users/{name}/grants", HandleUserGrants(opts.IAMService, logger))
		r.Post("/api/admin/cache/refresh", HandleCacheRefresh(opts.IAMService, logger))
	})

	NewRepositoryHandlers(opts.Registry, opts.IAMService, logger).Mount(r)

	r.Handle(GitPrefix+"/*", gitmiddleware.NewGitGate(gitmiddleware.GitGateOptions{
		Repositories: opts.Registry,
		Authorizer:   opts.IAMService,
		Handler:      opts.GitHandler,
		Prefix:       GitPrefix,
		Logger:       logger,
	}))

	if opts.ExtraRoutes != nil {
		opts.ExtraRoutes(r)
	}

	return r
}

// NewH2CHandler wraps the router with an h2c server to provide HTTP/2 over
// cleartext.
func NewH2CHandler(opts RouterOptions) http.Handler {
	return h2c.NewHandler(NewRouter(opts), &http2.Server{})
}
