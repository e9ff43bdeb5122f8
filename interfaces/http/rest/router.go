package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"servicekit/application/cache"
	"servicekit/application/container"
	"servicekit/application/prediction"
	"servicekit/infrastructure/config"
	"servicekit/infrastructure/signals"
	"servicekit/interfaces/http/rest/handlers"
	"servicekit/interfaces/http/rest/middleware"
)

// Router creates and configures the diagnostics HTTP router
type Router struct {
	cfg        *config.Config
	container  *container.Container
	cache      *cache.TieredCache
	loader     *prediction.Loader
	dispatcher *signals.Dispatcher
	gatherer   prometheus.Gatherer
	logger     *zap.Logger
}

// NewRouter creates a new router instance
func NewRouter(
	cfg *config.Config,
	ctr *container.Container,
	tc *cache.TieredCache,
	loader *prediction.Loader,
	dispatcher *signals.Dispatcher,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *Router {
	return &Router{
		cfg:        cfg,
		container:  ctr,
		cache:      tc,
		loader:     loader,
		dispatcher: dispatcher,
		gatherer:   gatherer,
		logger:     logger,
	}
}

// Setup configures all routes and middleware
func (rt *Router) Setup() http.Handler {
	router := chi.NewRouter()

	// Global middleware
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.Logger(rt.logger))

	if rt.cfg.EnableCORS {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	diag := handlers.NewDiagnosticsHandler(rt.container, rt.cache, rt.loader, rt.dispatcher, rt.logger)

	// Read-only observability surface
	router.Get("/health", diag.Health)
	router.Get("/statistics", diag.Statistics)
	router.Get("/analytics", diag.Analytics)

	if rt.cfg.EnableMetrics && rt.gatherer != nil {
		router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(rt.gatherer, promhttp.HandlerOpts{}))
	}

	// Inbound host signals and recovery hooks
	router.Route("/admin", func(r chi.Router) {
		r.Post("/pressure", diag.MemoryPressure)
		r.Post("/role", diag.RoleChange)
		r.Post("/recover", diag.Recover)
	})

	return router
}
