package di

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"servicekit/application/cache"
	"servicekit/application/container"
	"servicekit/application/prediction"
	"servicekit/domain/registry"
	"servicekit/infrastructure/config"
	"servicekit/infrastructure/signals"
	"servicekit/pkg/observability"
)

// Profile is the host-supplied seed data for the predictive loader: the
// static role/service association table, the time-of-day rules, and the
// context-tag associations.
type Profile struct {
	Seeds         map[prediction.Role]map[registry.ServiceName]float64
	TemporalRules []prediction.TemporalRule
	Contexts      map[prediction.ContextTag][]registry.ServiceName
}

// Subsystem bundles the fully wired resolution subsystem.
type Subsystem struct {
	Config     *config.Config
	Logger     *zap.Logger
	Registry   *registry.Registry
	Container  *container.Container
	Cache      *cache.TieredCache
	Loader     *prediction.Loader
	Dispatcher *signals.Dispatcher
	Metrics    *observability.Metrics
	Prometheus *prometheus.Registry
}

// Register adds one constructible service: the registration table entry and
// its dependency edges. Meant to be called once per service at startup.
func (s *Subsystem) Register(reg registry.Registration) error {
	if err := s.Registry.Register(reg); err != nil {
		return err
	}
	return s.Container.RegisterDependencies(reg.Name, reg.Dependencies)
}

// Get resolves a service through the tiered cache.
func (s *Subsystem) Get(ctx context.Context, name registry.ServiceName) (interface{}, error) {
	return s.Cache.Get(ctx, name)
}

// ProvideLogger creates a new logger instance
func ProvideLogger(cfg *config.Config) (*zap.Logger, error) {
	var logger *zap.Logger
	var err error

	if cfg.IsProduction() {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}

	if err != nil {
		return nil, err
	}

	return logger, nil
}

// ProvideRegistry creates the empty registration table; the host populates it
// through Subsystem.Register at startup.
func ProvideRegistry() *registry.Registry {
	return registry.NewRegistry()
}

// ProvidePrometheusRegistry creates the metrics registry
func ProvidePrometheusRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// ProvideMetrics creates the subsystem collectors
func ProvideMetrics(reg *prometheus.Registry) *observability.Metrics {
	return observability.NewMetrics(reg)
}

// ProvideContainer creates the dependency container
func ProvideContainer(cfg *config.Config, logger *zap.Logger) *container.Container {
	return container.New(container.Options{
		BaseDelay:     cfg.RetryBaseDelay(),
		MaxDelay:      cfg.RetryMaxDelay(),
		MaxAttempts:   cfg.RetryMaxAttempts,
		CriticalFanIn: cfg.CriticalFanInThreshold,
	}, logger)
}

// ProvideCache creates the tiered lazy cache
func ProvideCache(
	cfg *config.Config,
	reg *registry.Registry,
	ctr *container.Container,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *cache.TieredCache {
	return cache.New(reg, ctr, cache.Options{
		MaxSlots:          cfg.CacheMaxSlots,
		DefaultAttempts:   cfg.RetryMaxAttempts,
		WarmupConcurrency: cfg.WarmupConcurrency,
	}, logger, metrics)
}

// ProvideLoader creates the predictive loader over the cache's candidate
// universe.
func ProvideLoader(
	cfg *config.Config,
	profile Profile,
	tc *cache.TieredCache,
	logger *zap.Logger,
) *prediction.Loader {
	return prediction.New(tc, profile.Seeds, profile.TemporalRules, profile.Contexts, prediction.Options{
		Alpha:               cfg.AffinityAlpha,
		Beta:                cfg.AffinityBeta,
		ScoreThreshold:      cfg.ScoreThreshold,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		MaxRecommendations:  cfg.MaxRecommendations,
		HistoryLimit:        cfg.HistoryLimit,
	}, logger)
}

// ProvideDispatcher creates the lifecycle signal dispatcher
func ProvideDispatcher(logger *zap.Logger) *signals.Dispatcher {
	return signals.NewDispatcher(logger)
}

// ProvideSubsystem assembles the components and wires the cross-references:
// the cache notifies the loader on every access, a pressure signal triggers
// eviction, and a role change triggers an eager warm-up of the startup
// recommendation set.
func ProvideSubsystem(
	cfg *config.Config,
	logger *zap.Logger,
	reg *registry.Registry,
	ctr *container.Container,
	tc *cache.TieredCache,
	loader *prediction.Loader,
	dispatcher *signals.Dispatcher,
	metrics *observability.Metrics,
	promReg *prometheus.Registry,
) *Subsystem {
	tc.AttachRecommender(loader)

	dispatcher.OnMemoryPressure(func(ctx context.Context, level signals.PressureLevel) {
		tc.EvictForPressure(string(level))
	})
	dispatcher.OnRoleChanged(func(ctx context.Context, role string) {
		recommendations := loader.OnRoleChange(prediction.Role(role))
		// The signal's context lives only as long as its delivery (an HTTP
		// request, typically); warm-up construction must not die with it.
		tc.Warm(context.Background(), recommendations)
	})

	return &Subsystem{
		Config:     cfg,
		Logger:     logger,
		Registry:   reg,
		Container:  ctr,
		Cache:      tc,
		Loader:     loader,
		Dispatcher: dispatcher,
		Metrics:    metrics,
		Prometheus: promReg,
	}
}
