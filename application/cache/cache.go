// Package cache implements the tiered lazy cache: the public "get me service
// X" entry point. It owns the constructed objects, resolves dependencies
// through the dependency container, enforces tier-based eviction under memory
// pressure, and feeds every successful access to the predictive loader.
package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"servicekit/application/container"
	"servicekit/domain/registry"
	"servicekit/pkg/errors"
	"servicekit/pkg/observability"
)

// nominalSlotBytes is the per-slot figure used for the estimated-memory
// statistic. Slot payloads are opaque, so this is a coarse bookkeeping
// estimate, not a measurement.
const nominalSlotBytes = 2048

// Recommender is the predictive loader hook the cache notifies on every
// successful access. The returned names are warmed in the background.
type Recommender interface {
	RecordAccess(name registry.ServiceName) []registry.ServiceName
}

// Options tunes the cache.
type Options struct {
	// MaxSlots is the soft cap on total slot count, applied to the feature
	// and background tiers under pressure.
	MaxSlots int
	// DefaultAttempts is the construction attempt budget used by Get.
	DefaultAttempts int
	// WarmupConcurrency bounds speculative warm-up fan-out.
	WarmupConcurrency int
}

// DefaultOptions returns the stated defaults.
func DefaultOptions() Options {
	return Options{
		MaxSlots:          24,
		DefaultAttempts:   3,
		WarmupConcurrency: 2,
	}
}

type slot struct {
	value         interface{}
	tier          registry.Tier
	constructedAt time.Time
}

// Statistics is the read-only observability snapshot of the cache.
type Statistics struct {
	SlotCount       int            `json:"slot_count"`
	TierBreakdown   map[string]int `json:"tier_breakdown"`
	EstimatedMemory int64          `json:"estimated_memory_bytes"`
}

// RecoveryResult reports one per-name outcome of RecoverFromFailures.
type RecoveryResult struct {
	Name      registry.ServiceName `json:"name"`
	Recovered bool                 `json:"recovered"`
	Error     string               `json:"error,omitempty"`
}

// TieredCache maps service names to populated slots, partitioned logically by
// tier. Slot-map mutations are serialized behind one RWMutex which is never
// held across a factory call; concurrent first requests for the same name are
// collapsed by a singleflight group, so the factory runs exactly once and
// every waiter receives the same value or the same error.
type TieredCache struct {
	registry  *registry.Registry
	container *container.Container

	mu    sync.RWMutex
	slots map[registry.ServiceName]slot

	group singleflight.Group

	recommender Recommender

	opts    Options
	logger  *zap.Logger
	metrics *observability.Metrics
}

// New creates a tiered cache over a registration table and a dependency
// container.
func New(reg *registry.Registry, ctr *container.Container, opts Options, logger *zap.Logger, metrics *observability.Metrics) *TieredCache {
	if opts.MaxSlots <= 0 {
		opts.MaxSlots = DefaultOptions().MaxSlots
	}
	if opts.DefaultAttempts <= 0 {
		opts.DefaultAttempts = DefaultOptions().DefaultAttempts
	}
	if opts.WarmupConcurrency <= 0 {
		opts.WarmupConcurrency = DefaultOptions().WarmupConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &TieredCache{
		registry:  reg,
		container: ctr,
		slots:     make(map[registry.ServiceName]slot, opts.MaxSlots),
		opts:      opts,
		logger:    logger,
		metrics:   metrics,
	}
}

// AttachRecommender wires the predictive loader in after construction; the
// loader and the cache reference each other, so one side attaches late.
func (c *TieredCache) AttachRecommender(r Recommender) {
	c.mu.Lock()
	c.recommender = r
	c.mu.Unlock()
}

// Get returns the service instance for name, constructing it on first use.
// Safe for concurrent use; concurrent calls for the same uncached name block
// on a single in-flight construction.
func (c *TieredCache) Get(ctx context.Context, name registry.ServiceName) (interface{}, error) {
	if container.PathContains(ctx, name) {
		path := container.PathFromContext(ctx)
		cycle := make([]string, 0, len(path)+1)
		for _, n := range path {
			cycle = append(cycle, string(n))
		}
		return nil, errors.NewCircularDependency(append(cycle, string(name)))
	}

	c.mu.RLock()
	s, ok := c.slots[name]
	c.mu.RUnlock()
	if ok {
		c.metrics.CacheHits.Inc()
		c.observeAccess(name)
		return s.value, nil
	}

	c.metrics.CacheMisses.Inc()
	return c.resolve(ctx, name, c.opts.DefaultAttempts, true)
}

// resolve constructs name through the container and populates its slot. The
// singleflight group provides the construct-once guarantee; the factory runs
// outside every cache lock because it re-enters Get for its dependencies.
func (c *TieredCache) resolve(ctx context.Context, name registry.ServiceName, attempts int, allowFallback bool) (interface{}, error) {
	value, err, _ := c.group.Do(string(name), func() (interface{}, error) {
		// A previous waiter may have populated the slot between the fast
		// path and entering the group.
		c.mu.RLock()
		if s, ok := c.slots[name]; ok {
			c.mu.RUnlock()
			return s.value, nil
		}
		c.mu.RUnlock()

		reg, ok := c.registry.Lookup(name)
		if !ok {
			return nil, errors.NewNotRegistered(string(name))
		}

		if err := c.container.RegisterDependencies(name, reg.Dependencies); err != nil {
			return nil, err
		}
		for _, dep := range reg.Dependencies {
			if c.container.IsFailed(dep) {
				return nil, errors.NewDependencyUnavailable(string(name), string(dep))
			}
		}

		deps, depErr := c.resolveDependencies(ctx, name, reg.Dependencies)
		var value interface{}
		err := depErr
		if err == nil {
			value, err = c.container.ConstructWithRetry(
				ctx, name, reg.Tier, deps, reg.Dependencies, reg.Factory, attempts)
			if err != nil {
				c.metrics.Constructions.WithLabelValues("failure").Inc()
			} else {
				c.metrics.Constructions.WithLabelValues("success").Inc()
			}
		}

		if err != nil {
			if reg.Tier != registry.TierCritical || !allowFallback {
				return nil, err
			}
			// Last-resort bypass for critical services: one unsafe direct
			// factory call so authentication/audit never vanish. Logged
			// loudly on every invocation rather than degrading silently.
			c.metrics.CriticalFallbacks.Inc()
			c.logger.Warn("critical service fallback: unsafe direct construction",
				zap.String("service", string(name)),
				zap.Error(err),
			)
			fallbackValue, fallbackErr := container.InvokeFactory(container.WithPath(ctx, name), deps, reg.Factory)
			if fallbackErr != nil {
				c.logger.Error("critical service fallback failed",
					zap.String("service", string(name)),
					zap.Error(fallbackErr),
				)
				return nil, errors.Wrap(err, "fallback construction also failed")
			}
			value = fallbackValue
		}

		c.store(name, reg.Tier, value)
		return value, nil
	})
	if err != nil {
		return nil, err
	}

	c.observeAccess(name)
	return value, nil
}

// resolveDependencies fetches each declared dependency through the cache
// itself, with name pushed onto the in-flight path so declared cycles are
// caught instead of recursing forever.
func (c *TieredCache) resolveDependencies(ctx context.Context, name registry.ServiceName, depNames []registry.ServiceName) (registry.Deps, error) {
	if len(depNames) == 0 {
		return registry.Deps{}, nil
	}
	depCtx := container.WithPath(ctx, name)
	deps := make(registry.Deps, len(depNames))
	for _, dep := range depNames {
		value, err := c.Get(depCtx, dep)
		if err != nil {
			return deps, errors.Wrap(err, "resolving dependency '"+string(dep)+"'")
		}
		deps[dep] = value
	}
	return deps, nil
}

func (c *TieredCache) store(name registry.ServiceName, tier registry.Tier, value interface{}) {
	c.mu.Lock()
	c.slots[name] = slot{value: value, tier: tier, constructedAt: time.Now()}
	c.updateSlotGaugesLocked()
	c.mu.Unlock()
}

// observeAccess reports the access to the predictive loader and warms its
// recommendations in the background. Warm-up is fire-and-forget: it never
// delays or fails the access that triggered it.
func (c *TieredCache) observeAccess(name registry.ServiceName) {
	c.mu.RLock()
	r := c.recommender
	c.mu.RUnlock()
	if r == nil {
		return
	}
	if recs := r.RecordAccess(name); len(recs) > 0 {
		go c.warm(context.Background(), recs)
	}
}

// warm constructs the given names with bounded concurrency. Failures are
// logged and swallowed; speculative work must never surface errors.
func (c *TieredCache) warm(ctx context.Context, names []registry.ServiceName) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.WarmupConcurrency)
	for _, name := range names {
		name := name
		if c.IsCached(name) {
			continue
		}
		g.Go(func() error {
			if _, err := c.Get(gctx, name); err != nil {
				c.metrics.Warmups.WithLabelValues("failure").Inc()
				c.logger.Debug("speculative warm-up failed",
					zap.String("service", string(name)),
					zap.Error(err),
				)
				return nil
			}
			c.metrics.Warmups.WithLabelValues("success").Inc()
			return nil
		})
	}
	_ = g.Wait()
}

// Warm synchronously constructs the given names, swallowing per-name errors.
func (c *TieredCache) Warm(ctx context.Context, names []registry.ServiceName) {
	c.warm(ctx, names)
}

// WarmAll registers every known edge set and constructs the whole registry in
// dependency-first topological order.
func (c *TieredCache) WarmAll(ctx context.Context) {
	for _, name := range c.registry.Names() {
		reg, _ := c.registry.Lookup(name)
		if err := c.container.RegisterDependencies(name, reg.Dependencies); err != nil {
			c.logger.Error("skipping cyclic service during warm-up",
				zap.String("service", string(name)),
				zap.Error(err),
			)
		}
	}
	for _, name := range c.container.TopologicalOrder() {
		if _, ok := c.registry.Lookup(name); !ok {
			continue
		}
		if _, err := c.Get(ctx, name); err != nil {
			c.logger.Debug("warm-up construction failed",
				zap.String("service", string(name)),
				zap.Error(err),
			)
		}
	}
}

// EvictForPressure applies the pressure policy: every background-tier slot
// goes first; if the cache still holds more than two thirds of MaxSlots, the
// statically designated expendable feature slots go too. Critical slots are
// never touched. Deliberately coarse and deterministic, not LRU.
func (c *TieredCache) EvictForPressure(level string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for name, s := range c.slots {
		if s.tier == registry.TierBackground {
			delete(c.slots, name)
			c.metrics.Evictions.WithLabelValues(string(registry.TierBackground)).Inc()
			evicted++
		}
	}

	softCap := c.opts.MaxSlots * 2 / 3
	if len(c.slots) > softCap {
		for _, name := range c.registry.ExpendableFeatures() {
			if _, ok := c.slots[name]; ok {
				delete(c.slots, name)
				c.metrics.Evictions.WithLabelValues(string(registry.TierFeature)).Inc()
				evicted++
			}
		}
	}

	c.updateSlotGaugesLocked()
	c.logger.Info("memory pressure eviction",
		zap.String("level", level),
		zap.Int("evicted", evicted),
		zap.Int("remaining", len(c.slots)),
	)
}

// Evict removes one slot. Eviction is not an error state; an evicted name is
// simply reconstructed on its next request.
func (c *TieredCache) Evict(name registry.ServiceName) {
	c.mu.Lock()
	delete(c.slots, name)
	c.updateSlotGaugesLocked()
	c.mu.Unlock()
}

// RecoverFromFailures clears every recently-failed name in the container,
// evicts any stale slot, and re-attempts construction once per name.
func (c *TieredCache) RecoverFromFailures(ctx context.Context) []RecoveryResult {
	failed := c.container.FailedNames()
	results := make([]RecoveryResult, 0, len(failed))
	for _, name := range failed {
		c.container.ResetFailure(name)
		c.Evict(name)

		result := RecoveryResult{Name: name}
		if _, err := c.resolve(ctx, name, 1, false); err != nil {
			result.Error = err.Error()
		} else {
			result.Recovered = true
		}
		results = append(results, result)
	}
	return results
}

// Statistics returns a read-only snapshot; no side effects.
func (c *TieredCache) Statistics() Statistics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	breakdown := map[string]int{
		string(registry.TierCritical):   0,
		string(registry.TierFeature):    0,
		string(registry.TierBackground): 0,
	}
	for _, s := range c.slots {
		breakdown[string(s.tier)]++
	}
	return Statistics{
		SlotCount:       len(c.slots),
		TierBreakdown:   breakdown,
		EstimatedMemory: int64(len(c.slots)) * nominalSlotBytes,
	}
}

// IsCached reports whether name has a populated slot. Implements the
// predictive loader's candidate exclusion.
func (c *TieredCache) IsCached(name registry.ServiceName) bool {
	c.mu.RLock()
	_, ok := c.slots[name]
	c.mu.RUnlock()
	return ok
}

// Candidates returns every registered name. Implements the predictive
// loader's candidate universe.
func (c *TieredCache) Candidates() []registry.ServiceName {
	return c.registry.Names()
}

func (c *TieredCache) updateSlotGaugesLocked() {
	counts := map[registry.Tier]int{}
	for _, s := range c.slots {
		counts[s.tier]++
	}
	for _, tier := range []registry.Tier{registry.TierCritical, registry.TierFeature, registry.TierBackground} {
		c.metrics.Slots.WithLabelValues(string(tier)).Set(float64(counts[tier]))
	}
}
