// Package container implements the dependency container: it guarantees that
// no construction attempt can deadlock or infinitely recurse on circular
// requirements, wraps construction in retry with exponential backoff, and
// reports aggregate initialization health.
package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"servicekit/domain/graph"
	"servicekit/domain/registry"
	"servicekit/pkg/errors"
)

// InitializationRecord is one entry of the append-only construction log.
type InitializationRecord struct {
	ID        string               `json:"id"`
	Name      registry.ServiceName `json:"name"`
	Success   bool                 `json:"success"`
	Error     string               `json:"error,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// HealthReport aggregates construction outcomes across the container.
type HealthReport struct {
	Total       int      `json:"total"`
	Succeeded   int      `json:"succeeded"`
	Failed      int      `json:"failed"`
	CyclicNames []string `json:"cyclic_names,omitempty"`
	Score       float64  `json:"score"`
}

// Options tunes retry and health behavior.
type Options struct {
	// BaseDelay is the initial retry delay; each attempt doubles it.
	BaseDelay time.Duration
	// MaxDelay caps the per-attempt delay.
	MaxDelay time.Duration
	// MaxAttempts is the default construction attempt budget.
	MaxAttempts int
	// CriticalFanIn is the fan-in at or above which a failed service counts
	// as a critical failure in the health score.
	CriticalFanIn int
}

// DefaultOptions returns the stated defaults.
func DefaultOptions() Options {
	return Options{
		BaseDelay:     50 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		MaxAttempts:   3,
		CriticalFanIn: 3,
	}
}

// Container tracks the dependency graph, the recently-failed set, and the
// initialization log. All mutations are serialized behind one mutex; the
// mutex is never held across a factory invocation, since factories re-enter
// the resolution path for their own dependencies.
type Container struct {
	mu     sync.Mutex
	graph  *graph.Graph
	failed map[registry.ServiceName]error
	cyclic map[registry.ServiceName][]string
	log    []InitializationRecord
	latest map[registry.ServiceName]bool // latest outcome per name

	opts   Options
	logger *zap.Logger
}

// New creates a dependency container.
func New(opts Options, logger *zap.Logger) *Container {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions().MaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultOptions().BaseDelay
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = DefaultOptions().MaxDelay
	}
	if opts.CriticalFanIn <= 0 {
		opts.CriticalFanIn = DefaultOptions().CriticalFanIn
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Container{
		graph:  graph.New(),
		failed: make(map[registry.ServiceName]error),
		cyclic: make(map[registry.ServiceName][]string),
		latest: make(map[registry.ServiceName]bool),
		opts:   opts,
		logger: logger,
	}
}

// RegisterDependencies records or overwrites the edge set for name. The cycle
// check runs before committing; on rejection the graph is unchanged and the
// error carries the full cycle path.
func (c *Container) RegisterDependencies(name registry.ServiceName, deps []registry.ServiceName) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registerLocked(name, deps)
}

func (c *Container) registerLocked(name registry.ServiceName, deps []registry.ServiceName) error {
	if err := c.graph.SetDependencies(name, deps); err != nil {
		if resErr := errors.GetResolutionError(err); resErr != nil && resErr.Type == errors.ErrorTypeCircularDependency {
			c.cyclic[name] = resErr.Cycle
			c.logger.Error("dependency registration rejected",
				zap.String("service", string(name)),
				zap.Strings("cycle", resErr.Cycle),
			)
		}
		return err
	}
	// A corrected edge set supersedes a previously rejected cyclic one.
	delete(c.cyclic, name)
	return nil
}

// SafeConstruct performs a single construction attempt for name: cycle check,
// failed-prerequisite check, re-entrancy guard, factory invocation, and
// outcome recording.
func (c *Container) SafeConstruct(
	ctx context.Context,
	name registry.ServiceName,
	tier registry.Tier,
	deps registry.Deps,
	depNames []registry.ServiceName,
	factory registry.Factory,
) (interface{}, error) {
	c.mu.Lock()
	if err := c.registerLocked(name, depNames); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	for _, dep := range depNames {
		if _, bad := c.failed[dep]; bad {
			c.mu.Unlock()
			return nil, errors.NewDependencyUnavailable(string(name), string(dep))
		}
	}
	c.mu.Unlock()

	// The in-flight stack travels on the context so it follows the call
	// chain through factories, wherever they resume.
	path := PathFromContext(ctx)
	for _, inFlight := range path {
		if inFlight == name {
			cycle := make([]string, 0, len(path)+1)
			started := false
			for _, n := range path {
				if n == name {
					started = true
				}
				if started {
					cycle = append(cycle, string(n))
				}
			}
			cycle = append(cycle, string(name))
			return nil, errors.NewCircularDependency(cycle)
		}
	}
	ctx = WithPath(ctx, name)

	value, err := InvokeFactory(ctx, deps, factory)
	if err != nil {
		failure := errors.NewConstructionFailed(string(name), err)
		c.mu.Lock()
		c.failed[name] = failure
		c.appendRecordLocked(name, false, failure.Error())
		c.mu.Unlock()
		c.logger.Warn("service construction failed",
			zap.String("service", string(name)),
			zap.String("tier", string(tier)),
			zap.Error(err),
		)
		return nil, failure
	}

	c.mu.Lock()
	delete(c.failed, name)
	c.appendRecordLocked(name, true, "")
	c.mu.Unlock()
	c.logger.Debug("service constructed",
		zap.String("service", string(name)),
		zap.String("tier", string(tier)),
	)
	return value, nil
}

// InvokeFactory runs a factory, converting a panic into an ordinary error so
// one broken factory cannot take the host process down. Every factory
// invocation goes through here, the critical-tier fallback included.
func InvokeFactory(ctx context.Context, deps registry.Deps, factory registry.Factory) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("factory panicked: %v", r)
		}
	}()
	return factory(ctx, deps)
}

// ConstructWithRetry calls SafeConstruct up to maxAttempts times with
// exponential backoff. Circular dependencies and unavailable prerequisites
// are deterministic and never retried. Backoff sleeps happen on the calling
// goroutine only, so a delay for one name never stalls another.
func (c *Container) ConstructWithRetry(
	ctx context.Context,
	name registry.ServiceName,
	tier registry.Tier,
	deps registry.Deps,
	depNames []registry.ServiceName,
	factory registry.Factory,
	maxAttempts int,
) (interface{}, error) {
	if maxAttempts <= 0 {
		maxAttempts = c.opts.MaxAttempts
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.opts.BaseDelay
	policy.MaxInterval = c.opts.MaxDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	var value interface{}
	attempts := 0
	operation := func() error {
		attempts++
		v, err := c.SafeConstruct(ctx, name, tier, deps, depNames, factory)
		if err != nil {
			if !errors.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		value = v
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(maxAttempts-1)), ctx))
	if err != nil {
		if errors.IsRetryable(err) && attempts >= maxAttempts {
			return nil, errors.NewMaxRetriesExceeded(string(name), attempts, err)
		}
		return nil, err
	}
	return value, nil
}

// TopologicalOrder returns a dependency-first order over the current graph,
// suitable for warming a whole closure. Deterministic for a fixed graph.
func (c *Container) TopologicalOrder() []registry.ServiceName {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.graph.TopologicalOrder()
}

// Dependencies returns the recorded edge set for name.
func (c *Container) Dependencies(name registry.ServiceName) []registry.ServiceName {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.graph.DirectDependencies(name)
}

// IsFailed reports whether name sits in the recently-failed set.
func (c *Container) IsFailed(name registry.ServiceName) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, bad := c.failed[name]
	return bad
}

// FailedNames returns the recently-failed set in deterministic (graph) order.
func (c *Container) FailedNames() []registry.ServiceName {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []registry.ServiceName
	for _, name := range c.graph.Names() {
		if _, bad := c.failed[name]; bad {
			out = append(out, name)
		}
	}
	// Failures recorded before any edge registration still count.
	for name := range c.failed {
		found := false
		for _, n := range out {
			if n == name {
				found = true
				break
			}
		}
		if !found {
			out = append(out, name)
		}
	}
	return out
}

// ResetFailure removes name from the recently-failed set so future
// construction attempts are no longer short-circuited.
func (c *Container) ResetFailure(name registry.ServiceName) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failed, name)
}

// ClearAllFailures empties the recently-failed set.
func (c *Container) ClearAllFailures() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = make(map[registry.ServiceName]error)
}

// Records returns a copy of the initialization log.
func (c *Container) Records() []InitializationRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]InitializationRecord(nil), c.log...)
}

// Health computes the aggregate health report. The success rate counts the
// latest outcome per service; a failed service with fan-in at or above the
// configured threshold counts as a critical failure.
func (c *Container) Health() HealthReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	report := HealthReport{}
	criticalFailures := 0
	for name, ok := range c.latest {
		report.Total++
		if ok {
			report.Succeeded++
			continue
		}
		report.Failed++
		if c.graph.FanIn(name) >= c.opts.CriticalFanIn {
			criticalFailures++
		}
	}
	for name := range c.cyclic {
		report.CyclicNames = append(report.CyclicNames, string(name))
	}

	successRate := 1.0
	if report.Total > 0 {
		successRate = float64(report.Succeeded) / float64(report.Total)
	}
	score := successRate - 0.1*float64(len(report.CyclicNames)) - 0.2*float64(criticalFailures)
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	report.Score = score
	return report
}

func (c *Container) appendRecordLocked(name registry.ServiceName, success bool, msg string) {
	c.log = append(c.log, InitializationRecord{
		ID:        uuid.NewString(),
		Name:      name,
		Success:   success,
		Error:     msg,
		Timestamp: time.Now(),
	})
	c.latest[name] = success
}
