package cache_test

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"servicekit/application/cache"
	"servicekit/application/container"
	"servicekit/domain/registry"
	"servicekit/pkg/errors"
)

func newTestCache(t *testing.T, maxSlots int) (*cache.TieredCache, *registry.Registry, *container.Container) {
	t.Helper()
	reg := registry.NewRegistry()
	ctrOpts := container.DefaultOptions()
	ctrOpts.BaseDelay = 5 * time.Millisecond
	ctrOpts.MaxDelay = 20 * time.Millisecond
	ctr := container.New(ctrOpts, zap.NewNop())

	opts := cache.DefaultOptions()
	opts.MaxSlots = maxSlots
	c := cache.New(reg, ctr, opts, zap.NewNop(), nil)
	return c, reg, ctr
}

func register(t *testing.T, reg *registry.Registry, name registry.ServiceName, tier registry.Tier, deps []registry.ServiceName, factory registry.Factory) {
	t.Helper()
	require.NoError(t, reg.Register(registry.Registration{
		Name:         name,
		Tier:         tier,
		Dependencies: deps,
		Factory:      factory,
	}))
}

func TestGetConstructsOnce(t *testing.T) {
	c, reg, _ := newTestCache(t, 24)

	var constructions int32
	register(t, reg, "search", registry.TierFeature, nil,
		func(ctx context.Context, deps registry.Deps) (interface{}, error) {
			atomic.AddInt32(&constructions, 1)
			time.Sleep(10 * time.Millisecond) // widen the race window
			return "search-instance", nil
		})

	const goroutines = 50
	var wg sync.WaitGroup
	results := make([]interface{}, goroutines)
	errs := make([]error, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Get(context.Background(), "search")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&constructions), "factory must run exactly once")
	for i := 0; i < goroutines; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "search-instance", results[i])
	}
}

func TestGetResolvesDependencyChain(t *testing.T) {
	c, reg, _ := newTestCache(t, 24)

	register(t, reg, "config", registry.TierCritical, nil,
		func(ctx context.Context, deps registry.Deps) (interface{}, error) {
			return "cfg", nil
		})
	register(t, reg, "db", registry.TierCritical, []registry.ServiceName{"config"},
		func(ctx context.Context, deps registry.Deps) (interface{}, error) {
			return "db(" + deps.MustGet("config").(string) + ")", nil
		})
	register(t, reg, "orders", registry.TierFeature, []registry.ServiceName{"db"},
		func(ctx context.Context, deps registry.Deps) (interface{}, error) {
			return "orders(" + deps.MustGet("db").(string) + ")", nil
		})

	v, err := c.Get(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, "orders(db(cfg))", v)

	// The whole chain is cached, not just the requested name.
	assert.True(t, c.IsCached("config"))
	assert.True(t, c.IsCached("db"))
	assert.True(t, c.IsCached("orders"))
}

func TestGetNotRegistered(t *testing.T) {
	c, _, _ := newTestCache(t, 24)

	_, err := c.Get(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errors.IsNotRegistered(err))
}

func TestGetDeclaredCycleFails(t *testing.T) {
	c, reg, _ := newTestCache(t, 24)

	var constructions int32
	counting := func(ctx context.Context, deps registry.Deps) (interface{}, error) {
		atomic.AddInt32(&constructions, 1)
		return nil, nil
	}
	register(t, reg, "a", registry.TierFeature, []registry.ServiceName{"b"}, counting)
	register(t, reg, "b", registry.TierFeature, []registry.ServiceName{"a"}, counting)

	_, err := c.Get(context.Background(), "a")
	require.Error(t, err)
	assert.True(t, errors.IsCircularDependency(err))
	assert.Equal(t, int32(0), atomic.LoadInt32(&constructions), "no factory may run for a cyclic closure")
	assert.False(t, c.IsCached("a"))
	assert.False(t, c.IsCached("b"))
}

func TestCriticalFallbackSurvivesFailedDependency(t *testing.T) {
	c, reg, _ := newTestCache(t, 24)

	register(t, reg, "session-store", registry.TierFeature, nil,
		func(ctx context.Context, deps registry.Deps) (interface{}, error) {
			return nil, stderrors.New("store offline")
		})
	register(t, reg, "auth", registry.TierCritical, []registry.ServiceName{"session-store"},
		func(ctx context.Context, deps registry.Deps) (interface{}, error) {
			if _, ok := deps.Get("session-store"); ok {
				return "auth-with-store", nil
			}
			return "auth-degraded", nil
		})

	v, err := c.Get(context.Background(), "auth")
	require.NoError(t, err)
	assert.Equal(t, "auth-degraded", v)
	assert.True(t, c.IsCached("auth"))
	assert.False(t, c.IsCached("session-store"))
}

func TestCriticalFallbackRecoversFactoryPanic(t *testing.T) {
	c, reg, _ := newTestCache(t, 24)

	register(t, reg, "auth", registry.TierCritical, nil,
		func(ctx context.Context, deps registry.Deps) (interface{}, error) {
			panic("corrupted credentials table")
		})

	var err error
	require.NotPanics(t, func() {
		_, err = c.Get(context.Background(), "auth")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupted credentials table")
	assert.False(t, c.IsCached("auth"))
}

func TestCriticalFallbackDoubleFailure(t *testing.T) {
	c, reg, _ := newTestCache(t, 24)

	register(t, reg, "auth", registry.TierCritical, nil,
		func(ctx context.Context, deps registry.Deps) (interface{}, error) {
			return nil, stderrors.New("hopeless")
		})

	_, err := c.Get(context.Background(), "auth")
	require.Error(t, err)
	assert.False(t, c.IsCached("auth"))
}

func TestConcurrentDependentsWrapSharedFailureIndependently(t *testing.T) {
	c, reg, _ := newTestCache(t, 24)

	register(t, reg, "db", registry.TierFeature, nil,
		func(ctx context.Context, deps registry.Deps) (interface{}, error) {
			time.Sleep(10 * time.Millisecond)
			return nil, stderrors.New("connection refused")
		})
	register(t, reg, "orders", registry.TierFeature, []registry.ServiceName{"db"},
		func(ctx context.Context, deps registry.Deps) (interface{}, error) {
			return "orders", nil
		})
	register(t, reg, "reports", registry.TierFeature, []registry.ServiceName{"db"},
		func(ctx context.Context, deps registry.Deps) (interface{}, error) {
			return "reports", nil
		})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, name := range []registry.ServiceName{"orders", "reports"} {
		wg.Add(1)
		go func(i int, name registry.ServiceName) {
			defer wg.Done()
			_, errs[i] = c.Get(context.Background(), name)
		}(i, name)
	}
	wg.Wait()

	// Both dependents fail, and each wraps its own copy of the shared
	// failure: the context prefix never stacks up across callers. A caller
	// that arrives after the failure is recorded short-circuits with no
	// prefix at all.
	for _, err := range errs {
		require.Error(t, err)
		assert.LessOrEqual(t, strings.Count(err.Error(), "resolving dependency 'db'"), 1, err.Error())
	}
}

func TestFeatureTierGetsNoFallback(t *testing.T) {
	c, reg, _ := newTestCache(t, 24)

	var constructions int32
	register(t, reg, "reports", registry.TierFeature, nil,
		func(ctx context.Context, deps registry.Deps) (interface{}, error) {
			atomic.AddInt32(&constructions, 1)
			return nil, stderrors.New("renderer missing")
		})

	_, err := c.Get(context.Background(), "reports")
	require.Error(t, err)
	assert.True(t, errors.IsMaxRetriesExceeded(err))
	// Retry budget only, no extra fallback invocation.
	assert.Equal(t, int32(3), atomic.LoadInt32(&constructions))
}

func TestEvictForPressureBackgroundFirst(t *testing.T) {
	c, reg, _ := newTestCache(t, 4)

	ok := func(ctx context.Context, deps registry.Deps) (interface{}, error) { return "ok", nil }
	register(t, reg, "auth", registry.TierCritical, nil, ok)
	for _, name := range []registry.ServiceName{"bg1", "bg2", "bg3", "bg4", "bg5"} {
		register(t, reg, name, registry.TierBackground, nil, ok)
	}
	for _, name := range reg.Names() {
		_, err := c.Get(context.Background(), name)
		require.NoError(t, err)
	}
	require.Equal(t, 6, c.Statistics().SlotCount)

	c.EvictForPressure("warning")

	stats := c.Statistics()
	assert.Equal(t, 1, stats.SlotCount)
	assert.Equal(t, 1, stats.TierBreakdown["critical"])
	assert.Equal(t, 0, stats.TierBreakdown["background"])
	assert.True(t, c.IsCached("auth"), "critical slots are never evicted")
}

func TestEvictForPressureShedsExpendableFeatures(t *testing.T) {
	c, reg, _ := newTestCache(t, 3) // soft cap 2

	ok := func(ctx context.Context, deps registry.Deps) (interface{}, error) { return "ok", nil }
	register(t, reg, "auth", registry.TierCritical, nil, ok)
	register(t, reg, "orders", registry.TierFeature, nil, ok)
	register(t, reg, "inventory", registry.TierFeature, nil, ok)
	require.NoError(t, reg.Register(registry.Registration{
		Name: "previews", Tier: registry.TierFeature, Expendable: true, Factory: ok,
	}))
	for _, name := range reg.Names() {
		_, err := c.Get(context.Background(), name)
		require.NoError(t, err)
	}

	c.EvictForPressure("critical")

	assert.False(t, c.IsCached("previews"))
	assert.True(t, c.IsCached("orders"))
	assert.True(t, c.IsCached("inventory"))
	assert.True(t, c.IsCached("auth"))
}

func TestEvictForPressureKeepsFeaturesUnderSoftCap(t *testing.T) {
	c, reg, _ := newTestCache(t, 24) // soft cap 16, never exceeded here

	ok := func(ctx context.Context, deps registry.Deps) (interface{}, error) { return "ok", nil }
	require.NoError(t, reg.Register(registry.Registration{
		Name: "previews", Tier: registry.TierFeature, Expendable: true, Factory: ok,
	}))
	register(t, reg, "bg", registry.TierBackground, nil, ok)
	for _, name := range reg.Names() {
		_, err := c.Get(context.Background(), name)
		require.NoError(t, err)
	}

	c.EvictForPressure("warning")

	assert.False(t, c.IsCached("bg"))
	assert.True(t, c.IsCached("previews"), "expendable slots survive while under the soft cap")
}

func TestEvictedNameIsReconstructedOnNextGet(t *testing.T) {
	c, reg, _ := newTestCache(t, 24)

	var constructions int32
	register(t, reg, "reports", registry.TierBackground, nil,
		func(ctx context.Context, deps registry.Deps) (interface{}, error) {
			return atomic.AddInt32(&constructions, 1), nil
		})

	v, err := c.Get(context.Background(), "reports")
	require.NoError(t, err)
	assert.Equal(t, int32(1), v)

	c.Evict("reports")
	require.False(t, c.IsCached("reports"))

	v, err = c.Get(context.Background(), "reports")
	require.NoError(t, err)
	assert.Equal(t, int32(2), v, "eviction is not an error state")
}

func TestRecoverFromFailures(t *testing.T) {
	c, reg, ctr := newTestCache(t, 24)

	var healed int32
	register(t, reg, "db", registry.TierFeature, nil,
		func(ctx context.Context, deps registry.Deps) (interface{}, error) {
			if atomic.LoadInt32(&healed) == 0 {
				return nil, stderrors.New("still down")
			}
			return "db-instance", nil
		})
	register(t, reg, "void", registry.TierFeature, nil,
		func(ctx context.Context, deps registry.Deps) (interface{}, error) {
			return nil, stderrors.New("permanently broken")
		})

	_, err := c.Get(context.Background(), "db")
	require.Error(t, err)
	_, err = c.Get(context.Background(), "void")
	require.Error(t, err)
	require.True(t, ctr.IsFailed("db"))

	atomic.StoreInt32(&healed, 1)
	results := c.RecoverFromFailures(context.Background())
	require.Len(t, results, 2)

	byName := map[registry.ServiceName]cache.RecoveryResult{}
	for _, r := range results {
		byName[r.Name] = r
	}
	assert.True(t, byName["db"].Recovered)
	assert.Empty(t, byName["db"].Error)
	assert.False(t, byName["void"].Recovered)
	assert.NotEmpty(t, byName["void"].Error)

	assert.True(t, c.IsCached("db"))
	assert.False(t, ctr.IsFailed("db"))
}

func TestStatisticsSnapshot(t *testing.T) {
	c, reg, _ := newTestCache(t, 24)

	ok := func(ctx context.Context, deps registry.Deps) (interface{}, error) { return "ok", nil }
	register(t, reg, "auth", registry.TierCritical, nil, ok)
	register(t, reg, "orders", registry.TierFeature, nil, ok)
	register(t, reg, "reports", registry.TierBackground, nil, ok)
	for _, name := range reg.Names() {
		_, err := c.Get(context.Background(), name)
		require.NoError(t, err)
	}

	stats := c.Statistics()
	assert.Equal(t, 3, stats.SlotCount)
	assert.Equal(t, 1, stats.TierBreakdown["critical"])
	assert.Equal(t, 1, stats.TierBreakdown["feature"])
	assert.Equal(t, 1, stats.TierBreakdown["background"])
	assert.Equal(t, int64(3*2048), stats.EstimatedMemory)
}

func TestWarmAllConstructsDependencyFirst(t *testing.T) {
	c, reg, _ := newTestCache(t, 24)

	var mu sync.Mutex
	var order []registry.ServiceName
	tracking := func(name registry.ServiceName) registry.Factory {
		return func(ctx context.Context, deps registry.Deps) (interface{}, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return string(name), nil
		}
	}
	// Registered dependent-first on purpose.
	register(t, reg, "orders", registry.TierFeature, []registry.ServiceName{"db"}, tracking("orders"))
	register(t, reg, "db", registry.TierCritical, []registry.ServiceName{"config"}, tracking("db"))
	register(t, reg, "config", registry.TierCritical, nil, tracking("config"))

	c.WarmAll(context.Background())

	require.Len(t, order, 3)
	assert.Equal(t, []registry.ServiceName{"config", "db", "orders"}, order)
}

type stubRecommender struct {
	mu       sync.Mutex
	accesses []registry.ServiceName
	recs     map[registry.ServiceName][]registry.ServiceName
}

func (s *stubRecommender) RecordAccess(name registry.ServiceName) []registry.ServiceName {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accesses = append(s.accesses, name)
	return s.recs[name]
}

func TestRecommenderDrivesBackgroundWarmup(t *testing.T) {
	c, reg, _ := newTestCache(t, 24)

	ok := func(ctx context.Context, deps registry.Deps) (interface{}, error) { return "ok", nil }
	register(t, reg, "orders", registry.TierFeature, nil, ok)
	register(t, reg, "inventory", registry.TierFeature, nil, ok)

	rec := &stubRecommender{recs: map[registry.ServiceName][]registry.ServiceName{
		"orders": {"inventory"},
	}}
	c.AttachRecommender(rec)

	_, err := c.Get(context.Background(), "orders")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return c.IsCached("inventory")
	}, time.Second, 5*time.Millisecond, "recommended name should be warmed in the background")
}
