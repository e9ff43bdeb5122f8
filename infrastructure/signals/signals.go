// Package signals receives the two inbound lifecycle signals from the host
// runtime (memory pressure and role change) and fans them out to registered
// hooks.
package signals

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// PressureLevel is the host's binary memory-pressure signal.
type PressureLevel string

const (
	PressureWarning  PressureLevel = "warning"
	PressureCritical PressureLevel = "critical"
)

// Valid reports whether the level is one of the two known values.
func (l PressureLevel) Valid() bool {
	return l == PressureWarning || l == PressureCritical
}

// PressureHook reacts to a memory-pressure signal.
type PressureHook func(ctx context.Context, level PressureLevel)

// RoleHook reacts to a role change.
type RoleHook func(ctx context.Context, role string)

// Dispatcher fans host lifecycle signals out to registered hooks. Hooks run
// asynchronously; a slow hook never blocks the host's signal delivery.
type Dispatcher struct {
	mu            sync.RWMutex
	pressureHooks []PressureHook
	roleHooks     []RoleHook
	logger        *zap.Logger
}

// NewDispatcher creates a signal dispatcher.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{logger: logger}
}

// OnMemoryPressure registers a hook for memory-pressure signals.
func (d *Dispatcher) OnMemoryPressure(hook PressureHook) {
	d.mu.Lock()
	d.pressureHooks = append(d.pressureHooks, hook)
	d.mu.Unlock()
}

// OnRoleChanged registers a hook for role-change signals.
func (d *Dispatcher) OnRoleChanged(hook RoleHook) {
	d.mu.Lock()
	d.roleHooks = append(d.roleHooks, hook)
	d.mu.Unlock()
}

// NotifyMemoryPressure delivers a pressure signal to every registered hook.
// Unknown levels are coerced to warning rather than dropped.
func (d *Dispatcher) NotifyMemoryPressure(ctx context.Context, level PressureLevel) {
	if !level.Valid() {
		d.logger.Warn("unknown pressure level, treating as warning", zap.String("level", string(level)))
		level = PressureWarning
	}
	d.mu.RLock()
	hooks := append([]PressureHook(nil), d.pressureHooks...)
	d.mu.RUnlock()

	d.logger.Info("memory pressure signal", zap.String("level", string(level)))
	for _, hook := range hooks {
		go hook(ctx, level)
	}
}

// NotifyRoleChanged delivers a role-change signal to every registered hook.
func (d *Dispatcher) NotifyRoleChanged(ctx context.Context, role string) {
	d.mu.RLock()
	hooks := append([]RoleHook(nil), d.roleHooks...)
	d.mu.RUnlock()

	for _, hook := range hooks {
		go hook(ctx, role)
	}
}
