// Package registry holds the static registration table for constructible
// services: names, priority tiers, declared dependencies, and factories.
package registry

import (
	"context"
	"fmt"

	"servicekit/pkg/errors"
)

// ServiceName uniquely identifies a constructible service or repository.
type ServiceName string

func (n ServiceName) String() string {
	return string(n)
}

// Tier is the static importance class of a service. It is fixed at
// registration time and governs eviction priority: critical entries are never
// evicted, background entries are the first candidates.
type Tier string

const (
	TierCritical   Tier = "critical"
	TierFeature    Tier = "feature"
	TierBackground Tier = "background"
)

// Valid reports whether the tier is one of the known classes.
func (t Tier) Valid() bool {
	switch t {
	case TierCritical, TierFeature, TierBackground:
		return true
	}
	return false
}

func (t Tier) String() string {
	return string(t)
}

// ParseTier converts a string into a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", errors.NewValidationError(fmt.Sprintf("unknown tier %q", s))
	}
	return t, nil
}

// Deps carries a service's dependencies, already resolved, keyed by name.
type Deps map[ServiceName]interface{}

// Get returns the resolved dependency for a name.
func (d Deps) Get(name ServiceName) (interface{}, bool) {
	v, ok := d[name]
	return v, ok
}

// MustGet returns the resolved dependency or panics. Factories may use it for
// dependencies they declared, which are guaranteed present on the safe path.
func (d Deps) MustGet(name ServiceName) interface{} {
	v, ok := d[name]
	if !ok {
		panic(fmt.Sprintf("dependency %q was not resolved", name))
	}
	return v
}

// Factory produces one service instance. Its declared dependencies arrive
// already resolved; the factory never resolves siblings on its own.
type Factory func(ctx context.Context, deps Deps) (interface{}, error)

// Registration describes one constructible unit.
type Registration struct {
	Name         ServiceName
	Tier         Tier
	Dependencies []ServiceName

	// Expendable statically designates the least-essential feature-tier
	// entries, removed in the second phase of pressure eviction. Ignored for
	// other tiers.
	Expendable bool

	Factory Factory
}

// Registry is the insertion-ordered registration table. Registrations are
// validated eagerly so resolution never trips over a malformed entry.
// The registry itself is populated once at startup and read-only afterwards;
// it is not synchronized.
type Registry struct {
	entries map[ServiceName]Registration
	order   []ServiceName
}

// NewRegistry creates an empty registration table.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[ServiceName]Registration, 32),
	}
}

// Register validates and stores a registration. A name is never reused for
// two different registrations within one table.
func (r *Registry) Register(reg Registration) error {
	if reg.Name == "" {
		return errors.NewValidationError("service name must not be empty")
	}
	if !reg.Tier.Valid() {
		return errors.NewValidationError(fmt.Sprintf("service '%s' has unknown tier %q", reg.Name, reg.Tier))
	}
	if reg.Factory == nil {
		return errors.NewValidationError(fmt.Sprintf("service '%s' has no factory", reg.Name))
	}
	if _, exists := r.entries[reg.Name]; exists {
		return errors.NewValidationError(fmt.Sprintf("service '%s' is already registered", reg.Name))
	}
	for _, dep := range reg.Dependencies {
		if dep == reg.Name {
			return errors.NewValidationError(fmt.Sprintf("service '%s' depends on itself", reg.Name))
		}
		if dep == "" {
			return errors.NewValidationError(fmt.Sprintf("service '%s' declares an empty dependency name", reg.Name))
		}
	}

	reg.Dependencies = append([]ServiceName(nil), reg.Dependencies...)
	r.entries[reg.Name] = reg
	r.order = append(r.order, reg.Name)
	return nil
}

// Lookup returns the registration for a name.
func (r *Registry) Lookup(name ServiceName) (Registration, bool) {
	reg, ok := r.entries[name]
	return reg, ok
}

// Names returns all registered names in registration order.
func (r *Registry) Names() []ServiceName {
	return append([]ServiceName(nil), r.order...)
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	return len(r.entries)
}

// ExpendableFeatures returns the feature-tier names designated for
// second-phase pressure eviction, in registration order.
func (r *Registry) ExpendableFeatures() []ServiceName {
	var names []ServiceName
	for _, name := range r.order {
		reg := r.entries[name]
		if reg.Tier == TierFeature && reg.Expendable {
			names = append(names, name)
		}
	}
	return names
}
