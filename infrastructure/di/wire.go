//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"servicekit/infrastructure/config"
)

// SuperSet is the main provider set containing all providers
var SuperSet = wire.NewSet(
	ProvideLogger,
	ProvideRegistry,
	ProvidePrometheusRegistry,
	ProvideMetrics,
	ProvideContainer,
	ProvideCache,
	ProvideLoader,
	ProvideDispatcher,
	ProvideSubsystem,
)

// InitializeSubsystem creates a fully wired resolution subsystem
func InitializeSubsystem(cfg *config.Config, profile Profile) (*Subsystem, error) {
	wire.Build(SuperSet)
	return nil, nil // Wire will replace this
}
