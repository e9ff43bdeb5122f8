// Command resolverd runs the resolution subsystem standalone with a sample
// service set, the diagnostics HTTP surface, and the two host signals exposed
// under /admin for manual testing.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"servicekit/application/prediction"
	"servicekit/domain/registry"
	"servicekit/infrastructure/config"
	"servicekit/infrastructure/di"
	"servicekit/interfaces/http/rest"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	subsystem, err := di.InitializeSubsystem(cfg, sampleProfile())
	if err != nil {
		log.Fatalf("Failed to initialize subsystem: %v", err)
	}

	if err := registerSampleServices(subsystem); err != nil {
		log.Fatalf("Failed to register services: %v", err)
	}

	// Warm the critical closure up front so the first real request never
	// pays construction latency for authentication or audit.
	subsystem.Cache.Warm(ctx, []registry.ServiceName{svcAuthentication, svcAudit})

	router := rest.NewRouter(
		cfg,
		subsystem.Container,
		subsystem.Cache,
		subsystem.Loader,
		subsystem.Dispatcher,
		subsystem.Prometheus,
		subsystem.Logger,
	)
	handler := router.Setup()

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		subsystem.Logger.Info("Starting diagnostics server",
			zap.String("address", cfg.ServerAddress),
			zap.String("environment", cfg.Environment),
		)

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			subsystem.Logger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	subsystem.Logger.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		subsystem.Logger.Error("Server shutdown error", zap.Error(err))
	}

	if err := subsystem.Logger.Sync(); err != nil {
		log.Printf("Failed to sync logger: %v", err)
	}

	log.Println("Stopped")
}

// Sample service set: two critical services every session needs, a feature
// layer of repositories, and background reporting/export services that are
// the first to go under memory pressure.
const (
	svcAuthentication      registry.ServiceName = "authentication"
	svcAudit               registry.ServiceName = "audit"
	svcCustomerRepository  registry.ServiceName = "customer-repository"
	svcOrderRepository     registry.ServiceName = "order-repository"
	svcInventoryRepository registry.ServiceName = "inventory-repository"
	svcReportBuilder       registry.ServiceName = "report-builder"
	svcExportService       registry.ServiceName = "export-service"
	svcUsageAnalytics      registry.ServiceName = "usage-analytics"
)

type stubService struct {
	name registry.ServiceName
	deps registry.Deps
}

func stubFactory(name registry.ServiceName) registry.Factory {
	return func(ctx context.Context, deps registry.Deps) (interface{}, error) {
		return &stubService{name: name, deps: deps}, nil
	}
}

func registerSampleServices(s *di.Subsystem) error {
	registrations := []registry.Registration{
		{Name: svcAuthentication, Tier: registry.TierCritical, Factory: stubFactory(svcAuthentication)},
		{Name: svcAudit, Tier: registry.TierCritical,
			Dependencies: []registry.ServiceName{svcAuthentication}, Factory: stubFactory(svcAudit)},
		{Name: svcCustomerRepository, Tier: registry.TierFeature,
			Dependencies: []registry.ServiceName{svcAuthentication}, Factory: stubFactory(svcCustomerRepository)},
		{Name: svcOrderRepository, Tier: registry.TierFeature,
			Dependencies: []registry.ServiceName{svcCustomerRepository}, Factory: stubFactory(svcOrderRepository)},
		{Name: svcInventoryRepository, Tier: registry.TierFeature, Expendable: true,
			Dependencies: []registry.ServiceName{svcAuthentication}, Factory: stubFactory(svcInventoryRepository)},
		{Name: svcReportBuilder, Tier: registry.TierBackground,
			Dependencies: []registry.ServiceName{svcOrderRepository}, Factory: stubFactory(svcReportBuilder)},
		{Name: svcExportService, Tier: registry.TierBackground,
			Dependencies: []registry.ServiceName{svcReportBuilder}, Factory: stubFactory(svcExportService)},
		{Name: svcUsageAnalytics, Tier: registry.TierBackground, Factory: stubFactory(svcUsageAnalytics)},
	}
	for _, reg := range registrations {
		if err := s.Register(reg); err != nil {
			return err
		}
	}
	return nil
}

func sampleProfile() di.Profile {
	return di.Profile{
		Seeds: map[prediction.Role]map[registry.ServiceName]float64{
			"administrator": {
				svcAuthentication: 0.9,
				svcAudit:          0.8,
				svcUsageAnalytics: 0.6,
			},
			"salesperson": {
				svcAuthentication:     0.9,
				svcCustomerRepository: 0.8,
				svcOrderRepository:    0.7,
			},
			"warehousekeeper": {
				svcAuthentication:      0.9,
				svcInventoryRepository: 0.8,
			},
		},
		TemporalRules: []prediction.TemporalRule{
			// Reporting traffic clusters around end of business day.
			{Services: []registry.ServiceName{svcReportBuilder, svcExportService}, StartHour: 16, EndHour: 19},
			// Order entry dominates working hours on weekdays.
			{Services: []registry.ServiceName{svcOrderRepository}, StartHour: 8, EndHour: 18,
				Weekdays: []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}},
		},
		Contexts: map[prediction.ContextTag][]registry.ServiceName{
			prediction.ContextStartup: {svcAuthentication, svcAudit},
			"order-entry":             {svcOrderRepository, svcCustomerRepository},
			"reporting":               {svcReportBuilder, svcExportService},
		},
	}
}
