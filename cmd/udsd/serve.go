package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/VirtualCable/openuds-sub007/internal/cacheupdater"
	"github.com/VirtualCable/openuds-sub007/internal/dbstore"
	"github.com/VirtualCable/openuds-sub007/internal/deferreddeletion"
	"github.com/VirtualCable/openuds-sub007/internal/engine"
	"github.com/VirtualCable/openuds-sub007/internal/events"
	"github.com/VirtualCable/openuds-sub007/internal/log"
	"github.com/VirtualCable/openuds-sub007/internal/metrics"
	"github.com/VirtualCable/openuds-sub007/internal/osmanager"
	"github.com/VirtualCable/openuds-sub007/internal/osmanager/testosmanager"
	"github.com/VirtualCable/openuds-sub007/internal/provider"
	"github.com/VirtualCable/openuds-sub007/internal/provider/testprovider"
	"github.com/VirtualCable/openuds-sub007/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the udsd daemon",
	Long: `Starts the scheduler's executor pool (cache updater, deferred deletion,
and any other registered job), plus a /metrics, /health, /ready and /live
HTTP server, and blocks until interrupted.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("udsd")

	store, err := dbstore.Open(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("serve: open store: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := store.Now(ctx); err != nil {
		return fmt.Errorf("serve: database not reachable: %w", err)
	}
	metrics.RegisterComponent("database", true, "connected")

	hostName := cfg.Server.HostName
	if hostName == "" {
		hostName, err = os.Hostname()
		if err != nil {
			hostName = "udsd"
		}
	}
	log.WithHostName(hostName).Info().Msg("claiming scheduler and deferred-deletion ownership under this host name")

	providers := provider.NewRegistry()
	providers.Register(testprovider.TypeName, testprovider.New)

	osManagers := osmanager.NewRegistry()
	osManagers.Register(testosmanager.TypeName, testosmanager.New)

	broker := events.NewBroker()
	eng := engine.New(store, providers, osManagers, broker, hostName)

	registry := scheduler.NewRegistry()
	registry.Register(cacheupdater.New())
	registry.Register(deferreddeletion.New())

	sched := scheduler.New(eng, registry, cfg.Core.SchedulerThreads)
	if err := sched.EnsureRegistered(ctx); err != nil {
		return fmt.Errorf("serve: register scheduled jobs: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("serve: start scheduler: %w", err)
	}
	metrics.RegisterComponent("scheduler", true, fmt.Sprintf("%d executors", cfg.Core.SchedulerThreads))
	logger.Info().Str("host", hostName).Int("executors", cfg.Core.SchedulerThreads).Msg("scheduler started")

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	httpServer := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()
	logger.Info().Str("addr", cfg.Server.MetricsAddr).Msg("metrics endpoint listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("metrics server failed")
	}

	sched.Stop()
	cancel()
	_ = httpServer.Close()
	logger.Info().Msg("shutdown complete")
	return nil
}
