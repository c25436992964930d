// Command fleetd runs the test-infrastructure fleet control plane: the
// registry, health engine, selectors, build queue, artifact index,
// deployment orchestrator, pipeline engine, resource groups, and alerting,
// all behind a single HTTP boundary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/labfleet/controlplane/internal/alerts"
	"github.com/labfleet/controlplane/internal/artifacts"
	"github.com/labfleet/controlplane/internal/buildqueue"
	"github.com/labfleet/controlplane/internal/config"
	"github.com/labfleet/controlplane/internal/deployment"
	"github.com/labfleet/controlplane/internal/groups"
	"github.com/labfleet/controlplane/internal/health"
	"github.com/labfleet/controlplane/internal/httpapi"
	"github.com/labfleet/controlplane/internal/logging"
	"github.com/labfleet/controlplane/internal/metrics"
	"github.com/labfleet/controlplane/internal/pipeline"
	"github.com/labfleet/controlplane/internal/registry"
	"github.com/labfleet/controlplane/internal/secretenc"
	"github.com/labfleet/controlplane/internal/selector"
	"github.com/labfleet/controlplane/internal/stagehandlers"
	"github.com/labfleet/controlplane/internal/transport"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to config or :8080)")
	configPath := flag.String("config", "", "path to a YAML configuration file")
	stateDir := flag.String("state-dir", "", "state directory for JSON asset persistence (overrides config)")
	transportMode := flag.String("transport", "mock", "adapter backend: mock or local (local only affects the build-server shell adapter)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if trimmed := strings.TrimSpace(*stateDir); trimmed != "" {
		cfg.StateDir = trimmed
	}

	logger := logging.New("fleetd", cfg.Logging.Level, cfg.Logging.Format)

	persister, err := registry.NewFileStore(cfg.StateDir)
	if err != nil {
		log.Fatalf("open state dir %s: %v", cfg.StateDir, err)
	}
	reg := registry.New(logger, persister)

	keyring, err := secretenc.NewKeyring(cfg.SecretEnc.MasterKeyBase64)
	if err != nil {
		logger.WithError(err).Warn("credential-ref sealing disabled: invalid master key")
		keyring = nil
	}

	adapters := resolveAdapters(*transportMode, logger)

	met := metrics.New()

	dashboard := alerts.NewDashboardChannel(256)
	alertSvc := alerts.New(cfg, []alerts.Channel{dashboard}, logger)
	alertSvc.SetMetrics(met)

	healthEngine := health.New(reg, adapters, cfg, alertSvc, logger)
	healthEngine.SetMetrics(met)

	selectors := httpapi.Selectors{
		BuildServer: selector.NewBuildServerSelector(reg, cfg),
		VirtHost:    selector.NewVirtHostSelector(reg, cfg),
		Board:       selector.NewBoardSelector(reg, cfg),
	}

	artifactStore := artifacts.New(cfg, logger)

	buildSvc := buildqueue.New(reg, selectors.BuildServer, adapters, artifactStore, cfg, logger)
	buildSvc.SetMetrics(met)

	deploySvc := deployment.New(reg, adapters, artifactStore, cfg, logger)
	deploySvc.SetMetrics(met)

	pipelineSvc := pipeline.New(cfg, logger)
	pipelineSvc.SetMetrics(met)
	stagehandlers.New(reg, buildSvc, deploySvc, adapters, logger).RegisterAll(pipelineSvc)

	groupSvc := groups.New(reg, cfg, logger)
	groupSvc.SetMetrics(met)

	deps := httpapi.Dependencies{
		Registry:   reg,
		Selectors:  selectors,
		Health:     healthEngine,
		Alerts:     alertSvc,
		BuildQueue: buildSvc,
		Artifacts:  artifactStore,
		Deployment: deploySvc,
		Pipeline:   pipelineSvc,
		Groups:     groupSvc,
		Adapters:   adapters,
		Keyring:    keyring,
		Logger:     logger,
	}

	router := httpapi.NewRouter(deps, dashboard)
	listenAddr := determineAddr(*addr, cfg)
	httpSvc := httpapi.NewService(listenAddr, router, logger)

	ctx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	go healthEngine.Run(ctx)
	go buildSvc.Run(ctx)
	go groupSvc.Run(ctx)
	scheduler := startScheduler(ctx, cfg, artifactStore, selectors, logger)

	if err := httpSvc.Start(ctx); err != nil {
		log.Fatalf("start http service: %v", err)
	}
	logger.WithFields(map[string]interface{}{"addr": listenAddr}).Info("fleetd listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	stopWorkers()
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSvc.Stop(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return config.LoadFile(trimmed)
	}
	return config.Load()
}

func determineAddr(flagAddr string, cfg *config.Config) string {
	if trimmed := strings.TrimSpace(flagAddr); trimmed != "" {
		return trimmed
	}
	host := strings.TrimSpace(cfg.Server.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// resolveAdapters picks the transport backend. "local" only swaps in a
// gopsutil-backed shell adapter for build-server metrics collection;
// virt/serial/power/flash have no local-hardware equivalent in this
// deployment and always use the deterministic mock.
func resolveAdapters(mode string, logger *logging.Logger) transport.Adapters {
	a := transport.NewMockAdapters()
	if strings.EqualFold(mode, "local") {
		a.Shell = transport.NewLocalShell(logger)
	}
	return a
}

// startScheduler runs the periodic sweeps that do not already own a
// ticker loop: artifact retention and the three selectors' stale-
// reservation reapers.
func startScheduler(ctx context.Context, cfg *config.Config, store *artifacts.Store, sel httpapi.Selectors, logger *logging.Logger) *cron.Cron {
	c := cron.New()
	_, _ = c.AddFunc("@daily", func() {
		report := store.RunRetention(cfg, time.Now())
		logger.WithFields(map[string]interface{}{
			"builds_deleted":    report.BuildsDeleted,
			"artifacts_deleted": report.ArtifactsDeleted,
			"bytes_freed":       report.BytesFreed,
		}).Info("artifact retention sweep complete")
	})

	reaperInterval := time.Duration(cfg.Selector.ReaperIntervalSeconds) * time.Second
	if reaperInterval <= 0 {
		reaperInterval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(reaperInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now()
				sel.BuildServer.ReapExpired(now)
				sel.VirtHost.ReapExpired(now)
				sel.Board.ReapExpired(now)
			}
		}
	}()

	c.Start()
	return c
}
