package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sixgate/pkg/config"
	sgdns "sixgate/pkg/dns"
	"sixgate/pkg/filter"
	"sixgate/pkg/forwarder"
	"sixgate/pkg/geoip"
	"sixgate/pkg/hosts"
	"sixgate/pkg/logging"
	"sixgate/pkg/pipeline"
	"sixgate/pkg/policy"
	"sixgate/pkg/probe"
	"sixgate/pkg/rules"
	"sixgate/pkg/storage"
	"sixgate/pkg/telemetry"
)

var (
	configPath = flag.String("config", "config.yml", "Path to configuration file")
	privileged = flag.Bool("privileged-icmp", false, "Use raw ICMP sockets for reachability probes")
	version    = "dev"
	buildTime  = "unknown"
)

func main() {
	flag.Parse()

	watcher, err := config.NewWatcher(*configPath, logging.Global().Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg := watcher.Config()

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	logger.Info("sixgate starting",
		"version", version,
		"build_time", buildTime,
	)

	ctx := context.Background()
	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	metrics, err := telem.InitMetrics()
	if err != nil {
		logger.Error("Failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	// GeoIP is optional; rules with country filters refuse to load
	// without it at config validation time.
	var geo geoip.Lookup
	if cfg.GeoIP.MMDBPath != "" {
		db, err := geoip.Open(cfg.GeoIP.MMDBPath)
		if err != nil {
			logger.Error("Failed to open GeoIP database", "path", cfg.GeoIP.MMDBPath, "error", err)
			os.Exit(1)
		}
		defer db.Close()
		geo = db
		logger.Info("GeoIP database loaded", "path", cfg.GeoIP.MMDBPath)
	}

	store, err := rules.NewStore(cfg.Rules)
	if err != nil {
		logger.Error("Failed to compile rules", "error", err)
		os.Exit(1)
	}
	logger.Info("Rules compiled", "count", store.Count())

	engine := policy.NewEngine(store, cfg.UpstreamDNSServers)
	prober := probe.NewICMPProber(cfg.ProbeTimeout, *privileged)
	fwd := forwarder.New(cfg.UpstreamTimeout, logger)
	flt := filter.New(geo, prober, logger,
		filter.WithUnknownCountryAllowed(cfg.Policy.UnknownCountry == "allow"),
		filter.WithIndeterminateProbeAllowed(cfg.Policy.IndeterminateProbe == "allow"),
	)
	pipe := pipeline.New(engine, fwd, flt, cfg.UpstreamTimeout, cfg.ProbeTimeout, metrics, logger)

	handler := sgdns.NewHandler(pipe, logger)
	handler.SetMetrics(metrics)

	hostsTable, err := hosts.NewTable(&cfg.Hosts)
	if err != nil {
		logger.Error("Failed to load hosts", "error", err)
		os.Exit(1)
	}
	handler.SetHosts(hostsTable)
	if !hostsTable.IsEmpty() {
		logger.Info("Hosts overrides loaded", "names", hostsTable.Count())
	}

	if cfg.Storage.Enabled {
		store, err := storage.NewSQLiteStorage(&cfg.Storage, metrics)
		if err != nil {
			logger.Error("Failed to open query log storage", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		handler.SetStorage(store)
		logger.Info("Query log storage enabled", "path", cfg.Storage.DatabasePath)
	}

	// Reloads rebuild the rule and hosts snapshots and swap them in
	// wholesale; in-flight queries keep the snapshot they started with.
	watcher.OnChange(func(newCfg *config.Config) {
		newStore, err := rules.NewStore(newCfg.Rules)
		if err != nil {
			logger.Error("Reload kept previous rules", "error", err)
			return
		}
		newHosts, err := hosts.NewTable(&newCfg.Hosts)
		if err != nil {
			logger.Error("Reload kept previous hosts", "error", err)
			return
		}
		engine.Swap(newStore, newCfg.UpstreamDNSServers)
		handler.SetHosts(newHosts)
		logger.Info("Rules reloaded", "count", newStore.Count())
	})

	server := sgdns.NewServer(&cfg.Server, handler, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	errChan := make(chan error, 2)
	go func() {
		if err := server.Start(serverCtx); err != nil {
			errChan <- err
		}
	}()
	go func() {
		if err := watcher.Start(serverCtx); err != nil {
			logger.Error("Config watcher stopped", "error", err)
		}
	}()

	logger.Info("sixgate is running",
		"address", cfg.Server.ListenAddress,
		"upstreams", cfg.UpstreamDNSServers,
	)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig.String())
		serverCancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during server shutdown", "error", err)
		}
		if err := telem.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during telemetry shutdown", "error", err)
		}

		logger.Info("sixgate stopped")

	case err := <-errChan:
		logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}
