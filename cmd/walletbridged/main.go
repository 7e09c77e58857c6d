// Package main provides walletbridged, the daemon serving wallet operations
// over JSON-RPC.
package main

import (
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/klingon-exchange/walletbridge/internal/bridge"
	"github.com/klingon-exchange/walletbridge/internal/config"
	"github.com/klingon-exchange/walletbridge/internal/metrics"
	"github.com/klingon-exchange/walletbridge/internal/rpc"
	"github.com/klingon-exchange/walletbridge/internal/storage"
	"github.com/klingon-exchange/walletbridge/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", config.DefaultDataDir, "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		apiAddr     = flag.String("api", "", "JSON-RPC API address, overrides config")
		network     = flag.String("network", "", "Default network (bitcoin, testnet, signet, regtest), overrides config")
		electrumURL = flag.String("electrum", "", "Default Electrum server URL, overrides config")
		dbKind      = flag.String("db", "", "Default wallet database (memory, kv, sqlite), overrides config")
		dbPath      = flag.String("db-path", "", "Default wallet database path, overrides config")
		noMetrics   = flag.Bool("no-metrics", false, "Disable GET /metrics")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("walletbridged %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	configDir := *dataDir
	if *configFile != "" {
		configDir = filepath.Dir(*configFile)
	}
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file.
	if *apiAddr != "" {
		cfg.API.Listen = *apiAddr
	}
	if *network != "" {
		cfg.Defaults.Network = *network
	}
	if *electrumURL != "" {
		cfg.Defaults.Electrum.URL = *electrumURL
	}
	if *dbKind != "" {
		cfg.Defaults.Database.Kind = storage.Kind(*dbKind)
	}
	if *dbPath != "" {
		cfg.Defaults.Database.Path = *dbPath
	}
	if *noMetrics {
		cfg.API.Metrics = false
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	cfg.Storage.DataDir = *dataDir

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", "error", err)
	}

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	log.Info("Config loaded", "path", config.ConfigPath(configDir))

	svc, err := bridge.New(cfg.BridgeConfig())
	if err != nil {
		log.Fatal("Failed to initialize bridge", "error", err)
	}

	var m *metrics.Metrics
	if cfg.API.Metrics {
		m = metrics.New(svc)
		svc.SetMetrics(m)
	}

	rpcServer := rpc.NewServer(svc, m)
	svc.SetEvents(rpcServer.WSHub())
	if err := rpcServer.Start(cfg.API.Listen); err != nil {
		log.Fatal("Failed to start RPC server", "error", err)
	}

	printBanner(log, cfg, rpcServer.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down...")

	if err := rpcServer.Stop(); err != nil {
		log.Error("Error stopping RPC server", "error", err)
	}
	if err := svc.Close(); err != nil {
		log.Error("Error closing wallets", "error", err)
	}

	log.Info("Goodbye!")
}

func printBanner(log *logging.Logger, cfg *config.Config, apiAddr string) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  walletbridged (%s)", cfg.Defaults.Network)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  API: http://%s", apiAddr)
	log.Infof("  WS:  ws://%s/ws", apiAddr)
	if cfg.API.Metrics {
		log.Infof("  Metrics: http://%s/metrics", apiAddr)
	}
	log.Info("")
	log.Infof("  Default electrum: %s", cfg.Defaults.Electrum.URL)
	log.Infof("  Default database: %s", cfg.Defaults.Database.Kind)
	log.Infof("  Data dir: %s", cfg.Storage.DataDir)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
