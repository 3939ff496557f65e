package main

import (
	"fmt"
	"log"
	"net/http"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"streamgate/work/catalog"
	"streamgate/work/cleanup"
	"streamgate/work/client"
	"streamgate/work/config"
	"streamgate/work/failover"
	"streamgate/work/handlers"
	"streamgate/work/logger"
	"streamgate/work/manifest"
	"streamgate/work/segment"
	"streamgate/work/sessions"
	"streamgate/work/tokens"
)

var (
	Version = "v0.1.0" // default version
)

// our main app worker
func main() {

	// load our config
	cfg := config.LoadConfig()

	// set up logging
	if cfg.Debug {
		logger.SetLogLevel("DEBUG")
	}

	// open the channel catalog
	store, err := catalog.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open catalog: %v", err)
	}
	defer store.Close()

	// wall clock for the whole gateway
	clk := clock.New()

	// initialize the HTTP client
	httpClient := client.New(cfg)

	// build the streaming pipeline
	engine := failover.New(cfg, store, httpClient)
	registry := sessions.NewRegistry(store, clk)
	tokenManager := tokens.NewManager(cfg.TokenLifetime, clk)
	manifestCache := manifest.NewCache(cfg, engine, clk)
	segmentProxy := segment.New(cfg, httpClient, manifestCache, clk)

	// start the reclamation sweeps
	scheduler, err := cleanup.New(cfg, registry, tokenManager, manifestCache, clk)
	if err != nil {
		log.Fatalf("Failed to create cleanup scheduler: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// setup HTTP routes
	router := mux.NewRouter()

	// streaming routes
	gateway := handlers.New(cfg, store, registry, tokenManager, manifestCache, segmentProxy)
	gateway.Routes(router)

	// metrics handler
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// add the admin routes
	setupAdminRoutes(router, store, registry, tokenManager, manifestCache, engine, cfg)

	addr := fmt.Sprintf(":%d", cfg.ListenPort)

	// show info
	logger.Info("Starting StreamGate %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Base URL: %s", cfg.BaseURL)
	logger.Info("  - Catalog: %s (%d channels)", cfg.DatabasePath, store.ChannelCount())
	logger.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("  - Token Lifetime: %s", cfg.TokenLifetime)
	logger.Info("  - Heartbeat Timeout: %s", cfg.HeartbeatTimeout)
	logger.Info("  - Cleanup Interval: %s", cfg.CleanupInterval)
	logger.Info("  - Debug Enabled: %v", cfg.Debug)
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	// reload the catalog when it's requested to
	go func() {

		// start a loop
		for {
			<-reloadChan

			// debug logging
			if cfg.Debug {
				logger.Debug("{main} Catalog reload requested...")
			}

			if err := store.Reload(); err != nil {
				logger.Error("{main} Catalog reload failed: %v", err)
				continue
			}

			// debug logging
			if cfg.Debug {
				logger.Debug("{main} Catalog reload completed - %d channels", store.ChannelCount())
			}

		}

	}()

	// fire us up
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}

}
