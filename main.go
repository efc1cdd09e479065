package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"media-server/internal/cache"
	"media-server/internal/ffmpeg"
	"media-server/internal/handlers"
	"media-server/internal/ingest"
	"media-server/internal/jobstore"
	"media-server/internal/logging"
	"media-server/internal/middleware"
	"media-server/internal/pool"
	"media-server/internal/scanner"
	"media-server/internal/startup"
	"media-server/internal/workers"
)

const (
	requeueInterval   = 30 * time.Second
	gaugeInterval     = 15 * time.Second
	cleanupInterval   = 1 * time.Hour
	terminalRetention = 24 * time.Hour
)

func main() {
	startTime := time.Now()

	// Load configuration
	config, err := startup.LoadConfig()
	if err != nil {
		startup.LogFatal("Configuration error: %v", err)
	}

	// Initialize job store
	dbStart := time.Now()
	store, err := jobstore.New(context.Background(), config.DatabasePath)
	if err != nil {
		startup.LogFatal("Failed to initialize job store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Warn("Closing job store: %v", err)
		}
	}()
	startup.LogDatabaseInit(time.Since(dbStart))

	// Initialize rendition cache
	artifactCache, err := cache.New(config.CacheDir)
	if err != nil {
		startup.LogFatal("Failed to initialize rendition cache: %v", err)
	}

	// Initialize transcode pool
	slots := workers.ForTranscode(config.MaxConcurrentTranscodes)
	startup.LogTranscoderInit(slots)
	encoder := ffmpeg.NewEncoder()
	transcodePool := pool.New(store, artifactCache, encoder, pool.Config{
		Slots:           slots,
		LeaseTTL:        config.LeaseTimeout,
		SegmentDuration: config.SegmentDuration.Seconds(),
	})

	poolCtx, stopPool := context.WithCancel(context.Background())
	defer stopPool()
	if err := transcodePool.Start(poolCtx); err != nil {
		startup.LogFatal("Failed to start transcode pool: %v", err)
	}

	// Initialize ingester and library scanner
	ingester := ingest.New(store, artifactCache, encoder, config.Ladder, config.Compatibility)
	startup.LogScannerInit(config.ScanInterval)
	sc := scanner.New(store, ingester, config.MediaDir, config.ScanInterval)
	sc.Start()
	startup.LogScannerStarted()

	// Background maintenance: crash recovery, gauge refresh, terminal
	// job retention.
	maintCtx, stopMaint := context.WithCancel(context.Background())
	defer stopMaint()
	go runMaintenance(maintCtx, store, artifactCache)

	// Initialize handlers
	h := handlers.New(store, artifactCache, ingester, sc, config)

	router := mux.NewRouter()
	h.RegisterRoutes(router)

	// Log routes dynamically
	startup.LogHTTPRoutes(router, config.LogStaticFiles, config.LogHealthChecks)

	// Apply metrics middleware
	var handler http.Handler = router
	if config.MetricsEnabled {
		handler = middleware.Metrics(middleware.DefaultMetricsConfig())(handler)
	}

	// Apply logging middleware
	loggingConfig := middleware.DefaultLoggingConfig()
	loggingConfig.LogStaticFiles = config.LogStaticFiles
	loggingConfig.LogHealthChecks = config.LogHealthChecks
	handler = middleware.Logger(loggingConfig)(handler)

	// Apply compression middleware
	handler = middleware.Compression(middleware.DefaultCompressionConfig())(handler)

	// Create server. WriteTimeout stays 0 because segment responses
	// can legitimately block on the encoder; the streaming layer
	// enforces its own per-write deadline.
	srv := &http.Server{
		Addr:         ":" + config.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	var metricsSrv *http.Server
	if config.MetricsEnabled {
		metricsSrv = startMetricsServer(config.MetricsPort)
	}

	// Start graceful shutdown handler
	go handleShutdown(srv, metricsSrv, sc, transcodePool, stopPool, stopMaint)

	// Start server
	startup.LogServerStarted(startup.ServerConfig{
		Port:            config.Port,
		MetricsPort:     config.MetricsPort,
		MetricsEnabled:  config.MetricsEnabled,
		StartupDuration: time.Since(startTime),
	})
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		startup.LogFatal("Server error: %v", err)
	}
}

// startMetricsServer serves Prometheus metrics on a separate port so
// scrapes never compete with segment traffic.
func startMetricsServer(port string) *http.Server {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("Metrics server error: %v", err)
		}
	}()
	return srv
}

// runMaintenance runs the periodic store and cache housekeeping until
// ctx is cancelled.
func runMaintenance(ctx context.Context, store *jobstore.Store, artifactCache *cache.Cache) {
	requeue := time.NewTicker(requeueInterval)
	defer requeue.Stop()
	gauges := time.NewTicker(gaugeInterval)
	defer gauges.Stop()
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-requeue.C:
			if n, err := store.RequeueExpired(ctx); err != nil {
				logging.Warn("Requeue of expired leases failed: %v", err)
			} else if n > 0 {
				logging.Info("Requeued %d jobs with expired leases", n)
			}
		case <-gauges.C:
			store.UpdateDBMetrics()
			if _, err := store.CountsByState(ctx); err != nil {
				logging.Debug("Job gauge refresh failed: %v", err)
			}
			if _, err := artifactCache.Size(); err != nil {
				logging.Debug("Cache size refresh failed: %v", err)
			}
		case <-cleanup.C:
			if n, err := store.CleanupTerminal(ctx, terminalRetention); err != nil {
				logging.Warn("Terminal job cleanup failed: %v", err)
			} else if n > 0 {
				logging.Info("Removed %d terminal jobs older than %v", n, terminalRetention)
			}
		}
	}
}

func handleShutdown(srv, metricsSrv *http.Server, sc *scanner.Scanner, transcodePool *pool.Pool, stopPool, stopMaint context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	startup.LogShutdownInitiated(sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	startup.LogShutdownStep("Stopping library scanner")
	sc.Stop()
	startup.LogShutdownStepComplete("Library scanner stopped")

	startup.LogShutdownStep("Stopping maintenance tasks")
	stopMaint()
	startup.LogShutdownStepComplete("Maintenance tasks stopped")

	startup.LogShutdownStep("Draining transcode pool")
	stopPool()
	transcodePool.Stop()
	startup.LogShutdownStepComplete("Transcode pool drained")

	if metricsSrv != nil {
		startup.LogShutdownStep("Shutting down metrics server")
		if err := metricsSrv.Shutdown(ctx); err != nil {
			logging.Warn("Metrics server shutdown error: %v", err)
		} else {
			startup.LogShutdownStepComplete("Metrics server stopped")
		}
	}

	startup.LogShutdownStep("Shutting down HTTP server")
	if err := srv.Shutdown(ctx); err != nil {
		logging.Warn("Server shutdown error: %v", err)
	} else {
		startup.LogShutdownStepComplete("HTTP server stopped")
	}

	startup.LogShutdownComplete()
}
