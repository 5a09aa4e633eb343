// Package main is the entry point for the Control Plane service (spec
// §1): request/response session, task, run-queue, callback, and catalog
// HTTP surfaces over the persistent store, with no direct executor or
// Docker access.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loomrun/loomrun/internal/common/config"
	"github.com/loomrun/loomrun/internal/common/logger"
	"github.com/loomrun/loomrun/internal/common/metrics"
	"github.com/loomrun/loomrun/internal/common/tracing"
	"github.com/loomrun/loomrun/internal/cp/api"
	"github.com/loomrun/loomrun/internal/cp/callback"
	"github.com/loomrun/loomrun/internal/cp/cancel"
	"github.com/loomrun/loomrun/internal/cp/catalog"
	"github.com/loomrun/loomrun/internal/cp/dpclient"
	"github.com/loomrun/loomrun/internal/cp/queue"
	"github.com/loomrun/loomrun/internal/cp/scheduledtask"
	"github.com/loomrun/loomrun/internal/store/sqlitestore"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting control plane")

	// 3. Context cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Tracing
	tracing.Init(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		ServiceName:  "controlplane",
	})
	defer tracing.Shutdown(context.Background())

	// 5. Open the store. sqlitestore is the only store.Store
	// implementation today; a pgxpool-backed store using SELECT ... FOR
	// UPDATE SKIP LOCKED for queue.Claim remains future work (see
	// DESIGN.md).
	st, err := sqlitestore.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()
	log.Info("store opened", zap.String("path", cfg.Database.Path))

	// 6. Metrics registry
	reg := metrics.New("controlplane")

	// 7. Wire services
	queueSvc := queue.New(st)
	dpNotifier := dpclient.New(cfg.Server.DispatcherURL, cfg.Auth.InternalToken, 5*time.Second)
	cancelCoord := cancel.New(st, dpNotifier)
	catalogSvc := catalog.New(st)
	resolver := catalog.NewResolver(catalogSvc)
	scheduledTaskSvc := scheduledtask.New(st, queueSvc)
	callbackProc := callback.New(st, scheduledTaskSvc)

	// 9. Build the HTTP router
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Deps{
		Store:         st,
		Queue:         queueSvc,
		Callback:      callbackProc,
		Cancel:        cancelCoord,
		Catalog:       catalogSvc,
		Resolver:      resolver,
		ScheduledTask: scheduledTaskSvc,
		Metrics:       reg,
		Logger:        log,
		InternalToken: cfg.Auth.InternalToken,
		QueueConfig:   cfg.Queue,
	})

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 10. Start server
	go func() {
		log.Info("control plane HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("control plane HTTP server failed", zap.Error(err))
		}
	}()

	// 11. Wait for shutdown signal
	<-ctx.Done()
	log.Info("shutting down control plane")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("control plane HTTP server shutdown error", zap.Error(err))
	}

	log.Info("control plane stopped")
}
