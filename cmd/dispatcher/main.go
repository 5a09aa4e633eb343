// Package main is the entry point for the Dispatcher service (spec §1):
// the schedule-mode pullers, workspace stager, executor container pool,
// and handoff/callback-relay HTTP surface. The dispatcher never touches
// the persistent store directly; every control-plane interaction goes
// through internal/dp/cpclient.
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
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomrun/loomrun/internal/common/config"
	"github.com/loomrun/loomrun/internal/common/logger"
	"github.com/loomrun/loomrun/internal/common/metrics"
	"github.com/loomrun/loomrun/internal/common/tracing"
	dpapi "github.com/loomrun/loomrun/internal/dp/api"
	"github.com/loomrun/loomrun/internal/dp/configresolver"
	"github.com/loomrun/loomrun/internal/dp/container"
	"github.com/loomrun/loomrun/internal/dp/cpclient"
	"github.com/loomrun/loomrun/internal/dp/dispatch"
	"github.com/loomrun/loomrun/internal/dp/executor"
	"github.com/loomrun/loomrun/internal/dp/export"
	"github.com/loomrun/loomrun/internal/dp/puller"
	"github.com/loomrun/loomrun/internal/dp/stager"
	"github.com/loomrun/loomrun/internal/objectstore"
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

	log.Info("starting dispatcher")

	// 3. Context cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Tracing
	tracing.Init(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		ServiceName:  "dispatcher",
	})
	defer tracing.Shutdown(context.Background())

	// 5. Object store for skill assets, input attachments, and workspace
	// exports.
	objStore, err := objectstore.New(ctx, cfg.ObjectStore)
	if err != nil {
		log.Fatal("failed to connect to object store", zap.Error(err))
	}

	// 6. Docker-backed (or externally-managed) executor container pool.
	pool, err := container.New(cfg.Docker, log)
	if err != nil {
		log.Fatal("failed to initialize container pool", zap.Error(err))
	}
	defer pool.Close()

	// 7. Metrics registry
	reg := metrics.New("dispatcher")

	// 8. Control plane client and the business-logic packages built on it
	cp := cpclient.New(controlPlaneURL(), cfg.Auth.InternalToken, 30*time.Second)
	resolver := configresolver.New(cp)
	st := stager.New(cfg.Workspace.Root, objStore, nil) // git cloning wired by a RepoCloner once git2go/go-git is added
	handoff := executor.New(cp)
	exportJob := export.New(objStore, cp)
	registry := dispatch.NewWorkspaceRegistry()

	workerID := "dispatcher-" + uuid.NewString()[:8]
	pipeline := &dispatch.Pipeline{
		WorkerID:      workerID,
		CP:            cp,
		Resolver:      resolver,
		Stager:        st,
		Pool:          pool,
		Handoff:       handoff,
		Log:           log,
		CallbackURL:   cfg.Workspace.CallbackBaseURL,
		CallbackToken: cfg.Workspace.CallbackToken,
		Registry:      registry,
	}

	// 9. Start the schedule-mode pullers in the background.
	pullerSet := puller.NewSet(cfg.Queue, workerID, cp, pipeline, log, reg)
	go pullerSet.Run(ctx)

	// 10. Build the HTTP router (executor cancel + callback relay).
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := dpapi.NewRouter(dpapi.Deps{
		Pool:            pool,
		CP:              cp,
		Export:          exportJob,
		Metrics:         reg,
		Logger:          log,
		InternalToken:   cfg.Auth.InternalToken,
		WorkspaceLookup: registry.Lookup,
	})

	port := cfg.Server.Port
	if port == 0 {
		port = 8082
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 11. Start server
	go func() {
		log.Info("dispatcher HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("dispatcher HTTP server failed", zap.Error(err))
		}
	}()

	// 12. Wait for shutdown signal
	<-ctx.Done()
	log.Info("shutting down dispatcher")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("dispatcher HTTP server shutdown error", zap.Error(err))
	}

	log.Info("dispatcher stopped")
}

// controlPlaneURL is the dispatcher's address for the control plane.
// config.ServerConfig only carries the CP->DP direction (DispatcherURL);
// the reverse address is read directly from the environment rather than
// adding a second *_URL field whose only consumer is this process.
func controlPlaneURL() string {
	if v := os.Getenv("CONTROLPLANE_URL"); v != "" {
		return v
	}
	return "http://localhost:8080"
}
