package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/imyashkale/mcphost/internal/catalog"
	"github.com/imyashkale/mcphost/internal/config"
	"github.com/imyashkale/mcphost/internal/credentials"
	"github.com/imyashkale/mcphost/internal/database"
	"github.com/imyashkale/mcphost/internal/handlers"
	"github.com/imyashkale/mcphost/internal/lifecycle"
	"github.com/imyashkale/mcphost/internal/logger"
	"github.com/imyashkale/mcphost/internal/middleware"
	"github.com/imyashkale/mcphost/internal/ports"
	"github.com/imyashkale/mcphost/internal/process"
	"github.com/imyashkale/mcphost/internal/queue"
	"github.com/imyashkale/mcphost/internal/repository"
	"github.com/imyashkale/mcphost/internal/router"
	"golang.org/x/sync/errgroup"
)

const (
	cleanupQueueSize = 100
	shutdownTimeout  = 20 * time.Second
)

// stores bundles the backend chosen by STORE_DRIVER
type stores struct {
	instances repository.InstanceStore
	types     repository.MCPTypeStore
	close     func() error
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	switch cfg.StoreDriver {
	case config.DriverDynamoDB:
		dbConfig := database.NewConfig(cfg)
		logger.WithFields(map[string]interface{}{
			"instances_table": dbConfig.InstancesTable,
			"types_table":     dbConfig.TypesTable,
			"region":          dbConfig.Region,
		}).Info("Initializing DynamoDB client")

		client, err := database.NewClient(ctx, dbConfig)
		if err != nil {
			return nil, err
		}
		return &stores{
			instances: database.NewDynamoInstanceStore(client.DynamoDB, dbConfig.InstancesTable, cfg.MaxInstancesPerType),
			types:     database.NewDynamoMCPTypeStore(client.DynamoDB, dbConfig.TypesTable),
			close:     func() error { return nil },
		}, nil
	default:
		logger.WithField("path", cfg.SQLitePath).Info("Opening SQLite store")
		store, err := database.NewSQLiteStore(cfg.SQLitePath, cfg.MaxInstancesPerType)
		if err != nil {
			return nil, err
		}
		return &stores{instances: store, types: store, close: store.Close}, nil
	}
}

func main() {
	// Load application configuration
	cfg := config.New()
	logger.Init(cfg.GetLogLevel())
	logger.Info("Configuration loaded successfully")

	if cfg.GetLogLevel() != "DEBUG" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg)
	if err != nil {
		logger.Fatalf("Failed to initialize store: %v", err)
	}
	defer func() {
		if err := st.close(); err != nil {
			logger.WithError(err).Warn("Failed to close store")
		}
	}()

	// Initialize repositories
	instanceRepo := repository.NewInstanceRepository(st.instances, cfg.MaxInstancesPerType)
	typeRepo := repository.NewMCPTypeRepository(st.types)

	types, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		logger.Fatalf("Failed to load catalog: %v", err)
	}
	if err := typeRepo.Seed(ctx, types); err != nil {
		logger.Fatalf("Failed to seed catalog: %v", err)
	}
	logger.WithField("types", len(types)).Info("Catalog seeded")

	// Port pool, rebuilt from the store of record
	alloc, err := ports.New(cfg.PortRangeStart, cfg.PortRangeEnd, instanceRepo)
	if err != nil {
		logger.Fatalf("Failed to create port allocator: %v", err)
	}
	if err := alloc.Initialize(ctx); err != nil {
		logger.Fatalf("Failed to initialize port allocator: %v", err)
	}
	logger.WithFields(map[string]interface{}{
		"size":      cfg.PortRangeSize(),
		"available": alloc.Range().Available,
	}).Info("Port pool ready")

	procs := process.NewManager(process.Options{
		Command:      process.BinaryCommand(cfg.InstanceBinary),
		GracePeriod:  cfg.ProcessGracePeriod,
		ReadyTimeout: cfg.ProcessReadyTimeout,
	})

	// Vendor credentials: the broker is tried first, then the vendor's token endpoint
	httpClient := &http.Client{Timeout: 15 * time.Second}
	credCache := credentials.NewCache()
	resolver := credentials.NewResolver(credCache, instanceRepo, typeRepo, cfg.CredentialCacheSkew,
		credentials.NewBrokerStrategy(cfg.OAuthBrokerURL, cfg.OAuthBrokerRPS, httpClient),
		credentials.NewDirectStrategy(httpClient),
	)

	orch := lifecycle.New(instanceRepo, typeRepo, alloc, procs, credCache, lifecycle.Options{
		CreateTimeout: cfg.CreateTimeout,
		DeleteTimeout: cfg.DeleteTimeout,
		ProbePort:     ports.ProbeBindable,
	})

	report, err := orch.Reconcile(ctx)
	if err != nil {
		logger.WithError(err).Error("Startup reconciliation failed")
	} else {
		logger.WithFields(map[string]interface{}{
			"restarted": report.Restarted,
			"expired":   report.Expired,
			"failed":    report.Failed,
			"skipped":   report.Skipped,
		}).Info("Startup reconciliation complete")
	}

	// Unrequested process exits are cleaned up by the worker pool
	cleanupQueue := queue.NewJobQueue(cleanupQueueSize)
	workerPool := queue.NewWorkerPool(cleanupQueue, cfg.CleanupWorkers)
	workerPool.Start(func(ctx context.Context, job *queue.CleanupJob) error {
		return orch.HandleExit(ctx, job.ExitEvent())
	})
	logger.WithField("workers", cfg.CleanupWorkers).Info("Cleanup workers started")

	userAuth := middleware.Authentication()
	if cfg.Auth0Enabled() {
		userAuth = middleware.AuthenticationWithAuth0(middleware.NewAuth0Config(cfg.Auth0Domain, cfg.Auth0Audience))
		logger.WithField("domain", cfg.Auth0Domain).Info("Auth0 token verification enabled")
	} else {
		logger.Warn("AUTH0_DOMAIN not set, user tokens are not verified")
	}

	r := router.Setup(router.Handlers{
		Health:       handlers.NewHealthHandler(alloc, procs),
		Instances:    handlers.NewInstanceHandler(orch, instanceRepo, procs),
		Types:        handlers.NewMCPTypeHandler(typeRepo),
		Admin:        handlers.NewAdminHandler(alloc, procs),
		Proxy:        handlers.NewProxyHandler(),
		UserAuth:     userAuth,
		InstanceAuth: middleware.InstanceAuth(instanceRepo, resolver),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.GetPort(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cleanupQueue.Pump(gctx, procs.Exits())
		return nil
	})
	g.Go(func() error {
		logger.Infof("Starting server on :%s", cfg.GetPort())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("HTTP server shutdown incomplete")
		}

		stopped := orch.Shutdown(shutdownCtx)
		logger.WithField("stopped", stopped).Info("Instance processes stopped")

		// Close job queue to stop accepting new jobs
		cleanupQueue.Close()
		workerPool.Wait()
		logger.Info("All workers stopped")
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Server exited with error")
		os.Exit(1)
	}
}
