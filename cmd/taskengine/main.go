// Package main is the entry point for the taskengine service: the task
// orchestrator, the per-project session store, the node-lifecycle manager,
// and the stuck-task sweeper, wired together behind one HTTP listener.
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
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/flywheel-dev/taskengine/internal/agentline"
	"github.com/flywheel-dev/taskengine/internal/cms"
	"github.com/flywheel-dev/taskengine/internal/common/config"
	"github.com/flywheel-dev/taskengine/internal/common/logger"
	"github.com/flywheel-dev/taskengine/internal/common/obsstore"
	"github.com/flywheel-dev/taskengine/internal/common/tracing"
	"github.com/flywheel-dev/taskengine/internal/db"
	"github.com/flywheel-dev/taskengine/internal/events/bus"
	"github.com/flywheel-dev/taskengine/internal/httpapi"
	"github.com/flywheel-dev/taskengine/internal/nlm"
	"github.com/flywheel-dev/taskengine/internal/orchestrator"
	"github.com/flywheel-dev/taskengine/internal/provider"
	"github.com/flywheel-dev/taskengine/internal/pss"
	"github.com/flywheel-dev/taskengine/internal/sweeper"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig(cfg.Logging))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting taskengine")

	// 3. Root context, cancelled on shutdown signal
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect to the CMS's PostgreSQL database
	sqlDB, err := db.OpenPostgres(cfg.CMS.DSN(), cfg.CMS.MaxConns, cfg.CMS.MinConns)
	if err != nil {
		log.Fatal("failed to connect to CMS database", zap.Error(err))
	}
	defer sqlDB.Close()
	sqlxDB := sqlx.NewDb(sqlDB, "pgx")
	cmsPool := db.NewPool(sqlxDB, sqlxDB)
	log.Info("connected to CMS database")

	cmsRepo, err := cms.NewPostgresRepository(cmsPool)
	if err != nil {
		log.Fatal("failed to initialize CMS repository", zap.Error(err))
	}

	obsStore, err := obsstore.NewStore(cmsPool)
	if err != nil {
		log.Fatal("failed to initialize observability store", zap.Error(err))
	}

	orchStore, err := orchestrator.NewStateStore(cmsPool)
	if err != nil {
		log.Fatal("failed to initialize orchestrator state store", zap.Error(err))
	}

	// 5. Connect the event bus. A production deployment points events.natsUrl
	// (env TASKENGINE_EVENTS_NATSURL) at a real cluster; leaving it empty
	// keeps every event in-process, which is
	// enough for a single-node deployment or for local development.
	var eventBus bus.EventBus
	if cfg.Events.NATSURL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.Events, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsBus.Close()
		eventBus = natsBus
		log.Info("connected to NATS event bus", zap.String("url", cfg.Events.NATSURL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("using in-process event bus (events.natsUrl not configured)")
	}

	// 6. Initialize tracing. Tracer() and Shutdown() no-op when
	// OTEL_EXPORTER_OTLP_ENDPOINT isn't set, so this is safe to call
	// unconditionally.
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracing shutdown error", zap.Error(err))
		}
	}()

	// 7. Node-lifecycle manager and its background reaper
	nlmMgr := nlm.NewManager(cmsRepo, log)
	reaper := nlm.NewReaper(cmsRepo, nlmMgr, cfg.NLM, log)
	go reaper.Run(ctx)
	defer reaper.Stop()

	// 8. Cloud-provider REST client and node-agent line-protocol client
	providerClient := provider.NewClient(cfg.Provider, log)
	agentLineClient := agentline.NewClient(cfg.AgentLine, log)

	// 9. Per-project session store manager
	pssMgr := pss.NewManager(cfg.PSS.BasePath, cmsRepo, eventBus, cfg.PSS, log)

	// 10. Task orchestrator registry
	registry := orchestrator.NewRegistry(orchestrator.RegistryDeps{
		Store:     orchStore,
		CMS:       cmsRepo,
		NLM:       nlmMgr,
		Provider:  providerClient,
		AgentLine: agentLineClient,
		Obs:       obsStore,
		PSSMgr:    pssMgr,
		EventBus:  eventBus,
		Config:    cfg.Orchestrator,
		Logger:    log,
	})

	// 11. Crash recovery: resume every task the orchestrator was still
	// mid-flight on when the process last exited.
	if err := registry.ResumeAll(ctx); err != nil {
		log.Fatal("failed to resume orchestrator state", zap.Error(err))
	}
	log.Info("orchestrator state resumed")

	// 12. Stuck-task sweeper
	taskSweeper := sweeper.New(cmsRepo, cfg.Sweeper, log, eventBus)
	if err := taskSweeper.Start(ctx); err != nil {
		log.Fatal("failed to start sweeper", zap.Error(err))
	}
	defer taskSweeper.Stop()

	// 13. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpapi.NewRouter(registry, obsStore, pssMgr, cfg.Server, log)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 14. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down taskengine")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("taskengine stopped")
}
