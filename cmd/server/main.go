package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/exec-api/internal/audit"
	"github.com/ksred/exec-api/internal/auth"
	"github.com/ksred/exec-api/internal/broker"
	"github.com/ksred/exec-api/internal/config"
	"github.com/ksred/exec-api/internal/database"
	"github.com/ksred/exec-api/internal/metrics"
	"github.com/ksred/exec-api/internal/notify"
	"github.com/ksred/exec-api/internal/pipeline"
	"github.com/ksred/exec-api/internal/protection"
	"github.com/ksred/exec-api/internal/risk"
	"github.com/ksred/exec-api/internal/trailing"
	"github.com/ksred/exec-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the execution API server with graceful shutdown
// support. It wires the broker adapter, the submission pipeline, the
// protection watcher, the trailing manager and the kill switch enforcer.
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	db, err := database.NewDatabase(filepath.Join(cfg.DataDir, "exec.db"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Broker transport: real HTTP, or the synthetic dry-run book.
	var transport broker.Transport
	if cfg.Broker.DryRun {
		zlog.Warn().Msg("DRY RUN: no real orders will be placed")
		transport = broker.NewDryRunTransport()
	} else {
		transport = broker.NewHTTPTransport(cfg.Broker.BaseURL, cfg.Broker.APIKey,
			cfg.Broker.ConnectTimeout, cfg.Broker.ReadTimeout, cfg.Broker.RatePerSec)
	}
	adapter := broker.NewAdapter(transport, broker.Config{
		MaxAttempts:         cfg.Broker.MaxAttempts,
		TickSize:            cfg.Pipeline.TickSize,
		StopLimitBufferFrac: cfg.Pipeline.StopLimitBufferPct,
	})

	registry, err := protection.NewRegistry(cfg.Protection.RegistryPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to open protection registry")
	}

	notifier := notify.LogNotifier{}
	auditService := audit.NewService(db, cfg.Pipeline.TradeLogPath)

	haltStore := risk.NewHaltStore(filepath.Join(cfg.DataDir, "halt.json"))
	gate := risk.NewGate(cfg.Risk, haltStore, adapter)
	enforcer := risk.NewEnforcer(adapter, haltStore, notifier, cfg.Risk.MaxDailyLoss,
		cfg.Pipeline.TradeLogPath, cfg.Pipeline.CancelWorkers, 10*time.Second)

	trailingManager := trailing.NewManager(adapter, adapter, cfg.Trailing)
	enforcer.OnEngage(trailingManager.StopAll)

	pipelineService := pipeline.NewService(cfg.Pipeline, adapter, gate, registry,
		trailingManager, auditService, notifier, cfg.Broker.DryRun)

	// Initialize services and handlers
	authService := auth.NewService(cfg.Server.JWTSecret)
	authService.RegisterClient("exec-api-key", "exec-api-secret")
	authService.RegisterOperator("exec-operator-key", "exec-operator-secret")
	authHandlers := auth.NewGinHandlers(authService)

	pipelineHandlers := pipeline.NewGinHandlers(pipelineService)
	protectionHandlers := protection.NewGinHandlers(registry, adapter)
	riskHandlers := risk.NewGinHandlers(gate, enforcer)
	auditHandlers := audit.NewGinHandlers(auditService)

	// Background loops: bracket watcher and kill switch enforcer.
	watcher := protection.NewWatcher(registry, adapter, cfg.Protection.PollInterval)
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	trailingManager.Start(bgCtx)
	go watcher.Start(bgCtx)
	go enforcer.Start(bgCtx)

	// Initialize router
	router := gin.Default()
	router.Use(middleware.RateLimit())
	setupRoutes(router, cfg.Server.JWTSecret, authHandlers, pipelineHandlers,
		protectionHandlers, riskHandlers, auditHandlers)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	bgCancel()
	trailingManager.StopAll()

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Order routes: Protected by JWT authentication
// - Group/risk/audit routes: Protected by JWT authentication
// - Internal routes: Operator-permission endpoints (kill switch, square-off)
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	pipelineHandlers *pipeline.GinHandlers,
	protectionHandlers *protection.GinHandlers,
	riskHandlers *risk.GinHandlers,
	auditHandlers *audit.GinHandlers,
) {
	router.GET("/metrics", metrics.Handler())

	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(jwtSecret))
		{
			orders.POST("", pipelineHandlers.PlaceOrderHandler())
			orders.POST("/batch", pipelineHandlers.PlaceBatchHandler())
		}

		// Protection group routes
		groups := v1.Group("/groups")
		groups.Use(middleware.JWTAuth(jwtSecret))
		{
			groups.GET("", protectionHandlers.ListGroupsHandler())
			groups.GET("/:group_id", protectionHandlers.GetGroupHandler())
			groups.POST("/:group_id/close", protectionHandlers.CloseGroupHandler())
			groups.POST("/purge", protectionHandlers.PurgeClosedHandler())
		}

		// Risk and audit status
		riskGroup := v1.Group("/risk")
		riskGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			riskGroup.GET("/status", riskHandlers.StatusHandler())
		}
		auditGroup := v1.Group("/audit")
		auditGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			auditGroup.GET("/attempts", auditHandlers.ListAttemptsHandler())
		}

		// Internal routes (operator permission required)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.POST("/killswitch", riskHandlers.KillSwitchHandler())
			internal.POST("/squareoff", riskHandlers.SquareOffHandler())
			internal.POST("/halt/clear", riskHandlers.ClearHaltHandler())
		}
	}
}
