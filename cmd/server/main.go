package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	appmetering "github.com/fieldserve/backend/internal/application/metering"
	"github.com/fieldserve/backend/internal/infrastructure/config"
	"github.com/fieldserve/backend/internal/infrastructure/logger"
	"github.com/fieldserve/backend/internal/infrastructure/persistence"
	"github.com/fieldserve/backend/internal/infrastructure/scheduler"
	"github.com/fieldserve/backend/internal/interfaces/http/handler"
	"github.com/fieldserve/backend/internal/interfaces/http/middleware"
	"github.com/fieldserve/backend/internal/interfaces/http/router"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	log.Info("Starting FieldServe Metering Backend",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
	)

	// Create GORM logger backed by zap
	gormLogLevel := logger.MapGormLogLevel(cfg.Log.Level)
	gormLog := logger.NewGormLogger(log, gormLogLevel)

	// Initialize database connection with custom logger
	db, err := persistence.NewDatabaseWithCustomLogger(&cfg.Database, gormLog)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	log.Info("Database connected successfully")

	// Initialize repositories
	packRepo := persistence.NewGormPackRepository(db.DB)
	eventRepo := persistence.NewGormUsageEventRepository(db.DB)
	scope := persistence.NewGormMeteringScope(db.DB)

	// Initialize application services
	reservationService := appmetering.NewReservationService(scope, eventRepo, log, appmetering.ReservationConfig{
		ReserveTimeout: cfg.Metering.ReserveTimeout,
	})
	finalizer := appmetering.NewFinalizer(scope, eventRepo, log)
	reconciler := appmetering.NewReconciler(eventRepo, finalizer, appmetering.TimeoutProber{}, log, appmetering.ReconcilerConfig{
		StaleThreshold: cfg.Metering.StaleThreshold,
		LeaseDuration:  cfg.Metering.LeaseDuration,
		MaxEscalations: cfg.Metering.MaxEscalations,
		BatchSize:      cfg.Metering.BatchSize,
	})

	// Background processor: continuous stuck-reservation sweep plus the
	// periodic conservation audit
	processor := scheduler.NewCompensationProcessor(reconciler, packRepo, eventRepo, log, scheduler.CompensationProcessorConfig{
		Enabled:       cfg.Metering.ProcessorEnabled,
		SweepInterval: cfg.Metering.SweepInterval,
		GraceWindow:   cfg.Metering.GraceWindow,
		AuditInterval: cfg.Metering.AuditInterval,
		TickTimeout:   30 * time.Second,
	}, cfg.Metering.MaxEscalations)

	statusService := appmetering.NewStatusService(eventRepo, reconciler, processor)

	// The engine runs startup reconciliation to completion, then starts the
	// processor. Recovery must finish before traffic so no event is resolved
	// twice by a caller retry racing the sweep.
	engine := appmetering.NewEngine(reconciler, processor, log, appmetering.EngineConfig{
		ShutdownGrace: cfg.Metering.ShutdownGrace,
	})
	if err := engine.Start(context.Background()); err != nil {
		log.Fatal("Failed to start metering engine", zap.Error(err))
	}
	defer func() {
		if err := engine.Stop(context.Background()); err != nil {
			log.Error("Error stopping metering engine", zap.Error(err))
		}
	}()
	log.Info("Metering engine started",
		zap.Bool("processor_enabled", cfg.Metering.ProcessorEnabled),
		zap.Duration("sweep_interval", cfg.Metering.SweepInterval),
		zap.Duration("grace_window", cfg.Metering.GraceWindow),
	)

	// Initialize HTTP handlers
	meteringHandler := handler.NewMeteringHandler(
		reservationService,
		finalizer,
		statusService,
		processor,
		packRepo,
		eventRepo,
		cfg.Metering.MaxEscalations,
	)
	systemHandler := handler.NewSystemHandler(db)

	// Set Gin mode based on environment
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ginEngine := gin.New()

	// Configure trusted proxies
	if len(cfg.HTTP.TrustedProxies) > 0 {
		if err := ginEngine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
			log.Warn("Failed to set trusted proxies", zap.Error(err))
		}
	}

	ginEngine.Use(middleware.RequestID())
	ginEngine.Use(logger.Recovery(log))
	ginEngine.Use(logger.GinMiddleware(log))

	// Health check endpoint (outside API versioning)
	ginEngine.GET("/health", healthHandler(db))

	r := router.NewRouter(ginEngine, router.WithAPIVersion("v1"))
	r.Register(meteringHandler).
		Register(systemHandler)
	r.Setup()

	// Create HTTP server with config
	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        ginEngine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	// Start server in goroutine
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}

// healthHandler returns a handler for health check endpoints
func healthHandler(db *persistence.Database) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqLog := logger.GetGinLogger(c)
		if err := db.Ping(); err != nil {
			reqLog.Warn("Health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"time":     time.Now().Format(time.RFC3339),
				"database": "error",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":   "healthy",
			"time":     time.Now().Format(time.RFC3339),
			"database": "ok",
		})
	}
}
