package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"compsense/server/config"
	"compsense/server/internal/api"
	"compsense/server/internal/cache"
	"compsense/server/internal/database"
	"compsense/server/internal/models"
	"compsense/server/internal/processor"
	"compsense/server/internal/queue"
	"compsense/server/internal/valuation"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.WithError(err).Fatal("Invalid log level")
	}
	logger.SetLevel(level)

	logger.Infof("Using database at: %s", cfg.Database.Path)
	store, err := database.NewStore(cfg.Database.Path, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize database")
	}
	defer store.Close()

	logger.Info("Running database migrations...")
	if err := store.RunMigrations(); err != nil {
		logger.WithError(err).Fatal("Failed to run database migrations")
	}

	defaults, err := config.LoadCountyDefaults(cfg.CountyDefaultsPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load county defaults")
	}

	valuator := valuation.NewValuator(store, cfg.Valuation, defaults, cfg.Database.QueryTimeout, logger)
	var estimator valuation.Estimator = valuator
	if cfg.Cache.Enabled {
		results := cache.New[*models.ValuationResult](cfg.Cache.TTL, cfg.Cache.JanitorInterval, logger)
		defer results.Close()
		estimator = cache.NewCachingValuator(valuator, store, results, logger)
		logger.WithField("ttl", cfg.Cache.TTL).Info("Valuation cache enabled")
	}

	// Background import pipeline
	saleQueue := queue.NewSaleQueue(cfg.BatchProcessing.QueueSize, logger)
	batchProcessor := processor.NewBatchProcessor(store.DB(), saleQueue, cfg.BatchProcessing, logger)
	batchProcessor.Start()
	saleQueue.Start()

	handler := api.NewHandler(api.Dependencies{
		Valuator:     estimator,
		Factors:      valuator,
		Sales:        store,
		Queue:        saleQueue,
		Imports:      batchProcessor,
		MaxBatchSize: cfg.BatchProcessing.MaxBatchSize,
	}, logger)

	if level < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(api.RequestLogger(logger))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.Server.AllowedOrigins
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	router.Use(cors.New(corsConfig))

	var limiter *api.IPRateLimiter
	if cfg.RateLimit.Enabled {
		limiter = api.NewIPRateLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst, cfg.RateLimit.IdleTTL, logger)
		defer limiter.Close()
	}
	api.SetupRoutes(router, handler, limiter)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		logger.Infof("Starting server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	// Give queued imports a chance to land before closing the database
	if err := saleQueue.Flush(ctx); err != nil {
		logger.WithError(err).Warn("Import queue not drained before shutdown")
	}
	batchProcessor.Stop()
	if err := saleQueue.Close(); err != nil {
		logger.WithError(err).Error("Failed to close import queue")
	}

	logger.Info("Server stopped")
}
