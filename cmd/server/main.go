package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/tmarsden/leadpulse/internal/abtest"
	"github.com/tmarsden/leadpulse/internal/api/handlers"
	"github.com/tmarsden/leadpulse/internal/config"
	"github.com/tmarsden/leadpulse/internal/database"
	"github.com/tmarsden/leadpulse/internal/features"
	"github.com/tmarsden/leadpulse/internal/feedback"
	"github.com/tmarsden/leadpulse/internal/health"
	"github.com/tmarsden/leadpulse/internal/middleware"
	"github.com/tmarsden/leadpulse/internal/repository"
	"github.com/tmarsden/leadpulse/internal/scoring"
	"github.com/tmarsden/leadpulse/internal/training"
	"github.com/tmarsden/leadpulse/pkg/utils"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found: %v", err)
	}

	// Initialize logger
	logger := utils.GetLogger()
	logger.Info("Starting LeadPulse scoring service...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	// Initialize database and cache
	dbConfig := &database.Config{
		DatabaseURL: cfg.Database.URL,
		RedisURL:    cfg.Redis.URL,
		LogLevel:    os.Getenv("LOG_LEVEL"),
	}

	dbManager, err := database.NewManager(dbConfig, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize database manager")
	}
	defer dbManager.Close()

	if err := dbManager.Migrate(); err != nil {
		logger.WithError(err).Fatal("Database migration failed")
	}

	repoManager := repository.NewRepositoryManager(dbManager.DB)
	cache := database.NewCache(dbManager.Redis, logger)

	// Wire the scoring pipeline
	extractor := features.NewExtractor(repoManager.Stats, cfg.Scoring.FreshnessHrs, logger)
	scorer := scoring.NewScorer(repoManager.ModelVersion, extractor, cfg.Scoring.TopFeatures, logger)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	if err := scorer.LoadActive(startupCtx); err != nil {
		cancelStartup()
		logger.WithError(err).Fatal("Failed to load active model")
	}
	cancelStartup()

	processor := feedback.NewProcessor(repoManager.Feedback, repoManager.Lead, repoManager.Stats, logger)

	trainer := training.NewTrainer(
		repoManager.Feedback,
		repoManager.Lead,
		repoManager.ModelVersion,
		extractor,
		scorer,
		training.Config{
			MinSamples:      cfg.Training.MinSamples,
			MaxModelAge:     time.Duration(cfg.Training.MaxModelAgeDays) * 24 * time.Hour,
			MinNewFeedback:  int64(cfg.Training.MinNewFeedback),
			F1DropMargin:    cfg.Training.F1DropMargin,
			PromotionMargin: cfg.Training.PromotionMargin,
			ValidationSplit: cfg.Training.ValidationSplit,
		},
		logger,
	)

	abManager := abtest.NewManager(
		repoManager.ABTest,
		repoManager.ModelVersion,
		scorer,
		extractor,
		abtest.Config{
			SignificanceLevel: cfg.ABTest.SignificanceLevel,
			MinSampleSize:     int64(cfg.ABTest.MinSampleSize),
			MinEffectSize:     cfg.ABTest.MinEffectSize,
		},
		logger,
	)

	healthChecker := health.NewHealthChecker(dbManager, scorer, logger)

	// Background workers
	backgroundCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	go trainer.PeriodicRetraining(backgroundCtx, time.Duration(cfg.Training.CheckIntervalMins)*time.Minute)
	go healthChecker.PeriodicHealthCheck(backgroundCtx, 30*time.Second)

	// HTTP handlers
	cacheTTL := time.Duration(cfg.Scoring.CacheTTLSecs) * time.Second
	scoringHandler := handlers.NewScoringHandler(scorer, repoManager, cache, cacheTTL, logger)
	feedbackHandler := handlers.NewFeedbackHandler(processor, scorer, cache, logger)
	trainingHandler := handlers.NewTrainingHandler(trainer, scorer, cache, cfg.Scoring.KeepVersions, logger)
	abtestHandler := handlers.NewABTestHandler(abManager, repoManager, logger)

	router := setupRouter(scoringHandler, feedbackHandler, trainingHandler, abtestHandler, healthChecker)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 6 * time.Minute, // training requests can run long
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.Server.Port).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	cancelBackground()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Forced shutdown")
	}

	logger.Info("Server stopped")
}

func setupRouter(
	scoringHandler *handlers.ScoringHandler,
	feedbackHandler *handlers.FeedbackHandler,
	trainingHandler *handlers.TrainingHandler,
	abtestHandler *handlers.ABTestHandler,
	healthChecker *health.HealthChecker,
) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.SecurityHeaders())

	rateLimiter := middleware.NewRateLimiter(300)
	router.Use(rateLimiter.RateLimit())

	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		// Serve the periodically cached status when present
		if cached, err := healthChecker.CheckCached(ctx); err == nil {
			respondHealth(c, cached)
			return
		}
		overall := healthChecker.CheckAll()
		respondHealth(c, &overall)
	})

	// Always runs fresh checks, bypassing the periodic cache
	router.GET("/health/detailed", func(c *gin.Context) {
		overall := healthChecker.CheckAll()
		respondHealth(c, &overall)
	})

	v1 := router.Group("/api/v1")
	{
		leads := v1.Group("/leads")
		{
			leads.POST("/score", scoringHandler.HandleScore)
			leads.POST("/score/batch", scoringHandler.HandleScoreBatch)
		}

		fb := v1.Group("/feedback")
		{
			fb.POST("", feedbackHandler.HandleFeedback)
			fb.POST("/session", feedbackHandler.HandleSessionFeedback)
			fb.GET("/analytics", feedbackHandler.HandleAnalytics)
			fb.GET("/:lead_id", feedbackHandler.HandleFeedbackHistory)
		}

		ml := v1.Group("/models")
		{
			ml.GET("", trainingHandler.HandleListModels)
			ml.POST("/retrain", trainingHandler.HandleRetrain)
			ml.GET("/retraining-check", trainingHandler.HandleRetrainingCheck)
			ml.POST("/:version/activate", trainingHandler.HandleActivateModel)
			ml.POST("/prune", trainingHandler.HandlePrune)
		}

		ab := v1.Group("/abtests")
		{
			ab.POST("", abtestHandler.HandleCreateTest)
			ab.POST("/:name/score", abtestHandler.HandleABScore)
			ab.POST("/:name/outcome", abtestHandler.HandleOutcome)
			ab.GET("/:name/results", abtestHandler.HandleResults)
			ab.POST("/:name/stop", abtestHandler.HandleStopTest)
		}
	}

	return router
}

func respondHealth(c *gin.Context, overall *health.OverallHealth) {
	code := http.StatusOK
	if overall.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, overall)
}
