package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/tmarsden/leadpulse/internal/config"
	"github.com/tmarsden/leadpulse/internal/database"
	"github.com/tmarsden/leadpulse/internal/features"
	"github.com/tmarsden/leadpulse/internal/repository"
	"github.com/tmarsden/leadpulse/internal/scoring"
	"github.com/tmarsden/leadpulse/internal/training"
	"github.com/tmarsden/leadpulse/pkg/utils"
)

var (
	force   = flag.Bool("force", false, "Promote the new model regardless of F1 comparison")
	split   = flag.Float64("split", 0, "Validation split fraction (0 = use configured default)")
	timeout = flag.Duration("timeout", 10*time.Minute, "Abort training after this long")
)

func main() {
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found: %v", err)
	}

	logger := utils.GetLogger()
	logger.Info("Starting one-shot training run...")

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

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
	extractor := features.NewExtractor(repoManager.Stats, cfg.Scoring.FreshnessHrs, logger)
	scorer := scoring.NewScorer(repoManager.ModelVersion, extractor, cfg.Scoring.TopFeatures, logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := scorer.LoadActive(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to load active model")
	}

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

	result, err := trainer.TrainNewModel(ctx, training.Options{
		Force:           *force,
		ValidationSplit: *split,
	})
	if err != nil {
		var insufficient *training.InsufficientDataError
		if errors.As(err, &insufficient) {
			logger.WithFields(logrus.Fields{
				"have": insufficient.Have,
				"need": insufficient.Need,
			}).Warn("Not enough training data, active model unchanged")
			os.Exit(2)
		}
		logger.WithError(err).Fatal("Training failed")
	}

	logger.WithFields(logrus.Fields{
		"model_version":      result.ModelVersion,
		"f1":                 result.Metrics.F1,
		"auc":                result.Metrics.AUC,
		"precision":          result.Metrics.Precision,
		"recall":             result.Metrics.Recall,
		"training_samples":   result.TrainingSamples,
		"validation_samples": result.ValidationSamples,
		"promoted":           result.Promoted,
	}).Info("Training run completed")
}
