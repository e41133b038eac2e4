package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/tmarsden/leadpulse/internal/config"
	"github.com/tmarsden/leadpulse/internal/database"
	"github.com/tmarsden/leadpulse/internal/models"
	"github.com/tmarsden/leadpulse/internal/repository"
	"github.com/tmarsden/leadpulse/pkg/utils"
)

// Fixture is the seed file layout: raw lead snapshots plus historical
// outcome aggregates for the feature extractor.
type Fixture struct {
	Leads    []models.LeadPayload `json:"leads"`
	Outcomes []OutcomeFixture     `json:"outcomes"`
}

// OutcomeFixture seeds one (location, category) bucket with historical
// samples and successes
type OutcomeFixture struct {
	Location  string `json:"location"`
	Category  string `json:"category"`
	Samples   int    `json:"samples"`
	Successes int    `json:"successes"`
}

var (
	fixtureFile = flag.String("file", "fixtures/seed.json", "Path to the seed fixture file")
	dryRun      = flag.Bool("dry-run", false, "Parse and report without writing to the database")
	verbose     = flag.Bool("verbose", false, "Enable verbose logging")
)

func main() {
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found: %v", err)
	}

	logger := utils.GetLogger()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	logger.WithField("file", *fixtureFile).Info("Loading seed fixtures...")

	fixture, err := loadFixture(*fixtureFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load fixture file")
	}

	logger.WithFields(logrus.Fields{
		"leads":    len(fixture.Leads),
		"outcomes": len(fixture.Outcomes),
	}).Info("Fixture parsed")

	if *dryRun {
		for _, payload := range fixture.Leads {
			logger.WithFields(logrus.Fields{
				"lead_id":  payload.ID,
				"title":    payload.Title,
				"category": payload.Category,
			}).Info("DRY RUN: Would upsert lead")
		}
		for _, outcome := range fixture.Outcomes {
			logger.WithFields(logrus.Fields{
				"location":  outcome.Location,
				"category":  outcome.Category,
				"samples":   outcome.Samples,
				"successes": outcome.Successes,
			}).Info("DRY RUN: Would seed outcome aggregates")
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
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

	seeded, failed := 0, 0
	for i := range fixture.Leads {
		lead := fixture.Leads[i].ToLead()
		if err := repoManager.Lead.Upsert(lead); err != nil {
			logger.WithError(err).WithField("lead_id", lead.ID).Error("Failed to seed lead")
			failed++
			continue
		}
		seeded++
	}

	for _, outcome := range fixture.Outcomes {
		if outcome.Successes > outcome.Samples {
			logger.WithFields(logrus.Fields{
				"location": outcome.Location,
				"category": outcome.Category,
			}).Warn("Skipping outcome fixture with successes > samples")
			failed++
			continue
		}
		for i := 0; i < outcome.Samples; i++ {
			success := i < outcome.Successes
			if err := repoManager.Stats.RecordOutcome(outcome.Location, outcome.Category, success); err != nil {
				logger.WithError(err).Error("Failed to seed outcome aggregate")
				failed++
				break
			}
		}
	}

	logger.WithFields(logrus.Fields{
		"seeded_leads": seeded,
		"failures":     failed,
	}).Info("Seeding completed")

	if failed > 0 {
		os.Exit(1)
	}
}

func loadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture file: %w", err)
	}

	var fixture Fixture
	if err := json.Unmarshal(data, &fixture); err != nil {
		return nil, fmt.Errorf("failed to parse fixture file: %w", err)
	}

	if len(fixture.Leads) == 0 && len(fixture.Outcomes) == 0 {
		return nil, fmt.Errorf("fixture file contains no leads or outcomes")
	}
	return &fixture, nil
}
