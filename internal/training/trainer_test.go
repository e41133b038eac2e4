package training

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmarsden/leadpulse/internal/features"
	"github.com/tmarsden/leadpulse/internal/ml"
	"github.com/tmarsden/leadpulse/internal/models"
	"github.com/tmarsden/leadpulse/internal/scoring"
	"gorm.io/gorm"
)

type fakeFeedbackRepo struct {
	events []models.FeedbackEvent
}

func (f *fakeFeedbackRepo) Create(event *models.FeedbackEvent) error {
	f.events = append(f.events, *event)
	return nil
}

func (f *fakeFeedbackRepo) GetByLead(leadID string) ([]models.FeedbackEvent, error) {
	return nil, nil
}

func (f *fakeFeedbackRepo) GetSince(since time.Time) ([]models.FeedbackEvent, error) {
	var out []models.FeedbackEvent
	for _, e := range f.events {
		if e.CreatedAt.After(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeFeedbackRepo) CountSince(since time.Time) (int64, error) {
	events, _ := f.GetSince(since)
	return int64(len(events)), nil
}

func (f *fakeFeedbackRepo) ActionDistribution(from, to time.Time) (map[string]int64, error) {
	return nil, nil
}

func (f *fakeFeedbackRepo) AverageConfidence(from, to time.Time) (float64, error) { return 0, nil }

func (f *fakeFeedbackRepo) DailyCounts(from, to time.Time) (map[string]int64, error) {
	return nil, nil
}

type fakeLeadRepo struct {
	leads map[string]*models.Lead
}

func (f *fakeLeadRepo) Create(lead *models.Lead) error { return f.Upsert(lead) }

func (f *fakeLeadRepo) Upsert(lead *models.Lead) error {
	f.leads[lead.ID] = lead
	return nil
}

func (f *fakeLeadRepo) GetByID(id string) (*models.Lead, error) {
	lead, ok := f.leads[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return lead, nil
}

func (f *fakeLeadRepo) GetByIDs(ids []string) ([]models.Lead, error) {
	var out []models.Lead
	for _, id := range ids {
		if lead, ok := f.leads[id]; ok {
			out = append(out, *lead)
		}
	}
	return out, nil
}

func (f *fakeLeadRepo) GetRecent(limit int) ([]models.Lead, error) { return nil, nil }

type fakeVersionRepo struct {
	byVersion map[string]*models.ModelVersion
	active    string
	created   int
}

func newFakeVersionRepo() *fakeVersionRepo {
	return &fakeVersionRepo{byVersion: map[string]*models.ModelVersion{}}
}

func (f *fakeVersionRepo) Create(v *models.ModelVersion) error {
	v.CreatedAt = time.Now()
	f.byVersion[v.Version] = v
	f.created++
	return nil
}

func (f *fakeVersionRepo) GetActive() (*models.ModelVersion, error) {
	if f.active == "" {
		return nil, gorm.ErrRecordNotFound
	}
	return f.byVersion[f.active], nil
}

func (f *fakeVersionRepo) GetByVersion(version string) (*models.ModelVersion, error) {
	v, ok := f.byVersion[version]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return v, nil
}

func (f *fakeVersionRepo) List(limit int) ([]models.ModelVersion, error) { return nil, nil }

func (f *fakeVersionRepo) Activate(version string) error {
	if _, ok := f.byVersion[version]; !ok {
		return gorm.ErrRecordNotFound
	}
	f.active = version
	return nil
}

func (f *fakeVersionRepo) BestF1() (float64, error) {
	best := 0.0
	for _, v := range f.byVersion {
		if v.F1 > best {
			best = v.F1
		}
	}
	return best, nil
}

func (f *fakeVersionRepo) Prune(keepCount int) (int, error) { return 0, nil }

type nullStats struct{}

func (nullStats) RecordOutcome(location, category string, success bool) error { return nil }
func (nullStats) LocationRate(name string) (float64, bool, error)             { return 0, false, nil }
func (nullStats) CategoryRate(name string) (float64, bool, error)             { return 0, false, nil }
func (nullStats) SegmentRate(category, location string) (float64, bool, error) {
	return 0, false, nil
}
func (nullStats) GlobalRate() (float64, error) { return 0.5, nil }

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func defaultTestConfig() Config {
	return Config{
		MinSamples:      20,
		MaxModelAge:     7 * 24 * time.Hour,
		MinNewFeedback:  100,
		F1DropMargin:    0.05,
		PromotionMargin: 0.01,
		ValidationSplit: 0.2,
	}
}

type fixture struct {
	trainer  *Trainer
	scorer   *scoring.Scorer
	feedback *fakeFeedbackRepo
	leads    *fakeLeadRepo
	versions *fakeVersionRepo
}

func newFixture(cfg Config) *fixture {
	feedbackRepo := &fakeFeedbackRepo{}
	leadRepo := &fakeLeadRepo{leads: map[string]*models.Lead{}}
	versionRepo := newFakeVersionRepo()

	logger := quietLogger()
	extractor := features.NewExtractor(nullStats{}, 24, logger)
	scorer := scoring.NewScorer(versionRepo, extractor, 5, logger)
	trainer := NewTrainer(feedbackRepo, leadRepo, versionRepo, extractor, scorer, cfg, logger)

	return &fixture{
		trainer:  trainer,
		scorer:   scorer,
		feedback: feedbackRepo,
		leads:    leadRepo,
		versions: versionRepo,
	}
}

// seedTrainingData stores n leads with feedback, alternating strong
// conversions on salary-rich postings with quick dismissals on bare ones
func (f *fixture) seedTrainingData(n int) {
	now := time.Now()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("lead-%03d", i)
		positive := i%2 == 0

		lead := &models.Lead{
			ID:       id,
			Title:    "Short note",
			PostedAt: now.Add(-time.Duration(i) * time.Hour),
		}
		target := 0.1
		confidence := 0.2
		if positive {
			lead.Title = "Senior Engineer"
			lead.Description = "Salary $150k with excellent compensation. 5+ years experience. jobs@acme.example"
			lead.Category = "software"
			lead.LocationName = "San Francisco"
			target = 1.0
			confidence = 1.0
		}
		f.leads.leads[id] = lead

		f.feedback.events = append(f.feedback.events, models.FeedbackEvent{
			LeadID:      id,
			ActionType:  models.ActionConversion,
			TargetScore: target,
			Confidence:  confidence,
			CreatedAt:   now.Add(-time.Duration(i) * time.Minute),
		})
	}
}

func TestTrainer_InsufficientDataLeavesActiveUnchanged(t *testing.T) {
	f := newFixture(defaultTestConfig())
	f.seedTrainingData(5)

	_, err := f.trainer.TrainNewModel(context.Background(), Options{})
	require.Error(t, err)

	var insufficient *InsufficientDataError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 5, insufficient.Have)
	assert.Equal(t, 20, insufficient.Need)

	assert.Equal(t, 0, f.versions.created)
	_, err = f.scorer.ActiveVersion()
	assert.ErrorIs(t, err, scoring.ErrModelNotLoaded)
}

func TestTrainer_FullPipelinePromotesFirstModel(t *testing.T) {
	f := newFixture(defaultTestConfig())
	f.seedTrainingData(60)

	result, err := f.trainer.TrainNewModel(context.Background(), Options{})
	require.NoError(t, err)

	assert.NotEmpty(t, result.ModelVersion)
	assert.True(t, result.Promoted, "first model promotes unconditionally")
	assert.Greater(t, result.TrainingSamples, result.ValidationSamples)

	// Promotion flips the store and hot-swaps the scorer
	assert.Equal(t, result.ModelVersion, f.versions.active)
	active, err := f.scorer.ActiveVersion()
	require.NoError(t, err)
	assert.Equal(t, result.ModelVersion, active)

	stored := f.versions.byVersion[result.ModelVersion]
	require.NotNil(t, stored)
	assert.Equal(t, features.SchemaVersion, stored.SchemaVersion)
	assert.NotEmpty(t, stored.Artifact)
}

func TestTrainer_SingleFlight(t *testing.T) {
	f := newFixture(defaultTestConfig())
	f.seedTrainingData(60)

	f.trainer.mu.Lock()
	defer f.trainer.mu.Unlock()

	_, err := f.trainer.TrainNewModel(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrTrainingInProgress)
}

func TestTrainer_Cancellation(t *testing.T) {
	f := newFixture(defaultTestConfig())
	f.seedTrainingData(60)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.trainer.TrainNewModel(ctx, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTrainingCancelled)
}

func TestTrainer_ShouldPromote(t *testing.T) {
	f := newFixture(defaultTestConfig())
	active := &models.ModelVersion{F1: 0.70}

	// Needs active F1 plus the margin
	assert.True(t, f.trainer.shouldPromote(active, ml.Metrics{F1: 0.72}, false))
	assert.False(t, f.trainer.shouldPromote(active, ml.Metrics{F1: 0.705}, false))

	// An exact tie keeps the current model
	assert.False(t, f.trainer.shouldPromote(active, ml.Metrics{F1: 0.70}, false))

	// Force overrides the comparison
	assert.True(t, f.trainer.shouldPromote(active, ml.Metrics{F1: 0.10}, true))

	// No active model promotes unconditionally
	assert.True(t, f.trainer.shouldPromote(nil, ml.Metrics{F1: 0.10}, false))
}

func TestTrainer_CheckRetrainingNeeded(t *testing.T) {
	f := newFixture(defaultTestConfig())

	// No active model is itself a trigger
	decision, err := f.trainer.CheckRetrainingNeeded()
	require.NoError(t, err)
	assert.True(t, decision.ShouldRetrain)
	require.Len(t, decision.Reasons, 1)

	// Fresh active model with little new feedback: no trigger
	require.NoError(t, f.versions.Create(&models.ModelVersion{Version: "m1", SchemaVersion: "v1", F1: 0.8}))
	require.NoError(t, f.versions.Activate("m1"))

	decision, err = f.trainer.CheckRetrainingNeeded()
	require.NoError(t, err)
	assert.False(t, decision.ShouldRetrain)

	// Accumulated feedback trips the volume trigger
	now := time.Now()
	for i := 0; i < 120; i++ {
		f.feedback.events = append(f.feedback.events, models.FeedbackEvent{
			LeadID:    fmt.Sprintf("l-%d", i),
			CreatedAt: now.Add(time.Minute),
		})
	}
	decision, err = f.trainer.CheckRetrainingNeeded()
	require.NoError(t, err)
	assert.True(t, decision.ShouldRetrain)
}

func TestTrainer_AgeTrigger(t *testing.T) {
	f := newFixture(defaultTestConfig())

	require.NoError(t, f.versions.Create(&models.ModelVersion{Version: "m1", SchemaVersion: "v1", F1: 0.8}))
	require.NoError(t, f.versions.Activate("m1"))
	f.versions.byVersion["m1"].CreatedAt = time.Now().Add(-8 * 24 * time.Hour)

	decision, err := f.trainer.CheckRetrainingNeeded()
	require.NoError(t, err)
	assert.True(t, decision.ShouldRetrain)
}

func TestTrainer_F1DriftTrigger(t *testing.T) {
	f := newFixture(defaultTestConfig())

	require.NoError(t, f.versions.Create(&models.ModelVersion{Version: "old-best", SchemaVersion: "v1", F1: 0.90}))
	require.NoError(t, f.versions.Create(&models.ModelVersion{Version: "current", SchemaVersion: "v1", F1: 0.80}))
	require.NoError(t, f.versions.Activate("current"))

	decision, err := f.trainer.CheckRetrainingNeeded()
	require.NoError(t, err)
	assert.True(t, decision.ShouldRetrain)
}

func TestStratifiedSplit(t *testing.T) {
	targets := make([]float64, 100)
	for i := range targets {
		if i < 30 {
			targets[i] = 1.0
		}
	}

	train, validation := stratifiedSplit(targets, 0.2)

	assert.Len(t, train, 80)
	assert.Len(t, validation, 20)

	countPositives := func(indices []int) int {
		n := 0
		for _, i := range indices {
			if targets[i] >= 0.5 {
				n++
			}
		}
		return n
	}

	// Class ratio preserved on both sides
	assert.Equal(t, 24, countPositives(train))
	assert.Equal(t, 6, countPositives(validation))

	// No index appears twice
	seen := map[int]bool{}
	for _, i := range append(append([]int{}, train...), validation...) {
		assert.False(t, seen[i])
		seen[i] = true
	}
	assert.Len(t, seen, 100)
}

func TestTrainer_StrongestSignalPerLead(t *testing.T) {
	f := newFixture(defaultTestConfig())
	now := time.Now()

	f.feedback.events = []models.FeedbackEvent{
		{LeadID: "lead-1", TargetScore: 0.5, Confidence: 0.45, CreatedAt: now},
		{LeadID: "lead-1", TargetScore: 1.0, Confidence: 1.0, CreatedAt: now},
		{LeadID: "lead-2", TargetScore: 0.1, Confidence: 0.2, CreatedAt: now},
	}

	samples, err := f.trainer.assembleSamples(time.Time{})
	require.NoError(t, err)
	require.Len(t, samples, 2)

	assert.Equal(t, "lead-1", samples[0].leadID)
	assert.Equal(t, 1.0, samples[0].target)
	assert.Equal(t, 1.0, samples[0].confidence)
	assert.Equal(t, "lead-2", samples[1].leadID)
}
