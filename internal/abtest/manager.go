package abtest

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tmarsden/leadpulse/internal/features"
	"github.com/tmarsden/leadpulse/internal/models"
	"github.com/tmarsden/leadpulse/internal/scoring"
	"gorm.io/gorm"
)

var (
	ErrTestNotFound = errors.New("ab test not found")
	ErrTestInactive = errors.New("ab test is not active")
)

// DuplicateTestNameError rejects creating a test under an existing name
type DuplicateTestNameError struct {
	Name string
}

func (e *DuplicateTestNameError) Error() string {
	return fmt.Sprintf("ab test %q already exists", e.Name)
}

// InvalidTrafficAllocationError rejects a variant configuration before any
// variant is created
type InvalidTrafficAllocationError struct {
	Reason string
}

func (e *InvalidTrafficAllocationError) Error() string {
	return fmt.Sprintf("invalid traffic allocation: %s", e.Reason)
}

// Config carries the significance thresholds
type Config struct {
	SignificanceLevel float64
	MinSampleSize     int64
	MinEffectSize     float64
}

// Manager defines experiments between model versions, deterministically
// assigns traffic, and analyzes outcomes for significance.
type Manager struct {
	tests     models.ABTestRepository
	versions  models.ModelVersionRepository
	scorer    *scoring.Scorer
	extractor *features.Extractor
	config    Config
	logger    *logrus.Logger
}

func NewManager(
	tests models.ABTestRepository,
	versions models.ModelVersionRepository,
	scorer *scoring.Scorer,
	extractor *features.Extractor,
	config Config,
	logger *logrus.Logger,
) *Manager {
	return &Manager{
		tests:     tests,
		versions:  versions,
		scorer:    scorer,
		extractor: extractor,
		config:    config,
		logger:    logger,
	}
}

// CreateTest validates and persists a new experiment. Traffic percentages
// must sum to exactly 100 and exactly one variant must be the control;
// violating configs are rejected, never silently corrected.
func (m *Manager) CreateTest(name string, variants []models.VariantConfig) (*models.ABTest, error) {
	if len(variants) < 2 {
		return nil, &InvalidTrafficAllocationError{Reason: "a test needs at least two variants"}
	}

	var pctSum float64
	controls := 0
	seen := map[string]bool{}
	for _, v := range variants {
		if v.TrafficPct <= 0 {
			return nil, &InvalidTrafficAllocationError{Reason: fmt.Sprintf("variant %q has non-positive traffic", v.VariantName)}
		}
		if seen[v.VariantName] {
			return nil, &InvalidTrafficAllocationError{Reason: fmt.Sprintf("duplicate variant name %q", v.VariantName)}
		}
		seen[v.VariantName] = true
		pctSum += v.TrafficPct
		if v.IsControl {
			controls++
		}
	}
	if math.Abs(pctSum-100) > 1e-9 {
		return nil, &InvalidTrafficAllocationError{Reason: fmt.Sprintf("traffic percentages sum to %.2f, must be 100", pctSum)}
	}
	if controls != 1 {
		return nil, &InvalidTrafficAllocationError{Reason: fmt.Sprintf("exactly one control variant required, got %d", controls)}
	}

	for _, v := range variants {
		if _, err := m.versions.GetByVersion(v.ModelVersion); err != nil {
			return nil, fmt.Errorf("variant %q references unknown model version %s: %w", v.VariantName, v.ModelVersion, err)
		}
	}

	if _, err := m.tests.GetByName(name); err == nil {
		return nil, &DuplicateTestNameError{Name: name}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to check test name: %w", err)
	}

	test := &models.ABTest{Name: name, Active: true}
	for _, v := range variants {
		test.Variants = append(test.Variants, models.ABTestVariant{
			Name:         v.VariantName,
			ModelVersion: v.ModelVersion,
			TrafficPct:   v.TrafficPct,
			IsControl:    v.IsControl,
		})
	}

	if err := m.tests.CreateWithVariants(test); err != nil {
		return nil, fmt.Errorf("failed to create ab test: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"test":     name,
		"variants": len(variants),
	}).Info("A/B test created")

	return test, nil
}

// AssignVariant maps a stable key into the test's cumulative traffic
// buckets. It is a pure function of (key, test name, variant declaration
// order), so the same key always lands on the same variant regardless of
// call order or process restarts.
func (m *Manager) AssignVariant(test *models.ABTest, stableKey string) *models.ABTestVariant {
	variants := make([]models.ABTestVariant, len(test.Variants))
	copy(variants, test.Variants)
	sort.Slice(variants, func(i, j int) bool { return variants[i].ID < variants[j].ID })

	bucket := assignmentBucket(stableKey, test.Name)

	var cumulative float64
	for i := range variants {
		cumulative += variants[i].TrafficPct
		if bucket < cumulative {
			return &variants[i]
		}
	}
	// Floating point edge at the top of the range
	return &variants[len(variants)-1]
}

// assignmentBucket hashes key and test name into [0, 100)
func assignmentBucket(stableKey, testName string) float64 {
	sum := md5.Sum([]byte(stableKey + ":" + testName))
	h := binary.BigEndian.Uint64(sum[:8])
	return float64(h%10000) / 100
}

// ScoreWithABTest assigns a variant, scores the lead with that variant's
// model, and records the assignment for outcome linkage. A variant model
// that cannot be loaded degrades to the active-model path rather than
// failing the caller.
func (m *Manager) ScoreWithABTest(ctx context.Context, testName string, lead *models.Lead, stableKey string) (*scoring.Result, string, error) {
	test, err := m.getActiveTest(testName)
	if err != nil {
		return nil, "", err
	}

	variant := m.AssignVariant(test, stableKey)
	fv := m.extractor.Extract(lead, time.Now())

	result, err := m.scorer.PredictWithVersion(ctx, variant.ModelVersion, lead.ID, fv)
	if err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"test":    testName,
			"variant": variant.Name,
		}).Warn("Variant model unavailable, scoring with active model")
		result = m.scorer.PredictSingle(lead.ID, fv)
	}

	assignment := &models.ABAssignment{
		TestName:    testName,
		StableKey:   stableKey,
		VariantName: variant.Name,
		LeadID:      lead.ID,
		Score:       result.Score,
	}
	if err := m.tests.RecordAssignment(assignment); err != nil {
		m.logger.WithError(err).Warn("Failed to record ab assignment")
	}

	return result, variant.Name, nil
}

// RecordOutcome updates the variant's running sample size and aggregates
func (m *Manager) RecordOutcome(testName, variantName string, converted bool, score float64) error {
	test, err := m.getActiveTest(testName)
	if err != nil {
		return err
	}
	return m.tests.IncrementOutcome(test.ID, variantName, converted, score)
}

// VariantSummary reports one variant's running aggregates
type VariantSummary struct {
	Name           string  `json:"name"`
	ModelVersion   string  `json:"model_version"`
	TrafficPct     float64 `json:"traffic_pct"`
	IsControl      bool    `json:"is_control"`
	Samples        int64   `json:"samples"`
	Conversions    int64   `json:"conversions"`
	ConversionRate float64 `json:"conversion_rate"`
	AverageScore   float64 `json:"average_score"`
}

// TestResult is the full analysis of one experiment
type TestResult struct {
	TestName       string           `json:"test_name"`
	Active         bool             `json:"active"`
	Variants       []VariantSummary `json:"variants"`
	Comparisons    []Comparison     `json:"comparisons"`
	Recommendation string           `json:"recommendation"`
}

// AnalyzeTest compares every non-control variant against the control with a
// two-proportion z-test. Underpowered or inconclusive data yields an
// explicit verdict, never a false positive.
func (m *Manager) AnalyzeTest(testName string) (*TestResult, error) {
	test, err := m.tests.GetByName(testName)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ab test: %w", err)
	}

	result := &TestResult{TestName: test.Name, Active: test.Active}

	var control *models.ABTestVariant
	for i := range test.Variants {
		v := &test.Variants[i]
		summary := VariantSummary{
			Name:         v.Name,
			ModelVersion: v.ModelVersion,
			TrafficPct:   v.TrafficPct,
			IsControl:    v.IsControl,
			Samples:      v.Samples,
			Conversions:  v.Conversions,
		}
		if v.Samples > 0 {
			summary.ConversionRate = float64(v.Conversions) / float64(v.Samples)
			summary.AverageScore = v.ScoreSum / float64(v.Samples)
		}
		result.Variants = append(result.Variants, summary)

		if v.IsControl {
			control = v
		}
	}
	if control == nil {
		return nil, fmt.Errorf("ab test %s has no control variant", testName)
	}

	var winner *Comparison
	insufficient := false
	for i := range test.Variants {
		v := &test.Variants[i]
		if v.IsControl {
			continue
		}

		c := compareProportions(
			control.Conversions, control.Samples,
			v.Conversions, v.Samples,
			m.config.SignificanceLevel, m.config.MinSampleSize, m.config.MinEffectSize,
		)
		c.VariantName = v.Name
		c.ControlName = control.Name
		result.Comparisons = append(result.Comparisons, c)

		if c.Verdict == VerdictInsufficientData {
			insufficient = true
		}
		if c.Significant && (winner == nil || c.EffectSize > winner.EffectSize) {
			cc := c
			winner = &cc
		}
	}

	switch {
	case winner != nil:
		result.Recommendation = fmt.Sprintf(
			"variant %q is a statistically significant winner (+%.1f points conversion, p=%.4f); consider stopping the test and promoting it",
			winner.VariantName, winner.EffectSize*100, winner.PValue)
	case insufficient:
		result.Recommendation = fmt.Sprintf(
			"insufficient data: each variant needs at least %d samples before the comparison is meaningful",
			m.config.MinSampleSize)
	default:
		result.Recommendation = "no significant difference between variants; keep the test running or stop without a winner"
	}

	return result, nil
}

// StopTest deactivates the test. With a winner given, that variant's model
// version is promoted as the globally active model.
func (m *Manager) StopTest(ctx context.Context, testName string, winner *string) error {
	test, err := m.getActiveTest(testName)
	if err != nil {
		return err
	}

	var winnerVersion string
	if winner != nil {
		for i := range test.Variants {
			if test.Variants[i].Name == *winner {
				winnerVersion = test.Variants[i].ModelVersion
				break
			}
		}
		if winnerVersion == "" {
			return fmt.Errorf("winner variant %q not part of test %s", *winner, testName)
		}
	}

	if err := m.tests.Stop(testName, winner); err != nil {
		return fmt.Errorf("failed to stop ab test: %w", err)
	}

	if winnerVersion != "" {
		if err := m.versions.Activate(winnerVersion); err != nil {
			return fmt.Errorf("test stopped but winner promotion failed: %w", err)
		}
		if err := m.scorer.Activate(ctx, winnerVersion); err != nil {
			return fmt.Errorf("test stopped but winner model load failed: %w", err)
		}
		m.logger.WithFields(logrus.Fields{
			"test":          testName,
			"winner":        *winner,
			"model_version": winnerVersion,
		}).Info("A/B test stopped, winner promoted")
		return nil
	}

	m.logger.WithField("test", testName).Info("A/B test stopped")
	return nil
}

func (m *Manager) getActiveTest(testName string) (*models.ABTest, error) {
	test, err := m.tests.GetByName(testName)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ab test: %w", err)
	}
	if !test.Active {
		return nil, ErrTestInactive
	}
	return test, nil
}
