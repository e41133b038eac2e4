package training

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tmarsden/leadpulse/internal/features"
	"github.com/tmarsden/leadpulse/internal/ml"
	"github.com/tmarsden/leadpulse/internal/models"
	"github.com/tmarsden/leadpulse/internal/scoring"
	"gorm.io/gorm"
)

// InsufficientDataError aborts training below the configured sample
// minimum; the active model is left unchanged.
type InsufficientDataError struct {
	Have int
	Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient training data: have %d samples, need %d", e.Have, e.Need)
}

// ErrTrainingInProgress rejects a concurrent training request; runs against
// the same artifact store are serialized, never parallel.
var ErrTrainingInProgress = errors.New("training already in progress")

// ErrTrainingCancelled reports a cooperative cancellation, distinct from
// insufficient data.
var ErrTrainingCancelled = errors.New("training cancelled")

// Config carries the retraining and promotion thresholds
type Config struct {
	MinSamples      int
	MaxModelAge     time.Duration
	MinNewFeedback  int64
	F1DropMargin    float64
	PromotionMargin float64
	ValidationSplit float64
}

// Options for one training run
type Options struct {
	Force           bool
	ValidationSplit float64
	Hyperparameters map[string]float64
}

// Result reports a completed training run
type Result struct {
	ModelVersion      string     `json:"model_version"`
	Metrics           ml.Metrics `json:"metrics"`
	Promoted          bool       `json:"promoted"`
	TrainingSamples   int        `json:"training_samples"`
	ValidationSamples int        `json:"validation_samples"`
}

// Decision is the outcome of a retraining check
type Decision struct {
	ShouldRetrain bool     `json:"should_retrain"`
	Reasons       []string `json:"reasons"`
}

// Trainer assembles training data from feedback, trains and validates
// candidate models, and promotes improvements into the scorer.
type Trainer struct {
	feedback  models.FeedbackRepository
	leads     models.LeadRepository
	versions  models.ModelVersionRepository
	extractor *features.Extractor
	scorer    *scoring.Scorer
	config    Config
	logger    *logrus.Logger

	mu sync.Mutex // single-flight guard for training runs
}

func NewTrainer(
	feedback models.FeedbackRepository,
	leads models.LeadRepository,
	versions models.ModelVersionRepository,
	extractor *features.Extractor,
	scorer *scoring.Scorer,
	config Config,
	logger *logrus.Logger,
) *Trainer {
	return &Trainer{
		feedback:  feedback,
		leads:     leads,
		versions:  versions,
		extractor: extractor,
		scorer:    scorer,
		config:    config,
		logger:    logger,
	}
}

// CheckRetrainingNeeded reports whether any retraining trigger fires:
// active model too old, enough new feedback accumulated, or the active
// model's F1 trailing the best recorded F1 by more than the margin.
func (t *Trainer) CheckRetrainingNeeded() (*Decision, error) {
	decision := &Decision{}

	active, err := t.versions.GetActive()
	if errors.Is(err, gorm.ErrRecordNotFound) {
		decision.ShouldRetrain = true
		decision.Reasons = append(decision.Reasons, "no active model")
		return decision, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up active model: %w", err)
	}

	if age := time.Since(active.CreatedAt); age > t.config.MaxModelAge {
		decision.Reasons = append(decision.Reasons,
			fmt.Sprintf("active model age %s exceeds %s", age.Round(time.Hour), t.config.MaxModelAge))
	}

	newEvents, err := t.feedback.CountSince(active.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to count new feedback: %w", err)
	}
	if newEvents >= t.config.MinNewFeedback {
		decision.Reasons = append(decision.Reasons,
			fmt.Sprintf("%d new feedback events since last training (threshold %d)", newEvents, t.config.MinNewFeedback))
	}

	bestF1, err := t.versions.BestF1()
	if err != nil {
		return nil, fmt.Errorf("failed to look up best F1: %w", err)
	}
	if bestF1-active.F1 > t.config.F1DropMargin {
		decision.Reasons = append(decision.Reasons,
			fmt.Sprintf("active F1 %.3f trails best recorded %.3f by more than %.3f", active.F1, bestF1, t.config.F1DropMargin))
	}

	decision.ShouldRetrain = len(decision.Reasons) > 0
	return decision, nil
}

type sample struct {
	leadID     string
	target     float64
	confidence float64
}

// TrainNewModel runs the full pipeline: assemble samples, split, train,
// evaluate, persist, and promote when the candidate beats the active model
// by the configured margin (ties keep the current model).
func (t *Trainer) TrainNewModel(ctx context.Context, opts Options) (*Result, error) {
	if !t.mu.TryLock() {
		return nil, ErrTrainingInProgress
	}
	defer t.mu.Unlock()

	split := opts.ValidationSplit
	if split <= 0 || split >= 1 {
		split = t.config.ValidationSplit
	}
	params := ml.HyperparametersFromMap(opts.Hyperparameters)

	active, err := t.versions.GetActive()
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up active model: %w", err)
	}

	since := time.Time{}
	if active != nil {
		since = active.CreatedAt
	}

	samples, err := t.assembleSamples(since)
	if err != nil {
		return nil, err
	}
	if len(samples) < t.config.MinSamples {
		return nil, &InsufficientDataError{Have: len(samples), Need: t.config.MinSamples}
	}

	vectors, targets, weights, err := t.extractSamples(samples)
	if err != nil {
		return nil, err
	}

	trainIdx, valIdx := stratifiedSplit(targets, split)

	trainX, trainY, trainW := gather(vectors, targets, weights, trainIdx)
	valX, valY, _ := gather(vectors, targets, weights, valIdx)

	t.logger.WithFields(logrus.Fields{
		"training_samples":   len(trainIdx),
		"validation_samples": len(valIdx),
		"num_trees":          params.NumTrees,
	}).Info("Training candidate model")

	model, err := ml.Train(ctx, trainX, trainY, trainW, features.Names(), features.SchemaVersion, params)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrTrainingCancelled, err)
		}
		return nil, fmt.Errorf("training failed: %w", err)
	}

	predictions := make([]float64, len(valX))
	for i, x := range valX {
		predictions[i] = model.Predict(x)
	}
	metrics, err := ml.Evaluate(predictions, valY)
	if err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	artifact, err := model.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize model: %w", err)
	}

	version := &models.ModelVersion{
		Version:           uuid.NewString(),
		Hyperparameters:   params.Map(),
		Precision:         metrics.Precision,
		Recall:            metrics.Recall,
		F1:                metrics.F1,
		AUC:               metrics.AUC,
		ConversionRate:    metrics.ConversionRate,
		TrainingSamples:   len(trainIdx),
		ValidationSamples: len(valIdx),
		SchemaVersion:     features.SchemaVersion,
		IsActive:          false,
		Artifact:          artifact,
	}
	if err := t.versions.Create(version); err != nil {
		return nil, fmt.Errorf("failed to persist model version: %w", err)
	}

	result := &Result{
		ModelVersion:      version.Version,
		Metrics:           metrics,
		TrainingSamples:   len(trainIdx),
		ValidationSamples: len(valIdx),
	}

	if t.shouldPromote(active, metrics, opts.Force) {
		if err := t.Promote(ctx, version.Version); err != nil {
			return result, fmt.Errorf("model trained but promotion failed: %w", err)
		}
		result.Promoted = true
	}

	t.logger.WithFields(logrus.Fields{
		"model_version": version.Version,
		"f1":            metrics.F1,
		"auc":           metrics.AUC,
		"promoted":      result.Promoted,
	}).Info("Training run completed")

	return result, nil
}

// shouldPromote requires the candidate to beat the active model's F1 by at
// least the promotion margin; an exact tie keeps the current model.
func (t *Trainer) shouldPromote(active *models.ModelVersion, metrics ml.Metrics, force bool) bool {
	if force {
		return true
	}
	if active == nil {
		return true
	}
	return metrics.F1 >= active.F1+t.config.PromotionMargin
}

// Promote atomically flips the active flag in the store and hot-swaps the
// scorer to the new version.
func (t *Trainer) Promote(ctx context.Context, version string) error {
	if err := t.versions.Activate(version); err != nil {
		return fmt.Errorf("failed to activate model version: %w", err)
	}
	if err := t.scorer.Activate(ctx, version); err != nil {
		return fmt.Errorf("failed to load promoted model: %w", err)
	}
	return nil
}

// assembleSamples builds one training sample per lead with feedback since
// the window start, keeping the strongest signal per lead: highest
// confidence, ties broken by highest target.
func (t *Trainer) assembleSamples(since time.Time) ([]sample, error) {
	events, err := t.feedback.GetSince(since)
	if err != nil {
		return nil, fmt.Errorf("failed to load feedback events: %w", err)
	}

	strongest := make(map[string]sample)
	var order []string
	for _, event := range events {
		cur, seen := strongest[event.LeadID]
		if !seen {
			order = append(order, event.LeadID)
		}
		if !seen || event.Confidence > cur.confidence ||
			(event.Confidence == cur.confidence && event.TargetScore > cur.target) {
			strongest[event.LeadID] = sample{
				leadID:     event.LeadID,
				target:     event.TargetScore,
				confidence: event.Confidence,
			}
		}
	}

	samples := make([]sample, 0, len(order))
	for _, leadID := range order {
		samples = append(samples, strongest[leadID])
	}
	return samples, nil
}

// extractSamples re-extracts features from the stored lead records, so every
// sample is produced by the current schema version regardless of what schema
// was live when the feedback arrived.
func (t *Trainer) extractSamples(samples []sample) ([][]float64, []float64, []float64, error) {
	ids := make([]string, len(samples))
	for i, s := range samples {
		ids[i] = s.leadID
	}

	leads, err := t.leads.GetByIDs(ids)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load lead records: %w", err)
	}
	byID := make(map[string]*models.Lead, len(leads))
	for i := range leads {
		byID[leads[i].ID] = &leads[i]
	}

	now := time.Now()
	var vectors [][]float64
	var targets, weights []float64
	skipped := 0
	for _, s := range samples {
		lead, ok := byID[s.leadID]
		if !ok {
			skipped++
			continue
		}
		fv := t.extractor.Extract(lead, now)
		vectors = append(vectors, fv.Values)
		targets = append(targets, s.target)
		weights = append(weights, s.confidence)
	}
	if skipped > 0 {
		t.logger.WithField("skipped", skipped).Warn("Feedback referenced leads with no stored record")
	}

	return vectors, targets, weights, nil
}

// stratifiedSplit partitions sample indices into train/validation sets,
// preserving the positive/negative ratio on both sides. The shuffle is
// seeded deterministically so a run is reproducible.
func stratifiedSplit(targets []float64, validationFraction float64) (train, validation []int) {
	var positives, negatives []int
	for i, y := range targets {
		if y >= 0.5 {
			positives = append(positives, i)
		} else {
			negatives = append(negatives, i)
		}
	}

	rng := rand.New(rand.NewSource(int64(len(targets))))
	split := func(class []int) {
		rng.Shuffle(len(class), func(i, j int) { class[i], class[j] = class[j], class[i] })
		nVal := int(float64(len(class)) * validationFraction)
		// Both sides need at least one sample when the class is non-empty
		if nVal == 0 && len(class) > 1 {
			nVal = 1
		}
		validation = append(validation, class[:nVal]...)
		train = append(train, class[nVal:]...)
	}
	split(positives)
	split(negatives)
	return train, validation
}

func gather(vectors [][]float64, targets, weights []float64, indices []int) ([][]float64, []float64, []float64) {
	x := make([][]float64, len(indices))
	y := make([]float64, len(indices))
	w := make([]float64, len(indices))
	for i, idx := range indices {
		x[i] = vectors[idx]
		y[i] = targets[idx]
		w[i] = weights[idx]
	}
	return x, y, w
}

// PeriodicRetraining checks the retraining triggers on an interval and runs
// a training pass when one fires. Runs off the scoring request path.
func (t *Trainer) PeriodicRetraining(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			decision, err := t.CheckRetrainingNeeded()
			if err != nil {
				t.logger.WithError(err).Error("Retraining check failed")
				continue
			}
			if !decision.ShouldRetrain {
				t.logger.Debug("Retraining not needed")
				continue
			}

			t.logger.WithField("reasons", decision.Reasons).Info("Retraining triggered")

			result, err := t.TrainNewModel(ctx, Options{})
			if err != nil {
				var insufficient *InsufficientDataError
				if errors.As(err, &insufficient) {
					t.logger.WithFields(logrus.Fields{
						"have": insufficient.Have,
						"need": insufficient.Need,
					}).Info("Retraining skipped, not enough samples")
					continue
				}
				t.logger.WithError(err).Error("Background training failed")
				continue
			}

			t.logger.WithFields(logrus.Fields{
				"model_version": result.ModelVersion,
				"promoted":      result.Promoted,
			}).Info("Background training completed")
		}
	}
}
