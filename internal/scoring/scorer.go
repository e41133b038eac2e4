package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tmarsden/leadpulse/internal/features"
	"github.com/tmarsden/leadpulse/internal/ml"
	"github.com/tmarsden/leadpulse/internal/models"
	"gorm.io/gorm"
)

// FallbackVersion identifies results produced by the degraded heuristic
const FallbackVersion = "heuristic-fallback"

// ErrModelNotLoaded reports that no model is active. Scoring never returns
// it to callers; it degrades to the heuristic instead. Health checks use it.
var ErrModelNotLoaded = errors.New("no model loaded")

// SchemaIncompatibleError rejects activating a model trained against a
// feature schema the extractor no longer produces
type SchemaIncompatibleError struct {
	ModelSchema   string
	CurrentSchema string
}

func (e *SchemaIncompatibleError) Error() string {
	return fmt.Sprintf("model schema %s incompatible with current feature schema %s", e.ModelSchema, e.CurrentSchema)
}

// Result is the output of scoring one lead
type Result struct {
	LeadID            string             `json:"lead_id"`
	Score             int                `json:"score"`
	Confidence        float64            `json:"confidence"`
	ModelVersion      string             `json:"model_version"`
	FeatureImportance map[string]float64 `json:"feature_importance,omitempty"`
	Degraded          bool               `json:"degraded,omitempty"`
}

// snapshot is one fully loaded model; readers borrow it immutably
type snapshot struct {
	version string
	model   *ml.Model
}

// Scorer owns the active classifier behind an atomically swappable
// reference. A reader that acquired a snapshot before a swap finishes its
// prediction against that snapshot.
type Scorer struct {
	versions  models.ModelVersionRepository
	extractor *features.Extractor
	logger    *logrus.Logger
	topK      int

	active atomic.Pointer[snapshot]

	// Non-active versions loaded for A/B traffic
	mu     sync.Mutex
	loaded map[string]*snapshot
}

func NewScorer(versions models.ModelVersionRepository, extractor *features.Extractor, topK int, logger *logrus.Logger) *Scorer {
	if topK <= 0 {
		topK = 5
	}
	return &Scorer{
		versions:  versions,
		extractor: extractor,
		logger:    logger,
		topK:      topK,
		loaded:    make(map[string]*snapshot),
	}
}

// LoadActive loads whatever model is currently marked active in the store.
// A store with no active model leaves the scorer in degraded mode; that is
// a warning, not a startup failure.
func (s *Scorer) LoadActive(ctx context.Context) error {
	mv, err := s.versions.GetActive()
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Warn("No active model version, scoring will use the heuristic fallback")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up active model: %w", err)
	}
	return s.Activate(ctx, mv.Version)
}

// Activate loads and validates the given version, then atomically replaces
// the active reference. Readers never observe a partially loaded model.
func (s *Scorer) Activate(ctx context.Context, version string) error {
	snap, err := s.loadSnapshot(ctx, version)
	if err != nil {
		return err
	}

	s.active.Store(snap)
	s.logger.WithFields(logrus.Fields{
		"model_version":  version,
		"schema_version": snap.model.SchemaVersion,
		"trees":          len(snap.model.Trees),
	}).Info("Model activated")
	return nil
}

func (s *Scorer) loadSnapshot(ctx context.Context, version string) (*snapshot, error) {
	mv, err := s.loadArtifactWithRetry(ctx, version)
	if err != nil {
		return nil, err
	}

	model, err := ml.Unmarshal(mv.Artifact)
	if err != nil {
		return nil, fmt.Errorf("model version %s: %w", version, err)
	}

	if model.SchemaVersion != features.SchemaVersion {
		return nil, &SchemaIncompatibleError{
			ModelSchema:   model.SchemaVersion,
			CurrentSchema: features.SchemaVersion,
		}
	}

	return &snapshot{version: version, model: model}, nil
}

// ActiveVersion returns the active model version, or ErrModelNotLoaded
func (s *Scorer) ActiveVersion() (string, error) {
	snap := s.active.Load()
	if snap == nil {
		return "", ErrModelNotLoaded
	}
	return snap.version, nil
}

// Score extracts features for the lead and predicts with the active model
func (s *Scorer) Score(lead *models.Lead, now time.Time) *Result {
	fv := s.extractor.Extract(lead, now)
	return s.PredictSingle(lead.ID, fv)
}

// ScoreBatch scores leads in input order
func (s *Scorer) ScoreBatch(leads []models.Lead, now time.Time) []Result {
	results := make([]Result, len(leads))
	for i := range leads {
		results[i] = *s.Score(&leads[i], now)
	}
	return results
}

// PredictSingle maps the classifier's probability onto 0-100. With no model
// loaded it returns the deterministic heuristic instead of failing.
func (s *Scorer) PredictSingle(leadID string, fv *features.FeatureVector) *Result {
	snap := s.active.Load()
	if snap == nil {
		return s.heuristic(leadID, fv)
	}
	return predictWith(snap, leadID, fv, s.topK)
}

// PredictBatch produces results in input order
func (s *Scorer) PredictBatch(leadIDs []string, vectors []*features.FeatureVector) []Result {
	results := make([]Result, len(vectors))
	for i := range vectors {
		results[i] = *s.PredictSingle(leadIDs[i], vectors[i])
	}
	return results
}

// PredictWithVersion scores against a specific model version, loading and
// memoizing it when it is not the active one. A/B traffic uses this path.
func (s *Scorer) PredictWithVersion(ctx context.Context, version, leadID string, fv *features.FeatureVector) (*Result, error) {
	if snap := s.active.Load(); snap != nil && snap.version == version {
		return predictWith(snap, leadID, fv, s.topK), nil
	}

	s.mu.Lock()
	snap, ok := s.loaded[version]
	s.mu.Unlock()

	if !ok {
		var err error
		snap, err = s.loadSnapshot(ctx, version)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.loaded[version] = snap
		s.mu.Unlock()
	}

	return predictWith(snap, leadID, fv, s.topK), nil
}

func predictWith(snap *snapshot, leadID string, fv *features.FeatureVector, topK int) *Result {
	p := snap.model.Predict(fv.Values)

	score := int(math.Round(p * 100))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return &Result{
		LeadID:            leadID,
		Score:             score,
		Confidence:        math.Abs(p-0.5) * 2,
		ModelVersion:      snap.version,
		FeatureImportance: snap.model.FeatureImportance(topK),
	}
}

// heuristic is the degraded scoring path: the mean of the bounded numeric
// features mapped onto 0-100, near-zero confidence, flagged degraded.
func (s *Scorer) heuristic(leadID string, fv *features.FeatureVector) *Result {
	score := int(math.Round(fv.BoundedMean() * 100))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	s.logger.WithField("lead_id", leadID).Debug("Scoring degraded to heuristic, no model loaded")

	return &Result{
		LeadID:       leadID,
		Score:        score,
		Confidence:   0.05,
		ModelVersion: FallbackVersion,
		Degraded:     true,
	}
}

// ListVersions returns recent model version metadata
func (s *Scorer) ListVersions(limit int) ([]models.ModelVersion, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.versions.List(limit)
}

// Prune deletes old inactive versions, keeping the keepCount most recent
// plus the active one, and drops any memoized snapshots so a deleted
// version cannot keep serving A/B traffic.
func (s *Scorer) Prune(keepCount int) (int, error) {
	deleted, err := s.versions.Prune(keepCount)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.loaded = make(map[string]*snapshot)
	s.mu.Unlock()

	if deleted > 0 {
		s.logger.WithFields(logrus.Fields{
			"deleted": deleted,
			"kept":    keepCount,
		}).Info("Pruned old model versions")
	}
	return deleted, nil
}
