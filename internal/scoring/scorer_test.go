package scoring

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmarsden/leadpulse/internal/features"
	"github.com/tmarsden/leadpulse/internal/ml"
	"github.com/tmarsden/leadpulse/internal/models"
	"gorm.io/gorm"
)

type fakeVersionRepo struct {
	byVersion map[string]*models.ModelVersion
	active    string
	pruned    int
}

func newFakeVersionRepo() *fakeVersionRepo {
	return &fakeVersionRepo{byVersion: map[string]*models.ModelVersion{}}
}

func (f *fakeVersionRepo) Create(v *models.ModelVersion) error {
	f.byVersion[v.Version] = v
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

func (f *fakeVersionRepo) List(limit int) ([]models.ModelVersion, error) {
	out := make([]models.ModelVersion, 0, len(f.byVersion))
	for _, v := range f.byVersion {
		out = append(out, *v)
	}
	return out, nil
}

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

func (f *fakeVersionRepo) Prune(keepCount int) (int, error) {
	f.pruned++
	return 2, nil
}

type staticStats struct{}

func (staticStats) RecordOutcome(location, category string, success bool) error { return nil }
func (staticStats) LocationRate(name string) (float64, bool, error)             { return 0, false, nil }
func (staticStats) CategoryRate(name string) (float64, bool, error)             { return 0, false, nil }
func (staticStats) SegmentRate(category, location string) (float64, bool, error) {
	return 0, false, nil
}
func (staticStats) GlobalRate() (float64, error) { return 0.5, nil }

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// trainedArtifact builds a model over the full feature schema whose
// prediction is driven by the first feature
func trainedArtifact(t *testing.T, schemaVersion string) []byte {
	t.Helper()

	dims := features.Count()
	var x [][]float64
	var y, w []float64
	for i := 0; i < 80; i++ {
		row := make([]float64, dims)
		row[0] = float64(i) / 80
		x = append(x, row)
		label := 0.0
		if row[0] >= 0.5 {
			label = 1.0
		}
		y = append(y, label)
		w = append(w, 1.0)
	}

	model, err := ml.Train(context.Background(), x, y, w, features.Names(), schemaVersion, ml.DefaultHyperparameters())
	require.NoError(t, err)

	data, err := model.Marshal()
	require.NoError(t, err)
	return data
}

func storeVersion(t *testing.T, repo *fakeVersionRepo, version, schemaVersion string) {
	t.Helper()
	require.NoError(t, repo.Create(&models.ModelVersion{
		Version:       version,
		SchemaVersion: schemaVersion,
		Artifact:      trainedArtifact(t, schemaVersion),
	}))
}

func testVector(first float64) *features.FeatureVector {
	values := make([]float64, features.Count())
	values[0] = first
	return &features.FeatureVector{SchemaVersion: features.SchemaVersion, Values: values}
}

func TestScorer_FallbackWhenNoModel(t *testing.T) {
	repo := newFakeVersionRepo()
	extractor := features.NewExtractor(staticStats{}, 24, quietLogger())
	scorer := NewScorer(repo, extractor, 5, quietLogger())

	require.NoError(t, scorer.LoadActive(context.Background()))

	_, err := scorer.ActiveVersion()
	assert.ErrorIs(t, err, ErrModelNotLoaded)

	result := scorer.PredictSingle("lead-1", testVector(0.9))
	assert.True(t, result.Degraded)
	assert.Equal(t, FallbackVersion, result.ModelVersion)
	assert.Equal(t, 0.05, result.Confidence)
	assert.GreaterOrEqual(t, result.Score, 0)
	assert.LessOrEqual(t, result.Score, 100)
}

func TestScorer_ActivateAndScore(t *testing.T) {
	repo := newFakeVersionRepo()
	storeVersion(t, repo, "model-a", features.SchemaVersion)

	extractor := features.NewExtractor(staticStats{}, 24, quietLogger())
	scorer := NewScorer(repo, extractor, 5, quietLogger())

	require.NoError(t, scorer.Activate(context.Background(), "model-a"))

	version, err := scorer.ActiveVersion()
	require.NoError(t, err)
	assert.Equal(t, "model-a", version)

	high := scorer.PredictSingle("lead-1", testVector(0.9))
	low := scorer.PredictSingle("lead-2", testVector(0.1))

	assert.False(t, high.Degraded)
	assert.Equal(t, "model-a", high.ModelVersion)
	assert.Greater(t, high.Score, low.Score)
	assert.NotEmpty(t, high.FeatureImportance)
}

func TestScorer_HotSwap(t *testing.T) {
	repo := newFakeVersionRepo()
	storeVersion(t, repo, "model-a", features.SchemaVersion)
	storeVersion(t, repo, "model-b", features.SchemaVersion)

	extractor := features.NewExtractor(staticStats{}, 24, quietLogger())
	scorer := NewScorer(repo, extractor, 5, quietLogger())

	require.NoError(t, scorer.Activate(context.Background(), "model-a"))
	require.NoError(t, scorer.Activate(context.Background(), "model-b"))

	version, err := scorer.ActiveVersion()
	require.NoError(t, err)
	assert.Equal(t, "model-b", version)

	result := scorer.PredictSingle("lead-1", testVector(0.8))
	assert.Equal(t, "model-b", result.ModelVersion)
}

func TestScorer_SchemaMismatchRejected(t *testing.T) {
	repo := newFakeVersionRepo()
	storeVersion(t, repo, "model-old", "v0")

	extractor := features.NewExtractor(staticStats{}, 24, quietLogger())
	scorer := NewScorer(repo, extractor, 5, quietLogger())

	err := scorer.Activate(context.Background(), "model-old")
	require.Error(t, err)

	var incompatible *SchemaIncompatibleError
	assert.ErrorAs(t, err, &incompatible)
	assert.Equal(t, "v0", incompatible.ModelSchema)

	// The failed activation must not leave a partially loaded model
	_, err = scorer.ActiveVersion()
	assert.ErrorIs(t, err, ErrModelNotLoaded)
}

func TestScorer_BatchPreservesOrder(t *testing.T) {
	repo := newFakeVersionRepo()
	storeVersion(t, repo, "model-a", features.SchemaVersion)

	extractor := features.NewExtractor(staticStats{}, 24, quietLogger())
	scorer := NewScorer(repo, extractor, 5, quietLogger())
	require.NoError(t, scorer.Activate(context.Background(), "model-a"))

	ids := []string{"c", "a", "b"}
	vectors := []*features.FeatureVector{testVector(0.2), testVector(0.5), testVector(0.8)}

	results := scorer.PredictBatch(ids, vectors)
	require.Len(t, results, 3)
	for i, id := range ids {
		assert.Equal(t, id, results[i].LeadID)
	}
}

func TestScorer_ScoreBatchFromLeads(t *testing.T) {
	repo := newFakeVersionRepo()
	storeVersion(t, repo, "model-a", features.SchemaVersion)

	extractor := features.NewExtractor(staticStats{}, 24, quietLogger())
	scorer := NewScorer(repo, extractor, 5, quietLogger())
	require.NoError(t, scorer.Activate(context.Background(), "model-a"))

	now := time.Now()
	leads := []models.Lead{
		{ID: "lead-1", Title: "First", PostedAt: now},
		{ID: "lead-2", Title: "Second", PostedAt: now},
	}

	results := scorer.ScoreBatch(leads, now)
	require.Len(t, results, 2)
	assert.Equal(t, "lead-1", results[0].LeadID)
	assert.Equal(t, "lead-2", results[1].LeadID)
}

func TestScorer_PredictWithVersionMemoizes(t *testing.T) {
	repo := newFakeVersionRepo()
	storeVersion(t, repo, "model-a", features.SchemaVersion)
	storeVersion(t, repo, "model-b", features.SchemaVersion)

	extractor := features.NewExtractor(staticStats{}, 24, quietLogger())
	scorer := NewScorer(repo, extractor, 5, quietLogger())
	require.NoError(t, scorer.Activate(context.Background(), "model-a"))

	result, err := scorer.PredictWithVersion(context.Background(), "model-b", "lead-1", testVector(0.8))
	require.NoError(t, err)
	assert.Equal(t, "model-b", result.ModelVersion)

	// Second call served from the memoized snapshot
	again, err := scorer.PredictWithVersion(context.Background(), "model-b", "lead-1", testVector(0.8))
	require.NoError(t, err)
	assert.Equal(t, result.Score, again.Score)
}

func TestScorer_PruneClearsLoadedSnapshots(t *testing.T) {
	repo := newFakeVersionRepo()
	storeVersion(t, repo, "model-a", features.SchemaVersion)

	extractor := features.NewExtractor(staticStats{}, 24, quietLogger())
	scorer := NewScorer(repo, extractor, 5, quietLogger())

	deleted, err := scorer.Prune(3)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	assert.Equal(t, 1, repo.pruned)
}
