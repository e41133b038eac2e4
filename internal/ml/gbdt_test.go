package ml

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// separableData builds a toy set where the first feature fully determines
// the label
func separableData(n int) (features [][]float64, targets, weights []float64) {
	for i := 0; i < n; i++ {
		x := float64(i) / float64(n)
		y := 0.0
		if x >= 0.5 {
			y = 1.0
		}
		features = append(features, []float64{x, float64(i % 3)})
		targets = append(targets, y)
		weights = append(weights, 1.0)
	}
	return features, targets, weights
}

func TestTrain_SeparableData(t *testing.T) {
	features, targets, weights := separableData(100)

	model, err := Train(context.Background(), features, targets, weights,
		[]string{"x", "noise"}, "v1", DefaultHyperparameters())
	require.NoError(t, err)
	require.Len(t, model.Trees, 50)

	low := model.Predict([]float64{0.1, 0})
	high := model.Predict([]float64{0.9, 0})

	assert.Less(t, low, 0.3)
	assert.Greater(t, high, 0.7)
}

func TestTrain_PredictionsBounded(t *testing.T) {
	features, targets, weights := separableData(60)

	model, err := Train(context.Background(), features, targets, weights,
		[]string{"x", "noise"}, "v1", DefaultHyperparameters())
	require.NoError(t, err)

	for _, x := range features {
		p := model.Predict(x)
		assert.GreaterOrEqual(t, p, 0.0)
		assert.LessOrEqual(t, p, 1.0)
	}
}

func TestTrain_Cancellation(t *testing.T) {
	features, targets, weights := separableData(100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Train(ctx, features, targets, weights,
		[]string{"x", "noise"}, "v1", DefaultHyperparameters())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTrain_DimensionValidation(t *testing.T) {
	_, err := Train(context.Background(), nil, nil, nil, nil, "v1", DefaultHyperparameters())
	assert.Error(t, err)

	features := [][]float64{{1, 2}, {3}}
	_, err = Train(context.Background(), features, []float64{0, 1}, []float64{1, 1},
		[]string{"a", "b"}, "v1", DefaultHyperparameters())
	assert.Error(t, err)

	_, err = Train(context.Background(), [][]float64{{1, 2}}, []float64{0, 1}, []float64{1},
		[]string{"a", "b"}, "v1", DefaultHyperparameters())
	assert.Error(t, err)
}

func TestTrain_ConfidenceWeightsShiftPredictions(t *testing.T) {
	// Identical feature vectors with conflicting soft labels. The heavily
	// weighted positive label should pull the prediction above 0.5.
	features := [][]float64{}
	targets := []float64{}
	weights := []float64{}
	for i := 0; i < 30; i++ {
		features = append(features, []float64{1.0})
		if i%2 == 0 {
			targets = append(targets, 1.0)
			weights = append(weights, 1.0)
		} else {
			targets = append(targets, 0.0)
			weights = append(weights, 0.2)
		}
	}

	model, err := Train(context.Background(), features, targets, weights,
		[]string{"x"}, "v1", DefaultHyperparameters())
	require.NoError(t, err)

	assert.Greater(t, model.Predict([]float64{1.0}), 0.5)
}

func TestModel_ArtifactRoundtrip(t *testing.T) {
	features, targets, weights := separableData(60)

	model, err := Train(context.Background(), features, targets, weights,
		[]string{"x", "noise"}, "v1", DefaultHyperparameters())
	require.NoError(t, err)

	data, err := model.Marshal()
	require.NoError(t, err)

	restored, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, model.SchemaVersion, restored.SchemaVersion)
	assert.Equal(t, model.FeatureNames, restored.FeatureNames)

	for _, x := range features {
		assert.InDelta(t, model.Predict(x), restored.Predict(x), 1e-12)
	}
}

func TestUnmarshal_RejectsEmptyModel(t *testing.T) {
	_, err := Unmarshal([]byte(`{"schema_version":"v1","trees":[]}`))
	assert.Error(t, err)

	_, err = Unmarshal([]byte(`not json`))
	assert.Error(t, err)
}

func TestModel_FeatureImportance(t *testing.T) {
	features, targets, weights := separableData(100)

	model, err := Train(context.Background(), features, targets, weights,
		[]string{"x", "noise"}, "v1", DefaultHyperparameters())
	require.NoError(t, err)

	importance := model.FeatureImportance(5)
	require.NotEmpty(t, importance)

	// The informative feature dominates
	assert.Greater(t, importance["x"], 0.5)

	var total float64
	for _, v := range importance {
		total += v
	}
	assert.LessOrEqual(t, total, 1.0+1e-9)
}

func TestHyperparametersFromMap(t *testing.T) {
	params := HyperparametersFromMap(map[string]float64{
		"num_trees":     10,
		"learning_rate": 0.3,
	})
	assert.Equal(t, 10, params.NumTrees)
	assert.Equal(t, 0.3, params.LearningRate)
	// Unset values keep defaults
	assert.Equal(t, DefaultHyperparameters().MaxDepth, params.MaxDepth)

	// Invalid values are ignored
	params = HyperparametersFromMap(map[string]float64{"num_trees": -5})
	assert.Equal(t, DefaultHyperparameters().NumTrees, params.NumTrees)
}
