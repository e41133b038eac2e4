package ml

// Gradient-boosted decision trees for binary classification with soft
// labels. Trees are fit to second-order gradients of the logistic loss;
// every sample carries a confidence weight. Artifacts serialize to JSON.

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

const regLambda = 1.0

// Hyperparameters for one training run
type Hyperparameters struct {
	NumTrees      int     `json:"num_trees"`
	MaxDepth      int     `json:"max_depth"`
	LearningRate  float64 `json:"learning_rate"`
	MinLeafWeight float64 `json:"min_leaf_weight"`
}

func DefaultHyperparameters() Hyperparameters {
	return Hyperparameters{
		NumTrees:      50,
		MaxDepth:      3,
		LearningRate:  0.1,
		MinLeafWeight: 1.0,
	}
}

// Map returns the hyperparameters as a flat map for persistence
func (h Hyperparameters) Map() map[string]float64 {
	return map[string]float64{
		"num_trees":       float64(h.NumTrees),
		"max_depth":       float64(h.MaxDepth),
		"learning_rate":   h.LearningRate,
		"min_leaf_weight": h.MinLeafWeight,
	}
}

// HyperparametersFromMap overlays the given values onto the defaults
func HyperparametersFromMap(m map[string]float64) Hyperparameters {
	params := DefaultHyperparameters()
	if v, ok := m["num_trees"]; ok && v > 0 {
		params.NumTrees = int(v)
	}
	if v, ok := m["max_depth"]; ok && v > 0 {
		params.MaxDepth = int(v)
	}
	if v, ok := m["learning_rate"]; ok && v > 0 {
		params.LearningRate = v
	}
	if v, ok := m["min_leaf_weight"]; ok && v > 0 {
		params.MinLeafWeight = v
	}
	return params
}

type node struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t"`
	Left      int     `json:"l"`
	Right     int     `json:"r"`
	Leaf      bool    `json:"leaf"`
	Value     float64 `json:"v"`
}

type tree struct {
	Nodes []node `json:"nodes"`
}

func (t *tree) predict(x []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Leaf {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// Model is a trained gradient-boosted ensemble
type Model struct {
	SchemaVersion string          `json:"schema_version"`
	FeatureNames  []string        `json:"feature_names"`
	BaseScore     float64         `json:"base_score"`
	Params        Hyperparameters `json:"params"`
	Trees         []tree          `json:"trees"`
	Gain          []float64       `json:"gain"`
}

// Predict returns the probability-like output for one feature vector
func (m *Model) Predict(x []float64) float64 {
	sum := m.BaseScore
	for i := range m.Trees {
		sum += m.Params.LearningRate * m.Trees[i].predict(x)
	}
	return sigmoid(sum)
}

// FeatureImportance returns the topK features by accumulated split gain,
// normalized so the weights sum to 1
func (m *Model) FeatureImportance(topK int) map[string]float64 {
	type entry struct {
		name string
		gain float64
	}
	var total float64
	entries := make([]entry, 0, len(m.Gain))
	for i, g := range m.Gain {
		if g > 0 && i < len(m.FeatureNames) {
			entries = append(entries, entry{name: m.FeatureNames[i], gain: g})
			total += g
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].gain != entries[j].gain {
			return entries[i].gain > entries[j].gain
		}
		return entries[i].name < entries[j].name
	})
	if topK > 0 && len(entries) > topK {
		entries = entries[:topK]
	}

	out := make(map[string]float64, len(entries))
	for _, e := range entries {
		if total > 0 {
			out[e.name] = e.gain / total
		}
	}
	return out
}

// Marshal serializes the model artifact
func (m *Model) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal deserializes a model artifact
func Unmarshal(data []byte) (*Model, error) {
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode model artifact: %w", err)
	}
	if len(m.Trees) == 0 {
		return nil, fmt.Errorf("model artifact has no trees")
	}
	return &m, nil
}

// Train fits a boosted ensemble to soft targets y in [0,1] with per-sample
// weights w. The context is checked between boosting rounds so a caller can
// cancel a long run cooperatively.
func Train(ctx context.Context, features [][]float64, targets, weights []float64, featureNames []string, schemaVersion string, params Hyperparameters) (*Model, error) {
	n := len(features)
	if n == 0 {
		return nil, fmt.Errorf("no training samples")
	}
	if len(targets) != n || len(weights) != n {
		return nil, fmt.Errorf("targets/weights length mismatch: %d samples, %d targets, %d weights", n, len(targets), len(weights))
	}
	dims := len(features[0])
	for i, row := range features {
		if len(row) != dims {
			return nil, fmt.Errorf("sample %d has %d features, expected %d", i, len(row), dims)
		}
	}

	// Base prediction is the logit of the weighted mean target
	var sumWY, sumW float64
	for i := range targets {
		sumWY += weights[i] * targets[i]
		sumW += weights[i]
	}
	mean := clamp(sumWY/sumW, 1e-4, 1-1e-4)
	base := math.Log(mean / (1 - mean))

	model := &Model{
		SchemaVersion: schemaVersion,
		FeatureNames:  featureNames,
		BaseScore:     base,
		Params:        params,
		Gain:          make([]float64, dims),
	}

	raw := make([]float64, n)
	for i := range raw {
		raw[i] = base
	}

	grads := make([]float64, n)
	hess := make([]float64, n)
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}

	for round := 0; round < params.NumTrees; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for i := 0; i < n; i++ {
			p := sigmoid(raw[i])
			grads[i] = weights[i] * (p - targets[i])
			hess[i] = weights[i] * math.Max(p*(1-p), 1e-6)
		}

		b := &treeBuilder{
			features: features,
			grads:    grads,
			hess:     hess,
			params:   params,
			gain:     model.Gain,
		}
		t := b.build(indices)
		model.Trees = append(model.Trees, t)

		for i := 0; i < n; i++ {
			raw[i] += params.LearningRate * t.predict(features[i])
		}
	}

	return model, nil
}

type treeBuilder struct {
	features [][]float64
	grads    []float64
	hess     []float64
	params   Hyperparameters
	gain     []float64
}

func (b *treeBuilder) build(indices []int) tree {
	t := tree{}
	b.grow(&t, indices, 0)
	return t
}

// grow appends a node for the given samples and returns its index
func (b *treeBuilder) grow(t *tree, indices []int, depth int) int {
	var g, h float64
	for _, i := range indices {
		g += b.grads[i]
		h += b.hess[i]
	}

	idx := len(t.Nodes)
	t.Nodes = append(t.Nodes, node{})

	if depth >= b.params.MaxDepth {
		t.Nodes[idx] = leafNode(g, h)
		return idx
	}

	feature, threshold, gain, ok := b.bestSplit(indices, g, h)
	if !ok {
		t.Nodes[idx] = leafNode(g, h)
		return idx
	}

	b.gain[feature] += gain

	var left, right []int
	for _, i := range indices {
		if b.features[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	leftIdx := b.grow(t, left, depth+1)
	rightIdx := b.grow(t, right, depth+1)
	t.Nodes[idx] = node{Feature: feature, Threshold: threshold, Left: leftIdx, Right: rightIdx}
	return idx
}

func leafNode(g, h float64) node {
	return node{Leaf: true, Value: -g / (h + regLambda)}
}

// bestSplit scans every feature for the threshold with the highest
// second-order gain, honoring the minimum leaf weight on both sides
func (b *treeBuilder) bestSplit(indices []int, totalG, totalH float64) (int, float64, float64, bool) {
	parentScore := totalG * totalG / (totalH + regLambda)

	bestGain := 1e-9
	bestFeature := -1
	bestThreshold := 0.0

	dims := len(b.features[indices[0]])
	order := make([]int, len(indices))

	for f := 0; f < dims; f++ {
		copy(order, indices)
		sort.Slice(order, func(i, j int) bool {
			return b.features[order[i]][f] < b.features[order[j]][f]
		})

		var gl, hl float64
		for k := 0; k < len(order)-1; k++ {
			i := order[k]
			gl += b.grads[i]
			hl += b.hess[i]

			cur, next := b.features[i][f], b.features[order[k+1]][f]
			if cur == next {
				continue
			}

			gr := totalG - gl
			hr := totalH - hl
			if hl < b.params.MinLeafWeight || hr < b.params.MinLeafWeight {
				continue
			}

			gain := gl*gl/(hl+regLambda) + gr*gr/(hr+regLambda) - parentScore
			if gain > bestGain {
				bestGain = gain
				bestFeature = f
				bestThreshold = (cur + next) / 2
			}
		}
	}

	if bestFeature < 0 {
		return 0, 0, 0, false
	}
	return bestFeature, bestThreshold, bestGain, true
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
