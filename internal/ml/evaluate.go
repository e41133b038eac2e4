package ml

import (
	"fmt"
	"sort"
)

// Metrics holds the validation metrics recorded with each model version
type Metrics struct {
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
	F1             float64 `json:"f1"`
	AUC            float64 `json:"auc"`
	ConversionRate float64 `json:"conversion_rate"`
}

const (
	labelThreshold = 0.5
	// highScoreThreshold marks the "would be surfaced to a user" band used
	// for the business conversion-rate metric
	highScoreThreshold = 0.7
)

// Evaluate computes classification and business metrics on a validation
// split. Soft targets are binarized at 0.5 for the thresholded metrics;
// AUC uses the full ranking.
func Evaluate(predictions, targets []float64) (Metrics, error) {
	if len(predictions) != len(targets) {
		return Metrics{}, fmt.Errorf("predictions/targets length mismatch: %d vs %d", len(predictions), len(targets))
	}
	if len(predictions) == 0 {
		return Metrics{}, fmt.Errorf("no validation samples")
	}

	var tp, fp, fn float64
	var highScored, highConverted float64
	for i := range predictions {
		positive := targets[i] >= labelThreshold
		predicted := predictions[i] >= labelThreshold

		switch {
		case predicted && positive:
			tp++
		case predicted && !positive:
			fp++
		case !predicted && positive:
			fn++
		}

		if predictions[i] >= highScoreThreshold {
			highScored++
			if positive {
				highConverted++
			}
		}
	}

	m := Metrics{}
	if tp+fp > 0 {
		m.Precision = tp / (tp + fp)
	}
	if tp+fn > 0 {
		m.Recall = tp / (tp + fn)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	if highScored > 0 {
		m.ConversionRate = highConverted / highScored
	}
	m.AUC = auc(predictions, targets)

	return m, nil
}

// auc computes the area under the ROC curve by the rank statistic, with
// average ranks for tied predictions
func auc(predictions, targets []float64) float64 {
	n := len(predictions)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		return predictions[order[i]] < predictions[order[j]]
	})

	ranks := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j < n && predictions[order[j]] == predictions[order[i]] {
			j++
		}
		// Average rank over the tie group, 1-based
		avg := (float64(i+1) + float64(j)) / 2
		for k := i; k < j; k++ {
			ranks[order[k]] = avg
		}
		i = j
	}

	var positives, rankSum float64
	for i := range targets {
		if targets[i] >= labelThreshold {
			positives++
			rankSum += ranks[i]
		}
	}
	negatives := float64(n) - positives
	if positives == 0 || negatives == 0 {
		return 0.5
	}

	return (rankSum - positives*(positives+1)/2) / (positives * negatives)
}
