package abtest

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// Analysis verdicts. Statistical insufficiency is a structured result, not
// an error: an underpowered test must never read as a significant one.
const (
	VerdictInsufficientData        = "insufficient_data"
	VerdictNoSignificantDifference = "no_significant_difference"
	VerdictSignificantWinner       = "significant_winner"
)

// Comparison is the significance analysis of one variant against control
type Comparison struct {
	VariantName        string     `json:"variant_name"`
	ControlName        string     `json:"control_name"`
	ControlRate        float64    `json:"control_rate"`
	VariantRate        float64    `json:"variant_rate"`
	EffectSize         float64    `json:"effect_size"`
	ZStatistic         float64    `json:"z_statistic"`
	PValue             float64    `json:"p_value"`
	ConfidenceInterval [2]float64 `json:"confidence_interval"`
	Significant        bool       `json:"significant"`
	Verdict            string     `json:"verdict"`
}

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

// compareProportions runs a one-sided two-proportion z-test of the variant
// improving on control. Significance requires all three gates: p below the
// significance level, both sample sizes at or above the minimum, and the
// observed effect at or above the minimum effect size.
func compareProportions(
	controlConversions, controlSamples, variantConversions, variantSamples int64,
	alpha float64, minSamples int64, minEffect float64,
) Comparison {
	c := Comparison{}

	if controlSamples < minSamples || variantSamples < minSamples {
		c.Verdict = VerdictInsufficientData
		return c
	}

	pc := float64(controlConversions) / float64(controlSamples)
	pv := float64(variantConversions) / float64(variantSamples)
	c.ControlRate = pc
	c.VariantRate = pv
	c.EffectSize = pv - pc

	nc := float64(controlSamples)
	nv := float64(variantSamples)

	// Pooled standard error under the null of equal rates
	pooled := (float64(controlConversions) + float64(variantConversions)) / (nc + nv)
	se := math.Sqrt(pooled * (1 - pooled) * (1/nc + 1/nv))
	if se == 0 {
		c.Verdict = VerdictNoSignificantDifference
		return c
	}

	c.ZStatistic = (pv - pc) / se
	c.PValue = 1 - stdNormal.CDF(c.ZStatistic)

	// Two-sided interval on the rate difference, unpooled
	seDiff := math.Sqrt(pc*(1-pc)/nc + pv*(1-pv)/nv)
	zCrit := stdNormal.Quantile(1 - alpha/2)
	c.ConfidenceInterval = [2]float64{
		c.EffectSize - zCrit*seDiff,
		c.EffectSize + zCrit*seDiff,
	}

	if c.PValue < alpha && c.EffectSize >= minEffect {
		c.Significant = true
		c.Verdict = VerdictSignificantWinner
	} else {
		c.Verdict = VerdictNoSignificantDifference
	}
	return c
}
