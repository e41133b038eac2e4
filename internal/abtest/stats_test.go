package abtest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompareProportions_SignificantWinner(t *testing.T) {
	// Control 10% over 500, variant 14% over 500
	c := compareProportions(50, 500, 70, 500, 0.05, 100, 0.02)

	assert.Equal(t, VerdictSignificantWinner, c.Verdict)
	assert.True(t, c.Significant)
	assert.InDelta(t, 0.10, c.ControlRate, 1e-9)
	assert.InDelta(t, 0.14, c.VariantRate, 1e-9)
	assert.InDelta(t, 0.04, c.EffectSize, 1e-9)
	assert.Less(t, c.PValue, 0.05)
	assert.Greater(t, c.ZStatistic, 0.0)
}

func TestCompareProportions_InsufficientData(t *testing.T) {
	c := compareProportions(5, 50, 9, 60, 0.05, 100, 0.02)

	assert.Equal(t, VerdictInsufficientData, c.Verdict)
	assert.False(t, c.Significant)
	// No rates computed below the sample floor
	assert.Equal(t, 0.0, c.PValue)
}

func TestCompareProportions_NoSignificantDifference(t *testing.T) {
	c := compareProportions(50, 500, 52, 500, 0.05, 100, 0.02)

	assert.Equal(t, VerdictNoSignificantDifference, c.Verdict)
	assert.False(t, c.Significant)
	assert.GreaterOrEqual(t, c.PValue, 0.05)
}

func TestCompareProportions_EffectSizeGate(t *testing.T) {
	// Large samples make a tiny lift significant by p-value alone; the
	// minimum effect size still blocks it.
	c := compareProportions(10000, 100000, 10350, 100000, 0.05, 100, 0.02)

	assert.Less(t, c.PValue, 0.05)
	assert.False(t, c.Significant)
	assert.Equal(t, VerdictNoSignificantDifference, c.Verdict)
}

func TestCompareProportions_VariantWorseThanControl(t *testing.T) {
	c := compareProportions(70, 500, 50, 500, 0.05, 100, 0.02)

	assert.False(t, c.Significant)
	assert.Less(t, c.ZStatistic, 0.0)
	assert.Greater(t, c.PValue, 0.5)
}

func TestCompareProportions_ZeroVariance(t *testing.T) {
	c := compareProportions(0, 500, 0, 500, 0.05, 100, 0.02)

	assert.Equal(t, VerdictNoSignificantDifference, c.Verdict)
	assert.False(t, c.Significant)
}

func TestCompareProportions_ConfidenceIntervalBracketsEffect(t *testing.T) {
	c := compareProportions(50, 500, 70, 500, 0.05, 100, 0.02)

	assert.Less(t, c.ConfidenceInterval[0], c.EffectSize)
	assert.Greater(t, c.ConfidenceInterval[1], c.EffectSize)
}
