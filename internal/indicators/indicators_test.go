package indicators

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEMASeedsWithSMA(t *testing.T) {
	src := []float64{1, 2, 3, 4, 5, 6}
	e := EMA(src, 3)
	require.True(t, math.IsNaN(e[0]))
	require.True(t, math.IsNaN(e[1]))
	assert.InDelta(t, 2.0, e[2], 1e-9) // SMA(1,2,3)
	assert.False(t, math.IsNaN(e[5]))
}

func TestLastEMAShortSeriesIsNaN(t *testing.T) {
	assert.True(t, math.IsNaN(LastEMA([]float64{1, 2}, 5)))
}

func TestRSIFlatSeriesIsFifty(t *testing.T) {
	src := make([]float64, 20)
	for i := range src {
		src[i] = 100
	}
	r := RSI(src, 14)
	assert.InDelta(t, 50, r[19], 1e-9)
}

func TestRSIAllUpMovesIsHundred(t *testing.T) {
	src := make([]float64, 20)
	for i := range src {
		src[i] = float64(i)
	}
	r := RSI(src, 14)
	assert.InDelta(t, 100, r[19], 1e-9)
}

func TestATRConstantRangeConverges(t *testing.T) {
	n := 30
	high := make([]float64, n)
	low := make([]float64, n)
	close := make([]float64, n)
	for i := 0; i < n; i++ {
		high[i] = 101
		low[i] = 99
		close[i] = 100
	}
	got := LastATR(high, low, close, 14)
	assert.InDelta(t, 2.0, got, 1e-9)
}

func TestLorentzianDistanceZeroForIdenticalVectors(t *testing.T) {
	a := []float64{1, 2, 3, 4, 5}
	assert.Equal(t, 0.0, LorentzianDistance(a, a))
}

func TestLorentzianDistanceMonotonicInGap(t *testing.T) {
	a := []float64{0, 0, 0}
	near := []float64{0.1, 0, 0}
	far := []float64{5, 0, 0}
	assert.Less(t, LorentzianDistance(a, near), LorentzianDistance(a, far))
}

func TestTrendlineBreakUptrend(t *testing.T) {
	close := make([]float64, 20)
	for i := range close {
		close[i] = float64(i)
	}
	close[19] = 100 // sharp break above the fitted line
	assert.True(t, TrendlineBreak(close, 20, true))
	assert.False(t, TrendlineBreak(close, 20, false))
}

func TestRegressionTrendlineInsufficientBarsIsNaN(t *testing.T) {
	slope, _ := RegressionTrendline([]float64{1, 2}, 5)
	assert.True(t, math.IsNaN(slope))
}
