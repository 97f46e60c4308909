package ml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func risingSeries(l *Lorentzian, n int, startClose float64) {
	for i := 0; i < n; i++ {
		l.Observe(Features{RSI14: 1, WT: 1, CCI20: 1, ADX20: 1, RSI9: 1}, startClose+float64(i))
	}
}

func TestPredictNotWarmBelowWarmupBars(t *testing.T) {
	l := NewLorentzian(KNNConfig{K: 8, MaxBack: 2000, Stride: 1, LabelHorizon: 1, WarmupBars: 600}, nil)
	risingSeries(l, 5, 1)
	sig := l.Predict(nil, 5)
	assert.False(t, sig.Warm)
	assert.Equal(t, BiasNeutral, sig.Bias)
}

func TestPredictNeutralWithEmptyHistory(t *testing.T) {
	l := NewLorentzian(KNNConfig{K: 8, MaxBack: 2000, Stride: 1, LabelHorizon: 1, WarmupBars: 0}, nil)
	sig := l.Predict(nil, 100)
	assert.True(t, sig.Warm)
	assert.Equal(t, BiasNeutral, sig.Bias)
	assert.Equal(t, 0.0, sig.Confidence)
}

func TestPredictBiasLongOnRisingCloses(t *testing.T) {
	l := NewLorentzian(KNNConfig{K: 8, MaxBack: 2000, Stride: 1, LabelHorizon: 1, WarmupBars: 0}, nil)
	risingSeries(l, 5, 1) // closes 1,2,3,4,5, identical feature vectors each bar
	sig := l.Predict(nil, 5)
	require.Equal(t, BiasLong, sig.Bias)
	assert.InDelta(t, 1.0, sig.Confidence, 1e-9)
}

func TestPredictBiasShortOnFallingCloses(t *testing.T) {
	l := NewLorentzian(KNNConfig{K: 8, MaxBack: 2000, Stride: 1, LabelHorizon: 1, WarmupBars: 0}, nil)
	for i := 0; i < 5; i++ {
		l.Observe(Features{RSI14: 1, WT: 1, CCI20: 1, ADX20: 1, RSI9: 1}, 5-float64(i))
	}
	sig := l.Predict(nil, 5)
	require.Equal(t, BiasShort, sig.Bias)
	assert.InDelta(t, 1.0, sig.Confidence, 1e-9)
}

func TestPredictSlopeIsZeroOnFirstCallThenDelta(t *testing.T) {
	l := NewLorentzian(KNNConfig{K: 8, MaxBack: 2000, Stride: 1, LabelHorizon: 1, WarmupBars: 0}, nil)
	risingSeries(l, 5, 1)
	first := l.Predict(nil, 5)
	assert.Equal(t, 0.0, first.Slope)

	l.Observe(Features{RSI14: 1, WT: 1, CCI20: 1, ADX20: 1, RSI9: 1}, 6)
	second := l.Predict(nil, 6)
	assert.InDelta(t, second.Confidence-first.Confidence, second.Slope, 1e-9)
}

func TestFeaturesVectorOrder(t *testing.T) {
	f := Features{RSI14: 1, WT: 2, CCI20: 3, ADX20: 4, RSI9: 5}
	assert.Equal(t, []float64{1, 2, 3, 4, 5}, f.Vector())
}

func TestInsertSortedKeepsKNearestByDistance(t *testing.T) {
	var neighbors []neighbor
	neighbors = insertSorted(neighbors, neighbor{dist: 3, label: 1}, 2)
	neighbors = insertSorted(neighbors, neighbor{dist: 1, label: -1}, 2)
	neighbors = insertSorted(neighbors, neighbor{dist: 2, label: 1}, 2)
	require.Len(t, neighbors, 2)
	assert.Equal(t, 1.0, neighbors[0].dist)
	assert.Equal(t, 2.0, neighbors[1].dist)
}

func TestValidateSignalNeutralizesDirectionalBiasWithZeroConfidence(t *testing.T) {
	got := ValidateSignal(Signal{Bias: BiasLong, Confidence: 0, Slope: 0.1}, nil)
	assert.Equal(t, BiasNeutral, got.Bias)
	assert.Equal(t, 0.1, got.Slope) // only bias is neutralized, other fields pass through
}

func TestValidateSignalLeavesConsistentSignalsUntouched(t *testing.T) {
	got := ValidateSignal(Signal{Bias: BiasShort, Confidence: 0.6}, nil)
	assert.Equal(t, BiasShort, got.Bias)

	got = ValidateSignal(Signal{Bias: BiasNeutral, Confidence: 0}, nil)
	assert.Equal(t, BiasNeutral, got.Bias)
}
