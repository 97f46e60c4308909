package taser

import (
	"math"
	"testing"

	"github.com/duskline/predator-core/internal/engine"
	"github.com/duskline/predator-core/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flatBars(n int, px float64) *model.Bars {
	b := &model.Bars{Time: make([]int64, n), Open: make([]float64, n), High: make([]float64, n), Low: make([]float64, n), Close: make([]float64, n), Volume: make([]float64, n)}
	for i := 0; i < n; i++ {
		b.Time[i] = int64(i) * 60000
		b.Open[i] = px
		b.High[i] = px + 0.2
		b.Low[i] = px - 0.2
		b.Close[i] = px
		b.Volume[i] = 50
	}
	return b
}

func TestSignalReturnsNoneOnInsufficientHistory(t *testing.T) {
	e := New(DefaultConfig(), nil)
	bundle := &model.Bundle{M5: flatBars(5, 100)}
	sig, err := e.Signal(100, bundle, engine.FlowLevels{})
	require.NoError(t, err)
	assert.Equal(t, model.None, sig.Side)
}

func TestSignalReturnsNoneOnNilBundle(t *testing.T) {
	e := New(DefaultConfig(), nil)
	sig, err := e.Signal(100, nil, engine.FlowLevels{})
	require.NoError(t, err)
	assert.Equal(t, model.None, sig.Side)
}

func TestCrossedBelowDetectsDownwardCross(t *testing.T) {
	b := flatBars(3, 100)
	b.Close[1] = 100.5
	b.Close[2] = 99.5
	assert.True(t, crossedBelow(b, 100))
}

func TestCrossedBelowFalseWhenStillAbove(t *testing.T) {
	b := flatBars(3, 100)
	assert.False(t, crossedBelow(b, 50))
}

func TestSweepAndReclaimLong(t *testing.T) {
	b := flatBars(3, 100)
	b.Low[1] = 98 // sweeps below 99
	b.Close[2] = 99.5
	assert.True(t, sweepAndReclaim(b, 99, true))
}

func TestSweepAndReclaimShortRejectsAtLevel(t *testing.T) {
	b := flatBars(3, 100)
	b.High[1] = 102 // sweeps above 101
	b.Close[2] = 100.5
	assert.True(t, sweepAndReclaim(b, 101, false))
}

func TestRsiFakeThresholds(t *testing.T) {
	assert.True(t, rsiFake(81, true))
	assert.False(t, rsiFake(79, true))
	assert.True(t, rsiFake(19, false))
	assert.False(t, rsiFake(21, false))
}

func TestAdaptiveTolFloorsOnBase(t *testing.T) {
	got := adaptiveTol(0.001, 0.1, 100) // atrPct = 0.001 -> half is 0.0005, below base
	assert.InDelta(t, 0.001, got, 1e-9)
}

func TestAdaptiveTolScalesWithATR(t *testing.T) {
	got := adaptiveTol(0.001, 4, 100) // atrPct=0.04 -> half is 0.02, above base
	assert.InDelta(t, 0.02, got, 1e-9)
}

func TestMomentumProxyCountsHigherHighsAndCLR(t *testing.T) {
	b := flatBars(5, 100)
	for i := range b.High {
		b.High[i] = 100 + float64(i)
		b.Low[i] = 99 + float64(i)
		b.Close[i] = 100 + float64(i) // closes at the top of each bar's range
	}
	got := momentumProxy(b, 5)
	assert.Greater(t, got, 4.0) // 4 higher-highs plus CLR contribution near 1.0
}

type stubWalls struct{ oppose bool }

func (s stubWalls) OpposingWalls(side model.Side, price float64) bool { return s.oppose }

func TestWallsOpposeNilCheckerReturnsFalse(t *testing.T) {
	e := New(DefaultConfig(), nil)
	assert.False(t, e.wallsOppose(model.Long, 100))
}

func TestWallsOpposeDelegatesToChecker(t *testing.T) {
	e := New(DefaultConfig(), stubWalls{oppose: true})
	assert.True(t, e.wallsOppose(model.Long, 100))
}

func TestDayAnchorIndexFindsFirstBarOfLastBarsUTCDay(t *testing.T) {
	b := flatBars(5, 100) // 60s spacing starting at epoch 0, all same UTC day
	assert.Equal(t, 0, dayAnchorIndex(b))
}

func TestDayAnchorIndexEmptyBarsReturnsNegativeOne(t *testing.T) {
	assert.Equal(t, -1, dayAnchorIndex(&model.Bars{}))
}

func TestAVWAPSlopeRisingAndFalling(t *testing.T) {
	rising, falling := avwapSlope([]float64{1, 2}, 2)
	assert.True(t, rising)
	assert.False(t, falling)

	rising, falling = avwapSlope([]float64{2, 1}, 2)
	assert.False(t, rising)
	assert.True(t, falling)
}

func TestAVWAPSlopeNaNIsNeitherRisingNorFalling(t *testing.T) {
	rising, falling := avwapSlope([]float64{1, math.NaN()}, 2)
	assert.False(t, rising)
	assert.False(t, falling)
}
