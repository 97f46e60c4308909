package trendscalp

import (
	"math"
	"testing"

	"github.com/duskline/predator-core/internal/engine"
	"github.com/duskline/predator-core/internal/ml"
	"github.com/duskline/predator-core/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPredictor struct{ sig ml.Signal }

func (s stubPredictor) Predict(features []float64, barCount int) ml.Signal { return s.sig }

func flatBars(n int, px float64) *model.Bars {
	b := &model.Bars{Time: make([]int64, n), Open: make([]float64, n), High: make([]float64, n), Low: make([]float64, n), Close: make([]float64, n), Volume: make([]float64, n)}
	for i := 0; i < n; i++ {
		b.Time[i] = int64(i) * 300000
		b.Open[i] = px
		b.High[i] = px + 0.5
		b.Low[i] = px - 0.5
		b.Close[i] = px
		b.Volume[i] = 10
	}
	return b
}

func TestSignalErrorsOnMissingBars(t *testing.T) {
	e := New(DefaultConfig(), stubPredictor{}, nil)
	_, err := e.Signal(100, &model.Bundle{}, engine.FlowLevels{})
	assert.Error(t, err)
}

func TestSignalNoneOnInsufficientHistory(t *testing.T) {
	e := New(DefaultConfig(), stubPredictor{}, nil)
	bundle := &model.Bundle{M5: flatBars(10, 100), M15: flatBars(10, 100)}
	sig, err := e.Signal(100, bundle, engine.FlowLevels{})
	require.NoError(t, err)
	assert.Equal(t, model.None, sig.Side)
	assert.Equal(t, "insufficient history", sig.Reason)
}

func TestSignalSameBarGateBlocksSecondCallOnUnchangedBar(t *testing.T) {
	e := New(DefaultConfig(), stubPredictor{sig: ml.Signal{Bias: ml.BiasLong, Warm: true}}, nil)
	n := DefaultConfig().TrendlineLookback + 5
	bundle := &model.Bundle{M5: flatBars(n, 100), M15: flatBars(n, 100)}
	e.lastBarTS = bundle.M5.Time[bundle.M5.Last()]
	sig, err := e.Signal(100, bundle, engine.FlowLevels{})
	require.NoError(t, err)
	assert.Equal(t, "same bar", sig.Reason)
}

func TestEmaRSIAgreeLongRequiresPriceAboveAndRSIAboveFifty(t *testing.T) {
	assert.True(t, emaRSIAgree(model.Long, 101, 100, 55))
	assert.False(t, emaRSIAgree(model.Long, 99, 100, 55))
	assert.False(t, emaRSIAgree(model.Long, 101, 100, 45))
}

func TestEmaRSIAgreeShortRequiresPriceBelowAndRSIBelowFifty(t *testing.T) {
	assert.True(t, emaRSIAgree(model.Short, 99, 100, 45))
	assert.False(t, emaRSIAgree(model.Short, 101, 100, 45))
}

func TestMedianRangeOfConstantRangeIsThatRange(t *testing.T) {
	b := flatBars(20, 100) // High-Low = 1.0 on every bar
	got := medianRange(b, 20)
	assert.InDelta(t, 1.0, got, 1e-9)
}

func TestBarsBetweenZeroFromTSIsUnbounded(t *testing.T) {
	b := flatBars(5, 100)
	got := barsBetween(b, 0, b.Time[b.Last()])
	assert.Equal(t, math.MaxInt32, got) // sentinel for "no prior bar seen"
}

func TestBarsBetweenCountsBarsStrictlyAfterFrom(t *testing.T) {
	b := flatBars(5, 100)
	got := barsBetween(b, b.Time[1], b.Time[4])
	assert.Equal(t, 3, got) // bars at index 2,3,4
}

func TestConstructSLLongRespectsMinRail(t *testing.T) {
	cfg := DefaultConfig()
	e := New(cfg, stubPredictor{}, nil)
	b := flatBars(20, 100) // range 1.0 on every bar -> noise=1.0
	sl := e.constructSL(model.Long, 100, 0.01, b)
	assert.Less(t, sl, 100.0)
	assert.GreaterOrEqual(t, 100.0-sl, cfg.MinSLPct*100)
}

func TestConstructSLShortIsAboveEntry(t *testing.T) {
	cfg := DefaultConfig()
	e := New(cfg, stubPredictor{}, nil)
	b := flatBars(20, 100)
	sl := e.constructSL(model.Short, 100, 0.01, b)
	assert.Greater(t, sl, 100.0)
}
