package heatmap

import (
	"testing"

	"github.com/duskline/predator-core/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func barsAt(px float64, n int) *model.Bars {
	b := &model.Bars{Time: make([]int64, n), Open: make([]float64, n), High: make([]float64, n), Low: make([]float64, n), Close: make([]float64, n), Volume: make([]float64, n)}
	for i := 0; i < n; i++ {
		b.Time[i] = int64(i) * 60000
		b.High[i] = px + 0.5
		b.Low[i] = px - 0.5
		b.Close[i] = px
		b.Open[i] = px
		b.Volume[i] = 100
	}
	return b
}

func TestBuildNilOrEmptyBarsReturnsNil(t *testing.T) {
	cfg := DefaultConfig()
	assert.Nil(t, Build(cfg, nil))
	assert.Nil(t, Build(cfg, &model.Bars{}))
}

func TestBuildProducesTopLevelNearClusterPrice(t *testing.T) {
	cfg := DefaultConfig()
	bars := barsAt(100.0, 50)
	levels := Build(cfg, bars)
	require.NotEmpty(t, levels)
	assert.InDelta(t, 100.0, levels[0].Px, cfg.Tick*2)
}

func TestConfluenceGateBlocksLongIntoStackedResistance(t *testing.T) {
	multi := Multi{
		"5m":  {{Px: 100.05, Score: 10}},
		"15m": {{Px: 100.07, Score: 8}},
	}
	res := ConfluenceGate(multi, 100.0, model.Long, 0.001, 2, 5)
	assert.True(t, res.Block)
	assert.Equal(t, 2, res.HitsAbove)
}

func TestConfluenceGateAllowsWhenBelowNeedTFs(t *testing.T) {
	multi := Multi{
		"5m": {{Px: 100.05, Score: 10}},
	}
	res := ConfluenceGate(multi, 100.0, model.Long, 0.001, 2, 5)
	assert.False(t, res.Block)
}

func TestConfluenceGateBlocksShortIntoStackedSupport(t *testing.T) {
	multi := Multi{
		"5m":  {{Px: 99.95, Score: 10}},
		"1h":  {{Px: 99.93, Score: 8}},
	}
	res := ConfluenceGate(multi, 100.0, model.Short, 0.001, 2, 5)
	assert.True(t, res.Block)
	assert.Equal(t, 2, res.HitsBelow)
}
