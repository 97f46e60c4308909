package tpcalc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildATRModeChopSelectsChopMults(t *testing.T) {
	cfg := DefaultConfig()
	levels := Build(cfg, 100.0, 99.0, true, 1.0, 0.001, 10) // atrPct under chop ceiling, ADX under chop ceiling
	require.Len(t, levels, 3)
	assert.InDelta(t, 100.60, levels[0].Px, 1e-9)
	assert.InDelta(t, 101.00, levels[1].Px, 1e-9)
	assert.InDelta(t, 101.50, levels[2].Px, 1e-9)
}

func TestBuildATRModeRallySelectsRallyMults(t *testing.T) {
	cfg := DefaultConfig()
	levels := Build(cfg, 100.0, 99.0, true, 1.0, 0.01, 30) // atrPct/ADX both over chop ceiling
	require.Len(t, levels, 3)
	assert.InDelta(t, 100.90, levels[0].Px, 1e-9)
}

func TestBuildEnforcesMinRMultOnTP1(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModeAdaptEnabled = false
	cfg.ATRMults = [3]float64{0.1, 1.0, 1.5} // TP1 too close: 0.1R when MinRMult=0.5
	levels := Build(cfg, 100.0, 99.0, true, 1.0, 0, 0)
	require.NotEmpty(t, levels)
	assert.GreaterOrEqual(t, levels[0].Px-100.0, 0.5-1e-9)
}

func TestBuildShortSideDescends(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModeAdaptEnabled = false
	levels := Build(cfg, 100.0, 101.0, false, 1.0, 0, 0)
	require.Len(t, levels, 3)
	assert.Less(t, levels[0].Px, 100.0)
	assert.Less(t, levels[1].Px, levels[0].Px)
	assert.Less(t, levels[2].Px, levels[1].Px)
}

func TestSanitizeIsIdempotent(t *testing.T) {
	tps := []float64{101, 100.5, 103}
	once := Sanitize(tps, true, 100)
	twice := Sanitize(once, true, 100)
	assert.Equal(t, once, twice)
}

func TestNormalizeFracsScalesDownOverBudget(t *testing.T) {
	levels := []Level{{Px: 1, SizeFrac: 0.6}, {Px: 2, SizeFrac: 0.6}}
	out := normalizeFracs(levels)
	sum := out[0].SizeFrac + out[1].SizeFrac
	assert.InDelta(t, 1.0, sum, 1e-9)
}
