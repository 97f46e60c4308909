// Package taser implements the fallback structural rules engine: PDH/PDL
// breakout/sweep rules and VWAP/AVWAP reclaim/reject, each guarded by a
// heatmap-wall absorption override and a micro-trend override.
package taser

import (
	"math"
	"time"

	"github.com/duskline/predator-core/internal/engine"
	"github.com/duskline/predator-core/internal/indicators"
	"github.com/duskline/predator-core/internal/model"
	"github.com/duskline/predator-core/internal/tpcalc"
)

// Config carries the structural rule tunables.
type Config struct {
	VWAPTolPct     float64 // ATR-adaptive tolerance baseline
	WAIThreshold   float64 // momentum proxy threshold, default 1.2
	MinSLPct       float64
	MaxSLPct       float64
	SLATRMult      float64
	TP             tpcalc.Config
}

// DefaultConfig mirrors the spec defaults.
func DefaultConfig() Config {
	return Config{
		VWAPTolPct:   0.0010,
		WAIThreshold: 1.2,
		MinSLPct:     0.002,
		MaxSLPct:     0.02,
		SLATRMult:    1.2,
		TP:           tpcalc.DefaultConfig(),
	}
}

// WallChecker abstracts the heatmap confluence check this engine's
// absorption override consults; the scheduler supplies the real multi-TF
// gate, tests supply a stub.
type WallChecker interface {
	OpposingWalls(side model.Side, price float64) bool
}

// Engine is the TASER rules engine.
type Engine struct {
	cfg   Config
	walls WallChecker
}

// New constructs the engine. walls may be nil to disable the absorption
// override (treated as "no opposing walls").
func New(cfg Config, walls WallChecker) *Engine {
	return &Engine{cfg: cfg, walls: walls}
}

func (e *Engine) Name() string { return "taser" }

func (e *Engine) Signal(price float64, bundle *model.Bundle, levels engine.FlowLevels) (model.Signal, error) {
	none := model.Signal{Side: model.None, Engine: e.Name()}
	if bundle == nil || !bundle.M5.Valid() {
		return none, nil
	}
	m5 := bundle.M5
	n := m5.Len()
	if n < 20 {
		none.Reason = "insufficient history"
		return none, nil
	}
	atr5 := indicators.LastATR(m5.High, m5.Low, m5.Close, 14)
	vwap := indicators.VWAP(m5.High, m5.Low, m5.Close, m5.Volume)
	vwapLast := vwap[n-1]
	anchorIdx := dayAnchorIndex(m5)
	avwap := indicators.AnchoredVWAP(m5.High, m5.Low, m5.Close, m5.Volume, anchorIdx)
	avwapRising, avwapFalling := avwapSlope(avwap, n)
	wai := momentumProxy(m5, 12)
	rsi14 := indicators.RSI(m5.Close, 14)
	rsiLast := lastVal(rsi14)
	pdh, pdl := levels.PriorDay.PDH, levels.PriorDay.PDL

	var sig model.Signal
	var matched bool

	if pdh > 0 && price > pdh && !rsiFake(rsiLast, true) {
		sig, matched = e.build(model.Long, price, atr5, "PDH breakout long")
	}
	if !matched && pdh > 0 && crossedBelow(m5, pdh) && avwapRising {
		sig, matched = e.build(model.Short, price, atr5, "AVWAP up / PDH rejection short")
	}
	if !matched && avwapFalling && crossedBelowVWAP(m5, avwap) {
		sig, matched = e.build(model.Long, price, atr5, "AVWAP down reclaim long")
	}
	if !matched && pdl > 0 && sweepAndReclaim(m5, pdl, true) {
		sig, matched = e.build(model.Long, price, atr5, "PDL sweep reclaim long")
	}
	if !matched && vwapLast > 0 {
		tol := adaptiveTol(e.cfg.VWAPTolPct, atr5, price)
		if price > vwapLast*(1+tol) && crossedBelowVWAP(m5, vwap) {
			sig, matched = e.build(model.Long, price, atr5, "VWAP reclaim long")
		} else if price < vwapLast*(1-tol) && crossedAboveVWAP(m5, vwap) {
			sig, matched = e.build(model.Short, price, atr5, "VWAP lose short")
		}
	}
	if !matched && pdl > 0 && price < pdl && !rsiFake(rsiLast, false) {
		sig, matched = e.build(model.Short, price, atr5, "PDL breakdown short")
	}

	if !matched {
		none.Reason = "no structural rule matched"
		return none, nil
	}

	if e.wallsOppose(sig.Side, price) && wai < e.cfg.WAIThreshold {
		none.Reason = "need absorption"
		return none, nil
	}
	if e.microTrendOverride(sig.Side, m5) {
		none.Reason = "micro-trend override"
		return none, nil
	}
	if !sig.Valid(e.cfg.MinSLPct, e.cfg.MaxSLPct) {
		none.Reason = "SL rail violation"
		return none, nil
	}
	return sig, nil
}

func (e *Engine) build(side model.Side, price, atr5 float64, reason string) (model.Signal, bool) {
	isLong := side == model.Long
	pad := e.cfg.SLATRMult * atr5
	minRail := e.cfg.MinSLPct * price
	if pad < minRail {
		pad = minRail
	}
	maxRail := e.cfg.MaxSLPct * price
	if pad > maxRail {
		pad = maxRail
	}
	var sl float64
	if isLong {
		sl = price - pad
	} else {
		sl = price + pad
	}
	atrPct := atr5 / price
	lvls := tpcalc.Build(e.cfg.TP, price, sl, isLong, atr5, atrPct, 0)
	return model.Signal{
		Side:   side,
		Entry:  price,
		SL:     sl,
		TPs:    tpcalc.Prices(lvls),
		Reason: reason,
		Engine: e.Name(),
	}, true
}

func (e *Engine) wallsOppose(side model.Side, price float64) bool {
	if e.walls == nil {
		return false
	}
	return e.walls.OpposingWalls(side, price)
}

// microTrendOverride skips a fresh SHORT into a sustained 3-bar 5m
// up-trend with positive MACD histogram, and mirrors for LONG.
func (e *Engine) microTrendOverride(side model.Side, m5 *model.Bars) bool {
	n := m5.Len()
	if n < 5 {
		return false
	}
	_, _, hist := indicators.MACD(m5.Close, 12, 26, 9)
	h := hist[n-1]
	upTrend := m5.Close[n-1] > m5.Close[n-2] && m5.Close[n-2] > m5.Close[n-3]
	downTrend := m5.Close[n-1] < m5.Close[n-2] && m5.Close[n-2] < m5.Close[n-3]
	if side == model.Short && upTrend && !math.IsNaN(h) && h > 0 {
		return true
	}
	if side == model.Long && downTrend && !math.IsNaN(h) && h < 0 {
		return true
	}
	return false
}

// momentumProxy (WAI) combines higher-high count and close-location-within-
// range over the last n bars.
func momentumProxy(bars *model.Bars, n int) float64 {
	m := bars.Len()
	if n > m {
		n = m
	}
	if n < 2 {
		return 0
	}
	hh := 0
	var clSum float64
	for i := m - n; i < m; i++ {
		if i > 0 && bars.High[i] > bars.High[i-1] {
			hh++
		}
		rng := bars.High[i] - bars.Low[i]
		if rng > 0 {
			clSum += (bars.Close[i] - bars.Low[i]) / rng
		} else {
			clSum += 0.5
		}
	}
	return float64(hh) + clSum/float64(n)
}

func rsiFake(rsi float64, long bool) bool {
	if math.IsNaN(rsi) {
		return false
	}
	if long {
		return rsi >= 80
	}
	return rsi <= 20
}

func crossedBelow(bars *model.Bars, level float64) bool {
	n := bars.Len()
	if n < 2 {
		return false
	}
	return bars.Close[n-2] >= level && bars.Close[n-1] < level
}

func sweepAndReclaim(bars *model.Bars, level float64, long bool) bool {
	n := bars.Len()
	if n < 3 {
		return false
	}
	sweptBelow := bars.Low[n-2] < level
	reclaimed := bars.Close[n-1] > level
	if long {
		return sweptBelow && reclaimed
	}
	sweptAbove := bars.High[n-2] > level
	rejected := bars.Close[n-1] < level
	return sweptAbove && rejected
}

func crossedBelowVWAP(bars *model.Bars, vwap []float64) bool {
	n := bars.Len()
	if n < 2 || math.IsNaN(vwap[n-2]) {
		return false
	}
	return bars.Close[n-2] < vwap[n-2] && bars.Close[n-1] >= vwap[n-1]
}

func crossedAboveVWAP(bars *model.Bars, vwap []float64) bool {
	n := bars.Len()
	if n < 2 || math.IsNaN(vwap[n-2]) {
		return false
	}
	return bars.Close[n-2] > vwap[n-2] && bars.Close[n-1] <= vwap[n-1]
}

func adaptiveTol(base, atr, price float64) float64 {
	if price == 0 {
		return base
	}
	atrPct := atr / price
	return math.Max(base, 0.5*atrPct)
}

// dayAnchorIndex returns the index of the first 5m bar on or after the
// start of the UTC day containing the last bar, for anchoring the
// session VWAP. "Now" is derived from the last observed bar rather than
// wall-clock time, matching marketdata.PriorDayLevels.
func dayAnchorIndex(bars *model.Bars) int {
	n := bars.Len()
	if n == 0 {
		return -1
	}
	last := time.UnixMilli(bars.Time[n-1]).UTC()
	dayStart := time.Date(last.Year(), last.Month(), last.Day(), 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		if !time.UnixMilli(bars.Time[i]).UTC().Before(dayStart) {
			return i
		}
	}
	return 0
}

// avwapSlope reports whether the anchored VWAP is rising or falling over
// its last two valid points.
func avwapSlope(avwap []float64, n int) (rising, falling bool) {
	if n < 2 || n > len(avwap) {
		return false, false
	}
	last, prev := avwap[n-1], avwap[n-2]
	if math.IsNaN(last) || math.IsNaN(prev) {
		return false, false
	}
	return last > prev, last < prev
}

func lastVal(s []float64) float64 {
	if len(s) == 0 {
		return math.NaN()
	}
	return s[len(s)-1]
}
