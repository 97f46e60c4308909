// Package trendscalp implements the primary signal engine: a Lorentzian
// k-NN directional classifier combined with regression-trendline break
// detection, gated by an ADX/ATR/EMA/RSI filter stack with hysteresis.
package trendscalp

import (
	"fmt"
	"math"

	"github.com/duskline/predator-core/internal/engine"
	"github.com/duskline/predator-core/internal/indicators"
	"github.com/duskline/predator-core/internal/ml"
	"github.com/duskline/predator-core/internal/model"
	"github.com/duskline/predator-core/internal/tpcalc"
	"go.uber.org/zap"
)

// Config carries every TS_* tunable the filter stack and SL construction
// consult.
type Config struct {
	VolFloorPct     float64 // TS_VOL_FLOOR_PCT
	ADXMin          float64 // TS_ADX_MIN
	ADXSlopeBonus   float64 // subtract from ADXMin when ADX rising
	ADXSoft         float64 // TS_ADX_SOFT
	MABufferPct     float64 // TS_MA_BUFFER_PCT
	Require15mAlign bool
	RSINeutralLo    float64 // 45
	RSINeutralHi    float64 // 55
	RSIOverheatHi   float64 // 65
	RSIOverheatLo   float64 // 35
	PullbackATRMult float64
	RequireBoth     bool // TS_REQUIRE_BOTH
	TrendlineLookback int

	RegimeWidthBaseMult float64 // TL-channel-width floor below ADX 30
	RegimeWidthADX30Mult float64 // floor once ADX >= 30
	RegimeWidthADX40Mult float64 // floor once ADX >= 40

	SLMixAlpha  float64 // SL_MIX_ALPHA
	SLATRMult   float64 // SL_ATR_MULT
	SLNoiseMult float64 // SL_NOISE_MULT
	MinSLPct    float64
	MaxSLPct    float64
	FeesPctPad  float64

	ReentryCooldownBars5m int

	KNN ml.KNNConfig
	TP  tpcalc.Config
}

// DefaultConfig mirrors the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		VolFloorPct:       0.0008,
		ADXMin:            20,
		ADXSlopeBonus:     3,
		ADXSoft:           16,
		MABufferPct:       0.0012,
		Require15mAlign:   false,
		RSINeutralLo:      45,
		RSINeutralHi:      55,
		RSIOverheatHi:     65,
		RSIOverheatLo:     35,
		PullbackATRMult:   1.2,
		RequireBoth:       false,
		TrendlineLookback: 48,
		RegimeWidthBaseMult:  0.5,
		RegimeWidthADX30Mult: 0.35,
		RegimeWidthADX40Mult: 0.25,
		SLMixAlpha:        0.6,
		SLATRMult:         1.2,
		SLNoiseMult:       1.0,
		MinSLPct:          0.002,
		MaxSLPct:          0.02,
		FeesPctPad:        0.0007,
		ReentryCooldownBars5m: 2,
		KNN:               ml.DefaultKNNConfig(),
		TP:                tpcalc.DefaultConfig(),
	}
}

// Engine is the TrendScalp signal engine.
type Engine struct {
	cfg       Config
	predictor ml.Predictor
	log       *zap.SugaredLogger

	lastBarTS   int64
	lastSide    model.Side
	lastEntry   float64
}

// New constructs the engine with an injected predictor (the pluggable
// classifier, typically *ml.Lorentzian). log may be nil.
func New(cfg Config, predictor ml.Predictor, log *zap.SugaredLogger) *Engine {
	return &Engine{cfg: cfg, predictor: predictor, log: log}
}

func (e *Engine) Name() string { return "trendscalp" }

// Signal implements engine.Engine.
func (e *Engine) Signal(price float64, bundle *model.Bundle, levels engine.FlowLevels) (model.Signal, error) {
	none := model.Signal{Side: model.None, Engine: e.Name()}
	if bundle == nil || !bundle.M5.Valid() || !bundle.M15.Valid() {
		return none, fmt.Errorf("trendscalp: missing 5m/15m bars")
	}
	m5 := bundle.M5
	m15 := bundle.M15
	n5 := m5.Len()
	if n5 < e.cfg.TrendlineLookback+2 {
		none.Reason = "insufficient history"
		return none, nil
	}

	// re-entry gate (engine-local)
	curBarTS := m5.Time[m5.Last()]
	if e.lastBarTS != 0 && curBarTS == e.lastBarTS {
		none.Reason = "same bar"
		return none, nil
	}

	atr5 := indicators.LastATR(m5.High, m5.Low, m5.Close, 14)
	atrPct := atr5 / price
	adx5 := indicators.LastADX(m5.High, m5.Low, m5.Close, 14)
	adxPrev := indicators.LastADX(m5.High[:n5-3], m5.Low[:n5-3], m5.Close[:n5-3], 14)
	adxRising := !math.IsNaN(adxPrev) && adx5 > adxPrev
	ema200_5 := indicators.LastEMA(m5.Close, 200)
	ema200_15 := indicators.LastEMA(m15.Close, 200)
	rsi15 := indicators.RSI(m15.Close, 14)
	rsi15Last := lastVal(rsi15)
	emaFast := indicators.LastEMA(m5.Close, 21)

	feats := ml.BuildFeatures(m5.High, m5.Low, m5.Close, n5-1)
	mlSig := ml.ValidateSignal(e.predictor.Predict(feats.Vector(), n5), e.log)

	upperBreak := indicators.TrendlineBreak(m5.Close, e.cfg.TrendlineLookback, true)
	lowerBreak := indicators.TrendlineBreak(m5.Close, e.cfg.TrendlineLookback, false)
	emaUp := price > ema200_5*(1+e.cfg.MABufferPct)
	emaDown := price < ema200_5*(1-e.cfg.MABufferPct)

	longOK := mlSig.Bias == ml.BiasLong && (upperBreak || emaUp)
	shortOK := mlSig.Bias == ml.BiasShort && (lowerBreak || emaDown)
	if e.cfg.RequireBoth {
		longOK = mlSig.Bias == ml.BiasLong && upperBreak && emaUp
		shortOK = mlSig.Bias == ml.BiasShort && lowerBreak && emaDown
	}

	var side model.Side
	switch {
	case longOK && !shortOK:
		side = model.Long
	case shortOK && !longOK:
		side = model.Short
	default:
		none.Reason = "no directional agreement"
		return none, nil
	}

	channelWidth := indicators.RegressionChannelWidth(m5.Close, e.cfg.TrendlineLookback)
	if !e.passFilters(side, price, atrPct, adx5, adxRising, ema200_5, ema200_15, rsi15Last, emaFast, upperBreak, lowerBreak, channelWidth, atr5) {
		none.Reason = "filter stack blocked"
		return none, nil
	}

	// engine-local re-entry proximity/cooldown
	if e.lastSide == side && e.lastEntry > 0 {
		barsSince := barsBetween(m5, e.lastBarTS, curBarTS)
		if barsSince < e.cfg.ReentryCooldownBars5m {
			none.Reason = "engine cooldown"
			return none, nil
		}
	}

	noiseBars := m5
	if bundle.M1.Valid() {
		noiseBars = bundle.M1
	}
	sl := e.constructSL(side, price, atr5, noiseBars)
	isLong := side == model.Long
	levelsOut := tpcalc.Build(e.cfg.TP, price, sl, isLong, atr5, atrPct, adx5)
	tps := tpcalc.Prices(levelsOut)

	sig := model.Signal{
		Side:   side,
		Entry:  price,
		SL:     sl,
		TPs:    tps,
		Reason: "trendscalp knn+trendline",
		Engine: e.Name(),
		Meta: map[string]any{
			"ml_bias":       mlSig.Bias,
			"ml_confidence": mlSig.Confidence,
			"ml_slope":      mlSig.Slope,
			"ml_warm":       mlSig.Warm,
			"upper_break":   upperBreak,
			"lower_break":   lowerBreak,
			"adx5":          adx5,
			"atr_pct":       atrPct,
		},
	}
	if !sig.Valid(e.cfg.MinSLPct, e.cfg.MaxSLPct) {
		none.Reason = "SL rail violation"
		return none, nil
	}

	e.lastBarTS = curBarTS
	e.lastSide = side
	e.lastEntry = price
	return sig, nil
}

func (e *Engine) passFilters(side model.Side, price, atrPct, adx float64, adxRising bool, ema200_5, ema200_15, rsi15 float64, emaFast float64, upperBreak, lowerBreak bool, channelWidth, atr5 float64) bool {
	if atrPct < e.cfg.VolFloorPct {
		return false
	}
	adxReq := e.cfg.ADXMin
	if adxRising {
		adxReq -= e.cfg.ADXSlopeBonus
	}
	softOK := adx >= e.cfg.ADXSoft && emaRSIAgree(side, price, ema200_5, rsi15)
	if adx < adxReq && !softOK {
		return false
	}
	widthMult := e.cfg.RegimeWidthBaseMult
	if adx >= 40 {
		widthMult = e.cfg.RegimeWidthADX40Mult
	} else if adx >= 30 {
		widthMult = e.cfg.RegimeWidthADX30Mult
	}
	if !math.IsNaN(channelWidth) && channelWidth < widthMult*atr5 {
		return false
	}
	if e.cfg.Require15mAlign {
		if side == model.Long && price < ema200_15 {
			return false
		}
		if side == model.Short && price > ema200_15 {
			return false
		}
	}
	if rsi15 >= e.cfg.RSINeutralLo && rsi15 <= e.cfg.RSINeutralHi {
		return false
	}
	if side == model.Long && rsi15 <= 50 {
		return false
	}
	if side == model.Short && rsi15 >= 50 {
		return false
	}
	if side == model.Long && rsi15 >= e.cfg.RSIOverheatHi {
		if !(upperBreak || price > ema200_5) {
			return false
		}
	}
	if side == model.Short && rsi15 <= e.cfg.RSIOverheatLo {
		if !(lowerBreak || price < ema200_5) {
			return false
		}
	}
	pullbackDist := math.Abs(price - emaFast)
	if pullbackDist > e.cfg.PullbackATRMult*atrPct*price {
		return false
	}
	return true
}

func emaRSIAgree(side model.Side, price, ema200, rsi15 float64) bool {
	if side == model.Long {
		return price > ema200 && rsi15 > 50
	}
	return price < ema200 && rsi15 < 50
}

// constructSL blends an ATR pad with a noise floor derived from the median
// range of noiseBars (the 1m bars when the bundle has them, else 5m),
// clamped to the configured SL rail.
func (e *Engine) constructSL(side model.Side, price, atr5 float64, noiseBars *model.Bars) float64 {
	noise := medianRange(noiseBars, 20)
	pad := e.cfg.SLMixAlpha*(e.cfg.SLATRMult*atr5) + (1-e.cfg.SLMixAlpha)*(e.cfg.SLNoiseMult*noise)
	minRail := e.cfg.MinSLPct * price
	feePad := e.cfg.FeesPctPad * price
	if pad < minRail {
		pad = minRail
	}
	if pad < feePad {
		pad = feePad
	}
	maxRail := e.cfg.MaxSLPct * price
	if pad > maxRail {
		pad = maxRail
	}
	if side == model.Long {
		return price - pad
	}
	return price + pad
}

func medianRange(bars *model.Bars, n int) float64 {
	m := bars.Len()
	if m == 0 {
		return 0
	}
	if n > m {
		n = m
	}
	ranges := make([]float64, n)
	for i := 0; i < n; i++ {
		idx := m - n + i
		ranges[i] = bars.High[idx] - bars.Low[idx]
	}
	for i := 1; i < len(ranges); i++ {
		for j := i; j > 0 && ranges[j-1] > ranges[j]; j-- {
			ranges[j-1], ranges[j] = ranges[j], ranges[j-1]
		}
	}
	return ranges[len(ranges)/2]
}

func lastVal(s []float64) float64 {
	if len(s) == 0 {
		return math.NaN()
	}
	return s[len(s)-1]
}

func barsBetween(bars *model.Bars, fromTS, toTS int64) int {
	if fromTS == 0 {
		return math.MaxInt32
	}
	count := 0
	for i := bars.Last(); i >= 0 && bars.Time[i] > fromTS && bars.Time[i] <= toTS; i-- {
		count++
	}
	return count
}
