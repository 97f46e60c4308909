// Package ml defines the pluggable directional predictor contract used by
// the TrendScalp engine, plus the Lorentzian-distance k-NN classifier that
// backs the default implementation.
package ml

import (
	"math"

	"github.com/duskline/predator-core/internal/indicators"
	"go.uber.org/zap"
)

// Bias is the predictor's directional call.
type Bias string

const (
	BiasLong    Bias = "long"
	BiasShort   Bias = "short"
	BiasNeutral Bias = "neutral"
)

// Signal is the authoritative predictor output: bias, confidence in [0,1],
// the slope (confidence delta since the previous call), and whether the
// model has seen enough bars to be trusted.
type Signal struct {
	Bias       Bias
	Confidence float64
	Slope      float64
	Warm       bool
}

// Predictor is the pluggable contract every ML backend implements.
type Predictor interface {
	Predict(features []float64, barCount int) Signal
}

// ValidateSignal guards against a directional bias reported with zero
// confidence, a contradiction no well-formed Predictor should produce but
// that a third-party implementation might. Any engine consuming an
// injected Predictor should run its output through this before acting on
// it, since the inconsistency is a property of the interface contract,
// not of any one implementation.
func ValidateSignal(sig Signal, log *zap.SugaredLogger) Signal {
	if sig.Bias != BiasNeutral && sig.Confidence == 0 {
		if log != nil {
			log.Warnw("ML_INCONSISTENT", "component", "ml", "bias", sig.Bias, "confidence", sig.Confidence)
		}
		sig.Bias = BiasNeutral
	}
	return sig
}

// Features holds the per-bar feature vector the classifier compares by
// Lorentzian distance: RSI(14), WaveTrend main, CCI(20), ADX(20), RSI(9).
type Features struct {
	RSI14 float64
	WT    float64
	CCI20 float64
	ADX20 float64
	RSI9  float64
}

// Vector returns the feature values in the fixed comparison order.
func (f Features) Vector() []float64 {
	return []float64{f.RSI14, f.WT, f.CCI20, f.ADX20, f.RSI9}
}

// BuildFeatures computes the feature vector for the bar at index i of a 5m
// bundle, mirroring the original predecessor's EMA8/EMA20/RSI14/ATR14
// style feature construction adapted to the k-NN vector the spec defines.
func BuildFeatures(high, low, close []float64, i int) Features {
	rsi14 := indicators.RSI(close[:i+1], 14)
	rsi9 := indicators.RSI(close[:i+1], 9)
	cci20 := indicators.CCI(high[:i+1], low[:i+1], close[:i+1], 20)
	adx20, _, _ := indicators.ADX(high[:i+1], low[:i+1], close[:i+1], 20)
	wt1, _ := indicators.WaveTrend(high[:i+1], low[:i+1], close[:i+1], 10, 11, 4)
	return Features{
		RSI14: lastOrZero(rsi14),
		WT:    lastOrZero(wt1),
		CCI20: lastOrZero(cci20),
		ADX20: lastOrZero(adx20),
		RSI9:  lastOrZero(rsi9),
	}
}

func lastOrZero(s []float64) float64 {
	if len(s) == 0 {
		return 0
	}
	v := s[len(s)-1]
	if math.IsNaN(v) {
		return 0
	}
	return v
}

// KNNConfig carries the classifier's tunables.
type KNNConfig struct {
	K           int // neighbor count
	MaxBack     int // max bars to walk back
	Stride      int // stride between candidate bars
	LabelHorizon int // label = sign(close[i+h] - close[i])
	WarmupBars  int // TS_ML_WARMUP_BARS, default 600
}

// DefaultKNNConfig mirrors the spec's defaults.
func DefaultKNNConfig() KNNConfig {
	return KNNConfig{K: 8, MaxBack: 2000, Stride: 4, LabelHorizon: 4, WarmupBars: 600}
}

// Lorentzian is the default k-NN directional classifier: it walks back
// through history comparing feature vectors by Lorentzian distance and
// votes on the sign of each neighbor's forward return.
type Lorentzian struct {
	cfg      KNNConfig
	history  []Features
	closes   []float64
	prevConf float64
	haveConf bool
	log      *zap.SugaredLogger
}

// NewLorentzian constructs a classifier over the given config.
func NewLorentzian(cfg KNNConfig, log *zap.SugaredLogger) *Lorentzian {
	return &Lorentzian{cfg: cfg, log: log}
}

// Observe appends one bar's feature vector and close price to the running
// history the classifier walks back through. Callers append once per bar,
// in order.
func (l *Lorentzian) Observe(f Features, close float64) {
	l.history = append(l.history, f)
	l.closes = append(l.closes, close)
}

// Predict classifies the most recently observed bar.
func (l *Lorentzian) Predict(features []float64, barCount int) Signal {
	warm := barCount >= l.cfg.WarmupBars
	if !warm || len(l.history) == 0 {
		return Signal{Bias: BiasNeutral, Confidence: 0, Warm: warm}
	}

	now := l.history[len(l.history)-1].Vector()
	n := len(l.history)
	horizon := l.cfg.LabelHorizon
	stride := l.cfg.Stride
	if stride < 1 {
		stride = 1
	}
	maxBack := l.cfg.MaxBack
	if maxBack <= 0 || maxBack > n {
		maxBack = n
	}

	neighbors := make([]neighbor, 0, l.cfg.K*2)
	start := n - 1 - horizon
	limit := n - 1 - maxBack
	if limit < 0 {
		limit = 0
	}
	for i := start; i >= limit; i -= stride {
		if i < 0 || i+horizon >= n-1 {
			continue
		}
		d := indicators.LorentzianDistance(now, l.history[i].Vector())
		label := 0
		if l.closes[i+horizon] > l.closes[i] {
			label = 1
		} else if l.closes[i+horizon] < l.closes[i] {
			label = -1
		}
		neighbors = insertSorted(neighbors, neighbor{dist: d, label: label}, l.cfg.K)
	}

	if len(neighbors) == 0 {
		return Signal{Bias: BiasNeutral, Confidence: 0, Warm: warm}
	}
	sum := 0
	for _, nb := range neighbors {
		sum += nb.label
	}
	k := len(neighbors)
	conf := math.Abs(float64(sum)) / float64(k)
	bias := BiasNeutral
	if sum > 0 {
		bias = BiasLong
	} else if sum < 0 {
		bias = BiasShort
	}

	slope := 0.0
	if l.haveConf {
		slope = conf - l.prevConf
	}
	l.prevConf = conf
	l.haveConf = true

	return Signal{Bias: bias, Confidence: conf, Slope: slope, Warm: warm}
}

type neighbor struct {
	dist  float64
	label int
}

func insertSorted(neighbors []neighbor, n neighbor, k int) []neighbor {
	neighbors = append(neighbors, n)
	for i := len(neighbors) - 1; i > 0 && neighbors[i-1].dist > neighbors[i].dist; i-- {
		neighbors[i-1], neighbors[i] = neighbors[i], neighbors[i-1]
	}
	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors
}
