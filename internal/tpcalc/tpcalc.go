// Package tpcalc builds the take-profit ladder attached to a Signal: either
// an ATR-multiple ladder or an R-multiple ladder, optionally regime-adaptive,
// with a structured size-fraction partition.
package tpcalc

import (
	"math"
	"sort"
)

// Mode selects the TP ladder basis.
type Mode string

const (
	ModeATR Mode = "atr"
	ModeR   Mode = "r"
)

// Config carries the tunables named after their env keys.
type Config struct {
	Mode              Mode
	ATRMults          [3]float64 // TP1/2/3_ATR_MULT, default (0.60, 1.00, 1.50)
	RMultis           [3]float64 // TP_R_MULTIS
	ModeAdaptEnabled  bool
	ChopATRPctMax     float64 // MODE_CHOP_ATR_PCT_MAX
	ChopADXMax        float64 // MODE_CHOP_ADX_MAX
	ChopMults         [3]float64
	RallyMults        [3]float64
	MinRMult          float64 // MIN_R_MULT — minimum quality for TP1
	SizeFracs         [3]float64
	Structured        bool
}

// DefaultConfig mirrors the ATR-ladder defaults documented in the spec.
func DefaultConfig() Config {
	return Config{
		Mode:             ModeATR,
		ATRMults:         [3]float64{0.60, 1.00, 1.50},
		RMultis:          [3]float64{0.60, 1.00, 1.50},
		ModeAdaptEnabled: true,
		ChopATRPctMax:    0.0025,
		ChopADXMax:       25,
		ChopMults:        [3]float64{0.60, 1.00, 1.50},
		RallyMults:       [3]float64{0.90, 1.60, 2.60},
		MinRMult:         0.5,
		SizeFracs:        [3]float64{0.40, 0.35, 0.25},
		Structured:       false,
	}
}

// Level is one rung of a structured TP ladder.
type Level struct {
	Px       float64
	SizeFrac float64
}

// Build computes the TP ladder for a LONG or SHORT signal. entry is the
// current entry price, atrPct is ATR(14,5m)/price.
func Build(cfg Config, entry, sl float64, isLong bool, atr, atrPct, adx float64) []Level {
	r := math.Abs(entry - sl)
	mults := cfg.ATRMults
	switch cfg.Mode {
	case ModeATR:
		if cfg.ModeAdaptEnabled {
			if atrPct <= cfg.ChopATRPctMax && adx <= cfg.ChopADXMax {
				mults = cfg.ChopMults
			} else {
				mults = cfg.RallyMults
			}
		}
	case ModeR:
		mults = cfg.RMultis
	}

	levels := make([]Level, 0, 3)
	for i, m := range mults {
		var px float64
		if cfg.Mode == ModeATR {
			if isLong {
				px = entry + m*atr
			} else {
				px = entry - m*atr
			}
		} else {
			if isLong {
				px = entry + m*r
			} else {
				px = entry - m*r
			}
		}
		frac := 0.0
		if i < len(cfg.SizeFracs) {
			frac = cfg.SizeFracs[i]
		}
		levels = append(levels, Level{Px: round4(px), SizeFrac: frac})
	}

	levels = enforceMinR(levels, entry, r, isLong, cfg.MinRMult)
	levels = monotonic(levels, isLong, entry)
	levels = normalizeFracs(levels)
	return levels
}

// enforceMinR stretches TP1 out if it fails the minimum R-multiple quality bar.
func enforceMinR(levels []Level, entry, r float64, isLong bool, minRMult float64) []Level {
	if len(levels) == 0 || r <= 0 {
		return levels
	}
	minDist := minRMult * r
	if isLong {
		if levels[0].Px-entry < minDist {
			levels[0].Px = round4(entry + minDist)
		}
	} else {
		if entry-levels[0].Px < minDist {
			levels[0].Px = round4(entry - minDist)
		}
	}
	return levels
}

// monotonic sorts, dedups (absolute epsilon of 1e-9), and drops TPs on the
// wrong side of entry.
func monotonic(levels []Level, isLong bool, entry float64) []Level {
	clean := make([]Level, 0, len(levels))
	for _, l := range levels {
		if isLong && l.Px > entry {
			clean = append(clean, l)
		} else if !isLong && l.Px < entry {
			clean = append(clean, l)
		}
	}
	if isLong {
		sort.Slice(clean, func(i, j int) bool { return clean[i].Px < clean[j].Px })
	} else {
		sort.Slice(clean, func(i, j int) bool { return clean[i].Px > clean[j].Px })
	}
	out := make([]Level, 0, len(clean))
	var prev float64
	first := true
	for _, l := range clean {
		if first {
			out = append(out, l)
			prev = l.Px
			first = false
			continue
		}
		if isLong && l.Px <= prev+1e-9 {
			continue
		}
		if !isLong && l.Px >= prev-1e-9 {
			continue
		}
		out = append(out, l)
		prev = l.Px
	}
	return out
}

func normalizeFracs(levels []Level) []Level {
	sum := 0.0
	for _, l := range levels {
		sum += l.SizeFrac
	}
	if sum <= 1.0+1e-6 || sum == 0 {
		return levels
	}
	for i := range levels {
		levels[i].SizeFrac /= sum
	}
	return levels
}

// Prices extracts the bare price ladder from structured levels, the form a
// Signal carries when Structured is false.
func Prices(levels []Level) []float64 {
	out := make([]float64, len(levels))
	for i, l := range levels {
		out[i] = l.Px
	}
	return out
}

// Sanitize is the idempotent ladder cleanup: monotonic, deduped, rounded. Calling it
// twice on its own output is a no-op.
func Sanitize(tps []float64, isLong bool, entry float64) []float64 {
	levels := make([]Level, len(tps))
	for i, p := range tps {
		levels[i] = Level{Px: round4(p)}
	}
	return Prices(monotonic(levels, isLong, entry))
}

func round4(x float64) float64 {
	return math.Round(x*1e4) / 1e4
}
