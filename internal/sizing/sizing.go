// Package sizing chooses position quantity from account balance and the
// signal's risk distance, combining a capital-fraction cap with a
// risk-percent budget.
package sizing

import "math"

// Mode selects which sizing rule governs.
type Mode string

const (
	ModeCapitalFrac Mode = "capital_frac"
	ModeRiskR       Mode = "risk_r"
	ModeBoth        Mode = "both"
)

// Config carries the sizing tunables.
type Config struct {
	Mode               Mode
	CapitalFraction    float64
	MaxLeverage        float64
	RiskPct            float64
	MinSLFrac          float64
	MinSLAbs           float64
	MaxQty             float64
	MinQty             float64
	NotionalFloor      float64
	PaperUseStartBalance bool
	PaperStartBalance  float64
}

// DefaultConfig mirrors common defaults; the wired config loader overrides
// these from environment.
func DefaultConfig() Config {
	return Config{
		Mode:            ModeBoth,
		CapitalFraction: 0.25,
		MaxLeverage:     5,
		RiskPct:         0.5,
		MinSLFrac:       0.002,
		MinSLAbs:        0,
		MaxQty:          math.MaxFloat64,
		MinQty:          0,
		NotionalFloor:   0,
	}
}

// ChooseSize returns the quantity to trade, or 0 to signal "skip".
func ChooseSize(cfg Config, balance, entry, sl float64) float64 {
	if cfg.PaperUseStartBalance {
		balance = cfg.PaperStartBalance
	}
	if entry <= 0 || balance <= 0 {
		return 0
	}

	capQty := 0.0
	if cfg.Mode == ModeCapitalFrac || cfg.Mode == ModeBoth {
		capQty = (balance * cfg.CapitalFraction * cfg.MaxLeverage) / entry
	}

	riskQty := 0.0
	if cfg.Mode == ModeRiskR || cfg.Mode == ModeBoth {
		riskAmount := balance * cfg.RiskPct / 100.0
		perUnitLoss := math.Abs(entry - sl)
		perUnitLoss = math.Max(perUnitLoss, math.Max(entry*cfg.MinSLFrac, cfg.MinSLAbs))
		if perUnitLoss > 0 {
			riskQty = riskAmount / perUnitLoss
		}
	}

	var qty float64
	switch cfg.Mode {
	case ModeCapitalFrac:
		qty = capQty
	case ModeRiskR:
		qty = riskQty
	case ModeBoth:
		if capQty > 0 && riskQty > 0 {
			qty = math.Min(capQty, riskQty)
		} else {
			qty = math.Max(capQty, riskQty)
		}
	}

	if qty <= 0 {
		return 0
	}
	if qty > 0 && qty < cfg.MinQty {
		bumped := cfg.MinQty
		if bumped*entry <= balance*cfg.CapitalFraction*cfg.MaxLeverage {
			qty = bumped
		}
	}
	if cfg.MaxQty > 0 && qty > cfg.MaxQty {
		qty = cfg.MaxQty
	}
	if cfg.NotionalFloor > 0 && entry*qty < cfg.NotionalFloor {
		return 0
	}
	return qty
}
