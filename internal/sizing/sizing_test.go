package sizing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChooseSizeModeBothTakesTighterBound(t *testing.T) {
	cfg := Config{
		Mode: ModeBoth, CapitalFraction: 0.25, MaxLeverage: 5, RiskPct: 0.5, MinSLFrac: 0.002,
	}
	// capQty = (10000*0.25*5)/100 = 125; riskQty = (10000*0.005)/1 = 50 -> min is 50.
	got := ChooseSize(cfg, 10000, 100, 99)
	assert.InDelta(t, 50, got, 1e-9)
}

func TestChooseSizeZeroBalanceOrEntryReturnsZero(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 0.0, ChooseSize(cfg, 0, 100, 99))
	assert.Equal(t, 0.0, ChooseSize(cfg, 10000, 0, 99))
}

func TestChooseSizeNotionalFloorRejectsDust(t *testing.T) {
	cfg := Config{Mode: ModeCapitalFrac, CapitalFraction: 0.0001, MaxLeverage: 1, NotionalFloor: 1000}
	got := ChooseSize(cfg, 100, 50000, 49000)
	assert.Equal(t, 0.0, got)
}

func TestChooseSizeCapsAtMaxQty(t *testing.T) {
	cfg := Config{Mode: ModeCapitalFrac, CapitalFraction: 1, MaxLeverage: 10, MaxQty: 1}
	got := ChooseSize(cfg, 10000, 100, 99)
	assert.Equal(t, 1.0, got)
}

func TestChooseSizePaperUsesStartBalance(t *testing.T) {
	cfg := Config{
		Mode: ModeCapitalFrac, CapitalFraction: 0.25, MaxLeverage: 5,
		PaperUseStartBalance: true, PaperStartBalance: 10000,
	}
	got := ChooseSize(cfg, 1, 100, 99) // real balance of 1 should be ignored
	assert.InDelta(t, 125, got, 1e-9)
}
