// Package manager runs the per-trade cooperative loop: on every tick it
// re-derives features, classifies regime, runs the Post-Entry-Validity
// guard, proposes SL/TP changes through the guards package, recognizes TP
// hits, and applies the giveback guard, until the trade reaches a terminal
// state. Grounded on the teacher's monitorPositions/MoveStopToBreakEven
// ticker loop, generalized from a flat position map to one FSM per trade.
package manager

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/duskline/predator-core/internal/execution"
	"github.com/duskline/predator-core/internal/guards"
	"github.com/duskline/predator-core/internal/indicators"
	"github.com/duskline/predator-core/internal/marketdata"
	"github.com/duskline/predator-core/internal/ml"
	"github.com/duskline/predator-core/internal/model"
	"github.com/duskline/predator-core/internal/notify"
	"github.com/duskline/predator-core/internal/storage"
	"github.com/duskline/predator-core/internal/telemetry"
	"github.com/duskline/predator-core/internal/tpcalc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// VenueChecker reports whether the exchange shows the position already
// flat, for live-mode reconciliation. Paper brokers don't implement it.
type VenueChecker interface {
	IsFlat(ctx context.Context, symbol string) (bool, error)
}

// Config holds the manager's tunables, named after their env keys.
type Config struct {
	PollInterval time.Duration

	PartialTP1Frac float64 // TS_PARTIAL_TP1
	MSStepR        float64 // TS_MS_STEP_R
	MSLockDeltaR   float64 // TS_MS_LOCK_DELTA_R
	TP2LockFracR   float64 // fraction of (tp2-entry) locked in after TP2

	GivebackArmR  float64 // TS_GIVEBACK_ARM_R
	GivebackFrac  float64 // TS_GIVEBACK_FRAC
	ScalpAbsLockUSD float64

	PEVGraceBars5m int
	PEVGraceMinS   int
	PEVADXFloor    float64
	PEVATRPctFloor float64
	PEVBreakKATR   float64
	PEVSwingBars   int

	RegimeAdxUp, RegimeAdxDn float64
	RegimeAtrUp, RegimeAtrDn float64

	SLTightenCooldown time.Duration
	TPExtendCooldown  time.Duration
	TPEps             float64

	DryRun bool
}

// Deps wires the collaborators a manager loop needs.
type Deps struct {
	MarketData marketdata.Provider
	Broker     execution.Broker
	Store      *storage.Store
	Notify     notify.Notifier
	Hub        *telemetry.Hub
	Predictor  ml.Predictor
	VenueCheck VenueChecker
	Guards     guards.Config
	TP         tpcalc.Config
	Log        *zap.SugaredLogger
}

// Manager is the per-trade FSM. One instance lives for the lifetime of a
// single open trade.
type Manager struct {
	cfg  Config
	deps Deps

	trade *model.Trade
	meta  model.ManagerMeta
	rInit float64

	lastSLChangeAt time.Time
	lastTPChangeAt time.Time
}

// New constructs a Manager for an already-opened trade, reconstructing its
// ephemeral state from the trade's persisted EntrySnapshot if present.
func New(cfg Config, deps Deps, trade *model.Trade, snapshot model.EntryValiditySnapshot) *Manager {
	return &Manager{
		cfg:   cfg,
		deps:  deps,
		trade: trade,
		rInit: math.Abs(trade.Entry - trade.SL),
		meta: model.ManagerMeta{
			EntrySnapshot:  snapshot,
			Regime:         model.RegimeChop,
			PEVState:       model.PEVOk,
			TelemetryExtra: map[string]any{},
		},
	}
}

// Run loops at PollInterval until the trade reaches a terminal state or the
// context is canceled. Each tick is atomic: either it completes and (if
// necessary) mutates the trade in storage, or it is skipped entirely.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			terminal, err := m.tick(ctx)
			if err != nil {
				m.deps.Log.Warnw("manager tick error", "component", "manager", "trade_id", m.trade.ID, "err", err)
				continue
			}
			if terminal {
				return nil
			}
		}
	}
}

func (m *Manager) tick(ctx context.Context) (bool, error) {
	isLong := m.trade.Side == model.Long

	// 1. Venue reconciliation (LIVE only).
	if !m.cfg.DryRun && m.deps.VenueCheck != nil {
		flat, err := m.deps.VenueCheck.IsFlat(ctx, m.trade.Symbol)
		if err == nil && flat {
			return m.closeTrade(ctx, model.StatusClosedVenueFlat, m.trade.Entry, notify.EventVenueFlat, "venue reports flat")
		}
	}

	m1, err := m.deps.MarketData.Fetch(ctx, model.TF1m, 120)
	if err != nil || m1.Len() == 0 {
		return false, err
	}
	m5, err := m.deps.MarketData.Fetch(ctx, model.TF5m, 300)
	if err != nil || m5.Len() == 0 {
		return false, err
	}
	m15, err := m.deps.MarketData.Fetch(ctx, model.TF15m, 300)
	if err != nil || m15.Len() == 0 {
		return false, err
	}

	last1 := m1.Last()
	price := m1.Close[last1]

	// 2. Bar advance.
	if m1.Time[last1] > m.meta.LastSeenBarTS {
		if m.meta.HitTP1 {
			m.meta.BarsSinceTP1++
		}
		m.meta.LastSeenBarTS = m1.Time[last1]
	}

	// 3. SL touch check.
	if isLong && m1.Low[last1] <= m.trade.SL {
		return m.closeTrade(ctx, model.StatusClosedSL, m.trade.SL, notify.EventSLHit, "sl touched")
	}
	if !isLong && m1.High[last1] >= m.trade.SL {
		return m.closeTrade(ctx, model.StatusClosedSL, m.trade.SL, notify.EventSLHit, "sl touched")
	}

	// 4. Recompute features.
	atr5 := lastATR5m(m5)
	atrPct := atr5 / price
	adx14 := lastADX(m5, 14)
	ema200_5 := lastEMA(m5, 200)
	ema200_15 := lastEMA(m15, 200)
	m.meta.ATR5 = atr5
	m.meta.ADX14 = adx14
	m.meta.EMA200_5m = ema200_5
	m.meta.EMA200_15m = ema200_15

	favorable := price - m.trade.Entry
	if !isLong {
		favorable = m.trade.Entry - price
	}
	if favorable > m.meta.MFEAbs {
		m.meta.MFEAbs = favorable
	}
	if -favorable > m.meta.MAEAbs {
		m.meta.MAEAbs = -favorable
	}

	// 5. Regime classification.
	closeSlope := m5.Close[m5.Last()] - m5.Close[maxInt(m5.Last()-5, 0)]
	emaSide := 1.0
	if price < ema200_5 {
		emaSide = -1.0
	}
	m.meta.Regime = classifyRegime(m.meta.Regime, adx14, atrPct, emaSide, closeSlope, m.cfg)

	// 6. Post-Entry Validity (pre-TP1 only).
	if !m.meta.HitTP1 {
		if terminal, err := m.runPEV(ctx, isLong, price, atr5, atrPct, adx14, ema200_5, ema200_15, m1); terminal || err != nil {
			return terminal, err
		}
	}

	// 7. SL proposal.
	slCandidate := m.proposeSL(isLong, price, atr5, m5)
	m.applySL(ctx, isLong, price, atr5, slCandidate)

	// 8. TP proposal.
	m.proposeTPs(ctx, isLong, atr5, atrPct, adx14)

	// 9. TP hit recognition.
	if terminal, err := m.checkTPHits(ctx, isLong, price); terminal || err != nil {
		return terminal, err
	}

	// 10. Giveback guard.
	if terminal, err := m.checkGiveback(ctx, isLong, price, m5); terminal || err != nil {
		return terminal, err
	}

	// 11. Status emit.
	m.emitStatus()
	return false, nil
}

// runPEV implements the pre-TP1 Post-Entry-Validity guard: soft degrade
// with a grace window, and hard invalidation (EMA-side flip plus a
// structural swing break) that exits immediately.
func (m *Manager) runPEV(ctx context.Context, isLong bool, price, atr5, atrPct, adx14, ema5, ema15 float64, m1 *model.Bars) (bool, error) {
	flipped := emaFlipped(isLong, price, ema5, ema15, m.meta.EntrySnapshot.EMA200Side)
	broke := structuralBreak(m1, m.cfg.PEVSwingBars, isLong, price, atr5, m.cfg.PEVBreakKATR)
	if flipped && broke {
		m.meta.PEVState = model.PEVExit
		return m.closeTrade(ctx, model.StatusClosedPEV, price, notify.EventPEVExit, "pev hard invalidation")
	}

	soft := adx14 < m.cfg.PEVADXFloor || atrPct < m.cfg.PEVATRPctFloor
	if !soft {
		m.meta.PEVGraceStartedAt = nil
		m.meta.PEVState = model.PEVOk
		return false, nil
	}
	if m.meta.PEVGraceStartedAt == nil {
		now := time.Now()
		m.meta.PEVGraceStartedAt = &now
		m.meta.PEVState = model.PEVWarn
		return false, nil
	}
	graceDur := time.Duration(m.cfg.PEVGraceMinS) * time.Second
	barsDur := time.Duration(m.cfg.PEVGraceBars5m) * 5 * time.Minute
	if barsDur > graceDur {
		graceDur = barsDur
	}
	if time.Since(*m.meta.PEVGraceStartedAt) >= graceDur {
		m.meta.PEVState = model.PEVExit
		return m.closeTrade(ctx, model.StatusClosedPEV, price, notify.EventPEVExit, "pev grace exhausted")
	}
	m.meta.PEVState = model.PEVWarn
	return false, nil
}

// proposeSL computes the tighten-only SL candidate for this tick, applying
// the absolute-dollar insurance lock, the milestone ratchet, and the
// post-TP2 structural trail in priority order, then runs it through the
// unified guard.
func (m *Manager) proposeSL(isLong bool, price, atr5 float64, m5 *model.Bars) float64 {
	candidate := m.trade.SL
	allowBE := false

	if !m.meta.HitTP1 {
		if m.cfg.ScalpAbsLockUSD > 0 && m.meta.MFEAbs*m.trade.Qty >= m.cfg.ScalpAbsLockUSD {
			allowBE = true
		}
		return guards.GuardSL(m.deps.Guards, candidate, m.trade.SL, isLong, price, m.trade.Entry, atr5, m.meta.HitTP1, allowBE)
	}

	allowBE = true
	tp1 := m.trade.TP1
	progress := price - tp1
	if !isLong {
		progress = tp1 - price
	}
	step := m.cfg.MSStepR * m.rInit
	k := 0.0
	if step > 0 && progress > 0 {
		k = math.Floor(progress / step)
	}
	lockDelta := k * m.cfg.MSLockDeltaR * m.rInit
	beFloor := guards.BEFloor(m.trade.Entry, isLong, m.trade.Entry, m.deps.Guards.FeesPctPad)
	if isLong {
		candidate = beFloor + lockDelta
	} else {
		candidate = beFloor - lockDelta
	}

	if m.meta.HitTP2 {
		tp2 := m.trade.TP2
		lockPrice := m.trade.Entry + m.cfg.TP2LockFracR*(tp2-m.trade.Entry)
		if !isLong {
			lockPrice = m.trade.Entry - m.cfg.TP2LockFracR*(m.trade.Entry-tp2)
		}
		n := 20
		hi, lo := swingExtreme(m5, n)
		trailed := guards.BehindExtreme(lockPrice, isLong, hi, lo, atr5, 0)
		if isLong {
			candidate = math.Max(lockPrice, trailed)
		} else {
			candidate = math.Min(lockPrice, trailed)
		}
	}

	return guards.GuardSL(m.deps.Guards, candidate, m.trade.SL, isLong, price, m.trade.Entry, atr5, m.meta.HitTP1, allowBE)
}

func (m *Manager) applySL(ctx context.Context, isLong bool, price, atr5, candidate float64) {
	if isLong && candidate <= m.trade.SL+1e-9 {
		return
	}
	if !isLong && candidate >= m.trade.SL-1e-9 {
		return
	}
	if !m.lastSLAllowed() {
		return
	}
	if err := m.deps.Broker.AmendSL(ctx, m.trade.Symbol, m.trade.ID, m.trade.Side, candidate, m.trade.Qty); err != nil {
		m.deps.Log.Warnw("SL_AMEND_ERROR", "component", "manager", "trade_id", m.trade.ID, "err", err)
		return
	}
	m.trade.SL = candidate
	_ = m.deps.Store.UpdateTradeSL(m.trade.ID, candidate)
	_ = m.deps.Store.AppendEvent(m.trade.ID, string(notify.EventSLMove), fmt.Sprintf("sl -> %.6f", candidate))
	telemetry.SLMoves.WithLabelValues("ratchet").Inc()
	m.lastSLChangeAt = time.Now()
	m.deps.Notify.Notify(notify.EventSLMove, m.trade.ID, "SL moved")
}

func (m *Manager) lastSLAllowed() bool {
	if m.lastSLChangeAt.IsZero() {
		return true
	}
	return time.Since(m.lastSLChangeAt) >= m.cfg.SLTightenCooldown
}

// proposeTPs extends the TP ladder in the regime-adaptive direction only
// (never tightens at init), and replaces it idempotently.
func (m *Manager) proposeTPs(ctx context.Context, isLong bool, atr5, atrPct, adx14 float64) {
	if !m.meta.HitTP1 || m.meta.Regime != model.RegimeRunner {
		return
	}
	if !m.lastTPAllowed() {
		return
	}
	levels := tpcalc.Build(m.deps.TP, m.trade.Entry, m.trade.SL, isLong, atr5, atrPct, adx14)
	newTPs := tpcalc.Prices(levels)
	newTPs = guards.TPMonotonic(newTPs, isLong, m.trade.Entry, m.trade.SL)
	if len(newTPs) < 2 {
		return
	}
	cur := []float64{m.trade.TP2, m.trade.TP3}
	if closeEnough(newTPs[1:], cur, m.cfg.TPEps) {
		return
	}
	for i, c := range cur {
		if c <= 0 || i+1 >= len(newTPs) {
			continue
		}
		if (isLong && newTPs[i+1] < c) || (!isLong && newTPs[i+1] > c) {
			return
		}
	}
	if err := m.deps.Broker.AmendTPs(ctx, m.trade.Symbol, m.trade.ID, newTPs, true, m.trade.Qty); err != nil {
		m.deps.Log.Warnw("TP_AMEND_ERROR", "component", "manager", "trade_id", m.trade.ID, "err", err)
		return
	}
	m.trade.TP2 = newTPs[1]
	if len(newTPs) > 2 {
		m.trade.TP3 = newTPs[2]
	}
	_ = m.deps.Store.UpdateTradeTPs(m.trade.ID, m.trade.TP1, m.trade.TP2, m.trade.TP3)
	telemetry.TPReplacements.Inc()
	m.lastTPChangeAt = time.Now()
	m.deps.Notify.Notify(notify.EventTPReplace, m.trade.ID, "TPs replaced")
}

func (m *Manager) lastTPAllowed() bool {
	if m.lastTPChangeAt.IsZero() {
		return true
	}
	return time.Since(m.lastTPChangeAt) >= m.cfg.TPExtendCooldown
}

// checkTPHits recognizes TP1/TP2/TP3 touches and applies the regime-driven
// partial/flatten behavior named in the position-manager contract.
func (m *Manager) checkTPHits(ctx context.Context, isLong bool, price float64) (bool, error) {
	hit := func(tp float64) bool {
		if tp == 0 {
			return false
		}
		if isLong {
			return price >= tp
		}
		return price <= tp
	}

	if !m.meta.HitTP1 && hit(m.trade.TP1) {
		m.meta.HitTP1 = true
		_ = m.deps.Store.AppendEvent(m.trade.ID, string(notify.EventTPHit), "TP1 hit")
		m.deps.Notify.Notify(notify.EventTPHit, m.trade.ID, "TP1 hit")
		if m.meta.Regime == model.RegimeChop {
			return m.closeTrade(ctx, model.StatusClosedPEV, price, notify.EventTPHit, "chop flatten at tp1")
		}
		if _, err := m.deps.Broker.EnsurePartialTP1(ctx, m.trade.Symbol, m.trade.ID, m.cfg.PartialTP1Frac, m.trade.Qty); err != nil {
			m.deps.Log.Warnw("TP1_PARTIAL_ERROR", "component", "manager", "trade_id", m.trade.ID, "err", err)
		}
		remainingQty := m.trade.Qty * (1 - m.cfg.PartialTP1Frac)
		_ = m.deps.Store.UpdateTradeStatus(m.trade.ID, model.StatusPartial, remainingQty, nil, nil, nil)
		m.trade.Status = model.StatusPartial
		m.trade.Qty = remainingQty
		return false, nil
	}

	if m.meta.HitTP1 && !m.meta.HitTP2 && m.meta.Regime == model.RegimeChop {
		return m.closeTrade(ctx, model.StatusClosedPEV, price, notify.EventTPHit, "regime flip before tp2")
	}

	if m.meta.HitTP1 && !m.meta.HitTP2 && hit(m.trade.TP2) {
		m.meta.HitTP2 = true
		_ = m.deps.Store.AppendEvent(m.trade.ID, string(notify.EventTPHit), "TP2 hit")
		m.deps.Notify.Notify(notify.EventTPHit, m.trade.ID, "TP2 hit")
		return false, nil
	}

	if m.meta.HitTP2 && hit(m.trade.TP3) {
		_ = m.deps.Store.AppendEvent(m.trade.ID, string(notify.EventTPHit), "TP3 hit")
		m.deps.Notify.Notify(notify.EventTPHit, m.trade.ID, "TP3 hit")
		return m.closeTrade(ctx, model.StatusClosedTP, price, notify.EventTPHit, "tp3 hit")
	}
	return false, nil
}

// checkGiveback flattens when a trade has surrendered a configured
// fraction of its maximum favorable excursion and the predictor's slope
// has turned against the position.
func (m *Manager) checkGiveback(ctx context.Context, isLong bool, price float64, m5 *model.Bars) (bool, error) {
	if m.rInit <= 0 || m.meta.MFEAbs < m.cfg.GivebackArmR*m.rInit {
		return false, nil
	}
	favorable := price - m.trade.Entry
	if !isLong {
		favorable = m.trade.Entry - price
	}
	given := (m.meta.MFEAbs - favorable) / m.meta.MFEAbs
	if given < m.cfg.GivebackFrac {
		return false, nil
	}
	if m.deps.Predictor == nil {
		return false, nil
	}
	i := m5.Last()
	feat := ml.BuildFeatures(m5.High, m5.Low, m5.Close, i)
	sig := ml.ValidateSignal(m.deps.Predictor.Predict(feat.Vector(), m5.Len()), m.deps.Log)
	if sig.Slope >= 0 {
		return false, nil
	}
	return m.closeTrade(ctx, model.StatusClosedGiveback, price, notify.EventGiveback, "giveback guard")
}

// closeTrade flattens the remainder at market, persists the terminal
// status and realized PnL (computed with shopspring/decimal to avoid
// float accumulation error on money math), and notifies.
func (m *Manager) closeTrade(ctx context.Context, status model.TradeStatus, exitPrice float64, event notify.Event, reason string) (bool, error) {
	if err := m.deps.Broker.ExitRemainderMarket(ctx, m.trade.Symbol, m.trade.ID, m.trade.Qty); err != nil {
		m.deps.Log.Warnw("EXIT_ERROR", "component", "manager", "trade_id", m.trade.ID, "err", err)
	}
	entry := decimal.NewFromFloat(m.trade.Entry)
	exit := decimal.NewFromFloat(exitPrice)
	qty := decimal.NewFromFloat(m.trade.Qty)
	diff := exit.Sub(entry)
	if m.trade.Side == model.Short {
		diff = entry.Sub(exit)
	}
	pnl, _ := diff.Mul(qty).Float64()
	now := time.Now()

	if err := m.deps.Store.UpdateTradeStatus(m.trade.ID, status, 0, &exitPrice, &pnl, &now); err != nil {
		return true, err
	}
	m.trade.Status = status
	telemetry.TradesClosed.WithLabelValues(string(status)).Inc()
	if err := m.deps.Store.AppendEvent(m.trade.ID, string(event), reason); err != nil {
		m.deps.Log.Warnw("event append failed", "component", "manager", "trade_id", m.trade.ID, "err", err)
	}
	m.deps.Notify.Notify(event, m.trade.ID, reason)
	m.deps.Hub.Broadcast(telemetry.StatusEvent{Type: "TRADE_CLOSED", TradeID: m.trade.ID, Fields: map[string]any{"status": status, "pnl": pnl, "reason": reason}})
	return true, nil
}

func (m *Manager) emitStatus() {
	m.deps.Hub.Broadcast(telemetry.StatusEvent{
		Type:    "STATUS",
		TradeID: m.trade.ID,
		Fields: map[string]any{
			"regime": m.meta.Regime, "sl": m.trade.SL, "tp1": m.trade.TP1, "tp2": m.trade.TP2, "tp3": m.trade.TP3,
			"hit_tp1": m.meta.HitTP1, "hit_tp2": m.meta.HitTP2, "pev_state": m.meta.PEVState,
		},
	})
	telemetry.RegimeGauge.WithLabelValues(string(m.meta.Regime)).Set(1)
}

func classifyRegime(prev model.Regime, adx, atrPct, emaSide, closeSlope float64, cfg Config) model.Regime {
	if prev == model.RegimeRunner {
		if adx <= cfg.RegimeAdxDn || atrPct <= cfg.RegimeAtrDn {
			return model.RegimeChop
		}
		return model.RegimeRunner
	}
	if adx >= cfg.RegimeAdxUp && atrPct >= cfg.RegimeAtrUp && emaSide*closeSlope >= 0 {
		return model.RegimeRunner
	}
	return model.RegimeChop
}

func emaFlipped(isLong bool, price, ema5, ema15 float64, snapshotSide string) bool {
	const tol = 0.0005
	below5 := price < ema5*(1-tol)
	below15 := price < ema15*(1-tol)
	above5 := price > ema5*(1+tol)
	above15 := price > ema15*(1+tol)
	if isLong {
		return (snapshotSide == "above" || snapshotSide == "na") && below5 && below15
	}
	return (snapshotSide == "below" || snapshotSide == "na") && above5 && above15
}

func structuralBreak(m1 *model.Bars, n int, isLong bool, price, atr, k float64) bool {
	if m1.Len() == 0 {
		return false
	}
	start := maxInt(m1.Len()-n, 0)
	if isLong {
		lo := m1.Low[start]
		for i := start; i < m1.Len(); i++ {
			if m1.Low[i] < lo {
				lo = m1.Low[i]
			}
		}
		return lo < price-k*atr
	}
	hi := m1.High[start]
	for i := start; i < m1.Len(); i++ {
		if m1.High[i] > hi {
			hi = m1.High[i]
		}
	}
	return hi > price+k*atr
}

func swingExtreme(bars *model.Bars, n int) (hi, lo float64) {
	last := bars.Last()
	start := maxInt(last-n, 0)
	hi, lo = bars.High[start], bars.Low[start]
	for i := start; i <= last; i++ {
		if bars.High[i] > hi {
			hi = bars.High[i]
		}
		if bars.Low[i] < lo {
			lo = bars.Low[i]
		}
	}
	return hi, lo
}

func closeEnough(a, b []float64, eps float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > eps {
			return false
		}
	}
	return true
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func lastATR5m(m5 *model.Bars) float64 {
	return indicators.LastATR(m5.High, m5.Low, m5.Close, 14)
}

func lastADX(bars *model.Bars, n int) float64 {
	return indicators.LastADX(bars.High, bars.Low, bars.Close, n)
}

func lastEMA(bars *model.Bars, n int) float64 {
	return indicators.LastEMA(bars.Close, n)
}
