// Package scheduler runs the bar-gated scan/dispatch loop: each cycle it
// pulls the multi-timeframe bundle, enforces the single-position and
// re-entry hygiene invariants, dispatches signal engines in priority
// order, gates the winning signal through the multi-TF heatmap confluence
// check, sizes and places the bracket, and hands the trade off to a
// manager. It also reconciles any OPEN/PARTIAL trade left behind by a
// prior process at startup.
//
// Grounded on the teacher's PredatorEngine worker loop (position lock,
// cooldown map, slippage guard before execution) and the distributor's
// candidate/active signal-lock idiom, generalized from a tick-stream
// scanner to a bar-gated poll loop with a structural confluence filter.
package scheduler

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/duskline/predator-core/internal/engine"
	"github.com/duskline/predator-core/internal/execution"
	"github.com/duskline/predator-core/internal/guards"
	"github.com/duskline/predator-core/internal/heatmap"
	"github.com/duskline/predator-core/internal/manager"
	"github.com/duskline/predator-core/internal/marketdata"
	"github.com/duskline/predator-core/internal/ml"
	"github.com/duskline/predator-core/internal/model"
	"github.com/duskline/predator-core/internal/notify"
	"github.com/duskline/predator-core/internal/sizing"
	"github.com/duskline/predator-core/internal/storage"
	"github.com/duskline/predator-core/internal/telemetry"
	"github.com/duskline/predator-core/internal/tpcalc"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BalanceFn resolves the account balance sizing reads against. Live mode
// wires the exchange account endpoint; paper mode returns a fixed start
// balance.
type BalanceFn func(ctx context.Context) (float64, error)

// Config carries the scheduler's tunables, generalizing config.Config's
// scan/reentry/heatmap knobs.
type Config struct {
	Symbol             string
	ScanInterval       time.Duration
	RequireNewBar      bool
	MinReentrySeconds  int
	BlockReentryPct    float64
	MinSLPct, MaxSLPct float64
	HeatmapTolPct      float64
	HeatmapNeedTFs     int
	HeatmapTopN        int
	Sizing             sizing.Config
	Manager            manager.Config
	DryRun             bool
}

// Deps carries every collaborator the scheduler dispatches through.
type Deps struct {
	MarketData  marketdata.Provider
	Engines     []engine.Engine
	Heatmap     heatmap.Config
	Store       *storage.Store
	Broker      execution.Broker
	Notify      notify.Notifier
	Hub         *telemetry.Hub
	Predictor   ml.Predictor
	VenueCheck  manager.VenueChecker
	Balance     BalanceFn
	Guards      guards.Config
	TP          tpcalc.Config
	Log         *zap.SugaredLogger
}

// Scheduler owns the scan/dispatch loop for a single symbol.
type Scheduler struct {
	cfg  Config
	deps Deps

	lastTradedBarTS int64
}

// New constructs a Scheduler.
func New(cfg Config, deps Deps) *Scheduler {
	return &Scheduler{cfg: cfg, deps: deps}
}

// Run recovers any open trade left behind by a prior process, then loops
// the scan/dispatch cycle on cfg.ScanInterval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.recoverAtStartup(ctx); err != nil {
		s.deps.Log.Errorw("recovery failed", "component", "scheduler", "err", err)
	}

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			start := time.Now()
			if err := s.cycle(ctx); err != nil {
				s.deps.Log.Errorw("scan cycle failed", "component", "scheduler", "err", err)
			}
			telemetry.ScanLatency.Observe(time.Since(start).Seconds())
		}
	}
}

// recoverAtStartup resumes management of any trade a prior process left
// OPEN or PARTIAL. It first checks whether price touched the recorded SL
// while the process was down; if so the trade closes as
// CLOSED_SL_RECOVERED rather than being silently re-armed against a stale
// bracket.
func (s *Scheduler) recoverAtStartup(ctx context.Context) error {
	trades, err := s.deps.Store.OpenOrPartialTrades()
	if err != nil {
		return fmt.Errorf("scheduler: recovery fetch: %w", err)
	}
	for i := range trades {
		t := trades[i]
		m1, err := s.deps.MarketData.Fetch(ctx, model.TF1m, 1440)
		if err != nil {
			s.deps.Log.Warnw("recovery: m1 fetch failed, resuming without SL-touch check", "component", "scheduler", "trade_id", t.ID, "err", err)
			s.resumeManagement(ctx, &t)
			continue
		}
		touched, touchPrice := slTouchedSince(m1, t)
		if touched {
			now := time.Now()
			pnl := realizedPnL(t.Side, t.Entry, touchPrice, t.Qty)
			if err := s.deps.Store.UpdateTradeStatus(t.ID, model.StatusClosedSLRecovered, 0, &touchPrice, &pnl, &now); err != nil {
				s.deps.Log.Errorw("recovery: close failed", "component", "scheduler", "trade_id", t.ID, "err", err)
				continue
			}
			s.deps.Log.Infow("recovery: trade closed, SL touched while offline", "component", "scheduler", "trade_id", t.ID, "sl", t.SL, "touch_price", touchPrice)
			telemetry.TradesClosed.WithLabelValues(string(model.StatusClosedSLRecovered)).Inc()
			s.deps.Notify.Notify(notify.EventSLHit, t.ID, fmt.Sprintf("%s recovered-closed: SL touched while offline", t.Symbol))
			continue
		}
		s.deps.Log.Infow("recovery: resuming management", "component", "scheduler", "trade_id", t.ID)
		s.resumeManagement(ctx, &t)
	}
	return nil
}

func slTouchedSince(m1 *model.Bars, t model.Trade) (bool, float64) {
	if m1 == nil {
		return false, 0
	}
	createdMS := t.CreatedTS.UnixMilli()
	for i := 0; i < m1.Len(); i++ {
		if m1.Time[i] < createdMS {
			continue
		}
		if t.Side == model.Long && m1.Low[i] <= t.SL {
			return true, t.SL
		}
		if t.Side == model.Short && m1.High[i] >= t.SL {
			return true, t.SL
		}
	}
	return false, 0
}

func realizedPnL(side model.Side, entry, exit, qty float64) float64 {
	e := decimal.NewFromFloat(entry)
	x := decimal.NewFromFloat(exit)
	q := decimal.NewFromFloat(qty)
	var diff decimal.Decimal
	if side == model.Long {
		diff = x.Sub(e)
	} else {
		diff = e.Sub(x)
	}
	v, _ := diff.Mul(q).Float64()
	return v
}

// resumeManagement hands the trade to a fresh Manager with a neutral entry
// snapshot: side and creation time come from the trade, EMA200 side and
// structure are "na", ADX and ATR% at entry are zero. The trade's stored
// meta is not read.
func (s *Scheduler) resumeManagement(ctx context.Context, t *model.Trade) {
	snapshot := model.EntryValiditySnapshot{Side: t.Side, EMA200Side: "na", Structure: "na", TSAtEntry: t.CreatedTS}
	mgr := manager.New(s.cfg.Manager, s.managerDeps(), t, snapshot)
	go func() {
		if err := mgr.Run(ctx); err != nil {
			s.deps.Log.Errorw("manager run exited", "component", "scheduler", "trade_id", t.ID, "err", err)
		}
	}()
}

func (s *Scheduler) managerDeps() manager.Deps {
	return manager.Deps{
		MarketData: s.deps.MarketData,
		Broker:     s.deps.Broker,
		Store:      s.deps.Store,
		Notify:     s.deps.Notify,
		Hub:        s.deps.Hub,
		Predictor:  s.deps.Predictor,
		VenueCheck: s.deps.VenueCheck,
		Guards:     s.deps.Guards,
		TP:         s.deps.TP,
		Log:        s.deps.Log,
	}
}

// cycle runs one scan/dispatch pass: fetch, enforce the singleton and
// pre-draft re-entry hygiene, dispatch engines, gate through confluence,
// enforce post-draft re-entry proximity and the SL rail, size, persist
// and place, then hand off to a manager.
func (s *Scheduler) cycle(ctx context.Context) error {
	openCount, err := s.deps.Store.OpenPositionCount()
	if err != nil {
		return fmt.Errorf("scheduler: open count: %w", err)
	}
	if openCount > 0 {
		return nil // singleton invariant: never stack a second trade
	}

	bundle, err := marketdata.FetchBundle(ctx, s.deps.MarketData, map[model.Timeframe]int{
		model.TF1m: 120, model.TF5m: 300, model.TF15m: 300, model.TF1h: 72, model.TF1d: 10,
	})
	if err != nil {
		s.logTelemetry("NO_DATA", "fetch bundle failed", map[string]any{"err": err.Error()})
		return fmt.Errorf("scheduler: fetch bundle: %w", err)
	}
	if !bundle.M5.Valid() || !bundle.M15.Valid() {
		s.logTelemetry("NO_DATA", "malformed bundle", map[string]any{"symbol": s.cfg.Symbol})
		return fmt.Errorf("scheduler: malformed bundle for %s", s.cfg.Symbol)
	}

	lastClosed, err := s.deps.Store.LastClosedTrade()
	if err != nil {
		return fmt.Errorf("scheduler: last closed trade: %w", err)
	}

	lastBarTS := bundle.M5.Time[bundle.M5.Last()]
	if s.cfg.RequireNewBar && lastBarTS == s.lastTradedBarTS {
		s.deps.Log.Debugw("skip: same bar as last trade", "component", "scheduler")
		s.logTelemetry("REENTRY_BLOCK", "same bar as last trade", nil)
		return nil
	}
	if lastClosed != nil && lastClosed.ClosedTS != nil {
		if time.Since(*lastClosed.ClosedTS) < time.Duration(s.cfg.MinReentrySeconds)*time.Second {
			s.deps.Log.Debugw("skip: cool-off active", "component", "scheduler")
			s.logTelemetry("REENTRY_BLOCK", "cool-off active", nil)
			return nil
		}
	}

	price := bundle.M5.Close[bundle.M5.Last()]
	levels := engine.FlowLevels{PriorDay: marketdata.PriorDayLevels(bundle.H1)}

	multi := s.buildHeatmap(bundle)

	var sig model.Signal
	for _, eng := range s.deps.Engines {
		candidate, err := eng.Signal(price, bundle, levels)
		if err != nil {
			s.deps.Log.Warnw("engine errored", "component", "scheduler", "engine", eng.Name(), "err", err)
			continue
		}
		if candidate.Side == model.None {
			continue
		}
		gate := heatmap.ConfluenceGate(multi, candidate.Entry, candidate.Side, s.cfg.HeatmapTolPct, s.cfg.HeatmapNeedTFs, s.cfg.HeatmapTopN)
		if gate.Block {
			s.deps.Log.Infow("signal blocked by heatmap confluence", "component", "scheduler", "engine", eng.Name(), "why", gate.Why)
			s.logTelemetry("FILTER_HEATMAP_BLOCK", "signal blocked by heatmap confluence", map[string]any{"engine": eng.Name(), "why": gate.Why})
			continue
		}
		sig = candidate
		break
	}
	if sig.Side == model.None {
		s.logTelemetry("FILTER_BLOCK", "no engine produced a signal", nil)
		return nil
	}

	if lastClosed != nil && lastClosed.Side == sig.Side {
		proximity := math.Abs(sig.Entry-lastClosed.Entry) / sig.Entry
		if proximity < s.cfg.BlockReentryPct {
			s.deps.Log.Infow("skip: post-draft re-entry proximity block", "component", "scheduler", "proximity", proximity)
			s.logTelemetry("REENTRY_BLOCK", "post-draft re-entry proximity block", map[string]any{"proximity": proximity})
			return nil
		}
	}

	if !sig.Valid(s.cfg.MinSLPct, s.cfg.MaxSLPct) {
		s.deps.Log.Warnw("skip: signal fails SL rail / TP ordering", "component", "scheduler", "engine", sig.Engine)
		s.logTelemetry("FILTER_BLOCK", "signal fails SL rail / TP ordering", map[string]any{"engine": sig.Engine})
		return nil
	}

	balance, err := s.deps.Balance(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: balance fetch: %w", err)
	}
	qty := sizing.ChooseSize(s.cfg.Sizing, balance, sig.Entry, sig.SL)
	if qty <= 0 {
		s.deps.Log.Infow("skip: sizing returned zero quantity", "component", "scheduler")
		s.logTelemetry("SIZE_ZERO", "sizing returned zero quantity", map[string]any{"engine": sig.Engine})
		return nil
	}

	tradeID := uuid.NewString()
	trade := model.Trade{
		ID:        tradeID,
		Symbol:    s.cfg.Symbol,
		Side:      sig.Side,
		Entry:     sig.Entry,
		SL:        sig.SL,
		Qty:       qty,
		Status:    model.StatusOpen,
		CreatedTS: time.Now(),
		Engine:    sig.Engine,
	}
	if len(sig.TPs) > 0 {
		trade.TP1 = sig.TPs[0]
	}
	if len(sig.TPs) > 1 {
		trade.TP2 = sig.TPs[1]
	}
	if len(sig.TPs) > 2 {
		trade.TP3 = sig.TPs[2]
	}
	if err := s.deps.Store.CreateTrade(trade); err != nil {
		return fmt.Errorf("scheduler: persist trade: %w", err)
	}

	if _, err := s.deps.Broker.PlaceBracket(ctx, s.cfg.Symbol, sig, qty, tradeID); err != nil {
		s.deps.Log.Errorw("ENTRY_ERROR", "component", "scheduler", "trade_id", tradeID, "err", err)
		s.logTelemetry("ENTRY_ERROR", "bracket placement failed", map[string]any{"trade_id": tradeID, "err": err.Error()})
		return fmt.Errorf("scheduler: place bracket: %w", err)
	}

	telemetry.TradesOpened.WithLabelValues(sig.Engine, string(sig.Side)).Inc()
	_ = s.deps.Store.AppendEvent(tradeID, string(notify.EventEntry), fmt.Sprintf("%s @ %.6f SL %.6f (%s)", sig.Side, sig.Entry, sig.SL, sig.Engine))
	s.deps.Notify.Notify(notify.EventEntry, tradeID, fmt.Sprintf("%s %s @ %.2f SL %.2f (%s)", s.cfg.Symbol, sig.Side, sig.Entry, sig.SL, sig.Engine))
	s.deps.Hub.Broadcast(telemetry.StatusEvent{Type: "TRADE_OPENED", TradeID: tradeID, Fields: map[string]any{
		"side": sig.Side, "entry": sig.Entry, "sl": sig.SL, "engine": sig.Engine,
	}})

	s.lastTradedBarTS = lastBarTS

	snapshot := model.EntryValiditySnapshot{
		Side:          sig.Side,
		ADXAtEntry:    toFloat(sig.Meta, "adx5"),
		ATRPctAtEntry: toFloat(sig.Meta, "atr_pct"),
		EMA200Side:    toStr(sig.Meta, "ema200_side"),
		Structure:     toStr(sig.Meta, "structure"),
		TSAtEntry:     trade.CreatedTS,
	}
	mgr := manager.New(s.cfg.Manager, s.managerDeps(), &trade, snapshot)
	go func() {
		if err := mgr.Run(ctx); err != nil {
			s.deps.Log.Errorw("manager run exited", "component", "scheduler", "trade_id", tradeID, "err", err)
		}
	}()
	return nil
}

// buildHeatmap assembles the multi-TF level set ConfluenceGate consumes,
// keyed the way heatmap.ConfluenceGate expects ("5m", "15m", "1h").
func (s *Scheduler) buildHeatmap(bundle *model.Bundle) heatmap.Multi {
	multi := heatmap.Multi{
		"5m":  heatmap.Build(s.deps.Heatmap, bundle.M5),
		"15m": heatmap.Build(s.deps.Heatmap, bundle.M15),
		"1h":  heatmap.Build(s.deps.Heatmap, bundle.H1),
	}
	for tf, levels := range multi {
		if err := s.deps.Store.SaveHeatmapLevels(tf, levels); err != nil {
			s.deps.Log.Warnw("heatmap persist failed", "component", "scheduler", "tf", tf, "err", err)
		}
	}
	return multi
}

// logTelemetry persists a tagged, cycle-scoped event to the telemetry log
// (not tied to any single trade), best-effort: a storage error here must
// never block the scan cycle.
func (s *Scheduler) logTelemetry(tag, message string, payload map[string]any) {
	if err := s.deps.Store.LogTelemetry("scheduler", tag, message, payload); err != nil {
		s.deps.Log.Warnw("telemetry log failed", "component", "scheduler", "tag", tag, "err", err)
	}
}

func toFloat(meta map[string]any, key string) float64 {
	if meta == nil {
		return 0
	}
	if v, ok := meta[key].(float64); ok {
		return v
	}
	return 0
}

func toStr(meta map[string]any, key string) string {
	if meta == nil {
		return "na"
	}
	if v, ok := meta[key].(string); ok {
		return v
	}
	return "na"
}
