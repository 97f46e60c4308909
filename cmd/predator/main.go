// Command predator is the process entrypoint: it loads configuration,
// opens storage, wires the market data provider, ML predictor, signal
// engines, sizing, execution broker and notifier, starts the HTTP/metrics
// server and the scan/dispatch scheduler, and shuts everything down
// gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/duskline/predator-core/internal/config"
	"github.com/duskline/predator-core/internal/engine"
	"github.com/duskline/predator-core/internal/engine/taser"
	"github.com/duskline/predator-core/internal/engine/trendscalp"
	"github.com/duskline/predator-core/internal/execution"
	binanceexec "github.com/duskline/predator-core/internal/execution/binance"
	"github.com/duskline/predator-core/internal/execution/paper"
	"github.com/duskline/predator-core/internal/guards"
	"github.com/duskline/predator-core/internal/heatmap"
	"github.com/duskline/predator-core/internal/manager"
	"github.com/duskline/predator-core/internal/marketdata"
	"github.com/duskline/predator-core/internal/ml"
	"github.com/duskline/predator-core/internal/model"
	"github.com/duskline/predator-core/internal/notify"
	"github.com/duskline/predator-core/internal/scheduler"
	"github.com/duskline/predator-core/internal/server"
	"github.com/duskline/predator-core/internal/sizing"
	"github.com/duskline/predator-core/internal/storage"
	"github.com/duskline/predator-core/internal/telemetry"
	"github.com/duskline/predator-core/internal/tpcalc"
	"go.uber.org/zap"
)

func main() {
	zl, _ := zap.NewProduction()
	defer zl.Sync()
	log := zl.Sugar()

	cfg := config.Load(log)
	if err := cfg.RequireLiveCredentials(); err != nil {
		log.Fatalw("config invalid", "component", "main", "err", err)
	}

	store, err := storage.Open(cfg.MySQLDSN)
	if err != nil {
		log.Fatalw("storage open failed", "component", "main", "err", err)
	}
	defer store.Close()

	telemetry.Register()

	var client *futures.Client
	if cfg.UseTestnet {
		futures.UseTestnet = true
	}
	client = futures.NewClient(cfg.BinanceAPIKey, cfg.BinanceAPISecret)

	mdProvider := marketdata.NewBinanceProvider(client, cfg.Pair)

	predictor := ml.NewLorentzian(ml.KNNConfig{
		K: 8, MaxBack: 2000, Stride: 4, LabelHorizon: 4, WarmupBars: cfg.TSWarmupBars,
	}, log)

	hmCfg := heatmap.DefaultConfig()
	walls := &storeWallChecker{store: store, tolPct: 0.0015}

	tsCfg := trendscalp.DefaultConfig()
	tsCfg.VolFloorPct = cfg.TSVolFloorPct
	tsCfg.ADXMin = cfg.TSADXMin
	tsCfg.ADXSoft = cfg.TSADXSoft
	tsCfg.MABufferPct = cfg.TSMABufferPct
	tsCfg.SLMixAlpha = cfg.SLMixAlpha
	tsCfg.SLATRMult = cfg.SLATRMult
	tsCfg.SLNoiseMult = cfg.SLNoiseMult
	tsCfg.MinSLPct = cfg.MinSLPct
	tsCfg.MaxSLPct = cfg.MaxSLPct
	tsCfg.FeesPctPad = cfg.FeesPctPad
	tsCfg.KNN.WarmupBars = cfg.TSWarmupBars
	tsCfg.TP = tpCalcConfig(cfg)
	tsEngine := trendscalp.New(tsCfg, predictor, log)

	taCfg := taser.DefaultConfig()
	taCfg.MinSLPct = cfg.MinSLPct
	taCfg.MaxSLPct = cfg.MaxSLPct
	taCfg.SLATRMult = cfg.SLATRMult
	taCfg.TP = tpCalcConfig(cfg)
	taEngine := taser.New(taCfg, walls)

	engines := orderEngines(cfg.EngineOrder, map[string]engine.Engine{
		"trendscalp": tsEngine,
		"taser":      taEngine,
	})

	sizingCfg := sizing.Config{
		Mode:                 sizing.Mode(cfg.SizingMode),
		CapitalFraction:      cfg.CapitalFraction,
		MaxLeverage:          cfg.MaxLeverage,
		RiskPct:              cfg.RiskPct,
		MinSLFrac:            cfg.MinSLPct,
		MaxQty:               cfg.MaxQty,
		MinQty:               cfg.MinQty,
		NotionalFloor:        cfg.NotionalFloor,
		PaperUseStartBalance: cfg.DryRun,
		PaperStartBalance:    10000,
	}

	notifier := notify.New(cfg.TelegramBotToken, cfg.TelegramChatID, cfg.FirebaseCredsPath, log)

	var broker execution.Broker
	if cfg.DryRun {
		broker = paper.New(store, log)
	} else {
		broker = binanceexec.New(client, store, log)
	}

	hub := telemetry.NewHub()

	balanceFn := func(ctx context.Context) (float64, error) {
		if cfg.DryRun {
			return sizingCfg.PaperStartBalance, nil
		}
		acct, err := client.NewGetAccountService().Do(ctx)
		if err != nil {
			return 0, err
		}
		for _, a := range acct.Assets {
			if a.Asset == "USDT" {
				return parseBalance(a.AvailableBalance), nil
			}
		}
		return 0, nil
	}

	guardsCfg := guards.Config{
		MinGapPct:        cfg.MinSLPct,
		MinGapATRMult:    0.5,
		MinBufferATR:     0.25,
		FeesPctPad:       cfg.FeesPctPad,
		NoTrailBeforeTP1: true,
	}

	managerCfg := manager.Config{
		PollInterval:     cfg.ManagePoll(),
		PartialTP1Frac:   cfg.TSPartialTP1,
		MSStepR:          cfg.TSMSStepR,
		MSLockDeltaR:     cfg.TSMSLockDeltaR,
		TP2LockFracR:     0.7,
		GivebackArmR:     cfg.TSGivebackArmR,
		GivebackFrac:     cfg.TSGivebackFrac,
		ScalpAbsLockUSD:  cfg.ScalpAbsLockUSD,
		PEVGraceBars5m:   cfg.PEVGraceBars5m,
		PEVGraceMinS:     cfg.PEVGraceMinS,
		PEVADXFloor:      cfg.TSADXSoft,
		PEVATRPctFloor:   cfg.TSVolFloorPct,
		PEVBreakKATR:     0.5,
		PEVSwingBars:     20,
		RegimeAdxUp:      cfg.TSAdxUp,
		RegimeAdxDn:      cfg.TSAdxDn,
		RegimeAtrUp:      cfg.TSAtrUp,
		RegimeAtrDn:      cfg.TSAtrDn,
		SLTightenCooldown: time.Duration(cfg.SLTightenCooldownSec) * time.Second,
		TPExtendCooldown:  time.Duration(cfg.TPExtendCooldownSec) * time.Second,
		TPEps:            0.0005,
		DryRun:           cfg.DryRun,
	}

	schedCfg := scheduler.Config{
		Symbol:            cfg.Pair,
		ScanInterval:      cfg.ScanInterval(),
		RequireNewBar:     cfg.RequireNewBar,
		MinReentrySeconds: cfg.MinReentrySeconds,
		BlockReentryPct:   cfg.BlockReentryPct,
		MinSLPct:          cfg.MinSLPct,
		MaxSLPct:          cfg.MaxSLPct,
		HeatmapTolPct:     0.0015,
		HeatmapNeedTFs:    2,
		HeatmapTopN:       5,
		Sizing:            sizingCfg,
		Manager:           managerCfg,
		DryRun:            cfg.DryRun,
	}

	sched := scheduler.New(schedCfg, scheduler.Deps{
		MarketData: mdProvider,
		Engines:    engines,
		Heatmap:    hmCfg,
		Store:      store,
		Broker:     broker,
		Notify:     notifier,
		Hub:        hub,
		Predictor:  predictor,
		VenueCheck: nil,
		Balance:    balanceFn,
		Guards:     guardsCfg,
		TP:         tpCalcConfig(cfg),
		Log:        log,
	})

	srv := server.New(cfg.HTTPAddr, store, hub, log)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Infow("shutdown signal received", "component", "main")
		cancel()
		srv.Shutdown()
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Infow("http server stopped", "component", "main", "err", err)
		}
	}()

	go runAuxTasks(ctx, store, cfg, log)

	log.Infow("predator starting", "component", "main", "pair", cfg.Pair, "dry_run", cfg.DryRun)
	if err := sched.Run(ctx); err != nil {
		log.Errorw("scheduler exited", "component", "main", "err", err)
	}
}

// runAuxTasks periodically prunes stale heatmap rows and refreshes the
// trade ledger CSV export, the housekeeping pass the heatmap store and
// analytics collaborator did inline in the original implementation.
func runAuxTasks(ctx context.Context, store *storage.Store, cfg *config.Config, log *zap.SugaredLogger) {
	ticker := time.NewTicker(time.Duration(cfg.AuxTaskIntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Duration(cfg.HeatmapPurgeOlderThanHours) * time.Hour)
			n, err := store.PurgeHeatmapLevels(cutoff)
			if err != nil {
				log.Warnw("heatmap purge failed", "component", "main", "err", err)
			} else {
				log.Infow("heatmap purge complete", "component", "main", "rows_deleted", n)
			}

			f, err := os.Create(cfg.TradesCSVExportPath)
			if err != nil {
				log.Warnw("trades csv export: create failed", "component", "main", "err", err)
				continue
			}
			if err := store.ExportTradesCSV(f, time.Time{}); err != nil {
				log.Warnw("trades csv export failed", "component", "main", "err", err)
			}
			f.Close()
		}
	}
}

// orderEngines resolves the configured engine-priority list to concrete
// Engine instances, skipping unknown names.
func orderEngines(order []string, byName map[string]engine.Engine) []engine.Engine {
	out := make([]engine.Engine, 0, len(order))
	for _, name := range order {
		if e, ok := byName[name]; ok {
			out = append(out, e)
		}
	}
	return out
}

func tpCalcConfig(cfg *config.Config) tpcalc.Config {
	tp := tpcalc.DefaultConfig()
	tp.ModeAdaptEnabled = cfg.ModeAdaptEnabled
	tp.MinRMult = cfg.MinRMult
	return tp
}

func parseBalance(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// storeWallChecker adapts the persisted heatmap levels the scheduler saves
// each cycle into taser's WallChecker contract, so the rules engine's
// absorption override consults the same confluence levels across restarts.
type storeWallChecker struct {
	store  *storage.Store
	tolPct float64
}

func (w *storeWallChecker) OpposingWalls(side model.Side, price float64) bool {
	for _, tf := range []string{"5m", "15m", "1h"} {
		levels, err := w.store.RecentHeatmapLevels(tf)
		if err != nil || len(levels) == 0 {
			continue
		}
		gate := heatmap.ConfluenceGate(heatmap.Multi{tf: levels}, price, side, w.tolPct, 1, 5)
		if gate.Block {
			return true
		}
	}
	return false
}
