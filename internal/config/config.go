// Package config loads the process configuration from environment
// variables (optionally seeded from a .env file), generalizing the
// sizing/SL/TP/engine/manager knob set the rest of the system reads.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Config is the fully resolved process configuration.
type Config struct {
	Pair   string
	DryRun bool

	BinanceAPIKey    string
	BinanceAPISecret string
	UseTestnet       bool

	TelegramBotToken string
	TelegramChatID   string
	FirebaseCredsPath string

	MaxLeverage     float64
	CapitalFraction float64
	RiskPct         float64
	SizingMode      string
	MaxQty          float64
	MinQty          float64
	NotionalFloor   float64

	MinSLPct   float64
	MaxSLPct   float64
	SLMixAlpha float64
	SLATRMult  float64
	SLNoiseMult float64
	FeesPctPad float64

	TPMode              string
	ModeAdaptEnabled    bool
	MinRMult            float64

	ScanIntervalSeconds  int
	ManagePollSeconds    int
	SinglePositionMode   bool
	RequireNewBar        bool
	MinReentrySeconds    int
	BlockReentryPct      float64
	SLTightenCooldownSec int
	TPExtendCooldownSec  int

	TSADXMin         float64
	TSADXSoft        float64
	TSVolFloorPct    float64
	TSMABufferPct    float64
	TSWarmupBars     int
	TSMSStepR        float64
	TSMSLockDeltaR   float64
	TSPartialTP1     float64
	TSGivebackArmR   float64
	TSGivebackFrac   float64
	TSRegimeAuto     bool
	TSAdxUp, TSAdxDn float64
	TSAtrUp, TSAtrDn float64

	PEVGraceBars5m int
	PEVGraceMinS   int
	TSMLConfThr    float64

	ScalpAbsLockUSD float64

	MySQLDSN string

	HTTPAddr string

	EngineOrder []string

	AuxTaskIntervalSeconds     int
	HeatmapPurgeOlderThanHours int
	TradesCSVExportPath        string
}

// Load reads the .env file if present (best effort) and parses the full
// environment key set with defaults, aborting the caller's process only
// when a required credential is missing in live (non-DRY_RUN) mode — the
// caller checks RequireLiveCredentials for that.
func Load(log *zap.SugaredLogger) *Config {
	if err := godotenv.Load(); err != nil {
		log.Infow("no .env file found, relying on process environment", "component", "config")
	}

	c := &Config{
		Pair:                 getStr("PAIR", "BTCUSDT"),
		DryRun:               getBool("DRY_RUN", true),
		BinanceAPIKey:        getStr("BINANCE_API_KEY", ""),
		BinanceAPISecret:     getStr("BINANCE_API_SECRET", ""),
		UseTestnet:           getBool("USE_TESTNET", false),
		TelegramBotToken:     getStr("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:       getStr("TELEGRAM_CHAT_ID", ""),
		FirebaseCredsPath:    getStr("FIREBASE_CREDENTIALS_PATH", ""),
		MaxLeverage:          getFloat("MAX_LEVERAGE", 5),
		CapitalFraction:      getFloat("CAPITAL_FRACTION", 0.25),
		RiskPct:              getFloat("RISK_PCT", 0.5),
		SizingMode:           getStr("SIZING_MODE", "both"),
		MaxQty:               getFloat("MAX_QTY", 0),
		MinQty:               getFloat("MIN_QTY", 0),
		NotionalFloor:        getFloat("NOTIONAL_FLOOR", 0),
		MinSLPct:             getFloat("MIN_SL_PCT", 0.002),
		MaxSLPct:             getFloat("MAX_SL_PCT", 0.02),
		SLMixAlpha:           getFloat("SL_MIX_ALPHA", 0.6),
		SLATRMult:            getFloat("SL_ATR_MULT", 1.2),
		SLNoiseMult:          getFloat("SL_NOISE_MULT", 1.0),
		FeesPctPad:           getFloat("FEES_PCT_PAD", 0.0007),
		TPMode:               getStr("TP_MODE", "atr"),
		ModeAdaptEnabled:     getBool("MODE_ADAPT_ENABLED", true),
		MinRMult:             getFloat("MIN_R_MULT", 0.5),
		ScanIntervalSeconds:  getInt("SCAN_INTERVAL_SECONDS", 30),
		ManagePollSeconds:    getInt("MANAGE_POLL_SECONDS", 5),
		SinglePositionMode:   getBool("SINGLE_POSITION_MODE", true),
		RequireNewBar:        getBool("REQUIRE_NEW_BAR", true),
		MinReentrySeconds:    getInt("MIN_REENTRY_SECONDS", 90),
		BlockReentryPct:      getFloat("BLOCK_REENTRY_PCT", 0.004),
		SLTightenCooldownSec: getInt("SL_TIGHTEN_COOLDOWN_SEC", 15),
		TPExtendCooldownSec:  getInt("TP_EXTEND_COOLDOWN_SEC", 30),
		TSADXMin:             getFloat("TS_ADX_MIN", 20),
		TSADXSoft:            getFloat("TS_ADX_SOFT", 16),
		TSVolFloorPct:        getFloat("TS_VOL_FLOOR_PCT", 0.0008),
		TSMABufferPct:        getFloat("TS_MA_BUFFER_PCT", 0.0012),
		TSWarmupBars:         getInt("TS_ML_WARMUP_BARS", 600),
		TSMSStepR:            getFloat("TS_MS_STEP_R", 0.5),
		TSMSLockDeltaR:       getFloat("TS_MS_LOCK_DELTA_R", 0.25),
		TSPartialTP1:         getFloat("TS_PARTIAL_TP1", 0.5),
		TSGivebackArmR:       getFloat("TS_GIVEBACK_ARM_R", 1.5),
		TSGivebackFrac:       getFloat("TS_GIVEBACK_FRAC", 0.25),
		TSRegimeAuto:         getBool("TS_REGIME_AUTO", true),
		TSAdxUp:              getFloat("TS_ADX_UP", 25),
		TSAdxDn:              getFloat("TS_ADX_DN", 18),
		TSAtrUp:              getFloat("TS_ATR_UP", 0.0012),
		TSAtrDn:              getFloat("TS_ATR_DN", 0.0006),
		PEVGraceBars5m:       getInt("PEV_GRACE_BARS_5M", 3),
		PEVGraceMinS:         getInt("PEV_GRACE_MIN_S", 600),
		TSMLConfThr:          getFloat("TS_ML_CONF_THR", 0.56),
		ScalpAbsLockUSD:      getFloat("SCALP_ABS_LOCK_USD", 0),
		MySQLDSN:             getStr("MYSQL_DSN", ""),
		HTTPAddr:             getStr("HTTP_ADDR", ":8090"),
		EngineOrder:          []string{"trendscalp", "taser"},
		AuxTaskIntervalSeconds:     getInt("AUX_TASK_INTERVAL_SECONDS", 3600),
		HeatmapPurgeOlderThanHours: getInt("HEATMAP_PURGE_OLDER_THAN_HOURS", 168),
		TradesCSVExportPath:        getStr("TRADES_CSV_EXPORT_PATH", "trades_export.csv"),
	}

	log.Infow("config summary",
		"component", "config",
		"pair", c.Pair, "dry_run", c.DryRun, "use_testnet", c.UseTestnet,
		"max_leverage", c.MaxLeverage, "capital_fraction", c.CapitalFraction, "risk_pct", c.RiskPct,
		"sizing_mode", c.SizingMode, "min_sl_pct", c.MinSLPct, "max_sl_pct", c.MaxSLPct,
		"tp_mode", c.TPMode, "mode_adapt_enabled", c.ModeAdaptEnabled,
		"scan_interval_seconds", c.ScanIntervalSeconds, "manage_poll_seconds", c.ManagePollSeconds,
		"min_reentry_seconds", c.MinReentrySeconds, "block_reentry_pct", c.BlockReentryPct,
		"ts_adx_min", c.TSADXMin, "ts_warmup_bars", c.TSWarmupBars,
		"pev_grace_bars_5m", c.PEVGraceBars5m, "pev_grace_min_s", c.PEVGraceMinS,
		"scalp_abs_lock_usd", c.ScalpAbsLockUSD, "engine_order", c.EngineOrder,
	)
	return c
}

// RequireLiveCredentials returns a fatal error if live trading is
// configured without exchange credentials.
func (c *Config) RequireLiveCredentials() error {
	if c.DryRun {
		return nil
	}
	if c.BinanceAPIKey == "" || c.BinanceAPISecret == "" {
		return fmt.Errorf("config: BINANCE_API_KEY/BINANCE_API_SECRET required when DRY_RUN=false")
	}
	return nil
}

// ScanInterval and ManagePoll convert the configured seconds to durations.
func (c *Config) ScanInterval() time.Duration { return time.Duration(c.ScanIntervalSeconds) * time.Second }
func (c *Config) ManagePoll() time.Duration   { return time.Duration(c.ManagePollSeconds) * time.Second }

func getStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
