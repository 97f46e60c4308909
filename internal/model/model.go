// Package model holds the data types shared across the trading core:
// OHLCV bundles, signals, trades, orders, and the per-tick manager context.
package model

import "time"

// Side is a trade or signal direction.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
	None  Side = "NONE"
)

// Opposite returns the side taken to close a position of s.
func (s Side) Opposite() Side {
	switch s {
	case Long:
		return Short
	case Short:
		return Long
	default:
		return None
	}
}

// Timeframe is one of the OHLCV bundle granularities the scheduler pulls.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF3m  Timeframe = "3m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF1d  Timeframe = "1d"
)

// Bars is a timeframed OHLCV bundle: six equal-length ordered sequences.
// Timestamps are strictly monotonic non-decreasing and always in milliseconds.
type Bars struct {
	Timeframe Timeframe
	Time      []int64
	Open      []float64
	High      []float64
	Low       []float64
	Close     []float64
	Volume    []float64
}

// Len returns the number of bars.
func (b *Bars) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Close)
}

// Last returns the index of the most recent bar, or -1 if empty.
func (b *Bars) Last() int {
	return b.Len() - 1
}

// Valid checks the bundle's shape invariant: equal-length arrays, non-decreasing timestamps.
func (b *Bars) Valid() bool {
	if b == nil {
		return false
	}
	n := len(b.Time)
	if n == 0 {
		return false
	}
	if len(b.Open) != n || len(b.High) != n || len(b.Low) != n || len(b.Close) != n || len(b.Volume) != n {
		return false
	}
	for i := 1; i < n; i++ {
		if b.Time[i] < b.Time[i-1] {
			return false
		}
	}
	return true
}

// Bundle is the multi-timeframe set the scheduler assembles each cycle.
type Bundle struct {
	M1  *Bars
	M5  *Bars
	M15 *Bars
	H1  *Bars
	D1  *Bars
}

// PriorDayLevels holds the previous trading day's high/low derived from 1h bars.
type PriorDayLevels struct {
	PDH float64
	PDL float64
}

// Signal is the immutable record produced by a signal engine.
type Signal struct {
	Side   Side
	Entry  float64
	SL     float64
	TPs    []float64
	Reason string
	Engine string
	Meta   map[string]any
}

// Valid checks the structural invariants on a Signal: TP ordering, SL side, rail bounds.
func (s Signal) Valid(minSLPct, maxSLPct float64) bool {
	if s.Side != Long && s.Side != Short {
		return true // NONE signals carry no invariant
	}
	if s.Entry <= 0 {
		return false
	}
	slPct := abs(s.Entry-s.SL) / s.Entry
	if slPct < minSLPct-1e-9 || slPct > maxSLPct+1e-9 {
		return false
	}
	if s.Side == Long {
		if s.SL >= s.Entry {
			return false
		}
		prev := s.Entry
		for _, tp := range s.TPs {
			if tp <= prev {
				return false
			}
			prev = tp
		}
	} else {
		if s.SL <= s.Entry {
			return false
		}
		prev := s.Entry
		for _, tp := range s.TPs {
			if tp >= prev {
				return false
			}
			prev = tp
		}
	}
	return true
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// TradeStatus is the lifecycle state of a persisted Trade.
type TradeStatus string

const (
	StatusOpen              TradeStatus = "OPEN"
	StatusPartial           TradeStatus = "PARTIAL"
	StatusClosedSL          TradeStatus = "CLOSED_SL"
	StatusClosedSLRecovered TradeStatus = "CLOSED_SL_RECOVERED"
	StatusClosedTP          TradeStatus = "CLOSED_TP"
	StatusClosedPEV         TradeStatus = "CLOSED_PEV"
	StatusClosedVenueFlat   TradeStatus = "CLOSED_VENUE_FLAT"
	StatusClosedGiveback    TradeStatus = "CLOSED_GIVEBACK"
	StatusClosedManual      TradeStatus = "CLOSED_MANUAL"
)

// IsOpen reports whether the status counts against the singleton-position invariant.
func (s TradeStatus) IsOpen() bool {
	return s == StatusOpen || s == StatusPartial
}

// Account distinguishes paper from live trading.
type Account string

const (
	AccountPaper Account = "PAPER"
	AccountLive  Account = "LIVE"
)

// Trade is the persistent record of one position's lifecycle.
type Trade struct {
	ID            string
	Symbol        string
	Side          Side
	Entry         float64
	SL            float64
	TP1, TP2, TP3 float64
	Qty           float64
	Status        TradeStatus
	CreatedTS     time.Time
	ClosedTS      *time.Time
	ExitPrice     *float64
	RealizedPnL   *float64
	Account       Account
	Engine        string
	Exchange      string
	Meta          map[string]any
}

// OrderKind enumerates the bracket legs.
type OrderKind string

const (
	OrderMarketEntry    OrderKind = "market_entry"
	OrderStopLoss       OrderKind = "stop_loss"
	OrderTakeProfit1    OrderKind = "take_profit_1"
	OrderTakeProfit2    OrderKind = "take_profit_2"
	OrderTakeProfit3    OrderKind = "take_profit_3"
	OrderTakeProfitFull OrderKind = "take_profit_final"
	OrderMarketExit     OrderKind = "market_exit"
)

// OrderStatus is the lifecycle state of a single order leg.
type OrderStatus string

const (
	OrderOpen     OrderStatus = "open"
	OrderFilled   OrderStatus = "filled"
	OrderCanceled OrderStatus = "canceled"
)

// Order is one leg of a bracket.
type Order struct {
	TradeID   string
	OrderID   string
	Kind      OrderKind
	Side      Side
	Price     float64
	Qty       float64
	Status    OrderStatus
	CreatedTS time.Time
}

// Regime labels the market character the manager reacts to.
type Regime string

const (
	RegimeChop   Regime = "CHOP"
	RegimeRunner Regime = "RUNNER"
)

// PEVState is the Post-Entry-Validity guard's state machine value.
type PEVState string

const (
	PEVOk    PEVState = "OK"
	PEVWarn  PEVState = "WARN"
	PEVExit  PEVState = "EXIT"
)

// EntryValiditySnapshot is captured at fill and compared against on every tick
// by the Post-Entry-Validity guard.
type EntryValiditySnapshot struct {
	Side         Side
	ADXAtEntry   float64
	ATRPctAtEntry float64
	EMA200Side   string // "above" | "below" | "na"
	Structure    string // "ok" | "fail" | "na"
	TSAtEntry    time.Time
}

// ManagerContext is the ephemeral per-tick record the manager FSM builds
// from the latest bars before evaluating any guard.
type ManagerContext struct {
	Price  float64
	Side   Side
	Entry  float64
	SL     float64
	TPs    []float64
	TF1m   *Bars
	Meta   ManagerMeta
}

// ManagerMeta carries the named, contract-bearing fields the FSM reasons about.
// Diagnostics-only hints live in TelemetryExtra instead of here.
type ManagerMeta struct {
	ATR5, ATR14         float64
	ADX14               float64
	EMA200_5m, EMA200_15m float64
	HitTP1, HitTP2      bool
	BarsSinceTP1        int
	MFEAbs, MAEAbs      float64
	EntrySnapshot       EntryValiditySnapshot
	PEVState            PEVState
	PEVGraceStartedAt   *time.Time
	Regime              Regime
	LastSeenBarTS       int64
	TelemetryExtra      map[string]any
}

// HeatmapLevel is one price/score pair in a per-timeframe heatmap.
type HeatmapLevel struct {
	Px    float64
	Score float64
}
