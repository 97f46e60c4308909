// Package marketdata defines the OHLCV provider contract the scheduler
// pulls bars through, and a Binance USDT-M futures klines implementation.
package marketdata

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/duskline/predator-core/internal/model"
)

// Provider is the OHLCV fetch contract: equal-length arrays, strictly
// non-decreasing millisecond timestamps.
type Provider interface {
	Fetch(ctx context.Context, timeframe model.Timeframe, limit int) (*model.Bars, error)
}

// BinanceProvider fetches klines from Binance USDT-M futures, with a
// bounded retry/backoff matching the 10s-timeout/3-retry contract.
type BinanceProvider struct {
	Client  *futures.Client
	Symbol  string
	Retries int
	Backoff time.Duration
	Timeout time.Duration
}

// NewBinanceProvider constructs a provider with the spec's default
// timeout/retry policy (10s timeout, 3 retries, 500ms backoff).
func NewBinanceProvider(client *futures.Client, symbol string) *BinanceProvider {
	return &BinanceProvider{
		Client:  client,
		Symbol:  symbol,
		Retries: 3,
		Backoff: 500 * time.Millisecond,
		Timeout: 10 * time.Second,
	}
}

func (p *BinanceProvider) Fetch(ctx context.Context, timeframe model.Timeframe, limit int) (*model.Bars, error) {
	var klines []*futures.Kline
	var err error

	for attempt := 0; attempt <= p.Retries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		klines, err = p.Client.NewKlinesService().
			Symbol(p.Symbol).
			Interval(string(timeframe)).
			Limit(limit).
			Do(callCtx)
		cancel()
		if err == nil && len(klines) > 0 {
			break
		}
		if attempt < p.Retries {
			time.Sleep(p.Backoff)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("marketdata: fetch %s %s: %w", p.Symbol, timeframe, err)
	}
	if len(klines) == 0 {
		return nil, fmt.Errorf("marketdata: empty klines for %s %s", p.Symbol, timeframe)
	}

	bars := &model.Bars{
		Timeframe: timeframe,
		Time:      make([]int64, len(klines)),
		Open:      make([]float64, len(klines)),
		High:      make([]float64, len(klines)),
		Low:       make([]float64, len(klines)),
		Close:     make([]float64, len(klines)),
		Volume:    make([]float64, len(klines)),
	}
	for i, k := range klines {
		bars.Time[i] = k.OpenTime
		bars.Open[i] = parseFloat(k.Open)
		bars.High[i] = parseFloat(k.High)
		bars.Low[i] = parseFloat(k.Low)
		bars.Close[i] = parseFloat(k.Close)
		bars.Volume[i] = parseFloat(k.Volume)
	}
	if !bars.Valid() {
		return nil, fmt.Errorf("marketdata: malformed bundle for %s %s", p.Symbol, timeframe)
	}
	return bars, nil
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// FetchBundle assembles the multi-timeframe bundle the scheduler needs per
// cycle: 5m, 15m, 1h, plus 1m for the manager's tick-level checks and 1d
// for prior-day levels.
func FetchBundle(ctx context.Context, p Provider, limits map[model.Timeframe]int) (*model.Bundle, error) {
	get := func(tf model.Timeframe, def int) (*model.Bars, error) {
		lim, ok := limits[tf]
		if !ok {
			lim = def
		}
		return p.Fetch(ctx, tf, lim)
	}
	m1, err := get(model.TF1m, 120)
	if err != nil {
		return nil, err
	}
	m5, err := get(model.TF5m, 300)
	if err != nil {
		return nil, err
	}
	m15, err := get(model.TF15m, 300)
	if err != nil {
		return nil, err
	}
	h1, err := get(model.TF1h, 72)
	if err != nil {
		return nil, err
	}
	d1, err := get(model.TF1d, 10)
	if err != nil {
		return nil, err
	}
	return &model.Bundle{M1: m1, M5: m5, M15: m15, H1: h1, D1: d1}, nil
}

// PriorDayLevels derives the previous trading day's high/low from 1h bars.
func PriorDayLevels(h1 *model.Bars) model.PriorDayLevels {
	if h1 == nil || h1.Len() < 25 {
		return model.PriorDayLevels{}
	}
	now := time.UnixMilli(h1.Time[h1.Last()]).UTC()
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	prevStart := todayStart.Add(-24 * time.Hour)
	var pdh, pdl float64
	first := true
	for i := 0; i < h1.Len(); i++ {
		ts := time.UnixMilli(h1.Time[i]).UTC()
		if ts.Before(prevStart) || !ts.Before(todayStart) {
			continue
		}
		if first {
			pdh, pdl = h1.High[i], h1.Low[i]
			first = false
			continue
		}
		if h1.High[i] > pdh {
			pdh = h1.High[i]
		}
		if h1.Low[i] < pdl {
			pdl = h1.Low[i]
		}
	}
	return model.PriorDayLevels{PDH: pdh, PDL: pdl}
}
