package marketdata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/duskline/predator-core/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	calls []model.Timeframe
	limits map[model.Timeframe]int
	err    error
}

func (s *stubProvider) Fetch(ctx context.Context, tf model.Timeframe, limit int) (*model.Bars, error) {
	s.calls = append(s.calls, tf)
	if s.limits == nil {
		s.limits = map[model.Timeframe]int{}
	}
	s.limits[tf] = limit
	if s.err != nil {
		return nil, s.err
	}
	return &model.Bars{
		Timeframe: tf,
		Time:      []int64{1},
		Open:      []float64{1},
		High:      []float64{1},
		Low:       []float64{1},
		Close:     []float64{1},
		Volume:    []float64{1},
	}, nil
}

func TestFetchBundleFetchesAllFiveTimeframesWithDefaults(t *testing.T) {
	p := &stubProvider{}
	bundle, err := FetchBundle(context.Background(), p, nil)
	require.NoError(t, err)
	require.NotNil(t, bundle)
	assert.Equal(t, []model.Timeframe{model.TF1m, model.TF5m, model.TF15m, model.TF1h, model.TF1d}, p.calls)
	assert.Equal(t, 120, p.limits[model.TF1m])
	assert.Equal(t, 300, p.limits[model.TF5m])
	assert.Equal(t, 10, p.limits[model.TF1d])
}

func TestFetchBundleHonorsExplicitLimitOverride(t *testing.T) {
	p := &stubProvider{}
	_, err := FetchBundle(context.Background(), p, map[model.Timeframe]int{model.TF5m: 999})
	require.NoError(t, err)
	assert.Equal(t, 999, p.limits[model.TF5m])
}

func TestFetchBundleStopsOnFirstError(t *testing.T) {
	p := &stubProvider{err: errors.New("boom")}
	_, err := FetchBundle(context.Background(), p, nil)
	require.Error(t, err)
	assert.Equal(t, []model.Timeframe{model.TF1m}, p.calls) // fails on the first fetch, never reaches 5m
}

func hourlyBars(start time.Time, n int, pdh, pdl float64) *model.Bars {
	b := &model.Bars{Time: make([]int64, n), Open: make([]float64, n), High: make([]float64, n), Low: make([]float64, n), Close: make([]float64, n), Volume: make([]float64, n)}
	for i := 0; i < n; i++ {
		ts := start.Add(time.Duration(i) * time.Hour)
		b.Time[i] = ts.UnixMilli()
		b.High[i] = pdh
		b.Low[i] = pdl
		b.Close[i] = (pdh + pdl) / 2
		b.Open[i] = b.Close[i]
		b.Volume[i] = 1
	}
	return b
}

func TestPriorDayLevelsTooFewBarsReturnsZero(t *testing.T) {
	got := PriorDayLevels(hourlyBars(time.Now(), 5, 100, 90))
	assert.Equal(t, model.PriorDayLevels{}, got)
}

func TestPriorDayLevelsPicksPreviousUTCDayRange(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	start := now.Add(-48 * time.Hour)
	bars := hourlyBars(start, 50, 105, 95)
	got := PriorDayLevels(bars)
	assert.Equal(t, 105.0, got.PDH)
	assert.Equal(t, 95.0, got.PDL)
}
