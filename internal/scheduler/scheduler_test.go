package scheduler

import (
	"testing"
	"time"

	"github.com/duskline/predator-core/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestSLTouchedSinceNilBarsReturnsFalse(t *testing.T) {
	touched, _ := slTouchedSince(nil, model.Trade{})
	assert.False(t, touched)
}

func TestSLTouchedSinceIgnoresBarsBeforeCreation(t *testing.T) {
	created := time.UnixMilli(1000)
	trade := model.Trade{Side: model.Long, SL: 99, CreatedTS: created}
	m1 := &model.Bars{
		Time:  []int64{500, 1500},
		Low:   []float64{90, 100}, // the bar before creation touches SL but must be ignored
		High:  []float64{91, 101},
		Close: []float64{90, 100},
	}
	touched, _ := slTouchedSince(m1, trade)
	assert.False(t, touched)
}

func TestSLTouchedSinceDetectsLongSLTouch(t *testing.T) {
	created := time.UnixMilli(1000)
	trade := model.Trade{Side: model.Long, SL: 99, CreatedTS: created}
	m1 := &model.Bars{
		Time:  []int64{1000, 2000},
		Low:   []float64{100, 98.5},
		High:  []float64{101, 99.5},
		Close: []float64{100, 99},
	}
	touched, px := slTouchedSince(m1, trade)
	assert.True(t, touched)
	assert.Equal(t, 99.0, px)
}

func TestSLTouchedSinceDetectsShortSLTouch(t *testing.T) {
	created := time.UnixMilli(1000)
	trade := model.Trade{Side: model.Short, SL: 101, CreatedTS: created}
	m1 := &model.Bars{
		Time:  []int64{1000, 2000},
		Low:   []float64{99, 99.5},
		High:  []float64{100, 101.5},
		Close: []float64{99.5, 100.5},
	}
	touched, px := slTouchedSince(m1, trade)
	assert.True(t, touched)
	assert.Equal(t, 101.0, px)
}

func TestRealizedPnLLongProfitsOnRise(t *testing.T) {
	got := realizedPnL(model.Long, 100, 101, 2)
	assert.InDelta(t, 2.0, got, 1e-9)
}

func TestRealizedPnLShortProfitsOnFall(t *testing.T) {
	got := realizedPnL(model.Short, 100, 99, 2)
	assert.InDelta(t, 2.0, got, 1e-9)
}

func TestRealizedPnLLongLosesOnFall(t *testing.T) {
	got := realizedPnL(model.Long, 100, 98, 1)
	assert.InDelta(t, -2.0, got, 1e-9)
}

func TestToFloatMissingKeyIsZero(t *testing.T) {
	assert.Equal(t, 0.0, toFloat(nil, "adx5"))
	assert.Equal(t, 0.0, toFloat(map[string]any{"other": 1.0}, "adx5"))
	assert.Equal(t, 21.5, toFloat(map[string]any{"adx5": 21.5}, "adx5"))
}

func TestToFloatWrongTypeIsZero(t *testing.T) {
	assert.Equal(t, 0.0, toFloat(map[string]any{"adx5": "21.5"}, "adx5"))
}

func TestToStrMissingKeyIsNA(t *testing.T) {
	assert.Equal(t, "na", toStr(nil, "ema200_side"))
	assert.Equal(t, "na", toStr(map[string]any{}, "ema200_side"))
	assert.Equal(t, "above", toStr(map[string]any{"ema200_side": "above"}, "ema200_side"))
}
