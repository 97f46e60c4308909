package storage

import (
	"testing"
	"time"

	"github.com/duskline/predator-core/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestFormatTimePtrNilIsEmptyString(t *testing.T) {
	assert.Equal(t, "", formatTimePtr(nil))
	now := time.Now()
	assert.Equal(t, now.Format(time.RFC3339), formatTimePtr(&now))
}

func TestFormatFloatPtrNilIsEmptyString(t *testing.T) {
	assert.Equal(t, "", formatFloatPtr(nil))
	v := 1.5
	assert.Equal(t, "1.500000", formatFloatPtr(&v))
}

func TestRecordToTradeRoundTripsCoreFields(t *testing.T) {
	rec := TradeRecord{
		ID: "t1", Symbol: "BTCUSDT", Side: "LONG", Entry: 100, SL: 99,
		TP1: 101, TP2: 102, TP3: 103, Qty: 1.5, Status: "OPEN",
		CreatedTS: time.Unix(0, 0), Engine: "trendscalp", Exchange: "binance",
		MetaJSON: `{"ml_bias":"long"}`,
	}
	got := recordToTrade(rec)
	assert.Equal(t, "t1", got.ID)
	assert.Equal(t, model.Long, got.Side)
	assert.Equal(t, model.StatusOpen, got.Status)
	assert.Equal(t, 101.0, got.TP1)
	assert.Equal(t, "long", got.Meta["ml_bias"])
}

func TestRecordToTradeToleratesEmptyMetaJSON(t *testing.T) {
	rec := TradeRecord{ID: "t2", Side: "SHORT", Status: "CLOSED_TP"}
	got := recordToTrade(rec)
	assert.Equal(t, model.Short, got.Side)
	assert.Nil(t, got.Meta)
}
