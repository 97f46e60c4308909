package paper

import (
	"context"
	"sync"

	"testing"

	"github.com/duskline/predator-core/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memStore struct {
	mu     sync.Mutex
	orders []model.Order
}

func (m *memStore) OrdersForTrade(tradeID string) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Order
	for _, o := range m.orders {
		if o.TradeID == tradeID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memStore) AddOrder(o model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, o)
	return nil
}

func (m *memStore) UpdateOrderStatus(tradeID, orderID string, status model.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.orders {
		if m.orders[i].TradeID == tradeID && m.orders[i].OrderID == orderID {
			m.orders[i].Status = status
		}
	}
	return nil
}

func (m *memStore) CancelOrdersByKind(tradeID string, kinds ...model.OrderKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.orders[:0]
	for _, o := range m.orders {
		drop := false
		if o.TradeID == tradeID {
			for _, k := range kinds {
				if o.Kind == k {
					drop = true
					break
				}
			}
		}
		if !drop {
			kept = append(kept, o)
		}
	}
	m.orders = kept
	return nil
}

func testLog() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func TestPlaceBracketCreatesEntrySLAndTPs(t *testing.T) {
	store := &memStore{}
	b := New(store, testLog())
	sig := model.Signal{Side: model.Long, Entry: 100, SL: 99, TPs: []float64{101, 102, 103}}
	ids, err := b.PlaceBracket(context.Background(), "BTCUSDT", sig, 1.0, "t1")
	require.NoError(t, err)
	assert.Len(t, ids, 5) // entry + sl + 3 tps

	orders, _ := store.OrdersForTrade("t1")
	assert.Len(t, orders, 5)
}

func TestPlaceBracketIsIdempotent(t *testing.T) {
	store := &memStore{}
	b := New(store, testLog())
	sig := model.Signal{Side: model.Long, Entry: 100, SL: 99, TPs: []float64{101}}
	_, err := b.PlaceBracket(context.Background(), "BTCUSDT", sig, 1.0, "t1")
	require.NoError(t, err)
	ids, err := b.PlaceBracket(context.Background(), "BTCUSDT", sig, 1.0, "t1")
	require.NoError(t, err)
	assert.Nil(t, ids)

	orders, _ := store.OrdersForTrade("t1")
	assert.Len(t, orders, 3) // unchanged: entry + sl + tp1, no duplicate entries
}

func TestPlaceBracketRejectsNonPositiveQty(t *testing.T) {
	store := &memStore{}
	b := New(store, testLog())
	sig := model.Signal{Side: model.Long, Entry: 100, SL: 99, TPs: []float64{101}}
	_, err := b.PlaceBracket(context.Background(), "BTCUSDT", sig, 0, "t1")
	assert.Error(t, err)
}

func TestEnsurePartialTP1ReturnsExistingWithinTolerance(t *testing.T) {
	store := &memStore{}
	store.AddOrder(model.Order{TradeID: "t1", OrderID: "existing", Kind: model.OrderTakeProfit1, Qty: 0.5, Status: model.OrderOpen})
	b := New(store, testLog())
	id, err := b.EnsurePartialTP1(context.Background(), "BTCUSDT", "t1", 0.5, 1.0)
	require.NoError(t, err)
	assert.Equal(t, "existing", id)
}

func TestEnsurePartialTP1CreatesNewWhenNoMatch(t *testing.T) {
	store := &memStore{}
	b := New(store, testLog())
	id, err := b.EnsurePartialTP1(context.Background(), "BTCUSDT", "t1", 0.5, 1.0)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	orders, _ := store.OrdersForTrade("t1")
	require.Len(t, orders, 1)
	assert.Equal(t, model.OrderFilled, orders[0].Status)
}

func TestExitRemainderMarketCancelsRestingExitsAndAddsMarketExit(t *testing.T) {
	store := &memStore{}
	store.AddOrder(model.Order{TradeID: "t1", OrderID: "sl1", Kind: model.OrderStopLoss, Status: model.OrderOpen})
	b := New(store, testLog())
	err := b.ExitRemainderMarket(context.Background(), "BTCUSDT", "t1", 0.5)
	require.NoError(t, err)
	orders, _ := store.OrdersForTrade("t1")
	require.Len(t, orders, 1)
	assert.Equal(t, model.OrderMarketExit, orders[0].Kind)
}

func TestAmendSLReplacesRestingStop(t *testing.T) {
	store := &memStore{}
	store.AddOrder(model.Order{TradeID: "t1", OrderID: "sl1", Kind: model.OrderStopLoss, Price: 99, Status: model.OrderOpen})
	b := New(store, testLog())
	err := b.AmendSL(context.Background(), "BTCUSDT", "t1", model.Long, 99.5, 1.0)
	require.NoError(t, err)
	orders, _ := store.OrdersForTrade("t1")
	require.Len(t, orders, 1)
	assert.InDelta(t, 99.5, orders[0].Price, 1e-9)
}

func TestPriceWithinTol(t *testing.T) {
	assert.True(t, priceWithinTol(1.0, 1.0003, 0.0005))
	assert.False(t, priceWithinTol(1.0, 1.01, 0.0005))
	assert.True(t, priceWithinTol(0, 0, 0.0005))
}
