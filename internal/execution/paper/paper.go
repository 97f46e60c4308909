// Package paper implements execution.Broker against the local order store
// only: synthetic fills, no exchange I/O. Mirrors the DRY_RUN path of the
// live adapter so manager logic never has to branch on account type.
package paper

import (
	"context"
	"fmt"
	"time"

	"github.com/duskline/predator-core/internal/execution"
	"github.com/duskline/predator-core/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Broker is the paper-trading execution adapter.
type Broker struct {
	Store execution.OrderStore
	Log   *zap.SugaredLogger
}

// New constructs a paper broker over the given order store.
func New(store execution.OrderStore, log *zap.SugaredLogger) *Broker {
	return &Broker{Store: store, Log: log}
}

func oid(kind model.OrderKind) string {
	return fmt.Sprintf("paper-%d-%s-%s", time.Now().UnixMilli(), uuid.NewString()[:8], kind)
}

func (b *Broker) PlaceBracket(ctx context.Context, symbol string, sig model.Signal, qty float64, tradeID string) ([]string, error) {
	if execution.AlreadyBracketed(b.Store, tradeID) {
		b.Log.Infow("BRACKET_EXISTS", "component", "exec", "trade_id", tradeID)
		return nil, nil
	}
	if qty <= 0 {
		return nil, fmt.Errorf("paper: non-positive qty for place_bracket")
	}
	exitSide := sig.Side.Opposite()
	var ids []string

	entryID := oid(model.OrderMarketEntry)
	if err := b.Store.AddOrder(model.Order{TradeID: tradeID, OrderID: entryID, Kind: model.OrderMarketEntry, Side: sig.Side, Price: sig.Entry, Qty: qty, Status: model.OrderFilled, CreatedTS: time.Now()}); err != nil {
		return nil, err
	}
	ids = append(ids, entryID)

	slID := oid(model.OrderStopLoss)
	if err := b.Store.AddOrder(model.Order{TradeID: tradeID, OrderID: slID, Kind: model.OrderStopLoss, Side: exitSide, Price: sig.SL, Qty: qty, Status: model.OrderOpen, CreatedTS: time.Now()}); err != nil {
		return nil, err
	}
	ids = append(ids, slID)

	tpKinds := []model.OrderKind{model.OrderTakeProfit1, model.OrderTakeProfit2, model.OrderTakeProfit3}
	for i, tp := range sig.TPs {
		if i >= len(tpKinds) {
			break
		}
		tid := oid(tpKinds[i])
		if err := b.Store.AddOrder(model.Order{TradeID: tradeID, OrderID: tid, Kind: tpKinds[i], Side: exitSide, Price: tp, Qty: qty, Status: model.OrderOpen, CreatedTS: time.Now()}); err != nil {
			return nil, err
		}
		ids = append(ids, tid)
	}

	b.Log.Infow("PAPER_ORDERS", "component", "exec", "trade_id", tradeID, "entry", sig.Entry, "sl", sig.SL, "qty", qty, "order_ids", ids)
	return ids, nil
}

func (b *Broker) EnsurePartialTP1(ctx context.Context, symbol, tradeID string, fraction, qtyHint float64) (string, error) {
	orders, err := b.Store.OrdersForTrade(tradeID)
	if err != nil {
		return "", err
	}
	partialQty := qtyHint * fraction
	for _, o := range orders {
		if o.Kind == model.OrderTakeProfit1 && o.Status == model.OrderOpen && priceWithinTol(o.Qty, partialQty, 0.0005) {
			return o.OrderID, nil
		}
	}
	id := oid(model.OrderTakeProfit1)
	if err := b.Store.AddOrder(model.Order{TradeID: tradeID, OrderID: id, Kind: model.OrderTakeProfit1, Qty: partialQty, Status: model.OrderFilled, CreatedTS: time.Now()}); err != nil {
		return "", err
	}
	return id, nil
}

func (b *Broker) ExitRemainderMarket(ctx context.Context, symbol, tradeID string, qtyHint float64) error {
	if err := b.Store.CancelOrdersByKind(tradeID, model.OrderStopLoss, model.OrderTakeProfit1, model.OrderTakeProfit2, model.OrderTakeProfit3, model.OrderTakeProfitFull); err != nil {
		return err
	}
	id := oid(model.OrderMarketExit)
	return b.Store.AddOrder(model.Order{TradeID: tradeID, OrderID: id, Kind: model.OrderMarketExit, Qty: qtyHint, Status: model.OrderFilled, CreatedTS: time.Now()})
}

func (b *Broker) AmendTPs(ctx context.Context, symbol, tradeID string, newTPs []float64, keepTP1 bool, qtyHint float64) error {
	kinds := []model.OrderKind{model.OrderTakeProfit2, model.OrderTakeProfit3}
	if !keepTP1 {
		kinds = append([]model.OrderKind{model.OrderTakeProfit1}, kinds...)
	}
	if err := b.Store.CancelOrdersByKind(tradeID, kinds...); err != nil {
		return err
	}
	reserved := 0.0
	if keepTP1 {
		orders, _ := b.Store.OrdersForTrade(tradeID)
		for _, o := range orders {
			if o.Kind == model.OrderTakeProfit1 && o.Status == model.OrderOpen {
				reserved = o.Qty
			}
		}
	}
	remaining := qtyHint - reserved
	if remaining <= 0 || len(newTPs) == 0 {
		return nil
	}
	start := 0
	tpKinds := []model.OrderKind{model.OrderTakeProfit1, model.OrderTakeProfit2, model.OrderTakeProfit3}
	if keepTP1 {
		start = 1
	}
	targets := newTPs[start:]
	if len(targets) == 0 {
		return nil
	}
	per := remaining / float64(len(targets))
	for i, tp := range targets {
		kindIdx := start + i
		if kindIdx >= len(tpKinds) {
			break
		}
		id := oid(tpKinds[kindIdx])
		if err := b.Store.AddOrder(model.Order{TradeID: tradeID, OrderID: id, Kind: tpKinds[kindIdx], Price: tp, Qty: per, Status: model.OrderOpen, CreatedTS: time.Now()}); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) AmendSL(ctx context.Context, symbol, tradeID string, side model.Side, newSL, qty float64) error {
	if err := b.Store.CancelOrdersByKind(tradeID, model.OrderStopLoss); err != nil {
		return err
	}
	id := oid(model.OrderStopLoss)
	return b.Store.AddOrder(model.Order{TradeID: tradeID, OrderID: id, Kind: model.OrderStopLoss, Side: side, Price: newSL, Qty: qty, Status: model.OrderOpen, CreatedTS: time.Now()})
}

func priceWithinTol(a, b, tol float64) bool {
	if a == 0 {
		return b == 0
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff/a <= tol
}

var _ execution.Broker = (*Broker)(nil)
