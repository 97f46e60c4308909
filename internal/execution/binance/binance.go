// Package binance implements execution.Broker against Binance USDT-M
// futures: market entry, reduce-only stop, reduce-only take-profits.
package binance

import (
	"context"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/duskline/predator-core/internal/execution"
	"github.com/duskline/predator-core/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Broker is the live execution adapter.
type Broker struct {
	Client *futures.Client
	Store  execution.OrderStore
	Log    *zap.SugaredLogger
}

// New constructs a live broker.
func New(client *futures.Client, store execution.OrderStore, log *zap.SugaredLogger) *Broker {
	return &Broker{Client: client, Store: store, Log: log}
}

func side(s model.Side) futures.SideType {
	if s == model.Long {
		return futures.SideTypeBuy
	}
	return futures.SideTypeSell
}

func qtyStr(q float64) string { return fmt.Sprintf("%.6f", q) }
func pxStr(p float64) string  { return fmt.Sprintf("%.4f", p) }

func (b *Broker) PlaceBracket(ctx context.Context, symbol string, sig model.Signal, qty float64, tradeID string) ([]string, error) {
	if execution.AlreadyBracketed(b.Store, tradeID) {
		b.Log.Infow("BRACKET_EXISTS", "component", "exec", "trade_id", tradeID)
		return nil, nil
	}
	if qty <= 0 {
		return nil, fmt.Errorf("binance: non-positive qty for place_bracket")
	}
	exitSide := side(sig.Side.Opposite())
	var ids []string

	entryOrder, err := b.Client.NewCreateOrderService().
		Symbol(symbol).
		Side(side(sig.Side)).
		Type(futures.OrderTypeMarket).
		Quantity(qtyStr(qty)).
		Do(ctx)
	if err != nil {
		b.Log.Errorw("ENTRY_ERROR", "component", "exec", "symbol", symbol, "err", err)
		return nil, fmt.Errorf("binance: entry order: %w", err)
	}
	filledPx := sig.Entry
	if entryOrder.AvgPrice != "" {
		filledPx = parseFloatSafe(entryOrder.AvgPrice, sig.Entry)
	}
	entryID := fmt.Sprintf("%d", entryOrder.OrderID)
	if err := b.Store.AddOrder(model.Order{TradeID: tradeID, OrderID: entryID, Kind: model.OrderMarketEntry, Side: sig.Side, Price: filledPx, Qty: qty, Status: model.OrderFilled, CreatedTS: time.Now()}); err != nil {
		return nil, err
	}
	ids = append(ids, entryID)

	slOrder, err := b.Client.NewCreateOrderService().
		Symbol(symbol).
		Side(exitSide).
		Type(futures.OrderTypeStopMarket).
		StopPrice(pxStr(sig.SL)).
		ClosePosition(true).
		Quantity(qtyStr(qty)).
		Do(ctx)
	if err != nil {
		b.Log.Errorw("SL_ERROR", "component", "exec", "symbol", symbol, "err", err)
	} else {
		slID := fmt.Sprintf("%d", slOrder.OrderID)
		if err := b.Store.AddOrder(model.Order{TradeID: tradeID, OrderID: slID, Kind: model.OrderStopLoss, Side: sig.Side.Opposite(), Price: sig.SL, Qty: qty, Status: model.OrderOpen, CreatedTS: time.Now()}); err != nil {
			return nil, err
		}
		ids = append(ids, slID)
	}

	tpKinds := []model.OrderKind{model.OrderTakeProfit1, model.OrderTakeProfit2, model.OrderTakeProfit3}
	for i, tp := range sig.TPs {
		if i >= len(tpKinds) {
			break
		}
		tpOrder, err := b.Client.NewCreateOrderService().
			Symbol(symbol).
			Side(exitSide).
			Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			ReduceOnly(true).
			Price(pxStr(tp)).
			Quantity(qtyStr(qty)).
			Do(ctx)
		if err != nil {
			b.Log.Errorw("TP_ERROR", "component", "exec", "symbol", symbol, "tp_idx", i+1, "err", err)
			continue
		}
		tid := fmt.Sprintf("%d", tpOrder.OrderID)
		if err := b.Store.AddOrder(model.Order{TradeID: tradeID, OrderID: tid, Kind: tpKinds[i], Side: sig.Side.Opposite(), Price: tp, Qty: qty, Status: model.OrderOpen, CreatedTS: time.Now()}); err != nil {
			return nil, err
		}
		ids = append(ids, tid)
	}

	b.Log.Infow("LIVE_ORDERS", "component", "exec", "trade_id", tradeID, "symbol", symbol, "order_ids", ids)
	return ids, nil
}

func (b *Broker) EnsurePartialTP1(ctx context.Context, symbol, tradeID string, fraction, qtyHint float64) (string, error) {
	orders, err := b.Store.OrdersForTrade(tradeID)
	if err != nil {
		return "", err
	}
	target := qtyHint * fraction
	for _, o := range orders {
		if o.Kind == model.OrderTakeProfit1 && o.Status == model.OrderOpen {
			if withinTol(o.Qty, target, 0.0005) {
				return o.OrderID, nil
			}
		}
	}
	order, err := b.Client.NewCreateOrderService().
		Symbol(symbol).
		Type(futures.OrderTypeMarket).
		ReduceOnly(true).
		Quantity(qtyStr(target)).
		Do(ctx)
	if err != nil {
		return "", fmt.Errorf("binance: partial tp1: %w", err)
	}
	id := fmt.Sprintf("%d", order.OrderID)
	if err := b.Store.AddOrder(model.Order{TradeID: tradeID, OrderID: id, Kind: model.OrderTakeProfit1, Qty: target, Status: model.OrderFilled, CreatedTS: time.Now()}); err != nil {
		return "", err
	}
	return id, nil
}

func (b *Broker) ExitRemainderMarket(ctx context.Context, symbol, tradeID string, qtyHint float64) error {
	_, err := b.Client.NewCreateOrderService().
		Symbol(symbol).
		Type(futures.OrderTypeMarket).
		ReduceOnly(true).
		Quantity(qtyStr(qtyHint)).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("binance: exit remainder: %w", err)
	}
	if err := b.Store.CancelOrdersByKind(tradeID, model.OrderStopLoss, model.OrderTakeProfit1, model.OrderTakeProfit2, model.OrderTakeProfit3, model.OrderTakeProfitFull); err != nil {
		return err
	}
	id := uuid.NewString()
	return b.Store.AddOrder(model.Order{TradeID: tradeID, OrderID: id, Kind: model.OrderMarketExit, Qty: qtyHint, Status: model.OrderFilled, CreatedTS: time.Now()})
}

func (b *Broker) AmendTPs(ctx context.Context, symbol, tradeID string, newTPs []float64, keepTP1 bool, qtyHint float64) error {
	orders, err := b.Store.OrdersForTrade(tradeID)
	if err != nil {
		return err
	}
	reserved := 0.0
	for _, o := range orders {
		if o.Status != model.OrderOpen {
			continue
		}
		if o.Kind == model.OrderTakeProfit1 && keepTP1 {
			reserved += o.Qty
			continue
		}
		if o.Kind == model.OrderTakeProfit1 || o.Kind == model.OrderTakeProfit2 || o.Kind == model.OrderTakeProfit3 {
			if err := b.cancelOrder(ctx, symbol, o.OrderID); err != nil {
				b.Log.Warnw("TP_CANCEL_ERROR", "component", "exec", "order_id", o.OrderID, "err", err)
			}
		}
	}
	if err := b.Store.CancelOrdersByKind(tradeID, tpKindsToCancel(keepTP1)...); err != nil {
		return err
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
		order, err := b.Client.NewCreateOrderService().
			Symbol(symbol).
			Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			ReduceOnly(true).
			Price(pxStr(tp)).
			Quantity(qtyStr(per)).
			Do(ctx)
		if err != nil {
			b.Log.Errorw("TP_ERROR", "component", "exec", "symbol", symbol, "err", err)
			continue
		}
		id := fmt.Sprintf("%d", order.OrderID)
		if err := b.Store.AddOrder(model.Order{TradeID: tradeID, OrderID: id, Kind: tpKinds[kindIdx], Price: tp, Qty: per, Status: model.OrderOpen, CreatedTS: time.Now()}); err != nil {
			return err
		}
	}
	return nil
}

func tpKindsToCancel(keepTP1 bool) []model.OrderKind {
	if keepTP1 {
		return []model.OrderKind{model.OrderTakeProfit2, model.OrderTakeProfit3}
	}
	return []model.OrderKind{model.OrderTakeProfit1, model.OrderTakeProfit2, model.OrderTakeProfit3}
}

func (b *Broker) AmendSL(ctx context.Context, symbol, tradeID string, sigSide model.Side, newSL, qty float64) error {
	orders, err := b.Store.OrdersForTrade(tradeID)
	if err != nil {
		return err
	}
	for _, o := range orders {
		if o.Kind == model.OrderStopLoss && o.Status == model.OrderOpen {
			if err := b.cancelOrder(ctx, symbol, o.OrderID); err != nil {
				b.Log.Warnw("SL_CANCEL_ERROR", "component", "exec", "order_id", o.OrderID, "err", err)
			}
		}
	}
	if err := b.Store.CancelOrdersByKind(tradeID, model.OrderStopLoss); err != nil {
		return err
	}
	order, err := b.Client.NewCreateOrderService().
		Symbol(symbol).
		Side(side(sigSide.Opposite())).
		Type(futures.OrderTypeStopMarket).
		StopPrice(pxStr(newSL)).
		ClosePosition(true).
		Quantity(qtyStr(qty)).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("binance: amend sl: %w", err)
	}
	id := fmt.Sprintf("%d", order.OrderID)
	return b.Store.AddOrder(model.Order{TradeID: tradeID, OrderID: id, Kind: model.OrderStopLoss, Side: sigSide.Opposite(), Price: newSL, Qty: qty, Status: model.OrderOpen, CreatedTS: time.Now()})
}

func (b *Broker) cancelOrder(ctx context.Context, symbol, orderID string) error {
	var oid int64
	fmt.Sscanf(orderID, "%d", &oid)
	_, err := b.Client.NewCancelOrderService().Symbol(symbol).OrderID(oid).Do(ctx)
	return err
}

func withinTol(a, b, tol float64) bool {
	if a == 0 {
		return b == 0
	}
	d := a - b
	if d < 0 {
		d = -d
	}
	return d/a <= tol
}

func parseFloatSafe(s string, fallback float64) float64 {
	var v float64
	if _, err := fmt.Sscanf(s, "%f", &v); err != nil || v == 0 {
		return fallback
	}
	return v
}

var _ execution.Broker = (*Broker)(nil)
