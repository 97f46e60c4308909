// Package execution defines the Broker contract the scheduler and manager
// place and amend bracket orders through, idempotently.
package execution

import (
	"context"

	"github.com/duskline/predator-core/internal/model"
)

// Broker is the idempotent bracket-order contract. Implementations must
// treat place_bracket as safe to call twice for the same trade id: the
// second call is a no-op that returns no new order ids.
type Broker interface {
	// PlaceBracket places market entry + reduce-only stop + reduce-only TPs.
	// Returns the new order ids, or an empty slice if a bracket already
	// exists for tradeID.
	PlaceBracket(ctx context.Context, symbol string, sig model.Signal, qty float64, tradeID string) ([]string, error)

	// EnsurePartialTP1 returns the id of an open TP1 order whose quantity is
	// within a relative tolerance of 0.0005 of qtyHint*fraction; otherwise it
	// sends a reduce-only market partial of that quantity and records it as a
	// filled TP1 order. Order prices are not compared.
	EnsurePartialTP1(ctx context.Context, symbol, tradeID string, fraction, qtyHint float64) (string, error)

	// ExitRemainderMarket flattens the remaining position at market.
	ExitRemainderMarket(ctx context.Context, symbol, tradeID string, qtyHint float64) error

	// AmendTPs cancels every open TP2/TP3 order (and TP1 unless keepTP1) and
	// places one order per new target (from TP2 on when keepTP1), splitting
	// qtyHint minus the open kept-TP1 quantity evenly across them.
	AmendTPs(ctx context.Context, symbol, tradeID string, newTPs []float64, keepTP1 bool, qtyHint float64) error

	// AmendSL cancels the resting stop-loss order and places a new one.
	AmendSL(ctx context.Context, symbol, tradeID string, side model.Side, newSL, qty float64) error
}

// OrderStore is the persistence surface both adapters consult for
// idempotency: existing orders per trade.
type OrderStore interface {
	OrdersForTrade(tradeID string) ([]model.Order, error)
	AddOrder(o model.Order) error
	UpdateOrderStatus(tradeID, orderID string, status model.OrderStatus) error
	CancelOrdersByKind(tradeID string, kinds ...model.OrderKind) error
}

// AlreadyBracketed reports whether a market_entry order already exists
// for tradeID in an open or filled state — the idempotency check every
// PlaceBracket implementation runs first.
func AlreadyBracketed(store OrderStore, tradeID string) bool {
	orders, err := store.OrdersForTrade(tradeID)
	if err != nil {
		return false
	}
	for _, o := range orders {
		if o.Kind == model.OrderMarketEntry && (o.Status == model.OrderOpen || o.Status == model.OrderFilled) {
			return true
		}
	}
	return false
}
