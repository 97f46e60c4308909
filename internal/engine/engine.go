// Package engine defines the shared signal-engine contract the scheduler
// dispatches against, and the flow-level value types engines exchange.
package engine

import "github.com/duskline/predator-core/internal/model"

// FlowLevels carries the derived structural levels an engine needs beyond
// raw bars: the prior-day high/low.
type FlowLevels struct {
	PriorDay model.PriorDayLevels
}

// Engine is the capability every signal engine implements: given the
// current price, the multi-timeframe bundle and the structural levels,
// decide a side and construct entry/SL/TP. Returning side=NONE means
// no setup; reason should explain why.
type Engine interface {
	Name() string
	Signal(price float64, bundle *model.Bundle, levels FlowLevels) (model.Signal, error)
}
