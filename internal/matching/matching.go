// Package matching implements the per-event execution of resting client
// orders against the current depth using the queue-position fill model
// (spec §4.5). It is the core of the engine: the teacher repo has no
// direct analogue (its strategy package computes quotes, it never
// simulates fills against a historical tape), so this package is built
// directly from the distilled spec and the original Rust source
// (core/market.rs, core/engine.rs), in the teacher's "pure function over
// values, round at the boundary" style (see internal/strategy/maker.go's
// roundDownToTick/roundUpToTick in the teacher for the idiom this follows).
package matching

import (
	"github.com/shopspring/decimal"

	"github.com/backtest/replay-engine/internal/book"
	"github.com/backtest/replay-engine/internal/fillmodel"
	"github.com/backtest/replay-engine/pkg/types"
)

// GraceWindowMicros is the terminal-order grace window from spec §3: 3.1ms
// of depth-time, expressed in the microsecond unit the comparison is made
// in after normalization.
const GraceWindowMicros = 3100

// normalizationThreshold is spec §4.5's magnitude check distinguishing a
// nanosecond tape from a microsecond one.
const normalizationThreshold = 9.999e15

var priceEpsilon = decimal.New(1, -11) // 1e-11, spec §4.5 step 4's tolerance

// normalizeTimestamps equates nanosecond and microsecond tapes: if either
// input exceeds normalizationThreshold, both are divided by 1e6.
func normalizeTimestamps(a, b int64) (float64, float64) {
	fa, fb := float64(a), float64(b)
	if fa > normalizationThreshold || fb > normalizationThreshold {
		return fa / 1e6, fb / 1e6
	}
	return fa, fb
}

// MarkTerminal transitions an order into a terminal state and stamps the
// timestamp the grace window is measured from. Both the matching engine
// (on fill) and the session controller (on CANCEL_ORDER) call this so the
// grace-window clock always starts at the actual transition instant.
func MarkTerminal(o *types.Order, state types.OrderState, atNanos int64) {
	o.State = state
	o.TimestampUnix = atNanos
	o.TerminalTimestamp = atNanos
}

// aggregateLiquidity sums sizes of levels on the order's own side priced
// no worse than price: bid levels >= price for a buy, ask levels <= price
// for a sell (spec §4.5 "Subsequent touches").
func aggregateLiquidity(side types.Side, d types.Depth, price decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	if side == types.Buy {
		for _, lvl := range d.Bids {
			if lvl.Price.GreaterThanOrEqual(price) {
				total = total.Add(lvl.Size)
			}
		}
		return total
	}
	for _, lvl := range d.Asks {
		if lvl.Price.LessThanOrEqual(price) {
			total = total.Add(lvl.Size)
		}
	}
	return total
}

func topOfBook(side types.Side, d types.Depth) decimal.Decimal {
	if side == types.Buy {
		return d.BestBid().Price
	}
	return d.BestAsk().Price
}

// Match runs one matching pass over every order in ob whose exchange
// matches depth.Exchange, mutating orders in place and returning the
// fills produced this tick. Orders are dropped from the book once their
// terminal grace window elapses.
func Match(ob *book.OrderBook, depth types.Depth, model fillmodel.Model) []types.Fill {
	var fills []types.Fill

	ob.RetainFilter(func(o *types.Order) bool {
		if o.Exchange != depth.Exchange {
			return true
		}

		// Step 1: terminal retention.
		if o.State.IsTerminal() {
			na, nb := normalizeTimestamps(depth.LocalTSUnix, o.TerminalTimestamp)
			return (na - nb) <= GraceWindowMicros
		}

		// Step 2: activation gate.
		if depth.LocalTSUnix < o.TimestampUnix {
			return true
		}

		if fill, ok := matchOne(o, depth, model); ok {
			fills = append(fills, fill)
		}
		return true
	})

	return fills
}

func matchOne(o *types.Order, depth types.Depth, model fillmodel.Model) (types.Fill, bool) {
	if o.IsMarketable(depth) {
		return matchCrossed(o, depth)
	}
	return matchQueued(o, depth, model)
}

// matchCrossed walks the opposite-side levels, consuming liquidity at each
// level's price until the order is exhausted or price no longer crosses
// (spec §4.5 step 3).
func matchCrossed(o *types.Order, depth types.Depth) (types.Fill, bool) {
	residual := o.Remaining()
	executedValue := decimal.Zero
	executedAmount := decimal.Zero

	var levels []types.Level
	if o.Side == types.Buy {
		levels = depth.Asks
	} else {
		levels = depth.Bids
	}

	for _, lvl := range levels {
		if residual.LessThanOrEqual(decimal.Zero) {
			break
		}
		crosses := false
		if o.Side == types.Buy {
			crosses = o.Price.GreaterThanOrEqual(lvl.Price)
		} else {
			crosses = o.Price.LessThanOrEqual(lvl.Price)
		}
		if !crosses {
			break
		}

		amt := decimal.Min(residual, lvl.Size)
		executedAmount = executedAmount.Add(amt)
		executedValue = executedValue.Add(amt.Mul(lvl.Price))
		residual = residual.Sub(amt)
	}

	o.FrontAmount = decimal.Zero

	if executedAmount.IsZero() {
		return types.Fill{}, false
	}

	// The fill carries the full quotient so that the ledger's price × amount
	// reproduces the executed value; finalizeFill rounds the order's AvgPrice.
	avgPrice := executedValue.Div(executedAmount)
	return finalizeFill(o, depth, executedAmount.Round(6), avgPrice)
}

// matchQueued implements the non-crossed queue-position model (spec §4.5
// step 4).
func matchQueued(o *types.Order, depth types.Depth, model fillmodel.Model) (types.Fill, bool) {
	if o.FrontAmount.Equal(types.UninitializedFrontAmount) || o.FrontAmount.LessThan(decimal.Zero) {
		o.FrontAmount = aggregateLiquidity(o.Side, depth, o.Price)
		snap := depth
		o.PrevDepth = &snap
		return types.Fill{}, false
	}

	if o.PrevDepth == nil {
		snap := depth
		o.PrevDepth = &snap
		return types.Fill{}, false
	}

	prevLiquidity := aggregateLiquidity(o.Side, *o.PrevDepth, o.Price)
	newLiquidity := aggregateLiquidity(o.Side, depth, o.Price)
	chg := prevLiquidity.Sub(newLiquidity)

	snap := depth
	defer func() { o.PrevDepth = &snap }()

	if chg.LessThan(decimal.Zero) {
		o.FrontAmount = decimal.Min(o.FrontAmount, newLiquidity)
		return types.Fill{}, false
	}

	front := o.FrontAmount
	back := prevLiquidity.Sub(front)

	p := fillmodel.Clamp(model.Prob(back.InexactFloat64(), front.InexactFloat64()))
	pDec := decimal.NewFromFloat(p)

	newFront := front.
		Sub(decimal.NewFromInt(1).Sub(pDec).Mul(chg)).
		Add(decimal.Min(back.Sub(pDec.Mul(chg)), decimal.Zero))

	o.FrontAmount = decimal.Min(decimal.Min(newFront, newLiquidity), decimal.Zero)

	atTop := o.Price.Sub(topOfBook(o.Side, depth)).Abs().LessThanOrEqual(priceEpsilon)
	if !o.FrontAmount.IsZero() || !atTop {
		return types.Fill{}, false
	}

	filled := decimal.Min(chg, o.Remaining()).Round(6)
	if filled.LessThanOrEqual(decimal.Zero) {
		return types.Fill{}, false
	}

	return finalizeFill(o, depth, filled, o.Price.Round(12))
}

// finalizeFill applies the fill to the order's progress fields, updates
// state, and builds the Fill descriptor the ledger consumes.
func finalizeFill(o *types.Order, depth types.Depth, amount, price decimal.Decimal) (types.Fill, bool) {
	if amount.IsZero() {
		return types.Fill{}, false
	}

	prevFilled := o.FilledAmount
	newFilled := prevFilled.Add(amount)

	totalValue := o.AvgPrice.Mul(prevFilled).Add(price.Mul(amount))
	o.AvgPrice = decimal.Zero
	if newFilled.GreaterThan(decimal.Zero) {
		o.AvgPrice = totalValue.Div(newFilled).Round(12)
	}
	o.FilledAmount = newFilled.Round(6)

	isClose := isClosingFlow(o)

	if o.FilledAmount.GreaterThanOrEqual(o.Size) {
		MarkTerminal(o, types.Filled, depth.LocalTSUnix)
	} else {
		o.State = types.PartiallyFilled
	}

	signedAmount := amount
	if isClose {
		signedAmount = amount.Neg()
	}

	fill := types.Fill{
		CID:           o.CID,
		Exchange:      o.Exchange,
		Symbol:        o.Symbol,
		Contract:      o.Contract,
		PositionSide:  o.PositionSide,
		Leverage:      o.Leverage,
		TakeProfit:    o.TakeProfit,
		StopLoss:      o.StopLoss,
		FilledPrice:   price,
		FilledAmount:  signedAmount,
		IsClose:       isClose,
		OpenPrice:     o.OpenPrice,
		PostPrice:     o.Price,
		FreezeMargin:  o.Margin,
		AmountTotal:   o.Size,
		TimestampUnix: depth.LocalTSUnix,
	}
	return fill, true
}

// isClosingFlow resolves the spec's noted open question ("sign of amount
// on close fills") explicitly from the order's declared side and position
// side, rather than leaving it to be inferred downstream.
func isClosingFlow(o *types.Order) bool {
	if o.Contract == types.Spot {
		return o.Side == types.Sell
	}
	switch o.PositionSide {
	case types.Long:
		return o.Side == types.Sell
	case types.Short:
		return o.Side == types.Buy
	default:
		return false
	}
}
