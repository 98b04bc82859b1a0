// Package ledger implements the double-entry cash and position accounting
// of spec §4.6: balance freeze/unfreeze/fill, weighted-average position
// entry price, futures margin, stop-loss/take-profit, and forced
// liquidation.
//
// The balance and position transition formulas are grounded on the
// teacher's internal/strategy/inventory.go (Inventory.OnFill's weighted-
// average-entry-price arithmetic is reused almost verbatim, generalized
// from two binary-market legs to long/short futures and spot sides); the
// stop-loss/forced-liquidation sweep is grounded on internal/risk/manager.go's
// "accumulate state, compare to a threshold, emit a signal" shape, adapted
// from a portfolio-wide kill switch into a per-position protective check
// that emits synthetic closing orders instead of a kill channel.
package ledger

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/backtest/replay-engine/pkg/types"
)

var (
	// ErrInsufficientAvailable is returned when an order would freeze more
	// than the account currently has available.
	ErrInsufficientAvailable = errors.New("insufficient available balance or position amount")
	// ErrNonPositiveValue is a validation error for price/size (spec §7).
	ErrNonPositiveValue = errors.New("price and size must be positive")
	// ErrStopLossWrongSide is the validation error for spec §4.6's
	// stop-loss/take-profit side check.
	ErrStopLossWrongSide = errors.New("stop_loss/take_profit on the wrong side of price")
)

// liquidationSentinelPrice stands in for "market" on the buy side, where
// crossing requires a high price; closing longs uses zero on the sell side
// instead, since a sell at price 0 always crosses.
var liquidationSentinelPrice = decimal.New(1, 12) // 1e12, far above any realistic tick price

// FeeRate is carried for forward-compatibility with the BtConfig wire
// schema (§6); the matching/ledger pair does not currently charge fees —
// no SPEC_FULL.md scenario exercises maker/taker fees, and charging them
// silently would change every worked ledger example in spec §8. Recording
// the rate here keeps BtConfig round-trippable without inventing behavior.
type FeeRate struct {
	MakerFee decimal.Decimal `json:"maker_fee"`
	TakerFee decimal.Decimal `json:"taker_fee"`
}

// Ledger owns one Account's balance and positions.
type Ledger struct {
	Account *types.Account
	Fee     FeeRate
}

// New creates a ledger seeded with the given starting balance.
func New(backtestID string, balance types.Balance, fee FeeRate) *Ledger {
	return &Ledger{
		Account: &types.Account{
			BacktestID: backtestID,
			Balance:    balance,
			Positions:  make(map[types.PositionKey]*types.Position),
		},
		Fee: fee,
	}
}

// CheckInvariants validates the double-entry invariants the ledger must
// hold after every freeze/fill/unfreeze: balance.total == available +
// freezed, and each position's amount_total == amount_available +
// amount_freezed. Returns the number of breaks found (0 in the healthy
// case); the caller feeds the count to metrics so this package doesn't
// need a Prometheus dependency of its own.
func (l *Ledger) CheckInvariants() int {
	violations := 0
	if !l.Account.Balance.Total.Equal(l.Account.Balance.Available.Add(l.Account.Balance.Freezed)) {
		violations++
	}
	for _, pos := range l.Account.Positions {
		if !pos.AmountTotal.Equal(pos.AmountAvailable.Add(pos.AmountFreezed)) {
			violations++
		}
	}
	return violations
}

func positionKeyFor(o *types.Order) types.PositionKey {
	key := types.PositionKey{Symbol: o.Symbol, PositionSide: o.PositionSide, Exchange: o.Exchange}
	if o.Contract == types.Spot {
		key.PositionSide = types.NoPositionSide
	}
	return key
}

func (l *Ledger) positionFor(key types.PositionKey) *types.Position {
	p, ok := l.Account.Positions[key]
	if !ok {
		p = &types.Position{Symbol: key.Symbol, PositionSide: key.PositionSide, Exchange: key.Exchange}
		l.Account.Positions[key] = p
	}
	return p
}

func leverageDecimal(leverage int) decimal.Decimal {
	if leverage <= 0 {
		leverage = 1
	}
	return decimal.NewFromInt(int64(leverage))
}

// ValidateOrder checks the admission-time validation rules of spec §7
// (non-positive price/size, stop-loss/take-profit on the wrong side).
func ValidateOrder(o *types.Order) error {
	if o.Price.LessThanOrEqual(decimal.Zero) || o.Size.LessThanOrEqual(decimal.Zero) {
		return ErrNonPositiveValue
	}
	if o.Contract != types.Futures {
		return nil
	}
	switch o.PositionSide {
	case types.Long:
		if o.StopLoss != nil && o.StopLoss.GreaterThan(o.Price) {
			return ErrStopLossWrongSide
		}
		if o.TakeProfit != nil && o.TakeProfit.LessThan(o.Price) {
			return ErrStopLossWrongSide
		}
	case types.Short:
		if o.StopLoss != nil && o.StopLoss.LessThan(o.Price) {
			return ErrStopLossWrongSide
		}
		if o.TakeProfit != nil && o.TakeProfit.GreaterThan(o.Price) {
			return ErrStopLossWrongSide
		}
	}
	return nil
}

func isOpeningOrder(o *types.Order) bool {
	if o.Contract == types.Spot {
		return o.Side == types.Buy
	}
	return (o.PositionSide == types.Long && o.Side == types.Buy) || (o.PositionSide == types.Short && o.Side == types.Sell)
}

// Freeze reserves balance or position amount for a freshly posted order
// and stamps o.Margin with the amount frozen (futures opens only).
func (l *Ledger) Freeze(o *types.Order) error {
	if isOpeningOrder(o) {
		return l.freezeOpen(o)
	}
	return l.freezeClose(o)
}

func (l *Ledger) freezeOpen(o *types.Order) error {
	if o.Contract == types.Spot {
		cost := o.Price.Mul(o.Size)
		if l.Account.Balance.Available.LessThan(cost) {
			return fmt.Errorf("%w: need %s, have %s", ErrInsufficientAvailable, cost, l.Account.Balance.Available)
		}
		l.Account.Balance.Available = l.Account.Balance.Available.Sub(cost)
		l.Account.Balance.Freezed = l.Account.Balance.Freezed.Add(cost)
		return nil
	}

	margin := o.Price.Mul(o.Size).Div(leverageDecimal(o.Leverage)).Round(12)
	if l.Account.Balance.Available.LessThan(margin) {
		return fmt.Errorf("%w: need %s margin, have %s", ErrInsufficientAvailable, margin, l.Account.Balance.Available)
	}
	l.Account.Balance.Available = l.Account.Balance.Available.Sub(margin)
	l.Account.Balance.Freezed = l.Account.Balance.Freezed.Add(margin)
	o.Margin = margin
	return nil
}

func (l *Ledger) freezeClose(o *types.Order) error {
	pos := l.positionFor(positionKeyFor(o))
	if o.Synthetic && pos.AmountTotal.IsZero() && pos.AmountAvailable.IsZero() && pos.AmountFreezed.IsZero() {
		// Forced liquidation already reset amount_total to 0 synchronously in
		// CloseOrderCheck; the synthetic closer has nothing left to freeze.
		return nil
	}
	if pos.AmountAvailable.LessThan(o.Size) {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientAvailable, o.Size, pos.AmountAvailable)
	}
	pos.AmountAvailable = pos.AmountAvailable.Sub(o.Size)
	pos.AmountFreezed = pos.AmountFreezed.Add(o.Size)
	return nil
}

// Unfreeze reverses Freeze for the unfilled remainder of a canceled order.
func (l *Ledger) Unfreeze(o *types.Order) {
	remaining := o.Remaining()
	if remaining.LessThanOrEqual(decimal.Zero) {
		return
	}

	if isOpeningOrder(o) {
		if o.Contract == types.Spot {
			cost := o.Price.Mul(remaining)
			l.Account.Balance.Freezed = l.Account.Balance.Freezed.Sub(cost)
			l.Account.Balance.Available = l.Account.Balance.Available.Add(cost)
			return
		}
		margin := o.Price.Mul(remaining).Div(leverageDecimal(o.Leverage)).Round(12)
		l.Account.Balance.Freezed = l.Account.Balance.Freezed.Sub(margin)
		l.Account.Balance.Available = l.Account.Balance.Available.Add(margin)
		return
	}

	pos := l.positionFor(positionKeyFor(o))
	pos.AmountFreezed = pos.AmountFreezed.Sub(remaining)
	pos.AmountAvailable = pos.AmountAvailable.Add(remaining)
}

// ApplyFill mutates balance and position state per spec §4.6 and returns a
// synthetic take-profit order to post when a futures open fill arms
// take-profit (nil otherwise). The caller inserts the returned order into
// the book (after running it through Freeze, same as any other order).
func (l *Ledger) ApplyFill(fill types.Fill, source *types.Order) *types.Order {
	key := types.PositionKey{Symbol: fill.Symbol, PositionSide: fill.PositionSide, Exchange: fill.Exchange}
	if fill.Contract == types.Spot {
		key.PositionSide = types.NoPositionSide
		l.applySpotFill(fill)
	} else {
		l.applyFuturesFill(fill)
	}
	l.applyPositionTransition(key, fill)

	if fill.Contract == types.Futures && !fill.IsClose && fill.TakeProfit != nil {
		return l.buildTakeProfitOrder(fill, source)
	}
	return nil
}

func (l *Ledger) applySpotFill(fill types.Fill) {
	amount := fill.FilledAmount.Abs()
	if !fill.IsClose {
		cost := fill.FilledPrice.Mul(amount)
		freeze := fill.PostPrice.Mul(amount)
		l.Account.Balance.Total = l.Account.Balance.Total.Sub(cost).Round(12)
		l.Account.Balance.Freezed = l.Account.Balance.Freezed.Sub(freeze).Round(12)
		l.Account.Balance.Available = l.Account.Balance.Available.Add(freeze.Sub(cost)).Round(12)
		return
	}
	proceeds := fill.FilledPrice.Mul(amount)
	l.Account.Balance.Total = l.Account.Balance.Total.Add(proceeds).Round(12)
	l.Account.Balance.Available = l.Account.Balance.Available.Add(proceeds).Round(12)
}

func (l *Ledger) applyFuturesFill(fill types.Fill) {
	amount := fill.FilledAmount.Abs()
	lev := leverageDecimal(fill.Leverage)

	if !fill.IsClose {
		value := fill.FilledPrice.Mul(amount).Div(lev)
		freeze := fill.PostPrice.Mul(amount).Div(lev)
		l.Account.Balance.Total = l.Account.Balance.Total.Sub(value).Round(12)
		l.Account.Balance.Freezed = l.Account.Balance.Freezed.Sub(freeze).Round(12)
		l.Account.Balance.Available = l.Account.Balance.Available.Add(freeze.Sub(value)).Round(12)
		return
	}

	openValue := fill.OpenPrice.Mul(amount).Div(lev)
	realized := fill.FilledPrice.Sub(fill.OpenPrice).Mul(amount)
	if fill.PositionSide == types.Short {
		realized = realized.Neg()
	}
	credit := openValue.Add(realized).Round(12)
	l.Account.Balance.Total = l.Account.Balance.Total.Add(credit).Round(12)
	l.Account.Balance.Available = l.Account.Balance.Available.Add(credit).Round(12)
}

func (l *Ledger) applyPositionTransition(key types.PositionKey, fill types.Fill) {
	pos := l.positionFor(key)
	amount := fill.FilledAmount.Abs()

	if !fill.IsClose {
		oldValue := pos.EntryPrice.Mul(pos.AmountTotal)
		pos.AmountTotal = pos.AmountTotal.Add(amount).Round(6)
		pos.AmountAvailable = pos.AmountAvailable.Add(amount).Round(6)
		if pos.AmountTotal.GreaterThan(decimal.Zero) {
			entry := oldValue.Add(amount.Mul(fill.FilledPrice)).Div(pos.AmountTotal).Round(6)
			if entry.IsPositive() || entry.IsZero() {
				pos.EntryPrice = entry
			} else {
				pos.EntryPrice = decimal.Zero
			}
		}
	} else {
		pos.AmountFreezed = pos.AmountFreezed.Sub(amount).Round(6)
		pos.AmountTotal = pos.AmountTotal.Sub(amount).Round(6)
		if pos.AmountTotal.LessThanOrEqual(decimal.Zero) {
			pos.AmountTotal = decimal.Zero
			pos.AmountAvailable = decimal.Zero
			pos.AmountFreezed = decimal.Zero
			pos.EntryPrice = decimal.Zero
		}
	}

	if fill.Contract == types.Futures && fill.Leverage > 0 {
		pos.Leverage = fill.Leverage
		pos.MarginValue = pos.AmountTotal.Mul(pos.EntryPrice).Div(leverageDecimal(fill.Leverage)).Round(12)
	}

	if fill.StopLoss != nil && !fill.IsClose {
		mergeStopLoss(pos, *fill.StopLoss, amount)
	}
}

func mergeStopLoss(pos *types.Position, price, size decimal.Decimal) {
	for i := range pos.StopLoss {
		if pos.StopLoss[i].TriggerPrice.Equal(price) {
			pos.StopLoss[i].Size = pos.StopLoss[i].Size.Add(size).Round(6)
			return
		}
	}
	pos.StopLoss = append(pos.StopLoss, types.StopLossEntry{TriggerPrice: price, Size: size.Round(6)})
}

func (l *Ledger) buildTakeProfitOrder(fill types.Fill, source *types.Order) *types.Order {
	side := types.Sell
	if fill.PositionSide == types.Short {
		side = types.Buy
	}
	cid := fill.CID + "-tp"
	if source != nil {
		cid = source.CID + "-tp"
	}
	return &types.Order{
		CID:          cid,
		Contract:     types.Futures,
		Exchange:     fill.Exchange,
		Symbol:       fill.Symbol,
		Side:         side,
		PositionSide: fill.PositionSide,
		Leverage:     fill.Leverage,
		Price:        *fill.TakeProfit,
		Size:         fill.FilledAmount.Abs(),
		FrontAmount:  types.UninitializedFrontAmount,
		State:        types.Open,
		Synthetic:    true,
	}
}

// CloseOrderCheck implements spec §4.6's pre-tick protective actions: it
// inspects every futures position against the new depth and returns
// synthetic market-closing orders for stop-loss triggers and forced
// liquidation. The caller (session controller) is responsible for freezing
// and inserting the returned orders, then running the matching pass so
// they execute in the same tick (stop-loss closers are priced to cross the
// book; the forced-liquidation closer is priced at mid).
func (l *Ledger) CloseOrderCheck(depth types.Depth) []*types.Order {
	mid := depth.MidPrice()
	if mid.IsZero() {
		return nil
	}
	bestAsk := depth.BestAsk().Price
	bestBid := depth.BestBid().Price

	var synthetic []*types.Order
	for key, pos := range l.Account.Positions {
		if key.Exchange != depth.Exchange || pos.AmountTotal.IsZero() {
			continue
		}
		switch key.PositionSide {
		case types.Long:
			synthetic = append(synthetic, l.checkLongStopLoss(key, pos, mid)...)
			if order := l.checkForcedLiquidation(key, pos, bestAsk, mid, true); order != nil {
				synthetic = append(synthetic, order)
			}
		case types.Short:
			synthetic = append(synthetic, l.checkShortStopLoss(key, pos, mid)...)
			if order := l.checkForcedLiquidation(key, pos, bestBid, mid, false); order != nil {
				synthetic = append(synthetic, order)
			}
		}
	}
	return synthetic
}

func (l *Ledger) checkLongStopLoss(key types.PositionKey, pos *types.Position, mid decimal.Decimal) []*types.Order {
	sort.Slice(pos.StopLoss, func(i, j int) bool {
		return pos.StopLoss[i].TriggerPrice.GreaterThan(pos.StopLoss[j].TriggerPrice)
	})

	var orders []*types.Order
	accumulated := decimal.Zero
	var survivors []types.StopLossEntry
	for _, entry := range pos.StopLoss {
		if accumulated.GreaterThanOrEqual(pos.AmountTotal) {
			break
		}
		if mid.LessThan(entry.TriggerPrice) {
			orders = append(orders, syntheticClose(key, entry.Size, types.Sell, decimal.Zero))
			accumulated = accumulated.Add(entry.Size)
		} else {
			survivors = append(survivors, entry)
		}
	}
	pos.StopLoss = survivors
	return orders
}

func (l *Ledger) checkShortStopLoss(key types.PositionKey, pos *types.Position, mid decimal.Decimal) []*types.Order {
	sort.Slice(pos.StopLoss, func(i, j int) bool {
		return pos.StopLoss[i].TriggerPrice.LessThan(pos.StopLoss[j].TriggerPrice)
	})

	var orders []*types.Order
	accumulated := decimal.Zero
	var survivors []types.StopLossEntry
	for _, entry := range pos.StopLoss {
		if accumulated.GreaterThanOrEqual(pos.AmountTotal) {
			break
		}
		if mid.GreaterThan(entry.TriggerPrice) {
			orders = append(orders, syntheticClose(key, entry.Size, types.Buy, liquidationSentinelPrice))
			accumulated = accumulated.Add(entry.Size)
		} else {
			survivors = append(survivors, entry)
		}
	}
	pos.StopLoss = survivors
	return orders
}

func (l *Ledger) checkForcedLiquidation(key types.PositionKey, pos *types.Position, markPrice, mid decimal.Decimal, isLong bool) *types.Order {
	if markPrice.IsZero() {
		return nil
	}
	var adverse decimal.Decimal
	if isLong {
		adverse = pos.EntryPrice.Sub(markPrice).Mul(pos.AmountTotal)
	} else {
		adverse = markPrice.Sub(pos.EntryPrice).Mul(pos.AmountTotal)
	}
	if adverse.LessThanOrEqual(pos.MarginValue) {
		return nil
	}

	size := pos.AmountTotal
	pos.StopLoss = nil
	pos.AmountTotal = decimal.Zero
	pos.AmountAvailable = decimal.Zero
	pos.AmountFreezed = decimal.Zero
	pos.EntryPrice = decimal.Zero

	if isLong {
		return syntheticClose(key, size, types.Sell, mid)
	}
	return syntheticClose(key, size, types.Buy, mid)
}

func syntheticClose(key types.PositionKey, size decimal.Decimal, side types.Side, price decimal.Decimal) *types.Order {
	return &types.Order{
		CID:          fmt.Sprintf("liq-%s-%d", key.Symbol, size.IntPart()),
		Contract:     types.Futures,
		Exchange:     key.Exchange,
		Symbol:       key.Symbol,
		Side:         side,
		PositionSide: key.PositionSide,
		Price:        price,
		Size:         size,
		FrontAmount:  types.UninitializedFrontAmount,
		State:        types.Open,
		Synthetic:    true,
	}
}
