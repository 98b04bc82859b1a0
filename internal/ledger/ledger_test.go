package ledger

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/backtest/replay-engine/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestLedger(total string) *Ledger {
	return New("bt-1", types.Balance{
		Total:     dec(total),
		Available: dec(total),
	}, FeeRate{})
}

func TestValidateOrderRejectsNonPositive(t *testing.T) {
	t.Parallel()

	o := &types.Order{Price: decimal.Zero, Size: dec("1")}
	if err := ValidateOrder(o); err != ErrNonPositiveValue {
		t.Fatalf("ValidateOrder() = %v, want ErrNonPositiveValue", err)
	}
}

func TestValidateOrderRejectsWrongSideStopLoss(t *testing.T) {
	t.Parallel()

	sl := dec("110")
	o := &types.Order{
		Contract:     types.Futures,
		PositionSide: types.Long,
		Side:         types.Buy,
		Price:        dec("100"),
		Size:         dec("1"),
		StopLoss:     &sl, // above entry for a long: wrong side
	}
	if err := ValidateOrder(o); err != ErrStopLossWrongSide {
		t.Fatalf("ValidateOrder() = %v, want ErrStopLossWrongSide", err)
	}
}

func TestFreezeSpotBuyReservesCost(t *testing.T) {
	t.Parallel()

	l := newTestLedger("1000")
	o := &types.Order{Contract: types.Spot, Side: types.Buy, Price: dec("100"), Size: dec("2")}

	if err := l.Freeze(o); err != nil {
		t.Fatalf("Freeze() error: %v", err)
	}
	if !l.Account.Balance.Available.Equal(dec("800")) {
		t.Errorf("Available = %s, want 800", l.Account.Balance.Available)
	}
	if !l.Account.Balance.Freezed.Equal(dec("200")) {
		t.Errorf("Freezed = %s, want 200", l.Account.Balance.Freezed)
	}
}

func TestFreezeSpotBuyInsufficientFunds(t *testing.T) {
	t.Parallel()

	l := newTestLedger("50")
	o := &types.Order{Contract: types.Spot, Side: types.Buy, Price: dec("100"), Size: dec("2")}

	if err := l.Freeze(o); err == nil {
		t.Fatal("expected insufficient-available error, got nil")
	}
}

func TestApplySpotBuyFillCreditsResidual(t *testing.T) {
	t.Parallel()

	l := newTestLedger("1000")
	o := &types.Order{Contract: types.Spot, Side: types.Buy, Symbol: "BTC_USDT", Price: dec("100"), Size: dec("2")}
	if err := l.Freeze(o); err != nil {
		t.Fatalf("Freeze() error: %v", err)
	}

	fill := types.Fill{
		Contract:     types.Spot,
		Symbol:       "BTC_USDT",
		FilledPrice:  dec("95"),
		FilledAmount: dec("2"),
		PostPrice:    dec("100"),
	}
	l.ApplyFill(fill, o)

	// total -= 190; freezed -= 200; available += (200-190)=10 on top of the 800 already set aside.
	if !l.Account.Balance.Total.Equal(dec("810")) {
		t.Errorf("Total = %s, want 810", l.Account.Balance.Total)
	}
	if !l.Account.Balance.Freezed.IsZero() {
		t.Errorf("Freezed = %s, want 0", l.Account.Balance.Freezed)
	}
	if !l.Account.Balance.Available.Equal(dec("810")) {
		t.Errorf("Available = %s, want 810", l.Account.Balance.Available)
	}

	pos := l.Account.Positions[types.PositionKey{Symbol: "BTC_USDT", PositionSide: types.NoPositionSide}]
	if pos == nil {
		t.Fatal("expected spot position to be created")
	}
	if !pos.AmountTotal.Equal(dec("2")) {
		t.Errorf("AmountTotal = %s, want 2", pos.AmountTotal)
	}
	if !pos.EntryPrice.Equal(dec("95")) {
		t.Errorf("EntryPrice = %s, want 95", pos.EntryPrice)
	}
}

func TestApplySpotSellFillCreditsProceeds(t *testing.T) {
	t.Parallel()

	l := newTestLedger("0")
	key := types.PositionKey{Symbol: "BTC_USDT", PositionSide: types.NoPositionSide}
	l.Account.Positions[key] = &types.Position{
		Symbol:          "BTC_USDT",
		AmountTotal:     dec("2"),
		AmountAvailable: dec("2"),
		EntryPrice:      dec("95"),
	}

	closeOrder := &types.Order{Contract: types.Spot, Side: types.Sell, Symbol: "BTC_USDT", Price: dec("100"), Size: dec("2")}
	if err := l.Freeze(closeOrder); err != nil {
		t.Fatalf("Freeze() error: %v", err)
	}

	fill := types.Fill{
		Contract:     types.Spot,
		Symbol:       "BTC_USDT",
		FilledPrice:  dec("110"),
		FilledAmount: dec("-2"),
		IsClose:      true,
	}
	l.ApplyFill(fill, closeOrder)

	if !l.Account.Balance.Total.Equal(dec("220")) {
		t.Errorf("Total = %s, want 220", l.Account.Balance.Total)
	}
	if !l.Account.Balance.Available.Equal(dec("220")) {
		t.Errorf("Available = %s, want 220", l.Account.Balance.Available)
	}
	pos := l.Account.Positions[key]
	if !pos.AmountTotal.IsZero() {
		t.Errorf("AmountTotal = %s, want 0 after full close", pos.AmountTotal)
	}
	if !pos.EntryPrice.IsZero() {
		t.Errorf("EntryPrice = %s, want 0 after full close", pos.EntryPrice)
	}
}

func TestApplyFuturesOpenFillArmsTakeProfit(t *testing.T) {
	t.Parallel()

	l := newTestLedger("1000")
	tp := dec("120")
	o := &types.Order{
		Contract: types.Futures, Side: types.Buy, PositionSide: types.Long,
		Symbol: "BTC_USDT", Price: dec("100"), Size: dec("1"), Leverage: 10, TakeProfit: &tp,
	}
	if err := l.Freeze(o); err != nil {
		t.Fatalf("Freeze() error: %v", err)
	}

	fill := types.Fill{
		Contract: types.Futures, Symbol: "BTC_USDT", PositionSide: types.Long, Leverage: 10,
		FilledPrice: dec("100"), FilledAmount: dec("1"), PostPrice: dec("100"), TakeProfit: &tp,
	}
	tpOrder := l.ApplyFill(fill, o)

	if tpOrder == nil {
		t.Fatal("expected a synthetic take-profit order")
	}
	if tpOrder.Side != types.Sell || !tpOrder.Price.Equal(tp) {
		t.Errorf("take-profit order = %+v, want sell @ %s", tpOrder, tp)
	}

	key := types.PositionKey{Symbol: "BTC_USDT", PositionSide: types.Long}
	pos := l.Account.Positions[key]
	if !pos.MarginValue.Equal(dec("10")) {
		t.Errorf("MarginValue = %s, want 10 (100*1/10)", pos.MarginValue)
	}
}

func TestCloseOrderCheckTriggersLongStopLoss(t *testing.T) {
	t.Parallel()

	l := newTestLedger("1000")
	key := types.PositionKey{Symbol: "BTC_USDT", PositionSide: types.Long, Exchange: types.BinanceSwap}
	l.Account.Positions[key] = &types.Position{
		Symbol: "BTC_USDT", PositionSide: types.Long, Exchange: types.BinanceSwap,
		AmountTotal: dec("1"), AmountAvailable: dec("1"), EntryPrice: dec("100"),
		Leverage: 10, MarginValue: dec("10"),
		StopLoss: []types.StopLossEntry{{TriggerPrice: dec("95"), Size: dec("1")}},
	}

	depth := types.Depth{
		Exchange: types.BinanceSwap, Symbol: "BTC_USDT",
		Bids: []types.Level{{Price: dec("90"), Size: dec("5")}},
		Asks: []types.Level{{Price: dec("91"), Size: dec("5")}},
	}

	orders := l.CloseOrderCheck(depth)
	if len(orders) != 1 {
		t.Fatalf("len(orders) = %d, want 1", len(orders))
	}
	if orders[0].Side != types.Sell {
		t.Errorf("stop-loss close side = %v, want Sell", orders[0].Side)
	}
	if len(l.Account.Positions[key].StopLoss) != 0 {
		t.Error("triggered stop-loss entry should be removed")
	}
}

func TestCloseOrderCheckForcedLiquidation(t *testing.T) {
	t.Parallel()

	l := newTestLedger("1000")
	key := types.PositionKey{Symbol: "BTC_USDT", PositionSide: types.Long, Exchange: types.BinanceSwap}
	l.Account.Positions[key] = &types.Position{
		Symbol: "BTC_USDT", PositionSide: types.Long, Exchange: types.BinanceSwap,
		AmountTotal: dec("1"), AmountAvailable: dec("1"), EntryPrice: dec("100"),
		Leverage: 10, MarginValue: dec("10"),
	}

	depth := types.Depth{
		Exchange: types.BinanceSwap, Symbol: "BTC_USDT",
		Bids: []types.Level{{Price: dec("50"), Size: dec("5")}},
		Asks: []types.Level{{Price: dec("51"), Size: dec("5")}},
	}

	orders := l.CloseOrderCheck(depth)
	if len(orders) != 1 {
		t.Fatalf("len(orders) = %d, want 1 (forced liquidation)", len(orders))
	}
	pos := l.Account.Positions[key]
	if !pos.AmountTotal.IsZero() {
		t.Errorf("AmountTotal after liquidation = %s, want 0", pos.AmountTotal)
	}
}

func TestUnfreezeReversesPartialFreezeOnCancel(t *testing.T) {
	t.Parallel()

	l := newTestLedger("1000")
	o := &types.Order{Contract: types.Spot, Side: types.Buy, Symbol: "BTC_USDT", Price: dec("100"), Size: dec("2")}
	if err := l.Freeze(o); err != nil {
		t.Fatalf("Freeze() error: %v", err)
	}

	o.FilledAmount = dec("1") // half filled before cancel
	l.Unfreeze(o)

	if !l.Account.Balance.Freezed.Equal(dec("100")) {
		t.Errorf("Freezed after partial unfreeze = %s, want 100", l.Account.Balance.Freezed)
	}
	if !l.Account.Balance.Available.Equal(dec("900")) {
		t.Errorf("Available after partial unfreeze = %s, want 900", l.Account.Balance.Available)
	}
}

func TestCheckInvariantsHealthyAfterFreeze(t *testing.T) {
	t.Parallel()

	l := newTestLedger("1000")
	o := &types.Order{Contract: types.Spot, Side: types.Buy, Symbol: "BTC_USDT", Price: dec("100"), Size: dec("2")}
	if err := l.Freeze(o); err != nil {
		t.Fatalf("Freeze() error: %v", err)
	}
	if got := l.CheckInvariants(); got != 0 {
		t.Errorf("CheckInvariants() = %d, want 0", got)
	}
}

func TestCheckInvariantsDetectsBalanceBreak(t *testing.T) {
	t.Parallel()

	l := newTestLedger("1000")
	l.Account.Balance.Available = dec("1")
	if got := l.CheckInvariants(); got != 1 {
		t.Errorf("CheckInvariants() = %d, want 1", got)
	}
}

func TestCheckInvariantsDetectsPositionBreak(t *testing.T) {
	t.Parallel()

	l := newTestLedger("1000")
	key := types.PositionKey{Symbol: "BTC_USDT", PositionSide: types.Long}
	l.Account.Positions[key] = &types.Position{
		Symbol: "BTC_USDT", PositionSide: types.Long,
		AmountTotal: dec("1"), AmountAvailable: dec("1"), AmountFreezed: dec("1"),
	}
	if got := l.CheckInvariants(); got != 1 {
		t.Errorf("CheckInvariants() = %d, want 1", got)
	}
}
