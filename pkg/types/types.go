// Package types defines the immutable value types shared across the replay
// engine: market data (Depth, Trade), client orders, accounts, and the
// closed enumerations that key them.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Exchange is a closed enumeration of supported venues. The zero value is
// invalid on purpose — every Depth/Trade/Order must name its exchange
// explicitly.
type Exchange int

const (
	ExchangeUnknown Exchange = iota
	BinanceSpot
	CoinbaseSpot
	OkxSpot
	KrakenSpot
	BinanceSwap
	BybitSwap
	OkxSwap
	BitgetSwap
)

func (e Exchange) String() string {
	switch e {
	case BinanceSpot:
		return "BinanceSpot"
	case CoinbaseSpot:
		return "CoinbaseSpot"
	case OkxSpot:
		return "OkxSpot"
	case KrakenSpot:
		return "KrakenSpot"
	case BinanceSwap:
		return "BinanceSwap"
	case BybitSwap:
		return "BybitSwap"
	case OkxSwap:
		return "OkxSwap"
	case BitgetSwap:
		return "BitgetSwap"
	default:
		return "Unknown"
	}
}

// ExchangeFromString parses the wire name produced by String.
func ExchangeFromString(s string) (Exchange, error) {
	switch s {
	case "BinanceSpot":
		return BinanceSpot, nil
	case "CoinbaseSpot":
		return CoinbaseSpot, nil
	case "OkxSpot":
		return OkxSpot, nil
	case "KrakenSpot":
		return KrakenSpot, nil
	case "BinanceSwap":
		return BinanceSwap, nil
	case "BybitSwap":
		return BybitSwap, nil
	case "OkxSwap":
		return OkxSwap, nil
	case "BitgetSwap":
		return BitgetSwap, nil
	default:
		return ExchangeUnknown, fmt.Errorf("unknown exchange %q", s)
	}
}

// TableName returns the deterministic underlying datastore table name for
// the exchange, per the spec's event-source contract (§6).
func (e Exchange) TableName() string {
	switch e {
	case BinanceSpot:
		return "binance"
	case CoinbaseSpot:
		return "coinbase"
	case OkxSpot:
		return "okx"
	case KrakenSpot:
		return "kraken"
	case BinanceSwap:
		return "binance_futures"
	case BybitSwap:
		return "bybit_futures"
	case OkxSwap:
		return "okx_futures"
	case BitgetSwap:
		return "bitget_futures"
	default:
		return ""
	}
}

func (e Exchange) MarshalJSON() ([]byte, error) {
	return []byte(`"` + e.String() + `"`), nil
}

func (e *Exchange) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	ex, err := ExchangeFromString(s)
	if err != nil {
		return err
	}
	*e = ex
	return nil
}

// Side is the direction of an order or trade aggressor.
type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

func (s Side) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *Side) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"buy"`:
		*s = Buy
	case `"sell"`:
		*s = Sell
	default:
		return fmt.Errorf("unknown side %s", data)
	}
	return nil
}

// ContractType distinguishes spot from linear-perpetual (futures) orders.
type ContractType int

const (
	Spot ContractType = iota
	Futures
)

func (c ContractType) String() string {
	if c == Futures {
		return "futures"
	}
	return "spot"
}

func (c ContractType) MarshalJSON() ([]byte, error) { return []byte(`"` + c.String() + `"`), nil }

func (c *ContractType) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"futures"`:
		*c = Futures
	case `"spot"`:
		*c = Spot
	default:
		return fmt.Errorf("unknown contract type %s", data)
	}
	return nil
}

// PositionSide is only meaningful for futures contracts.
type PositionSide int

const (
	NoPositionSide PositionSide = iota
	Long
	Short
)

func (p PositionSide) String() string {
	switch p {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return ""
	}
}

func (p PositionSide) MarshalJSON() ([]byte, error) { return []byte(`"` + p.String() + `"`), nil }

func (p *PositionSide) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"long"`:
		*p = Long
	case `"short"`:
		*p = Short
	case `""`, `null`:
		*p = NoPositionSide
	default:
		return fmt.Errorf("unknown position side %s", data)
	}
	return nil
}

// MarginMode selects how margin is accounted for a futures position.
// Isolated is the only mode the matching/ledger pair actually implements;
// Cross is defined but nothing sets or validates it, and the ledger treats
// it identically to Isolated.
type MarginMode int

const (
	Isolated MarginMode = iota
	Cross
)

// OrderState is the order lifecycle DAG from spec §3:
//
//	Open -> PartiallyFilled -> Filled
//	Open -> Canceled
//	PartiallyFilled -> Canceled
//
// Filled and Canceled are terminal; no transition leaves them.
type OrderState int

const (
	Open OrderState = iota
	PartiallyFilled
	Filled
	Canceled
)

func (s OrderState) String() string {
	switch s {
	case Open:
		return "open"
	case PartiallyFilled:
		return "partially_filled"
	case Filled:
		return "filled"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

func (s OrderState) IsTerminal() bool { return s == Filled || s == Canceled }

func (s OrderState) MarshalJSON() ([]byte, error) { return []byte(`"` + s.String() + `"`), nil }

func (s *OrderState) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"open"`:
		*s = Open
	case `"partially_filled"`:
		*s = PartiallyFilled
	case `"filled"`:
		*s = Filled
	case `"canceled"`:
		*s = Canceled
	default:
		return fmt.Errorf("unknown order state %s", data)
	}
	return nil
}

// Level is a single price/size entry of a depth snapshot.
type Level struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Depth is an order-book snapshot for one exchange/symbol. Bids are sorted
// descending by price, asks ascending; Bids[0] and Asks[0] are the top of
// book.
type Depth struct {
	Exchange       Exchange `json:"exchange"`
	Symbol         string   `json:"symbol"`
	Bids           []Level  `json:"bids"`
	Asks           []Level  `json:"asks"`
	ExchangeTSUnix int64    `json:"exchange_ts"`
	LocalTSUnix    int64    `json:"local_ts"`
}

// BestBid returns the top bid, or the zero Level if the book side is empty.
func (d Depth) BestBid() Level {
	if len(d.Bids) == 0 {
		return Level{}
	}
	return d.Bids[0]
}

// BestAsk returns the top ask, or the zero Level if the book side is empty.
func (d Depth) BestAsk() Level {
	if len(d.Asks) == 0 {
		return Level{}
	}
	return d.Asks[0]
}

// MidPrice is the arithmetic mean of best bid and best ask. Returns zero if
// either side is empty.
func (d Depth) MidPrice() decimal.Decimal {
	bb, ba := d.BestBid(), d.BestAsk()
	if bb.Price.IsZero() || ba.Price.IsZero() {
		return decimal.Zero
	}
	return bb.Price.Add(ba.Price).Div(decimal.NewFromInt(2))
}

// Trade is a public trade print.
type Trade struct {
	Exchange       Exchange        `json:"exchange"`
	Symbol         string          `json:"symbol"`
	AggressorSide  Side            `json:"aggressor_side"`
	Price          decimal.Decimal `json:"price"`
	Size           decimal.Decimal `json:"size"`
	ExchangeTSUnix int64           `json:"exchange_ts"`
	LocalTSUnix    int64           `json:"local_ts"`
}

// UninitializedFrontAmount is the sentinel for Order.FrontAmount before its
// first touch by the matching engine (spec §4.5, "First touch").
var UninitializedFrontAmount = decimal.NewFromInt(-1)

// Order is a client order resting in, or freshly matched against, the book.
// Mutable progress fields are updated in place by the matching engine and
// ledger; nothing outside those two packages should write to them.
type Order struct {
	CID      string       `json:"cid"`
	Contract ContractType `json:"contract"`
	Exchange Exchange     `json:"exchange"`
	Symbol   string       `json:"symbol"`
	Side     Side         `json:"side"`

	PositionSide PositionSide     `json:"position_side,omitempty"`
	Leverage     int              `json:"leverage,omitempty"`
	TakeProfit   *decimal.Decimal `json:"take_profit,omitempty"`
	StopLoss     *decimal.Decimal `json:"stop_loss,omitempty"`
	MarginMode   MarginMode       `json:"margin_mode,omitempty"`

	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"amount"`

	FilledAmount decimal.Decimal `json:"filled_amount"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	FrontAmount  decimal.Decimal `json:"-"`
	PrevDepth    *Depth          `json:"-"`
	OpenPrice    decimal.Decimal `json:"open_price,omitempty"`
	Margin       decimal.Decimal `json:"margin,omitempty"`

	State             OrderState `json:"state"`
	TimestampUnix     int64      `json:"timestamp"`
	TerminalTimestamp int64      `json:"-"` // set when State becomes terminal; drives the grace window

	// Synthetic marks this order as engine-generated (stop-loss, take-profit,
	// forced liquidation) rather than strategy-submitted.
	Synthetic bool `json:"synthetic,omitempty"`
}

// Remaining is Size - FilledAmount.
func (o *Order) Remaining() decimal.Decimal {
	return o.Size.Sub(o.FilledAmount)
}

// IsMarketable reports whether the order crosses the given depth; the
// matching engine checks it on every pass (spec §4.5 step 3).
func (o *Order) IsMarketable(d Depth) bool {
	switch o.Side {
	case Buy:
		ba := d.BestAsk()
		return !ba.Price.IsZero() && o.Price.GreaterThanOrEqual(ba.Price)
	case Sell:
		bb := d.BestBid()
		return !bb.Price.IsZero() && o.Price.LessThanOrEqual(bb.Price)
	}
	return false
}

// Fill is the execution descriptor emitted by the matching engine and
// consumed by the ledger. FilledAmount carries the sign convention from
// spec §4.5: positive for position-opening flow, negative for closing flow.
// IsClose is carried explicitly (see DESIGN.md "Open Question decisions")
// rather than re-derived by the ledger from Side/PositionSide.
type Fill struct {
	CID           string
	Exchange      Exchange
	Symbol        string
	Contract      ContractType
	PositionSide  PositionSide
	Leverage      int
	TakeProfit    *decimal.Decimal
	StopLoss      *decimal.Decimal
	FilledPrice   decimal.Decimal
	FilledAmount  decimal.Decimal // signed
	IsClose       bool
	OpenPrice     decimal.Decimal
	PostPrice     decimal.Decimal
	FreezeMargin  decimal.Decimal
	AmountTotal   decimal.Decimal
	TimestampUnix int64
}

// StopLossEntry is one (trigger_price, size) pair in a position's
// protective order list.
type StopLossEntry struct {
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	Size         decimal.Decimal `json:"size"`
}

// Balance is the cash account. Only Ledger.Freeze/Unfreeze/ApplyFill mutate it.
type Balance struct {
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
	Freezed   decimal.Decimal `json:"freezed"`
}

// PositionKey identifies a Position within an Account.
type PositionKey struct {
	Symbol       string
	PositionSide PositionSide
	Exchange     Exchange
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Symbol, k.PositionSide, k.Exchange)
}

// Position is one symbol/side/exchange's holdings.
type Position struct {
	Symbol          string          `json:"symbol"`
	PositionSide    PositionSide    `json:"position_side,omitempty"`
	Exchange        Exchange        `json:"exchange"`
	AmountTotal     decimal.Decimal `json:"amount_total"`
	AmountAvailable decimal.Decimal `json:"amount_available"`
	AmountFreezed   decimal.Decimal `json:"amount_freezed"`
	EntryPrice      decimal.Decimal `json:"entry_price"`
	Leverage        int             `json:"leverage,omitempty"`
	MarginValue     decimal.Decimal `json:"margin_value,omitempty"`
	StopLoss        []StopLossEntry `json:"stop_loss,omitempty"`
}

// Account is the full per-session ledger state.
type Account struct {
	BacktestID string                    `json:"backtest_id"`
	Balance    Balance                   `json:"balance"`
	Positions  map[PositionKey]*Position `json:"-"`
}

// PositionsBySymbol groups positions for wire serialization, per spec §6
// ("position is a mapping from symbol to a list of position records").
func (a *Account) PositionsBySymbol() map[string][]*Position {
	out := make(map[string][]*Position)
	for k, p := range a.Positions {
		out[k.Symbol] = append(out[k.Symbol], p)
	}
	return out
}

// now wraps wall time. Nothing in this module reads it, so depth-time-driven
// logic (grace window) never depends on wall time.
var now = time.Now
