// Protocol framing for the per-session command channel (spec §6): one text
// frame in, one text frame out. Commands are plain-text verbs, optionally
// followed by a JSON or string payload concatenated directly after the verb
// (no separator), matching the original ZeroMQ REP server's framing
// byte-for-byte; see DESIGN.md's transport-substitution note for why the
// socket itself is a Unix domain socket rather than ZeroMQ.
package session

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/backtest/replay-engine/pkg/types"
)

// commandKind is the verb parsed off the front of a request frame.
type commandKind int

const (
	cmdUnknown commandKind = iota
	cmdTick
	cmdPostOrder
	cmdCancelOrder
	cmdClosePosition
	cmdClose
)

type command struct {
	kind    commandKind
	payload string
}

func parseCommand(frame string) command {
	switch {
	case frame == "TICK":
		return command{kind: cmdTick}
	case frame == "CLOSE":
		return command{kind: cmdClose}
	case strings.HasPrefix(frame, "POST_ORDER"):
		return command{kind: cmdPostOrder, payload: strings.TrimPrefix(frame, "POST_ORDER")}
	case strings.HasPrefix(frame, "CANCEL_ORDER"):
		return command{kind: cmdCancelOrder, payload: strings.TrimPrefix(frame, "CANCEL_ORDER")}
	case strings.HasPrefix(frame, "CLOSE_POSITION"):
		return command{kind: cmdClosePosition, payload: strings.TrimPrefix(frame, "CLOSE_POSITION")}
	default:
		return command{kind: cmdUnknown, payload: frame}
	}
}

// response is the wire envelope for every reply frame.
type response struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func ok(message string) response    { return response{Status: "ok", Message: message} }
func errResp(message string) response { return response{Status: "error", Message: message} }

func (r response) encode() string {
	b, err := json.Marshal(r)
	if err != nil {
		// json.Marshal on a flat struct of strings cannot fail; this is
		// defensive only.
		return `{"status":"error","message":"internal encoding failure"}`
	}
	return string(b)
}

// orderRequest is the JSON payload of POST_ORDER.
type orderRequest struct {
	CID          string           `json:"cid"`
	Contract     types.ContractType `json:"contract"`
	Exchange     types.Exchange   `json:"exchange"`
	Symbol       string           `json:"symbol"`
	Side         types.Side       `json:"side"`
	PositionSide types.PositionSide `json:"position_side,omitempty"`
	Leverage     int              `json:"leverage,omitempty"`
	TakeProfit   *decimal.Decimal `json:"take_profit,omitempty"`
	StopLoss     *decimal.Decimal `json:"stop_loss,omitempty"`
	Price        decimal.Decimal  `json:"price"`
	Size         decimal.Decimal  `json:"amount"`
}

func (r orderRequest) toOrder() *types.Order {
	return &types.Order{
		CID:          r.CID,
		Contract:     r.Contract,
		Exchange:     r.Exchange,
		Symbol:       r.Symbol,
		Side:         r.Side,
		PositionSide: r.PositionSide,
		Leverage:     r.Leverage,
		TakeProfit:   r.TakeProfit,
		StopLoss:     r.StopLoss,
		Price:        r.Price,
		Size:         r.Size,
		FrontAmount:  types.UninitializedFrontAmount,
		State:        types.Open,
	}
}

// accountSnapshot is the wire shape of §6's "account" field.
type accountSnapshot struct {
	BacktestID string                       `json:"backtest_id"`
	Balance    types.Balance                `json:"balance"`
	Position   map[string][]*types.Position `json:"position"`
}

func snapshotAccount(a *types.Account) accountSnapshot {
	return accountSnapshot{
		BacktestID: a.BacktestID,
		Balance:    a.Balance,
		Position:   a.PositionsBySymbol(),
	}
}

type tickResponseDepth struct {
	Depth   types.Depth       `json:"depth"`
	Account accountSnapshot   `json:"account"`
	Orders  []*types.Order    `json:"orders"`
}

type tickResponseTrade struct {
	Trade   types.Trade     `json:"trade"`
	Account accountSnapshot `json:"account"`
	Orders  []*types.Order  `json:"orders"`
}
