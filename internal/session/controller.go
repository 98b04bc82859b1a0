// Package session implements the per-backtest session controller (spec
// §4.7/C8): it owns the account, the resting-order book, the depth/trade
// caches pulled from internal/feed, and the pre-computed "next tick"
// optimization, and serves the per-session request/reply protocol (§6)
// over a Unix domain socket (see DESIGN.md's transport-substitution note).
//
// Grounded on the teacher's internal/exchange Hub/engine orchestration
// shape generalized from "one engine instance per strategy run" to "one
// controller instance per backtest session"; the serial command-loop
// discipline follows the teacher's single-goroutine-per-market pattern in
// cmd/bot/main.go's run loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/backtest/replay-engine/internal/book"
	"github.com/backtest/replay-engine/internal/fillmodel"
	"github.com/backtest/replay-engine/internal/latency"
	"github.com/backtest/replay-engine/internal/ledger"
	"github.com/backtest/replay-engine/internal/matching"
	"github.com/backtest/replay-engine/internal/metrics"
	"github.com/backtest/replay-engine/pkg/types"
)

// State is the session lifecycle (spec §4.7). Finished and Closed are both
// terminal for command handling (every non-CLOSE command gets
// ErrNotRunning), but only Closed tears down the serving socket: reaching
// end-of-tape must leave the connection open so a client's subsequent
// TICKs can actually observe ErrNotRunning (spec §7, scenario 6), while an
// explicit CLOSE tears the session down immediately.
type State int

const (
	Running State = iota
	Finished
	Closed
)

// ErrNoMoreData is the fixed sentinel message of spec §7's "End of tape".
const ErrNoMoreData = "No more data, backtest finished"

// ErrNotRunning is returned to any command received after Finished or Closed.
const ErrNotRunning = "Backtest is not running"

// Controller is one backtest session: one account, one order book, one
// feed, one cached "next tick" response.
type Controller struct {
	BacktestID string

	feed       Feed
	book       *book.OrderBook
	ledger     *ledger.Ledger
	fillModel  fillmodel.Model
	latency    latency.Model
	tradesOn   bool

	currentDepth types.Depth
	nowTS        int64
	state        State

	primed         bool
	cachedReply    string
	terminalCached bool

	log *slog.Logger
}

// Feed is the subset of internal/feed.Feed the controller depends on
// (aliased so tests can substitute a fake without importing the datastore
// plumbing feed.New requires).
type Feed interface {
	PeekDepth() (types.Depth, bool)
	PopDepth() (types.Depth, bool)
	PeekTrade() (types.Trade, bool)
	PopTrade() (types.Trade, bool)
	DepthCacheEmpty() bool
	TradeCacheEmpty() bool
	Exhausted() bool
	FetchDepthPage(ctx context.Context) error
	FetchTradePage(ctx context.Context) error
}

// Config bundles a new controller's dependencies.
type Config struct {
	BacktestID  string
	Feed        Feed
	FillModel   fillmodel.Model
	Latency     latency.Model
	TradesOn    bool
	Balance     types.Balance
	Fee         ledger.FeeRate
	Logger      *slog.Logger
}

// New constructs a Controller. Call Launch to prime the caches and compute
// the first cached reply before serving commands.
func New(cfg Config) *Controller {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		BacktestID: cfg.BacktestID,
		feed:       cfg.Feed,
		book:       book.New(),
		ledger:     ledger.New(cfg.BacktestID, cfg.Balance, cfg.Fee),
		fillModel:  cfg.FillModel,
		latency:    cfg.Latency,
		tradesOn:   cfg.TradesOn,
		state:      Running,
		log:        log,
	}
}

// Launch primes the depth/trade caches (spec §4.7 step 1); the session is
// already Running from New. It does not itself run the first advance step: doing
// so before any POST_ORDER/CANCEL_ORDER has been received would bake
// "empty book" into the very first tick packet, which the client hasn't
// had a chance to affect yet. Instead the first TICK call runs its advance
// step synchronously (see handleTick) and only starts computing *ahead*
// of the client from the second TICK onward.
func (c *Controller) Launch(ctx context.Context) error {
	if err := c.feed.FetchDepthPage(ctx); err != nil {
		return err
	}
	if c.tradesOn {
		if err := c.feed.FetchTradePage(ctx); err != nil {
			return err
		}
	}
	return nil
}

// HandleFrame serves one request/reply exchange (spec §6).
func (c *Controller) HandleFrame(ctx context.Context, frame string) string {
	cmd := parseCommand(frame)

	if c.state != Running && cmd.kind != cmdClose {
		return errResp(ErrNotRunning).encode()
	}

	switch cmd.kind {
	case cmdTick:
		metrics.IncTick(c.BacktestID)
		return c.handleTick(ctx)
	case cmdPostOrder:
		return c.handlePostOrder(cmd.payload)
	case cmdCancelOrder:
		return c.handleCancelOrder(cmd.payload)
	case cmdClosePosition:
		// Open-question decision (DESIGN.md): reproduced verbatim as a
		// CANCEL_ORDER on the symbol string, not the semantically correct
		// synthesize-a-market-close operation. Deprecated.
		return c.handleCancelOrder(cmd.payload)
	case cmdClose:
		c.state = Closed
		return ok("Server closed.").encode()
	default:
		return errResp("unrecognized command").encode()
	}
}

// handleTick returns the reply computed one step ahead on the previous
// call (the pre-compute optimization, spec §4.7), then advances one more
// step for the call after this one. If the cached reply is itself the
// terminal "no more data" sentinel, the session is marked Finished only
// now — after that sentinel has actually been handed to the caller — so
// it is never swallowed by the entry guard in HandleFrame.
//
// The very first TICK a session ever receives has nothing pre-computed
// yet (see Launch); it runs its advance step synchronously so it reflects
// every POST_ORDER/CANCEL_ORDER received since launch, then kicks off the
// pre-compute-ahead step for the call after it.
func (c *Controller) handleTick(ctx context.Context) string {
	if !c.primed {
		c.primed = true
		reply, terminal, err := c.computeNextReply(ctx)
		if err != nil && reply == "" {
			c.log.Warn("session advance failed", "backtest_id", c.BacktestID, "error", err)
			return errResp(err.Error()).encode()
		}
		if terminal {
			c.state = Finished
			return reply
		}
		next, nextTerminal, err := c.computeNextReply(ctx)
		if next == "" {
			// Nothing usable to cache yet (e.g. data gap, not exhausted):
			// fall back to the synchronous path on the next TICK instead
			// of caching and later serving an empty reply.
			c.log.Warn("session advance failed", "backtest_id", c.BacktestID, "error", err)
			c.primed = false
		} else {
			c.cachedReply = next
			c.terminalCached = nextTerminal
		}
		return reply
	}

	reply := c.cachedReply
	if c.terminalCached {
		c.state = Finished
		return reply
	}

	next, terminal, err := c.computeNextReply(ctx)
	if next == "" {
		// Surfaced on the *following* TICK per the pre-compute contract:
		// this tick still returns the previously cached reply. Don't
		// overwrite it with an empty string; fall back to the
		// synchronous path next time instead.
		c.log.Warn("session advance failed", "backtest_id", c.BacktestID, "error", err)
		c.primed = false
	} else {
		c.cachedReply = next
		c.terminalCached = terminal
	}
	return reply
}

// computeNextReply advances one step and serializes the resulting tick
// response, or the terminal/no-data sentinel. The bool return reports
// whether the reply is the terminal sentinel.
func (c *Controller) computeNextReply(ctx context.Context) (string, bool, error) {
	if c.feed.DepthCacheEmpty() {
		if err := c.feed.FetchDepthPage(ctx); err != nil {
			return errResp(err.Error()).encode(), false, err
		}
	}
	if c.tradesOn && c.feed.TradeCacheEmpty() {
		if err := c.feed.FetchTradePage(ctx); err != nil {
			return errResp(err.Error()).encode(), false, err
		}
	}

	depthPeek, hasDepth := c.feed.PeekDepth()
	tradePeek, hasTrade := c.feed.PeekTrade()

	if !hasDepth && !hasTrade {
		if c.feed.Exhausted() {
			return errResp(ErrNoMoreData).encode(), true, nil
		}
		return "", false, errors.New("no data available yet")
	}

	useTrade := hasTrade && (!hasDepth || tradePeek.LocalTSUnix < depthPeek.LocalTSUnix)

	if useTrade {
		trade, _ := c.feed.PopTrade()
		c.nowTS = trade.LocalTSUnix
		matchDepth := c.currentDepth
		matchDepth.LocalTSUnix = trade.LocalTSUnix
		fills := matching.Match(c.book, matchDepth, c.fillModel)
		c.applyFills(fills)

		payload := tickResponseTrade{Trade: trade, Account: snapshotAccount(c.ledger.Account), Orders: c.book.Snapshot()}
		b, _ := marshalPayload(payload)
		return ok(b).encode(), false, nil
	}

	d, _ := c.feed.PopDepth()
	quantizeDepth(&d)
	c.nowTS = d.LocalTSUnix

	for _, synth := range c.ledger.CloseOrderCheck(d) {
		c.freezeAndInsert(synth)
	}

	c.currentDepth = d
	fills := matching.Match(c.book, d, c.fillModel)
	c.applyFills(fills)

	payload := tickResponseDepth{Depth: d, Account: snapshotAccount(c.ledger.Account), Orders: c.book.Snapshot()}
	b, _ := marshalPayload(payload)
	return ok(b).encode(), false, nil
}

func (c *Controller) applyFills(fills []types.Fill) {
	for _, fill := range fills {
		source, _ := c.book.Get(fill.CID)
		if source != nil {
			metrics.IncFill(source.Contract.String(), source.Side.String())
		}
		if tp := c.ledger.ApplyFill(fill, source); tp != nil {
			c.freezeAndInsert(tp)
		}
	}
	if violations := c.ledger.CheckInvariants(); violations > 0 {
		c.log.Error("ledger invariant violation", "backtest_id", c.BacktestID, "count", violations)
		metrics.AddLedgerInvariantViolations(violations)
	}
}

func (c *Controller) freezeAndInsert(o *types.Order) {
	if err := c.ledger.Freeze(o); err != nil {
		c.log.Error("failed to freeze synthetic order", "backtest_id", c.BacktestID, "cid", o.CID, "error", err)
		return
	}
	c.book.Insert(o)
}

func (c *Controller) handlePostOrder(payload string) string {
	req, err := unmarshalOrder(payload)
	if err != nil {
		return errResp(fmt.Sprintf("malformed order: %v", err)).encode()
	}
	order := req.toOrder()

	if err := ledger.ValidateOrder(order); err != nil {
		metrics.IncOrderRejected("validation")
		return errResp(err.Error()).encode()
	}

	if order.Side == types.Sell {
		if msg, compensated := c.attemptSellCompensation(order); compensated {
			order.TimestampUnix = latency.Apply(c.latency, c.nowTS)
			if err := c.ledger.Freeze(order); err != nil {
				return errResp(err.Error()).encode()
			}
			c.book.Insert(order)
			return ok(msg).encode()
		}
	}

	order.TimestampUnix = latency.Apply(c.latency, c.nowTS)
	if err := c.ledger.Freeze(order); err != nil {
		metrics.IncOrderRejected("insufficient_funds")
		return errResp(err.Error()).encode()
	}
	c.book.Insert(order)
	return ok(order.CID).encode()
}

// attemptSellCompensation implements spec §7's "insufficient sell amount
// with outstanding sells" special case: cancel the highest-priced
// outstanding sells until the requested amount is representable, canceling
// only the partial amount actually needed from the order that closes the
// deficit and re-posting its leftover as a fresh resting sell (not the
// whole order). Returns (message, true) only when compensation was
// actually attempted.
func (c *Controller) attemptSellCompensation(order *types.Order) (string, bool) {
	key := types.PositionKey{Symbol: order.Symbol, PositionSide: order.PositionSide, Exchange: order.Exchange}
	if order.Contract == types.Spot {
		key.PositionSide = types.NoPositionSide
	}
	pos, ok := c.ledger.Account.Positions[key]
	if !ok || pos.AmountAvailable.GreaterThanOrEqual(order.Size) {
		return "", false
	}

	deficit := order.Size.Sub(pos.AmountAvailable)
	var canceled []string
	var reposted string
	for _, resting := range c.book.HighestPricedSells(order.Symbol) {
		if deficit.LessThanOrEqual(decimal.Zero) {
			break
		}
		remaining := resting.Remaining()
		c.book.Remove(resting.CID)
		matching.MarkTerminal(resting, types.Canceled, c.nowTS)
		c.ledger.Unfreeze(resting)
		canceled = append(canceled, resting.CID)

		if remaining.LessThanOrEqual(deficit) {
			deficit = deficit.Sub(remaining)
			continue
		}

		// This order covers more than the remaining deficit: only the
		// needed slice is actually canceled; the rest re-enters the book
		// as a fresh resting sell at the back of the queue.
		leftover := remaining.Sub(deficit)
		deficit = decimal.Zero
		repost := &types.Order{
			CID:           resting.CID,
			Contract:      resting.Contract,
			Exchange:      resting.Exchange,
			Symbol:        resting.Symbol,
			Side:          resting.Side,
			PositionSide:  resting.PositionSide,
			Leverage:      resting.Leverage,
			MarginMode:    resting.MarginMode,
			Price:         resting.Price,
			Size:          leftover,
			FrontAmount:   types.UninitializedFrontAmount,
			State:         types.Open,
			TimestampUnix: latency.Apply(c.latency, c.nowTS),
			Synthetic:     resting.Synthetic,
		}
		if err := c.ledger.Freeze(repost); err != nil {
			c.log.Error("failed to re-freeze leftover after sell compensation",
				"backtest_id", c.BacktestID, "cid", repost.CID, "error", err)
			break
		}
		c.book.Insert(repost)
		reposted = repost.CID
		break
	}

	if deficit.GreaterThan(decimal.Zero) {
		return "", false
	}
	msg := fmt.Sprintf("insufficient sell amount; canceled outstanding sells %v to compensate", canceled)
	if reposted != "" {
		msg += fmt.Sprintf("; re-posted leftover as %s", reposted)
	}
	return msg, true
}

func (c *Controller) handleCancelOrder(cid string) string {
	o, found := c.book.Get(cid)
	if !found {
		return errResp("Order not found.").encode()
	}
	if o.State.IsTerminal() {
		return errResp("Order already filled or Canceled.").encode()
	}

	matching.MarkTerminal(o, types.Canceled, c.nowTS)
	c.ledger.Unfreeze(o)
	return ok("Canceled").encode()
}

// quantizeDepth rounds level sizes to 6 decimals in place (spec §4.7 step
// 3's "quantize level sizes to 6 decimals").
func quantizeDepth(d *types.Depth) {
	for i := range d.Bids {
		d.Bids[i].Size = d.Bids[i].Size.Round(6)
	}
	for i := range d.Asks {
		d.Asks[i].Size = d.Asks[i].Size.Round(6)
	}
}
