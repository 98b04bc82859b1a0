package memstore

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/backtest/replay-engine/pkg/types"
)

func depth(ts int64, bidP, bidS, askP, askS string) types.Depth {
	return types.Depth{
		Exchange:    types.BinanceSpot,
		Symbol:      "BTC_USDT",
		Bids:        []types.Level{{Price: decimal.RequireFromString(bidP), Size: decimal.RequireFromString(bidS)}},
		Asks:        []types.Level{{Price: decimal.RequireFromString(askP), Size: decimal.RequireFromString(askS)}},
		LocalTSUnix: ts,
	}
}

func TestRangeDepthOrdersAndSlicesByTimestamp(t *testing.T) {
	t.Parallel()

	s := New()
	s.AddDepths(types.BinanceSpot, "BTC_USDT", []types.Depth{
		depth(30, "99", "1", "101", "1"),
		depth(10, "99", "1", "101", "1"),
		depth(20, "99", "1", "101", "1"),
	})

	rows, err := s.RangeDepth(context.Background(), types.BinanceSpot, "BTC_USDT", 10, 30, 10)
	if err != nil {
		t.Fatalf("RangeDepth() error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	if rows[0].LocalTSUnix != 10 || rows[1].LocalTSUnix != 20 {
		t.Errorf("rows out of order: %+v", rows)
	}
}

func TestRangeDepthRespectsLimit(t *testing.T) {
	t.Parallel()

	s := New()
	s.AddDepths(types.BinanceSpot, "BTC_USDT", []types.Depth{
		depth(10, "99", "1", "101", "1"),
		depth(20, "99", "1", "101", "1"),
		depth(30, "99", "1", "101", "1"),
	})

	rows, err := s.RangeDepth(context.Background(), types.BinanceSpot, "BTC_USDT", 0, 100, 2)
	if err != nil {
		t.Fatalf("RangeDepth() error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
}

func TestEarliestEmptyTable(t *testing.T) {
	t.Parallel()

	s := New()
	_, ok, err := s.Earliest(context.Background(), types.BinanceSpot, "BTC_USDT")
	if err != nil {
		t.Fatalf("Earliest() error: %v", err)
	}
	if ok {
		t.Error("Earliest() on empty table should return ok=false")
	}
}

func TestEarliestReturnsFirstRow(t *testing.T) {
	t.Parallel()

	s := New()
	s.AddDepths(types.BinanceSpot, "BTC_USDT", []types.Depth{
		depth(50, "99", "1", "101", "1"),
		depth(10, "99", "1", "101", "1"),
	})

	ts, ok, err := s.Earliest(context.Background(), types.BinanceSpot, "BTC_USDT")
	if err != nil {
		t.Fatalf("Earliest() error: %v", err)
	}
	if !ok || ts != 10 {
		t.Errorf("Earliest() = (%d, %v), want (10, true)", ts, ok)
	}
}
