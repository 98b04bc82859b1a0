package feed

import (
	"context"
	"testing"

	"github.com/backtest/replay-engine/internal/datastore/memstore"
	"github.com/backtest/replay-engine/pkg/types"
)

func buildDepths(n int, startTS int64) []types.Depth {
	out := make([]types.Depth, n)
	for i := 0; i < n; i++ {
		out[i] = types.Depth{
			Exchange:    types.BinanceSpot,
			Symbol:      "BTC_USDT",
			LocalTSUnix: startTS + int64(i),
		}
	}
	return out
}

func TestNewRaisesStartTimeToLatestEarliest(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	store.AddDepths(types.BinanceSpot, "BTC_USDT", buildDepths(5, 100))

	f, err := New(context.Background(), store, []types.Exchange{types.BinanceSpot}, "BTC_USDT", 0, 1000, 10)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if f.lastDepthTS != 100 {
		t.Errorf("lastDepthTS = %d, want 100 (raised to earliest row)", f.lastDepthTS)
	}
}

func TestFetchDepthPageGrowsRatioOnShortPage(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	store.AddDepths(types.BinanceSpot, "BTC_USDT", buildDepths(3, 0))

	f, err := New(context.Background(), store, []types.Exchange{types.BinanceSpot}, "BTC_USDT", 0, 10000, 10)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if err := f.FetchDepthPage(context.Background()); err != nil {
		t.Fatalf("FetchDepthPage() error: %v", err)
	}
	if len(f.depthCache) != 3 {
		t.Fatalf("depthCache len = %d, want 3", len(f.depthCache))
	}
	if f.ratioDepth <= initialRatio {
		t.Errorf("ratioDepth = %f, want growth above initial %f", f.ratioDepth, initialRatio)
	}
}

func TestFetchDepthPagePopOrdering(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	store.AddDepths(types.BinanceSpot, "BTC_USDT", buildDepths(5, 0))

	f, err := New(context.Background(), store, []types.Exchange{types.BinanceSpot}, "BTC_USDT", 0, 10000, 10)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := f.FetchDepthPage(context.Background()); err != nil {
		t.Fatalf("FetchDepthPage() error: %v", err)
	}

	var last int64 = -1
	for {
		d, ok := f.PopDepth()
		if !ok {
			break
		}
		if d.LocalTSUnix < last {
			t.Fatalf("out-of-order pop: %d after %d", d.LocalTSUnix, last)
		}
		last = d.LocalTSUnix
	}
}

func TestExhaustedWhenEmptyPageReachesEndTime(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	f, err := New(context.Background(), store, []types.Exchange{types.BinanceSpot}, "BTC_USDT", 0, 100, 10)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if err := f.FetchDepthPage(context.Background()); err != nil {
		t.Fatalf("FetchDepthPage() error: %v", err)
	}
	if err := f.FetchTradePage(context.Background()); err != nil {
		t.Fatalf("FetchTradePage() error: %v", err)
	}

	if !f.Exhausted() {
		t.Error("Exhausted() = false, want true after empty pages reach endTime")
	}
}

func TestGrowthFactorCapsAtTwenty(t *testing.T) {
	t.Parallel()

	if got := growthFactor(1000, 1); got != maxRatioGrowth {
		t.Errorf("growthFactor(1000,1) = %f, want cap %f", got, maxRatioGrowth)
	}
	if got := growthFactor(10, 0); got != maxRatioGrowth {
		t.Errorf("growthFactor(10,0) = %f, want cap %f", got, maxRatioGrowth)
	}
	if got := growthFactor(10, 5); got != 2 {
		t.Errorf("growthFactor(10,5) = %f, want 2", got)
	}
}
