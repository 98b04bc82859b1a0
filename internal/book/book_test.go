package book

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/backtest/replay-engine/pkg/types"
)

func TestInsertPreservesOrder(t *testing.T) {
	t.Parallel()

	b := New()
	b.Insert(&types.Order{CID: "a"})
	b.Insert(&types.Order{CID: "b"})
	b.Insert(&types.Order{CID: "c"})

	snap := b.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("len = %d, want 3", len(snap))
	}
	for i, want := range []string{"a", "b", "c"} {
		if snap[i].CID != want {
			t.Errorf("snap[%d].CID = %s, want %s", i, snap[i].CID, want)
		}
	}
}

func TestRemovePreservesSurvivorOrder(t *testing.T) {
	t.Parallel()

	b := New()
	b.Insert(&types.Order{CID: "a"})
	b.Insert(&types.Order{CID: "b"})
	b.Insert(&types.Order{CID: "c"})

	removed, ok := b.Remove("b")
	if !ok || removed.CID != "b" {
		t.Fatalf("Remove(b) = %v, %v", removed, ok)
	}

	snap := b.Snapshot()
	if len(snap) != 2 || snap[0].CID != "a" || snap[1].CID != "c" {
		t.Fatalf("unexpected survivors: %+v", snap)
	}
}

func TestRemoveMissingReturnsFalse(t *testing.T) {
	t.Parallel()

	b := New()
	b.Insert(&types.Order{CID: "a"})

	if _, ok := b.Remove("nonexistent"); ok {
		t.Error("Remove of missing cid should return false")
	}
}

func TestRetainFilterDropsRejected(t *testing.T) {
	t.Parallel()

	b := New()
	b.Insert(&types.Order{CID: "keep"})
	b.Insert(&types.Order{CID: "drop"})

	b.RetainFilter(func(o *types.Order) bool {
		return o.CID == "keep"
	})

	snap := b.Snapshot()
	if len(snap) != 1 || snap[0].CID != "keep" {
		t.Fatalf("unexpected survivors after RetainFilter: %+v", snap)
	}
}

func TestHighestPricedSellsSortsDescending(t *testing.T) {
	t.Parallel()

	b := New()
	b.Insert(&types.Order{CID: "s1", Symbol: "BTC_USDT", Side: types.Sell, Price: decimal.NewFromInt(100)})
	b.Insert(&types.Order{CID: "s2", Symbol: "BTC_USDT", Side: types.Sell, Price: decimal.NewFromInt(120)})
	b.Insert(&types.Order{CID: "s3", Symbol: "BTC_USDT", Side: types.Sell, Price: decimal.NewFromInt(110)})
	b.Insert(&types.Order{CID: "b1", Symbol: "BTC_USDT", Side: types.Buy, Price: decimal.NewFromInt(200)})

	sells := b.HighestPricedSells("BTC_USDT")
	if len(sells) != 3 {
		t.Fatalf("len(sells) = %d, want 3", len(sells))
	}
	want := []string{"s2", "s3", "s1"}
	for i, cid := range want {
		if sells[i].CID != cid {
			t.Errorf("sells[%d].CID = %s, want %s", i, sells[i].CID, cid)
		}
	}
}
