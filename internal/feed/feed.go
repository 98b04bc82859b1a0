// Package feed implements the paged event source (spec §4.3): two
// monotonically time-ordered streams, Depth and Trade, merged across
// configured exchanges and paged out of a datastore.Source using a
// slow-start adaptive window so a sparse tape doesn't cost one round trip
// per row.
package feed

import (
	"context"
	"fmt"
	"sort"

	"github.com/backtest/replay-engine/internal/datastore"
	"github.com/backtest/replay-engine/pkg/types"
)

const (
	initialRatio  = 100.0
	maxRatioGrowth = 20.0
)

// Feed merges Depth/Trade rows across a fixed set of exchanges for one
// symbol, covering [startTime, endTime).
type Feed struct {
	source    datastore.Source
	exchanges []types.Exchange
	symbol    string
	endTime   int64
	limit     int

	lastDepthTS int64
	lastTradeTS int64
	ratioDepth  float64
	ratioTrade  float64

	depthCache []types.Depth
	tradeCache []types.Trade

	depthExhausted bool
	tradeExhausted bool
}

// New builds a Feed, probing each exchange's earliest row and raising
// startTime to the latest of those (spec §4.3 "Initialization").
func New(ctx context.Context, source datastore.Source, exchanges []types.Exchange, symbol string, startTime, endTime int64, limit int) (*Feed, error) {
	if limit <= 0 {
		limit = 1000
	}

	origin := startTime
	for _, ex := range exchanges {
		earliest, ok, err := source.Earliest(ctx, ex, symbol)
		if err != nil {
			return nil, &datastore.DataSourceError{Exchange: ex.String(), Symbol: symbol, Err: err}
		}
		if ok && earliest > origin {
			origin = earliest
		}
	}

	return &Feed{
		source:      source,
		exchanges:   exchanges,
		symbol:      symbol,
		endTime:     endTime,
		limit:       limit,
		lastDepthTS: origin,
		lastTradeTS: origin,
		ratioDepth:  initialRatio,
		ratioTrade:  initialRatio,
	}, nil
}

// PeekDepth returns the head of the depth cache without removing it.
func (f *Feed) PeekDepth() (types.Depth, bool) {
	if len(f.depthCache) == 0 {
		return types.Depth{}, false
	}
	return f.depthCache[0], true
}

// PopDepth removes and returns the head of the depth cache.
func (f *Feed) PopDepth() (types.Depth, bool) {
	if len(f.depthCache) == 0 {
		return types.Depth{}, false
	}
	d := f.depthCache[0]
	f.depthCache = f.depthCache[1:]
	return d, true
}

// PeekTrade returns the head of the trade cache without removing it.
func (f *Feed) PeekTrade() (types.Trade, bool) {
	if len(f.tradeCache) == 0 {
		return types.Trade{}, false
	}
	return f.tradeCache[0], true
}

// PopTrade removes and returns the head of the trade cache.
func (f *Feed) PopTrade() (types.Trade, bool) {
	if len(f.tradeCache) == 0 {
		return types.Trade{}, false
	}
	t := f.tradeCache[0]
	f.tradeCache = f.tradeCache[1:]
	return t, true
}

// DepthCacheEmpty reports whether the depth cache needs refilling.
func (f *Feed) DepthCacheEmpty() bool { return len(f.depthCache) == 0 }

// TradeCacheEmpty reports whether the trade cache needs refilling.
func (f *Feed) TradeCacheEmpty() bool { return len(f.tradeCache) == 0 }

// Exhausted reports whether both caches are empty and no further depth or
// trade page can produce rows (spec §4.3/§4.7 "No more data").
func (f *Feed) Exhausted() bool {
	return len(f.depthCache) == 0 && len(f.tradeCache) == 0 && f.depthExhausted && f.tradeExhausted
}

// FetchDepthPage requests the next page of the slow-start window and
// appends it to the depth cache.
func (f *Feed) FetchDepthPage(ctx context.Context) error {
	if f.lastDepthTS >= f.endTime {
		f.depthExhausted = true
		return nil
	}

	windowEnd := windowEnd(f.lastDepthTS, f.limit, f.ratioDepth, f.endTime)

	type stamped struct {
		row    types.Depth
		exIdx  int
	}
	var merged []stamped
	for i, ex := range f.exchanges {
		rows, err := f.source.RangeDepth(ctx, ex, f.symbol, f.lastDepthTS, windowEnd, f.limit)
		if err != nil {
			return &datastore.DataSourceError{Exchange: ex.String(), Symbol: f.symbol, Err: err}
		}
		for _, r := range rows {
			merged = append(merged, stamped{r, i})
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].row.LocalTSUnix != merged[j].row.LocalTSUnix {
			return merged[i].row.LocalTSUnix < merged[j].row.LocalTSUnix
		}
		return merged[i].exIdx < merged[j].exIdx
	})

	if len(merged) > f.limit {
		merged = merged[:f.limit]
	}

	page := make([]types.Depth, len(merged))
	var maxTS int64
	for i, m := range merged {
		page[i] = m.row
		if m.row.LocalTSUnix > maxTS {
			maxTS = m.row.LocalTSUnix
		}
	}

	f.depthCache = append(f.depthCache, page...)

	if len(page) < f.limit {
		f.ratioDepth *= growthFactor(f.limit, len(page))
		f.lastDepthTS = windowEnd + 1
		if windowEnd >= f.endTime && len(page) == 0 {
			f.depthExhausted = true
		}
	} else {
		f.lastDepthTS = maxTS + 1
	}
	return nil
}

// FetchTradePage requests the next page of the slow-start window and
// appends it to the trade cache.
func (f *Feed) FetchTradePage(ctx context.Context) error {
	if f.lastTradeTS >= f.endTime {
		f.tradeExhausted = true
		return nil
	}

	windowEnd := windowEnd(f.lastTradeTS, f.limit, f.ratioTrade, f.endTime)

	type stamped struct {
		row   types.Trade
		exIdx int
	}
	var merged []stamped
	for i, ex := range f.exchanges {
		rows, err := f.source.RangeTrade(ctx, ex, f.symbol, f.lastTradeTS, windowEnd, f.limit)
		if err != nil {
			return &datastore.DataSourceError{Exchange: ex.String(), Symbol: f.symbol, Err: err}
		}
		for _, r := range rows {
			merged = append(merged, stamped{r, i})
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].row.LocalTSUnix != merged[j].row.LocalTSUnix {
			return merged[i].row.LocalTSUnix < merged[j].row.LocalTSUnix
		}
		return merged[i].exIdx < merged[j].exIdx
	})

	if len(merged) > f.limit {
		merged = merged[:f.limit]
	}

	page := make([]types.Trade, len(merged))
	var maxTS int64
	for i, m := range merged {
		page[i] = m.row
		if m.row.LocalTSUnix > maxTS {
			maxTS = m.row.LocalTSUnix
		}
	}

	f.tradeCache = append(f.tradeCache, page...)

	if len(page) < f.limit {
		f.ratioTrade *= growthFactor(f.limit, len(page))
		f.lastTradeTS = windowEnd + 1
		if windowEnd >= f.endTime && len(page) == 0 {
			f.tradeExhausted = true
		}
	} else {
		f.lastTradeTS = maxTS + 1
	}
	return nil
}

func windowEnd(lastTS int64, limit int, ratio float64, endTime int64) int64 {
	span := int64(float64(limit) * ratio)
	we := lastTS + span
	if we > endTime {
		we = endTime
	}
	return we
}

// growthFactor is the ratio multiplier for a short page: min(limit/len, 20),
// with len==0 treated as the cap (spec §4.3).
func growthFactor(limit, n int) float64 {
	if n == 0 {
		return maxRatioGrowth
	}
	f := float64(limit) / float64(n)
	if f > maxRatioGrowth {
		return maxRatioGrowth
	}
	return f
}

// Describe returns a short human-readable summary, used in log lines.
func (f *Feed) Describe() string {
	return fmt.Sprintf("feed(symbol=%s exchanges=%d depth_cache=%d trade_cache=%d)",
		f.symbol, len(f.exchanges), len(f.depthCache), len(f.tradeCache))
}
