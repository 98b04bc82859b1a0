// Package datastore defines the historical market-data query contract the
// paged event source (internal/feed) is written against (spec §4.9/§6).
package datastore

import (
	"context"

	"github.com/backtest/replay-engine/pkg/types"
)

// Source exposes the two queries the event source needs: the earliest
// timestamp available for an exchange/symbol, and ordered range scans over
// Depth and Trade tables.
type Source interface {
	// Earliest returns the local timestamp of the first row for the given
	// exchange/symbol, or ok=false if the table has no rows.
	Earliest(ctx context.Context, exchange types.Exchange, symbol string) (int64, bool, error)

	// RangeDepth returns up to limit Depth rows with t0 <= local_ts < t1,
	// ordered ascending by local timestamp.
	RangeDepth(ctx context.Context, exchange types.Exchange, symbol string, t0, t1 int64, limit int) ([]types.Depth, error)

	// RangeTrade returns up to limit Trade rows with t0 <= local_ts < t1,
	// ordered ascending by local timestamp.
	RangeTrade(ctx context.Context, exchange types.Exchange, symbol string, t0, t1 int64, limit int) ([]types.Trade, error)
}
