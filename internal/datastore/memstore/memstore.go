// Package memstore is an in-process datastore.Source backed by sorted
// in-memory slices, loaded from CSV files on disk. It is grounded on the
// teacher's internal/store/store.go atomic-persistence idiom: that package
// reads/writes one JSON blob per position snapshot with a temp-file+rename
// swap; this package generalizes the "plain files on disk, loaded once at
// startup" posture to append-only market-data tables, read-only at replay
// time so no atomic-swap is needed on the read path.
package memstore

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/backtest/replay-engine/internal/datastore"
	"github.com/backtest/replay-engine/pkg/types"
)

type tableKey struct {
	exchange types.Exchange
	symbol   string
}

// Source is a read-only, sorted-by-local-timestamp in-memory market-data
// store. Construct it with New and populate it with LoadDepthCSV/
// LoadTradeCSV or AddDepths/AddTrades before serving queries; a zero value
// answers queries as empty but cannot be populated.
type Source struct {
	depths map[tableKey][]types.Depth
	trades map[tableKey][]types.Trade
}

// New returns an empty Source ready to be populated.
func New() *Source {
	return &Source{
		depths: make(map[tableKey][]types.Depth),
		trades: make(map[tableKey][]types.Trade),
	}
}

// AddDepths appends rows to the exchange/symbol table and re-sorts by local
// timestamp. Intended for test fixtures and small CSV loads, not hot paths.
func (s *Source) AddDepths(exchange types.Exchange, symbol string, rows []types.Depth) {
	key := tableKey{exchange, symbol}
	s.depths[key] = append(s.depths[key], rows...)
	sort.Slice(s.depths[key], func(i, j int) bool {
		return s.depths[key][i].LocalTSUnix < s.depths[key][j].LocalTSUnix
	})
}

// AddTrades appends rows to the exchange/symbol table and re-sorts by local
// timestamp.
func (s *Source) AddTrades(exchange types.Exchange, symbol string, rows []types.Trade) {
	key := tableKey{exchange, symbol}
	s.trades[key] = append(s.trades[key], rows...)
	sort.Slice(s.trades[key], func(i, j int) bool {
		return s.trades[key][i].LocalTSUnix < s.trades[key][j].LocalTSUnix
	})
}

var _ datastore.Source = (*Source)(nil)

func (s *Source) Earliest(_ context.Context, exchange types.Exchange, symbol string) (int64, bool, error) {
	rows, ok := s.depths[tableKey{exchange, symbol}]
	if !ok || len(rows) == 0 {
		return 0, false, nil
	}
	return rows[0].LocalTSUnix, true, nil
}

func (s *Source) RangeDepth(_ context.Context, exchange types.Exchange, symbol string, t0, t1 int64, limit int) ([]types.Depth, error) {
	rows := s.depths[tableKey{exchange, symbol}]
	lo := sort.Search(len(rows), func(i int) bool { return rows[i].LocalTSUnix >= t0 })
	hi := sort.Search(len(rows), func(i int) bool { return rows[i].LocalTSUnix >= t1 })
	if lo >= hi {
		return nil, nil
	}
	slice := rows[lo:hi]
	if limit > 0 && len(slice) > limit {
		slice = slice[:limit]
	}
	out := make([]types.Depth, len(slice))
	copy(out, slice)
	return out, nil
}

func (s *Source) RangeTrade(_ context.Context, exchange types.Exchange, symbol string, t0, t1 int64, limit int) ([]types.Trade, error) {
	rows := s.trades[tableKey{exchange, symbol}]
	lo := sort.Search(len(rows), func(i int) bool { return rows[i].LocalTSUnix >= t0 })
	hi := sort.Search(len(rows), func(i int) bool { return rows[i].LocalTSUnix >= t1 })
	if lo >= hi {
		return nil, nil
	}
	slice := rows[lo:hi]
	if limit > 0 && len(slice) > limit {
		slice = slice[:limit]
	}
	out := make([]types.Trade, len(slice))
	copy(out, slice)
	return out, nil
}

// LoadDepthCSV reads rows of the form
// exchange_ts,local_ts,bid_price,bid_size,ask_price,ask_size (one level each,
// a minimal top-of-book fixture format) and adds
// them to the exchange/symbol table.
func LoadDepthCSV(s *Source, path string, exchange types.Exchange, symbol string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("memstore: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	var rows []types.Depth
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("memstore: read %s: %w", path, err)
		}
		d, err := parseDepthRecord(rec, exchange, symbol)
		if err != nil {
			return fmt.Errorf("memstore: parse %s: %w", path, err)
		}
		rows = append(rows, d)
	}
	s.AddDepths(exchange, symbol, rows)
	return nil
}

func parseDepthRecord(rec []string, exchange types.Exchange, symbol string) (types.Depth, error) {
	if len(rec) < 6 {
		return types.Depth{}, fmt.Errorf("want 6 fields, got %d", len(rec))
	}
	exchTS, err := strconv.ParseInt(rec[0], 10, 64)
	if err != nil {
		return types.Depth{}, err
	}
	localTS, err := strconv.ParseInt(rec[1], 10, 64)
	if err != nil {
		return types.Depth{}, err
	}
	bidPrice, err := decimal.NewFromString(rec[2])
	if err != nil {
		return types.Depth{}, err
	}
	bidSize, err := decimal.NewFromString(rec[3])
	if err != nil {
		return types.Depth{}, err
	}
	askPrice, err := decimal.NewFromString(rec[4])
	if err != nil {
		return types.Depth{}, err
	}
	askSize, err := decimal.NewFromString(rec[5])
	if err != nil {
		return types.Depth{}, err
	}
	return types.Depth{
		Exchange:       exchange,
		Symbol:         symbol,
		Bids:           []types.Level{{Price: bidPrice, Size: bidSize}},
		Asks:           []types.Level{{Price: askPrice, Size: askSize}},
		ExchangeTSUnix: exchTS,
		LocalTSUnix:    localTS,
	}, nil
}

// LoadTradeCSV reads rows of the form
// exchange_ts,local_ts,side,price,size and adds them to the exchange/symbol
// table.
func LoadTradeCSV(s *Source, path string, exchange types.Exchange, symbol string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("memstore: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	var rows []types.Trade
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("memstore: read %s: %w", path, err)
		}
		t, err := parseTradeRecord(rec, exchange, symbol)
		if err != nil {
			return fmt.Errorf("memstore: parse %s: %w", path, err)
		}
		rows = append(rows, t)
	}
	s.AddTrades(exchange, symbol, rows)
	return nil
}

func parseTradeRecord(rec []string, exchange types.Exchange, symbol string) (types.Trade, error) {
	if len(rec) < 5 {
		return types.Trade{}, fmt.Errorf("want 5 fields, got %d", len(rec))
	}
	exchTS, err := strconv.ParseInt(rec[0], 10, 64)
	if err != nil {
		return types.Trade{}, err
	}
	localTS, err := strconv.ParseInt(rec[1], 10, 64)
	if err != nil {
		return types.Trade{}, err
	}
	var side types.Side
	switch rec[2] {
	case "buy":
		side = types.Buy
	case "sell":
		side = types.Sell
	default:
		return types.Trade{}, fmt.Errorf("unknown side %q", rec[2])
	}
	price, err := decimal.NewFromString(rec[3])
	if err != nil {
		return types.Trade{}, err
	}
	size, err := decimal.NewFromString(rec[4])
	if err != nil {
		return types.Trade{}, err
	}
	return types.Trade{
		Exchange:       exchange,
		Symbol:         symbol,
		AggressorSide:  side,
		Price:          price,
		Size:           size,
		ExchangeTSUnix: exchTS,
		LocalTSUnix:    localTS,
	}, nil
}
