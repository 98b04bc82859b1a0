// Package httpstore is a datastore.Source backed by a remote historical
// market-data HTTP API, for deployments where the columnar store lives
// behind a service boundary rather than on local disk. It is grounded on
// the teacher's internal/exchange/client.go: the same resty construction
// (base URL, timeout, retry count/wait window) guards outbound calls here,
// generalized from order placement to range queries. Calls are not
// rate-limited.
package httpstore

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/backtest/replay-engine/internal/datastore"
	"github.com/backtest/replay-engine/pkg/types"
)

// Config mirrors the teacher's exchange.Client construction knobs.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RetryCount int
	RetryWait  time.Duration
}

// Source queries a remote historical-data service over HTTP.
type Source struct {
	client *resty.Client
}

var _ datastore.Source = (*Source)(nil)

// New builds a Source with retry/backoff configured the same way the
// teacher's exchange client configures resty.
func New(cfg Config) *Source {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retryCount := cfg.RetryCount
	if retryCount <= 0 {
		retryCount = 3
	}
	retryWait := cfg.RetryWait
	if retryWait <= 0 {
		retryWait = 500 * time.Millisecond
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(retryCount).
		SetRetryWaitTime(retryWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})

	return &Source{client: client}
}

type earliestResponse struct {
	TimestampUnix int64 `json:"timestamp"`
	Found         bool  `json:"found"`
}

func (s *Source) Earliest(ctx context.Context, exchange types.Exchange, symbol string) (int64, bool, error) {
	var out earliestResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"exchange": exchange.TableName(), "symbol": symbol}).
		SetResult(&out).
		Get("/v1/earliest")
	if err != nil {
		return 0, false, &datastore.DataSourceError{Exchange: exchange.String(), Symbol: symbol, Err: err}
	}
	if resp.IsError() {
		return 0, false, &datastore.DataSourceError{
			Exchange: exchange.String(), Symbol: symbol,
			Err: fmt.Errorf("earliest: http %d: %s", resp.StatusCode(), resp.String()),
		}
	}
	return out.TimestampUnix, out.Found, nil
}

type depthRangeResponse struct {
	Rows []types.Depth `json:"rows"`
}

func (s *Source) RangeDepth(ctx context.Context, exchange types.Exchange, symbol string, t0, t1 int64, limit int) ([]types.Depth, error) {
	var out depthRangeResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(rangeParams(exchange, symbol, t0, t1, limit)).
		SetResult(&out).
		Get("/v1/depth/range")
	if err != nil {
		return nil, &datastore.DataSourceError{Exchange: exchange.String(), Symbol: symbol, Err: err}
	}
	if resp.IsError() {
		return nil, &datastore.DataSourceError{
			Exchange: exchange.String(), Symbol: symbol,
			Err: fmt.Errorf("range depth: http %d: %s", resp.StatusCode(), resp.String()),
		}
	}
	return out.Rows, nil
}

type tradeRangeResponse struct {
	Rows []types.Trade `json:"rows"`
}

func (s *Source) RangeTrade(ctx context.Context, exchange types.Exchange, symbol string, t0, t1 int64, limit int) ([]types.Trade, error) {
	var out tradeRangeResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(rangeParams(exchange, symbol, t0, t1, limit)).
		SetResult(&out).
		Get("/v1/trade/range")
	if err != nil {
		return nil, &datastore.DataSourceError{Exchange: exchange.String(), Symbol: symbol, Err: err}
	}
	if resp.IsError() {
		return nil, &datastore.DataSourceError{
			Exchange: exchange.String(), Symbol: symbol,
			Err: fmt.Errorf("range trade: http %d: %s", resp.StatusCode(), resp.String()),
		}
	}
	return out.Rows, nil
}

func rangeParams(exchange types.Exchange, symbol string, t0, t1 int64, limit int) map[string]string {
	return map[string]string{
		"exchange": exchange.TableName(),
		"symbol":   symbol,
		"t0":       fmt.Sprintf("%d", t0),
		"t1":       fmt.Sprintf("%d", t1),
		"limit":    fmt.Sprintf("%d", limit),
	}
}
