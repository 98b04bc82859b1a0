package httpstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/backtest/replay-engine/pkg/types"
)

func TestEarliestParsesResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") != "BTC_USDT" {
			t.Errorf("symbol query param = %q, want BTC_USDT", r.URL.Query().Get("symbol"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"timestamp":12345,"found":true}`))
	}))
	defer srv.Close()

	s := New(Config{BaseURL: srv.URL})
	ts, ok, err := s.Earliest(context.Background(), types.BinanceSpot, "BTC_USDT")
	if err != nil {
		t.Fatalf("Earliest() error: %v", err)
	}
	if !ok || ts != 12345 {
		t.Errorf("Earliest() = (%d, %v), want (12345, true)", ts, ok)
	}
}

func TestRangeDepthSurfacesServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := New(Config{BaseURL: srv.URL, RetryCount: 0})
	_, err := s.RangeDepth(context.Background(), types.BinanceSpot, "BTC_USDT", 0, 100, 10)
	if err == nil {
		t.Fatal("expected DataSourceError for http 500, got nil")
	}
}
