package dispatcher

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/backtest/replay-engine/internal/ledger"
)

func TestFeeRateConfigToLedgerFeeRate(t *testing.T) {
	t.Parallel()

	f := FeeRateConfig{MakerFee: decimal.NewFromFloat(0.001), TakerFee: decimal.NewFromFloat(0.002)}
	got := f.toLedgerFeeRate()
	want := ledger.FeeRate{MakerFee: decimal.NewFromFloat(0.001), TakerFee: decimal.NewFromFloat(0.002)}
	if !got.MakerFee.Equal(want.MakerFee) || !got.TakerFee.Equal(want.TakerFee) {
		t.Errorf("toLedgerFeeRate() = %+v, want %+v", got, want)
	}
}

func TestBtConfigSourceDiscriminatesShape(t *testing.T) {
	t.Parallel()

	raw := `{"exchanges":["BinanceSpot"],"symbol":"BTC_USDT","start_time":1,"end_time":2,
		"source":{"file_path":"/data/fixtures"},"balance":{"total":"1000","available":"1000"},
		"fee_rate":{"maker_fee":"0.001","taker_fee":"0.002"}}`

	var cfg BtConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if cfg.Source.FilePath != "/data/fixtures" {
		t.Errorf("Source.FilePath = %q, want /data/fixtures", cfg.Source.FilePath)
	}
	if cfg.Source.Database != "" {
		t.Errorf("Source.Database = %q, want empty", cfg.Source.Database)
	}
	if cfg.Symbol != "BTC_USDT" {
		t.Errorf("Symbol = %q, want BTC_USDT", cfg.Symbol)
	}
}
