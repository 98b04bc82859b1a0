package dispatcher

import (
	"github.com/shopspring/decimal"

	"github.com/backtest/replay-engine/internal/ledger"
	"github.com/backtest/replay-engine/pkg/types"
)

// Source discriminates the two BtConfig.source shapes: a named database
// table set (Database) or a directory of fixture files (FilePath).
type Source struct {
	Database string `json:"database,omitempty"`
	FilePath string `json:"file_path,omitempty"`
}

// BtConfig is the LAUNCH_BACKTEST request payload (spec §6).
type BtConfig struct {
	Exchanges []types.Exchange `json:"exchanges"`
	Symbol    string           `json:"symbol"`
	StartTime int64            `json:"start_time"`
	EndTime   int64            `json:"end_time"`
	Source    Source           `json:"source"`
	Balance   types.Balance    `json:"balance"`
	FeeRate   FeeRateConfig    `json:"fee_rate"`
	TradesOn  bool             `json:"trades_on,omitempty"`
}

// FeeRateConfig is the wire shape of BtConfig.fee_rate.
type FeeRateConfig struct {
	MakerFee decimal.Decimal `json:"maker_fee"`
	TakerFee decimal.Decimal `json:"taker_fee"`
}

func (f FeeRateConfig) toLedgerFeeRate() ledger.FeeRate {
	return ledger.FeeRate{MakerFee: f.MakerFee, TakerFee: f.TakerFee}
}
