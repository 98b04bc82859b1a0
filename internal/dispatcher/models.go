package dispatcher

import (
	"github.com/backtest/replay-engine/internal/config"
	"github.com/backtest/replay-engine/internal/fillmodel"
	"github.com/backtest/replay-engine/internal/latency"
)

// resolveFillModel maps config.DefaultsConfig.FillModel to a fillmodel.Model
// (spec §4.1's variants).
func resolveFillModel(d config.DefaultsConfig) fillmodel.Model {
	switch d.FillModel {
	case "random":
		return fillmodel.Random{}
	case "power":
		return fillmodel.PowerProbQueueFunc{N: d.FillModelK}
	case "power2":
		return fillmodel.PowerProbQueueFunc2{N: d.FillModelK}
	case "power3":
		return fillmodel.PowerProbQueueFunc3{N: d.FillModelK}
	case "log":
		return fillmodel.LogProbQueueFunc{}
	case "log2":
		return fillmodel.LogProbQueueFunc2{}
	default:
		return fillmodel.None{}
	}
}

// resolveLatencyModel maps config.DefaultsConfig.LatencyModel to a
// latency.Model (spec §4.2's variants).
func resolveLatencyModel(d config.DefaultsConfig) latency.Model {
	switch d.LatencyModel {
	case "uniform":
		return latency.Uniform{MinNanos: d.LatencyNanos - d.LatencyJitterNanos, MaxNanos: d.LatencyNanos + d.LatencyJitterNanos}
	case "normal":
		return latency.TruncatedNormal{MeanNanos: float64(d.LatencyNanos), StddevNanos: float64(d.LatencyJitterNanos)}
	default:
		return latency.Fixed{OffsetNanos: d.LatencyNanos}
	}
}
