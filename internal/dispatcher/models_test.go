package dispatcher

import (
	"testing"

	"github.com/backtest/replay-engine/internal/config"
	"github.com/backtest/replay-engine/internal/fillmodel"
	"github.com/backtest/replay-engine/internal/latency"
)

func TestResolveFillModel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		kind string
		want fillmodel.Model
	}{
		{"random", "random", fillmodel.Random{}},
		{"power", "power", fillmodel.PowerProbQueueFunc{N: 2}},
		{"power2", "power2", fillmodel.PowerProbQueueFunc2{N: 2}},
		{"power3", "power3", fillmodel.PowerProbQueueFunc3{N: 2}},
		{"log", "log", fillmodel.LogProbQueueFunc{}},
		{"log2", "log2", fillmodel.LogProbQueueFunc2{}},
		{"unknown falls back to none", "bogus", fillmodel.None{}},
		{"empty falls back to none", "", fillmodel.None{}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := resolveFillModel(config.DefaultsConfig{FillModel: tt.kind, FillModelK: 2})
			if got != tt.want {
				t.Errorf("resolveFillModel(%q) = %#v, want %#v", tt.kind, got, tt.want)
			}
		})
	}
}

func TestResolveLatencyModel(t *testing.T) {
	t.Parallel()

	d := config.DefaultsConfig{LatencyNanos: 1000, LatencyJitterNanos: 200}

	if got := resolveLatencyModel(d); got != (latency.Fixed{OffsetNanos: 1000}) {
		t.Errorf("default resolveLatencyModel() = %#v, want Fixed{1000}", got)
	}

	d.LatencyModel = "uniform"
	want := latency.Uniform{MinNanos: 800, MaxNanos: 1200}
	if got := resolveLatencyModel(d); got != want {
		t.Errorf("uniform resolveLatencyModel() = %#v, want %#v", got, want)
	}

	d.LatencyModel = "normal"
	wantNormal := latency.TruncatedNormal{MeanNanos: 1000, StddevNanos: 200}
	if got := resolveLatencyModel(d); got != wantNormal {
		t.Errorf("normal resolveLatencyModel() = %#v, want %#v", got, wantNormal)
	}
}
