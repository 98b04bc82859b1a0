// Package latency implements the order-activation latency models of spec
// §4.2: a pure function that nudges an order's effective timestamp forward
// by an offset sampled once at POST_ORDER acceptance time.
package latency

import (
	"math/rand/v2"
)

// Model produces a latency offset, in the same unit as order/depth
// timestamps (nanoseconds), to add to an order's activation timestamp.
// SampleOffsetNanos is called exactly once per POST_ORDER, matching the
// spec's "sampled once, at POST_ORDER acceptance time".
type Model interface {
	SampleOffsetNanos() int64
}

// Fixed always returns the same offset.
type Fixed struct {
	OffsetNanos int64
}

func (f Fixed) SampleOffsetNanos() int64 { return f.OffsetNanos }

// Uniform draws an offset uniformly from [MinNanos, MaxNanos].
type Uniform struct {
	MinNanos, MaxNanos int64
}

func (u Uniform) SampleOffsetNanos() int64 {
	lo, hi := u.MinNanos, u.MaxNanos
	if hi < lo {
		lo, hi = hi, lo
	}
	if hi == lo {
		return lo
	}
	return lo + rand.Int64N(hi-lo+1)
}

// TruncatedNormal draws from a normal distribution with the given mean and
// standard deviation, resampling until the result is non-negative (the
// spec requires latency offsets to be "≥ 0").
type TruncatedNormal struct {
	MeanNanos   float64
	StddevNanos float64
	MaxAttempts int // 0 defaults to 64
}

func (t TruncatedNormal) SampleOffsetNanos() int64 {
	attempts := t.MaxAttempts
	if attempts <= 0 {
		attempts = 64
	}
	for i := 0; i < attempts; i++ {
		v := t.MeanNanos + rand.NormFloat64()*t.StddevNanos
		if v >= 0 {
			return int64(v)
		}
	}
	if t.MeanNanos < 0 {
		return 0
	}
	return int64(t.MeanNanos)
}

// Apply returns the order's activation timestamp shifted by one sample
// from the model. Timestamps are in nanoseconds, matching types.Order's
// TimestampUnix convention once normalized (see normalizeTimestamps in package matching).
func Apply(model Model, postTimestampNanos int64) int64 {
	if model == nil {
		return postTimestampNanos
	}
	return postTimestampNanos + model.SampleOffsetNanos()
}
