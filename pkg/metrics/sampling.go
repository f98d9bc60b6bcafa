package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver forwards roughly one event in every 1/rate to the inner
// observer. It exists for per-audio-chunk metrics, where recording every
// 20ms frame would swamp the sink without adding information.
type SamplingObserver struct {
	inner   Observer
	every   uint64
	counter atomic.Uint64
}

// NewSamplingObserver builds a sampler for the given rate in (0, 1]. A rate
// of 0 drops everything; a rate of 1 (or more) forwards everything.
func NewSamplingObserver(inner Observer, rate float64) *SamplingObserver {
	var every uint64
	switch {
	case rate <= 0:
		every = 0
	case rate >= 1:
		every = 1
	default:
		every = uint64(math.Round(1.0 / rate))
		if every == 0 {
			every = 1
		}
	}
	return &SamplingObserver{inner: inner, every: every}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	switch s.every {
	case 0:
		return
	case 1:
		s.inner.RecordEvent(ev)
	default:
		if s.counter.Add(1)%s.every == 1 {
			s.inner.RecordEvent(ev)
		}
	}
}
