package strategy

import (
	"math"

	"l7lb/internal/registry"
)

// LeastResponseTime routes to the healthy backend minimizing rtt_avg/weight
// (internal/health feeds rtt_avg). A backend that has never been probed
// (Probed == false) is treated as having infinite RTT rather than its
// zero-valued RTTAvg — the EWMA's literal initial value is 0.0, which would
// otherwise look like the fastest backend in the pool and win every tie
// against backends with real samples.
type LeastResponseTime struct {
	backends []*registry.Backend
}

func NewLeastResponseTime(backends []*registry.Backend) *LeastResponseTime {
	return &LeastResponseTime{backends: backends}
}

func (l *LeastResponseTime) Pick(_ Context) (*registry.Backend, error) {
	var best *registry.Backend
	bestRTT := math.Inf(1)
	for _, b := range l.backends {
		if !b.Healthy {
			continue
		}
		score := math.Inf(1)
		if b.Probed {
			score = b.RTTAvg / float64(b.EffectiveWeight())
		}
		if best == nil || score < bestRTT {
			best = b
			bestRTT = score
		}
	}
	if best == nil {
		return nil, ErrNoHealthyBackend
	}
	return best, nil
}
