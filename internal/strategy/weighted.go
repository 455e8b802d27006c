package strategy

import "l7lb/internal/registry"

// WeightedRoundRobin expands each backend into its weight's worth of flat
// entries — weights A=3, B=2, C=1 become the sequence [A, A, A, B, B, C] —
// and walks that sequence in order, cycling back to the start when it runs
// out. This differs from "smooth" nginx-style WRR: the sequence is built
// once from the configured weights and never reordered, so the distribution
// within one cycle is the literal repeated-backend run spec.md's worked
// example describes, not an interleaved one.
type WeightedRoundRobin struct {
	sequence []*registry.Backend
	cursor   int
}

func NewWeightedRoundRobin(backends []*registry.Backend) *WeightedRoundRobin {
	seq := make([]*registry.Backend, 0, len(backends))
	for _, b := range backends {
		for i := 0; i < b.EffectiveWeight(); i++ {
			seq = append(seq, b)
		}
	}
	return &WeightedRoundRobin{sequence: seq}
}

func (w *WeightedRoundRobin) Pick(_ Context) (*registry.Backend, error) {
	if len(w.sequence) == 0 {
		return nil, ErrNoHealthyBackend
	}
	for i := 0; i < len(w.sequence); i++ {
		b := w.sequence[w.cursor%len(w.sequence)]
		w.cursor++
		if b.Healthy {
			return b, nil
		}
	}
	return nil, ErrNoHealthyBackend
}
