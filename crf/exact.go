package crf

import (
	"math"

	"github.com/gonum/floats"
)

// ExactResult holds the result of exact enumeration for a single
// instance.
type ExactResult struct {
	// Joint is the posterior over all 2^E latent assignments;
	// state bit e set means Z_e = 1.
	Joint []float64
	// LogZ is the log partition function.
	LogZ float64
	// Marg are per-dimension marginal posteriors P(Z_e = 1).
	Marg []float64
	// PairMarg are pairwise co-activation posteriors
	// P(Z_a = 1, Z_b = 1), indexed by PairIndex; empty without
	// edges.
	PairMarg []float64
}

// newExactResult allocates result storage for reuse across instances.
func newExactResult(p *Parameters) *ExactResult {
	return &ExactResult{
		Joint:    make([]float64, 1<<uint(p.NDims)),
		Marg:     make([]float64, p.NDims),
		PairMarg: make([]float64, p.NPairs()),
	}
}

// ExactPosterior enumerates all 2^E latent assignments and computes
// the exact joint posterior, the log partition function, and the
// marginal statistics. A nil discrete vector drops the emission
// terms, giving the prior P(Z|G) used by the gradient. The res
// argument is reused when non-nil.
func (p *Parameters) ExactPosterior(features []float64, discrete []int, res *ExactResult) *ExactResult {
	if p.NDims > MaxExactDims {
		panic("too many dimensions for exact enumeration")
	}
	if res == nil {
		res = newExactResult(p)
	}
	eta := p.NodePotentials(features, nil)
	nStates := 1 << uint(p.NDims)

	// per-dimension emission terms, computed once
	var emit0, emit1 []float64
	if discrete != nil {
		emit0 = make([]float64, p.NDims)
		emit1 = make([]float64, p.NDims)
		for e := 0; e < p.NDims; e++ {
			emit0[e] = p.logEmission(e, 0, discrete[e])
			emit1[e] = p.logEmission(e, 1, discrete[e])
		}
	}

	maxw := math.Inf(-1)
	for s := 0; s < nStates; s++ {
		w := 0.0
		for e := 0; e < p.NDims; e++ {
			if s&(1<<uint(e)) != 0 {
				w += eta[e]
				if emit1 != nil {
					w += emit1[e]
				}
			} else if emit0 != nil {
				w += emit0[e]
			}
		}
		for idx := 0; idx < p.NPairs(); idx++ {
			a, b := p.PairDims(idx)
			if s&(1<<uint(a)) != 0 && s&(1<<uint(b)) != 0 {
				w += p.Pair[idx]
			}
		}
		res.Joint[s] = w
		if w > maxw {
			maxw = w
		}
	}

	// log-sum-exp normalization
	sum := 0.0
	for s := 0; s < nStates; s++ {
		res.Joint[s] = math.Exp(res.Joint[s] - maxw)
		sum += res.Joint[s]
	}
	res.LogZ = maxw + math.Log(sum)
	floats.Scale(1/sum, res.Joint)

	for e := 0; e < p.NDims; e++ {
		m := 0.0
		for s := 0; s < nStates; s++ {
			if s&(1<<uint(e)) != 0 {
				m += res.Joint[s]
			}
		}
		res.Marg[e] = m
	}
	for idx := 0; idx < p.NPairs(); idx++ {
		a, b := p.PairDims(idx)
		m := 0.0
		mask := 1<<uint(a) | 1<<uint(b)
		for s := 0; s < nStates; s++ {
			if s&mask == mask {
				m += res.Joint[s]
			}
		}
		res.PairMarg[idx] = m
	}
	return res
}

// RiverPosterior computes posteriors for the edge-free variant in
// closed form: each dimension is an independent logistic posterior.
// A nil discrete vector gives prior probabilities sigmoid(eta).
func (p *Parameters) RiverPosterior(features []float64, discrete []int, marg []float64) []float64 {
	if marg == nil {
		marg = make([]float64, p.NDims)
	}
	eta := p.NodePotentials(features, nil)
	for e := 0; e < p.NDims; e++ {
		x := eta[e]
		if discrete != nil {
			x += p.emissionLogRatio(e, discrete[e])
		}
		marg[e] = sigmoid(x)
	}
	return marg
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
