package crf

import (
	"math"
)

// MeanFieldSettings controls the damped mean-field updates.
type MeanFieldSettings struct {
	// Step is the damping factor: q <- Step*new + (1-Step)*old.
	Step float64 `json:"step"`
	// Threshold is the convergence bound on the largest
	// per-dimension marginal change.
	Threshold float64 `json:"threshold"`
	// MaxIter caps the update sweeps; hitting the cap is a
	// reportable convergence failure.
	MaxIter int `json:"maxIter"`
}

// DefaultMeanFieldSettings mirrors the usual variational defaults.
func DefaultMeanFieldSettings() MeanFieldSettings {
	return MeanFieldSettings{Step: 0.8, Threshold: 1e-6, MaxIter: 1000}
}

// MeanFieldResult holds approximate marginals for a single instance.
type MeanFieldResult struct {
	// Marg are the approximate marginal posteriors P(Z_e = 1).
	Marg []float64
	// Iterations is the number of sweeps performed.
	Iterations int
	// Converged is false when the iteration cap was hit; the
	// marginals are then best-effort.
	Converged bool
}

// MeanFieldPosterior runs damped mean-field updates to approximate
// the per-dimension marginal posteriors. Each q_e is refreshed from
// the node potential, the expected pairwise contribution of all other
// current marginals, and the emission log-ratio. A nil discrete
// vector drops the emission terms, approximating the prior P(Z|G).
func (p *Parameters) MeanFieldPosterior(features []float64, discrete []int, s MeanFieldSettings, res *MeanFieldResult) *MeanFieldResult {
	if res == nil {
		res = &MeanFieldResult{Marg: make([]float64, p.NDims)}
	}
	eta := p.NodePotentials(features, nil)
	q := res.Marg
	for e := range q {
		q[e] = 0.5
	}

	for iter := 1; iter <= s.MaxIter; iter++ {
		maxDelta := 0.0
		for e := 0; e < p.NDims; e++ {
			x := eta[e]
			if len(p.Pair) > 0 {
				for f := 0; f < p.NDims; f++ {
					if f == e {
						continue
					}
					a, b := e, f
					if a > b {
						a, b = b, a
					}
					x += p.Pair[p.PairIndex(a, b)] * q[f]
				}
			}
			if discrete != nil {
				x += p.emissionLogRatio(e, discrete[e])
			}
			qNew := s.Step*sigmoid(x) + (1-s.Step)*q[e]
			if d := math.Abs(qNew - q[e]); d > maxDelta {
				maxDelta = d
			}
			q[e] = qNew
		}
		if maxDelta < s.Threshold {
			res.Iterations = iter
			res.Converged = true
			return res
		}
	}
	res.Iterations = s.MaxIter
	res.Converged = false
	return res
}

// MeanFieldLogZ estimates the log partition function of the prior
// P(Z|G) with the mean-field free energy at the fixed point: expected
// potential plus marginal entropy. Used for the approximate variant's
// optimization objective.
func (p *Parameters) MeanFieldLogZ(features []float64, s MeanFieldSettings, res *MeanFieldResult) (float64, *MeanFieldResult) {
	res = p.MeanFieldPosterior(features, nil, s, res)
	eta := p.NodePotentials(features, nil)
	q := res.Marg

	elbo := 0.0
	for e := 0; e < p.NDims; e++ {
		elbo += q[e] * eta[e]
		elbo += entropy(q[e])
	}
	for idx := 0; idx < p.NPairs(); idx++ {
		a, b := p.PairDims(idx)
		elbo += p.Pair[idx] * q[a] * q[b]
	}
	return elbo, res
}

// entropy is the binary entropy in nats.
func entropy(q float64) float64 {
	h := 0.0
	if q > 0 {
		h -= q * math.Log(q)
	}
	if q < 1 {
		h -= (1 - q) * math.Log(1-q)
	}
	return h
}
