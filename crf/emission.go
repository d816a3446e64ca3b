package crf

import (
	"math"

	"github.com/gonum/mathext"

	"github.com/nicolerg/WatershedR/wdata"
)

// EstimatePhi computes the MAP estimate of the emission
// distributions P(level | Z_e = z) from posterior-weighted counts
// with a symmetric Dirichlet prior. post[i][e] is the current
// posterior P(Z_e = 1) for instance i: it weights the z=1 counts and
// its complement the z=0 counts. The pseudocount keeps every
// probability strictly positive. Used both for initialization from
// the annotation model posteriors and for the M-step re-estimate.
func EstimatePhi(d *wdata.Dataset, post [][]float64, nDims, nLevels int, pseudocount float64) [][2][]float64 {
	if pseudocount <= 0 {
		panic("pseudocount must be positive")
	}
	phi := make([][2][]float64, nDims)
	for e := 0; e < nDims; e++ {
		phi[e][0] = make([]float64, nLevels)
		phi[e][1] = make([]float64, nLevels)
	}

	for i, ins := range d.Instances {
		for e := 0; e < nDims; e++ {
			lvl := ins.Discrete[e]
			if lvl < 0 {
				continue
			}
			phi[e][1][lvl] += post[i][e]
			phi[e][0][lvl] += 1 - post[i][e]
		}
	}

	for e := 0; e < nDims; e++ {
		for z := 0; z < 2; z++ {
			total := 0.0
			for lvl := 0; lvl < nLevels; lvl++ {
				phi[e][z][lvl] += pseudocount
				total += phi[e][z][lvl]
			}
			for lvl := 0; lvl < nLevels; lvl++ {
				phi[e][z][lvl] /= total
			}
		}
	}
	return phi
}

// PhiLogPrior is the symmetric Dirichlet log prior density of the
// emission distributions, included in the reported penalized
// objective so that the MAP phi update and the objective agree.
func (p *Parameters) PhiLogPrior(pseudocount float64) float64 {
	alpha := pseudocount + 1
	lp := 0.0
	norm := logDirichletNorm(alpha, p.NLevels)
	for e := 0; e < p.NDims; e++ {
		for z := 0; z < 2; z++ {
			lp -= norm
			for lvl := 0; lvl < p.NLevels; lvl++ {
				lp += (alpha - 1) * math.Log(p.Phi[e][z][lvl])
			}
		}
	}
	return lp
}

// logDirichletNorm is log B(alpha, ..., alpha) with k components,
// built up from the two-argument log beta function.
func logDirichletNorm(alpha float64, k int) float64 {
	lb := 0.0
	acc := alpha
	for i := 1; i < k; i++ {
		lb += mathext.Lbeta(acc, alpha)
		acc += alpha
	}
	return lb
}
