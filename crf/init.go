package crf

import (
	"math"

	"github.com/nicolerg/WatershedR/gam"
	"github.com/nicolerg/WatershedR/wdata"
)

// InitParameters builds starting CRF parameters from a fitted
// annotation model: node potentials from the marginal regression
// coefficients, edge potentials from the excess association of the
// pairwise fits, and emissions from the MAP estimate weighted by the
// annotation-model soft posteriors. The edge potentials are free
// parameters afterwards; EM re-optimizes them independently.
func InitParameters(variant Variant, d *wdata.Dataset, g *gam.Model, nLevels int, pseudocount float64) *Parameters {
	nDims := d.NOutliers()
	par := NewParameters(variant, d.NFeatures(), nDims, nLevels, g.Lambda)

	for e := 0; e < nDims; e++ {
		coef := g.Outcomes[g.MarginalIndex(e)].Coef
		par.Singleton[e] = coef[0]
		copy(par.Theta[e], coef[1:])
	}

	for idx := 0; idx < par.NPairs(); idx++ {
		a, b := par.PairDims(idx)
		k := g.PairIndex(nDims, a, b)
		if k < 0 {
			continue
		}
		// pairwise intercept in excess of the marginal ones
		w := g.Outcomes[k].Coef[0] - par.Singleton[a] - par.Singleton[b]
		par.Pair[idx] = math.Max(-potentialBound, math.Min(potentialBound, w))
	}

	post := g.Posteriors(d)
	marg := make([][]float64, len(post))
	for i, row := range post {
		marg[i] = row[:nDims]
	}
	par.Phi = EstimatePhi(d, marg, nDims, nLevels, pseudocount)
	return par
}
