package crf

import (
	"math"
	"testing"
)

// mfDiff is the allowed gap between mean-field and exact marginals
// for weakly coupled dimensions.
const mfDiff = 0.02

func TestMeanFieldMatchesExactWeakCoupling(tst *testing.T) {
	p := testParameters(WatershedApproximate, 3)
	for idx := range p.Pair {
		p.Pair[idx] = 0.1
	}
	s := DefaultMeanFieldSettings()
	features := []float64{0.4, -0.6}
	discrete := []int{2, 0, 1}

	res := p.MeanFieldPosterior(features, discrete, s, nil)
	if !res.Converged {
		tst.Fatal("Mean field did not converge after", res.Iterations, "iterations")
	}

	for e := 0; e < 3; e++ {
		ref := bruteMarginal(p, features, discrete, e)
		tst.Log("dim", e, ": exact=", ref, ", mean field=", res.Marg[e])
		if math.Abs(res.Marg[e]-ref) > mfDiff {
			tst.Error("Dimension", e, ": exact", ref, "vs mean field", res.Marg[e])
		}
	}
}

func TestMeanFieldExactWithoutEdges(tst *testing.T) {
	// with no pairwise weights the mean-field fixed point is the
	// exact independent posterior
	p := testParameters(WatershedApproximate, 3)
	for idx := range p.Pair {
		p.Pair[idx] = 0
	}
	s := DefaultMeanFieldSettings()
	features := []float64{1.1, 0.2}
	discrete := []int{0, 1, 2}

	res := p.MeanFieldPosterior(features, discrete, s, nil)
	river := p.RiverPosterior(features, discrete, nil)
	for e := 0; e < 3; e++ {
		if math.Abs(res.Marg[e]-river[e]) > 1e-5 {
			tst.Error("Dimension", e, ":", res.Marg[e], "vs", river[e])
		}
	}
}

func TestMeanFieldLogZLowerBound(tst *testing.T) {
	p := testParameters(WatershedApproximate, 4)
	s := DefaultMeanFieldSettings()
	features := []float64{-0.3, 0.9}

	elbo, res := p.MeanFieldLogZ(features, s, nil)
	if !res.Converged {
		tst.Fatal("Mean field did not converge")
	}

	exact := p.ExactPosterior(features, nil, nil)
	tst.Log("elbo=", elbo, ", exact logZ=", exact.LogZ)
	if elbo > exact.LogZ+1e-9 {
		tst.Error("Free energy exceeds the exact log partition function:", elbo, exact.LogZ)
	}
	if exact.LogZ-elbo > 0.5 {
		tst.Error("Free energy is too loose:", elbo, "vs", exact.LogZ)
	}
}

func TestMeanFieldIterationCap(tst *testing.T) {
	p := testParameters(WatershedApproximate, 3)
	s := MeanFieldSettings{Step: 0.8, Threshold: 1e-12, MaxIter: 1}
	res := p.MeanFieldPosterior([]float64{0, 0}, []int{0, 1, 2}, s, nil)
	if res.Converged {
		tst.Error("A single sweep should not converge at threshold 1e-12")
	}
	if res.Iterations != 1 {
		tst.Error("Expected 1 iteration, got", res.Iterations)
	}
}
