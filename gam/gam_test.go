package gam

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/op/go-logging"

	"github.com/nicolerg/WatershedR/wdata"
)

func init() {
	logging.SetLevel(logging.ERROR, "gam")
}

// synthDataset simulates instances with a logistic ground truth:
// binary calls for every dimension follow sigmoid(icept + w.x) with
// dimension-specific weights.
func synthDataset(n, nDims int, seed int64) *wdata.Dataset {
	rng := rand.New(rand.NewSource(seed))
	nFeatures := 3
	weights := [][]float64{
		{1.6, -1.1, 0},
		{-0.9, 1.4, 0.5},
		{0.7, 0.7, -1.2},
	}
	icept := -1.0

	d := &wdata.Dataset{}
	for j := 0; j < nFeatures; j++ {
		d.FeatureNames = append(d.FeatureNames, fmt.Sprintf("f%d", j))
	}
	for e := 0; e < nDims; e++ {
		d.OutlierNames = append(d.OutlierNames, fmt.Sprintf("pval%d", e))
	}

	for i := 0; i < n; i++ {
		ins := &wdata.Instance{
			SampleID: fmt.Sprintf("s%d", i),
			Features: make([]float64, nFeatures),
			Outliers: make([]float64, nDims),
			Binary:   make([]int, nDims),
			Discrete: make([]int, nDims),
			N2Pair:   wdata.NoPair,
		}
		for j := range ins.Features {
			ins.Features[j] = rng.NormFloat64()
		}
		for e := 0; e < nDims; e++ {
			eta := icept
			for j, w := range weights[e%len(weights)] {
				eta += w * ins.Features[j]
			}
			p := 1 / (1 + math.Exp(-eta))
			if rng.Float64() < p {
				ins.Binary[e] = 1
				ins.Discrete[e] = 1
				ins.Outliers[e] = 0.001
			} else {
				ins.Outliers[e] = 0.5
			}
		}
		d.Instances = append(d.Instances, ins)
	}
	return d
}

func TestFitMarginal(tst *testing.T) {
	d := synthDataset(600, 1, 1)
	m, err := Fit(d, Config{Lambda: 0.1})
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if len(m.Outcomes) != 1 {
		tst.Fatal("Expected 1 outcome, got", len(m.Outcomes))
	}
	coef := m.Outcomes[0].Coef
	if len(coef) != 4 {
		tst.Fatal("Expected intercept + 3 coefficients, got", len(coef))
	}
	tst.Log("coef =", coef)

	// recover the signs of the generating weights (1.6, -1.1, 0)
	if coef[1] <= 0 {
		tst.Error("Expected a positive coefficient for f0, got", coef[1])
	}
	if coef[2] >= 0 {
		tst.Error("Expected a negative coefficient for f1, got", coef[2])
	}
	if math.Abs(coef[3]) > math.Abs(coef[1]) {
		tst.Error("Null feature got a larger coefficient than the informative one:", coef)
	}
}

func TestFitPairwise(tst *testing.T) {
	d := synthDataset(400, 3, 2)
	m, err := Fit(d, Config{Lambda: 0.1, Pairwise: true})
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	// 3 marginals + 3 pairs
	if len(m.Outcomes) != 6 {
		tst.Fatal("Expected 6 outcomes, got", len(m.Outcomes))
	}
	for e := 0; e < 3; e++ {
		o := m.Outcomes[m.MarginalIndex(e)]
		if o.Dims[0] != e || o.Dims[1] != -1 {
			tst.Error("Incorrect marginal outcome at index", e, ":", o.Dims)
		}
	}
	k := m.PairIndex(3, 0, 2)
	if m.Outcomes[k].Dims != [2]int{0, 2} {
		tst.Error("Incorrect pair outcome:", m.Outcomes[k].Dims)
	}
}

func TestPosteriors(tst *testing.T) {
	d := synthDataset(500, 2, 3)
	m, err := Fit(d, Config{Lambda: 0.1})
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	post := m.Posteriors(d)
	if len(post) != d.Len() {
		tst.Fatal("Expected one posterior row per instance")
	}

	// posteriors are probabilities and separate the two classes
	sum1, n1 := 0.0, 0
	sum0, n0 := 0.0, 0
	for i, ins := range d.Instances {
		p := post[i][0]
		if p <= 0 || p >= 1 {
			tst.Fatal("Posterior outside (0, 1):", p)
		}
		if ins.Binary[0] == 1 {
			sum1 += p
			n1++
		} else {
			sum0 += p
			n0++
		}
	}
	mean1 := sum1 / float64(n1)
	mean0 := sum0 / float64(n0)
	tst.Log("mean posterior: outliers =", mean1, ", inliers =", mean0)
	if mean1 <= mean0 {
		tst.Error("Posteriors do not separate the classes:", mean1, mean0)
	}
}

func TestSelectLambda(tst *testing.T) {
	d := synthDataset(500, 2, 4)
	lambda, err := selectLambda(d, Config{
		Candidates: []float64{1e4, 1e-2},
		Folds:      3,
		Seed:       1,
	})
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	tst.Log("selected lambda =", lambda)
	// with informative features the near-unpenalized fit must win
	// over a penalty that forces the coefficients to zero
	if lambda != 1e-2 {
		tst.Error("Expected lambda 0.01, got", lambda)
	}
}

func TestSelectLambdaPairwise(tst *testing.T) {
	d := synthDataset(500, 2, 4)
	lambda, err := selectLambda(d, Config{
		Candidates: []float64{1e4, 1e-2},
		Folds:      3,
		Seed:       1,
		Pairwise:   true,
	})
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	tst.Log("selected lambda =", lambda)
	// the pairwise outcome is feature-driven too, so the scored
	// grid must still favor the near-unpenalized fit
	if lambda != 1e-2 {
		tst.Error("Expected lambda 0.01, got", lambda)
	}
}

func TestFitResolvesLambda(tst *testing.T) {
	d := synthDataset(300, 1, 5)
	m, err := Fit(d, Config{
		Lambda:     -1,
		Candidates: []float64{10, 0.1},
		Folds:      3,
		Seed:       1,
	})
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if m.Lambda != 10 && m.Lambda != 0.1 {
		tst.Error("Resolved lambda is not from the grid:", m.Lambda)
	}
}
