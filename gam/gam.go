// Package gam implements the genomic annotation model: L2-penalized
// logistic regressions predicting outlier status from annotation
// features.
package gam

import (
	"fmt"
	"io"
	stdlog "log"
	"math"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	"github.com/op/go-logging"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/nicolerg/WatershedR/wdata"
)

// log is a global logging variable.
var log = logging.MustGetLogger("gam")

// glmConfig is shared by all binomial fits; the library's own logging
// is discarded in favour of ours.
func glmConfig(l2 map[string]float64) *glm.Config {
	return &glm.Config{
		Family:         glm.NewFamily(glm.BinomialFamily),
		FitMethod:      "IRLS",
		ConcurrentIRLS: 1000,
		L2Penalty:      l2,
		Log:            stdlog.New(io.Discard, "", 0),
	}
}

// Config controls fitting of the annotation model.
type Config struct {
	// Lambda is the L2 penalty. Negative means unset: select by
	// cross-validation over Candidates.
	Lambda float64
	// Candidates is the penalty grid for cross-validation.
	Candidates []float64
	// Folds is the number of cross-validation folds.
	Folds int
	// Pairwise adds one outcome per dimension pair (the AND of
	// the two binary calls), used by the Watershed variants.
	Pairwise bool
	// Seed fixes the fold assignment.
	Seed int64
}

// Outcome is one fitted logistic regression: a marginal outlier
// indicator for a single dimension, or a pairwise co-outlier
// indicator.
type Outcome struct {
	// Name identifies the outcome (outlier column name, or
	// "a&b" for pairs).
	Name string `json:"name"`
	// Dims are the outlier dimensions involved; Dims[1] is -1 for
	// marginal outcomes.
	Dims [2]int `json:"dims"`
	// Coef holds the intercept followed by one coefficient per
	// feature.
	Coef []float64 `json:"coef"`
}

// Model is the fitted annotation model.
type Model struct {
	FeatureNames []string  `json:"featureNames"`
	Outcomes     []Outcome `json:"outcomes"`
	// Lambda is the resolved L2 penalty.
	Lambda float64 `json:"lambda"`
}

// outcomeValue returns the binary outcome for an instance.
func outcomeValue(ins *wdata.Instance, dims [2]int) float64 {
	v := ins.Binary[dims[0]]
	if dims[1] >= 0 {
		v *= ins.Binary[dims[1]]
	}
	return float64(v)
}

// buildOutcomes lists the outcomes to fit: E marginals and, if
// requested, all C(E,2) pairs.
func buildOutcomes(d *wdata.Dataset, pairwise bool) []Outcome {
	var out []Outcome
	for e := 0; e < d.NOutliers(); e++ {
		out = append(out, Outcome{Name: d.OutlierNames[e], Dims: [2]int{e, -1}})
	}
	if pairwise {
		for a := 0; a < d.NOutliers(); a++ {
			for b := a + 1; b < d.NOutliers(); b++ {
				out = append(out, Outcome{
					Name: d.OutlierNames[a] + "&" + d.OutlierNames[b],
					Dims: [2]int{a, b},
				})
			}
		}
	}
	return out
}

// fitOne fits a single penalized binomial GLM for an outcome over a
// subset of instances and returns intercept+coefficients. A fit that
// panics inside the library (near-singular systems) or produces
// non-finite coefficients is returned as an error.
func fitOne(instances []*wdata.Instance, featureNames []string, dims [2]int, lambda float64) (coef []float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("glm fit failed: %v", r)
		}
	}()

	names := make([]string, 0, len(featureNames)+2)
	names = append(names, "outcome", "icept")
	names = append(names, featureNames...)

	data := make([][]statmodel.Dtype, len(names))
	for i := range data {
		data[i] = make([]statmodel.Dtype, len(instances))
	}
	for row, ins := range instances {
		data[0][row] = outcomeValue(ins, dims)
		data[1][row] = 1
		for j, x := range ins.Features {
			data[2+j][row] = x
		}
	}

	// the intercept is not penalized
	l2 := make(map[string]float64, len(featureNames))
	for _, name := range featureNames {
		l2[name] = lambda
	}

	dataset := statmodel.NewDataset(data, names)
	model, err := glm.NewGLM(dataset, "outcome", names[1:], glmConfig(l2))
	if err != nil {
		return nil, err
	}
	result := model.Fit()
	coef = result.Params()
	for _, c := range coef {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return nil, fmt.Errorf("glm fit diverged (non-finite coefficient)")
		}
	}
	return coef, nil
}

// logLike computes the Bernoulli log-likelihood of an outcome over a
// subset of instances given intercept+coefficients.
func logLike(instances []*wdata.Instance, dims [2]int, coef []float64) float64 {
	ll := 0.0
	for _, ins := range instances {
		p := sigmoid(linearPredictor(ins.Features, coef))
		y := outcomeValue(ins, dims)
		// clamp away from exact 0/1
		p = math.Min(math.Max(p, 1e-12), 1-1e-12)
		ll += y*math.Log(p) + (1-y)*math.Log(1-p)
	}
	return ll
}

func linearPredictor(features, coef []float64) float64 {
	eta := coef[0]
	for j, x := range features {
		eta += coef[1+j] * x
	}
	return eta
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// Fit fits the annotation model on a dataset with already
// standardized features and derived binary calls. When cfg.Lambda is
// negative the penalty is selected by cross-validation first.
func Fit(d *wdata.Dataset, cfg Config) (*Model, error) {
	if d.Len() == 0 {
		return nil, fmt.Errorf("empty dataset")
	}
	lambda := cfg.Lambda
	if lambda < 0 {
		var err error
		lambda, err = selectLambda(d, cfg)
		if err != nil {
			return nil, err
		}
	}
	log.Infof("Annotation model penalty lambda=%v", lambda)

	m := &Model{
		FeatureNames: d.FeatureNames,
		Outcomes:     buildOutcomes(d, cfg.Pairwise),
		Lambda:       lambda,
	}
	for i := range m.Outcomes {
		coef, err := fitOne(d.Instances, d.FeatureNames, m.Outcomes[i].Dims, lambda)
		if err != nil {
			return nil, fmt.Errorf("outcome %s: %v", m.Outcomes[i].Name, err)
		}
		m.Outcomes[i].Coef = coef
		m.reportFit(d, i)
	}
	return m, nil
}

// reportFit logs a likelihood-ratio test of the fitted outcome
// against the intercept-only model.
func (m *Model) reportFit(d *wdata.Dataset, i int) {
	o := m.Outcomes[i]
	llFull := logLike(d.Instances, o.Dims, o.Coef)

	n := 0.0
	for _, ins := range d.Instances {
		n += outcomeValue(ins, o.Dims)
	}
	rate := n / float64(d.Len())
	rate = math.Min(math.Max(rate, 1e-12), 1-1e-12)
	iceptOnly := make([]float64, len(o.Coef))
	iceptOnly[0] = math.Log(rate / (1 - rate))
	llNull := logLike(d.Instances, o.Dims, iceptOnly)

	dist := distuv.ChiSquared{K: float64(len(m.FeatureNames))}
	p := dist.Survival(2 * (llFull - llNull))
	log.Infof("Outcome %s: lnL=%.4f, null lnL=%.4f, LRT p=%.3g", o.Name, llFull, llNull, p)
}

// MarginalIndex returns the outcome index of a marginal dimension.
func (m *Model) MarginalIndex(e int) int {
	return e
}

// PairIndex returns the outcome index of a dimension pair (a < b),
// or -1 when the model was fit without pairwise outcomes.
func (m *Model) PairIndex(nDims, a, b int) int {
	if len(m.Outcomes) == nDims {
		return -1
	}
	idx := nDims
	for i := 0; i < nDims; i++ {
		for j := i + 1; j < nDims; j++ {
			if i == a && j == b {
				return idx
			}
			idx++
		}
	}
	return -1
}

// Posterior returns the predicted probability of an outcome for a
// feature vector.
func (m *Model) Posterior(features []float64, outcome int) float64 {
	return sigmoid(linearPredictor(features, m.Outcomes[outcome].Coef))
}

// Posteriors computes soft posteriors for all outcomes over a
// dataset: one row per instance, one column per outcome.
func (m *Model) Posteriors(d *wdata.Dataset) [][]float64 {
	out := make([][]float64, d.Len())
	for i, ins := range d.Instances {
		row := make([]float64, len(m.Outcomes))
		for k := range m.Outcomes {
			row[k] = m.Posterior(ins.Features, k)
		}
		out[i] = row
	}
	return out
}
