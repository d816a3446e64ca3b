package crf

import (
	"encoding/json"
	"fmt"
	"math"
	"runtime"
	"strconv"

	"github.com/gonum/matrix/mat64"

	"github.com/nicolerg/WatershedR/checkpoint"
	"github.com/nicolerg/WatershedR/optimize"
	"github.com/nicolerg/WatershedR/wdata"
)

// potentialBound constrains node and edge potentials during the
// M-step; log-potentials beyond it are numerically saturated.
const potentialBound = 30

// Settings controls the EM fit.
type Settings struct {
	// MaxIter caps the EM iterations.
	MaxIter int
	// Tolerance is the convergence bound on the penalized
	// objective improvement.
	Tolerance float64
	// Pseudocount is the Dirichlet prior weight for the emission
	// M-step.
	Pseudocount float64
	// MStepIter caps the quasi-Newton iterations per M-step.
	MStepIter int
	// MeanField configures the variational E-step (approximate
	// variant only).
	MeanField MeanFieldSettings
	// Progress, when set, is called after every E-step with the
	// iteration number and the current penalized objective.
	Progress func(iter int, objective float64)
}

// DefaultSettings returns the default EM settings.
func DefaultSettings() Settings {
	return Settings{
		MaxIter:     1000,
		Tolerance:   1e-4,
		Pseudocount: 10,
		MStepIter:   200,
		MeanField:   DefaultMeanFieldSettings(),
	}
}

// Status reports the outcome of an EM fit. Non-convergence of any
// stage is carried here rather than swallowed: the parameters are
// best-effort in that case.
type Status struct {
	// Iterations is the number of EM iterations performed.
	Iterations int `json:"iterations"`
	// Objective is the final penalized observed-data objective.
	Objective float64 `json:"objective"`
	// Converged is true if the objective improvement dropped
	// below the tolerance before the iteration cap.
	Converged bool `json:"converged"`
	// MStepConverged is false if any quasi-Newton M-step failed
	// to converge.
	MStepConverged bool `json:"mStepConverged"`
	// EStepConverged is false if any variational E-step hit its
	// iteration cap.
	EStepConverged bool `json:"eStepConverged"`
}

// EM alternates posterior inference over the latent functional
// status (E-step) with emission and potential updates (M-step).
type EM struct {
	variant  Variant
	data     *wdata.Dataset
	par      *Parameters
	settings Settings

	// feature matrix, instances by features
	x *mat64.Dense

	// E-step responsibilities and per-instance log-likelihoods
	respMarg [][]float64
	respPair [][]float64
	ll       []float64
	mfFails  int

	// prior statistics cache for the M-step objective
	priorMarg  [][]float64
	priorPair  [][]float64
	priorLogZ  []float64
	priorDirty bool

	parameters optimize.FloatParameters
	ckpt       *checkpoint.IO
	finished   bool
	status     Status
}

// NewEM creates an EM driver for a prepared training dataset
// (standardized features, derived discrete calls) and initialized
// parameters.
func NewEM(variant Variant, d *wdata.Dataset, par *Parameters, settings Settings) (*EM, error) {
	if d.Len() == 0 {
		return nil, fmt.Errorf("empty training dataset")
	}
	if par.NDims != d.NOutliers() || par.NFeatures != d.NFeatures() {
		return nil, fmt.Errorf("parameter shape does not match the dataset")
	}
	if settings.Pseudocount <= 0 {
		return nil, fmt.Errorf("pseudocount must be positive, got %v", settings.Pseudocount)
	}
	if variant.HasEdges() != (par.NPairs() > 0) && par.NDims > 1 {
		return nil, fmt.Errorf("pairwise storage does not match variant %s", variant)
	}
	em := &EM{
		variant:    variant,
		data:       d,
		par:        par,
		settings:   settings,
		x:          d.FeatureMatrix(),
		respMarg:   makeRows(d.Len(), par.NDims),
		respPair:   makeRows(d.Len(), par.NPairs()),
		ll:         make([]float64, d.Len()),
		priorMarg:  makeRows(d.Len(), par.NDims),
		priorPair:  makeRows(d.Len(), par.NPairs()),
		priorLogZ:  make([]float64, d.Len()),
		priorDirty: true,
	}
	em.setupParameters()
	return em, nil
}

func makeRows(n, m int) [][]float64 {
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = make([]float64, m)
	}
	return rows
}

// setupParameters registers all node and edge potentials as
// optimization parameters. Any change invalidates the prior cache.
func (em *EM) setupParameters() {
	em.parameters = nil
	dirty := func() { em.priorDirty = true }
	for e := 0; e < em.par.NDims; e++ {
		par := optimize.NewBasicFloatParameter(&em.par.Singleton[e], "sng"+strconv.Itoa(e))
		par.SetMin(-potentialBound)
		par.SetMax(potentialBound)
		par.SetOnChange(dirty)
		em.parameters.Append(par)
	}
	for e := 0; e < em.par.NDims; e++ {
		for f := 0; f < em.par.NFeatures; f++ {
			par := optimize.NewBasicFloatParameter(&em.par.Theta[e][f],
				"theta"+strconv.Itoa(e)+"_"+strconv.Itoa(f))
			par.SetMin(-potentialBound)
			par.SetMax(potentialBound)
			par.SetOnChange(dirty)
			em.parameters.Append(par)
		}
	}
	for idx := 0; idx < em.par.NPairs(); idx++ {
		a, b := em.par.PairDims(idx)
		par := optimize.NewBasicFloatParameter(&em.par.Pair[idx],
			"pair"+strconv.Itoa(a)+"_"+strconv.Itoa(b))
		par.SetMin(-potentialBound)
		par.SetMax(potentialBound)
		par.SetOnChange(dirty)
		em.parameters.Append(par)
	}
}

// SetCheckpoint enables periodic state saving; the fit can be resumed
// from a saved state with RestoreCheckpoint.
func (em *EM) SetCheckpoint(ckpt *checkpoint.IO) {
	em.ckpt = ckpt
}

// RestoreCheckpoint loads saved parameters if the store has any.
// Returns the iteration to resume from (0 when nothing was stored).
// A finished fit restores its stored iteration count and objective
// as well, so Run reports the completed fit instead of redoing it.
func (em *EM) RestoreCheckpoint() (int, error) {
	if em.ckpt == nil {
		return 0, nil
	}
	data, err := em.ckpt.Load()
	if err != nil || data == nil {
		return 0, err
	}
	var par Parameters
	if err := json.Unmarshal(data.State, &par); err != nil {
		return 0, err
	}
	if par.NDims != em.par.NDims || par.NFeatures != em.par.NFeatures || par.NLevels != em.par.NLevels {
		return 0, fmt.Errorf("checkpoint parameter shape does not match the model")
	}
	*em.par = par
	em.priorDirty = true
	if data.Final {
		em.finished = true
		em.status.Iterations = data.Iter
		em.status.Objective = data.Objective
		em.status.Converged = true
		em.status.MStepConverged = true
		em.status.EStepConverged = true
		log.Noticef("Restored a finished fit from the checkpoint (iteration %d, objective %v)",
			data.Iter, data.Objective)
		return em.settings.MaxIter, nil
	}
	log.Noticef("Resuming from checkpoint iteration %d (objective %v)", data.Iter, data.Objective)
	return data.Iter, nil
}

func (em *EM) saveCheckpoint(iter int, objective float64, final bool) {
	if em.ckpt == nil || (!final && !em.ckpt.Old()) {
		return
	}
	state, err := json.Marshal(em.par)
	if err != nil {
		log.Error("Error serializing parameters for checkpoint:", err)
		return
	}
	err = em.ckpt.Save(&checkpoint.Data{
		State:     state,
		Objective: objective,
		Iter:      iter,
		Final:     final,
	})
	if err != nil {
		log.Error("Error saving checkpoint:", err)
	}
}

// Run fits the model. The returned status carries convergence flags
// for the EM loop and both sub-steps; parameters are updated in
// place and are best-effort when any flag is false.
func (em *EM) Run() (*Status, error) {
	em.status = Status{MStepConverged: true, EStepConverged: true}
	em.mfFails = 0
	em.finished = false

	startIter, err := em.RestoreCheckpoint()
	if err != nil {
		return nil, err
	}
	if em.finished {
		// nothing to do and nothing to save; the stored
		// checkpoint already is the final one
		st := em.status
		return &st, nil
	}

	prev := math.Inf(-1)
	for iter := startIter + 1; iter <= em.settings.MaxIter; iter++ {
		em.status.Iterations = iter
		em.eStep()
		objective := em.objective()
		em.status.Objective = objective

		log.Noticef("EM iteration %d: objective=%.6f", iter, objective)
		if em.settings.Progress != nil {
			em.settings.Progress(iter, objective)
		}
		em.saveCheckpoint(iter, objective, false)

		if math.Abs(objective-prev) < em.settings.Tolerance {
			em.status.Converged = true
			log.Noticef("EM converged after %d iterations", iter)
			break
		}
		prev = objective

		em.mStep()
	}
	if !em.status.Converged {
		log.Warningf("EM did not converge after %d iterations, returning best-effort parameters",
			em.status.Iterations)
	}
	if em.mfFails > 0 {
		log.Warningf("Variational inference hit the iteration cap for %d instance inferences", em.mfFails)
	}
	em.saveCheckpoint(em.status.Iterations, em.status.Objective, true)
	st := em.status
	return &st, nil
}

// Parameters returns the parameters being fit.
func (em *EM) Parameters() *Parameters {
	return em.par
}

// eStep computes posterior responsibilities for all instances with a
// worker pool; parameters are read-only during the sweep and every
// worker writes to private per-instance slots.
func (em *EM) eStep() {
	fails := em.inferAll(em.respMarg, em.respPair, em.ll, true)
	if fails > 0 {
		em.mfFails += fails
		em.status.EStepConverged = false
	}
}

// updatePrior refreshes the prior-only statistics cache used by the
// M-step objective and gradient.
func (em *EM) updatePrior() {
	if !em.priorDirty {
		return
	}
	fails := em.inferAll(em.priorMarg, em.priorPair, em.priorLogZ, false)
	if fails > 0 {
		em.mfFails += fails
	}
	em.priorDirty = false
}

// inferAll runs per-instance inference over the whole dataset. With
// emission it fills marginal and pairwise responsibilities plus the
// per-instance observed-data log-likelihood; without emission it
// fills prior marginals, pairwise priors, and the prior log partition
// function. Returns the number of variational convergence failures.
func (em *EM) inferAll(marg, pair [][]float64, extra []float64, withEmission bool) int {
	nWorkers := runtime.GOMAXPROCS(0)
	tasks := make(chan int, em.data.Len())
	fails := make(chan int, nWorkers)

	for w := 0; w < nWorkers; w++ {
		go func() {
			nFail := 0
			var exact, exactPrior *ExactResult
			var mf *MeanFieldResult
			for i := range tasks {
				ins := em.data.Instances[i]
				discrete := ins.Discrete
				if !withEmission {
					discrete = nil
				}
				switch em.variant {
				case River:
					em.par.RiverPosterior(ins.Features, discrete, marg[i])
					if withEmission {
						extra[i] = em.riverLogLike(ins)
					} else {
						extra[i] = em.riverLogZ(ins)
					}
				case WatershedExact:
					exact = em.par.ExactPosterior(ins.Features, discrete, exact)
					copy(marg[i], exact.Marg)
					copy(pair[i], exact.PairMarg)
					if withEmission {
						exactPrior = em.par.ExactPosterior(ins.Features, nil, exactPrior)
						extra[i] = exact.LogZ - exactPrior.LogZ
					} else {
						extra[i] = exact.LogZ
					}
				case WatershedApproximate:
					if withEmission {
						mf = em.par.MeanFieldPosterior(ins.Features, discrete, em.settings.MeanField, mf)
						copy(marg[i], mf.Marg)
						var priorOK bool
						extra[i], priorOK = em.meanFieldLogLike(ins, mf.Marg)
						if !priorOK {
							nFail++
						}
					} else {
						var logZ float64
						logZ, mf = em.par.MeanFieldLogZ(ins.Features, em.settings.MeanField, mf)
						copy(marg[i], mf.Marg)
						extra[i] = logZ
					}
					if !mf.Converged {
						nFail++
					}
					for idx := range pair[i] {
						a, b := em.par.PairDims(idx)
						pair[i][idx] = marg[i][a] * marg[i][b]
					}
				}
			}
			fails <- nFail
		}()
	}
	for i := 0; i < em.data.Len(); i++ {
		tasks <- i
	}
	close(tasks)

	total := 0
	for w := 0; w < nWorkers; w++ {
		total += <-fails
	}
	return total
}

// riverLogLike is the exact observed-data log-likelihood of one
// instance under the edge-free model.
func (em *EM) riverLogLike(ins *wdata.Instance) float64 {
	eta := em.par.NodePotentials(ins.Features, nil)
	ll := 0.0
	for e := 0; e < em.par.NDims; e++ {
		e0 := em.par.logEmission(e, 0, ins.Discrete[e])
		e1 := em.par.logEmission(e, 1, ins.Discrete[e])
		// log( (e^{e0} + e^{eta+e1}) / (1 + e^{eta}) )
		ll += logSumExp2(e0, eta[e]+e1) - logSumExp2(0, eta[e])
	}
	return ll
}

// riverLogZ is the factorized log partition function of the
// edge-free prior.
func (em *EM) riverLogZ(ins *wdata.Instance) float64 {
	eta := em.par.NodePotentials(ins.Features, nil)
	logZ := 0.0
	for e := 0; e < em.par.NDims; e++ {
		logZ += logSumExp2(0, eta[e])
	}
	return logZ
}

// meanFieldLogLike is the variational estimate of the observed-data
// log-likelihood: free energy with emissions minus the prior free
// energy. The second return reports whether the prior mean-field
// sweep converged.
func (em *EM) meanFieldLogLike(ins *wdata.Instance, q []float64) (float64, bool) {
	eta := em.par.NodePotentials(ins.Features, nil)
	fe := 0.0
	for e := 0; e < em.par.NDims; e++ {
		fe += q[e]*(eta[e]+em.par.logEmission(e, 1, ins.Discrete[e])) +
			(1-q[e])*em.par.logEmission(e, 0, ins.Discrete[e])
		fe += entropy(q[e])
	}
	for idx := 0; idx < em.par.NPairs(); idx++ {
		a, b := em.par.PairDims(idx)
		fe += em.par.Pair[idx] * q[a] * q[b]
	}
	logZ, res := em.par.MeanFieldLogZ(ins.Features, em.settings.MeanField, nil)
	return fe - logZ, res.Converged
}

func logSumExp2(a, b float64) float64 {
	if a < b {
		a, b = b, a
	}
	return a + math.Log1p(math.Exp(b-a))
}

// penalty is the L2 penalty over feature and pairwise potentials;
// singleton intercepts are not penalized.
func (em *EM) penalty() float64 {
	s := 0.0
	for e := 0; e < em.par.NDims; e++ {
		for _, t := range em.par.Theta[e] {
			s += t * t
		}
	}
	for _, t := range em.par.Pair {
		s += t * t
	}
	return em.par.Lambda / 2 * s
}

// objective is the penalized observed-data objective tracked for EM
// convergence: total log-likelihood minus the L2 penalty plus the
// emission Dirichlet log prior.
func (em *EM) objective() float64 {
	total := 0.0
	for _, l := range em.ll {
		total += l
	}
	return total - em.penalty() + em.par.PhiLogPrior(em.settings.Pseudocount)
}

// mStep re-estimates the emission distributions in closed form and
// the node and edge potentials by penalized quasi-Newton
// maximization.
func (em *EM) mStep() {
	em.par.Phi = EstimatePhi(em.data, em.respMarg, em.par.NDims, em.par.NLevels,
		em.settings.Pseudocount)

	opt := optimize.NewLBFGSB()
	opt.Quiet = true
	opt.SetOptimizable(&crfObjective{em})
	opt.Run(em.settings.MStepIter)
	if !opt.Converged() {
		em.status.MStepConverged = false
		log.Warning("M-step optimizer did not converge, keeping best-effort potentials")
	}
}

// crfObjective adapts the expected complete-data log-likelihood over
// the potentials to the optimizer interface. Responsibilities stay
// fixed during the M-step; only the prior statistics follow the
// moving parameters.
type crfObjective struct {
	em *EM
}

// GetFloatParameters returns the potential parameters.
func (o *crfObjective) GetFloatParameters() optimize.FloatParameters {
	return o.em.parameters
}

// Likelihood computes the L2-penalized expected complete-data
// log-likelihood (up to the emission terms, which do not depend on
// the potentials).
func (o *crfObjective) Likelihood() float64 {
	em := o.em
	em.updatePrior()

	eta := make([]float64, em.par.NDims)
	obj := 0.0
	for i, ins := range em.data.Instances {
		em.par.NodePotentials(ins.Features, eta)
		for e := 0; e < em.par.NDims; e++ {
			obj += em.respMarg[i][e] * eta[e]
		}
		for idx := 0; idx < em.par.NPairs(); idx++ {
			obj += em.respPair[i][idx] * em.par.Pair[idx]
		}
		obj -= em.priorLogZ[i]
	}
	return obj - em.penalty()
}

// Gradient computes the analytic gradient: observed-minus-expected
// sufficient statistics minus the penalty term.
func (o *crfObjective) Gradient(grad []float64) []float64 {
	em := o.em
	em.updatePrior()

	n := em.data.Len()
	nd := em.par.NDims
	nf := em.par.NFeatures

	diff := mat64.NewDense(n, nd, nil)
	for i := 0; i < n; i++ {
		for e := 0; e < nd; e++ {
			diff.Set(i, e, em.respMarg[i][e]-em.priorMarg[i][e])
		}
	}

	// singleton gradient: column sums of the difference
	for e := 0; e < nd; e++ {
		s := 0.0
		for i := 0; i < n; i++ {
			s += diff.At(i, e)
		}
		grad[e] = s
	}

	// theta gradient: X' (Q - P) - lambda theta
	var gt mat64.Dense
	gt.Mul(em.x.T(), diff)
	k := nd
	for e := 0; e < nd; e++ {
		for f := 0; f < nf; f++ {
			grad[k] = gt.At(f, e) - em.par.Lambda*em.par.Theta[e][f]
			k++
		}
	}

	for idx := 0; idx < em.par.NPairs(); idx++ {
		s := 0.0
		for i := 0; i < n; i++ {
			s += em.respPair[i][idx] - em.priorPair[i][idx]
		}
		grad[k] = s - em.par.Lambda*em.par.Pair[idx]
		k++
	}
	return grad
}

// Copy satisfies the optimizer interface; the analytic gradient makes
// the copy-based numerical fallback unnecessary, so the objective
// shares the underlying EM state.
func (o *crfObjective) Copy() optimize.Optimizable {
	return &crfObjective{o.em}
}
