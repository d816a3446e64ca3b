package crf

import (
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"

	"github.com/nicolerg/WatershedR/checkpoint"
	"github.com/nicolerg/WatershedR/wdata"
)

// simulate draws instances from a known model with one feature per
// dimension: latent states from the exact prior, levels from the
// emission distributions. Returns the dataset and the true latent
// states.
func simulate(n, nDims int, seed int64) (*wdata.Dataset, [][]int) {
	rng := rand.New(rand.NewSource(seed))

	truth := NewParameters(WatershedExact, nDims, nDims, 3, 0)
	for e := 0; e < nDims; e++ {
		truth.Singleton[e] = -1
		// dimension e is driven by feature e only
		truth.Theta[e][e] = 1.5
		truth.Phi[e][0] = []float64{0.85, 0.1, 0.05}
		truth.Phi[e][1] = []float64{0.1, 0.2, 0.7}
	}
	for idx := range truth.Pair {
		truth.Pair[idx] = 0.5
	}

	d := &wdata.Dataset{}
	for e := 0; e < nDims; e++ {
		d.FeatureNames = append(d.FeatureNames, fmt.Sprintf("f%d", e))
		d.OutlierNames = append(d.OutlierNames, fmt.Sprintf("o%d", e))
	}
	states := make([][]int, n)
	var res *ExactResult
	for i := 0; i < n; i++ {
		features := make([]float64, nDims)
		for j := range features {
			features[j] = rng.NormFloat64()
		}
		res = truth.ExactPosterior(features, nil, res)

		// sample a latent state from the prior
		u := rng.Float64()
		state := 0
		for s, v := range res.Joint {
			u -= v
			if u <= 0 {
				state = s
				break
			}
		}

		z := make([]int, nDims)
		discrete := make([]int, nDims)
		for e := 0; e < nDims; e++ {
			z[e] = (state >> uint(e)) & 1
			u := rng.Float64()
			for lvl, v := range truth.Phi[e][z[e]] {
				u -= v
				if u <= 0 {
					discrete[e] = lvl
					break
				}
			}
		}
		states[i] = z
		d.Instances = append(d.Instances, &wdata.Instance{
			SampleID: fmt.Sprintf("s%d", i),
			Features: features,
			Discrete: discrete,
			N2Pair:   wdata.NoPair,
		})
	}
	return d, states
}

// initTestParameters returns weakly informed starting parameters.
func initTestParameters(variant Variant, nFeatures, nDims int) *Parameters {
	par := NewParameters(variant, nFeatures, nDims, 3, 0.1)
	for e := 0; e < nDims; e++ {
		par.Phi[e][0] = []float64{0.5, 0.3, 0.2}
		par.Phi[e][1] = []float64{0.2, 0.3, 0.5}
	}
	return par
}

func emSettings() Settings {
	s := DefaultSettings()
	s.MaxIter = 15
	s.Pseudocount = 1
	s.MStepIter = 50
	return s
}

func TestEMObjectiveNonDecreasing(tst *testing.T) {
	d, _ := simulate(250, 2, 1)
	par := initTestParameters(WatershedExact, 2, 2)

	var objectives []float64
	settings := emSettings()
	settings.Progress = func(iter int, objective float64) {
		objectives = append(objectives, objective)
	}

	em, err := NewEM(WatershedExact, d, par, settings)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	status, err := em.Run()
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	tst.Log("objectives:", objectives)

	if len(objectives) < 2 {
		tst.Fatal("Expected several EM iterations, got", len(objectives))
	}
	for i := 1; i < len(objectives); i++ {
		if objectives[i] < objectives[i-1]-1e-6 {
			tst.Error("Objective decreased at iteration", i, ":",
				objectives[i-1], "->", objectives[i])
		}
	}
	if status.Objective != objectives[len(objectives)-1] {
		tst.Error("Status objective does not match the trajectory")
	}
}

func TestEMRecoversSignal(tst *testing.T) {
	d, states := simulate(400, 3, 2)
	par := initTestParameters(WatershedExact, 3, 3)

	em, err := NewEM(WatershedExact, d, par, emSettings())
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if _, err := em.Run(); err != nil {
		tst.Fatal("Error: ", err)
	}
	fitted := em.Parameters()

	// each dimension is driven by its own feature in the truth
	for e := 0; e < 3; e++ {
		if fitted.Theta[e][e] <= 0 {
			tst.Error("Informative coefficient lost for dimension", e, ":", fitted.Theta[e])
		}
	}

	// posteriors must separate the true latent states
	sum1, n1 := 0.0, 0
	sum0, n0 := 0.0, 0
	var res *ExactResult
	for i, ins := range d.Instances {
		res = fitted.ExactPosterior(ins.Features, ins.Discrete, res)
		if states[i][0] == 1 {
			sum1 += res.Marg[0]
			n1++
		} else {
			sum0 += res.Marg[0]
			n0++
		}
	}
	mean1 := sum1 / float64(n1)
	mean0 := sum0 / float64(n0)
	tst.Log("mean posterior: functional =", mean1, ", non-functional =", mean0)
	if mean1 <= mean0+0.1 {
		tst.Error("Posteriors do not separate the latent states:", mean1, mean0)
	}
}

func TestEMRiver(tst *testing.T) {
	d, _ := simulate(200, 2, 3)
	par := initTestParameters(River, 2, 2)
	if par.NPairs() != 0 {
		tst.Fatal("RIVER parameters should have no pairs")
	}

	em, err := NewEM(River, d, par, emSettings())
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	status, err := em.Run()
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if status.Iterations == 0 {
		tst.Error("No EM iterations performed")
	}
	if math.IsNaN(status.Objective) || math.IsInf(status.Objective, 0) {
		tst.Error("Non-finite objective:", status.Objective)
	}
}

func TestEMApproximate(tst *testing.T) {
	d, _ := simulate(200, 2, 4)
	par := initTestParameters(WatershedApproximate, 2, 2)

	em, err := NewEM(WatershedApproximate, d, par, emSettings())
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	status, err := em.Run()
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if !status.EStepConverged {
		tst.Error("Variational inference hit the iteration cap")
	}
	if math.IsNaN(status.Objective) || math.IsInf(status.Objective, 0) {
		tst.Error("Non-finite objective:", status.Objective)
	}
}

func TestEMShapeValidation(tst *testing.T) {
	d, _ := simulate(50, 2, 5)

	// wrong dimension count
	par := initTestParameters(WatershedExact, 2, 3)
	if _, err := NewEM(WatershedExact, d, par, emSettings()); err == nil {
		tst.Error("Expected an error for a parameter shape mismatch")
	}

	// invalid pseudocount
	par = initTestParameters(WatershedExact, 2, 2)
	s := emSettings()
	s.Pseudocount = 0
	if _, err := NewEM(WatershedExact, d, par, s); err == nil {
		tst.Error("Expected an error for a zero pseudocount")
	}

	// empty dataset
	empty := &wdata.Dataset{FeatureNames: d.FeatureNames, OutlierNames: d.OutlierNames}
	if _, err := NewEM(WatershedExact, empty, par, emSettings()); err == nil {
		tst.Error("Expected an error for an empty dataset")
	}
}

func TestEMCheckpointRestore(tst *testing.T) {
	d, _ := simulate(150, 2, 6)
	par := initTestParameters(WatershedExact, 2, 2)

	dbPath := filepath.Join(tst.TempDir(), "checkpoint.db")
	db, err := bolt.Open(dbPath, 0644, nil)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	defer db.Close()
	key := []byte("em")

	settings := emSettings()
	settings.MaxIter = 5
	em, err := NewEM(WatershedExact, d, par, settings)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	em.SetCheckpoint(checkpoint.NewIO(db, key, 0))
	status, err := em.Run()
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	fitted := em.Parameters().Copy()

	// a fresh EM restored from the checkpoint must see the fit as
	// finished and carry the fitted parameters
	em2, err := NewEM(WatershedExact, d, initTestParameters(WatershedExact, 2, 2), settings)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	em2.SetCheckpoint(checkpoint.NewIO(db, key, 0))
	iter, err := em2.RestoreCheckpoint()
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if iter != settings.MaxIter && iter != status.Iterations {
		tst.Error("Unexpected resume iteration:", iter)
	}
	restored := em2.Parameters()
	for e := 0; e < 2; e++ {
		if math.Abs(restored.Singleton[e]-fitted.Singleton[e]) > smallDiff {
			tst.Error("Restored singleton differs:", restored.Singleton[e], fitted.Singleton[e])
		}
		for j := 0; j < 2; j++ {
			if math.Abs(restored.Theta[e][j]-fitted.Theta[e][j]) > smallDiff {
				tst.Error("Restored theta differs:", restored.Theta[e][j], fitted.Theta[e][j])
			}
		}
	}
}

func TestEMRunFinishedCheckpoint(tst *testing.T) {
	d, _ := simulate(150, 2, 8)

	dbPath := filepath.Join(tst.TempDir(), "checkpoint.db")
	db, err := bolt.Open(dbPath, 0644, nil)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	defer db.Close()
	key := []byte("em")

	settings := emSettings()
	settings.MaxIter = 5
	em, err := NewEM(WatershedExact, d, initTestParameters(WatershedExact, 2, 2), settings)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	em.SetCheckpoint(checkpoint.NewIO(db, key, 0))
	status, err := em.Run()
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	fitted := em.Parameters().Copy()

	// running a second fit against the stored finished fit must
	// report the stored result instead of redoing the loop
	em2, err := NewEM(WatershedExact, d, initTestParameters(WatershedExact, 2, 2), settings)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	em2.SetCheckpoint(checkpoint.NewIO(db, key, 0))
	iterations := 0
	settingsCopy := settings
	settingsCopy.Progress = func(iter int, objective float64) {
		iterations++
	}
	em2.settings = settingsCopy
	status2, err := em2.Run()
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if iterations != 0 {
		tst.Error("Expected no new EM iterations, got", iterations)
	}
	if !status2.Converged {
		tst.Error("A restored finished fit must report convergence")
	}
	if status2.Iterations != status.Iterations {
		tst.Error("Restored iteration count differs:", status2.Iterations, status.Iterations)
	}
	if math.Abs(status2.Objective-status.Objective) > smallDiff {
		tst.Error("Restored objective differs:", status2.Objective, status.Objective)
	}
	restored := em2.Parameters()
	for e := 0; e < 2; e++ {
		if math.Abs(restored.Singleton[e]-fitted.Singleton[e]) > smallDiff {
			tst.Error("Restored singleton differs:", restored.Singleton[e], fitted.Singleton[e])
		}
	}

	// the stored checkpoint must survive the second run untouched
	data, err := checkpoint.NewIO(db, key, 0).Load()
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if data == nil || !data.Final {
		tst.Fatal("Final checkpoint lost after the second run")
	}
	if data.Iter != status.Iterations {
		tst.Error("Checkpoint iteration overwritten:", data.Iter, status.Iterations)
	}
	if math.Abs(data.Objective-status.Objective) > smallDiff {
		tst.Error("Checkpoint objective overwritten:", data.Objective, status.Objective)
	}
}

// TestEMToyRecovery fits a three-dimensional toy set with noiseless
// emissions; the fitted posteriors must recover the true latent
// states nearly exactly.
func TestEMToyRecovery(tst *testing.T) {
	const n = 300
	const nDims = 3
	rng := rand.New(rand.NewSource(7))

	truth := NewParameters(WatershedExact, nDims, nDims, 3, 0)
	for e := 0; e < nDims; e++ {
		truth.Singleton[e] = -1
		truth.Theta[e][e] = 1
	}
	for idx := range truth.Pair {
		truth.Pair[idx] = 0.5
	}

	d := &wdata.Dataset{}
	for e := 0; e < nDims; e++ {
		d.FeatureNames = append(d.FeatureNames, fmt.Sprintf("f%d", e))
		d.OutlierNames = append(d.OutlierNames, fmt.Sprintf("o%d", e))
	}
	states := make([][]int, n)
	var res *ExactResult
	for i := 0; i < n; i++ {
		features := make([]float64, nDims)
		for j := range features {
			features[j] = rng.NormFloat64()
		}
		res = truth.ExactPosterior(features, nil, res)

		u := rng.Float64()
		state := 0
		for s, v := range res.Joint {
			u -= v
			if u <= 0 {
				state = s
				break
			}
		}

		z := make([]int, nDims)
		discrete := make([]int, nDims)
		for e := 0; e < nDims; e++ {
			z[e] = (state >> uint(e)) & 1
			// a functional dimension always shows the extreme
			// level, a non-functional one the baseline
			if z[e] == 1 {
				discrete[e] = 2
			}
		}
		states[i] = z
		d.Instances = append(d.Instances, &wdata.Instance{
			SampleID: fmt.Sprintf("s%d", i),
			Features: features,
			Discrete: discrete,
			N2Pair:   wdata.NoPair,
		})
	}

	settings := emSettings()
	settings.Pseudocount = 0.01
	em, err := NewEM(WatershedExact, d, initTestParameters(WatershedExact, nDims, nDims), settings)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if _, err := em.Run(); err != nil {
		tst.Fatal("Error: ", err)
	}
	fitted := em.Parameters()

	for i, ins := range d.Instances {
		res = fitted.ExactPosterior(ins.Features, ins.Discrete, res)
		for e := 0; e < nDims; e++ {
			if states[i][e] == 1 && res.Marg[e] < 0.95 {
				tst.Error("Instance", i, "dimension", e,
					": posterior", res.Marg[e], "misses the functional state")
			}
			if states[i][e] == 0 && res.Marg[e] > 0.05 {
				tst.Error("Instance", i, "dimension", e,
					": posterior", res.Marg[e], "misses the non-functional state")
			}
		}
	}
}

func TestEMMeanFieldFailureAccounting(tst *testing.T) {
	d, _ := simulate(100, 2, 9)
	par := initTestParameters(WatershedApproximate, 2, 2)

	settings := emSettings()
	settings.MeanField = MeanFieldSettings{Step: 0.8, Threshold: 1e-12, MaxIter: 1}
	em, err := NewEM(WatershedApproximate, d, par, settings)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	status, err := em.Run()
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if status.EStepConverged {
		tst.Error("Capped variational inference must be reported as non-converged")
	}
	// failures accumulate over the whole run, including the prior
	// sweeps inside the variational log-likelihood
	if em.mfFails <= d.Len() {
		tst.Error("Expected accumulated inference failures, got", em.mfFails)
	}
}
