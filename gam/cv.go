package gam

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/nicolerg/WatershedR/wdata"
)

// DefaultCandidates is the default penalty grid for the
// cross-validated search.
var DefaultCandidates = []float64{1e2, 1e1, 1, 1e-1, 1e-2, 1e-3}

// hasBothClasses reports whether an outcome takes both values over a
// set of instances; fits on one-class folds are degenerate and the
// fold is skipped.
func hasBothClasses(instances []*wdata.Instance, dims [2]int) bool {
	seen0, seen1 := false, false
	for _, ins := range instances {
		if outcomeValue(ins, dims) > 0 {
			seen1 = true
		} else {
			seen0 = true
		}
		if seen0 && seen1 {
			return true
		}
	}
	return false
}

// selectLambda performs a k-fold cross-validated grid search over the
// candidate penalties, scoring each candidate by mean held-out
// negative log-likelihood of the fitted outcomes (pairwise ones
// included when the final fit has them), and returns the best
// candidate.
func selectLambda(d *wdata.Dataset, cfg Config) (float64, error) {
	candidates := cfg.Candidates
	if len(candidates) == 0 {
		candidates = DefaultCandidates
	}
	folds := cfg.Folds
	if folds <= 1 {
		folds = 5
	}
	if folds > d.Len() {
		folds = d.Len()
	}
	log.Noticef("Selecting lambda by %d-fold cross-validation over %v", folds, candidates)

	// deterministic fold assignment
	rng := rand.New(rand.NewSource(cfg.Seed))
	perm := rng.Perm(d.Len())
	foldOf := make([]int, d.Len())
	for i, p := range perm {
		foldOf[p] = i % folds
	}

	outcomes := buildOutcomes(d, cfg.Pairwise)

	best := math.NaN()
	bestScore := math.Inf(+1)
	for _, lambda := range candidates {
		score := 0.0
		used := 0
		for fold := 0; fold < folds; fold++ {
			var train, test []*wdata.Instance
			for i, ins := range d.Instances {
				if foldOf[i] == fold {
					test = append(test, ins)
				} else {
					train = append(train, ins)
				}
			}

			foldOK := true
			foldScore := 0.0
			for _, o := range outcomes {
				if !hasBothClasses(train, o.Dims) {
					log.Warningf("Fold %d: outcome %s has a single class, skipping fold", fold, o.Name)
					foldOK = false
					break
				}
				coef, err := fitOne(train, d.FeatureNames, o.Dims, lambda)
				if err != nil {
					log.Warningf("Fold %d: outcome %s: %v, skipping fold", fold, o.Name, err)
					foldOK = false
					break
				}
				foldScore -= logLike(test, o.Dims, coef) / float64(len(test))
			}
			if foldOK {
				score += foldScore
				used++
			}
		}
		if used == 0 {
			log.Warningf("lambda=%v: no usable folds, disqualified", lambda)
			continue
		}
		score /= float64(used)
		log.Infof("lambda=%v: mean held-out NLL=%.6f (%d/%d folds)", lambda, score, used, folds)
		if score < bestScore {
			bestScore = score
			best = lambda
		}
	}
	if math.IsNaN(best) {
		return 0, fmt.Errorf("cross-validation failed for every candidate lambda")
	}
	log.Noticef("Selected lambda=%v (mean held-out NLL=%.6f)", best, bestScore)
	return best, nil
}
