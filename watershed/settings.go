package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nicolerg/WatershedR/crf"
	"github.com/nicolerg/WatershedR/gam"
	"github.com/nicolerg/WatershedR/wdata"
)

// modelSettings collects all validated model parameters from the
// command line.
type modelSettings struct {
	variant     crf.Variant
	nDims       int
	discretizer *wdata.Discretizer
	gam         gam.Config
	em          crf.Settings
}

// parseFloats parses a comma-separated list of numbers.
func parseFloats(s string) ([]float64, error) {
	fields := strings.Split(s, ",")
	res := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse '%s' as a number", f)
		}
		res = append(res, v)
	}
	return res, nil
}

// newModelSettings validates command-line parameters and creates
// modelSettings.
func newModelSettings() (*modelSettings, error) {
	if *nDims < 1 {
		return nil, errors.New("--dimensions must be at least 1")
	}

	variant, err := crf.ParseVariant(*modelName, *nDims)
	if err != nil {
		return nil, err
	}

	thresholds, err := parseFloats(*lvlThresholds)
	if err != nil {
		return nil, fmt.Errorf("invalid --discretize-thresholds: %v", err)
	}
	discretizer, err := wdata.NewDiscretizer(*binThreshold, thresholds)
	if err != nil {
		return nil, err
	}

	if *pseudocount <= 0 {
		return nil, errors.New("--pseudocount must be positive")
	}

	candidates := gam.DefaultCandidates
	if *l2 < 0 {
		candidates, err = parseFloats(*l2Grid)
		if err != nil {
			return nil, fmt.Errorf("invalid --l2-grid: %v", err)
		}
		if len(candidates) == 0 {
			return nil, errors.New("--l2-grid is empty")
		}
		for _, c := range candidates {
			if c < 0 {
				return nil, errors.New("--l2-grid values must be nonnegative")
			}
		}
		if *folds < 2 {
			return nil, errors.New("--folds must be at least 2")
		}
	}

	if *iterations < 1 {
		return nil, errors.New("--iter must be at least 1")
	}
	if *tolerance <= 0 {
		return nil, errors.New("--tolerance must be positive")
	}
	if *viStep <= 0 || *viStep > 1 {
		return nil, errors.New("--vi-step must be in (0, 1]")
	}
	if *viThreshold <= 0 {
		return nil, errors.New("--vi-threshold must be positive")
	}

	s := &modelSettings{
		variant:     variant,
		nDims:       *nDims,
		discretizer: discretizer,
		gam: gam.Config{
			Lambda:     *l2,
			Candidates: candidates,
			Folds:      *folds,
			Pairwise:   variant.HasEdges(),
			Seed:       *seed,
		},
		em: crf.Settings{
			MaxIter:     *iterations,
			Tolerance:   *tolerance,
			Pseudocount: *pseudocount,
			MStepIter:   *mStepIter,
			MeanField: crf.MeanFieldSettings{
				Step:      *viStep,
				Threshold: *viThreshold,
				MaxIter:   *viMaxIter,
			},
		},
	}
	return s, nil
}
