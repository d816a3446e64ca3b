package crf

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/nicolerg/WatershedR/wdata"
)

// TrainedModel is an immutable snapshot of a converged fit: the
// standardization statistics, discretization config, and all CRF
// parameters. It is what gets persisted and later applied to new
// data.
type TrainedModel struct {
	Model        string              `json:"model"`
	FeatureNames []string            `json:"featureNames"`
	OutlierNames []string            `json:"outlierNames"`
	Standardizer *wdata.Standardizer `json:"standardizer"`
	Discretizer  *wdata.Discretizer  `json:"discretizer"`
	Par          *Parameters         `json:"parameters"`
	MeanField    MeanFieldSettings   `json:"meanField"`
	Fit          *Status             `json:"fit,omitempty"`
}

// Variant resolves the stored model name.
func (tm *TrainedModel) Variant() (Variant, error) {
	return ParseVariant(tm.Model, tm.Par.NDims)
}

// Prediction holds marginal posteriors for a prediction dataset,
// keyed by instance identifier.
type Prediction struct {
	SampleIDs    []string
	OutlierNames []string
	// Posteriors has one row per instance, one column per
	// outlier dimension.
	Posteriors [][]float64
	// Converged is false if any variational inference hit its
	// iteration cap.
	Converged bool
}

// Predict applies the trained model to new instances: features are
// standardized with the stored statistics and outliers discretized
// exactly as during training, then a single inference pass computes
// the marginal posteriors. The input dataset is not modified and no
// parameters are updated.
func (tm *TrainedModel) Predict(d *wdata.Dataset) (*Prediction, error) {
	if d.NFeatures() != tm.Par.NFeatures {
		return nil, fmt.Errorf("expected %d features, got %d", tm.Par.NFeatures, d.NFeatures())
	}
	if d.NOutliers() != tm.Par.NDims {
		return nil, fmt.Errorf("expected %d outlier dimensions, got %d", tm.Par.NDims, d.NOutliers())
	}
	variant, err := tm.Variant()
	if err != nil {
		return nil, err
	}

	pred := &Prediction{
		SampleIDs:    make([]string, d.Len()),
		OutlierNames: tm.OutlierNames,
		Posteriors:   makeRows(d.Len(), tm.Par.NDims),
		Converged:    true,
	}
	for i, ins := range d.Instances {
		pred.SampleIDs[i] = ins.SampleID
	}

	nWorkers := runtime.GOMAXPROCS(0)
	tasks := make(chan int, d.Len())
	fails := make(chan int, nWorkers)

	for w := 0; w < nWorkers; w++ {
		go func() {
			nFail := 0
			var exact *ExactResult
			var mf *MeanFieldResult
			features := make([]float64, tm.Par.NFeatures)
			discrete := make([]int, tm.Par.NDims)
			for i := range tasks {
				ins := d.Instances[i]
				for j, x := range ins.Features {
					features[j] = (x - tm.Standardizer.Mean[j]) / tm.Standardizer.Scale[j]
				}
				for e, p := range ins.Outliers {
					discrete[e] = tm.Discretizer.Level(p)
				}
				switch variant {
				case River:
					tm.Par.RiverPosterior(features, discrete, pred.Posteriors[i])
				case WatershedExact:
					exact = tm.Par.ExactPosterior(features, discrete, exact)
					copy(pred.Posteriors[i], exact.Marg)
				case WatershedApproximate:
					mf = tm.Par.MeanFieldPosterior(features, discrete, tm.MeanField, mf)
					copy(pred.Posteriors[i], mf.Marg)
					if !mf.Converged {
						nFail++
					}
				}
			}
			fails <- nFail
		}()
	}
	for i := 0; i < d.Len(); i++ {
		tasks <- i
	}
	close(tasks)
	total := 0
	for w := 0; w < nWorkers; w++ {
		total += <-fails
	}
	if total > 0 {
		pred.Converged = false
		log.Warningf("Variational inference hit the iteration cap for %d prediction instances", total)
	}
	return pred, nil
}

// Save writes the bundle to a JSON file.
func (tm *TrainedModel) Save(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tm)
}

// LoadTrainedModel reads a bundle from a JSON file.
func LoadTrainedModel(filename string) (*TrainedModel, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tm := &TrainedModel{}
	if err := json.NewDecoder(f).Decode(tm); err != nil {
		return nil, err
	}
	if tm.Par == nil {
		return nil, fmt.Errorf("model bundle has no parameters")
	}
	return tm, nil
}
