package wdata

import (
	"gonum.org/v1/gonum/stat"
)

// Standardizer centers and scales feature columns using training-set
// statistics. Fit once on training data, applied unchanged at
// prediction time.
type Standardizer struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// FitStandardizer computes per-column mean and standard deviation
// over a dataset. Zero-variance columns get scale 1 so that
// standardization cannot divide by zero.
func FitStandardizer(d *Dataset) *Standardizer {
	f := d.NFeatures()
	s := &Standardizer{
		Mean:  make([]float64, f),
		Scale: make([]float64, f),
	}
	col := make([]float64, d.Len())
	for j := 0; j < f; j++ {
		for i, ins := range d.Instances {
			col[i] = ins.Features[j]
		}
		mean, std := stat.MeanStdDev(col, nil)
		s.Mean[j] = mean
		if std > 0 {
			s.Scale[j] = std
		} else {
			log.Warningf("Feature %s has zero variance, not scaling", d.FeatureNames[j])
			s.Scale[j] = 1
		}
	}
	return s
}

// Apply standardizes the feature vectors of all instances in place.
func (s *Standardizer) Apply(d *Dataset) {
	for _, ins := range d.Instances {
		for j := range ins.Features {
			ins.Features[j] = (ins.Features[j] - s.Mean[j]) / s.Scale[j]
		}
	}
}
