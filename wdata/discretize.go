package wdata

import (
	"fmt"
	"math"
	"sort"
)

// Discretizer converts raw outlier signals (p-values) into binary
// calls and into the multi-level calls used as emission targets.
// Lower p-values mean stronger outlier evidence, so level 0 is
// "inlier" and the top level is the strongest outlier call.
type Discretizer struct {
	// BinaryThreshold is the p-value cutoff for the binary call.
	BinaryThreshold float64 `json:"binaryThreshold"`
	// LevelThresholds are ascending p-value cutoffs separating
	// the emission levels; len+1 levels in total.
	LevelThresholds []float64 `json:"levelThresholds"`
}

// NewDiscretizer creates a discretizer and validates the thresholds.
func NewDiscretizer(binaryThreshold float64, levelThresholds []float64) (*Discretizer, error) {
	if binaryThreshold <= 0 || binaryThreshold >= 1 {
		return nil, fmt.Errorf("binary threshold must be in (0, 1), got %v", binaryThreshold)
	}
	if len(levelThresholds) == 0 {
		return nil, fmt.Errorf("at least one level threshold required")
	}
	if !sort.Float64sAreSorted(levelThresholds) {
		return nil, fmt.Errorf("level thresholds must be ascending")
	}
	for _, t := range levelThresholds {
		if t <= 0 || t >= 1 {
			return nil, fmt.Errorf("level threshold must be in (0, 1), got %v", t)
		}
	}
	return &Discretizer{
		BinaryThreshold: binaryThreshold,
		LevelThresholds: levelThresholds,
	}, nil
}

// NLevels returns the number of emission levels.
func (dc *Discretizer) NLevels() int {
	return len(dc.LevelThresholds) + 1
}

// BinaryCall thresholds a single p-value; missing values are called 0.
func (dc *Discretizer) BinaryCall(p float64) int {
	if !math.IsNaN(p) && p < dc.BinaryThreshold {
		return 1
	}
	return 0
}

// Level returns the emission level of a single p-value, counting the
// thresholds the value falls below. Missing values get level -1.
func (dc *Discretizer) Level(p float64) int {
	if math.IsNaN(p) {
		return -1
	}
	level := 0
	for _, t := range dc.LevelThresholds {
		if p < t {
			level++
		}
	}
	return level
}

// Apply derives binary and multi-level calls for all instances.
func (dc *Discretizer) Apply(d *Dataset) {
	e := d.NOutliers()
	for _, ins := range d.Instances {
		ins.Binary = make([]int, e)
		ins.Discrete = make([]int, e)
		for i, p := range ins.Outliers {
			ins.Binary[i] = dc.BinaryCall(p)
			ins.Discrete[i] = dc.Level(p)
		}
	}
}
