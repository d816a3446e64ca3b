// Package crf implements the Watershed conditional random field: a
// pairwise CRF over binary functional-status variables conditioned on
// genomic annotation features, with categorical emissions linking the
// latent variables to discretized outlier calls.
package crf

import (
	"fmt"
	"math"
	"strings"

	"github.com/gonum/blas/blas64"
	"github.com/op/go-logging"
)

// log is a global logging variable.
var log = logging.MustGetLogger("crf")

// MaxExactDims bounds the dimension count for exact enumeration;
// 2^E states are visited per instance.
const MaxExactDims = 12

// Variant selects the inference strategy, fixed at model
// construction time.
type Variant int

const (
	// River is the edge-free model: latent dimensions decouple
	// and posteriors have a closed form.
	River Variant = iota
	// WatershedExact couples dimensions with pairwise potentials
	// and enumerates all 2^E latent states.
	WatershedExact
	// WatershedApproximate couples dimensions and uses damped
	// mean-field updates instead of enumeration.
	WatershedApproximate
)

// String returns the canonical variant name.
func (v Variant) String() string {
	switch v {
	case River:
		return "RIVER"
	case WatershedExact:
		return "Watershed_exact"
	case WatershedApproximate:
		return "Watershed_approximate"
	}
	return fmt.Sprintf("Variant(%d)", int(v))
}

// ParseVariant resolves a case-insensitive model name. A Watershed
// variant with a single outlier dimension has no pairs to couple and
// is downgraded to RIVER with a warning.
func ParseVariant(name string, nDims int) (Variant, error) {
	var v Variant
	switch strings.ToLower(name) {
	case "river":
		v = River
	case "watershed_exact":
		v = WatershedExact
	case "watershed_approximate":
		v = WatershedApproximate
	default:
		return 0, fmt.Errorf("unknown model name: %s", name)
	}
	if nDims == 1 && v != River {
		log.Warningf("Model %s with a single outlier dimension, downgrading to RIVER", v)
		v = River
	}
	if v == WatershedExact && nDims > MaxExactDims {
		return 0, fmt.Errorf("%d dimensions is too many for exact enumeration (max %d), use %s",
			nDims, MaxExactDims, WatershedApproximate)
	}
	return v, nil
}

// HasEdges returns true for variants with pairwise potentials.
func (v Variant) HasEdges() bool {
	return v != River
}

// Parameters holds all learned CRF parameters. Pair has zero length
// for the RIVER variant; everything else is shared across variants.
type Parameters struct {
	NDims     int `json:"nDims"`
	NFeatures int `json:"nFeatures"`
	NLevels   int `json:"nLevels"`
	// Singleton are the per-dimension intercept potentials.
	Singleton []float64 `json:"singleton"`
	// Theta maps features to node potentials, one coefficient
	// vector per dimension.
	Theta [][]float64 `json:"theta"`
	// Pair are the pairwise interaction weights, indexed by
	// PairIndex; empty when the variant has no edges.
	Pair []float64 `json:"pair"`
	// Phi are the emission distributions: Phi[e][z][level] is
	// P(level | Z_e = z). Every row sums to one.
	Phi [][2][]float64 `json:"phi"`
	// Lambda is the L2 penalty on Theta and Pair.
	Lambda float64 `json:"lambda"`
}

// NewParameters allocates zero-valued parameters. Pairwise storage is
// only allocated for variants with edges.
func NewParameters(variant Variant, nFeatures, nDims, nLevels int, lambda float64) *Parameters {
	p := &Parameters{
		NDims:     nDims,
		NFeatures: nFeatures,
		NLevels:   nLevels,
		Singleton: make([]float64, nDims),
		Theta:     make([][]float64, nDims),
		Phi:       make([][2][]float64, nDims),
		Lambda:    lambda,
	}
	for e := 0; e < nDims; e++ {
		p.Theta[e] = make([]float64, nFeatures)
		p.Phi[e][0] = make([]float64, nLevels)
		p.Phi[e][1] = make([]float64, nLevels)
	}
	if variant.HasEdges() {
		p.Pair = make([]float64, nDims*(nDims-1)/2)
	}
	return p
}

// NPairs returns the number of dimension pairs with an edge.
func (p *Parameters) NPairs() int {
	return len(p.Pair)
}

// PairIndex returns the index of the (a, b) edge, a < b.
func (p *Parameters) PairIndex(a, b int) int {
	return a*(2*p.NDims-a-1)/2 + (b - a - 1)
}

// PairDims is the inverse of PairIndex.
func (p *Parameters) PairDims(idx int) (a, b int) {
	for a = 0; a < p.NDims; a++ {
		n := p.NDims - a - 1
		if idx < n {
			return a, a + 1 + idx
		}
		idx -= n
	}
	panic("pair index out of range")
}

// NodePotentials computes the per-dimension node log-potentials
// (singleton + feature dot theta) into eta, reusing it if provided.
func (p *Parameters) NodePotentials(features []float64, eta []float64) []float64 {
	if eta == nil {
		eta = make([]float64, p.NDims)
	}
	x := blas64.Vector{Inc: 1, Data: features}
	for e := 0; e < p.NDims; e++ {
		t := blas64.Vector{Inc: 1, Data: p.Theta[e]}
		eta[e] = p.Singleton[e] + blas64.Dot(p.NFeatures, x, t)
	}
	return eta
}

// logEmission returns log P(level | Z_e = z); missing observations
// (level < 0) contribute nothing.
func (p *Parameters) logEmission(e, z, level int) float64 {
	if level < 0 {
		return 0
	}
	return math.Log(p.Phi[e][z][level])
}

// emissionLogRatio returns log P(level|Z_e=1) - log P(level|Z_e=0).
func (p *Parameters) emissionLogRatio(e, level int) float64 {
	if level < 0 {
		return 0
	}
	return math.Log(p.Phi[e][1][level]) - math.Log(p.Phi[e][0][level])
}

// Copy returns a deep copy of the parameters.
func (p *Parameters) Copy() *Parameters {
	n := &Parameters{
		NDims:     p.NDims,
		NFeatures: p.NFeatures,
		NLevels:   p.NLevels,
		Singleton: append([]float64(nil), p.Singleton...),
		Theta:     make([][]float64, p.NDims),
		Pair:      append([]float64(nil), p.Pair...),
		Phi:       make([][2][]float64, p.NDims),
		Lambda:    p.Lambda,
	}
	for e := 0; e < p.NDims; e++ {
		n.Theta[e] = append([]float64(nil), p.Theta[e]...)
		n.Phi[e][0] = append([]float64(nil), p.Phi[e][0]...)
		n.Phi[e][1] = append([]float64(nil), p.Phi[e][1]...)
	}
	return n
}
