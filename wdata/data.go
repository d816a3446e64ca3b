// Package wdata reads and prepares variant-individual outlier tables.
package wdata

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/gonum/matrix/mat64"
	"github.com/klauspost/pgzip"
	"github.com/op/go-logging"
)

// log is a global logging variable.
var log = logging.MustGetLogger("wdata")

// NoPair marks an instance which is not part of a held-out N2 pair.
const NoPair = "NA"

// Instance is a single gene-individual pair: its genomic annotation
// features, raw outlier signals, and the derived binary and
// discretized outlier calls.
type Instance struct {
	// SampleID is an opaque identifier (gene:individual).
	SampleID string
	// Features are the genomic annotation values, standardized in
	// place after loading.
	Features []float64
	// Outliers are the raw outlier signals (p-values), one per
	// dimension. NaN marks a missing signal.
	Outliers []float64
	// Binary are the thresholded outlier calls, one per dimension.
	Binary []int
	// Discrete are the multi-level outlier calls used as emission
	// targets. -1 marks a missing signal.
	Discrete []int
	// N2Pair is the held-out evaluation pair label, NoPair if the
	// instance is not part of a pair.
	N2Pair string
}

// Dataset stores instances together with the column layout.
type Dataset struct {
	Instances    []*Instance
	FeatureNames []string
	OutlierNames []string
}

// NFeatures returns the number of annotation features.
func (d *Dataset) NFeatures() int {
	return len(d.FeatureNames)
}

// NOutliers returns the number of outlier dimensions.
func (d *Dataset) NOutliers() int {
	return len(d.OutlierNames)
}

// Len returns the number of instances.
func (d *Dataset) Len() int {
	return len(d.Instances)
}

// FeatureMatrix returns the instances-by-features matrix.
func (d *Dataset) FeatureMatrix() *mat64.Dense {
	f := d.NFeatures()
	m := mat64.NewDense(d.Len(), f, nil)
	for i, ins := range d.Instances {
		m.SetRow(i, ins.Features)
	}
	return m
}

// TrainingSubset returns instances which are not part of a held-out
// N2 pair.
func (d *Dataset) TrainingSubset() *Dataset {
	sub := &Dataset{
		FeatureNames: d.FeatureNames,
		OutlierNames: d.OutlierNames,
	}
	for _, ins := range d.Instances {
		if ins.N2Pair == NoPair {
			sub.Instances = append(sub.Instances, ins)
		}
	}
	return sub
}

// Open opens a data source given a path or an http(s) URL. Files with
// a .gz suffix are decompressed transparently.
func Open(src string) (io.ReadCloser, error) {
	var r io.ReadCloser
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		resp, err := resty.New().R().Get(src)
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("fetching %s: %s", src, resp.Status())
		}
		r = io.NopCloser(bytes.NewReader(resp.Body()))
	} else {
		f, err := os.Open(src)
		if err != nil {
			return nil, err
		}
		r = f
	}
	if strings.HasSuffix(src, ".gz") {
		gz, err := pgzip.NewReader(r)
		if err != nil {
			r.Close()
			return nil, err
		}
		return &gzReadCloser{gz, r}, nil
	}
	return r, nil
}

type gzReadCloser struct {
	*pgzip.Reader
	raw io.Closer
}

func (g *gzReadCloser) Close() error {
	err := g.Reader.Close()
	if err2 := g.raw.Close(); err == nil {
		err = err2
	}
	return err
}

// Load reads a tab-separated table from a path or URL. The expected
// layout is: a header row; a sample identifier column; the annotation
// feature columns; nOutliers outlier signal columns; a trailing N2
// pair column.
func Load(src string, nOutliers int) (*Dataset, error) {
	r, err := Open(src)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return Parse(r, nOutliers)
}

// Parse reads a tab-separated table from a reader (see Load for the
// layout).
func Parse(r io.Reader, nOutliers int) (*Dataset, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("empty input")
	}
	header := strings.Split(scanner.Text(), "\t")
	// sample id + at least one feature + outliers + N2 pair
	if len(header) < nOutliers+3 {
		return nil, fmt.Errorf("expected at least %d columns, got %d", nOutliers+3, len(header))
	}
	nFeatures := len(header) - nOutliers - 2

	d := &Dataset{
		FeatureNames: header[1 : 1+nFeatures],
		OutlierNames: header[1+nFeatures : 1+nFeatures+nOutliers],
	}

	lineNo := 1
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != len(header) {
			return nil, fmt.Errorf("line %d: expected %d fields, got %d", lineNo, len(header), len(fields))
		}
		ins := &Instance{
			SampleID: fields[0],
			Features: make([]float64, nFeatures),
			Outliers: make([]float64, nOutliers),
			N2Pair:   fields[len(fields)-1],
		}
		for i := 0; i < nFeatures; i++ {
			v, err := strconv.ParseFloat(fields[1+i], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: feature %s: %v", lineNo, d.FeatureNames[i], err)
			}
			ins.Features[i] = v
		}
		for i := 0; i < nOutliers; i++ {
			s := fields[1+nFeatures+i]
			if s == "NA" || s == "" {
				ins.Outliers[i] = math.NaN()
				continue
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: outlier %s: %v", lineNo, d.OutlierNames[i], err)
			}
			ins.Outliers[i] = v
		}
		if ins.N2Pair == "" {
			ins.N2Pair = NoPair
		}
		d.Instances = append(d.Instances, ins)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	log.Infof("Read %d instances, %d features, %d outlier signals",
		d.Len(), d.NFeatures(), d.NOutliers())
	return d, nil
}
