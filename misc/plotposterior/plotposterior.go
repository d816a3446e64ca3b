// plotposterior creates a posterior histogram per outlier dimension
// from a watershed posterior table.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

func main() {
	in := flag.String("in", "watershed_posterior.tsv", "posterior table")
	out := flag.String("out", "posterior", "output file prefix")
	bins := flag.Int("bins", 20, "number of histogram bins")
	flag.Parse()

	f, err := os.Open(*in)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		panic("empty posterior table")
	}
	header := strings.Split(scanner.Text(), "\t")
	nDims := len(header) - 1
	if nDims < 1 {
		panic("no posterior columns in the table")
	}

	values := make([]plotter.Values, nDims)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) != nDims+1 {
			panic(fmt.Sprintf("expected %d columns, got %d", nDims+1, len(fields)))
		}
		for e := 0; e < nDims; e++ {
			v, err := strconv.ParseFloat(fields[e+1], 64)
			if err != nil {
				panic(err)
			}
			values[e] = append(values[e], v)
		}
	}
	if err := scanner.Err(); err != nil {
		panic(err)
	}

	for e := 0; e < nDims; e++ {
		p, err := plot.New()
		if err != nil {
			panic(err)
		}
		p.Title.Text = header[e+1]
		p.X.Label.Text = "posterior"
		p.Y.Label.Text = "count"

		h, err := plotter.NewHist(values[e], *bins)
		if err != nil {
			panic(err)
		}
		p.Add(h)

		filename := fmt.Sprintf("%s_%s.png", *out, header[e+1])
		if err := p.Save(4*vg.Inch, 4*vg.Inch, filename); err != nil {
			panic(err)
		}
		fmt.Println(filename)
	}
}
