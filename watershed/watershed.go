/*

Watershed estimates, for rare variant / individual pairs, the
posterior probability that the variant is functionally causal for
each of several RNA-seq outlier signals. It fits a pairwise
conditional random field over latent functional-status variables
conditioned on genomic annotations, with emissions linking the latent
variables to discretized outlier calls.

The basic usage looks like this:

	watershed --training training.tsv --prediction prediction.tsv --dimensions 3

, this will fit the exact Watershed model and write posterior
probabilities for the prediction instances.

You can change the model and the penalty:

	watershed --training training.tsv --prediction prediction.tsv \
		--dimensions 8 --model Watershed_approximate --l2 0.01

To see all the options run:

	watershed --help

*/
package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/op/go-logging"
	"gopkg.in/alecthomas/kingpin.v2"
)

// These three variables are set during the compilation.
var githash = ""
var gitbranch = ""
var buildstamp = ""
var version = fmt.Sprintf("branch: %s, revision: %s, build time: %s", gitbranch, githash, buildstamp)

// Logger settings.
var log = logging.MustGetLogger("watershed")

// logPackages lists all packages with configurable log levels.
var logPackages = []string{"watershed", "crf", "gam", "wdata", "optimize", "checkpoint"}

// command-line options
var (
	// application
	app = kingpin.New("watershed", "Watershed/RIVER functional rare-variant posterior estimation").Version(version)

	// input/output data
	trainingF   = app.Flag("training", "training data table (path or URL, .gz supported)").Required().String()
	predictionF = app.Flag("prediction", "prediction data table (path or URL, .gz supported)").String()
	outPrefix   = app.Flag("out", "output file prefix").Default("watershed").String()

	// model parameters
	nDims     = app.Flag("dimensions", "number of outlier signals (E)").Required().Int()
	modelName = app.Flag("model", "model name "+
		"(RIVER: no edge potentials, "+
		"Watershed_exact: exact enumeration of the latent states, "+
		"Watershed_approximate: mean-field variational inference)").
		Default("Watershed_exact").String()
	pseudocount = app.Flag("pseudocount", "Dirichlet pseudocount for the emission estimates").Default("10").Float64()

	// annotation model parameters
	l2 = app.Flag("l2", "L2 penalty strength; negative triggers cross-validated selection").
		Default("-1").Float64()
	l2Grid = app.Flag("l2-grid", "comma-separated candidate penalties for cross-validation").
		Default("100,10,1,0.1,0.01,0.001").String()
	folds = app.Flag("folds", "number of cross-validation folds").Default("5").Int()

	// discretization parameters
	binThreshold = app.Flag("binary-threshold", "binary outlier p-value cutoff").Default("0.01").Float64()
	lvlThresholds = app.Flag("discretize-thresholds", "ascending p-value cutoffs separating the emission levels").
		Default("0.01,0.1").String()

	// optimizer parameters
	iterations = app.Flag("iter", "maximum number of EM iterations").Default("1000").Int()
	tolerance  = app.Flag("tolerance", "EM objective convergence tolerance").Default("1e-4").Float64()
	mStepIter  = app.Flag("mstep-iter", "maximum quasi-Newton iterations per M-step").Default("200").Int()

	// variational parameters (approximate model only)
	viStep      = app.Flag("vi-step", "variational damping step size").Default("0.8").Float64()
	viThreshold = app.Flag("vi-threshold", "variational convergence threshold").Default("1e-6").Float64()
	viMaxIter   = app.Flag("vi-iter", "maximum variational update sweeps").Default("1000").Int()

	// checkpoint
	checkpointF       = app.Flag("checkpoint", "bolt database for checkpoints and the model bundle").String()
	checkpointSeconds = app.Flag("checkpoint-seconds", "seconds between checkpoint saves").Default("30").Float64()

	// technical
	nThreads   = app.Flag("nt", "number of threads to use").Int()
	seed       = app.Flag("seed", "random generator seed, default time based").Default("-1").Int64()
	cpuProfile = app.Flag("cpuprofile", "write cpu profile to file").String()

	// logging and summary
	outLogF  = app.Flag("log", "write log to a file").String()
	logLevel = app.Flag("loglevel", "set loglevel "+
		"('critical', 'error', 'warning', 'notice', 'info', 'debug')").
		Default("notice").
		Enum("critical", "error", "warning", "notice", "info", "debug")
	jsonF = app.Flag("json", "write json output to a file").String()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	// logging
	var backend *logging.LogBackend
	if *outLogF != "" {
		f, err := os.OpenFile(*outLogF, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Fatal("Error creating log file:", err)
		}
		defer f.Close()
		backend = logging.NewLogBackend(f, "", 0)
		logging.SetFormatter(logging.MustStringFormatter(`%{message}`))
	} else {
		backend = logging.NewLogBackend(os.Stderr, "", 0)
		if isatty.IsTerminal(os.Stderr.Fd()) {
			logging.SetFormatter(logging.MustStringFormatter(`%{color}%{message}%{color:reset}`))
		} else {
			logging.SetFormatter(logging.MustStringFormatter(`%{message}`))
		}
	}
	logging.SetBackend(backend)

	level, err := logging.LogLevel(*logLevel)
	if err != nil {
		log.Fatal(err)
	}
	for _, pkg := range logPackages {
		logging.SetLevel(level, pkg)
	}

	// print revision
	log.Info(version)

	// print commandline
	log.Info("Command line:", os.Args)

	if *seed == -1 {
		*seed = time.Now().UnixNano()
		log.Debug("Random seed from time")
	}
	log.Infof("Random seed=%v", *seed)

	rand.Seed(*seed)
	runtime.GOMAXPROCS(*nThreads)

	effectiveNThreads := runtime.GOMAXPROCS(0)
	log.Infof("Using threads: %d.", effectiveNThreads)

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	startTime := time.Now()

	summary := &CallSummary{
		Version:     version,
		CommandLine: os.Args,
		Seed:        *seed,
		NThreads:    effectiveNThreads,
	}
	summary.Training = run()
	summary.TotalTime = time.Since(startTime).Seconds()

	// output summary in json format
	if *jsonF != "" {
		j, err := json.Marshal(summary)
		if err != nil {
			log.Error(err)
		} else {
			log.Debug(string(j))
			f, err := os.Create(*jsonF)
			if err != nil {
				log.Error("Error creating json output file:", err)
			} else {
				f.Write(j)
				f.Close()
			}
		}
	}
}
