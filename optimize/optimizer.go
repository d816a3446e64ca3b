// Package optimize provides a quasi-Newton optimizer layer for
// penalized likelihood maximization.
package optimize

import (
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/op/go-logging"
)

// log is a global logging variable.
var log = logging.MustGetLogger("optimize")

// Optimizable is something which can be optimized: it exposes its
// parameters and computes a log-likelihood (or any objective to be
// maximized) for the current parameter values.
type Optimizable interface {
	GetFloatParameters() FloatParameters
	Likelihood() float64
	Copy() Optimizable
}

// Gradienter is an Optimizable providing an analytic gradient of the
// objective with respect to the parameters, evaluated at the current
// parameter values. Optimizers fall back to finite differences when
// it is not implemented.
type Gradienter interface {
	Gradient(grad []float64) []float64
}

// Optimizer is an optimization method.
type Optimizer interface {
	SetOptimizable(Optimizable)
	SetTrajectoryOutput(io.Writer)
	SetReportPeriod(period int)
	WatchSignals(...os.Signal)
	Run(iterations int)
	GetMaxL() float64
	GetMaxLParameters() []float64
	Converged() bool
	PrintResults()
	Summary() Summary
}

// Summary stores an optimization run summary.
type Summary struct {
	// Method is the name of the optimization method.
	Method string `json:"method"`
	// MaxLnL is the maximum likelihood value found.
	MaxLnL float64 `json:"maxLnL"`
	// MaxLParameters are the parameter values at the maximum.
	MaxLParameters map[string]float64 `json:"maxLParameters"`
	// Calls is the number of likelihood function calls.
	Calls int `json:"likelihoodCalls"`
	// Converged indicates if the method reported convergence.
	Converged bool `json:"converged"`
	// Status is the raw status message of the method.
	Status string `json:"status,omitempty"`
}

// BaseOptimizer implements the common parts of optimizers.
type BaseOptimizer struct {
	Optimizable
	parameters FloatParameters
	i          int
	l          float64
	maxL       float64
	maxLPar    []float64
	calls      int
	converged  bool
	status     string
	method     string
	repPeriod  int
	output     io.Writer
	sig        chan os.Signal
	Quiet      bool
}

// SetOptimizable sets the model to optimize.
func (o *BaseOptimizer) SetOptimizable(opt Optimizable) {
	o.Optimizable = opt
	o.parameters = opt.GetFloatParameters()
}

// SetTrajectoryOutput sets an output writer for the optimization
// trajectory. By default no trajectory is written.
func (o *BaseOptimizer) SetTrajectoryOutput(w io.Writer) {
	o.output = w
}

// WatchSignals installs signal watching; a received signal aborts the
// optimization.
func (o *BaseOptimizer) WatchSignals(sigs ...os.Signal) {
	o.sig = make(chan os.Signal, 1)
	signal.Notify(o.sig, sigs...)
}

// SetReportPeriod sets the trajectory reporting period.
func (o *BaseOptimizer) SetReportPeriod(period int) {
	o.repPeriod = period
}

// Converged returns true if the optimizer reported convergence.
func (o *BaseOptimizer) Converged() bool {
	return o.converged
}

// PrintHeader prints the trajectory header.
func (o *BaseOptimizer) PrintHeader(par FloatParameters) {
	if o.output != nil {
		fmt.Fprintf(o.output, "iteration\tlikelihood\t%s\n", par.NamesString())
	}
}

// PrintLine prints one trajectory line.
func (o *BaseOptimizer) PrintLine(par FloatParameters, l float64) {
	if o.output != nil && (o.repPeriod <= 0 || o.i%o.repPeriod == 0) {
		fmt.Fprintf(o.output, "%d\t%f\t%s\n", o.i, l, par.ValuesString())
	}
}

// PrintResults logs the optimization results.
func (o *BaseOptimizer) PrintResults() {
	if o.Quiet {
		return
	}
	log.Noticef("Maximum likelihood: %v", o.maxL)
	log.Infof("Likelihood function calls: %v", o.calls)
	log.Infof("Parameter names: %v", o.parameters.NamesString())
	log.Infof("Parameter values: %v", o.maxLPar)
}

// GetMaxL returns the maximum likelihood value found.
func (o *BaseOptimizer) GetMaxL() float64 {
	return o.maxL
}

// GetMaxLParameters returns parameter values at the likelihood
// maximum.
func (o *BaseOptimizer) GetMaxLParameters() []float64 {
	return o.maxLPar
}

// Summary returns the run summary.
func (o *BaseOptimizer) Summary() Summary {
	m := make(map[string]float64, len(o.parameters))
	names := o.parameters.Names(nil)
	for i, name := range names {
		if o.maxLPar != nil {
			m[name] = o.maxLPar[i]
		}
	}
	return Summary{
		Method:         o.method,
		MaxLnL:         o.maxL,
		MaxLParameters: m,
		Calls:          o.calls,
		Converged:      o.converged,
		Status:         o.status,
	}
}
