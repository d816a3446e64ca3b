package optimize

import (
	"math"

	lbfgsb "github.com/idavydov/go-lbfgsb"
)

// LBFGSB is a limited-memory Broyden-Fletcher-Goldfarb-Shanno
// optimizer with bounding constraints. It uses the analytic gradient
// if the model provides one and central finite differences otherwise.
type LBFGSB struct {
	BaseOptimizer
	dH         float64
	grad       []float64
	ftol       float64
	gtol       float64
	iterations int
	exceeded   bool
}

// NewLBFGSB creates a new LBFGSB optimizer.
func NewLBFGSB() (l *LBFGSB) {
	l = &LBFGSB{
		BaseOptimizer: BaseOptimizer{
			method:    "lbfgsb",
			repPeriod: 10,
		},
		dH:   1e-6,
		ftol: 1e-9,
		gtol: 1e-9,
	}
	return
}

// SetTolerance changes function and gradient convergence tolerances.
func (l *LBFGSB) SetTolerance(ftol, gtol float64) {
	l.ftol = ftol
	l.gtol = gtol
}

// Logger is called by the lbfgsb library on every iteration.
func (l *LBFGSB) Logger(info *lbfgsb.OptimizationIterationInformation) {
	l.i = info.Iteration
	l.parameters.SetValues(info.X)
	l.PrintLine(l.parameters, -info.F)
	if l.iterations > 0 && info.Iteration >= l.iterations {
		// the library has no iteration bound of its own; poison
		// further evaluations so the line search aborts
		l.exceeded = true
	}
	select {
	case s := <-l.sig:
		log.Fatal("Received signal, exiting:", s)
	default:
	}
}

// EvaluateFunction computes the negated objective for a point.
func (l *LBFGSB) EvaluateFunction(x []float64) float64 {
	if l.exceeded || !l.parameters.ValuesInRange(x) {
		return math.Inf(+1)
	}

	l.parameters.SetValues(x)

	L := l.Likelihood()
	l.calls++
	if L > l.maxL {
		l.maxL = L
		l.maxLPar = l.parameters.Values(l.maxLPar)
	}
	return -L
}

// EvaluateGradient computes the gradient of the negated objective for
// a point.
func (l *LBFGSB) EvaluateGradient(x []float64) (grad []float64) {
	if l.grad == nil {
		l.grad = make([]float64, len(x))
	}
	grad = l.grad

	if g, ok := l.Optimizable.(Gradienter); ok {
		l.parameters.SetValues(x)
		g.Gradient(grad)
		// the library minimizes, the model maximizes
		for i := range grad {
			grad[i] = -grad[i]
		}
		return
	}

	for i := range x {
		no1 := l.Optimizable.Copy()
		par1 := no1.GetFloatParameters()
		par1.SetValues(x)
		par1[i].Set(x[i] - l.dH)
		l1 := -no1.Likelihood()
		l.calls++

		no2 := no1.Copy()
		par2 := no2.GetFloatParameters()
		par2[i].Set(x[i] + l.dH)
		l2 := -no2.Likelihood()
		l.calls++

		grad[i] = (l2 - l1) / 2 / l.dH
	}
	select {
	case s := <-l.sig:
		log.Fatal("Received signal, exiting:", s)
	default:
	}
	return
}

// Run starts the optimization. A positive iterations value caps the
// number of quasi-Newton iterations; past the cap the optimizer stops
// and reports non-convergence.
func (l *LBFGSB) Run(iterations int) {
	l.iterations = iterations
	l.exceeded = false
	l.maxL = math.Inf(-1)
	l.PrintHeader(l.parameters)
	bounds := make([][2]float64, len(l.parameters))

	for i, par := range l.parameters {
		bounds[i][0] = par.GetMin()
		bounds[i][1] = par.GetMax()
	}

	opt := new(lbfgsb.Lbfgsb)
	opt.SetApproximationSize(10)
	opt.SetFTolerance(l.ftol)
	opt.SetGTolerance(l.gtol)

	opt.SetBounds(bounds)
	opt.SetLogger(l.Logger)

	minimum, exitStatus := opt.Minimize(l, l.parameters.Values(nil))

	l.status = exitStatus.String()
	switch exitStatus.Code {
	case lbfgsb.SUCCESS, lbfgsb.APPROXIMATE:
		l.converged = true
	default:
		l.converged = false
		log.Warningf("lbfgsb did not converge: %v", exitStatus)
	}
	if l.exceeded {
		l.converged = false
		l.status = "iteration limit reached"
		log.Warningf("lbfgsb stopped after %d iterations", l.iterations)
	}
	log.Infof("lbfgsb exit status: %v", exitStatus)

	if -minimum.F > l.maxL {
		l.maxL = -minimum.F
		l.maxLPar = append(l.maxLPar[:0], minimum.X...)
	}
	// leave the model at the best point found
	l.parameters.SetValues(l.maxLPar)
	l.PrintResults()
}
