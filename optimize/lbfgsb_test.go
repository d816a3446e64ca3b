package optimize

import (
	"math"
	"testing"

	"github.com/op/go-logging"
)

// quadDiff is the convergence tolerance for the quadratic tests.
const quadDiff = 1e-5

func init() {
	logging.SetLevel(logging.ERROR, "optimize")
}

// quadratic is a concave test function with a known maximum at
// (2, -1).
type quadratic struct {
	x, y       float64
	parameters FloatParameters
}

func newQuadratic() *quadratic {
	q := &quadratic{}
	px := NewBasicFloatParameter(&q.x, "x")
	px.SetMin(-10)
	px.SetMax(10)
	py := NewBasicFloatParameter(&q.y, "y")
	py.SetMin(-10)
	py.SetMax(10)
	q.parameters.Append(px)
	q.parameters.Append(py)
	return q
}

func (q *quadratic) GetFloatParameters() FloatParameters {
	return q.parameters
}

func (q *quadratic) Likelihood() float64 {
	return -(q.x-2)*(q.x-2) - (q.y+1)*(q.y+1)
}

func (q *quadratic) Copy() Optimizable {
	cp := newQuadratic()
	cp.x = q.x
	cp.y = q.y
	return cp
}

// quadraticGrad adds an analytical gradient.
type quadraticGrad struct {
	*quadratic
}

func (q *quadraticGrad) Gradient(grad []float64) []float64 {
	if grad == nil {
		grad = make([]float64, 2)
	}
	grad[0] = -2 * (q.x - 2)
	grad[1] = -2 * (q.y + 1)
	return grad
}

func TestLBFGSBNumericalGradient(tst *testing.T) {
	q := newQuadratic()
	opt := NewLBFGSB()
	opt.Quiet = true
	opt.SetOptimizable(q)
	opt.Run(100)

	if !opt.Converged() {
		tst.Error("Optimization did not converge")
	}
	maxL := opt.GetMaxL()
	tst.Log("maxL=", maxL, ", x=", q.x, ", y=", q.y)
	if math.Abs(maxL) > quadDiff {
		tst.Error("Expected maximum 0, got", maxL)
	}
	if math.Abs(q.x-2) > quadDiff || math.Abs(q.y+1) > quadDiff {
		tst.Error("Expected maximum at (2, -1), got", q.x, q.y)
	}
}

func TestLBFGSBAnalyticalGradient(tst *testing.T) {
	q := &quadraticGrad{newQuadratic()}
	opt := NewLBFGSB()
	opt.Quiet = true
	opt.SetOptimizable(q)
	opt.Run(100)

	if !opt.Converged() {
		tst.Error("Optimization did not converge")
	}
	if math.Abs(q.x-2) > quadDiff || math.Abs(q.y+1) > quadDiff {
		tst.Error("Expected maximum at (2, -1), got", q.x, q.y)
	}
}

func TestLBFGSBRespectsBounds(tst *testing.T) {
	q := newQuadratic()
	q.parameters[0].SetMax(1)
	opt := NewLBFGSB()
	opt.Quiet = true
	opt.SetOptimizable(q)
	opt.Run(100)

	if q.x > 1+quadDiff {
		tst.Error("Optimizer left the feasible region: x =", q.x)
	}
	if math.Abs(q.x-1) > quadDiff {
		tst.Error("Expected the constrained maximum at x=1, got", q.x)
	}
}

// rosenbrock is a concave transform of the classic banana function
// with a known maximum at (1, 1); it takes many iterations to
// optimize from the standard starting point.
type rosenbrock struct {
	x, y       float64
	parameters FloatParameters
}

func newRosenbrock() *rosenbrock {
	r := &rosenbrock{x: -1.2, y: 1}
	px := NewBasicFloatParameter(&r.x, "x")
	px.SetMin(-10)
	px.SetMax(10)
	py := NewBasicFloatParameter(&r.y, "y")
	py.SetMin(-10)
	py.SetMax(10)
	r.parameters.Append(px)
	r.parameters.Append(py)
	return r
}

func (r *rosenbrock) GetFloatParameters() FloatParameters {
	return r.parameters
}

func (r *rosenbrock) Likelihood() float64 {
	return -100*(r.y-r.x*r.x)*(r.y-r.x*r.x) - (1-r.x)*(1-r.x)
}

func (r *rosenbrock) Copy() Optimizable {
	cp := newRosenbrock()
	cp.x = r.x
	cp.y = r.y
	return cp
}

func (r *rosenbrock) Gradient(grad []float64) []float64 {
	if grad == nil {
		grad = make([]float64, 2)
	}
	grad[0] = 400*r.x*(r.y-r.x*r.x) + 2*(1-r.x)
	grad[1] = -200 * (r.y - r.x*r.x)
	return grad
}

func TestLBFGSBIterationCap(tst *testing.T) {
	r := newRosenbrock()
	opt := NewLBFGSB()
	opt.Quiet = true
	opt.SetOptimizable(r)
	opt.Run(2)

	if opt.Converged() {
		tst.Error("Expected non-convergence under the iteration cap")
	}
	maxL := opt.GetMaxL()
	tst.Log("maxL=", maxL, ", x=", r.x, ", y=", r.y)
	if math.IsInf(maxL, 0) || math.IsNaN(maxL) {
		tst.Error("Non-finite best likelihood:", maxL)
	}

	// a generous cap must not get in the way
	r = newRosenbrock()
	opt = NewLBFGSB()
	opt.Quiet = true
	opt.SetOptimizable(r)
	opt.Run(1000)

	if !opt.Converged() {
		tst.Error("Optimization did not converge")
	}
	if math.Abs(r.x-1) > 1e-3 || math.Abs(r.y-1) > 1e-3 {
		tst.Error("Expected maximum at (1, 1), got", r.x, r.y)
	}
}
