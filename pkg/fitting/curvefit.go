// Package fitting provides nonlinear least-squares fitting of 1-D profiles and
// of aggregated measurements. All fits are solved with the Levenberg-Marquardt
// method; a fit that does not converge is reported as ErrFit rather than
// returning unusable coefficients.
package fitting

import (
	"math"

	"github.com/maorshutman/lm"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// ErrFit is returned (wrapped) whenever the solver fails to converge or
// produces non-finite coefficients.
var ErrFit = errors.New("fit error")

// Settings controls the Levenberg-Marquardt solver
type Settings struct {
	// Iterations is the maximum number of LM iterations
	Iterations int `yaml:"iterations"`

	// ObjectiveTol stops the solver once 0.5*|r|^2 falls below it
	ObjectiveTol float64 `yaml:"objectiveTol"`

	// Tau scales the initial damping parameter
	Tau float64 `yaml:"tau"`

	// Eps1 is the gradient stopping criterion
	Eps1 float64 `yaml:"eps1"`

	// Eps2 is the relative step-size stopping criterion
	Eps2 float64 `yaml:"eps2"`
}

// DefaultSettings returns the solver settings used throughout the module
func DefaultSettings() Settings {
	return Settings{
		Iterations:   1000,
		ObjectiveTol: 1e-16,
		Tau:          1e-6,
		Eps1:         1e-8,
		Eps2:         1e-8,
	}
}

func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	if s.Iterations <= 0 {
		s.Iterations = def.Iterations
	}
	if s.ObjectiveTol <= 0 {
		s.ObjectiveTol = def.ObjectiveTol
	}
	if s.Tau <= 0 {
		s.Tau = def.Tau
	}
	if s.Eps1 <= 0 {
		s.Eps1 = def.Eps1
	}
	if s.Eps2 <= 0 {
		s.Eps2 = def.Eps2
	}
	return s
}

// Model evaluates a fit function at x for parameters p
type Model func(x float64, p []float64) float64

// Fit is the result of CurveFit
type Fit struct {
	// Params are the optimal parameters, in the order of the initial guess
	Params []float64

	// Cov is the estimated parameter covariance, scaled by the reduced residual
	Cov *mat.SymDense

	// SSR is the sum of squared residuals at Params
	SSR float64

	Status optimize.Status
}

// Sigma returns the one-sigma uncertainty of parameter i
func (f *Fit) Sigma(i int) float64 {
	return math.Sqrt(f.Cov.At(i, i))
}

// CurveFit fits model to the samples (x, y) starting from p0 and returns the
// optimal parameters together with their covariance matrix.
func CurveFit(model Model, x, y, p0 []float64, set Settings) (*Fit, error) {
	params, status, err := solve(model, x, y, p0, set)
	if err != nil {
		return nil, err
	}
	cov, ssr, err := covariance(model, x, y, params)
	if err != nil {
		return nil, err
	}
	return &Fit{Params: params, Cov: cov, SSR: ssr, Status: status}, nil
}

// residualFunc builds the LM objective r_i = model(x_i) - y_i
func residualFunc(model Model, x, y []float64) func(dst, p []float64) {
	return func(dst, p []float64) {
		for i := range x {
			dst[i] = model(x[i], p) - y[i]
		}
	}
}

// solve runs the LM solver. The solver panics on a singular normal matrix,
// which is converted into ErrFit here.
func solve(model Model, x, y, p0 []float64, set Settings) (params []float64, status optimize.Status, err error) {
	if len(x) != len(y) {
		return nil, optimize.Failure, errors.Wrapf(ErrFit, "x has %d samples, y has %d", len(x), len(y))
	}
	if len(p0) == 0 {
		return nil, optimize.Failure, errors.Wrap(ErrFit, "no parameters to fit")
	}
	if len(y) < len(p0) {
		return nil, optimize.Failure, errors.Wrapf(ErrFit, "%d samples cannot constrain %d parameters", len(y), len(p0))
	}
	if !allFinite(x) || !allFinite(y) {
		return nil, optimize.Failure, errors.Wrap(ErrFit, "data contains non-finite samples")
	}
	set = set.withDefaults()

	defer func() {
		if r := recover(); r != nil {
			params = nil
			status = optimize.Failure
			err = errors.Wrapf(ErrFit, "solver aborted: %v", r)
		}
	}()

	f := residualFunc(model, x, y)
	jacobian := lm.NumJac{Func: f}
	problem := lm.LMProblem{
		Dim:        len(p0),
		Size:       len(y),
		Func:       f,
		Jac:        jacobian.Jac,
		InitParams: p0,
		Tau:        set.Tau,
		Eps1:       set.Eps1,
		Eps2:       set.Eps2,
	}

	result, err := lm.LM(problem, &lm.Settings{Iterations: set.Iterations, ObjectiveTol: set.ObjectiveTol})
	if err != nil {
		return nil, optimize.Failure, errors.Wrapf(ErrFit, "solver: %v", err)
	}
	if result.Status == optimize.IterationLimit {
		return nil, result.Status, errors.Wrapf(ErrFit, "no convergence after %d iterations", set.Iterations)
	}
	if !allFinite(result.X) {
		return nil, result.Status, errors.Wrap(ErrFit, "non-finite coefficients")
	}
	return result.X, result.Status, nil
}

// covariance estimates the parameter covariance as inv(J^T J) * SSR/(m-n),
// the same convention as scipy's curve_fit with relative sigma.
func covariance(model Model, x, y, p []float64) (*mat.SymDense, float64, error) {
	m, n := len(y), len(p)
	f := residualFunc(model, x, y)

	r := make([]float64, m)
	f(r, p)
	ssr := floats.Dot(r, r)

	jac := mat.NewDense(m, n, nil)
	fd.Jacobian(jac, f, p, &fd.JacobianSettings{Formula: fd.Central})

	jtj := mat.NewSymDense(n, nil)
	jtj.SymOuterK(1, jac.T())

	var chol mat.Cholesky
	if ok := chol.Factorize(jtj); !ok {
		return nil, ssr, errors.Wrap(ErrFit, "singular normal matrix, covariance undefined")
	}
	cov := mat.NewSymDense(n, nil)
	if err := chol.InverseTo(cov); err != nil {
		return nil, ssr, errors.Wrapf(ErrFit, "covariance: %v", err)
	}

	dof := m - n
	if dof <= 0 {
		// No degrees of freedom left to estimate the noise
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				cov.SetSym(i, j, math.Inf(1))
			}
		}
		return cov, ssr, nil
	}
	cov.ScaleSym(ssr/float64(dof), cov)
	return cov, ssr, nil
}

func allFinite(xs []float64) bool {
	for _, v := range xs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
