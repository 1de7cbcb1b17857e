package regression

import (
	"context"
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/rwturner17/BECy-stats/pkg/cloud"
)

// LinearResult is an ordinary least-squares line y = Slope*x + Intercept
type LinearResult struct {
	XName, YName string
	X, Y         []float64

	Slope     float64
	Intercept float64
	RSquared  float64

	// StdErr is the standard error of the slope
	StdErr float64
}

func (r *LinearResult) String() string {
	return fmt.Sprintf("Regression of %s against %s\nSlope: %.2e\nIntercept: %.2e\nStandard Error: %.2e\nR^2 Value: %.2e",
		r.YName, r.XName, r.Slope, r.Intercept, r.StdErr, r.RSquared)
}

// Linear regresses distribution y on distribution x
func Linear(ctx context.Context, src Source, xName, yName string) (*LinearResult, error) {
	x, y, err := aligned(ctx, src, xName, yName, 2)
	if err != nil {
		return nil, err
	}
	return LinearFit(x, y)
}

// LinearFit is the least-squares line through (x, y)
func LinearFit(x, y []float64) (*LinearResult, error) {
	n := len(x)
	if n < 3 || len(y) != n {
		return nil, errors.Wrapf(ErrInsufficientData, "%d points for a line", n)
	}
	intercept, slope := stat.LinearRegression(x, y, nil, false)

	var ssr float64
	for i := range x {
		r := y[i] - (intercept + slope*x[i])
		ssr += r * r
	}
	xMean := stat.Mean(x, nil)
	var sxx float64
	for _, v := range x {
		sxx += (v - xMean) * (v - xMean)
	}
	return &LinearResult{
		X: x, Y: y,
		Slope:     slope,
		Intercept: intercept,
		RSquared:  stat.RSquared(x, y, nil, intercept, slope),
		StdErr:    math.Sqrt(ssr / float64(n-2) / sxx),
	}, nil
}

// TTest is Welch's unequal-variance t-test between two samples
type TTest struct {
	T  float64
	DF float64
	P  float64 // two-sided
	NA int
	NB int
}

// WelchTTest tests whether a and b have different means
func WelchTTest(a, b []float64) (*TTest, error) {
	if len(a) < 2 || len(b) < 2 {
		return nil, errors.Wrapf(ErrInsufficientData, "samples of %d and %d values", len(a), len(b))
	}
	ma, va := stat.MeanVariance(a, nil)
	mb, vb := stat.MeanVariance(b, nil)
	na, nb := float64(len(a)), float64(len(b))
	sa, sb := va/na, vb/nb
	if sa+sb == 0 {
		return nil, errors.New("both samples have zero variance")
	}

	t := (ma - mb) / math.Sqrt(sa+sb)
	df := (sa + sb) * (sa + sb) / (sa*sa/(na-1) + sb*sb/(nb-1))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	return &TTest{
		T:  t,
		DF: df,
		P:  2 * dist.Survival(math.Abs(t)),
		NA: len(a),
		NB: len(b),
	}, nil
}

// ControlTTest compares metric between the images taken at two control
// parameter settings
func ControlTTest(ctx context.Context, src Source, metric string, valueA, valueB float64) (*TTest, error) {
	control, err := src.ControlParameter(ctx)
	if err != nil {
		return nil, err
	}
	if !src.Exists(ctx, metric) {
		return nil, errors.Wrapf(cloud.ErrInvalidMetric, "%q", metric)
	}
	cols, _, err := src.Aligned(control, metric)
	if err != nil {
		return nil, err
	}
	var a, b []float64
	for i, c := range cols[0] {
		switch c {
		case valueA:
			a = append(a, cols[1][i])
		case valueB:
			b = append(b, cols[1][i])
		}
	}
	return WelchTTest(a, b)
}
