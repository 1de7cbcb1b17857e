// Package regression fits physical models to aggregated cloud distributions.
//
// Unlike per-image fits, a failed regression is returned to the caller: it
// operates on data that has already been cleaned.
package regression

import (
	"context"
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/rwturner17/BECy-stats/internal/models"
	"github.com/rwturner17/BECy-stats/pkg/cloud"
	"github.com/rwturner17/BECy-stats/pkg/fitting"
)

// ErrInsufficientData is returned when too few aligned points exist for a fit
var ErrInsufficientData = errors.New("insufficient data")

// Source is the read side of a distribution set
type Source interface {
	Exists(ctx context.Context, name string) bool
	ControlParameter(ctx context.Context) (string, error)
	Aligned(names ...string) ([][]float64, []int, error)
	Values(name string) []models.Value
	TemperatureGroups(ctx context.Context) ([][]int, error)
}

// Constants are the physical constants used to interpret the fits
type Constants struct {
	Gravity         float64 `yaml:"gravity"`         // m/s^2
	AtomMass        float64 `yaml:"atomMass"`        // kg
	Boltzmann       float64 `yaml:"boltzmann"`       // J/K
	CameraPixelSize float64 `yaml:"cameraPixelSize"` // m
}

// DefaultConstants are those of 87Rb imaged on the dragonfly camera
func DefaultConstants() Constants {
	return Constants{
		Gravity:         9.8,
		AtomMass:        87 * 1.66e-27,
		Boltzmann:       1.38e-23,
		CameraPixelSize: 3.75e-6,
	}
}

// Result is a model fit with the physical quantity derived from it
type Result struct {
	// Name of the derived quantity
	Name string

	// Value and Sigma are the derived quantity and its one-sigma uncertainty
	Value float64
	Sigma float64

	// XName and YName are the distributions that were fitted
	XName, YName string
	X, Y         []float64

	Fit   *fitting.Fit
	Model fitting.Model
}

// Curve samples the fitted model at n points spanning the data range
func (r *Result) Curve(n int) (xs, ys []float64) {
	if n < 2 || len(r.X) == 0 {
		return nil, nil
	}
	xs = make([]float64, n)
	floats.Span(xs, floats.Min(r.X), floats.Max(r.X))
	ys = make([]float64, n)
	for i, x := range xs {
		ys[i] = r.Model(x, r.Fit.Params)
	}
	return xs, ys
}

func (r *Result) String() string {
	return fmt.Sprintf("%s: %.4g ± %.2g (%s against %s)", r.Name, r.Value, r.Sigma, r.YName, r.XName)
}

// Models
func lifetimeModel(x float64, p []float64) float64 { return p[0]*math.Exp(-p[1]*x) + p[2] }

func temperatureModel(t float64, p []float64) float64 {
	return math.Sqrt(p[0]*p[0] + p[1]*p[1]*t*t)
}

func trapModel(t float64, p []float64) float64 { return p[2] + p[1]*math.Sin(p[0]*t+p[3]) }

func parabolaModel(t float64, p []float64) float64 { return p[0]*t*t + p[1]*t + p[2] }

// aligned fetches x and y at the indices where both are present
func aligned(ctx context.Context, src Source, xName, yName string, nParams int) (x, y []float64, err error) {
	for _, name := range []string{xName, yName} {
		if !src.Exists(ctx, name) {
			return nil, nil, errors.Wrapf(cloud.ErrInvalidMetric, "%q", name)
		}
	}
	cols, _, err := src.Aligned(xName, yName)
	if err != nil {
		return nil, nil, err
	}
	if len(cols[0]) <= nParams {
		return nil, nil, errors.Wrapf(ErrInsufficientData, "%d points of %s against %s for %d parameters",
			len(cols[0]), yName, xName, nParams)
	}
	return cols[0], cols[1], nil
}

func fit(name string, model fitting.Model, x, y, p0 []float64, set fitting.Settings) (*fitting.Fit, error) {
	f, err := fitting.CurveFit(model, x, y, p0, set)
	if err != nil {
		return nil, errors.Wrapf(err, "%s regression", name)
	}
	return f, nil
}

// Lifetime fits N(t) = a*exp(-b*t) + c of the atom number against the control
// parameter. The lifetime is 1/b.
func Lifetime(ctx context.Context, src Source, set fitting.Settings) (*Result, error) {
	control, err := src.ControlParameter(ctx)
	if err != nil {
		return nil, err
	}
	x, y, err := aligned(ctx, src, control, cloud.AtomNumber, 3)
	if err != nil {
		return nil, err
	}
	f, err := fit("lifetime", lifetimeModel, x, y, []float64{y[0], 0.2, 0}, set)
	if err != nil {
		return nil, err
	}
	b := f.Params[1]
	return &Result{
		Name:  "lifetime",
		Value: 1 / b,
		Sigma: f.Sigma(1) / (b * b),
		XName: control, YName: cloud.AtomNumber,
		X: x, Y: y,
		Fit: f, Model: lifetimeModel,
	}, nil
}

func widthName(axis cloud.Axis) string {
	if axis == cloud.AxisX {
		return cloud.WidthX
	}
	return cloud.WidthZ
}

func positionName(axis cloud.Axis) string {
	if axis == cloud.AxisX {
		return cloud.PositionX
	}
	return cloud.PositionZ
}

// Temperature fits width(t) = sqrt(sigma0^2 + (sigma_v*t)^2) against the time
// of flight and converts the velocity spread into T = m*sigma_v^2/k_B.
func Temperature(ctx context.Context, src Source, axis cloud.Axis, c Constants, set fitting.Settings) (*Result, error) {
	x, y, err := aligned(ctx, src, cloud.TOF, widthName(axis), 2)
	if err != nil {
		return nil, err
	}
	return temperature(x, y, axis, c, set)
}

func temperature(tof, width []float64, axis cloud.Axis, c Constants, set fitting.Settings) (*Result, error) {
	f, err := fit("temperature", temperatureModel, tof, width, []float64{floats.Min(width), 0.002}, set)
	if err != nil {
		return nil, err
	}
	sv := f.Params[1]
	temp := c.AtomMass * sv * sv / c.Boltzmann
	variance := 4 * c.AtomMass * temp * f.Cov.At(1, 1) / c.Boltzmann
	return &Result{
		Name:  "temperature_" + axis.String(),
		Value: temp,
		Sigma: math.Sqrt(variance),
		XName: cloud.TOF, YName: widthName(axis),
		X: tof, Y: width,
		Fit: f, Model: temperatureModel,
	}, nil
}

// TemperatureByGroup fits one temperature per time-of-flight sweep
func TemperatureByGroup(ctx context.Context, src Source, axis cloud.Axis, c Constants, set fitting.Settings) ([]*Result, error) {
	groups, err := src.TemperatureGroups(ctx)
	if err != nil {
		return nil, err
	}
	if !src.Exists(ctx, widthName(axis)) {
		return nil, errors.Wrapf(cloud.ErrInvalidMetric, "%q", widthName(axis))
	}
	tofs, widths := src.Values(cloud.TOF), src.Values(widthName(axis))

	results := make([]*Result, 0, len(groups))
	for g, group := range groups {
		var x, y []float64
		for _, i := range group {
			if tofs[i].OK && widths[i].OK {
				x = append(x, tofs[i].V)
				y = append(y, widths[i].V)
			}
		}
		if len(x) <= 2 {
			return nil, errors.Wrapf(ErrInsufficientData, "temperature group %d has %d points", g, len(x))
		}
		r, err := temperature(x, y, axis, c, set)
		if err != nil {
			return nil, errors.Wrapf(err, "temperature group %d", g)
		}
		results = append(results, r)
	}
	return results, nil
}

// TrapFrequency fits position(t) = offset + amplitude*sin(omega*t + phase)
// against the control parameter and reports omega/2pi.
func TrapFrequency(ctx context.Context, src Source, axis cloud.Axis, set fitting.Settings) (*Result, error) {
	control, err := src.ControlParameter(ctx)
	if err != nil {
		return nil, err
	}
	x, y, err := aligned(ctx, src, control, positionName(axis), 4)
	if err != nil {
		return nil, err
	}
	omega := 2 * math.Pi * 700
	if axis == cloud.AxisX {
		omega = 2 * math.Pi * 10
	}
	f, err := fit("trap frequency", trapModel, x, y, []float64{omega, floats.Max(y), 0, 0}, set)
	if err != nil {
		return nil, err
	}
	return &Result{
		Name:  "trap_frequency_" + axis.String(),
		Value: f.Params[0] / (2 * math.Pi),
		Sigma: f.Sigma(0) / (2 * math.Pi),
		XName: control, YName: positionName(axis),
		X: x, Y: y,
		Fit: f, Model: trapModel,
	}, nil
}

// Magnification fits the fall height max(z)-z, in pixels, with the free-fall
// parabola a*t^2 + b*t + c and returns M = 2*a*pixel/g.
func Magnification(ctx context.Context, src Source, c Constants, set fitting.Settings) (*Result, error) {
	t, z, err := aligned(ctx, src, cloud.TOF, cloud.PositionZ, 3)
	if err != nil {
		return nil, err
	}
	top := floats.Max(z)
	height := make([]float64, len(z))
	for i, v := range z {
		height[i] = top - v
	}
	p0 := []float64{c.Gravity * 3 / (2 * c.CameraPixelSize), 0, floats.Min(height)}
	f, err := fit("magnification", parabolaModel, t, height, p0, set)
	if err != nil {
		return nil, err
	}
	return &Result{
		Name:  "magnification",
		Value: 2 * f.Params[0] * c.CameraPixelSize / c.Gravity,
		Sigma: 2 * f.Sigma(0) * c.CameraPixelSize / c.Gravity,
		XName: cloud.TOF, YName: "height",
		X: t, Y: height,
		Fit: f, Model: parabolaModel,
	}, nil
}
