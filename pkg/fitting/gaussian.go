package fitting

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Gaussian is a fitted 1-D Gaussian profile
//
//	f(x) = Amplitude*exp(-(x-Center)^2/(2*Width^2)) + Offset + Slope*x
//
// Slope is always zero when Linear is false.
type Gaussian struct {
	Amplitude float64
	Center    float64
	Width     float64
	Offset    float64
	Slope     float64
	Linear    bool
}

// At evaluates the fitted profile at x
func (g *Gaussian) At(x float64) float64 {
	d := x - g.Center
	return g.Amplitude*math.Exp(-d*d/(2*g.Width*g.Width)) + g.Offset + g.Slope*x
}

// Curve samples the fitted profile at x = 0..n-1
func (g *Gaussian) Curve(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = g.At(float64(i))
	}
	return out
}

// Coefficients returns the ordered coefficient sequence
// {amplitude, center, width, offset[, slope]}.
func (g *Gaussian) Coefficients() []float64 {
	c := []float64{g.Amplitude, g.Center, g.Width, g.Offset}
	if g.Linear {
		c = append(c, g.Slope)
	}
	return c
}

func gaussianLinear(x float64, p []float64) float64 {
	d := x - p[1]
	return p[0]*math.Exp(-d*d/(2*p[2]*p[2])) + p[3] + p[4]*x
}

func gaussianFlat(x float64, p []float64) float64 {
	d := x - p[1]
	return p[0]*math.Exp(-d*d/(2*p[2]*p[2])) + p[3]
}

// GaussianGuess returns the initial parameters used by FitGaussian1D:
// center at the profile maximum, width of the order of the profile length,
// amplitude max-min and offset at the minimum.
func GaussianGuess(profile []float64, linearBias bool) []float64 {
	lo, hi := floats.Min(profile), floats.Max(profile)
	p0 := []float64{
		hi - lo,
		float64(floats.MaxIdx(profile)),
		float64(len(profile)) / 4,
		lo,
	}
	if linearBias {
		p0 = append(p0, 0)
	}
	return p0
}

// FitGaussian1D fits a Gaussian to an integrated profile sampled at
// x = 0..len(profile)-1. With linearBias the model carries a linear
// background term, otherwise a constant offset only.
func FitGaussian1D(profile []float64, linearBias bool, set Settings) (*Gaussian, error) {
	if len(profile) < 6 {
		return nil, errors.Wrapf(ErrFit, "profile of %d samples is too short", len(profile))
	}
	model := Model(gaussianFlat)
	if linearBias {
		model = gaussianLinear
	}

	params, _, err := solve(model, indexAxis(len(profile)), profile, GaussianGuess(profile, linearBias), set)
	if err != nil {
		return nil, errors.Wrap(err, "gaussian")
	}

	g := &Gaussian{
		Amplitude: params[0],
		Center:    params[1],
		Width:     math.Abs(params[2]),
		Offset:    params[3],
		Linear:    linearBias,
	}
	if linearBias {
		g.Slope = params[4]
	}
	if g.Width == 0 {
		return nil, errors.Wrap(ErrFit, "gaussian collapsed to zero width")
	}
	return g, nil
}

// ReducedChiSquared returns sum((profile-fit)^2) / (noiseVariance*(n-nParams)),
// the goodness of fit of a profile against a fitted curve.
func ReducedChiSquared(profile, fit []float64, noiseVariance float64, nParams int) float64 {
	dof := len(profile) - nParams
	if dof <= 0 || noiseVariance <= 0 {
		return math.Inf(1)
	}
	resid := make([]float64, len(profile))
	floats.SubTo(resid, profile, fit)
	return floats.Dot(resid, resid) / (noiseVariance * float64(dof))
}

func indexAxis(n int) []float64 {
	x := make([]float64, n)
	for i := range x {
		x[i] = float64(i)
	}
	return x
}
