package fitting

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// fwhmToSigma converts a full width at half maximum into a Gaussian sigma
const fwhmToSigma = 1 / 2.354820045

// DoubleGaussian is a fitted sum of two Gaussians sharing one linear background.
// Index 1 and 2 follow the solver's coefficient order, which says nothing about
// which peak sits at the smaller position; use Positions for that.
type DoubleGaussian struct {
	Amplitude1, Amplitude2 float64
	Center1, Center2       float64
	Width1, Width2         float64
	Offset                 float64
	Slope                  float64
}

func doubleGaussian(x float64, p []float64) float64 {
	d1 := x - p[2]
	d2 := x - p[3]
	return p[0]*math.Exp(-d1*d1/(2*p[4]*p[4])) +
		p[1]*math.Exp(-d2*d2/(2*p[5]*p[5])) +
		p[6] + p[7]*x
}

// At evaluates the fitted profile at x
func (d *DoubleGaussian) At(x float64) float64 {
	return doubleGaussian(x, d.Coefficients())
}

// Coefficients returns {a1, a2, c1, c2, w1, w2, offset, slope}
func (d *DoubleGaussian) Coefficients() []float64 {
	return []float64{d.Amplitude1, d.Amplitude2, d.Center1, d.Center2, d.Width1, d.Width2, d.Offset, d.Slope}
}

// PeakSeparation is |Center2 - Center1|
func (d *DoubleGaussian) PeakSeparation() float64 {
	return math.Abs(d.Center2 - d.Center1)
}

// Positions returns the two centers ordered by position
func (d *DoubleGaussian) Positions() (lower, upper float64) {
	return math.Min(d.Center1, d.Center2), math.Max(d.Center1, d.Center2)
}

// Sigmas returns Width1 and Width2 in coefficient order. They are not sorted
// along with Positions.
func (d *DoubleGaussian) Sigmas() (first, second float64) {
	return d.Width1, d.Width2
}

// halfMaxSigma walks outwards from peak until the profile drops below half of
// its height above base and converts the mean half width into a sigma.
func halfMaxSigma(profile []float64, peak int, base float64) float64 {
	half := base + (profile[peak]-base)/2
	left := peak
	for left > 0 && profile[left] > half {
		left--
	}
	right := peak
	for right < len(profile)-1 && profile[right] > half {
		right++
	}
	sigma := float64(right-left) * fwhmToSigma
	if sigma < 1 {
		sigma = 1
	}
	return sigma
}

// DoubleGaussianGuess locates the dominant peak, removes a Gaussian estimate
// of it and takes the largest residual as the second peak.
func DoubleGaussianGuess(profile []float64) []float64 {
	base := floats.Min(profile)
	i1 := floats.MaxIdx(profile)
	a1 := profile[i1] - base
	w1 := halfMaxSigma(profile, i1, base)

	resid := make([]float64, len(profile))
	for i, v := range profile {
		d := float64(i - i1)
		resid[i] = v - base - a1*math.Exp(-d*d/(2*w1*w1))
	}
	i2 := floats.MaxIdx(resid)
	a2 := resid[i2]
	w2 := w1
	if a2 > 0 {
		w2 = halfMaxSigma(resid, i2, 0)
	} else {
		a2 = a1 / 2
	}
	return []float64{a1, a2, float64(i1), float64(i2), w1, w2, base, 0}
}

// FitDoubleGaussian1D fits the sum of two Gaussians plus a linear background to
// a profile sampled at x = 0..len(profile)-1.
func FitDoubleGaussian1D(profile []float64, set Settings) (*DoubleGaussian, error) {
	if len(profile) < 10 {
		return nil, errors.Wrapf(ErrFit, "profile of %d samples is too short", len(profile))
	}
	params, _, err := solve(doubleGaussian, indexAxis(len(profile)), profile, DoubleGaussianGuess(profile), set)
	if err != nil {
		return nil, errors.Wrap(err, "double gaussian")
	}
	d := &DoubleGaussian{
		Amplitude1: params[0],
		Amplitude2: params[1],
		Center1:    params[2],
		Center2:    params[3],
		Width1:     math.Abs(params[4]),
		Width2:     math.Abs(params[5]),
		Offset:     params[6],
		Slope:      params[7],
	}
	if d.Width1 == 0 || d.Width2 == 0 {
		return nil, errors.Wrap(ErrFit, "double gaussian collapsed to zero width")
	}
	return d, nil
}
