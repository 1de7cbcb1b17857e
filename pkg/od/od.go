// Package od reconstructs optical density maps from the atom, light and dark
// exposures of an absorption image.
package od

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/rwturner17/BECy-stats/internal/models"
)

// Options selects the corrections applied by Reconstruct
type Options struct {
	// FluctuationCorrection rescales the light plane by the atom/light
	// intensity ratio measured in the fluctuation window
	FluctuationCorrection bool

	// Truncate restricts the map to the frame's truncation window
	Truncate bool

	// AbsoluteValue takes |OD| elementwise
	AbsoluteValue bool
}

// DefaultOptions mirrors the imaging software defaults
func DefaultOptions() Options {
	return Options{FluctuationCorrection: true, Truncate: true, AbsoluteValue: true}
}

// window returns the views of the three planes inside w
func window(f *models.RawFrame, w models.Window) (atom, light, dark mat.Matrix, err error) {
	rows, cols := f.Dims()
	if !w.Within(rows, cols) {
		return nil, nil, nil, errors.Errorf("window %v outside %dx%d frame", w, rows, cols)
	}
	atom = f.Atom.Slice(w.Y1, w.Y2, w.X1, w.X2)
	light = f.Light.Slice(w.Y1, w.Y2, w.X1, w.X2)
	dark = f.Dark.Slice(w.Y1, w.Y2, w.X1, w.X2)
	return atom, light, dark, nil
}

func planes(f *models.RawFrame, truncate bool) (atom, light, dark mat.Matrix, err error) {
	if truncate {
		return window(f, f.Truncation)
	}
	return f.Atom, f.Light, f.Dark, nil
}

// FluctuationRatio is the mean atom-plane intensity divided by the mean
// light-plane intensity inside the fluctuation window.
func FluctuationRatio(f *models.RawFrame) (float64, error) {
	atom, light, _, err := window(f, f.Fluctuation)
	if err != nil {
		return 0, errors.Wrap(err, "fluctuation window")
	}
	r, c := atom.Dims()
	n := float64(r * c)
	ratio := (mat.Sum(atom) / n) / (mat.Sum(light) / n)
	if math.IsNaN(ratio) || math.IsInf(ratio, 0) {
		return 0, errors.Errorf("degenerate fluctuation window %v: ratio %v", f.Fluctuation, ratio)
	}
	return ratio, nil
}

// Reconstruct computes OD = -ln((atom-dark)/(c*light-dark)) where c is the
// fluctuation ratio, or 1 without fluctuation correction. The returned map
// never contains NaN or infinite entries.
func Reconstruct(f *models.RawFrame, opts Options) (*mat.Dense, error) {
	atom, light, dark, err := planes(f, opts.Truncate)
	if err != nil {
		return nil, err
	}
	ratio := 1.0
	if opts.FluctuationCorrection {
		if ratio, err = FluctuationRatio(f); err != nil {
			return nil, err
		}
	}

	rows, cols := atom.Dims()
	out := mat.NewDense(rows, cols, nil)
	out.Apply(func(i, j int, _ float64) float64 {
		d := dark.At(i, j)
		v := -math.Log((atom.At(i, j) - d) / (ratio*light.At(i, j) - d))
		if opts.AbsoluteValue {
			v = math.Abs(v)
		}
		return v
	}, out)

	Clean(out)
	return out, nil
}

// Clean replaces NaN entries with 0 and infinite entries with the largest
// finite value in m (0 when m has no finite entries).
func Clean(m *mat.Dense) {
	maxFinite := math.Inf(-1)
	rows, cols := m.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := m.At(i, j)
			if !math.IsNaN(v) && !math.IsInf(v, 0) && v > maxFinite {
				maxFinite = v
			}
		}
	}
	if math.IsInf(maxFinite, -1) {
		maxFinite = 0
	}
	m.Apply(func(_, _ int, v float64) float64 {
		switch {
		case math.IsNaN(v):
			return 0
		case math.IsInf(v, 0):
			return maxFinite
		}
		return v
	}, m)
}

// SumAxis integrates m along axis: axis 0 sums each column (one value per
// column), axis 1 sums each row (one value per row).
func SumAxis(m mat.Matrix, axis int) []float64 {
	rows, cols := m.Dims()
	var out []float64
	if axis == 0 {
		out = make([]float64, cols)
	} else {
		out = make([]float64, rows)
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if axis == 0 {
				out[j] += m.At(i, j)
			} else {
				out[i] += m.At(i, j)
			}
		}
	}
	return out
}

// LightCounts is the total light-minus-dark signal over the full frame
func LightCounts(f *models.RawFrame) float64 {
	var diff mat.Dense
	diff.Sub(f.Light, f.Dark)
	return mat.Sum(&diff)
}

// VerticalImage sums the three planes, which keeps persistent features visible
// (useful for locating the sample in vertical imaging)
func VerticalImage(f *models.RawFrame) *mat.Dense {
	var out mat.Dense
	out.Add(f.Atom, f.Dark)
	out.Add(&out, f.Light)
	return &out
}
