package od

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/rwturner17/BECy-stats/internal/models"
	"github.com/rwturner17/BECy-stats/internal/monitoring"
	"github.com/rwturner17/BECy-stats/pkg/fitting"
)

// Physical constants used for the saturation correction
const (
	Planck       = 6.62607015e-34 // J s
	SpeedOfLight = 299792458.0    // m/s
	LambdaRb     = 780.241e-9     // m, Rb D2 line

	// DefaultImageTime is the exposure time assumed when a frame does not record one
	DefaultImageTime = 10e-6 // s

	// DefaultSaturationIntensity for pi-polarised light
	DefaultSaturationIntensity = 30.54 // W/m^2

	// exposeTimeName is the run variable holding the exposure time
	exposeTimeName = "ExposeTime"
)

// ErrUnknownCamera is returned when counts cannot be converted to intensity
// because the camera's quantum efficiency is not known
var ErrUnknownCamera = errors.New("unknown camera")

// DepthOptions configures the intensity-corrected optical depth
type DepthOptions struct {
	// LinearBias fits the offset profile with a linear background
	LinearBias bool

	// SaturationIntensity in W/m^2; zero selects DefaultSaturationIntensity
	SaturationIntensity float64

	// Fit configures the offset fit
	Fit fitting.Settings
}

func (o DepthOptions) saturation() float64 {
	if o.SaturationIntensity <= 0 {
		return DefaultSaturationIntensity
	}
	return o.SaturationIntensity
}

// ImageTime returns the exposure time of the frame: the control parameter when
// the exposure time is what was swept, otherwise the recorded run variable,
// otherwise DefaultImageTime.
func ImageTime(f *models.RawFrame) float64 {
	if f.ControlParamName == exposeTimeName {
		return f.ControlParamValue
	}
	if t, ok := f.Variables[exposeTimeName]; ok {
		return t
	}
	return DefaultImageTime
}

// CountsToIntensity converts raw camera counts into intensity at the atoms (W/m^2)
func CountsToIntensity(f *models.RawFrame, counts mat.Matrix) (*mat.Dense, error) {
	qe, ok := f.Camera.QuantumEfficiency()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownCamera, "pixel size %g", f.PixelSize)
	}
	pixel := f.PixelSize / f.Magnification
	scale := (1 / qe) * (Planck * SpeedOfLight / LambdaRb) / (pixel * pixel) / ImageTime(f)
	if f.Camera == models.CameraDragonfly {
		// 12-bit data stored in 16-bit words
		scale /= 16
	}
	var out mat.Dense
	out.Scale(scale, counts)
	return &out, nil
}

// IntensityChange is I(light) - I(atom) over the truncation window
func IntensityChange(f *models.RawFrame) (*mat.Dense, error) {
	atom, light, _, err := window(f, f.Truncation)
	if err != nil {
		return nil, err
	}
	il, err := CountsToIntensity(f, light)
	if err != nil {
		return nil, err
	}
	ia, err := CountsToIntensity(f, atom)
	if err != nil {
		return nil, err
	}
	il.Sub(il, ia)
	return il, nil
}

// Saturation returns the mean saturation parameter I/I_sat of the probe light
// (|light - dark|) over the truncation window
func Saturation(f *models.RawFrame, saturationIntensity float64) (float64, error) {
	if saturationIntensity <= 0 {
		saturationIntensity = DefaultSaturationIntensity
	}
	_, light, dark, err := window(f, f.Truncation)
	if err != nil {
		return 0, err
	}
	rows, cols := light.Dims()
	diff := mat.NewDense(rows, cols, nil)
	diff.Apply(func(i, j int, _ float64) float64 {
		return math.Abs(light.At(i, j) - dark.At(i, j))
	}, diff)
	intensity, err := CountsToIntensity(f, diff)
	if err != nil {
		return 0, err
	}
	return mat.Sum(intensity) / float64(rows*cols) / saturationIntensity, nil
}

// OpticalDepth returns the saturation-corrected optical depth over the
// truncation window. A per-row offset estimated from a Gaussian fit of the
// column-summed profile is removed; when that fit fails the profile mean is
// used instead. The intensity difference between light and atom exposures,
// in units of the saturation intensity, is added back.
func OpticalDepth(f *models.RawFrame, opts DepthOptions) (*mat.Dense, error) {
	depth, err := Reconstruct(f, Options{FluctuationCorrection: true, Truncate: true})
	if err != nil {
		return nil, err
	}
	_, cols := depth.Dims()
	profile := SumAxis(depth, 0)

	var offset float64
	g, err := fitting.FitGaussian1D(profile, opts.LinearBias, opts.Fit)
	if err != nil {
		monitoring.Logf("optical depth offset fit failed for %s, using profile mean: %v", f.Filename, err)
		offset = floats.Sum(profile) / float64(len(profile)) / float64(cols)
	} else {
		offset = g.Offset / float64(cols)
	}

	term, err := IntensityChange(f)
	if err != nil {
		return nil, err
	}
	term.Scale(1/opts.saturation(), term)

	depth.Apply(func(i, j int, v float64) float64 {
		return v - offset + term.At(i, j)
	}, depth)
	return depth, nil
}

// ColumnDensity returns the optical density divided by the absorption cross
// section. With intensityCorrected the saturation-corrected depth is used.
func ColumnDensity(f *models.RawFrame, intensityCorrected bool, opts Options, depth DepthOptions) (*mat.Dense, error) {
	var m *mat.Dense
	var err error
	if intensityCorrected {
		m, err = OpticalDepth(f, depth)
	} else {
		opts.AbsoluteValue = false
		m, err = Reconstruct(f, opts)
	}
	if err != nil {
		return nil, err
	}
	m.Scale(1/f.SLambda, m)
	return m, nil
}

// IntensityCorrectedNumber is the atom number computed from OpticalDepth
func IntensityCorrectedNumber(f *models.RawFrame, opts DepthOptions) (float64, error) {
	depth, err := OpticalDepth(f, opts)
	if err != nil {
		return 0, err
	}
	pixel := f.PixelSize / f.Magnification
	return mat.Sum(depth) / f.SLambda * pixel * pixel, nil
}

// IntensityTermNumber is the contribution of the saturation term alone to
// IntensityCorrectedNumber
func IntensityTermNumber(f *models.RawFrame, saturationIntensity float64) (float64, error) {
	if saturationIntensity <= 0 {
		saturationIntensity = DefaultSaturationIntensity
	}
	term, err := IntensityChange(f)
	if err != nil {
		return 0, err
	}
	pixel := f.PixelSize / f.Magnification
	return mat.Sum(term) / saturationIntensity / f.SLambda * pixel * pixel, nil
}
