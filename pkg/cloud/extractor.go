// Package cloud extracts the physical parameters of an atom cloud from a
// single absorption frame.
package cloud

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/rwturner17/BECy-stats/internal/models"
	"github.com/rwturner17/BECy-stats/internal/monitoring"
	"github.com/rwturner17/BECy-stats/pkg/fitting"
	"github.com/rwturner17/BECy-stats/pkg/imagesource"
	"github.com/rwturner17/BECy-stats/pkg/od"
)

// Axis selects one of the two integrated profiles
type Axis int

const (
	// AxisX is the horizontal axis; its profile sums each column of the OD map
	AxisX Axis = iota
	// AxisZ is the vertical axis; its profile sums each row of the OD map
	AxisZ
)

func (a Axis) String() string {
	if a == AxisX {
		return "x"
	}
	return "z"
}

// ParseAxis accepts "x" or "z" (case-insensitive)
func ParseAxis(s string) (Axis, error) {
	switch strings.ToLower(s) {
	case "x":
		return AxisX, nil
	case "z":
		return AxisZ, nil
	}
	return 0, fmt.Errorf("invalid axis %q (must be x or z)", s)
}

// Bundle metric names
const (
	AtomNumber  = "atom_number"
	PositionX   = "position_x"
	PositionZ   = "position_z"
	WidthX      = "width_x"
	WidthZ      = "width_z"
	LightCounts = "light_counts"
	Timestamp   = "timestamp"
	TOF         = "tof"

	PeakDistance = "d_peaks"
	Position1    = "position_1"
	Position2    = "position_2"
	Sigma1       = "sigma_1"
	Sigma2       = "sigma_2"
)

var (
	singleKeys = []string{AtomNumber, PositionX, PositionZ, WidthX, WidthZ, LightCounts, Timestamp, TOF}
	doubleKeys = []string{PeakDistance, Position1, Position2, Sigma1, Sigma2}
)

// Options configures an Extractor
type Options struct {
	FluctuationCorrection bool
	LinearBias            bool

	// OffsetCorrection removes the fitted background of FitAxis from the atom number
	OffsetCorrection bool
	FitAxis          Axis

	// PixelUnits reports positions and widths in pixels instead of metres
	PixelUnits bool

	// DoubleGaussian adds the two-peak metrics of the z profile to every bundle
	DoubleGaussian bool

	// Debug logs per-frame fit details
	Debug bool

	// AngleCorrection scales x lengths for an imaging axis tilted from the camera
	AngleCorrection float64

	// SaturationIntensity is used by the intensity-corrected metrics
	SaturationIntensity float64

	// Window, when non-empty, replaces every frame's truncation window
	Window models.Window

	Fit fitting.Settings
}

// DefaultOptions returns the options used for routine analysis
func DefaultOptions() Options {
	return Options{
		FluctuationCorrection: true,
		LinearBias:            true,
		OffsetCorrection:      true,
		FitAxis:               AxisZ,
		AngleCorrection:       1,
		SaturationIntensity:   od.DefaultSaturationIntensity,
		Fit:                   fitting.DefaultSettings(),
	}
}

// Keys returns the bundle keys produced with these options, in bundle order
func (o Options) Keys() []string {
	keys := append([]string(nil), singleKeys...)
	if o.DoubleGaussian {
		keys = append(keys, doubleKeys...)
	}
	return keys
}

// AxisFit is the Gaussian fit of one profile. A failed fit is tagged missing
// and carries the fit error instead of placeholder coefficients.
type AxisFit struct {
	Gaussian *fitting.Gaussian
	Err      error
}

// Missing reports whether the fit failed
func (a AxisFit) Missing() bool { return a.Gaussian == nil }

// Profiles holds the OD map of a frame and its two integrated profiles
type Profiles struct {
	OD     *mat.Dense
	Window models.Window
	X, Z   []float64
}

// Profile returns the profile along axis
func (p *Profiles) Profile(axis Axis) []float64 {
	if axis == AxisX {
		return p.X
	}
	return p.Z
}

// Extractor turns frames into metric bundles. It holds no per-frame state
// and may be shared between goroutines.
type Extractor struct {
	opts Options
}

// NewExtractor creates an extractor; zero fit settings select the defaults
func NewExtractor(opts Options) *Extractor {
	if opts.AngleCorrection == 0 {
		opts.AngleCorrection = 1
	}
	return &Extractor{opts: opts}
}

// Options returns the extractor configuration
func (e *Extractor) Options() Options { return e.opts }

// WithWindow returns an extractor that uses w as the truncation window of every frame
func (e *Extractor) WithWindow(w models.Window) *Extractor {
	opts := e.opts
	opts.Window = w
	return &Extractor{opts: opts}
}

// frame applies the configured window override
func (e *Extractor) frame(f *models.RawFrame) *models.RawFrame {
	if e.opts.Window.Empty() {
		return f
	}
	return f.WithTruncation(e.opts.Window)
}

// Profiles reconstructs the truncated OD map of f and integrates it along
// both axes
func (e *Extractor) Profiles(f *models.RawFrame) (*Profiles, error) {
	f = e.frame(f)
	m, err := od.Reconstruct(f, od.Options{
		FluctuationCorrection: e.opts.FluctuationCorrection,
		Truncate:              true,
		AbsoluteValue:         true,
	})
	if err != nil {
		return nil, err
	}
	return &Profiles{
		OD:     m,
		Window: f.Truncation,
		X:      od.SumAxis(m, 0),
		Z:      od.SumAxis(m, 1),
	}, nil
}

// ColumnDensity returns the column density of the frame's window. With
// intensityCorrected the saturation-corrected optical depth is used.
func (e *Extractor) ColumnDensity(f *models.RawFrame, intensityCorrected bool) (*mat.Dense, error) {
	return od.ColumnDensity(e.frame(f), intensityCorrected, od.Options{
		FluctuationCorrection: e.opts.FluctuationCorrection,
		Truncate:              true,
	}, e.depthOptions())
}

// FitAxis fits the profile along axis
func (e *Extractor) FitAxis(p *Profiles, axis Axis) AxisFit {
	g, err := fitting.FitGaussian1D(p.Profile(axis), e.opts.LinearBias, e.opts.Fit)
	if err != nil {
		return AxisFit{Err: err}
	}
	return AxisFit{Gaussian: g}
}

// Extract computes the metric bundle of one frame. Only a frame whose OD map
// cannot be formed is an error; failed profile fits become missing values.
func (e *Extractor) Extract(f *models.RawFrame) (*Bundle, error) {
	p, err := e.Profiles(f)
	if err != nil {
		return nil, errors.Wrapf(err, "reconstructing %s", f.Filename)
	}
	fx := e.FitAxis(p, AxisX)
	fz := e.FitAxis(p, AxisZ)
	for _, a := range []struct {
		axis Axis
		fit  AxisFit
	}{{AxisX, fx}, {AxisZ, fz}} {
		if a.fit.Missing() {
			monitoring.Logf("fit error in %s for %s: %v", a.axis, f.Filename, a.fit.Err)
		}
	}

	b := newBundle(e.opts.Keys())
	b.set(AtomNumber, models.Some(e.atomNumber(f, p, fx, fz)))
	b.set(PositionX, e.position(f, p, fx, AxisX))
	b.set(PositionZ, e.position(f, p, fz, AxisZ))
	b.set(WidthX, e.width(f, fx, AxisX))
	b.set(WidthZ, e.width(f, fz, AxisZ))
	b.set(LightCounts, models.Some(od.LightCounts(f)))
	if ts, ok := imagesource.Timestamp(f.Filename); ok {
		b.set(Timestamp, models.Some(ts))
	}
	b.set(TOF, models.Some(f.TOF))

	if e.opts.DoubleGaussian {
		e.addDoubleGaussian(f, p, b)
	}

	if e.opts.Debug {
		monitoring.Logf("%s: M %.2f number %.3e", f.Filename, f.Magnification, b.Get(AtomNumber).V)
		monitoring.Logf("fitting window: %v, fluctuation window: %v", p.Window, f.Fluctuation)
	}
	return b, nil
}

// atomNumber integrates the OD map. With offset correction the fitted
// background of the designated axis is removed; a failed fit on that axis
// contributes no background.
func (e *Extractor) atomNumber(f *models.RawFrame, p *Profiles, fx, fz AxisFit) float64 {
	sum := mat.Sum(p.OD)
	if !e.opts.OffsetCorrection {
		return f.PixelArea / f.SLambda * sum
	}

	fit := fz
	if e.opts.FitAxis == AxisX {
		fit = fx
	}
	n := float64(len(p.Profile(e.opts.FitAxis)))

	var offset, slope float64
	if fit.Missing() {
		monitoring.Logf("no background fit on %s for %s, atom number is uncorrected", e.opts.FitAxis, f.Filename)
	} else {
		offset, slope = fit.Gaussian.Offset, fit.Gaussian.Slope
	}
	return f.PixelArea / f.SLambda * (sum - 0.5*slope*n*n - offset*n)
}

func (e *Extractor) position(f *models.RawFrame, p *Profiles, fit AxisFit, axis Axis) models.Value {
	if fit.Missing() {
		return models.Missing()
	}
	return models.Some(e.ToPosition(f, p.Window, fit.Gaussian.Center, axis))
}

func (e *Extractor) width(f *models.RawFrame, fit AxisFit, axis Axis) models.Value {
	if fit.Missing() {
		return models.Missing()
	}
	return models.Some(e.ToLength(f, fit.Gaussian.Width, axis))
}

// ToPosition converts a profile coordinate into a frame coordinate: pixels
// offset by the window corner, converted to metres unless PixelUnits is set.
// In pixel units only x is offset, so z stays relative to the window.
func (e *Extractor) ToPosition(f *models.RawFrame, w models.Window, pix float64, axis Axis) float64 {
	if e.opts.PixelUnits {
		if axis == AxisX {
			return pix + float64(w.X1)
		}
		return pix
	}
	if axis == AxisX {
		return (pix + float64(w.X1)) * f.PixelSize * e.opts.AngleCorrection / f.Magnification
	}
	return (pix + float64(w.Y1)) * f.PixelSize / f.Magnification
}

// ToLength converts a length in pixels along axis into the reporting units
func (e *Extractor) ToLength(f *models.RawFrame, length float64, axis Axis) float64 {
	if e.opts.PixelUnits {
		return length
	}
	if axis == AxisX {
		return length * f.PixelSize * e.opts.AngleCorrection / f.Magnification
	}
	return length * f.PixelSize / f.Magnification
}

// addDoubleGaussian fits two peaks to the z profile. The metrics stay in
// profile pixels.
func (e *Extractor) addDoubleGaussian(f *models.RawFrame, p *Profiles, b *Bundle) {
	d, err := fitting.FitDoubleGaussian1D(p.Z, e.opts.Fit)
	if err != nil {
		monitoring.Logf("double gaussian fit error for %s: %v", f.Filename, err)
		return
	}
	lo, hi := d.Positions()
	s1, s2 := d.Sigmas()
	b.set(PeakDistance, models.Some(d.PeakSeparation()))
	b.set(Position1, models.Some(lo))
	b.set(Position2, models.Some(hi))
	b.set(Sigma1, models.Some(s1))
	b.set(Sigma2, models.Some(s2))
}
