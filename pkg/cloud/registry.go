package cloud

import (
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/rwturner17/BECy-stats/internal/models"
	"github.com/rwturner17/BECy-stats/pkg/fitting"
	"github.com/rwturner17/BECy-stats/pkg/od"
)

// ErrInvalidMetric is returned for metric names without a known derivation
var ErrInvalidMetric = errors.New("invalid metric")

// Derived metric names beyond the bundle keys
const (
	IntCorrAtomNumber = "int_corr_atom_number"
	IntTermNumber     = "int_term_number"
	Saturation        = "saturation"
	ChiSquaredX       = "chi_squared_x"
	ChiSquaredZ       = "chi_squared_z"
	FluctuationRatio  = "fluctuation_ratio"
	PeakSeparation    = "peak_separation"
	ControlParam      = "control_param"
)

// MetricFunc computes one scalar from a frame with the extractor's configuration
type MetricFunc func(f *models.RawFrame, e *Extractor) (float64, error)

// Registry maps metric names to the functions that compute them
type Registry struct {
	funcs map[string]MetricFunc
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{funcs: map[string]MetricFunc{}}
}

// Register adds or replaces the function for name
func (r *Registry) Register(name string, fn MetricFunc) {
	r.funcs[name] = fn
}

// Lookup returns the function registered for name
func (r *Registry) Lookup(name string) (MetricFunc, error) {
	fn, ok := r.funcs[name]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidMetric, "%q", name)
	}
	return fn, nil
}

// Names lists the registered metrics, sorted
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry knows every bundle key and the derived per-frame metrics
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, key := range append(append([]string(nil), singleKeys...), doubleKeys...) {
		r.Register(key, bundleMetric(key))
	}

	r.Register(IntCorrAtomNumber, func(f *models.RawFrame, e *Extractor) (float64, error) {
		return od.IntensityCorrectedNumber(e.frame(f), e.depthOptions())
	})
	r.Register(IntTermNumber, func(f *models.RawFrame, e *Extractor) (float64, error) {
		return od.IntensityTermNumber(e.frame(f), e.opts.SaturationIntensity)
	})
	r.Register(Saturation, func(f *models.RawFrame, e *Extractor) (float64, error) {
		return od.Saturation(e.frame(f), e.opts.SaturationIntensity)
	})
	r.Register(ChiSquaredX, chiSquared(AxisX))
	r.Register(ChiSquaredZ, chiSquared(AxisZ))
	r.Register(FluctuationRatio, func(f *models.RawFrame, e *Extractor) (float64, error) {
		return od.FluctuationRatio(f)
	})
	r.Register(PeakSeparation, func(f *models.RawFrame, e *Extractor) (float64, error) {
		p, err := e.Profiles(f)
		if err != nil {
			return 0, err
		}
		d, err := fitting.FitDoubleGaussian1D(p.Z, e.opts.Fit)
		if err != nil {
			return 0, err
		}
		return d.PeakSeparation(), nil
	})
	r.Register(ControlParam, func(f *models.RawFrame, _ *Extractor) (float64, error) {
		return f.ControlParamValue, nil
	})
	return r
}

// bundleMetric reads key from a full extraction. A missing entry is reported
// as a fit error.
func bundleMetric(key string) MetricFunc {
	return func(f *models.RawFrame, e *Extractor) (float64, error) {
		ex := e
		if isDouble(key) && !e.opts.DoubleGaussian {
			opts := e.opts
			opts.DoubleGaussian = true
			ex = NewExtractor(opts)
		}
		b, err := ex.Extract(f)
		if err != nil {
			return 0, err
		}
		v := b.Get(key)
		if !v.OK {
			return 0, errors.Wrapf(fitting.ErrFit, "%s unavailable for %s", key, f.Filename)
		}
		return v.V, nil
	}
}

func isDouble(key string) bool {
	for _, k := range doubleKeys {
		if k == key {
			return true
		}
	}
	return false
}

// chiSquared is the reduced chi-squared of the profile fit along axis, with
// the noise variance estimated from the dark plane integrated the same way
func chiSquared(axis Axis) MetricFunc {
	return func(f *models.RawFrame, e *Extractor) (float64, error) {
		p, err := e.Profiles(f)
		if err != nil {
			return 0, err
		}
		fit := e.FitAxis(p, axis)
		if fit.Missing() {
			return 0, fit.Err
		}
		w := p.Window
		dark := f.Dark.Slice(w.Y1, w.Y2, w.X1, w.X2)
		sumAxis := 1
		if axis == AxisX {
			sumAxis = 0
		}
		background := od.SumAxis(dark, sumAxis)
		profile := p.Profile(axis)
		return fitting.ReducedChiSquared(profile, fit.Gaussian.Curve(len(profile)), stat.PopVariance(background, nil), 4), nil
	}
}

func (e *Extractor) depthOptions() od.DepthOptions {
	return od.DepthOptions{
		LinearBias:          e.opts.LinearBias,
		SaturationIntensity: e.opts.SaturationIntensity,
		Fit:                 e.opts.Fit,
	}
}
