// Package distribution aggregates per-image cloud metrics over a set of
// files into index-aligned distributions.
//
// Index i of every distribution refers to the i-th file of Files(). Images
// that fail to load or fit keep their slot as a missing value, and outlier
// removal deletes the same indices from every distribution and from the
// file list.
package distribution

import (
	"context"
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/rwturner17/BECy-stats/internal/models"
	"github.com/rwturner17/BECy-stats/internal/monitoring"
	"github.com/rwturner17/BECy-stats/pkg/cloud"
	"github.com/rwturner17/BECy-stats/pkg/imagesource"
	"github.com/rwturner17/BECy-stats/pkg/outlier"
)

var (
	// ErrAlignment is returned when distributions would lose their
	// index correspondence
	ErrAlignment = errors.New("distributions out of alignment")

	// ErrInvalidMetric is returned for names without a known derivation
	ErrInvalidMetric = cloud.ErrInvalidMetric

	// ErrNoData is returned by statistics over distributions without values
	ErrNoData = errors.New("no values")
)

// Params configures a Distribution
type Params struct {
	// NumCores bounds the number of frames processed concurrently
	NumCores int

	// CustomWindow, when non-empty, is the truncation window of every frame
	CustomWindow models.Window

	// UseFirstWindow takes the truncation window of the first file for all
	// frames. It is ignored when CustomWindow is set.
	UseFirstWindow bool

	// NMADM is the default outlier cutoff in units of the MADM
	NMADM float64

	// Verbose logs build progress
	Verbose bool
}

// Distribution holds named distributions over one file set. It is not safe
// for concurrent use; frame processing inside a build is parallel.
type Distribution struct {
	files     []string
	loader    imagesource.Loader
	extractor *cloud.Extractor
	registry  *cloud.Registry
	params    Params

	dists    map[string][]models.Value
	failures map[string][]int
	outliers map[string][]int

	window      *models.Window
	controlName string
}

// New creates an empty distribution over files. Nothing is loaded until a
// build is requested.
func New(files []string, loader imagesource.Loader, extractor *cloud.Extractor, params Params) *Distribution {
	if params.NMADM <= 0 {
		params.NMADM = outlier.DefaultNMADM
	}
	return &Distribution{
		files:     append([]string(nil), files...),
		loader:    loader,
		extractor: extractor,
		registry:  cloud.DefaultRegistry(),
		params:    params,
		dists:     map[string][]models.Value{},
		failures:  map[string][]int{},
		outliers:  map[string][]int{},
	}
}

// SetRegistry replaces the registry used to resolve derived metrics
func (d *Distribution) SetRegistry(r *cloud.Registry) {
	d.registry = r
}

// Files returns the file list, in index order
func (d *Distribution) Files() []string {
	return append([]string(nil), d.files...)
}

// Len is the number of images in every distribution
func (d *Distribution) Len() int { return len(d.files) }

// Names returns the built distributions, sorted
func (d *Distribution) Names() []string {
	names := make([]string, 0, len(d.dists))
	for name := range d.dists {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name has been built, without building it
func (d *Distribution) Has(name string) bool {
	_, ok := d.dists[name]
	return ok
}

// Values returns a copy of the distribution name, nil if it is not built
func (d *Distribution) Values(name string) []models.Value {
	vs, ok := d.dists[name]
	if !ok {
		return nil
	}
	return append([]models.Value(nil), vs...)
}

// Present returns the measured values of name in index order
func (d *Distribution) Present(name string) []float64 {
	return models.Present(d.dists[name])
}

// Failures returns the indices at which name could not be computed
func (d *Distribution) Failures(name string) []int {
	return append([]int(nil), d.failures[name]...)
}

// Aligned returns the values of each named distribution at the indices where
// all of them are present, together with those indices.
func (d *Distribution) Aligned(names ...string) ([][]float64, []int, error) {
	seqs := make([][]models.Value, len(names))
	for i, name := range names {
		vs, ok := d.dists[name]
		if !ok {
			return nil, nil, errors.Wrapf(ErrInvalidMetric, "%q has not been built", name)
		}
		seqs[i] = vs
	}

	out := make([][]float64, len(names))
	var indices []int
	for i := 0; i < len(d.files); i++ {
		ok := true
		for _, vs := range seqs {
			if !vs[i].OK {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		indices = append(indices, i)
		for j, vs := range seqs {
			out[j] = append(out[j], vs[i].V)
		}
	}
	return out, indices, nil
}

// checkAlignment verifies every distribution covers every file
func (d *Distribution) checkAlignment() error {
	for name, vs := range d.dists {
		if len(vs) != len(d.files) {
			return errors.Wrapf(ErrAlignment, "%s has %d entries for %d files", name, len(vs), len(d.files))
		}
	}
	return nil
}

// store records a freshly built distribution
func (d *Distribution) store(name string, vs []models.Value) error {
	if len(vs) != len(d.files) {
		return errors.Wrapf(ErrAlignment, "built %d values of %s for %d files", len(vs), name, len(d.files))
	}
	var failed []int
	for i, v := range vs {
		if !v.OK {
			failed = append(failed, i)
		}
	}
	d.dists[name] = vs
	d.failures[name] = failed
	delete(d.outliers, name)
	return d.checkAlignment()
}

// load reads file i. A loader panic is reported as a load error.
func (d *Distribution) load(i int) (f *models.RawFrame, err error) {
	defer func() {
		if r := recover(); r != nil {
			f, err = nil, errors.Wrapf(imagesource.ErrLoad, "%s: panic: %v", d.files[i], r)
		}
	}()
	return d.loader.Load(d.files[i])
}

// Window returns the truncation window applied to every frame, or the
// empty window when each frame keeps its own
func (d *Distribution) Window() (models.Window, error) {
	if d.window != nil {
		return *d.window, nil
	}
	w := d.params.CustomWindow
	if w.Empty() && d.params.UseFirstWindow && len(d.files) > 0 {
		first, err := d.load(0)
		if err != nil {
			return models.Window{}, errors.Wrap(err, "reading the window of the first file")
		}
		w = first.Truncation
	}
	d.window = &w
	return w, nil
}

// frameExtractor returns the extractor with the distribution's window applied
func (d *Distribution) frameExtractor() (*cloud.Extractor, error) {
	w, err := d.Window()
	if err != nil {
		return nil, err
	}
	if w.Empty() {
		return d.extractor, nil
	}
	return d.extractor.WithWindow(w), nil
}

// BuildDefaultSet extracts the metric bundle of every file. A file that
// cannot be loaded or reconstructed is logged and contributes a missing
// value to every bundle distribution.
func (d *Distribution) BuildDefaultSet(ctx context.Context) error {
	ex, err := d.frameExtractor()
	if err != nil {
		return err
	}
	keys := ex.Options().Keys()

	bundles, err := eachFrame(ctx, d, "metrics", func(_ int, f *models.RawFrame) (*cloud.Bundle, error) {
		return ex.Extract(f)
	})
	if err != nil {
		return err
	}
	for i, b := range bundles {
		if b == nil {
			bundles[i] = cloud.MissingBundle(keys)
		}
	}

	for _, key := range keys {
		vs := make([]models.Value, len(bundles))
		for i, b := range bundles {
			vs[i] = b.Get(key)
		}
		if err := d.store(key, vs); err != nil {
			return err
		}
	}
	return nil
}

// Build computes the distribution name. Bundle keys build the whole default
// set, the control parameter name builds the control distribution,
// registered metrics are computed per frame and any other name is looked up
// in the run variables of the first file.
func (d *Distribution) Build(ctx context.Context, name string) error {
	for _, key := range d.extractor.Options().Keys() {
		if key == name {
			return d.BuildDefaultSet(ctx)
		}
	}
	if fn, err := d.registry.Lookup(name); err == nil {
		return d.buildMetric(ctx, name, fn)
	}
	if len(d.files) == 0 {
		return errors.Wrapf(ErrInvalidMetric, "%q: no files", name)
	}

	first, err := d.load(0)
	if err != nil {
		return errors.Wrapf(err, "resolving %q", name)
	}
	if name == first.ControlParamName {
		_, err := d.ControlParameter(ctx)
		return err
	}
	if _, ok := first.Variables[name]; ok {
		return d.buildVariable(ctx, name)
	}
	return errors.Wrapf(ErrInvalidMetric, "%q", name)
}

func (d *Distribution) buildMetric(ctx context.Context, name string, fn cloud.MetricFunc) error {
	ex, err := d.frameExtractor()
	if err != nil {
		return err
	}
	vs, err := eachFrame(ctx, d, name, func(_ int, f *models.RawFrame) (models.Value, error) {
		v, err := fn(f, ex)
		if err != nil {
			return models.Missing(), err
		}
		if math.IsNaN(v) {
			return models.Missing(), errors.New("NaN result")
		}
		return models.Some(v), nil
	})
	if err != nil {
		return err
	}
	return d.store(name, vs)
}

func (d *Distribution) buildVariable(ctx context.Context, name string) error {
	vs, err := eachFrame(ctx, d, name, func(_ int, f *models.RawFrame) (models.Value, error) {
		v, ok := f.Variables[name]
		if !ok {
			return models.Missing(), nil
		}
		return models.Some(v), nil
	})
	if err != nil {
		return err
	}
	return d.store(name, vs)
}

// ControlParameter builds the distribution of the swept control parameter
// and returns its name. Every loadable file must name the same parameter.
func (d *Distribution) ControlParameter(ctx context.Context) (string, error) {
	if d.controlName != "" && d.Has(d.controlName) {
		return d.controlName, nil
	}

	type control struct {
		name  string
		value models.Value
	}
	cs, err := eachFrame(ctx, d, "control parameter", func(_ int, f *models.RawFrame) (control, error) {
		return control{name: f.ControlParamName, value: models.Some(f.ControlParamValue)}, nil
	})
	if err != nil {
		return "", err
	}

	name := ""
	vs := make([]models.Value, len(cs))
	for i, c := range cs {
		vs[i] = c.value
		if !c.value.OK {
			continue
		}
		if name == "" {
			name = c.name
		} else if c.name != name {
			return "", errors.Errorf("no single control parameter: %s names %q, expected %q", d.files[i], c.name, name)
		}
	}
	if name == "" {
		return "", errors.New("no control parameter recorded")
	}
	if err := d.store(name, vs); err != nil {
		return "", err
	}
	d.controlName = name
	return name, nil
}

// Exists reports whether name is built, building it on a miss
func (d *Distribution) Exists(ctx context.Context, name string) bool {
	if d.Has(name) {
		return true
	}
	if err := d.Build(ctx, name); err != nil {
		monitoring.Logf("invalid variable %s: %v", name, err)
		return false
	}
	return d.Has(name)
}

// FindOutliers runs the Hempel filter over the present values of name and
// returns the flagged distribution indices. The distribution must be built.
func (d *Distribution) FindOutliers(name string, nMADM float64) ([]int, error) {
	vs, ok := d.dists[name]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidMetric, "%q has not been built", name)
	}
	if nMADM <= 0 {
		nMADM = d.params.NMADM
	}

	var present []float64
	var index []int
	for i, v := range vs {
		if v.OK {
			present = append(present, v.V)
			index = append(index, i)
		}
	}
	res := outlier.Hempel(present, nMADM)
	flagged := make([]int, len(res.Outliers))
	for i, j := range res.Outliers {
		flagged[i] = index[j]
	}
	d.outliers[name] = flagged
	return append([]int(nil), flagged...), nil
}

// Outliers returns the indices last flagged for name
func (d *Distribution) Outliers(name string) []int {
	return append([]int(nil), d.outliers[name]...)
}

// RemoveOutliers deletes the outliers of name from every distribution and
// from the file list. It is a no-op returning an error when name is unknown.
func (d *Distribution) RemoveOutliers(ctx context.Context, name string, nMADM float64) ([]int, error) {
	if !d.Exists(ctx, name) {
		monitoring.Logf("%s does not exist, no outliers removed", name)
		return nil, errors.Wrapf(ErrInvalidMetric, "%q", name)
	}
	flagged, err := d.FindOutliers(name, nMADM)
	if err != nil {
		return nil, err
	}
	if err := d.Remove(flagged); err != nil {
		return nil, err
	}
	return flagged, nil
}

// Remove deletes the given indices from every distribution and the file list
func (d *Distribution) Remove(indices []int) error {
	if len(indices) == 0 {
		return nil
	}
	if err := d.checkAlignment(); err != nil {
		return err
	}
	drop := make(map[int]bool, len(indices))
	for _, i := range indices {
		if i < 0 || i >= len(d.files) {
			return errors.Wrapf(ErrAlignment, "index %d outside %d files", i, len(d.files))
		}
		drop[i] = true
	}

	d.files = filterIndex(d.files, drop)
	for name, vs := range d.dists {
		d.dists[name] = filterIndex(vs, drop)
	}
	for name, failed := range d.failures {
		d.failures[name] = remapIndices(failed, drop)
	}
	for name := range d.outliers {
		delete(d.outliers, name)
	}
	return d.checkAlignment()
}

func filterIndex[T any](xs []T, drop map[int]bool) []T {
	out := make([]T, 0, len(xs)-len(drop))
	for i, x := range xs {
		if !drop[i] {
			out = append(out, x)
		}
	}
	return out
}

// remapIndices renumbers indices after the dropped ones are removed
func remapIndices(indices []int, drop map[int]bool) []int {
	var out []int
	for _, i := range indices {
		if drop[i] {
			continue
		}
		shift := 0
		for j := range drop {
			if j < i {
				shift++
			}
		}
		out = append(out, i-shift)
	}
	return out
}

// GroupByTOF partitions indices into time-of-flight sweeps: a new group
// starts whenever a tof is smaller than the previous one. Missing entries
// belong to no group.
func GroupByTOF(tofs []models.Value) [][]int {
	var groups [][]int
	var current []int
	last := math.Inf(-1)
	for i, tof := range tofs {
		if !tof.OK {
			continue
		}
		if tof.V < last && len(current) > 0 {
			groups = append(groups, current)
			current = nil
		}
		current = append(current, i)
		last = tof.V
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}

// TemperatureGroups returns the TOF sweeps of the file set
func (d *Distribution) TemperatureGroups(ctx context.Context) ([][]int, error) {
	if !d.Exists(ctx, cloud.TOF) {
		return nil, errors.Wrapf(ErrInvalidMetric, "%q", cloud.TOF)
	}
	return GroupByTOF(d.dists[cloud.TOF]), nil
}
