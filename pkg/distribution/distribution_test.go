package distribution

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/rwturner17/BECy-stats/internal/models"
	"github.com/rwturner17/BECy-stats/internal/monitoring"
	"github.com/rwturner17/BECy-stats/internal/synth"
	"github.com/rwturner17/BECy-stats/pkg/cloud"
	"github.com/rwturner17/BECy-stats/pkg/imagesource"
)

func init() {
	monitoring.SetLogger(nil)
}

// memLoader serves frames from memory; unknown paths fail to load
type memLoader map[string]*models.RawFrame

func (l memLoader) Load(path string) (*models.RawFrame, error) {
	f, ok := l[path]
	if !ok {
		return nil, errors.Wrapf(imagesource.ErrLoad, "%s not found", path)
	}
	return f, nil
}

// newSet builds a distribution over synthetic clouds with the given peak ODs
// and times of flight. A peak OD of -1 stands for a file that fails to load.
func newSet(t *testing.T, peaks, tofs []float64) (*Distribution, memLoader) {
	t.Helper()
	loader := memLoader{}
	files := make([]string, len(peaks))
	for i, peak := range peaks {
		files[i] = synth.Name(i + 1)
		if peak < 0 {
			continue
		}
		c := synth.Default()
		c.PeakOD = peak
		c.TOF = tofs[i]
		c.ControlValue = float64(i)
		c.Filename = files[i]
		f := c.Frame()
		f.Variables["Detuning"] = float64(10 * i)
		loader[files[i]] = f
	}
	opts := cloud.DefaultOptions()
	opts.PixelUnits = true
	return New(files, loader, cloud.NewExtractor(opts), Params{NumCores: 3}), loader
}

func assertAligned(t *testing.T, d *Distribution) {
	t.Helper()
	for _, name := range d.Names() {
		assert.Len(t, d.Values(name), d.Len(), "distribution %s", name)
	}
}

func TestBuildDefaultSet(t *testing.T) {
	ctx := context.Background()
	d, _ := newSet(t, []float64{0.8, 0.9, -1, 1.0}, []float64{1e-3, 2e-3, 3e-3, 4e-3})

	require.NoError(t, d.BuildDefaultSet(ctx))
	assertAligned(t, d)

	keys := cloud.DefaultOptions().Keys()
	assert.ElementsMatch(t, keys, d.Names())
	for _, key := range keys {
		assert.Equal(t, []int{2}, d.Failures(key), key)
	}

	atoms := d.Values(cloud.AtomNumber)
	assert.Less(t, atoms[0].V, atoms[1].V)
	assert.Less(t, atoms[1].V, atoms[3].V)
	assert.Equal(t, []float64{1e-3, 2e-3, 4e-3}, d.Present(cloud.TOF))

	ts := d.Values(cloud.Timestamp)
	assert.Equal(t, models.Some(4), ts[3])
}

func TestBuildResolution(t *testing.T) {
	ctx := context.Background()
	d, _ := newSet(t, []float64{0.8, 0.9, 1.0}, []float64{1e-3, 2e-3, 3e-3})

	require.NoError(t, d.Build(ctx, cloud.FluctuationRatio))
	assert.Len(t, d.Present(cloud.FluctuationRatio), 3)

	require.NoError(t, d.Build(ctx, "Detuning"))
	assert.Equal(t, []float64{0, 10, 20}, d.Present("Detuning"))

	require.NoError(t, d.Build(ctx, "HoldTime"))
	assert.Equal(t, []float64{0, 1, 2}, d.Present("HoldTime"))

	err := d.Build(ctx, "no_such_metric")
	assert.True(t, errors.Is(err, ErrInvalidMetric), "got %v", err)
	assert.False(t, d.Exists(ctx, "no_such_metric"))

	assert.True(t, d.Exists(ctx, cloud.WidthX))
	assertAligned(t, d)
}

func TestControlParameter(t *testing.T) {
	ctx := context.Background()
	d, loader := newSet(t, []float64{0.8, 0.9, 1.0}, []float64{1e-3, 2e-3, 3e-3})

	name, err := d.ControlParameter(ctx)
	require.NoError(t, err)
	assert.Equal(t, "HoldTime", name)
	assert.Equal(t, []float64{0, 1, 2}, d.Present(name))

	d2 := New(d.Files(), loader, cloud.NewExtractor(cloud.DefaultOptions()), Params{})
	loader[d.Files()[1]].ControlParamName = "Detuning"
	_, err = d2.ControlParameter(ctx)
	assert.Error(t, err)
}

func TestRemoveOutliersKeepsAlignment(t *testing.T) {
	ctx := context.Background()
	tofs := []float64{1e-3, 2e-3, 3e-3, 4e-3, 5e-3, 6e-3}
	d, _ := newSet(t, []float64{0.8, 0.82, 0.78, 0.81, 0.79, 4.0}, tofs)

	require.NoError(t, d.BuildDefaultSet(ctx))
	require.NoError(t, d.Build(ctx, "Detuning"))
	files := d.Files()

	removed, err := d.RemoveOutliers(ctx, cloud.AtomNumber, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{5}, removed)

	assert.Equal(t, 5, d.Len())
	assert.Equal(t, files[:5], d.Files())
	assertAligned(t, d)
	assert.Equal(t, tofs[:5], d.Present(cloud.TOF))
	assert.Equal(t, []float64{0, 10, 20, 30, 40}, d.Present("Detuning"))

	// lazily built distributions stay aligned with the reduced file list
	require.NoError(t, d.Build(ctx, "HoldTime"))
	assert.Equal(t, []float64{0, 1, 2, 3, 4}, d.Present("HoldTime"))
	assertAligned(t, d)
}

func TestRemoveOutliersUnknownMetric(t *testing.T) {
	d, _ := newSet(t, []float64{0.8, 0.9}, []float64{1e-3, 2e-3})
	require.NoError(t, d.BuildDefaultSet(context.Background()))

	_, err := d.RemoveOutliers(context.Background(), "no_such_metric", 3)
	assert.True(t, errors.Is(err, ErrInvalidMetric))
	assert.Equal(t, 2, d.Len())
}

func TestRemoveRemapsFailures(t *testing.T) {
	d, _ := newSet(t, []float64{0.8, 0.9, -1, 1.0}, []float64{1e-3, 2e-3, 3e-3, 4e-3})
	require.NoError(t, d.BuildDefaultSet(context.Background()))

	require.NoError(t, d.Remove([]int{0}))
	assert.Equal(t, []int{1}, d.Failures(cloud.AtomNumber))

	err := d.Remove([]int{10})
	assert.True(t, errors.Is(err, ErrAlignment))
}

func TestGroupByTOF(t *testing.T) {
	tofs := []models.Value{
		models.Some(1), models.Some(2), models.Some(3),
		models.Some(1), models.Some(2),
		models.Some(1),
	}
	want := [][]int{{0, 1, 2}, {3, 4}, {5}}
	if diff := cmp.Diff(want, GroupByTOF(tofs)); diff != "" {
		t.Errorf("GroupByTOF mismatch (-want +got):\n%s", diff)
	}

	withMissing := []models.Value{models.Some(1), models.Missing(), models.Some(2), models.Some(1)}
	if diff := cmp.Diff([][]int{{0, 2}, {3}}, GroupByTOF(withMissing)); diff != "" {
		t.Errorf("GroupByTOF with missing mismatch (-want +got):\n%s", diff)
	}

	assert.Empty(t, GroupByTOF(nil))
}

func TestTemperatureGroups(t *testing.T) {
	d, _ := newSet(t, []float64{0.8, 0.8, 0.8, 0.8}, []float64{1e-3, 2e-3, 1e-3, 2e-3})
	groups, err := d.TemperatureGroups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1}, {2, 3}}, groups)
}

func TestStatistics(t *testing.T) {
	assert.Equal(t, 0.0, AllanDeviation([]float64{5, 5, 5, 5}))
	assert.True(t, math.IsNaN(AllanDeviation([]float64{5})))
	assert.InDelta(t, math.Sqrt(0.5*(1+4)/2), AllanDeviation([]float64{1, 2, 4}), 1e-12)

	xs := []float64{8, 12, 8, 12}
	assert.InDelta(t, 2, PopStd(xs), 1e-12)
	assert.InDelta(t, 5, SNR(xs), 1e-12)
	assert.InDelta(t, 2.598, SNRUncertainty(SNR(xs), len(xs)), 1e-3)
}

func TestDistributionStatistics(t *testing.T) {
	ctx := context.Background()
	d, _ := newSet(t, []float64{0.8, 0.8, 0.8, 0.8}, []float64{1e-3, 1e-3, 1e-3, 1e-3})

	mean, err := d.Mean(ctx, "Detuning")
	require.NoError(t, err)
	assert.Equal(t, 15.0, mean)

	median, err := d.Median(ctx, "Detuning")
	require.NoError(t, err)
	assert.Equal(t, 15.0, median)

	allan, err := d.AllanDeviation(ctx, cloud.TOF)
	require.NoError(t, err)
	assert.Equal(t, 0.0, allan)

	s, err := d.Summary(ctx, "Detuning")
	require.NoError(t, err)
	assert.Equal(t, 4, s.N)
	assert.InDelta(t, math.Sqrt(125), s.Std, 1e-9)
	assert.InDelta(t, SNRUncertainty(s.SNR, 4), s.SNRUncertainty, 1e-12)
	assert.Contains(t, s.String(), "Detuning")

	_, err = d.Mean(ctx, "no_such_metric")
	assert.Error(t, err)
}

func TestAligned(t *testing.T) {
	d, _ := newSet(t, []float64{0.8, -1, 0.9}, []float64{1e-3, 2e-3, 3e-3})
	ctx := context.Background()
	require.NoError(t, d.BuildDefaultSet(ctx))
	require.True(t, d.Exists(ctx, "Detuning"))

	cols, idx, err := d.Aligned(cloud.TOF, "Detuning")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, idx)
	assert.Equal(t, []float64{1e-3, 3e-3}, cols[0])
	assert.Equal(t, []float64{0, 20}, cols[1])

	_, _, err = d.Aligned("unbuilt")
	assert.Error(t, err)
}

func TestKMeans(t *testing.T) {
	ctx := context.Background()
	peaks := []float64{0.8, 0.81, 0.79, 1.6, 1.62, 1.58}
	d, _ := newSet(t, peaks, []float64{1e-3, 1e-3, 1e-3, 1e-3, 1e-3, 1e-3})
	require.NoError(t, d.BuildDefaultSet(ctx))

	c, err := d.KMeans(cloud.AtomNumber, cloud.TOF, 2)
	require.NoError(t, err)
	assert.Len(t, c.Centroids, 2)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, c.Indices)
	assert.Equal(t, c.Labels[0], c.Labels[1])
	assert.Equal(t, c.Labels[0], c.Labels[2])
	assert.Equal(t, c.Labels[3], c.Labels[4])
	assert.Equal(t, c.Labels[3], c.Labels[5])
	assert.NotEqual(t, c.Labels[0], c.Labels[3])

	_, err = d.KMeans(cloud.AtomNumber, cloud.TOF, 10)
	assert.Error(t, err)
}

func TestAssignCoincidentCentroids(t *testing.T) {
	centroids := []kdtree.Point{{0, 0}, {3, 3}, {3, 3}, {9, 9}}
	points := []kdtree.Point{{0.1, 0}, {3, 3.1}, {2.9, 3}, {9, 8.9}, {-0.2, 0.1}}
	labels := []int{-1, -1, -1, -1, -1}

	assert.True(t, assign(points, centroids, labels))
	assert.Equal(t, 0, labels[0])
	assert.Contains(t, []int{1, 2}, labels[1])
	assert.Contains(t, []int{1, 2}, labels[2])
	assert.Equal(t, 3, labels[3])
	assert.Equal(t, 0, labels[4])
	assert.False(t, assign(points, centroids, labels))

	// every cluster id survives in the tree, including both twins
	tree := kdtree.New(newCentroidSet(centroids), false)
	seen := map[int]bool{}
	tree.Do(func(c kdtree.Comparable, _ *kdtree.Bounding, _ int) bool {
		seen[c.(labelled).label] = true
		return false
	})
	assert.Equal(t, map[int]bool{0: true, 1: true, 2: true, 3: true}, seen)

	// a centroid moved onto its neighbour keeps its own id
	moved := []kdtree.Point{{0, 0}, {9, 9}, {9, 9}}
	labels = []int{-1, -1}
	assign([]kdtree.Point{{0, 0.1}, {9, 9}}, moved, labels)
	assert.Equal(t, 0, labels[0])
	assert.Contains(t, []int{1, 2}, labels[1])
}

func TestImageStatistics(t *testing.T) {
	d, loader := newSet(t, []float64{0.8, 0.8, 0.8}, []float64{1e-3, 1e-3, 1e-3})

	s, err := d.ImageStatistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, s.N)

	frame := loader[d.Files()[0]]
	w := frame.Truncation
	rows, cols := s.Average.Dims()
	assert.Equal(t, w.Height(), rows)
	assert.Equal(t, w.Width(), cols)
	assert.InDelta(t, 0.8, mat.Max(s.Average), 1e-6)
	assert.InDelta(t, 0, mat.Max(s.Std), 1e-6)

	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := s.SNR.At(i, j)
			require.False(t, math.IsNaN(v) || math.IsInf(v, 0))
		}
	}
}

func TestColumnDensities(t *testing.T) {
	d, loader := newSet(t, []float64{0.8, -1, 0.8}, []float64{1e-3, 1e-3, 1e-3})

	cds, err := d.ColumnDensities(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, cds, 3)
	assert.Nil(t, cds[1])

	frame := loader[d.Files()[0]]
	assert.InDelta(t, 0.8/frame.SLambda, mat.Max(cds[0]), 1e-6/frame.SLambda)
}

func TestCustomWindow(t *testing.T) {
	d, loader := newSet(t, []float64{0.8, 0.9}, []float64{1e-3, 2e-3})
	w := models.Window{X1: 10, X2: 70, Y1: 10, Y2: 50}
	d2 := New(d.Files(), loader, cloud.NewExtractor(cloud.DefaultOptions()), Params{CustomWindow: w})

	got, err := d2.Window()
	require.NoError(t, err)
	assert.Equal(t, w, got)

	first := New(d.Files(), loader, cloud.NewExtractor(cloud.DefaultOptions()), Params{UseFirstWindow: true})
	got, err = first.Window()
	require.NoError(t, err)
	assert.Equal(t, loader[d.Files()[0]].Truncation, got)

	avg, err := d2.AverageImage(context.Background())
	require.NoError(t, err)
	rows, cols := avg.Dims()
	assert.Equal(t, 40, rows)
	assert.Equal(t, 60, cols)
}

func TestForEachOrderAndCancel(t *testing.T) {
	out, errs, err := forEach(context.Background(), 50, 4, func(i int) (int, error) { return i * i, nil }, nil)
	require.NoError(t, err)
	for i, v := range out {
		require.Equal(t, i*i, v)
		require.NoError(t, errs[i])
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = forEach(ctx, 50, 4, func(i int) (int, error) { return i, nil }, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestForEachIsolatesPanics(t *testing.T) {
	var done int
	out, errs, err := forEach(context.Background(), 5, 2, func(i int) (int, error) {
		if i == 3 {
			panic("bad frame")
		}
		if i == 1 {
			return 99, errors.New("fit failed")
		}
		return i + 10, nil
	}, func(n, total int) { done = n })
	require.NoError(t, err)
	assert.Equal(t, []int{10, 0, 12, 0, 14}, out)
	assert.Error(t, errs[1])
	assert.ErrorContains(t, errs[3], "bad frame")
	assert.Equal(t, 5, done)
}

// panicLoader panics on one path and serves the rest from memory
type panicLoader struct {
	memLoader
	bad string
}

func (l panicLoader) Load(path string) (*models.RawFrame, error) {
	if path == l.bad {
		panic("corrupt pixel data")
	}
	return l.memLoader.Load(path)
}

func TestBuildSurvivesPanickingLoader(t *testing.T) {
	ctx := context.Background()
	d, loader := newSet(t, []float64{0.8, 0.9, 1.0}, []float64{1e-3, 2e-3, 3e-3})
	pl := panicLoader{memLoader: loader, bad: d.Files()[1]}
	d2 := New(d.Files(), pl, cloud.NewExtractor(cloud.DefaultOptions()), Params{NumCores: 2})

	require.NoError(t, d2.BuildDefaultSet(ctx))
	assertAligned(t, d2)
	atoms := d2.Values(cloud.AtomNumber)
	assert.True(t, atoms[0].OK)
	assert.False(t, atoms[1].OK)
	assert.True(t, atoms[2].OK)
	assert.Equal(t, []int{1}, d2.Failures(cloud.WidthX))

	require.NoError(t, d2.Build(ctx, "Detuning"))
	assert.Equal(t, []float64{0, 20}, d2.Present("Detuning"))
}

func TestFITSBatch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	clouds := make([]synth.Cloud, 3)
	for i := range clouds {
		c := synth.Default()
		c.PeakOD = 0.6 + 0.1*float64(i)
		c.SigmaX = 5 + float64(i)
		c.TOF = float64(i+1) * 1e-3
		clouds[i] = c
		require.NoError(t, imagesource.WriteFITS(filepath.Join(dir, synth.Name(i+1)), c.Frame()))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, synth.Name(4)), []byte("SIMPLE  = T broken"), 0644))

	files, err := imagesource.Discover(dir)
	require.NoError(t, err)
	require.Len(t, files, 4)

	opts := cloud.DefaultOptions()
	opts.PixelUnits = true
	d := New(files, imagesource.FITSLoader{}, cloud.NewExtractor(opts), Params{NumCores: 2})
	require.NoError(t, d.BuildDefaultSet(ctx))
	assertAligned(t, d)

	for _, key := range opts.Keys() {
		assert.Equal(t, []int{3}, d.Failures(key), key)
	}
	atoms := d.Values(cloud.AtomNumber)
	widths := d.Values(cloud.WidthX)
	tofs := d.Values(cloud.TOF)
	for i, c := range clouds {
		f := c.Frame()
		want := f.PixelArea / f.SLambda * c.PeakOD * 2 * math.Pi * c.SigmaX * c.SigmaZ
		assert.InDelta(t, want, atoms[i].V, 1e-3*want, "atom number of file %d", i)
		assert.InDelta(t, c.SigmaX, widths[i].V, 1e-3, "width of file %d", i)
		assert.InDelta(t, c.TOF, tofs[i].V, 1e-12, "tof of file %d", i)
	}
	assert.False(t, atoms[3].OK)
	assert.Equal(t, models.Some(2), d.Values(cloud.Timestamp)[1])
}
