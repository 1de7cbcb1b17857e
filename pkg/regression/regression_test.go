package regression

import (
	"context"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rwturner17/BECy-stats/internal/models"
	"github.com/rwturner17/BECy-stats/pkg/cloud"
	"github.com/rwturner17/BECy-stats/pkg/distribution"
	"github.com/rwturner17/BECy-stats/pkg/fitting"
)

var _ Source = (*distribution.Distribution)(nil)

// tableSource is an in-memory Source
type tableSource struct {
	dists   map[string][]models.Value
	control string
}

func newTable(control string) *tableSource {
	return &tableSource{dists: map[string][]models.Value{}, control: control}
}

func (s *tableSource) set(name string, xs []float64) {
	vs := make([]models.Value, len(xs))
	for i, x := range xs {
		vs[i] = models.Some(x)
	}
	s.dists[name] = vs
}

func (s *tableSource) Exists(_ context.Context, name string) bool {
	_, ok := s.dists[name]
	return ok
}

func (s *tableSource) ControlParameter(context.Context) (string, error) {
	if s.control == "" {
		return "", errors.New("no control parameter")
	}
	return s.control, nil
}

func (s *tableSource) Values(name string) []models.Value { return s.dists[name] }

func (s *tableSource) Aligned(names ...string) ([][]float64, []int, error) {
	out := make([][]float64, len(names))
	var idx []int
	for i := range s.dists[names[0]] {
		ok := true
		for _, n := range names {
			ok = ok && s.dists[n][i].OK
		}
		if !ok {
			continue
		}
		idx = append(idx, i)
		for j, n := range names {
			out[j] = append(out[j], s.dists[n][i].V)
		}
	}
	return out, idx, nil
}

func (s *tableSource) TemperatureGroups(context.Context) ([][]int, error) {
	return distribution.GroupByTOF(s.dists[cloud.TOF]), nil
}

func TestLifetime(t *testing.T) {
	src := newTable("HoldTime")
	ts := []float64{0, 1, 2, 3, 4}
	n := make([]float64, len(ts))
	for i, x := range ts {
		n[i] = 1000 * math.Exp(-0.5*x)
	}
	src.set("HoldTime", ts)
	src.set(cloud.AtomNumber, n)

	r, err := Lifetime(context.Background(), src, fitting.DefaultSettings())
	require.NoError(t, err)
	assert.InDelta(t, 1000, r.Fit.Params[0], 1e-3)
	assert.InDelta(t, 0.5, r.Fit.Params[1], 1e-6)
	assert.InDelta(t, 0, r.Fit.Params[2], 1e-3)
	assert.InDelta(t, 2, r.Value, 1e-5)
	assert.Equal(t, "HoldTime", r.XName)

	xs, ys := r.Curve(10)
	assert.Len(t, xs, 10)
	assert.InDelta(t, 1000, ys[0], 1e-3)
	assert.Contains(t, r.String(), "lifetime")
}

func TestLifetimeInsufficientData(t *testing.T) {
	src := newTable("HoldTime")
	src.set("HoldTime", []float64{0, 1, 2})
	src.set(cloud.AtomNumber, []float64{3, 2, 1})

	_, err := Lifetime(context.Background(), src, fitting.DefaultSettings())
	assert.True(t, errors.Is(err, ErrInsufficientData), "got %v", err)

	_, err = Lifetime(context.Background(), newTable(""), fitting.DefaultSettings())
	assert.Error(t, err)
}

func temperatureData(sigma0, sigmaV float64, tofs []float64) []float64 {
	w := make([]float64, len(tofs))
	for i, t := range tofs {
		w[i] = math.Sqrt(sigma0*sigma0 + sigmaV*sigmaV*t*t)
	}
	return w
}

func TestTemperature(t *testing.T) {
	tofs := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	src := newTable("")
	src.set(cloud.TOF, tofs)
	src.set(cloud.WidthZ, temperatureData(5, 2, tofs))

	c := DefaultConstants()
	r, err := Temperature(context.Background(), src, cloud.AxisZ, c, fitting.DefaultSettings())
	require.NoError(t, err)
	assert.InDelta(t, 5, math.Abs(r.Fit.Params[0]), 1e-4)
	assert.InDelta(t, 2, math.Abs(r.Fit.Params[1]), 1e-5)
	assert.InDelta(t, c.AtomMass*4/c.Boltzmann, r.Value, 1e-4*r.Value)
	assert.Equal(t, "temperature_z", r.Name)

	_, err = Temperature(context.Background(), src, cloud.AxisX, c, fitting.DefaultSettings())
	assert.True(t, errors.Is(err, cloud.ErrInvalidMetric))
}

func TestTemperatureSIUnits(t *testing.T) {
	// 87Rb released from a 20 um cloud, widths in metres and TOF in seconds
	tofs := []float64{2e-3, 4e-3, 6e-3, 8e-3, 10e-3, 12e-3, 14e-3, 16e-3, 18e-3, 20e-3}
	src := newTable("")
	src.set(cloud.TOF, tofs)
	src.set(cloud.WidthX, temperatureData(20e-6, 5e-3, tofs))

	c := Constants{Gravity: 9.8, AtomMass: 1.4442e-25, Boltzmann: 1.38e-23, CameraPixelSize: 4.4e-6}
	r, err := Temperature(context.Background(), src, cloud.AxisX, c, fitting.DefaultSettings())
	require.NoError(t, err)
	assert.InDelta(t, 20e-6, math.Abs(r.Fit.Params[0]), 1e-9)
	assert.InDelta(t, 5e-3, math.Abs(r.Fit.Params[1]), 1e-7)
	assert.InDelta(t, 261.6e-9, r.Value, 0.5e-9)
	assert.False(t, math.IsNaN(r.Sigma))
}

func TestTemperatureByGroup(t *testing.T) {
	sweep := []float64{1, 2, 3, 4, 5, 6}
	tofs := append(append([]float64(nil), sweep...), sweep...)
	widths := append(temperatureData(5, 2, sweep), temperatureData(4, 3, sweep)...)
	src := newTable("")
	src.set(cloud.TOF, tofs)
	src.set(cloud.WidthX, widths)

	rs, err := TemperatureByGroup(context.Background(), src, cloud.AxisX, DefaultConstants(), fitting.DefaultSettings())
	require.NoError(t, err)
	require.Len(t, rs, 2)
	assert.InDelta(t, 2, math.Abs(rs[0].Fit.Params[1]), 1e-4)
	assert.InDelta(t, 3, math.Abs(rs[1].Fit.Params[1]), 1e-4)
	assert.Less(t, rs[0].Value, rs[1].Value)
}

func TestTrapFrequency(t *testing.T) {
	var ts, pos []float64
	for i := 0; i < 40; i++ {
		x := float64(i) * 50e-6
		ts = append(ts, x)
		pos = append(pos, 3*math.Sin(2*math.Pi*705*x))
	}
	src := newTable("Delay")
	src.set("Delay", ts)
	src.set(cloud.PositionZ, pos)

	r, err := TrapFrequency(context.Background(), src, cloud.AxisZ, fitting.DefaultSettings())
	require.NoError(t, err)
	assert.InDelta(t, 705, r.Value, 1e-3)
}

func TestMagnification(t *testing.T) {
	c := DefaultConstants()
	a := 2 * c.Gravity / (2 * c.CameraPixelSize)

	var tofs, z []float64
	for i := 0; i <= 10; i++ {
		tof := float64(i) * 1e-3
		tofs = append(tofs, tof)
		z = append(z, 500-a*tof*tof)
	}
	src := newTable("")
	src.set(cloud.TOF, tofs)
	src.set(cloud.PositionZ, z)

	r, err := Magnification(context.Background(), src, c, fitting.DefaultSettings())
	require.NoError(t, err)
	assert.InDelta(t, 2, r.Value, 1e-4)
}

func TestLinear(t *testing.T) {
	src := newTable("")
	src.set("x", []float64{0, 1, 2, 3, 4})
	src.set("y", []float64{1, 3, 5, 7, 9})

	r, err := Linear(context.Background(), src, "x", "y")
	require.NoError(t, err)
	assert.InDelta(t, 2, r.Slope, 1e-12)
	assert.InDelta(t, 1, r.Intercept, 1e-12)
	assert.InDelta(t, 1, r.RSquared, 1e-12)
	assert.InDelta(t, 0, r.StdErr, 1e-12)

	_, err = LinearFit([]float64{1, 2}, []float64{1, 2})
	assert.True(t, errors.Is(err, ErrInsufficientData))
}

func TestWelchTTest(t *testing.T) {
	same, err := WelchTTest([]float64{1, 2, 3, 4}, []float64{1, 2, 3, 4})
	require.NoError(t, err)
	assert.InDelta(t, 0, same.T, 1e-12)
	assert.InDelta(t, 1, same.P, 1e-9)

	diff, err := WelchTTest([]float64{10, 11, 9, 10, 10.5}, []float64{20, 21, 19, 20, 20.5})
	require.NoError(t, err)
	assert.Less(t, diff.T, 0.0)
	assert.Less(t, diff.P, 1e-6)
	assert.InDelta(t, 8, diff.DF, 1e-9)

	_, err = WelchTTest([]float64{1}, []float64{1, 2})
	assert.True(t, errors.Is(err, ErrInsufficientData))
}

func TestControlTTest(t *testing.T) {
	src := newTable("Shutter")
	src.set("Shutter", []float64{0, 1, 0, 1, 0, 1, 2})
	src.set(cloud.AtomNumber, []float64{10, 20, 11, 21, 9, 19, 100})

	r, err := ControlTTest(context.Background(), src, cloud.AtomNumber, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, r.NA)
	assert.Equal(t, 3, r.NB)
	assert.Less(t, r.P, 0.01)
}
