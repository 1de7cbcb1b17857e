// Package visualization renders distributions, fits and OD maps to image files.
package visualization

import (
	"image/color"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/rwturner17/BECy-stats/pkg/align"
	"github.com/rwturner17/BECy-stats/pkg/regression"
)

// Size of every saved plot
var (
	Width  = 8 * vg.Inch
	Height = 5 * vg.Inch
)

// DefaultBins is used by SaveHistogram when bins is not positive
const DefaultBins = 20

var (
	pointColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	fitColor   = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func newPlot(title, xlabel, ylabel string) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xlabel
	p.Y.Label.Text = ylabel
	p.Add(plotter.NewGrid())
	return p
}

// xys pairs x and y, dropping pairs with a missing or non-finite coordinate
func xys(x, y []float64) (plotter.XYs, error) {
	if len(x) != len(y) {
		return nil, errors.Errorf("x has %d values, y has %d", len(x), len(y))
	}
	pts := make(plotter.XYs, 0, len(x))
	for i := range x {
		if finite(x[i]) && finite(y[i]) {
			pts = append(pts, plotter.XY{X: x[i], Y: y[i]})
		}
	}
	if len(pts) == 0 {
		return nil, errors.New("no finite points to plot")
	}
	return pts, nil
}

// SaveHistogram plots the finite entries of values in bins bins
func SaveHistogram(filename, title, xlabel string, values []float64, bins int) error {
	if bins <= 0 {
		bins = DefaultBins
	}
	vs := make(plotter.Values, 0, len(values))
	for _, v := range values {
		if finite(v) {
			vs = append(vs, v)
		}
	}
	if len(vs) == 0 {
		return errors.Errorf("%s: no finite values", title)
	}

	p := newPlot(title, xlabel, "Count")
	h, err := plotter.NewHist(vs, bins)
	if err != nil {
		return errors.Wrap(err, "creating histogram")
	}
	h.FillColor = pointColor
	p.Add(h)
	return p.Save(Width, Height, filename)
}

// SaveTimeSeries plots values against their file index
func SaveTimeSeries(filename, title, ylabel string, values []float64) error {
	idx := make([]float64, len(values))
	for i := range idx {
		idx[i] = float64(i)
	}
	pts, err := xys(idx, values)
	if err != nil {
		return errors.Wrap(err, title)
	}

	p := newPlot(title, "File index", ylabel)
	line, points, err := plotter.NewLinePoints(pts)
	if err != nil {
		return errors.Wrap(err, "creating line")
	}
	line.Width = vg.Points(1)
	line.Color = pointColor
	points.Color = pointColor
	p.Add(line, points)
	return p.Save(Width, Height, filename)
}

// SaveScatter plots y against x
func SaveScatter(filename, title, xlabel, ylabel string, x, y []float64) error {
	pts, err := xys(x, y)
	if err != nil {
		return errors.Wrap(err, title)
	}

	p := newPlot(title, xlabel, ylabel)
	s, err := plotter.NewScatter(pts)
	if err != nil {
		return errors.Wrap(err, "creating scatter")
	}
	s.Color = pointColor
	p.Add(s)
	return p.Save(Width, Height, filename)
}

// SaveFit plots the data of a regression together with its fitted curve
func SaveFit(filename string, r *regression.Result) error {
	pts, err := xys(r.X, r.Y)
	if err != nil {
		return errors.Wrap(err, r.Name)
	}

	p := newPlot(r.String(), r.XName, r.YName)
	s, err := plotter.NewScatter(pts)
	if err != nil {
		return errors.Wrap(err, "creating scatter")
	}
	s.Color = pointColor
	p.Add(s)
	p.Legend.Add("data", s)

	cx, cy := r.Curve(200)
	if len(cx) > 0 {
		curve, err := xys(cx, cy)
		if err != nil {
			return errors.Wrap(err, "fitted curve")
		}
		line, err := plotter.NewLine(curve)
		if err != nil {
			return errors.Wrap(err, "creating line")
		}
		line.Width = vg.Points(1.5)
		line.Color = fitColor
		p.Add(line)
		p.Legend.Add("fit", line)
	}
	return p.Save(Width, Height, filename)
}

// SaveProfiles overlays line densities, e.g. after alignment
func SaveProfiles(filename, title string, profiles [][]float64, pixel float64) error {
	p := newPlot(title, "Position", "Line density")
	for i, prof := range profiles {
		x := make([]float64, len(prof))
		for j := range x {
			x[j] = float64(j) * pixel
		}
		pts, err := xys(x, prof)
		if err != nil {
			return errors.Wrapf(err, "profile %d", i)
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return errors.Wrap(err, "creating line")
		}
		line.Width = vg.Points(0.5)
		p.Add(line)
	}
	return p.Save(Width, Height, filename)
}

// SavePSD plots a power spectral density on a logarithmic power axis,
// omitting bins with zero power
func SavePSD(filename string, psd *align.PSD) error {
	var fx, py []float64
	for i, v := range psd.Power {
		if v > 0 {
			fx = append(fx, psd.Frequency[i])
			py = append(py, v)
		}
	}
	pts, err := xys(fx, py)
	if err != nil {
		return errors.Wrap(err, "power spectral density")
	}

	p := newPlot("Power spectral density", "Spatial frequency", "Normalised power")
	p.Y.Scale = plot.LogScale{}
	p.Y.Tick.Marker = plot.LogTicks{Prec: -1}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return errors.Wrap(err, "creating line")
	}
	line.Color = pointColor
	p.Add(line)
	return p.Save(Width, Height, filename)
}
