package distribution

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/rwturner17/BECy-stats/internal/models"
	"github.com/rwturner17/BECy-stats/pkg/cloud"
	"github.com/rwturner17/BECy-stats/pkg/od"
)

// ImageStats are pixel-wise statistics of the OD maps of a file set
type ImageStats struct {
	Average *mat.Dense
	Std     *mat.Dense

	// SNR is Average/Std, cleaned of NaN and infinite pixels
	SNR *mat.Dense

	// N is the number of maps averaged
	N int
}

// ImageStatistics reconstructs the OD map of every file with the
// distribution's window and accumulates the pixel-wise mean and population
// standard deviation. Unloadable files are skipped; maps whose shape differs
// from the first one are an error.
func (d *Distribution) ImageStatistics(ctx context.Context) (*ImageStats, error) {
	maps, err := d.maps(ctx, "average image", func(ex *cloud.Extractor, f *models.RawFrame) (*mat.Dense, error) {
		p, err := ex.Profiles(f)
		if err != nil {
			return nil, err
		}
		return p.OD, nil
	})
	if err != nil {
		return nil, err
	}

	var sum, sumSq *mat.Dense
	n := 0
	for i, m := range maps {
		if m == nil {
			continue
		}
		if sum == nil {
			r, c := m.Dims()
			sum, sumSq = mat.NewDense(r, c, nil), mat.NewDense(r, c, nil)
		}
		r, c := m.Dims()
		if sr, sc := sum.Dims(); r != sr || c != sc {
			return nil, errors.Errorf("%s: OD map is %dx%d, expected %dx%d", d.files[i], r, c, sr, sc)
		}
		var sq mat.Dense
		sq.MulElem(m, m)
		sum.Add(sum, m)
		sumSq.Add(sumSq, &sq)
		n++
	}
	if n == 0 {
		return nil, errors.Wrap(ErrNoData, "no OD maps")
	}

	avg := mat.DenseCopyOf(sum)
	avg.Scale(1/float64(n), avg)
	std := mat.DenseCopyOf(sumSq)
	std.Apply(func(i, j int, v float64) float64 {
		a := avg.At(i, j)
		variance := v/float64(n) - a*a
		if variance < 0 {
			variance = 0
		}
		return math.Sqrt(variance)
	}, std)
	snr := mat.DenseCopyOf(avg)
	snr.DivElem(avg, std)
	od.Clean(snr)

	return &ImageStats{Average: avg, Std: std, SNR: snr, N: n}, nil
}

// ColumnDensities returns the column density map of every file, nil where
// the file could not be processed
func (d *Distribution) ColumnDensities(ctx context.Context, intensityCorrected bool) ([]*mat.Dense, error) {
	return d.maps(ctx, "column density", func(ex *cloud.Extractor, f *models.RawFrame) (*mat.Dense, error) {
		return ex.ColumnDensity(f, intensityCorrected)
	})
}

func (d *Distribution) maps(ctx context.Context, stage string, fn func(*cloud.Extractor, *models.RawFrame) (*mat.Dense, error)) ([]*mat.Dense, error) {
	ex, err := d.frameExtractor()
	if err != nil {
		return nil, err
	}
	maps, err := eachFrame(ctx, d, stage, func(_ int, f *models.RawFrame) (*mat.Dense, error) {
		return fn(ex, f)
	})
	return maps, err
}

// AverageImage is the pixel-wise mean OD map
func (d *Distribution) AverageImage(ctx context.Context) (*mat.Dense, error) {
	s, err := d.ImageStatistics(ctx)
	if err != nil {
		return nil, err
	}
	return s.Average, nil
}

// SNRMap is the pixel-wise mean divided by the pixel-wise standard deviation
func (d *Distribution) SNRMap(ctx context.Context) (*mat.Dense, error) {
	s, err := d.ImageStatistics(ctx)
	if err != nil {
		return nil, err
	}
	return s.SNR, nil
}
