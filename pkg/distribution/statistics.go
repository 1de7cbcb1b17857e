package distribution

import (
	"context"
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/rwturner17/BECy-stats/pkg/outlier"
)

// Statistic applies fn to the present values of name, building it if needed
func (d *Distribution) Statistic(ctx context.Context, name string, fn func([]float64) float64) (float64, error) {
	if !d.Exists(ctx, name) {
		return 0, errors.Wrapf(ErrInvalidMetric, "%q", name)
	}
	xs := d.Present(name)
	if len(xs) == 0 {
		return 0, errors.Wrapf(ErrNoData, "%q", name)
	}
	return fn(xs), nil
}

// Mean of the present values of name
func (d *Distribution) Mean(ctx context.Context, name string) (float64, error) {
	return d.Statistic(ctx, name, func(xs []float64) float64 { return stat.Mean(xs, nil) })
}

// Std is the population standard deviation of name
func (d *Distribution) Std(ctx context.Context, name string) (float64, error) {
	return d.Statistic(ctx, name, PopStd)
}

// Median of the present values of name
func (d *Distribution) Median(ctx context.Context, name string) (float64, error) {
	return d.Statistic(ctx, name, outlier.Median)
}

// SNR is the mean divided by the population standard deviation
func (d *Distribution) SNR(ctx context.Context, name string) (float64, error) {
	return d.Statistic(ctx, name, SNR)
}

// SNRUncertainty is the one-sigma uncertainty of the SNR estimate
func (d *Distribution) SNRUncertainty(ctx context.Context, name string) (float64, error) {
	return d.Statistic(ctx, name, func(xs []float64) float64 {
		return SNRUncertainty(SNR(xs), len(xs))
	})
}

// AllanDeviation of the present values of name, in index order
func (d *Distribution) AllanDeviation(ctx context.Context, name string) (float64, error) {
	return d.Statistic(ctx, name, AllanDeviation)
}

// AllanSNR is the mean divided by the Allan deviation
func (d *Distribution) AllanSNR(ctx context.Context, name string) (float64, error) {
	return d.Statistic(ctx, name, func(xs []float64) float64 {
		return stat.Mean(xs, nil) / AllanDeviation(xs)
	})
}

// PopStd is the standard deviation normalised by N
func PopStd(xs []float64) float64 {
	_, std := stat.PopMeanStdDev(xs, nil)
	return std
}

// SNR returns mean/std with the population standard deviation
func SNR(xs []float64) float64 {
	mean, std := stat.PopMeanStdDev(xs, nil)
	return mean / std
}

// SNRUncertainty propagates the uncertainty of an SNR estimated from n samples
func SNRUncertainty(snr float64, n int) float64 {
	return math.Sqrt((2 + snr*snr) / float64(n))
}

// AllanDeviation is sqrt(0.5*mean((x[i+1]-x[i])^2)); NaN for fewer than two values
func AllanDeviation(xs []float64) float64 {
	if len(xs) < 2 {
		return math.NaN()
	}
	var sum float64
	for i := 1; i < len(xs); i++ {
		d := xs[i] - xs[i-1]
		sum += d * d
	}
	return math.Sqrt(0.5 * sum / float64(len(xs)-1))
}

// Summary collects the commonly reported statistics of one distribution
type Summary struct {
	Name           string
	N              int
	Missing        int
	Mean           float64
	Std            float64
	Median         float64
	SNR            float64
	SNRUncertainty float64
	AllanDeviation float64
	AllanSNR       float64
}

func (s Summary) String() string {
	return fmt.Sprintf("Statistics of %s (%d values, %d missing)\n"+
		"Mean: %.2e\nStdDev: %.2e\nMedian: %.2e\nSNR: %.2f\nsigma_SNR: %.2f\n"+
		"Allan Deviation: %.2e\nAllan SNR: %.2f",
		s.Name, s.N, s.Missing, s.Mean, s.Std, s.Median, s.SNR, s.SNRUncertainty,
		s.AllanDeviation, s.AllanSNR)
}

// Summary computes the statistics of name in one pass over its values
func (d *Distribution) Summary(ctx context.Context, name string) (Summary, error) {
	if !d.Exists(ctx, name) {
		return Summary{}, errors.Wrapf(ErrInvalidMetric, "%q", name)
	}
	xs := d.Present(name)
	if len(xs) == 0 {
		return Summary{}, errors.Wrapf(ErrNoData, "%q", name)
	}
	mean, std := stat.PopMeanStdDev(xs, nil)
	allan := AllanDeviation(xs)
	s := Summary{
		Name:           name,
		N:              len(xs),
		Missing:        len(d.dists[name]) - len(xs),
		Mean:           mean,
		Std:            std,
		Median:         outlier.Median(xs),
		SNR:            mean / std,
		AllanDeviation: allan,
		AllanSNR:       mean / allan,
	}
	s.SNRUncertainty = SNRUncertainty(s.SNR, s.N)
	return s, nil
}
