// Package outlier implements the Hempel filter: values further from the
// median than a multiple of the median absolute deviation are outliers.
package outlier

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// DefaultNMADM is the default cutoff in units of the MADM
const DefaultNMADM = 3.0

// Result describes one filter pass
type Result struct {
	Median float64
	MADM   float64
	Cutoff float64

	// Outliers are the indices of rejected values, ascending
	Outliers []int
}

// Median returns the median of values (mean of the two middle values for an
// even count), NaN for an empty slice
func Median(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// MADM is the median absolute deviation of values about median
func MADM(values []float64, median float64) float64 {
	dev := make([]float64, len(values))
	for i, v := range values {
		dev[i] = math.Abs(v - median)
	}
	return Median(dev)
}

// Hempel flags every value whose distance from the median is not strictly
// below nMADM times the MADM. A non-positive nMADM selects DefaultNMADM.
//
// When more than half the values are identical the MADM is zero; only
// values that differ from the median are flagged then.
func Hempel(values []float64, nMADM float64) Result {
	if nMADM <= 0 {
		nMADM = DefaultNMADM
	}
	if len(values) == 0 {
		return Result{Median: math.NaN(), MADM: math.NaN(), Cutoff: math.NaN()}
	}
	median := Median(values)
	madm := MADM(values, median)
	res := Result{Median: median, MADM: madm, Cutoff: nMADM * madm}

	for i, v := range values {
		d := math.Abs(v - median)
		if madm == 0 {
			if d > 0 {
				res.Outliers = append(res.Outliers, i)
			}
			continue
		}
		if !(d < res.Cutoff) {
			res.Outliers = append(res.Outliers, i)
		}
	}
	return res
}

// Kept returns the indices of values that are not outliers
func (r Result) Kept(n int) []int {
	kept := make([]int, 0, n-len(r.Outliers))
	j := 0
	for i := 0; i < n; i++ {
		if j < len(r.Outliers) && r.Outliers[j] == i {
			j++
			continue
		}
		kept = append(kept, i)
	}
	return kept
}

// Quantile returns the empirical q-quantile of values, used by summaries to
// report robust spreads alongside the MADM
func Quantile(q float64, values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return stat.Quantile(q, stat.Empirical, sorted, nil)
}
