// Package align registers the line densities of a series of clouds by
// cross-correlation and characterises the averaged profile.
package align

import (
	"math"
	"math/cmplx"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// DefaultMaxShift is the largest shift, in pixels, accepted by AlignLineDensities
const DefaultMaxShift = 30

// LineDensity integrates a column density map over its rows, giving atoms
// per unit length along x. pixel is the imaged pixel size.
func LineDensity(columnDensity mat.Matrix, pixel float64) []float64 {
	rows, cols := columnDensity.Dims()
	ld := make([]float64, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			ld[j] += columnDensity.At(i, j)
		}
	}
	floats.Scale(pixel, ld)
	return ld
}

// Normalize returns ld scaled to unit sum
func Normalize(ld []float64) []float64 {
	out := append([]float64(nil), ld...)
	if s := floats.Sum(out); s != 0 {
		floats.Scale(1/s, out)
	}
	return out
}

// OptimalShift returns the shift s that maximises the cross-correlation
// sum_i ref[i]*sig[i+s]; rolling sig by -s aligns it with ref.
func OptimalShift(ref, sig []float64) int {
	n := len(ref)
	if len(sig) > n {
		n = len(sig)
	}
	if n == 0 {
		return 0
	}
	size := nextPowerTwo(2 * n)

	fr := spectrum(ref, size)
	fs := spectrum(sig, size)
	prod := make([]complex128, size)
	for k := range prod {
		prod[k] = cmplx.Conj(fr[k]) * fs[k]
	}
	corr := inverse(prod)

	best, bestVal := 0, math.Inf(-1)
	for k, c := range corr {
		if v := real(c); v > bestVal {
			best, bestVal = k, v
		}
	}
	if best > size/2 {
		best -= size
	}
	return best
}

// Roll circularly shifts xs by k places to the right (negative k shifts left)
func Roll(xs []float64, k int) []float64 {
	n := len(xs)
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	k = ((k % n) + n) % n
	for i, v := range xs {
		out[(i+k)%n] = v
	}
	return out
}

// Aligned is the result of AlignLineDensities
type Aligned struct {
	// Profiles are the kept line densities rolled onto the reference
	Profiles [][]float64

	// Shifts and Kept give the shift applied to, and input index of, each profile
	Shifts []int
	Kept   []int
}

// AlignLineDensities aligns every line density on the first one using the
// normalised profiles. Profiles needing a shift larger than maxShift are
// discarded; a non-positive maxShift selects DefaultMaxShift.
func AlignLineDensities(lds [][]float64, maxShift int) (*Aligned, error) {
	if len(lds) == 0 {
		return nil, errors.New("no line densities to align")
	}
	if maxShift <= 0 {
		maxShift = DefaultMaxShift
	}
	ref := Normalize(lds[0])
	out := &Aligned{}
	for i, ld := range lds {
		if len(ld) != len(ref) {
			return nil, errors.Errorf("line density %d has %d samples, expected %d", i, len(ld), len(ref))
		}
		shift := OptimalShift(ref, Normalize(ld))
		if shift > maxShift || shift < -maxShift {
			continue
		}
		out.Profiles = append(out.Profiles, Roll(ld, -shift))
		out.Shifts = append(out.Shifts, shift)
		out.Kept = append(out.Kept, i)
	}
	return out, nil
}

// ShiftStats returns the mean and population standard deviation of the
// shifts, converted to length with pixel
func ShiftStats(shifts []int, pixel float64) (mean, std float64) {
	xs := make([]float64, len(shifts))
	for i, s := range shifts {
		xs[i] = float64(s) * pixel
	}
	return stat.PopMeanStdDev(xs, nil)
}

// AverageNormalized is the mean of the profiles scaled to unit sum
func AverageNormalized(profiles [][]float64) ([]float64, error) {
	if len(profiles) == 0 {
		return nil, errors.New("no profiles to average")
	}
	avg := make([]float64, len(profiles[0]))
	for i, p := range profiles {
		if len(p) != len(avg) {
			return nil, errors.Errorf("profile %d has %d samples, expected %d", i, len(p), len(avg))
		}
		floats.Add(avg, p)
	}
	return Normalize(avg), nil
}

// PSD is a one-sided power spectral density
type PSD struct {
	// Frequency in cycles per unit length, starting at zero
	Frequency []float64

	// Power normalised so that the full two-sided spectrum sums to one
	Power []float64
}

// Resolution returns the length scale 0.5/f of each frequency bin
func (p *PSD) Resolution() []float64 {
	out := make([]float64, len(p.Frequency))
	for i, f := range p.Frequency {
		out[i] = 0.5 / f
	}
	return out
}

// PowerSpectralDensity transforms profile, zero-padded to the next power of
// two above its length, and returns the non-negative frequency half.
func PowerSpectralDensity(profile []float64, pixel float64) *PSD {
	size := nextPowerTwo(len(profile))
	full := spectrum(profile, size)

	power := make([]float64, size)
	var total float64
	for k, c := range full {
		a := cmplx.Abs(c)
		power[k] = a * a
		total += power[k]
	}

	half := size / 2
	psd := &PSD{Frequency: make([]float64, half), Power: make([]float64, half)}
	for k := 0; k < half; k++ {
		psd.Frequency[k] = float64(k) / (float64(size) * pixel)
		if total > 0 {
			psd.Power[k] = power[k] / total
		}
	}
	return psd
}
