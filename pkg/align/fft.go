package align

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// nextPowerTwo returns the smallest power of two strictly greater than n
func nextPowerTwo(n int) int {
	p := 1
	for p <= n {
		p <<= 1
	}
	return p
}

// spectrum returns the full complex spectrum of data zero-padded to size,
// which must be a power of two.
func spectrum(data []float64, size int) []complex128 {
	fft := fourier.NewFFT(size)

	padded := make([]float64, size)
	copy(padded, data)

	// Real input gives size/2+1 coefficients; the rest follow from
	// conjugate symmetry F(n-k) = F*(k)
	half := fft.Coefficients(nil, padded)
	full := make([]complex128, size)
	copy(full, half)
	for j := len(half); j < size; j++ {
		full[j] = cmplx.Conj(half[size-j])
	}
	return full
}

// inverse computes the inverse DFT of a power-of-two length spectrum
func inverse(x []complex128) []complex128 {
	n := len(x)
	conj := make([]complex128, n)
	for i, v := range x {
		conj[i] = cmplx.Conj(v)
	}
	out := complexFFT(conj)
	for i, v := range out {
		out[i] = cmplx.Conj(v) / complex(float64(n), 0)
	}
	return out
}

// complexFFT performs a 1D FFT on complex input data of power-of-two length
// with the recursive Cooley-Tukey algorithm
func complexFFT(x []complex128) []complex128 {
	n := len(x)
	if n <= 1 {
		return x
	}

	even := make([]complex128, n/2)
	odd := make([]complex128, n/2)
	for i := 0; i < n/2; i++ {
		even[i] = x[2*i]
		odd[i] = x[2*i+1]
	}

	even = complexFFT(even)
	odd = complexFFT(odd)

	result := make([]complex128, n)
	for k := 0; k < n/2; k++ {
		t := complex(
			math.Cos(-2*math.Pi*float64(k)/float64(n)),
			math.Sin(-2*math.Pi*float64(k)/float64(n)),
		) * odd[k]
		result[k] = even[k] + t
		result[k+n/2] = even[k] - t
	}

	return result
}
