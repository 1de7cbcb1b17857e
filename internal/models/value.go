package models

import (
	"math"
	"strconv"
)

// Value is one entry of a distribution. A Value that is not OK marks an image
// whose measurement failed; it keeps its slot so that index i refers to the
// same source image in every distribution.
type Value struct {
	V  float64
	OK bool
}

// Some wraps a measured value
func Some(v float64) Value { return Value{V: v, OK: true} }

// Missing returns the placeholder for a failed measurement
func Missing() Value { return Value{} }

// Get returns the value and whether it is present
func (v Value) Get() (float64, bool) { return v.V, v.OK }

// Float returns the value, or NaN when it is missing
func (v Value) Float() float64 {
	if !v.OK {
		return math.NaN()
	}
	return v.V
}

func (v Value) String() string {
	if !v.OK {
		return "missing"
	}
	return strconv.FormatFloat(v.V, 'g', -1, 64)
}

// Present returns the measured values of vs, dropping missing entries
func Present(vs []Value) []float64 {
	out := make([]float64, 0, len(vs))
	for _, v := range vs {
		if v.OK {
			out = append(out, v.V)
		}
	}
	return out
}
