package models

import (
	"math"
	"testing"
)

func TestValue(t *testing.T) {
	vs := []Value{Some(1), Missing(), Some(0)}

	if got := Present(vs); len(got) != 2 || got[0] != 1 || got[1] != 0 {
		t.Errorf("Expected [1 0], got %v", got)
	}
	if !math.IsNaN(vs[1].Float()) {
		t.Errorf("Expected NaN for a missing value, got %v", vs[1].Float())
	}
	if vs[1].String() != "missing" {
		t.Errorf("Expected \"missing\", got %q", vs[1].String())
	}
	if v, ok := vs[2].Get(); !ok || v != 0 {
		t.Errorf("Expected present zero, got %v %v", v, ok)
	}
}

func TestWindow(t *testing.T) {
	w := Window{X1: 2, X2: 10, Y1: 1, Y2: 5}
	if w.Width() != 8 || w.Height() != 4 {
		t.Errorf("Expected 8x4, got %dx%d", w.Width(), w.Height())
	}
	if w.Empty() {
		t.Errorf("Expected non-empty window")
	}
	if !(Window{X1: 3, X2: 3, Y1: 0, Y2: 4}).Empty() {
		t.Errorf("Expected zero-width window to be empty")
	}
	if !w.Within(5, 10) || w.Within(4, 10) {
		t.Errorf("Within bounds check failed for %s", w)
	}
}

func TestCameraForPixelSize(t *testing.T) {
	for _, tc := range []struct {
		pixel float64
		qe    float64
		known bool
	}{
		{3.75e-6, 0.20, true},
		{13e-6, 1.03, true},
		{7e-6, 0, false},
	} {
		qe, ok := CameraForPixelSize(tc.pixel).QuantumEfficiency()
		if ok != tc.known || (ok && math.Abs(qe-tc.qe) > 1e-12) {
			t.Errorf("pixel %g: expected (%v, %v), got (%v, %v)", tc.pixel, tc.qe, tc.known, qe, ok)
		}
	}
}
