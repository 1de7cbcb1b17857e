package models

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Window is a half-open rectangular region of a frame: columns [X1,X2), rows [Y1,Y2).
type Window struct {
	X1, X2 int
	Y1, Y2 int
}

// Width returns the number of columns covered by the window
func (w Window) Width() int { return w.X2 - w.X1 }

// Height returns the number of rows covered by the window
func (w Window) Height() int { return w.Y2 - w.Y1 }

// Empty reports whether the window covers no pixels
func (w Window) Empty() bool { return w.Width() <= 0 || w.Height() <= 0 }

// Within reports whether the window lies inside a rows x cols frame
func (w Window) Within(rows, cols int) bool {
	return w.X1 >= 0 && w.Y1 >= 0 && w.X2 <= cols && w.Y2 <= rows && !w.Empty()
}

func (w Window) String() string {
	return fmt.Sprintf("(%d, %d) to (%d, %d)", w.X1, w.Y1, w.X2, w.Y2)
}

// Camera identifies the imaging camera, which is inferred from the pixel size
type Camera int

const (
	CameraUnknown Camera = iota
	CameraDragonfly
	CameraPixis
)

// CameraForPixelSize maps a physical pixel size in metres to the camera that has it
func CameraForPixelSize(pixelSize float64) Camera {
	switch {
	case pixelSize > 3.0e-6 && pixelSize < 4.0e-6:
		return CameraDragonfly
	case pixelSize > 12.0e-6 && pixelSize < 14.0e-6:
		return CameraPixis
	default:
		return CameraUnknown
	}
}

// QuantumEfficiency returns the counts-per-photon factor of the camera.
// The second return value is false for unknown cameras.
func (c Camera) QuantumEfficiency() (float64, bool) {
	switch c {
	case CameraDragonfly:
		return 0.20, true
	case CameraPixis:
		return 1.03, true
	default:
		return 0, false
	}
}

func (c Camera) String() string {
	switch c {
	case CameraDragonfly:
		return "dragonfly"
	case CameraPixis:
		return "pixis"
	default:
		return "unknown"
	}
}

// RawFrame is a single absorption image: the atom, light and dark exposures
// together with the calibration recorded by the imaging software.
type RawFrame struct {
	// Filename is the path the frame was loaded from
	Filename string

	// Atom, Light and Dark are the three intensity planes (rows x cols)
	Atom  *mat.Dense
	Light *mat.Dense
	Dark  *mat.Dense

	// PixelSize is the physical camera pixel size in metres
	PixelSize float64

	// Magnification of the imaging system
	Magnification float64

	// RotationAngle in degrees, already applied to the planes by the loader
	RotationAngle float64

	// Truncation is the region of interest used for fitting
	Truncation Window

	// Fluctuation is the atom-free background region used for light drift correction
	Fluctuation Window

	// SLambda is the resonant absorption cross section
	SLambda float64

	// PixelArea is the real-space area imaged by one pixel
	PixelArea float64

	// ControlParamName and ControlParamValue describe the swept experimental variable
	ControlParamName  string
	ControlParamValue float64

	// TOF is the time of flight in seconds
	TOF float64

	Camera Camera

	// Variables holds named run variables, when the file recorded them
	Variables map[string]float64
}

// Dims returns the shared plane dimensions
func (f *RawFrame) Dims() (rows, cols int) {
	return f.Atom.Dims()
}

// Validate checks the frame invariants: three planes of identical shape and
// truncation/fluctuation windows inside the frame.
func (f *RawFrame) Validate() error {
	if f.Atom == nil || f.Light == nil || f.Dark == nil {
		return fmt.Errorf("frame %s is missing an intensity plane", f.Filename)
	}
	rows, cols := f.Atom.Dims()
	for name, plane := range map[string]*mat.Dense{"light": f.Light, "dark": f.Dark} {
		r, c := plane.Dims()
		if r != rows || c != cols {
			return fmt.Errorf("%s plane is %dx%d, atom plane is %dx%d", name, r, c, rows, cols)
		}
	}
	if !f.Truncation.Within(rows, cols) {
		return fmt.Errorf("truncation window %v outside %dx%d frame", f.Truncation, rows, cols)
	}
	if !f.Fluctuation.Within(rows, cols) {
		return fmt.Errorf("fluctuation window %v outside %dx%d frame", f.Fluctuation, rows, cols)
	}
	if f.Magnification == 0 {
		return fmt.Errorf("frame %s has zero magnification", f.Filename)
	}
	if f.SLambda == 0 {
		return fmt.Errorf("frame %s has zero absorption cross section", f.Filename)
	}
	return nil
}

// WithTruncation returns a shallow copy of the frame using window w as its
// region of interest. The planes are shared and must not be modified.
func (f *RawFrame) WithTruncation(w Window) *RawFrame {
	cp := *f
	cp.Truncation = w
	return &cp
}
