// Package synth generates synthetic absorption frames of Gaussian clouds for tests.
package synth

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/rwturner17/BECy-stats/internal/models"
)

// Cloud describes a synthetic absorption image
type Cloud struct {
	Rows, Cols int

	// Light and Dark are the uniform probe and background counts
	Light, Dark float64

	// PeakOD is the optical density at the cloud center; zero means no atoms
	PeakOD float64

	// CenterX, CenterZ and SigmaX, SigmaZ are in pixels of the full frame
	CenterX, CenterZ float64
	SigmaX, SigmaZ   float64

	// Second adds a second cloud along z at this center offset, with
	// SecondOD peak density (double-peak frames)
	Second   float64
	SecondOD float64

	Truncation  models.Window
	Fluctuation models.Window

	PixelSize     float64
	Magnification float64
	TOF           float64

	ControlName  string
	ControlValue float64

	Filename string
}

// Default returns a 60x80 pixis frame with a single cloud in the middle
func Default() Cloud {
	return Cloud{
		Rows: 60, Cols: 80,
		Light: 1000, Dark: 100,
		PeakOD:  0.8,
		CenterX: 40, CenterZ: 30,
		SigmaX: 6, SigmaZ: 4,
		Truncation:    models.Window{X1: 5, X2: 75, Y1: 5, Y2: 55},
		Fluctuation:   models.Window{X1: 0, X2: 10, Y1: 0, Y2: 4},
		PixelSize:     13e-6,
		Magnification: 2,
		TOF:           5e-3,
		ControlName:   "HoldTime",
		Filename:      "run_000001.fits",
	}
}

// OD returns the optical density of the cloud at pixel (row, col)
func (c Cloud) OD(row, col int) float64 {
	dx := float64(col) - c.CenterX
	dz := float64(row) - c.CenterZ
	v := c.PeakOD * math.Exp(-dx*dx/(2*c.SigmaX*c.SigmaX)-dz*dz/(2*c.SigmaZ*c.SigmaZ))
	if c.SecondOD != 0 {
		dz2 := float64(row) - (c.CenterZ + c.Second)
		v += c.SecondOD * math.Exp(-dx*dx/(2*c.SigmaX*c.SigmaX)-dz2*dz2/(2*c.SigmaZ*c.SigmaZ))
	}
	return v
}

// Frame renders the cloud into a RawFrame
func (c Cloud) Frame() *models.RawFrame {
	atom := mat.NewDense(c.Rows, c.Cols, nil)
	light := mat.NewDense(c.Rows, c.Cols, nil)
	dark := mat.NewDense(c.Rows, c.Cols, nil)
	for i := 0; i < c.Rows; i++ {
		for j := 0; j < c.Cols; j++ {
			dark.Set(i, j, c.Dark)
			light.Set(i, j, c.Light)
			atom.Set(i, j, c.Dark+(c.Light-c.Dark)*math.Exp(-c.OD(i, j)))
		}
	}
	return &models.RawFrame{
		Filename:          c.Filename,
		Atom:              atom,
		Light:             light,
		Dark:              dark,
		PixelSize:         c.PixelSize,
		Magnification:     c.Magnification,
		Truncation:        c.Truncation,
		Fluctuation:       c.Fluctuation,
		SLambda:           1.4e-13,
		PixelArea:         (c.PixelSize / c.Magnification) * (c.PixelSize / c.Magnification),
		ControlParamName:  c.ControlName,
		ControlParamValue: c.ControlValue,
		TOF:               c.TOF,
		Camera:            models.CameraForPixelSize(c.PixelSize),
		Variables:         map[string]float64{},
	}
}

// Name returns a filename carrying the 6-digit timestamp token n
func Name(n int) string {
	return fmt.Sprintf("run_%06d.fits", n)
}
