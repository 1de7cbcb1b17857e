// Package imagesource loads absorption frames from disk.
//
// Frames are stored as FITS files whose primary HDU is a three-plane cube
// (atom, light, dark) with the imaging calibration recorded in header cards.
package imagesource

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/astrogo/fitsio"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/rwturner17/BECy-stats/internal/models"
)

// ErrLoad is returned for unreadable files and missing or malformed calibration
var ErrLoad = errors.New("load error")

// Loader turns a file path into a validated RawFrame
type Loader interface {
	Load(path string) (*models.RawFrame, error)
}

// Header card names
const (
	cardPixelSize     = "PIXSIZE"
	cardMagnification = "MAGNIF"
	cardRotation      = "ROTANG"
	cardTruncX1       = "TRUNCX1"
	cardTruncX2       = "TRUNCX2"
	cardTruncY1       = "TRUNCY1"
	cardTruncY2       = "TRUNCY2"
	cardFlucX1        = "FLUCX1"
	cardFlucX2        = "FLUCX2"
	cardFlucY1        = "FLUCY1"
	cardFlucY2        = "FLUCY2"
	cardSLambda       = "SLAMBDA"
	cardPixelArea     = "PIXAREA"
	cardControlName   = "CONTPAR"
	cardControlValue  = "CONTVAL"
	cardTOF           = "TOF"

	// run variables are stored as VARN<i>/VARV<i> pairs, i = 1..
	cardVarName  = "VARN%d"
	cardVarValue = "VARV%d"
)

// FITSLoader reads frames written by the imaging software (or WriteFITS)
type FITSLoader struct{}

// Load reads and validates the frame at path. Every failure wraps ErrLoad,
// including a panic inside the FITS decoder on a corrupt file.
func (FITSLoader) Load(path string) (frame *models.RawFrame, err error) {
	defer func() {
		if r := recover(); r != nil {
			frame, err = nil, errors.Wrapf(ErrLoad, "%s: decoder panic: %v", path, r)
		}
	}()

	r, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(ErrLoad, err.Error())
	}
	defer r.Close()

	f, err := fitsio.Open(r)
	if err != nil {
		return nil, errors.Wrapf(ErrLoad, "%s: %v", path, err)
	}
	defer f.Close()

	hdu, ok := f.HDU(0).(fitsio.Image)
	if !ok {
		return nil, errors.Wrapf(ErrLoad, "%s: primary HDU is not an image", path)
	}

	frame, err = decode(hdu)
	if err != nil {
		return nil, errors.Wrapf(ErrLoad, "%s: %v", path, err)
	}
	frame.Filename = path
	if err := frame.Validate(); err != nil {
		return nil, errors.Wrap(ErrLoad, err.Error())
	}
	return frame, nil
}

func decode(img fitsio.Image) (*models.RawFrame, error) {
	h := img.Header()
	axes := h.Axes()
	if len(axes) != 3 || axes[2] != 3 {
		return nil, fmt.Errorf("expected a cols x rows x 3 cube, got axes %v", axes)
	}
	cols, rows := axes[0], axes[1]

	data, err := readPixels(img)
	if err != nil {
		return nil, err
	}
	n := rows * cols
	if len(data) != 3*n {
		return nil, fmt.Errorf("cube has %d samples, expected %d", len(data), 3*n)
	}

	c := cards{h: h}
	frame := &models.RawFrame{
		PixelSize:     c.float(cardPixelSize),
		Magnification: c.float(cardMagnification),
		RotationAngle: c.float(cardRotation),
		Truncation: models.Window{
			X1: c.int(cardTruncX1), X2: c.int(cardTruncX2),
			Y1: c.int(cardTruncY1), Y2: c.int(cardTruncY2),
		},
		Fluctuation: models.Window{
			X1: c.int(cardFlucX1), X2: c.int(cardFlucX2),
			Y1: c.int(cardFlucY1), Y2: c.int(cardFlucY2),
		},
		SLambda:           c.float(cardSLambda),
		PixelArea:         c.float(cardPixelArea),
		ControlParamName:  c.string(cardControlName),
		ControlParamValue: c.float(cardControlValue),
		TOF:               c.float(cardTOF) * 1e-3,
		Variables:         map[string]float64{},
	}
	for i := 1; ; i++ {
		name := fmt.Sprintf(cardVarName, i)
		if h.Get(name) == nil {
			break
		}
		frame.Variables[c.string(name)] = c.float(fmt.Sprintf(cardVarValue, i))
	}
	if c.err != nil {
		return nil, c.err
	}
	frame.Camera = models.CameraForPixelSize(frame.PixelSize)

	turns, err := quarterTurns(frame.RotationAngle)
	if err != nil {
		return nil, err
	}
	frame.Atom = rot90(mat.NewDense(rows, cols, data[:n]), turns)
	frame.Light = rot90(mat.NewDense(rows, cols, data[n:2*n]), turns)
	frame.Dark = rot90(mat.NewDense(rows, cols, data[2*n:]), turns)
	return frame, nil
}

// readPixels returns the cube as float64 whatever BITPIX it was stored with,
// applying BZERO/BSCALE when present
func readPixels(img fitsio.Image) ([]float64, error) {
	h := img.Header()
	nel := 1
	for _, n := range h.Axes() {
		nel *= n
	}

	var out []float64
	switch h.Bitpix() {
	case 8:
		raw := make([]byte, nel)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		out = make([]float64, len(raw))
		for i, v := range raw {
			out[i] = float64(v)
		}
	case 16:
		raw := make([]int16, nel)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		out = make([]float64, len(raw))
		for i, v := range raw {
			out[i] = float64(v)
		}
	case 32:
		raw := make([]int32, nel)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		out = make([]float64, len(raw))
		for i, v := range raw {
			out[i] = float64(v)
		}
	case -32:
		raw := make([]float32, nel)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		out = make([]float64, len(raw))
		for i, v := range raw {
			out[i] = float64(v)
		}
	case -64:
		out = make([]float64, nel)
		if err := img.Read(&out); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported BITPIX %d", h.Bitpix())
	}

	zero, scale := 0.0, 1.0
	if card := h.Get("BZERO"); card != nil {
		zero, _ = toFloat(card.Value)
	}
	if card := h.Get("BSCALE"); card != nil {
		scale, _ = toFloat(card.Value)
	}
	if zero != 0 || scale != 1 {
		for i := range out {
			out[i] = zero + scale*out[i]
		}
	}
	return out, nil
}

// cards reads typed header values, keeping the first error
type cards struct {
	h   *fitsio.Header
	err error
}

func (c *cards) card(name string) *fitsio.Card {
	card := c.h.Get(name)
	if card == nil && c.err == nil {
		c.err = fmt.Errorf("missing header card %s", name)
	}
	return card
}

func (c *cards) float(name string) float64 {
	card := c.card(name)
	if card == nil {
		return 0
	}
	v, ok := toFloat(card.Value)
	if !ok && c.err == nil {
		c.err = fmt.Errorf("header card %s: %v is not a number", name, card.Value)
	}
	return v
}

func (c *cards) int(name string) int {
	v := c.float(name)
	if v != math.Trunc(v) && c.err == nil {
		c.err = fmt.Errorf("header card %s: %v is not an integer", name, v)
	}
	return int(v)
}

func (c *cards) string(name string) string {
	card := c.card(name)
	if card == nil {
		return ""
	}
	s, ok := card.Value.(string)
	if !ok && c.err == nil {
		c.err = fmt.Errorf("header card %s: %v is not a string", name, card.Value)
	}
	return s
}

func toFloat(v interface{}) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	default:
		return 0, false
	}
}

// quarterTurns converts a rotation angle in degrees into counter-clockwise
// quarter turns. Only multiples of 90 degrees are supported.
func quarterTurns(angle float64) (int, error) {
	q := angle / 90
	if q != math.Trunc(q) {
		return 0, fmt.Errorf("rotation angle %g is not a multiple of 90 degrees", angle)
	}
	return ((int(q) % 4) + 4) % 4, nil
}

// rot90 rotates m counter-clockwise by k quarter turns
func rot90(m *mat.Dense, k int) *mat.Dense {
	for ; k > 0; k-- {
		rows, cols := m.Dims()
		out := mat.NewDense(cols, rows, nil)
		for i := 0; i < cols; i++ {
			for j := 0; j < rows; j++ {
				out.Set(i, j, m.At(j, cols-1-i))
			}
		}
		m = out
	}
	return m
}

// WriteFITS stores frame at path in the layout read by FITSLoader. The planes
// are written unrotated with ROTANG 0.
func WriteFITS(path string, frame *models.RawFrame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	rows, cols := frame.Dims()

	w, err := os.Create(path)
	if err != nil {
		return err
	}
	defer w.Close()

	f, err := fitsio.Create(w)
	if err != nil {
		return errors.Wrap(err, "creating FITS stream")
	}
	defer f.Close()

	img := fitsio.NewImage(-64, []int{cols, rows, 3})
	defer img.Close()

	hdr := []fitsio.Card{
		{Name: cardPixelSize, Value: frame.PixelSize, Comment: "camera pixel size [m]"},
		{Name: cardMagnification, Value: frame.Magnification},
		{Name: cardRotation, Value: 0.0, Comment: "[deg]"},
		{Name: cardTruncX1, Value: frame.Truncation.X1},
		{Name: cardTruncX2, Value: frame.Truncation.X2},
		{Name: cardTruncY1, Value: frame.Truncation.Y1},
		{Name: cardTruncY2, Value: frame.Truncation.Y2},
		{Name: cardFlucX1, Value: frame.Fluctuation.X1},
		{Name: cardFlucX2, Value: frame.Fluctuation.X2},
		{Name: cardFlucY1, Value: frame.Fluctuation.Y1},
		{Name: cardFlucY2, Value: frame.Fluctuation.Y2},
		{Name: cardSLambda, Value: frame.SLambda},
		{Name: cardPixelArea, Value: frame.PixelArea},
		{Name: cardControlName, Value: frame.ControlParamName},
		{Name: cardControlValue, Value: frame.ControlParamValue},
		{Name: cardTOF, Value: frame.TOF * 1e3, Comment: "time of flight [ms]"},
	}

	names := make([]string, 0, len(frame.Variables))
	for name := range frame.Variables {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		hdr = append(hdr,
			fitsio.Card{Name: fmt.Sprintf(cardVarName, i+1), Value: name},
			fitsio.Card{Name: fmt.Sprintf(cardVarValue, i+1), Value: frame.Variables[name]},
		)
	}
	if err := img.Header().Append(hdr...); err != nil {
		return errors.Wrap(err, "writing header")
	}

	data := make([]float64, 0, 3*rows*cols)
	for _, plane := range []*mat.Dense{frame.Atom, frame.Light, frame.Dark} {
		for i := 0; i < rows; i++ {
			data = append(data, plane.RawRowView(i)...)
		}
	}
	if err := img.Write(data); err != nil {
		return errors.Wrap(err, "writing planes")
	}
	if err := f.Write(img); err != nil {
		return errors.Wrapf(err, "writing %s", filepath.Base(path))
	}
	return nil
}
