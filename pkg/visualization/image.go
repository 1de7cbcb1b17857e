package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
)

// ODImage renders an OD map as a 16-bit grayscale image, scaling the
// finite range of the map onto the full gray range. Row 0 is the top row.
func ODImage(m mat.Matrix) *image.Gray16 {
	rows, cols := m.Dims()
	img := image.NewGray16(image.Rect(0, 0, cols, rows))

	lo, hi := math.Inf(1), math.Inf(-1)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	span := hi - lo
	if !(span > 0) {
		span = 1
	}

	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := (m.At(i, j) - lo) / span
			if math.IsNaN(v) {
				v = 0
			}
			value := uint16(math.Max(0, math.Min(65535, v*65535)))
			img.SetGray16(j, i, color.Gray16{Y: value})
		}
	}
	return img
}

// SaveODImage writes the rendered OD map to filename as PNG
func SaveODImage(m mat.Matrix, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return png.Encode(file, ODImage(m))
}

// SaveODSequence writes one PNG per map into outputDir, named after the
// map's index. Nil maps are skipped.
func SaveODSequence(maps []*mat.Dense, outputDir string) (int, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, err
	}

	saved := 0
	for i, m := range maps {
		if m == nil {
			continue
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("od_%04d.png", i))
		if err := SaveODImage(m, filename); err != nil {
			return saved, err
		}
		saved++
	}
	return saved, nil
}
