// Package visualization renders reconstructed cubes as grayscale slice images.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"

	"slidetomo/pkg/cube"
)

// Viewer extracts planes and sub-volumes from a reconstructed cube.
type Viewer struct {
	volume *cube.Cube

	// lo and hi map onto black and white
	lo, hi float64
}

// NewViewer creates a viewer whose display range spans the cube's values.
func NewViewer(volume *cube.Cube) *Viewer {
	v := &Viewer{volume: volume}
	if volume.Len() > 0 {
		v.lo, v.hi = floats.Min(volume.Data), floats.Max(volume.Data)
	}
	return v
}

// SetRange overrides the display range.
func (v *Viewer) SetRange(lo, hi float64) error {
	if !(hi > lo) {
		return fmt.Errorf("display range [%g, %g] is empty", lo, hi)
	}
	v.lo, v.hi = lo, hi
	return nil
}

// Range returns the display range.
func (v *Viewer) Range() (lo, hi float64) { return v.lo, v.hi }

func (v *Viewer) gray(value float64) color.Gray16 {
	if !(v.hi > v.lo) || math.IsNaN(value) {
		return color.Gray16{}
	}
	t := (value - v.lo) / (v.hi - v.lo)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, t*65535)))}
}

// ExtractSlice extracts a 2D slice perpendicular to the given axis. Image
// columns follow the lower remaining axis.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	a, err := axisIndex(axis)
	if err != nil {
		return nil, err
	}
	shape := v.volume.Shape
	if position < 0 || position >= shape[a] {
		return nil, fmt.Errorf("position %d outside [0, %d) along %s", position, shape[a], axis)
	}

	// Columns and rows of the image, in cube axes.
	col, row := (a+1)%3, (a+2)%3
	if col > row {
		col, row = row, col
	}

	img := image.NewGray16(image.Rect(0, 0, shape[col], shape[row]))
	var pos [3]int
	pos[a] = position
	for y := 0; y < shape[row]; y++ {
		for x := 0; x < shape[col]; x++ {
			pos[col], pos[row] = x, y
			img.SetGray16(x, y, v.gray(v.volume.At(pos[0], pos[1], pos[2])))
		}
	}
	return img, nil
}

// ExtractRegion copies a box of voxels into a new cube that keeps the
// physical placement of the region.
func (v *Viewer) ExtractRegion(start, size [3]int) (*cube.Cube, error) {
	shape := v.volume.Shape
	for a := 0; a < 3; a++ {
		if start[a] < 0 {
			return nil, fmt.Errorf("start coordinates must be non-negative")
		}
		if size[a] <= 0 {
			return nil, fmt.Errorf("size dimensions must be positive")
		}
		if start[a]+size[a] > shape[a] {
			return nil, fmt.Errorf("region extends beyond volume boundaries")
		}
	}

	var crpix [3]float64
	for a := 0; a < 3; a++ {
		crpix[a] = v.volume.Crpix[a] - float64(start[a])
	}
	region, err := cube.New(size, v.volume.Cdelt, crpix)
	if err != nil {
		return nil, err
	}
	for k := 0; k < size[2]; k++ {
		for j := 0; j < size[1]; j++ {
			for i := 0; i < size[0]; i++ {
				region.Set(i, j, k, v.volume.At(start[0]+i, start[1]+j, start[2]+k))
			}
		}
	}
	return region, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(file, img, &jpeg.Options{Quality: 90}); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveSliceSequence writes every slice along axis to outputDir and returns
// the file names in order.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) ([]string, error) {
	a, err := axisIndex(axis)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	files := make([]string, 0, v.volume.Shape[a])
	for pos := 0; pos < v.volume.Shape[a]; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return nil, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axisNames[a], pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return nil, err
		}
		files = append(files, filename)
	}
	return files, nil
}

var axisNames = [3]string{"x", "y", "z"}

func axisIndex(axis string) (int, error) {
	switch axis {
	case "x", "X":
		return 0, nil
	case "y", "Y":
		return 1, nil
	case "z", "Z":
		return 2, nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}
