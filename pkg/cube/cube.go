// Package cube provides the 3D volumetric grid reconstructed by slidetomo.
//
// A Cube is a dense scalar field sampled on a regular grid. Voxel (i, j, k)
// covers the physical interval [(i-Crpix[0])*Cdelt[0], (i+1-Crpix[0])*Cdelt[0]]
// along x, and likewise along y and z, so a reference pixel of Shape/2 centres
// the grid on the origin. Samples are stored as float64 in a flat slice with
// x varying fastest, matching the NAXIS1..NAXIS3 order used on disk.
package cube

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

var (
	// ErrInvalidShape is returned when a shape dimension is not positive.
	ErrInvalidShape = errors.New("invalid cube shape")

	// ErrInvalidScale is returned when a voxel size is not positive.
	ErrInvalidScale = errors.New("invalid cube voxel size")

	// ErrShapeMismatch is returned when two cubes, or a cube and a source
	// array, do not share the same shape.
	ErrShapeMismatch = errors.New("cube shape mismatch")
)

// Cube is a 3D sampled scalar field with physical scaling metadata.
type Cube struct {
	// Shape is the number of voxels along x, y and z.
	Shape [3]int

	// Cdelt is the physical size of a voxel along each axis.
	Cdelt [3]float64

	// Crpix is the reference voxel (0-based) along each axis.
	Crpix [3]float64

	// Data holds the voxel intensities, x fastest.
	Data []float64
}

// New creates a zero-filled cube. Every shape entry must be positive and
// every voxel size must be positive.
func New(shape [3]int, cdelt, crpix [3]float64) (*Cube, error) {
	n := 1
	for axis, s := range shape {
		if s <= 0 {
			return nil, fmt.Errorf("%w: axis %d has size %d", ErrInvalidShape, axis, s)
		}
		n *= s
	}
	for axis, d := range cdelt {
		if !(d > 0) || math.IsInf(d, 0) {
			return nil, fmt.Errorf("%w: axis %d has cdelt %g", ErrInvalidScale, axis, d)
		}
	}

	return &Cube{
		Shape: shape,
		Cdelt: cdelt,
		Crpix: crpix,
		Data:  make([]float64, n),
	}, nil
}

// Centered creates a zero-filled cube of the given shape spanning size
// physical units along every axis, centred on the origin.
func Centered(shape [3]int, size float64) (*Cube, error) {
	var cdelt, crpix [3]float64
	for axis, s := range shape {
		if s > 0 {
			cdelt[axis] = size / float64(s)
		}
		crpix[axis] = float64(s) / 2
	}
	return New(shape, cdelt, crpix)
}

// Len returns the number of voxels.
func (c *Cube) Len() int { return len(c.Data) }

// Index returns the flat offset of voxel (i, j, k).
func (c *Cube) Index(i, j, k int) int {
	return i + c.Shape[0]*(j+c.Shape[1]*k)
}

// Coords is the inverse of Index.
func (c *Cube) Coords(idx int) (i, j, k int) {
	nx, ny := c.Shape[0], c.Shape[1]
	i = idx % nx
	j = (idx / nx) % ny
	k = idx / (nx * ny)
	return i, j, k
}

// At returns the value of voxel (i, j, k).
func (c *Cube) At(i, j, k int) float64 { return c.Data[c.Index(i, j, k)] }

// Set assigns the value of voxel (i, j, k).
func (c *Cube) Set(i, j, k int, v float64) { c.Data[c.Index(i, j, k)] = v }

// Fill assigns value to every voxel.
func (c *Cube) Fill(value float64) {
	for i := range c.Data {
		c.Data[i] = value
	}
}

// SetData copies src into the cube. src must hold exactly Len values.
func (c *Cube) SetData(src []float64) error {
	if len(src) != len(c.Data) {
		return fmt.Errorf("%w: cube holds %d voxels, source has %d", ErrShapeMismatch, len(c.Data), len(src))
	}
	copy(c.Data, src)
	return nil
}

// Assign copies the voxels of src, which must have the same shape.
func (c *Cube) Assign(src *Cube) error {
	if src.Shape != c.Shape {
		return fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, c.Shape, src.Shape)
	}
	copy(c.Data, src.Data)
	return nil
}

// Copy returns an independent cube with identical data and metadata.
func (c *Cube) Copy() *Cube {
	out := &Cube{Shape: c.Shape, Cdelt: c.Cdelt, Crpix: c.Crpix}
	out.Data = make([]float64, len(c.Data))
	copy(out.Data, c.Data)
	return out
}

// Like returns a zero-filled cube sharing the geometry of c.
func (c *Cube) Like() *Cube {
	return &Cube{
		Shape: c.Shape,
		Cdelt: c.Cdelt,
		Crpix: c.Crpix,
		Data:  make([]float64, len(c.Data)),
	}
}

// SameGeometry reports whether c and o share shape, voxel size and
// reference pixel.
func (c *Cube) SameGeometry(o *Cube) bool {
	return c.Shape == o.Shape && c.Cdelt == o.Cdelt && c.Crpix == o.Crpix
}

// Bounds returns the physical lower and upper corners of the grid.
func (c *Cube) Bounds() (lo, hi [3]float64) {
	for axis := 0; axis < 3; axis++ {
		lo[axis] = -c.Crpix[axis] * c.Cdelt[axis]
		hi[axis] = (float64(c.Shape[axis]) - c.Crpix[axis]) * c.Cdelt[axis]
	}
	return lo, hi
}

// Center returns the physical position of the centre of voxel (i, j, k).
func (c *Cube) Center(i, j, k int) [3]float64 {
	idx := [3]int{i, j, k}
	var p [3]float64
	for axis := 0; axis < 3; axis++ {
		p[axis] = (float64(idx[axis]) + 0.5 - c.Crpix[axis]) * c.Cdelt[axis]
	}
	return p
}

func (c *Cube) check(o *Cube) error {
	if c.Shape != o.Shape {
		return fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, c.Shape, o.Shape)
	}
	return nil
}

// Dot returns the voxel-wise inner product of c and o.
func (c *Cube) Dot(o *Cube) (float64, error) {
	if err := c.check(o); err != nil {
		return 0, err
	}
	return floats.Dot(c.Data, o.Data), nil
}

// Norm returns the Euclidean norm of the voxel array.
func (c *Cube) Norm() float64 { return floats.Norm(c.Data, 2) }

// AddScaled performs c += alpha * o.
func (c *Cube) AddScaled(alpha float64, o *Cube) error {
	if err := c.check(o); err != nil {
		return err
	}
	floats.AddScaled(c.Data, alpha, o.Data)
	return nil
}

// Sub performs c -= o.
func (c *Cube) Sub(o *Cube) error {
	if err := c.check(o); err != nil {
		return err
	}
	floats.Sub(c.Data, o.Data)
	return nil
}

// Scale multiplies every voxel by alpha.
func (c *Cube) Scale(alpha float64) { floats.Scale(alpha, c.Data) }

// ArgMax returns the voxel holding the largest value and that value.
func (c *Cube) ArgMax() (i, j, k int, v float64) {
	idx := floats.MaxIdx(c.Data)
	i, j, k = c.Coords(idx)
	return i, j, k, c.Data[idx]
}

// HasNonFinite reports whether any voxel is NaN or infinite.
func (c *Cube) HasNonFinite() bool {
	for _, v := range c.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}
