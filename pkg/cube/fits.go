package cube

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/astrogo/fitsio"

	"slidetomo/internal/fitsutil"
)

// ErrIO wraps every failure to persist or read a cube file.
var ErrIO = errors.New("cube i/o")

// In-memory Crpix is an edge coordinate (voxel i spans [i, i+1]); FITS
// CRPIX is a 1-based centre coordinate. They differ by half a voxel.
const fitsPixelOffset = 0.5

// Persist writes the cube to path as a FITS image with CDELTn/CRPIXn cards
// and any extra cards supplied by the caller. The write is atomic: an
// existing file at path is only replaced once the new one is complete.
func (c *Cube) Persist(path string, extra ...fitsio.Card) error {
	cards := make([]fitsio.Card, 0, 6+len(extra))
	for axis := 0; axis < 3; axis++ {
		n := strconv.Itoa(axis + 1)
		cards = append(cards,
			fitsio.Card{Name: "CDELT" + n, Value: c.Cdelt[axis], Comment: "voxel size"},
			fitsio.Card{Name: "CRPIX" + n, Value: c.Crpix[axis] + fitsPixelOffset, Comment: "reference pixel"},
		)
	}
	cards = append(cards, extra...)

	axes := []int{c.Shape[0], c.Shape[1], c.Shape[2]}
	if err := fitsutil.WriteImage(path, axes, c.Data, cards); err != nil {
		return fmt.Errorf("%w: persist %s: %v", ErrIO, path, err)
	}
	return nil
}

// Read loads a cube previously written by Persist. The full header is
// returned so callers can inspect their own extra cards.
func Read(path string) (*Cube, *fitsio.Header, error) {
	img, err := fitsutil.ReadImage(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read %s: %v", ErrIO, path, err)
	}
	if len(img.Axes) != 3 {
		return nil, nil, fmt.Errorf("%w: %s has %d axes, want 3", ErrInvalidShape, path, len(img.Axes))
	}

	var shape [3]int
	var cdelt, crpix [3]float64
	for axis := 0; axis < 3; axis++ {
		n := strconv.Itoa(axis + 1)
		shape[axis] = img.Axes[axis]
		d, ok := fitsutil.Float(img.Header, "CDELT"+n)
		if !ok {
			d = 1
		}
		cdelt[axis] = d
		if p, ok := fitsutil.Float(img.Header, "CRPIX"+n); ok {
			crpix[axis] = p - fitsPixelOffset
		} else {
			crpix[axis] = float64(shape[axis]) / 2
		}
	}

	c, err := New(shape, cdelt, crpix)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := c.SetData(img.Data); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, img.Header, nil
}
