package cube

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/astrogo/fitsio"

	"slidetomo/internal/fitsutil"
)

func TestNewRejectsInvalidShape(t *testing.T) {
	shapes := [][3]int{{0, 4, 4}, {4, -1, 4}, {4, 4, 0}}
	for _, shape := range shapes {
		_, err := New(shape, [3]float64{1, 1, 1}, [3]float64{})
		if !errors.Is(err, ErrInvalidShape) {
			t.Errorf("New(%v) error = %v, want ErrInvalidShape", shape, err)
		}
	}

	_, err := New([3]int{2, 2, 2}, [3]float64{1, 0, 1}, [3]float64{})
	if !errors.Is(err, ErrInvalidScale) {
		t.Errorf("expected ErrInvalidScale for zero cdelt, got %v", err)
	}
}

func TestNewIsZeroFilled(t *testing.T) {
	c, err := New([3]int{3, 4, 5}, [3]float64{1, 1, 1}, [3]float64{1.5, 2, 2.5})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if c.Len() != 60 {
		t.Fatalf("Expected 60 voxels, got %d", c.Len())
	}
	for i, v := range c.Data {
		if v != 0 {
			t.Fatalf("voxel %d = %f, want 0", i, v)
		}
	}
}

func TestIndexCoordsRoundTrip(t *testing.T) {
	c, _ := New([3]int{3, 4, 5}, [3]float64{1, 1, 1}, [3]float64{})
	for idx := 0; idx < c.Len(); idx++ {
		i, j, k := c.Coords(idx)
		if got := c.Index(i, j, k); got != idx {
			t.Fatalf("Index(Coords(%d)) = %d", idx, got)
		}
	}
	if c.Index(1, 0, 0) != 1 || c.Index(0, 1, 0) != 3 || c.Index(0, 0, 1) != 12 {
		t.Error("expected x to vary fastest")
	}
}

func TestSetDataShapeMismatch(t *testing.T) {
	c, _ := New([3]int{2, 2, 2}, [3]float64{1, 1, 1}, [3]float64{})
	if err := c.SetData(make([]float64, 7)); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
	src := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	if err := c.SetData(src); err != nil {
		t.Fatalf("SetData failed: %v", err)
	}
	src[0] = 100
	if c.Data[0] != 1 {
		t.Error("SetData must copy the source array")
	}
}

func TestCopyIsDeep(t *testing.T) {
	c, _ := New([3]int{2, 2, 2}, [3]float64{0.5, 0.5, 0.5}, [3]float64{1, 1, 1})
	c.Fill(3)
	cp := c.Copy()
	cp.Set(0, 0, 0, -1)

	if c.At(0, 0, 0) != 3 {
		t.Error("mutating the copy changed the original")
	}
	if !cp.SameGeometry(c) {
		t.Error("copy should keep geometry")
	}
}

func TestBoundsCentered(t *testing.T) {
	c, err := Centered([3]int{4, 4, 4}, 3)
	if err != nil {
		t.Fatalf("Centered failed: %v", err)
	}
	lo, hi := c.Bounds()
	for axis := 0; axis < 3; axis++ {
		if math.Abs(lo[axis]+1.5) > 1e-12 || math.Abs(hi[axis]-1.5) > 1e-12 {
			t.Errorf("axis %d bounds = [%f, %f], want [-1.5, 1.5]", axis, lo[axis], hi[axis])
		}
	}
	p := c.Center(2, 2, 2)
	if math.Abs(p[0]-0.375) > 1e-12 {
		t.Errorf("Center(2,2,2).x = %f, want 0.375", p[0])
	}
}

func TestAlgebra(t *testing.T) {
	a, _ := New([3]int{2, 1, 1}, [3]float64{1, 1, 1}, [3]float64{})
	b := a.Like()
	a.SetData([]float64{1, 2})
	b.SetData([]float64{3, 4})

	d, err := a.Dot(b)
	if err != nil || d != 11 {
		t.Errorf("Dot = %f, %v; want 11", d, err)
	}
	if err := a.AddScaled(2, b); err != nil {
		t.Fatal(err)
	}
	if a.Data[0] != 7 || a.Data[1] != 10 {
		t.Errorf("AddScaled result %v", a.Data)
	}
	other, _ := New([3]int{1, 2, 1}, [3]float64{1, 1, 1}, [3]float64{})
	if _, err := a.Dot(other); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
	i, j, k, v := a.ArgMax()
	if i != 1 || j != 0 || k != 0 || v != 10 {
		t.Errorf("ArgMax = (%d,%d,%d,%f)", i, j, k, v)
	}
}

func TestPersistReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cube.fits")

	c, _ := New([3]int{3, 2, 4}, [3]float64{0.75, 0.5, 0.25}, [3]float64{1.5, 1, 2})
	for i := range c.Data {
		c.Data[i] = float64(i) * 0.125
	}
	if err := c.Persist(path, fitsio.Card{Name: "ITER", Value: 7}); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	got, hdr, err := Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !got.SameGeometry(c) {
		t.Errorf("geometry mismatch: got %v %v %v", got.Shape, got.Cdelt, got.Crpix)
	}
	for i := range c.Data {
		if got.Data[i] != c.Data[i] {
			t.Fatalf("voxel %d = %f, want %f", i, got.Data[i], c.Data[i])
		}
	}
	if iter, ok := fitsutil.Float(hdr, "ITER"); !ok || iter != 7 {
		t.Errorf("ITER card = %v, %v", iter, ok)
	}

	// No temporary files should be left behind.
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only the cube file in %s, found %d entries", dir, len(entries))
	}
}

func TestPersistUnwritablePath(t *testing.T) {
	c, _ := New([3]int{1, 1, 1}, [3]float64{1, 1, 1}, [3]float64{})
	path := filepath.Join(t.TempDir(), "missing", "dir", "cube.fits")
	if err := c.Persist(path); !errors.Is(err, ErrIO) {
		t.Errorf("expected ErrIO, got %v", err)
	}
}

func TestPersistKeepsPreviousFileOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cube.fits")

	c, _ := New([3]int{2, 2, 2}, [3]float64{1, 1, 1}, [3]float64{1, 1, 1})
	c.Fill(2)
	if err := c.Persist(path); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	// A corrupt cube (data length disagrees with shape) must not clobber
	// the valid file already on disk.
	bad := c.Copy()
	bad.Data = bad.Data[:3]
	if err := bad.Persist(path); err == nil {
		t.Fatal("expected error persisting a corrupt cube")
	}

	got, _, err := Read(path)
	if err != nil {
		t.Fatalf("previous file unreadable: %v", err)
	}
	if got.At(1, 1, 1) != 2 {
		t.Errorf("previous file contents changed")
	}
}
