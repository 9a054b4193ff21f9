// Package projection implements the forward (direct) and adjoint
// (transpose) tomographic operators between a cube.Cube and an
// observation.Set.
//
// Every detector pixel defines a ray from the observer through the pixel
// direction. The direct model accumulates voxel values weighted by the exact
// length of the ray inside each voxel; the transpose model spreads pixel
// values back along the same rays with the same weights, so the pair is an
// exact adjoint up to floating-point summation order.
package projection

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"slidetomo/pkg/cube"
	"slidetomo/pkg/observation"
)

// Frame is the observer position and detector basis of one observation.
type Frame struct {
	Origin r3.Vec
	// Axis points from the observer towards the grid origin.
	Axis r3.Vec
	U    r3.Vec
	V    r3.Vec
}

// NewFrame derives the observer frame from g. Lon and Lat place the
// observer on a sphere of radius Distance; the detector u axis points east
// and v north before Roll is applied.
func NewFrame(g observation.Geometry) Frame {
	sinLon, cosLon := math.Sincos(g.Lon)
	sinLat, cosLat := math.Sincos(g.Lat)

	radial := r3.Vec{X: cosLat * cosLon, Y: cosLat * sinLon, Z: sinLat}
	east := r3.Vec{X: -sinLon, Y: cosLon, Z: 0}
	north := r3.Vec{X: -sinLat * cosLon, Y: -sinLat * sinLon, Z: cosLat}

	sinRoll, cosRoll := math.Sincos(g.Roll)
	return Frame{
		Origin: r3.Scale(g.Distance, radial),
		Axis:   r3.Scale(-1, radial),
		U:      r3.Add(r3.Scale(cosRoll, east), r3.Scale(sinRoll, north)),
		V:      r3.Add(r3.Scale(-sinRoll, east), r3.Scale(cosRoll, north)),
	}
}

// Direction returns the unit viewing direction of detector pixel (u, v)
// under a gnomonic (tangent-plane) mapping.
func (f Frame) Direction(g observation.Geometry, u, v int) r3.Vec {
	ax := (float64(u) - g.Crpix[0]) * g.Cdelt[0]
	ay := (float64(v) - g.Crpix[1]) * g.Cdelt[1]
	d := r3.Add(f.Axis, r3.Add(r3.Scale(math.Tan(ax), f.U), r3.Scale(math.Tan(ay), f.V)))
	return r3.Unit(d)
}

// Trace walks the ray origin + t*dir (t ≥ 0, dir a unit vector) through the
// voxels of c, calling visit with each crossed voxel's flat index and the
// length of the ray inside it.
func Trace(c *cube.Cube, origin, dir r3.Vec, visit func(idx int, length float64)) {
	lo, hi := c.Bounds()
	p := [3]float64{origin.X, origin.Y, origin.Z}
	d := [3]float64{dir.X, dir.Y, dir.Z}

	// Slab intersection with the grid bounding box.
	tmin, tmax := 0.0, math.Inf(1)
	for axis := 0; axis < 3; axis++ {
		if d[axis] == 0 {
			if p[axis] < lo[axis] || p[axis] >= hi[axis] {
				return
			}
			continue
		}
		t1 := (lo[axis] - p[axis]) / d[axis]
		t2 := (hi[axis] - p[axis]) / d[axis]
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		tmin = math.Max(tmin, t1)
		tmax = math.Min(tmax, t2)
	}
	if !(tmax > tmin) {
		return
	}

	var (
		idx    [3]int
		step   [3]int
		tNext  [3]float64
		tDelta [3]float64
	)
	tEntry := tmin
	for axis := 0; axis < 3; axis++ {
		n := c.Shape[axis]
		w := c.Cdelt[axis]
		// Clamp so rays entering exactly on a face land inside the grid.
		q := p[axis] + tEntry*d[axis]
		i := int(math.Floor((q - lo[axis]) / w))
		if i < 0 {
			i = 0
		}
		if i >= n {
			i = n - 1
		}
		idx[axis] = i

		switch {
		case d[axis] > 0:
			step[axis] = 1
			tNext[axis] = (lo[axis] + float64(i+1)*w - p[axis]) / d[axis]
			tDelta[axis] = w / d[axis]
		case d[axis] < 0:
			step[axis] = -1
			tNext[axis] = (lo[axis] + float64(i)*w - p[axis]) / d[axis]
			tDelta[axis] = -w / d[axis]
		default:
			tNext[axis] = math.Inf(1)
			tDelta[axis] = math.Inf(1)
		}
	}

	t := tEntry
	for t < tmax {
		axis := 0
		if tNext[1] < tNext[axis] {
			axis = 1
		}
		if tNext[2] < tNext[axis] {
			axis = 2
		}

		tEnd := math.Min(tNext[axis], tmax)
		if length := tEnd - t; length > 0 {
			visit(c.Index(idx[0], idx[1], idx[2]), length)
		}
		t = tEnd
		if t >= tmax {
			return
		}

		idx[axis] += step[axis]
		if idx[axis] < 0 || idx[axis] >= c.Shape[axis] {
			return
		}
		tNext[axis] += tDelta[axis]
	}
}
