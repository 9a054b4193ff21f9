// Package observation models the measured projections consumed by the
// tomographic solver: detector images with acquisition time, instrument and
// viewing geometry, grouped into an ordered Set.
//
// A Set doubles as a vector in data space. The projection operators produce
// Sets with the same geometry as the measured data, and the solver combines
// them with Dot, Sub and AddScaled.
package observation

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
)

var (
	// ErrDataNotFound is returned when a data store holds no matching records.
	ErrDataNotFound = errors.New("no matching observations")

	// ErrInvalidTimeWindow is returned when a window does not start before it ends.
	ErrInvalidTimeWindow = errors.New("invalid time window")

	// ErrInvalidFactor is returned for rebin factors below 1 or factors that
	// do not divide the detector shape.
	ErrInvalidFactor = errors.New("invalid rebin factor")

	// ErrShapeMismatch is returned when two sets do not share the same layout.
	ErrShapeMismatch = errors.New("observation layout mismatch")

	// ErrInvalidGeometry is returned for observations whose viewing geometry
	// cannot be traced.
	ErrInvalidGeometry = errors.New("invalid observation geometry")
)

// Geometry describes where an observation was taken from and how detector
// pixels map onto viewing directions.
type Geometry struct {
	// Distance from the grid origin to the observer, in cube units.
	Distance float64

	// Lon and Lat give the observer direction in radians.
	Lon float64
	Lat float64

	// Roll rotates the detector about the line of sight, in radians.
	Roll float64

	// Shape is the detector size in pixels (u, v).
	Shape [2]int

	// Cdelt is the angular pixel size in radians.
	Cdelt [2]float64

	// Crpix is the 0-based pixel coordinate of the optical axis. Pixel u is
	// centred on coordinate u.
	Crpix [2]float64
}

// Pixels returns the number of detector pixels.
func (g Geometry) Pixels() int { return g.Shape[0] * g.Shape[1] }

// Validate checks that the geometry can be ray traced.
func (g Geometry) Validate() error {
	if g.Shape[0] <= 0 || g.Shape[1] <= 0 {
		return fmt.Errorf("%w: detector shape %v", ErrInvalidGeometry, g.Shape)
	}
	if !(g.Distance > 0) || math.IsInf(g.Distance, 0) {
		return fmt.Errorf("%w: observer distance %g", ErrInvalidGeometry, g.Distance)
	}
	if !(g.Cdelt[0] > 0) || !(g.Cdelt[1] > 0) {
		return fmt.Errorf("%w: pixel size %v", ErrInvalidGeometry, g.Cdelt)
	}
	return nil
}

// Observation is a single detector image.
type Observation struct {
	Time       time.Time
	Instrument string
	Geometry   Geometry

	// Data holds one line-integral per pixel, u fastest.
	Data []float64

	// Source is the file the observation was read from, if any.
	Source string
}

// Copy returns a deep copy of o.
func (o *Observation) Copy() *Observation {
	cp := *o
	cp.Data = append([]float64(nil), o.Data...)
	return &cp
}

// Like returns a zero-valued observation sharing o's metadata.
func (o *Observation) Like() *Observation {
	cp := *o
	cp.Data = make([]float64, len(o.Data))
	return &cp
}

// Set is an ordered collection of observations plus the selection that
// produced it.
type Set struct {
	Observations []*Observation
	Window       TimeWindow
	TimeStep     time.Duration
	Instrument   string
}

// NewSet builds a set from observations, validating that every image
// matches its declared detector shape.
func NewSet(obs []*Observation) (*Set, error) {
	for i, o := range obs {
		if err := o.Geometry.Validate(); err != nil {
			return nil, fmt.Errorf("observation %d: %w", i, err)
		}
		if len(o.Data) != o.Geometry.Pixels() {
			return nil, fmt.Errorf("%w: observation %d has %d values for a %v detector",
				ErrShapeMismatch, i, len(o.Data), o.Geometry.Shape)
		}
	}
	return &Set{Observations: obs}, nil
}

// Len returns the total number of measurements in the set.
func (s *Set) Len() int {
	n := 0
	for _, o := range s.Observations {
		n += len(o.Data)
	}
	return n
}

// Copy returns a deep copy of s.
func (s *Set) Copy() *Set {
	out := *s
	out.Observations = make([]*Observation, len(s.Observations))
	for i, o := range s.Observations {
		out.Observations[i] = o.Copy()
	}
	return &out
}

// Like returns a zero-valued set with the same layout and metadata.
func (s *Set) Like() *Set {
	out := *s
	out.Observations = make([]*Observation, len(s.Observations))
	for i, o := range s.Observations {
		out.Observations[i] = o.Like()
	}
	return &out
}

// Compatible reports an error unless o has the same layout as s.
func (s *Set) Compatible(o *Set) error {
	if len(s.Observations) != len(o.Observations) {
		return fmt.Errorf("%w: %d vs %d observations", ErrShapeMismatch, len(s.Observations), len(o.Observations))
	}
	for i := range s.Observations {
		if len(s.Observations[i].Data) != len(o.Observations[i].Data) {
			return fmt.Errorf("%w: observation %d has %d vs %d pixels", ErrShapeMismatch,
				i, len(s.Observations[i].Data), len(o.Observations[i].Data))
		}
	}
	return nil
}

// Dot returns the inner product of s and o, summed observation by
// observation in order.
func (s *Set) Dot(o *Set) (float64, error) {
	if err := s.Compatible(o); err != nil {
		return 0, err
	}
	var sum float64
	for i := range s.Observations {
		sum += floats.Dot(s.Observations[i].Data, o.Observations[i].Data)
	}
	return sum, nil
}

// Norm returns the Euclidean norm of all measurements.
func (s *Set) Norm() float64 {
	d, _ := s.Dot(s)
	return math.Sqrt(d)
}

// Sub performs s -= o.
func (s *Set) Sub(o *Set) error {
	if err := s.Compatible(o); err != nil {
		return err
	}
	for i := range s.Observations {
		floats.Sub(s.Observations[i].Data, o.Observations[i].Data)
	}
	return nil
}

// AddScaled performs s += alpha * o.
func (s *Set) AddScaled(alpha float64, o *Set) error {
	if err := s.Compatible(o); err != nil {
		return err
	}
	for i := range s.Observations {
		floats.AddScaled(s.Observations[i].Data, alpha, o.Observations[i].Data)
	}
	return nil
}

// Flatten concatenates every measurement into a single slice.
func (s *Set) Flatten() []float64 {
	out := make([]float64, 0, s.Len())
	for _, o := range s.Observations {
		out = append(out, o.Data...)
	}
	return out
}
