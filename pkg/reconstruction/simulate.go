package reconstruction

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"slidetomo/pkg/cube"
	"slidetomo/pkg/observation"
	"slidetomo/pkg/projection"
)

// SimulationParams describes a synthetic observing campaign: a single
// observer circling the grid at constant distance and latitude.
type SimulationParams struct {
	Instrument string
	Start      time.Time
	Cadence    time.Duration
	Count      int

	// Pixels is the detector edge length; the field of view covers the
	// whole grid.
	Pixels int

	// Distance is the observer distance in cube units.
	Distance float64

	// Lon0 and Lat are the starting longitude and the fixed latitude, in
	// radians.
	Lon0 float64
	Lat  float64

	// RotationPeriod is the time the observer takes to go once around the
	// grid.
	RotationPeriod time.Duration

	// Noise is the standard deviation of the Gaussian noise added to every
	// pixel, relative to the brightest pixel of the set.
	Noise float64
	Seed  int64

	Workers int
}

// DefaultSimulation mimics a STEREO/EUVI campaign seen in the Carrington
// frame: one image every four hours from 1 AU, with the Sun's synodic
// rotation sweeping the viewpoint.
func DefaultSimulation() SimulationParams {
	return SimulationParams{
		Instrument:     "STEREO_A",
		Start:          time.Date(2008, 12, 1, 0, 0, 0, 0, time.UTC),
		Cadence:        4 * time.Hour,
		Count:          6 * 17,
		Pixels:         128,
		Distance:       215,
		Lat:            7.25 * math.Pi / 180,
		RotationPeriod: time.Duration(27.2753 * 24 * float64(time.Hour)),
	}
}

// Phantom builds a corona-like test volume: an emission shell decaying
// with height above the unit sphere plus one dense streamer blob.
func Phantom(shape [3]int, size float64) (*cube.Cube, error) {
	c, err := cube.Centered(shape, size)
	if err != nil {
		return nil, err
	}
	blob := [3]float64{0.9, 0.3, 0.4}
	for k := 0; k < shape[2]; k++ {
		for j := 0; j < shape[1]; j++ {
			for i := 0; i < shape[0]; i++ {
				p := c.Center(i, j, k)
				r := math.Sqrt(p[0]*p[0] + p[1]*p[1] + p[2]*p[2])
				if r < 1 {
					continue
				}
				v := math.Exp(-(r - 1) / 0.15)
				d2 := 0.0
				for a := 0; a < 3; a++ {
					d2 += (p[a] - blob[a]) * (p[a] - blob[a])
				}
				v += 2 * math.Exp(-d2/(2*0.15*0.15))
				c.Set(i, j, k, v)
			}
		}
	}
	return c, nil
}

// Geometry returns the viewing geometry of the n-th simulated image.
func (p SimulationParams) Geometry(truth *cube.Cube, n int) observation.Geometry {
	lo, hi := truth.Bounds()
	half := math.Max(
		math.Hypot(math.Hypot(lo[0], lo[1]), lo[2]),
		math.Hypot(math.Hypot(hi[0], hi[1]), hi[2]))
	fov := 2.2 * math.Atan(half/p.Distance)
	cdelt := fov / float64(p.Pixels)
	center := float64(p.Pixels-1) / 2

	lon := p.Lon0
	if p.RotationPeriod > 0 {
		elapsed := time.Duration(n) * p.Cadence
		lon += 2 * math.Pi * elapsed.Seconds() / p.RotationPeriod.Seconds()
	}
	return observation.Geometry{
		Distance: p.Distance,
		Lon:      math.Mod(lon, 2*math.Pi),
		Lat:      p.Lat,
		Shape:    [2]int{p.Pixels, p.Pixels},
		Cdelt:    [2]float64{cdelt, cdelt},
		Crpix:    [2]float64{center, center},
	}
}

// Simulate projects truth onto Count detectors and returns the resulting
// observation set, with noise when requested.
func Simulate(truth *cube.Cube, p SimulationParams) (*observation.Set, error) {
	if p.Count <= 0 || p.Pixels <= 0 {
		return nil, fmt.Errorf("simulation needs positive count and pixels, got %d and %d", p.Count, p.Pixels)
	}
	if p.Cadence <= 0 {
		return nil, fmt.Errorf("simulation cadence %s must be positive", p.Cadence)
	}

	geom := &observation.Set{Instrument: p.Instrument, TimeStep: p.Cadence}
	for n := 0; n < p.Count; n++ {
		g := p.Geometry(truth, n)
		geom.Observations = append(geom.Observations, &observation.Observation{
			Time:       p.Start.Add(time.Duration(n) * p.Cadence),
			Instrument: p.Instrument,
			Geometry:   g,
			Data:       make([]float64, g.Pixels()),
		})
	}
	geom.Window = observation.TimeWindow{
		Start: geom.Observations[0].Time,
		End:   geom.Observations[len(geom.Observations)-1].Time,
	}

	set, err := projection.New(p.Workers).Direct(truth, geom)
	if err != nil {
		return nil, fmt.Errorf("simulate: %w", err)
	}

	if p.Noise > 0 {
		var peak float64
		for _, o := range set.Observations {
			for _, v := range o.Data {
				peak = math.Max(peak, v)
			}
		}
		rng := rand.New(rand.NewSource(p.Seed))
		for _, o := range set.Observations {
			for i := range o.Data {
				o.Data[i] += p.Noise * peak * rng.NormFloat64()
			}
		}
	}
	return set, nil
}
