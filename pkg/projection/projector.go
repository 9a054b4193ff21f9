package projection

import (
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"slidetomo/pkg/cube"
	"slidetomo/pkg/observation"
)

// Recorder receives operator timings. metrics.Collector satisfies it.
type Recorder interface {
	ObserveOperator(name string, d time.Duration)
}

// Projector evaluates the direct and transpose models in parallel. It holds
// no state between calls, so one Projector can serve any number of solves.
type Projector struct {
	// Workers bounds the number of concurrent goroutines.
	Workers int

	// Recorder, if set, receives the duration of every operator call.
	Recorder Recorder
}

// New returns a Projector using the given number of workers; workers ≤ 0
// selects runtime.NumCPU().
func New(workers int) *Projector {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Projector{Workers: workers}
}

func (p *Projector) workers() int {
	if p.Workers <= 0 {
		return runtime.NumCPU()
	}
	return p.Workers
}

func (p *Projector) observe(name string, start time.Time) {
	if p.Recorder != nil {
		p.Recorder.ObserveOperator(name, time.Since(start))
	}
}

// Direct projects v onto the detectors of geom and returns the predicted
// observations. geom supplies only the geometry; its data is not read.
func (p *Projector) Direct(v *cube.Cube, geom *observation.Set) (*observation.Set, error) {
	defer p.observe("direct", time.Now())

	out := geom.Like()
	var g errgroup.Group
	g.SetLimit(p.workers())
	for i, o := range out.Observations {
		g.Go(func() error {
			if err := o.Geometry.Validate(); err != nil {
				return fmt.Errorf("observation %d: %w", i, err)
			}
			if len(o.Data) != o.Geometry.Pixels() {
				return fmt.Errorf("%w: observation %d has %d values for a %v detector",
					observation.ErrShapeMismatch, i, len(o.Data), o.Geometry.Shape)
			}
			project(v, o)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func project(v *cube.Cube, o *observation.Observation) {
	g := o.Geometry
	frame := NewFrame(g)
	for pv := 0; pv < g.Shape[1]; pv++ {
		for pu := 0; pu < g.Shape[0]; pu++ {
			var sum float64
			Trace(v, frame.Origin, frame.Direction(g, pu, pv), func(idx int, length float64) {
				sum += v.Data[idx] * length
			})
			o.Data[pu+g.Shape[0]*pv] = sum
		}
	}
}

// Transpose backprojects obs into a new cube with the geometry of
// template. Observations are split into contiguous chunks, each chunk
// accumulates into its own partial cube, and the partials are summed in
// chunk order so results do not depend on goroutine scheduling.
func (p *Projector) Transpose(obs *observation.Set, template *cube.Cube) (*cube.Cube, error) {
	defer p.observe("transpose", time.Now())

	out := template.Like()
	n := len(obs.Observations)
	if n == 0 {
		return out, nil
	}

	chunks := p.workers()
	if chunks > n {
		chunks = n
	}
	partials := make([][]float64, chunks)

	var g errgroup.Group
	for c := 0; c < chunks; c++ {
		lo, hi := c*n/chunks, (c+1)*n/chunks
		g.Go(func() error {
			acc := make([]float64, out.Len())
			for i := lo; i < hi; i++ {
				o := obs.Observations[i]
				if err := o.Geometry.Validate(); err != nil {
					return fmt.Errorf("observation %d: %w", i, err)
				}
				if len(o.Data) != o.Geometry.Pixels() {
					return fmt.Errorf("%w: observation %d has %d values for a %v detector",
						observation.ErrShapeMismatch, i, len(o.Data), o.Geometry.Shape)
				}
				backproject(out, o, acc)
			}
			partials[c] = acc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, acc := range partials {
		for i, v := range acc {
			out.Data[i] += v
		}
	}
	return out, nil
}

func backproject(grid *cube.Cube, o *observation.Observation, acc []float64) {
	g := o.Geometry
	frame := NewFrame(g)
	for pv := 0; pv < g.Shape[1]; pv++ {
		for pu := 0; pu < g.Shape[0]; pu++ {
			value := o.Data[pu+g.Shape[0]*pv]
			if value == 0 {
				continue
			}
			Trace(grid, frame.Origin, frame.Direction(g, pu, pv), func(idx int, length float64) {
				acc[idx] += value * length
			})
		}
	}
}
