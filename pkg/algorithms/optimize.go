package algorithms

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"

	"slidetomo/pkg/cube"
	"slidetomo/pkg/observation"
)

func gonumMethod(m Method) optimize.Method {
	switch m {
	case LBFGS:
		return &optimize.LBFGS{}
	case NonlinearCG:
		return &optimize.CG{}
	}
	return nil
}

// problem exposes J over the flat voxel array. gonum/optimize cannot
// return model errors, so the first one is kept in err and every later
// evaluation reports NaN.
type problem struct {
	s    *SmoothQuadratic
	data *observation.Set
	work *cube.Cube
	err  error
}

func (p *problem) load(x []float64) *cube.Cube {
	copy(p.work.Data, x)
	return p.work
}

func (p *problem) fn(x []float64) float64 {
	if p.err != nil {
		return math.NaN()
	}
	v, err := p.s.value(p.load(x), p.data)
	if err != nil {
		p.err = err
		return math.NaN()
	}
	return v
}

func (p *problem) grad(grad, x []float64) {
	if p.err != nil {
		floats.Scale(math.NaN(), grad)
		return
	}
	_, g, _, err := p.s.evaluate(p.load(x), p.data)
	if err != nil {
		p.err = err
		floats.Scale(math.NaN(), grad)
		return
	}
	copy(grad, g.Data)
}

// progressRecorder receives every gonum operation and acts on major
// iterations: history, metrics, divergence, cancellation and checkpoints.
type progressRecorder struct {
	ctx            context.Context
	s              *SmoothQuadratic
	x              *cube.Cube
	start          int
	j0             float64
	iter           int
	history        []float64
	lastCheckpoint string
}

func (r *progressRecorder) Init() error { return nil }

func (r *progressRecorder) Record(loc *optimize.Location, op optimize.Operation, stats *optimize.Stats) error {
	if op != optimize.MajorIteration {
		return nil
	}
	r.iter = r.start + stats.MajorIterations
	r.history = append(r.history, loc.F)
	copy(r.x.Data, loc.X)

	var gnorm float64
	if loc.Gradient != nil {
		gnorm = floats.Norm(loc.Gradient, 2)
	}
	r.s.recorder.observeIteration(loc.F, gnorm)
	r.s.logger.Debug("iteration", "iteration", r.iter, "objective", loc.F, "gradient", gnorm)

	if math.IsNaN(loc.F) || math.IsInf(loc.F, 0) || r.x.HasNonFinite() {
		return r.s.diverged(r.iter, loc.F, "non-finite objective", r.lastCheckpoint)
	}
	if loc.F > r.s.divergence*r.j0 {
		return r.s.diverged(r.iter, loc.F,
			fmt.Sprintf("objective grew beyond %g times its starting value", r.s.divergence), r.lastCheckpoint)
	}
	if err := r.ctx.Err(); err != nil {
		return r.s.interrupted(err, r.x, r.iter, loc.F)
	}
	if r.iter%r.s.every == 0 {
		path, err := r.s.checkpoint(r.x, r.iter, loc.F)
		if err != nil {
			return err
		}
		r.lastCheckpoint = path
	}
	return nil
}

// runOptimize minimizes J with gonum/optimize. Checkpoints, resume and
// divergence follow the same rules as the linear CG loop.
func (s *SmoothQuadratic) runOptimize(ctx context.Context, data *observation.Set, x *cube.Cube, start int, lastCheckpoint string) (*Result, error) {
	_, g, obj, err := s.evaluate(x, data)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(obj) || math.IsInf(obj, 0) {
		return nil, s.diverged(start, obj, "non-finite starting objective", lastCheckpoint)
	}

	history := []float64{obj}
	gmax := floats.Norm(g.Data, math.Inf(1))
	if obj == 0 || gmax == 0 {
		return s.finish(x, Converged, start, history)
	}
	if start >= s.maxIter {
		return s.finish(x, MaxIterationsReached, start, history)
	}
	if err := ctx.Err(); err != nil {
		return nil, s.interrupted(err, x, start, obj)
	}

	s.logger.Debug("solve started", "method", string(s.method), "iteration", start, "objective", obj, "gradient", g.Norm())

	rec := &progressRecorder{
		ctx:            ctx,
		s:              s,
		x:              x.Like(),
		start:          start,
		j0:             obj,
		iter:           start,
		history:        history,
		lastCheckpoint: lastCheckpoint,
	}
	p := &problem{s: s, data: data, work: x.Like()}
	settings := &optimize.Settings{
		MajorIterations:   s.maxIter - start,
		GradientThreshold: s.tol * gmax,
		Converger:         &optimize.FunctionConverge{Absolute: s.tol * obj, Iterations: 1},
		Recorder:          rec,
	}

	res, err := optimize.Minimize(optimize.Problem{Func: p.fn, Grad: p.grad}, x.Data, settings, gonumMethod(s.method))
	if p.err != nil {
		return nil, p.err
	}
	var de *DivergedError
	switch {
	case errors.As(err, &de), ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return nil, err
	case errors.Is(err, optimize.ErrNoProgress), errors.Is(err, optimize.ErrLinesearcherFailure),
		errors.Is(err, optimize.ErrNonDescentDirection):
		// The line search cannot improve on the last major iterate.
		s.logger.Debug("line search stalled", "iteration", rec.iter, "err", err)
	case err != nil:
		return nil, fmt.Errorf("%s: %w", s.method, err)
	}
	if res == nil {
		return nil, fmt.Errorf("%s: no result", s.method)
	}

	// The major iteration that terminates the run is not passed to the
	// recorder.
	iter := start + res.MajorIterations
	history = rec.history
	if iter > start+len(history)-1 {
		history = append(history, res.F)
		var gnorm float64
		if res.Gradient != nil {
			gnorm = floats.Norm(res.Gradient, 2)
		}
		s.recorder.observeIteration(res.F, gnorm)
	}
	if err := x.SetData(res.X); err != nil {
		return nil, err
	}
	if math.IsNaN(res.F) || math.IsInf(res.F, 0) || x.HasNonFinite() {
		return nil, s.diverged(iter, res.F, "non-finite objective", rec.lastCheckpoint)
	}

	status := Converged
	if res.Status == optimize.IterationLimit {
		status = MaxIterationsReached
	}
	return s.finish(x, status, iter, history)
}
