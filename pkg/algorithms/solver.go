package algorithms

import (
	"context"
	"fmt"
	"math"

	"github.com/astrogo/fitsio"

	"slidetomo/internal/fitsutil"
	"slidetomo/pkg/cube"
	"slidetomo/pkg/observation"
)

// Solve minimizes the objective for data starting from initial. initial is
// copied and never modified. Reaching the iteration cap is not an error:
// the result then carries MaxIterationsReached and the best iterate.
func (s *SmoothQuadratic) Solve(ctx context.Context, data *observation.Set, initial *cube.Cube) (*Result, error) {
	return s.minimize(ctx, data, initial.Copy(), 0, "")
}

// Resume continues a solve from the configured save file, keeping the
// iteration count recorded in it.
func (s *SmoothQuadratic) Resume(ctx context.Context, data *observation.Set) (*Result, error) {
	if s.saveFile == "" {
		return nil, ErrNoCheckpoint
	}
	x, hdr, err := cube.Read(s.saveFile)
	if err != nil {
		return nil, fmt.Errorf("resume: %w", err)
	}
	iter := 0
	if v, ok := fitsutil.Float(hdr, "ITER"); ok && v > 0 {
		iter = int(v)
	}
	s.logger.Info("resuming from checkpoint", "path", s.saveFile, "iteration", iter)
	return s.minimize(ctx, data, x, iter, s.saveFile)
}

// minimize runs the configured method from x, which it owns. start is the
// iteration count x was reached at and checkpoint the last valid
// checkpoint holding it, if any.
func (s *SmoothQuadratic) minimize(ctx context.Context, data *observation.Set, x *cube.Cube, start int, checkpoint string) (*Result, error) {
	if s.method == LinearCG {
		return s.run(ctx, data, x, start, checkpoint)
	}
	return s.runOptimize(ctx, data, x, start, checkpoint)
}

// evaluate returns the residual A x - y, the gradient of J and J at x.
func (s *SmoothQuadratic) evaluate(x *cube.Cube, data *observation.Set) (*observation.Set, *cube.Cube, float64, error) {
	r, err := s.direct(x, data)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("direct model: %w", err)
	}
	if err := r.Sub(data); err != nil {
		return nil, nil, 0, fmt.Errorf("residual: %w", err)
	}

	g, err := s.transpose(r, x)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("transpose model: %w", err)
	}
	lx := x.Like()
	reg := smoothness(x, s.hyper, lx)
	g.Scale(2)
	if err := g.AddScaled(2, lx); err != nil {
		return nil, nil, 0, fmt.Errorf("gradient: %w", err)
	}

	rr, err := r.Dot(r)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("residual: %w", err)
	}
	return r, g, rr + reg, nil
}

// value returns J at x without its gradient.
func (s *SmoothQuadratic) value(x *cube.Cube, data *observation.Set) (float64, error) {
	r, err := s.direct(x, data)
	if err != nil {
		return 0, fmt.Errorf("direct model: %w", err)
	}
	if err := r.Sub(data); err != nil {
		return 0, fmt.Errorf("residual: %w", err)
	}
	rr, err := r.Dot(r)
	if err != nil {
		return 0, fmt.Errorf("residual: %w", err)
	}
	return rr + smoothness(x, s.hyper, nil), nil
}

// hessian returns A p and H p = 2 AᵀA p + 2 Σ h_k D_kᵀD_k p.
func (s *SmoothQuadratic) hessian(p *cube.Cube, data *observation.Set) (*observation.Set, *cube.Cube, error) {
	ap, err := s.direct(p, data)
	if err != nil {
		return nil, nil, fmt.Errorf("direct model: %w", err)
	}
	if err := ap.Compatible(data); err != nil {
		return nil, nil, fmt.Errorf("direct model: %w", err)
	}
	hp, err := s.transpose(ap, p)
	if err != nil {
		return nil, nil, fmt.Errorf("transpose model: %w", err)
	}
	lp := p.Like()
	smoothness(p, s.hyper, lp)
	hp.Scale(2)
	if err := hp.AddScaled(2, lp); err != nil {
		return nil, nil, fmt.Errorf("hessian: %w", err)
	}
	return ap, hp, nil
}

func (s *SmoothQuadratic) run(ctx context.Context, data *observation.Set, x *cube.Cube, start int, lastCheckpoint string) (*Result, error) {
	r, g, obj, err := s.evaluate(x, data)
	if err != nil {
		return nil, err
	}

	iter := start
	history := []float64{obj}
	diverge := func(reason string) (*Result, error) {
		return nil, s.diverged(iter, obj, reason, lastCheckpoint)
	}

	if math.IsNaN(obj) || math.IsInf(obj, 0) {
		return diverge("non-finite starting objective")
	}

	j0 := obj
	gnorm0 := g.Norm()
	gg := gnorm0 * gnorm0
	status := Iterating
	if obj == 0 || gnorm0 == 0 {
		status = Converged
	}

	p := g.Copy()
	p.Scale(-1)

	s.logger.Debug("solve started", "iteration", iter, "objective", obj, "gradient", gnorm0)

	for status == Iterating {
		if iter >= s.maxIter {
			status = MaxIterationsReached
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, s.interrupted(err, x, iter, obj)
		}

		ap, hp, err := s.hessian(p, data)
		if err != nil {
			return nil, err
		}
		curv, err := p.Dot(hp)
		if err != nil {
			return nil, fmt.Errorf("transpose model: %w", err)
		}
		gp, err := g.Dot(p)
		if err != nil {
			return nil, fmt.Errorf("search direction: %w", err)
		}
		if math.IsNaN(curv) || math.IsInf(curv, 0) {
			return diverge(fmt.Sprintf("non-finite curvature %g along search direction", curv))
		}
		if curv <= 0 {
			return diverge(fmt.Sprintf("non-positive curvature %g along search direction", curv))
		}

		alpha := -gp / curv
		if err := x.AddScaled(alpha, p); err != nil {
			return nil, fmt.Errorf("update iterate: %w", err)
		}
		if err := r.AddScaled(alpha, ap); err != nil {
			return nil, fmt.Errorf("update residual: %w", err)
		}
		if err := g.AddScaled(alpha, hp); err != nil {
			return nil, fmt.Errorf("update gradient: %w", err)
		}
		iter++

		prev := obj
		rr, err := r.Dot(r)
		if err != nil {
			return nil, fmt.Errorf("residual: %w", err)
		}
		obj = rr + smoothness(x, s.hyper, nil)
		history = append(history, obj)
		gnorm := g.Norm()

		s.recorder.observeIteration(obj, gnorm)
		s.logger.Debug("iteration", "iteration", iter, "objective", obj, "gradient", gnorm, "step", alpha)

		if math.IsNaN(obj) || math.IsInf(obj, 0) || x.HasNonFinite() {
			return diverge("non-finite objective")
		}
		if obj > s.divergence*j0 {
			return diverge(fmt.Sprintf("objective grew beyond %g times its starting value", s.divergence))
		}

		if obj == 0 || gnorm <= s.tol*gnorm0 || math.Abs(prev-obj) <= s.tol*j0 {
			status = Converged
			break
		}

		// Fletcher-Reeves update, restarting along -g if the direction
		// stops descending.
		ggNew := gnorm * gnorm
		p.Scale(ggNew / gg)
		if err := p.AddScaled(-1, g); err != nil {
			return nil, fmt.Errorf("search direction: %w", err)
		}
		gg = ggNew
		d, err := g.Dot(p)
		if err != nil {
			return nil, fmt.Errorf("search direction: %w", err)
		}
		if d >= 0 {
			p = g.Copy()
			p.Scale(-1)
		}

		if iter%s.every == 0 {
			path, err := s.checkpoint(x, iter, obj)
			if err != nil {
				return nil, err
			}
			lastCheckpoint = path
		}
	}

	return s.finish(x, status, iter, history)
}

// diverged reports a fatal solve. checkpoint is left as it was: the
// diverged iterate is never persisted.
func (s *SmoothQuadratic) diverged(iter int, obj float64, reason, checkpoint string) error {
	s.recorder.observeSolve(Diverged)
	s.logger.Error("solve diverged", "iteration", iter, "objective", obj, "reason", reason)
	return &DivergedError{Iteration: iter, Objective: obj, Reason: reason, Checkpoint: checkpoint}
}

// finish writes the final checkpoint and reports a successful solve.
func (s *SmoothQuadratic) finish(x *cube.Cube, status Status, iter int, history []float64) (*Result, error) {
	obj := history[len(history)-1]
	path, err := s.checkpoint(x, iter, obj)
	if err != nil {
		return nil, err
	}

	s.recorder.observeSolve(status)
	s.logger.Info("solve finished",
		"method", string(s.method),
		"status", status.String(),
		"iterations", iter,
		"objective", obj,
		"initial_objective", history[0])

	return &Result{
		Solution:   x,
		Status:     status,
		Iterations: iter,
		Objective:  history,
		Checkpoint: path,
	}, nil
}

// interrupted checkpoints x and wraps the context error.
func (s *SmoothQuadratic) interrupted(err error, x *cube.Cube, iter int, obj float64) error {
	path, cerr := s.checkpoint(x, iter, obj)
	if cerr != nil {
		return fmt.Errorf("solve interrupted at iteration %d: %w (checkpoint failed: %v)", iter, err, cerr)
	}
	return fmt.Errorf("solve interrupted at iteration %d, checkpoint %q: %w", iter, path, err)
}

// checkpoint persists x to the save file and returns its path. It is a
// no-op returning "" when checkpointing is disabled.
func (s *SmoothQuadratic) checkpoint(x *cube.Cube, iter int, obj float64) (string, error) {
	if s.saveFile == "" {
		return "", nil
	}
	cards := []fitsio.Card{
		{Name: "ITER", Value: iter, Comment: "solver iteration"},
		{Name: "OBJECTIV", Value: obj, Comment: "objective value"},
		{Name: "HYPER1", Value: s.hyper[0]},
		{Name: "HYPER2", Value: s.hyper[1]},
		{Name: "HYPER3", Value: s.hyper[2]},
	}
	if err := x.Persist(s.saveFile, cards...); err != nil {
		return "", fmt.Errorf("checkpoint at iteration %d: %w", iter, err)
	}
	s.recorder.observeCheckpoint()
	s.logger.Debug("checkpoint written", "path", s.saveFile, "iteration", iter)
	return s.saveFile, nil
}
