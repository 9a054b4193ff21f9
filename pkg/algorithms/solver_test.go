package algorithms

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"

	"slidetomo/internal/fitsutil"
	"slidetomo/internal/logging"
	"slidetomo/pkg/cube"
	"slidetomo/pkg/observation"
)

// matrixProblem wraps a dense matrix as a direct/transpose pair acting on a
// 3x3x3 cube and a single m-pixel observation.
type matrixProblem struct {
	a        *mat.Dense
	template *cube.Cube
	data     *observation.Set
	truth    *cube.Cube
}

func newMatrixProblem(t *testing.T, seed int64, m int) *matrixProblem {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))

	template, err := cube.New([3]int{3, 3, 3}, [3]float64{1, 1, 1}, [3]float64{1.5, 1.5, 1.5})
	if err != nil {
		t.Fatalf("cube.New failed: %v", err)
	}
	n := template.Len()

	a := mat.NewDense(m, n, nil)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			a.Set(i, j, rng.NormFloat64())
		}
	}

	truth := template.Like()
	for i := range truth.Data {
		truth.Data[i] = 1 + rng.Float64()
	}

	p := &matrixProblem{a: a, template: template, truth: truth}
	p.data = &observation.Set{Observations: []*observation.Observation{{
		Geometry: observation.Geometry{Shape: [2]int{m, 1}},
		Data:     make([]float64, m),
	}}}

	y, _ := p.direct(truth, p.data)
	p.data = y
	return p
}

func (p *matrixProblem) direct(v *cube.Cube, geom *observation.Set) (*observation.Set, error) {
	out := geom.Like()
	m, n := p.a.Dims()
	dst := mat.NewVecDense(m, out.Observations[0].Data)
	dst.MulVec(p.a, mat.NewVecDense(n, v.Data))
	return out, nil
}

func (p *matrixProblem) transpose(o *observation.Set, template *cube.Cube) (*cube.Cube, error) {
	out := template.Like()
	m, n := p.a.Dims()
	dst := mat.NewVecDense(n, out.Data)
	dst.MulVec(p.a.T(), mat.NewVecDense(m, o.Observations[0].Data))
	return out, nil
}

func relativeError(got, want *cube.Cube) float64 {
	diff := got.Copy()
	diff.Sub(want)
	return diff.Norm() / want.Norm()
}

func TestNewSmoothQuadraticValidation(t *testing.T) {
	p := newMatrixProblem(t, 1, 30)
	bad := [][]float64{{1, 1}, {1, 1, 1, 1}, {1, -1, 1}, {math.NaN(), 1, 1}, {math.Inf(1), 0, 0}}
	for _, h := range bad {
		if _, err := NewSmoothQuadratic(p.direct, p.transpose, h); !errors.Is(err, ErrInvalidHyperparameters) {
			t.Errorf("hyperparameters %v: error %v, want ErrInvalidHyperparameters", h, err)
		}
	}
	if _, err := NewSmoothQuadratic(nil, p.transpose, []float64{1, 1, 1}); err == nil {
		t.Error("expected error for nil direct model")
	}

	h := []float64{1, 2, 3}
	s, err := NewSmoothQuadratic(p.direct, p.transpose, h)
	if err != nil {
		t.Fatal(err)
	}
	h[0] = 100
	if s.Hyperparameters()[0] != 1 {
		t.Error("hyperparameters must be copied at construction")
	}
}

func TestSmoothnessGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	x, _ := cube.New([3]int{4, 3, 5}, [3]float64{1, 1, 1}, [3]float64{})
	for i := range x.Data {
		x.Data[i] = rng.NormFloat64()
	}
	h := [3]float64{0.5, 1.5, 2}

	lx := x.Like()
	smoothness(x, h, lx)

	const eps = 1e-6
	for idx := 0; idx < x.Len(); idx += 7 {
		plus, minus := x.Copy(), x.Copy()
		plus.Data[idx] += eps
		minus.Data[idx] -= eps
		numeric := (smoothness(plus, h, nil) - smoothness(minus, h, nil)) / (2 * eps)
		if math.Abs(numeric-2*lx.Data[idx]) > 1e-5 {
			t.Errorf("voxel %d: numeric gradient %f, analytic %f", idx, numeric, 2*lx.Data[idx])
		}
	}

	flat := x.Like()
	flat.Fill(3)
	if v := smoothness(flat, h, nil); v != 0 {
		t.Errorf("constant cube should have zero smoothness penalty, got %f", v)
	}
}

func TestSolveRecoversGroundTruth(t *testing.T) {
	p := newMatrixProblem(t, 2, 60)
	s, err := NewSmoothQuadratic(p.direct, p.transpose, []float64{0, 0, 0},
		WithMaxIterations(500), WithTolerance(1e-12), WithLogger(logging.Discard()))
	if err != nil {
		t.Fatal(err)
	}

	res, err := s.Solve(context.Background(), p.data, p.template.Like())
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}
	if res.Status != Converged {
		t.Errorf("status = %s, want converged", res.Status)
	}
	if e := relativeError(res.Solution, p.truth); e > 1e-2 {
		t.Errorf("relative error %g exceeds 1e-2", e)
	}
}

func TestSolveObjectiveIsMonotone(t *testing.T) {
	p := newMatrixProblem(t, 3, 40)
	s, _ := NewSmoothQuadratic(p.direct, p.transpose, []float64{0.5, 0.5, 0.5},
		WithMaxIterations(200), WithTolerance(1e-12), WithLogger(logging.Discard()))

	res, err := s.Solve(context.Background(), p.data, p.template.Like())
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}
	if len(res.Objective) < 3 {
		t.Fatalf("expected several iterations, got history %v", res.Objective)
	}
	for i := 1; i < len(res.Objective); i++ {
		prev, cur := res.Objective[i-1], res.Objective[i]
		if cur > prev*(1+1e-12)+1e-12 {
			t.Errorf("objective increased at iteration %d: %g -> %g", i, prev, cur)
		}
	}
}

func TestSolveMaxIterationsReached(t *testing.T) {
	p := newMatrixProblem(t, 4, 40)
	save := filepath.Join(t.TempDir(), "checkpoint.fits")
	s, _ := NewSmoothQuadratic(p.direct, p.transpose, []float64{1, 1, 1},
		WithMaxIterations(3), WithSaveFile(save), WithLogger(logging.Discard()))

	initial := p.template.Like()
	initial.Fill(0.5)
	res, err := s.Solve(context.Background(), p.data, initial)
	if err != nil {
		t.Fatalf("reaching the iteration cap must not be an error: %v", err)
	}
	if res.Status != MaxIterationsReached || res.Iterations != 3 {
		t.Errorf("status %s after %d iterations", res.Status, res.Iterations)
	}
	if res.Objective[len(res.Objective)-1] >= res.Objective[0] {
		t.Error("best-so-far solution should improve on the starting point")
	}
	for _, v := range initial.Data {
		if v != 0.5 {
			t.Fatal("Solve modified the initial volume")
		}
	}

	cp, hdr, err := cube.Read(save)
	if err != nil {
		t.Fatalf("checkpoint not readable: %v", err)
	}
	if iter, _ := fitsutil.Float(hdr, "ITER"); iter != 3 {
		t.Errorf("checkpoint ITER = %v, want 3", iter)
	}
	if relativeError(cp, res.Solution) > 1e-12 {
		t.Error("final checkpoint differs from the returned solution")
	}
}

func TestSolveDivergesWithInconsistentTranspose(t *testing.T) {
	p := newMatrixProblem(t, 5, 30)
	negated := func(o *observation.Set, template *cube.Cube) (*cube.Cube, error) {
		c, err := p.transpose(o, template)
		if err != nil {
			return nil, err
		}
		c.Scale(-1)
		return c, nil
	}
	s, _ := NewSmoothQuadratic(p.direct, negated, []float64{0, 0, 0}, WithLogger(logging.Discard()))

	res, err := s.Solve(context.Background(), p.data, p.template.Like())
	if !errors.Is(err, ErrDiverged) {
		t.Fatalf("expected ErrDiverged, got %v", err)
	}
	if res != nil {
		t.Error("a diverged solve must not return a result")
	}
	var de *DivergedError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DivergedError, got %T", err)
	}
	if de.Reason == "" {
		t.Error("divergence reason should be reported")
	}
}

// poisonAfter wraps a transpose so that every call after the first n
// returns NaN voxels.
func poisonAfter(n int, transpose TransposeModel) TransposeModel {
	calls := 0
	return func(o *observation.Set, template *cube.Cube) (*cube.Cube, error) {
		calls++
		c, err := transpose(o, template)
		if err != nil || calls <= n {
			return c, err
		}
		c.Fill(math.NaN())
		return c, nil
	}
}

func checkpointIter(t *testing.T, path string) float64 {
	t.Helper()
	_, hdr, err := cube.Read(path)
	if err != nil {
		t.Fatalf("checkpoint not readable: %v", err)
	}
	iter, ok := fitsutil.Float(hdr, "ITER")
	if !ok {
		t.Fatal("checkpoint has no ITER card")
	}
	return iter
}

func TestSolveDivergenceReportsLastCheckpoint(t *testing.T) {
	p := newMatrixProblem(t, 5, 60)
	save := filepath.Join(t.TempDir(), "checkpoint.fits")

	// Call 1 evaluates the start, call k+1 is the Hessian product of
	// iteration k, so iteration 9 is the first to see NaN.
	s, _ := NewSmoothQuadratic(p.direct, poisonAfter(9, p.transpose), []float64{0.1, 0.1, 0.1},
		WithMaxIterations(100), WithTolerance(1e-14), WithCheckpointEvery(2),
		WithSaveFile(save), WithLogger(logging.Discard()))

	_, err := s.Solve(context.Background(), p.data, p.template.Like())
	var de *DivergedError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DivergedError, got %v", err)
	}
	if de.Iteration != 8 {
		t.Errorf("diverged at iteration %d, want 8", de.Iteration)
	}
	if de.Checkpoint != save {
		t.Errorf("reported checkpoint %q, want %q", de.Checkpoint, save)
	}
	if !strings.Contains(de.Reason, "non-finite curvature") {
		t.Errorf("reason %q should name the non-finite curvature", de.Reason)
	}
	if iter := checkpointIter(t, save); iter != 8 {
		t.Errorf("checkpoint ITER = %v, want the last good iteration 8", iter)
	}
}

func TestResumeDivergenceReportsResumedCheckpoint(t *testing.T) {
	p := newMatrixProblem(t, 10, 60)
	save := filepath.Join(t.TempDir(), "checkpoint.fits")
	hyper := []float64{0.1, 0.1, 0.1}
	quiet := WithLogger(logging.Discard())

	first, _ := NewSmoothQuadratic(p.direct, p.transpose, hyper,
		WithMaxIterations(4), WithTolerance(1e-14), WithSaveFile(save), quiet)
	if _, err := first.Solve(context.Background(), p.data, p.template.Like()); err != nil {
		t.Fatalf("Solve failed: %v", err)
	}

	resumer, _ := NewSmoothQuadratic(p.direct, poisonAfter(1, p.transpose), hyper,
		WithMaxIterations(100), WithTolerance(1e-14), WithCheckpointEvery(10), WithSaveFile(save), quiet)
	_, err := resumer.Resume(context.Background(), p.data)
	var de *DivergedError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DivergedError, got %v", err)
	}
	if de.Checkpoint != save {
		t.Errorf("reported checkpoint %q, want the resumed save file %q", de.Checkpoint, save)
	}
	if iter := checkpointIter(t, save); iter != 4 {
		t.Errorf("checkpoint ITER = %v, want 4", iter)
	}
}

func TestSolveRejectsMismatchedDirectModel(t *testing.T) {
	p := newMatrixProblem(t, 11, 30)
	calls := 0
	short := func(v *cube.Cube, geom *observation.Set) (*observation.Set, error) {
		calls++
		out, err := p.direct(v, geom)
		if err != nil || calls == 1 {
			return out, err
		}
		o := out.Observations[0]
		o.Data = o.Data[:len(o.Data)-1]
		return out, nil
	}
	s, _ := NewSmoothQuadratic(short, p.transpose, []float64{1, 1, 1}, WithLogger(logging.Discard()))

	_, err := s.Solve(context.Background(), p.data, p.template.Like())
	if !errors.Is(err, observation.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
	if errors.Is(err, ErrDiverged) {
		t.Error("a layout error is not a divergence")
	}
}

func TestParseMethod(t *testing.T) {
	for name, want := range map[string]Method{"": LinearCG, "linear-cg": LinearCG, "lbfgs": LBFGS, "cg": NonlinearCG} {
		got, err := ParseMethod(name)
		if err != nil || got != want {
			t.Errorf("ParseMethod(%q) = %q, %v; want %q", name, got, err, want)
		}
	}
	if _, err := ParseMethod("newton"); !errors.Is(err, ErrUnknownMethod) {
		t.Errorf("expected ErrUnknownMethod, got %v", err)
	}

	p := newMatrixProblem(t, 1, 30)
	if _, err := NewSmoothQuadratic(p.direct, p.transpose, []float64{1, 1, 1}, WithMethod("newton")); !errors.Is(err, ErrUnknownMethod) {
		t.Errorf("constructor accepted an unknown method: %v", err)
	}
}

func TestGonumMethodsRecoverGroundTruth(t *testing.T) {
	for _, method := range []Method{LBFGS, NonlinearCG} {
		t.Run(string(method), func(t *testing.T) {
			p := newMatrixProblem(t, 2, 60)
			save := filepath.Join(t.TempDir(), "checkpoint.fits")
			s, err := NewSmoothQuadratic(p.direct, p.transpose, []float64{0, 0, 0},
				WithMethod(method), WithMaxIterations(500), WithTolerance(1e-10),
				WithSaveFile(save), WithLogger(logging.Discard()))
			if err != nil {
				t.Fatal(err)
			}

			res, err := s.Solve(context.Background(), p.data, p.template.Like())
			if err != nil {
				t.Fatalf("Solve failed: %v", err)
			}
			if e := relativeError(res.Solution, p.truth); e > 1e-2 {
				t.Errorf("relative error %g exceeds 1e-2", e)
			}
			if last := res.Objective[len(res.Objective)-1]; last >= res.Objective[0] {
				t.Errorf("objective did not decrease: %v", res.Objective)
			}
			if iter := checkpointIter(t, save); int(iter) != res.Iterations {
				t.Errorf("checkpoint ITER = %v, want %d", iter, res.Iterations)
			}
		})
	}
}

func TestGonumMethodCheckpointResume(t *testing.T) {
	p := newMatrixProblem(t, 12, 60)
	save := filepath.Join(t.TempDir(), "resume.fits")
	quiet := WithLogger(logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	interrupted, _ := NewSmoothQuadratic(p.direct, p.transpose, []float64{0, 0, 0},
		WithMethod(LBFGS), WithMaxIterations(500), WithTolerance(1e-10), WithSaveFile(save),
		WithRecorder(&cancelAfter{n: 3, cancel: cancel}), quiet)
	_, err := interrupted.Solve(ctx, p.data, p.template.Like())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if iter := checkpointIter(t, save); iter != 3 {
		t.Errorf("interruption checkpoint ITER = %v, want 3", iter)
	}

	resumer, _ := NewSmoothQuadratic(p.direct, p.transpose, []float64{0, 0, 0},
		WithMethod(LBFGS), WithMaxIterations(500), WithTolerance(1e-10), WithSaveFile(save), quiet)
	res, err := resumer.Resume(context.Background(), p.data)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if res.Iterations <= 3 {
		t.Errorf("resumed solve should continue the iteration count, got %d", res.Iterations)
	}
	if e := relativeError(res.Solution, p.truth); e > 1e-2 {
		t.Errorf("relative error %g exceeds 1e-2", e)
	}
}

// cancelAfter cancels a context once n iterations have been observed.
type cancelAfter struct {
	n      int
	seen   int
	cancel context.CancelFunc
}

func (c *cancelAfter) ObserveIteration(float64, float64) {
	c.seen++
	if c.seen == c.n {
		c.cancel()
	}
}
func (c *cancelAfter) ObserveCheckpoint()  {}
func (c *cancelAfter) ObserveSolve(string) {}

func TestCheckpointResume(t *testing.T) {
	p := newMatrixProblem(t, 6, 45)
	hyper := []float64{0.1, 0.1, 0.1}
	quiet := WithLogger(logging.Discard())

	full, _ := NewSmoothQuadratic(p.direct, p.transpose, hyper,
		WithMaxIterations(500), WithTolerance(1e-13), quiet)
	want, err := full.Solve(context.Background(), p.data, p.template.Like())
	if err != nil {
		t.Fatalf("uninterrupted solve failed: %v", err)
	}

	save := filepath.Join(t.TempDir(), "resume.fits")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	interrupted, _ := NewSmoothQuadratic(p.direct, p.transpose, hyper,
		WithMaxIterations(500), WithTolerance(1e-13), WithSaveFile(save), WithCheckpointEvery(2),
		WithRecorder(&cancelAfter{n: 5, cancel: cancel}), quiet)
	_, err = interrupted.Solve(ctx, p.data, p.template.Like())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := os.Stat(save); err != nil {
		t.Fatalf("no checkpoint after interruption: %v", err)
	}

	resumer, _ := NewSmoothQuadratic(p.direct, p.transpose, hyper,
		WithMaxIterations(500), WithTolerance(1e-13), WithSaveFile(save), quiet)
	got, err := resumer.Resume(context.Background(), p.data)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if got.Iterations <= 5 {
		t.Errorf("resumed solve should continue the iteration count, got %d", got.Iterations)
	}
	if e := relativeError(got.Solution, want.Solution); e > 1e-4 {
		t.Errorf("resumed solution differs from uninterrupted run by %g", e)
	}
}

func TestResumeWithoutSaveFile(t *testing.T) {
	p := newMatrixProblem(t, 8, 30)
	s, _ := NewSmoothQuadratic(p.direct, p.transpose, []float64{1, 1, 1}, WithLogger(logging.Discard()))
	if _, err := s.Resume(context.Background(), p.data); !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("expected ErrNoCheckpoint, got %v", err)
	}
}

func TestSolveAtOptimumConvergesImmediately(t *testing.T) {
	p := newMatrixProblem(t, 9, 30)
	s, _ := NewSmoothQuadratic(p.direct, p.transpose, []float64{0, 0, 0}, WithLogger(logging.Discard()))
	res, err := s.Solve(context.Background(), p.data, p.truth)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != Converged {
		t.Errorf("status %s, want converged", res.Status)
	}
	if res.Iterations > 1 {
		t.Errorf("expected at most one iteration from the exact solution, got %d", res.Iterations)
	}
}
