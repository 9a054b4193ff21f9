// Package algorithms implements the regularized iterative inversion that
// turns an observation.Set into a cube.Cube.
//
// A solver binds a direct model, its transpose and regularization weights.
// It keeps no state between solves: every call to Solve or Resume starts
// from the volume or checkpoint it is given.
package algorithms

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"slidetomo/internal/logging"
	"slidetomo/pkg/cube"
	"slidetomo/pkg/observation"
)

// DirectModel maps a volume onto predicted observations with the geometry
// of the given set.
type DirectModel func(v *cube.Cube, geom *observation.Set) (*observation.Set, error)

// TransposeModel is the adjoint of a DirectModel. The result has the
// geometry of template.
type TransposeModel func(obs *observation.Set, template *cube.Cube) (*cube.Cube, error)

var (
	// ErrDiverged is wrapped by every *DivergedError.
	ErrDiverged = errors.New("solver diverged")

	// ErrInvalidHyperparameters is returned for weight vectors that are not
	// three finite, non-negative values.
	ErrInvalidHyperparameters = errors.New("invalid hyperparameters")

	// ErrNoCheckpoint is returned by Resume when no save file is configured.
	ErrNoCheckpoint = errors.New("no checkpoint configured")

	// ErrUnknownMethod is returned for a Method the solver does not run.
	ErrUnknownMethod = errors.New("unknown solver method")
)

// Method selects the minimization scheme.
type Method string

const (
	// LinearCG is conjugate gradient with the exact step of the quadratic
	// objective: one Direct and one Transpose per iteration.
	LinearCG Method = "linear-cg"

	// LBFGS and NonlinearCG hand the objective to gonum/optimize, whose
	// line searches evaluate J and its gradient several times per step.
	LBFGS       Method = "lbfgs"
	NonlinearCG Method = "cg"
)

// ParseMethod maps a configuration name onto a Method. Empty selects
// LinearCG.
func ParseMethod(name string) (Method, error) {
	switch m := Method(name); m {
	case "":
		return LinearCG, nil
	case LinearCG, LBFGS, NonlinearCG:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMethod, name)
}

// DivergedError reports a fatal solve. Checkpoint names the last valid
// checkpoint written during the solve, if any.
type DivergedError struct {
	Iteration  int
	Objective  float64
	Reason     string
	Checkpoint string
}

func (e *DivergedError) Error() string {
	msg := fmt.Sprintf("solver diverged at iteration %d (objective %g): %s", e.Iteration, e.Objective, e.Reason)
	if e.Checkpoint != "" {
		msg += "; last valid checkpoint: " + e.Checkpoint
	}
	return msg
}

func (e *DivergedError) Unwrap() error { return ErrDiverged }

// Status is the solver state.
type Status int

const (
	Initialized Status = iota
	Iterating
	Converged
	MaxIterationsReached
	Diverged
)

func (s Status) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Iterating:
		return "iterating"
	case Converged:
		return "converged"
	case MaxIterationsReached:
		return "max_iterations"
	case Diverged:
		return "diverged"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Recorder receives solver progress. metrics.Collector satisfies it.
type Recorder interface {
	ObserveIteration(objective, gradientNorm float64)
	ObserveCheckpoint()
	ObserveSolve(status string)
}

// Result is the outcome of a successful solve.
type Result struct {
	Solution *cube.Cube
	Status   Status

	// Iterations counts every iteration, including those of the run a
	// resumed solve continued from.
	Iterations int

	// Objective holds the objective at the starting point followed by its
	// value after each iteration of this run.
	Objective []float64

	// Checkpoint is the path of the final checkpoint, empty when
	// checkpointing is disabled.
	Checkpoint string
}

// Option configures a solver.
type Option func(*SmoothQuadratic)

// WithSaveFile sets the checkpoint path. Empty disables checkpoints.
func WithSaveFile(path string) Option {
	return func(s *SmoothQuadratic) { s.saveFile = path }
}

// WithMethod selects the minimization scheme. The default is LinearCG.
func WithMethod(m Method) Option {
	return func(s *SmoothQuadratic) { s.method = m }
}

// WithMaxIterations caps the number of iterations.
func WithMaxIterations(n int) Option {
	return func(s *SmoothQuadratic) {
		if n > 0 {
			s.maxIter = n
		}
	}
}

// WithTolerance sets the relative convergence tolerance.
func WithTolerance(tol float64) Option {
	return func(s *SmoothQuadratic) {
		if tol > 0 {
			s.tol = tol
		}
	}
}

// WithCheckpointEvery writes a checkpoint every n iterations.
func WithCheckpointEvery(n int) Option {
	return func(s *SmoothQuadratic) {
		if n > 0 {
			s.every = n
		}
	}
}

// WithDivergenceFactor declares divergence once the objective exceeds
// factor times its starting value.
func WithDivergenceFactor(factor float64) Option {
	return func(s *SmoothQuadratic) {
		if factor > 1 {
			s.divergence = factor
		}
	}
}

// WithLogger sets the solver logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *SmoothQuadratic) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRecorder attaches a progress recorder.
func WithRecorder(r Recorder) Option {
	return func(s *SmoothQuadratic) { s.recorder = progress{r} }
}

// progress forwards to an optional Recorder.
type progress struct{ r Recorder }

func (p progress) observeIteration(objective, gradientNorm float64) {
	if p.r != nil {
		p.r.ObserveIteration(objective, gradientNorm)
	}
}

func (p progress) observeCheckpoint() {
	if p.r != nil {
		p.r.ObserveCheckpoint()
	}
}

func (p progress) observeSolve(status Status) {
	if p.r != nil {
		p.r.ObserveSolve(status.String())
	}
}

// Default solver settings.
const (
	DefaultMaxIterations    = 100
	DefaultTolerance        = 1e-6
	DefaultCheckpointEvery  = 10
	DefaultDivergenceFactor = 1e6
)

// SmoothQuadratic minimizes
//
//	J(x) = ||A x - y||² + Σ_k h_k ||D_k x||²
//
// where A is the direct model, y the observations and D_k the forward
// difference along cube axis k. The objective is quadratic, so the default
// method is linear conjugate gradient with an exact line search.
type SmoothQuadratic struct {
	direct     DirectModel
	transpose  TransposeModel
	hyper      [3]float64
	method     Method
	saveFile   string
	maxIter    int
	tol        float64
	every      int
	divergence float64
	logger     *slog.Logger
	recorder   progress
}

// NewSmoothQuadratic binds the operators and regularization weights. It
// does not touch any data.
func NewSmoothQuadratic(direct DirectModel, transpose TransposeModel, hyperparameters []float64, opts ...Option) (*SmoothQuadratic, error) {
	if direct == nil || transpose == nil {
		return nil, errors.New("direct and transpose models are required")
	}
	if len(hyperparameters) != 3 {
		return nil, fmt.Errorf("%w: need 3 weights, got %d", ErrInvalidHyperparameters, len(hyperparameters))
	}
	var hyper [3]float64
	for i, h := range hyperparameters {
		if !(h >= 0) || math.IsInf(h, 0) {
			return nil, fmt.Errorf("%w: weight %d is %g", ErrInvalidHyperparameters, i, h)
		}
		hyper[i] = h
	}

	s := &SmoothQuadratic{
		direct:     direct,
		transpose:  transpose,
		hyper:      hyper,
		method:     LinearCG,
		maxIter:    DefaultMaxIterations,
		tol:        DefaultTolerance,
		every:      DefaultCheckpointEvery,
		divergence: DefaultDivergenceFactor,
		logger:     logging.New("solver"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := ParseMethod(string(s.method)); err != nil {
		return nil, err
	}
	if s.method == "" {
		s.method = LinearCG
	}
	return s, nil
}

// Hyperparameters returns a copy of the regularization weights.
func (s *SmoothQuadratic) Hyperparameters() []float64 {
	return []float64{s.hyper[0], s.hyper[1], s.hyper[2]}
}

// Method returns the minimization scheme.
func (s *SmoothQuadratic) Method() Method { return s.method }

// SaveFile returns the checkpoint path.
func (s *SmoothQuadratic) SaveFile() string { return s.saveFile }
