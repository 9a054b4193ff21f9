// Package reconstruction runs the sliding-window tomographic pipeline: it
// ingests one observation set per time window, backprojects the first one
// into an initial cube, then inverts every window in turn, warm-starting
// each solve from the previous solution.
package reconstruction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/google/uuid"

	"slidetomo/internal/logging"
	"slidetomo/pkg/algorithms"
	"slidetomo/pkg/config"
	"slidetomo/pkg/cube"
	"slidetomo/pkg/metrics"
	"slidetomo/pkg/observation"
	"slidetomo/pkg/projection"
	"slidetomo/pkg/visualization"
)

// ErrNoWindows is returned by Process when no window is configured.
var ErrNoWindows = errors.New("no reconstruction windows")

// WindowParams is one time window and the rebin factor applied to its
// observations.
type WindowParams struct {
	Window observation.TimeWindow
	Rebin  int
}

// Params holds the reconstruction parameters.
type Params struct {
	// DataPath is the root of the observation store.
	DataPath string

	// Instrument restricts ingestion to a single instrument.
	Instrument string

	// TimeStep is the minimum spacing between retained observations.
	TimeStep time.Duration

	// Windows are reconstructed in order.
	Windows []WindowParams

	// Shape and Size define the reconstruction grid, centred on the origin.
	Shape [3]int
	Size  float64

	Hyperparameters  []float64
	Method           algorithms.Method
	MaxIterations    int
	Tolerance        float64
	CheckpointEvery  int
	DivergenceFactor float64

	// SaveFile receives solver checkpoints. Every window reuses it.
	SaveFile string

	// OutputDir receives slide<i>_solution.fits and manifest.yaml.
	OutputDir string

	// NumCores bounds the projection workers.
	NumCores int

	// SaveSlices writes a JPEG slice sequence next to every solution.
	SaveSlices bool

	// Metrics, if set, records solver and operator activity.
	Metrics *metrics.Collector

	Logger *slog.Logger
}

// ParamsFromConfig converts a validated configuration into pipeline
// parameters.
func ParamsFromConfig(cfg *config.Config) (*Params, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	step, err := cfg.TimeStep()
	if err != nil {
		return nil, err
	}
	windows, err := cfg.ExpandWindows()
	if err != nil {
		return nil, err
	}
	method, err := algorithms.ParseMethod(cfg.Solver.Method)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}

	p := &Params{
		DataPath:         cfg.Data.Path,
		Instrument:       cfg.Data.Instrument,
		TimeStep:         step,
		Shape:            cfg.Cube.Shape,
		Size:             cfg.Cube.Size,
		Hyperparameters:  append([]float64(nil), cfg.Solver.Hyperparameters...),
		Method:           method,
		MaxIterations:    cfg.Solver.MaxIterations,
		Tolerance:        cfg.Solver.Tolerance,
		CheckpointEvery:  cfg.Solver.CheckpointEvery,
		DivergenceFactor: cfg.Solver.DivergenceFactor,
		SaveFile:         cfg.Solver.SaveFile,
		OutputDir:        cfg.Output.Dir,
		NumCores:         cfg.Processing.NumCores,
		SaveSlices:       cfg.Output.SaveSlices,
	}
	for i, w := range windows {
		tw, err := w.Parse()
		if err != nil {
			return nil, fmt.Errorf("window %d: %w", i, err)
		}
		p.Windows = append(p.Windows, WindowParams{Window: tw, Rebin: w.Rebin})
	}
	return p, nil
}

// Reconstructor drives the pipeline for one set of parameters. A
// Reconstructor is not safe for concurrent use.
type Reconstructor struct {
	params    *Params
	projector *projection.Projector
	logger    *slog.Logger

	// solution is the result of the last solved window
	solution *cube.Cube

	// metrics are the data-fit metrics of the last solved window
	metrics ValidationMetrics

	report RunReport
}

// NewReconstructor creates a new reconstructor instance with the provided parameters.
func NewReconstructor(params *Params) *Reconstructor {
	logger := params.Logger
	if logger == nil {
		logger = logging.New("reconstruction")
	}
	proj := projection.New(params.NumCores)
	if params.Metrics != nil {
		proj.Recorder = params.Metrics
	}
	return &Reconstructor{
		params:    params,
		projector: proj,
		logger:    logger,
	}
}

// Process runs the complete reconstruction pipeline. Every window is
// ingested before the first computation, so a missing or empty window
// aborts the run without producing any solution.
func (r *Reconstructor) Process(ctx context.Context) error {
	if len(r.params.Windows) == 0 {
		return ErrNoWindows
	}
	if err := os.MkdirAll(r.params.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	r.report = RunReport{
		ID:              uuid.NewString(),
		Started:         time.Now().UTC(),
		Instrument:      r.params.Instrument,
		Shape:           r.params.Shape,
		Size:            r.params.Size,
		Hyperparameters: append([]float64(nil), r.params.Hyperparameters...),
	}
	logger := r.logger.With("run", r.report.ID)

	// Step 1: Load and rebin the observations of every window
	logger.Info("loading observations", "path", r.params.DataPath, "windows", len(r.params.Windows))
	sets, err := r.loadWindows()
	if err != nil {
		return fmt.Errorf("failed to load observations: %w", err)
	}

	// Step 2: Backproject the first window onto an empty grid
	grid, err := cube.Centered(r.params.Shape, r.params.Size)
	if err != nil {
		return fmt.Errorf("failed to create cube: %w", err)
	}
	start := time.Now()
	initial, err := r.projector.Transpose(sets[0], grid)
	if err != nil {
		return fmt.Errorf("failed to backproject: %w", err)
	}
	logger.Info("backprojection done", "elapsed", time.Since(start).Round(time.Millisecond))

	// Step 3: Invert every window, warm-starting from the previous solution
	for i, data := range sets {
		solution, wr, err := r.solveWindow(ctx, logger, i, data, initial)
		r.report.Windows = append(r.report.Windows, wr)
		if err != nil {
			if merr := r.writeManifest(); merr != nil {
				logger.Warn("failed to write manifest", "err", merr)
			}
			return fmt.Errorf("window %d: %w", i, err)
		}
		r.solution = solution
		r.metrics = wr.Metrics
		initial = solution.Copy()
		if err := r.writeManifest(); err != nil {
			logger.Warn("failed to write manifest", "window", i, "err", err)
		}
	}

	r.report.Finished = time.Now().UTC()
	return r.writeManifest()
}

func (r *Reconstructor) loadWindows() ([]*observation.Set, error) {
	sets := make([]*observation.Set, len(r.params.Windows))
	for i, w := range r.params.Windows {
		set, err := observation.Load(r.params.DataPath, observation.Filter{
			Instrument: r.params.Instrument,
			Window:     w.Window,
			TimeStep:   r.params.TimeStep,
			Logger:     r.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("window %d (%s): %w", i, w.Window, err)
		}
		rebinned, err := set.Rebin(w.Rebin)
		if err != nil {
			return nil, fmt.Errorf("window %d (%s): %w", i, w.Window, err)
		}
		sets[i] = rebinned
	}
	return sets, nil
}

func (r *Reconstructor) solverOptions() []algorithms.Option {
	opts := []algorithms.Option{
		algorithms.WithSaveFile(r.params.SaveFile),
		algorithms.WithMethod(r.params.Method),
		algorithms.WithMaxIterations(r.params.MaxIterations),
		algorithms.WithTolerance(r.params.Tolerance),
		algorithms.WithCheckpointEvery(r.params.CheckpointEvery),
		algorithms.WithDivergenceFactor(r.params.DivergenceFactor),
		algorithms.WithLogger(r.logger),
	}
	if r.params.Metrics != nil {
		opts = append(opts, algorithms.WithRecorder(r.params.Metrics))
	}
	return opts
}

// solveWindow inverts one window. The returned report is filled in even
// when the solve fails.
func (r *Reconstructor) solveWindow(ctx context.Context, logger *slog.Logger, i int, data *observation.Set, initial *cube.Cube) (*cube.Cube, WindowReport, error) {
	started := time.Now()
	w := r.params.Windows[i]
	wr := WindowReport{
		Index:        i,
		Start:        observation.FormatTime(w.Window.Start),
		End:          observation.FormatTime(w.Window.End),
		Rebin:        w.Rebin,
		Observations: len(data.Observations),
		Pixels:       data.Len(),
	}
	logger = logger.With("window", i)
	logger.Info("inverting window", "span", w.Window.String(), "observations", wr.Observations, "rebin", w.Rebin)

	solver, err := algorithms.NewSmoothQuadratic(r.projector.Direct, r.projector.Transpose,
		r.params.Hyperparameters, r.solverOptions()...)
	if err != nil {
		wr.Status, wr.Error = "failed", err.Error()
		return nil, wr, err
	}

	res, err := solver.Solve(ctx, data, initial)
	wr.Elapsed = time.Since(started).Round(time.Millisecond).String()
	if err != nil {
		wr.Status, wr.Error = "failed", err.Error()
		var de *algorithms.DivergedError
		if ctx.Err() != nil {
			wr.Status = "interrupted"
		}
		if errors.As(err, &de) {
			wr.Status = algorithms.Diverged.String()
			wr.Iterations = de.Iteration
			wr.Checkpoint = de.Checkpoint
		}
		return nil, wr, err
	}

	wr.Status = res.Status.String()
	wr.Iterations = res.Iterations
	wr.InitialObjective = res.Objective[0]
	wr.FinalObjective = res.Objective[len(res.Objective)-1]
	wr.Checkpoint = res.Checkpoint

	predicted, err := r.projector.Direct(res.Solution, data)
	if err != nil {
		return nil, wr, fmt.Errorf("failed to evaluate solution: %w", err)
	}
	wr.Metrics = calculateValidationMetrics(predicted, data)

	path := filepath.Join(r.params.OutputDir, fmt.Sprintf("slide%d_solution.fits", i))
	cards := []fitsio.Card{
		{Name: "WINSTART", Value: wr.Start},
		{Name: "WINEND", Value: wr.End},
		{Name: "OBSRVTRY", Value: r.params.Instrument},
		{Name: "NOBS", Value: wr.Observations, Comment: "observations inverted"},
		{Name: "ITER", Value: res.Iterations},
		{Name: "STATUS", Value: wr.Status},
	}
	if err := res.Solution.Persist(path, cards...); err != nil {
		return nil, wr, fmt.Errorf("failed to save solution: %w", err)
	}
	wr.Solution = path

	if r.params.SaveSlices {
		dir := filepath.Join(r.params.OutputDir, fmt.Sprintf("slide%d_slices", i))
		if _, err := visualization.NewViewer(res.Solution).SaveSliceSequence("z", dir); err != nil {
			logger.Warn("failed to save slices", "dir", dir, "err", err)
		} else {
			wr.Slices = dir
		}
	}

	logger.Info("window solved",
		"status", wr.Status,
		"iterations", wr.Iterations,
		"objective", wr.FinalObjective,
		"chi_relative", wr.Metrics.ChiRelative,
		"solution", path)
	return res.Solution, wr, nil
}

// GetMetrics returns the data-fit metrics of the last solved window.
func (r *Reconstructor) GetMetrics() ValidationMetrics {
	return r.metrics
}

// GetSolution returns the last solved cube, or nil before Process succeeds
// on at least one window.
func (r *Reconstructor) GetSolution() *cube.Cube {
	return r.solution
}

// GetReport returns the run report of the last Process call.
func (r *Reconstructor) GetReport() RunReport {
	return r.report
}
