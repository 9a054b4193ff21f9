// Package config provides configuration loading and management for slidetomo.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"slidetomo/pkg/algorithms"
	"slidetomo/pkg/observation"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Window is one reconstruction window, given as two timestamps and the
// rebin factor applied to the observations that fall inside it.
type Window struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
	Rebin int    `yaml:"rebin"`
}

// Parse returns the window as an observation.TimeWindow.
func (w Window) Parse() (observation.TimeWindow, error) {
	return observation.ParseWindow(w.Start, w.End)
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Data selects the observations to invert
	Data struct {
		// Path is the root of the observation store
		Path string `yaml:"path"`

		// Instrument keeps only observations from this instrument
		Instrument string `yaml:"instrument"`

		// TimeStep is the minimum spacing between retained observations, e.g. "4h"
		TimeStep string `yaml:"timeStep"`
	} `yaml:"data"`

	// Windows are reconstructed in order, each warm-started from the previous solution
	Windows []Window `yaml:"windows"`

	// Slide, when Count > 1, replaces Windows by Count copies of the first
	// window, each moved by Shift from the one before
	Slide struct {
		Count int    `yaml:"count"`
		Shift string `yaml:"shift"`
	} `yaml:"slide"`

	// Cube describes the reconstruction grid
	Cube struct {
		// Shape is the number of voxels along each axis
		Shape [3]int `yaml:"shape"`

		// Size is the physical edge length of the grid, in cube units
		Size float64 `yaml:"size"`
	} `yaml:"cube"`

	// Solver parameters
	Solver struct {
		// Hyperparameters weight the smoothness penalty along each axis
		Hyperparameters []float64 `yaml:"hyperparameters"`

		// Method is linear-cg, lbfgs or cg
		Method string `yaml:"method"`

		MaxIterations    int     `yaml:"maxIterations"`
		Tolerance        float64 `yaml:"tolerance"`
		CheckpointEvery  int     `yaml:"checkpointEvery"`
		DivergenceFactor float64 `yaml:"divergenceFactor"`

		// SaveFile receives solver checkpoints; empty disables them
		SaveFile string `yaml:"saveFile"`
	} `yaml:"solver"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Dir receives the per-window solutions and the run manifest
		Dir string `yaml:"dir"`

		// SaveSlices writes JPEG slice sequences of every solution
		SaveSlices bool `yaml:"saveSlices"`
	} `yaml:"output"`

	// Logging parameters
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	// Metrics parameters
	Metrics struct {
		// Addr serves Prometheus metrics when non-empty, e.g. ":9090"
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Data.Path = "data"
	cfg.Data.Instrument = "STEREO_A"
	cfg.Data.TimeStep = "4h"

	// Two 14 day windows one day apart, the second at finer resolution
	cfg.Windows = []Window{
		{Start: "2008-12-01T00:00:00.000", End: "2008-12-15T00:00:00.000", Rebin: 8},
		{Start: "2008-12-02T00:00:00.000", End: "2008-12-16T00:00:00.000", Rebin: 4},
	}

	cfg.Cube.Shape = [3]int{128, 128, 128}
	cfg.Cube.Size = 3

	cfg.Solver.Hyperparameters = []float64{1, 1, 1}
	cfg.Solver.Method = string(algorithms.LinearCG)
	cfg.Solver.MaxIterations = 100
	cfg.Solver.Tolerance = 1e-6
	cfg.Solver.CheckpointEvery = 10
	cfg.Solver.DivergenceFactor = 1e6
	cfg.Solver.SaveFile = "/tmp/slide_ls.fits"

	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default

	cfg.Output.Dir = "output"
	cfg.Output.SaveSlices = false

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	return cfg
}

// TimeStep returns the parsed observation spacing. An empty value keeps
// every observation.
func (c *Config) TimeStep() (time.Duration, error) {
	if c.Data.TimeStep == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Data.TimeStep)
	if err != nil {
		return 0, fmt.Errorf("%w: timeStep %q: %v", ErrInvalidConfig, c.Data.TimeStep, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: negative timeStep %s", ErrInvalidConfig, d)
	}
	return d, nil
}

// ExpandWindows returns the windows to reconstruct, applying Slide.
func (c *Config) ExpandWindows() ([]Window, error) {
	if c.Slide.Count <= 1 || len(c.Windows) == 0 {
		return append([]Window(nil), c.Windows...), nil
	}
	shift, err := time.ParseDuration(c.Slide.Shift)
	if err != nil || shift <= 0 {
		return nil, fmt.Errorf("%w: slide shift %q must be a positive duration", ErrInvalidConfig, c.Slide.Shift)
	}
	base, err := c.Windows[0].Parse()
	if err != nil {
		return nil, fmt.Errorf("%w: window 0: %w", ErrInvalidConfig, err)
	}
	out := make([]Window, c.Slide.Count)
	for i := range out {
		w := base.Shift(time.Duration(i) * shift)
		out[i] = Window{
			Start: observation.FormatTime(w.Start),
			End:   observation.FormatTime(w.End),
			Rebin: c.Windows[0].Rebin,
		}
	}
	return out, nil
}

// Validate reports the first inconsistency in the configuration.
func (c *Config) Validate() error {
	if c.Data.Path == "" {
		return fmt.Errorf("%w: data path is required", ErrInvalidConfig)
	}
	if _, err := c.TimeStep(); err != nil {
		return err
	}
	if len(c.Windows) == 0 {
		return fmt.Errorf("%w: at least one window is required", ErrInvalidConfig)
	}
	for i, w := range c.Windows {
		if _, err := w.Parse(); err != nil {
			return fmt.Errorf("%w: window %d: %w", ErrInvalidConfig, i, err)
		}
		if w.Rebin < 1 {
			return fmt.Errorf("%w: window %d: rebin factor %d", ErrInvalidConfig, i, w.Rebin)
		}
	}
	if c.Slide.Count < 0 {
		return fmt.Errorf("%w: slide count %d", ErrInvalidConfig, c.Slide.Count)
	}
	if c.Slide.Count > 1 {
		if d, err := time.ParseDuration(c.Slide.Shift); err != nil || d <= 0 {
			return fmt.Errorf("%w: slide shift %q must be a positive duration", ErrInvalidConfig, c.Slide.Shift)
		}
	}
	for axis, n := range c.Cube.Shape {
		if n <= 0 {
			return fmt.Errorf("%w: cube shape %v has non-positive axis %d", ErrInvalidConfig, c.Cube.Shape, axis)
		}
	}
	if !(c.Cube.Size > 0) {
		return fmt.Errorf("%w: cube size %g", ErrInvalidConfig, c.Cube.Size)
	}
	if len(c.Solver.Hyperparameters) != 3 {
		return fmt.Errorf("%w: need 3 hyperparameters, got %d", ErrInvalidConfig, len(c.Solver.Hyperparameters))
	}
	for i, h := range c.Solver.Hyperparameters {
		if h < 0 {
			return fmt.Errorf("%w: hyperparameter %d is negative", ErrInvalidConfig, i)
		}
	}
	if _, err := algorithms.ParseMethod(c.Solver.Method); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Solver.MaxIterations < 0 || c.Solver.CheckpointEvery < 0 || c.Solver.Tolerance < 0 {
		return fmt.Errorf("%w: solver settings must not be negative", ErrInvalidConfig)
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("%w: output dir is required", ErrInvalidConfig)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: log format %q", ErrInvalidConfig, c.Logging.Format)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
