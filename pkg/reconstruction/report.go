package reconstruction

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ManifestName is the run manifest written to the output directory.
const ManifestName = "manifest.yaml"

// WindowReport describes the inversion of one window.
type WindowReport struct {
	Index        int    `yaml:"index"`
	Start        string `yaml:"start"`
	End          string `yaml:"end"`
	Rebin        int    `yaml:"rebin"`
	Observations int    `yaml:"observations"`
	Pixels       int    `yaml:"pixels"`

	// Status is the solver terminal state, "interrupted" or "failed".
	Status     string `yaml:"status"`
	Iterations int    `yaml:"iterations"`

	InitialObjective float64           `yaml:"initialObjective"`
	FinalObjective   float64           `yaml:"finalObjective"`
	Metrics          ValidationMetrics `yaml:"metrics"`

	Solution   string `yaml:"solution,omitempty"`
	Checkpoint string `yaml:"checkpoint,omitempty"`
	Slices     string `yaml:"slices,omitempty"`
	Elapsed    string `yaml:"elapsed,omitempty"`
	Error      string `yaml:"error,omitempty"`
}

// RunReport describes one Process call.
type RunReport struct {
	ID              string         `yaml:"id"`
	Started         time.Time      `yaml:"started"`
	Finished        time.Time      `yaml:"finished,omitempty"`
	Instrument      string         `yaml:"instrument"`
	Shape           [3]int         `yaml:"shape,flow"`
	Size            float64        `yaml:"size"`
	Hyperparameters []float64      `yaml:"hyperparameters,flow"`
	Windows         []WindowReport `yaml:"windows"`
}

func (r *Reconstructor) writeManifest() error {
	data, err := yaml.Marshal(&r.report)
	if err != nil {
		return fmt.Errorf("error marshaling manifest: %w", err)
	}
	path := filepath.Join(r.params.OutputDir, ManifestName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing manifest: %w", err)
	}
	return nil
}

// ReadManifest loads a run manifest written by Process.
func ReadManifest(path string) (*RunReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading manifest: %w", err)
	}
	var report RunReport
	if err := yaml.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("error parsing manifest: %w", err)
	}
	return &report, nil
}
