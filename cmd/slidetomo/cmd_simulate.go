package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"slidetomo/internal/logging"
	"slidetomo/pkg/observation"
	"slidetomo/pkg/reconstruction"
)

var simulateFlags struct {
	outDir     string
	instrument string
	start      string
	cadence    time.Duration
	count      int
	pixels     int
	shape      int
	size       float64
	distance   float64
	noise      float64
	seed       int64
	cores      int
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Write a synthetic observation store",
	Long: `Projects a corona-like phantom onto a single observer circling the Sun
and writes one FITS file per image, plus the phantom itself as truth.fits.
The store can be inverted with "slidetomo run --data=<dir>".`,
	RunE: runSimulate,
}

func init() {
	def := reconstruction.DefaultSimulation()
	f := simulateCmd.Flags()
	f.StringVarP(&simulateFlags.outDir, "out", "o", "", "Output directory (required)")
	f.StringVar(&simulateFlags.instrument, "instrument", def.Instrument, "Instrument written to OBSRVTRY")
	f.StringVar(&simulateFlags.start, "start", observation.FormatTime(def.Start), "Time of the first image")
	f.DurationVar(&simulateFlags.cadence, "cadence", def.Cadence, "Time between images")
	f.IntVar(&simulateFlags.count, "count", def.Count, "Number of images")
	f.IntVar(&simulateFlags.pixels, "pixels", def.Pixels, "Detector edge length in pixels")
	f.IntVar(&simulateFlags.shape, "shape", 64, "Phantom voxels per axis")
	f.Float64Var(&simulateFlags.size, "size", 3, "Phantom edge length in solar radii")
	f.Float64Var(&simulateFlags.distance, "distance", def.Distance, "Observer distance in solar radii")
	f.Float64Var(&simulateFlags.noise, "noise", 0, "Gaussian noise relative to the brightest pixel")
	f.Int64Var(&simulateFlags.seed, "seed", 1, "Noise seed")
	f.IntVar(&simulateFlags.cores, "cores", 0, "Number of CPU cores to use")

	_ = simulateCmd.MarkFlagRequired("out")
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	log := logging.New("simulate")

	start, err := observation.ParseTime(simulateFlags.start)
	if err != nil {
		return err
	}
	p := reconstruction.DefaultSimulation()
	p.Instrument = simulateFlags.instrument
	p.Start = start
	p.Cadence = simulateFlags.cadence
	p.Count = simulateFlags.count
	p.Pixels = simulateFlags.pixels
	p.Distance = simulateFlags.distance
	p.Noise = simulateFlags.noise
	p.Seed = simulateFlags.seed
	p.Workers = simulateFlags.cores

	n := simulateFlags.shape
	truth, err := reconstruction.Phantom([3]int{n, n, n}, simulateFlags.size)
	if err != nil {
		return err
	}
	set, err := reconstruction.Simulate(truth, p)
	if err != nil {
		return err
	}

	paths, err := set.WriteDir(simulateFlags.outDir, p.Instrument)
	if err != nil {
		return err
	}
	truthPath := filepath.Join(simulateFlags.outDir, "truth.fits")
	if err := truth.Persist(truthPath); err != nil {
		return err
	}

	log.Info("simulation written", "dir", simulateFlags.outDir, "images", len(paths), "window", set.Window.String())
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d observations and %s\n", len(paths), truthPath)
	fmt.Fprintf(cmd.OutOrStdout(), "Window: %s\n", set.Window.String())
	return nil
}
