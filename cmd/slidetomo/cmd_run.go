package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"slidetomo/internal/logging"
	"slidetomo/pkg/config"
	"slidetomo/pkg/metrics"
	"slidetomo/pkg/reconstruction"
)

var runFlags struct {
	configPath  string
	dataPath    string
	instrument  string
	outputDir   string
	saveFile    string
	method      string
	maxIter     int
	cores       int
	metricsAddr string
	slices      bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Reconstruct every configured window",
	Long: `Loads the observations of every window, backprojects the first one and
inverts the windows in order, each warm-started from the previous solution.
Flags override the matching configuration values.`,
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runFlags.configPath, "config", "c", "slidetomo.yaml", "Configuration file")
	f.StringVar(&runFlags.dataPath, "data", "", "Observation store root")
	f.StringVar(&runFlags.instrument, "instrument", "", "Instrument to invert")
	f.StringVarP(&runFlags.outputDir, "output", "o", "", "Output directory")
	f.StringVar(&runFlags.saveFile, "save-file", "", "Solver checkpoint file")
	f.StringVar(&runFlags.method, "method", "", "Solver method: linear-cg, lbfgs or cg")
	f.IntVar(&runFlags.maxIter, "max-iter", 0, "Maximum solver iterations per window")
	f.IntVar(&runFlags.cores, "cores", 0, "Number of CPU cores to use")
	f.StringVar(&runFlags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	f.BoolVar(&runFlags.slices, "extract-slices", false, "Save JPEG slices of every solution")
}

// applyRunFlags copies explicitly set flags over cfg.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("data") {
		cfg.Data.Path = runFlags.dataPath
	}
	if f.Changed("instrument") {
		cfg.Data.Instrument = runFlags.instrument
	}
	if f.Changed("output") {
		cfg.Output.Dir = runFlags.outputDir
	}
	if f.Changed("save-file") {
		cfg.Solver.SaveFile = runFlags.saveFile
	}
	if f.Changed("method") {
		cfg.Solver.Method = runFlags.method
	}
	if f.Changed("max-iter") {
		cfg.Solver.MaxIterations = runFlags.maxIter
	}
	if f.Changed("cores") {
		cfg.Processing.NumCores = runFlags.cores
	}
	if f.Changed("metrics-addr") {
		cfg.Metrics.Addr = runFlags.metricsAddr
	}
	if f.Changed("extract-slices") {
		cfg.Output.SaveSlices = runFlags.slices
	}
	if cmd.Flag("log-level").Changed {
		cfg.Logging.Level = rootFlags.logLevel
	}
	if cmd.Flag("log-format").Changed {
		cfg.Logging.Format = rootFlags.logFormat
	}
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(runFlags.configPath)
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg)
	logging.Init(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format, cmd.ErrOrStderr())
	log := logging.New("run")

	params, err := reconstruction.ParamsFromConfig(cfg)
	if err != nil {
		return err
	}
	params.Metrics = metrics.New()
	params.Logger = logging.New("reconstruction")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Addr != "" {
		shutdown, err := serveMetrics(cfg.Metrics.Addr, params.Metrics)
		if err != nil {
			return err
		}
		defer shutdown()
		log.Info("serving metrics", "addr", cfg.Metrics.Addr)
	}

	r := reconstruction.NewReconstructor(params)
	started := time.Now()
	err = r.Process(ctx)
	report := r.GetReport()
	printReport(cmd, report, time.Since(started))
	if err != nil {
		return fmt.Errorf("reconstruction failed: %w", err)
	}
	return nil
}

// serveMetrics exposes the collector on addr until the returned function is called.
func serveMetrics(addr string, c *metrics.Collector) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.New("metrics").Error("metrics server stopped", "err", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func printReport(cmd *cobra.Command, report reconstruction.RunReport, elapsed time.Duration) {
	out := cmd.OutOrStdout()
	if report.ID == "" {
		return
	}
	fmt.Fprintf(out, "Run:     %s\n", report.ID)
	fmt.Fprintf(out, "Elapsed: %.2fs\n", elapsed.Seconds())
	for _, w := range report.Windows {
		fmt.Fprintf(out, "  window %d  %s/%s  obs=%d  %s after %d iterations  chi=%.4f  corr=%.4f\n",
			w.Index, w.Start, w.End, w.Observations, w.Status, w.Iterations,
			w.Metrics.ChiRelative, w.Metrics.Correlation)
		if w.Solution != "" {
			fmt.Fprintf(out, "    solution: %s\n", w.Solution)
		}
		if w.Error != "" {
			fmt.Fprintf(out, "    error: %s\n", w.Error)
		}
	}
}
