// Package pipeline runs model-driven registration on a series stored on disk
// and exports the results.
package pipeline

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pbnjay/memory"

	"mdreg/internal/models"
	"mdreg/pkg/config"
	"mdreg/pkg/fitting"
	"mdreg/pkg/logging"
	"mdreg/pkg/mdreg"
	"mdreg/pkg/plot"
	"mdreg/pkg/registration"
	"mdreg/pkg/seriesio"
)

// Output layout below the output directory
const (
	CoregisteredDir      = "coregistered"
	FitDir               = "fit"
	DeformationDir       = "deformation_field"
	ParametersDir        = "fitted_parameters"
	CorrectionsFile      = "largest_deformations.csv"
	FrameDisplacementCSV = "frame_displacements.csv"
)

// Runner loads a series, registers it and writes the results.
//
// The processing consists of the following steps:
// 1. Loading the frames of the input directory in acquisition order
// 2. Running the fit/coregister loop until the deformation converges
// 3. Exporting the coregistered series, model fit, deformation field,
// parameter maps and the per-iteration corrections
type Runner struct {
	cfg *config.Config
	mdr *mdreg.Config
	log *logging.Logger
}

// NewRunner validates cfg and binds the signal model and backend. Unknown
// models and backends are reported here, before any data is read.
func NewRunner(cfg *config.Config, log *logging.Logger) (*Runner, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if log == nil {
		log = logging.Nop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	signal, err := BuildSignal(cfg.Signal, cfg.Processing.NumCores)
	if err != nil {
		return nil, err
	}

	params := cfg.RegistrationParams()
	if _, ok := cfg.Coreg.Parameters["NumberOfThreads"]; !ok && cfg.Processing.NumCores > 0 {
		params = params.Set("NumberOfThreads", strconv.Itoa(cfg.Processing.NumCores))
	}
	backend, err := registration.ParseBackend(cfg.Coreg.Backend)
	if err != nil {
		return nil, err
	}
	coregistrator, err := registration.NewBackend(backend, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s backend: %w", backend, err)
	}

	mdr := &mdreg.Config{
		Signal:        signal,
		Backend:       backend.String(),
		Params:        params,
		Coregistrator: coregistrator,
		Precision:     cfg.Processing.Precision,
		MaxIterations: cfg.Processing.MaxIterations,
		Verbose:       cfg.Processing.Verbose,
		Logger:        log,
	}
	if cfg.Processing.Verbose == mdreg.Images {
		mdr.Plotter = &plot.Exporter{
			Dir:      resolveDir(cfg.Output.Dir, cfg.Plot.Dir),
			Format:   cfg.Plot.Format,
			Quality:  cfg.Plot.Quality,
			CellSize: cfg.Plot.CellSize,
		}
	}

	return &Runner{cfg: cfg, mdr: mdr, log: log}, nil
}

// BuildSignal turns the signal section of a configuration into a signal model
func BuildSignal(sig config.Signal, cores int) (mdreg.SignalFit, error) {
	if err := sig.Validate(); err != nil {
		return nil, err
	}
	switch {
	case sig.Pixel != nil:
		model, err := fitting.LookupModel(sig.Pixel.Model)
		if err != nil {
			return nil, err
		}
		return mdreg.PixelFit{
			Model: model,
			XData: sig.Pixel.XData,
			P0:    sig.Pixel.P0,
			Lower: sig.Pixel.Lower,
			Upper: sig.Pixel.Upper,
			Cores: cores,
		}, nil
	case sig.Image != nil:
		fn, err := fitting.LookupImageFunc(sig.Image.Func)
		if err != nil {
			return nil, err
		}
		return mdreg.ImageFit{Func: fn, Options: fitting.Options(sig.Image.Options)}, nil
	default:
		return mdreg.DefaultSignal(), nil
	}
}

// MDRConfig returns the loop configuration bound by NewRunner
func (r *Runner) MDRConfig() *mdreg.Config {
	return r.mdr
}

// Process registers the series stored in inputDir and exports the results
func (r *Runner) Process(inputDir string) (*mdreg.Result, error) {
	start := time.Now()
	log := r.log.With("run", uuid.NewString())

	// Step 1: Load input frames
	log.Info("Step 1: Loading input frames", "dir", inputDir)
	spacing := models.Spacing{X: r.cfg.Input.PixelSpacing, Y: r.cfg.Input.PixelSpacing}
	moving, err := seriesio.LoadDir(inputDir, spacing)
	if err != nil {
		return nil, fmt.Errorf("failed to load series: %w", err)
	}
	log.Info("Loaded series",
		"frames", moving.Frames,
		"width", moving.Width,
		"height", moving.Height,
		"pixelSpacing", r.cfg.Input.PixelSpacing)
	checkMemory(log, moving)

	// Step 2: Model-driven registration
	log.Info("Step 2: Running model-driven registration",
		"backend", r.mdr.Backend,
		"precision", r.mdr.Precision,
		"maxIterations", r.mdr.MaxIterations)
	mdr := *r.mdr
	mdr.Logger = log
	result, err := mdreg.Fit(moving, &mdr)
	if err != nil {
		return nil, fmt.Errorf("model-driven registration failed: %w", err)
	}
	if !result.Converged {
		log.Warn("Deformation did not converge",
			"iterations", result.Iterations,
			"lastCorrection", result.Corrections[len(result.Corrections)-1])
	}

	// Step 3: Export results
	log.Info("Step 3: Exporting results", "dir", r.cfg.Output.Dir)
	if err := r.Export(result); err != nil {
		return nil, err
	}

	log.Info("Completed model-driven registration", "minutes", time.Since(start).Minutes())
	return result, nil
}

// Export writes a registration result to the configured output directory
func (r *Runner) Export(result *mdreg.Result) error {
	out := r.cfg.Output.Dir

	if err := seriesio.WriteCorrections(filepath.Join(out, CorrectionsFile), result.Corrections); err != nil {
		return fmt.Errorf("failed to write corrections: %w", err)
	}
	if err := seriesio.WriteFrameDisplacements(filepath.Join(out, FrameDisplacementCSV), result.Defo); err != nil {
		return fmt.Errorf("failed to write frame displacements: %w", err)
	}
	if !r.cfg.Output.SaveTIFF {
		return nil
	}

	exports := []struct {
		dir     string
		prefix  string
		series  *models.Series
		scaling seriesio.Scaling
	}{
		{filepath.Join(out, CoregisteredDir), "coregistered_", result.Coreg, seriesio.Raw},
		{filepath.Join(out, FitDir), "fit_", result.Fit, seriesio.Raw},
		{filepath.Join(out, DeformationDir, "x"), "deformation_x_", result.Defo.Component(0), seriesio.Normalized},
		{filepath.Join(out, DeformationDir, "y"), "deformation_y_", result.Defo.Component(1), seriesio.Normalized},
	}
	for _, e := range exports {
		if err := seriesio.WriteSeries(e.dir, e.prefix, e.series, e.scaling); err != nil {
			return fmt.Errorf("failed to export %s: %w", e.dir, err)
		}
	}

	for _, name := range result.Pars.Names() {
		path := filepath.Join(out, ParametersDir, name+".tif")
		if err := seriesio.WriteMap(path, result.Pars[name], result.Coreg.Width, result.Coreg.Height); err != nil {
			return fmt.Errorf("failed to export parameter %s: %w", name, err)
		}
	}
	return nil
}

// workingSets is the number of series-sized buffers alive during a run:
// moving, two coregistered series, the fit and two 2-component fields
const workingSets = 8

// checkMemory warns when a run is likely to exceed half the physical memory
func checkMemory(log *logging.Logger, s *models.Series) {
	totalMiB := memory.TotalMemory() / 1024 / 1024
	needMiB := uint64(len(s.Data)) * 8 * workingSets / 1024 / 1024
	if totalMiB == 0 {
		return
	}
	log.Debug("Memory estimate", "requiredMiB", needMiB, "physicalMiB", totalMiB)
	if needMiB > totalMiB/2 {
		log.Warn("Series may not fit in memory", "requiredMiB", needMiB, "physicalMiB", totalMiB)
	}
}

func resolveDir(base, dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(base, dir)
}
