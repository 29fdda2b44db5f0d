// Package mdreg implements model-driven registration: an iterative loop that
// fits a signal model to a dynamic image series, coregisters the raw series
// to the model fit, and repeats until the deformation field stops changing.
package mdreg

import (
	"errors"
	"fmt"
	"math"
	"time"

	"mdreg/internal/models"
	"mdreg/pkg/fitting"
	"mdreg/pkg/logging"
	"mdreg/pkg/registration"
)

// ErrInvalidConfig is returned when the loop is configured with unusable settings
var ErrInvalidConfig = errors.New("invalid mdreg configuration")

// Verbosity levels
const (
	Silent      = 0
	Text        = 1
	ProgressBar = 2
	Images      = 3
)

// Plotter renders one iteration of the loop. It is only called at verbosity Images.
type Plotter interface {
	PlotSeries(moving, fit, coreg *models.Series, name string) error
}

// FieldPlotter is implemented by plotters that can also render the
// deformation field of an iteration
type FieldPlotter interface {
	PlotField(defo *models.Field, name string) error
}

// Config controls a model-driven registration run
type Config struct {
	// Signal selects the signal model. nil uses the constant model.
	Signal SignalFit

	// Backend names the coregistration backend ("bspline" or "translation").
	// Empty selects the B-spline backend. Ignored when Coregistrator is set.
	Backend string

	// Params configures the backend. Entries override DefaultParams.
	Params registration.Params

	// Coregistrator replaces the named backend with a custom implementation
	Coregistrator registration.Coregistrator

	// Precision is the convergence threshold in pixels on the largest change
	// of the deformation field between two iterations. Zero only accepts a
	// deformation that did not change at all.
	Precision float64

	// MaxIterations caps the number of fit/coregister cycles. Reaching it
	// without converging is not an error.
	MaxIterations int

	// Verbose selects feedback: 0 silent, 1 text, 2 text and progress bars,
	// 3 text, progress bars and per-iteration images.
	Verbose int

	// Plotter renders iterations at Verbose 3
	Plotter Plotter

	// Logger receives progress messages. nil discards them.
	Logger *logging.Logger
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Signal:        DefaultSignal(),
		Params:        registration.DefaultParams(),
		Precision:     1.0,
		MaxIterations: 3,
	}
}

// Result holds the output of a model-driven registration run
type Result struct {
	// Coreg is the moving series after the final coregistration
	Coreg *models.Series

	// Defo is the final deformation field
	Defo *models.Field

	// Fit is the signal model fit of the final iteration
	Fit *models.Series

	// Pars holds the model parameters of the final iteration
	Pars fitting.Parameters

	// Iterations is the number of completed fit/coregister cycles
	Iterations int

	// Converged reports whether the last correction was within Precision
	Converged bool

	// Corrections holds the largest deformation change of every iteration
	Corrections []float64
}

func (c *Config) validate() error {
	if math.IsNaN(c.Precision) || c.Precision < 0 {
		return fmt.Errorf("%w: precision must not be negative, got %g", ErrInvalidConfig, c.Precision)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("%w: max iterations must be at least 1, got %d", ErrInvalidConfig, c.MaxIterations)
	}
	if c.Verbose < Silent || c.Verbose > Images {
		return fmt.Errorf("%w: verbose must be between 0 and 3, got %d", ErrInvalidConfig, c.Verbose)
	}
	return nil
}

// resolveCoregistrator binds the configured backend before any work is done
func (c *Config) resolveCoregistrator() (registration.Coregistrator, error) {
	if c.Coregistrator != nil {
		return c.Coregistrator, nil
	}
	return registration.New(c.Backend, c.Params)
}

// Fit runs model-driven registration on the moving series.
//
// Each iteration fits the signal model to the current coregistered series,
// then coregisters the original moving series to that fit. The loop stops as
// soon as the deformation field changes by at most cfg.Precision pixels, or
// after cfg.MaxIterations cycles; in the latter case the result of the last
// cycle is returned with Converged set to false. A nil cfg uses DefaultConfig.
// moving is never modified.
func Fit(moving *models.Series, cfg *Config) (*Result, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := moving.Validate(); err != nil {
		return nil, fmt.Errorf("%w: moving series: %w", ErrInvalidConfig, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	coregistrator, err := cfg.resolveCoregistrator()
	if err != nil {
		return nil, err
	}
	signal := cfg.Signal
	if signal == nil {
		signal = DefaultSignal()
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	progressBar := cfg.Verbose >= ProgressBar

	coreg := moving.Clone()
	defo := models.NewFieldFor(moving)
	result := &Result{}
	start := time.Now()

	for it := 1; ; it++ {
		startIt := time.Now()

		// Fit signal model
		if cfg.Verbose >= Text {
			log.Info("Fitting signal model", "iteration", it, "model", signal.describe())
		}
		fit, pars, err := signal.fit(coreg, progressBar)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: signal fit: %w", it, err)
		}
		if err := moving.CheckShape(fit, "model fit"); err != nil {
			return nil, fmt.Errorf("iteration %d: %w", it, err)
		}

		// Fit deformation
		if cfg.Verbose >= Text {
			log.Info("Fitting deformation field", "iteration", it)
		}
		newCoreg, newDefo, err := coregistrator.Coregister(moving, fit, registration.Options{ProgressBar: progressBar})
		if err != nil {
			return nil, fmt.Errorf("iteration %d: coregistration: %w", it, err)
		}
		if err := moving.CheckShape(newCoreg, "coregistered series"); err != nil {
			return nil, fmt.Errorf("iteration %d: %w", it, err)
		}
		if err := newDefo.Matches(moving); err != nil {
			return nil, fmt.Errorf("iteration %d: %w", it, err)
		}
		if it == 1 && newDefo.Components != defo.Components {
			defo = models.NewField(moving.Width, moving.Height, moving.Frames, newDefo.Components)
		}

		// Check convergence
		corr, err := defo.MaxChange(newDefo)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", it, err)
		}
		converged := corr <= cfg.Precision
		defo = newDefo
		coreg = newCoreg

		result.Coreg = coreg
		result.Defo = defo
		result.Fit = fit
		result.Pars = pars
		result.Iterations = it
		result.Converged = converged
		result.Corrections = append(result.Corrections, corr)

		if cfg.Verbose >= Text {
			log.Info("Deformation correction",
				"iteration", it,
				"pixels", corr,
				"converged", converged,
				"minutes", time.Since(startIt).Minutes())
		}
		if cfg.Verbose == Images {
			plotIteration(cfg.Plotter, log, moving, fit, coreg, defo, it)
		}

		if converged || it == cfg.MaxIterations {
			break
		}
	}

	if cfg.Verbose >= Text {
		log.Info("Total calculation time",
			"minutes", time.Since(start).Minutes(),
			"iterations", result.Iterations,
			"converged", result.Converged)
	}
	return result, nil
}

// plotIteration exports the images of one iteration. Failures are logged only,
// so plotting never changes the outcome of the loop.
func plotIteration(p Plotter, log *logging.Logger, moving, fit, coreg *models.Series, defo *models.Field, it int) {
	if p == nil {
		log.Warn("Verbose level 3 requested without a plotter", "iteration", it)
		return
	}
	name := fmt.Sprintf("mdreg[%d]", it)
	if err := p.PlotSeries(moving, fit, coreg, name); err != nil {
		log.Warn("Failed to plot iteration", "iteration", it, "error", err)
	}
	if fp, ok := p.(FieldPlotter); ok {
		if err := fp.PlotField(defo, name); err != nil {
			log.Warn("Failed to plot deformation field", "iteration", it, "error", err)
		}
	}
}
