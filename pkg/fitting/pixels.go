package fitting

import (
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/optimize"

	"mdreg/internal/models"
	"mdreg/internal/progress"
)

// PixelConfig configures a pixel-wise fit
type PixelConfig struct {
	// Model is the signal model fitted to each pixel
	Model Model

	// XData holds the acquisition variable of each frame (time, TE, TI, ...).
	// Its length must equal the number of frames.
	XData []float64

	// P0 is the starting point of the optimisation. When empty, the model's
	// Initializer is used if it has one, otherwise all ones.
	P0 []float64

	// Lower and Upper optionally bound each parameter
	Lower []float64
	Upper []float64

	// Cores limits the number of rows fitted concurrently (0 = all CPUs)
	Cores int

	// ProgressBar prints fitting progress to stderr
	ProgressBar bool
}

func (c *PixelConfig) validate(frames int) error {
	if c.Model == nil {
		return fmt.Errorf("pixel fit requires a model")
	}
	nPars := len(c.Model.ParamNames())
	if len(c.XData) != frames {
		return fmt.Errorf("%w: xdata has %d values for %d frames", models.ErrShapeMismatch, len(c.XData), frames)
	}
	if len(c.P0) != 0 && len(c.P0) != nPars {
		return fmt.Errorf("p0 has %d values, model %s has %d parameters", len(c.P0), c.Model.Name(), nPars)
	}
	if len(c.Lower) != 0 && len(c.Lower) != nPars {
		return fmt.Errorf("lower bounds have %d values, model %s has %d parameters", len(c.Lower), c.Model.Name(), nPars)
	}
	if len(c.Upper) != 0 && len(c.Upper) != nPars {
		return fmt.Errorf("upper bounds have %d values, model %s has %d parameters", len(c.Upper), c.Model.Name(), nPars)
	}
	return nil
}

// FitPixels fits cfg.Model to the time course of every pixel of s. Rows are
// processed in parallel. It returns the fitted series and one parameter map
// per model parameter.
func FitPixels(s *models.Series, cfg PixelConfig) (*models.Series, Parameters, error) {
	if err := s.Validate(); err != nil {
		return nil, nil, err
	}
	if err := cfg.validate(s.Frames); err != nil {
		return nil, nil, err
	}

	names := cfg.Model.ParamNames()
	pars := make(Parameters, len(names))
	for _, name := range names {
		pars[name] = make([]float64, s.FrameSize())
	}
	fit := s.NewLike()

	cores := cfg.Cores
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	bar := progress.New("Fitting pixels", s.Height, cfg.ProgressBar)

	var g errgroup.Group
	g.SetLimit(cores)
	for y := 0; y < s.Height; y++ {
		y := y
		g.Go(func() error {
			signal := make([]float64, s.Frames)
			model := make([]float64, s.Frames)
			n := s.FrameSize()
			for x := 0; x < s.Width; x++ {
				p := y*s.Width + x
				signal = s.PixelSignal(signal, p)
				best := cfg.fitSignal(signal)
				cfg.Model.Eval(model, cfg.XData, best)
				for t := 0; t < s.Frames; t++ {
					fit.Data[t*n+p] = model[t]
				}
				for i, name := range names {
					pars[name][p] = best[i]
				}
			}
			bar.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	bar.Finish()

	return fit, pars, nil
}

// fitSignal returns the best parameters for a single pixel time course
func (c *PixelConfig) fitSignal(signal []float64) []float64 {
	if solver, ok := c.Model.(LinearSolver); ok && len(c.Lower) == 0 && len(c.Upper) == 0 {
		if p, err := solver.Solve(c.XData, signal); err == nil {
			return p
		}
	}

	p0 := c.startingPoint(signal)
	model := make([]float64, len(signal))
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			c.Model.Eval(model, c.XData, c.clamp(x))
			var sse float64
			for i, v := range model {
				d := v - signal[i]
				sse += d * d
			}
			if math.IsNaN(sse) {
				return math.Inf(1)
			}
			return sse
		},
	}
	result, err := optimize.Minimize(problem, p0, nil, &optimize.NelderMead{})
	if result == nil || (err != nil && result.F > problem.Func(p0)) {
		return c.clamp(p0)
	}
	return c.clamp(result.X)
}

func (c *PixelConfig) startingPoint(signal []float64) []float64 {
	if len(c.P0) != 0 {
		return append([]float64(nil), c.P0...)
	}
	if init, ok := c.Model.(Initializer); ok {
		return c.clamp(init.Init(c.XData, signal))
	}
	p0 := make([]float64, len(c.Model.ParamNames()))
	for i := range p0 {
		p0[i] = 1
	}
	return c.clamp(p0)
}

// clamp returns a copy of p projected onto the configured bounds
func (c *PixelConfig) clamp(p []float64) []float64 {
	out := append([]float64(nil), p...)
	for i := range out {
		if len(c.Lower) != 0 && out[i] < c.Lower[i] {
			out[i] = c.Lower[i]
		}
		if len(c.Upper) != 0 && out[i] > c.Upper[i] {
			out[i] = c.Upper[i]
		}
	}
	return out
}
