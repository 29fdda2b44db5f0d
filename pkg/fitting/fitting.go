// Package fitting provides the signal models that mdreg fits to a dynamic series.
//
// Two kinds of model are supported. An ImageFunc operates on the whole stack
// at once and is free to share information between pixels. A Model describes
// the signal of a single pixel as a function of the acquisition variable
// (time, TE, TI, ...) and is fitted independently to every pixel by FitPixels.
package fitting

import (
	"fmt"
	"sort"

	"mdreg/internal/models"
)

// Parameters maps a parameter name to its per-pixel map (length Width*Height).
// Placeholder models return an empty map.
type Parameters map[string][]float64

// Names returns the parameter names in sorted order
func (p Parameters) Names() []string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Options is a free-form configuration bag handed to an ImageFunc.
// Keys are model specific and are not validated by the caller.
type Options map[string]any

// ProgressBar reports whether the "progress_bar" option is set
func (o Options) ProgressBar() bool {
	v, ok := o["progress_bar"].(bool)
	return ok && v
}

// With returns a copy of the options with key set to value
func (o Options) With(key string, value any) Options {
	c := make(Options, len(o)+1)
	for k, v := range o {
		c[k] = v
	}
	c[key] = value
	return c
}

// ImageFunc fits a signal model to a whole series. The returned fit must have
// the same shape as the input series.
type ImageFunc func(s *models.Series, opts Options) (*models.Series, Parameters, error)

// Model is a pixel-wise signal model
type Model interface {
	// Name identifies the model in configuration files
	Name() string

	// ParamNames lists the model parameters in the order Eval expects them
	ParamNames() []string

	// Eval writes the model signal for parameters p at every xdata point into dst
	Eval(dst, xdata, p []float64)
}

// Initializer is implemented by models that can derive a starting point from the data
type Initializer interface {
	Init(xdata, ydata []float64) []float64
}

// LinearSolver is implemented by models with a closed-form least squares solution
type LinearSolver interface {
	Solve(xdata, ydata []float64) ([]float64, error)
}

var imageFuncs = map[string]ImageFunc{
	"constant": Constant,
}

var pixelModels = map[string]Model{
	"exp_decay": ExpDecay{},
	"linear":    Linear{},
}

// LookupImageFunc returns the whole-image model registered under name
func LookupImageFunc(name string) (ImageFunc, error) {
	fn, ok := imageFuncs[name]
	if !ok {
		return nil, fmt.Errorf("unknown image model %q", name)
	}
	return fn, nil
}

// LookupModel returns the pixel-wise model registered under name
func LookupModel(name string) (Model, error) {
	m, ok := pixelModels[name]
	if !ok {
		return nil, fmt.Errorf("unknown pixel model %q", name)
	}
	return m, nil
}
