package mdreg

import (
	"fmt"

	"mdreg/internal/models"
	"mdreg/pkg/fitting"
)

// SignalFit selects how the signal model is fitted in each iteration.
// It is either a PixelFit or an ImageFit.
type SignalFit interface {
	fit(s *models.Series, progressBar bool) (*models.Series, fitting.Parameters, error)
	describe() string
}

// PixelFit fits a pixel-wise model independently to the time course of every pixel
type PixelFit struct {
	Model fitting.Model
	XData []float64
	P0    []float64
	Lower []float64
	Upper []float64
	Cores int
}

func (p PixelFit) fit(s *models.Series, progressBar bool) (*models.Series, fitting.Parameters, error) {
	return fitting.FitPixels(s, fitting.PixelConfig{
		Model:       p.Model,
		XData:       p.XData,
		P0:          p.P0,
		Lower:       p.Lower,
		Upper:       p.Upper,
		Cores:       p.Cores,
		ProgressBar: progressBar,
	})
}

func (p PixelFit) describe() string {
	if p.Model == nil {
		return "pixel fit"
	}
	return "pixel fit (" + p.Model.Name() + ")"
}

// ImageFit applies a whole-image model function to the full series at once
type ImageFit struct {
	Func    fitting.ImageFunc
	Options fitting.Options
}

func (i ImageFit) fit(s *models.Series, progressBar bool) (*models.Series, fitting.Parameters, error) {
	if i.Func == nil {
		return nil, nil, fmt.Errorf("%w: image fit has no model function", ErrInvalidConfig)
	}
	return i.Func(s, i.Options.With("progress_bar", progressBar))
}

func (i ImageFit) describe() string {
	return "image fit"
}

// DefaultSignal is used when no signal model is configured
func DefaultSignal() SignalFit {
	return ImageFit{Func: fitting.Constant}
}
