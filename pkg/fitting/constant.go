package fitting

import (
	"gonum.org/v1/gonum/stat"

	"mdreg/internal/models"
)

// Constant is the default whole-image model. Every frame of the fit is the
// temporal mean of the series, so the registration target carries no
// dynamics. It returns no parameters.
func Constant(s *models.Series, opts Options) (*models.Series, Parameters, error) {
	if err := s.Validate(); err != nil {
		return nil, nil, err
	}

	fit := s.NewLike()
	n := s.FrameSize()
	signal := make([]float64, s.Frames)
	for p := 0; p < n; p++ {
		signal = s.PixelSignal(signal, p)
		mean := stat.Mean(signal, nil)
		for t := 0; t < s.Frames; t++ {
			fit.Data[t*n+p] = mean
		}
	}
	return fit, Parameters{}, nil
}
