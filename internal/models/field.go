package models

import (
	"fmt"
	"math"
)

// Field represents a deformation field: one displacement vector per pixel and frame
type Field struct {
	// Data is laid out as ((t*Height+y)*Width+x)*Components + c.
	// Component 0 is the displacement along x, component 1 along y.
	Data []float64

	Width      int
	Height     int
	Frames     int
	Components int
}

// NewField allocates an all-zero deformation field
func NewField(width, height, frames, components int) *Field {
	return &Field{
		Data:       make([]float64, width*height*frames*components),
		Width:      width,
		Height:     height,
		Frames:     frames,
		Components: components,
	}
}

// NewFieldFor allocates an all-zero 2D displacement field matching the grid of s
func NewFieldFor(s *Series) *Field {
	return NewField(s.Width, s.Height, s.Frames, 2)
}

func (f *Field) index(x, y, t, c int) int {
	return ((t*f.Height+y)*f.Width+x)*f.Components + c
}

// At returns component c of the displacement at pixel (x, y) in frame t
func (f *Field) At(x, y, t, c int) float64 {
	return f.Data[f.index(x, y, t, c)]
}

// Set writes component c of the displacement at pixel (x, y) in frame t
func (f *Field) Set(x, y, t, c int, v float64) {
	f.Data[f.index(x, y, t, c)] = v
}

// Clone returns a deep copy of the field
func (f *Field) Clone() *Field {
	c := *f
	c.Data = make([]float64, len(f.Data))
	copy(c.Data, f.Data)
	return &c
}

// Component extracts one displacement component as a series, e.g. for export
func (f *Field) Component(c int) *Series {
	s := NewSeries(f.Width, f.Height, f.Frames)
	n := f.Width * f.Height * f.Frames
	for i := 0; i < n; i++ {
		s.Data[i] = f.Data[i*f.Components+c]
	}
	return s
}

// Magnitude returns the per-pixel Euclidean norm of the displacement vectors
func (f *Field) Magnitude() *Series {
	s := NewSeries(f.Width, f.Height, f.Frames)
	for i := range s.Data {
		var sum float64
		for c := 0; c < f.Components; c++ {
			v := f.Data[i*f.Components+c]
			sum += v * v
		}
		s.Data[i] = math.Sqrt(sum)
	}
	return s
}

// Matches reports whether the field is a valid deformation of series s
func (f *Field) Matches(s *Series) error {
	if f == nil {
		return fmt.Errorf("%w: deformation field is nil", ErrShapeMismatch)
	}
	if f.Width != s.Width || f.Height != s.Height || f.Frames != s.Frames || f.Components < 2 {
		return fmt.Errorf("%w: deformation field is %dx%dx%dx%d, expected %dx%dx%dx(>=2)",
			ErrShapeMismatch, f.Width, f.Height, f.Frames, f.Components, s.Width, s.Height, s.Frames)
	}
	if len(f.Data) != f.Width*f.Height*f.Frames*f.Components {
		return fmt.Errorf("%w: deformation field buffer has %d values", ErrShapeMismatch, len(f.Data))
	}
	return nil
}

// MaxChange returns the largest Euclidean norm, over all pixels and frames,
// of the difference between the displacement vectors of f and o
func (f *Field) MaxChange(o *Field) (float64, error) {
	if f.Width != o.Width || f.Height != o.Height || f.Frames != o.Frames ||
		f.Components != o.Components || len(f.Data) != len(o.Data) {
		return 0, fmt.Errorf("%w: cannot compare %dx%dx%dx%d and %dx%dx%dx%d fields", ErrShapeMismatch,
			f.Width, f.Height, f.Frames, f.Components, o.Width, o.Height, o.Frames, o.Components)
	}
	maxNorm := 0.0
	for i := 0; i < len(f.Data); i += f.Components {
		var sum float64
		for c := 0; c < f.Components; c++ {
			d := f.Data[i+c] - o.Data[i+c]
			sum += d * d
		}
		if math.IsNaN(sum) {
			return math.NaN(), nil
		}
		if sum > maxNorm {
			maxNorm = sum
		}
	}
	return math.Sqrt(maxNorm), nil
}
