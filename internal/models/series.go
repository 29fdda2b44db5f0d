package models

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch is returned when two stacks that must share a pixel grid do not
var ErrShapeMismatch = errors.New("shape mismatch")

// Spacing is the physical size of a pixel in mm
type Spacing struct {
	X, Y float64
}

// Series represents a dynamic series of 2D images acquired over time
type Series struct {
	// Data holds all frames as a 1D array, frame-major then row-major:
	// index = t*Width*Height + y*Width + x
	Data []float64

	// Width and Height are the dimensions of a single frame in pixels
	Width  int
	Height int

	// Frames is the number of acquisitions in the series
	Frames int

	// Spacing is the pixel size in mm. A zero value means 1mm.
	Spacing Spacing
}

// NewSeries allocates a zero-valued series
func NewSeries(width, height, frames int) *Series {
	return &Series{
		Data:   make([]float64, width*height*frames),
		Width:  width,
		Height: height,
		Frames: frames,
	}
}

// FrameSize returns the number of pixels in a single frame
func (s *Series) FrameSize() int {
	return s.Width * s.Height
}

// Frame returns a view of frame t. Writes go through to the series.
func (s *Series) Frame(t int) []float64 {
	n := s.FrameSize()
	return s.Data[t*n : (t+1)*n]
}

// At returns the value of pixel (x, y) in frame t
func (s *Series) At(x, y, t int) float64 {
	return s.Data[t*s.FrameSize()+y*s.Width+x]
}

// Set writes the value of pixel (x, y) in frame t
func (s *Series) Set(x, y, t int, v float64) {
	s.Data[t*s.FrameSize()+y*s.Width+x] = v
}

// PixelSignal copies the time course of pixel index p (y*Width+x) into dst
func (s *Series) PixelSignal(dst []float64, p int) []float64 {
	if cap(dst) < s.Frames {
		dst = make([]float64, s.Frames)
	}
	dst = dst[:s.Frames]
	n := s.FrameSize()
	for t := 0; t < s.Frames; t++ {
		dst[t] = s.Data[t*n+p]
	}
	return dst
}

// Clone returns a deep copy of the series
func (s *Series) Clone() *Series {
	c := *s
	c.Data = make([]float64, len(s.Data))
	copy(c.Data, s.Data)
	return &c
}

// NewLike allocates a zero-valued series with the grid and spacing of s
func (s *Series) NewLike() *Series {
	c := NewSeries(s.Width, s.Height, s.Frames)
	c.Spacing = s.Spacing
	return c
}

// Validate checks that the series is non-empty and its buffer matches its dimensions
func (s *Series) Validate() error {
	if s == nil {
		return fmt.Errorf("series is nil")
	}
	if s.Width <= 0 || s.Height <= 0 || s.Frames <= 0 {
		return fmt.Errorf("series must be non-empty, got %dx%dx%d", s.Width, s.Height, s.Frames)
	}
	if len(s.Data) != s.Width*s.Height*s.Frames {
		return fmt.Errorf("%w: series buffer has %d values, expected %d",
			ErrShapeMismatch, len(s.Data), s.Width*s.Height*s.Frames)
	}
	return nil
}

// SameShape reports whether both series share the same width, height and frame count
func (s *Series) SameShape(o *Series) bool {
	return o != nil && s.Width == o.Width && s.Height == o.Height && s.Frames == o.Frames
}

// CheckShape returns ErrShapeMismatch if o does not share the grid of s
func (s *Series) CheckShape(o *Series, what string) error {
	if o == nil {
		return fmt.Errorf("%w: %s is nil", ErrShapeMismatch, what)
	}
	if !s.SameShape(o) || len(o.Data) != len(s.Data) {
		return fmt.Errorf("%w: %s is %dx%dx%d, expected %dx%dx%d", ErrShapeMismatch, what,
			o.Width, o.Height, o.Frames, s.Width, s.Height, s.Frames)
	}
	return nil
}

// PixelSpacing returns the spacing with zero components replaced by 1mm
func (s *Series) PixelSpacing() Spacing {
	sp := s.Spacing
	if sp.X <= 0 {
		sp.X = 1
	}
	if sp.Y <= 0 {
		sp.Y = 1
	}
	return sp
}
