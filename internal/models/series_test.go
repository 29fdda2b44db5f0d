package models

import (
	"errors"
	"math"
	"testing"
)

func TestSeriesIndexing(t *testing.T) {
	s := NewSeries(4, 3, 2)
	s.Set(1, 2, 1, 7.5)

	if got := s.At(1, 2, 1); got != 7.5 {
		t.Errorf("Expected 7.5, got %f", got)
	}
	if got := s.Data[1*12+2*4+1]; got != 7.5 {
		t.Errorf("Expected value at flat index to be 7.5, got %f", got)
	}

	frame := s.Frame(1)
	if len(frame) != 12 {
		t.Fatalf("Expected frame of 12 pixels, got %d", len(frame))
	}
	frame[0] = 3
	if s.At(0, 0, 1) != 3 {
		t.Errorf("Expected Frame to return a view into the series")
	}

	signal := s.PixelSignal(nil, 2*4+1)
	if len(signal) != 2 || signal[0] != 0 || signal[1] != 7.5 {
		t.Errorf("Expected pixel signal [0 7.5], got %v", signal)
	}
}

func TestSeriesCloneIsIndependent(t *testing.T) {
	s := NewSeries(2, 2, 2)
	s.Spacing = Spacing{X: 1.5, Y: 2}
	c := s.Clone()
	c.Data[0] = 42

	if s.Data[0] != 0 {
		t.Errorf("Expected original to be untouched, got %f", s.Data[0])
	}
	if c.Spacing != s.Spacing {
		t.Errorf("Expected spacing %v, got %v", s.Spacing, c.Spacing)
	}
}

func TestSeriesValidate(t *testing.T) {
	if err := NewSeries(0, 4, 4).Validate(); err == nil {
		t.Error("Expected error for empty series")
	}

	s := NewSeries(2, 2, 2)
	s.Data = s.Data[:5]
	if err := s.Validate(); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch, got %v", err)
	}

	if err := NewSeries(2, 2, 2).Validate(); err != nil {
		t.Errorf("Expected valid series, got %v", err)
	}
}

func TestCheckShape(t *testing.T) {
	a := NewSeries(4, 4, 3)
	if err := a.CheckShape(NewSeries(4, 4, 3), "fit"); err != nil {
		t.Errorf("Expected matching shapes, got %v", err)
	}
	if err := a.CheckShape(NewSeries(4, 4, 2), "fit"); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch, got %v", err)
	}
	if err := a.CheckShape(nil, "fit"); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch for nil, got %v", err)
	}
}

func TestPixelSpacingDefaults(t *testing.T) {
	s := NewSeries(1, 1, 1)
	if sp := s.PixelSpacing(); sp.X != 1 || sp.Y != 1 {
		t.Errorf("Expected 1mm default spacing, got %v", sp)
	}
	s.Spacing = Spacing{X: 0.5}
	if sp := s.PixelSpacing(); sp.X != 0.5 || sp.Y != 1 {
		t.Errorf("Expected {0.5 1}, got %v", sp)
	}
}

func TestFieldMaxChange(t *testing.T) {
	a := NewField(3, 3, 2, 2)
	b := a.Clone()

	change, err := a.MaxChange(b)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if change != 0 {
		t.Errorf("Expected zero change for identical fields, got %f", change)
	}

	// A 3-4-5 triangle at one pixel, a smaller change elsewhere
	b.Set(1, 1, 1, 0, 3)
	b.Set(1, 1, 1, 1, 4)
	b.Set(0, 0, 0, 0, 1)

	change, err = a.MaxChange(b)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if math.Abs(change-5) > 1e-12 {
		t.Errorf("Expected max change 5, got %f", change)
	}

	if _, err := a.MaxChange(NewField(3, 3, 1, 2)); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch, got %v", err)
	}
}

func TestFieldMaxChangePropagatesNaN(t *testing.T) {
	a := NewField(2, 2, 1, 2)
	b := a.Clone()
	b.Data[3] = math.NaN()

	change, err := a.MaxChange(b)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !math.IsNaN(change) {
		t.Errorf("Expected NaN change, got %f", change)
	}
}

func TestFieldComponentsAndMagnitude(t *testing.T) {
	f := NewField(2, 1, 1, 2)
	f.Set(1, 0, 0, 0, 6)
	f.Set(1, 0, 0, 1, 8)

	x := f.Component(0)
	y := f.Component(1)
	if x.At(1, 0, 0) != 6 || y.At(1, 0, 0) != 8 {
		t.Errorf("Expected components (6, 8), got (%f, %f)", x.At(1, 0, 0), y.At(1, 0, 0))
	}
	if m := f.Magnitude().At(1, 0, 0); m != 10 {
		t.Errorf("Expected magnitude 10, got %f", m)
	}

	if err := f.Matches(NewSeries(2, 1, 1)); err != nil {
		t.Errorf("Expected field to match series, got %v", err)
	}
	if err := NewField(2, 1, 1, 1).Matches(NewSeries(2, 1, 1)); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch for single component field, got %v", err)
	}
}
