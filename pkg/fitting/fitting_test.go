package fitting

import (
	"errors"
	"math"
	"testing"

	"mdreg/internal/models"
)

// makeSeries builds a series whose pixel (x, y) follows signal(x, y, t)
func makeSeries(width, height, frames int, signal func(x, y, t int) float64) *models.Series {
	s := models.NewSeries(width, height, frames)
	for t := 0; t < frames; t++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				s.Set(x, y, t, signal(x, y, t))
			}
		}
	}
	return s
}

func TestConstantReplicatesTemporalMean(t *testing.T) {
	s := makeSeries(3, 2, 4, func(x, y, t int) float64 {
		return float64(x+10*y) + float64(t)
	})

	fit, pars, err := Constant(s, Options{"progress_bar": true})
	if err != nil {
		t.Fatalf("Constant failed: %v", err)
	}
	if err := s.CheckShape(fit, "fit"); err != nil {
		t.Fatalf("Unexpected fit shape: %v", err)
	}
	if len(pars) != 0 {
		t.Errorf("Expected empty parameters, got %v", pars.Names())
	}

	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			want := float64(x+10*y) + 1.5
			for tt := 0; tt < 4; tt++ {
				if got := fit.At(x, y, tt); math.Abs(got-want) > 1e-12 {
					t.Errorf("Pixel (%d,%d) frame %d: expected %f, got %f", x, y, tt, want, got)
				}
			}
		}
	}
}

func TestConstantDoesNotModifyInput(t *testing.T) {
	s := makeSeries(2, 2, 3, func(x, y, t int) float64 { return float64(t) })
	before := s.Clone()
	if _, _, err := Constant(s, nil); err != nil {
		t.Fatalf("Constant failed: %v", err)
	}
	for i := range s.Data {
		if s.Data[i] != before.Data[i] {
			t.Fatalf("Input modified at %d", i)
		}
	}
}

func TestFitPixelsLinear(t *testing.T) {
	xdata := []float64{0, 1, 2, 3, 4}
	s := makeSeries(4, 3, len(xdata), func(x, y, t int) float64 {
		return float64(x) + float64(y)*xdata[t]
	})

	fit, pars, err := FitPixels(s, PixelConfig{Model: Linear{}, XData: xdata, Cores: 2})
	if err != nil {
		t.Fatalf("FitPixels failed: %v", err)
	}

	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			p := y*4 + x
			if math.Abs(pars["a"][p]-float64(x)) > 1e-9 {
				t.Errorf("Pixel (%d,%d): expected a=%d, got %f", x, y, x, pars["a"][p])
			}
			if math.Abs(pars["b"][p]-float64(y)) > 1e-9 {
				t.Errorf("Pixel (%d,%d): expected b=%d, got %f", x, y, y, pars["b"][p])
			}
		}
	}
	for i := range s.Data {
		if math.Abs(fit.Data[i]-s.Data[i]) > 1e-9 {
			t.Fatalf("Expected exact linear fit, index %d: %f vs %f", i, fit.Data[i], s.Data[i])
		}
	}
}

func TestFitPixelsExpDecay(t *testing.T) {
	xdata := []float64{5, 10, 20, 40, 80}
	s := makeSeries(2, 2, len(xdata), func(x, y, t int) float64 {
		s0 := 100.0 + 50*float64(x)
		tc := 20.0 + 10*float64(y)
		return s0 * math.Exp(-xdata[t]/tc)
	})

	_, pars, err := FitPixels(s, PixelConfig{Model: ExpDecay{}, XData: xdata})
	if err != nil {
		t.Fatalf("FitPixels failed: %v", err)
	}
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			p := y*2 + x
			wantS0 := 100.0 + 50*float64(x)
			wantT := 20.0 + 10*float64(y)
			if math.Abs(pars["S0"][p]-wantS0)/wantS0 > 1e-3 {
				t.Errorf("Pixel (%d,%d): expected S0=%f, got %f", x, y, wantS0, pars["S0"][p])
			}
			if math.Abs(pars["T"][p]-wantT)/wantT > 1e-3 {
				t.Errorf("Pixel (%d,%d): expected T=%f, got %f", x, y, wantT, pars["T"][p])
			}
		}
	}
}

func TestFitPixelsIgnoresProgressBar(t *testing.T) {
	xdata := []float64{5, 10, 20, 40}
	s := makeSeries(3, 3, len(xdata), func(x, y, t int) float64 {
		return (80 + 10*float64(x)) * math.Exp(-xdata[t]/(15+5*float64(y)))
	})

	quietFit, quietPars, err := FitPixels(s, PixelConfig{Model: ExpDecay{}, XData: xdata, Cores: 2})
	if err != nil {
		t.Fatalf("FitPixels failed: %v", err)
	}
	barFit, barPars, err := FitPixels(s, PixelConfig{Model: ExpDecay{}, XData: xdata, Cores: 2, ProgressBar: true})
	if err != nil {
		t.Fatalf("FitPixels with progress bar failed: %v", err)
	}
	for i := range quietFit.Data {
		if quietFit.Data[i] != barFit.Data[i] {
			t.Fatalf("Fit differs at %d: %g and %g", i, quietFit.Data[i], barFit.Data[i])
		}
	}
	for _, name := range quietPars.Names() {
		for p := range quietPars[name] {
			if quietPars[name][p] != barPars[name][p] {
				t.Errorf("Parameter %s differs at pixel %d", name, p)
			}
		}
	}
}

func TestFitPixelsRespectsBounds(t *testing.T) {
	xdata := []float64{0, 1, 2}
	s := makeSeries(1, 1, 3, func(x, y, t int) float64 { return 10 + 5*xdata[t] })

	_, pars, err := FitPixels(s, PixelConfig{
		Model: Linear{},
		XData: xdata,
		P0:    []float64{0, 0},
		Lower: []float64{-100, -1},
		Upper: []float64{100, 1},
	})
	if err != nil {
		t.Fatalf("FitPixels failed: %v", err)
	}
	if pars["b"][0] > 1 {
		t.Errorf("Expected slope clamped to 1, got %f", pars["b"][0])
	}
}

func TestFitPixelsValidation(t *testing.T) {
	s := models.NewSeries(2, 2, 3)

	if _, _, err := FitPixels(s, PixelConfig{Model: Linear{}, XData: []float64{1, 2}}); !errors.Is(err, models.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch for short xdata, got %v", err)
	}
	if _, _, err := FitPixels(s, PixelConfig{XData: []float64{1, 2, 3}}); err == nil {
		t.Error("Expected error for missing model")
	}
	if _, _, err := FitPixels(s, PixelConfig{Model: Linear{}, XData: []float64{1, 2, 3}, P0: []float64{1}}); err == nil {
		t.Error("Expected error for wrong p0 length")
	}
}

func TestRegistryLookups(t *testing.T) {
	if _, err := LookupImageFunc("constant"); err != nil {
		t.Errorf("Expected constant model, got %v", err)
	}
	if _, err := LookupImageFunc("nope"); err == nil {
		t.Error("Expected error for unknown image model")
	}
	for _, name := range []string{"exp_decay", "linear"} {
		m, err := LookupModel(name)
		if err != nil {
			t.Errorf("Expected model %s, got %v", name, err)
			continue
		}
		if m.Name() != name {
			t.Errorf("Expected name %s, got %s", name, m.Name())
		}
	}
}

func TestOptionsWithCopies(t *testing.T) {
	base := Options{"a": 1}
	derived := base.With("progress_bar", true)
	if base.ProgressBar() {
		t.Error("Expected base options to be unchanged")
	}
	if !derived.ProgressBar() {
		t.Error("Expected derived options to enable the progress bar")
	}
}

func BenchmarkFitPixelsExpDecay(b *testing.B) {
	xdata := []float64{5, 10, 20, 40, 80}
	s := makeSeries(16, 16, len(xdata), func(x, y, t int) float64 {
		return 100 * math.Exp(-xdata[t]/30)
	})
	for i := 0; i < b.N; i++ {
		if _, _, err := FitPixels(s, PixelConfig{Model: ExpDecay{}, XData: xdata}); err != nil {
			b.Fatal(err)
		}
	}
}
