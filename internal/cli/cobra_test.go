package cli

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mdreg/pkg/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestParamsCommand(t *testing.T) {
	out, err := execute(t, "params")
	if err != nil {
		t.Fatalf("params failed: %v", err)
	}
	if !strings.Contains(out, "(FinalGridSpacingInPhysicalUnits 50.0)") {
		t.Errorf("Expected default grid spacing in output, got:\n%s", out)
	}

	out, err = execute(t, "params", "--set", "FinalGridSpacingInPhysicalUnits=5.0")
	if err != nil {
		t.Fatalf("params --set failed: %v", err)
	}
	if !strings.Contains(out, "(FinalGridSpacingInPhysicalUnits 5.0)") {
		t.Errorf("Expected overridden grid spacing in output, got:\n%s", out)
	}
	if !strings.Contains(out, `(Optimizer "LBFGS")`) {
		t.Errorf("Expected other defaults to be kept, got:\n%s", out)
	}
}

func TestConfigInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mdreg.yaml")
	if _, err := execute(t, "config", "init", path); err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Processing.MaxIterations != 3 {
		t.Errorf("Expected default maxIterations 3, got %d", cfg.Processing.MaxIterations)
	}
}

func writeFrames(t *testing.T, dir string, frames int) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	for f := 0; f < frames; f++ {
		img := image.NewGray16(image.Rect(0, 0, 16, 16))
		for y := 0; y < 16; y++ {
			for x := 0; x < 16; x++ {
				img.SetGray16(x, y, color.Gray16{Y: uint16(1000 + 100*f)})
			}
		}
		file, err := os.Create(filepath.Join(dir, fmt.Sprintf("frame_%d.png", f)))
		if err != nil {
			t.Fatal(err)
		}
		if err := png.Encode(file, img); err != nil {
			file.Close()
			t.Fatal(err)
		}
		file.Close()
	}
}

func TestFitCommand(t *testing.T) {
	tmp := t.TempDir()
	input := filepath.Join(tmp, "input")
	output := filepath.Join(tmp, "output")
	writeFrames(t, input, 3)

	out, err := execute(t, "fit", input,
		"--config", filepath.Join(tmp, "none.yaml"),
		"--output", output,
		"--backend", "translation",
		"--verbose", "0",
		"--no-tiff")
	if err != nil {
		t.Fatalf("fit failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "converged after 1 iteration(s)") {
		t.Errorf("Expected convergence summary, got:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(output, "largest_deformations.csv")); err != nil {
		t.Errorf("Expected corrections table: %v", err)
	}
}

func TestFitCommandErrors(t *testing.T) {
	tmp := t.TempDir()
	input := filepath.Join(tmp, "input")
	writeFrames(t, input, 2)
	cfgPath := filepath.Join(tmp, "none.yaml")

	if _, err := execute(t, "fit", input, "--config", cfgPath, "--backend", "ants"); err == nil {
		t.Error("Expected error for unknown backend")
	}
	if _, err := execute(t, "fit", input, "--config", cfgPath, "--model", "linear"); err == nil {
		t.Error("Expected error for --model without --xdata")
	}
	if _, err := execute(t, "fit"); err == nil {
		t.Error("Expected error without input directory")
	}
}

func TestPixelSignalKeepsBoundsForSameModel(t *testing.T) {
	current := config.Signal{Pixel: &config.PixelSignal{
		Model: "exp_decay",
		XData: []float64{1, 2},
		P0:    []float64{100, 20},
		Lower: []float64{0, 1},
		Upper: []float64{1000, 500},
	}}

	sig := pixelSignal(current, "exp_decay", []float64{5, 10, 20})
	if sig.Pixel == nil || sig.Image != nil {
		t.Fatalf("Expected a pixel signal, got %+v", sig)
	}
	if len(sig.Pixel.XData) != 3 {
		t.Errorf("Expected xdata from the flag, got %v", sig.Pixel.XData)
	}
	if len(sig.Pixel.P0) != 2 || sig.Pixel.Lower[1] != 1 || sig.Pixel.Upper[0] != 1000 {
		t.Errorf("Expected p0 and bounds to carry over, got %+v", sig.Pixel)
	}

	sig = pixelSignal(current, "linear", []float64{0, 1})
	if sig.Pixel.P0 != nil || sig.Pixel.Lower != nil || sig.Pixel.Upper != nil {
		t.Errorf("Expected no p0 or bounds for a different model, got %+v", sig.Pixel)
	}

	sig = pixelSignal(config.Signal{Image: &config.ImageSignal{Func: "constant"}}, "linear", []float64{0, 1})
	if sig.Image != nil || sig.Pixel.Model != "linear" {
		t.Errorf("Expected the image signal to be replaced, got %+v", sig)
	}
}
