package plot

import (
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"mdreg/internal/models"
)

func rampSeries(w, h, frames int) *models.Series {
	s := models.NewSeries(w, h, frames)
	for t := 0; t < frames; t++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				s.Set(x, y, t, float64(x+t))
			}
		}
	}
	return s
}

// TestMontageLayout verifies one row per series and one column per frame
func TestMontageLayout(t *testing.T) {
	s := rampSeries(8, 4, 3)
	e := &Exporter{CellSize: 16}
	img := e.Montage(s, s, s)

	b := img.Bounds()
	if b.Dx() != 3*16 || b.Dy() != 3*8 {
		t.Errorf("Expected montage 48x24, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestMontageNativeSizeAndFrameLimit(t *testing.T) {
	s := rampSeries(5, 6, 10)
	e := &Exporter{MaxFrames: 4}
	img := e.Montage(s, s)

	b := img.Bounds()
	if b.Dx() != 4*5 || b.Dy() != 2*6 {
		t.Errorf("Expected montage 20x12, got %dx%d", b.Dx(), b.Dy())
	}
	// Normalised: the darkest pixel of the series is black, the brightest white
	if got := img.Gray16At(0, 0).Y; got != 0 {
		t.Errorf("Expected black at origin, got %d", got)
	}
}

func TestCellSizeKeepsAspectRatio(t *testing.T) {
	e := &Exporter{CellSize: 100}
	if w, h := e.cellSize(200, 100); w != 100 || h != 50 {
		t.Errorf("Expected 100x50, got %dx%d", w, h)
	}
	if w, h := e.cellSize(50, 100); w != 50 || h != 100 {
		t.Errorf("Expected 50x100, got %dx%d", w, h)
	}
}

func TestPlotSeriesWritesJPEG(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "plots")
	e := NewExporter(dir)
	s := rampSeries(12, 12, 2)

	if err := e.PlotSeries(s, s, s, "mdreg[1]"); err != nil {
		t.Fatalf("PlotSeries failed: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "mdreg[1].jpg"))
	if err != nil {
		t.Fatalf("Expected montage file: %v", err)
	}
	defer f.Close()
	img, err := jpeg.Decode(f)
	if err != nil {
		t.Fatalf("Failed to decode montage: %v", err)
	}
	if img.Bounds().Dx() != 2*128 || img.Bounds().Dy() != 3*128 {
		t.Errorf("Expected 256x384 montage, got %v", img.Bounds())
	}
}

func TestPlotSeriesTIFFAndErrors(t *testing.T) {
	dir := t.TempDir()
	e := &Exporter{Dir: dir, Format: "tif"}
	s := rampSeries(4, 4, 2)
	if err := e.PlotSeries(s, s, s, "mdreg[2]"); err != nil {
		t.Fatalf("PlotSeries failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "mdreg[2].tif")); err != nil {
		t.Errorf("Expected TIFF montage: %v", err)
	}

	e.Format = "bmp"
	if err := e.PlotSeries(s, s, s, "x"); err == nil {
		t.Error("Expected error for unsupported format")
	}
	e.Format = "jpg"
	if err := e.PlotSeries(s, models.NewSeries(4, 4, 3), s, "x"); err == nil {
		t.Error("Expected error for mismatched series")
	}
}

func TestHeatMapScale(t *testing.T) {
	s := models.NewSeries(2, 1, 2)
	s.Data = []float64{0, 1, 2, 4}
	e := &Exporter{}
	img := e.HeatMap(s)

	if img.Bounds().Dx() != 4 || img.Bounds().Dy() != 1 {
		t.Fatalf("Expected 4x1 heat map, got %v", img.Bounds())
	}
	cold, hot := img.RGBAAt(0, 0), img.RGBAAt(3, 0)
	if cold == hot {
		t.Errorf("Expected different colours for zero and maximum, got %v", cold)
	}
	if hot.R <= hot.B || cold.B <= cold.R {
		t.Errorf("Expected blue for zero and red for maximum, got %v and %v", cold, hot)
	}
}

func TestPlotFieldWritesFile(t *testing.T) {
	dir := t.TempDir()
	e := NewExporter(dir)
	s := rampSeries(8, 8, 2)
	defo := models.NewFieldFor(s)
	defo.Set(3, 3, 1, 0, 2.5)

	if err := e.PlotField(defo, "mdreg[1]"); err != nil {
		t.Fatalf("PlotField failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "mdreg[1]_deformation.jpg")); err != nil {
		t.Errorf("Expected deformation heat map: %v", err)
	}
}
