// Package plot renders registration iterations as image montages.
package plot

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/draw"

	"mdreg/internal/models"
	"mdreg/pkg/seriesio"
)

// Exporter writes one montage per iteration. Rows hold the moving series, the
// model fit and the coregistered series; columns hold the frames.
type Exporter struct {
	// Dir is the directory the montages are written to
	Dir string

	// Format is "jpg" or "tif"
	Format string

	// Quality is the JPEG quality (1-100)
	Quality int

	// CellSize is the edge length in pixels of each frame in the montage.
	// Zero keeps the native frame size.
	CellSize int

	// MaxFrames limits the number of columns. Zero shows every frame.
	MaxFrames int
}

// NewExporter creates an exporter writing JPEG montages to dir
func NewExporter(dir string) *Exporter {
	return &Exporter{
		Dir:      dir,
		Format:   "jpg",
		Quality:  90,
		CellSize: 128,
	}
}

// PlotSeries writes the montage of one iteration to <Dir>/<name>.<Format>
func (e *Exporter) PlotSeries(moving, fit, coreg *models.Series, name string) error {
	for _, s := range []*models.Series{fit, coreg} {
		if err := moving.CheckShape(s, "plotted series"); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(e.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create plot directory: %w", err)
	}

	img := e.Montage(moving, fit, coreg)
	format := strings.ToLower(strings.TrimPrefix(e.Format, "."))
	switch format {
	case "", "jpg", "jpeg":
		return e.saveJPEG(img, filepath.Join(e.Dir, name+".jpg"))
	case "tif", "tiff":
		return seriesio.WriteTIFF16ToFile(filepath.Join(e.Dir, name+".tif"), img)
	default:
		return fmt.Errorf("invalid plot format: %s (must be jpg or tif)", e.Format)
	}
}

// Montage draws the rows of a montage, each row normalised to its own range
func (e *Exporter) Montage(rows ...*models.Series) *image.Gray16 {
	if len(rows) == 0 {
		return image.NewGray16(image.Rect(0, 0, 0, 0))
	}
	frames := rows[0].Frames
	if e.MaxFrames > 0 && frames > e.MaxFrames {
		frames = e.MaxFrames
	}
	cw, ch := e.cellSize(rows[0].Width, rows[0].Height)

	montage := image.NewGray16(image.Rect(0, 0, cw*frames, ch*len(rows)))
	draw.Draw(montage, montage.Bounds(), &image.Uniform{C: color.Gray16{}}, image.Point{}, draw.Src)

	for r, s := range rows {
		min, max := seriesRange(s)
		for t := 0; t < frames; t++ {
			frame := seriesio.FrameToGray16(s.Frame(t), s.Width, s.Height, seriesio.Normalized, min, max)
			cell := image.Rect(t*cw, r*ch, (t+1)*cw, (r+1)*ch)
			draw.ApproxBiLinear.Scale(montage, cell, frame, frame.Bounds(), draw.Src, nil)
		}
	}
	return montage
}

// cellSize keeps the frame aspect ratio with the longer edge at CellSize
func (e *Exporter) cellSize(w, h int) (int, int) {
	if e.CellSize <= 0 {
		return w, h
	}
	if w >= h {
		return e.CellSize, int(math.Max(1, math.Round(float64(e.CellSize*h)/float64(w))))
	}
	return int(math.Max(1, math.Round(float64(e.CellSize*w)/float64(h)))), e.CellSize
}

func (e *Exporter) saveJPEG(img image.Image, filename string) (err error) {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()

	quality := e.Quality
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	writer := bufio.NewWriter(file)
	if err := jpeg.Encode(writer, img, &jpeg.Options{Quality: quality}); err != nil {
		return err
	}
	return writer.Flush()
}

// Heat map end points for zero and maximum displacement
var (
	coldColor = colorful.Color{R: 0.17, G: 0.48, B: 0.71}
	hotColor  = colorful.Color{R: 0.84, G: 0.10, B: 0.11}
)

// PlotField writes a heat map of the displacement magnitude of every frame
// to <Dir>/<name>_deformation.jpg. All frames share one colour scale.
func (e *Exporter) PlotField(defo *models.Field, name string) error {
	if err := os.MkdirAll(e.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create plot directory: %w", err)
	}
	return e.saveJPEG(e.HeatMap(defo.Magnitude()), filepath.Join(e.Dir, name+"_deformation.jpg"))
}

// HeatMap draws the frames of s side by side, blending from cold (zero) to
// hot (the series maximum) in HCL space
func (e *Exporter) HeatMap(s *models.Series) *image.RGBA {
	frames := s.Frames
	if e.MaxFrames > 0 && frames > e.MaxFrames {
		frames = e.MaxFrames
	}
	cw, ch := e.cellSize(s.Width, s.Height)
	_, max := seriesRange(s)

	palette := make([]color.RGBA, 256)
	for i := range palette {
		r, g, b := coldColor.BlendHcl(hotColor, float64(i)/255).Clamped().RGB255()
		palette[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}

	heat := image.NewRGBA(image.Rect(0, 0, cw*frames, ch))
	for t := 0; t < frames; t++ {
		frame := image.NewRGBA(image.Rect(0, 0, s.Width, s.Height))
		for i, v := range s.Frame(t) {
			level := 0
			if max > 0 && !math.IsNaN(v) {
				level = int(math.Round(255 * math.Min(v/max, 1)))
			}
			frame.SetRGBA(i%s.Width, i/s.Width, palette[level])
		}
		cell := image.Rect(t*cw, 0, (t+1)*cw, ch)
		draw.ApproxBiLinear.Scale(heat, cell, frame, frame.Bounds(), draw.Src, nil)
	}
	return heat
}

// seriesRange returns the finite intensity range of a whole series
func seriesRange(s *models.Series) (min, max float64) {
	min, max = math.Inf(1), math.Inf(-1)
	for _, v := range s.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		min = math.Min(min, v)
		max = math.Max(max, v)
	}
	if min > max {
		return 0, 0
	}
	return min, max
}
