// Package seriesio reads dynamic image series from disk and exports the
// results of a registration run as 16-bit TIFF frames and CSV tables.
package seriesio

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/image/tiff"
	"gonum.org/v1/gonum/floats"

	"mdreg/internal/models"
)

// ErrNoImages is returned when a directory holds no readable frames
var ErrNoImages = errors.New("no images found")

// Scaling selects how float pixel values map to 16-bit grey levels
type Scaling int

const (
	// Raw rounds values and clamps them to [0, 65535]
	Raw Scaling = iota
	// Normalized maps the minimum of the data to 0 and the maximum to 65535
	Normalized
)

var imageExts = map[string]bool{
	".tif":  true,
	".tiff": true,
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

// ListFrames returns the image files of dir ordered by the number embedded in their names
func ListFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoImages, dir)
	}

	// Frames are ordered by acquisition index; ties fall back to the name
	sort.SliceStable(files, func(i, j int) bool {
		ni, nj := extractNumber(files[i]), extractNumber(files[j])
		if ni != nj {
			return ni < nj
		}
		return files[i] < files[j]
	})

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = filepath.Join(dir, f)
	}
	return paths, nil
}

// extractNumber returns the digits of a file name read as one integer, or 0
func extractNumber(filename string) int {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	var digits strings.Builder
	for _, c := range base {
		if c >= '0' && c <= '9' {
			digits.WriteRune(c)
		}
	}
	if digits.Len() == 0 {
		return 0
	}
	n, err := strconv.Atoi(digits.String())
	if err != nil {
		return 0
	}
	return n
}

// LoadDir reads every frame of dir into a series. All frames must share the
// size of the first one. Pixel values are the 16-bit grey levels of the images.
func LoadDir(dir string, spacing models.Spacing) (*models.Series, error) {
	paths, err := ListFrames(dir)
	if err != nil {
		return nil, err
	}

	var s *models.Series
	for t, path := range paths {
		img, err := loadImage(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load image %s: %w", filepath.Base(path), err)
		}
		b := img.Bounds()
		if s == nil {
			s = models.NewSeries(b.Dx(), b.Dy(), len(paths))
			s.Spacing = spacing
		}
		if b.Dx() != s.Width || b.Dy() != s.Height {
			return nil, fmt.Errorf("%w: %s is %dx%d, expected %dx%d",
				models.ErrShapeMismatch, filepath.Base(path), b.Dx(), b.Dy(), s.Width, s.Height)
		}
		imageToFrame(s.Frame(t), img)
	}
	return s, nil
}

func loadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(bufio.NewReader(file))
	if err != nil {
		return nil, err
	}
	return img, nil
}

func imageToFrame(dst []float64, img image.Image) {
	b := img.Bounds()
	w := b.Dx()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.Gray16Model.Convert(img.At(x, y)).(color.Gray16)
			dst[(y-b.Min.Y)*w+(x-b.Min.X)] = float64(g.Y)
		}
	}
}

// FrameToGray16 converts one frame to a 16-bit grey image. Normalized scaling
// maps [min, max] to the full range; NaN pixels become 0.
func FrameToGray16(frame []float64, w, h int, scaling Scaling, min, max float64) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, w, h))
	scale := 1.0
	if scaling == Normalized && max > min {
		scale = 65535 / (max - min)
	}
	for y := 0; y < h; y++ {
		yoffset := y * w
		for x := 0; x < w; x++ {
			v := frame[yoffset+x]
			if scaling == Normalized {
				v = (v - min) * scale
			}
			img.SetGray16(x, y, color.Gray16{Y: toUint16(v)})
		}
	}
	return img
}

func toUint16(v float64) uint16 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 65535 {
		return 65535
	}
	return uint16(math.Round(v))
}

// dataRange returns the finite minimum and maximum of data
func dataRange(data []float64) (min, max float64) {
	min, max = math.Inf(1), math.Inf(-1)
	for _, v := range data {
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

// WriteTIFF16ToFile writes a grey image as deflate-compressed 16-bit TIFF
func WriteTIFF16ToFile(fileName string, img image.Image) (err error) {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()

	writer := bufio.NewWriter(file)
	if err := tiff.Encode(writer, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true}); err != nil {
		return err
	}
	return writer.Flush()
}

// WriteSeries writes every frame of s to dir as <prefix><index>.tif. With
// Normalized scaling one range is shared by all frames, so relative
// intensities survive across the series.
func WriteSeries(dir, prefix string, s *models.Series, scaling Scaling) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	min, max := dataRange(s.Data)
	for t := 0; t < s.Frames; t++ {
		img := FrameToGray16(s.Frame(t), s.Width, s.Height, scaling, min, max)
		name := filepath.Join(dir, fmt.Sprintf("%s%03d.tif", prefix, t))
		if err := WriteTIFF16ToFile(name, img); err != nil {
			return fmt.Errorf("failed to write frame %d: %w", t, err)
		}
	}
	return nil
}

// WriteMap writes a single parameter map normalised to the full 16-bit range
func WriteMap(path string, data []float64, w, h int) error {
	if len(data) != w*h {
		return fmt.Errorf("%w: map has %d values, expected %d", models.ErrShapeMismatch, len(data), w*h)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	min, max := dataRange(data)
	return WriteTIFF16ToFile(path, FrameToGray16(data, w, h, Normalized, min, max))
}

// WriteCorrections writes the largest deformation change of every iteration
func WriteCorrections(path string, corrections []float64) error {
	rows := [][]string{{"iteration", "largest_deformation_px"}}
	for i, c := range corrections {
		rows = append(rows, []string{strconv.Itoa(i + 1), formatFloat(c)})
	}
	return writeCSV(path, rows)
}

// WriteFrameDisplacements writes the largest displacement magnitude of every frame
func WriteFrameDisplacements(path string, defo *models.Field) error {
	mag := defo.Magnitude()
	rows := [][]string{{"frame", "max_displacement_px", "mean_displacement_px"}}
	for t := 0; t < mag.Frames; t++ {
		frame := mag.Frame(t)
		rows = append(rows, []string{
			strconv.Itoa(t),
			formatFloat(floats.Max(frame)),
			formatFloat(floats.Sum(frame) / float64(len(frame))),
		})
	}
	return writeCSV(path, rows)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}

func writeCSV(path string, rows [][]string) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()

	w := csv.NewWriter(file)
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("error writing %s: %w", filepath.Base(path), err)
	}
	return nil
}
