package registration

import (
	"fmt"
	"math"
	"math/cmplx"
	"runtime"

	"golang.org/x/sync/errgroup"

	"mdreg/internal/models"
	"mdreg/internal/progress"
)

// TranslationRegistration estimates one rigid shift per frame by phase
// correlation. The deformation field is uniform within a frame.
type TranslationRegistration struct {
	threads int
}

// NewTranslation creates the lightweight backend. Only NumberOfThreads is read
// from params; other keys are ignored.
func NewTranslation(params Params) (*TranslationRegistration, error) {
	threads := 0
	if _, ok := params.Get("NumberOfThreads"); ok {
		n, err := params.Int("NumberOfThreads")
		if err != nil {
			return nil, err
		}
		threads = n
	}
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	return &TranslationRegistration{threads: threads}, nil
}

// Coregister shifts every frame of moving onto the matching frame of target
func (r *TranslationRegistration) Coregister(moving, target *models.Series, opts Options) (*models.Series, *models.Field, error) {
	if err := checkInputs(moving, target); err != nil {
		return nil, nil, err
	}

	w, h := moving.Width, moving.Height
	defo := models.NewFieldFor(moving)
	coreg := moving.NewLike()
	bar := progress.New("Coregistering (translation)", moving.Frames, opts.ProgressBar)

	var g errgroup.Group
	g.SetLimit(r.threads)
	for t := 0; t < moving.Frames; t++ {
		t := t
		g.Go(func() error {
			dx, dy := estimateShift(moving.Frame(t), target.Frame(t), w, h)
			if math.IsNaN(dx) || math.IsNaN(dy) {
				return fmt.Errorf("frame %d: phase correlation did not produce a finite shift", t)
			}
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					defo.Set(x, y, t, 0, dx)
					defo.Set(x, y, t, 1, dy)
				}
			}
			warpFrame(coreg.Frame(t), moving.Frame(t), w, h, defo, t)
			bar.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	bar.Finish()

	return coreg, defo, nil
}

// estimateShift returns the displacement (dx, dy) such that
// moving(x+dx, y+dy) best matches target(x, y)
func estimateShift(moving, target []float64, w, h int) (dx, dy float64) {
	g := fft2D(realToComplex(moving), w, h, false)
	f := fft2D(realToComplex(target), w, h, false)

	// Normalised cross-power spectrum
	cross := make([]complex128, w*h)
	for i := range cross {
		c := g[i] * cmplx.Conj(f[i])
		if mag := cmplx.Abs(c); mag > 1e-12 {
			cross[i] = c / complex(mag, 0)
		}
	}
	corr := fft2D(cross, w, h, true)

	peak := 0
	peakVal := math.Inf(-1)
	for i, c := range corr {
		if v := real(c); v > peakVal {
			peakVal = v
			peak = i
		}
	}
	px, py := peak%w, peak/w

	at := func(x, y int) float64 {
		x = (x%w + w) % w
		y = (y%h + h) % h
		return real(corr[y*w+x])
	}
	sx := float64(px) + subpixel(at(px-1, py), peakVal, at(px+1, py))
	sy := float64(py) + subpixel(at(px, py-1), peakVal, at(px, py+1))

	return wrapShift(sx, w), wrapShift(sy, h)
}

// subpixel refines a peak position by fitting a parabola through three samples
func subpixel(left, centre, right float64) float64 {
	denom := left - 2*centre + right
	if math.Abs(denom) < 1e-12 {
		return 0
	}
	return clamp(0.5*(left-right)/denom, -0.5, 0.5)
}

// wrapShift maps a circular peak position to a signed shift
func wrapShift(s float64, n int) float64 {
	if s > float64(n)/2 {
		return s - float64(n)
	}
	return s
}
