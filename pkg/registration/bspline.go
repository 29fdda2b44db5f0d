package registration

import (
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"

	"mdreg/internal/models"
	"mdreg/internal/progress"
)

// BSplineRegistration is a free-form deformation backend. Each frame gets a
// cubic B-spline displacement field defined on a regular grid of control
// points; control point displacements are optimised with L-BFGS to minimise
// the mean squared difference to the target frame.
type BSplineRegistration struct {
	gridSpacing float64 // control point spacing in mm
	maxIter     int
	gradTol     float64
	weight      float64 // penalty on squared control point displacements
	threads     int
}

// NewBSpline creates the full-featured backend. params are merged over DefaultParams.
func NewBSpline(params Params) (*BSplineRegistration, error) {
	p := params.WithDefaults()

	spacing, err := p.Float("FinalGridSpacingInPhysicalUnits")
	if err != nil {
		return nil, err
	}
	if spacing <= 0 {
		return nil, fmt.Errorf("FinalGridSpacingInPhysicalUnits must be positive, got %g", spacing)
	}
	maxIter, err := p.Int("MaximumNumberOfIterations")
	if err != nil {
		return nil, err
	}
	if maxIter < 1 {
		return nil, fmt.Errorf("MaximumNumberOfIterations must be at least 1, got %d", maxIter)
	}
	gradTol, err := p.Float("GradientMagnitudeTolerance")
	if err != nil {
		return nil, err
	}
	weight, err := p.Float("RegularizationWeight")
	if err != nil {
		return nil, err
	}
	threads, err := p.Int("NumberOfThreads")
	if err != nil {
		return nil, err
	}
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	return &BSplineRegistration{
		gridSpacing: spacing,
		maxIter:     maxIter,
		gradTol:     gradTol,
		weight:      weight,
		threads:     threads,
	}, nil
}

// Coregister deforms every frame of moving onto the matching frame of target
func (r *BSplineRegistration) Coregister(moving, target *models.Series, opts Options) (*models.Series, *models.Field, error) {
	if err := checkInputs(moving, target); err != nil {
		return nil, nil, err
	}

	w, h := moving.Width, moving.Height
	sp := moving.PixelSpacing()
	grid := newControlGrid(w, h, r.gridSpacing/sp.X, r.gridSpacing/sp.Y)

	defo := models.NewFieldFor(moving)
	coreg := moving.NewLike()
	bar := progress.New("Coregistering (bspline)", moving.Frames, opts.ProgressBar)

	var g errgroup.Group
	g.SetLimit(r.threads)
	for t := 0; t < moving.Frames; t++ {
		t := t
		g.Go(func() error {
			ux, uy, err := r.registerFrame(grid, moving.Frame(t), target.Frame(t))
			if err != nil {
				return fmt.Errorf("frame %d: %w", t, err)
			}
			for p := 0; p < w*h; p++ {
				defo.Set(p%w, p/w, t, 0, ux[p])
				defo.Set(p%w, p/w, t, 1, uy[p])
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

// registerFrame returns the per-pixel displacements aligning mov to tgt
func (r *BSplineRegistration) registerFrame(grid *controlGrid, mov, tgt []float64) (ux, uy []float64, err error) {
	w, h := grid.w, grid.h
	n := w * h

	// Normalise intensities so the optimiser sees costs of order one
	scale := math.Max(floats.Max(absAll(mov)), floats.Max(absAll(tgt)))
	if scale == 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return make([]float64, n), make([]float64, n), nil
	}
	m := make([]float64, n)
	f := make([]float64, n)
	floats.ScaleTo(m, 1/scale, mov)
	floats.ScaleTo(f, 1/scale, tgt)
	gx, gy := gradient(m, w, h)

	nc := grid.nx * grid.ny
	ux = make([]float64, n)
	uy = make([]float64, n)
	resid := make([]float64, n)

	// evaluate fills ux, uy and resid for the coefficients c and returns the cost
	evaluate := func(c []float64) float64 {
		grid.field(ux, c[:nc])
		grid.field(uy, c[nc:])
		var sse float64
		for p := 0; p < n; p++ {
			x := float64(p%w) + ux[p]
			y := float64(p/w) + uy[p]
			resid[p] = sampleBilinear(m, w, h, x, y) - f[p]
			sse += resid[p] * resid[p]
		}
		return sse/float64(n) + r.weight*floats.Dot(c, c)
	}

	problem := optimize.Problem{
		Func: evaluate,
		Grad: func(grad, c []float64) {
			evaluate(c)
			for i := range grad {
				grad[i] = 2 * r.weight * c[i]
			}
			for p := 0; p < n; p++ {
				if resid[p] == 0 {
					continue
				}
				x := float64(p%w) + ux[p]
				y := float64(p/w) + uy[p]
				k := 2 * resid[p] / float64(n)
				dx := k * sampleBilinear(gx, w, h, x, y)
				dy := k * sampleBilinear(gy, w, h, x, y)
				grid.scatter(grad[:nc], p%w, p/w, dx)
				grid.scatter(grad[nc:], p%w, p/w, dy)
			}
		},
	}

	x0 := make([]float64, 2*nc)
	f0 := evaluate(x0)
	settings := &optimize.Settings{
		MajorIterations:   r.maxIter,
		GradientThreshold: r.gradTol,
	}
	result, err := optimize.Minimize(problem, x0, settings, &optimize.LBFGS{})
	best := x0
	switch {
	case result == nil:
		return nil, nil, err
	case result.F <= f0:
		// Line search failures near the optimum still leave a usable location
		best = result.X
	}

	evaluate(best)
	return ux, uy, nil
}

// controlGrid holds the separable cubic B-spline weights of every pixel.
// Control point i along x sits at (i-1)*spacing, so the grid extends one
// node beyond the image on each side.
type controlGrid struct {
	w, h   int
	nx, ny int
	ix, iy []int        // first contributing node per column / row
	wx, wy [][4]float64 // basis weights per column / row
}

func newControlGrid(w, h int, spacingX, spacingY float64) *controlGrid {
	spacingX = math.Max(spacingX, 1)
	spacingY = math.Max(spacingY, 1)
	g := &controlGrid{
		w:  w,
		h:  h,
		nx: int(math.Floor(float64(w-1)/spacingX)) + 4,
		ny: int(math.Floor(float64(h-1)/spacingY)) + 4,
		ix: make([]int, w),
		iy: make([]int, h),
		wx: make([][4]float64, w),
		wy: make([][4]float64, h),
	}
	for x := 0; x < w; x++ {
		g.ix[x], g.wx[x] = basis(float64(x) / spacingX)
	}
	for y := 0; y < h; y++ {
		g.iy[y], g.wy[y] = basis(float64(y) / spacingY)
	}
	return g
}

// basis returns the first node index and the four cubic B-spline weights at u
func basis(u float64) (int, [4]float64) {
	i := int(math.Floor(u))
	t := u - float64(i)
	t2 := t * t
	t3 := t2 * t
	return i, [4]float64{
		(1 - t) * (1 - t) * (1 - t) / 6,
		(3*t3 - 6*t2 + 4) / 6,
		(-3*t3 + 3*t2 + 3*t + 1) / 6,
		t3 / 6,
	}
}

// field evaluates the displacement component with coefficients c at every pixel
func (g *controlGrid) field(dst, c []float64) {
	for y := 0; y < g.h; y++ {
		for x := 0; x < g.w; x++ {
			var v float64
			for b := 0; b < 4; b++ {
				row := (g.iy[y] + b) * g.nx
				wy := g.wy[y][b]
				for a := 0; a < 4; a++ {
					v += wy * g.wx[x][a] * c[row+g.ix[x]+a]
				}
			}
			dst[y*g.w+x] = v
		}
	}
}

// scatter adds value, weighted by the basis of pixel (x, y), to the coefficients it depends on
func (g *controlGrid) scatter(dst []float64, x, y int, value float64) {
	for b := 0; b < 4; b++ {
		row := (g.iy[y] + b) * g.nx
		wy := g.wy[y][b] * value
		for a := 0; a < 4; a++ {
			dst[row+g.ix[x]+a] += wy * g.wx[x][a]
		}
	}
}

func absAll(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = math.Abs(x)
	}
	return out
}
