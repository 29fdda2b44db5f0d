package registration

import (
	"math"

	"mdreg/internal/models"
)

// sampleBilinear interpolates frame at the sub-pixel position (x, y).
// Positions outside the grid are clamped to the nearest edge pixel.
func sampleBilinear(frame []float64, w, h int, x, y float64) float64 {
	x = clamp(x, 0, float64(w-1))
	y = clamp(y, 0, float64(h-1))

	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	x1 := x0 + 1
	y1 := y0 + 1
	if x1 >= w {
		x1 = w - 1
	}
	if y1 >= h {
		y1 = h - 1
	}
	fx := x - float64(x0)
	fy := y - float64(y0)

	top := frame[y0*w+x0]*(1-fx) + frame[y0*w+x1]*fx
	bottom := frame[y1*w+x0]*(1-fx) + frame[y1*w+x1]*fx
	return top*(1-fy) + bottom*fy
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// warpFrame resamples src at (x+ux, y+uy) into dst, where (ux, uy) are the
// displacements of frame t of defo
func warpFrame(dst, src []float64, w, h int, defo *models.Field, t int) {
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			ux := defo.At(x, y, t, 0)
			uy := defo.At(x, y, t, 1)
			dst[y*w+x] = sampleBilinear(src, w, h, float64(x)+ux, float64(y)+uy)
		}
	}
}

// Warp applies a deformation field to every frame of s and returns the
// resampled series. s is not modified.
func Warp(s *models.Series, defo *models.Field) (*models.Series, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if err := defo.Matches(s); err != nil {
		return nil, err
	}
	out := s.NewLike()
	for t := 0; t < s.Frames; t++ {
		warpFrame(out.Frame(t), s.Frame(t), s.Width, s.Height, defo, t)
	}
	return out, nil
}

// gradient returns the central-difference derivatives of frame along x and y
func gradient(frame []float64, w, h int) (gx, gy []float64) {
	gx = make([]float64, w*h)
	gy = make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			xm, xp := x-1, x+1
			if xm < 0 {
				xm = 0
			}
			if xp >= w {
				xp = w - 1
			}
			ym, yp := y-1, y+1
			if ym < 0 {
				ym = 0
			}
			if yp >= h {
				yp = h - 1
			}
			if xp > xm {
				gx[y*w+x] = (frame[y*w+xp] - frame[y*w+xm]) / float64(xp-xm)
			}
			if yp > ym {
				gy[y*w+x] = (frame[yp*w+x] - frame[ym*w+x]) / float64(yp-ym)
			}
		}
	}
	return gx, gy
}
