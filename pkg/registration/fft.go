package registration

import (
	"gonum.org/v1/gonum/dsp/fourier"
)

// fft2D performs a 2D Fast Fourier Transform on a w x h grid stored in
// row-major order. Rows are transformed first, then columns.
//
// With inverse set the periodic sequence is reconstructed from its
// coefficients. The inverse is not normalised by w*h; callers only use the
// location of its peak.
func fft2D(data []complex128, w, h int, inverse bool) []complex128 {
	rowFFT := fourier.NewCmplxFFT(w)
	colFFT := fourier.NewCmplxFFT(h)

	result := make([]complex128, w*h)
	copy(result, data)

	row := make([]complex128, w)
	for y := 0; y < h; y++ {
		src := result[y*w : (y+1)*w]
		if inverse {
			rowFFT.Sequence(row, src)
		} else {
			rowFFT.Coefficients(row, src)
		}
		copy(src, row)
	}

	colIn := make([]complex128, h)
	colOut := make([]complex128, h)
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			colIn[y] = result[y*w+x]
		}
		if inverse {
			colFFT.Sequence(colOut, colIn)
		} else {
			colFFT.Coefficients(colOut, colIn)
		}
		for y := 0; y < h; y++ {
			result[y*w+x] = colOut[y]
		}
	}

	return result
}

// realToComplex converts a real frame to complex values after removing its mean
func realToComplex(frame []float64) []complex128 {
	var mean float64
	for _, v := range frame {
		mean += v
	}
	if len(frame) > 0 {
		mean /= float64(len(frame))
	}
	out := make([]complex128, len(frame))
	for i, v := range frame {
		out[i] = complex(v-mean, 0)
	}
	return out
}
