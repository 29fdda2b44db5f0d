package fitting

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ExpDecay models S(x) = S0 * exp(-x/T), e.g. T2 or T2* relaxation with x = TE
type ExpDecay struct{}

func (ExpDecay) Name() string         { return "exp_decay" }
func (ExpDecay) ParamNames() []string { return []string{"S0", "T"} }

func (ExpDecay) Eval(dst, xdata, p []float64) {
	s0, tc := p[0], p[1]
	for i, x := range xdata {
		if tc == 0 {
			dst[i] = 0
			continue
		}
		dst[i] = s0 * math.Exp(-x/tc)
	}
}

// Init estimates S0 and T from a log-linear regression over the positive samples
func (ExpDecay) Init(xdata, ydata []float64) []float64 {
	xs := make([]float64, 0, len(xdata))
	ys := make([]float64, 0, len(ydata))
	for i, y := range ydata {
		if y > 0 {
			xs = append(xs, xdata[i])
			ys = append(ys, math.Log(y))
		}
	}
	s0 := floats.Max(ydata)
	tc := 1.0
	if len(xs) >= 2 {
		alpha, beta := stat.LinearRegression(xs, ys, nil, false)
		if beta < 0 && !math.IsNaN(beta) {
			tc = -1 / beta
			s0 = math.Exp(alpha)
		}
	}
	if tc <= 0 || math.IsInf(tc, 0) || math.IsNaN(tc) {
		tc = floats.Max(xdata)
		if tc <= 0 {
			tc = 1
		}
	}
	return []float64{s0, tc}
}

// Linear models S(x) = a + b*x
type Linear struct{}

func (Linear) Name() string         { return "linear" }
func (Linear) ParamNames() []string { return []string{"a", "b"} }

func (Linear) Eval(dst, xdata, p []float64) {
	for i, x := range xdata {
		dst[i] = p[0] + p[1]*x
	}
}

// Solve returns the least squares intercept and slope
func (Linear) Solve(xdata, ydata []float64) ([]float64, error) {
	n := len(xdata)
	if n != len(ydata) {
		return nil, fmt.Errorf("xdata has %d points, signal has %d", n, len(ydata))
	}
	if n < 2 {
		return []float64{stat.Mean(ydata, nil), 0}, nil
	}
	a := mat.NewDense(n, 2, nil)
	for i, x := range xdata {
		a.Set(i, 0, 1)
		a.Set(i, 1, x)
	}
	var beta mat.VecDense
	if err := beta.SolveVec(a, mat.NewVecDense(n, append([]float64(nil), ydata...))); err != nil {
		return nil, err
	}
	return []float64{beta.AtVec(0), beta.AtVec(1)}, nil
}
