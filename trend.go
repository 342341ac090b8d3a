// Copyright (C) The Dynamo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dynamo

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const trendMaxLandmarks = 300

// RBFTrend is a kernel ridge regression with an RBF kernel,
// y ≈ Bias + Σ Alpha[k]·exp(-Gamma·(x-Landmarks[k])²). It fits the
// mean/CV trend that SVR feature selection ranks genes against. It
// is not an epsilon-insensitive SVR: the loss is squared error, so
// every point contributes, and the expansion is over quantile
// landmarks rather than support vectors.
type RBFTrend struct {
	Gamma     float64
	C         float64
	Landmarks []float64
	Alpha     []float64
	Bias      float64
}

// FitRBFTrend fits an RBF regression of y on x. The kernel expansion
// is restricted to at most 300 landmarks taken at evenly spaced
// quantiles of x; the penalty on the expansion is 1/c.
func FitRBFTrend(x, y []float64, gamma, c float64) (*RBFTrend, error) {
	if len(x) != len(y) {
		return nil, fmt.Errorf("%w: %d predictors, %d responses", ErrDataShape, len(x), len(y))
	}
	if len(x) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 points for the trend fit, have %d", ErrFitFailed, len(x))
	}
	if c <= 0 {
		c = 1
	}
	model := &RBFTrend{Gamma: gamma, C: c, Landmarks: landmarks(x, trendMaxLandmarks)}
	n, m := len(x), len(model.Landmarks)

	k := mat.NewDense(n, m, nil)
	for i, xi := range x {
		for j, l := range model.Landmarks {
			k.Set(i, j, model.kernel(xi, l))
		}
	}
	kmm := mat.NewDense(m, m, nil)
	for i, li := range model.Landmarks {
		for j, lj := range model.Landmarks {
			kmm.Set(i, j, model.kernel(li, lj))
		}
	}

	// Normal equations for [b; alpha]:
	//   [ n      1ᵀK          ] [b]     [ Σy  ]
	//   [ Kᵀ1    KᵀK + K_mm/C ] [α]  =  [ Kᵀy ]
	a := mat.NewDense(m+1, m+1, nil)
	rhs := mat.NewVecDense(m+1, nil)
	var ktk mat.Dense
	ktk.Mul(k.T(), k)
	yv := mat.NewVecDense(n, y)
	var kty mat.VecDense
	kty.MulVec(k.T(), yv)
	a.Set(0, 0, float64(n))
	rhs.SetVec(0, floats.Sum(y))
	for j := 0; j < m; j++ {
		colsum := floats.Sum(mat.Col(nil, j, k))
		a.Set(0, j+1, colsum)
		a.Set(j+1, 0, colsum)
		rhs.SetVec(j+1, kty.AtVec(j))
		for l := 0; l < m; l++ {
			a.Set(j+1, l+1, ktk.At(j, l)+kmm.At(j, l)/c)
		}
		// jitter keeps near-duplicate landmarks solvable
		a.Set(j+1, j+1, a.At(j+1, j+1)+1e-8)
	}
	var sol mat.VecDense
	if err := sol.SolveVec(a, rhs); err != nil {
		if _, ok := err.(mat.Condition); !ok {
			return nil, fmt.Errorf("%w: trend solve: %s", ErrFitFailed, err)
		}
	}
	model.Bias = sol.AtVec(0)
	model.Alpha = make([]float64, m)
	for j := range model.Alpha {
		model.Alpha[j] = sol.AtVec(j + 1)
	}
	if math.IsNaN(model.Bias) {
		return nil, fmt.Errorf("%w: trend solve produced NaN", ErrFitFailed)
	}
	return model, nil
}

func (s *RBFTrend) kernel(a, b float64) float64 {
	d := a - b
	return math.Exp(-s.Gamma * d * d)
}

// Predict evaluates the fitted function at x.
func (s *RBFTrend) Predict(x float64) float64 {
	y := s.Bias
	for k, l := range s.Landmarks {
		y += s.Alpha[k] * s.kernel(x, l)
	}
	return y
}

// landmarks returns up to max distinct values of x at evenly spaced
// quantiles.
func landmarks(x []float64, max int) []float64 {
	sorted := append([]float64(nil), x...)
	sort.Float64s(sorted)
	var out []float64
	n := len(sorted)
	steps := max
	if n < steps {
		steps = n
	}
	for k := 0; k < steps; k++ {
		idx := 0
		if steps > 1 {
			idx = k * (n - 1) / (steps - 1)
		}
		v := sorted[idx]
		if len(out) == 0 || v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
