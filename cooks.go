// Copyright (C) The Dynamo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dynamo

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// cooksDistance returns Cook's distance for each row of a Gamma
// (identity link) fit of disp on [1, 1/mu] with the given
// coefficients. Rows whose influence cannot be computed get NaN.
func cooksDistance(rows []DispersionRow, coefs [2]float64) []float64 {
	n := len(rows)
	out := make([]float64, n)
	if n <= 2 {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	fitted := make([]float64, n)
	pearson := make([]float64, n)
	xtwx := mat.NewSymDense(2, nil)
	phi := 0.0
	for i, row := range rows {
		x1 := 1 / row.Mu
		mu := coefs[0] + coefs[1]*x1
		fitted[i] = mu
		w := 1 / (mu * mu)
		xtwx.SetSym(0, 0, xtwx.At(0, 0)+w)
		xtwx.SetSym(0, 1, xtwx.At(0, 1)+w*x1)
		xtwx.SetSym(1, 1, xtwx.At(1, 1)+w*x1*x1)
		pearson[i] = (row.Disp - mu) / mu
		phi += pearson[i] * pearson[i]
	}
	phi /= float64(n - 2)
	var inv mat.Dense
	if err := inv.Inverse(xtwx); err != nil {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	const p = 2
	for i, row := range rows {
		x := mat.NewVecDense(2, []float64{1, 1 / row.Mu})
		w := 1 / (fitted[i] * fitted[i])
		h := w * mat.Inner(x, &inv, x)
		r2 := pearson[i] * pearson[i]
		out[i] = r2 * h / (phi * p * (1 - h) * (1 - h))
	}
	return out
}
