// Copyright (C) The Dynamo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package matrix provides the cell-by-gene numeric matrix used by the
// preprocessing and velocity pipelines. A Matrix is backed either by
// a dense row-major array or by a compressed sparse row structure;
// the reductions in this package are written once against the
// interface and give the same results for both backings.
package matrix

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Matrix is a dense or sparse numeric matrix.
type Matrix interface {
	mat.Matrix

	IsSparse() bool

	// NNZ returns the number of stored entries (rows*cols for a
	// dense matrix).
	NNZ() int

	Clone() Matrix

	// Apply replaces each stored value v at (i, j) with
	// fn(i, j, v). A sparse matrix only visits stored entries:
	// implicit zeros stay zero regardless of fn.
	Apply(fn func(i, j int, v float64) float64)

	// DoNonZero calls fn for each non-zero value.
	DoNonZero(fn func(i, j int, v float64))

	// ScaleRows multiplies row i by f[i], in place.
	ScaleRows(f []float64)

	SubsetRows(keep []bool) Matrix
	SubsetCols(keep []bool) Matrix

	// Row and Col return freshly allocated copies.
	Row(i int) []float64
	Col(j int) []float64

	// ToDense returns a gonum matrix with the same values. It
	// panics (like mat.NewDense) if either dimension is zero.
	ToDense() *mat.Dense
}

// RowSums returns the sum of each row.
func RowSums(m Matrix) []float64 {
	r, _ := m.Dims()
	out := make([]float64, r)
	m.DoNonZero(func(i, j int, v float64) {
		out[i] += v
	})
	return out
}

// ColSums returns the sum of each column.
func ColSums(m Matrix) []float64 {
	_, c := m.Dims()
	out := make([]float64, c)
	m.DoNonZero(func(i, j int, v float64) {
		out[j] += v
	})
	return out
}

// ColMeans returns the mean of each column.
func ColMeans(m Matrix) []float64 {
	r, _ := m.Dims()
	out := ColSums(m)
	for j := range out {
		out[j] /= float64(r)
	}
	return out
}

// ColMeanVar returns the mean and variance of each column. The
// variance divisor is rows-ddof. Deviations are summed in a second
// pass; implicit zeros contribute mean² each.
func ColMeanVar(m Matrix, ddof int) (mean, variance []float64) {
	r, c := m.Dims()
	mean = make([]float64, c)
	nnz := make([]int, c)
	m.DoNonZero(func(i, j int, v float64) {
		mean[j] += v
		nnz[j]++
	})
	n := float64(r)
	for j := range mean {
		mean[j] /= n
	}
	ss := make([]float64, c)
	m.DoNonZero(func(i, j int, v float64) {
		d := v - mean[j]
		ss[j] += d * d
	})
	variance = make([]float64, c)
	for j := range mean {
		if r-ddof <= 0 {
			variance[j] = math.NaN()
			continue
		}
		ss[j] += float64(r-nnz[j]) * mean[j] * mean[j]
		variance[j] = ss[j] / float64(r-ddof)
	}
	return
}

// RowCountAbove returns, for each row, the number of entries greater
// than thr. thr must not be negative.
func RowCountAbove(m Matrix, thr float64) []int {
	r, _ := m.Dims()
	out := make([]int, r)
	m.DoNonZero(func(i, j int, v float64) {
		if v > thr {
			out[i]++
		}
	})
	return out
}

// ColCountAbove returns, for each column, the number of entries
// greater than thr. thr must not be negative.
func ColCountAbove(m Matrix, thr float64) []int {
	_, c := m.Dims()
	out := make([]int, c)
	m.DoNonZero(func(i, j int, v float64) {
		if v > thr {
			out[j]++
		}
	})
	return out
}

// Min returns the smallest value in m, counting implicit zeros.
func Min(m Matrix) float64 {
	r, c := m.Dims()
	min := math.Inf(1)
	nz := 0
	m.DoNonZero(func(i, j int, v float64) {
		nz++
		if v < min {
			min = v
		}
	})
	if nz < r*c && min > 0 {
		min = 0
	}
	return min
}

// Round returns a copy of m with every value rounded to the nearest
// integer (halves to even).
func Round(m Matrix) Matrix {
	out := m.Clone()
	out.Apply(func(_, _ int, v float64) float64 {
		return math.RoundToEven(v)
	})
	return out
}

// Add returns a+b. The result is sparse only if both inputs are.
func Add(a, b Matrix) Matrix {
	return combine(a, b, func(x, y float64) float64 { return x + y })
}

// Sub returns a-b. The result is sparse only if both inputs are.
func Sub(a, b Matrix) Matrix {
	return combine(a, b, func(x, y float64) float64 { return x - y })
}

// MulElem returns the elementwise product of a and b.
func MulElem(a, b Matrix) Matrix {
	if a.IsSparse() {
		var rows, cols []int
		var vals []float64
		a.DoNonZero(func(i, j int, v float64) {
			if p := v * b.At(i, j); p != 0 {
				rows = append(rows, i)
				cols = append(cols, j)
				vals = append(vals, p)
			}
		})
		r, c := a.Dims()
		return NewCSRFromTriplets(r, c, rows, cols, vals)
	}
	if b.IsSparse() {
		return MulElem(b, a)
	}
	return combine(a, b, func(x, y float64) float64 { return x * y })
}

func combine(a, b Matrix, op func(x, y float64) float64) Matrix {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		panic(mat.ErrShape)
	}
	if a.IsSparse() && b.IsSparse() {
		type pair struct{ x, y float64 }
		acc := map[[2]int]pair{}
		a.DoNonZero(func(i, j int, v float64) {
			acc[[2]int{i, j}] = pair{x: v}
		})
		b.DoNonZero(func(i, j int, v float64) {
			k := [2]int{i, j}
			p := acc[k]
			p.y = v
			acc[k] = p
		})
		rows := make([]int, 0, len(acc))
		cols := make([]int, 0, len(acc))
		vals := make([]float64, 0, len(acc))
		for k, p := range acc {
			v := op(p.x, p.y)
			if v == 0 {
				continue
			}
			rows = append(rows, k[0])
			cols = append(cols, k[1])
			vals = append(vals, v)
		}
		return NewCSRFromTriplets(ar, ac, rows, cols, vals)
	}
	data := make([]float64, ar*ac)
	for i := 0; i < ar; i++ {
		for j := 0; j < ac; j++ {
			data[i*ac+j] = op(a.At(i, j), b.At(i, j))
		}
	}
	return NewDense(ar, ac, data)
}

// Sparsify returns a CSR copy of m.
func Sparsify(m Matrix) *CSR {
	if csr, ok := m.(*CSR); ok {
		return csr.Clone().(*CSR)
	}
	r, c := m.Dims()
	var rows, cols []int
	var vals []float64
	m.DoNonZero(func(i, j int, v float64) {
		rows = append(rows, i)
		cols = append(cols, j)
		vals = append(vals, v)
	})
	return NewCSRFromTriplets(r, c, rows, cols, vals)
}

// Densify returns a Dense copy of m.
func Densify(m Matrix) *Dense {
	r, c := m.Dims()
	out := Zeros(r, c)
	m.DoNonZero(func(i, j int, v float64) {
		out.data[i*c+j] = v
	})
	return out
}

// EqualApprox reports whether a and b have the same shape and all
// values within tol of each other. NaNs compare equal.
func EqualApprox(a, b Matrix, tol float64) bool {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		return false
	}
	for i := 0; i < ar; i++ {
		for j := 0; j < ac; j++ {
			x, y := a.At(i, j), b.At(i, j)
			if math.IsNaN(x) && math.IsNaN(y) {
				continue
			}
			if math.Abs(x-y) > tol {
				return false
			}
		}
	}
	return true
}

func countTrue(keep []bool) int {
	n := 0
	for _, k := range keep {
		if k {
			n++
		}
	}
	return n
}
