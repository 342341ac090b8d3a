// Copyright (C) The Dynamo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package matrix

import (
	"sort"

	"github.com/james-bowman/sparse"
	"gonum.org/v1/gonum/mat"
)

// CSR is a compressed sparse row matrix.
type CSR struct {
	m *sparse.CSR
}

// NewCSR wraps the given compressed row arrays without copying
// them. Column indices within each row must be strictly increasing.
func NewCSR(r, c int, indptr, ind []int, data []float64) *CSR {
	if len(indptr) != r+1 || len(ind) != len(data) || indptr[r] != len(data) {
		panic(mat.ErrShape)
	}
	return &CSR{m: sparse.NewCSR(r, c, indptr, ind, data)}
}

// NewCSRFromTriplets builds a CSR matrix from (row, col, value)
// triplets in any order. Duplicate coordinates are summed and
// explicit zeros are dropped.
func NewCSRFromTriplets(r, c int, rows, cols []int, vals []float64) *CSR {
	if len(rows) != len(cols) || len(rows) != len(vals) {
		panic(mat.ErrShape)
	}
	order := make([]int, len(rows))
	for k := range order {
		order[k] = k
	}
	sort.Slice(order, func(a, b int) bool {
		ka, kb := order[a], order[b]
		if rows[ka] != rows[kb] {
			return rows[ka] < rows[kb]
		}
		return cols[ka] < cols[kb]
	})
	indptr := make([]int, r+1)
	ind := make([]int, 0, len(vals))
	data := make([]float64, 0, len(vals))
	lastRow, lastCol := -1, -1
	for _, k := range order {
		i, j := rows[k], cols[k]
		if i < 0 || i >= r || j < 0 || j >= c {
			panic(mat.ErrIndexOutOfRange)
		}
		if i == lastRow && j == lastCol {
			data[len(data)-1] += vals[k]
			continue
		}
		ind = append(ind, j)
		data = append(data, vals[k])
		indptr[i+1]++
		lastRow, lastCol = i, j
	}
	for i := 0; i < r; i++ {
		indptr[i+1] += indptr[i]
	}
	out := NewCSR(r, c, indptr, ind, data)
	out.prune()
	return out
}

// prune removes stored zeros.
func (s *CSR) prune() {
	raw := s.m.RawMatrix()
	w := 0
	start := 0
	for i := 0; i < raw.I; i++ {
		end := raw.Indptr[i+1]
		for k := start; k < end; k++ {
			if raw.Data[k] != 0 {
				raw.Ind[w] = raw.Ind[k]
				raw.Data[w] = raw.Data[k]
				w++
			}
		}
		start = end
		raw.Indptr[i+1] = w
	}
	raw.Ind = raw.Ind[:w]
	raw.Data = raw.Data[:w]
}

func (s *CSR) Dims() (int, int) { return s.m.Dims() }
func (s *CSR) At(i, j int) float64 { return s.m.At(i, j) }
func (s *CSR) T() mat.Matrix { return s.m.T() }
func (s *CSR) IsSparse() bool { return true }
func (s *CSR) NNZ() int { return len(s.m.RawMatrix().Data) }

// Raw returns the underlying compressed row arrays.
func (s *CSR) Raw() (indptr, ind []int, data []float64) {
	raw := s.m.RawMatrix()
	return raw.Indptr, raw.Ind, raw.Data
}

func (s *CSR) Clone() Matrix {
	raw := s.m.RawMatrix()
	return NewCSR(raw.I, raw.J,
		append([]int(nil), raw.Indptr...),
		append([]int(nil), raw.Ind...),
		append([]float64(nil), raw.Data...))
}

func (s *CSR) Apply(fn func(i, j int, v float64) float64) {
	raw := s.m.RawMatrix()
	for i := 0; i < raw.I; i++ {
		for k := raw.Indptr[i]; k < raw.Indptr[i+1]; k++ {
			raw.Data[k] = fn(i, raw.Ind[k], raw.Data[k])
		}
	}
}

func (s *CSR) DoNonZero(fn func(i, j int, v float64)) {
	raw := s.m.RawMatrix()
	for i := 0; i < raw.I; i++ {
		for k := raw.Indptr[i]; k < raw.Indptr[i+1]; k++ {
			if raw.Data[k] != 0 {
				fn(i, raw.Ind[k], raw.Data[k])
			}
		}
	}
}

func (s *CSR) ScaleRows(f []float64) {
	raw := s.m.RawMatrix()
	if len(f) != raw.I {
		panic(mat.ErrShape)
	}
	for i, x := range f {
		for k := raw.Indptr[i]; k < raw.Indptr[i+1]; k++ {
			raw.Data[k] *= x
		}
	}
}

func (s *CSR) SubsetRows(keep []bool) Matrix {
	raw := s.m.RawMatrix()
	if len(keep) != raw.I {
		panic(mat.ErrShape)
	}
	indptr := make([]int, 1, countTrue(keep)+1)
	var ind []int
	var data []float64
	for i, ok := range keep {
		if !ok {
			continue
		}
		lo, hi := raw.Indptr[i], raw.Indptr[i+1]
		ind = append(ind, raw.Ind[lo:hi]...)
		data = append(data, raw.Data[lo:hi]...)
		indptr = append(indptr, len(data))
	}
	return NewCSR(len(indptr)-1, raw.J, indptr, ind, data)
}

func (s *CSR) SubsetCols(keep []bool) Matrix {
	raw := s.m.RawMatrix()
	if len(keep) != raw.J {
		panic(mat.ErrShape)
	}
	remap := make([]int, raw.J)
	nc := 0
	for j, ok := range keep {
		if ok {
			remap[j] = nc
			nc++
		} else {
			remap[j] = -1
		}
	}
	indptr := make([]int, raw.I+1)
	var ind []int
	var data []float64
	for i := 0; i < raw.I; i++ {
		for k := raw.Indptr[i]; k < raw.Indptr[i+1]; k++ {
			if j := remap[raw.Ind[k]]; j >= 0 {
				ind = append(ind, j)
				data = append(data, raw.Data[k])
			}
		}
		indptr[i+1] = len(data)
	}
	return NewCSR(raw.I, nc, indptr, ind, data)
}

func (s *CSR) Row(i int) []float64 {
	raw := s.m.RawMatrix()
	out := make([]float64, raw.J)
	for k := raw.Indptr[i]; k < raw.Indptr[i+1]; k++ {
		out[raw.Ind[k]] = raw.Data[k]
	}
	return out
}

func (s *CSR) Col(j int) []float64 {
	raw := s.m.RawMatrix()
	out := make([]float64, raw.I)
	for i := 0; i < raw.I; i++ {
		row := raw.Ind[raw.Indptr[i]:raw.Indptr[i+1]]
		if k := sort.SearchInts(row, j); k < len(row) && row[k] == j {
			out[i] = raw.Data[raw.Indptr[i]+k]
		}
	}
	return out
}

func (s *CSR) ToDense() *mat.Dense {
	return s.m.ToDense()
}
