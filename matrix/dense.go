// Copyright (C) The Dynamo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package matrix

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"gonum.org/v1/gonum/mat"
)

// Dense is a row-major dense matrix. Unlike mat.Dense it may have
// zero rows or columns, which happens routinely when a filter
// removes every cell.
type Dense struct {
	r, c int
	data []float64
}

// NewDense returns a Dense using data (row-major) as its backing
// store. If data is nil a zero matrix is allocated.
func NewDense(r, c int, data []float64) *Dense {
	if data == nil {
		data = make([]float64, r*c)
	}
	if len(data) != r*c {
		panic(mat.ErrShape)
	}
	return &Dense{r: r, c: c, data: data}
}

// Zeros returns an r×c zero matrix.
func Zeros(r, c int) *Dense {
	return NewDense(r, c, nil)
}

// DenseOf copies any gonum matrix into a Dense.
func DenseOf(m mat.Matrix) *Dense {
	r, c := m.Dims()
	out := Zeros(r, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.data[i*c+j] = m.At(i, j)
		}
	}
	return out
}

// FromRows builds a Dense from a slice of equal-length rows.
func FromRows(rows [][]float64) *Dense {
	if len(rows) == 0 {
		return Zeros(0, 0)
	}
	c := len(rows[0])
	out := Zeros(len(rows), c)
	for i, row := range rows {
		if len(row) != c {
			panic(mat.ErrShape)
		}
		copy(out.data[i*c:], row)
	}
	return out
}

func (d *Dense) Dims() (int, int) { return d.r, d.c }
func (d *Dense) At(i, j int) float64 { return d.data[i*d.c+j] }
func (d *Dense) Set(i, j int, v float64) { d.data[i*d.c+j] = v }
func (d *Dense) T() mat.Matrix { return mat.Transpose{Matrix: d} }
func (d *Dense) IsSparse() bool { return false }
func (d *Dense) NNZ() int { return len(d.data) }

// RawData returns the row-major backing slice.
func (d *Dense) RawData() []float64 { return d.data }

func (d *Dense) Clone() Matrix {
	return &Dense{r: d.r, c: d.c, data: append([]float64(nil), d.data...)}
}

func (d *Dense) Apply(fn func(i, j int, v float64) float64) {
	for i := 0; i < d.r; i++ {
		row := d.data[i*d.c : (i+1)*d.c]
		for j, v := range row {
			row[j] = fn(i, j, v)
		}
	}
}

func (d *Dense) DoNonZero(fn func(i, j int, v float64)) {
	for i := 0; i < d.r; i++ {
		for j, v := range d.data[i*d.c : (i+1)*d.c] {
			if v != 0 {
				fn(i, j, v)
			}
		}
	}
}

func (d *Dense) ScaleRows(f []float64) {
	if len(f) != d.r {
		panic(mat.ErrShape)
	}
	for i, s := range f {
		row := d.data[i*d.c : (i+1)*d.c]
		for j := range row {
			row[j] *= s
		}
	}
}

func (d *Dense) SubsetRows(keep []bool) Matrix {
	if len(keep) != d.r {
		panic(mat.ErrShape)
	}
	out := Zeros(countTrue(keep), d.c)
	k := 0
	for i, ok := range keep {
		if ok {
			copy(out.data[k*d.c:(k+1)*d.c], d.data[i*d.c:(i+1)*d.c])
			k++
		}
	}
	return out
}

func (d *Dense) SubsetCols(keep []bool) Matrix {
	if len(keep) != d.c {
		panic(mat.ErrShape)
	}
	nc := countTrue(keep)
	out := Zeros(d.r, nc)
	for i := 0; i < d.r; i++ {
		k := 0
		for j, ok := range keep {
			if ok {
				out.data[i*nc+k] = d.data[i*d.c+j]
				k++
			}
		}
	}
	return out
}

func (d *Dense) Row(i int) []float64 {
	return append([]float64(nil), d.data[i*d.c:(i+1)*d.c]...)
}

func (d *Dense) Col(j int) []float64 {
	out := make([]float64, d.r)
	for i := range out {
		out[i] = d.data[i*d.c+j]
	}
	return out
}

// ToDense returns a mat.Dense sharing d's storage.
func (d *Dense) ToDense() *mat.Dense {
	return mat.NewDense(d.r, d.c, d.data)
}

// MarshalJSON encodes d as {"shape":[r,c],"data":[...]} in row-major
// order. Non-finite values are encoded as null.
func (d *Dense) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"shape":[`)
	buf.WriteString(strconv.Itoa(d.r))
	buf.WriteByte(',')
	buf.WriteString(strconv.Itoa(d.c))
	buf.WriteString(`],"data":[`)
	for i, v := range d.data {
		if i > 0 {
			buf.WriteByte(',')
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			buf.WriteString("null")
		} else {
			buf.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes the MarshalJSON encoding. null entries become
// NaN.
func (d *Dense) UnmarshalJSON(buf []byte) error {
	var enc struct {
		Shape []int
		Data  []*float64
	}
	if err := json.Unmarshal(buf, &enc); err != nil {
		return err
	}
	if len(enc.Shape) != 2 || enc.Shape[0] < 0 || enc.Shape[1] < 0 || enc.Shape[0]*enc.Shape[1] != len(enc.Data) {
		return fmt.Errorf("matrix: shape %v does not match %d values", enc.Shape, len(enc.Data))
	}
	d.r, d.c = enc.Shape[0], enc.Shape[1]
	d.data = make([]float64, len(enc.Data))
	for i, v := range enc.Data {
		if v == nil {
			d.data[i] = math.NaN()
		} else {
			d.data[i] = *v
		}
	}
	return nil
}
