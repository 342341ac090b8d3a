// Copyright (C) The Dynamo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package anndata is an in-memory annotated cell-by-gene dataset: a
// primary expression matrix, named layers of the same shape,
// per-cell and per-gene annotation tables, per-cell embeddings, and
// a free-form metadata map.
package anndata

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cellvelocity/dynamo/matrix"
)

// ErrShape indicates matrices or columns whose dimensions disagree
// with the dataset they are attached to.
var ErrShape = errors.New("data shape mismatch")

// AnnData is an annotated cells×genes dataset.
type AnnData struct {
	X      matrix.Matrix
	Layers map[string]matrix.Matrix
	Obs    *Frame // one row per cell
	Var    *Frame // one row per gene
	Obsm   map[string]matrix.Matrix
	Uns    map[string]interface{}
}

// New returns a dataset with the given expression matrix and
// cell/gene names. Nil names are replaced by "0", "1", ...
func New(x matrix.Matrix, cells, genes []string) (*AnnData, error) {
	r, c := x.Dims()
	if cells == nil {
		cells = numberedIndex(r)
	}
	if genes == nil {
		genes = numberedIndex(c)
	}
	if len(cells) != r || len(genes) != c {
		return nil, fmt.Errorf("%w: matrix is %d×%d, got %d cell names and %d gene names", ErrShape, r, c, len(cells), len(genes))
	}
	return &AnnData{
		X:      x,
		Layers: map[string]matrix.Matrix{},
		Obs:    NewFrame(cells),
		Var:    NewFrame(genes),
		Obsm:   map[string]matrix.Matrix{},
		Uns:    map[string]interface{}{},
	}, nil
}

func numberedIndex(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%d", i)
	}
	return out
}

// NCells returns the number of cells (rows).
func (a *AnnData) NCells() int { return a.Obs.Len() }

// NGenes returns the number of genes (columns).
func (a *AnnData) NGenes() int { return a.Var.Len() }

// Layer returns the named layer, or X if name is "X".
func (a *AnnData) Layer(name string) (matrix.Matrix, bool) {
	if name == "X" {
		return a.X, a.X != nil
	}
	m, ok := a.Layers[name]
	return m, ok
}

// LayerNames returns the layer names in sorted order.
func (a *AnnData) LayerNames() []string {
	names := make([]string, 0, len(a.Layers))
	for k := range a.Layers {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ObsmNames returns the embedding names in sorted order.
func (a *AnnData) ObsmNames() []string {
	names := make([]string, 0, len(a.Obsm))
	for k := range a.Obsm {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every matrix and column agrees with the
// dataset dimensions.
func (a *AnnData) Validate() error {
	n, g := a.NCells(), a.NGenes()
	check := func(name string, m matrix.Matrix) error {
		r, c := m.Dims()
		if r != n || c != g {
			return fmt.Errorf("%w: %s is %d×%d, dataset is %d×%d", ErrShape, name, r, c, n, g)
		}
		return nil
	}
	if a.X == nil {
		return fmt.Errorf("%w: X is missing", ErrShape)
	}
	if err := check("X", a.X); err != nil {
		return err
	}
	for _, k := range a.LayerNames() {
		if err := check("layer "+k, a.Layers[k]); err != nil {
			return err
		}
	}
	for _, k := range a.ObsmNames() {
		if r, _ := a.Obsm[k].Dims(); r != n {
			return fmt.Errorf("%w: obsm %s has %d rows, dataset has %d cells", ErrShape, k, r, n)
		}
	}
	return nil
}

// Copy returns a deep copy of the dataset. Uns values are copied
// shallowly.
func (a *AnnData) Copy() *AnnData {
	out := &AnnData{
		X:      a.X.Clone(),
		Layers: make(map[string]matrix.Matrix, len(a.Layers)),
		Obs:    a.Obs.Copy(),
		Var:    a.Var.Copy(),
		Obsm:   make(map[string]matrix.Matrix, len(a.Obsm)),
		Uns:    make(map[string]interface{}, len(a.Uns)),
	}
	for k, v := range a.Layers {
		out.Layers[k] = v.Clone()
	}
	for k, v := range a.Obsm {
		out.Obsm[k] = v.Clone()
	}
	for k, v := range a.Uns {
		out.Uns[k] = v
	}
	return out
}

// Subset returns a new dataset restricted to the given cells and
// genes. A nil mask keeps everything on that axis.
func (a *AnnData) Subset(cells, genes []bool) *AnnData {
	if cells == nil {
		cells = allTrue(a.NCells())
	}
	if genes == nil {
		genes = allTrue(a.NGenes())
	}
	sub := func(m matrix.Matrix) matrix.Matrix {
		return m.SubsetRows(cells).SubsetCols(genes)
	}
	out := &AnnData{
		X:      sub(a.X),
		Layers: make(map[string]matrix.Matrix, len(a.Layers)),
		Obs:    a.Obs.Subset(cells),
		Var:    a.Var.Subset(genes),
		Obsm:   make(map[string]matrix.Matrix, len(a.Obsm)),
		Uns:    make(map[string]interface{}, len(a.Uns)),
	}
	for k, v := range a.Layers {
		out.Layers[k] = sub(v)
	}
	for k, v := range a.Obsm {
		out.Obsm[k] = v.SubsetRows(cells)
	}
	for k, v := range a.Uns {
		out.Uns[k] = v
	}
	return out
}

func allTrue(n int) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = true
	}
	return out
}
