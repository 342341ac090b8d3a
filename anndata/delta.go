// Copyright (C) The Dynamo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package anndata

import (
	"fmt"
	"sort"

	"github.com/cellvelocity/dynamo/matrix"
)

// Columns holds typed annotation columns keyed by name.
type Columns struct {
	Float  map[string][]float64
	Bool   map[string][]bool
	String map[string][]string
}

func (c *Columns) SetFloat(name string, v []float64) {
	if c.Float == nil {
		c.Float = map[string][]float64{}
	}
	c.Float[name] = v
}

func (c *Columns) SetBool(name string, v []bool) {
	if c.Bool == nil {
		c.Bool = map[string][]bool{}
	}
	c.Bool[name] = v
}

func (c *Columns) SetString(name string, v []string) {
	if c.String == nil {
		c.String = map[string][]string{}
	}
	c.String[name] = v
}

// Len returns the number of columns.
func (c *Columns) Len() int {
	return len(c.Float) + len(c.Bool) + len(c.String)
}

func (c *Columns) subset(keep []bool) {
	for k, v := range c.Float {
		c.Float[k] = subsetFloats(v, keep)
	}
	for k, v := range c.Bool {
		c.Bool[k] = subsetBools(v, keep)
	}
	for k, v := range c.String {
		c.String[k] = subsetStrings(v, keep)
	}
}

func (c *Columns) apply(f *Frame) error {
	for _, k := range sortedKeys(c.Float) {
		if err := f.SetFloat(k, c.Float[k]); err != nil {
			return err
		}
	}
	for _, k := range sortedKeys(c.Bool) {
		if err := f.SetBool(k, c.Bool[k]); err != nil {
			return err
		}
	}
	for _, k := range sortedKeys(c.String) {
		if err := f.SetString(k, c.String[k]); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Delta is the set of outputs produced by one pipeline stage. Stages
// compute a Delta from an unmodified dataset; Apply then writes it.
//
// Column and matrix outputs are expressed in post-subset
// coordinates: if KeepCells or KeepGenes is set, obs/var columns,
// layers and embeddings must already be restricted accordingly (see
// SubsetObs and SubsetVar).
type Delta struct {
	Obs    Columns
	Var    Columns
	X      matrix.Matrix
	Layers map[string]matrix.Matrix
	Obsm   map[string]matrix.Matrix
	Uns    map[string]interface{}

	// Row and column masks applied before any output is written.
	// Nil keeps everything.
	KeepCells []bool
	KeepGenes []bool
}

func (d *Delta) SetLayer(name string, m matrix.Matrix) {
	if name == "X" {
		d.X = m
		return
	}
	if d.Layers == nil {
		d.Layers = map[string]matrix.Matrix{}
	}
	d.Layers[name] = m
}

func (d *Delta) SetObsm(name string, m matrix.Matrix) {
	if d.Obsm == nil {
		d.Obsm = map[string]matrix.Matrix{}
	}
	d.Obsm[name] = m
}

func (d *Delta) SetUns(name string, v interface{}) {
	if d.Uns == nil {
		d.Uns = map[string]interface{}{}
	}
	d.Uns[name] = v
}

// SubsetVar restricts the gene axis: the delta's var columns, which
// must currently cover all genes, are sliced to the kept genes and
// the dataset will be subset on Apply. Combines with any previous
// gene mask.
func (d *Delta) SubsetVar(keep []bool) {
	d.Var.subset(keep)
	d.KeepGenes = compose(d.KeepGenes, keep)
}

// SubsetObs is the cell-axis counterpart of SubsetVar.
func (d *Delta) SubsetObs(keep []bool) {
	d.Obs.subset(keep)
	d.KeepCells = compose(d.KeepCells, keep)
}

// compose returns the mask, over the original axis, of elements kept
// by prev and then by next (which is indexed over prev's survivors).
func compose(prev, next []bool) []bool {
	if prev == nil {
		return append([]bool(nil), next...)
	}
	out := make([]bool, len(prev))
	k := 0
	for i, ok := range prev {
		if !ok {
			continue
		}
		out[i] = next[k]
		k++
	}
	return out
}

// Apply writes the delta into a. On error a may have been partially
// modified.
func (d *Delta) Apply(a *AnnData) error {
	if d.KeepCells != nil && len(d.KeepCells) != a.NCells() {
		return fmt.Errorf("%w: cell mask has %d entries, dataset has %d cells", ErrShape, len(d.KeepCells), a.NCells())
	}
	if d.KeepGenes != nil && len(d.KeepGenes) != a.NGenes() {
		return fmt.Errorf("%w: gene mask has %d entries, dataset has %d genes", ErrShape, len(d.KeepGenes), a.NGenes())
	}
	if d.KeepCells != nil || d.KeepGenes != nil {
		*a = *a.Subset(d.KeepCells, d.KeepGenes)
	}
	if err := d.Obs.apply(a.Obs); err != nil {
		return fmt.Errorf("obs: %w", err)
	}
	if err := d.Var.apply(a.Var); err != nil {
		return fmt.Errorf("var: %w", err)
	}
	n, g := a.NCells(), a.NGenes()
	check := func(name string, m matrix.Matrix) error {
		if r, c := m.Dims(); r != n || c != g {
			return fmt.Errorf("%w: %s is %d×%d, dataset is %d×%d", ErrShape, name, r, c, n, g)
		}
		return nil
	}
	if d.X != nil {
		if err := check("X", d.X); err != nil {
			return err
		}
		a.X = d.X
	}
	for _, k := range sortedKeys(d.Layers) {
		if err := check("layer "+k, d.Layers[k]); err != nil {
			return err
		}
		a.Layers[k] = d.Layers[k]
	}
	for _, k := range sortedKeys(d.Obsm) {
		if r, _ := d.Obsm[k].Dims(); r != n {
			return fmt.Errorf("%w: obsm %s has %d rows, dataset has %d cells", ErrShape, k, r, n)
		}
		a.Obsm[k] = d.Obsm[k]
	}
	for k, v := range d.Uns {
		a.Uns[k] = v
	}
	return nil
}
