// Copyright (C) The Dynamo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package anndata

import (
	"fmt"
	"sort"
)

// Frame is a table of per-cell or per-gene annotations. Every column
// has exactly Len() entries, aligned with Index.
type Frame struct {
	Index  []string
	floats map[string][]float64
	bools  map[string][]bool
	strs   map[string][]string
}

// NewFrame returns an empty frame with the given index.
func NewFrame(index []string) *Frame {
	return &Frame{
		Index:  index,
		floats: map[string][]float64{},
		bools:  map[string][]bool{},
		strs:   map[string][]string{},
	}
}

// Len returns the number of rows.
func (f *Frame) Len() int { return len(f.Index) }

// Has reports whether a column of any type exists.
func (f *Frame) Has(name string) bool {
	if _, ok := f.floats[name]; ok {
		return true
	}
	if _, ok := f.bools[name]; ok {
		return true
	}
	_, ok := f.strs[name]
	return ok
}

// Float returns a numeric column.
func (f *Frame) Float(name string) ([]float64, bool) {
	v, ok := f.floats[name]
	return v, ok
}

// Bool returns a boolean column.
func (f *Frame) Bool(name string) ([]bool, bool) {
	v, ok := f.bools[name]
	return v, ok
}

// Strings returns a string column.
func (f *Frame) Strings(name string) ([]string, bool) {
	v, ok := f.strs[name]
	return v, ok
}

// Labels returns a column as strings, formatting numeric and boolean
// columns. It is used for grouping and time keys, which may be
// stored as any type.
func (f *Frame) Labels(name string) ([]string, bool) {
	if v, ok := f.strs[name]; ok {
		return v, true
	}
	if v, ok := f.floats[name]; ok {
		out := make([]string, len(v))
		for i, x := range v {
			out[i] = fmt.Sprintf("%g", x)
		}
		return out, true
	}
	if v, ok := f.bools[name]; ok {
		out := make([]string, len(v))
		for i, x := range v {
			out[i] = fmt.Sprintf("%t", x)
		}
		return out, true
	}
	return nil, false
}

func (f *Frame) checkLen(name string, n int) error {
	if n != f.Len() {
		return fmt.Errorf("%w: column %q has %d entries, frame has %d rows", ErrShape, name, n, f.Len())
	}
	return nil
}

// SetFloat adds or replaces a numeric column.
func (f *Frame) SetFloat(name string, v []float64) error {
	if err := f.checkLen(name, len(v)); err != nil {
		return err
	}
	f.drop(name)
	f.floats[name] = v
	return nil
}

// SetBool adds or replaces a boolean column.
func (f *Frame) SetBool(name string, v []bool) error {
	if err := f.checkLen(name, len(v)); err != nil {
		return err
	}
	f.drop(name)
	f.bools[name] = v
	return nil
}

// SetString adds or replaces a string column.
func (f *Frame) SetString(name string, v []string) error {
	if err := f.checkLen(name, len(v)); err != nil {
		return err
	}
	f.drop(name)
	f.strs[name] = v
	return nil
}

// Drop removes a column if present.
func (f *Frame) Drop(name string) { f.drop(name) }

func (f *Frame) drop(name string) {
	delete(f.floats, name)
	delete(f.bools, name)
	delete(f.strs, name)
}

// Names returns all column names, sorted.
func (f *Frame) Names() []string {
	var names []string
	for k := range f.floats {
		names = append(names, k)
	}
	for k := range f.bools {
		names = append(names, k)
	}
	for k := range f.strs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Subset returns a new frame containing the rows where keep is true.
func (f *Frame) Subset(keep []bool) *Frame {
	if len(keep) != f.Len() {
		panic(fmt.Sprintf("anndata: subset mask has %d entries, frame has %d rows", len(keep), f.Len()))
	}
	out := NewFrame(subsetStrings(f.Index, keep))
	for k, v := range f.floats {
		out.floats[k] = subsetFloats(v, keep)
	}
	for k, v := range f.bools {
		out.bools[k] = subsetBools(v, keep)
	}
	for k, v := range f.strs {
		out.strs[k] = subsetStrings(v, keep)
	}
	return out
}

// Copy returns a deep copy.
func (f *Frame) Copy() *Frame {
	out := NewFrame(append([]string(nil), f.Index...))
	for k, v := range f.floats {
		out.floats[k] = append([]float64(nil), v...)
	}
	for k, v := range f.bools {
		out.bools[k] = append([]bool(nil), v...)
	}
	for k, v := range f.strs {
		out.strs[k] = append([]string(nil), v...)
	}
	return out
}

func subsetFloats(v []float64, keep []bool) []float64 {
	out := make([]float64, 0, len(v))
	for i, ok := range keep {
		if ok {
			out = append(out, v[i])
		}
	}
	return out
}

func subsetBools(v []bool, keep []bool) []bool {
	out := make([]bool, 0, len(v))
	for i, ok := range keep {
		if ok {
			out = append(out, v[i])
		}
	}
	return out
}

func subsetStrings(v []string, keep []bool) []string {
	out := make([]string, 0, len(v))
	for i, ok := range keep {
		if ok {
			out = append(out, v[i])
		}
	}
	return out
}
