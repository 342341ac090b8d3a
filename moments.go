// Copyright (C) The Dynamo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dynamo

import (
	"fmt"
	"math"
	"sort"

	"github.com/cellvelocity/dynamo/anndata"
	"github.com/cellvelocity/dynamo/matrix"
)

// StratifiedMoments groups the cells (rows) of m by time point and
// returns, per gene and distinct time point, the mean and population
// variance of the non-NaN values. M and V are genes × len(tUniq).
func StratifiedMoments(m matrix.Matrix, t []float64) (M, V *matrix.Dense, tUniq []float64) {
	n, g := m.Dims()
	if len(t) != n {
		panic(fmt.Sprintf("StratifiedMoments: %d time values for %d cells", len(t), n))
	}
	tUniq = uniqueFloats(t)
	slot := make([]int, n)
	for i, ti := range t {
		slot[i] = sort.SearchFloat64s(tUniq, ti)
	}
	M = matrix.Zeros(g, len(tUniq))
	V = matrix.Zeros(g, len(tUniq))
	cnt := make([]float64, len(tUniq))
	sum := make([]float64, len(tUniq))
	ss := make([]float64, len(tUniq))
	for j := 0; j < g; j++ {
		for k := range cnt {
			cnt[k], sum[k], ss[k] = 0, 0, 0
		}
		col := m.Col(j)
		for i, v := range col {
			if math.IsNaN(v) {
				continue
			}
			k := slot[i]
			cnt[k]++
			sum[k] += v
		}
		for k := range sum {
			sum[k] /= cnt[k]
		}
		for i, v := range col {
			if math.IsNaN(v) {
				continue
			}
			d := v - sum[slot[i]]
			ss[slot[i]] += d * d
		}
		for k := range cnt {
			if cnt[k] == 0 {
				M.Set(j, k, math.NaN())
				V.Set(j, k, math.NaN())
				continue
			}
			M.Set(j, k, sum[k])
			V.Set(j, k, ss[k]/cnt[k])
		}
	}
	return M, V, tUniq
}

// uniqueFloats returns the distinct values of t in increasing order.
func uniqueFloats(t []float64) []float64 {
	sorted := append([]float64(nil), t...)
	sort.Float64s(sorted)
	var out []float64
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			out = append(out, v)
		}
	}
	return out
}

// MomentStore holds per-gene moments for every group and time point
// in one genes × (groups·times) array per key. Entries not filled
// remain NaN.
type MomentStore struct {
	Groups []string
	Times  []float64
	Mean   map[string]*matrix.Dense
	Var    map[string]*matrix.Dense
}

// NewMomentStore preallocates storage for the given keys. An empty
// key stores under "M"/"V"; key "sl" stores under "M_sl"/"V_sl".
func NewMomentStore(nGenes int, groups []string, times []float64, keys ...string) *MomentStore {
	ms := &MomentStore{
		Groups: groups,
		Times:  times,
		Mean:   map[string]*matrix.Dense{},
		Var:    map[string]*matrix.Dense{},
	}
	cols := len(groups) * len(times)
	for _, key := range keys {
		for _, dst := range []map[string]*matrix.Dense{ms.Mean, ms.Var} {
			m := matrix.Zeros(nGenes, cols)
			data := m.RawData()
			for i := range data {
				data[i] = math.NaN()
			}
			dst[key] = m
		}
	}
	return ms
}

// Fill writes one group's moments for key. genes selects the rows of
// the store that M and V describe, and tUniq gives the time point of
// each of their columns.
func (ms *MomentStore) Fill(group int, key string, genes []bool, tUniq []float64, M, V *matrix.Dense) error {
	mean, ok := ms.Mean[key]
	if !ok {
		return fmt.Errorf("%w: moment key %q was not allocated", ErrConfiguration, key)
	}
	variance := ms.Var[key]
	rows := make([]int, 0, len(genes))
	for j, ok := range genes {
		if ok {
			rows = append(rows, j)
		}
	}
	if r, c := M.Dims(); r != len(rows) || c != len(tUniq) {
		return fmt.Errorf("%w: moments are %d×%d, want %d×%d", ErrDataShape, r, c, len(rows), len(tUniq))
	}
	base := group * len(ms.Times)
	for k, tk := range tUniq {
		pos := sort.SearchFloat64s(ms.Times, tk)
		if pos == len(ms.Times) || ms.Times[pos] != tk {
			return fmt.Errorf("%w: time point %v is not on the shared time axis", ErrDataShape, tk)
		}
		for r, j := range rows {
			mean.Set(j, base+pos, M.At(r, k))
			variance.Set(j, base+pos, V.At(r, k))
		}
	}
	return nil
}

// Store adds the moment arrays to d.Uns.
func (ms *MomentStore) Store(d *anndata.Delta) {
	for key, m := range ms.Mean {
		d.SetUns(momentKey("M", key), m)
		d.SetUns(momentKey("V", key), ms.Var[key])
	}
}

func momentKey(kind, key string) string {
	if key == "" {
		return kind
	}
	return kind + "_" + key
}
