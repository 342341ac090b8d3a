// Copyright (C) The Dynamo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dynamo

import (
	"fmt"
	"math"

	"github.com/cellvelocity/dynamo/anndata"
	"github.com/cellvelocity/dynamo/matrix"
	log "github.com/sirupsen/logrus"
)

// ExperimentLayout classifies which count layers a dataset carries.
type ExperimentLayout int

const (
	// Splicing: spliced/unspliced layers.
	Splicing ExperimentLayout = iota
	// Labeling: new/total layers.
	Labeling
	// FourWay: uu/ul/su/sl layers (splicing and labeling).
	FourWay
	// LabelingRatio: new/total layers analyzed as new-to-total
	// ratios.
	LabelingRatio
)

func (l ExperimentLayout) String() string {
	switch l {
	case Splicing:
		return "splicing"
	case Labeling:
		return "labeling"
	case FourWay:
		return "full"
	case LabelingRatio:
		return "labeling_ntr"
	default:
		return fmt.Sprintf("ExperimentLayout(%d)", int(l))
	}
}

// HasLabeling reports whether the layout includes metabolic labeling
// and therefore needs a time column.
func (l ExperimentLayout) HasLabeling() bool {
	return l != Splicing
}

// HasSplicing reports whether the layout includes splicing layers.
func (l ExperimentLayout) HasSplicing() bool {
	return l == Splicing || l == FourWay
}

// hasLayer reports whether either the raw or normalized version of
// each named layer is present.
func hasLayer(adata *anndata.AnnData, names ...string) bool {
	for _, name := range names {
		_, raw := adata.Layers[name]
		_, norm := adata.Layers["X_"+name]
		if !raw && !norm {
			return false
		}
	}
	return true
}

// ClassifyLayout determines the experiment layout. Four-way layers
// take precedence over spliced/unspliced, which take precedence over
// new/total. ntr selects LabelingRatio for new/total data.
func ClassifyLayout(adata *anndata.AnnData, ntr bool) (ExperimentLayout, error) {
	switch {
	case hasLayer(adata, "uu", "ul", "su", "sl"):
		return FourWay, nil
	case hasLayer(adata, "spliced", "unspliced"):
		return Splicing, nil
	case hasLayer(adata, "new", "total"):
		if ntr {
			return LabelingRatio, nil
		}
		return Labeling, nil
	default:
		return 0, fmt.Errorf("%w: layers %v match no known experiment layout", ErrDataShape, adata.LayerNames())
	}
}

type VelocityDataOptions struct {
	// UseSmoothed reads M_ layers in place of X_ layers.
	UseSmoothed bool

	// LogUnnormalized applies log1p to raw count layers when no
	// normalized version exists.
	LogUnnormalized bool

	TKey         string
	ProteinNames []string
	NTR          bool

	// Mode is "deterministic" or "moment".
	Mode           string
	ExperimentType string
}

func DefaultVelocityDataOptions() VelocityDataOptions {
	return VelocityDataOptions{
		LogUnnormalized: true,
		TKey:            "Time",
		Mode:            ModeDeterministic,
	}
}

// VelocityData holds the cells×genes matrices an estimator consumes.
// For Splicing, U and S are unspliced and spliced. For Labeling, U is
// old (total minus new), Ul is new and S is total. For FourWay, U, Ul,
// S, Sl are uu, ul, su, sl.
type VelocityData struct {
	Layout       ExperimentLayout
	U, Ul, S, Sl matrix.Matrix
	P            matrix.Matrix
	T            []float64
	Normalized   bool
	HasSplicing  bool
	HasLabeling  bool
	HasProtein   bool

	// ProteinIndex[k] is the gene whose protein is column
	// ProteinCols[k] of P. Protein columns follow the order of
	// VelocityDataOptions.ProteinNames.
	ProteinIndex []int
	ProteinCols  []int

	AssumptionMRNA string
}

// AssembleVelocityData resolves the layers of adata into a
// VelocityData. The returned delta marks is_protein_velocity_genes
// when protein data and protein names are both present.
func AssembleVelocityData(adata *anndata.AnnData, opts VelocityDataOptions) (*VelocityData, *anndata.Delta, error) {
	layout, err := ClassifyLayout(adata, opts.NTR)
	if err != nil {
		return nil, nil, err
	}
	vd := &VelocityData{
		Layout:      layout,
		HasSplicing: layout.HasSplicing(),
		HasLabeling: layout.HasLabeling(),
	}
	get := func(name string) (matrix.Matrix, error) {
		m, normalized, err := velocityLayer(adata, name, opts)
		if normalized {
			vd.Normalized = true
		}
		return m, err
	}
	switch layout {
	case Splicing:
		vd.AssumptionMRNA = "ss"
		if vd.U, err = get("unspliced"); err != nil {
			return nil, nil, err
		}
		if vd.S, err = get("spliced"); err != nil {
			return nil, nil, err
		}
	case Labeling, LabelingRatio:
		vd.AssumptionMRNA = "ss"
		if vd.Ul, err = get("new"); err != nil {
			return nil, nil, err
		}
		if vd.U, err = oldLayer(adata, opts, &vd.Normalized); err != nil {
			return nil, nil, err
		}
		if vd.S, err = get("total"); err != nil {
			return nil, nil, err
		}
	case FourWay:
		for _, l := range []struct {
			name string
			dst  *matrix.Matrix
		}{{"uu", &vd.U}, {"ul", &vd.Ul}, {"su", &vd.S}, {"sl", &vd.Sl}} {
			if *l.dst, err = get(l.name); err != nil {
				return nil, nil, err
			}
		}
	}

	d := &anndata.Delta{}
	if p, ok := proteinMatrix(adata, opts.UseSmoothed); ok {
		vd.P = p
		vd.HasProtein = true
		if opts.ProteinNames == nil {
			log.Warn("protein data present but no protein names given; protein kinetics will not be estimated")
		} else {
			pos := indexOf(adata.Var.Index)
			mark := make([]bool, adata.NGenes())
			for k, name := range opts.ProteinNames {
				if j, ok := pos[name]; ok && !mark[j] {
					mark[j] = true
					vd.ProteinIndex = append(vd.ProteinIndex, j)
					vd.ProteinCols = append(vd.ProteinCols, k)
				}
			}
			d.Var.SetBool("is_protein_velocity_genes", mark)
		}
	}

	if opts.ExperimentType != "" || opts.Mode == ModeMoment {
		vd.AssumptionMRNA = ""
	}

	if vd.HasLabeling {
		t, err := timeColumn(adata, opts.TKey)
		if err != nil {
			return nil, nil, err
		}
		vd.T = t
	}
	return vd, d, nil
}

// velocityLayer returns the matrix for a count layer: the normalized
// X_ layer (or its smoothed M_ alias) if present, otherwise a copy of
// the raw layer, log1p-transformed if requested.
func velocityLayer(adata *anndata.AnnData, name string, opts VelocityDataOptions) (matrix.Matrix, bool, error) {
	norm := "X_" + name
	if m, ok := adata.Layers[norm]; ok {
		if !opts.UseSmoothed {
			return m, true, nil
		}
		alias := SmoothedLayer(norm)
		sm, ok := adata.Layers[alias]
		if !ok {
			return nil, true, fmt.Errorf("%w: smoothed layer %s not present; compute moments first or disable smoothing", ErrConfiguration, alias)
		}
		return sm, true, nil
	}
	m, ok := adata.Layers[name]
	if !ok {
		return nil, false, fmt.Errorf("%w: layer %s not present", ErrDataShape, name)
	}
	m = m.Clone()
	if opts.LogUnnormalized {
		m.Apply(func(_, _ int, v float64) float64 { return math.Log1p(v) })
	}
	return m, false, nil
}

// oldLayer returns total minus new, transformed the same way as the
// other velocity layers.
func oldLayer(adata *anndata.AnnData, opts VelocityDataOptions, normalized *bool) (matrix.Matrix, error) {
	if _, ok := adata.Layers["X_total"]; ok {
		total, _, err := velocityLayer(adata, "total", opts)
		if err != nil {
			return nil, err
		}
		newer, _, err := velocityLayer(adata, "new", opts)
		if err != nil {
			return nil, err
		}
		*normalized = true
		return matrix.Sub(total, newer), nil
	}
	total, ok := adata.Layers["total"]
	newer, ok2 := adata.Layers["new"]
	if !ok || !ok2 {
		return nil, fmt.Errorf("%w: raw new and total layers are both needed", ErrDataShape)
	}
	old := matrix.Sub(total, newer)
	if opts.LogUnnormalized {
		old.Apply(func(_, _ int, v float64) float64 { return math.Log1p(v) })
	}
	return old, nil
}

func proteinMatrix(adata *anndata.AnnData, useSmoothed bool) (matrix.Matrix, bool) {
	if _, ok := adata.Obsm["X_protein"]; ok {
		if useSmoothed {
			if m, ok := adata.Obsm[SmoothedLayer("X_protein")]; ok {
				return m, true
			}
		}
		return adata.Obsm["X_protein"], true
	}
	m, ok := adata.Obsm["protein"]
	return m, ok
}

// timeColumn returns the numeric obs column tkey. A missing column is
// both a configuration and a data shape error.
func timeColumn(adata *anndata.AnnData, tkey string) ([]float64, error) {
	t, ok := adata.Obs.Float(tkey)
	if !ok {
		return nil, &bothErr{
			msg:  fmt.Sprintf("time column %q is not present in obs; labeling data needs one", tkey),
			errs: [2]error{ErrConfiguration, ErrDataShape},
		}
	}
	return t, nil
}

// UandS returns the abstract unspliced/new and spliced/total pair.
// With ntr, four-way data yields labeled (ul+sl) and total
// (uu+ul+su+sl), and new/total data yields new and total.
func UandS(vd *VelocityData, ntr bool) (u, s matrix.Matrix) {
	switch vd.Layout {
	case FourWay:
		if ntr {
			return matrix.Add(vd.Ul, vd.Sl), matrix.Add(matrix.Add(vd.U, vd.Ul), matrix.Add(vd.S, vd.Sl))
		}
		return vd.Ul, vd.Sl
	case Labeling, LabelingRatio:
		if ntr || vd.Layout == LabelingRatio {
			return vd.Ul, vd.S
		}
		return vd.Ul, vd.U
	default:
		return vd.U, vd.S
	}
}
