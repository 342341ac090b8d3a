// Copyright (C) The Dynamo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dynamo

import (
	"fmt"
	"math"
	"strings"

	"github.com/cellvelocity/dynamo/anndata"
	"github.com/cellvelocity/dynamo/matrix"
	log "github.com/sirupsen/logrus"
)

const (
	GeneModeFinal = "final"
	GeneModeBasic = "basic"
	GeneModeNone  = "no"
)

var (
	deterministicParams = []string{
		"alpha", "beta", "gamma", "half_life",
		"alpha_b", "alpha_r2", "gamma_b", "gamma_r2", "delta_b", "delta_r2",
		"uu0", "ul0", "su0", "sl0", "U0", "S0", "total0",
		"eta", "delta", "p_half_life",
	}
	momentParams = []string{"a", "b", "alpha_a", "alpha_i", "beta", "gamma", "half_life"}
)

type DynamicsOptions struct {
	VelocityDataOptions

	// GroupKey, if set, names an obs column; each distinct value is
	// fitted separately and its parameters are written with prefix
	// "<GroupKey>_<value>_".
	GroupKey       string
	FilterGeneMode string
}

func DefaultDynamicsOptions() DynamicsOptions {
	return DynamicsOptions{
		VelocityDataOptions: DefaultVelocityDataOptions(),
		FilterGeneMode:      GeneModeFinal,
	}
}

// DynamicsInfo is stored in uns["dynamics"].
type DynamicsInfo struct {
	ExperimentType string
	Mode           string
	UseSmoothed    bool
	HasSplicing    bool
	HasLabeling    bool
	HasProtein     bool
	NTR            bool
	TKey           string
	GroupKey       string
	Groups         []string
}

// Dynamics fits kinetic parameters with est for each group of cells
// and returns per-gene parameter columns, velocity layers and
// metadata. Genes outside the filter mode's selection keep NaN
// parameters and zero velocity.
func Dynamics(adata *anndata.AnnData, est Estimator, opts DynamicsOptions) (*anndata.Delta, error) {
	if opts.Mode != ModeDeterministic && opts.Mode != ModeMoment {
		return nil, fmt.Errorf("%w: dynamics mode %q is not supported", ErrConfiguration, opts.Mode)
	}
	valid, err := validGenes(adata, opts.FilterGeneMode)
	if err != nil {
		return nil, err
	}
	var validIdx []int
	for j, ok := range valid {
		if ok {
			validIdx = append(validIdx, j)
		}
	}
	if len(validIdx) == 0 {
		return nil, fmt.Errorf("%w: no genes selected by filter mode %q", ErrFitFailed, opts.FilterGeneMode)
	}
	layout, err := ClassifyLayout(adata, opts.NTR)
	if err != nil {
		return nil, err
	}
	if opts.Mode == ModeMoment && !layout.HasLabeling() {
		return nil, fmt.Errorf("%w: moment mode needs labeling data, dataset layout is %s", ErrConfiguration, layout)
	}

	groups, cellGroup, prefixes, err := cellGroups(adata, opts.GroupKey)
	if err != nil {
		return nil, err
	}

	n, g := adata.NCells(), adata.NGenes()
	params := deterministicParams
	if opts.Mode == ModeMoment {
		params = momentParams
	}
	cols := map[string][]float64{}
	for _, pre := range prefixes {
		for _, p := range params {
			cols[pre+p] = nanSlice(g)
		}
	}

	var store *MomentStore
	if opts.Mode == ModeMoment {
		t, err := timeColumn(adata, opts.TKey)
		if err != nil {
			return nil, err
		}
		keys := []string{""}
		if layout == FourWay {
			keys = []string{"sl", "ul"}
		}
		store = NewMomentStore(g, groups, uniqueFloats(t), keys...)
	}

	d := &anndata.Delta{}
	var vu, vs velocityBuilder
	var vp *matrix.Dense
	info := &DynamicsInfo{
		ExperimentType: layout.String(),
		Mode:           opts.Mode,
		UseSmoothed:    opts.UseSmoothed,
		NTR:            opts.NTR,
		TKey:           opts.TKey,
		GroupKey:       opts.GroupKey,
		Groups:         groups,
	}
	for gi, group := range groups {
		cells := make([]bool, n)
		var rows []int
		for i := range cells {
			if cellGroup[i] == gi {
				cells[i] = true
				rows = append(rows, i)
			}
		}
		sub := adata.Subset(cells, valid)
		vd, vdDelta, err := AssembleVelocityData(sub, opts.VelocityDataOptions)
		if err != nil {
			return nil, fmt.Errorf("group %q: %w", group, err)
		}
		if gi == 0 {
			if mark, ok := vdDelta.Var.Bool["is_protein_velocity_genes"]; ok {
				full := make([]bool, g)
				for k, j := range validIdx {
					full[j] = mark[k]
				}
				d.Var.SetBool("is_protein_velocity_genes", full)
			}
			info.HasSplicing, info.HasLabeling, info.HasProtein = vd.HasSplicing, vd.HasLabeling, vd.HasProtein
		}
		u, s := UandS(vd, opts.NTR)
		in := &EstimatorInput{Data: vd, U: u, S: s, Mode: opts.Mode, NTR: opts.NTR}
		if store != nil {
			in.Moments = groupMoments(vd, layout)
			for key, m := range in.Moments {
				if err := store.Fill(gi, key, valid, m.TUniq, m.M, m.V); err != nil {
					return nil, fmt.Errorf("group %q: %w", group, err)
				}
			}
		}
		log.Infof("dynamics: fitting group %q: %d cells, %d genes", group, len(rows), len(validIdx))
		res, err := est.Fit(in)
		if err != nil {
			return nil, fmt.Errorf("group %q: %w", group, err)
		}
		pre := prefixes[gi]
		w := &paramWriter{cols: cols, prefix: pre, genes: validIdx}
		for k := range vd.ProteinIndex {
			w.proteins = append(w.proteins, validIdx[vd.ProteinIndex[k]])
		}
		if err := w.writeResult(res, opts.Mode); err != nil {
			return nil, fmt.Errorf("group %q: %w", group, err)
		}
		if res.AlphaCells != nil {
			d.SetUns(pre+"alpha", expandCols(res.AlphaCells, validIdx, g))
		}
		vu.add(res.VelocityU, rows, validIdx)
		vs.add(res.VelocityS, rows, validIdx)
		if res.VelocityP != nil {
			_, np := res.VelocityP.Dims()
			if vp == nil {
				vp = matrix.Zeros(n, np)
			}
			for r, i := range rows {
				for k := 0; k < np; k++ {
					vp.Set(i, k, res.VelocityP.At(r, k))
				}
			}
		}
	}

	for name, col := range cols {
		d.Var.SetFloat(name, col)
	}
	if vu.used {
		d.SetLayer("velocity_U", vu.build(n, g))
	}
	if vs.used {
		d.SetLayer("velocity_S", vs.build(n, g))
	}
	if vp != nil {
		d.SetObsm("velocity_P", vp)
	}
	if store != nil {
		store.Store(d)
	}
	d.SetUns("dynamics", info)
	return d, nil
}

// validGenes returns the genes to fit for a filter mode.
func validGenes(adata *anndata.AnnData, mode string) ([]bool, error) {
	var col string
	switch mode {
	case GeneModeFinal:
		col = "use_for_dynamo"
	case GeneModeBasic:
		col = "pass_basic_filter"
	case GeneModeNone:
		return allTrue(adata.NGenes()), nil
	default:
		return nil, fmt.Errorf("%w: gene filter mode %q is not supported", ErrConfiguration, mode)
	}
	v, ok := adata.Var.Bool(col)
	if !ok {
		return nil, fmt.Errorf("%w: var column %s not present; run gene filtering first", ErrConfiguration, col)
	}
	return v, nil
}

// cellGroups assigns each cell a group number. Without a group key
// there is one unnamed group with an empty prefix.
func cellGroups(adata *anndata.AnnData, key string) (groups []string, cellGroup []int, prefixes []string, err error) {
	n := adata.NCells()
	cellGroup = make([]int, n)
	if key == "" {
		return []string{""}, cellGroup, []string{""}, nil
	}
	labels, ok := adata.Obs.Labels(key)
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: group column %s not present in obs", ErrConfiguration, key)
	}
	groups = uniqueSorted(labels)
	pos := indexOf(groups)
	for i, l := range labels {
		cellGroup[i] = pos[l]
	}
	for _, grp := range groups {
		prefixes = append(prefixes, key+"_"+grp+"_")
	}
	return groups, cellGroup, prefixes, nil
}

// groupMoments computes the moments a moment-mode estimator needs:
// new-RNA moments for labeling data, labeled spliced and unspliced
// moments for four-way data.
func groupMoments(vd *VelocityData, layout ExperimentLayout) map[string]*Moments {
	mom := func(m matrix.Matrix) *Moments {
		M, V, tUniq := StratifiedMoments(m, vd.T)
		return &Moments{M: M, V: V, TUniq: tUniq}
	}
	if layout == FourWay {
		return map[string]*Moments{"sl": mom(vd.Sl), "ul": mom(vd.Ul)}
	}
	return map[string]*Moments{"": mom(vd.Ul)}
}

// paramWriter scatters an estimator's per-gene results into
// full-length columns.
type paramWriter struct {
	cols     map[string][]float64
	prefix   string
	genes    []int
	proteins []int
}

func (w *paramWriter) set(name string, v []float64, idx []int) error {
	if v == nil {
		return nil
	}
	if len(v) != len(idx) {
		return fmt.Errorf("%w: estimator returned %d values for %s, expected %d", ErrDataShape, len(v), name, len(idx))
	}
	col, ok := w.cols[w.prefix+name]
	if !ok {
		return fmt.Errorf("%w: parameter %s is not written in this mode", ErrConfiguration, name)
	}
	for k, j := range idx {
		col[j] = v[k]
	}
	return nil
}

func (w *paramWriter) writeResult(res *EstimatorResult, mode string) error {
	alpha := res.Alpha
	if alpha == nil && res.AlphaCells != nil {
		alpha = matrix.ColMeans(res.AlphaCells)
	}
	type field struct {
		name string
		v    []float64
		idx  []int
	}
	fields := []field{
		{"beta", res.Beta, w.genes},
		{"gamma", res.Gamma, w.genes},
		{"half_life", halfLife(res.Gamma), w.genes},
	}
	if mode == ModeMoment {
		fields = append(fields,
			field{"a", res.A, w.genes},
			field{"b", res.B, w.genes},
			field{"alpha_a", res.AlphaA, w.genes},
			field{"alpha_i", res.AlphaI, w.genes})
	} else {
		fields = append(fields,
			field{"alpha", alpha, w.genes},
			field{"alpha_b", res.AlphaB, w.genes},
			field{"alpha_r2", finiteOrZero(res.AlphaR2), w.genes},
			field{"gamma_b", res.GammaB, w.genes},
			field{"gamma_r2", finiteOrZero(res.GammaR2), w.genes},
			field{"uu0", res.UU0, w.genes},
			field{"ul0", res.UL0, w.genes},
			field{"su0", res.SU0, w.genes},
			field{"sl0", res.SL0, w.genes},
			field{"U0", res.U0, w.genes},
			field{"S0", res.S0, w.genes},
			field{"total0", res.Total0, w.genes})
		if len(w.proteins) > 0 {
			fields = append(fields,
				field{"eta", res.Eta, w.proteins},
				field{"delta", res.Delta, w.proteins},
				field{"delta_b", res.DeltaB, w.proteins},
				field{"delta_r2", finiteOrZero(res.DeltaR2), w.proteins},
				field{"p_half_life", halfLife(res.Delta), w.proteins})
		}
	}
	for _, f := range fields {
		if err := w.set(f.name, f.v, f.idx); err != nil {
			return err
		}
	}
	return nil
}

func halfLife(rate []float64) []float64 {
	if rate == nil {
		return nil
	}
	out := make([]float64, len(rate))
	for i, r := range rate {
		out[i] = math.Ln2 / r
	}
	return out
}

func finiteOrZero(v []float64) []float64 {
	if v == nil {
		return nil
	}
	out := make([]float64, len(v))
	for i, x := range v {
		if !math.IsNaN(x) && !math.IsInf(x, 0) {
			out[i] = x
		}
	}
	return out
}

// expandCols places the columns of m at genes in an n×g matrix
// filled with NaN.
func expandCols(m *matrix.Dense, genes []int, g int) *matrix.Dense {
	r, _ := m.Dims()
	out := matrix.Zeros(r, g)
	data := out.RawData()
	for i := range data {
		data[i] = math.NaN()
	}
	for i := 0; i < r; i++ {
		for k, j := range genes {
			out.Set(i, j, m.At(i, k))
		}
	}
	return out
}

// velocityBuilder accumulates per-group velocities as triplets.
type velocityBuilder struct {
	used       bool
	rows, cols []int
	vals       []float64
}

func (b *velocityBuilder) add(v matrix.Matrix, rows, genes []int) {
	if v == nil {
		return
	}
	b.used = true
	v.DoNonZero(func(r, k int, x float64) {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return
		}
		b.rows = append(b.rows, rows[r])
		b.cols = append(b.cols, genes[k])
		b.vals = append(b.vals, x)
	})
}

func (b *velocityBuilder) build(n, g int) *matrix.CSR {
	return matrix.NewCSRFromTriplets(n, g, b.rows, b.cols, b.vals)
}

// SetVelocityGenes marks use_for_velocity for genes whose fit of the
// velocity kind in vkey (velocity_U, velocity_S or velocity_P) has
// R² above minR2, optionally restricted to use_for_dynamo genes.
func SetVelocityGenes(adata *anndata.AnnData, vkey string, minR2 float64, useForDynamo bool) (*anndata.Delta, error) {
	var col string
	switch strings.TrimPrefix(vkey, "velocity_") {
	case "U":
		col = "alpha_r2"
	case "S":
		col = "gamma_r2"
	case "P":
		col = "delta_r2"
	default:
		return nil, fmt.Errorf("%w: velocity key %q is not supported", ErrConfiguration, vkey)
	}
	r2, ok := adata.Var.Float(col)
	if !ok {
		return nil, fmt.Errorf("%w: var column %s not present; run dynamics first", ErrConfiguration, col)
	}
	use := make([]bool, len(r2))
	for j, v := range r2 {
		use[j] = v > minR2
	}
	if useForDynamo {
		dyn, ok := adata.Var.Bool("use_for_dynamo")
		if !ok {
			return nil, fmt.Errorf("%w: var column use_for_dynamo not present", ErrConfiguration)
		}
		andMask(use, dyn)
	}
	d := &anndata.Delta{}
	d.Var.SetBool("use_for_velocity", use)
	return d, nil
}
