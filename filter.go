// Copyright (C) The Dynamo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dynamo

import (
	"flag"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/cellvelocity/dynamo/anndata"
	"github.com/cellvelocity/dynamo/matrix"
	log "github.com/sirupsen/logrus"
)

const (
	SortBySVR        = "SVR"
	SortByDispersion = "dispersion"
	SortByGini       = "gini"
)

type CellFilterOptions struct {
	// FilterBool, if not nil, is ANDed into the result.
	FilterBool []bool

	// Layer selects which of spliced/unspliced/protein are
	// checked ("all", or one name). X is always checked.
	Layer string

	// KeepFiltered writes use_for_dynamo and keeps every cell;
	// otherwise failing cells are dropped.
	KeepFiltered bool

	MinExprGenesS, MinExprGenesU, MinExprGenesP int
	MaxExprGenesS, MaxExprGenesU, MaxExprGenesP float64

	// SharedCount < 0 disables the shared-count criterion.
	SharedCount int

	// Reset ignores any existing use_for_dynamo column.
	Reset bool
}

func DefaultCellFilterOptions() CellFilterOptions {
	return CellFilterOptions{
		Layer:         "all",
		MinExprGenesS: 50,
		MinExprGenesU: 25,
		MinExprGenesP: 1,
		MaxExprGenesS: math.Inf(1),
		MaxExprGenesU: math.Inf(1),
		MaxExprGenesP: math.Inf(1),
		SharedCount:   -1,
	}
}

func (f *CellFilterOptions) Flags(flags *flag.FlagSet) {
	flags.StringVar(&f.Layer, "cell-layer", f.Layer, "check expressed genes in `layer` (all, spliced, unspliced, protein)")
	flags.BoolVar(&f.KeepFiltered, "keep-filtered-cells", f.KeepFiltered, "mark failing cells instead of dropping them")
	flags.IntVar(&f.MinExprGenesS, "min-expr-genes-s", f.MinExprGenesS, "drop cells expressing ≤ `N` genes (X/spliced)")
	flags.IntVar(&f.MinExprGenesU, "min-expr-genes-u", f.MinExprGenesU, "drop cells expressing ≤ `N` unspliced genes")
	flags.IntVar(&f.MinExprGenesP, "min-expr-genes-p", f.MinExprGenesP, "drop cells expressing ≤ `N` proteins")
	flags.Float64Var(&f.MaxExprGenesS, "max-expr-genes-s", f.MaxExprGenesS, "drop cells expressing ≥ `N` genes (X/spliced)")
	flags.Float64Var(&f.MaxExprGenesU, "max-expr-genes-u", f.MaxExprGenesU, "drop cells expressing ≥ `N` unspliced genes")
	flags.Float64Var(&f.MaxExprGenesP, "max-expr-genes-p", f.MaxExprGenesP, "drop cells expressing ≥ `N` proteins")
	flags.IntVar(&f.SharedCount, "cell-shared-count", f.SharedCount, "drop cells whose shared count across layers is ≤ `N` (negative: off)")
}

// FilterCells selects cells by expressed-gene counts per layer and,
// optionally, by counts shared across all count layers.
func FilterCells(adata *anndata.AnnData, opts CellFilterOptions) (*anndata.Delta, error) {
	n := adata.NCells()
	if opts.FilterBool != nil && len(opts.FilterBool) != n {
		return nil, fmt.Errorf("%w: cell filter has %d entries, dataset has %d cells", ErrDataShape, len(opts.FilterBool), n)
	}
	keep := allTrue(n)
	rowCheck := func(m matrix.Matrix, min int, max float64) {
		for i, c := range matrix.RowCountAbove(m, 0) {
			keep[i] = keep[i] && c > min && float64(c) < max
		}
	}
	rowCheck(adata.X, opts.MinExprGenesS, opts.MaxExprGenesS)
	if m, ok := adata.Layers["spliced"]; ok && (opts.Layer == "all" || opts.Layer == "spliced") {
		rowCheck(m, opts.MinExprGenesS, opts.MaxExprGenesS)
	}
	if m, ok := adata.Layers["unspliced"]; ok && (opts.Layer == "all" || opts.Layer == "unspliced") {
		rowCheck(m, opts.MinExprGenesU, opts.MaxExprGenesU)
	}
	if m, ok := adata.Obsm["protein"]; ok && (opts.Layer == "all" || opts.Layer == "protein") {
		rowCheck(m, opts.MinExprGenesP, opts.MaxExprGenesP)
	}
	if opts.SharedCount >= 0 {
		layers := sharedLayers(adata, []string{opts.Layer})
		if opts.Layer == "all" {
			layers = sharedLayers(adata, nil)
		}
		cells, _ := sharedCounts(adata, layers)
		for i, s := range cells {
			keep[i] = keep[i] && s > float64(opts.SharedCount)
		}
	}
	andMask(keep, opts.FilterBool)
	if prev, ok := adata.Obs.Bool("use_for_dynamo"); ok && !opts.Reset {
		andMask(keep, prev)
	}
	log.Printf("filter cells: %d of %d cells pass", countTrue(keep), n)
	d := &anndata.Delta{}
	d.Obs.SetBool("use_for_dynamo", keep)
	if !opts.KeepFiltered {
		d.SubsetObs(keep)
	}
	return d, nil
}

type GeneFilterOptions struct {
	FilterBool []bool

	// Layer selects which of spliced/unspliced/protein are
	// checked ("all", or one name) and which layer is scored.
	Layer         string
	TotalSzFactor string

	// KeepFiltered writes use_for_dynamo and keeps every gene;
	// otherwise genes not selected are dropped.
	KeepFiltered bool

	MinCellS, MinCellU, MinCellP       int
	MinAvgExpS, MinAvgExpU, MinAvgExpP float64
	MaxAvgExp                          float64

	// SharedCount < 0 disables the shared-count criterion.
	SharedCount int

	SortBy    string
	NTopGenes int

	// Reset ignores any existing use_for_dynamo column.
	Reset bool
}

func DefaultGeneFilterOptions() GeneFilterOptions {
	return GeneFilterOptions{
		Layer:        "all",
		KeepFiltered: true,
		MinCellS:     5,
		MinCellU:     5,
		MinCellP:     5,
		MinAvgExpS:   1e-2,
		MinAvgExpU:   1e-4,
		MinAvgExpP:   1e-4,
		MaxAvgExp:    100,
		SharedCount:  30,
		SortBy:       SortBySVR,
		NTopGenes:    2000,
	}
}

func (f *GeneFilterOptions) Flags(flags *flag.FlagSet) {
	flags.StringVar(&f.Layer, "gene-layer", f.Layer, "check and score genes in `layer`")
	flags.BoolVar(&f.KeepFiltered, "keep-filtered-genes", f.KeepFiltered, "mark unselected genes instead of dropping them")
	flags.IntVar(&f.MinCellS, "min-cell-s", f.MinCellS, "drop genes expressed in ≤ `N` cells (X/spliced)")
	flags.IntVar(&f.MinCellU, "min-cell-u", f.MinCellU, "drop genes expressed in ≤ `N` cells (unspliced)")
	flags.IntVar(&f.MinCellP, "min-cell-p", f.MinCellP, "drop proteins expressed in ≤ `N` cells")
	flags.Float64Var(&f.MinAvgExpS, "min-avg-exp-s", f.MinAvgExpS, "drop genes with mean expression ≤ `X` (X/spliced)")
	flags.Float64Var(&f.MinAvgExpU, "min-avg-exp-u", f.MinAvgExpU, "drop genes with mean expression ≤ `X` (unspliced)")
	flags.Float64Var(&f.MinAvgExpP, "min-avg-exp-p", f.MinAvgExpP, "drop proteins with mean expression ≤ `X`")
	flags.Float64Var(&f.MaxAvgExp, "max-avg-exp", f.MaxAvgExp, "drop genes with mean expression ≥ `X`")
	flags.IntVar(&f.SharedCount, "gene-shared-count", f.SharedCount, "drop genes whose shared count across layers is ≤ `N` (negative: off)")
	flags.StringVar(&f.SortBy, "sort-by", f.SortBy, "rank genes by `score` (SVR, dispersion, gini)")
	flags.IntVar(&f.NTopGenes, "n-top-genes", f.NTopGenes, "keep the top `N` ranked genes")
}

// FilterGenes applies expression thresholds to genes, writes
// pass_basic_filter, then ranks the passing genes by a feature score
// and marks the top NTopGenes as use_for_dynamo.
func FilterGenes(adata *anndata.AnnData, opts GeneFilterOptions) (*anndata.Delta, error) {
	g := adata.NGenes()
	if opts.FilterBool != nil && len(opts.FilterBool) != g {
		return nil, fmt.Errorf("%w: gene filter has %d entries, dataset has %d genes", ErrDataShape, len(opts.FilterBool), g)
	}
	switch opts.SortBy {
	case SortBySVR, SortByDispersion, SortByGini:
	default:
		return nil, fmt.Errorf("%w: unknown gene ranking %q", ErrConfiguration, opts.SortBy)
	}
	pass := allTrue(g)
	colCheck := func(m matrix.Matrix, minCells int, minAvg, maxAvg float64) {
		counts := matrix.ColCountAbove(m, 0)
		means := matrix.ColMeans(m)
		for j := range pass {
			pass[j] = pass[j] && counts[j] > minCells && means[j] > minAvg && means[j] < maxAvg
		}
	}
	colCheck(adata.X, opts.MinCellS, opts.MinAvgExpS, opts.MaxAvgExp)
	if m, ok := adata.Layers["spliced"]; ok && (opts.Layer == "all" || opts.Layer == "spliced") {
		colCheck(m, opts.MinCellS, opts.MinAvgExpS, opts.MaxAvgExp)
	}
	if m, ok := adata.Layers["unspliced"]; ok && (opts.Layer == "all" || opts.Layer == "unspliced") {
		colCheck(m, opts.MinCellU, opts.MinAvgExpU, opts.MaxAvgExp)
	}
	if opts.SharedCount >= 0 {
		if layers := sharedLayers(adata, nil); len(layers) > 0 {
			_, genes := sharedCounts(adata, layers)
			for j, s := range genes {
				pass[j] = pass[j] && s > float64(opts.SharedCount)
			}
		}
	}
	if m, ok := adata.Obsm["protein"]; ok && opts.Layer == "protein" {
		if _, pg := m.Dims(); pg == g {
			colCheck(m, opts.MinCellP, opts.MinAvgExpP, opts.MaxAvgExp)
		} else {
			log.Warnf("protein matrix has %d features, dataset has %d genes; protein criteria ignored", pg, g)
		}
	}
	andMask(pass, opts.FilterBool)
	if prev, ok := adata.Var.Bool("use_for_dynamo"); ok && !opts.Reset {
		andMask(pass, prev)
	}

	d := &anndata.Delta{}
	d.Var.SetBool("pass_basic_filter", pass)

	scoreLayer := opts.Layer
	if scoreLayer == "all" || scoreLayer == "protein" {
		scoreLayer = "X"
	}
	var score []float64
	switch opts.SortBy {
	case SortBySVR:
		svrOpts := DefaultSVROptions()
		svrOpts.Layers = []string{scoreLayer}
		svrOpts.FilterBool = pass
		svrOpts.TotalSzFactor = opts.TotalSzFactor
		svrOpts.MinExprCells = 0
		svrOpts.MinExprAvg = 0
		svrOpts.MaxExprAvg = math.Inf(1)
		sd, err := SVRScores(adata, svrOpts)
		if err != nil {
			return nil, err
		}
		p := layerPrefix(scoreLayer)
		for _, k := range []string{"log_m", "log_cv", "score"} {
			d.Var.SetFloat(p+k, sd.Var.Float[p+k])
		}
		for k, v := range sd.Uns {
			d.SetUns(k, v)
		}
		score = sd.Var.Float[p+"score"]
	case SortByDispersion:
		table, err := DispersionTable(adata, scoreLayer)
		if err != nil {
			return nil, err
		}
		score = nanSlice(g)
		pos := indexOf(adata.Var.Index)
		for _, row := range table {
			if row.DispersionEmpirical > row.DispersionFit {
				score[pos[row.GeneID]] = row.DispersionEmpirical
			}
		}
	case SortByGini:
		cm, ok := layerMatrix(adata, scoreLayer)
		if !ok {
			return nil, fmt.Errorf("%w: layer %q not present", ErrConfiguration, scoreLayer)
		}
		score = giniColumns(cm)
		d.Var.SetFloat(layerPrefix(scoreLayer)+"gini", score)
	}
	use := topGenes(score, pass, opts.NTopGenes)
	log.Printf("filter genes: %d pass basic filter, %d selected by %s", countTrue(pass), countTrue(use), opts.SortBy)
	d.Var.SetBool("use_for_dynamo", use)
	if !opts.KeepFiltered {
		d.SubsetVar(use)
	}
	return d, nil
}

// topGenes marks the n eligible genes with the highest finite
// scores. Ties keep the lower index.
func topGenes(score []float64, eligible []bool, n int) []bool {
	var idx []int
	for j, s := range score {
		if eligible[j] && !math.IsNaN(s) && !math.IsInf(s, 0) {
			idx = append(idx, j)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool { return score[idx[a]] > score[idx[b]] })
	if len(idx) > n {
		idx = idx[:n]
	}
	out := make([]bool, len(score))
	for _, j := range idx {
		out[j] = true
	}
	return out
}

// sharedLayers returns the count layers that take part in
// shared-count filtering.
func sharedLayers(adata *anndata.AnnData, requested []string) []string {
	var out []string
	for _, l := range countLayers(adata, requested, false) {
		switch l {
		case "X", "matrix", "ambiguous":
			continue
		}
		out = append(out, l)
	}
	return out
}

// sharedCounts returns, per cell and per gene, the sum over layers
// of counts at positions that are non-zero in every layer.
func sharedCounts(adata *anndata.AnnData, layers []string) (cells, genes []float64) {
	n, g := adata.NCells(), adata.NGenes()
	cells, genes = make([]float64, n), make([]float64, g)
	if len(layers) == 0 {
		return
	}
	first := adata.Layers[layers[0]]
	first.DoNonZero(func(i, j int, v float64) {
		if v <= 0 {
			return
		}
		sum := v
		for _, l := range layers[1:] {
			w := adata.Layers[l].At(i, j)
			if w <= 0 {
				return
			}
			sum += w
		}
		cells[i] += sum
		genes[j] += sum
	})
	return
}

func andMask(dst, src []bool) {
	if src == nil {
		return
	}
	for i := range dst {
		dst[i] = dst[i] && src[i]
	}
}

func allTrue(n int) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = true
	}
	return out
}

func countTrue(b []bool) int {
	n := 0
	for _, v := range b {
		if v {
			n++
		}
	}
	return n
}

// parseLayerList splits a comma-separated list of layer names.
func parseLayerList(s string) []string {
	if s == "" || s == "all" {
		return AllLayers
	}
	return strings.Split(s, ",")
}
