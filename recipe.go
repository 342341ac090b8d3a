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

type RecipeOptions struct {
	// Normalized overrides detection of pre-normalized input: nil
	// detects, false treats X as raw counts, true as size-factor
	// normalized and logged.
	Normalized *bool

	// Layer selects the matrix reduced: "" or "X", "protein", or
	// a count layer (whose X_ version is used).
	Layer       string
	TotalLayers []string

	// GenesToUse, if set, replaces feature selection.
	GenesToUse []string

	Method           string
	NumDim           int
	NormMethod       string
	Pseudo           float64
	FeatureSelection string
	NTopGenes        int
	RelativeExpr     bool

	KeepFilteredCells bool
	KeepFilteredGenes bool

	CellFilter CellFilterOptions
	GeneFilter GeneFilterOptions

	// Seed for ICA initialization.
	Seed uint64
}

func DefaultRecipeOptions() RecipeOptions {
	cf := DefaultCellFilterOptions()
	cf.KeepFiltered = true
	gf := DefaultGeneFilterOptions()
	gf.Layer = "X"
	return RecipeOptions{
		Method:            ReducePCA,
		NumDim:            50,
		NormMethod:        NormLog,
		Pseudo:            1,
		FeatureSelection:  SortBySVR,
		NTopGenes:         2000,
		RelativeExpr:      true,
		KeepFilteredCells: true,
		KeepFilteredGenes: true,
		CellFilter:        cf,
		GeneFilter:        gf,
		Seed:              2019,
	}
}

// RecipeInfo is stored in uns["recipe"].
type RecipeInfo struct {
	SizeFactorNormalized bool
	Logged               bool
	Method               string
	FeatureSelection     string
	NumDim               int
}

// Recipe runs the preprocessing pipeline on a copy of adata: size
// factors, cell filtering, feature selection, normalization and
// dimension reduction. Steps made redundant by already-normalized
// input are skipped, so running Recipe on its own output does not
// normalize twice.
func Recipe(adata *anndata.AnnData, opts RecipeOptions) (*anndata.AnnData, error) {
	if opts.Method != ReducePCA && opts.Method != ReduceICA {
		return nil, fmt.Errorf("%w: dimension reduction method %q is not supported", ErrConfiguration, opts.Method)
	}
	work := adata.Copy()
	apply := func(step string, d *anndata.Delta, err error) error {
		if err != nil {
			return fmt.Errorf("%s: %w", step, err)
		}
		if err := d.Apply(work); err != nil {
			return fmt.Errorf("%s: %w", step, err)
		}
		return nil
	}

	szNorm, logged := false, false
	if opts.Normalized == nil {
		szNorm, logged = detectNormalization(work.X)
	} else if *opts.Normalized {
		szNorm, logged = true, true
	}
	log.Printf("recipe: size-factor normalized %v, logged %v", szNorm, logged)

	if !szNorm || !work.Obs.Has("Size_Factor") {
		sfOpts := DefaultSizeFactorOptions()
		sfOpts.TotalLayers = opts.TotalLayers
		d, err := SizeFactors(work, sfOpts)
		if err := apply("size factors", d, err); err != nil {
			return nil, err
		}
		if opts.FeatureSelection == SortByDispersion {
			d, err := Dispersion(work, DefaultDispersionOptions())
			if err := apply("dispersion", d, err); err != nil {
				return nil, err
			}
		}
	}

	cf := opts.CellFilter
	cf.KeepFiltered = opts.KeepFilteredCells
	d, err := FilterCells(work, cf)
	if err := apply("filter cells", d, err); err != nil {
		return nil, err
	}

	if opts.GenesToUse == nil {
		gf := opts.GeneFilter
		gf.SortBy = opts.FeatureSelection
		gf.NTopGenes = opts.NTopGenes
		gf.KeepFiltered = opts.KeepFilteredGenes
		d, err := FilterGenes(work, gf)
		if err := apply("filter genes", d, err); err != nil {
			return nil, err
		}
	} else {
		want := map[string]bool{}
		for _, g := range opts.GenesToUse {
			want[g] = true
		}
		use := make([]bool, work.NGenes())
		for j, g := range work.Var.Index {
			use[j] = want[g]
		}
		d := &anndata.Delta{}
		d.Var.SetBool("use_for_dynamo", use)
		if !opts.KeepFilteredGenes {
			d.SubsetVar(use)
		}
		if err := apply("genes to use", d, nil); err != nil {
			return nil, err
		}
	}

	if !logged {
		if _, ok := work.Uns[DispFitInfoKey("X")]; !ok && opts.NormMethod == NormVST {
			d, err := Dispersion(work, DefaultDispersionOptions())
			if err := apply("dispersion", d, err); err != nil {
				return nil, err
			}
		}
		nOpts := DefaultNormalizeOptions()
		nOpts.Method = opts.NormMethod
		nOpts.Pseudo = opts.Pseudo
		nOpts.RelativeExpr = opts.RelativeExpr
		nOpts.KeepFiltered = opts.KeepFilteredGenes
		if len(opts.TotalLayers) > 0 {
			nOpts.TotalSzFactor = SizeFactorColumn(totalLayer)
		}
		d, err := Normalize(work, nOpts)
		if err := apply("normalize", d, err); err != nil {
			return nil, err
		}
	}

	cm, err := reductionInput(work, opts.Layer)
	if err != nil {
		return nil, err
	}
	out := &anndata.Delta{}
	switch opts.Method {
	case ReducePCA:
		reduced, fit, err := reducePCA(cm, opts.NumDim)
		if err != nil {
			return nil, err
		}
		out.SetObsm("X_pca", reduced)
		out.SetUns("pca_fit", fit)
		out.SetUns("explained_variance_ratio_", fit.ExplainedVarianceRatio)
	case ReduceICA:
		reduced, fit, err := reduceICA(cm, opts.NumDim, opts.Seed)
		if err != nil {
			return nil, err
		}
		out.SetObsm("X_ica", reduced)
		out.SetUns("ica_fit", fit)
	}
	out.SetUns("feature_selection", opts.FeatureSelection)
	out.SetUns("recipe", &RecipeInfo{
		SizeFactorNormalized: szNorm,
		Logged:               logged,
		Method:               opts.Method,
		FeatureSelection:     opts.FeatureSelection,
		NumDim:               opts.NumDim,
	})
	if err := apply("dimension reduction", out, nil); err != nil {
		return nil, err
	}
	return work, nil
}

// reductionInput returns the normalized matrix restricted to
// use_for_dynamo genes whose column sums are finite and non-zero.
func reductionInput(adata *anndata.AnnData, layer string) (matrix.Matrix, error) {
	var cm matrix.Matrix
	switch layer {
	case "", "X":
		cm = adata.X
	case "protein":
		p, ok := adata.Obsm["X_protein"]
		if !ok {
			return nil, fmt.Errorf("%w: obsm X_protein not present", ErrConfiguration)
		}
		cm = p
	default:
		m, ok := adata.Layers[normalizedName(layer)]
		if !ok {
			return nil, fmt.Errorf("%w: layer %s not present", ErrConfiguration, normalizedName(layer))
		}
		cm = m
	}
	if layer != "protein" {
		if use, ok := adata.Var.Bool("use_for_dynamo"); ok {
			cm = cm.SubsetCols(use)
		}
	}
	sums := matrix.ColSums(cm)
	valid := make([]bool, len(sums))
	for j, s := range sums {
		valid[j] = !math.IsNaN(s) && !math.IsInf(s, 0) && s != 0
	}
	return cm.SubsetCols(valid), nil
}

// detectNormalization guesses whether x is already size-factor
// normalized (non-integer values among the first stored entries)
// and logged (totals of the first cells differ).
func detectNormalization(x matrix.Matrix) (szNorm, logged bool) {
	n, _ := x.Dims()
	var sample []float64
	if x.IsSparse() {
		x.DoNonZero(func(_, _ int, v float64) {
			if len(sample) < 20 {
				sample = append(sample, v)
			}
		})
	} else if _, c := x.Dims(); c > 0 {
		sample = x.Col(0)
	}
	for _, v := range sample {
		if v-math.Floor(v) > 1e-3 {
			szNorm = true
			break
		}
	}
	if !szNorm || n == 0 {
		return
	}
	totals := matrix.RowSums(x)
	for i := 1; i < n && i < 10; i++ {
		if math.Abs(totals[i]-totals[0]) > 1e-1 {
			logged = true
			break
		}
	}
	return
}
