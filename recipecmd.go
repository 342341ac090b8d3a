// Copyright (C) The Dynamo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dynamo

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/cellvelocity/dynamo/anndata"
	log "github.com/sirupsen/logrus"
)

type recipecmd struct {
	dataset datasetFlags
	opts    RecipeOptions
}

func (cmd *recipecmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	cmd.opts = DefaultRecipeOptions()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.dataset.Flags(flags, true)
	normalized := flags.String("normalized", "auto", "input is already normalized and logged: `auto`, true, or false")
	flags.StringVar(&cmd.opts.Layer, "layer", "X", "reduce `layer` (X, protein, or a count layer)")
	flags.Var((*listFlag)(&cmd.opts.TotalLayers), "total-layers", "comma-separated `layers` summed for a total size factor")
	flags.Var((*listFlag)(&cmd.opts.GenesToUse), "genes-to-use", "comma-separated `genes` to use instead of feature selection")
	flags.StringVar(&cmd.opts.Method, "method", cmd.opts.Method, "dimension reduction `method` (pca, ica)")
	flags.IntVar(&cmd.opts.NumDim, "num-dim", cmd.opts.NumDim, "number of `components`")
	flags.StringVar(&cmd.opts.NormMethod, "norm-method", cmd.opts.NormMethod, "normalization `method` (log, clr, vst)")
	flags.Float64Var(&cmd.opts.Pseudo, "pseudo", cmd.opts.Pseudo, "pseudocount added before the log transform")
	flags.BoolVar(&cmd.opts.RelativeExpr, "relative-expr", cmd.opts.RelativeExpr, "divide by size factors before the transform")
	flags.Uint64Var(&cmd.opts.Seed, "seed", cmd.opts.Seed, "random `seed` for ica")
	cmd.opts.CellFilter.Flags(flags)
	cmd.opts.GeneFilter.Flags(flags)
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() > 0 {
		err = fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
		return 2
	}
	if *normalized != "auto" {
		var v bool
		v, err = strconv.ParseBool(*normalized)
		if err != nil {
			err = fmt.Errorf("-normalized: %w", err)
			return 2
		}
		cmd.opts.Normalized = &v
	}
	cmd.opts.KeepFilteredCells = cmd.opts.CellFilter.KeepFiltered
	cmd.opts.KeepFilteredGenes = cmd.opts.GeneFilter.KeepFiltered
	cmd.opts.FeatureSelection = cmd.opts.GeneFilter.SortBy
	cmd.opts.NTopGenes = cmd.opts.GeneFilter.NTopGenes

	adata, err := cmd.dataset.start(true)
	if err != nil {
		return 1
	}
	out, err := Recipe(adata, cmd.opts)
	if err != nil {
		return 1
	}
	log.Printf("recipe: %d cells × %d genes", out.NCells(), out.NGenes())
	err = cmd.dataset.write(out)
	if err != nil {
		return 1
	}
	return 0
}

// stagecmd runs a single pipeline stage on a dataset directory.
type stagecmd struct {
	dataset datasetFlags
}

func (cmd *stagecmd) run(args []string, stderr io.Writer, setup func(*flag.FlagSet), stage func(*anndata.AnnData) (*anndata.Delta, error)) (code int, err error) {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.dataset.Flags(flags, true)
	setup(flags)
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		return 0, nil
	} else if err != nil {
		return 2, err
	} else if flags.NArg() > 0 {
		return 2, fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}
	adata, err := cmd.dataset.start(true)
	if err != nil {
		return 1, err
	}
	d, err := stage(adata)
	if err != nil {
		return 1, err
	}
	if err = d.Apply(adata); err != nil {
		return 1, err
	}
	if err = cmd.dataset.write(adata); err != nil {
		return 1, err
	}
	return 0, nil
}

func reportErr(stderr io.Writer, code int, err error) int {
	if err != nil && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(stderr, "%s\n", err)
	}
	return code
}

type sizeFactorscmd struct{ stagecmd }

func (cmd *sizeFactorscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts := DefaultSizeFactorOptions()
	layers := "all"
	code, err := cmd.run(args, stderr, func(flags *flag.FlagSet) {
		flags.StringVar(&layers, "layers", layers, "comma-separated `layers`, or all")
		flags.Var((*listFlag)(&opts.TotalLayers), "total-layers", "comma-separated `layers` summed for a total size factor")
		flags.StringVar(&opts.Method, "method", opts.Method, "`method` (mean-geometric-mean-total, median)")
		flags.BoolVar(&opts.RoundExprs, "round", opts.RoundExprs, "round counts before summing")
	}, func(adata *anndata.AnnData) (*anndata.Delta, error) {
		opts.Layers = parseLayerList(layers)
		return SizeFactors(adata, opts)
	})
	return reportErr(stderr, code, err)
}

type normalizecmd struct{ stagecmd }

func (cmd *normalizecmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts := DefaultNormalizeOptions()
	layers := "all"
	code, err := cmd.run(args, stderr, func(flags *flag.FlagSet) {
		flags.StringVar(&layers, "layers", layers, "comma-separated `layers`, or all")
		flags.StringVar(&opts.TotalSzFactor, "total-size-factor", opts.TotalSzFactor, "divide by obs `column` instead of each layer's size factor")
		flags.StringVar(&opts.Method, "method", opts.Method, "`method` (log, clr, vst)")
		flags.Float64Var(&opts.Pseudo, "pseudo", opts.Pseudo, "pseudocount added before the log transform")
		flags.BoolVar(&opts.NaturalLog, "ln", opts.NaturalLog, "use natural log instead of log2")
		flags.BoolVar(&opts.RelativeExpr, "relative-expr", opts.RelativeExpr, "divide by size factors before the transform")
		flags.BoolVar(&opts.KeepFiltered, "keep-filtered", opts.KeepFiltered, "keep genes not marked use_for_dynamo")
		flags.BoolVar(&opts.MaterializeZeros, "materialize-zeros", opts.MaterializeZeros, "transform implicit zeros of sparse layers")
	}, func(adata *anndata.AnnData) (*anndata.Delta, error) {
		opts.Layers = parseLayerList(layers)
		return Normalize(adata, opts)
	})
	return reportErr(stderr, code, err)
}

type dispersioncmd struct{ stagecmd }

func (cmd *dispersioncmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts := DefaultDispersionOptions()
	layers := "X"
	scores := false
	code, err := cmd.run(args, stderr, func(flags *flag.FlagSet) {
		flags.StringVar(&layers, "layers", layers, "comma-separated `layers`, or all")
		flags.IntVar(&opts.MinCellsDetected, "min-cells-detected", opts.MinCellsDetected, "fit genes detected in at least `N` cells")
		flags.BoolVar(&opts.RemoveOutliers, "remove-outliers", opts.RemoveOutliers, "drop Cook's distance outliers and refit")
		flags.BoolVar(&scores, "scores", scores, "also write per-gene dispersion scores")
	}, func(adata *anndata.AnnData) (*anndata.Delta, error) {
		opts.Layers = parseLayerList(layers)
		d, err := Dispersion(adata, opts)
		if err != nil || !scores {
			return d, err
		}
		// scores read the fit, so apply it to a copy first
		tmp := adata.Copy()
		if err := d.Apply(tmp); err != nil {
			return nil, err
		}
		for _, layer := range countLayers(tmp, opts.Layers, false) {
			sd, err := DispersionScores(tmp, layer)
			if err != nil {
				return nil, err
			}
			for name, v := range sd.Var.Float {
				d.Var.SetFloat(name, v)
			}
		}
		return d, nil
	})
	return reportErr(stderr, code, err)
}

type filtercmd struct{ stagecmd }

func (cmd *filtercmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cf := DefaultCellFilterOptions()
	gf := DefaultGeneFilterOptions()
	code, err := cmd.run(args, stderr, func(flags *flag.FlagSet) {
		cf.Flags(flags)
		gf.Flags(flags)
	}, func(adata *anndata.AnnData) (*anndata.Delta, error) {
		d, err := FilterCells(adata, cf)
		if err != nil {
			return nil, err
		}
		tmp := adata.Copy()
		if err := d.Apply(tmp); err != nil {
			return nil, err
		}
		gd, err := FilterGenes(tmp, gf)
		if err != nil {
			return nil, err
		}
		*adata = *tmp
		return gd, nil
	})
	return reportErr(stderr, code, err)
}
