// Copyright (C) The Dynamo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dynamo

import (
	"errors"

	"github.com/cellvelocity/dynamo/matrix"
	"gopkg.in/check.v1"
)

type recipeSuite struct{}

var _ = check.Suite(&recipeSuite{})

func testRecipeOptions() RecipeOptions {
	opts := DefaultRecipeOptions()
	opts.NumDim = 5
	opts.CellFilter.MinExprGenesS = 10
	opts.CellFilter.MinExprGenesU = 5
	return opts
}

func (s *recipeSuite) TestRecipe(c *check.C) {
	adata := splicingDataset(c, 100, 50, 20)
	out, err := Recipe(adata, testRecipeOptions())
	c.Assert(err, check.IsNil)

	// input is not modified
	_, ok := adata.Obs.Float("Size_Factor")
	c.Check(ok, check.Equals, false)

	c.Check(out.NCells(), check.Equals, 100)
	c.Check(out.NGenes(), check.Equals, 50)
	sfs, ok := out.Obs.Float("Size_Factor")
	c.Assert(ok, check.Equals, true)
	checkFinitePositive(c, sfs)
	use, ok := out.Var.Bool("use_for_dynamo")
	c.Assert(ok, check.Equals, true)
	c.Check(countTrue(use) > 0, check.Equals, true)
	_, ok = out.Obs.Bool("use_for_dynamo")
	c.Check(ok, check.Equals, true)
	pca, ok := out.Obsm["X_pca"]
	c.Assert(ok, check.Equals, true)
	r, k := pca.Dims()
	c.Check(r, check.Equals, 100)
	c.Check(k, check.Equals, 5)
	ratio, ok := out.Uns["explained_variance_ratio_"].([]float64)
	c.Assert(ok, check.Equals, true)
	c.Check(ratio, check.HasLen, 5)
	for _, v := range ratio {
		c.Check(v >= 0 && v <= 1, check.Equals, true)
	}
	info, ok := out.Uns["recipe"].(*RecipeInfo)
	c.Assert(ok, check.Equals, true)
	c.Check(info.SizeFactorNormalized, check.Equals, false)
	c.Check(info.Logged, check.Equals, false)
	c.Check(out.Uns["pp_norm_method"], check.Equals, NormLog)
	_, ok = out.Layers["X_spliced"]
	c.Check(ok, check.Equals, true)
}

func (s *recipeSuite) TestRecipeIdempotent(c *check.C) {
	adata := splicingDataset(c, 100, 50, 21)
	first, err := Recipe(adata, testRecipeOptions())
	c.Assert(err, check.IsNil)
	second, err := Recipe(first, testRecipeOptions())
	c.Assert(err, check.IsNil)

	info := second.Uns["recipe"].(*RecipeInfo)
	c.Check(info.SizeFactorNormalized, check.Equals, true)
	c.Check(info.Logged, check.Equals, true)
	sf1, _ := first.Obs.Float("Size_Factor")
	sf2, _ := second.Obs.Float("Size_Factor")
	c.Check(sf2, check.DeepEquals, sf1)
	c.Check(matrix.EqualApprox(first.X, second.X, 0), check.Equals, true)
	c.Check(matrix.EqualApprox(first.Layers["X_spliced"], second.Layers["X_spliced"], 0), check.Equals, true)
}

func (s *recipeSuite) TestRecipeGenesToUse(c *check.C) {
	adata := splicingDataset(c, 60, 20, 22)
	opts := testRecipeOptions()
	opts.NumDim = 2
	opts.GenesToUse = []string{"gene0", "gene1", "gene2", "gene3", "nonexistent"}
	opts.KeepFilteredGenes = false
	out, err := Recipe(adata, opts)
	c.Assert(err, check.IsNil)
	c.Check(out.Var.Index, check.DeepEquals, []string{"gene0", "gene1", "gene2", "gene3"})
	_, k := out.Obsm["X_pca"].Dims()
	c.Check(k, check.Equals, 2)
}

func (s *recipeSuite) TestRecipeICA(c *check.C) {
	adata := splicingDataset(c, 80, 30, 23)
	opts := testRecipeOptions()
	opts.Method = ReduceICA
	opts.NumDim = 3
	out, err := Recipe(adata, opts)
	c.Assert(err, check.IsNil)
	ica, ok := out.Obsm["X_ica"]
	c.Assert(ok, check.Equals, true)
	r, k := ica.Dims()
	c.Check(r, check.Equals, 80)
	c.Check(k, check.Equals, 3)
	_, ok = out.Uns["ica_fit"].(*ICAFit)
	c.Check(ok, check.Equals, true)

	opts.Method = "umap"
	_, err = Recipe(adata, opts)
	c.Check(errors.Is(err, ErrConfiguration), check.Equals, true)
}

func (s *recipeSuite) TestRecipeDispersionSelection(c *check.C) {
	adata := overdispersedDataset(c, 300, 50, 24)
	opts := testRecipeOptions()
	opts.FeatureSelection = SortByDispersion
	opts.NTopGenes = 20
	out, err := Recipe(adata, opts)
	c.Assert(err, check.IsNil)
	_, ok := out.Uns["dispFitInfo"].(*DispFitInfo)
	c.Check(ok, check.Equals, true)
	use, _ := out.Var.Bool("use_for_dynamo")
	c.Check(countTrue(use) <= 20, check.Equals, true)
	c.Check(countTrue(use) > 0, check.Equals, true)
	c.Check(out.Uns["feature_selection"], check.Equals, SortByDispersion)
}

func (s *recipeSuite) TestDetectNormalization(c *check.C) {
	counts := matrix.FromRows([][]float64{{1, 0, 3}, {2, 5, 0}, {0, 1, 1}})
	szNorm, logged := detectNormalization(counts)
	c.Check(szNorm, check.Equals, false)
	c.Check(logged, check.Equals, false)

	scaled := matrix.FromRows([][]float64{{0.5, 0, 1.5}, {1, 2.5, 0}, {0, 0.5, 0.5}})
	szNorm, logged = detectNormalization(scaled)
	c.Check(szNorm, check.Equals, true)
	c.Check(logged, check.Equals, true)

	// equal totals: size-factor normalized but not logged
	equal := matrix.FromRows([][]float64{{0.5, 1.5}, {1.25, 0.75}})
	szNorm, logged = detectNormalization(equal)
	c.Check(szNorm, check.Equals, true)
	c.Check(logged, check.Equals, false)

	szNorm, _ = detectNormalization(matrix.Sparsify(scaled))
	c.Check(szNorm, check.Equals, true)
}
