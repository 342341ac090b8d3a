// Copyright (C) The Dynamo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dynamo

import (
	"errors"
	"math"

	"github.com/cellvelocity/dynamo/anndata"
	"github.com/cellvelocity/dynamo/matrix"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"
	"gopkg.in/check.v1"
)

type preprocessSuite struct{}

var _ = check.Suite(&preprocessSuite{})

func (s *preprocessSuite) TestSizeFactorsPositive(c *check.C) {
	adata := splicingDataset(c, 40, 20, 1)
	// an empty cell
	x := adata.X.(*matrix.Dense)
	for j := 0; j < 20; j++ {
		x.Set(3, j, 0)
	}
	d, err := SizeFactors(adata, DefaultSizeFactorOptions())
	c.Assert(err, check.IsNil)
	c.Assert(d.Apply(adata), check.IsNil)
	for _, col := range []string{"Size_Factor", "spliced_Size_Factor", "unspliced_Size_Factor"} {
		sfs, ok := adata.Obs.Float(col)
		c.Assert(ok, check.Equals, true, check.Commentf("%s", col))
		c.Check(sfs, check.HasLen, 40)
		checkFinitePositive(c, sfs)
	}

	// geometric mean of size factors of non-empty cells is 1
	sfs, _ := adata.Obs.Float("spliced_Size_Factor")
	logs := make([]float64, len(sfs))
	for i, v := range sfs {
		logs[i] = math.Log(v)
	}
	c.Check(math.Abs(stat.Mean(logs, nil)) < 1e-9, check.Equals, true)
}

func (s *preprocessSuite) TestSizeFactorsMedian(c *check.C) {
	adata := splicingDataset(c, 41, 10, 2)
	opts := DefaultSizeFactorOptions()
	opts.Method = SizeFactorMedian
	opts.Layers = []string{"spliced"}
	opts.TotalLayers = []string{"spliced", "unspliced"}
	d, err := SizeFactors(adata, opts)
	c.Assert(err, check.IsNil)
	sfs := d.Obs.Float["spliced_Size_Factor"]
	c.Check(median(sfs), check.Equals, 1.0)
	c.Check(d.Obs.Float["total_Size_Factor"], check.HasLen, 41)
	_, ok := d.Obs.Float["Size_Factor"]
	c.Check(ok, check.Equals, false)

	opts.Method = "upper-quartile"
	_, err = SizeFactors(adata, opts)
	c.Check(errors.Is(err, ErrConfiguration), check.Equals, true)
}

func (s *preprocessSuite) TestMedian(c *check.C) {
	c.Check(median([]float64{3, 1, 2}), check.Equals, 2.0)
	c.Check(median([]float64{4, 1, 2, 3}), check.Equals, 2.5)
	c.Check(median([]float64{math.NaN(), 5}), check.Equals, 5.0)
	c.Check(math.IsNaN(median(nil)), check.Equals, true)
}

func (s *preprocessSuite) TestLogNormalizeRoundTrip(c *check.C) {
	adata := splicingDataset(c, 30, 15, 3)
	counts := adata.X.Clone()
	opts := DefaultNormalizeOptions()
	d, err := Normalize(adata, opts)
	c.Assert(err, check.IsNil)
	c.Assert(d.X, check.NotNil)
	c.Check(d.Uns["pp_norm_method"], check.Equals, NormLog)
	sfs := d.Obs.Float["Size_Factor"]
	c.Assert(sfs, check.HasLen, 30)
	back := Denormalize(d.X, sfs, opts)
	c.Check(matrix.EqualApprox(back, counts, 1e-9), check.Equals, true)

	// normalized layers are written under X_<layer>
	_, ok := d.Layers["X_spliced"]
	c.Check(ok, check.Equals, true)
	_, ok = d.Layers["X_unspliced"]
	c.Check(ok, check.Equals, true)

	// natural log with a larger pseudocount
	opts.NaturalLog = true
	opts.Pseudo = 2
	d, err = Normalize(adata, opts)
	c.Assert(err, check.IsNil)
	back = Denormalize(d.X, d.Obs.Float["Size_Factor"], opts)
	c.Check(matrix.EqualApprox(back, counts, 1e-9), check.Equals, true)
}

func (s *preprocessSuite) TestLogNormalizeSparse(c *check.C) {
	x := matrix.NewCSRFromTriplets(3, 3, []int{0, 1, 2, 2}, []int{0, 1, 0, 2}, []float64{4, 2, 1, 8})
	adata, err := anndata.New(x, nil, nil)
	c.Assert(err, check.IsNil)
	c.Assert(adata.Obs.SetFloat("Size_Factor", []float64{1, 1, 1}), check.IsNil)

	opts := DefaultNormalizeOptions()
	opts.Pseudo = 2
	d, err := Normalize(adata, opts)
	c.Assert(err, check.IsNil)
	c.Check(d.X.IsSparse(), check.Equals, true)
	c.Check(d.X.At(0, 0), check.Equals, math.Log2(6))
	c.Check(d.X.At(0, 1), check.Equals, 0.0)

	opts.MaterializeZeros = true
	d, err = Normalize(adata, opts)
	c.Assert(err, check.IsNil)
	c.Check(d.X.IsSparse(), check.Equals, false)
	c.Check(d.X.At(0, 1), check.Equals, 1.0)
	back := Denormalize(d.X, []float64{1, 1, 1}, opts)
	c.Check(matrix.EqualApprox(back, x, 1e-9), check.Equals, true)
}

func (s *preprocessSuite) TestNormalizeDropsFilteredGenes(c *check.C) {
	adata := splicingDataset(c, 20, 6, 4)
	use := []bool{true, false, true, true, false, true}
	c.Assert(adata.Var.SetBool("use_for_dynamo", use), check.IsNil)
	opts := DefaultNormalizeOptions()
	opts.KeepFiltered = false
	d, err := Normalize(adata, opts)
	c.Assert(err, check.IsNil)
	c.Assert(d.Apply(adata), check.IsNil)
	c.Check(adata.NGenes(), check.Equals, 4)
	c.Check(adata.Var.Index, check.DeepEquals, []string{"gene0", "gene2", "gene3", "gene5"})
	sfs, ok := adata.Obs.Float("Size_Factor")
	c.Check(ok, check.Equals, true)
	checkFinitePositive(c, sfs)
}

func (s *preprocessSuite) TestNormalizeCLR(c *check.C) {
	adata := splicingDataset(c, 20, 5, 5)
	adata.Obsm["protein"] = poissonCounts(20, []float64{3, 10}, rand.NewSource(5))
	opts := DefaultNormalizeOptions()
	d, err := Normalize(adata, opts)
	c.Assert(err, check.IsNil)
	p, ok := d.Obsm["X_protein"]
	c.Assert(ok, check.Equals, true)
	r, cols := p.Dims()
	c.Check(r, check.Equals, 20)
	c.Check(cols, check.Equals, 2)
	p.DoNonZero(func(i, j int, v float64) {
		c.Check(v >= 0 && !math.IsNaN(v), check.Equals, true)
	})

	opts.Method = "sctransform"
	_, err = Normalize(adata, opts)
	c.Check(errors.Is(err, ErrConfiguration), check.Equals, true)
}

func (s *preprocessSuite) TestGini(c *check.C) {
	n := 10
	m := matrix.Zeros(n, 2)
	for i := 0; i < n; i++ {
		m.Set(i, 0, 1)
	}
	m.Set(4, 1, 1)
	g := giniColumns(m)
	c.Check(math.Abs(g[0]) < 1e-9, check.Equals, true, check.Commentf("%v", g[0]))
	c.Check(math.Abs(g[1]-float64(n-1)/float64(n)) < 1e-5, check.Equals, true, check.Commentf("%v", g[1]))

	adata, err := anndata.New(m, nil, nil)
	c.Assert(err, check.IsNil)
	d, err := Gini(adata, []string{"X"})
	c.Assert(err, check.IsNil)
	c.Check(d.Var.Float["gini"], check.HasLen, 2)
}

func (s *preprocessSuite) TestDispersionFit(c *check.C) {
	const (
		n  = 1500
		c0 = 0.2
		c1 = 1.0
	)
	src := rand.NewSource(6)
	means := logSpaced(1, 50, 200)
	x := matrix.Zeros(n, len(means))
	for j, mu := range means {
		for i, v := range nbCounts(n, mu, c0+c1/mu, src) {
			x.Set(i, j, v)
		}
	}
	adata, err := anndata.New(x, nil, nil)
	c.Assert(err, check.IsNil)
	c.Assert(adata.Obs.SetFloat("Size_Factor", ones(n)), check.IsNil)

	d, err := Dispersion(adata, DefaultDispersionOptions())
	c.Assert(err, check.IsNil)
	fi, ok := d.Uns["dispFitInfo"].(*DispFitInfo)
	c.Assert(ok, check.Equals, true)
	c.Logf("coefs %v after %d iterations", fi.Coefs, fi.Iterations)
	c.Check(fi.Iterations <= dispersionMaxIter, check.Equals, true)
	c.Check(fi.Converged, check.Equals, true)
	c.Check(math.Abs(fi.Coefs[0]-c0) < 0.1, check.Equals, true, check.Commentf("%v", fi.Coefs))
	c.Check(fi.Coefs[1] > 0.5 && fi.Coefs[1] < 1.6, check.Equals, true, check.Commentf("%v", fi.Coefs))

	c.Assert(d.Apply(adata), check.IsNil)
	table, err := DispersionTable(adata, "X")
	c.Assert(err, check.IsNil)
	c.Check(len(table) > 150, check.Equals, true)
	for _, row := range table {
		c.Check(row.DispersionFit, check.Equals, fi.Func(row.MeanExpression))
	}

	sd, err := DispersionScores(adata, "X")
	c.Assert(err, check.IsNil)
	for j, v := range sd.Var.Float["dispersion_score"] {
		if !math.IsNaN(v) {
			c.Check(v > 0, check.Equals, true, check.Commentf("gene %d", j))
		}
	}
}

func (s *preprocessSuite) TestDispersionNeedsFit(c *check.C) {
	adata := splicingDataset(c, 10, 5, 7)
	_, err := DispersionTable(adata, "X")
	c.Check(errors.Is(err, ErrConfiguration), check.Equals, true)

	adata.Uns["lowerDetectedLimit"] = 1000.0
	_, err = Dispersion(adata, DefaultDispersionOptions())
	c.Check(errors.Is(err, ErrFitFailed), check.Equals, true)
}

func (s *preprocessSuite) TestSVRRanksNoisyGene(c *check.C) {
	const n = 300
	src := rand.NewSource(8)
	means := logSpaced(0.5, 15, 40)
	means = append(means, 5)
	x := poissonCounts(n, means, src)
	noisy := nbCounts(n, 5, 2, src)
	dense := matrix.Zeros(n, len(means)+1)
	for i := 0; i < n; i++ {
		for j := range means {
			dense.Set(i, j, x.At(i, j))
		}
		dense.Set(i, len(means), noisy[i])
	}
	housekeeping, noisyGene := len(means)-1, len(means)
	adata, err := anndata.New(dense, nil, nil)
	c.Assert(err, check.IsNil)
	c.Assert(adata.Obs.SetFloat("Size_Factor", ones(n)), check.IsNil)

	d, err := SVRScores(adata, DefaultSVROptions())
	c.Assert(err, check.IsNil)
	score := d.Var.Float["score"]
	c.Check(score[noisyGene] > score[housekeeping], check.Equals, true, check.Commentf("noisy %v housekeeping %v", score[noisyGene], score[housekeeping]))
	top := topGenes(score, allTrue(len(score)), 1)
	c.Check(top[noisyGene], check.Equals, true)
	_, ok := d.Uns["velocyto_SVR"].(*SVRFit)
	c.Check(ok, check.Equals, true)
}

func (s *preprocessSuite) TestFitRBFTrend(c *check.C) {
	var x, y []float64
	for i := 0; i < 50; i++ {
		v := float64(i) / 10
		x = append(x, v)
		y = append(y, math.Sin(v))
	}
	model, err := FitRBFTrend(x, y, 1, 100)
	c.Assert(err, check.IsNil)
	for _, v := range []float64{0.55, 1.5, 3.05} {
		c.Check(math.Abs(model.Predict(v)-math.Sin(v)) < 0.1, check.Equals, true, check.Commentf("x=%v", v))
	}
	_, err = FitRBFTrend([]float64{1}, []float64{1}, 1, 1)
	c.Check(errors.Is(err, ErrFitFailed), check.Equals, true)
	_, err = FitRBFTrend([]float64{1, 2}, []float64{1}, 1, 1)
	c.Check(errors.Is(err, ErrDataShape), check.Equals, true)
}

func (s *preprocessSuite) TestTopGenes(c *check.C) {
	score := []float64{1, math.NaN(), 3, 3, math.Inf(-1), 2}
	eligible := []bool{true, true, true, true, true, false}
	c.Check(topGenes(score, eligible, 2), check.DeepEquals, []bool{false, false, true, true, false, false})
	c.Check(topGenes(score, eligible, 10), check.DeepEquals, []bool{true, false, true, true, false, false})
}

func (s *preprocessSuite) TestFilterCellsMonotone(c *check.C) {
	adata := splicingDataset(c, 100, 50, 9)
	loose := DefaultCellFilterOptions()
	loose.MinExprGenesS, loose.MinExprGenesU = 10, 5
	strict := loose
	strict.MinExprGenesS, strict.MinExprGenesU = 30, 20

	dl, err := FilterCells(adata, loose)
	c.Assert(err, check.IsNil)
	ds, err := FilterCells(adata, strict)
	c.Assert(err, check.IsNil)
	l, s2 := dl.Obs.Bool["use_for_dynamo"], ds.Obs.Bool["use_for_dynamo"]
	c.Assert(l, check.HasLen, 100)
	c.Assert(s2, check.HasLen, 100)
	for i := range l {
		if s2[i] {
			c.Check(l[i], check.Equals, true, check.Commentf("cell %d", i))
		}
	}
	c.Check(countTrue(s2) <= countTrue(l), check.Equals, true)

	strict.KeepFiltered = false
	ds, err = FilterCells(adata, strict)
	c.Assert(err, check.IsNil)
	c.Assert(ds.Apply(adata), check.IsNil)
	c.Check(adata.NCells(), check.Equals, countTrue(s2))
	use, _ := adata.Obs.Bool("use_for_dynamo")
	c.Check(countTrue(use), check.Equals, adata.NCells())
}

func (s *preprocessSuite) TestFilterCellsDefaults(c *check.C) {
	adata := splicingDataset(c, 100, 50, 10)
	d, err := FilterCells(adata, DefaultCellFilterOptions())
	c.Assert(err, check.IsNil)
	use := d.Obs.Bool["use_for_dynamo"]
	c.Check(use, check.HasLen, 100)
	c.Check(countTrue(use) <= 100, check.Equals, true)
	// failing cells are dropped unless asked to keep them
	c.Check(DefaultCellFilterOptions().KeepFiltered, check.Equals, false)
	c.Check(DefaultRecipeOptions().CellFilter.KeepFiltered, check.Equals, true)

	opts := DefaultCellFilterOptions()
	opts.FilterBool = []bool{true}
	_, err = FilterCells(adata, opts)
	c.Check(errors.Is(err, ErrDataShape), check.Equals, true)
}

func (s *preprocessSuite) TestFilterGenes(c *check.C) {
	adata := splicingDataset(c, 100, 50, 11)
	opts := DefaultGeneFilterOptions()
	opts.NTopGenes = 10
	d, err := FilterGenes(adata, opts)
	c.Assert(err, check.IsNil)
	pass := d.Var.Bool["pass_basic_filter"]
	use := d.Var.Bool["use_for_dynamo"]
	c.Assert(pass, check.HasLen, 50)
	c.Check(countTrue(use) <= 10, check.Equals, true)
	c.Check(countTrue(use) > 0, check.Equals, true)
	for j := range use {
		if use[j] {
			c.Check(pass[j], check.Equals, true)
		}
	}
	c.Check(d.Var.Float["score"], check.HasLen, 50)

	// stricter thresholds never admit more genes
	strict := opts
	strict.MinCellS = 60
	ds, err := FilterGenes(adata, strict)
	c.Assert(err, check.IsNil)
	for j, ok := range ds.Var.Bool["pass_basic_filter"] {
		if ok {
			c.Check(pass[j], check.Equals, true, check.Commentf("gene %d", j))
		}
	}

	opts.KeepFiltered = false
	d, err = FilterGenes(adata, opts)
	c.Assert(err, check.IsNil)
	c.Assert(d.Apply(adata), check.IsNil)
	c.Check(adata.NGenes(), check.Equals, countTrue(use))

	opts.SortBy = "variance"
	_, err = FilterGenes(adata, opts)
	c.Check(errors.Is(err, ErrConfiguration), check.Equals, true)
}

func (s *preprocessSuite) TestFilterGenesByGini(c *check.C) {
	adata := splicingDataset(c, 60, 20, 12)
	opts := DefaultGeneFilterOptions()
	opts.SortBy = SortByGini
	opts.SharedCount = -1
	opts.NTopGenes = 5
	d, err := FilterGenes(adata, opts)
	c.Assert(err, check.IsNil)
	c.Check(d.Var.Float["gini"], check.HasLen, 20)
	c.Check(countTrue(d.Var.Bool["use_for_dynamo"]), check.Equals, 5)
}

func (s *preprocessSuite) TestParseLayerList(c *check.C) {
	c.Check(parseLayerList(""), check.DeepEquals, AllLayers)
	c.Check(parseLayerList("all"), check.DeepEquals, AllLayers)
	c.Check(parseLayerList("spliced,X"), check.DeepEquals, []string{"spliced", "X"})
}

func (s *preprocessSuite) TestDispersionRemoveOutliers(c *check.C) {
	const n = 600
	src := rand.NewSource(12)
	means := logSpaced(1, 50, 100)
	x := matrix.Zeros(n, len(means)+1)
	for j, mu := range means {
		for i, v := range nbCounts(n, mu, 0.2+1/mu, src) {
			x.Set(i, j, v)
		}
	}
	// low mean, so high leverage on the 1/mu term, and far more
	// dispersed than the trend
	outlier := len(means)
	for i := 0; i < 6; i++ {
		x.Set(i*100, outlier, 30)
	}
	adata, err := anndata.New(x, nil, nil)
	c.Assert(err, check.IsNil)
	c.Assert(adata.Obs.SetFloat("Size_Factor", ones(n)), check.IsNil)
	outlierID := adata.Var.Index[outlier]

	fit := func(a *anndata.AnnData, removeOutliers bool) *DispFitInfo {
		opts := DefaultDispersionOptions()
		opts.RemoveOutliers = removeOutliers
		d, err := Dispersion(a, opts)
		c.Assert(err, check.IsNil)
		return d.Uns["dispFitInfo"].(*DispFitInfo)
	}
	inTable := func(fi *DispFitInfo) bool {
		for _, row := range fi.Table {
			if row.GeneID == outlierID {
				return true
			}
		}
		return false
	}

	dirty := fit(adata, false)
	c.Check(inTable(dirty), check.Equals, true)
	c.Check(dirty.Outliers, check.Equals, 0)

	refit := fit(adata, true)
	c.Check(inTable(refit), check.Equals, false)
	c.Check(refit.Outliers >= 1, check.Equals, true)

	keep := allTrue(len(means) + 1)
	keep[outlier] = false
	clean := fit(adata.Subset(allTrue(n), keep), false)
	c.Logf("coefs: clean %v, with outlier %v, refit %v", clean.Coefs, dirty.Coefs, refit.Coefs)
	c.Check(math.Abs(refit.Coefs[1]-clean.Coefs[1]) < math.Abs(dirty.Coefs[1]-clean.Coefs[1]), check.Equals, true)
}

func (s *preprocessSuite) TestCooksDistanceFlagsLeverage(c *check.C) {
	var rows []DispersionRow
	for k := 0; k < 20; k++ {
		mu := 1 + float64(k)
		rows = append(rows, DispersionRow{Mu: mu, Disp: 0.2 + 1/mu})
	}
	rows[3].Disp *= 1.05
	rows = append(rows, DispersionRow{Mu: 0.1, Disp: 100})
	cd := cooksDistance(rows, [2]float64{0.2, 1})
	for i, d := range cd[:len(cd)-1] {
		c.Check(d < cd[len(cd)-1], check.Equals, true, check.Commentf("row %d: %v", i, d))
	}
	c.Check(cd[len(cd)-1] > 4/float64(len(rows)), check.Equals, true)

	for _, d := range cooksDistance(rows[:2], [2]float64{0.2, 1}) {
		c.Check(math.IsNaN(d), check.Equals, true)
	}
}

func (s *preprocessSuite) TestWinsorizedMeanStd(c *check.C) {
	col := make([]float64, 100)
	for i := range col {
		col[i] = float64(i)
	}
	col[99] = 1e6
	mu, sigma := winsorizedMeanStd(matrix.NewDense(100, 1, col), [2]float64{5, 95})
	clipped := make([]float64, len(col))
	for i, v := range col {
		clipped[i] = math.Max(4.95, math.Min(94.05, v))
	}
	wantMu, wantSigma := stat.MeanStdDev(clipped, nil)
	c.Check(math.Abs(mu[0]-wantMu) < 1e-9, check.Equals, true, check.Commentf("%v != %v", mu[0], wantMu))
	c.Check(math.Abs(sigma[0]-wantSigma) < 1e-9, check.Equals, true, check.Commentf("%v != %v", sigma[0], wantSigma))
}

func (s *preprocessSuite) TestSVRWinsorizeAndInverse(c *check.C) {
	const n = 300
	x := poissonCounts(n, logSpaced(0.5, 15, 40), rand.NewSource(13))
	adata, err := anndata.New(x, nil, nil)
	c.Assert(err, check.IsNil)
	c.Assert(adata.Obs.SetFloat("Size_Factor", ones(n)), check.IsNil)

	opts := DefaultSVROptions()
	opts.Winsorize = true
	opts.WinsorPerc = [2]float64{2, 98}
	d, err := SVRScores(adata, opts)
	c.Assert(err, check.IsNil)
	logCV, score := d.Var.Float["log_cv"], d.Var.Float["score"]
	checked := 0
	for j := range logCV {
		if math.IsNaN(logCV[j]) {
			continue
		}
		mu, sigma := winsorizedMeanStd(matrix.NewDense(n, 1, x.Col(j)), opts.WinsorPerc)
		c.Check(math.Abs(logCV[j]-math.Log2(sigma[0]/mu[0])) < 1e-9, check.Equals, true, check.Commentf("gene %d", j))
		checked++
	}
	c.Check(checked > 30, check.Equals, true)

	opts.SortInverse = true
	inv, err := SVRScores(adata, opts)
	c.Assert(err, check.IsNil)
	for j, v := range inv.Var.Float["score"] {
		if math.IsInf(score[j], -1) {
			c.Check(math.IsInf(v, -1), check.Equals, true)
		} else {
			c.Check(v, check.Equals, -score[j], check.Commentf("gene %d", j))
		}
	}
}

func (s *preprocessSuite) TestNormalizeVST(c *check.C) {
	adata := overdispersedDataset(c, 300, 30, 14)
	sd, err := SizeFactors(adata, DefaultSizeFactorOptions())
	c.Assert(err, check.IsNil)
	c.Assert(sd.Apply(adata), check.IsNil)

	opts := DefaultNormalizeOptions()
	opts.Method = NormVST
	opts.Layers = []string{"X", "spliced"}
	// no dispersion fit yet: falls back to log
	d, err := Normalize(adata, opts)
	c.Assert(err, check.IsNil)
	logOpts := opts
	logOpts.Method = NormLog
	ld, err := Normalize(adata, logOpts)
	c.Assert(err, check.IsNil)
	c.Check(matrix.EqualApprox(d.X, ld.X, 0), check.Equals, true)

	dd, err := Dispersion(adata, DefaultDispersionOptions())
	c.Assert(err, check.IsNil)
	c.Assert(dd.Apply(adata), check.IsNil)
	fi := adata.Uns["dispFitInfo"].(*DispFitInfo)
	d, err = Normalize(adata, opts)
	c.Assert(err, check.IsNil)
	vst := d.X
	sfs, _ := adata.Obs.Float("Size_Factor")
	c0, c1 := fi.Coefs[0], fi.Coefs[1]
	for _, ij := range [][2]int{{0, 0}, {5, 3}, {17, 19}, {299, 10}} {
		q := math.Round(adata.X.At(ij[0], ij[1]) / sfs[ij[0]])
		want := math.Log2((1 + c1 + 2*c0*q + 2*math.Sqrt(c0*q*(1+c1+c0*q))) / (4 * c0))
		c.Check(math.Abs(vst.At(ij[0], ij[1])-want) < 1e-12, check.Equals, true, check.Commentf("cell %d gene %d", ij[0], ij[1]))
	}
	// spliced has no fit of its own
	c.Check(matrix.EqualApprox(d.Layers["X_spliced"], ld.Layers["X_spliced"], 0), check.Equals, true)
	c.Check(d.Uns["pp_norm_method"], check.Equals, NormVST)

	// the transform is increasing in the count
	row := VarianceStabilize(fi.Coefs, matrix.FromRows([][]float64{{0, 1, 2, 5, 50}})).Row(0)
	for k := 1; k < len(row); k++ {
		c.Check(row[k] > row[k-1], check.Equals, true, check.Commentf("%v", row))
	}
}

func (s *preprocessSuite) TestNormalizeCLRFallsBackToLogForRNA(c *check.C) {
	adata := splicingDataset(c, 20, 5, 15)
	adata.Obsm["protein"] = poissonCounts(20, []float64{3, 10}, rand.NewSource(15))
	opts := DefaultNormalizeOptions()
	opts.Method = NormCLR
	cd, err := Normalize(adata, opts)
	c.Assert(err, check.IsNil)
	opts.Method = NormLog
	ld, err := Normalize(adata, opts)
	c.Assert(err, check.IsNil)
	c.Check(matrix.EqualApprox(cd.X, ld.X, 0), check.Equals, true)
	for _, name := range []string{"X_spliced", "X_unspliced"} {
		c.Check(matrix.EqualApprox(cd.Layers[name], ld.Layers[name], 0), check.Equals, true, check.Commentf("%s", name))
	}
	c.Check(matrix.EqualApprox(cd.Obsm["X_protein"], ld.Obsm["X_protein"], 0), check.Equals, true)
}
