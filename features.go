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
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// Gini writes the per-gene Gini coefficient of each resolved layer
// to var column "gini" (X) or "<layer>_gini".
func Gini(adata *anndata.AnnData, layers []string) (*anndata.Delta, error) {
	d := &anndata.Delta{}
	for _, layer := range ResolveLayers(adata, layers, true) {
		cm, _ := layerMatrix(adata, layer)
		if layer == "protein" {
			if _, g := cm.Dims(); g != adata.NGenes() {
				continue
			}
		}
		d.Var.SetFloat(layerPrefix(layer)+"gini", giniColumns(cm))
	}
	return d, nil
}

func giniColumns(cm matrix.Matrix) []float64 {
	_, g := cm.Dims()
	shift := matrix.Min(cm) < 0
	out := make([]float64, g)
	for j := range out {
		out[j] = gini(cm.Col(j), shift)
	}
	return out
}

// gini returns the Gini coefficient of x, which is modified in
// place. If shift is set, x is first shifted so its minimum is 0.
func gini(x []float64, shift bool) float64 {
	if shift {
		min := math.Inf(1)
		for _, v := range x {
			min = math.Min(min, v)
		}
		for i := range x {
			x[i] -= min
		}
	}
	for i := range x {
		x[i] += 1e-7
	}
	sort.Float64s(x)
	n := float64(len(x))
	num, sum := 0.0, 0.0
	for i, v := range x {
		num += (2*float64(i+1) - n - 1) * v
		sum += v
	}
	return num / (n * sum)
}

type SVROptions struct {
	Layers []string

	// FilterBool, if not nil, restricts scoring to these genes.
	FilterBool    []bool
	TotalSzFactor string

	MinExprCells int
	MinExprAvg   float64
	MaxExprAvg   float64

	// Gamma is the RBF kernel width; 0 means 150/(detected genes).
	Gamma      float64
	Winsorize  bool
	WinsorPerc [2]float64

	// SortInverse negates the score, ranking less noisy genes
	// first.
	SortInverse bool
}

func DefaultSVROptions() SVROptions {
	return SVROptions{
		Layers:       []string{"X"},
		MinExprCells: 2,
		MinExprAvg:   0,
		MaxExprAvg:   20,
		WinsorPerc:   [2]float64{1, 99.5},
	}
}

// SVRFit is stored in uns under "velocyto_SVR" or
// "<layer>_velocyto_SVR".
type SVRFit struct {
	Model    *RBFTrend
	Detected []bool
}

// SVRKey returns the uns key for a layer's SVR fit.
func SVRKey(layer string) string {
	return layerPrefix(layer) + "velocyto_SVR"
}

// SVRScores fits the mean/CV trend of size-factor normalized counts
// and scores each detected gene by its log2 CV above the trend.
// Writes var columns log_m, log_cv, score (prefixed for non-X
// layers); undetected genes get NaN, NaN, -Inf.
func SVRScores(adata *anndata.AnnData, opts SVROptions) (*anndata.Delta, error) {
	d := &anndata.Delta{}
	for _, layer := range ResolveLayers(adata, opts.Layers, true) {
		cm, _ := layerMatrix(adata, layer)
		if _, g := cm.Dims(); g != adata.NGenes() {
			log.Warnf("SVR: layer %s has %d features, dataset has %d genes; skipping", layer, g, adata.NGenes())
			continue
		}
		sfs := sizeFactorsFor(adata, layer)
		if opts.TotalSzFactor != "" {
			if total, ok := adata.Obs.Float(opts.TotalSzFactor); ok {
				sfs = total
			}
		}
		logM, logCV, score, fit, err := svrScoreLayer(cm, sfs, opts)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", layer, err)
		}
		p := layerPrefix(layer)
		d.Var.SetFloat(p+"log_m", logM)
		d.Var.SetFloat(p+"log_cv", logCV)
		d.Var.SetFloat(p+"score", score)
		d.SetUns(SVRKey(layer), fit)
	}
	return d, nil
}

func svrScoreLayer(cm matrix.Matrix, sfs []float64, opts SVROptions) (logM, logCV, score []float64, fit *SVRFit, err error) {
	n, g := cm.Dims()
	cm = cm.Clone()
	if sfs != nil {
		inv := make([]float64, len(sfs))
		for i, s := range sfs {
			inv[i] = 1 / s
		}
		cm.ScaleRows(inv)
	}
	minCells := opts.MinExprCells
	if opts.Winsorize && float64(minCells) <= (100-opts.WinsorPerc[1])*float64(n)*0.01 {
		minCells = int(math.Ceil((100-opts.WinsorPerc[1])*float64(n)*0.01)) + 2
	}
	counts := matrix.ColCountAbove(cm, 0)
	means := matrix.ColMeans(cm)
	detected := make([]bool, g)
	var idx []int
	for j := range detected {
		detected[j] = counts[j] > minCells && means[j] < opts.MaxExprAvg && means[j] > opts.MinExprAvg
		if opts.FilterBool != nil {
			detected[j] = detected[j] && opts.FilterBool[j]
		}
		if detected[j] {
			idx = append(idx, j)
		}
	}
	if len(idx) < 2 {
		return nil, nil, nil, nil, fmt.Errorf("%w: only %d genes pass the SVR expression thresholds", ErrFitFailed, len(idx))
	}
	valid := cm.SubsetCols(detected)
	var mu, sigma []float64
	if opts.Winsorize {
		mu, sigma = winsorizedMeanStd(valid, opts.WinsorPerc)
	} else {
		var variance []float64
		mu, variance = matrix.ColMeanVar(valid, 1)
		sigma = make([]float64, len(variance))
		for j, v := range variance {
			sigma[j] = math.Sqrt(v)
		}
	}
	lm := make([]float64, len(mu))
	lcv := make([]float64, len(mu))
	for j := range mu {
		lm[j] = math.Log2(mu[j])
		lcv[j] = math.Log2(sigma[j] / mu[j])
	}
	gamma := opts.Gamma
	if gamma == 0 {
		gamma = 150 / float64(len(mu))
	}
	// genes with zero variance have log_cv = -Inf and are left out
	// of the trend fit
	var fx, fy []float64
	for j := range lm {
		if !math.IsInf(lcv[j], 0) && !math.IsNaN(lcv[j]) {
			fx = append(fx, lm[j])
			fy = append(fy, lcv[j])
		}
	}
	model, err := FitRBFTrend(fx, fy, gamma, 1)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	logM = make([]float64, g)
	logCV = make([]float64, g)
	score = make([]float64, g)
	for j := range score {
		logM[j], logCV[j], score[j] = math.NaN(), math.NaN(), math.Inf(-1)
	}
	for k, j := range idx {
		logM[j], logCV[j] = lm[k], lcv[k]
		score[j] = lcv[k] - model.Predict(lm[k])
		if opts.SortInverse {
			score[j] = -score[j]
		}
	}
	return logM, logCV, score, &SVRFit{Model: model, Detected: detected}, nil
}

// winsorizedMeanStd clips each column to its percentile bounds and
// returns the column means and standard deviations (ddof=1).
func winsorizedMeanStd(m matrix.Matrix, perc [2]float64) (mu, sigma []float64) {
	_, g := m.Dims()
	mu = make([]float64, g)
	sigma = make([]float64, g)
	for j := 0; j < g; j++ {
		col := m.Col(j)
		sorted := append([]float64(nil), col...)
		sort.Float64s(sorted)
		lo, hi := percentile(sorted, perc[0]), percentile(sorted, perc[1])
		for i, v := range col {
			col[i] = math.Max(lo, math.Min(hi, v))
		}
		mu[j], sigma[j] = stat.MeanStdDev(col, nil)
	}
	return
}

// percentile returns the p-th percentile (0-100) of sorted data by
// linear interpolation between closest ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	pos := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if hi >= len(sorted) {
		hi = len(sorted) - 1
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// DispersionScores writes mean_expression, dispersion_fit,
// dispersion_empirical and dispersion_score (empirical minus fit)
// for layer, using a fit previously stored by Dispersion. Genes
// without an estimate, or whose empirical dispersion does not
// exceed the fit, get a NaN score.
func DispersionScores(adata *anndata.AnnData, layer string) (*anndata.Delta, error) {
	table, err := DispersionTable(adata, layer)
	if err != nil {
		return nil, err
	}
	g := adata.NGenes()
	mean, fit, emp, score := nanSlice(g), nanSlice(g), nanSlice(g), nanSlice(g)
	pos := indexOf(adata.Var.Index)
	for _, row := range table {
		j := pos[row.GeneID]
		mean[j], fit[j], emp[j] = row.MeanExpression, row.DispersionFit, row.DispersionEmpirical
		if emp[j] > fit[j] {
			score[j] = emp[j] - fit[j]
		}
	}
	d := &anndata.Delta{}
	p := layerPrefix(layer)
	d.Var.SetFloat(p+"mean_expression", mean)
	d.Var.SetFloat(p+"dispersion_fit", fit)
	d.Var.SetFloat(p+"dispersion_empirical", emp)
	d.Var.SetFloat(p+"dispersion_score", score)
	return d, nil
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func indexOf(names []string) map[string]int {
	pos := make(map[string]int, len(names))
	for i, name := range names {
		pos[name] = i
	}
	return pos
}
