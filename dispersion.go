// Copyright (C) The Dynamo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dynamo

import (
	"fmt"
	"io"
	stdlog "log"
	"math"
	"strings"

	"github.com/cellvelocity/dynamo/anndata"
	"github.com/cellvelocity/dynamo/matrix"
	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	log "github.com/sirupsen/logrus"
)

const (
	dispersionMinCoef  = 1e-6
	dispersionMaxResid = 10000
	dispersionMaxIter  = 10
)

type DispersionOptions struct {
	Layers           []string
	MinCellsDetected int
	RemoveOutliers   bool
}

func DefaultDispersionOptions() DispersionOptions {
	return DispersionOptions{
		Layers:           []string{"X"},
		MinCellsDetected: 1,
	}
}

// DispersionRow is one gene's method-of-moments estimate.
type DispersionRow struct {
	GeneID string
	Mu     float64
	Disp   float64
}

// DispFitInfo is a fitted mean-dispersion model
// disp(mu) = Coefs[0] + Coefs[1]/mu.
type DispFitInfo struct {
	// Genes used in the final fit.
	Table      []DispersionRow
	Coefs      [2]float64
	Iterations int
	Converged  bool
	Outliers   int

	MinCellsDetected int
}

// Func evaluates the fitted dispersion at mean expression mu.
func (fi *DispFitInfo) Func(mu float64) float64 {
	return fi.Coefs[0] + fi.Coefs[1]/mu
}

// DispFitInfoKey returns the uns key for a layer's dispersion fit.
func DispFitInfoKey(layer string) string {
	return layerPrefix(layer) + "dispFitInfo"
}

// Dispersion fits a Gamma GLM (identity link) of dispersion on
// 1/mean for each resolved layer and stores a *DispFitInfo in uns.
func Dispersion(adata *anndata.AnnData, opts DispersionOptions) (*anndata.Delta, error) {
	d := &anndata.Delta{}
	for _, layer := range ResolveLayers(adata, opts.Layers, false) {
		table, err := dispersionTable(adata, layer, opts.MinCellsDetected)
		if err != nil {
			return nil, err
		}
		fi, err := fitDispersion(table)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", layer, err)
		}
		if opts.RemoveOutliers {
			cd := cooksDistance(fi.Table, fi.Coefs)
			cutoff := 4 / float64(len(fi.Table))
			var keep []DispersionRow
			for i, row := range fi.Table {
				if !(cd[i] > cutoff) && !math.IsNaN(cd[i]) {
					keep = append(keep, row)
				}
			}
			log.Printf("layer %s: removing %d dispersion outliers", layer, len(fi.Table)-len(keep))
			refit, err := fitDispersion(keep)
			if err != nil {
				return nil, fmt.Errorf("layer %s: refit without outliers: %w", layer, err)
			}
			refit.Outliers = len(fi.Table) - len(keep)
			fi = refit
		}
		fi.MinCellsDetected = opts.MinCellsDetected
		d.SetUns(DispFitInfoKey(layer), fi)
	}
	return d, nil
}

// lowerDetectedLimit returns uns["lowerDetectedLimit"], default 1.
func lowerDetectedLimit(adata *anndata.AnnData) float64 {
	switch v := adata.Uns["lowerDetectedLimit"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 1
	}
}

// dispersionTable computes method-of-moments mean and dispersion
// for genes detected above the lower detection limit in more than
// minCells cells. Genes with zero mean are omitted.
func dispersionTable(adata *anndata.AnnData, layer string, minCells int) ([]DispersionRow, error) {
	cm, ok := layerMatrix(adata, layer)
	if !ok {
		return nil, fmt.Errorf("%w: layer %q not present", ErrConfiguration, layer)
	}
	rounded := matrix.Round(cm)
	ldl := lowerDetectedLimit(adata)
	counts := matrix.ColCountAbove(rounded, ldl)
	nz := make([]bool, len(counts))
	for j, c := range counts {
		nz[j] = c > minCells
	}
	x := rounded.SubsetCols(nz)
	sfs := sizeFactorsFor(adata, layer)
	xim := 1.0
	if sfs != nil {
		inv := make([]float64, len(sfs))
		sum := 0.0
		for i, s := range sfs {
			inv[i] = 1 / s
			sum += inv[i]
		}
		xim = sum / float64(len(inv))
		if !strings.HasPrefix(layer, "X_") {
			x.ScaleRows(inv)
		}
	}
	mean, variance := matrix.ColMeanVar(x, 1)
	genes := make([]string, 0, len(mean))
	for j, ok := range nz {
		if ok {
			genes = append(genes, adata.Var.Index[j])
		}
	}
	var table []DispersionRow
	for j, mu := range mean {
		if mu == 0 || math.IsNaN(mu) {
			continue
		}
		disp := (variance[j] - xim*mu) / (mu * mu)
		if disp < 0 {
			disp = 0
		}
		table = append(table, DispersionRow{GeneID: genes[j], Mu: mu, Disp: disp})
	}
	if len(table) == 0 {
		return nil, fmt.Errorf("%w: layer %s: no genes detected for dispersion fitting, set a different lowerDetectedLimit", ErrFitFailed, layer)
	}
	return table, nil
}

// fitDispersion iterates the Gamma fit, each time restricting to
// genes whose residual against the previous fit is within
// (1e-6, 10000).
func fitDispersion(table []DispersionRow) (*DispFitInfo, error) {
	coefs := [2]float64{dispersionMinCoef, 1}
	fi := &DispFitInfo{}
	for iter := 1; ; iter++ {
		var good []DispersionRow
		for _, row := range table {
			resid := row.Disp / (coefs[0] + coefs[1]/row.Mu)
			if resid > dispersionMinCoef && resid < dispersionMaxResid {
				good = append(good, row)
			}
		}
		if len(good) < 3 {
			return nil, fmt.Errorf("%w: only %d genes usable for dispersion fit, set a different lowerDetectedLimit", ErrFitFailed, len(good))
		}
		newCoefs, err := gammaFit(good, coefs)
		if err != nil {
			return nil, err
		}
		if newCoefs[0] < dispersionMinCoef {
			newCoefs[0] = dispersionMinCoef
		}
		if newCoefs[1] < 0 {
			log.Warn("parametric dispersion fit may have failed (negative extra-Poisson coefficient)")
		}
		delta := 0.0
		for k := range coefs {
			lr := math.Log(newCoefs[k] / coefs[k])
			delta += lr * lr
		}
		oldCoefs := coefs
		coefs = newCoefs
		fi.Table, fi.Coefs, fi.Iterations = good, coefs, iter
		if delta < coefs[0] {
			fi.Converged = true
			break
		}
		if iter >= dispersionMaxIter {
			log.Warnf("dispersion fit did not converge after %d iterations (coefficients %v -> %v)", iter, oldCoefs, coefs)
			break
		}
	}
	return fi, nil
}

var dispersionGLMLog = stdlog.New(io.Discard, "", 0)

// gammaFit fits disp ~ 1 + 1/mu with a Gamma family and identity
// link, starting from start.
func gammaFit(rows []DispersionRow, start [2]float64) (coefs [2]float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			// typically "matrix singular or near-singular"
			err = fmt.Errorf("%w: gamma GLM: %v", ErrFitFailed, r)
		}
	}()
	y := make([]statmodel.Dtype, len(rows))
	icept := make([]statmodel.Dtype, len(rows))
	invmu := make([]statmodel.Dtype, len(rows))
	for i, row := range rows {
		y[i] = row.Disp
		icept[i] = 1
		invmu[i] = 1 / row.Mu
	}
	names := []string{"disp", "icept", "invmu"}
	dataset := statmodel.NewDataset([][]statmodel.Dtype{y, icept, invmu}, names)
	cfg := &glm.Config{
		Family:    glm.NewFamily(glm.GammaFamily),
		Link:      glm.NewLink(glm.IdentityLink),
		FitMethod: "IRLS",
		Start:     []float64{start[0], start[1]},
		Log:       dispersionGLMLog,
	}
	model, err := glm.NewGLM(dataset, "disp", names[1:], cfg)
	if err != nil {
		return coefs, fmt.Errorf("%w: %s", ErrFitFailed, err)
	}
	params := model.Fit().Params()
	if len(params) != 2 || math.IsNaN(params[0]) || math.IsNaN(params[1]) {
		return coefs, fmt.Errorf("%w: gamma GLM returned %v", ErrFitFailed, params)
	}
	return [2]float64{params[0], params[1]}, nil
}

// TopTableRow is one gene's entry in a dispersion summary.
type TopTableRow struct {
	GeneID              string
	MeanExpression      float64
	DispersionFit       float64
	DispersionEmpirical float64
}

// DispersionTable returns, for every gene with a method-of-moments
// estimate, its mean expression together with the fitted and
// empirical dispersion. Dispersion must have been run for layer.
func DispersionTable(adata *anndata.AnnData, layer string) ([]TopTableRow, error) {
	fi, ok := adata.Uns[DispFitInfoKey(layer)].(*DispFitInfo)
	if !ok {
		return nil, fmt.Errorf("%w: no dispersion fit for layer %s (run Dispersion first)", ErrConfiguration, layer)
	}
	table, err := dispersionTable(adata, layer, fi.MinCellsDetected)
	if err != nil {
		return nil, err
	}
	out := make([]TopTableRow, len(table))
	for i, row := range table {
		out[i] = TopTableRow{
			GeneID:              row.GeneID,
			MeanExpression:      row.Mu,
			DispersionFit:       fi.Func(row.Mu),
			DispersionEmpirical: row.Disp,
		}
	}
	return out, nil
}
