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

const (
	NormLog = "log"
	NormCLR = "clr"
	NormVST = "vst"
)

type NormalizeOptions struct {
	Layers []string

	// TotalSzFactor names an obs column to divide by instead of
	// each layer's own size factor (e.g. "total_Size_Factor").
	TotalSzFactor string

	Method       string
	Pseudo       float64
	NaturalLog   bool // ln instead of log2
	RelativeExpr bool // divide by size factors before the transform

	// KeepFiltered=false drops genes not marked use_for_dynamo
	// and recomputes size factors on the remaining genes.
	KeepFiltered bool

	// MaterializeZeros densifies sparse layers before the log
	// transform, so implicit zeros become log(Pseudo). When false,
	// sparse layers only transform stored entries.
	MaterializeZeros bool
}

func DefaultNormalizeOptions() NormalizeOptions {
	return NormalizeOptions{
		Layers:       AllLayers,
		Method:       NormLog,
		Pseudo:       1,
		RelativeExpr: true,
		KeepFiltered: true,
	}
}

// Normalize divides each count layer by its size factors and log
// transforms it. The protein matrix is always CLR transformed; CLR
// requested for an RNA layer falls back to log. With NormVST, layers
// that have a dispersion fit get the variance-stabilizing transform
// of their rounded normalized counts, and the others fall back to
// log. Results go to X for the canonical layer, obsm["X_protein"]
// for protein, and "X_<layer>" otherwise.
func Normalize(adata *anndata.AnnData, opts NormalizeOptions) (*anndata.Delta, error) {
	if opts.Method != NormLog && opts.Method != NormCLR && opts.Method != NormVST {
		return nil, fmt.Errorf("%w: normalization method %q is not supported", ErrConfiguration, opts.Method)
	}
	if opts.Pseudo == 0 {
		opts.Pseudo = 1
	}
	d := &anndata.Delta{}
	work := adata
	fresh := false
	if use, ok := adata.Var.Bool("use_for_dynamo"); ok && !opts.KeepFiltered {
		d.SubsetVar(use)
		work = adata.Subset(nil, use)
		fresh = true
	}
	for _, layer := range countLayers(work, opts.Layers, true) {
		cm, _ := layerMatrix(work, layer)
		if layer == "protein" {
			if opts.Method != NormCLR {
				log.Warn("log transformation is not recommended for protein data, using clr")
			}
			d.SetObsm("X_protein", clr(cm))
			continue
		}
		var sfs []float64
		if fresh {
			sfs = sizeFactors(cm, SizeFactorGeometric, true)
			d.Obs.SetFloat(SizeFactorColumn(layer), sfs)
		} else if stored, ok := work.Obs.Float(SizeFactorColumn(layer)); ok {
			sfs = stored
		} else {
			sfs = sizeFactors(cm, SizeFactorGeometric, true)
			d.Obs.SetFloat(SizeFactorColumn(layer), sfs)
		}
		if opts.TotalSzFactor != "" {
			if total, ok := work.Obs.Float(opts.TotalSzFactor); ok {
				sfs = total
			}
		}
		switch opts.Method {
		case NormCLR:
			log.Warnf("clr is only implemented for protein data, using log for layer %s", layer)
		case NormVST:
			if fi, ok := work.Uns[DispFitInfoKey(layer)].(*DispFitInfo); ok {
				d.SetLayer(normalizedName(layer), VarianceStabilize(fi.Coefs, relativeCounts(cm, sfs, opts.RelativeExpr)))
				continue
			}
			log.Warnf("no dispersion fit for layer %s, using log instead of vst", layer)
		}
		d.SetLayer(normalizedName(layer), logNormalize(cm, sfs, opts))
	}
	d.SetUns("pp_norm_method", opts.Method)
	return d, nil
}

func logNormalize(cm matrix.Matrix, sfs []float64, opts NormalizeOptions) matrix.Matrix {
	if opts.MaterializeZeros && cm.IsSparse() {
		cm = matrix.Densify(cm)
	}
	cm = relativeCounts(cm, sfs, opts.RelativeExpr)
	logf := math.Log2
	if opts.NaturalLog {
		logf = math.Log
	}
	pseudo := opts.Pseudo
	cm.Apply(func(_, _ int, v float64) float64 {
		return logf(v + pseudo)
	})
	return cm
}

// relativeCounts returns a copy of cm, with rows divided by the size
// factors if relative is set.
func relativeCounts(cm matrix.Matrix, sfs []float64, relative bool) matrix.Matrix {
	cm = cm.Clone()
	if relative {
		inv := make([]float64, len(sfs))
		for i, s := range sfs {
			inv[i] = 1 / s
		}
		cm.ScaleRows(inv)
	}
	return cm
}

// Denormalize inverts the log transform applied by Normalize for
// dense or materialized output: it exponentiates, subtracts the
// pseudocount and multiplies back by the size factors.
func Denormalize(norm matrix.Matrix, sfs []float64, opts NormalizeOptions) matrix.Matrix {
	out := norm.Clone()
	pseudo := opts.Pseudo
	if pseudo == 0 {
		pseudo = 1
	}
	base := 2.0
	if opts.NaturalLog {
		base = math.E
	}
	out.Apply(func(_, _ int, v float64) float64 {
		return math.Pow(base, v) - pseudo
	})
	if opts.RelativeExpr {
		out.ScaleRows(sfs)
	}
	return out
}

// clr is the per-feature centered log-ratio transform:
// log1p(x / exp(sum(log1p(x[x>0])) / ncells)), NaN coerced to 0.
func clr(cm matrix.Matrix) matrix.Matrix {
	n, g := cm.Dims()
	sums := make([]float64, g)
	cm.DoNonZero(func(_, j int, v float64) {
		if v > 0 {
			sums[j] += math.Log1p(v)
		}
	})
	out := matrix.Densify(cm)
	denom := make([]float64, g)
	for j, s := range sums {
		denom[j] = math.Exp(s / float64(n))
	}
	out.Apply(func(_, j int, v float64) float64 {
		r := math.Log1p(v / denom[j])
		if math.IsNaN(r) {
			return 0
		}
		return r
	})
	return out
}

// VarianceStabilize rounds cm and applies the variance-stabilizing
// transform implied by a fitted dispersion model with coefficients
// (asymptotic dispersion c0, extra-Poisson term c1).
func VarianceStabilize(coefs [2]float64, cm matrix.Matrix) matrix.Matrix {
	c0, c1 := coefs[0], coefs[1]
	out := matrix.Densify(cm)
	out.Apply(func(_, _ int, q float64) float64 {
		q = math.Round(q)
		return math.Log2((1 + c1 + 2*c0*q + 2*math.Sqrt(c0*q*(1+c1+c0*q))) / (4 * c0))
	})
	return out
}
