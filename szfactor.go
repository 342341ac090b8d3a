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

const (
	SizeFactorGeometric = "mean-geometric-mean-total"
	SizeFactorMedian    = "median"
)

type SizeFactorOptions struct {
	Layers []string

	// TotalLayers, if all present, are summed and the sum gets
	// its own size factor column (total_Size_Factor).
	TotalLayers []string

	Method     string
	RoundExprs bool
}

func DefaultSizeFactorOptions() SizeFactorOptions {
	return SizeFactorOptions{
		Layers:     AllLayers,
		Method:     SizeFactorGeometric,
		RoundExprs: true,
	}
}

// SizeFactors computes a per-cell sequencing depth factor for each
// resolved layer. Results are strictly positive and finite.
func SizeFactors(adata *anndata.AnnData, opts SizeFactorOptions) (*anndata.Delta, error) {
	if opts.Method != SizeFactorGeometric && opts.Method != SizeFactorMedian {
		return nil, fmt.Errorf("%w: size factor method %q is not supported", ErrConfiguration, opts.Method)
	}
	d := &anndata.Delta{}
	layers := countLayers(adata, opts.Layers, true)
	if total := sumLayers(adata, opts.TotalLayers); total != nil {
		sfs := sizeFactors(total, opts.Method, opts.RoundExprs)
		d.Obs.SetFloat(SizeFactorColumn(totalLayer), sfs)
	}
	for _, layer := range layers {
		cm, ok := layerMatrix(adata, layer)
		if !ok {
			continue
		}
		d.Obs.SetFloat(SizeFactorColumn(layer), sizeFactors(cm, opts.Method, opts.RoundExprs))
	}
	return d, nil
}

// sumLayers returns the elementwise sum of the named layers, or nil
// if names is empty or any layer is missing.
func sumLayers(adata *anndata.AnnData, names []string) matrix.Matrix {
	if len(names) == 0 {
		return nil
	}
	var total matrix.Matrix
	for _, name := range names {
		m, ok := adata.Layers[name]
		if !ok {
			return nil
		}
		if total == nil {
			total = m
		} else {
			total = matrix.Add(total, m)
		}
	}
	return total
}

func sizeFactors(cm matrix.Matrix, method string, round bool) []float64 {
	if round {
		cm = matrix.Round(cm)
	}
	totals := matrix.RowSums(cm)
	for i, t := range totals {
		if t <= 0 {
			totals[i] = 1
		}
	}
	var loc float64
	switch method {
	case SizeFactorMedian:
		loc = median(totals)
	default:
		logs := make([]float64, len(totals))
		for i, t := range totals {
			logs[i] = math.Log(t)
		}
		loc = math.Exp(stat.Mean(logs, nil))
	}
	sfs := make([]float64, len(totals))
	bad := 0
	for i, t := range totals {
		sfs[i] = t / loc
		if math.IsNaN(sfs[i]) || math.IsInf(sfs[i], 0) || sfs[i] <= 0 {
			sfs[i] = 1
			bad++
		}
	}
	if bad > 0 {
		log.Warnf("%d non-finite size factors replaced with 1", bad)
	}
	return sfs
}

// median returns the median of the non-NaN values in x, averaging
// the middle pair when the count is even.
func median(x []float64) float64 {
	s := make([]float64, 0, len(x))
	for _, v := range x {
		if !math.IsNaN(v) {
			s = append(s, v)
		}
	}
	if len(s) == 0 {
		return math.NaN()
	}
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// sizeFactorsFor returns the stored size factors for layer, or
// computes them with the default method if the column is absent.
func sizeFactorsFor(adata *anndata.AnnData, layer string) []float64 {
	if sfs, ok := adata.Obs.Float(SizeFactorColumn(layer)); ok {
		return sfs
	}
	if layer == totalLayer {
		return nil
	}
	cm, ok := layerMatrix(adata, layer)
	if !ok {
		return nil
	}
	return sizeFactors(cm, SizeFactorGeometric, true)
}
