// Copyright (C) The Dynamo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dynamo

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/cellvelocity/dynamo/matrix"
	"github.com/sajari/regression"
	log "github.com/sirupsen/logrus"
)

const (
	ModeDeterministic = "deterministic"
	ModeMoment        = "moment"
)

// Moments are one group's per-gene moments, genes × time points.
type Moments struct {
	M, V  *matrix.Dense
	TUniq []float64
}

// EstimatorInput is what an Estimator sees for one group of cells.
// All matrices are cells × valid genes.
type EstimatorInput struct {
	Data *VelocityData

	// U and S are the abstract pair from UandS.
	U, S matrix.Matrix

	Mode string
	NTR  bool

	// Moments is keyed like MomentStore ("" or "sl"/"ul") and is
	// only set in moment mode.
	Moments map[string]*Moments
}

// EstimatorResult carries fitted parameters. Per-gene slices are
// indexed like the input's gene columns; protein slices like
// Data.ProteinIndex. Nil slices are left unset in the output.
type EstimatorResult struct {
	Alpha      []float64
	AlphaCells *matrix.Dense // cells × genes, optional

	Beta, Gamma []float64
	Eta, Delta  []float64

	AlphaB, AlphaR2 []float64
	GammaB, GammaR2 []float64
	DeltaB, DeltaR2 []float64

	UU0, UL0, SU0, SL0 []float64
	U0, S0, Total0     []float64

	// moment mode
	A, B, AlphaA, AlphaI []float64

	// Velocities, cells × genes (VelocityP: cells × proteins).
	VelocityU, VelocityS, VelocityP matrix.Matrix
}

// Estimator fits kinetic parameters for one group of cells.
type Estimator interface {
	Fit(in *EstimatorInput) (*EstimatorResult, error)
}

// SteadyStateEstimator estimates degradation rates by regressing U on
// S over the cells in the lower and upper Perc percent of S, assuming
// splicing rate 1. Protein degradation is regressed the same way,
// S on P, assuming translation rate 1.
type SteadyStateEstimator struct {
	Perc float64
}

func NewSteadyStateEstimator() *SteadyStateEstimator {
	return &SteadyStateEstimator{Perc: 5}
}

func (e *SteadyStateEstimator) Fit(in *EstimatorInput) (*EstimatorResult, error) {
	if in.Mode == ModeMoment {
		return nil, fmt.Errorf("%w: steady-state estimator does not support moment mode", ErrConfiguration)
	}
	n, g := in.U.Dims()
	res := &EstimatorResult{
		Beta:    make([]float64, g),
		Gamma:   make([]float64, g),
		GammaB:  make([]float64, g),
		GammaR2: make([]float64, g),
	}
	failed := 0
	for j := 0; j < g; j++ {
		res.Beta[j] = 1
		slope, b, r2, err := e.extremeFit(in.U.Col(j), in.S.Col(j))
		if err != nil {
			failed++
		}
		res.Gamma[j], res.GammaB[j], res.GammaR2[j] = slope, b, r2
	}
	if failed > 0 {
		log.Warnf("steady-state fit: %d of %d genes have too little variation to estimate gamma", failed, g)
	}

	vs := matrix.Zeros(n, g)
	for j := 0; j < g; j++ {
		u, s := in.U.Col(j), in.S.Col(j)
		for i := 0; i < n; i++ {
			vs.Set(i, j, res.Beta[j]*u[i]-res.Gamma[j]*s[i])
		}
	}
	res.VelocityS = vs

	if vd := in.Data; vd.HasLabeling && vd.T != nil {
		res.Alpha = labelingRate(in.U, vd.T)
		vu := matrix.Zeros(n, g)
		for j := 0; j < g; j++ {
			u := in.U.Col(j)
			for i := 0; i < n; i++ {
				vu.Set(i, j, res.Alpha[j]-res.Beta[j]*u[i])
			}
		}
		res.VelocityU = vu
	}
	if vd := in.Data; vd.Layout == FourWay && vd.T != nil {
		first := earliest(vd.T)
		res.UU0 = maskedColMeans(vd.U, first)
		res.UL0 = maskedColMeans(vd.Ul, first)
		res.SU0 = maskedColMeans(vd.S, first)
		res.SL0 = maskedColMeans(vd.Sl, first)
		res.U0 = maskedColMeans(in.U, first)
		res.S0 = maskedColMeans(in.S, first)
		res.Total0 = make([]float64, g)
		for j := range res.Total0 {
			res.Total0[j] = res.UU0[j] + res.UL0[j] + res.SU0[j] + res.SL0[j]
		}
	}
	if err := e.fitProtein(in, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *SteadyStateEstimator) fitProtein(in *EstimatorInput, res *EstimatorResult) error {
	vd := in.Data
	if vd.P == nil || len(vd.ProteinIndex) == 0 {
		return nil
	}
	n, _ := in.S.Dims()
	if r, _ := vd.P.Dims(); r != n {
		return fmt.Errorf("%w: protein matrix has %d rows, expected %d cells", ErrDataShape, r, n)
	}
	np := len(vd.ProteinIndex)
	res.Eta = make([]float64, np)
	res.Delta = make([]float64, np)
	res.DeltaB = make([]float64, np)
	res.DeltaR2 = make([]float64, np)
	vp := matrix.Zeros(n, np)
	for k, j := range vd.ProteinIndex {
		p, s := vd.P.Col(vd.ProteinCols[k]), in.S.Col(j)
		// at steady state eta·s = delta·p
		slope, b, r2, _ := e.extremeFit(s, p)
		res.Eta[k] = 1
		res.Delta[k], res.DeltaB[k], res.DeltaR2[k] = slope, b, r2
		for i := 0; i < n; i++ {
			vp.Set(i, k, res.Eta[k]*s[i]-slope*p[i])
		}
	}
	res.VelocityP = vp
	return nil
}

var errTooFewPoints = errors.New("too few points with distinct values")

// extremeFit regresses y on x using the cells whose x lies at or
// beyond the Perc and 100-Perc percentiles.
func (e *SteadyStateEstimator) extremeFit(y, x []float64) (slope, intercept, r2 float64, err error) {
	sorted := append([]float64(nil), x...)
	sort.Float64s(sorted)
	lo, hi := percentile(sorted, e.Perc), percentile(sorted, 100-e.Perc)
	var ys, xs []float64
	for i := range x {
		if math.IsNaN(x[i]) || math.IsNaN(y[i]) {
			continue
		}
		if x[i] <= lo || x[i] >= hi {
			ys = append(ys, y[i])
			xs = append(xs, x[i])
		}
	}
	return linearFit(ys, xs)
}

// linearFit fits y = intercept + slope·x by least squares.
func linearFit(y, x []float64) (slope, intercept, r2 float64, err error) {
	nan := math.NaN()
	if len(x) < 3 || floatsConstant(x) {
		return nan, nan, nan, errTooFewPoints
	}
	r := new(regression.Regression)
	r.SetObserved("y")
	r.SetVar(0, "x")
	pts := make(regression.DataPoints, len(x))
	for i := range x {
		pts[i] = regression.DataPoint(y[i], []float64{x[i]})
	}
	r.Train(pts...)
	if err := r.Run(); err != nil {
		return nan, nan, nan, err
	}
	return r.Coeff(1), r.Coeff(0), r.R2, nil
}

func floatsConstant(x []float64) bool {
	for _, v := range x[1:] {
		if v != x[0] {
			return false
		}
	}
	return true
}

// labelingRate estimates synthesis per gene as the mean over cells
// with positive labeling time of new / t.
func labelingRate(newer matrix.Matrix, t []float64) []float64 {
	n, g := newer.Dims()
	out := make([]float64, g)
	for j := 0; j < g; j++ {
		col := newer.Col(j)
		sum, cnt := 0.0, 0
		for i := 0; i < n; i++ {
			if t[i] > 0 && !math.IsNaN(col[i]) {
				sum += col[i] / t[i]
				cnt++
			}
		}
		out[j] = math.NaN()
		if cnt > 0 {
			out[j] = sum / float64(cnt)
		}
	}
	return out
}

// earliest marks the cells at the smallest time point.
func earliest(t []float64) []bool {
	min := math.Inf(1)
	for _, v := range t {
		min = math.Min(min, v)
	}
	out := make([]bool, len(t))
	for i, v := range t {
		out[i] = v == min
	}
	return out
}

func maskedColMeans(m matrix.Matrix, rows []bool) []float64 {
	return matrix.ColMeans(m.SubsetRows(rows))
}
