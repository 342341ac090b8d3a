// Copyright (C) The Dynamo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dynamo

import (
	"fmt"
	"math"
	"runtime"
	"sync/atomic"

	"github.com/cellvelocity/dynamo/matrix"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// switchingModel is a two-state promoter that turns on at rate A and
// off at rate B, transcribing at AlphaA while on and AlphaI while
// off. Transcripts are removed at rate K, and each removal yields a
// mature transcript that decays at rate Gamma.
type switchingModel struct {
	A, B, AlphaA, AlphaI float64
	K, Gamma             float64
}

// alpha is the mean synthesis rate with the promoter at its
// stationary distribution.
func (m switchingModel) alpha() float64 {
	p := m.A / (m.A + m.B)
	return p*m.AlphaA + (1-p)*m.AlphaI
}

// moments returns the transcript mean and variance and the mature
// transcript mean at times t after labeling starts with no labeled
// RNA present.
func (m switchingModel) moments(t []float64) (mean, variance, mature []float64) {
	p := m.A / (m.A + m.B)
	alpha := m.alpha()
	// state: E[n], E[n; on], E[n²], E[mature], 1
	gen := mat.NewDense(5, 5, []float64{
		-m.K, 0, 0, 0, alpha,
		m.A, -(m.A + m.B + m.K), 0, 0, m.AlphaA * p,
		2*m.AlphaI + m.K, 2 * (m.AlphaA - m.AlphaI), -2 * m.K, 0, alpha,
		m.K, 0, 0, -m.Gamma, 0,
		0, 0, 0, 0, 0,
	})
	mean = make([]float64, len(t))
	variance = make([]float64, len(t))
	mature = make([]float64, len(t))
	var scaled, prop mat.Dense
	for i, ti := range t {
		scaled.Scale(ti, gen)
		prop.Exp(&scaled)
		mean[i] = prop.At(0, 4)
		variance[i] = prop.At(2, 4) - mean[i]*mean[i]
		mature[i] = prop.At(3, 4)
	}
	return mean, variance, mature
}

// MomentEstimator fits a switchingModel per gene to the per-time-point
// moments of labeled RNA. The mean curve fixes the synthesis and
// removal rates, then the variance curve splits synthesis between the
// two promoter states without changing the mean.
//
// For four-way data the labeled unspliced moments give beta (the
// removal rate) and the labeled spliced means give gamma. For
// labeling-only data the new RNA removal rate is reported as gamma.
type MomentEstimator struct {
	// MaxEvaluations bounds the objective evaluations of each
	// optimization.
	MaxEvaluations int
	Threads        int
}

func NewMomentEstimator() *MomentEstimator {
	return &MomentEstimator{MaxEvaluations: 600, Threads: runtime.NumCPU()}
}

func (e *MomentEstimator) Fit(in *EstimatorInput) (*EstimatorResult, error) {
	if in.Mode != ModeMoment {
		return nil, fmt.Errorf("%w: moment estimator only supports moment mode", ErrConfiguration)
	}
	fourWay := in.Data.Layout == FourWay
	key := ""
	if fourWay {
		key = "ul"
	}
	mom, ok := in.Moments[key]
	if !ok {
		return nil, fmt.Errorf("%w: no %q moments to fit", ErrConfiguration, key)
	}
	var sl *Moments
	if fourWay {
		if sl, ok = in.Moments["sl"]; !ok {
			return nil, fmt.Errorf("%w: no \"sl\" moments to fit", ErrConfiguration)
		}
	}

	g, _ := mom.M.Dims()
	res := &EstimatorResult{
		Alpha:  make([]float64, g),
		Gamma:  make([]float64, g),
		A:      make([]float64, g),
		B:      make([]float64, g),
		AlphaA: make([]float64, g),
		AlphaI: make([]float64, g),
	}
	if fourWay {
		res.Beta = make([]float64, g)
	}
	var failed int64
	thr := throttle{Max: e.Threads}
	for j := 0; j < g; j++ {
		j := j
		thr.Go(func() error {
			var mature []float64
			if sl != nil {
				mature = sl.M.Row(j)
			}
			m, ok := e.fitGene(mom.TUniq, mom.M.Row(j), mom.V.Row(j), mature)
			if !ok {
				atomic.AddInt64(&failed, 1)
				nan := math.NaN()
				m = switchingModel{nan, nan, nan, nan, nan, nan}
			}
			res.A[j], res.B[j], res.AlphaA[j], res.AlphaI[j] = m.A, m.B, m.AlphaA, m.AlphaI
			res.Alpha[j] = m.alpha()
			if fourWay {
				res.Beta[j], res.Gamma[j] = m.K, m.Gamma
			} else {
				res.Gamma[j] = m.K
			}
			return nil
		})
	}
	if err := thr.Wait(); err != nil {
		return nil, err
	}
	if failed > 0 {
		log.Warnf("moment fit: %d of %d genes have too few labeled time points to fit", failed, g)
	}

	n, ng := in.U.Dims()
	vu := matrix.Zeros(n, ng)
	var vs *matrix.Dense
	if fourWay {
		vs = matrix.Zeros(n, ng)
	}
	for j := 0; j < ng; j++ {
		u, s := in.U.Col(j), in.S.Col(j)
		removal := res.Gamma[j]
		if fourWay {
			removal = res.Beta[j]
		}
		for i := 0; i < n; i++ {
			vu.Set(i, j, res.Alpha[j]-removal*u[i])
			if vs != nil {
				vs.Set(i, j, removal*u[i]-res.Gamma[j]*s[i])
			}
		}
	}
	res.VelocityU = vu
	if vs != nil {
		res.VelocityS = vs
	}
	return res, nil
}

// fitGene fits one gene. mature is nil unless the data has labeled
// spliced means.
func (e *MomentEstimator) fitGene(t, mean, variance, mature []float64) (switchingModel, bool) {
	var ts, ms, vs, ss []float64
	for i, ti := range t {
		if ti <= 0 || math.IsNaN(mean[i]) || math.IsNaN(variance[i]) {
			continue
		}
		if mature != nil && math.IsNaN(mature[i]) {
			continue
		}
		ts = append(ts, ti)
		ms = append(ms, mean[i])
		vs = append(vs, variance[i])
		if mature != nil {
			ss = append(ss, mature[i])
		}
	}
	if len(ts) < 2 || floatsConstant(append([]float64{0}, ms...)) {
		return switchingModel{}, false
	}

	k := e.minimize1D(func(k float64) float64 {
		_, sse := meanCurveFit(ts, ms, k)
		return sse
	})
	alpha, _ := meanCurveFit(ts, ms, k)
	m := switchingModel{A: 1, B: 1, AlphaA: alpha, AlphaI: alpha, K: k, Gamma: k}
	if ss != nil {
		m.Gamma = e.minimize1D(func(gamma float64) float64 {
			sse := 0.0
			for i, ti := range ts {
				d := ss[i] - matureMean(alpha, k, gamma, ti)
				sse += d * d
			}
			return sse
		})
	}
	if alpha == 0 {
		return m, true
	}

	scale := 0.0
	for _, v := range vs {
		scale += math.Abs(v)
	}
	scale = math.Max(scale/float64(len(vs)), 1e-12)
	// x = (log a, log b, logit f); f is the share of synthesis
	// contrast between the promoter states.
	build := func(x []float64) switchingModel {
		a, b := math.Exp(x[0]), math.Exp(x[1])
		f := 1 / (1 + math.Exp(-x[2]))
		p := a / (a + b)
		out := m
		out.A, out.B = a, b
		out.AlphaI = alpha * (1 - f)
		out.AlphaA = alpha * (p + (1-p)*f) / p
		return out
	}
	objective := func(x []float64) float64 {
		_, v, _ := build(x).moments(ts)
		sse := 0.0
		for i := range v {
			d := (vs[i] - v[i]) / scale
			sse += d * d
		}
		return finiteOrInf(sse)
	}
	x0 := []float64{0, 0, 0}
	best, bestF := x0, objective(x0)
	result, _ := optimize.Minimize(optimize.Problem{Func: objective}, x0, &optimize.Settings{FuncEvaluations: e.MaxEvaluations}, &optimize.NelderMead{})
	if result != nil && result.F < bestF {
		best = result.X
	}
	return build(best), true
}

// minimize1D finds a positive minimizer of fn on a log-spaced grid
// from 1e-3 to 1e3 and refines it with Nelder-Mead on log x.
func (e *MomentEstimator) minimize1D(fn func(x float64) float64) float64 {
	const lo, hi, steps = 1e-3, 1e3, 120
	best, bestF := lo, math.Inf(1)
	for i := 0; i <= steps; i++ {
		x := lo * math.Pow(hi/lo, float64(i)/steps)
		if f := fn(x); f < bestF {
			best, bestF = x, f
		}
	}
	result, _ := optimize.Minimize(optimize.Problem{
		Func: func(x []float64) float64 { return finiteOrInf(fn(math.Exp(x[0]))) },
	}, []float64{math.Log(best)}, &optimize.Settings{FuncEvaluations: e.MaxEvaluations}, &optimize.NelderMead{})
	if result != nil && result.F < bestF {
		best = math.Exp(result.X[0])
	}
	return best
}

// meanCurveFit returns the least-squares synthesis rate for the mean
// curve alpha/k·(1-exp(-k·t)) and its residual sum of squares.
func meanCurveFit(t, m []float64, k float64) (alpha, sse float64) {
	var mf, ff float64
	f := make([]float64, len(t))
	for i, ti := range t {
		f[i] = -math.Expm1(-k*ti) / k
		mf += m[i] * f[i]
		ff += f[i] * f[i]
	}
	if ff > 0 {
		alpha = math.Max(0, mf/ff)
	}
	for i := range t {
		d := m[i] - alpha*f[i]
		sse += d * d
	}
	return alpha, sse
}

// matureMean is the mean of the mature transcript at time t when the
// precursor has synthesis rate alpha and removal rate k.
func matureMean(alpha, k, gamma, t float64) float64 {
	var d float64
	if math.Abs(gamma-k) <= 1e-9*math.Max(gamma, k) {
		d = t * math.Exp(-k*t)
	} else {
		d = (math.Exp(-k*t) - math.Exp(-gamma*t)) / (gamma - k)
	}
	return alpha*(-math.Expm1(-gamma*t))/gamma - alpha*d
}

func finiteOrInf(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return math.Inf(1)
	}
	return x
}
