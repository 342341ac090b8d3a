// Copyright (C) The Dynamo Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dynamo

import (
	"fmt"
	"math"

	"github.com/cellvelocity/dynamo/matrix"
	"github.com/james-bowman/nlp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	ReducePCA = "pca"
	ReduceICA = "ica"

	icaTol     = 5e-6
	icaMaxIter = 1000
)

// PCAFit describes an unscaled PCA computed by truncated SVD.
type PCAFit struct {
	// Components is genes × components, in the column order of the
	// reduced matrix (the first, library-size component removed).
	Components             *matrix.Dense
	ExplainedVarianceRatio []float64
}

// ICAFit describes a FastICA decomposition.
type ICAFit struct {
	// Unmixing is components × genes, applied to centered data.
	Unmixing   *matrix.Dense
	Mean       []float64
	Iterations []int
	Converged  bool
}

// reducePCA projects the cells×genes matrix cm onto its leading
// numDim+1 singular vectors and drops the first, which tracks total
// counts. Returns cells × numDim.
func reducePCA(cm matrix.Matrix, numDim int) (*matrix.Dense, *PCAFit, error) {
	n, g := cm.Dims()
	k := numDim + 1
	if max := minInt(n, g); k > max {
		log.Warnf("pca: requested %d components, matrix is %d×%d; using %d", numDim, n, g, max-1)
		k = max
	}
	if k < 2 {
		return nil, nil, fmt.Errorf("%w: matrix %d×%d too small for pca", ErrDataShape, n, g)
	}
	// nlp transformers take features × samples
	features := mat.DenseCopyOf(cm.ToDense().T())
	svd := nlp.NewTruncatedSVD(k)
	reduced, err := svd.FitTransform(features)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: truncated SVD: %s", ErrFitFailed, err)
	}
	// reduced is k × samples
	out := matrix.Zeros(n, k-1)
	for i := 0; i < n; i++ {
		for c := 1; c < k; c++ {
			out.Set(i, c-1, reduced.At(c, i))
		}
	}
	total := 0.0
	for _, v := range columnVariances(matrix.Densify(cm)) {
		total += v
	}
	ratio := columnVariances(out)
	for c := range ratio {
		ratio[c] /= total
	}
	comps := matrix.Zeros(g, k-1)
	for j := 0; j < g; j++ {
		for c := 1; c < k; c++ {
			comps.Set(j, c-1, svd.Components.At(j, c))
		}
	}
	return out, &PCAFit{Components: comps, ExplainedVarianceRatio: ratio}, nil
}

// columnVariances returns the sample variance of each column.
func columnVariances(m *matrix.Dense) []float64 {
	_, c := m.Dims()
	out := make([]float64, c)
	for j := range out {
		_, v := stat.MeanVariance(m.Col(j), nil)
		out[j] = v
	}
	return out
}

// reduceICA runs deflationary FastICA (logcosh contrast) on the
// whitened cells×genes matrix cm and returns cells × numDim sources.
func reduceICA(cm matrix.Matrix, numDim int, seed uint64) (*matrix.Dense, *ICAFit, error) {
	n, g := cm.Dims()
	if numDim > minInt(n, g) {
		numDim = minInt(n, g)
	}
	if numDim < 1 || n < 2 {
		return nil, nil, fmt.Errorf("%w: matrix %d×%d too small for ica", ErrDataShape, n, g)
	}
	xc := mat.DenseCopyOf(cm.ToDense())
	mean := make([]float64, g)
	for j := 0; j < g; j++ {
		col := mat.Col(nil, j, xc)
		mean[j] = stat.Mean(col, nil)
		for i := 0; i < n; i++ {
			xc.Set(i, j, xc.At(i, j)-mean[j])
		}
	}

	// whitening: x1 = xc · V_k · diag(1/s_k) · sqrt(n)
	var svd mat.SVD
	if !svd.Factorize(xc, mat.SVDThin) {
		return nil, nil, fmt.Errorf("%w: ica whitening SVD did not converge", ErrFitFailed)
	}
	var v mat.Dense
	svd.VTo(&v)
	sv := svd.Values(nil)
	whiten := mat.NewDense(g, numDim, nil)
	for c := 0; c < numDim; c++ {
		if sv[c] == 0 {
			return nil, nil, fmt.Errorf("%w: ica input has rank < %d", ErrFitFailed, numDim)
		}
		for j := 0; j < g; j++ {
			whiten.Set(j, c, v.At(j, c)/sv[c]*math.Sqrt(float64(n)))
		}
	}
	var x1 mat.Dense
	x1.Mul(xc, whiten)

	norm := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(seed)}
	w := mat.NewDense(numDim, numDim, nil)
	fit := &ICAFit{Mean: mean, Converged: true}
	wx := make([]float64, n)
	for c := 0; c < numDim; c++ {
		wc := make([]float64, numDim)
		for k := range wc {
			wc[k] = norm.Rand()
		}
		decorrelate(wc, w, c)
		normalizeVec(wc)
		iter := 0
		converged := false
		for iter < icaMaxIter {
			iter++
			for i := 0; i < n; i++ {
				wx[i] = mat.Dot(x1.RowView(i), mat.NewVecDense(numDim, wc))
			}
			next := make([]float64, numDim)
			gpMean := 0.0
			for i, u := range wx {
				t := math.Tanh(u)
				gpMean += 1 - t*t
				for k := 0; k < numDim; k++ {
					next[k] += x1.At(i, k) * t
				}
			}
			gpMean /= float64(n)
			for k := range next {
				next[k] = next[k]/float64(n) - gpMean*wc[k]
			}
			decorrelate(next, w, c)
			normalizeVec(next)
			lim := math.Abs(math.Abs(dot(next, wc)) - 1)
			wc = next
			if lim < icaTol {
				converged = true
				break
			}
		}
		if !converged {
			log.Warnf("ica: component %d did not converge after %d iterations", c, iter)
			fit.Converged = false
		}
		fit.Iterations = append(fit.Iterations, iter)
		w.SetRow(c, wc)
	}
	var sources mat.Dense
	sources.Mul(&x1, w.T())
	var unmix mat.Dense
	unmix.Mul(w, whiten.T())
	fit.Unmixing = matrix.DenseOf(&unmix)
	return matrix.DenseOf(&sources), fit, nil
}

// decorrelate removes from v its projection on the first c rows of
// w (which are unit vectors).
func decorrelate(v []float64, w *mat.Dense, c int) {
	for r := 0; r < c; r++ {
		row := w.RawRowView(r)
		p := dot(v, row)
		for k := range v {
			v[k] -= p * row[k]
		}
	}
}

func normalizeVec(v []float64) {
	n := math.Sqrt(dot(v, v))
	for k := range v {
		v[k] /= n
	}
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
